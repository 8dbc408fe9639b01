package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpipe/internal/testutil"
	"github.com/hupe1980/agentpipe/logging"
)

func stepLogLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}

		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))

		if msg, _ := m["msg"].(string); strings.HasPrefix(msg, "Step execution") {
			out = append(out, m)
		}
	}

	return out
}

func TestEngine_LogsTerminalStepTransitions(t *testing.T) {
	buf := &bytes.Buffer{}
	cfg := logging.DefaultLoggerConfig()
	cfg.Output = buf

	inv := testutil.NewScriptedInvoker().
		On("A", testutil.Behavior{Output: "a", Delay: 20 * time.Millisecond}).
		On("B", testutil.Behavior{Err: errors.New("boom")})
	eng := newTestEngine(inv, nil, func(o *Options) { o.Logger = logging.NewLogger(cfg) })

	result, err := eng.Run(context.Background(), testutil.Sequential("p", "A", "B", "C").Build(), "x")
	require.Error(t, err)
	require.NotNil(t, result)

	lines := stepLogLines(t, buf)
	require.Len(t, lines, 2, "pending steps are not terminal and are not logged")

	assert.Equal(t, "Step execution completed", lines[0]["msg"])
	assert.Equal(t, "A", lines[0]["step_ref"])
	assert.Equal(t, "succeeded", lines[0]["state"])
	assert.Equal(t, result.RunID, lines[0]["run_id"])
	assert.GreaterOrEqual(t, lines[0]["duration"].(float64), float64(20*time.Millisecond))

	assert.Equal(t, "Step execution failed", lines[1]["msg"])
	assert.Equal(t, "B", lines[1]["step_ref"])
	assert.Contains(t, lines[1]["error"], "boom")
}
