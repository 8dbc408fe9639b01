package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/model"
)

func TestModelAgent_Invoke(t *testing.T) {
	m := model.NewMockModel("mock-1", "mock")
	m.AddResponse("hello", "world")

	a := NewModel(m, func(o *ModelOptions) {
		o.Instructions = "Answer {{ .text | upper }}"
	})

	out, err := a.Invoke(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "world", out)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Answer HELLO", reqs[0].Instructions)
	assert.Equal(t, "hello", reqs[0].UserText())
}

func TestModelAgent_StructuredInputRenderedAsJSON(t *testing.T) {
	m := model.NewMockModel("mock-1", "mock")
	m.AddResponse(`{"a":1}`, "ok")

	out, err := NewModel(m).Invoke(context.Background(), map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestModelAgent_Streaming(t *testing.T) {
	m := model.NewMockModel("mock-1", "mock")
	m.SetFallback("streamed")

	out, err := NewModel(m, func(o *ModelOptions) { o.Stream = true }).Invoke(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "streamed", out)
}

func TestModelAgent_Error(t *testing.T) {
	boom := errors.New("boom")
	m := model.NewMockModel("mock-1", "mock")
	m.SetError(boom)

	_, err := NewModel(m).Invoke(context.Background(), "q")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "mock/mock-1")
}

func TestModelAgent_BadTemplate(t *testing.T) {
	m := model.NewMockModel("mock-1", "mock")

	_, err := NewModel(m, func(o *ModelOptions) { o.Instructions = "{{ .text" }).Invoke(context.Background(), "q")
	require.Error(t, err)
	assert.Empty(t, m.Requests())
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}

		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}

	return out
}

func TestModelAgent_LogsModelCalls(t *testing.T) {
	buf := &bytes.Buffer{}
	cfg := logging.DefaultLoggerConfig()
	cfg.Output = buf
	logger := logging.NewLogger(cfg)

	m := model.NewMockModel("mock-1", "mock")
	m.AddResponse("hello", "world")

	_, err := NewModel(m, func(o *ModelOptions) { o.Logger = logger }).Invoke(context.Background(), "hello")
	require.NoError(t, err)

	m.SetError(errors.New("boom"))
	_, err = NewModel(m, func(o *ModelOptions) { o.Logger = logger }).Invoke(context.Background(), "hello")
	require.Error(t, err)

	lines := logLines(t, buf)
	require.Len(t, lines, 2)

	assert.Equal(t, "Model call completed", lines[0]["msg"])
	assert.Equal(t, "mock/mock-1", lines[0]["model"])
	assert.EqualValues(t, 10, lines[0]["token_count"])
	assert.Equal(t, true, lines[0]["success"])

	assert.Equal(t, "Model call failed", lines[1]["msg"])
	assert.Equal(t, "boom", lines[1]["error"])
}
