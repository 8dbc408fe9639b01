package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpipe/engine"
	apptest "github.com/hupe1980/agentpipe/internal/testutil"
)

func newEngine(m *Metrics, inv *apptest.ScriptedInvoker) *engine.Engine {
	return engine.New(func(o *engine.Options) {
		o.Invoker = inv
		o.Callbacks = m.Callbacks()
	})
}

func TestMetrics_CompletedRun(t *testing.T) {
	m := New()
	eng := newEngine(m, apptest.NewScriptedInvoker())

	_, err := eng.Run(context.Background(), apptest.Sequential("p", "A", "B").Build(), "x")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("sequential", "completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.runsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stepTransitions.WithLabelValues("sequential", "pending")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stepTransitions.WithLabelValues("sequential", "running")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stepTransitions.WithLabelValues("sequential", "succeeded")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.runDuration))
}

func TestMetrics_FailedRun(t *testing.T) {
	m := New()
	inv := apptest.NewScriptedInvoker().On("A", apptest.Behavior{Err: errors.New("boom")})
	eng := newEngine(m, inv)

	_, err := eng.Run(context.Background(), apptest.Sequential("p", "A", "B").Build(), "x")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("sequential", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepErrors.WithLabelValues("sequential", "invocation")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.stepTransitions.WithLabelValues("sequential", "succeeded")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	eng := newEngine(m, apptest.NewScriptedInvoker())

	_, err := eng.Run(context.Background(), apptest.Parallel("p", "A", "B").Build(), "x")
	require.NoError(t, err)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `agentpipe_runs_total{pattern="parallel",status="completed"} 1`)
}
