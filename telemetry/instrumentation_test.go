package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/engine"
	"github.com/hupe1980/agentpipe/internal/testutil"
)

func newTracedEngine(t *testing.T, inv core.AgentInvoker, decider core.RoutingDecider) (*engine.Engine, *tracetest.SpanRecorder, *Instrumentation) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)

	in := NewInstrumentation(func(o *Options) {
		o.TracerProvider = tp
		o.RecordMetrics = false
	})

	eng := engine.New(func(o *engine.Options) {
		o.Invoker = inv
		o.Decider = decider
		o.Callbacks = in.Callbacks()
	})

	return eng, recorder, in
}

func spansByName(spans []sdktrace.ReadOnlySpan, name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan

	for _, s := range spans {
		if s.Name() == name {
			out = append(out, s)
		}
	}

	return out
}

func attr(s sdktrace.ReadOnlySpan, key string) string {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}

	return ""
}

func TestInstrumentation_SequentialSpans(t *testing.T) {
	inv := testutil.NewScriptedInvoker()
	eng, recorder, in := newTracedEngine(t, inv, nil)

	result, err := eng.Run(context.Background(), testutil.Sequential("seq", "A", "B").Build(), "x")
	require.NoError(t, err)

	ended := recorder.Ended()

	runs := spansByName(ended, "pipeline.run")
	require.Len(t, runs, 1)
	assert.Equal(t, result.RunID, attr(runs[0], "run.id"))
	assert.Equal(t, "sequential", attr(runs[0], "pipeline.pattern"))
	assert.Equal(t, "completed", attr(runs[0], "run.status"))
	assert.Equal(t, codes.Ok, runs[0].Status().Code)

	steps := spansByName(ended, "pipeline.step")
	require.Len(t, steps, 2)

	for _, s := range steps {
		assert.Equal(t, runs[0].SpanContext().SpanID(), s.Parent().SpanID())
		assert.Equal(t, "succeeded", attr(s, "step.state"))
	}

	assert.Zero(t, in.ActiveSpans())
}

func TestInstrumentation_FailedStep(t *testing.T) {
	inv := testutil.NewScriptedInvoker().On("B", testutil.Behavior{Err: errors.New("boom")})
	eng, recorder, _ := newTracedEngine(t, inv, nil)

	_, err := eng.Run(context.Background(), testutil.Sequential("seq", "A", "B").Build(), "x")
	require.Error(t, err)

	runs := spansByName(recorder.Ended(), "pipeline.run")
	require.Len(t, runs, 1)
	assert.Equal(t, codes.Error, runs[0].Status().Code)
	assert.Equal(t, "invocation", attr(runs[0], "error.kind"))

	var failed int

	for _, s := range spansByName(recorder.Ended(), "pipeline.step") {
		if attr(s, "step.state") == "failed" {
			failed++

			assert.Equal(t, "B", attr(s, "step.ref"))
			assert.Equal(t, codes.Error, s.Status().Code)
		}
	}

	assert.Equal(t, 1, failed)
}

func TestInstrumentation_SupervisorManagerSpans(t *testing.T) {
	inv := testutil.NewScriptedInvoker()
	eng, recorder, _ := newTracedEngine(t, inv, testutil.FixedDecider("A"))

	_, err := eng.Run(context.Background(), testutil.Supervisor("sup", "M", "A", "B").Build(), "x")
	require.NoError(t, err)

	var managerSpans int

	for _, s := range spansByName(recorder.Ended(), "pipeline.step") {
		if attr(s, "step.ref") == "M" {
			managerSpans++
		}
	}

	// decide + finalize
	assert.Equal(t, 2, managerSpans)
}

func TestInstrumentation_RecordsMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()

	in := NewInstrumentation(func(o *Options) { o.TracerProvider = sdktrace.NewTracerProvider() })
	eng := engine.New(func(o *engine.Options) {
		o.Invoker = testutil.NewScriptedInvoker()
		o.Callbacks = in.Callbacks()
	})

	_, err := eng.Run(ctx, testutil.Parallel("par", "A", "B", "C").Build(), "x")
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	metrics := map[string]metricdata.Metrics{}

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}

	steps, ok := metrics["agentpipe.step.executions_total"]
	require.True(t, ok)

	stepData, ok := steps.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	var total int64
	for _, dp := range stepData.DataPoints {
		total += dp.Value

		state, _ := dp.Attributes.Value(attribute.Key("step.state"))
		assert.Equal(t, "succeeded", state.AsString())
	}

	assert.Equal(t, int64(3), total)

	runs, ok := metrics["agentpipe.run.total"]
	require.True(t, ok)

	runData, ok := runs.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, runData.DataPoints, 1)
	assert.Equal(t, int64(1), runData.DataPoints[0].Value)

	_, ok = metrics["agentpipe.step.duration_ms"]
	assert.True(t, ok)
}

func TestSetupProvider_NoEndpoint(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
