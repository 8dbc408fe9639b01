package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hupe1980/agentpipe/core"
)

var (
	metricsOnce     sync.Once
	metricsInitErr  error
	stepCounter     metric.Int64Counter
	stepLatencyHist metric.Float64Histogram
	runCounter      metric.Int64Counter
	runLatencyHist  metric.Float64Histogram
)

// StepMetrics captures the fields recorded for a finished step execution.
type StepMetrics struct {
	PipelineID string
	Pattern    core.Pattern
	StepRef    string
	State      core.StepState
	ErrorKind  core.ErrorKind
	Duration   time.Duration
}

// RecordStepMetrics emits a counter and a latency histogram for one step execution.
func RecordStepMetrics(ctx context.Context, m StepMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", m.PipelineID),
		attribute.String("pipeline.pattern", string(m.Pattern)),
		attribute.String("step.ref", m.StepRef),
		attribute.String("step.state", string(m.State)),
	}
	if m.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error.kind", string(m.ErrorKind)))
	}

	stepCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		stepLatencyHist.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

// RecordRunMetrics emits a counter and a latency histogram for a finished run.
func RecordRunMetrics(ctx context.Context, res *core.ExecutionResult) {
	if res == nil {
		return
	}

	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("pipeline.id", res.PipelineID),
		attribute.String("pipeline.pattern", string(res.Pattern)),
		attribute.String("run.status", string(res.Status)),
	)

	runCounter.Add(ctx, 1, attrs)
	runLatencyHist.Record(ctx, float64(res.Duration())/float64(time.Millisecond), attrs)
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("agentpipe.engine")

		stepCounter, metricsInitErr = meter.Int64Counter(
			"agentpipe.step.executions_total",
			metric.WithDescription("Step executions partitioned by terminal state"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepLatencyHist, metricsInitErr = meter.Float64Histogram(
			"agentpipe.step.duration_ms",
			metric.WithDescription("Observed step execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		runCounter, metricsInitErr = meter.Int64Counter(
			"agentpipe.run.total",
			metric.WithDescription("Finished runs partitioned by status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		runLatencyHist, metricsInitErr = meter.Float64Histogram(
			"agentpipe.run.duration_ms",
			metric.WithDescription("Observed run latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// ResetMetricsForTest clears cached instruments so tests can reinitialize
// them against a fresh MeterProvider.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	stepCounter = nil
	stepLatencyHist = nil
	runCounter = nil
	runLatencyHist = nil
}
