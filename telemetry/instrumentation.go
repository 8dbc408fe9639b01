package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/engine"
)

const instrumentationName = "github.com/hupe1980/agentpipe"

// Options configure Instrumentation.
type Options struct {
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	// RecordMetrics toggles step and run metrics on the global meter provider.
	RecordMetrics bool
}

type runSpan struct {
	ctx   context.Context
	span  trace.Span
	steps map[string]stepSpan
}

type stepSpan struct {
	span    trace.Span
	started time.Time
}

// Instrumentation maps run lifecycle callbacks to spans and metrics. A run
// becomes a "pipeline.run" span; every running→terminal step execution
// becomes a child "pipeline.step" span. A re-entrant manager step yields one
// span per execution.
type Instrumentation struct {
	tracer  trace.Tracer
	metrics bool

	mu   sync.Mutex
	runs map[string]*runSpan
}

// NewInstrumentation creates an Instrumentation.
func NewInstrumentation(optFns ...func(o *Options)) *Instrumentation {
	opts := Options{RecordMetrics: true}
	for _, fn := range optFns {
		fn(&opts)
	}

	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Instrumentation{
		tracer:  tp.Tracer(instrumentationName),
		metrics: opts.RecordMetrics,
		runs:    make(map[string]*runSpan),
	}
}

// Callbacks returns the engine callbacks driving this instrumentation.
func (in *Instrumentation) Callbacks() []engine.Callback {
	return []engine.Callback{
		engine.NewFunctionCallback(engine.CallbackBeforeRun, in.beforeRun),
		engine.NewFunctionCallback(engine.CallbackOnStepEvent, in.onStepEvent),
		engine.NewFunctionCallback(engine.CallbackAfterRun, in.afterRun),
	}
}

func (in *Instrumentation) beforeRun(ctx context.Context, cb *engine.CallbackContext) error {
	spanCtx, span := in.tracer.Start(ctx, "pipeline.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.id", cb.RunID),
			attribute.String("pipeline.id", cb.Definition.ID),
			attribute.String("pipeline.pattern", string(cb.Definition.Pattern)),
			attribute.Int("pipeline.steps", len(cb.Definition.Steps)),
		),
	)

	in.mu.Lock()
	in.runs[cb.RunID] = &runSpan{ctx: spanCtx, span: span, steps: make(map[string]stepSpan)}
	in.mu.Unlock()

	return nil
}

func (in *Instrumentation) onStepEvent(ctx context.Context, cb *engine.CallbackContext) error {
	ev := cb.Event

	in.mu.Lock()
	defer in.mu.Unlock()

	run, ok := in.runs[cb.RunID]
	if !ok {
		return nil
	}

	switch {
	case ev.State == core.StateRunning:
		_, span := in.tracer.Start(run.ctx, "pipeline.step",
			trace.WithTimestamp(ev.Timestamp),
			trace.WithAttributes(
				attribute.String("step.ref", ev.StepRef),
				attribute.Int64("step.seq", int64(ev.Seq)),
			),
		)
		run.steps[ev.StepRef] = stepSpan{span: span, started: ev.Timestamp}
	case ev.State.Terminal():
		st, ok := run.steps[ev.StepRef]
		delete(run.steps, ev.StepRef)

		var kind core.ErrorKind
		if ev.Error != nil {
			kind = ev.Error.Kind
		}

		var dur time.Duration

		if ok {
			st.span.SetAttributes(attribute.String("step.state", string(ev.State)))

			if ev.Error != nil {
				st.span.SetAttributes(attribute.String("error.kind", string(kind)))
				st.span.SetStatus(codes.Error, ev.Error.Message)
			} else {
				st.span.SetStatus(codes.Ok, "")
			}

			st.span.End(trace.WithTimestamp(ev.Timestamp))

			dur = ev.Timestamp.Sub(st.started)
		}

		if in.metrics {
			RecordStepMetrics(ctx, StepMetrics{
				PipelineID: cb.Definition.ID,
				Pattern:    cb.Definition.Pattern,
				StepRef:    ev.StepRef,
				State:      ev.State,
				ErrorKind:  kind,
				Duration:   dur,
			})
		}
	}

	return nil
}

func (in *Instrumentation) afterRun(ctx context.Context, cb *engine.CallbackContext) error {
	in.mu.Lock()
	run, ok := in.runs[cb.RunID]
	delete(in.runs, cb.RunID)
	in.mu.Unlock()

	if ok {
		for _, st := range run.steps {
			st.span.End()
		}

		if res := cb.Result; res != nil {
			run.span.SetAttributes(attribute.String("run.status", string(res.Status)))

			if res.Error != nil {
				run.span.SetAttributes(attribute.String("error.kind", string(res.Error.Kind)))
				run.span.SetStatus(codes.Error, res.Error.Message)
			} else {
				run.span.SetStatus(codes.Ok, "")
			}
		}

		run.span.End()
	}

	if in.metrics {
		RecordRunMetrics(ctx, cb.Result)
	}

	return nil
}

// ActiveSpans reports how many runs currently have an open span.
func (in *Instrumentation) ActiveSpans() int {
	in.mu.Lock()
	defer in.mu.Unlock()

	return len(in.runs)
}
