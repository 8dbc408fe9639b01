package engine

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentpipe/core"
)

// Run is the handle of one pipeline execution started with Engine.Start.
type Run struct {
	id        string
	def       core.PipelineDefinition
	trace     *core.Trace
	cancel    context.CancelFunc
	done      chan struct{}
	buffer    int
	startedAt time.Time

	mu     sync.RWMutex
	result *core.ExecutionResult
	err    error

	startsMu sync.Mutex
	starts   map[string]time.Time
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Definition returns the definition the run executes.
func (r *Run) Definition() core.PipelineDefinition { return r.def }

// StartedAt returns when the run was started.
func (r *Run) StartedAt() time.Time { return r.startedAt }

// Trace returns the live trace of the run.
func (r *Run) Trace() *core.Trace { return r.trace }

// Subscribe streams the run's trace from the first event. The channel is
// closed when the run finished and every event was delivered, or when ctx ends.
func (r *Run) Subscribe(ctx context.Context) <-chan core.StepEvent {
	return r.trace.Subscribe(ctx, r.buffer)
}

// Cancel requests cancellation of the run.
func (r *Run) Cancel() { r.cancel() }

// Done is closed once the result is available.
func (r *Run) Done() <-chan struct{} { return r.done }

// Finished reports whether the run has ended.
func (r *Run) Finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Result returns the final result and top-level error. Before the run
// finished both are nil.
func (r *Run) Result() (*core.ExecutionResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.result, r.err
}

// Wait blocks until the run finished or ctx is done.
func (r *Run) Wait(ctx context.Context) (*core.ExecutionResult, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Run) finish(result *core.ExecutionResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.result = result
	r.err = err
}

// stepDuration tracks the latest running timestamp per step and returns the
// time since it for terminal events.
func (r *Run) stepDuration(ev core.StepEvent) (time.Duration, bool) {
	r.startsMu.Lock()
	defer r.startsMu.Unlock()

	if ev.State == core.StateRunning {
		if r.starts == nil {
			r.starts = make(map[string]time.Time)
		}

		r.starts[ev.StepRef] = ev.Timestamp

		return 0, false
	}

	if !ev.State.Terminal() {
		return 0, false
	}

	start, ok := r.starts[ev.StepRef]
	if !ok {
		return 0, true
	}

	return ev.Timestamp.Sub(start), true
}
