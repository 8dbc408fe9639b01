package pattern

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/logging"
)

// ErrNoDecider is returned when a supervisor runs without a RoutingDecider.
var ErrNoDecider = errors.New("no routing decider configured")

// Strategy executes one pipeline topology.
type Strategy interface {
	Pattern() core.Pattern
	Execute(ctx context.Context, def core.PipelineDefinition, input any, env *Env) Outcome
}

// Outcome is what a strategy hands back to the engine.
type Outcome struct {
	Output  any
	PerStep map[string]any
	Err     error
}

// Sink receives the step transitions a strategy reports.
type Sink func(ev core.StepEvent)

// Env bundles the capabilities and limits a strategy runs with.
type Env struct {
	Invoker core.AgentInvoker
	Decider core.RoutingDecider
	Emit    Sink
	Logger  logging.Logger

	// MaxParallelism bounds concurrent parallel branches; 0 means unbounded.
	MaxParallelism int
	// DefaultTimeout applies to steps without their own timeout; 0 means none.
	DefaultTimeout time.Duration
	// Limiter caps agent invocations per run; nil means unlimited.
	Limiter *core.InvocationLimiter
}

// For returns the strategy for p, or false for an unknown pattern.
func For(p core.Pattern) (Strategy, bool) {
	switch p {
	case core.PatternSequential:
		return Sequential{}, true
	case core.PatternParallel:
		return Parallel{}, true
	case core.PatternSupervisor:
		return Supervisor{}, true
	default:
		return nil, false
	}
}

func (env *Env) logger() logging.Logger {
	if env.Logger == nil {
		return logging.NoOpLogger{}
	}

	return env.Logger
}

func (env *Env) emit(ev core.StepEvent) {
	if env.Emit != nil {
		env.Emit(ev)
	}
}

func (env *Env) pending(ref string) {
	env.emit(core.NewStepEvent(ref, core.StatePending))
}

// begin moves ref to running unless ctx is already done. A false return
// means the step must not be dispatched.
func (env *Env) begin(ctx context.Context, ref string) bool {
	if ctx.Err() != nil {
		return false
	}

	env.emit(core.NewStepEvent(ref, core.StateRunning))

	return true
}

func (env *Env) succeed(ref string, output any) {
	env.emit(core.NewStepEvent(ref, core.StateSucceeded).WithOutput(output))
}

func (env *Env) fail(ref string, err error) {
	env.emit(core.NewStepEvent(ref, core.StateFailed).WithError(err))
}

func (env *Env) timeoutFor(step core.StepSpec) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout.Std()
	}

	return env.DefaultTimeout
}

// invoke calls the step's agent under the step timeout and maps the failure
// into the error taxonomy.
func (env *Env) invoke(ctx context.Context, step core.StepSpec, input any) (any, error) {
	ref := step.Ref()

	if env.Limiter != nil {
		if err := env.Limiter.Acquire(); err != nil {
			return nil, &core.InvocationError{StepRef: ref, AgentRef: step.AgentRef, Err: err}
		}
	}

	timeout := env.timeoutFor(step)

	out, timedOut, err := callWithTimeout(ctx, timeout, func(callCtx context.Context) (any, error) {
		return env.Invoker.Invoke(callCtx, step.AgentRef, input)
	})

	switch {
	case timedOut:
		return nil, &core.TimeoutError{StepRef: ref, Timeout: timeout}
	case err == nil:
		return out, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("step %q: %w", ref, errors.Join(core.ErrCancelled, err))
	default:
		var terr *core.TimeoutError
		if errors.As(err, &terr) {
			return nil, err
		}

		return nil, &core.InvocationError{StepRef: ref, AgentRef: step.AgentRef, Err: err}
	}
}

// decide asks the decider for a worker on behalf of the manager step.
func (env *Env) decide(ctx context.Context, manager core.StepSpec, req core.RoutingRequest) (string, error) {
	ref := manager.Ref()

	if env.Decider == nil {
		return "", &core.RoutingError{StepRef: ref, Err: ErrNoDecider}
	}

	timeout := env.timeoutFor(manager)

	worker, timedOut, err := callWithTimeout(ctx, timeout, func(callCtx context.Context) (string, error) {
		return env.Decider.Decide(callCtx, req)
	})

	switch {
	case timedOut:
		return "", &core.TimeoutError{StepRef: ref, Timeout: timeout}
	case err == nil:
		return worker, nil
	case ctx.Err() != nil:
		return "", fmt.Errorf("step %q: %w", ref, errors.Join(core.ErrCancelled, err))
	default:
		var rerr *core.RoutingError
		if errors.As(err, &rerr) {
			return "", err
		}

		return "", &core.RoutingError{StepRef: ref, Err: err}
	}
}

type callResult[T any] struct {
	val T
	err error
}

// callWithTimeout runs fn under a child context bounded by timeout. When the
// step's own deadline expires first the call is abandoned and timedOut is
// true. When the parent is cancelled the call is allowed to finish so the
// result can still be recorded on its step.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (val T, timedOut bool, err error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	resCh := make(chan callResult[T], 1)

	go func() {
		v, err := fn(callCtx)
		resCh <- callResult[T]{val: v, err: err}
	}()

	var deadline <-chan struct{}
	if timeout > 0 {
		deadline = callCtx.Done()
	}

	select {
	case r := <-resCh:
		if r.err != nil && timeout > 0 && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return val, true, r.err
		}

		return r.val, false, r.err
	case <-deadline:
		if ctx.Err() == nil {
			return val, true, context.DeadlineExceeded
		}

		r := <-resCh

		return r.val, false, r.err
	}
}
