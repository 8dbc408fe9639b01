package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/pattern"
)

var (
	// ErrNoInvoker is returned when a run is started on an engine without an AgentInvoker.
	ErrNoInvoker = errors.New("engine has no agent invoker configured")

	// ErrRunNotFound is returned for operations on a run that is neither
	// active nor among the retained finished runs.
	ErrRunNotFound = errors.New("run not found")
)

// Config defines tuning parameters for the Engine's operational behavior.
//
// Example:
//
//	cfg := Config{
//	    MaxParallelism:     4,
//	    DefaultStepTimeout: 30 * time.Second,
//	}
type Config struct {
	// MaxParallelism bounds how many parallel branches of one run invoke
	// agents at the same time. Set to 0 for unbounded fan-out.
	MaxParallelism int

	// DefaultStepTimeout applies to every step that does not declare its own
	// timeout. Zero disables the default timeout.
	DefaultStepTimeout time.Duration

	// MaxInvocationsPerRun caps the number of agent invocations a single run
	// may perform, summarizer and finalisation calls included. Zero means
	// unlimited.
	MaxInvocationsPerRun int

	// SubscriberBuffer sets the channel capacity of trace subscriptions.
	// Larger buffers let slow consumers lag further behind without stalling
	// their own delivery goroutine; writers are never blocked either way.
	SubscriberBuffer int

	// RetainFinished is how many finished runs stay reachable by ID for
	// Subscribe and Lookup. The oldest are dropped first. Zero drops a run
	// as soon as it finishes.
	RetainFinished int
}

// DefaultConfig provides default configuration values.
//
// Configuration values:
//   - MaxParallelism: 8
//   - DefaultStepTimeout: 0 (steps run until the agent returns or the run is cancelled)
//   - MaxInvocationsPerRun: 0 (unlimited)
//   - SubscriberBuffer: 16
//   - RetainFinished: 64
var DefaultConfig = Config{
	MaxParallelism:       8,
	DefaultStepTimeout:   0,
	MaxInvocationsPerRun: 0,
	SubscriberBuffer:     16,
	RetainFinished:       64,
}

// Options configures an Engine instance using the functional options pattern.
//
// Example:
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Invoker = catalog
//	    o.Decider = router.NewRego()
//	    o.Logger = logger
//	})
type Options struct {
	// Config contains operational parameters for the engine behavior.
	// Defaults to DefaultConfig if not specified.
	Config Config

	// Invoker calls agents by reference. Required.
	Invoker core.AgentInvoker

	// Decider picks the worker of supervisor pipelines. Required only for
	// supervisor runs.
	Decider core.RoutingDecider

	// Logger provides structured logging for debugging and monitoring.
	// Defaults to NoOp logger if nil.
	Logger logging.Logger

	// Callbacks are registered with the engine's CallbackManager.
	Callbacks []Callback
}

// Engine executes pipeline definitions and owns the lifecycle of every run.
//
// The Engine is the single entry point between callers holding a
// PipelineDefinition and the pattern strategies that know how to execute
// one. For each run it:
//
//   - validates the definition before any step is scheduled
//   - selects the strategy for the definition's pattern
//   - opens a fresh ExecutionTrace and appends every step transition to it
//   - applies per-step timeouts and the per-run invocation budget
//   - marks scheduled steps that never ran as cancelled when the run is cancelled
//   - assembles exactly one ExecutionResult
//
// Concurrency Model:
//   - Every run executes on its own goroutine; concurrent runs share nothing
//     but the configured invoker and decider.
//   - Active runs are tracked in a registry guarded by an RWMutex so they can
//     be looked up, subscribed to and cancelled by ID. The most recent
//     finished runs stay reachable too (Config.RetainFinished), so observers
//     holding only an ID can still replay a fast run's trace.
//   - Traces are safe for concurrent reads while the run is writing.
//
// Cancellation:
// The context passed to Run or Start is the run's cancel signal; Cancel(runID)
// cancels it as well. After cancellation is observed no further step is moved
// to running. Invocations already in flight see their context cancelled and
// may still complete; their result is recorded on their own step but never fed
// into a later step or a merge. The run then fails with a cancelled error.
//
// Example Usage:
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Invoker = catalog
//	})
//
//	result, err := eng.Run(ctx, def, "summarise the incident report")
//	if err != nil {
//	    var verr *core.ValidationError
//	    if errors.As(err, &verr) {
//	        return err // definition rejected, nothing ran
//	    }
//	}
//	fmt.Println(result.Status, result.Output)
type Engine struct {
	invoker   core.AgentInvoker
	decider   core.RoutingDecider
	logger    logging.Logger
	config    Config
	callbacks *CallbackManager

	runs          map[string]*Run
	finished      map[string]*Run
	finishedOrder []string
	runsMu        sync.RWMutex
}

// New creates a new Engine.
//
// The returned Engine is immediately ready for use and safe for concurrent
// access. It does not take ownership of the invoker or decider.
//
// Examples:
//
//	// Invoker only, defaults for everything else
//	eng := New(func(o *Options) { o.Invoker = catalog })
//
//	// Tuned engine with routing and telemetry
//	eng := New(func(o *Options) {
//	    o.Invoker = catalog
//	    o.Decider = decider
//	    o.Config.MaxParallelism = 2
//	    o.Config.DefaultStepTimeout = time.Minute
//	    o.Callbacks = telemetry.NewInstrumentation().Callbacks()
//	})
func New(
	optFns ...func(o *Options),
) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	callbacks := NewCallbackManager()
	for _, cb := range opts.Callbacks {
		callbacks.RegisterCallback(cb)
	}

	return &Engine{
		invoker:   opts.Invoker,
		decider:   opts.Decider,
		logger:    opts.Logger,
		config:    opts.Config,
		callbacks: callbacks,
		runs:      make(map[string]*Run),
		finished:  make(map[string]*Run),
	}
}

// Callbacks returns the engine's callback manager for late registration.
func (e *Engine) Callbacks() *CallbackManager {
	return e.callbacks
}

// Config returns the engine's operational configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Run executes def synchronously and returns its result.
//
// A definition that fails validation returns a nil result and a
// *core.ValidationError; no step is scheduled. Otherwise the result is always
// non-nil and the returned error is the run's top-level error (nil when the
// run completed). Run waits for the run to finish even when ctx is cancelled,
// so the returned result always reflects the final trace.
func (e *Engine) Run(ctx context.Context, def core.PipelineDefinition, input any) (*core.ExecutionResult, error) {
	run, err := e.Start(ctx, def, input)
	if err != nil {
		return nil, err
	}

	<-run.Done()

	return run.Result()
}

// Start validates def and executes it asynchronously. The returned Run handle
// exposes the live trace, subscriptions and cancellation. The run is bound to
// ctx: cancelling ctx cancels the run.
func (e *Engine) Start(ctx context.Context, def core.PipelineDefinition, input any) (*Run, error) {
	if err := core.Validate(def); err != nil {
		return nil, err
	}

	if e.invoker == nil {
		return nil, ErrNoInvoker
	}

	if def.Pattern == core.PatternSupervisor && e.decider == nil {
		return nil, fmt.Errorf("pipeline %q: %w", def.ID, pattern.ErrNoDecider)
	}

	strategy, ok := pattern.For(def.Pattern)
	if !ok {
		// Validate rejects unknown patterns, this guards against drift.
		return nil, &core.ValidationError{PipelineID: def.ID, Problems: []string{fmt.Sprintf("unknown pattern %q", def.Pattern)}}
	}

	runCtx, cancel := context.WithCancel(ctx)

	id := core.NewID()
	run := &Run{
		id:        id,
		def:       def,
		trace:     core.NewTrace(id),
		cancel:    cancel,
		done:      make(chan struct{}),
		buffer:    e.config.SubscriberBuffer,
		startedAt: time.Now().UTC(),
	}

	e.register(run)

	go e.execute(runCtx, run, strategy, input)

	return run, nil
}

// Subscribe streams the trace of an active or retained finished run: the
// events recorded so far followed by live events until the run finishes or
// ctx ends. For a finished run the channel replays the trace and closes.
func (e *Engine) Subscribe(ctx context.Context, runID string) (<-chan core.StepEvent, error) {
	run, ok := e.lookup(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	return run.Subscribe(ctx), nil
}

// Cancel cancels an active run. It returns immediately; the run finishes on
// its own goroutine once in-flight invocations returned. Cancelling a
// retained finished run is a no-op.
func (e *Engine) Cancel(runID string) error {
	run, ok := e.lookup(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	run.Cancel()

	return nil
}

// Lookup returns the handle of an active or retained finished run.
func (e *Engine) Lookup(runID string) (*Run, bool) {
	return e.lookup(runID)
}

// ActiveRuns returns the IDs of all runs that have not finished yet, sorted.
func (e *Engine) ActiveRuns() []string {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()

	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Shutdown cancels every active run and waits until all of them finished or
// ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.runsMu.RLock()
	runs := make([]*Run, 0, len(e.runs))

	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.runsMu.RUnlock()

	for _, r := range runs {
		r.Cancel()
	}

	for _, r := range runs {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (e *Engine) register(run *Run) {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()

	e.runs[run.id] = run
}

// unregister moves a finished run from the active registry into the bounded
// set of retained runs.
func (e *Engine) unregister(id string) {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()

	run, ok := e.runs[id]
	delete(e.runs, id)

	if !ok || e.config.RetainFinished <= 0 {
		return
	}

	e.finished[id] = run
	e.finishedOrder = append(e.finishedOrder, id)

	for len(e.finishedOrder) > e.config.RetainFinished {
		delete(e.finished, e.finishedOrder[0])
		e.finishedOrder = e.finishedOrder[1:]
	}
}

func (e *Engine) lookup(id string) (*Run, bool) {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()

	if r, ok := e.runs[id]; ok {
		return r, true
	}

	r, ok := e.finished[id]

	return r, ok
}

func (e *Engine) runLogger(run *Run) logging.Logger {
	if pl, ok := e.logger.(*logging.PipelineLogger); ok {
		return pl.WithComponent("engine").WithRun(run.id, run.def.ID)
	}

	return e.logger
}

// execute drives one run from BeforeRun to AfterRun.
func (e *Engine) execute(ctx context.Context, run *Run, strategy pattern.Strategy, input any) {
	defer close(run.done)
	defer run.cancel()
	defer e.unregister(run.id)

	logger := e.runLogger(run)
	hookCtx := context.WithoutCancel(ctx)

	logger.Debug("run started", "pattern", run.def.Pattern, "steps", len(run.def.Steps))

	e.fire(hookCtx, logger, CallbackBeforeRun, &CallbackContext{RunID: run.id, Definition: &run.def})

	if manager, ok := run.def.Manager(); ok {
		run.trace.AllowReentry(manager.Ref())
	}

	env := &pattern.Env{
		Invoker:        e.invoker,
		Decider:        e.decider,
		Logger:         logger,
		MaxParallelism: e.config.MaxParallelism,
		DefaultTimeout: e.config.DefaultStepTimeout,
		Limiter:        core.NewInvocationLimiter(e.config.MaxInvocationsPerRun),
		Emit: func(ev core.StepEvent) {
			e.record(hookCtx, logger, run, ev)
		},
	}

	outcome := strategy.Execute(ctx, run.def, input, env)

	if ctx.Err() != nil {
		for _, ref := range run.trace.Pending() {
			e.record(hookCtx, logger, run, core.NewStepEvent(ref, core.StateFailed).WithError(core.ErrCancelled))
		}

		outcome.Err = core.ErrCancelled
	}

	run.trace.Close()

	result := &core.ExecutionResult{
		RunID:          run.id,
		PipelineID:     run.def.ID,
		Pattern:        run.def.Pattern,
		Status:         core.StatusCompleted,
		Output:         outcome.Output,
		PerStepOutputs: outcome.PerStep,
		Trace:          run.trace.Events(),
		StartedAt:      run.startedAt,
		FinishedAt:     time.Now().UTC(),
	}

	if result.PerStepOutputs == nil {
		result.PerStepOutputs = map[string]any{}
	}

	if outcome.Err != nil {
		result.Status = core.StatusFailed
		result.Error = core.NewStepError(outcome.Err)
	}

	run.finish(result, outcome.Err)

	if pl, ok := logger.(*logging.PipelineLogger); ok {
		pl.LogRunExecution(string(run.def.Pattern), len(run.def.Steps), result.Duration(), outcome.Err == nil, outcome.Err)
	} else {
		logger.Info("run finished", "status", result.Status, "duration", result.Duration())
	}

	e.fire(hookCtx, logger, CallbackAfterRun, &CallbackContext{RunID: run.id, Definition: &run.def, Result: result, Err: outcome.Err})

	if outcome.Err != nil {
		e.fire(hookCtx, logger, CallbackOnError, &CallbackContext{RunID: run.id, Definition: &run.def, Result: result, Err: outcome.Err})
	}
}

// record appends ev to the run's trace and notifies OnStepEvent callbacks.
func (e *Engine) record(ctx context.Context, logger logging.Logger, run *Run, ev core.StepEvent) {
	stored, err := run.trace.Append(ev)
	if err != nil {
		logger.Error("dropping step event", "step_ref", ev.StepRef, "state", ev.State, "error", err)
		return
	}

	logger.Debug("step transition", "step_ref", stored.StepRef, "state", stored.State, "seq", stored.Seq)

	if dur, terminal := run.stepDuration(stored); terminal {
		if pl, ok := logger.(*logging.PipelineLogger); ok {
			var stepErr error
			if stored.Error != nil {
				stepErr = stored.Error
			}

			pl.LogStepExecution(stored.StepRef, string(stored.State), dur, stepErr)
		}
	}

	e.fire(ctx, logger, CallbackOnStepEvent, &CallbackContext{RunID: run.id, Definition: &run.def, Event: &stored})
}

func (e *Engine) fire(ctx context.Context, logger logging.Logger, t CallbackType, cbCtx *CallbackContext) {
	if err := e.callbacks.ExecuteCallbacks(ctx, t, cbCtx); err != nil {
		logger.Warn("callback failed", "callback", t, "error", err)
	}
}
