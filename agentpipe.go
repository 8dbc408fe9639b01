// Package agentpipe provides a high-level façade over the execution engine,
// the agent catalog and the routing deciders, enabling rapid construction of
// multi-agent pipelines. Most applications interact with this package by:
//  1. Creating an AgentPipe via New() (optionally overriding the decider or engine limits)
//  2. Registering one agent per agent reference (model, HTTP, or a plain function)
//  3. Running pipeline definitions synchronously (Run) or asynchronously (Start)
//
// The façade delegates orchestration to engine.Engine while keeping setup and
// usage ergonomics concise. Supervisor pipelines route through the manager
// agent itself unless another core.RoutingDecider is supplied.
package agentpipe

import (
	"context"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/engine"
	"github.com/hupe1980/agentpipe/invoker"
	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/router"
)

// Options configures the AgentPipe instance.
type Options struct {
	// Engine configuration (parallelism, default step timeout, invocation budget)
	EngineConfig engine.Config

	// Catalog holds the agents. A fresh catalog is created when nil.
	Catalog *invoker.Catalog

	// Decider picks the worker of supervisor pipelines. Defaults to asking
	// the manager agent through the catalog.
	Decider core.RoutingDecider

	// Callbacks are registered with the engine (telemetry, metrics, audit).
	Callbacks []engine.Callback

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// AgentPipe is the high-level façade aggregating the engine and the agent catalog.
type AgentPipe struct {
	opts    Options
	catalog *invoker.Catalog
	engine  *engine.Engine
}

// New creates a new AgentPipe instance with optional overrides.
func New(optFns ...func(o *Options)) *AgentPipe {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Catalog == nil {
		opts.Catalog = invoker.NewCatalog()
	}

	if opts.Decider == nil {
		opts.Decider = router.NewAgent(opts.Catalog)
	}

	e := engine.New(func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Invoker = opts.Catalog
		o.Decider = opts.Decider
		o.Logger = opts.Logger
		o.Callbacks = opts.Callbacks
	})

	return &AgentPipe{opts: opts, catalog: opts.Catalog, engine: e}
}

// RegisterAgent adds an agent to the catalog under ref.
func (p *AgentPipe) RegisterAgent(ref string, a invoker.Agent) error {
	return p.catalog.Register(ref, a)
}

// RegisterFunc adds a function agent to the catalog under ref.
func (p *AgentPipe) RegisterFunc(ref string, fn func(ctx context.Context, input any) (any, error)) error {
	return p.catalog.Register(ref, invoker.AgentFunc(fn))
}

// Catalog returns the agent catalog.
func (p *AgentPipe) Catalog() *invoker.Catalog { return p.catalog }

// Engine returns the underlying engine.
func (p *AgentPipe) Engine() *engine.Engine { return p.engine }

// Run executes def synchronously.
func (p *AgentPipe) Run(ctx context.Context, def core.PipelineDefinition, input any) (*core.ExecutionResult, error) {
	return p.engine.Run(ctx, def, input)
}

// Start executes def asynchronously and returns the run handle.
func (p *AgentPipe) Start(ctx context.Context, def core.PipelineDefinition, input any) (*engine.Run, error) {
	return p.engine.Start(ctx, def, input)
}

// Subscribe streams the trace of an active or recently finished run.
func (p *AgentPipe) Subscribe(ctx context.Context, runID string) (<-chan core.StepEvent, error) {
	return p.engine.Subscribe(ctx, runID)
}

// Cancel cancels an active run.
func (p *AgentPipe) Cancel(runID string) error {
	return p.engine.Cancel(runID)
}

// RunStream is a synchronous helper that starts def, hands every step event
// to fn as it happens and returns the final result. When ctx ends before the
// run finished, the events seen so far were delivered and ctx.Err() is
// returned.
func (p *AgentPipe) RunStream(
	ctx context.Context,
	def core.PipelineDefinition,
	input any,
	fn func(core.StepEvent),
) (*core.ExecutionResult, error) {
	run, err := p.engine.Start(ctx, def, input)
	if err != nil {
		return nil, err
	}

	for ev := range run.Subscribe(ctx) {
		fn(ev)
	}

	if ctx.Err() != nil && !run.Finished() {
		return nil, ctx.Err()
	}

	return run.Wait(context.WithoutCancel(ctx))
}
