// Package engine implements the run lifecycle of agentpipe.
//
// The Engine validates a PipelineDefinition, selects the pattern strategy,
// owns the run's ExecutionTrace and assembles the final ExecutionResult. It
// is the only component that creates traces and results; strategies merely
// report step transitions through the sink the engine hands them.
//
// # Core Responsibilities
//
// Run Management:
//   - Fail-fast validation before any step is scheduled
//   - Synchronous (Run) and asynchronous (Start) execution
//   - Registry of active runs for lookup, subscription and cancellation
//
// Execution Control:
//   - Per-step timeouts through context deadlines
//   - Per-run invocation budget
//   - Bounded fan-out for parallel pipelines
//   - Cooperative cancellation through the run context
//
// Observation:
//   - Append-only traces readable while the run executes
//   - Lossless streaming subscriptions (replay followed by live events)
//   - Callback hooks (BeforeRun, AfterRun, OnStepEvent, OnError) for logging,
//     tracing and metrics
//
// # Architecture
//
//	┌───────────────────────────────────────────────┐
//	│            Caller / server / CLI              │
//	├───────────────────────────────────────────────┤
//	│  Engine: Run · Start · Subscribe · Cancel     │
//	│  ┌───────────┐ ┌───────────┐ ┌─────────────┐  │
//	│  │ Validate  │ │  Trace    │ │  Callbacks  │  │
//	│  └───────────┘ └───────────┘ └─────────────┘  │
//	├───────────────────────────────────────────────┤
//	│  pattern: Sequential · Parallel · Supervisor  │
//	├───────────────────────────────────────────────┤
//	│  core.AgentInvoker · core.RoutingDecider      │
//	└───────────────────────────────────────────────┘
//
// # Usage
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Invoker = catalog
//	    o.Decider = decider
//	})
//
//	run, err := eng.Start(ctx, def, input)
//	if err != nil {
//	    return err
//	}
//
//	for ev := range run.Subscribe(ctx) {
//	    fmt.Println(ev.StepRef, ev.State)
//	}
//
//	result, err := run.Wait(ctx)
package engine
