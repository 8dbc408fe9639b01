// Package pattern implements the three orchestration topologies a pipeline can
// run with: Sequential, Parallel and Supervisor.
//
// A Strategy never owns a run. It receives the definition, the input and an
// Env prepared by the engine, drives agent invocations through the Env and
// reports every step transition through the Env's Emit sink. The Outcome it
// returns is turned into an ExecutionResult by the engine.
//
// Cancellation is observed through ctx. Once ctx is done a strategy stops
// dispatching: no further step is moved to running, results of invocations
// already in flight are recorded on their own step but not fed forward.
package pattern
