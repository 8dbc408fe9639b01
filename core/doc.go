// Package core provides the foundational domain types and interfaces used by
// agentpipe. It defines the core abstractions for:
//
//   - Pipeline definitions (patterns, steps and pattern configuration)
//   - Step events and the append-only, subscribable execution trace
//   - Execution results and the error taxonomy shared by every pattern
//   - The consumed AgentInvoker and RoutingDecider capabilities
//
// The package keeps orchestration out of scope. Strategies live in package
// pattern and the run lifecycle in package engine; everything here is plain
// data plus the small amount of synchronisation the trace needs.
package core
