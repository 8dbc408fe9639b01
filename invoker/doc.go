// Package invoker provides core.AgentInvoker implementations.
//
// A Catalog maps agent references to Agents and is what an engine is
// usually configured with. Agents come in a few flavours:
//
//   - Model agents render an instruction template and call a model.Model
//     (OpenAI, Anthropic or the in-memory mock).
//   - HTTP agents POST the step input to a remote /invoke endpoint and read
//     either a JSON reply or an SSE stream of delta/done/error events.
//   - Any function can be registered through AgentFunc.
//
// WithRetry wraps an Agent with exponential backoff. Retries are opt-in;
// the engine itself never retries a step.
package invoker
