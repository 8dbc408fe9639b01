// Package router provides core.RoutingDecider implementations for the
// supervisor pattern.
//
//   - Agent asks the manager agent itself and reads the worker from its output.
//   - Model prompts a model.Model with the candidate workers and the rule.
//   - Rego evaluates the pipeline's routingRule as a Rego module with OPA.
//
// Every decider resolves its raw answer with Match, so a reply only has to
// name one candidate worker unambiguously.
package router
