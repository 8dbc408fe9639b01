package core

import "context"

// AgentInvoker calls an agent by reference. The per-step timeout and run
// cancellation travel on ctx; implementations should return promptly once
// ctx is done.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentRef string, input any) (any, error)
}

// InvokerFunc adapts a plain function to AgentInvoker.
type InvokerFunc func(ctx context.Context, agentRef string, input any) (any, error)

// Invoke implements AgentInvoker.
func (f InvokerFunc) Invoke(ctx context.Context, agentRef string, input any) (any, error) {
	return f(ctx, agentRef, input)
}

// WorkerInfo describes a candidate worker to a RoutingDecider.
type WorkerInfo struct {
	Ref      string `json:"ref" yaml:"ref"`
	AgentRef string `json:"agentRef" yaml:"agentRef"`
}

// RoutingRequest carries everything a decider may use to pick a worker.
type RoutingRequest struct {
	PipelineID string       `json:"pipelineId" yaml:"pipelineId"`
	Input      any          `json:"input" yaml:"input"`
	Workers    []WorkerInfo `json:"workers" yaml:"workers"`
	// ManagerRef is the agent reference of the manager step.
	ManagerRef string `json:"managerRef" yaml:"managerRef"`
	// Rule is the pipeline's routingRule, passed through unchanged.
	Rule string `json:"rule,omitempty" yaml:"rule,omitempty"`
}

// WorkerRefs returns the refs of the candidate workers.
func (r RoutingRequest) WorkerRefs() []string {
	refs := make([]string, len(r.Workers))
	for i, w := range r.Workers {
		refs[i] = w.Ref
	}

	return refs
}

// RoutingDecider picks the worker step a supervisor delegates to. The
// returned value must be the Ref of one of the request's workers.
type RoutingDecider interface {
	Decide(ctx context.Context, req RoutingRequest) (string, error)
}

// DeciderFunc adapts a plain function to RoutingDecider.
type DeciderFunc func(ctx context.Context, req RoutingRequest) (string, error)

// Decide implements RoutingDecider.
func (f DeciderFunc) Decide(ctx context.Context, req RoutingRequest) (string, error) {
	return f(ctx, req)
}
