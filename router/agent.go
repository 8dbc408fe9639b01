package router

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentpipe/core"
)

// AgentDecider delegates the routing choice to the manager agent. The agent
// receives the core.RoutingRequest as input and answers with a worker ref,
// either as text or as an object with a "worker" field.
type AgentDecider struct {
	invoker core.AgentInvoker
}

var _ core.RoutingDecider = (*AgentDecider)(nil)

// NewAgent creates a decider that calls the manager through inv.
func NewAgent(inv core.AgentInvoker) *AgentDecider {
	return &AgentDecider{invoker: inv}
}

// Decide implements core.RoutingDecider.
func (d *AgentDecider) Decide(ctx context.Context, req core.RoutingRequest) (string, error) {
	out, err := d.invoker.Invoke(ctx, req.ManagerRef, req)
	if err != nil {
		return "", fmt.Errorf("manager %s: %w", req.ManagerRef, err)
	}

	answer, err := workerFrom(out)
	if err != nil {
		return "", err
	}

	return Match(answer, req.WorkerRefs())
}
