package invoker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/agentpipe/core"
)

// ErrUnknownAgent is returned when a reference is not registered.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent handles a single step invocation for one agent reference.
type Agent interface {
	Invoke(ctx context.Context, input any) (any, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, input any) (any, error)

// Invoke implements Agent.
func (f AgentFunc) Invoke(ctx context.Context, input any) (any, error) { return f(ctx, input) }

// Catalog is a concurrency-safe registry of agents keyed by reference.
// It implements core.AgentInvoker.
type Catalog struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

var _ core.AgentInvoker = (*Catalog)(nil)

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{agents: make(map[string]Agent)}
}

// Register adds or replaces the agent for ref.
func (c *Catalog) Register(ref string, agent Agent) error {
	if ref == "" {
		return errors.New("agent reference must not be empty")
	}

	if agent == nil {
		return fmt.Errorf("agent %q: nil agent", ref)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.agents[ref] = agent

	return nil
}

// Replace swaps the whole agent set atomically. In-flight invocations keep
// the agent they already resolved.
func (c *Catalog) Replace(agents map[string]Agent) {
	next := make(map[string]Agent, len(agents))
	for ref, a := range agents {
		next[ref] = a
	}

	c.mu.Lock()
	c.agents = next
	c.mu.Unlock()
}

// Get returns the agent registered for ref.
func (c *Catalog) Get(ref string) (Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, ok := c.agents[ref]

	return a, ok
}

// Refs returns the registered references in sorted order.
func (c *Catalog) Refs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	refs := make([]string, 0, len(c.agents))
	for ref := range c.agents {
		refs = append(refs, ref)
	}

	sort.Strings(refs)

	return refs
}

// Invoke implements core.AgentInvoker.
func (c *Catalog) Invoke(ctx context.Context, agentRef string, input any) (any, error) {
	a, ok := c.Get(agentRef)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentRef)
	}

	return a.Invoke(ctx, input)
}
