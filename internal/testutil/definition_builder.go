package testutil

import (
	"time"

	"github.com/hupe1980/agentpipe/core"
)

// DefinitionBuilder provides a fluent helper for constructing pipeline
// definitions in tests. Example:
//
//	def := testutil.Sequential("p", "A", "B", "C").Timeout("B", time.Second).Build()
//
// Chain only the parts you need.
type DefinitionBuilder struct {
	def core.PipelineDefinition
}

// NewDefinition creates a builder for the given pattern.
func NewDefinition(id string, pattern core.Pattern) *DefinitionBuilder {
	return &DefinitionBuilder{def: core.PipelineDefinition{ID: id, Pattern: pattern}}
}

// Sequential builds a sequential pipeline whose steps run in argument order.
func Sequential(id string, agentRefs ...string) *DefinitionBuilder {
	b := NewDefinition(id, core.PatternSequential)
	for _, ref := range agentRefs {
		b.Step(ref)
	}

	return b
}

// Parallel builds a parallel pipeline with raw merging.
func Parallel(id string, agentRefs ...string) *DefinitionBuilder {
	b := NewDefinition(id, core.PatternParallel)
	for _, ref := range agentRefs {
		b.Step(ref)
	}

	return b
}

// Supervisor builds a supervisor pipeline with the given manager and workers.
func Supervisor(id, manager string, workers ...string) *DefinitionBuilder {
	b := NewDefinition(id, core.PatternSupervisor)
	b.def.Steps = append(b.def.Steps, core.StepSpec{AgentRef: manager, Role: core.RoleManager})

	for _, ref := range workers {
		b.Step(ref)
	}

	return b
}

// Step appends a worker step with the next free order (chainable).
func (b *DefinitionBuilder) Step(agentRef string) *DefinitionBuilder {
	b.def.Steps = append(b.def.Steps, core.StepSpec{AgentRef: agentRef, Role: core.RoleWorker, Order: b.nextOrder()})
	return b
}

// NamedStep appends a worker step with an explicit ID (chainable).
func (b *DefinitionBuilder) NamedStep(id, agentRef string) *DefinitionBuilder {
	b.def.Steps = append(b.def.Steps, core.StepSpec{ID: id, AgentRef: agentRef, Role: core.RoleWorker, Order: b.nextOrder()})
	return b
}

// Timeout sets the per-step timeout of the step with the given ref (chainable).
func (b *DefinitionBuilder) Timeout(ref string, d time.Duration) *DefinitionBuilder {
	for i := range b.def.Steps {
		if b.def.Steps[i].Ref() == ref {
			b.def.Steps[i].Timeout = core.Duration(d)
		}
	}

	return b
}

// Summary switches a parallel pipeline to summary merging (chainable).
func (b *DefinitionBuilder) Summary(summarizer string, policy core.SummaryPolicy) *DefinitionBuilder {
	b.def.Config.MergeStrategy = core.MergeSummary
	b.def.Config.SummarizerAgentRef = summarizer
	b.def.Config.SummaryPolicy = policy

	return b
}

// Rule sets the supervisor routing rule (chainable).
func (b *DefinitionBuilder) Rule(rule string) *DefinitionBuilder {
	b.def.Config.RoutingRule = rule
	return b
}

// Finalize sets the supervisor finalize mode (chainable).
func (b *DefinitionBuilder) Finalize(mode core.FinalizeMode) *DefinitionBuilder {
	b.def.Config.Finalize = mode
	return b
}

// Reroutes sets the supervisor reroute budget (chainable).
func (b *DefinitionBuilder) Reroutes(n int) *DefinitionBuilder {
	b.def.Config.MaxReroutes = n
	return b
}

// Build returns the definition.
func (b *DefinitionBuilder) Build() core.PipelineDefinition {
	return b.def
}

func (b *DefinitionBuilder) nextOrder() int {
	n := 0

	for _, s := range b.def.Steps {
		if s.EffectiveRole() == core.RoleWorker {
			n++
		}
	}

	return n
}
