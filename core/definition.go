package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Pattern selects the topology a pipeline is executed with.
type Pattern string

const (
	// PatternSequential runs steps one after another, feeding outputs forward.
	PatternSequential Pattern = "sequential"
	// PatternParallel runs all steps concurrently on the same input and merges.
	PatternParallel Pattern = "parallel"
	// PatternSupervisor lets a manager step route the input to one worker.
	PatternSupervisor Pattern = "supervisor"
)

// Role distinguishes the supervisor's manager step from ordinary workers.
type Role string

const (
	RoleWorker  Role = "worker"
	RoleManager Role = "manager"
)

// MergeStrategy controls how parallel branch outputs are combined.
type MergeStrategy string

const (
	MergeRaw     MergeStrategy = "raw"
	MergeSummary MergeStrategy = "summary"
)

// SummaryPolicy decides how many branches must succeed before summarising.
type SummaryPolicy string

const (
	SummaryAll      SummaryPolicy = "all"
	SummaryMajority SummaryPolicy = "majority"
)

// FinalizeMode decides what the supervisor returns once the worker is done.
type FinalizeMode string

const (
	// FinalizePassthrough returns the worker output unchanged.
	FinalizePassthrough FinalizeMode = "passthrough"
	// FinalizeInvoke calls the manager agent with a FinalizeInput.
	FinalizeInvoke FinalizeMode = "invoke"
)

// MergerRef is the synthetic step ref used for the parallel summary step.
const MergerRef = "merger"

// Duration is a time.Duration that reads and writes as a Go duration string
// ("1.5s") in JSON and YAML. Plain numbers are accepted as nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	return d.set(v)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}

	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(val))
	case int:
		*d = Duration(time.Duration(val))
	case string:
		if val == "" {
			*d = 0
			return nil
		}

		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}

		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}

	return nil
}

// StepSpec declares one agent participating in a pipeline.
type StepSpec struct {
	// ID optionally names the step. When empty the AgentRef identifies it.
	ID       string `json:"id,omitempty" yaml:"id,omitempty"`
	AgentRef string `json:"agentRef" yaml:"agentRef"`
	Role     Role   `json:"role,omitempty" yaml:"role,omitempty"`
	Order    int    `json:"order" yaml:"order"`
	// Timeout overrides the engine's default per-step timeout. Zero keeps the default.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Ref returns the identifier the step is known by in traces and outputs.
func (s StepSpec) Ref() string {
	if s.ID != "" {
		return s.ID
	}

	return s.AgentRef
}

// EffectiveRole returns the declared role, defaulting to RoleWorker.
func (s StepSpec) EffectiveRole() Role {
	if s.Role == "" {
		return RoleWorker
	}

	return s.Role
}

// Config carries the pattern-specific parameters of a pipeline.
type Config struct {
	MergeStrategy      MergeStrategy `json:"mergeStrategy,omitempty" yaml:"mergeStrategy,omitempty"`
	SummarizerAgentRef string        `json:"summarizerAgentRef,omitempty" yaml:"summarizerAgentRef,omitempty"`
	SummaryPolicy      SummaryPolicy `json:"summaryPolicy,omitempty" yaml:"summaryPolicy,omitempty"`
	// RoutingRule is opaque to the engine and handed to the RoutingDecider as is.
	RoutingRule string       `json:"routingRule,omitempty" yaml:"routingRule,omitempty"`
	Finalize    FinalizeMode `json:"finalize,omitempty" yaml:"finalize,omitempty"`
	// MaxReroutes lets a supervisor retry routing after a worker failure.
	MaxReroutes int `json:"maxReroutes,omitempty" yaml:"maxReroutes,omitempty"`
}

// EffectiveMergeStrategy returns the merge strategy, defaulting to MergeRaw.
func (c Config) EffectiveMergeStrategy() MergeStrategy {
	if c.MergeStrategy == "" {
		return MergeRaw
	}

	return c.MergeStrategy
}

// EffectiveSummaryPolicy returns the summary policy, defaulting to SummaryAll.
func (c Config) EffectiveSummaryPolicy() SummaryPolicy {
	if c.SummaryPolicy == "" {
		return SummaryAll
	}

	return c.SummaryPolicy
}

// EffectiveFinalize returns the finalize mode, defaulting to FinalizePassthrough.
func (c Config) EffectiveFinalize() FinalizeMode {
	if c.Finalize == "" {
		return FinalizePassthrough
	}

	return c.Finalize
}

// PipelineDefinition is the declarative description of a multi-agent pipeline.
// The engine never mutates a definition; helpers below return copies.
type PipelineDefinition struct {
	ID      string     `json:"id" yaml:"id"`
	Pattern Pattern    `json:"pattern" yaml:"pattern"`
	Steps   []StepSpec `json:"steps" yaml:"steps"`
	Config  Config     `json:"config,omitempty" yaml:"config,omitempty"`
}

// OrderedSteps returns a copy of the steps sorted by Order (stable).
func (d PipelineDefinition) OrderedSteps() []StepSpec {
	steps := make([]StepSpec, len(d.Steps))
	copy(steps, d.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	return steps
}

// Manager returns the manager step, if any.
func (d PipelineDefinition) Manager() (StepSpec, bool) {
	for _, s := range d.Steps {
		if s.EffectiveRole() == RoleManager {
			return s, true
		}
	}

	return StepSpec{}, false
}

// Workers returns the worker steps in declaration order.
func (d PipelineDefinition) Workers() []StepSpec {
	workers := make([]StepSpec, 0, len(d.Steps))

	for _, s := range d.Steps {
		if s.EffectiveRole() == RoleWorker {
			workers = append(workers, s)
		}
	}

	return workers
}

// Step looks up a step by its ref.
func (d PipelineDefinition) Step(ref string) (StepSpec, bool) {
	for _, s := range d.Steps {
		if s.Ref() == ref {
			return s, true
		}
	}

	return StepSpec{}, false
}
