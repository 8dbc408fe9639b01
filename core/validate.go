package core

import "fmt"

// Validate checks a definition against the structural rules of its pattern.
// All problems are collected into a single *ValidationError.
func Validate(def PipelineDefinition) error {
	var problems []string

	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(def.Steps) == 0 {
		addf("pipeline has no steps")
	}

	seen := make(map[string]bool, len(def.Steps))
	managers := 0

	for i, s := range def.Steps {
		if s.AgentRef == "" {
			addf("step %d has no agentRef", i)
		}

		ref := s.Ref()
		if ref != "" {
			if seen[ref] {
				addf("duplicate step ref %q", ref)
			}

			seen[ref] = true
		}

		switch s.EffectiveRole() {
		case RoleWorker:
		case RoleManager:
			managers++
		default:
			addf("step %q has unknown role %q", ref, s.Role)
		}

		if s.Timeout < 0 {
			addf("step %q has a negative timeout", ref)
		}
	}

	switch def.Pattern {
	case PatternSequential:
		if managers > 0 {
			addf("sequential pipelines do not accept manager steps")
		}

		orders := make(map[int]bool, len(def.Steps))
		for _, s := range def.Steps {
			if s.Order < 0 || s.Order >= len(def.Steps) {
				addf("step %q has order %d outside 0..%d", s.Ref(), s.Order, len(def.Steps)-1)
				continue
			}

			if orders[s.Order] {
				addf("order %d is used by more than one step", s.Order)
			}

			orders[s.Order] = true
		}
	case PatternParallel:
		if managers > 0 {
			addf("parallel pipelines do not accept manager steps")
		}

		switch def.Config.EffectiveMergeStrategy() {
		case MergeRaw:
		case MergeSummary:
			if def.Config.SummarizerAgentRef == "" {
				addf("merge strategy summary requires summarizerAgentRef")
			}

			if seen[MergerRef] {
				addf("step ref %q is reserved for the summary step", MergerRef)
			}
		default:
			addf("unknown merge strategy %q", def.Config.MergeStrategy)
		}

		switch def.Config.EffectiveSummaryPolicy() {
		case SummaryAll, SummaryMajority:
		default:
			addf("unknown summary policy %q", def.Config.SummaryPolicy)
		}
	case PatternSupervisor:
		if managers != 1 {
			addf("supervisor pipelines need exactly one manager step, got %d", managers)
		}

		if len(def.Steps)-managers < 1 {
			addf("supervisor pipelines need at least one worker step")
		}

		switch def.Config.EffectiveFinalize() {
		case FinalizePassthrough, FinalizeInvoke:
		default:
			addf("unknown finalize mode %q", def.Config.Finalize)
		}

		if def.Config.MaxReroutes < 0 {
			addf("maxReroutes must not be negative")
		}
	default:
		addf("unknown pattern %q", def.Pattern)
	}

	if len(problems) > 0 {
		return &ValidationError{PipelineID: def.ID, Problems: problems}
	}

	return nil
}
