package pattern

import (
	"context"

	"github.com/hupe1980/agentpipe/core"
)

// Sequential runs steps in ascending Order. The pipeline input feeds the
// first step and each step's output feeds the next. The first failure ends
// the run and leaves all later steps pending. A result that arrives after
// cancellation is recorded on its step but never becomes the output.
type Sequential struct{}

// Pattern implements Strategy.
func (Sequential) Pattern() core.Pattern { return core.PatternSequential }

// Execute implements Strategy.
func (Sequential) Execute(ctx context.Context, def core.PipelineDefinition, input any, env *Env) Outcome {
	steps := def.OrderedSteps()
	out := Outcome{PerStep: make(map[string]any, len(steps))}

	for _, s := range steps {
		env.pending(s.Ref())
	}

	current := input

	for _, s := range steps {
		ref := s.Ref()

		if !env.begin(ctx, ref) {
			out.Err = core.ErrCancelled
			return out
		}

		result, err := env.invoke(ctx, s, current)
		if err != nil {
			env.logger().Debug("sequential step failed", "step_ref", ref, "error", err)
			env.fail(ref, err)
			out.Err = err

			return out
		}

		env.succeed(ref, result)
		out.PerStep[ref] = result

		if ctx.Err() != nil {
			out.Err = core.ErrCancelled
			return out
		}

		out.Output = result
		current = result
	}

	return out
}
