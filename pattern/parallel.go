package pattern

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentpipe/core"
)

// Parallel fans the same input out to every step and merges the results
// once all branches are terminal. A failing branch never cancels its
// siblings.
type Parallel struct{}

// Pattern implements Strategy.
func (Parallel) Pattern() core.Pattern { return core.PatternParallel }

type branchResult struct {
	output any
	err    error
}

// Execute implements Strategy.
func (Parallel) Execute(ctx context.Context, def core.PipelineDefinition, input any, env *Env) Outcome {
	steps := def.OrderedSteps()
	summary := def.Config.EffectiveMergeStrategy() == core.MergeSummary
	out := Outcome{PerStep: make(map[string]any, len(steps)+1)}

	for _, s := range steps {
		env.pending(s.Ref())
	}

	if summary {
		env.pending(core.MergerRef)
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make(map[string]branchResult, len(steps))
	)

	if env.MaxParallelism > 0 {
		g.SetLimit(env.MaxParallelism)
	}

	for _, s := range steps {
		if ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			ref := s.Ref()

			if !env.begin(ctx, ref) {
				return nil
			}

			output, err := env.invoke(ctx, s, input)
			if err != nil {
				env.fail(ref, err)
			} else {
				env.succeed(ref, output)
			}

			mu.Lock()
			results[ref] = branchResult{output: output, err: err}
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	succeeded := 0

	for _, s := range steps {
		if r, ok := results[s.Ref()]; ok && r.err == nil {
			out.PerStep[s.Ref()] = r.output
			succeeded++
		}
	}

	if ctx.Err() != nil {
		out.Err = core.ErrCancelled
		return out
	}

	if !summary {
		return mergeRaw(steps, results, succeeded, out)
	}

	return mergeSummary(ctx, def, steps, results, succeeded, env, out)
}

func mergeRaw(steps []core.StepSpec, results map[string]branchResult, succeeded int, out Outcome) Outcome {
	merged := make(map[string]core.BranchOutcome, len(steps))

	for _, s := range steps {
		r := results[s.Ref()]
		merged[s.Ref()] = core.BranchOutcome{Output: r.output, Error: core.NewStepError(r.err)}
	}

	out.Output = merged

	if succeeded == 0 {
		out.Err = &core.InvocationError{
			Err: fmt.Errorf("all %d branches failed: %w", len(steps), joinBranchErrors(steps, results)),
		}
	}

	return out
}

func mergeSummary(ctx context.Context, def core.PipelineDefinition, steps []core.StepSpec, results map[string]branchResult, succeeded int, env *Env, out Outcome) Outcome {
	summarizer := def.Config.SummarizerAgentRef

	if !policySatisfied(def.Config.EffectiveSummaryPolicy(), succeeded, len(steps)) {
		out.Err = &core.InvocationError{
			StepRef:  core.MergerRef,
			AgentRef: summarizer,
			Err: fmt.Errorf("%w: %d of %d succeeded under policy %s",
				core.ErrInsufficientBranches, succeeded, len(steps), def.Config.EffectiveSummaryPolicy()),
		}

		return out
	}

	in := core.SummaryInput{StepOutputs: make(map[string]any, succeeded)}

	for _, s := range steps {
		r := results[s.Ref()]
		if r.err != nil {
			if in.Failures == nil {
				in.Failures = make(map[string]*core.StepError)
			}

			in.Failures[s.Ref()] = core.NewStepError(r.err)

			continue
		}

		in.StepOutputs[s.Ref()] = r.output
	}

	if !env.begin(ctx, core.MergerRef) {
		out.Err = core.ErrCancelled
		return out
	}

	merger := core.StepSpec{ID: core.MergerRef, AgentRef: summarizer}

	summaryOut, err := env.invoke(ctx, merger, in)
	if err != nil {
		env.fail(core.MergerRef, err)
		out.Err = err

		return out
	}

	env.succeed(core.MergerRef, summaryOut)
	out.PerStep[core.MergerRef] = summaryOut
	out.Output = summaryOut

	return out
}

func policySatisfied(policy core.SummaryPolicy, succeeded, total int) bool {
	switch policy {
	case core.SummaryMajority:
		return succeeded*2 > total
	default:
		return succeeded == total
	}
}

func joinBranchErrors(steps []core.StepSpec, results map[string]branchResult) error {
	refs := make([]string, 0, len(steps))
	for _, s := range steps {
		refs = append(refs, s.Ref())
	}

	sort.Strings(refs)

	errs := make([]error, 0, len(refs))

	for _, ref := range refs {
		if r, ok := results[ref]; ok && r.err != nil {
			errs = append(errs, r.err)
		}
	}

	return errors.Join(errs...)
}
