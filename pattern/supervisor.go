package pattern

import (
	"context"

	"github.com/hupe1980/agentpipe/core"
)

// Supervisor lets the manager step pick one worker through the RoutingDecider,
// runs that worker on the pipeline input and finalizes the result. The
// manager step is the only step that re-enters running: once for
// finalisation and once per reroute round.
type Supervisor struct{}

// Pattern implements Strategy.
func (Supervisor) Pattern() core.Pattern { return core.PatternSupervisor }

// Execute implements Strategy.
func (Supervisor) Execute(ctx context.Context, def core.PipelineDefinition, input any, env *Env) Outcome {
	out := Outcome{PerStep: make(map[string]any, 2)}

	manager, _ := def.Manager()
	managerRef := manager.Ref()
	workers := def.Workers()

	env.pending(managerRef)

	if !env.begin(ctx, managerRef) {
		out.Err = core.ErrCancelled
		return out
	}

	failed := make(map[string]bool, len(workers))
	reroutes := 0

	var (
		worker       core.StepSpec
		workerOutput any
	)

	for {
		candidates := remaining(workers, failed)

		req := core.RoutingRequest{
			PipelineID: def.ID,
			Input:      input,
			Workers:    workerInfos(candidates),
			ManagerRef: manager.AgentRef,
			Rule:       def.Config.RoutingRule,
		}

		chosen, err := env.decide(ctx, manager, req)
		if err != nil {
			env.fail(managerRef, err)
			out.Err = err

			return out
		}

		w, ok := findStep(candidates, chosen)
		if !ok {
			rerr := &core.RoutingError{StepRef: managerRef, Worker: chosen, Err: core.ErrUnknownWorker}
			env.fail(managerRef, rerr)
			out.Err = rerr

			return out
		}

		env.logger().Debug("supervisor routed", "manager", managerRef, "worker", w.Ref(), "round", reroutes)
		env.succeed(managerRef, chosen)

		env.pending(w.Ref())

		if !env.begin(ctx, w.Ref()) {
			out.Err = core.ErrCancelled
			return out
		}

		result, err := env.invoke(ctx, w, input)
		if err == nil {
			env.succeed(w.Ref(), result)
			out.PerStep[w.Ref()] = result
			worker, workerOutput = w, result

			break
		}

		env.fail(w.Ref(), err)
		failed[w.Ref()] = true

		if reroutes >= def.Config.MaxReroutes || len(remaining(workers, failed)) == 0 {
			out.Err = err
			return out
		}

		reroutes++

		if !env.begin(ctx, managerRef) {
			out.Err = core.ErrCancelled
			return out
		}
	}

	if !env.begin(ctx, managerRef) {
		out.Err = core.ErrCancelled
		return out
	}

	final := workerOutput

	if def.Config.EffectiveFinalize() == core.FinalizeInvoke {
		result, err := env.invoke(ctx, manager, core.FinalizeInput{
			Input:        input,
			Worker:       worker.Ref(),
			WorkerOutput: workerOutput,
		})
		if err != nil {
			env.fail(managerRef, err)
			out.Err = err

			return out
		}

		final = result
	}

	env.succeed(managerRef, final)
	out.PerStep[managerRef] = final
	out.Output = final

	return out
}

func remaining(workers []core.StepSpec, failed map[string]bool) []core.StepSpec {
	out := make([]core.StepSpec, 0, len(workers))

	for _, w := range workers {
		if !failed[w.Ref()] {
			out = append(out, w)
		}
	}

	return out
}

func workerInfos(steps []core.StepSpec) []core.WorkerInfo {
	infos := make([]core.WorkerInfo, len(steps))
	for i, s := range steps {
		infos[i] = core.WorkerInfo{Ref: s.Ref(), AgentRef: s.AgentRef}
	}

	return infos
}

func findStep(steps []core.StepSpec, ref string) (core.StepSpec, bool) {
	for _, s := range steps {
		if s.Ref() == ref {
			return s, true
		}
	}

	return core.StepSpec{}, false
}
