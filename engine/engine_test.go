package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/internal/testutil"
	"github.com/hupe1980/agentpipe/pattern"
)

func newTestEngine(inv core.AgentInvoker, decider core.RoutingDecider, optFns ...func(o *Options)) *Engine {
	return New(append([]func(o *Options){func(o *Options) {
		o.Invoker = inv
		o.Decider = decider
	}}, optFns...)...)
}

func TestEngine_ValidationFailsFast(t *testing.T) {
	inv := testutil.NewScriptedInvoker()
	eng := newTestEngine(inv, nil)

	def := core.PipelineDefinition{ID: "broken", Pattern: core.PatternSupervisor, Steps: []core.StepSpec{{AgentRef: "W"}}}

	result, err := eng.Run(context.Background(), def, "x")

	assert.Nil(t, result)

	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "broken", verr.PipelineID)
	assert.Empty(t, inv.Calls())
	assert.Empty(t, eng.ActiveRuns())
}

func TestEngine_RequiresInvoker(t *testing.T) {
	eng := New()

	_, err := eng.Run(context.Background(), testutil.Sequential("p", "A").Build(), "x")
	assert.ErrorIs(t, err, ErrNoInvoker)
}

func TestEngine_SupervisorRequiresDecider(t *testing.T) {
	eng := newTestEngine(testutil.NewScriptedInvoker(), nil)

	_, err := eng.Run(context.Background(), testutil.Supervisor("p", "M", "A").Build(), "x")
	assert.ErrorIs(t, err, pattern.ErrNoDecider)
}

func TestEngine_SequentialStepFailureScenario(t *testing.T) {
	inv := testutil.NewScriptedInvoker().
		On("A", testutil.Behavior{Output: "out1"}).
		On("B", testutil.Behavior{Err: errors.New("boom")})
	eng := newTestEngine(inv, nil)

	result, err := eng.Run(context.Background(), testutil.Sequential("p", "A", "B", "C").Build(), "x")

	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, core.StatusFailed, result.Status)
	assert.Equal(t, map[string]any{"A": "out1"}, result.PerStepOutputs)
	assert.Equal(t, core.KindInvocation, result.Error.Kind)
	assert.NotContains(t, testutil.Transitions(result.Trace), "C:running")
	assert.Equal(t, "out1", result.Output)
	assert.Equal(t, core.PatternSequential, result.Pattern)
	assert.False(t, result.FinishedAt.Before(result.StartedAt))
}

func TestEngine_ParallelRawScenario(t *testing.T) {
	inv := testutil.NewScriptedInvoker().
		On("step1", testutil.Behavior{Output: "out1"}).
		On("step2", testutil.Behavior{Err: errors.New("boom")}).
		On("step3", testutil.Behavior{Output: "out3"})
	eng := newTestEngine(inv, nil)

	result, err := eng.Run(context.Background(), testutil.Parallel("p", "step1", "step2", "step3").Build(), "x")

	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, result.Status)

	merged := result.Output.(map[string]core.BranchOutcome)
	assert.Len(t, merged, 3)
	assert.Equal(t, "out1", merged["step1"].Output)
	assert.NotNil(t, merged["step2"].Error)
	assert.Equal(t, "out3", merged["step3"].Output)
}

func TestEngine_SupervisorScenario(t *testing.T) {
	inv := testutil.NewScriptedInvoker()
	eng := newTestEngine(inv, testutil.FixedDecider("workerB"))

	result, err := eng.Run(context.Background(), testutil.Supervisor("p", "manager", "workerA", "workerB").Build(), "x")

	require.NoError(t, err)
	assert.Equal(t, []string{
		"manager:running", "manager:succeeded",
		"workerB:running", "workerB:succeeded",
		"manager:running", "manager:succeeded",
	}, testutil.Transitions(result.Trace))
	assert.Equal(t, "workerB(x)", result.Output)
	assert.Equal(t, 0, inv.CallCount("workerA"))
}

func TestEngine_CancellationLetsRunningStepFinish(t *testing.T) {
	inv := testutil.NewScriptedInvoker().
		On("A", testutil.Behavior{Output: "a", Delay: 100 * time.Millisecond, IgnoreContext: true})
	eng := newTestEngine(inv, nil)

	run, err := eng.Start(context.Background(), testutil.Sequential("p", "A", "B", "C").Build(), "x")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cancelledAt int

	for ev := range run.Subscribe(ctx) {
		if ev.StepRef == "A" && ev.State == core.StateRunning {
			require.NoError(t, eng.Cancel(run.ID()))
			cancelledAt = ev.Seq
		}
	}

	result, err := run.Wait(ctx)
	assert.ErrorIs(t, err, core.ErrCancelled)
	require.NotNil(t, result)
	assert.Equal(t, core.StatusFailed, result.Status)
	assert.Equal(t, core.KindCancelled, result.Error.Kind)
	assert.Equal(t, map[string]any{"A": "a"}, result.PerStepOutputs)

	for _, ev := range result.Trace {
		if ev.Seq > cancelledAt {
			assert.NotEqual(t, core.StateRunning, ev.State, "step %s started after cancellation", ev.StepRef)
		}
	}

	for _, ref := range []string{"B", "C"} {
		state, _ := run.Trace().State(ref)
		assert.Equal(t, core.StateFailed, state)
	}

	assert.Equal(t, 0, inv.CallCount("B"))
	assert.Empty(t, eng.ActiveRuns())
}

func TestEngine_CancelledBeforeStart(t *testing.T) {
	inv := testutil.NewScriptedInvoker()
	eng := newTestEngine(inv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := eng.Run(ctx, testutil.Parallel("p", "A", "B").Build(), "x")

	assert.ErrorIs(t, err, core.ErrCancelled)
	assert.Empty(t, inv.Calls())

	for _, ev := range result.Trace {
		assert.NotEqual(t, core.StateRunning, ev.State)
	}

	assert.Equal(t, []string{"A:failed", "B:failed"}, testutil.Transitions(result.Trace))
}

func TestEngine_DefaultStepTimeout(t *testing.T) {
	inv := testutil.NewScriptedInvoker().On("A", testutil.Behavior{Output: "a", Delay: time.Second})
	eng := newTestEngine(inv, nil, func(o *Options) {
		o.Config.DefaultStepTimeout = 20 * time.Millisecond
	})

	result, err := eng.Run(context.Background(), testutil.Sequential("p", "A").Build(), "x")

	var terr *core.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, core.KindTimeout, result.Error.Kind)
}

func TestEngine_MaxInvocationsPerRun(t *testing.T) {
	inv := testutil.NewScriptedInvoker()
	eng := newTestEngine(inv, nil, func(o *Options) {
		o.Config.MaxInvocationsPerRun = 2
	})

	_, err := eng.Run(context.Background(), testutil.Sequential("p", "A", "B", "C").Build(), "x")

	assert.ErrorIs(t, err, core.ErrInvocationLimit)
	assert.Equal(t, 0, inv.CallCount("C"))
}

func TestEngine_SubscribeReplaysFullTrace(t *testing.T) {
	release := make(chan struct{})
	inv := testutil.NewScriptedInvoker().On("B", testutil.Behavior{Fn: func(input any) (any, error) {
		<-release
		return "b", nil
	}})
	eng := newTestEngine(inv, nil)

	run, err := eng.Start(context.Background(), testutil.Sequential("p", "A", "B").Build(), "x")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := eng.Subscribe(ctx, run.ID())
	require.NoError(t, err)
	close(release)

	var seen []core.StepEvent
	for ev := range stream {
		seen = append(seen, ev)
	}

	result, err := run.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, result.Trace, seen)

	// a finished run stays reachable by ID and replays its full trace
	replay, err := eng.Subscribe(ctx, run.ID())
	require.NoError(t, err)

	var replayed []core.StepEvent
	for ev := range replay {
		replayed = append(replayed, ev)
	}

	assert.Equal(t, result.Trace, replayed)
	assert.Empty(t, eng.ActiveRuns())
}

func TestEngine_RetainFinishedBound(t *testing.T) {
	eng := newTestEngine(testutil.NewScriptedInvoker(), nil, func(o *Options) {
		o.Config.RetainFinished = 2
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var ids []string

	for i := 0; i < 3; i++ {
		result, err := eng.Run(ctx, testutil.Sequential("p", "A").Build(), i)
		require.NoError(t, err)

		ids = append(ids, result.RunID)
	}

	_, err := eng.Subscribe(ctx, ids[0])
	assert.ErrorIs(t, err, ErrRunNotFound)

	for _, id := range ids[1:] {
		run, ok := eng.Lookup(id)
		require.True(t, ok)
		assert.True(t, run.Finished())
		assert.NoError(t, eng.Cancel(id), "cancelling a finished run is a no-op")
	}

	none := newTestEngine(testutil.NewScriptedInvoker(), nil, func(o *Options) {
		o.Config.RetainFinished = 0
	})

	result, err := none.Run(ctx, testutil.Sequential("p", "A").Build(), "x")
	require.NoError(t, err)

	_, ok := none.Lookup(result.RunID)
	assert.False(t, ok)
}

func TestEngine_CallbacksObserveRun(t *testing.T) {
	var (
		mu     sync.Mutex
		order  []CallbackType
		events int
	)

	record := func(ct CallbackType) Callback {
		return NewFunctionCallback(ct, func(_ context.Context, cbCtx *CallbackContext) error {
			mu.Lock()
			defer mu.Unlock()

			if ct == CallbackOnStepEvent {
				events++
				return errors.New("ignored")
			}

			order = append(order, ct)

			return nil
		})
	}

	inv := testutil.NewScriptedInvoker().On("A", testutil.Behavior{Err: errors.New("boom")})
	eng := newTestEngine(inv, nil, func(o *Options) {
		o.Callbacks = []Callback{
			record(CallbackBeforeRun),
			record(CallbackOnStepEvent),
			record(CallbackAfterRun),
			record(CallbackOnError),
		}
	})

	result, err := eng.Run(context.Background(), testutil.Sequential("p", "A").Build(), "x")
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []CallbackType{CallbackBeforeRun, CallbackAfterRun, CallbackOnError}, order)
	assert.Equal(t, len(result.Trace), events)
}

func TestEngine_ConcurrentRunsAreIndependent(t *testing.T) {
	inv := testutil.NewScriptedInvoker()
	eng := newTestEngine(inv, nil)

	var wg sync.WaitGroup

	results := make([]*core.ExecutionResult, 10)

	for i := range results {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			res, err := eng.Run(context.Background(), testutil.Sequential("p", "A", "B").Build(), i)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	wg.Wait()

	ids := map[string]bool{}
	for _, r := range results {
		require.NotNil(t, r)
		ids[r.RunID] = true
		assert.Len(t, r.Trace, 6)
	}

	assert.Len(t, ids, 10)
}

func TestEngine_Shutdown(t *testing.T) {
	inv := testutil.NewScriptedInvoker().On("A", testutil.Behavior{Output: "a", Delay: time.Minute})
	eng := newTestEngine(inv, nil)

	run, err := eng.Start(context.Background(), testutil.Parallel("p", "A").Build(), "x")
	require.NoError(t, err)
	assert.Equal(t, []string{run.ID()}, eng.ActiveRuns())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, eng.Shutdown(ctx))

	_, err = run.Result()
	assert.ErrorIs(t, err, core.ErrCancelled)
	assert.True(t, run.Finished())
}

func countTransitions(events []core.StepEvent, ref string, state core.StepState) int {
	n := 0

	for _, ev := range events {
		if ev.StepRef == ref && ev.State == state {
			n++
		}
	}

	return n
}

func TestEngine_SupervisorCancelledWhileDeciding(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	decider := core.DeciderFunc(func(context.Context, core.RoutingRequest) (string, error) {
		close(started)
		<-release

		return "B", nil
	})
	inv := testutil.NewScriptedInvoker()
	eng := newTestEngine(inv, decider)

	run, err := eng.Start(context.Background(), testutil.Supervisor("p", "M", "A", "B").Build(), "x")
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("decider was never called")
	}

	cancelledAt := run.Trace().Len()
	require.NoError(t, eng.Cancel(run.ID()))
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := run.Wait(ctx)
	assert.ErrorIs(t, err, core.ErrCancelled)
	require.NotNil(t, result)
	assert.Equal(t, core.StatusFailed, result.Status)
	assert.Equal(t, core.KindCancelled, result.Error.Kind)
	assert.Nil(t, result.Output)

	// the late decision is recorded, the chosen worker never starts
	assert.Equal(t, []string{"M:running", "M:succeeded", "B:failed"}, testutil.Transitions(result.Trace))

	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, "B", last.StepRef)
	require.NotNil(t, last.Error)
	assert.Equal(t, core.KindCancelled, last.Error.Kind)

	for _, ev := range result.Trace {
		if ev.Seq >= cancelledAt {
			assert.NotEqual(t, core.StateRunning, ev.State, "step %s started after cancellation", ev.StepRef)
		}
	}

	assert.Empty(t, inv.Calls())
}

func TestEngine_SupervisorCancelledWhileWorkerRuns(t *testing.T) {
	inv := testutil.NewScriptedInvoker().
		On("B", testutil.Behavior{Output: "b", Delay: 100 * time.Millisecond, IgnoreContext: true})
	eng := newTestEngine(inv, testutil.FixedDecider("B"))

	run, err := eng.Start(context.Background(), testutil.Supervisor("p", "M", "A", "B").Build(), "x")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cancelledAt := -1

	for ev := range run.Subscribe(ctx) {
		if ev.StepRef == "B" && ev.State == core.StateRunning {
			require.NoError(t, eng.Cancel(run.ID()))
			cancelledAt = ev.Seq
		}
	}

	require.GreaterOrEqual(t, cancelledAt, 0)

	result, err := run.Wait(ctx)
	assert.ErrorIs(t, err, core.ErrCancelled)
	require.NotNil(t, result)
	assert.Equal(t, core.StatusFailed, result.Status)
	assert.Equal(t, core.KindCancelled, result.Error.Kind)

	// the worker finishes on its own step but is never finalized
	assert.Equal(t, []string{"M:running", "M:succeeded", "B:running", "B:succeeded"}, testutil.Transitions(result.Trace))
	assert.Equal(t, "b", result.PerStepOutputs["B"])
	assert.Nil(t, result.Output)
	assert.Equal(t, 1, countTransitions(result.Trace, "M", core.StateRunning))

	for _, ev := range result.Trace {
		if ev.Seq > cancelledAt {
			assert.NotEqual(t, core.StateRunning, ev.State, "step %s started after cancellation", ev.StepRef)
		}
	}

	assert.Equal(t, 0, inv.CallCount("A"))
}
