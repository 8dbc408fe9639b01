package pattern

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/internal/testutil"
)

func newSupervisorEnv(inv core.AgentInvoker, decider core.RoutingDecider, rec *testutil.Recorder, def core.PipelineDefinition) *Env {
	manager, _ := def.Manager()
	rec.Trace.AllowReentry(manager.Ref())

	return &Env{Invoker: inv, Decider: decider, Emit: rec.Emit}
}

func TestSupervisor_RoutesToChosenWorker(t *testing.T) {
	var req core.RoutingRequest

	decider := core.DeciderFunc(func(_ context.Context, r core.RoutingRequest) (string, error) {
		req = r
		return "B", nil
	})
	inv := testutil.NewScriptedInvoker().On("B", testutil.Behavior{Output: "b-result"})
	rec := testutil.NewRecorder()
	def := testutil.Supervisor("p", "M", "A", "B").Rule("route by topic").Build()

	out := Supervisor{}.Execute(context.Background(), def, "x", newSupervisorEnv(inv, decider, rec, def))

	require.NoError(t, out.Err)
	assert.Equal(t, "b-result", out.Output)
	assert.Equal(t, []string{
		"M:running", "M:succeeded",
		"B:running", "B:succeeded",
		"M:running", "M:succeeded",
	}, testutil.Transitions(rec.Trace.Events()))
	assert.Equal(t, 0, inv.CallCount("A"))
	assert.Equal(t, 0, inv.CallCount("M"))
	assert.Equal(t, []string{"A", "B"}, req.WorkerRefs())
	assert.Equal(t, "route by topic", req.Rule)
	assert.Equal(t, "M", req.ManagerRef)
	assert.Equal(t, "x", req.Input)
	assert.Empty(t, rec.Errors())
}

func TestSupervisor_FinalizeInvokesManager(t *testing.T) {
	inv := testutil.NewScriptedInvoker().
		On("B", testutil.Behavior{Output: "draft"}).
		On("M", testutil.Behavior{Fn: func(input any) (any, error) {
			fin := input.(core.FinalizeInput)
			return "final:" + fin.Worker + ":" + fin.WorkerOutput.(string), nil
		}})
	rec := testutil.NewRecorder()
	def := testutil.Supervisor("p", "M", "A", "B").Finalize(core.FinalizeInvoke).Build()

	out := Supervisor{}.Execute(context.Background(), def, "x", newSupervisorEnv(inv, testutil.FixedDecider("B"), rec, def))

	require.NoError(t, out.Err)
	assert.Equal(t, "final:B:draft", out.Output)
	assert.Equal(t, "final:B:draft", out.PerStep["M"])
	assert.Equal(t, "draft", out.PerStep["B"])
}

func TestSupervisor_UnknownWorker(t *testing.T) {
	inv := testutil.NewScriptedInvoker()
	rec := testutil.NewRecorder()
	def := testutil.Supervisor("p", "M", "A", "B").Build()

	out := Supervisor{}.Execute(context.Background(), def, "x", newSupervisorEnv(inv, testutil.FixedDecider("Z"), rec, def))

	var rerr *core.RoutingError
	require.ErrorAs(t, out.Err, &rerr)
	assert.ErrorIs(t, out.Err, core.ErrUnknownWorker)
	assert.Equal(t, "Z", rerr.Worker)
	assert.Equal(t, []string{"M:running", "M:failed"}, testutil.Transitions(rec.Trace.Events()))
	assert.Empty(t, inv.Calls())
}

func TestSupervisor_ManagerCannotRouteToItself(t *testing.T) {
	inv := testutil.NewScriptedInvoker()
	rec := testutil.NewRecorder()
	def := testutil.Supervisor("p", "M", "A").Build()

	out := Supervisor{}.Execute(context.Background(), def, "x", newSupervisorEnv(inv, testutil.FixedDecider("M"), rec, def))

	assert.ErrorIs(t, out.Err, core.ErrUnknownWorker)
}

func TestSupervisor_DeciderFailure(t *testing.T) {
	decider := core.DeciderFunc(func(context.Context, core.RoutingRequest) (string, error) {
		return "", errors.New("no idea")
	})
	rec := testutil.NewRecorder()
	def := testutil.Supervisor("p", "M", "A").Build()

	out := Supervisor{}.Execute(context.Background(), def, "x", newSupervisorEnv(testutil.NewScriptedInvoker(), decider, rec, def))

	assert.Equal(t, core.KindRouting, core.KindOf(out.Err))
	assert.Contains(t, out.Err.Error(), "no idea")
}

func TestSupervisor_MissingDecider(t *testing.T) {
	rec := testutil.NewRecorder()
	def := testutil.Supervisor("p", "M", "A").Build()

	out := Supervisor{}.Execute(context.Background(), def, "x", newSupervisorEnv(testutil.NewScriptedInvoker(), nil, rec, def))

	assert.ErrorIs(t, out.Err, ErrNoDecider)
}

func TestSupervisor_WorkerFailureIsFatalByDefault(t *testing.T) {
	inv := testutil.NewScriptedInvoker().On("A", testutil.Behavior{Err: errors.New("boom")})
	rec := testutil.NewRecorder()
	def := testutil.Supervisor("p", "M", "A", "B").Build()

	out := Supervisor{}.Execute(context.Background(), def, "x", newSupervisorEnv(inv, testutil.FixedDecider("A"), rec, def))

	assert.Equal(t, core.KindInvocation, core.KindOf(out.Err))
	assert.Equal(t, 0, inv.CallCount("B"))
	assert.Equal(t, []string{"M:running", "M:succeeded", "A:running", "A:failed"}, testutil.Transitions(rec.Trace.Events()))
}

func TestSupervisor_Reroute(t *testing.T) {
	var rounds [][]string

	decider := core.DeciderFunc(func(_ context.Context, r core.RoutingRequest) (string, error) {
		rounds = append(rounds, r.WorkerRefs())
		return r.Workers[0].Ref, nil
	})
	inv := testutil.NewScriptedInvoker().
		On("A", testutil.Behavior{Err: errors.New("boom")}).
		On("B", testutil.Behavior{Output: "b"})
	rec := testutil.NewRecorder()
	def := testutil.Supervisor("p", "M", "A", "B").Reroutes(1).Build()

	out := Supervisor{}.Execute(context.Background(), def, "x", newSupervisorEnv(inv, decider, rec, def))

	require.NoError(t, out.Err)
	assert.Equal(t, "b", out.Output)
	assert.Equal(t, [][]string{{"A", "B"}, {"B"}}, rounds)
	assert.Equal(t, []string{
		"M:running", "M:succeeded",
		"A:running", "A:failed",
		"M:running", "M:succeeded",
		"B:running", "B:succeeded",
		"M:running", "M:succeeded",
	}, testutil.Transitions(rec.Trace.Events()))
	assert.Empty(t, rec.Errors())
}
