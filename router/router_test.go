package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/model"
)

func request(input any, rule string) core.RoutingRequest {
	return core.RoutingRequest{
		PipelineID: "p1",
		Input:      input,
		Workers: []core.WorkerInfo{
			{Ref: "A", AgentRef: "agent-a"},
			{Ref: "B", AgentRef: "agent-b"},
		},
		ManagerRef: "boss",
		Rule:       rule,
	}
}

func TestAgentDecider(t *testing.T) {
	var gotRef string

	var gotInput any

	inv := core.InvokerFunc(func(_ context.Context, ref string, input any) (any, error) {
		gotRef, gotInput = ref, input
		return map[string]any{"worker": "B"}, nil
	})

	worker, err := NewAgent(inv).Decide(context.Background(), request("q", ""))
	require.NoError(t, err)
	assert.Equal(t, "B", worker)
	assert.Equal(t, "boss", gotRef)
	assert.IsType(t, core.RoutingRequest{}, gotInput)
}

func TestAgentDecider_Error(t *testing.T) {
	boom := errors.New("boom")
	inv := core.InvokerFunc(func(context.Context, string, any) (any, error) { return nil, boom })

	_, err := NewAgent(inv).Decide(context.Background(), request("q", ""))
	require.ErrorIs(t, err, boom)
}

func TestModelDecider(t *testing.T) {
	m := model.NewMockModel("router", "mock")
	m.AddResponse("write a poem", "B")

	worker, err := NewModel(m).Decide(context.Background(), request("write a poem", "poems go to B"))
	require.NoError(t, err)
	assert.Equal(t, "B", worker)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Instructions, "- A")
	assert.Contains(t, reqs[0].Instructions, "- B")
	assert.Contains(t, reqs[0].Instructions, "Routing rule: poems go to B")
}

func TestModelDecider_Error(t *testing.T) {
	boom := errors.New("unavailable")
	m := model.NewMockModel("router", "mock")
	m.SetError(boom)

	_, err := NewModel(m).Decide(context.Background(), request("q", ""))
	require.ErrorIs(t, err, boom)
}

const codeRule = `package routing

default worker := "A"

worker := "B" if {
	contains(input.input, "code")
}
`

func TestRegoDecider(t *testing.T) {
	d := NewRego()

	worker, err := d.Decide(context.Background(), request("write code", codeRule))
	require.NoError(t, err)
	assert.Equal(t, "B", worker)

	worker, err = d.Decide(context.Background(), request("write a poem", codeRule))
	require.NoError(t, err)
	assert.Equal(t, "A", worker)

	assert.Len(t, d.queries, 1)
}

func TestRegoDecider_UsesWorkersInput(t *testing.T) {
	rule := `package routing

worker := input.workers[count(input.workers) - 1]
`

	worker, err := NewRego().Decide(context.Background(), request("x", rule))
	require.NoError(t, err)
	assert.Equal(t, "B", worker)
}

func TestRegoDecider_ObjectResult(t *testing.T) {
	rule := `package routing

decision := {"worker": input.agents.A}
`

	d := NewRego(func(o *RegoOptions) { o.Query = "data.routing.decision" })

	worker, err := d.Decide(context.Background(), request("x", rule))
	require.NoError(t, err)
	assert.Equal(t, "agent-a", worker)
}

func TestRegoDecider_DefaultModule(t *testing.T) {
	d := NewRego(func(o *RegoOptions) { o.Module = codeRule })

	worker, err := d.Decide(context.Background(), request("code review", ""))
	require.NoError(t, err)
	assert.Equal(t, "B", worker)
}

func TestRegoDecider_Errors(t *testing.T) {
	d := NewRego()

	_, err := d.Decide(context.Background(), request("x", ""))
	require.Error(t, err)

	_, err = d.Decide(context.Background(), request("x", "package routing\nworker := "))
	require.Error(t, err)

	_, err = d.Decide(context.Background(), request("x", "package routing\nother := 1\n"))
	require.ErrorIs(t, err, ErrNoDecision)

	assert.Error(t, d.Compile(context.Background(), "not rego"))
}
