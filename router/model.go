package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/internal/util"
	"github.com/hupe1980/agentpipe/model"
)

// DefaultRoutingPrompt instructs the model to answer with a single worker.
const DefaultRoutingPrompt = `You route requests to exactly one worker.
Workers:
{{- range .workers }}
- {{ .Ref }}
{{- end }}
{{- if .rule }}
Routing rule: {{ .rule }}
{{- end }}
Reply with the name of the chosen worker and nothing else.`

// ModelOptions configure a model-backed decider.
type ModelOptions struct {
	// Prompt is a text/template rendered with "workers", "rule" and
	// "pipeline" and sent as the model instructions.
	Prompt string
}

// ModelDecider asks a model to pick the worker.
type ModelDecider struct {
	model model.Model
	opts  ModelOptions
}

var _ core.RoutingDecider = (*ModelDecider)(nil)

// NewModel creates a decider backed by m.
func NewModel(m model.Model, optFns ...func(o *ModelOptions)) *ModelDecider {
	opts := ModelOptions{Prompt: DefaultRoutingPrompt}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &ModelDecider{model: m, opts: opts}
}

// Decide implements core.RoutingDecider.
func (d *ModelDecider) Decide(ctx context.Context, req core.RoutingRequest) (string, error) {
	instructions, err := util.RenderTemplate(d.opts.Prompt, map[string]any{
		"workers":  req.Workers,
		"rule":     strings.TrimSpace(req.Rule),
		"pipeline": req.PipelineID,
	})
	if err != nil {
		return "", fmt.Errorf("render routing prompt: %w", err)
	}

	resp, err := model.Collect(ctx, d.model, model.Request{
		Instructions: instructions,
		Messages:     []model.Message{{Role: "user", Text: core.PayloadText(req.Input)}},
	})
	if err != nil {
		return "", fmt.Errorf("routing model: %w", err)
	}

	return Match(resp.Text, req.WorkerRefs())
}
