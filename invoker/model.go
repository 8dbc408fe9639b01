package invoker

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/internal/util"
	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/model"
)

// ModelOptions configure a model-backed agent.
type ModelOptions struct {
	// Instructions is a text/template rendered per call with the keys
	// "input" (raw step input) and "text" (input rendered as text).
	Instructions string
	// Stream asks the model for incremental output. The agent still
	// returns only the final text.
	Stream bool
	Logger logging.Logger
}

// ModelAgent answers each invocation with a single model completion.
type ModelAgent struct {
	model model.Model
	opts  ModelOptions
}

// NewModel creates an agent backed by m.
func NewModel(m model.Model, optFns ...func(o *ModelOptions)) *ModelAgent {
	opts := ModelOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &ModelAgent{model: m, opts: opts}
}

// Invoke implements Agent. The output is the completion text.
func (a *ModelAgent) Invoke(ctx context.Context, input any) (any, error) {
	text := core.PayloadText(input)

	instructions, err := util.RenderTemplate(a.opts.Instructions, map[string]any{
		"input": input,
		"text":  text,
	})
	if err != nil {
		return nil, fmt.Errorf("render instructions: %w", err)
	}

	info := a.model.Info()
	start := time.Now()

	resp, err := model.Collect(ctx, a.model, model.Request{
		Instructions: instructions,
		Messages:     []model.Message{{Role: "user", Text: text}},
		Stream:       a.opts.Stream,
	})

	tokens := 0
	if resp.Usage != nil {
		tokens = resp.Usage.TotalTokens
	}

	a.logCall(info, tokens, time.Since(start), err)

	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", info.Provider, info.Name, err)
	}

	return resp.Text, nil
}

func (a *ModelAgent) logCall(info model.Info, tokens int, dur time.Duration, err error) {
	name := info.Provider + "/" + info.Name

	if pl, ok := a.opts.Logger.(*logging.PipelineLogger); ok {
		pl.LogModelCall(name, tokens, dur, err == nil, err)
		return
	}

	if err != nil {
		a.opts.Logger.Warn("model call failed", "model", name, "duration", dur, "error", err)
		return
	}

	a.opts.Logger.Debug("model call completed", "model", name, "tokens", tokens, "duration", dur)
}
