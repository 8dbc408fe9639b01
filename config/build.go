package config

import (
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/invoker"
	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/model"
	anthropicmodel "github.com/hupe1980/agentpipe/model/anthropic"
	openaimodel "github.com/hupe1980/agentpipe/model/openai"
	"github.com/hupe1980/agentpipe/router"
)

// BuildModel creates the model.Model described by mc. ref names the mock
// model.
func BuildModel(ref string, mc ModelConfig) (model.Model, error) {
	switch mc.Provider {
	case KindMock:
		m := model.NewMockModel(ref, KindMock)
		m.SetFallback(mc.Response)

		return m, nil
	case KindOpenAI:
		return openaimodel.NewModel(func(o *openaimodel.Options) {
			if mc.Name != "" {
				o.Model = mc.Name
			}
			if mc.Temperature > 0 {
				o.Temperature = mc.Temperature
			}
			if mc.MaxTokens > 0 {
				o.MaxCompletionTokens = mc.MaxTokens
			}
			o.APIKey = mc.APIKey
			o.BaseURL = mc.BaseURL
		}), nil
	case KindAnthropic:
		return anthropicmodel.NewModel(func(o *anthropicmodel.Options) {
			if mc.Name != "" {
				o.Model = anthropic.Model(mc.Name)
			}
			if mc.Temperature > 0 {
				o.Temperature = mc.Temperature
			}
			if mc.MaxTokens > 0 {
				o.MaxTokens = mc.MaxTokens
			}
			o.APIKey = mc.APIKey
		}), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", mc.Provider)
	}
}

// BuildAgent creates the agent described by ac.
func BuildAgent(ac AgentConfig, logger logging.Logger) (invoker.Agent, error) {
	var agent invoker.Agent

	switch ac.Kind {
	case KindHTTP:
		agent = invoker.NewHTTP(ac.Endpoint, func(o *invoker.HTTPOptions) {
			o.Name = ac.Ref
			o.Headers = ac.Headers
		})
	case KindMock, KindOpenAI, KindAnthropic:
		mc := ac.Model
		mc.Provider = ac.Kind

		m, err := BuildModel(ac.Ref, mc)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", ac.Ref, err)
		}

		agent = invoker.NewModel(m, func(o *invoker.ModelOptions) {
			o.Instructions = ac.Instructions
			o.Stream = ac.Stream
			o.Logger = logger
		})
	default:
		return nil, fmt.Errorf("agent %q: unknown kind %q", ac.Ref, ac.Kind)
	}

	if ac.Retry != nil {
		agent = invoker.WithRetry(agent, func(o *invoker.RetryOptions) {
			if ac.Retry.MaxTries > 0 {
				o.MaxTries = ac.Retry.MaxTries
			}
			if ac.Retry.InitialInterval > 0 {
				o.InitialInterval = ac.Retry.InitialInterval.Std()
			}
			if ac.Retry.MaxInterval > 0 {
				o.MaxInterval = ac.Retry.MaxInterval.Std()
			}
			o.Logger = logger
		})
	}

	return agent, nil
}

// BuildAgents creates every configured agent keyed by ref.
func (c *Config) BuildAgents(logger logging.Logger) (map[string]invoker.Agent, error) {
	agents := make(map[string]invoker.Agent, len(c.Agents))

	for _, ac := range c.Agents {
		a, err := BuildAgent(ac, logger)
		if err != nil {
			return nil, err
		}

		agents[ac.Ref] = a
	}

	return agents, nil
}

// BuildCatalog creates a catalog holding every configured agent.
func (c *Config) BuildCatalog(logger logging.Logger) (*invoker.Catalog, error) {
	agents, err := c.BuildAgents(logger)
	if err != nil {
		return nil, err
	}

	catalog := invoker.NewCatalog()
	catalog.Replace(agents)

	return catalog, nil
}

// BuildDecider creates the configured RoutingDecider. Agent routing asks
// the manager through inv.
func (c *Config) BuildDecider(inv core.AgentInvoker) (core.RoutingDecider, error) {
	switch c.Router.Kind {
	case "", RouterAgent:
		return router.NewAgent(inv), nil
	case RouterModel:
		m, err := BuildModel("router", c.Router.Model)
		if err != nil {
			return nil, fmt.Errorf("router: %w", err)
		}

		return router.NewModel(m), nil
	case RouterRego:
		return router.NewRego(func(o *router.RegoOptions) {
			if c.Router.Query != "" {
				o.Query = c.Router.Query
			}
			o.Module = c.Router.Module
		}), nil
	default:
		return nil, fmt.Errorf("router: unknown kind %q", c.Router.Kind)
	}
}
