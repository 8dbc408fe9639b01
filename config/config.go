// Package config loads process configuration for the agentpipe CLI and
// server: engine limits, the agent catalog, the routing decider, the HTTP
// server and telemetry. Files are YAML (JSON is accepted as well) and every
// scalar that matters in deployments can be overridden by an AGENTPIPE_*
// environment variable.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/engine"
	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/telemetry"
)

// Agent kinds.
const (
	KindMock      = "mock"
	KindHTTP      = "http"
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
)

// Router kinds.
const (
	RouterAgent = "agent"
	RouterModel = "model"
	RouterRego  = "rego"
)

// Config is the root configuration document.
type Config struct {
	Log       LogConfig       `yaml:"log" json:"log"`
	Engine    EngineConfig    `yaml:"engine" json:"engine"`
	Agents    []AgentConfig   `yaml:"agents" json:"agents"`
	Router    RouterConfig    `yaml:"router" json:"router"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// LogConfig selects level and format of the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// EngineConfig mirrors engine.Config.
type EngineConfig struct {
	MaxParallelism       int           `yaml:"maxParallelism" json:"maxParallelism"`
	DefaultStepTimeout   core.Duration `yaml:"defaultStepTimeout" json:"defaultStepTimeout"`
	MaxInvocationsPerRun int           `yaml:"maxInvocationsPerRun" json:"maxInvocationsPerRun"`
	SubscriberBuffer     int           `yaml:"subscriberBuffer" json:"subscriberBuffer"`
	RetainFinished       int           `yaml:"retainFinished" json:"retainFinished"`
}

// ModelConfig selects a model provider.
type ModelConfig struct {
	// Provider is one of mock, openai or anthropic.
	Provider    string  `yaml:"provider" json:"provider"`
	Name        string  `yaml:"name" json:"name"`
	APIKey      string  `yaml:"apiKey" json:"apiKey"`
	BaseURL     string  `yaml:"baseURL" json:"baseURL"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	MaxTokens   int64   `yaml:"maxTokens" json:"maxTokens"`
	// Response is the canned completion of the mock provider.
	Response string `yaml:"response" json:"response"`
}

// RetryConfig enables invoker.WithRetry for an agent.
type RetryConfig struct {
	MaxTries        uint          `yaml:"maxTries" json:"maxTries"`
	InitialInterval core.Duration `yaml:"initialInterval" json:"initialInterval"`
	MaxInterval     core.Duration `yaml:"maxInterval" json:"maxInterval"`
}

// AgentConfig declares one catalog entry.
type AgentConfig struct {
	Ref  string `yaml:"ref" json:"ref"`
	Kind string `yaml:"kind" json:"kind"`
	// Instructions is the instruction template of model-backed agents.
	Instructions string `yaml:"instructions" json:"instructions"`
	Stream       bool   `yaml:"stream" json:"stream"`
	// Model is used by openai and anthropic agents; Model.Response by mock agents.
	Model ModelConfig `yaml:"model" json:"model"`
	// Endpoint and Headers are used by http agents.
	Endpoint string            `yaml:"endpoint" json:"endpoint"`
	Headers  map[string]string `yaml:"headers" json:"headers"`
	Retry    *RetryConfig      `yaml:"retry" json:"retry"`
}

// RouterConfig selects the supervisor's RoutingDecider.
type RouterConfig struct {
	// Kind is one of agent (default), model or rego.
	Kind string `yaml:"kind" json:"kind"`
	// Model is used by the model router.
	Model ModelConfig `yaml:"model" json:"model"`
	// Query and Module are used by the rego router. Module is Rego source
	// used for pipelines without a routingRule.
	Query  string `yaml:"query" json:"query"`
	Module string `yaml:"module" json:"module"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr       string `yaml:"addr" json:"addr"`
	RetainRuns int    `yaml:"retainRuns" json:"retainRuns"`
	RequestLog bool   `yaml:"requestLog" json:"requestLog"`
}

// TelemetryConfig configures tracing and metrics.
type TelemetryConfig struct {
	telemetry.Config `yaml:",inline"`
	// Metrics enables the Prometheus /metrics route.
	Metrics bool `yaml:"metrics" json:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Engine: EngineConfig{
			MaxParallelism:       engine.DefaultConfig.MaxParallelism,
			DefaultStepTimeout:   core.Duration(engine.DefaultConfig.DefaultStepTimeout),
			MaxInvocationsPerRun: engine.DefaultConfig.MaxInvocationsPerRun,
			SubscriberBuffer:     engine.DefaultConfig.SubscriberBuffer,
			RetainFinished:       engine.DefaultConfig.RetainFinished,
		},
		Router:    RouterConfig{Kind: RouterAgent},
		Server:    ServerConfig{Addr: ":8080", RetainRuns: 256},
		Telemetry: TelemetryConfig{Config: telemetry.Config{ServiceName: "agentpipe"}, Metrics: true},
	}
}

// Load reads path, applies environment overrides and validates the result.
// An empty path yields the defaults with overrides applied.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		applyEnvOverrides(cfg)

		return cfg, cfg.Validate()
	}

	// #nosec G304 -- path is configured by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML or JSON document on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("AGENTPIPE_LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("AGENTPIPE_LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}

	if val := os.Getenv("AGENTPIPE_SERVER_ADDR"); val != "" {
		cfg.Server.Addr = val
	}

	if val, ok := envInt("AGENTPIPE_MAX_PARALLELISM"); ok {
		cfg.Engine.MaxParallelism = val
	}
	if val, ok := envInt("AGENTPIPE_MAX_INVOCATIONS"); ok {
		cfg.Engine.MaxInvocationsPerRun = val
	}
	if val := os.Getenv("AGENTPIPE_STEP_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Engine.DefaultStepTimeout = core.Duration(d)
		}
	}

	if val := os.Getenv("AGENTPIPE_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.Endpoint = val
	}
	if val := os.Getenv("AGENTPIPE_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
}

func envInt(key string) (int, bool) {
	val := os.Getenv(key)
	if val == "" {
		return 0, false
	}

	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}

	return n, true
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	var problems []string

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}

	if c.Engine.MaxParallelism < 0 || c.Engine.MaxInvocationsPerRun < 0 || c.Engine.SubscriberBuffer < 0 || c.Engine.RetainFinished < 0 {
		problems = append(problems, "engine limits must not be negative")
	}

	if c.Engine.DefaultStepTimeout < 0 {
		problems = append(problems, "engine.defaultStepTimeout must not be negative")
	}

	seen := make(map[string]bool, len(c.Agents))

	for i, a := range c.Agents {
		if a.Ref == "" {
			problems = append(problems, fmt.Sprintf("agents[%d]: ref is required", i))
			continue
		}

		if seen[a.Ref] {
			problems = append(problems, fmt.Sprintf("agents[%d]: duplicate ref %q", i, a.Ref))
		}

		seen[a.Ref] = true

		switch a.Kind {
		case KindMock, KindOpenAI, KindAnthropic:
		case KindHTTP:
			if a.Endpoint == "" {
				problems = append(problems, fmt.Sprintf("agent %q: http agents need an endpoint", a.Ref))
			}
		default:
			problems = append(problems, fmt.Sprintf("agent %q: unknown kind %q", a.Ref, a.Kind))
		}
	}

	switch c.Router.Kind {
	case "", RouterAgent, RouterRego:
	case RouterModel:
		switch c.Router.Model.Provider {
		case KindMock, KindOpenAI, KindAnthropic:
		default:
			problems = append(problems, fmt.Sprintf("router: unknown model provider %q", c.Router.Model.Provider))
		}
	default:
		problems = append(problems, fmt.Sprintf("router: unknown kind %q", c.Router.Kind))
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}

	return nil
}

// EngineConfig converts the engine section.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		MaxParallelism:       c.Engine.MaxParallelism,
		DefaultStepTimeout:   c.Engine.DefaultStepTimeout.Std(),
		MaxInvocationsPerRun: c.Engine.MaxInvocationsPerRun,
		SubscriberBuffer:     c.Engine.SubscriberBuffer,
		RetainFinished:       c.Engine.RetainFinished,
	}
}

// Logger builds the process logger from the log section.
func (c *Config) Logger() *logging.PipelineLogger {
	level, _ := logging.ParseLevel(c.Log.Level)
	return logging.NewSlogLogger(level, c.Log.Format, false)
}
