// Package main is the entry point for the agentpipe binary. It runs and
// validates pipeline definitions and serves the run API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentpipe"
	"github.com/hupe1980/agentpipe/config"
	"github.com/hupe1980/agentpipe/engine"
	"github.com/hupe1980/agentpipe/logging"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command with its subcommands.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentpipe",
		Short: "Run multi-agent pipelines",
		Long: `agentpipe executes declarative multi-agent pipelines.

A pipeline is sequential, parallel or supervisor. Agents are declared in the
configuration file and referenced by the pipeline's steps.

Example:
  agentpipe run -c agentpipe.yaml -f review.yaml --input "review this patch"`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(newRunCmd(), newValidateCmd(), newServeCmd())

	return rootCmd
}

// loadConfig loads the configuration file and applies the log flags on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}

	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Log.Format = format
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = defaultLogLevel
	}

	if cfg.Log.Format == "" {
		cfg.Log.Format = defaultLogFormat
	}

	return cfg, cfg.Validate()
}

// buildPipe wires catalog, decider and engine from cfg.
func buildPipe(cfg *config.Config, logger logging.Logger, callbacks ...engine.Callback) (*agentpipe.AgentPipe, error) {
	catalog, err := cfg.BuildCatalog(logger)
	if err != nil {
		return nil, err
	}

	decider, err := cfg.BuildDecider(catalog)
	if err != nil {
		return nil, err
	}

	return agentpipe.New(func(o *agentpipe.Options) {
		o.EngineConfig = cfg.EngineConfig()
		o.Catalog = catalog
		o.Decider = decider
		o.Logger = logger
		o.Callbacks = callbacks
	}), nil
}
