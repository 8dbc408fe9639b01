package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentpipe/config"
	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/telemetry"
)

// errRunFailed is returned when the pipeline ran but did not complete.
var errRunFailed = errors.New("run failed")

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a pipeline definition and print the result as JSON",
		RunE:  runPipeline,
	}

	cmd.Flags().StringP("file", "f", "", "Path to the pipeline definition (YAML or JSON)")
	cmd.Flags().StringP("input", "i", "", "Pipeline input; JSON values are decoded, anything else is a string")
	cmd.Flags().Duration("timeout", 0, "Cancel the run after this duration (0 disables)")
	cmd.Flags().Bool("events", false, "Print every step event as a JSON line to stderr")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	file, _ := cmd.Flags().GetString("file")
	rawInput, _ := cmd.Flags().GetString("input")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	showEvents, _ := cmd.Flags().GetBool("events")

	def, err := config.LoadDefinition(file)
	if err != nil {
		return err
	}

	logger := cfg.Logger().WithComponent("cli")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shutdown, err := telemetry.SetupProvider(ctx, cfg.Telemetry.Config)
	if err != nil {
		return err
	}

	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = shutdown(flushCtx)
	}()

	in := telemetry.NewInstrumentation()

	pipe, err := buildPipe(cfg, logger, in.Callbacks()...)
	if err != nil {
		return err
	}

	events := json.NewEncoder(cmd.ErrOrStderr())

	result, err := pipe.RunStream(ctx, def, config.ParseInput(rawInput), func(ev core.StepEvent) {
		if showEvents {
			_ = events.Encode(ev)
		}
	})
	if result == nil {
		return err
	}

	if werr := writeResult(cmd.OutOrStdout(), result); werr != nil {
		return werr
	}

	if !result.Succeeded() {
		if result.Error != nil {
			return fmt.Errorf("%w: %s", errRunFailed, result.Error)
		}

		return errRunFailed
	}

	return nil
}

func writeResult(w io.Writer, result *core.ExecutionResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(result)
}
