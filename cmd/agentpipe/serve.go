package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentpipe/config"
	"github.com/hupe1980/agentpipe/engine"
	"github.com/hupe1980/agentpipe/metrics"
	"github.com/hupe1980/agentpipe/server"
	"github.com/hupe1980/agentpipe/telemetry"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API over HTTP",
		RunE:  serve,
	}

	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().Bool("watch", true, "Reload the agent catalog when the config file changes")

	return cmd
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, cfg.Telemetry.Config)
	if err != nil {
		return err
	}

	callbacks := telemetry.NewInstrumentation().Callbacks()

	var m *metrics.Metrics
	if cfg.Telemetry.Metrics {
		m = metrics.New()
		callbacks = append(callbacks, m.Callbacks()...)
	}

	callbacks = append(callbacks, engine.NewLoggingCallback(engine.CallbackOnError, func(msg string) {
		logger.Warn(msg)
	}))

	pipe, err := buildPipe(cfg, logger.WithComponent("engine"), callbacks...)
	if err != nil {
		return err
	}

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			w, err := config.NewWatcher(path, func(next *config.Config) {
				agents, err := next.BuildAgents(logger)
				if err != nil {
					logger.Warn("keeping previous agent catalog", "error", err)
					return
				}

				pipe.Catalog().Replace(agents)
				logger.Info("agent catalog reloaded", "agents", len(agents))
			}, func(o *config.WatcherOptions) { o.Logger = logger.WithComponent("config") })
			if err != nil {
				return err
			}

			defer w.Close()
		}
	}

	srv := server.New(pipe.Engine(), func(o *server.Options) {
		o.Logger = logger.WithComponent("server")
		o.Metrics = m
		o.RequestLog = cfg.Server.RequestLog

		if cfg.Server.RetainRuns > 0 {
			o.RetainRuns = cfg.Server.RetainRuns
		}
	})

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.Start(cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return errors.Join(srv.Shutdown(shutdownCtx), shutdownTracing(shutdownCtx))
}
