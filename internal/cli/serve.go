package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/agent-engine/runtime/cron"
	"github.com/PipeOpsHQ/agent-engine/server"
	"github.com/PipeOpsHQ/agent-engine/stream"
)

func newServeCommand(opts *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and websocket event stream",
		Example: `  # Listen on the configured address
  agent-engine serve --config engine.yaml

  # Override the address
  agent-engine serve --addr :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if strings.TrimSpace(addr) != "" {
				cfg.Server.Addr = addr
			}
			opts.cfg = cfg
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides server.addr")
	return cmd
}

func runServe(ctx context.Context, opts *options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg, logger := opts.cfg, opts.logger

	hub := stream.NewHub(stream.WithHubLogger(logger))
	dispatcher := stream.NewDispatcher(hub, cfg.Engine.EventBuffer, logger)
	defer dispatcher.Close()

	rt, err := buildRuntime(ctx, cfg, logger, dispatcher)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	if strings.TrimSpace(cfg.Prune.Schedule) != "" {
		scheduler, err := startRetention(rt, cfg.Prune.Schedule, cfg.Prune.Keep)
		if err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = scheduler.Stop(stopCtx)
		}()
	}

	srv, err := server.NewServer(server.Config{
		Addr:    cfg.Server.Addr,
		Engine:  rt.engine,
		Hub:     hub,
		Metrics: rt.metrics,
		Tracing: cfg.Tracing.Enabled,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	logger.Info("agent engine starting",
		"addr", cfg.Server.Addr,
		"provider", cfg.Provider.Provider,
		"checkpoints", cfg.Checkpoint.Backend,
		"recursion_limit", cfg.Engine.RecursionLimit,
	)
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func startRetention(rt *runtime, schedule string, keep int) (*cron.Scheduler, error) {
	retention, err := cron.NewRetention(rt.checkpoints, keep, rt.logger)
	if err != nil {
		return nil, err
	}
	scheduler := cron.New(cron.WithLogger(rt.logger), cron.WithJobTimeout(10*time.Minute))
	if err := scheduler.Add(cron.RetentionJobName, schedule, retention.Job()); err != nil {
		return nil, err
	}
	scheduler.Start()
	rt.logger.Info("checkpoint retention scheduled", "schedule", schedule, "keep", keep)
	return scheduler, nil
}
