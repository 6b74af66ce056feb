package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"

	"github.com/PipeOpsHQ/agent-engine/artifacts"
	artifactmemory "github.com/PipeOpsHQ/agent-engine/artifacts/memory"
	artifactsqlite "github.com/PipeOpsHQ/agent-engine/artifacts/sqlite"
	"github.com/PipeOpsHQ/agent-engine/checkpoint"
	checkpointfactory "github.com/PipeOpsHQ/agent-engine/checkpoint/factory"
	"github.com/PipeOpsHQ/agent-engine/engine"
	"github.com/PipeOpsHQ/agent-engine/graph"
	"github.com/PipeOpsHQ/agent-engine/internal/config"
	"github.com/PipeOpsHQ/agent-engine/observe"
	otelsink "github.com/PipeOpsHQ/agent-engine/observe/otel"
	promsink "github.com/PipeOpsHQ/agent-engine/observe/prometheus"
	"github.com/PipeOpsHQ/agent-engine/prompt"
	providerfactory "github.com/PipeOpsHQ/agent-engine/providers/factory"
	"github.com/PipeOpsHQ/agent-engine/tools"
	"github.com/PipeOpsHQ/agent-engine/tools/artifacttools"
)

// runtime is the fully wired engine shared by the serve and run commands.
type runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	checkpoints checkpoint.Store
	artifacts   artifacts.Store
	metrics     *prometheus.Registry
	observer    *observe.AsyncSink
	engine      *engine.Engine
}

func openCheckpoints(ctx context.Context, cfg config.Config, logger *slog.Logger) (checkpoint.Store, error) {
	store, err := checkpointfactory.New(ctx, cfg.Checkpoint, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return store, nil
}

func openArtifacts(cfg config.Config) (artifacts.Store, error) {
	if path := strings.TrimSpace(cfg.Artifacts.Path); path != "" {
		store, err := artifactsqlite.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open artifact store: %w", err)
		}
		return store, nil
	}
	return artifactmemory.New(), nil
}

func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, events engine.EventSink) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = rt.close(context.Background())
		}
	}()

	if rt.checkpoints, err = openCheckpoints(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if rt.artifacts, err = openArtifacts(cfg); err != nil {
		return nil, err
	}
	provider, err := providerfactory.New(ctx, cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	rt.metrics = prometheus.NewRegistry()
	rt.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sinks := []observe.Sink{promsink.NewSink(rt.metrics)}
	if cfg.Tracing.Enabled {
		sinks = append(sinks, otelsink.NewSink(otel.GetTracerProvider()))
	}
	rt.observer = observe.NewAsyncSink(observe.NewMultiSink(sinks...), cfg.Engine.EventBuffer, logger)
	observer := rt.observer

	registry, err := tools.NewRegistry()
	if err != nil {
		return nil, err
	}
	if err := artifacttools.Register(registry, rt.artifacts); err != nil {
		return nil, fmt.Errorf("failed to register artifact tools: %w", err)
	}
	invoker := tools.NewInvoker(registry,
		tools.WithArtifactSource(rt.artifacts),
		tools.WithTimeout(cfg.Engine.ToolTimeout),
		tools.WithObserver(observer),
		tools.WithLogger(logger),
	)

	prompts := prompt.Defaults()
	if path := strings.TrimSpace(cfg.Engine.PromptsFile); path != "" {
		if prompts, err = prompt.LoadFile(path); err != nil {
			return nil, err
		}
	}

	executor, err := graph.NewExecutor(provider, invoker, rt.checkpoints,
		graph.WithPrompts(prompts),
		graph.WithNamespace(cfg.Engine.Namespace),
		graph.WithRecursionLimit(cfg.Engine.RecursionLimit),
		graph.WithMaxOutputTokens(cfg.Engine.MaxOutputTokens),
		graph.WithObserver(observer),
		graph.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	rt.engine, err = engine.New(executor,
		engine.WithEventSink(events),
		engine.WithObserver(observer),
		engine.WithLogger(logger),
		engine.WithThreadCleanup(rt.artifacts),
	)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// close stops every run before releasing the stores they write to.
func (rt *runtime) close(ctx context.Context) error {
	var errs []error
	if rt.engine != nil {
		if err := rt.engine.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop runs: %w", err))
		}
	}
	if rt.observer != nil {
		rt.observer.Close()
	}
	if rt.artifacts != nil {
		if err := rt.artifacts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close artifact store: %w", err))
		}
	}
	if rt.checkpoints != nil {
		if err := rt.checkpoints.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close checkpoint store: %w", err))
		}
	}
	return errors.Join(errs...)
}
