// Package prometheus records engine telemetry as Prometheus metrics.
package prometheus

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/PipeOpsHQ/agent-engine/observe"
)

const namespace = "agent_engine"

type Sink struct {
	RunsTotal          *prometheus.CounterVec
	ActiveRuns         prometheus.Gauge
	ProviderRequests   *prometheus.CounterVec
	ProviderDuration   *prometheus.HistogramVec
	ToolCalls          *prometheus.CounterVec
	ToolDuration       *prometheus.HistogramVec
	GraphNodes         *prometheus.CounterVec
	CheckpointsWritten prometheus.Counter
}

// NewSink registers the engine metrics with reg. A nil reg uses the default
// registerer.
func NewSink(reg prometheus.Registerer) *Sink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Sink{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs that reached a terminal status",
		}, []string{"status"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently executing",
		}),
		ProviderRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Model provider calls by outcome",
		}, []string{"provider", "status"}),
		ProviderDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Model provider call latency",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"provider"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by outcome",
		}, []string{"tool", "status"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		GraphNodes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_nodes_total",
			Help:      "Execution graph node visits by outcome",
		}, []string{"node", "status"}),
		CheckpointsWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_written_total",
			Help:      "Checkpoints persisted",
		}),
	}
}

func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	if s == nil {
		return nil
	}
	seconds := (time.Duration(event.DurationMs) * time.Millisecond).Seconds()
	status := string(event.Status)

	switch event.Kind {
	case observe.KindRun:
		if event.Status == observe.StatusStarted {
			s.ActiveRuns.Inc()
			return nil
		}
		s.ActiveRuns.Dec()
		s.RunsTotal.WithLabelValues(status).Inc()
	case observe.KindProvider:
		if event.Status == observe.StatusStarted {
			return nil
		}
		s.ProviderRequests.WithLabelValues(event.Provider, status).Inc()
		s.ProviderDuration.WithLabelValues(event.Provider).Observe(seconds)
	case observe.KindTool:
		if event.Status == observe.StatusStarted {
			return nil
		}
		s.ToolCalls.WithLabelValues(event.ToolName, status).Inc()
		s.ToolDuration.WithLabelValues(event.ToolName).Observe(seconds)
	case observe.KindGraph:
		if event.Status == observe.StatusStarted {
			return nil
		}
		s.GraphNodes.WithLabelValues(event.Name, status).Inc()
	case observe.KindCheckpoint:
		if event.Status == observe.StatusCompleted {
			s.CheckpointsWritten.Inc()
		}
	case observe.KindCustom:
	}
	return nil
}
