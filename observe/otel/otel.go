// Package otel turns engine telemetry into OpenTelemetry spans.
//
// Events are emitted when a step finishes, so each span is backdated by the
// event's duration. Started events carry no timing and produce no span.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PipeOpsHQ/agent-engine/observe"
)

const instrumentationName = "github.com/PipeOpsHQ/agent-engine"

type Sink struct {
	tracer trace.Tracer
}

// NewSink uses a noop tracer provider when tp is nil.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{tracer: tp.Tracer(instrumentationName)}
}

func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()
	if event.Status == observe.StatusStarted {
		return nil
	}

	end := event.Timestamp
	start := end.Add(-time.Duration(event.DurationMs) * time.Millisecond)
	_, span := s.tracer.Start(context.Background(), spanNameFor(event),
		trace.WithTimestamp(start),
		trace.WithAttributes(attributesFor(event)...),
	)

	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	case observe.StatusCompleted:
		span.SetStatus(codes.Ok, "")
	case observe.StatusCancelled:
		span.SetAttributes(attribute.Bool("agent.cancelled", true))
	}
	span.End(trace.WithTimestamp(end))
	return nil
}

func attributesFor(event observe.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("agent.event.kind", string(event.Kind)),
	}
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	add("agent.run.id", event.RunID)
	add("agent.thread.id", event.ThreadID)
	add("agent.provider", event.Provider)
	add("agent.tool.name", event.ToolName)
	add("agent.event.name", event.Name)
	add("agent.status", string(event.Status))
	add("agent.message", truncate(event.Message, 1024))
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("agent.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		key := "agent.attr." + k
		switch val := v.(type) {
		case int:
			attrs = append(attrs, attribute.Int(key, val))
		case int64:
			attrs = append(attrs, attribute.Int64(key, val))
		case bool:
			attrs = append(attrs, attribute.Bool(key, val))
		case string:
			attrs = append(attrs, attribute.String(key, val))
		default:
			attrs = append(attrs, attribute.String(key, fmt.Sprintf("%v", val)))
		}
	}
	return attrs
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindRun:
		return "agent.run"
	case observe.KindProvider:
		if event.Provider != "" {
			return "agent.llm." + event.Provider
		}
		return "agent.llm.generate"
	case observe.KindTool:
		if event.ToolName != "" {
			return "agent.tool." + event.ToolName
		}
		return "agent.tool.call"
	case observe.KindGraph:
		if event.Name != "" {
			return "agent.graph." + event.Name
		}
		return "agent.graph.node"
	case observe.KindCheckpoint:
		return "agent.checkpoint"
	default:
		if event.Name != "" {
			return "agent." + event.Name
		}
		return "agent.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
