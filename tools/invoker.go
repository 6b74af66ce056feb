package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PipeOpsHQ/agent-engine/observe"
	"github.com/PipeOpsHQ/agent-engine/types"
)

var ErrUnknownTool = errors.New("tool not found")

type threadKey struct{}

// WithThread scopes tool calls made with ctx to threadID. The invoker sets it
// for every call so thread-scoped tools can find their storage partition.
func WithThread(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadKey{}, threadID)
}

// ThreadFrom returns the thread set by WithThread.
func ThreadFrom(ctx context.Context) (string, bool) {
	threadID, ok := ctx.Value(threadKey{}).(string)
	return threadID, ok && threadID != ""
}

// ArtifactSource is the authoritative artifact list for a thread.
type ArtifactSource interface {
	ListArtifacts(ctx context.Context, threadID string) ([]types.Artifact, error)
}

type Invoker struct {
	registry  *Registry
	artifacts ArtifactSource
	timeout   time.Duration
	sink      observe.Sink
	logger    *slog.Logger
}

type InvokerOption func(*Invoker)

func WithArtifactSource(source ArtifactSource) InvokerOption {
	return func(inv *Invoker) {
		inv.artifacts = source
	}
}

// WithTimeout bounds each tool call. Zero disables the bound.
func WithTimeout(timeout time.Duration) InvokerOption {
	return func(inv *Invoker) {
		if timeout >= 0 {
			inv.timeout = timeout
		}
	}
}

func WithObserver(sink observe.Sink) InvokerOption {
	return func(inv *Invoker) {
		inv.sink = sink
	}
}

func WithLogger(logger *slog.Logger) InvokerOption {
	return func(inv *Invoker) {
		if logger != nil {
			inv.logger = logger
		}
	}
}

func NewInvoker(registry *Registry, opts ...InvokerOption) *Invoker {
	if registry == nil {
		registry = &Registry{tools: map[string]Tool{}}
	}
	inv := &Invoker{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func (inv *Invoker) Definitions() []types.ToolDefinition {
	return inv.registry.Definitions()
}

type Batch struct {
	ThreadID string
	RunID    string
	Calls    []types.ToolCall
	// OnResult, when set, runs after each call completes, in call order.
	OnResult func(index int, result types.Message)
}

type BatchResult struct {
	Messages []types.Message
	// Artifacts is nil when no artifact source is configured or the refresh
	// failed.
	Artifacts []types.Artifact
}

// Invoke runs the calls sequentially and returns one tool message per call.
// Tool failures become error payloads; only cancellation of ctx stops the
// batch early, in which case the completed results are returned with the
// cancellation cause.
func (inv *Invoker) Invoke(ctx context.Context, batch Batch) (BatchResult, error) {
	result := BatchResult{Messages: make([]types.Message, 0, len(batch.Calls))}
	for i, call := range batch.Calls {
		if ctx.Err() != nil {
			return result, context.Cause(ctx)
		}
		msg := inv.Call(ctx, batch.ThreadID, batch.RunID, call)
		result.Messages = append(result.Messages, msg)
		if batch.OnResult != nil {
			batch.OnResult(i, msg)
		}
	}

	if inv.artifacts != nil {
		list, err := inv.artifacts.ListArtifacts(ctx, batch.ThreadID)
		if err != nil {
			inv.logger.Warn("artifact refresh failed", "thread", batch.ThreadID, "error", err)
		} else {
			result.Artifacts = list
		}
	}
	return result, nil
}

// Call executes a single tool call. It never fails: unknown tools, invalid
// arguments, handler errors and panics all become error payloads.
func (inv *Invoker) Call(ctx context.Context, threadID, runID string, call types.ToolCall) types.Message {
	started := time.Now()
	observe.Emit(ctx, inv.sink, inv.logger, observe.Event{
		Kind:     observe.KindTool,
		Status:   observe.StatusStarted,
		RunID:    runID,
		ThreadID: threadID,
		ToolName: call.Name,
		Attributes: map[string]any{
			"toolCallId": call.ID,
		},
	})

	out, err := inv.execute(WithThread(ctx, threadID), call)
	content, isError := encodePayload(out, err)

	event := observe.Event{
		Kind:     observe.KindTool,
		Status:   observe.StatusCompleted,
		RunID:    runID,
		ThreadID: threadID,
		ToolName: call.Name,
		Attributes: map[string]any{
			"toolCallId": call.ID,
		},
	}
	if isError {
		event.Status = observe.StatusFailed
		event.Error = content
	}
	event.Elapsed(started)
	observe.Emit(ctx, inv.sink, inv.logger, event)

	return types.ToolMessage(call.ID, call.Name, content, isError)
}

func (inv *Invoker) execute(ctx context.Context, call types.ToolCall) (out any, err error) {
	tool, ok := inv.registry.Get(call.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := ValidateArguments(tool.Definition(), args); err != nil {
		return nil, err
	}

	toolCtx := ctx
	cancel := func() {}
	if inv.timeout > 0 {
		toolCtx, cancel = context.WithTimeout(ctx, inv.timeout)
	}
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("tool %q panicked: %v", call.Name, r)
		}
	}()
	return tool.Execute(toolCtx, args)
}

func encodePayload(out any, err error) (string, bool) {
	if err != nil {
		return errorPayload(err.Error()), true
	}
	switch v := out.(type) {
	case nil:
		return "null", false
	case string:
		return v, false
	case json.RawMessage:
		return string(v), false
	}
	encoded, encErr := json.Marshal(out)
	if encErr != nil {
		return errorPayload("failed to encode tool output: " + encErr.Error()), true
	}
	return string(encoded), false
}

func errorPayload(message string) string {
	encoded, _ := json.Marshal(map[string]string{"error": message})
	return string(encoded)
}
