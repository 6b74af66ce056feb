package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/agent-engine/checkpoint"
	"github.com/PipeOpsHQ/agent-engine/history"
	"github.com/PipeOpsHQ/agent-engine/observe"
	"github.com/PipeOpsHQ/agent-engine/tools"
	"github.com/PipeOpsHQ/agent-engine/types"
)

// Input starts a run from a loaded snapshot.
type Input struct {
	ThreadID string
	RunID    string
	State    *types.ConversationState
	// ParentID is the checkpoint State was loaded from, if any.
	ParentID string
	Emit     EmitFunc
}

type Result struct {
	State        *types.ConversationState
	CheckpointID string
	LimitReached bool
	Steps        int
}

// run carries the per-run bookkeeping through the node functions.
type run struct {
	Input
	parentID string
	step     int
}

// Start loads threadID, appends message and drives the graph to Done.
func (e *Executor) Start(ctx context.Context, threadID, runID string, message types.Message, emit EmitFunc) (Result, error) {
	snap, err := e.Load(ctx, threadID)
	if err != nil {
		return Result{}, err
	}
	snap.State.Append(message)
	return e.Run(ctx, Input{
		ThreadID: threadID,
		RunID:    runID,
		State:    snap.State,
		ParentID: snap.CheckpointID,
		Emit:     emit,
	})
}

// Run drives the graph from Planner until Done, cancellation or failure.
// The returned Result always carries the latest in-memory state. On
// cancellation the error is the context's cause.
func (e *Executor) Run(ctx context.Context, in Input) (Result, error) {
	if err := checkpoint.ValidateThread(in.ThreadID); err != nil {
		return Result{}, err
	}
	if in.State == nil {
		in.State = types.NewConversationState()
	}
	in.State.EnsureDefaults()
	in.State.IterationCount = 0

	r := &run{Input: in, parentID: in.ParentID}
	res := Result{State: in.State}

	if err := e.checkpoint(ctx, r, checkpoint.SourceInput, nodeInput); err != nil {
		res.CheckpointID = r.parentID
		return res, err
	}

	node := NodePlanner
	for node != NodeDone {
		if err := cancelled(ctx); err != nil {
			res.CheckpointID, res.Steps = r.parentID, r.step
			return res, err
		}

		started := time.Now()
		e.observe(ctx, r, observe.Event{Kind: observe.KindGraph, Status: observe.StatusStarted, Name: string(node)})

		var next NodeID
		var err error
		switch node {
		case NodePlanner:
			next, err = e.plan(ctx, r)
		case NodeOrchestrator:
			next, err = e.orchestrate(ctx, r, &res)
		case NodeToolExecutor:
			next, err = e.executeTools(ctx, r, &res)
		default:
			err = fmt.Errorf("unknown node %q", node)
		}

		done := observe.Event{Kind: observe.KindGraph, Status: observe.StatusCompleted, Name: string(node)}
		if err != nil {
			done.Status = observe.StatusFailed
			if ctx.Err() != nil {
				done.Status = observe.StatusCancelled
			}
			done.Error = err.Error()
		}
		done.Elapsed(started)
		e.observe(ctx, r, done)

		if err != nil {
			res.CheckpointID, res.Steps = r.parentID, r.step
			return res, err
		}
		node = next
	}

	res.CheckpointID, res.Steps = r.parentID, r.step
	return res, nil
}

func (e *Executor) plan(ctx context.Context, r *run) (NodeID, error) {
	system, err := e.prompts.RenderPlanner(r.State.PlanText(), r.State.ArtifactList())
	if err != nil {
		return "", fmt.Errorf("failed to render planner prompt: %w", err)
	}

	r.emit(types.ThinkingStartedEvent())
	started := time.Now()
	resp, err := e.generate(ctx, r, NodePlanner, types.Request{
		Model:           e.model,
		SystemPrompt:    system,
		Messages:        history.Sanitize(r.State.Messages),
		MaxOutputTokens: e.maxOutputTokens,
	})
	if err != nil {
		return "", err
	}

	plan := strings.TrimSpace(resp.Message.Content)
	r.State.SetPlan(plan)
	r.emit(types.ThinkingDoneEvent(plan, time.Since(started)))

	if err := e.checkpoint(ctx, r, checkpoint.SourceLoop, string(NodePlanner)); err != nil {
		return "", err
	}
	return NodeOrchestrator, nil
}

func (e *Executor) orchestrate(ctx context.Context, r *run, res *Result) (NodeID, error) {
	if r.State.IterationCount >= e.limit {
		res.LimitReached = true
		return NodeDone, e.finishAtLimit(ctx, r)
	}

	system, err := e.prompts.RenderOrchestrator(r.State.PlanText(), r.State.ArtifactList())
	if err != nil {
		return "", fmt.Errorf("failed to render orchestrator prompt: %w", err)
	}
	resp, err := e.generate(ctx, r, NodeOrchestrator, types.Request{
		Model:           e.model,
		SystemPrompt:    system,
		Messages:        history.Sanitize(r.State.Messages),
		Tools:           e.invoker.Definitions(),
		MaxOutputTokens: e.maxOutputTokens,
	})
	if err != nil {
		return "", err
	}

	msg := resp.Message
	msg.Role = types.RoleAssistant
	msg.ToolCalls = withCallIDs(msg.ToolCalls)
	if err := msg.Validate(); err != nil {
		return "", fmt.Errorf("invalid orchestrator response: %w", err)
	}
	r.State.Append(msg)
	r.State.IterationCount++

	if err := e.checkpoint(ctx, r, checkpoint.SourceLoop, string(NodeOrchestrator)); err != nil {
		return "", err
	}
	if msg.HasToolCalls() {
		return NodeToolExecutor, nil
	}
	r.emit(types.ResponseEvent(msg.Content))
	return NodeDone, nil
}

func (e *Executor) executeTools(ctx context.Context, r *run, res *Result) (NodeID, error) {
	calls := history.PendingToolCalls(r.State.Messages)
	for _, call := range calls {
		r.emit(types.ToolCallEvent(call))
	}

	// Results are recorded against the checkpoint holding the tool calls.
	recordedAt := r.parentID
	batch, err := e.invoker.Invoke(ctx, tools.Batch{
		ThreadID: r.ThreadID,
		RunID:    r.RunID,
		Calls:    calls,
		OnResult: func(i int, msg types.Message) {
			if ctx.Err() != nil {
				return
			}
			r.emit(types.ToolResultEvent(msg))
			e.recordResult(ctx, r, recordedAt, msg)
		},
	})
	if err != nil {
		return "", err
	}
	if err := cancelled(ctx); err != nil {
		return "", err
	}

	r.State.Append(batch.Messages...)
	if batch.Artifacts != nil {
		r.State.MergeArtifacts(batch.Artifacts)
	}
	if err := e.checkpoint(ctx, r, checkpoint.SourceLoop, string(NodeToolExecutor)); err != nil {
		return "", err
	}

	if r.State.IterationCount >= e.limit {
		res.LimitReached = true
		return NodeDone, e.finishAtLimit(ctx, r)
	}
	return NodePlanner, nil
}

// finishAtLimit closes any outstanding tool calls and appends a final
// assistant message naming the tools the agent was still using.
func (e *Executor) finishAtLimit(ctx context.Context, r *run) error {
	last, _, _ := r.State.LastAssistant()
	for _, call := range history.PendingToolCalls(r.State.Messages) {
		r.State.Append(types.ToolMessage(call.ID, call.Name, `{"error":"recursion limit reached before this tool ran"}`, true))
	}

	content := LimitMessage(e.limit, stalledTools(last.ToolCalls))
	r.State.Append(types.AssistantMessage(content))
	e.logger.Warn("recursion limit reached", "thread", r.ThreadID, "run", r.RunID, "limit", e.limit)

	if err := e.checkpoint(ctx, r, checkpoint.SourceLimit, string(NodeDone)); err != nil {
		return err
	}
	r.emit(types.ResponseEvent(content))
	return nil
}

// withCallIDs copies calls, assigning an id to any call the provider left
// without one.
func withCallIDs(calls []types.ToolCall) []types.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]types.ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		out[i] = call
	}
	return out
}

// LimitMessage is the final response of a run that hit the recursion limit.
func LimitMessage(limit int, stalled []string) string {
	msg := fmt.Sprintf("I stopped after reaching the limit of %d iterations for this run.", limit)
	if len(stalled) > 0 {
		msg += fmt.Sprintf(" I was still working with: %s.", strings.Join(stalled, ", "))
	}
	return msg + " Send another message to let me continue."
}

func stalledTools(calls []types.ToolCall) []string {
	seen := make(map[string]struct{}, len(calls))
	out := make([]string, 0, len(calls))
	for _, call := range calls {
		if _, ok := seen[call.Name]; ok {
			continue
		}
		seen[call.Name] = struct{}{}
		out = append(out, call.Name)
	}
	return out
}

func (e *Executor) generate(ctx context.Context, r *run, node NodeID, req types.Request) (types.Response, error) {
	if err := cancelled(ctx); err != nil {
		return types.Response{}, err
	}
	started := time.Now()
	resp, err := e.provider.Generate(ctx, req)

	event := observe.Event{
		Kind:     observe.KindProvider,
		Status:   observe.StatusCompleted,
		Name:     string(node),
		Provider: e.provider.Name(),
	}
	if resp.Usage != nil {
		event.Attributes = map[string]any{
			"inputTokens":  resp.Usage.InputTokens,
			"outputTokens": resp.Usage.OutputTokens,
		}
	}
	if err != nil {
		event.Status = observe.StatusFailed
		event.Error = err.Error()
	}
	event.Elapsed(started)
	e.observe(ctx, r, event)

	// A result that arrives after cancellation is discarded.
	if cerr := cancelled(ctx); cerr != nil {
		return types.Response{}, cerr
	}
	if err != nil {
		return types.Response{}, fmt.Errorf("%s model call failed: %w", node, err)
	}
	return resp, nil
}

func (e *Executor) checkpoint(ctx context.Context, r *run, source, node string) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	started := time.Now()
	id, err := e.store.Put(ctx, r.ThreadID, e.namespace, r.State, checkpoint.Metadata{
		Source: source,
		Step:   r.step,
		Node:   node,
		RunID:  r.RunID,
	}, r.parentID)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint after %s: %w", node, err)
	}
	event := observe.Event{
		Kind:       observe.KindCheckpoint,
		Status:     observe.StatusCompleted,
		Name:       node,
		Attributes: map[string]any{"checkpointId": id, "step": r.step},
	}
	event.Elapsed(started)
	e.observe(ctx, r, event)

	r.parentID = id
	r.step++
	return nil
}

func (e *Executor) recordResult(ctx context.Context, r *run, checkpointID string, msg types.Message) {
	if checkpointID == "" {
		return
	}
	write, err := checkpoint.NewWrite(ChannelToolResult, msg)
	if err == nil {
		err = e.store.PutWrites(ctx, r.ThreadID, e.namespace, checkpointID, []checkpoint.Write{write}, msg.ToolCallID)
	}
	if err != nil {
		e.logger.Warn("failed to record pending tool result", "thread", r.ThreadID, "toolCallId", msg.ToolCallID, "error", err)
	}
}

func (e *Executor) observe(ctx context.Context, r *run, event observe.Event) {
	event.RunID = r.RunID
	event.ThreadID = r.ThreadID
	observe.Emit(ctx, e.sink, e.logger, event)
}

func (r *run) emit(event types.Event) {
	if r.Emit == nil {
		return
	}
	event.ThreadID = r.ThreadID
	event.RunID = r.RunID
	r.Emit(event)
}

// cancelled reports the cancellation cause of ctx, falling back to
// ErrCancelled when none was given.
func cancelled(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
}
