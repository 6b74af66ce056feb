package graph

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/agent-engine/checkpoint"
	"github.com/PipeOpsHQ/agent-engine/checkpoint/memory"
	"github.com/PipeOpsHQ/agent-engine/history"
	"github.com/PipeOpsHQ/agent-engine/llm/llmtest"
	"github.com/PipeOpsHQ/agent-engine/tools"
	"github.com/PipeOpsHQ/agent-engine/types"
)

type recorder struct {
	events []types.Event
}

func (r *recorder) emit(event types.Event) { r.events = append(r.events, event) }

func (r *recorder) kinds() []types.EventType {
	out := make([]types.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) count(t types.EventType) int {
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestExecutor(t *testing.T, provider *llmtest.Provider, opts ...Option) (*Executor, *memory.Store) {
	t.Helper()
	reg, err := tools.NewRegistry(
		tools.NewFuncTool("inspect_dom", "Inspect the DOM", nil, func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, errors.New("Tab not found")
		}),
		tools.NewFuncTool("echo", "Echo arguments", nil, func(ctx context.Context, args json.RawMessage) (any, error) {
			return string(args), nil
		}),
	)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	store := memory.New()
	exec, err := NewExecutor(provider, tools.NewInvoker(reg), store, opts...)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	return exec, store
}

// planThenCall answers planner requests with text and orchestrator requests
// with a fresh tool call.
func planThenCall(name string) llmtest.Step {
	call := llmtest.CountingToolCall(name, map[string]any{"n": 1})
	return func(ctx context.Context, req types.Request) (types.Response, error) {
		if len(req.Tools) == 0 {
			return types.Response{Message: types.AssistantMessage("keep going")}, nil
		}
		return call(ctx, req)
	}
}

func TestExecutor_GreetingScenario(t *testing.T) {
	provider := llmtest.New(llmtest.Text("greet user"), llmtest.Text("Hello"))
	exec, store := newTestExecutor(t, provider)
	rec := &recorder{}

	res, err := exec.Start(context.Background(), "t1", "run-1", types.UserMessage("Hi"), rec.emit)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	want := []types.EventType{types.EventThinking, types.EventThinking, types.EventResponse}
	if diff := cmp.Diff(want, rec.kinds()); diff != "" {
		t.Fatalf("event types mismatch (-want +got):\n%s", diff)
	}
	if rec.events[0].Data["status"] != types.ThinkingStart || rec.events[1].Data["status"] != types.ThinkingDone {
		t.Fatalf("unexpected thinking statuses: %+v %+v", rec.events[0].Data, rec.events[1].Data)
	}
	if rec.events[1].Data["content"] != "greet user" {
		t.Fatalf("expected plan in thinking done event, got %+v", rec.events[1].Data)
	}
	if rec.events[2].Data["content"] != "Hello" || rec.events[2].ThreadID != "t1" || rec.events[2].RunID != "run-1" {
		t.Fatalf("unexpected response event: %+v", rec.events[2])
	}

	if len(res.State.Messages) != 2 {
		t.Fatalf("expected user and assistant messages, got %+v", res.State.Messages)
	}
	if res.State.PlanText() != "greet user" || res.State.IterationCount != 1 {
		t.Fatalf("unexpected state: plan=%q iterations=%d", res.State.PlanText(), res.State.IterationCount)
	}

	list, err := store.List(context.Background(), "t1", checkpoint.ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected input, planner and orchestrator checkpoints, got %d", len(list))
	}
	nodes := []string{list[2].Metadata.Node, list[1].Metadata.Node, list[0].Metadata.Node}
	if diff := cmp.Diff([]string{"input", "planner", "orchestrator"}, nodes); diff != "" {
		t.Fatalf("checkpoint nodes mismatch (-want +got):\n%s", diff)
	}
	if list[0].ParentID != list[1].ID || list[1].ParentID != list[2].ID || list[2].ParentID != "" {
		t.Fatalf("checkpoints are not chained: %+v", list)
	}
	if list[0].ID != res.CheckpointID || list[0].Metadata.Step != 2 || list[0].Metadata.RunID != "run-1" {
		t.Fatalf("unexpected latest checkpoint: %+v", list[0])
	}
}

func TestExecutor_PlannerHasNoToolsOrchestratorSeesPlan(t *testing.T) {
	provider := llmtest.New(llmtest.Text("step one"), llmtest.Text("ok"))
	exec, _ := newTestExecutor(t, provider)
	if _, err := exec.Start(context.Background(), "t1", "r", types.UserMessage("do it"), nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	reqs := provider.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected two model calls, got %d", len(reqs))
	}
	if len(reqs[0].Tools) != 0 {
		t.Fatalf("planner must not bind tools")
	}
	if len(reqs[1].Tools) != 2 {
		t.Fatalf("orchestrator should bind the tool catalog, got %+v", reqs[1].Tools)
	}
	if !strings.Contains(reqs[1].SystemPrompt, "step one") {
		t.Fatalf("orchestrator prompt should include the plan: %s", reqs[1].SystemPrompt)
	}
}

func TestExecutor_ToolFailureContinues(t *testing.T) {
	provider := llmtest.New(
		llmtest.Text("inspect the page"),
		llmtest.ToolCalls(llmtest.Call("c1", "inspect_dom", map[string]any{"depth": 3})),
		llmtest.Text("retry later"),
		llmtest.Text("The tab is gone."),
	)
	exec, _ := newTestExecutor(t, provider)
	rec := &recorder{}

	res, err := exec.Start(context.Background(), "t1", "r", types.UserMessage("check the DOM"), rec.emit)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	want := []types.EventType{
		types.EventThinking, types.EventThinking,
		types.EventToolCall, types.EventToolResult,
		types.EventThinking, types.EventThinking,
		types.EventResponse,
	}
	if diff := cmp.Diff(want, rec.kinds()); diff != "" {
		t.Fatalf("event types mismatch (-want +got):\n%s", diff)
	}
	if args, _ := rec.events[2].Data["args"].(map[string]any); args["depth"] != float64(3) {
		t.Fatalf("unexpected tool_call args: %+v", rec.events[2].Data)
	}

	var toolMsg types.Message
	for _, m := range res.State.Messages {
		if m.Role == types.RoleTool {
			toolMsg = m
		}
	}
	if !toolMsg.IsError || !strings.Contains(toolMsg.Content, "Tab not found") {
		t.Fatalf("expected error payload, got %+v", toolMsg)
	}
	if err := history.Validate(res.State.Messages); err != nil {
		t.Fatalf("history invalid: %v", err)
	}
}

func TestExecutor_RecursionLimit(t *testing.T) {
	const limit = 3
	provider := llmtest.New().Repeat(planThenCall("echo"))
	exec, store := newTestExecutor(t, provider, WithRecursionLimit(limit))
	rec := &recorder{}

	res, err := exec.Start(context.Background(), "t1", "r", types.UserMessage("loop"), rec.emit)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !res.LimitReached {
		t.Fatalf("expected limit to be reached")
	}
	if got := rec.count(types.EventToolCall); got != limit {
		t.Fatalf("expected %d tool_call events, got %d", limit, got)
	}
	if got := rec.count(types.EventResponse); got != 1 {
		t.Fatalf("expected one response event, got %d", got)
	}
	last := rec.events[len(rec.events)-1]
	if last.Type != types.EventResponse {
		t.Fatalf("expected the limit response last, got %s", last.Type)
	}
	content, _ := last.Data["content"].(string)
	if content != LimitMessage(limit, []string{"echo"}) {
		t.Fatalf("unexpected limit message: %q", content)
	}
	if res.State.IterationCount != limit {
		t.Fatalf("expected %d iterations, got %d", limit, res.State.IterationCount)
	}
	if err := history.Validate(res.State.Messages); err != nil {
		t.Fatalf("limit must leave a valid history: %v", err)
	}

	latest, err := store.Get(context.Background(), "t1", "", "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if latest.Checkpoint.Metadata.Source != checkpoint.SourceLimit {
		t.Fatalf("expected limit checkpoint, got %+v", latest.Checkpoint.Metadata)
	}
}

func TestExecutor_IterationCountResetsPerRun(t *testing.T) {
	provider := llmtest.New(llmtest.Text("p"), llmtest.Text("a"), llmtest.Text("p"), llmtest.Text("b"))
	exec, _ := newTestExecutor(t, provider)
	if _, err := exec.Start(context.Background(), "t1", "r1", types.UserMessage("one"), nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	res, err := exec.Start(context.Background(), "t1", "r2", types.UserMessage("two"), nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.State.IterationCount != 1 {
		t.Fatalf("expected iteration count 1, got %d", res.State.IterationCount)
	}
	if len(res.State.Messages) != 4 {
		t.Fatalf("expected history to carry over, got %d messages", len(res.State.Messages))
	}
}

func TestExecutor_ModelErrorStopsRun(t *testing.T) {
	quota := errors.New("quota exceeded")
	provider := llmtest.New(llmtest.Fail(quota))
	exec, _ := newTestExecutor(t, provider)
	rec := &recorder{}

	_, err := exec.Start(context.Background(), "t1", "r", types.UserMessage("hi"), rec.emit)
	if !errors.Is(err, quota) {
		t.Fatalf("expected model error, got %v", err)
	}
	if diff := cmp.Diff([]types.EventType{types.EventThinking}, rec.kinds()); diff != "" {
		t.Fatalf("event types mismatch (-want +got):\n%s", diff)
	}
}

func TestExecutor_CancellationDiscardsBatch(t *testing.T) {
	stop := errors.New("stopped by user")
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	reg, err := tools.NewRegistry(
		tools.NewFuncTool("first", "first", nil, func(ctx context.Context, args json.RawMessage) (any, error) {
			cancel(stop)
			return "ok", nil
		}),
		tools.NewFuncTool("second", "second", nil, func(ctx context.Context, args json.RawMessage) (any, error) {
			t.Errorf("second tool must not run after cancellation")
			return "ok", nil
		}),
	)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	provider := llmtest.New(
		llmtest.Text("plan"),
		llmtest.ToolCalls(llmtest.Call("a", "first", nil), llmtest.Call("b", "second", nil)),
	)
	store := memory.New()
	exec, err := NewExecutor(provider, tools.NewInvoker(reg), store)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	_, err = exec.Start(ctx, "t1", "r", types.UserMessage("go"), nil)
	if !errors.Is(err, stop) {
		t.Fatalf("expected cancellation cause, got %v", err)
	}

	latest, err := store.Get(context.Background(), "t1", "", "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if latest.Checkpoint.Metadata.Node != string(NodeOrchestrator) {
		t.Fatalf("no checkpoint may follow a cancelled batch, got %+v", latest.Checkpoint.Metadata)
	}

	snap, err := exec.Load(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.Replayed != 0 || snap.Repair.DroppedAssistantCount != 1 {
		t.Fatalf("expected the dangling tool request to be sanitized, got %+v", snap)
	}
	if err := history.Validate(snap.State.Messages); err != nil {
		t.Fatalf("loaded history invalid: %v", err)
	}
}

func TestExecutor_LoadReplaysCompletePendingWrites(t *testing.T) {
	exec, store := newTestExecutor(t, llmtest.New())
	ctx := context.Background()

	state := types.NewConversationState()
	state.Append(
		types.UserMessage("hi"),
		types.AssistantMessage("", llmtest.Call("a", "echo", nil), llmtest.Call("b", "echo", nil)),
	)
	id, err := store.Put(ctx, "t1", "", state, checkpoint.Metadata{Source: checkpoint.SourceLoop, Node: string(NodeOrchestrator)}, "")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	for _, msg := range []types.Message{
		types.ToolMessage("b", "echo", "B", false),
		types.ToolMessage("a", "echo", "A", false),
	} {
		w, err := checkpoint.NewWrite(ChannelToolResult, msg)
		if err != nil {
			t.Fatalf("NewWrite failed: %v", err)
		}
		if err := store.PutWrites(ctx, "t1", "", id, []checkpoint.Write{w}, msg.ToolCallID); err != nil {
			t.Fatalf("PutWrites failed: %v", err)
		}
	}

	snap, err := exec.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.Replayed != 2 || snap.Repair.Changed() {
		t.Fatalf("expected a clean replay, got %+v", snap)
	}
	got := []string{snap.State.Messages[2].ToolCallID, snap.State.Messages[3].ToolCallID}
	if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
		t.Fatalf("replayed results must follow call order (-want +got):\n%s", diff)
	}
}

func TestExecutor_RequiresThread(t *testing.T) {
	exec, _ := newTestExecutor(t, llmtest.New())
	if _, err := exec.Start(context.Background(), "", "r", types.UserMessage("x"), nil); err == nil {
		t.Fatalf("expected error for empty thread")
	}
}

func TestLimitMessage_ListsStalledToolsOnce(t *testing.T) {
	calls := []types.ToolCall{{Name: "echo"}, {Name: "inspect_dom"}, {Name: "echo"}}
	got := LimitMessage(5, stalledTools(calls))
	if !strings.Contains(got, "echo, inspect_dom.") || !strings.Contains(got, "limit of 5") {
		t.Fatalf("unexpected limit message: %q", got)
	}
}
