package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/agent-engine/checkpoint"
	"github.com/PipeOpsHQ/agent-engine/checkpoint/memory"
	"github.com/PipeOpsHQ/agent-engine/graph"
	"github.com/PipeOpsHQ/agent-engine/llm/llmtest"
	"github.com/PipeOpsHQ/agent-engine/tools"
	"github.com/PipeOpsHQ/agent-engine/types"
)

type collector struct {
	mu     sync.Mutex
	events []types.Event
}

func (c *collector) Emit(ctx context.Context, event types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collector) kinds(runID string) []types.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.EventType
	for _, e := range c.events {
		if runID == "" || e.RunID == runID {
			out = append(out, e.Type)
		}
	}
	return out
}

func newTestEngine(t *testing.T, provider *llmtest.Provider, opts ...Option) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	exec, err := graph.NewExecutor(provider, tools.NewInvoker(nil), store)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	eng, err := New(exec, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})
	return eng, store
}

func waitRun(t *testing.T, run *Run) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-run.Done():
		return run.Err()
	case <-ctx.Done():
		t.Fatalf("run %s did not finish", run.ID)
		return nil
	}
}

func TestEngine_GreetingEmitsDone(t *testing.T) {
	events := &collector{}
	eng, _ := newTestEngine(t, llmtest.New(llmtest.Text("greet user"), llmtest.Text("Hello")), WithEventSink(events))

	run, err := eng.StartRun("t1", StartRequest{Message: "Hi"})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := waitRun(t, run); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	want := []types.EventType{types.EventThinking, types.EventThinking, types.EventResponse, types.EventDone}
	if diff := cmp.Diff(want, events.kinds(run.ID)); diff != "" {
		t.Fatalf("event types mismatch (-want +got):\n%s", diff)
	}
	if eng.IsRunning("t1") {
		t.Fatalf("run should no longer be active")
	}
}

func TestEngine_StopRun(t *testing.T) {
	events := &collector{}
	started := make(chan struct{})
	provider := llmtest.New(llmtest.Block(started, make(chan struct{}), llmtest.Text("never")))
	eng, _ := newTestEngine(t, provider, WithEventSink(events))

	run, err := eng.StartRun("t1", StartRequest{Message: "Hi"})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	<-started
	if !eng.IsRunning("t1") {
		t.Fatalf("expected an active run")
	}
	if !eng.StopRun("t1") {
		t.Fatalf("StopRun should report the active run")
	}
	if eng.IsRunning("t1") {
		t.Fatalf("stopped run must not be reported as running")
	}
	if err := waitRun(t, run); !errors.Is(err, ErrRunStopped) {
		t.Fatalf("expected ErrRunStopped, got %v", err)
	}
	if eng.StopRun("t1") {
		t.Fatalf("second StopRun should report no active run")
	}

	want := []types.EventType{types.EventThinking, types.EventDone}
	if diff := cmp.Diff(want, events.kinds(run.ID)); diff != "" {
		t.Fatalf("event types mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_StartAfterStopWaitsForStoppedRun(t *testing.T) {
	events := &collector{}
	started := make(chan struct{})
	release := make(chan struct{})
	var first *Run
	firstDoneAtPlan := make(chan bool, 1)
	provider := llmtest.New(
		// Ignores ctx so the stopped run stays inside its model call.
		func(ctx context.Context, req types.Request) (types.Response, error) {
			close(started)
			<-release
			return types.Response{Message: types.AssistantMessage("late")}, nil
		},
		func(ctx context.Context, req types.Request) (types.Response, error) {
			select {
			case <-first.Done():
				firstDoneAtPlan <- true
			default:
				firstDoneAtPlan <- false
			}
			return types.Response{Message: types.AssistantMessage("greet user")}, nil
		},
		llmtest.Text("Hello again"),
	)
	eng, _ := newTestEngine(t, provider, WithEventSink(events))

	var err error
	first, err = eng.StartRun("t1", StartRequest{Message: "first"})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	<-started
	if !eng.StopRun("t1") {
		t.Fatalf("StopRun should report the active run")
	}
	second, err := eng.StartRun("t1", StartRequest{Message: "second"})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if !eng.IsRunning("t1") {
		t.Fatalf("expected the second run to be active")
	}

	time.Sleep(50 * time.Millisecond)
	if calls := provider.Calls(); calls != 1 {
		t.Fatalf("second run called the model while the stopped run was executing (%d calls)", calls)
	}
	close(release)

	if err := waitRun(t, first); !errors.Is(err, ErrRunStopped) {
		t.Fatalf("expected ErrRunStopped, got %v", err)
	}
	if err := waitRun(t, second); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if !<-firstDoneAtPlan {
		t.Fatalf("stopped run was still executing when the next run planned")
	}

	events.mu.Lock()
	firstDone, secondStart := -1, -1
	for i, e := range events.events {
		if e.RunID == first.ID && e.Type == types.EventDone {
			firstDone = i
		}
		if e.RunID == second.ID && secondStart < 0 {
			secondStart = i
		}
	}
	events.mu.Unlock()
	if firstDone < 0 || secondStart < firstDone {
		t.Fatalf("stopped run's done (%d) must precede the next run's events (%d)", firstDone, secondStart)
	}
}

func TestEngine_NewRunSupersedesActiveRun(t *testing.T) {
	events := &collector{}
	started := make(chan struct{})
	provider := llmtest.New(
		llmtest.Block(started, make(chan struct{}), llmtest.Text("never")),
		llmtest.Text("greet user"),
		llmtest.Text("Hello again"),
	)
	eng, store := newTestEngine(t, provider, WithEventSink(events))

	first, err := eng.StartRun("t1", StartRequest{Message: "first"})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	<-started

	second, err := eng.StartRun("t1", StartRequest{Message: "second"})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if active, ok := eng.ActiveRun("t1"); !ok || active.ID != second.ID {
		t.Fatalf("expected the second run to be active")
	}

	if err := waitRun(t, first); !errors.Is(err, ErrRunSuperseded) {
		t.Fatalf("expected ErrRunSuperseded, got %v", err)
	}
	if err := waitRun(t, second); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if diff := cmp.Diff([]types.EventType{types.EventThinking}, events.kinds(first.ID)); diff != "" {
		t.Fatalf("superseded run must exit silently (-want +got):\n%s", diff)
	}
	want := []types.EventType{types.EventThinking, types.EventThinking, types.EventResponse, types.EventDone}
	if diff := cmp.Diff(want, events.kinds(second.ID)); diff != "" {
		t.Fatalf("event types mismatch (-want +got):\n%s", diff)
	}

	latest, err := store.Get(context.Background(), "t1", "", "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var users []string
	for _, m := range latest.Checkpoint.State.Messages {
		if m.Role == types.RoleUser {
			users = append(users, m.Content)
		}
	}
	if diff := cmp.Diff([]string{"first", "second"}, users); diff != "" {
		t.Fatalf("user messages mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_ModelErrorEmitsError(t *testing.T) {
	events := &collector{}
	eng, _ := newTestEngine(t, llmtest.New(llmtest.Fail(errors.New("provider unavailable"))), WithEventSink(events))

	run, err := eng.StartRun("t1", StartRequest{Message: "Hi"})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := waitRun(t, run); err == nil {
		t.Fatalf("expected run error")
	}
	want := []types.EventType{types.EventThinking, types.EventError}
	if diff := cmp.Diff(want, events.kinds(run.ID)); diff != "" {
		t.Fatalf("event types mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_EventDeliveryFailureIsIgnored(t *testing.T) {
	failing := EventSinkFunc(func(ctx context.Context, event types.Event) error {
		return errors.New("socket closed")
	})
	eng, _ := newTestEngine(t, llmtest.New(llmtest.Text("p"), llmtest.Text("ok")), WithEventSink(failing))

	run, err := eng.StartRun("t1", StartRequest{Message: "Hi"})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := waitRun(t, run); err != nil {
		t.Fatalf("delivery failures must not fail the run: %v", err)
	}
}

func TestEngine_ActiveContextIsStored(t *testing.T) {
	eng, store := newTestEngine(t, llmtest.New().Repeat(llmtest.Text("ok")))
	run, err := eng.StartRun("t1", StartRequest{Message: "Hi", Context: map[string]any{"tab": "docs"}})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := waitRun(t, run); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	latest, err := store.Get(context.Background(), "t1", "", "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if latest.Checkpoint.State.ActiveContext["tab"] != "docs" {
		t.Fatalf("unexpected active context: %+v", latest.Checkpoint.State.ActiveContext)
	}

	run, err = eng.StartRun("t1", StartRequest{Message: "Again"})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := waitRun(t, run); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	latest, err = store.Get(context.Background(), "t1", "", "")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if latest.Checkpoint.State.ActiveContext != nil {
		t.Fatalf("a run without context must clear it, got %+v", latest.Checkpoint.State.ActiveContext)
	}
}

type deleter struct{ threads []string }

func (d *deleter) DeleteThread(ctx context.Context, threadID string) error {
	d.threads = append(d.threads, threadID)
	return nil
}

func TestEngine_DeleteThread(t *testing.T) {
	cleanup := &deleter{}
	eng, store := newTestEngine(t, llmtest.New(llmtest.Text("p"), llmtest.Text("ok")), WithThreadCleanup(cleanup))
	run, err := eng.StartRun("t1", StartRequest{Message: "Hi"})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := waitRun(t, run); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if err := eng.DeleteThread(context.Background(), "t1"); err != nil {
		t.Fatalf("DeleteThread failed: %v", err)
	}
	if _, err := store.Get(context.Background(), "t1", "", ""); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if diff := cmp.Diff([]string{"t1"}, cleanup.threads); diff != "" {
		t.Fatalf("cleanup mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_RejectsEmptyThreadAndClosed(t *testing.T) {
	eng, _ := newTestEngine(t, llmtest.New())
	if _, err := eng.StartRun(" ", StartRequest{Message: "x"}); err == nil {
		t.Fatalf("expected error for empty thread")
	}
	if err := eng.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := eng.StartRun("t1", StartRequest{Message: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
