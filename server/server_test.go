package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/PipeOpsHQ/agent-engine/checkpoint"
	"github.com/PipeOpsHQ/agent-engine/checkpoint/memory"
	"github.com/PipeOpsHQ/agent-engine/engine"
	"github.com/PipeOpsHQ/agent-engine/graph"
	"github.com/PipeOpsHQ/agent-engine/llm/llmtest"
	promsink "github.com/PipeOpsHQ/agent-engine/observe/prometheus"
	"github.com/PipeOpsHQ/agent-engine/stream"
	"github.com/PipeOpsHQ/agent-engine/tools"
	"github.com/PipeOpsHQ/agent-engine/types"
)

type fixture struct {
	server   *httptest.Server
	engine   *engine.Engine
	store    *memory.Store
	recorder *stream.Recorder
	hub      *stream.Hub
}

func newFixture(t *testing.T, provider *llmtest.Provider) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := promsink.NewSink(reg)
	store := memory.New()
	exec, err := graph.NewExecutor(provider, tools.NewInvoker(nil), store, graph.WithObserver(metrics))
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	recorder := stream.NewRecorder()
	hub := stream.NewHub()
	eng, err := engine.New(exec,
		engine.WithEventSink(stream.Fanout{recorder, hub}),
		engine.WithObserver(metrics),
	)
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	srv, err := NewServer(Config{Engine: eng, Hub: hub, Metrics: reg})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})
	return &fixture{server: ts, engine: eng, store: store, recorder: recorder, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, out
}

func (f *fixture) waitTerminal(t *testing.T, runID string) types.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event, err := f.recorder.WaitFor(ctx, stream.Terminal(runID))
	if err != nil {
		t.Fatalf("run %s did not finish: %v", runID, err)
	}
	return event
}

func TestServer_StartRunAndInspectCheckpoints(t *testing.T) {
	f := newFixture(t, llmtest.Echo())

	status, body := f.do(t, http.MethodPost, "/v1/threads/t1/runs", `{"message":"Hello"}`)
	if status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", status, body)
	}
	runID, _ := body["runId"].(string)
	if runID == "" {
		t.Fatalf("expected a run id, got %v", body)
	}
	if got := f.waitTerminal(t, runID); got.Type != types.EventDone {
		t.Fatalf("expected done, got %s", got.Type)
	}

	status, body = f.do(t, http.MethodGet, "/v1/threads/t1/checkpoints", "")
	if status != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", status)
	}
	list, _ := body["checkpoints"].([]any)
	var nodes []string
	for _, item := range list {
		meta := item.(map[string]any)["metadata"].(map[string]any)
		nodes = append(nodes, meta["node"].(string))
	}
	want := []string{string(graph.NodeOrchestrator), string(graph.NodePlanner), "input"}
	if diff := cmp.Diff(want, nodes); diff != "" {
		t.Fatalf("checkpoint nodes mismatch (-want +got):\n%s", diff)
	}

	latest := list[0].(map[string]any)["id"].(string)
	status, body = f.do(t, http.MethodGet, "/v1/threads/t1/checkpoints/"+latest, "")
	if status != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", status)
	}
	cp := body["checkpoint"].(map[string]any)
	msgs := cp["state"].(map[string]any)["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(msgs))
	}

	status, body = f.do(t, http.MethodGet, "/v1/threads/t1/checkpoints?limit=1&before="+latest, "")
	if status != http.StatusOK {
		t.Fatalf("paged list: expected 200, got %d", status)
	}
	if page := body["checkpoints"].([]any); len(page) != 1 {
		t.Fatalf("expected one checkpoint before the latest, got %d", len(page))
	}
}

func TestServer_CheckpointErrors(t *testing.T) {
	f := newFixture(t, llmtest.Echo())

	if status, _ := f.do(t, http.MethodGet, "/v1/threads/none/checkpoints/latest", ""); status != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing thread, got %d", status)
	}
	if status, _ := f.do(t, http.MethodGet, "/v1/threads/t1/checkpoints?limit=zero", ""); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad limit, got %d", status)
	}
	if status, _ := f.do(t, http.MethodPost, "/v1/threads/t1/runs", `{"message":"  "}`); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty message, got %d", status)
	}
	if status, _ := f.do(t, http.MethodPost, "/v1/threads/t1/runs", `{`); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed body, got %d", status)
	}
}

func TestServer_StopRun(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, llmtest.New(llmtest.Block(started, make(chan struct{}), llmtest.Text("never"))))

	_, body := f.do(t, http.MethodPost, "/v1/threads/t1/runs", `{"message":"Hi"}`)
	runID := body["runId"].(string)
	<-started

	status, body := f.do(t, http.MethodGet, "/v1/threads/t1/runs", "")
	if status != http.StatusOK || body["running"] != true || body["runId"] != runID {
		t.Fatalf("unexpected status %d: %v", status, body)
	}

	status, body = f.do(t, http.MethodDelete, "/v1/threads/t1/runs", "")
	if status != http.StatusOK || body["stopped"] != true {
		t.Fatalf("unexpected stop response %d: %v", status, body)
	}
	if got := f.waitTerminal(t, runID); got.Type != types.EventDone {
		t.Fatalf("expected done after stop, got %s", got.Type)
	}

	_, body = f.do(t, http.MethodDelete, "/v1/threads/t1/runs", "")
	if body["stopped"] != false {
		t.Fatalf("second stop should report no run, got %v", body)
	}
}

func TestServer_DeleteThread(t *testing.T) {
	f := newFixture(t, llmtest.Echo())
	_, body := f.do(t, http.MethodPost, "/v1/threads/t1/runs", `{"message":"Hello"}`)
	f.waitTerminal(t, body["runId"].(string))

	if status, _ := f.do(t, http.MethodDelete, "/v1/threads/t1", ""); status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
	if _, err := f.store.Get(context.Background(), "t1", "", ""); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("expected checkpoints to be gone, got %v", err)
	}
}

func TestServer_EventsWebsocket(t *testing.T) {
	f := newFixture(t, llmtest.Echo())

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/threads/t1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Subscribers("t1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.do(t, http.MethodPost, "/v1/threads/t1/runs", `{"message":"Hello"}`)

	var got []types.EventType
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var event types.Event
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("read event: %v", err)
		}
		got = append(got, event.Type)
		if event.Type == types.EventDone {
			break
		}
	}
	want := []types.EventType{types.EventThinking, types.EventThinking, types.EventResponse, types.EventDone}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("websocket events mismatch (-want +got):\n%s", diff)
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	f := newFixture(t, llmtest.Echo())
	_, body := f.do(t, http.MethodPost, "/v1/threads/t1/runs", `{"message":"Hello"}`)
	f.waitTerminal(t, body["runId"].(string))

	status, body := f.do(t, http.MethodGet, "/healthz", "")
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response %d: %v", status, body)
	}

	resp, err := http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"agent_engine_graph_nodes_total", "agent_engine_checkpoints_written_total"} {
		if !strings.Contains(string(raw), name) {
			t.Fatalf("expected metric %s in output", name)
		}
	}
}

func TestServer_TracingWrapsRequests(t *testing.T) {
	exec, err := graph.NewExecutor(llmtest.Echo(), tools.NewInvoker(nil), memory.New())
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	eng, err := engine.New(exec)
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	srv, err := NewServer(Config{Engine: eng, Tracing: true, TracerProvider: tp})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "GET /healthz" {
		t.Fatalf("unexpected span name %q", spans[0].Name)
	}
}
