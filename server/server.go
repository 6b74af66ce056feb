// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/PipeOpsHQ/agent-engine/checkpoint"
	"github.com/PipeOpsHQ/agent-engine/engine"
	"github.com/PipeOpsHQ/agent-engine/stream"
)

const (
	defaultAddr      = "127.0.0.1:7070"
	defaultListLimit = 20
	maxListLimit     = 200
	maxBodyBytes     = 1 << 20
)

type Config struct {
	Addr   string
	Engine *engine.Engine
	// Hub serves /events; the endpoint answers 503 when nil.
	Hub *stream.Hub
	// Metrics serves /metrics; the endpoint is not registered when nil.
	Metrics prometheus.Gatherer
	// Tracing wraps every request in an OpenTelemetry server span.
	Tracing bool
	// TracerProvider defaults to the otel global provider.
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	mux     *http.ServeMux
	handler http.Handler
	http    *http.Server
	once    sync.Once
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	s.handler = s.mux
	if cfg.Tracing {
		opts := []otelhttp.Option{
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		}
		if cfg.TracerProvider != nil {
			opts = append(opts, otelhttp.WithTracerProvider(cfg.TracerProvider))
		}
		s.handler = otelhttp.NewHandler(s.mux, "agent-engine", opts...)
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /v1/threads/{thread}/runs", s.handleStartRun)
	s.mux.HandleFunc("DELETE /v1/threads/{thread}/runs", s.handleStopRun)
	s.mux.HandleFunc("GET /v1/threads/{thread}/runs", s.handleRunStatus)
	s.mux.HandleFunc("GET /v1/threads/{thread}/checkpoints", s.handleListCheckpoints)
	s.mux.HandleFunc("GET /v1/threads/{thread}/checkpoints/{checkpoint}", s.handleGetCheckpoint)
	s.mux.HandleFunc("DELETE /v1/threads/{thread}", s.handleDeleteThread)
	s.mux.HandleFunc("GET /v1/threads/{thread}/events", s.handleEvents)
	if s.cfg.Metrics != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Metrics, promhttp.HandlerOpts{}))
	}
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Addr() string {
	return s.cfg.Addr
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, stopping http server")
		if err := s.Close(); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() error {
	var outErr error
	s.once.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.cfg.Hub != nil {
			s.cfg.Hub.Close()
		}
		outErr = s.http.Shutdown(shutdownCtx)
		if outErr != nil {
			s.logger.Warn("http shutdown failed", "error", outErr)
		}
	})
	return outErr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"activeRuns": len(s.cfg.Engine.ActiveThreads()),
	})
}

type startRunRequest struct {
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

type runStatus struct {
	ThreadID  string     `json:"threadId"`
	Running   bool       `json:"running"`
	RunID     string     `json:"runId,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread")
	var req startRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("message is required"))
		return
	}
	run, err := s.cfg.Engine.StartRun(threadID, engine.StartRequest{Message: req.Message, Context: req.Context})
	if err != nil {
		if errors.Is(err, engine.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	startedAt := run.StartedAt
	writeJSON(w, http.StatusAccepted, runStatus{
		ThreadID:  run.ThreadID,
		Running:   true,
		RunID:     run.ID,
		StartedAt: &startedAt,
	})
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread")
	stopped := s.cfg.Engine.StopRun(threadID)
	writeJSON(w, http.StatusOK, map[string]any{"threadId": threadID, "stopped": stopped})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread")
	status := runStatus{ThreadID: threadID}
	if run, ok := s.cfg.Engine.ActiveRun(threadID); ok {
		startedAt := run.StartedAt
		status.Running = true
		status.RunID = run.ID
		status.StartedAt = &startedAt
	}
	writeJSON(w, http.StatusOK, status)
}

type checkpointSummary struct {
	ID             string              `json:"id"`
	ParentID       string              `json:"parentId,omitempty"`
	Namespace      string              `json:"namespace"`
	Metadata       checkpoint.Metadata `json:"metadata"`
	Messages       int                 `json:"messages"`
	Artifacts      int                 `json:"artifacts"`
	IterationCount int                 `json:"iterationCount"`
	CreatedAt      time.Time           `json:"createdAt"`
}

func summarize(cp checkpoint.Checkpoint) checkpointSummary {
	out := checkpointSummary{
		ID:        cp.ID,
		ParentID:  cp.ParentID,
		Namespace: cp.Namespace,
		Metadata:  cp.Metadata,
		CreatedAt: cp.CreatedAt,
	}
	if cp.State != nil {
		out.Messages = len(cp.State.Messages)
		out.Artifacts = len(cp.State.ArtifactList())
		out.IterationCount = cp.State.IterationCount
	}
	return out
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread")
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts := checkpoint.ListOptions{
		Namespace: s.namespace(r),
		Before:    strings.TrimSpace(query.Get("before")),
		Limit:     limit,
	}
	list, err := s.cfg.Engine.Checkpoints().List(r.Context(), threadID, opts)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]checkpointSummary, 0, len(list))
	for _, cp := range list {
		out = append(out, summarize(cp))
	}
	writeJSON(w, http.StatusOK, map[string]any{"threadId": threadID, "checkpoints": out})
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread")
	id := r.PathValue("checkpoint")
	if id == "latest" {
		id = ""
	}
	tuple, err := s.cfg.Engine.Checkpoints().Get(r.Context(), threadID, s.namespace(r), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tuple)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread")
	if err := s.cfg.Engine.DeleteThread(r.Context(), threadID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("event streaming is disabled"))
		return
	}
	s.cfg.Hub.ServeThread(w, r, r.PathValue("thread"))
}

func (s *Server) namespace(r *http.Request) string {
	if values, ok := r.URL.Query()["namespace"]; ok && len(values) > 0 {
		return values[0]
	}
	return s.cfg.Engine.Namespace()
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
