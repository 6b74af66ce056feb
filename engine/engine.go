// Package engine owns the active runs of every thread and turns graph
// progress into UI events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/agent-engine/checkpoint"
	"github.com/PipeOpsHQ/agent-engine/graph"
	"github.com/PipeOpsHQ/agent-engine/observe"
	"github.com/PipeOpsHQ/agent-engine/types"
)

var (
	ErrRunStopped    = errors.New("engine: run stopped")
	ErrRunSuperseded = errors.New("engine: run superseded by a newer run")
	ErrClosed        = errors.New("engine: closed")
)

// EventSink delivers UI events. Emit must not block the run; failures are
// logged and ignored.
type EventSink interface {
	Emit(ctx context.Context, event types.Event) error
}

type EventSinkFunc func(ctx context.Context, event types.Event) error

func (f EventSinkFunc) Emit(ctx context.Context, event types.Event) error {
	return f(ctx, event)
}

// ThreadDeleter removes thread data kept outside the checkpoint store.
type ThreadDeleter interface {
	DeleteThread(ctx context.Context, threadID string) error
}

type Engine struct {
	executor *graph.Executor
	events   EventSink
	sink     observe.Sink
	logger   *slog.Logger
	cleanup  []ThreadDeleter

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*Run
	// stopping holds cancelled runs until they exit so the next run of the
	// thread waits for them.
	stopping map[string]*Run
}

type Option func(*Engine)

func WithEventSink(events EventSink) Option {
	return func(e *Engine) { e.events = events }
}

func WithObserver(sink observe.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithThreadCleanup registers stores whose thread data DeleteThread removes.
func WithThreadCleanup(deleters ...ThreadDeleter) Option {
	return func(e *Engine) { e.cleanup = append(e.cleanup, deleters...) }
}

func New(executor *graph.Executor, opts ...Option) (*Engine, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	e := &Engine{
		executor: executor,
		logger:   slog.Default(),
		runs:     map[string]*Run{},
		stopping: map[string]*Run{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ctx, e.cancel = context.WithCancelCause(context.Background())
	return e, nil
}

// StartRequest describes a new run.
type StartRequest struct {
	Message string
	// Context replaces the thread's active context; nil clears it.
	Context map[string]any
}

// StartRun cancels any active run of threadID, registers a new one and
// drives it in the background. It returns without waiting for the run.
func (e *Engine) StartRun(threadID string, req StartRequest) (*Run, error) {
	threadID = strings.TrimSpace(threadID)
	if err := checkpoint.ValidateThread(threadID); err != nil {
		return nil, err
	}
	if err := e.ctx.Err(); err != nil {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancelCause(e.ctx)
	run := &Run{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	e.mu.Lock()
	previous, active := e.runs[threadID]
	if !active {
		previous = e.stopping[threadID]
	}
	e.runs[threadID] = run
	e.wg.Add(1)
	e.mu.Unlock()

	if active {
		previous.cancel(ErrRunSuperseded)
		e.logger.Info("superseding active run", "thread", threadID, "previous", previous.ID, "run", run.ID)
	}

	go func() {
		defer e.wg.Done()
		if previous != nil {
			<-previous.done
		}
		e.execute(ctx, run, req)
	}()
	return run, nil
}

// StopRun cancels the active run of threadID and reports whether one existed.
// IsRunning is false on return; a later StartRun still waits for the stopped
// run to exit.
func (e *Engine) StopRun(threadID string) bool {
	run := e.detach(threadID)
	if run == nil {
		return false
	}
	run.cancel(ErrRunStopped)
	return true
}

// detach moves the active run of threadID to the stopping set.
func (e *Engine) detach(threadID string) *Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	run := e.runs[threadID]
	if run == nil {
		return nil
	}
	delete(e.runs, threadID)
	e.stopping[threadID] = run
	return run
}

func (e *Engine) IsRunning(threadID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[threadID]
	return ok
}

// ActiveRun returns the run registered for threadID.
func (e *Engine) ActiveRun(threadID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[threadID]
	return run, ok
}

// ActiveThreads lists threads with an active run.
func (e *Engine) ActiveThreads() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.runs))
	for threadID := range e.runs {
		out = append(out, threadID)
	}
	return out
}

func (e *Engine) Checkpoints() checkpoint.Store {
	return e.executor.Store()
}

func (e *Engine) Namespace() string {
	return e.executor.Namespace()
}

// DeleteThread stops the thread's run, waits for it to exit and removes its
// checkpoints and any registered thread data.
func (e *Engine) DeleteThread(ctx context.Context, threadID string) error {
	if err := checkpoint.ValidateThread(threadID); err != nil {
		return err
	}
	run := e.detach(threadID)
	if run != nil {
		run.cancel(ErrRunStopped)
		if err := run.Wait(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if err := e.executor.Store().DeleteThread(ctx, threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	for _, d := range e.cleanup {
		if err := d.DeleteThread(ctx, threadID); err != nil {
			return fmt.Errorf("failed to delete thread data: %w", err)
		}
	}
	return nil
}

// Close cancels every run and waits for them to exit or ctx to expire.
func (e *Engine) Close(ctx context.Context) error {
	e.cancel(ErrClosed)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) execute(ctx context.Context, run *Run, req StartRequest) {
	started := time.Now()
	e.observe(ctx, run, observe.Event{Kind: observe.KindRun, Status: observe.StatusStarted})

	var res graph.Result
	err := graph.ErrCancelled
	if ctx.Err() == nil {
		res, err = e.drive(ctx, run, req)
	}

	event := observe.Event{Kind: observe.KindRun, Status: observe.StatusCompleted}
	switch cause := context.Cause(ctx); {
	case err == nil:
		e.emit(run, types.DoneEvent(res.State.ArtifactList()))
	case ctx.Err() != nil && errors.Is(cause, ErrRunSuperseded):
		event.Status = observe.StatusCancelled
		err = cause
	case ctx.Err() != nil:
		event.Status = observe.StatusCancelled
		err = cause
		e.emit(run, types.DoneEvent(res.State.ArtifactList()))
	default:
		event.Status = observe.StatusFailed
		event.Error = err.Error()
		e.logger.Error("run failed", "thread", run.ThreadID, "run", run.ID, "error", err)
		e.emit(run, types.ErrorEvent(err.Error()))
	}
	event.Elapsed(started)
	e.observe(context.WithoutCancel(ctx), run, event)

	e.mu.Lock()
	if e.runs[run.ThreadID] == run {
		delete(e.runs, run.ThreadID)
	}
	if e.stopping[run.ThreadID] == run {
		delete(e.stopping, run.ThreadID)
	}
	e.mu.Unlock()
	run.finish(err)
}

func (e *Engine) drive(ctx context.Context, run *Run, req StartRequest) (graph.Result, error) {
	snap, err := e.executor.Load(ctx, run.ThreadID)
	if err != nil {
		return graph.Result{}, err
	}
	snap.State.ActiveContext = req.Context
	snap.State.Append(types.UserMessage(req.Message))

	return e.executor.Run(ctx, graph.Input{
		ThreadID: run.ThreadID,
		RunID:    run.ID,
		State:    snap.State,
		ParentID: snap.CheckpointID,
		Emit:     func(event types.Event) { e.emit(run, event) },
	})
}

func (e *Engine) emit(run *Run, event types.Event) {
	if e.events == nil {
		return
	}
	event.ThreadID = run.ThreadID
	event.RunID = run.ID
	if err := e.events.Emit(e.ctx, event); err != nil {
		e.logger.Warn("event delivery failed", "thread", run.ThreadID, "run", run.ID, "type", event.Type, "error", err)
	}
}

func (e *Engine) observe(ctx context.Context, run *Run, event observe.Event) {
	event.RunID = run.ID
	event.ThreadID = run.ThreadID
	observe.Emit(ctx, e.sink, e.logger, event)
}
