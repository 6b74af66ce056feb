// Package stream delivers UI progress events to their consumers.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/PipeOpsHQ/agent-engine/types"
)

var (
	ErrBufferFull = errors.New("stream: buffer full")
	ErrClosed     = errors.New("stream: closed")
)

type Sink interface {
	Emit(ctx context.Context, event types.Event) error
}

type SinkFunc func(ctx context.Context, event types.Event) error

func (f SinkFunc) Emit(ctx context.Context, event types.Event) error {
	return f(ctx, event)
}

// Fanout delivers every event to each sink and joins their errors.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, event types.Event) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher decouples runs from event consumers. Emit never blocks: when
// the buffer is full the event is dropped and ErrBufferFull returned.
type Dispatcher struct {
	downstream Sink
	logger     *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan types.Event
	done    chan struct{}
	dropped atomic.Int64
}

func NewDispatcher(downstream Sink, buffer int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		downstream: downstream,
		logger:     logger,
		queue:      make(chan types.Event, buffer),
		done:       make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) Emit(ctx context.Context, event types.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- event:
		return nil
	default:
		d.dropped.Add(1)
		return ErrBufferFull
	}
}

func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events and waits until queued ones are delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for event := range d.queue {
		if d.downstream == nil {
			continue
		}
		if err := d.downstream.Emit(context.Background(), event); err != nil {
			d.logger.Warn("event delivery failed", "thread", event.ThreadID, "type", event.Type, "error", err)
		}
	}
}
