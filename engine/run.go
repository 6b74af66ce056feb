package engine

import (
	"context"
	"sync"
	"time"
)

// Run is a handle on one execution of the graph for a thread.
type Run struct {
	ID        string
	ThreadID  string
	StartedAt time.Time

	cancel context.CancelCauseFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Done is closed when the run has exited.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err reports why the run ended: nil on success, ErrRunStopped or
// ErrRunSuperseded on cancellation, or the failure. It is nil until Done is
// closed.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait blocks until the run exits or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) finish(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.cancel(nil)
	close(r.done)
}
