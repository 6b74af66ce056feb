package stream

import (
	"context"
	"sync"

	"github.com/PipeOpsHQ/agent-engine/types"
)

// Recorder keeps every event in memory. The CLI uses it to print a run and
// tests use it to assert on event order.
type Recorder struct {
	mu      sync.Mutex
	events  []types.Event
	changed chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{changed: make(chan struct{})}
}

func (r *Recorder) Emit(ctx context.Context, event types.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
	return nil
}

// Events returns the events of runID, or all events when runID is empty.
func (r *Recorder) Events(runID string) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Event, 0, len(r.events))
	for _, e := range r.events {
		if runID == "" || e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until an event matching match has been recorded.
func (r *Recorder) WaitFor(ctx context.Context, match func(types.Event) bool) (types.Event, error) {
	for {
		r.mu.Lock()
		for _, e := range r.events {
			if match(e) {
				r.mu.Unlock()
				return e, nil
			}
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return types.Event{}, ctx.Err()
		}
	}
}

// Terminal matches the last event of a run: done or error.
func Terminal(runID string) func(types.Event) bool {
	return func(e types.Event) bool {
		return e.RunID == runID && (e.Type == types.EventDone || e.Type == types.EventError)
	}
}
