package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PipeOpsHQ/agent-engine/checkpoint"
	"github.com/PipeOpsHQ/agent-engine/types"
)

// Store keeps checkpoints in process memory. A single mutex guards all
// threads, which also makes DeleteThread atomic with respect to readers.
type Store struct {
	mu      sync.RWMutex
	threads map[string]map[string]*line
	now     func() time.Time
}

type line struct {
	ids         []string
	checkpoints map[string]checkpoint.Checkpoint
	writes      map[string][]checkpoint.PendingWrite
}

type Option func(*Store)

// WithClock overrides the time source used for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		threads: map[string]map[string]*line{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Put(ctx context.Context, threadID, namespace string, state *types.ConversationState, metadata checkpoint.Metadata, parentID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := checkpoint.ValidateThread(threadID); err != nil {
		return "", err
	}
	snapshot, err := checkpoint.CloneState(state)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lineLocked(threadID, namespace, true)
	latest := ""
	if n := len(l.ids); n > 0 {
		latest = l.ids[n-1]
	}
	now := s.now().UTC()
	id := checkpoint.NextID(latest, now)
	if _, exists := l.checkpoints[id]; exists {
		return "", checkpoint.ErrConflict
	}
	l.ids = append(l.ids, id)
	l.checkpoints[id] = checkpoint.Checkpoint{
		ThreadID:  threadID,
		Namespace: namespace,
		ID:        id,
		ParentID:  parentID,
		State:     snapshot,
		Metadata:  metadata,
		CreatedAt: now,
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, threadID, namespace, checkpointID string) (checkpoint.Tuple, error) {
	if err := ctx.Err(); err != nil {
		return checkpoint.Tuple{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	l := s.lineLocked(threadID, namespace, false)
	if l == nil || len(l.ids) == 0 {
		return checkpoint.Tuple{}, checkpoint.ErrNotFound
	}
	if checkpointID == "" {
		checkpointID = l.ids[len(l.ids)-1]
	}
	cp, ok := l.checkpoints[checkpointID]
	if !ok {
		return checkpoint.Tuple{}, checkpoint.ErrNotFound
	}
	out, err := copyCheckpoint(cp)
	if err != nil {
		return checkpoint.Tuple{}, err
	}
	writes := checkpoint.NormalizeWrites(l.writes[checkpointID])
	return checkpoint.Tuple{Checkpoint: out, PendingWrites: writes}, nil
}

func (s *Store) List(ctx context.Context, threadID string, opts checkpoint.ListOptions) ([]checkpoint.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	l := s.lineLocked(threadID, opts.Namespace, false)
	if l == nil {
		return []checkpoint.Checkpoint{}, nil
	}
	out := make([]checkpoint.Checkpoint, 0, len(l.ids))
	for i := len(l.ids) - 1; i >= 0; i-- {
		id := l.ids[i]
		if opts.Before != "" && id >= opts.Before {
			continue
		}
		cp, err := copyCheckpoint(l.checkpoints[id])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) PutWrites(ctx context.Context, threadID, namespace, checkpointID string, writes []checkpoint.Write, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lineLocked(threadID, namespace, false)
	if l == nil {
		return checkpoint.ErrNotFound
	}
	if _, ok := l.checkpoints[checkpointID]; !ok {
		return checkpoint.ErrNotFound
	}
	for i, w := range writes {
		l.writes[checkpointID] = append(l.writes[checkpointID], checkpoint.PendingWrite{
			ThreadID:     threadID,
			Namespace:    namespace,
			CheckpointID: checkpointID,
			TaskID:       taskID,
			Index:        i,
			Channel:      w.Channel,
			Value:        append([]byte(nil), w.Value...),
		})
	}
	return nil
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

// Prune keeps the newest keep checkpoints of a line and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, threadID, namespace string, keep int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if keep < 1 {
		return 0, fmt.Errorf("keep must be >= 1")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lineLocked(threadID, namespace, false)
	if l == nil || len(l.ids) <= keep {
		return 0, nil
	}
	drop := l.ids[:len(l.ids)-keep]
	for _, id := range drop {
		delete(l.checkpoints, id)
		delete(l.writes, id)
	}
	l.ids = append([]string(nil), l.ids[len(l.ids)-keep:]...)
	return len(drop), nil
}

func (s *Store) ListThreads(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.threads))
	for id := range s.threads {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ListNamespaces(ctx context.Context, threadID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.threads[threadID]))
	for ns := range s.threads[threadID] {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) lineLocked(threadID, namespace string, create bool) *line {
	namespaces, ok := s.threads[threadID]
	if !ok {
		if !create {
			return nil
		}
		namespaces = map[string]*line{}
		s.threads[threadID] = namespaces
	}
	l, ok := namespaces[namespace]
	if !ok {
		if !create {
			return nil
		}
		l = &line{
			checkpoints: map[string]checkpoint.Checkpoint{},
			writes:      map[string][]checkpoint.PendingWrite{},
		}
		namespaces[namespace] = l
	}
	return l
}

func copyCheckpoint(cp checkpoint.Checkpoint) (checkpoint.Checkpoint, error) {
	state, err := checkpoint.CloneState(cp.State)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	cp.State = state
	return cp, nil
}
