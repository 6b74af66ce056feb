package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/PipeOpsHQ/agent-engine/checkpoint"
	"github.com/PipeOpsHQ/agent-engine/types"
)

// Cache holds the latest tuple per (thread, namespace). The redis store
// implements it.
type Cache interface {
	CachedLatest(ctx context.Context, threadID, namespace string) (checkpoint.Tuple, error)
	CacheLatest(ctx context.Context, tuple checkpoint.Tuple) error
	InvalidateLatest(ctx context.Context, threadID string, namespaces ...string) error
}

// Store writes through to a durable store and serves latest reads from the
// cache when possible. Cache failures are logged and never returned.
type Store struct {
	durable checkpoint.Store
	cache   Cache
	locks   checkpoint.KeyedMutex
	// threads orders latest-read backfills against DeleteThread. Taken
	// before a line lock.
	threads checkpoint.KeyedMutex
	logger  *slog.Logger
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(durable checkpoint.Store, cache Cache, opts ...Option) (*Store, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	s := &Store{
		durable: durable,
		cache:   cache,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Put(ctx context.Context, threadID, namespace string, state *types.ConversationState, metadata checkpoint.Metadata, parentID string) (string, error) {
	unlock := s.locks.Lock(checkpoint.LineKey(threadID, namespace))
	defer unlock()

	id, err := s.durable.Put(ctx, threadID, namespace, state, metadata, parentID)
	if err != nil {
		return "", err
	}
	s.invalidate(ctx, threadID, namespace)
	return id, nil
}

func (s *Store) Get(ctx context.Context, threadID, namespace, checkpointID string) (checkpoint.Tuple, error) {
	if checkpointID != "" || s.cache == nil {
		return s.durable.Get(ctx, threadID, namespace, checkpointID)
	}

	tuple, err := s.cache.CachedLatest(ctx, threadID, namespace)
	if err == nil {
		return detach(tuple)
	}
	if !errors.Is(err, checkpoint.ErrNotFound) {
		s.logger.Warn("hybrid checkpoint cache read failed", "thread", threadID, "error", err)
	}

	// Hold the thread and line locks so neither a concurrent Put nor a
	// DeleteThread can be shadowed by a stale backfill.
	unlockThread := s.threads.Lock(threadID)
	defer unlockThread()
	unlock := s.locks.Lock(checkpoint.LineKey(threadID, namespace))
	defer unlock()

	tuple, err = s.durable.Get(ctx, threadID, namespace, "")
	if err != nil {
		return checkpoint.Tuple{}, err
	}
	cached, err := detach(tuple)
	if err != nil {
		return checkpoint.Tuple{}, err
	}
	if err := s.cache.CacheLatest(ctx, cached); err != nil {
		s.logger.Warn("hybrid checkpoint cache backfill failed", "thread", threadID, "error", err)
	}
	return tuple, nil
}

// detach copies the tuple's state so callers never share it with the cache.
func detach(tuple checkpoint.Tuple) (checkpoint.Tuple, error) {
	state, err := checkpoint.CloneState(tuple.Checkpoint.State)
	if err != nil {
		return checkpoint.Tuple{}, err
	}
	tuple.Checkpoint.State = state
	tuple.PendingWrites = append([]checkpoint.PendingWrite(nil), tuple.PendingWrites...)
	return tuple, nil
}

func (s *Store) List(ctx context.Context, threadID string, opts checkpoint.ListOptions) ([]checkpoint.Checkpoint, error) {
	return s.durable.List(ctx, threadID, opts)
}

func (s *Store) PutWrites(ctx context.Context, threadID, namespace, checkpointID string, writes []checkpoint.Write, taskID string) error {
	unlock := s.locks.Lock(checkpoint.LineKey(threadID, namespace))
	defer unlock()

	if err := s.durable.PutWrites(ctx, threadID, namespace, checkpointID, writes, taskID); err != nil {
		return err
	}
	s.invalidate(ctx, threadID, namespace)
	return nil
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	unlock := s.threads.Lock(threadID)
	defer unlock()

	if err := s.durable.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	s.invalidate(ctx, threadID)
	return nil
}

func (s *Store) Prune(ctx context.Context, threadID, namespace string, keep int) (int, error) {
	pruner, ok := s.durable.(checkpoint.Pruner)
	if !ok {
		return 0, nil
	}
	return pruner.Prune(ctx, threadID, namespace, keep)
}

func (s *Store) ListThreads(ctx context.Context) ([]string, error) {
	lister, ok := s.durable.(checkpoint.ThreadLister)
	if !ok {
		return nil, fmt.Errorf("durable store cannot list threads")
	}
	return lister.ListThreads(ctx)
}

func (s *Store) ListNamespaces(ctx context.Context, threadID string) ([]string, error) {
	lister, ok := s.durable.(checkpoint.NamespaceLister)
	if !ok {
		return []string{checkpoint.DefaultNamespace}, nil
	}
	return lister.ListNamespaces(ctx, threadID)
}

func (s *Store) Close() error {
	var firstErr error
	if closer, ok := s.cache.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.durable.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Store) invalidate(ctx context.Context, threadID string, namespaces ...string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateLatest(ctx, threadID, namespaces...); err != nil {
		s.logger.Warn("hybrid checkpoint cache invalidation failed", "thread", threadID, "error", err)
	}
}
