package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/agent-engine/artifacts"
	"github.com/PipeOpsHQ/agent-engine/types"
)

type Store struct {
	mu      sync.RWMutex
	threads map[string][]types.Artifact
}

func New() *Store {
	return &Store{threads: map[string][]types.Artifact{}}
}

func (s *Store) ListArtifacts(ctx context.Context, threadID string) ([]types.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Artifact{}, s.threads[threadID]...), nil
}

func (s *Store) GetArtifact(ctx context.Context, threadID, id string) (types.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return types.Artifact{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.threads[threadID] {
		if a.ID == id {
			return a, nil
		}
	}
	return types.Artifact{}, artifacts.ErrNotFound
}

func (s *Store) CreateArtifact(ctx context.Context, threadID string, draft artifacts.Draft) (types.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return types.Artifact{}, err
	}
	if err := draft.Validate(); err != nil {
		return types.Artifact{}, err
	}
	now := time.Now().UTC()
	a := types.Artifact{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Title:     draft.Title,
		Kind:      draft.Kind,
		Content:   draft.Content,
		Version:   1,
		Metadata:  draft.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = append(s.threads[threadID], a)
	return a, nil
}

func (s *Store) UpdateArtifact(ctx context.Context, threadID, id string, patch artifacts.Patch) (types.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return types.Artifact{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.threads[threadID]
	for i, a := range list {
		if a.ID != id {
			continue
		}
		updated := patch.Apply(a)
		updated.UpdatedAt = time.Now().UTC()
		list[i] = updated
		return updated, nil
	}
	return types.Artifact{}, artifacts.ErrNotFound
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

func (s *Store) Close() error { return nil }
