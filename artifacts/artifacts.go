// Package artifacts defines the storage collaborator that holds generated
// artifacts per thread.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/agent-engine/types"
)

var ErrNotFound = errors.New("artifacts: not found")

type Draft struct {
	Title    string         `json:"title"`
	Kind     string         `json:"kind,omitempty"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Patch changes the fields that are set. Metadata keys are merged.
type Patch struct {
	Title    *string        `json:"title,omitempty"`
	Content  *string        `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Store interface {
	// ListArtifacts returns the thread's artifacts in creation order.
	ListArtifacts(ctx context.Context, threadID string) ([]types.Artifact, error)
	GetArtifact(ctx context.Context, threadID, id string) (types.Artifact, error)
	CreateArtifact(ctx context.Context, threadID string, draft Draft) (types.Artifact, error)
	UpdateArtifact(ctx context.Context, threadID, id string, patch Patch) (types.Artifact, error)
	DeleteThread(ctx context.Context, threadID string) error
	Close() error
}

func (d Draft) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("artifact title is required")
	}
	return nil
}

// Apply returns a with patch applied and its version bumped.
func (p Patch) Apply(a types.Artifact) types.Artifact {
	if p.Title != nil {
		a.Title = *p.Title
	}
	if p.Content != nil {
		a.Content = *p.Content
	}
	if len(p.Metadata) > 0 {
		merged := make(map[string]any, len(a.Metadata)+len(p.Metadata))
		for k, v := range a.Metadata {
			merged[k] = v
		}
		for k, v := range p.Metadata {
			merged[k] = v
		}
		a.Metadata = merged
	}
	a.Version++
	return a
}
