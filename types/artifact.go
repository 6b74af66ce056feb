package types

import "time"

// Artifact is the latest snapshot of a generated artifact as reported by the
// artifact store.
type Artifact struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"threadId,omitempty"`
	Title     string         `json:"title,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Content   string         `json:"content,omitempty"`
	Version   int            `json:"version"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}
