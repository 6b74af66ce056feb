package types

import (
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ConversationState is the value threaded through the execution graph.
type ConversationState struct {
	Messages       []Message                               `json:"messages"`
	Plan           *string                                 `json:"plan,omitempty"`
	Artifacts      *orderedmap.OrderedMap[string, Artifact] `json:"artifacts"`
	ActiveContext  map[string]any                          `json:"activeContext,omitempty"`
	IterationCount int                                     `json:"iterationCount"`
}

func NewConversationState() *ConversationState {
	return &ConversationState{
		Messages:  []Message{},
		Artifacts: orderedmap.New[string, Artifact](),
	}
}

func (s *ConversationState) EnsureDefaults() {
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	if s.Artifacts == nil {
		s.Artifacts = orderedmap.New[string, Artifact]()
	}
}

func (s *ConversationState) Append(msgs ...Message) {
	s.Messages = append(s.Messages, msgs...)
}

func (s *ConversationState) SetPlan(plan string) {
	s.Plan = &plan
}

func (s *ConversationState) PlanText() string {
	if s == nil || s.Plan == nil {
		return ""
	}
	return *s.Plan
}

// MergeArtifacts applies last-write-wins per id. Ids already present keep their
// position; new ids are appended in the order given.
func (s *ConversationState) MergeArtifacts(list []Artifact) {
	s.EnsureDefaults()
	for _, artifact := range list {
		if artifact.ID == "" {
			continue
		}
		s.Artifacts.Set(artifact.ID, artifact)
	}
}

func (s *ConversationState) ArtifactList() []Artifact {
	if s == nil || s.Artifacts == nil {
		return []Artifact{}
	}
	out := make([]Artifact, 0, s.Artifacts.Len())
	for pair := s.Artifacts.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// LastAssistant returns the most recent assistant message and its index.
func (s *ConversationState) LastAssistant() (Message, int, bool) {
	if s == nil {
		return Message{}, -1, false
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i], i, true
		}
	}
	return Message{}, -1, false
}

// Clone returns a deep copy suitable for an immutable checkpoint snapshot.
func (s *ConversationState) Clone() (*ConversationState, error) {
	if s == nil {
		return NewConversationState(), nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation state: %w", err)
	}
	out := &ConversationState{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("failed to decode conversation state: %w", err)
	}
	out.EnsureDefaults()
	return out, nil
}
