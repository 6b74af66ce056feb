package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PipeOpsHQ/agent-engine/types"
)

var (
	ErrNotFound = errors.New("checkpoint: not found")
	ErrConflict = errors.New("checkpoint: conflict")
)

// DefaultNamespace is the single checkpoint line most threads use.
const DefaultNamespace = ""

const (
	SourceInput = "input"
	SourceLoop  = "loop"
	SourceLimit = "limit"
)

type Metadata struct {
	Source string `json:"source,omitempty"`
	Step   int    `json:"step"`
	Node   string `json:"node,omitempty"`
	RunID  string `json:"runId,omitempty"`
}

// Checkpoint is an immutable snapshot of a thread's conversation state.
type Checkpoint struct {
	ThreadID  string                   `json:"threadId"`
	Namespace string                   `json:"namespace"`
	ID        string                   `json:"id"`
	ParentID  string                   `json:"parentId,omitempty"`
	State     *types.ConversationState `json:"state"`
	Metadata  Metadata                 `json:"metadata"`
	CreatedAt time.Time                `json:"createdAt"`
}

// PendingWrite is a write recorded against a checkpoint before its successor
// was committed.
type PendingWrite struct {
	ThreadID     string          `json:"threadId"`
	Namespace    string          `json:"namespace"`
	CheckpointID string          `json:"checkpointId"`
	TaskID       string          `json:"taskId"`
	Index        int             `json:"index"`
	Channel      string          `json:"channel"`
	Value        json.RawMessage `json:"value"`
}

type Write struct {
	Channel string
	Value   json.RawMessage
}

func NewWrite(channel string, value any) (Write, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Write{}, fmt.Errorf("failed to marshal write for channel %q: %w", channel, err)
	}
	return Write{Channel: channel, Value: raw}, nil
}

// Tuple is a checkpoint together with the pending writes recorded against it.
// The parent reference is Checkpoint.ParentID.
type Tuple struct {
	Checkpoint    Checkpoint     `json:"checkpoint"`
	PendingWrites []PendingWrite `json:"pendingWrites"`
}

type ListOptions struct {
	Namespace string
	// Before excludes checkpoints whose id is >= Before.
	Before string
	Limit  int
}

type Store interface {
	// Put writes a new checkpoint and returns its id.
	Put(ctx context.Context, threadID, namespace string, state *types.ConversationState, metadata Metadata, parentID string) (string, error)
	// Get returns the checkpoint with the given id, or the latest one when
	// checkpointID is empty. ErrNotFound is returned when absent.
	Get(ctx context.Context, threadID, namespace, checkpointID string) (Tuple, error)
	// List returns checkpoints newest first.
	List(ctx context.Context, threadID string, opts ListOptions) ([]Checkpoint, error)
	PutWrites(ctx context.Context, threadID, namespace, checkpointID string, writes []Write, taskID string) error
	DeleteThread(ctx context.Context, threadID string) error
	Close() error
}

// Pruner is implemented by stores that can drop old checkpoints.
type Pruner interface {
	Prune(ctx context.Context, threadID, namespace string, keep int) (int, error)
}

// ThreadLister is implemented by stores that can enumerate their threads.
type ThreadLister interface {
	ListThreads(ctx context.Context) ([]string, error)
}

type NamespaceLister interface {
	ListNamespaces(ctx context.Context, threadID string) ([]string, error)
}

func ValidateThread(threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return fmt.Errorf("thread_id is required")
	}
	return nil
}

// NormalizeWrites keeps the last write per (task, index) and orders the result
// by index, stable over recording order.
func NormalizeWrites(writes []PendingWrite) []PendingWrite {
	type key struct {
		task  string
		index int
	}
	latest := make(map[key]int, len(writes))
	for i, w := range writes {
		latest[key{w.TaskID, w.Index}] = i
	}
	out := make([]PendingWrite, 0, len(latest))
	for i, w := range writes {
		if latest[key{w.TaskID, w.Index}] == i {
			out = append(out, w)
		}
	}
	sortWrites(out)
	return out
}

func sortWrites(writes []PendingWrite) {
	// insertion sort keeps equal indexes in recording order
	for i := 1; i < len(writes); i++ {
		for j := i; j > 0 && writes[j].Index < writes[j-1].Index; j-- {
			writes[j], writes[j-1] = writes[j-1], writes[j]
		}
	}
}

// CloneState deep-copies state so stored snapshots cannot be mutated by callers.
func CloneState(state *types.ConversationState) (*types.ConversationState, error) {
	if state == nil {
		return types.NewConversationState(), nil
	}
	return state.Clone()
}
