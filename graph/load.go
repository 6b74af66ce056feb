package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PipeOpsHQ/agent-engine/checkpoint"
	"github.com/PipeOpsHQ/agent-engine/history"
	"github.com/PipeOpsHQ/agent-engine/types"
)

// Snapshot is a thread's latest state, ready for a new run.
type Snapshot struct {
	State        *types.ConversationState
	CheckpointID string
	// Replayed counts tool results restored from pending writes.
	Replayed int
	Repair   history.Report
}

// Load reads the latest checkpoint of threadID, restores tool results that
// were recorded as pending writes when they answer every outstanding call,
// and sanitizes the history.
func (e *Executor) Load(ctx context.Context, threadID string) (Snapshot, error) {
	if err := checkpoint.ValidateThread(threadID); err != nil {
		return Snapshot{}, err
	}
	tuple, err := e.store.Get(ctx, threadID, e.namespace, "")
	if errors.Is(err, checkpoint.ErrNotFound) {
		return Snapshot{State: types.NewConversationState()}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}

	state := tuple.Checkpoint.State
	if state == nil {
		state = types.NewConversationState()
	}
	state.EnsureDefaults()

	snap := Snapshot{State: state, CheckpointID: tuple.Checkpoint.ID}
	if replay := replayable(state.Messages, tuple.PendingWrites); len(replay) > 0 {
		state.Append(replay...)
		snap.Replayed = len(replay)
		e.logger.Info("replayed pending tool results", "thread", threadID, "checkpoint", tuple.Checkpoint.ID, "count", len(replay))
	}

	snap.Repair = history.Repair(state.Messages)
	state.Messages = snap.Repair.Messages
	if snap.Repair.Changed() {
		e.logger.Warn("repaired conversation history",
			"thread", threadID,
			"droppedAssistant", snap.Repair.DroppedAssistantCount,
			"droppedToolResults", snap.Repair.DroppedToolResultCount,
		)
	}
	return snap, nil
}

// replayable returns tool messages for the outstanding calls of the last
// assistant message, in call order, only when writes cover all of them.
func replayable(messages []types.Message, writes []checkpoint.PendingWrite) []types.Message {
	pending := history.PendingToolCalls(messages)
	if len(pending) == 0 || len(writes) == 0 {
		return nil
	}
	results := make(map[string]types.Message, len(writes))
	for _, w := range writes {
		if w.Channel != ChannelToolResult {
			continue
		}
		var msg types.Message
		if err := json.Unmarshal(w.Value, &msg); err != nil {
			continue
		}
		if msg.Role != types.RoleTool || msg.ToolCallID == "" {
			continue
		}
		results[msg.ToolCallID] = msg
	}
	out := make([]types.Message, 0, len(pending))
	for _, call := range pending {
		msg, ok := results[call.ID]
		if !ok {
			return nil
		}
		out = append(out, msg)
	}
	return out
}
