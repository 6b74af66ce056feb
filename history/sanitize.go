// Package history repairs message histories left inconsistent by an
// interrupted run.
package history

import (
	"fmt"

	"github.com/PipeOpsHQ/agent-engine/types"
)

// Report describes what Repair removed.
type Report struct {
	Messages               []types.Message
	DroppedAssistantCount  int
	DroppedToolResultCount int
	// UnresolvedToolCallIDs lists the ids of tool calls whose assistant
	// message was dropped because no result followed it.
	UnresolvedToolCallIDs []string
}

func (r Report) Changed() bool {
	return r.DroppedAssistantCount > 0 || r.DroppedToolResultCount > 0
}

// Sanitize drops assistant messages whose tool calls are not all answered by
// the tool messages directly after them, and drops tool messages that no
// retained assistant message asked for. Everything else keeps its order.
func Sanitize(messages []types.Message) []types.Message {
	return Repair(messages).Messages
}

func Repair(messages []types.Message) Report {
	report := Report{Messages: make([]types.Message, 0, len(messages))}
	if len(messages) == 0 {
		return report
	}

	retained := make([]bool, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case types.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				retained[i] = true
				continue
			}
			missing := unanswered(msg.ToolCalls, answeredAfter(messages, i))
			if len(missing) == 0 {
				retained[i] = true
				continue
			}
			report.DroppedAssistantCount++
			report.UnresolvedToolCallIDs = append(report.UnresolvedToolCallIDs, missing...)
		case types.RoleUser:
			retained[i] = true
		case types.RoleTool:
			// decided below, once the assistant messages are known
		default:
			retained[i] = true
		}
	}

	known := map[string]struct{}{}
	for i, msg := range messages {
		switch msg.Role {
		case types.RoleAssistant:
			if !retained[i] {
				continue
			}
			for _, call := range msg.ToolCalls {
				known[call.ID] = struct{}{}
			}
			report.Messages = append(report.Messages, msg)
		case types.RoleTool:
			if _, ok := known[msg.ToolCallID]; !ok || msg.ToolCallID == "" {
				report.DroppedToolResultCount++
				continue
			}
			report.Messages = append(report.Messages, msg)
		default:
			report.Messages = append(report.Messages, msg)
		}
	}
	return report
}

// answeredAfter collects the tool_call_ids of the contiguous run of tool
// messages after index i.
func answeredAfter(messages []types.Message, i int) map[string]struct{} {
	answered := map[string]struct{}{}
	for j := i + 1; j < len(messages) && messages[j].Role == types.RoleTool; j++ {
		answered[messages[j].ToolCallID] = struct{}{}
	}
	return answered
}

func unanswered(calls []types.ToolCall, answered map[string]struct{}) []string {
	var missing []string
	for _, call := range calls {
		if call.ID == "" {
			missing = append(missing, call.ID)
			continue
		}
		if _, ok := answered[call.ID]; !ok {
			missing = append(missing, call.ID)
		}
	}
	return missing
}

// PendingToolCalls returns the tool calls of the last assistant message that
// have no result yet, in call order.
func PendingToolCalls(messages []types.Message) []types.ToolCall {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleAssistant {
			last = i
			break
		}
	}
	if last < 0 || len(messages[last].ToolCalls) == 0 {
		return nil
	}
	answered := map[string]struct{}{}
	for _, msg := range messages[last+1:] {
		if msg.Role == types.RoleTool {
			answered[msg.ToolCallID] = struct{}{}
		}
	}
	var pending []types.ToolCall
	for _, call := range messages[last].ToolCalls {
		if _, ok := answered[call.ID]; !ok {
			pending = append(pending, call)
		}
	}
	return pending
}

// Validate reports the first violation of the pairing rules Sanitize
// establishes, or of an individual message's shape.
func Validate(messages []types.Message) error {
	known := map[string]struct{}{}
	for i, msg := range messages {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		switch msg.Role {
		case types.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				continue
			}
			if missing := unanswered(msg.ToolCalls, answeredAfter(messages, i)); len(missing) > 0 {
				return fmt.Errorf("message %d: tool calls %q have no result", i, missing)
			}
			for _, call := range msg.ToolCalls {
				known[call.ID] = struct{}{}
			}
		case types.RoleTool:
			if _, ok := known[msg.ToolCallID]; !ok {
				return fmt.Errorf("message %d: orphan tool result %q", i, msg.ToolCallID)
			}
		case types.RoleUser:
		}
	}
	return nil
}
