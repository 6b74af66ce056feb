package types

import (
	"encoding/json"
	"time"
)

// EventType names a progress event delivered to the UI.
type EventType string

const (
	EventThinking   EventType = "thinking"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventResponse   EventType = "response"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

const (
	ThinkingStart = "start"
	ThinkingDone  = "done"
)

type Event struct {
	Type      EventType      `json:"type"`
	ThreadID  string         `json:"threadId,omitempty"`
	RunID     string         `json:"runId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func newEvent(eventType EventType, data map[string]any) Event {
	return Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}

func ThinkingStartedEvent() Event {
	return newEvent(EventThinking, map[string]any{"status": ThinkingStart})
}

func ThinkingDoneEvent(content string, elapsed time.Duration) Event {
	return newEvent(EventThinking, map[string]any{
		"status":     ThinkingDone,
		"content":    content,
		"durationMs": elapsed.Milliseconds(),
	})
}

func ToolCallEvent(call ToolCall) Event {
	var args any = map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			args = string(call.Arguments)
		}
	}
	return newEvent(EventToolCall, map[string]any{
		"id":   call.ID,
		"name": call.Name,
		"args": args,
	})
}

func ToolResultEvent(result Message) Event {
	return newEvent(EventToolResult, map[string]any{
		"id":      result.ToolCallID,
		"name":    result.Name,
		"result":  result.Content,
		"isError": result.IsError,
	})
}

func ResponseEvent(content string) Event {
	return newEvent(EventResponse, map[string]any{"content": content})
}

func ErrorEvent(message string) Event {
	return newEvent(EventError, map[string]any{"message": message})
}

func DoneEvent(artifacts []Artifact) Event {
	if artifacts == nil {
		artifacts = []Artifact{}
	}
	return newEvent(EventDone, map[string]any{"artifacts": artifacts})
}
