package gemini

import (
	"encoding/json"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/PipeOpsHQ/agent-engine/types"
)

func TestEncodeHistory(t *testing.T) {
	contents := encodeHistory([]types.Message{
		types.UserMessage("hi"),
		types.AssistantMessage("looking",
			types.ToolCall{ID: "c1", Name: "inspect_dom", Arguments: json.RawMessage(`{"depth":3}`)},
			types.ToolCall{ID: "c2", Name: "echo"},
		),
		types.ToolMessage("c1", "inspect_dom", `{"error":"Tab not found"}`, true),
		{Role: types.RoleTool, ToolCallID: "c2", Content: "plain text"},
		types.UserMessage("thanks"),
	})
	if len(contents) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(contents))
	}
	if contents[1].Role != genai.RoleModel || len(contents[1].Parts) != 3 {
		t.Fatalf("unexpected model turn: %+v", contents[1])
	}
	call := contents[1].Parts[1].FunctionCall
	if call == nil || call.ID != "c1" || call.Args["depth"] != float64(3) {
		t.Fatalf("unexpected function call: %+v", call)
	}

	results := contents[2]
	if results.Role != genai.RoleUser || len(results.Parts) != 2 {
		t.Fatalf("tool results must share one turn, got %+v", results)
	}
	first := results.Parts[0].FunctionResponse
	if first == nil || first.ID != "c1" || first.Response["error"] != "Tab not found" {
		t.Fatalf("unexpected function response: %+v", first)
	}
	second := results.Parts[1].FunctionResponse
	if second.Name != "echo" {
		t.Fatalf("expected name recovered from the call, got %q", second.Name)
	}
	if second.Response["output"] != "plain text" {
		t.Fatalf("expected non-JSON output to be wrapped, got %#v", second.Response)
	}
	if contents[3].Parts[0].Text != "thanks" {
		t.Fatalf("unexpected final turn: %+v", contents[3])
	}
}

func TestDecodeResponse(t *testing.T) {
	resp, err := decodeResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role: genai.RoleModel,
				Parts: []*genai.Part{
					{Text: "thinking", Thought: true},
					{Text: "Hello"},
					{FunctionCall: &genai.FunctionCall{Name: "echo", Args: map[string]any{"x": 1}}},
				},
			},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     3,
			CandidatesTokenCount: 2,
			TotalTokenCount:      5,
		},
	})
	if err != nil {
		t.Fatalf("decodeResponse failed: %v", err)
	}
	if resp.Message.Content != "Hello" {
		t.Fatalf("thought parts must be dropped, got %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 || !strings.HasPrefix(resp.Message.ToolCalls[0].ID, "call_") {
		t.Fatalf("expected synthesized call id, got %+v", resp.Message.ToolCalls)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 5 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
}

func TestDecodeResponse_NoCandidates(t *testing.T) {
	_, err := decodeResponse(&genai.GenerateContentResponse{
		PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReasonMessage: "blocked"},
	})
	if err == nil || !strings.Contains(err.Error(), "blocked") {
		t.Fatalf("expected block reason error, got %v", err)
	}
}

func TestBuildConfig(t *testing.T) {
	cfg := buildConfig(types.Request{
		SystemPrompt:    "sys",
		MaxOutputTokens: 100,
		Tools:           []types.ToolDefinition{{Name: "echo"}},
	})
	if cfg.SystemInstruction == nil || cfg.MaxOutputTokens != 100 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Tools) != 1 || len(cfg.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("expected one function declaration, got %+v", cfg.Tools)
	}
	if buildConfig(types.Request{}).Tools != nil {
		t.Fatalf("planner requests must not bind tools")
	}
}

func TestDecodeResponse_FinishReasonWithoutOutput(t *testing.T) {
	_, err := decodeResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: genai.RoleModel},
			FinishReason: genai.FinishReasonSafety,
		}},
	})
	if err == nil || !strings.Contains(err.Error(), string(genai.FinishReasonSafety)) {
		t.Fatalf("expected finish reason error, got %v", err)
	}

	resp, err := decodeResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: genai.RoleModel},
			FinishReason: genai.FinishReasonStop,
		}},
	})
	if err != nil || resp.Message.Content != "" {
		t.Fatalf("an empty stop is a valid empty reply, got %+v, %v", resp, err)
	}
}
