// Package gemini adapts the Gemini API to llm.Provider.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/PipeOpsHQ/agent-engine/llm"
	"github.com/PipeOpsHQ/agent-engine/types"
)

const defaultModel = "gemini-2.5-flash"

type Client struct {
	models *genai.Models
	model  string
}

type settings struct {
	model      string
	baseURL    string
	httpClient *http.Client
}

type Option func(*settings)

func WithModel(model string) Option {
	return func(s *settings) {
		if model != "" {
			s.model = model
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(s *settings) { s.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(s *settings) {
		if h != nil {
			s.httpClient = h
		}
	}
}

func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	s := settings{model: defaultModel}
	for _, opt := range opts {
		opt(&s)
	}

	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: s.httpClient,
	}
	if s.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: s.baseURL}
	}
	gc, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Client{models: gc.Models, model: s.model}, nil
}

func (c *Client) Name() string { return "gemini" }

func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{Tools: true, StructuredOutput: true}
}

func (c *Client) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	resp, err := c.models.GenerateContent(ctx, model, encodeHistory(req.Messages), buildConfig(req))
	if err != nil {
		return types.Response{}, fmt.Errorf("gemini generation failed: %w", err)
	}
	return decodeResponse(resp)
}

func buildConfig(req types.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(min(req.MaxOutputTokens, math.MaxInt32))
	}
	if len(req.Tools) == 0 {
		return config
	}

	decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
	for _, def := range req.Tools {
		decl := &genai.FunctionDeclaration{Name: def.Name, Description: def.Description}
		if len(def.JSONSchema) > 0 {
			decl.ParametersJsonSchema = def.JSONSchema
		} else {
			decl.ParametersJsonSchema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		decls = append(decls, decl)
	}
	config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	config.ToolConfig = &genai.ToolConfig{
		FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
	}
	return config
}

// encodeHistory maps the conversation onto Gemini turns. Tool results that
// answer the same model turn are sent together in one user turn.
func encodeHistory(messages []types.Message) []*genai.Content {
	var (
		out     []*genai.Content
		names   = map[string]string{}
		results *genai.Content
	)
	flush := func() {
		if results != nil {
			out = append(out, results)
			results = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case types.RoleUser:
			flush()
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))
		case types.RoleAssistant:
			flush()
			if turn := modelTurn(m, names); turn != nil {
				out = append(out, turn)
			}
		case types.RoleTool:
			if results == nil {
				results = &genai.Content{Role: genai.RoleUser}
			}
			results.Parts = append(results.Parts, functionResponse(m, names))
		}
	}
	flush()
	return out
}

func modelTurn(m types.Message, names map[string]string) *genai.Content {
	var parts []*genai.Part
	if m.Content != "" {
		parts = append(parts, genai.NewPartFromText(m.Content))
	}
	for _, call := range m.ToolCalls {
		names[call.ID] = call.Name
		args := map[string]any{}
		if len(call.Arguments) > 0 {
			_ = json.Unmarshal(call.Arguments, &args)
		}
		parts = append(parts, &genai.Part{
			FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: args},
		})
	}
	if len(parts) == 0 {
		return nil
	}
	return &genai.Content{Role: genai.RoleModel, Parts: parts}
}

// functionResponse passes JSON object payloads through and wraps anything
// else under "output". Error payloads keep their {"error": ...} shape.
func functionResponse(m types.Message, names map[string]string) *genai.Part {
	name := m.Name
	if name == "" {
		name = names[m.ToolCallID]
	}
	payload := map[string]any{}
	if err := json.Unmarshal([]byte(m.Content), &payload); err != nil || payload == nil {
		payload = map[string]any{"output": m.Content}
	}
	return &genai.Part{
		FunctionResponse: &genai.FunctionResponse{ID: m.ToolCallID, Name: name, Response: payload},
	}
}

func decodeResponse(resp *genai.GenerateContentResponse) (types.Response, error) {
	if resp == nil {
		return types.Response{}, fmt.Errorf("gemini returned an empty response")
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		if fb := resp.PromptFeedback; fb != nil {
			if reason := strings.TrimSpace(fb.BlockReasonMessage); reason != "" {
				return types.Response{}, fmt.Errorf("gemini returned no candidates: %s", reason)
			}
			if fb.BlockReason != "" {
				return types.Response{}, fmt.Errorf("gemini returned no candidates: %s", fb.BlockReason)
			}
		}
		return types.Response{}, fmt.Errorf("gemini returned no candidates")
	}

	msg, err := decodeCandidate(resp.Candidates[0])
	if err != nil {
		return types.Response{}, err
	}
	out := types.Response{Message: msg}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = &types.Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		}
	}
	return out, nil
}

func decodeCandidate(candidate *genai.Candidate) (types.Message, error) {
	var (
		text  []string
		calls []types.ToolCall
	)
	for _, part := range candidate.Content.Parts {
		switch {
		case part == nil || part.Thought:
		case part.FunctionCall != nil:
			call, err := decodeCall(part.FunctionCall)
			if err != nil {
				return types.Message{}, err
			}
			calls = append(calls, call)
		case part.Text != "":
			text = append(text, part.Text)
		}
	}
	content := strings.TrimSpace(strings.Join(text, ""))
	if content == "" && len(calls) == 0 && candidate.FinishReason != "" && candidate.FinishReason != genai.FinishReasonStop {
		return types.Message{}, fmt.Errorf("gemini stopped without output: %s", candidate.FinishReason)
	}
	return types.AssistantMessage(content, calls...), nil
}

func decodeCall(fc *genai.FunctionCall) (types.ToolCall, error) {
	args := fc.Args
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return types.ToolCall{}, fmt.Errorf("failed to encode %s arguments: %w", fc.Name, err)
	}
	id := fc.ID
	if id == "" {
		// Results are matched to calls by id, which the Gemini API omits.
		id = "call_" + uuid.NewString()
	}
	return types.ToolCall{ID: id, Name: fc.Name, Arguments: raw}, nil
}
