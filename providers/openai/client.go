// Package openai adapts OpenAI-compatible chat completion APIs (OpenAI,
// Azure OpenAI, Ollama) to llm.Provider.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/PipeOpsHQ/agent-engine/llm"
	"github.com/PipeOpsHQ/agent-engine/types"
)

const (
	defaultModel      = "gpt-4o-mini"
	defaultAPIVersion = "2024-10-21"
)

type Client struct {
	client *goopenai.Client
	name   string
	model  string
}

type settings struct {
	name       string
	model      string
	baseURL    string
	azure      bool
	apiVersion string
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

// WithAzure targets an Azure OpenAI resource. The model is used as the
// deployment name.
func WithAzure(apiVersion string) Option {
	return func(s *settings) {
		s.azure = true
		s.name = "azureopenai"
		if apiVersion != "" {
			s.apiVersion = apiVersion
		}
	}
}

// WithName overrides the provider name reported in events and metrics.
func WithName(name string) Option {
	return func(s *settings) {
		if name != "" {
			s.name = name
		}
	}
}

func New(apiKey string, opts ...Option) (*Client, error) {
	s := settings{
		name:       "openai",
		model:      defaultModel,
		apiVersion: defaultAPIVersion,
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(&s)
	}
	if strings.TrimSpace(apiKey) == "" && s.baseURL == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}

	var cfg goopenai.ClientConfig
	if s.azure {
		if s.baseURL == "" {
			return nil, fmt.Errorf("azure endpoint is required")
		}
		cfg = goopenai.DefaultAzureConfig(apiKey, s.baseURL)
		cfg.APIVersion = s.apiVersion
	} else {
		cfg = goopenai.DefaultConfig(apiKey)
		if s.baseURL != "" {
			cfg.BaseURL = s.baseURL
		}
	}
	cfg.HTTPClient = s.httpClient

	return &Client{
		client: goopenai.NewClientWithConfig(cfg),
		name:   s.name,
		model:  s.model,
	}, nil
}

func (c *Client) Name() string { return c.name }

func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Tools:            true,
		StructuredOutput: true,
	}
}

func (c *Client) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	chatReq := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(req.SystemPrompt, req.Messages),
	}
	if req.MaxOutputTokens > 0 {
		chatReq.MaxTokens = req.MaxOutputTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
		chatReq.ToolChoice = "auto"
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return types.Response{}, fmt.Errorf("%s request failed: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return types.Response{}, fmt.Errorf("%s response had no choices", c.name)
	}

	msg := resp.Choices[0].Message
	calls := make([]types.ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		calls = append(calls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: normalizeJSONArgs(tc.Function.Arguments),
		})
	}

	var usage *types.Usage
	if resp.Usage.TotalTokens > 0 {
		usage = &types.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return types.Response{
		Message: types.AssistantMessage(strings.TrimSpace(msg.Content), calls...),
		Usage:   usage,
	}, nil
}

func toOpenAIMessages(system string, in []types.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(in)+1)
	if system != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range in {
		switch m.Role {
		case types.RoleUser:
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleUser,
				Content: m.Content,
			})
		case types.RoleAssistant:
			out := goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				args := "{}"
				if len(tc.Arguments) > 0 {
					args = string(tc.Arguments)
				}
				out.ToolCalls = append(out.ToolCalls, goopenai.ToolCall{
					ID:   tc.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			msgs = append(msgs, out)
		case types.RoleTool:
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:       goopenai.ChatMessageRoleTool,
				Name:       m.Name,
				ToolCallID: m.ToolCallID,
				Content:    m.Content,
			})
		}
	}
	return msgs
}

func toOpenAITools(in []types.ToolDefinition) []goopenai.Tool {
	tools := make([]goopenai.Tool, 0, len(in))
	for _, t := range in {
		params := t.JSONSchema
		if len(params) == 0 {
			params = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		tools = append(tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

func normalizeJSONArgs(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	escaped, _ := json.Marshal(raw)
	return json.RawMessage(fmt.Sprintf(`{"raw":%s}`, string(escaped)))
}
