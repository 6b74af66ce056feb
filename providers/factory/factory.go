// Package factory builds a model provider from configuration.
package factory

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/PipeOpsHQ/agent-engine/llm"
	"github.com/PipeOpsHQ/agent-engine/llm/llmtest"
	anthropicprov "github.com/PipeOpsHQ/agent-engine/providers/anthropic"
	geminiprov "github.com/PipeOpsHQ/agent-engine/providers/gemini"
	openaiprov "github.com/PipeOpsHQ/agent-engine/providers/openai"
)

const (
	ProviderGemini      = "gemini"
	ProviderOpenAI      = "openai"
	ProviderAnthropic   = "anthropic"
	ProviderOllama      = "ollama"
	ProviderAzureOpenAI = "azureopenai"
	// ProviderEcho needs no credentials and replies with the user's message.
	ProviderEcho = "echo"
)

type Config struct {
	Provider string `yaml:"name"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"apiKey"`
	// APIKeyEnv names the variable holding the key when APIKey is empty.
	APIKeyEnv string `yaml:"apiKeyEnv"`
	BaseURL   string `yaml:"baseUrl"`
	// APIVersion applies to Azure OpenAI only.
	APIVersion string `yaml:"apiVersion"`
}

func New(ctx context.Context, cfg Config) (llm.Provider, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderGemini
	}
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" && strings.TrimSpace(cfg.APIKeyEnv) != "" {
		key = strings.TrimSpace(os.Getenv(strings.TrimSpace(cfg.APIKeyEnv)))
	}

	switch provider {
	case ProviderOpenAI:
		if key == "" {
			key = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		}
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when provider=openai")
		}
		return openaiprov.New(key, openaiprov.WithModel(firstNonEmpty(cfg.Model, "gpt-4o-mini")), openaiprov.WithBaseURL(cfg.BaseURL))

	case ProviderGemini:
		if key == "" {
			key = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
		}
		if key == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when provider=gemini")
		}
		return geminiprov.New(ctx, key, geminiprov.WithModel(firstNonEmpty(cfg.Model, "gemini-2.5-flash")), geminiprov.WithBaseURL(cfg.BaseURL))

	case ProviderAnthropic:
		if key == "" {
			key = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
		}
		if key == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required when provider=anthropic")
		}
		return anthropicprov.New(key, anthropicprov.WithModel(firstNonEmpty(cfg.Model, "claude-3-5-sonnet-latest")), anthropicprov.WithBaseURL(cfg.BaseURL))

	case ProviderOllama:
		if key == "" {
			key = strings.TrimSpace(os.Getenv("OLLAMA_API_KEY"))
		}
		return openaiprov.New(key,
			openaiprov.WithName(ProviderOllama),
			openaiprov.WithModel(firstNonEmpty(cfg.Model, "llama3.1:8b")),
			openaiprov.WithBaseURL(firstNonEmpty(cfg.BaseURL, "http://127.0.0.1:11434/v1")),
		)

	case ProviderAzureOpenAI:
		if key == "" {
			key = strings.TrimSpace(os.Getenv("AZURE_OPENAI_API_KEY"))
		}
		if key == "" {
			return nil, fmt.Errorf("AZURE_OPENAI_API_KEY is required when provider=azureopenai")
		}
		endpoint := firstNonEmpty(cfg.BaseURL, os.Getenv("AZURE_OPENAI_ENDPOINT"))
		if endpoint == "" {
			return nil, fmt.Errorf("AZURE_OPENAI_ENDPOINT is required when provider=azureopenai")
		}
		deployment := firstNonEmpty(cfg.Model, os.Getenv("AZURE_OPENAI_DEPLOYMENT"))
		if deployment == "" {
			return nil, fmt.Errorf("AZURE_OPENAI_DEPLOYMENT is required when provider=azureopenai")
		}
		return openaiprov.New(key,
			openaiprov.WithAzure(firstNonEmpty(cfg.APIVersion, os.Getenv("AZURE_OPENAI_API_VERSION"))),
			openaiprov.WithBaseURL(endpoint),
			openaiprov.WithModel(deployment),
		)

	case ProviderEcho:
		return llmtest.Echo(), nil
	}

	return nil, fmt.Errorf("unsupported provider %q (use gemini, openai, anthropic, ollama, azureopenai, or echo)", provider)
}

// FromEnv reads AGENT_PROVIDER, AGENT_MODEL and AGENT_PROVIDER_BASE_URL.
func FromEnv(ctx context.Context) (llm.Provider, error) {
	return New(ctx, Config{
		Provider:   getenv("AGENT_PROVIDER", ProviderGemini),
		Model:      os.Getenv("AGENT_MODEL"),
		BaseURL:    os.Getenv("AGENT_PROVIDER_BASE_URL"),
		APIVersion: os.Getenv("AZURE_OPENAI_API_VERSION"),
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}
