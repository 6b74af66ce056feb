package factory

import (
	"context"
	"testing"
)

func TestFromEnv_OpenAI(t *testing.T) {
	t.Setenv("AGENT_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "test-openai-key")
	t.Setenv("AGENT_MODEL", "gpt-4o-mini")

	p, err := FromEnv(context.Background())
	if err != nil {
		t.Fatalf("FromEnv returned error: %v", err)
	}
	if p.Name() != "openai" {
		t.Fatalf("expected openai provider, got %q", p.Name())
	}
}

func TestFromEnv_Anthropic(t *testing.T) {
	t.Setenv("AGENT_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "test-anthropic-key")

	p, err := FromEnv(context.Background())
	if err != nil {
		t.Fatalf("FromEnv returned error: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Fatalf("expected anthropic provider, got %q", p.Name())
	}
}

func TestFromEnv_UnsupportedProvider(t *testing.T) {
	t.Setenv("AGENT_PROVIDER", "unknown-provider")

	if _, err := FromEnv(context.Background()); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
}

func TestFromEnv_OllamaNeedsNoKey(t *testing.T) {
	t.Setenv("AGENT_PROVIDER", "ollama")
	t.Setenv("OLLAMA_API_KEY", "")

	p, err := FromEnv(context.Background())
	if err != nil {
		t.Fatalf("FromEnv returned error: %v", err)
	}
	if p.Name() != "ollama" {
		t.Fatalf("expected ollama provider, got %q", p.Name())
	}
}

func TestNew_AzureOpenAI(t *testing.T) {
	p, err := New(context.Background(), Config{
		Provider:   "azureopenai",
		APIKey:     "test-azure-key",
		BaseURL:    "https://example.openai.azure.com",
		Model:      "gpt-4o-mini",
		APIVersion: "2024-10-21",
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if p.Name() != "azureopenai" {
		t.Fatalf("expected azureopenai provider, got %q", p.Name())
	}
}

func TestNew_AzureRequiresEndpoint(t *testing.T) {
	t.Setenv("AZURE_OPENAI_ENDPOINT", "")
	if _, err := New(context.Background(), Config{Provider: "azureopenai", APIKey: "k", Model: "d"}); err == nil {
		t.Fatalf("expected missing endpoint error")
	}
}

func TestNew_MissingKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	if _, err := New(context.Background(), Config{Provider: "gemini"}); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestNew_Echo(t *testing.T) {
	p, err := New(context.Background(), Config{Provider: "echo"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if p.Name() != "echo" {
		t.Fatalf("expected echo provider, got %q", p.Name())
	}
}
