// Package config loads engine settings from .env, an optional YAML file and
// AGENT_* environment variables, in that order of precedence (last wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	checkpointfactory "github.com/PipeOpsHQ/agent-engine/checkpoint/factory"
	providerfactory "github.com/PipeOpsHQ/agent-engine/providers/factory"
)

const DefaultEnvFile = ".env"

type Config struct {
	Provider   providerfactory.Config   `yaml:"provider"`
	Checkpoint checkpointfactory.Config `yaml:"checkpoint"`
	Artifacts  ArtifactsConfig          `yaml:"artifacts"`
	Engine     EngineConfig             `yaml:"engine"`
	Server     ServerConfig             `yaml:"server"`
	Prune      PruneConfig              `yaml:"prune"`
	Tracing    TracingConfig            `yaml:"tracing"`
	Log        LogConfig                `yaml:"log"`
}

type ArtifactsConfig struct {
	// Path selects the sqlite artifact store; empty keeps artifacts in memory.
	Path string `yaml:"path"`
}

type EngineConfig struct {
	RecursionLimit  int           `yaml:"recursionLimit"`
	Namespace       string        `yaml:"namespace"`
	EventBuffer     int           `yaml:"eventBuffer"`
	ToolTimeout     time.Duration `yaml:"toolTimeout"`
	MaxOutputTokens int           `yaml:"maxOutputTokens"`
	PromptsFile     string        `yaml:"promptsFile"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type PruneConfig struct {
	// Schedule is a cron expression; empty disables the retention job.
	Schedule string `yaml:"schedule"`
	Keep     int    `yaml:"keep"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Default() Config {
	return Config{
		Provider:   providerfactory.Config{Provider: providerfactory.ProviderGemini},
		Checkpoint: checkpointfactory.DefaultConfig(),
		Engine: EngineConfig{
			RecursionLimit: 50,
			EventBuffer:    256,
		},
		Server: ServerConfig{Addr: "127.0.0.1:7070"},
		Prune:  PruneConfig{Keep: 20},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads DefaultEnvFile when present, then path when non-empty, then the
// environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(DefaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load %s: %w", DefaultEnvFile, err)
	}
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to decode config file %q: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString("AGENT_PROVIDER", &c.Provider.Provider)
	envString("AGENT_MODEL", &c.Provider.Model)
	envString("AGENT_PROVIDER_API_KEY_ENV", &c.Provider.APIKeyEnv)
	envString("AGENT_PROVIDER_BASE_URL", &c.Provider.BaseURL)

	envString("AGENT_CHECKPOINT_BACKEND", &c.Checkpoint.Backend)
	envString("AGENT_SQLITE_PATH", &c.Checkpoint.SQLitePath)
	envString("AGENT_REDIS_ADDR", &c.Checkpoint.RedisAddr)
	envString("AGENT_REDIS_PASSWORD", &c.Checkpoint.RedisPassword)
	envInt("AGENT_REDIS_DB", &c.Checkpoint.RedisDB)
	envDuration("AGENT_REDIS_TTL", &c.Checkpoint.RedisTTL)
	envString("AGENT_REDIS_PREFIX", &c.Checkpoint.RedisPrefix)

	envString("AGENT_ARTIFACTS_PATH", &c.Artifacts.Path)

	envInt("AGENT_RECURSION_LIMIT", &c.Engine.RecursionLimit)
	envString("AGENT_NAMESPACE", &c.Engine.Namespace)
	envInt("AGENT_EVENT_BUFFER", &c.Engine.EventBuffer)
	envDuration("AGENT_TOOL_TIMEOUT", &c.Engine.ToolTimeout)
	envInt("AGENT_MAX_OUTPUT_TOKENS", &c.Engine.MaxOutputTokens)
	envString("AGENT_PROMPTS_FILE", &c.Engine.PromptsFile)

	envString("AGENT_SERVER_ADDR", &c.Server.Addr)
	envString("AGENT_PRUNE_SCHEDULE", &c.Prune.Schedule)
	envInt("AGENT_PRUNE_KEEP", &c.Prune.Keep)
	envBool("AGENT_TRACING_ENABLED", &c.Tracing.Enabled)
	envString("AGENT_LOG_LEVEL", &c.Log.Level)
}

func (c Config) Validate() error {
	if c.Engine.RecursionLimit < 1 {
		return fmt.Errorf("engine.recursionLimit must be >= 1, got %d", c.Engine.RecursionLimit)
	}
	if c.Engine.EventBuffer < 1 {
		return fmt.Errorf("engine.eventBuffer must be >= 1, got %d", c.Engine.EventBuffer)
	}
	if c.Engine.ToolTimeout < 0 {
		return fmt.Errorf("engine.toolTimeout must not be negative")
	}
	if strings.TrimSpace(c.Prune.Schedule) != "" && c.Prune.Keep < 1 {
		return fmt.Errorf("prune.keep must be >= 1 when a prune schedule is set")
	}
	switch strings.ToLower(strings.TrimSpace(c.Checkpoint.Backend)) {
	case "", checkpointfactory.BackendMemory, checkpointfactory.BackendSQLite,
		checkpointfactory.BackendRedis, checkpointfactory.BackendHybrid:
	default:
		return fmt.Errorf("unsupported checkpoint backend %q", c.Checkpoint.Backend)
	}
	return nil
}
