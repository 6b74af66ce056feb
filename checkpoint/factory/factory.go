package factory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PipeOpsHQ/agent-engine/checkpoint"
	"github.com/PipeOpsHQ/agent-engine/checkpoint/hybrid"
	"github.com/PipeOpsHQ/agent-engine/checkpoint/memory"
	redisstore "github.com/PipeOpsHQ/agent-engine/checkpoint/redis"
	sqlitestore "github.com/PipeOpsHQ/agent-engine/checkpoint/sqlite"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendHybrid = "hybrid"
)

type Config struct {
	Backend       string        `yaml:"backend"`
	SQLitePath    string        `yaml:"sqlitePath"`
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDb"`
	RedisTTL      time.Duration `yaml:"redisTtl"`
	RedisPrefix   string        `yaml:"redisPrefix"`
}

func DefaultConfig() Config {
	return Config{
		Backend:    BackendSQLite,
		SQLitePath: "./.agent-engine/checkpoints.db",
		RedisAddr:  "127.0.0.1:6379",
		RedisTTL:   72 * time.Hour,
	}
}

// New builds the configured store. For the hybrid backend an unreachable redis
// degrades to the durable store alone.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (checkpoint.Store, error) {
	_ = ctx
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if strings.TrimSpace(cfg.SQLitePath) == "" {
		cfg.SQLitePath = defaults.SQLitePath
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case BackendMemory:
		return memory.New(), nil

	case "", BackendSQLite:
		return sqlitestore.New(cfg.SQLitePath)

	case BackendRedis:
		return newRedisStore(cfg)

	case BackendHybrid:
		durable, err := sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		cache, err := newRedisStore(cfg)
		if err != nil {
			logger.Warn("checkpoint cache unavailable, using sqlite only", "addr", cfg.RedisAddr, "error", err)
			return hybrid.New(durable, nil, hybrid.WithLogger(logger))
		}
		return hybrid.New(durable, cache, hybrid.WithLogger(logger))

	default:
		return nil, fmt.Errorf("unsupported checkpoint backend %q (use memory, sqlite, redis, or hybrid)", backend)
	}
}

// FromEnv reads AGENT_CHECKPOINT_* and AGENT_REDIS_* variables.
func FromEnv(ctx context.Context) (checkpoint.Store, error) {
	defaults := DefaultConfig()
	cfg := Config{
		Backend:       getenv("AGENT_CHECKPOINT_BACKEND", defaults.Backend),
		SQLitePath:    getenv("AGENT_SQLITE_PATH", defaults.SQLitePath),
		RedisAddr:     getenv("AGENT_REDIS_ADDR", defaults.RedisAddr),
		RedisPassword: strings.TrimSpace(os.Getenv("AGENT_REDIS_PASSWORD")),
		RedisDB:       getenvInt("AGENT_REDIS_DB", 0),
		RedisTTL:      getenvDuration("AGENT_REDIS_TTL", defaults.RedisTTL),
		RedisPrefix:   getenv("AGENT_REDIS_PREFIX", ""),
	}
	return New(ctx, cfg, nil)
}

func newRedisStore(cfg Config) (*redisstore.Store, error) {
	addr := cfg.RedisAddr
	if strings.TrimSpace(addr) == "" {
		addr = DefaultConfig().RedisAddr
	}
	opts := []redisstore.Option{
		redisstore.WithPassword(cfg.RedisPassword),
		redisstore.WithDB(cfg.RedisDB),
		redisstore.WithTTL(cfg.RedisTTL),
		redisstore.WithPrefix(cfg.RedisPrefix),
	}
	return redisstore.New(addr, opts...)
}

func getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
