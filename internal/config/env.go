package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func envString(key string, target *string) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		*target = raw
	}
}

func envInt(key string, target *int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if value, err := strconv.Atoi(raw); err == nil {
		*target = value
	}
}

func envDuration(key string, target *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if value, err := time.ParseDuration(raw); err == nil {
		*target = value
	}
}

func envBool(key string, target *bool) {
	*target = ParseBoolString(os.Getenv(key), *target)
}

func ParseBoolString(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
