package config

import (
	"fmt"
	"strings"
	"time"
)

// SinkConfig holds configuration for the sheet sink service.
type SinkConfig struct {
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool
	LogLevel         string
	LogFile          string

	Store        string // "memory" or "postgres"
	PostgresDSN  string
	BatchSize    int
	DefaultSheet string

	Locker    string // "local" or "redis"
	RedisAddr string
	LockKey   string
	LockTTL   time.Duration
	LockWait  time.Duration
}

// LoadSink reads sink configuration from environment variables.
func LoadSink() (*SinkConfig, error) {
	loadDotEnv()

	cfg := &SinkConfig{
		BindAddr:         getEnvOrDefault("SHEETSINK_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:   getEnvListOrDefault("SHEETSINK_PORT_CANDIDATES", []string{"127.0.0.1:8192", "127.0.0.1:8194"}),
		PortAutoFallback: getEnvBoolOrDefault("SHEETSINK_PORT_AUTO_FALLBACK", false),
		LogLevel:         strings.ToLower(getEnvOrDefault("SHEETSINK_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("SHEETSINK_LOG_FILE", "logs/sheetsink.log"),

		Store:        strings.ToLower(getEnvOrDefault("SHEETSINK_STORE", "memory")),
		PostgresDSN:  getEnvOrDefault("SHEETSINK_POSTGRES_DSN", ""),
		BatchSize:    getEnvIntOrDefault("SHEETSINK_BATCH_SIZE", 500),
		DefaultSheet: getEnvOrDefault("SHEETSINK_DEFAULT_SHEET", "Sheet1"),

		Locker:    strings.ToLower(getEnvOrDefault("SHEETSINK_LOCKER", "local")),
		RedisAddr: getEnvOrDefault("SHEETSINK_REDIS_ADDR", "127.0.0.1:6379"),
		LockKey:   getEnvOrDefault("SHEETSINK_LOCK_KEY", "sheetsink:lock"),
		LockTTL:   getEnvDurationOrDefault("SHEETSINK_LOCK_TTL", time.Minute),
		LockWait:  getEnvDurationOrDefault("SHEETSINK_LOCK_WAIT", 30*time.Second),
	}

	switch cfg.Store {
	case "memory":
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("SHEETSINK_STORE=postgres requires SHEETSINK_POSTGRES_DSN")
		}
	default:
		return nil, fmt.Errorf("SHEETSINK_STORE must be memory or postgres, got %q", cfg.Store)
	}
	switch cfg.Locker {
	case "local", "redis":
	default:
		return nil, fmt.Errorf("SHEETSINK_LOCKER must be local or redis, got %q", cfg.Locker)
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 30 * time.Second
	}
	return cfg, nil
}
