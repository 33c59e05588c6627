package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Config holds application configuration
type Config struct {
	Port     string
	DBPath   string
	LogLevel logrus.Level
	// RedisAddr selects the Redis summary cache; empty means in-process.
	RedisAddr string
	CacheTTL  time.Duration
	// RecomputeSchedule is a cron schedule for refreshing every loan's accruals; empty disables it.
	RecomputeSchedule string
}

// NewConfig loads configuration from environment variables
func NewConfig() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            getEnv("DB_PATH", "loanledger.db"),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RecomputeSchedule: getEnv("RECOMPUTE_SCHEDULE", ""),
	}

	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	cfg.LogLevel = level

	cfg.CacheTTL, err = time.ParseDuration(getEnv("CACHE_TTL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_TTL: %w", err)
	}
	if cfg.CacheTTL < 0 {
		return nil, fmt.Errorf("CACHE_TTL must not be negative")
	}

	if cfg.DBPath == "" {
		return nil, fmt.Errorf("DB_PATH is required")
	}
	if cfg.RecomputeSchedule != "" {
		if _, err := cron.ParseStandard(cfg.RecomputeSchedule); err != nil {
			return nil, fmt.Errorf("invalid RECOMPUTE_SCHEDULE: %w", err)
		}
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}
