package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port      string
	RedisURL  string
	JWTSecret string
	LogLevel  string

	// Queue tuning; every server instance sharing a store must agree on these.
	MaxQueueSize  int
	MaxRetries    int
	RetryDelay    time.Duration
	BatchSize     int
	DrainInterval time.Duration

	// Events replayed to a freshly subscribed consultant dashboard.
	HistoryLimit int
}

func Load() *Config {
	return &Config{
		Port:      getEnv("PORT", "8080"),
		RedisURL:  getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret: getEnv("JWT_SECRET", ""),
		LogLevel:  getEnv("LOG_LEVEL", "info"),

		MaxQueueSize:  getEnvInt("QUEUE_MAX_SIZE", 1000),
		MaxRetries:    getEnvInt("QUEUE_MAX_RETRIES", 3),
		RetryDelay:    getEnvDuration("QUEUE_RETRY_DELAY", time.Second),
		BatchSize:     getEnvInt("QUEUE_BATCH_SIZE", 100),
		DrainInterval: getEnvDuration("QUEUE_DRAIN_INTERVAL", time.Second),

		HistoryLimit: getEnvInt("EVENT_HISTORY_LIMIT", 50),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
