package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FetchChannel is the queue channel the worker drains. The name is a
// convention shared with the producers that enqueue account ids.
const FetchChannel = "mail_accounts:fetch_mails"

type Config struct {
	DBPath      string
	MaxMailSize int64
	DialTimeout time.Duration
	ReadTimeout time.Duration
	LeaseTTL    time.Duration
	IdleWait    time.Duration
}

func Load() Config {
	return Config{
		DBPath:      getEnvString("DB_PATH", ""),
		MaxMailSize: getEnvInt64("MAX_MAIL_SIZE", 4<<20),
		DialTimeout: getEnvDuration("DIAL_TIMEOUT", 30*time.Second),
		ReadTimeout: getEnvDuration("READ_TIMEOUT", 60*time.Second),
		LeaseTTL:    getEnvDuration("LEASE_TTL", 10*time.Minute),
		IdleWait:    getEnvDuration("IDLE_WAIT", 5*time.Second),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}
