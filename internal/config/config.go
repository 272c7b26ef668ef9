package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds hub and client configuration.
type Config struct {
	ServerAddr      string
	LivenessPeriod  time.Duration
	RetentionPeriod time.Duration
	RetentionWindow time.Duration

	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ConnectTimeout       time.Duration

	CachePath   string
	RelayAddr   string
	DatabaseURL string
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		if host := os.Getenv("POSTGRES_HOST"); host != "" {
			user := getenv("POSTGRES_USER", "quizrelay")
			pass := getenv("POSTGRES_PASSWORD", "quizrelay_pass")
			db := getenv("POSTGRES_DB", "quizrelay")
			port := getenv("POSTGRES_PORT", "5432")
			sslmode := getenv("DATABASE_SSLMODE", "disable")
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
		}
	}

	return &Config{
		ServerAddr:           getenv("SERVER_ADDR", "0.0.0.0:8080"),
		LivenessPeriod:       parseDuration(getenv("LIVENESS_PERIOD", "30s"), 30*time.Second),
		RetentionPeriod:      parseDuration(getenv("RETENTION_PERIOD", "60s"), 60*time.Second),
		RetentionWindow:      parseDuration(getenv("RETENTION_WINDOW", "1h"), time.Hour),
		ReconnectMaxAttempts: parseInt(getenv("RECONNECT_MAX_ATTEMPTS", "5"), 5),
		ReconnectBaseDelay:   parseDuration(getenv("RECONNECT_BASE_DELAY", "2s"), 2*time.Second),
		ConnectTimeout:       parseDuration(getenv("CONNECT_TIMEOUT", "5s"), 5*time.Second),
		CachePath:            getenv("CACHE_PATH", "quizrelay-cache.db"),
		RelayAddr:            os.Getenv("RELAY_ADDR"),
		DatabaseURL:          dsn,
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
