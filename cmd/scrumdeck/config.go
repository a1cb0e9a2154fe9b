package main

import (
	"os"
	"strconv"
	"time"
)

// Config is assembled from environment variables, .env included.
type Config struct {
	Port      string
	StaticDir string

	// DecksPath points at an optional YAML file of extra voting decks.
	DecksPath string

	// NATSURL enables the JetStream event relay when non-empty.
	NATSURL string

	// TrackerURL enables issue import when non-empty. TrackerToken is
	// sent as a bearer token when set.
	TrackerURL   string
	TrackerToken string

	PingInterval time.Duration
	PongWait     time.Duration
}

func loadConfig() Config {
	return Config{
		Port:         getEnv("PORT", "8080"),
		StaticDir:    getEnv("STATIC_DIR", ""),
		DecksPath:    getEnv("DECKS_CONFIG", ""),
		NATSURL:      getEnv("NATS_URL", ""),
		TrackerURL:   getEnv("TRACKER_URL", ""),
		TrackerToken: getEnv("TRACKER_TOKEN", ""),
		PingInterval: time.Duration(getEnvAsInt("PING_INTERVAL_SECONDS", 30)) * time.Second,
		PongWait:     time.Duration(getEnvAsInt("PONG_WAIT_SECONDS", 60)) * time.Second,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
