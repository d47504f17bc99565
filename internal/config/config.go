package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port          string
	LogLevel      string
	DatabaseURL   string
	AuthToken     string
	MigrationsDir string
	RedisAddr     string

	// Presence thresholds: online -> away after AwayAfter, away -> offline
	// after OfflineAfter, offline -> removed after RemoveAfter. Thresholds
	// are cumulative inactivity, AwayAfter < OfflineAfter < RemoveAfter.
	AwayAfter     time.Duration
	OfflineAfter  time.Duration
	RemoveAfter   time.Duration
	SweepInterval time.Duration

	SubscriberQueue  int
	ChatSnapshotSize int
}

func Load() Config {
	cfg := Config{
		Port:             envOrDefault("COLLAB_SYNC_PORT", "8090"),
		LogLevel:         envOrDefault("COLLAB_SYNC_LOG_LEVEL", "info"),
		DatabaseURL:      envOrDefault("COLLAB_SYNC_DATABASE_URL", "file:collabsync.db"),
		AuthToken:        strings.TrimSpace(os.Getenv("COLLAB_SYNC_AUTH_TOKEN")),
		MigrationsDir:    envOrDefault("COLLAB_SYNC_MIGRATIONS_DIR", "migrations"),
		RedisAddr:        strings.TrimSpace(os.Getenv("COLLAB_SYNC_REDIS_ADDR")),
		AwayAfter:        durationOrDefault("COLLAB_SYNC_AWAY_AFTER", 60*time.Second),
		OfflineAfter:     durationOrDefault("COLLAB_SYNC_OFFLINE_AFTER", 5*time.Minute),
		RemoveAfter:      durationOrDefault("COLLAB_SYNC_REMOVE_AFTER", 30*time.Minute),
		SweepInterval:    durationOrDefault("COLLAB_SYNC_SWEEP_INTERVAL", 15*time.Second),
		SubscriberQueue:  IntOrDefault(os.Getenv("COLLAB_SYNC_SUBSCRIBER_QUEUE"), 256),
		ChatSnapshotSize: IntOrDefault(os.Getenv("COLLAB_SYNC_CHAT_SNAPSHOT"), 50),
	}
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		cfg.Port = p
	}
	return cfg
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationOrDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return fallback
}

func IntOrDefault(v string, fallback int) int {
	if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && i > 0 {
		return i
	}
	return fallback
}
