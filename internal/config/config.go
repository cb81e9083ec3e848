// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	IdentityURL string // empty = allow-all verifier (development)

	// Ephemeral TTLs.
	ConnectionTTL time.Duration // connection session mirror
	SessionTTL    time.Duration // agent build sessions
	ContextTTL    time.Duration // project context fast path
	ApprovalTTL   time.Duration // one-shot approval decisions
	SettingsTTL   time.Duration // user settings cache

	// Ring buffer caps.
	ErrorHistoryMax  int
	VisualHistoryMax int

	// Durable bridge.
	FeedPollInterval  time.Duration
	RetentionInterval time.Duration
	Retention         time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/realtime.db"),
		IdentityURL: getEnv("IDENTITY_URL", ""),

		ConnectionTTL: getEnvDuration("CONNECTION_TTL", 24*time.Hour),
		SessionTTL:    getEnvDuration("SESSION_TTL", 24*time.Hour),
		ContextTTL:    getEnvDuration("CONTEXT_TTL", time.Hour),
		ApprovalTTL:   getEnvDuration("APPROVAL_TTL", 5*time.Minute),
		SettingsTTL:   getEnvDuration("SETTINGS_TTL", time.Hour),

		ErrorHistoryMax:  getEnvInt("ERROR_HISTORY_MAX", 200),
		VisualHistoryMax: getEnvInt("VISUAL_HISTORY_MAX", 100),

		FeedPollInterval:  getEnvDuration("FEED_POLL_INTERVAL", time.Second),
		RetentionInterval: getEnvDuration("RETENTION_INTERVAL", time.Hour),
		Retention:         getEnvDuration("RETENTION", 7*24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	for name, d := range map[string]time.Duration{
		"CONNECTION_TTL":     c.ConnectionTTL,
		"SESSION_TTL":        c.SessionTTL,
		"CONTEXT_TTL":        c.ContextTTL,
		"APPROVAL_TTL":       c.ApprovalTTL,
		"SETTINGS_TTL":       c.SettingsTTL,
		"FEED_POLL_INTERVAL": c.FeedPollInterval,
		"RETENTION_INTERVAL": c.RetentionInterval,
		"RETENTION":          c.Retention,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.ErrorHistoryMax <= 0 {
		return fmt.Errorf("ERROR_HISTORY_MAX must be > 0")
	}
	if c.VisualHistoryMax <= 0 {
		return fmt.Errorf("VISUAL_HISTORY_MAX must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
