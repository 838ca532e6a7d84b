package audit

import (
	"os"
	"strconv"
)

// Config controls audit behavior.
type Config struct {
	Enabled       bool // Whether audit middleware is active. Default true.
	RetentionDays int  // Days of events to keep; 0 keeps everything. Default 90.
	LogDenied     bool // Whether to record 401/403 responses. Default true.
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		RetentionDays: 90,
		LogDenied:     true,
	}
}

// ConfigFromEnv loads config from environment variables.
// SYNC_AUDIT_ENABLED, SYNC_AUDIT_RETENTION_DAYS, SYNC_AUDIT_LOG_DENIED
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("SYNC_AUDIT_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}

	if v := os.Getenv("SYNC_AUDIT_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days >= 0 {
			cfg.RetentionDays = days
		}
	}

	if v := os.Getenv("SYNC_AUDIT_LOG_DENIED"); v != "" {
		cfg.LogDenied, _ = strconv.ParseBool(v)
	}

	return cfg
}
