package cache

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for the admin API response cache.
type Config struct {
	// Enabled controls whether read responses are cached at all.
	Enabled bool

	// TTL bounds how stale a cached listing can be. Background planning and
	// sync runs change window counts without going through the API, so this
	// is the only freshness guarantee for them.
	TTL time.Duration

	// MaxSize is the maximum number of cached responses.
	MaxSize int
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		TTL:     5 * time.Second,
		MaxSize: 256,
	}
}

// ConfigFromEnv reads cache configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - SYNC_API_CACHE_ENABLED: "true" or "false" (default: "true")
//   - SYNC_API_CACHE_TTL_SECONDS: entry lifetime (default: 5)
//   - SYNC_API_CACHE_MAX_SIZE: max cached responses (default: 256)
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("SYNC_API_CACHE_ENABLED"); v != "" {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}

	if v := os.Getenv("SYNC_API_CACHE_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.TTL = time.Duration(secs) * time.Second
		}
	}

	if v := os.Getenv("SYNC_API_CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxSize = n
		}
	}

	return cfg
}

// New builds a cache from cfg. It returns nil when cfg is nil or disabled;
// a nil *LRU is valid and caches nothing.
func New(cfg *Config) *LRU {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return NewLRU(cfg.MaxSize, cfg.TTL)
}
