package jobs

import (
	"os"
	"strconv"
	"time"
)

// ReconcilerConfig controls the job reconcile loop.
type ReconcilerConfig struct {
	Interval time.Duration // How often job specs are re-read. Default 5s.
	Enabled  bool          // Whether the reconcile loop runs. Default true.
}

// DefaultReconcilerConfig returns the default reconciler configuration.
func DefaultReconcilerConfig() *ReconcilerConfig {
	return &ReconcilerConfig{
		Interval: 5 * time.Second,
		Enabled:  true,
	}
}

// ReconcilerConfigFromEnv loads config from environment variables.
// SYNC_RECONCILE_INTERVAL_SECONDS, SYNC_RECONCILE_ENABLED
func ReconcilerConfigFromEnv() *ReconcilerConfig {
	cfg := DefaultReconcilerConfig()

	if v := os.Getenv("SYNC_RECONCILE_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Interval = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("SYNC_RECONCILE_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}

	return cfg
}
