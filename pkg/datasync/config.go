package datasync

import (
	"os"
	"runtime"
	"strconv"
	"time"
)

// EngineConfig controls how pending windows are processed.
type EngineConfig struct {
	BatchLimit      int // Max pending windows loaded per pass. Default 120.
	SaveConcurrency int // Max concurrent document saves per page. Default GOMAXPROCS.
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		BatchLimit:      120,
		SaveConcurrency: runtime.GOMAXPROCS(0),
	}
}

// EngineConfigFromEnv loads config from environment variables.
// SYNC_ENGINE_BATCH_LIMIT, SYNC_ENGINE_SAVE_CONCURRENCY
func EngineConfigFromEnv() *EngineConfig {
	cfg := DefaultEngineConfig()

	if v := os.Getenv("SYNC_ENGINE_BATCH_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchLimit = n
		}
	}

	if v := os.Getenv("SYNC_ENGINE_SAVE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SaveConcurrency = n
		}
	}

	return cfg
}

// PlannerConfig controls the backfill planning loop.
type PlannerConfig struct {
	Interval time.Duration // Time between planning passes; zero disables the loop. Default 60s.
}

// DefaultPlannerConfig returns the default planner configuration.
func DefaultPlannerConfig() *PlannerConfig {
	return &PlannerConfig{Interval: 60 * time.Second}
}

// PlannerConfigFromEnv loads config from environment variables.
// SYNC_BACKFILL_INTERVAL_SECONDS (0 disables the loop)
func PlannerConfigFromEnv() *PlannerConfig {
	cfg := DefaultPlannerConfig()

	if v := os.Getenv("SYNC_BACKFILL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Interval = time.Duration(n) * time.Second
		}
	}

	return cfg
}
