package server

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kubeflow/datasync/pkg/datasync"
	"github.com/kubeflow/datasync/pkg/jobs"
)

// Target kinds a JobSpec can name.
const (
	TargetBackfill = "backfill" // one planning pass over every enabled spec
	TargetSync     = "sync"     // "sync:<id>" runs the engine for one spec
)

// RegisterSyncTargets binds the planner and engine to job targets.
func RegisterSyncTargets(t *jobs.Targets, planner *datasync.Planner, engine *datasync.Engine) {
	t.Register(TargetBackfill, func(arg string) (jobs.Task, error) {
		if arg != "" {
			return nil, fmt.Errorf("backfill takes no argument, got %q", arg)
		}
		return func(ctx context.Context) error {
			_, err := planner.Run(ctx)
			return err
		}, nil
	})
	t.Register(TargetSync, func(arg string) (jobs.Task, error) {
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("sync target needs a spec id, got %q", arg)
		}
		return func(ctx context.Context) error {
			return engine.Run(ctx, uint(id))
		}, nil
	})
}
