package datasync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kubeflow/datasync/pkg/metrics"
)

// Slice cuts [frontier, horizon) into whole windows of size, starting at
// frontier. The partial tail is left for a later pass.
func Slice(specID uint, frontier, horizon time.Time, size time.Duration) []Window {
	if size <= 0 || !horizon.After(frontier) {
		return nil
	}
	n := int(horizon.Sub(frontier) / size)
	if n == 0 {
		return nil
	}
	windows := make([]Window, n)
	start := frontier.UTC()
	for i := range windows {
		end := start.Add(size)
		windows[i] = Window{SpecID: specID, StartTime: start, EndTime: end}
		start = end
	}
	return windows
}

// PlanSummary reports one planning pass.
type PlanSummary struct {
	Skipped bool
	Specs   int
	Windows int
	PerSpec map[uint]int
}

// Planner appends windows for every enabled spec up to now minus its delay.
// Windows are only appended, so repeated passes never overlap or duplicate.
type Planner struct {
	specs   *SpecStore
	windows *WindowStore
	cfg     *PlannerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// NewPlanner creates a backfill planner.
func NewPlanner(specs *SpecStore, windows *WindowStore, cfg *PlannerConfig, m *metrics.Metrics, logger *slog.Logger) *Planner {
	if cfg == nil {
		cfg = DefaultPlannerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		specs:   specs,
		windows: windows,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Run plans every enabled spec. A failing spec is logged and does not stop
// the others; the failures are returned joined.
func (p *Planner) Run(ctx context.Context) (PlanSummary, error) {
	if !p.mu.TryLock() {
		p.logger.Debug("backfill pass already running, skipping")
		return PlanSummary{Skipped: true}, nil
	}
	defer p.mu.Unlock()

	specs, err := p.specs.ListEnabled(ctx)
	if err != nil {
		return PlanSummary{}, err
	}

	now := p.now()
	summary := PlanSummary{Specs: len(specs), PerSpec: make(map[uint]int, len(specs))}
	var errs []error
	for i := range specs {
		n, err := p.plan(ctx, &specs[i], now)
		if err != nil {
			p.logger.Error("backfill planning failed", "specId", specs[i].ID, "error", err)
			errs = append(errs, err)
			continue
		}
		summary.PerSpec[specs[i].ID] = n
		summary.Windows += n
	}
	if summary.Windows > 0 {
		p.logger.Info("backfill windows created", "specs", summary.Specs, "windows", summary.Windows)
	}
	return summary, errors.Join(errs...)
}

// PlanSpec plans a single spec regardless of its enabled flag.
func (p *Planner) PlanSpec(ctx context.Context, id uint) (int, error) {
	spec, err := p.specs.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if spec == nil {
		return 0, fmt.Errorf("%w: %d", ErrSpecNotFound, id)
	}
	return p.plan(ctx, spec, p.now())
}

func (p *Planner) plan(ctx context.Context, spec *SyncSpec, now time.Time) (int, error) {
	if spec.WindowSeconds <= 0 {
		return 0, fmt.Errorf("spec %d: window size must be positive, got %ds", spec.ID, spec.WindowSeconds)
	}

	frontier := spec.OriginTime
	latest, err := p.windows.Latest(ctx, spec.ID)
	if err != nil {
		return 0, err
	}
	if latest != nil {
		frontier = latest.EndTime
	}

	windows := Slice(spec.ID, frontier, now.Add(-spec.Delay()), spec.WindowSize())
	if len(windows) == 0 {
		return 0, nil
	}
	if err := p.windows.InsertBatch(ctx, windows); err != nil {
		return 0, fmt.Errorf("spec %d: %w", spec.ID, err)
	}
	p.metrics.Planned(spec.ID, len(windows))
	p.logger.Debug("windows planned",
		"specId", spec.ID,
		"from", windows[0].StartTime.Format(time.DateTime),
		"to", windows[len(windows)-1].EndTime.Format(time.DateTime),
		"count", len(windows))
	return len(windows), nil
}

// RunLoop runs a planning pass every cfg.Interval until ctx is cancelled.
// A zero interval disables the loop.
func (p *Planner) RunLoop(ctx context.Context) {
	if p.cfg.Interval <= 0 {
		p.logger.Info("backfill planner loop disabled")
		return
	}
	p.logger.Info("backfill planner starting", "interval", p.cfg.Interval.String())

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("backfill planner stopped")
			return
		case <-ticker.C:
			if _, err := p.Run(ctx); err != nil {
				p.logger.Error("backfill pass failed", "error", err)
			}
		}
	}
}
