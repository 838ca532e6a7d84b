package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kubeflow/datasync/pkg/cron"
	"github.com/kubeflow/datasync/pkg/metrics"
)

// ErrInvalidCron marks a spec whose cron expression cannot be parsed.
var ErrInvalidCron = errors.New("invalid cron expression")

// SpecSource is the persistence the reconciler reads from.
type SpecSource interface {
	List(ctx context.Context) ([]JobSpec, error)
	SaveFingerprint(ctx context.Context, name, fingerprint string) error
}

// Scheduler is the live schedule the reconciler mutates.
type Scheduler interface {
	Exists(key string) bool
	Schedule(key, expr string, task cron.Task) error
	Unschedule(key string) bool
	Validate(expr string) error
}

// TargetResolver turns a target reference into a runnable task.
type TargetResolver interface {
	Resolve(ref string) (Task, error)
}

// Result is the outcome of reconciling one spec.
type Result string

const (
	ResultScheduled   Result = "scheduled"
	ResultUnscheduled Result = "unscheduled"
	ResultUnchanged   Result = "unchanged"
	ResultSkipped     Result = "skipped"
	ResultInvalid     Result = "invalid"
	ResultError       Result = "error"
)

// ItemResult reports what a tick did with one spec.
type ItemResult struct {
	Name   string
	Result Result
	Err    error
}

// TickSummary aggregates the per-spec results of one tick.
type TickSummary struct {
	// Skipped is set when another tick was still running.
	Skipped bool
	// Err is set when specs could not be loaded; nothing was changed.
	Err     error
	Items   []ItemResult
	Removed []string
}

// Count returns how many items ended with r.
func (s TickSummary) Count(r Result) int {
	n := 0
	for _, it := range s.Items {
		if it.Result == r {
			n++
		}
	}
	return n
}

// JobStatus is the reconciler's view of one job.
type JobStatus struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	Address     string `json:"address"`
	Owned       bool   `json:"owned"`
	Cron        string `json:"cron"`
	Target      string `json:"target"`
	Trigger     string `json:"trigger"`
	Fingerprint string `json:"fingerprint"`
	Scheduled   bool   `json:"scheduled"`
}

// Reconciler converges the live cron schedule on the job specs in the store.
// Only specs whose Address equals this node's address are scheduled here.
type Reconciler struct {
	specs     SpecSource
	scheduler Scheduler
	targets   TargetResolver
	address   string
	cfg       *ReconcilerConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger

	tickMu   sync.Mutex
	mu       sync.RWMutex
	cache    map[string]JobSpec
	lastTick time.Time
}

// NewReconciler creates a reconciler for the node identified by address.
func NewReconciler(specs SpecSource, scheduler Scheduler, targets TargetResolver, address string,
	cfg *ReconcilerConfig, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	if cfg == nil {
		cfg = DefaultReconcilerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		specs:     specs,
		scheduler: scheduler,
		targets:   targets,
		address:   address,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		cache:     make(map[string]JobSpec),
	}
}

// Address returns the node address this reconciler schedules for.
func (r *Reconciler) Address() string { return r.address }

// Run ticks immediately and then every cfg.Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	if !r.cfg.Enabled {
		r.logger.Info("job reconciler disabled")
		return
	}

	r.logger.Info("job reconciler starting",
		"address", r.address,
		"interval", r.cfg.Interval.String())

	r.Tick(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job reconciler stopped")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one reconcile pass. A call made while another pass is running
// returns immediately with Skipped set.
func (r *Reconciler) Tick(ctx context.Context) TickSummary {
	if !r.tickMu.TryLock() {
		r.logger.Debug("reconcile tick already running, skipping")
		r.metrics.Tick("skipped")
		return TickSummary{Skipped: true}
	}
	defer r.tickMu.Unlock()

	specs, err := r.specs.List(ctx)
	if err != nil {
		r.logger.Error("failed to load job specs", "error", err)
		r.metrics.Tick("error")
		return TickSummary{Err: err}
	}

	var summary TickSummary
	seen := mapset.NewThreadUnsafeSetWithSize[string](len(specs))
	for _, spec := range specs {
		seen.Add(spec.Name)
		item := r.reconcileOne(ctx, spec)
		r.metrics.Action(string(item.Result))
		summary.Items = append(summary.Items, item)
	}
	summary.Removed = r.sweep(seen)

	r.mu.Lock()
	r.lastTick = time.Now()
	r.mu.Unlock()

	r.metrics.Tick("ok")
	r.metrics.SetScheduled(r.scheduledCount())

	if n := len(summary.Removed) + summary.Count(ResultScheduled) + summary.Count(ResultUnscheduled); n > 0 {
		r.logger.Info("job schedule reconciled",
			"specs", len(specs),
			"scheduled", summary.Count(ResultScheduled),
			"unscheduled", summary.Count(ResultUnscheduled),
			"removed", len(summary.Removed))
	}
	return summary
}

func (r *Reconciler) reconcileOne(ctx context.Context, spec JobSpec) ItemResult {
	fp := Fingerprint(&spec)

	r.mu.RLock()
	cached, known := r.cache[spec.Name]
	r.mu.RUnlock()

	var item ItemResult
	switch {
	case !known:
		item = r.apply(spec)
	case cached.Fingerprint != fp:
		r.logger.Info("job spec changed, rescheduling", "jobName", spec.Name, "trigger", TriggerKey(spec.Name))
		removed := r.scheduler.Unschedule(JobKey(spec.Name))
		item = r.apply(spec)
		if removed && item.Result == ResultSkipped {
			item.Result = ResultUnscheduled
		}
	default:
		item = ItemResult{Name: spec.Name, Result: ResultUnchanged}
	}

	if spec.Fingerprint != fp {
		if err := r.specs.SaveFingerprint(ctx, spec.Name, fp); err != nil {
			r.logger.Warn("failed to persist job fingerprint", "jobName", spec.Name, "error", err)
		}
	}

	// Failed schedules stay out of the cache so the next tick retries them.
	r.mu.Lock()
	if item.Result == ResultError {
		delete(r.cache, spec.Name)
	} else {
		spec.Fingerprint = fp
		r.cache[spec.Name] = spec
	}
	r.mu.Unlock()
	return item
}

func (r *Reconciler) apply(spec JobSpec) ItemResult {
	key := JobKey(spec.Name)
	item := ItemResult{Name: spec.Name}

	if !spec.Enabled || spec.Address != r.address {
		if r.scheduler.Unschedule(key) {
			r.logger.Info("job unscheduled", "jobName", spec.Name, "enabled", spec.Enabled, "address", spec.Address)
			item.Result = ResultUnscheduled
			return item
		}
		item.Result = ResultSkipped
		return item
	}

	if err := r.scheduler.Validate(spec.Cron); err != nil {
		r.logger.Warn("job cron expression is not valid",
			"jobName", spec.Name, "description", spec.Description, "cron", spec.Cron)
		item.Result = ResultInvalid
		item.Err = fmt.Errorf("%w: %q", ErrInvalidCron, spec.Cron)
		return item
	}

	task, err := r.targets.Resolve(spec.Target)
	if err != nil {
		r.logger.Warn("job target cannot be resolved", "jobName", spec.Name, "target", spec.Target, "error", err)
		item.Result = ResultInvalid
		item.Err = err
		return item
	}

	if r.scheduler.Exists(key) {
		item.Result = ResultUnchanged
		return item
	}

	if err := r.scheduler.Schedule(key, spec.Cron, task); err != nil {
		r.logger.Error("failed to schedule job", "jobName", spec.Name, "error", err)
		item.Result = ResultError
		item.Err = err
		return item
	}
	r.logger.Info("job scheduled", "jobName", spec.Name, "trigger", TriggerKey(spec.Name), "cron", spec.Cron, "target", spec.Target)
	item.Result = ResultScheduled
	return item
}

// sweep unschedules and forgets cached jobs whose spec no longer exists.
func (r *Reconciler) sweep(seen mapset.Set[string]) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for name := range r.cache {
		if seen.Contains(name) {
			continue
		}
		if r.scheduler.Unschedule(JobKey(name)) {
			r.logger.Info("job spec deleted, unscheduled", "jobName", name)
		}
		delete(r.cache, name)
		removed = append(removed, name)
	}
	sort.Strings(removed)
	return removed
}

func (r *Reconciler) scheduledCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for name := range r.cache {
		if r.scheduler.Exists(JobKey(name)) {
			n++
		}
	}
	return n
}

// Snapshot returns the cached job view sorted by name, plus the time of the
// last completed tick.
func (r *Reconciler) Snapshot() ([]JobStatus, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]JobStatus, 0, len(r.cache))
	for _, spec := range r.cache {
		out = append(out, JobStatus{
			Name:        spec.Name,
			Description: spec.Description,
			Enabled:     spec.Enabled,
			Address:     spec.Address,
			Owned:       spec.Address == r.address,
			Cron:        spec.Cron,
			Target:      spec.Target,
			Trigger:     TriggerKey(spec.Name),
			Fingerprint: spec.Fingerprint,
			Scheduled:   r.scheduler.Exists(JobKey(spec.Name)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, r.lastTick
}
