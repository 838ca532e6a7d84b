package datasync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kubeflow/datasync/pkg/metrics"
)

// tracerName is the instrumentation scope name for sync tracing.
const tracerName = "github.com/kubeflow/datasync"

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTracer sets the tracer used for run and window spans. The default is
// the global provider's tracer.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithMetrics sets the collectors the engine records into.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSourceFactory replaces the registry lookup used to build sources.
func WithSourceFactory(f Factory) EngineOption {
	return func(e *Engine) { e.newSource = f }
}

// Engine fills pending windows of a spec from its Source. At most one run
// per spec is active at a time, whoever triggers it.
type Engine struct {
	specs     *SpecStore
	windows   *WindowStore
	docs      *DocumentStore
	cfg       EngineConfig
	newSource Factory
	tracer    trace.Tracer
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	running map[uint]struct{}
}

// NewEngine creates a sync engine.
func NewEngine(specs *SpecStore, windows *WindowStore, docs *DocumentStore, cfg *EngineConfig, opts ...EngineOption) *Engine {
	if cfg == nil {
		cfg = DefaultEngineConfig()
	}
	e := &Engine{
		specs:     specs,
		windows:   windows,
		docs:      docs,
		cfg:       *cfg,
		newSource: NewSource,
		tracer:    otel.Tracer(tracerName),
		logger:    slog.Default(),
		running:   make(map[uint]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.SaveConcurrency <= 0 {
		e.cfg.SaveConcurrency = 1
	}
	return e
}

// Running reports whether a run of specID is in progress.
func (e *Engine) Running(specID uint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[specID]
	return ok
}

func (e *Engine) acquire(specID uint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[specID]; ok {
		return false
	}
	e.running[specID] = struct{}{}
	return true
}

func (e *Engine) release(specID uint) {
	e.mu.Lock()
	delete(e.running, specID)
	e.mu.Unlock()
}

// Run synchronizes the pending windows of one spec. The spec is re-read on
// every call; a missing, disabled, or unfired spec is a silent no-op, and so
// is a call made while another run of the same spec is in progress.
// Window failures leave the window pending and are returned joined after
// the remaining windows have been attempted.
func (e *Engine) Run(ctx context.Context, specID uint) error {
	if !e.acquire(specID) {
		e.logger.Warn("sync run already in progress, skipping", "specId", specID)
		return nil
	}
	defer e.release(specID)

	runID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "datasync.run",
		trace.WithAttributes(
			attribute.Int64("datasync.spec.id", int64(specID)),
			attribute.String("datasync.run.id", runID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	err := e.run(ctx, specID, e.logger.With("specId", specID, "runId", runID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

func (e *Engine) run(ctx context.Context, specID uint, log *slog.Logger) error {
	spec, err := e.specs.Get(ctx, specID)
	if err != nil {
		return err
	}
	if spec == nil {
		log.Warn("sync spec not found, run stopped")
		return nil
	}
	if !spec.Enabled || !spec.Fired {
		log.Debug("sync spec not active, run skipped", "enabled", spec.Enabled, "fired", spec.Fired)
		return nil
	}

	src, err := e.newSource(spec)
	if err != nil {
		log.Error("cannot build source", "sourceType", spec.SourceType, "error", err)
		return err
	}

	pending, err := e.windows.ListPending(ctx, spec.ID, e.cfg.BatchLimit)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		log.Debug("no pending windows")
		return nil
	}

	params := parametersOf(src)
	if spec.Compositional {
		return e.composed(ctx, spec, src, params, pending, log)
	}
	return e.single(ctx, spec, src, params, pending, log)
}

// single processes each pending window on its own, once per parameter. A
// window is completed only when every parameter pass over it succeeded.
func (e *Engine) single(ctx context.Context, spec *SyncSpec, src Source, params []any, pending []Window, log *slog.Logger) error {
	acc := make([]WindowMetrics, len(pending))
	failed := make([]error, len(pending))
	passes := make([]int, len(pending))

	var errs []error
loop:
	for _, param := range params {
		for i, w := range pending {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break loop
			}
			m, err := e.processWindow(ctx, spec, src, param, w, log)
			acc[i] = acc[i].Add(m)
			passes[i]++
			if err != nil && failed[i] == nil {
				failed[i] = err
			}
		}
	}

	// Bookkeeping writes must land even if the run is being cancelled.
	bg := context.WithoutCancel(ctx)
	for i, w := range pending {
		if passes[i] == 0 {
			continue
		}
		completed := failed[i] == nil && passes[i] == len(params)
		if err := e.windows.Record(bg, w.ID, acc[i], completed); err != nil {
			log.Error("failed to record window", "windowId", w.ID, "error", err)
			errs = append(errs, err)
		}
		e.metrics.WindowDone(spec.ID, completed, acc[i].Records, acc[i].Pull, acc[i].Save, acc[i].Total)
		if failed[i] != nil {
			log.Error("window sync failed", "windowId", w.ID,
				"start", w.StartTime.Format(time.DateTime), "error", failed[i])
			errs = append(errs, fmt.Errorf("window %d: %w", w.ID, failed[i]))
		}
	}
	return errors.Join(errs...)
}

// composed processes [min start, max end) of the pending windows as one
// range per parameter and completes them together. The merged run's metrics
// are recorded on the earliest member window so they are counted once.
func (e *Engine) composed(ctx context.Context, spec *SyncSpec, src Source, params []any, pending []Window, log *slog.Logger) error {
	merged := Window{SpecID: spec.ID, StartTime: pending[0].StartTime, EndTime: pending[0].EndTime}
	anchor := pending[0].ID
	ids := make([]uint, len(pending))
	for i, w := range pending {
		ids[i] = w.ID
		if w.StartTime.Before(merged.StartTime) {
			merged.StartTime = w.StartTime
			anchor = w.ID
		}
		if w.EndTime.After(merged.EndTime) {
			merged.EndTime = w.EndTime
		}
	}

	var (
		errs   []error
		acc    WindowMetrics
		passes int
	)
	for _, param := range params {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		m, err := e.processWindow(ctx, spec, src, param, merged, log)
		acc = acc.Add(m)
		passes++
		e.metrics.WindowDone(spec.ID, err == nil, m.Records, m.Pull, m.Save, m.Total)
		if err != nil {
			log.Error("composed window sync failed", "windows", len(ids),
				"start", merged.StartTime.Format(time.DateTime), "end", merged.EndTime.Format(time.DateTime), "error", err)
			errs = append(errs, fmt.Errorf("composed window of %d: %w", len(ids), err))
		}
	}
	if passes == 0 {
		return errors.Join(errs...)
	}
	completed := len(errs) == 0
	if err := e.windows.RecordComposed(context.WithoutCancel(ctx), anchor, ids, acc, completed); err != nil {
		log.Error("failed to record composed windows", "windows", len(ids), "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// processWindow pulls every page of every tenant for w and saves the
// documents. It returns the metrics gathered so far even on failure.
func (e *Engine) processWindow(ctx context.Context, spec *SyncSpec, src Source, param any, w Window, log *slog.Logger) (WindowMetrics, error) {
	ctx, span := e.tracer.Start(ctx, "datasync.window",
		trace.WithAttributes(
			attribute.Int64("datasync.window.id", int64(w.ID)),
			attribute.String("datasync.window.start", w.StartTime.Format(time.RFC3339)),
			attribute.String("datasync.window.end", w.EndTime.Format(time.RFC3339)),
		),
	)
	defer span.End()

	start := time.Now()
	var m WindowMetrics
	err := e.pullAndSave(ctx, spec, src, param, w, &m, log)
	m.Total = time.Since(start)

	span.SetAttributes(attribute.Int64("datasync.window.records", m.Records))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if log.Enabled(ctx, slog.LevelDebug) {
		spent := Window{TotalMillis: m.Total.Milliseconds()}
		log.Debug("window synchronized",
			"windowId", w.ID,
			"start", w.StartTime.Format(time.DateTime),
			"end", w.EndTime.Format(time.DateTime),
			"records", m.Records,
			"spendTime", spent.SpendTime(),
			"completed", err == nil)
	}
	return m, err
}

func (e *Engine) pullAndSave(ctx context.Context, spec *SyncSpec, src Source, param any, w Window, m *WindowMetrics, log *slog.Logger) error {
	pageSize := pageSizeOf(src)
	startPage := startPageOf(src, spec)

	for _, tenant := range spec.TenantCodeList() {
		req := Request{TenantCode: tenant, Window: w, Parameter: param}

		t := time.Now()
		count, err := src.Count(ctx, req)
		m.Pull += time.Since(t)
		if err != nil {
			return fmt.Errorf("count tenant %s: %w", tenant, err)
		}

		pages := 0
		if count > 0 {
			pages = int((count + int64(pageSize) - 1) / int64(pageSize))
		}
		for i := 0; i < pages; i++ {
			page := startPage + i
			t = time.Now()
			docs, err := src.Fetch(ctx, req, page)
			m.Pull += time.Since(t)
			if err != nil {
				return fmt.Errorf("fetch tenant %s page %d: %w", tenant, page, err)
			}
			m.Records += int64(len(docs))

			spent, err := e.saveAll(ctx, spec, tenant, docs, log)
			m.Save += spent
			if err != nil {
				return fmt.Errorf("save tenant %s page %d: %w", tenant, page, err)
			}
		}
	}
	return nil
}

// saveAll stamps and saves one page of documents concurrently. Invalid
// documents are logged and skipped; store failures are returned so the
// window stays pending.
func (e *Engine) saveAll(ctx context.Context, spec *SyncSpec, tenant string, docs []Document, log *slog.Logger) (time.Duration, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	var spent atomic.Int64
	p := pool.New().WithErrors().WithMaxGoroutines(e.cfg.SaveConcurrency)
	for i := range docs {
		doc := &docs[i]
		doc.SpecID = spec.ID
		doc.TenantCode = tenant
		doc.TenantName = spec.TenantName
		p.Go(func() error {
			t := time.Now()
			outcome, err := e.docs.Save(ctx, doc)
			spent.Add(int64(time.Since(t)))
			if err != nil {
				e.metrics.Document("error")
				log.Warn("document save failed", "tenantCode", tenant, "sn", doc.SN, "error", err)
				if errors.Is(err, ErrInvalidDocument) {
					return nil
				}
				return err
			}
			e.metrics.Document(string(outcome))
			return nil
		})
	}
	err := p.Wait()
	return time.Duration(spent.Load()), err
}
