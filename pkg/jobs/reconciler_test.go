package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kubeflow/datasync/pkg/cron"
	"github.com/kubeflow/datasync/pkg/metrics"
)

const selfAddr = "10.0.0.1"

// recordingScheduler is an in-memory Scheduler that counts mutations.
type recordingScheduler struct {
	mu          sync.Mutex
	keys        map[string]string
	schedules   int
	unschedules int
	scheduleErr error
}

func newRecordingScheduler() *recordingScheduler {
	return &recordingScheduler{keys: make(map[string]string)}
}

func (s *recordingScheduler) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

func (s *recordingScheduler) Schedule(key, expr string, _ cron.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduleErr != nil {
		return s.scheduleErr
	}
	s.schedules++
	s.keys[key] = expr
	return nil
}

func (s *recordingScheduler) Unschedule(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; !ok {
		return false
	}
	s.unschedules++
	delete(s.keys, key)
	return true
}

func (s *recordingScheduler) Validate(expr string) error { return cron.Validate(expr) }

func (s *recordingScheduler) mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedules + s.unschedules
}

func (s *recordingScheduler) cronFor(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[key]
}

// flakySource fails List while err is set.
type flakySource struct {
	SpecSource
	err error
}

func (f *flakySource) List(ctx context.Context) ([]JobSpec, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.SpecSource.List(ctx)
}

func testTargets() *Targets {
	targets := NewTargets()
	targets.Register("sync", func(string) (Task, error) {
		return func(context.Context) error { return nil }, nil
	})
	targets.Register("backfill", func(string) (Task, error) {
		return func(context.Context) error { return nil }, nil
	})
	return targets
}

type fixture struct {
	store *JobSpecStore
	sched *recordingScheduler
	rec   *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewJobSpecStore(setupTestDB(t))
	sched := newRecordingScheduler()
	rec := NewReconciler(store, sched, testTargets(), selfAddr, nil, nil, nil)
	return &fixture{store: store, sched: sched, rec: rec}
}

func (f *fixture) put(t *testing.T, spec JobSpec) {
	t.Helper()
	require.NoError(t, f.store.Upsert(context.Background(), &spec))
}

func TestTickSchedulesOwnedEnabledSpecs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.put(t, baseSpec())
	other := baseSpec()
	other.Name = "elsewhere"
	other.Address = "10.0.0.9"
	f.put(t, other)
	off := baseSpec()
	off.Name = "off"
	off.Enabled = false
	f.put(t, off)

	summary := f.rec.Tick(ctx)
	require.NoError(t, summary.Err)
	assert.Equal(t, 1, summary.Count(ResultScheduled))
	assert.Equal(t, 2, summary.Count(ResultSkipped))
	assert.True(t, f.sched.Exists("ordersJob"))
	assert.False(t, f.sched.Exists("elsewhereJob"))
	assert.False(t, f.sched.Exists("offJob"))

	// Fingerprints are written back for every spec.
	stored, err := f.store.Get(ctx, "orders")
	require.NoError(t, err)
	spec := baseSpec()
	assert.Equal(t, Fingerprint(&spec), stored.Fingerprint)
}

func TestRepeatedTickMakesNoMutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, baseSpec())

	f.rec.Tick(ctx)
	before := f.sched.mutations()

	summary := f.rec.Tick(ctx)
	require.NoError(t, summary.Err)
	assert.Equal(t, before, f.sched.mutations())
	assert.Equal(t, 1, summary.Count(ResultUnchanged))
	assert.Empty(t, summary.Removed)
}

func TestCronChangeReschedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, baseSpec())
	f.rec.Tick(ctx)

	changed := baseSpec()
	changed.Cron = "@every 10m"
	f.put(t, changed)

	summary := f.rec.Tick(ctx)
	assert.Equal(t, 1, summary.Count(ResultScheduled))
	assert.Equal(t, "@every 10m", f.sched.cronFor("ordersJob"))
	assert.Equal(t, 1, f.sched.unschedules)
	assert.Equal(t, 2, f.sched.schedules)
}

func TestDisableUnschedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, baseSpec())
	f.rec.Tick(ctx)
	require.True(t, f.sched.Exists("ordersJob"))

	off := baseSpec()
	off.Enabled = false
	f.put(t, off)

	summary := f.rec.Tick(ctx)
	assert.Equal(t, 1, summary.Count(ResultUnscheduled))
	assert.False(t, f.sched.Exists("ordersJob"))

	// Re-enabling schedules it again.
	f.put(t, baseSpec())
	summary = f.rec.Tick(ctx)
	assert.Equal(t, 1, summary.Count(ResultScheduled))
	assert.True(t, f.sched.Exists("ordersJob"))
}

func TestReassignToOtherNodeUnschedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, baseSpec())
	f.rec.Tick(ctx)

	moved := baseSpec()
	moved.Address = "10.0.0.2"
	f.put(t, moved)

	summary := f.rec.Tick(ctx)
	assert.Equal(t, 1, summary.Count(ResultUnscheduled))
	assert.False(t, f.sched.Exists("ordersJob"))
}

func TestDeletedSpecIsSwept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, baseSpec())
	f.rec.Tick(ctx)

	_, err := f.store.Delete(ctx, "orders")
	require.NoError(t, err)

	summary := f.rec.Tick(ctx)
	assert.Equal(t, []string{"orders"}, summary.Removed)
	assert.False(t, f.sched.Exists("ordersJob"))

	jobs, _ := f.rec.Snapshot()
	assert.Empty(t, jobs)
}

func TestInvalidCronIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := baseSpec()
	bad.Cron = "every few minutes"
	f.put(t, bad)
	good := baseSpec()
	good.Name = "refunds"
	f.put(t, good)

	summary := f.rec.Tick(ctx)
	require.NoError(t, summary.Err)
	assert.Equal(t, 1, summary.Count(ResultInvalid))
	assert.Equal(t, 1, summary.Count(ResultScheduled))
	assert.False(t, f.sched.Exists("ordersJob"))
	assert.True(t, f.sched.Exists("refundsJob"))

	for _, it := range summary.Items {
		if it.Name == "orders" {
			assert.ErrorIs(t, it.Err, ErrInvalidCron)
		}
	}

	// Fixing the expression schedules it.
	f.put(t, baseSpec())
	summary = f.rec.Tick(ctx)
	assert.Equal(t, 1, summary.Count(ResultScheduled))
	assert.True(t, f.sched.Exists("ordersJob"))
}

func TestUnknownTargetIsSkipped(t *testing.T) {
	f := newFixture(t)
	spec := baseSpec()
	spec.Target = "export:7"
	f.put(t, spec)

	summary := f.rec.Tick(context.Background())
	require.Len(t, summary.Items, 1)
	assert.Equal(t, ResultInvalid, summary.Items[0].Result)
	assert.ErrorIs(t, summary.Items[0].Err, ErrUnknownTarget)
	assert.False(t, f.sched.Exists("ordersJob"))
}

func TestScheduleErrorIsRetriedNextTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, baseSpec())

	f.sched.scheduleErr = errors.New("scheduler unavailable")
	summary := f.rec.Tick(ctx)
	assert.Equal(t, 1, summary.Count(ResultError))

	f.sched.scheduleErr = nil
	summary = f.rec.Tick(ctx)
	assert.Equal(t, 1, summary.Count(ResultScheduled))
	assert.True(t, f.sched.Exists("ordersJob"))
}

func TestLoadFailureLeavesStateUntouched(t *testing.T) {
	store := NewJobSpecStore(setupTestDB(t))
	source := &flakySource{SpecSource: store}
	sched := newRecordingScheduler()
	rec := NewReconciler(source, sched, testTargets(), selfAddr, nil, nil, nil)
	ctx := context.Background()

	spec := baseSpec()
	require.NoError(t, store.Upsert(ctx, &spec))
	rec.Tick(ctx)
	before := sched.mutations()
	jobsBefore, _ := rec.Snapshot()

	// Deleting the spec while the store is unreachable must not sweep it.
	_, err := store.Delete(ctx, "orders")
	require.NoError(t, err)
	source.err = errors.New("connection refused")

	summary := rec.Tick(ctx)
	require.Error(t, summary.Err)
	assert.Empty(t, summary.Items)
	assert.Equal(t, before, sched.mutations())
	assert.True(t, sched.Exists("ordersJob"))
	jobsAfter, _ := rec.Snapshot()
	assert.Equal(t, jobsBefore, jobsAfter)
}

func TestStoreQueryErrorAbortsTick(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT \\* FROM `job_specs`").WillReturnError(errors.New("connection reset by peer"))

	sched := newRecordingScheduler()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rec := NewReconciler(NewJobSpecStore(db), sched, testTargets(), selfAddr, nil, m, nil)

	summary := rec.Tick(context.Background())
	require.Error(t, summary.Err)
	assert.Contains(t, summary.Err.Error(), "list job specs")
	assert.Zero(t, sched.mutations())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileTicks.WithLabelValues("error")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	f := newFixture(t)

	f.rec.tickMu.Lock()
	summary := f.rec.Tick(context.Background())
	f.rec.tickMu.Unlock()

	assert.True(t, summary.Skipped)
	assert.Empty(t, summary.Items)
}

func TestSnapshotReportsOwnership(t *testing.T) {
	f := newFixture(t)
	f.put(t, baseSpec())
	other := baseSpec()
	other.Name = "elsewhere"
	other.Address = "10.0.0.9"
	f.put(t, other)

	f.rec.Tick(context.Background())
	jobs, last := f.rec.Snapshot()
	require.Len(t, jobs, 2)
	assert.False(t, last.IsZero())

	assert.Equal(t, "elsewhere", jobs[0].Name)
	assert.False(t, jobs[0].Owned)
	assert.False(t, jobs[0].Scheduled)
	assert.Equal(t, "orders", jobs[1].Name)
	assert.True(t, jobs[1].Owned)
	assert.True(t, jobs[1].Scheduled)
	assert.Equal(t, "ordersTrigger", jobs[1].Trigger)
}

func TestReconcilerWithRealScheduler(t *testing.T) {
	store := NewJobSpecStore(setupTestDB(t))
	sched := cron.NewScheduler(nil)
	rec := NewReconciler(store, sched, testTargets(), selfAddr, nil, nil, nil)
	ctx := context.Background()

	spec := baseSpec()
	require.NoError(t, store.Upsert(ctx, &spec))

	rec.Tick(ctx)
	assert.Equal(t, []string{"ordersJob"}, sched.Keys())

	_, err := store.Delete(ctx, "orders")
	require.NoError(t, err)
	rec.Tick(ctx)
	assert.Empty(t, sched.Keys())
}
