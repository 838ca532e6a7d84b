// Package cron wraps robfig/cron with keyed, single-flight task scheduling.
// Tasks can be added and removed while the scheduler is running; a task whose
// previous run has not finished skips its next fire instead of overlapping.
// The run lock belongs to the key, so removing and re-adding a key while a
// fire is in flight still cannot overlap it.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is the unit of work run on every fire.
type Task func(ctx context.Context) error

// ErrAlreadyScheduled is returned by Schedule when the key is taken.
var ErrAlreadyScheduled = errors.New("cron: key already scheduled")

// parser accepts classic five-field expressions, an optional leading seconds
// field, descriptors such as "@every 30s", and "?" in day fields.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether expr can be scheduled.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("cron: invalid expression %q: %w", expr, err)
	}
	return nil
}

type entry struct {
	id   cron.EntryID
	expr string
	task Task
	lock *sync.Mutex
}

// Entry describes a scheduled key.
type Entry struct {
	Key  string    `json:"key"`
	Expr string    `json:"cron"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

// Scheduler runs keyed tasks on cron expressions.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]*entry
	locks   map[string]*sync.Mutex // per key, survives Unschedule
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	errLog := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(errLog),
			cron.WithChain(cron.Recover(errLog)),
		),
		entries: make(map[string]*entry),
		locks:   make(map[string]*sync.Mutex),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Validate reports whether expr can be scheduled by this scheduler.
func (s *Scheduler) Validate(expr string) error {
	return Validate(expr)
}

// Schedule registers task under key. Returns ErrAlreadyScheduled if the key
// is in use and a wrapped parse error if expr is invalid.
func (s *Scheduler) Schedule(key, expr string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyScheduled, key)
	}
	if err := Validate(expr); err != nil {
		return err
	}

	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	e := &entry{expr: expr, task: task, lock: lock}
	id, err := s.cron.AddFunc(expr, func() { s.run(key, e) })
	if err != nil {
		return fmt.Errorf("cron: schedule %q: %w", key, err)
	}
	e.id = id
	s.entries[key] = e
	return nil
}

// Unschedule removes key. It does not wait for a running fire to finish; a
// later Schedule of the same key shares that fire's run lock.
// Reports whether the key was scheduled.
func (s *Scheduler) Unschedule(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.entries, key)
	return true
}

// Exists reports whether key is scheduled.
func (s *Scheduler) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Keys returns the scheduled keys in sorted order.
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns the scheduled keys with their next and previous fire times.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for k, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, Entry{Key: k, Expr: e.expr, Next: ce.Next, Prev: ce.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Start begins firing scheduled tasks. Tasks may be added before or after.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("cron: scheduler started", "jobs", len(s.Keys()))
}

// Stop cancels the task context and waits for in-flight fires, or until ctx
// expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.logger.Info("cron: scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cron: stop: %w", ctx.Err())
	}
}

// RunNow fires key once outside the cron clock, in the calling goroutine,
// honouring the single-flight lock. Reports whether the key exists.
func (s *Scheduler) RunNow(key string) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.run(key, e)
	return true
}

func (s *Scheduler) run(key string, e *entry) {
	if !e.lock.TryLock() {
		s.logger.Warn("cron: job still running, skipping fire", "job", key)
		return
	}
	defer e.lock.Unlock()

	start := time.Now()
	s.logger.Debug("cron: job started", "job", key)
	if err := e.task(s.ctx); err != nil {
		s.logger.Error("cron: job failed", "job", key, "error", err, "duration", time.Since(start).String())
		return
	}
	s.logger.Debug("cron: job completed", "job", key, "duration", time.Since(start).String())
}
