// Package metrics holds the Prometheus collectors for the reconciler and the
// sync engine. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "datasync"

// Metrics groups every collector exported by the service.
type Metrics struct {
	ReconcileTicks   *prometheus.CounterVec
	ReconcileActions *prometheus.CounterVec
	ScheduledJobs    prometheus.Gauge

	WindowsPlanned   *prometheus.CounterVec
	WindowsFinished  *prometheus.CounterVec
	WindowRecords    *prometheus.CounterVec
	PhaseDuration    *prometheus.HistogramVec
	DocumentOutcomes *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReconcileTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "ticks_total",
			Help:      "Reconcile ticks by outcome (ok, error, skipped).",
		}, []string{"outcome"}),
		ReconcileActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "actions_total",
			Help:      "Per-job reconcile results.",
		}, []string{"result"}),
		ScheduledJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "scheduled_jobs",
			Help:      "Jobs currently scheduled on this node.",
		}),
		WindowsPlanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "planner",
			Name:      "windows_created_total",
			Help:      "Windows created by the backfill planner.",
		}, []string{"spec"}),
		WindowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "windows_processed_total",
			Help:      "Windows processed by the engine, by completion state.",
		}, []string{"spec", "completed"}),
		WindowRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "records_pulled_total",
			Help:      "Records pulled from sources.",
		}, []string{"spec"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "window_phase_seconds",
			Help:      "Per-window time spent pulling, saving, and in total.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"spec", "phase"}),
		DocumentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "documents_total",
			Help:      "Document saves by outcome (inserted, updated, unchanged, error).",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ReconcileTicks,
			m.ReconcileActions,
			m.ScheduledJobs,
			m.WindowsPlanned,
			m.WindowsFinished,
			m.WindowRecords,
			m.PhaseDuration,
			m.DocumentOutcomes,
		)
	}
	return m
}

// Tick counts one reconcile tick.
func (m *Metrics) Tick(outcome string) {
	if m == nil {
		return
	}
	m.ReconcileTicks.WithLabelValues(outcome).Inc()
}

// Action counts one per-job reconcile result.
func (m *Metrics) Action(result string) {
	if m == nil {
		return
	}
	m.ReconcileActions.WithLabelValues(result).Inc()
}

// SetScheduled records the number of jobs scheduled on this node.
func (m *Metrics) SetScheduled(n int) {
	if m == nil {
		return
	}
	m.ScheduledJobs.Set(float64(n))
}

// Planned counts windows created for a spec.
func (m *Metrics) Planned(specID uint, n int) {
	if m == nil || n == 0 {
		return
	}
	m.WindowsPlanned.WithLabelValues(specLabel(specID)).Add(float64(n))
}

// WindowDone records the outcome and phase timings of one processed window.
func (m *Metrics) WindowDone(specID uint, completed bool, records int64, pull, save, total time.Duration) {
	if m == nil {
		return
	}
	spec := specLabel(specID)
	m.WindowsFinished.WithLabelValues(spec, strconv.FormatBool(completed)).Inc()
	m.WindowRecords.WithLabelValues(spec).Add(float64(records))
	m.PhaseDuration.WithLabelValues(spec, "pull").Observe(pull.Seconds())
	m.PhaseDuration.WithLabelValues(spec, "save").Observe(save.Seconds())
	m.PhaseDuration.WithLabelValues(spec, "total").Observe(total.Seconds())
}

// Document counts one document save outcome.
func (m *Metrics) Document(outcome string) {
	if m == nil {
		return
	}
	m.DocumentOutcomes.WithLabelValues(outcome).Inc()
}

func specLabel(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
