package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Tick("ok")
	m.Action("scheduled")
	m.SetScheduled(3)
	m.Planned(1, 2)
	m.WindowDone(1, true, 10, time.Second, time.Second, time.Second)
	m.Document("inserted")
}

func TestRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Tick("ok")
	m.Tick("ok")
	m.Tick("skipped")
	m.Action("scheduled")
	m.SetScheduled(4)
	m.Planned(7, 3)
	m.Planned(7, 0)
	m.WindowDone(7, true, 250, 30*time.Millisecond, 20*time.Millisecond, 60*time.Millisecond)
	m.WindowDone(7, false, 100, time.Millisecond, time.Millisecond, 2*time.Millisecond)
	m.Document("inserted")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconcileTicks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileTicks.WithLabelValues("skipped")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ScheduledJobs))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.WindowsPlanned.WithLabelValues("7")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WindowsFinished.WithLabelValues("7", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WindowsFinished.WithLabelValues("7", "false")))
	assert.Equal(t, 350.0, testutil.ToFloat64(m.WindowRecords.WithLabelValues("7")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DocumentOutcomes.WithLabelValues("inserted")))

	n, err := testutil.GatherAndCount(reg, "datasync_engine_window_phase_seconds")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
