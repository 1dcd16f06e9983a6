package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/phoenixd/pkg/metrics"
)

func withRegistry(t *testing.T) {
	t.Helper()
	metrics.InitRegistry()
	t.Cleanup(metrics.Reset)
}

func TestConstructorsReturnNilWhenDisabled(t *testing.T) {
	metrics.Reset()

	assert.Nil(t, NewPoolMetrics())
	assert.Nil(t, NewRegistryMetrics())
	assert.Nil(t, NewAdmissionMetrics())
	assert.Nil(t, NewCronMetrics())
	assert.Nil(t, NewSupervisorMetrics())
}

func TestPoolMetrics(t *testing.T) {
	withRegistry(t)
	m := NewPoolMetrics().(*poolMetrics)

	m.ObserveBorrow(false, "opened", 3*time.Millisecond)
	m.ObserveBorrow(false, "reused", time.Microsecond)
	m.ObserveBorrow(true, "exhausted", time.Second)
	m.RecordClose(false, "expired")
	m.SetConnections(false, 2, 5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.borrows.WithLabelValues("false", "opened")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.borrows.WithLabelValues("true", "exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.closes.WithLabelValues("false", "expired")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connections.WithLabelValues("false", "busy")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.connections.WithLabelValues("false", "idle")))
}

func TestRegistryMetrics(t *testing.T) {
	withRegistry(t)
	m := NewRegistryMetrics().(*registryMetrics)

	m.RecordLookup(true)
	m.RecordLookup(true)
	m.RecordLookup(false)
	m.RecordLoad(10*time.Millisecond, nil)
	m.RecordEviction()
	m.SetEntries(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.lookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.entries))
}

func TestAdmissionAndCronMetrics(t *testing.T) {
	withRegistry(t)
	a := NewAdmissionMetrics().(*admissionMetrics)
	c := NewCronMetrics().(*cronMetrics)

	a.ObserveAcquire(true, time.Millisecond)
	a.ObserveAcquire(false, 100*time.Millisecond)
	a.SetInFlight(4)
	c.RecordJob("ok")
	c.RecordJob("ok")
	c.RecordWake(true)
	c.ObserveTenant("locked", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.acquires.WithLabelValues("rejected")))
	assert.Equal(t, 4.0, testutil.ToFloat64(a.inFlight))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobs.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.wakeups.WithLabelValues("true")))
}

func TestSupervisorPhaseIsOneHot(t *testing.T) {
	withRegistry(t)
	m := NewSupervisorMetrics().(*supervisorMetrics)

	m.SetPhase("RUNNING")
	m.SetPhase("DRAINING")
	m.RecordEvent("terminate")
	m.RecordLimit("memory")
	m.SetMemory(1 << 20)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.phase.WithLabelValues("RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.phase.WithLabelValues("DRAINING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("terminate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.limits.WithLabelValues("memory")))
	assert.Equal(t, float64(1<<20), testutil.ToFloat64(m.memory))

	n, err := testutil.GatherAndCount(metrics.GetRegistry(), "phoenixd_supervisor_phase")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}
