package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/phoenixd/pkg/metrics"
	"github.com/marmos91/phoenixd/pkg/supervisor"
)

var supervisorPhases = []string{
	supervisor.PhaseStarting.String(),
	supervisor.PhaseRunning.String(),
	supervisor.PhaseDraining.String(),
	supervisor.PhaseReloading.String(),
	supervisor.PhaseStopped.String(),
}

// supervisorMetrics is the Prometheus implementation of supervisor.Metrics.
type supervisorMetrics struct {
	mu     sync.Mutex
	phase  *prometheus.GaugeVec
	events *prometheus.CounterVec
	limits *prometheus.CounterVec
	memory prometheus.Gauge
}

// NewSupervisorMetrics returns nil if metrics are not enabled.
func NewSupervisorMetrics() supervisor.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &supervisorMetrics{
		phase: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metrics.Namespace,
				Subsystem: "supervisor",
				Name:      "phase",
				Help:      "Current lifecycle phase (1 for the active phase)",
			},
			[]string{"phase"},
		),
		events: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "supervisor",
				Name:      "events_total",
				Help:      "Lifecycle events received by type",
			},
			[]string{"event"},
		),
		limits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "supervisor",
				Name:      "limit_breaches_total",
				Help:      "Resource limit breaches by kind (memory, time_http, time_cron)",
			},
			[]string{"kind"},
		),
		memory: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "supervisor",
			Name:      "memory_bytes",
			Help:      "Process memory as seen by the limit check",
		}),
	}
}

func (m *supervisorMetrics) SetPhase(phase string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range supervisorPhases {
		v := 0.0
		if p == phase {
			v = 1
		}
		m.phase.WithLabelValues(p).Set(v)
	}
}

func (m *supervisorMetrics) RecordEvent(event string) {
	m.events.WithLabelValues(event).Inc()
}

func (m *supervisorMetrics) RecordLimit(kind string) {
	m.limits.WithLabelValues(kind).Inc()
}

func (m *supervisorMetrics) SetMemory(bytes uint64) {
	m.memory.Set(float64(bytes))
}
