package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/phoenixd/pkg/cron"
	"github.com/marmos91/phoenixd/pkg/metrics"
)

// cronMetrics is the Prometheus implementation of cron.Metrics.
type cronMetrics struct {
	tenantDuration *prometheus.HistogramVec
	jobs           *prometheus.CounterVec
	wakeups        *prometheus.CounterVec
}

// NewCronMetrics returns nil if metrics are not enabled.
func NewCronMetrics() cron.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &cronMetrics{
		tenantDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metrics.Namespace,
				Subsystem: "cron",
				Name:      "tenant_duration_seconds",
				Help:      "Time spent processing the due jobs of one tenant",
				Buckets:   []float64{0.001, 0.01, 0.1, 1, 10, 60, 300, 1800},
			},
			[]string{"outcome"}, // ok, locked, error
		),
		jobs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "cron",
				Name:      "jobs_total",
				Help:      "Cron jobs run by outcome",
			},
			[]string{"outcome"}, // ok, error, no_handler
		),
		wakeups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "cron",
				Name:      "wakeups_total",
				Help:      "Worker wake-ups by cause (notified or poll timeout)",
			},
			[]string{"notified"},
		),
	}
}

func (m *cronMetrics) ObserveTenant(outcome string, d time.Duration) {
	m.tenantDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *cronMetrics) RecordJob(outcome string) {
	m.jobs.WithLabelValues(outcome).Inc()
}

func (m *cronMetrics) RecordWake(notified bool) {
	m.wakeups.WithLabelValues(strconv.FormatBool(notified)).Inc()
}
