// Package prometheus implements the component Metrics interfaces on top
// of the registry held by pkg/metrics.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/phoenixd/pkg/dbpool"
	"github.com/marmos91/phoenixd/pkg/metrics"
)

// poolMetrics is the Prometheus implementation of dbpool.Metrics.
type poolMetrics struct {
	borrows        *prometheus.CounterVec
	borrowDuration *prometheus.HistogramVec
	closes         *prometheus.CounterVec
	connections    *prometheus.GaugeVec
}

// NewPoolMetrics returns nil if metrics are not enabled.
func NewPoolMetrics() dbpool.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &poolMetrics{
		borrows: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "pool",
				Name:      "borrows_total",
				Help:      "Connection borrows by outcome (reused, opened, exhausted, error)",
			},
			[]string{"readonly", "outcome"},
		),
		borrowDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metrics.Namespace,
				Subsystem: "pool",
				Name:      "borrow_duration_milliseconds",
				Help:      "Time spent in Borrow, including dialing and waiting",
				Buckets: []float64{
					0.05, // idle reuse
					0.25,
					1,
					5, // local dial
					25,
					100,
					1000, // waiting for a release
					10000,
				},
			},
			[]string{"readonly"},
		),
		closes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "pool",
				Name:      "closes_total",
				Help:      "Physical connections closed by reason",
			},
			[]string{"readonly", "reason"},
		),
		connections: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metrics.Namespace,
				Subsystem: "pool",
				Name:      "connections",
				Help:      "Open connections by state (busy, idle)",
			},
			[]string{"readonly", "state"},
		),
	}
}

func (m *poolMetrics) ObserveBorrow(readOnly bool, outcome string, d time.Duration) {
	ro := strconv.FormatBool(readOnly)
	m.borrows.WithLabelValues(ro, outcome).Inc()
	m.borrowDuration.WithLabelValues(ro).Observe(d.Seconds() * 1000)
}

func (m *poolMetrics) RecordClose(readOnly bool, reason string) {
	m.closes.WithLabelValues(strconv.FormatBool(readOnly), reason).Inc()
}

func (m *poolMetrics) SetConnections(readOnly bool, busy, idle int) {
	ro := strconv.FormatBool(readOnly)
	m.connections.WithLabelValues(ro, "busy").Set(float64(busy))
	m.connections.WithLabelValues(ro, "idle").Set(float64(idle))
}
