package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/phoenixd/pkg/admission"
	"github.com/marmos91/phoenixd/pkg/metrics"
)

// admissionMetrics is the Prometheus implementation of admission.Metrics.
type admissionMetrics struct {
	acquires    *prometheus.CounterVec
	waitSeconds prometheus.Histogram
	inFlight    prometheus.Gauge
}

// NewAdmissionMetrics returns nil if metrics are not enabled.
func NewAdmissionMetrics() admission.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &admissionMetrics{
		acquires: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "admission",
				Name:      "acquires_total",
				Help:      "Admission attempts by result (admitted, rejected)",
			},
			[]string{"result"},
		),
		waitSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "admission",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for an admission slot",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		inFlight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "admission",
			Name:      "in_flight",
			Help:      "Request workers currently admitted",
		}),
	}
}

func (m *admissionMetrics) ObserveAcquire(admitted bool, wait time.Duration) {
	result := "rejected"
	if admitted {
		result = "admitted"
	}
	m.acquires.WithLabelValues(result).Inc()
	m.waitSeconds.Observe(wait.Seconds())
}

func (m *admissionMetrics) SetInFlight(n int) {
	m.inFlight.Set(float64(n))
}
