package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/phoenixd/pkg/metrics"
	"github.com/marmos91/phoenixd/pkg/registry"
)

// registryMetrics is the Prometheus implementation of registry.Metrics.
type registryMetrics struct {
	lookups      *prometheus.CounterVec
	loadDuration *prometheus.HistogramVec
	evictions    prometheus.Counter
	entries      prometheus.Gauge
}

// NewRegistryMetrics returns nil if metrics are not enabled.
func NewRegistryMetrics() registry.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &registryMetrics{
		lookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "registry",
				Name:      "lookups_total",
				Help:      "Registry cache lookups by result (hit, miss)",
			},
			[]string{"result"},
		),
		loadDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metrics.Namespace,
				Subsystem: "registry",
				Name:      "load_duration_seconds",
				Help:      "Time to load a tenant registry",
				Buckets:   prometheus.ExponentialBuckets(0.005, 4, 7), // 5ms .. ~20s
			},
			[]string{"status"},
		),
		evictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Registries evicted to make room for another tenant",
		}),
		entries: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "registry",
			Name:      "entries",
			Help:      "Registries currently cached",
		}),
	}
}

func (m *registryMetrics) RecordLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.WithLabelValues(result).Inc()
}

func (m *registryMetrics) RecordLoad(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.loadDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *registryMetrics) RecordEviction() {
	m.evictions.Inc()
}

func (m *registryMetrics) SetEntries(n int) {
	m.entries.Set(float64(n))
}
