package analyzers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for batch orchestration
type Metrics struct {
	units        *prometheus.CounterVec
	active       prometheus.Gauge
	duration     *prometheus.HistogramVec
	observations *prometheus.CounterVec
}

// NewMetrics registers the orchestrator collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		units: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copythat",
			Subsystem: "orchestrator",
			Name:      "units_total",
			Help:      "Work units by final status.",
		}, []string{"status"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "copythat",
			Subsystem: "orchestrator",
			Name:      "active_units",
			Help:      "Work units currently running.",
		}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "copythat",
			Subsystem: "orchestrator",
			Name:      "unit_duration_seconds",
			Help:      "Work unit latency by extractor.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"extractor"}),
		observations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copythat",
			Subsystem: "orchestrator",
			Name:      "observations_total",
			Help:      "Observations emitted by category.",
		}, []string{"category"}),
	}
}
