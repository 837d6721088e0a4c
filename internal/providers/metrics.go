package providers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the provider pool
type Metrics struct {
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	inits          *prometheus.CounterVec
	degraded       *prometheus.CounterVec
}

// NewMetrics registers the pool collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copythat",
			Subsystem: "provider",
			Name:      "cache_hits_total",
			Help:      "Estimate cache hits by provider kind.",
		}, []string{"kind"}),
		cacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copythat",
			Subsystem: "provider",
			Name:      "cache_misses_total",
			Help:      "Estimate cache misses by provider kind.",
		}, []string{"kind"}),
		cacheEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copythat",
			Subsystem: "provider",
			Name:      "cache_evictions_total",
			Help:      "LRU evictions by provider kind.",
		}, []string{"kind"}),
		inits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copythat",
			Subsystem: "provider",
			Name:      "initializations_total",
			Help:      "Provider initializations by kind.",
		}, []string{"kind"}),
		degraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "copythat",
			Subsystem: "provider",
			Name:      "degraded_results_total",
			Help:      "Estimates served heuristic-only because the backend was unavailable.",
		}, []string{"kind"}),
	}
}
