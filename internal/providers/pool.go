// Package providers implements the preprocessing provider pool.
//
// A Pool is constructed once at startup and handed to the batch orchestrator.
// It lazily builds one Provider per Kind on first request; concurrent first
// requests block on a single initialization. Each provider keeps a bounded
// LRU of estimates keyed by image content hash and can deliver a two-step
// progressive estimate (heuristic first, refined second).
package providers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/joshband/copy-that/internal/types"
)

// PoolConfig configures provider construction
type PoolConfig struct {
	CacheSize     int           `json:"cache_size" yaml:"cache_size"`
	GridSize      int           `json:"grid_size" yaml:"grid_size"`
	RefineTimeout time.Duration `json:"refine_timeout" yaml:"refine_timeout"`
}

// DefaultPoolConfig returns the default provider pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		CacheSize:     64,
		GridSize:      8,
		RefineTimeout: 10 * time.Second,
	}
}

// PoolOption customizes a Pool
type PoolOption func(*Pool)

// WithBackend installs a ready backend for kind
func WithBackend(kind Kind, backend Backend) PoolOption {
	return func(p *Pool) {
		p.loaders[kind] = func(context.Context, Kind) (Backend, error) { return backend, nil }
	}
}

// WithBackendLoader installs a loader run once, on first request for kind
func WithBackendLoader(kind Kind, loader BackendLoader) PoolOption {
	return func(p *Pool) {
		p.loaders[kind] = loader
	}
}

// WithMetrics sets the Prometheus collectors
func WithMetrics(m *Metrics) PoolOption {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithLogger sets the pool logger
func WithLogger(l *types.StandardLogger) PoolOption {
	return func(p *Pool) {
		p.logger = l
	}
}

// Pool owns the process-wide provider instances
type Pool struct {
	cfg     PoolConfig
	loaders map[Kind]BackendLoader
	metrics *Metrics
	logger  *types.StandardLogger

	mu         sync.RWMutex
	providers  map[Kind]*Provider
	generation uint64
	flight     singleflight.Group

	inits atomic.Int64
}

// NewPool creates an empty pool. No provider is built until first requested.
func NewPool(cfg PoolConfig, opts ...PoolOption) *Pool {
	def := DefaultPoolConfig()
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.GridSize <= 0 {
		cfg.GridSize = def.GridSize
	}

	p := &Pool{
		cfg:       cfg,
		loaders:   make(map[Kind]BackendLoader),
		providers: make(map[Kind]*Provider),
		logger:    types.NewStandardLogger("provider_pool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	return p
}

// Provider returns the provider for kind, building it on first use.
// Concurrent first requests share one initialization and all block until it
// completes.
func (p *Pool) Provider(ctx context.Context, kind Kind) (*Provider, error) {
	if !kind.valid() {
		return nil, types.NewValidationError("kind", kind, "oneof", fmt.Sprintf("unknown provider kind %q", kind))
	}

	p.mu.RLock()
	pr, ok := p.providers[kind]
	p.mu.RUnlock()
	if ok {
		return pr, nil
	}

	v, err, _ := p.flight.Do(string(kind), func() (any, error) {
		p.mu.RLock()
		existing, ok := p.providers[kind]
		gen := p.generation
		p.mu.RUnlock()
		if ok {
			return existing, nil
		}

		pr, err := p.build(ctx, kind)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.generation == gen {
			p.providers[kind] = pr
		}
		return pr, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Provider), nil
}

func (p *Pool) build(ctx context.Context, kind Kind) (*Provider, error) {
	start := time.Now()
	cache, err := newResultCache(kind, p.cfg.CacheSize, p.metrics)
	if err != nil {
		return nil, types.WrapError(err, "create %s cache", kind)
	}

	pr := &Provider{
		kind:          kind,
		grid:          p.cfg.GridSize,
		refineTimeout: p.cfg.RefineTimeout,
		cache:         cache,
		metrics:       p.metrics,
		logger:        p.logger,
	}

	loader, ok := p.loaders[kind]
	switch {
	case !ok:
		pr.unavailable = unavailableNote(kind, "no backend configured")
	default:
		backend, err := loader(ctx, kind)
		if err != nil || backend == nil {
			reason := "loader returned no backend"
			if err != nil {
				reason = err.Error()
			}
			pr.unavailable = unavailableNote(kind, reason)
			p.logger.WithOperation("provider_init").
				WithMetadata("kind", string(kind)).
				Warn(ctx, "Backend unavailable, provider will run heuristic-only")
		} else {
			pr.backend = backend
		}
	}

	p.inits.Add(1)
	p.metrics.inits.WithLabelValues(string(kind)).Inc()
	p.logger.LogSystemEvent(ctx, "provider_initialized", map[string]any{
		"kind":        string(kind),
		"has_backend": pr.backend != nil,
		"duration":    time.Since(start).String(),
	})
	return pr, nil
}

// Reset tears down every provider and its cache. The next request rebuilds.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for kind, pr := range p.providers {
		pr.cache.purge()
		p.flight.Forget(string(kind))
	}
	p.providers = make(map[Kind]*Provider)
	p.generation++
	p.inits.Store(0)
}

// Initializations returns how many providers were built since the last Reset
func (p *Pool) Initializations() int64 {
	return p.inits.Load()
}

// Stats returns per-kind cache statistics for initialized providers
func (p *Pool) Stats() map[Kind]CacheStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[Kind]CacheStats, len(p.providers))
	for kind, pr := range p.providers {
		out[kind] = pr.cache.stats()
	}
	return out
}
