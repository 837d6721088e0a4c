package providers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joshband/copy-that/internal/types"
)

// Provider offers cached, tiered scene analysis of one kind.
// It is safe for concurrent use.
type Provider struct {
	kind          Kind
	grid          int
	backend       Backend
	unavailable   string
	refineTimeout time.Duration
	cache         *resultCache
	metrics       *Metrics
	logger        *types.StandardLogger
}

// Kind returns the provider kind
func (p *Provider) Kind() Kind { return p.kind }

// HasBackend reports whether a refining backend was loaded
func (p *Provider) HasBackend() bool { return p.backend != nil }

// CacheStats returns the provider's cache statistics
func (p *Provider) CacheStats() CacheStats { return p.cache.stats() }

// Estimate returns the best available estimate for img. With useCache the
// result is served from and stored in the LRU keyed by content hash.
// The only error is a structurally invalid image.
func (p *Provider) Estimate(ctx context.Context, img *types.Image, useCache bool) (Result, error) {
	if err := img.Validate(); err != nil {
		return Result{}, types.WrapError(err, "%s estimate", p.kind)
	}
	key := ContentHash(img)

	compute := func() (Result, bool, error) {
		coarse := p.heuristic(img, key)
		r, cacheable := p.refine(ctx, img, coarse)
		return r, cacheable, nil
	}
	if !useCache {
		r, _, err := compute()
		return r, err
	}
	return p.cache.getOrCompute(key, compute)
}

// EstimateProgressive yields exactly two results on the returned channel:
// the heuristic tier immediately, then the refined tier, after which the
// channel is closed. The sequence cannot be restarted.
func (p *Provider) EstimateProgressive(ctx context.Context, img *types.Image) (<-chan TieredResult, error) {
	if err := img.Validate(); err != nil {
		return nil, types.WrapError(err, "%s progressive estimate", p.kind)
	}
	key := ContentHash(img)
	coarse := p.heuristic(img, key)

	out := make(chan TieredResult, 2)
	out <- TieredResult{Tier: types.ResultTierHeuristic, Result: coarse}

	go func() {
		defer close(out)
		if cached, ok := p.cache.entries.Get(key); ok {
			out <- TieredResult{Tier: types.ResultTierRefined, Result: cached}
			return
		}
		refined, cacheable := p.refine(ctx, img, coarse)
		if cacheable {
			p.cache.put(key, refined)
		}
		out <- TieredResult{Tier: types.ResultTierRefined, Result: refined}
	}()

	return out, nil
}

func (p *Provider) heuristic(img *types.Image, key uint64) Result {
	start := time.Now()
	var values []float64
	switch p.kind {
	case KindDepth:
		values = heuristicDepth(img.Pixels, p.grid)
	default:
		values = heuristicSegmentation(img.Pixels, p.grid)
	}
	return Result{
		Kind:        p.kind,
		Tier:        types.ResultTierHeuristic,
		Quality:     QualityFull,
		GridSize:    p.grid,
		Values:      values,
		Coverage:    mean(values),
		ContentHash: key,
		Elapsed:     time.Since(start),
	}
}

// refine runs the backend over the coarse estimate. Any backend problem
// degrades to the coarse values; the second return reports whether the
// result is stable enough to cache.
func (p *Provider) refine(ctx context.Context, img *types.Image, coarse Result) (Result, bool) {
	if p.backend == nil {
		return p.degrade(coarse, p.unavailable), true
	}
	if !p.backend.Available(ctx) {
		return p.degrade(coarse, unavailableNote(p.kind, "backend "+p.backend.Name()+" reports unavailable")), false
	}

	rctx := ctx
	if p.refineTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, p.refineTimeout)
		defer cancel()
	}

	start := time.Now()
	r, err := p.backend.Refine(rctx, img, coarse)
	if err == nil && len(r.Values) != r.GridSize*r.GridSize {
		err = fmt.Errorf("backend returned %d values for a %dx%d grid", len(r.Values), r.GridSize, r.GridSize)
	}
	if err != nil {
		p.logger.WithOperation("refine").
			WithMetadata("kind", string(p.kind)).
			WithMetadata("backend", p.backend.Name()).
			Warn(ctx, "Refinement failed, serving heuristic estimate", slog.Any("error", err))
		return p.degrade(coarse, unavailableNote(p.kind, err.Error())), false
	}

	r.Kind = p.kind
	r.Tier = types.ResultTierRefined
	r.Quality = QualityFull
	r.ContentHash = coarse.ContentHash
	r.Backend = p.backend.Name()
	r.Coverage = mean(r.Values)
	r.Elapsed = time.Since(start)
	return r, true
}

func (p *Provider) degrade(coarse Result, note string) Result {
	p.metrics.degraded.WithLabelValues(string(p.kind)).Inc()
	r := coarse
	r.Quality = QualityDegraded
	r.Note = note
	return r
}
