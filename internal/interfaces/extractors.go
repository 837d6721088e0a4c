// Package interfaces defines the contracts between the extraction core and
// its pluggable analyzers.
//
// Analyzers are opaque to the core: it only schedules them, hands them the
// preprocessing providers and collects their findings.
package interfaces

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/joshband/copy-that/internal/providers"
	"github.com/joshband/copy-that/internal/types"
)

// ProviderSource hands analyzers access to the shared preprocessing providers
type ProviderSource interface {
	// Provider returns the provider for kind, blocking on first-use initialization
	Provider(ctx context.Context, kind providers.Kind) (*providers.Provider, error)
}

// Extractor defines the interface for a per-image analyzer
type Extractor interface {
	// Name identifies the extractor; it must be unique within a batch
	Name() string

	// Tier is the declared latency class, used only as a scheduling hint
	Tier() types.Tier

	// Run analyzes one image. Extractors must be stateless and must not rely
	// on other extractors having run.
	Run(ctx context.Context, img *types.Image, providers ProviderSource) ([]types.Finding, error)
}

// ExtractorFunc adapts a plain function into an Extractor
type ExtractorFunc struct {
	name string
	tier types.Tier
	fn   func(ctx context.Context, img *types.Image, providers ProviderSource) ([]types.Finding, error)
}

// NewExtractorFunc creates an Extractor backed by fn
func NewExtractorFunc(name string, tier types.Tier, fn func(ctx context.Context, img *types.Image, providers ProviderSource) ([]types.Finding, error)) *ExtractorFunc {
	return &ExtractorFunc{name: name, tier: tier, fn: fn}
}

func (e *ExtractorFunc) Name() string     { return e.name }
func (e *ExtractorFunc) Tier() types.Tier { return e.tier }

func (e *ExtractorFunc) Run(ctx context.Context, img *types.Image, providers ProviderSource) ([]types.Finding, error) {
	return e.fn(ctx, img, providers)
}

// Registry holds the extractors available to a process, keyed by name
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{extractors: make(map[string]Extractor)}
}

// Register adds an extractor. Names must be unique.
func (r *Registry) Register(e Extractor) error {
	if e == nil || e.Name() == "" {
		return types.NewValidationError("extractor", e, "required", "extractor must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.extractors[e.Name()]; exists {
		return types.NewValidationError("extractor", e.Name(), "unique", fmt.Sprintf("extractor %q already registered", e.Name()))
	}
	r.extractors[e.Name()] = e
	return nil
}

// Get returns the extractor registered under name
func (r *Registry) Get(name string) (Extractor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.extractors[name]
	return e, ok
}

// Select returns the named extractors, or all of them when names is empty
func (r *Registry) Select(names ...string) ([]Extractor, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	out := make([]Extractor, 0, len(names))
	for _, name := range names {
		e, ok := r.Get(name)
		if !ok {
			return nil, types.NewValidationError("extractor", name, "registered", fmt.Sprintf("unknown extractor %q", name))
		}
		out = append(out, e)
	}
	return out, nil
}

// All returns every registered extractor ordered by tier, then name
func (r *Registry) All() []Extractor {
	r.mu.RLock()
	out := make([]Extractor, 0, len(r.extractors))
	for _, e := range r.extractors {
		out = append(out, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Extractor) int {
		if d := a.Tier().Rank() - b.Tier().Rank(); d != 0 {
			return d
		}
		switch {
		case a.Name() < b.Name():
			return -1
		case a.Name() > b.Name():
			return 1
		}
		return 0
	})
	return out
}
