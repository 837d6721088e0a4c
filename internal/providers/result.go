package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/joshband/copy-that/internal/types"
)

// Kind identifies a preprocessing provider
type Kind string

const (
	KindDepth        Kind = "depth"
	KindSegmentation Kind = "segmentation"
)

// Kinds lists the provider kinds the pool can construct
func Kinds() []Kind {
	return []Kind{KindDepth, KindSegmentation}
}

func (k Kind) valid() bool {
	return k == KindDepth || k == KindSegmentation
}

// Quality reports whether a result came from the full pipeline
type Quality string

const (
	QualityFull     Quality = "full"
	QualityDegraded Quality = "degraded"
)

// Result is a scene-analysis estimate over a square grid laid over the image.
// Values is row-major and shared with the cache; callers must not mutate it.
type Result struct {
	Kind        Kind             `json:"kind"`
	Tier        types.ResultTier `json:"tier"`
	Quality     Quality          `json:"quality"`
	GridSize    int              `json:"grid_size"`
	Values      []float64        `json:"values"`
	Coverage    float64          `json:"coverage"`
	ContentHash uint64           `json:"content_hash"`
	Backend     string           `json:"backend,omitempty"`
	Note        string           `json:"note,omitempty"`
	Elapsed     time.Duration    `json:"elapsed"`
}

// At returns the grid value at column x, row y
func (r Result) At(x, y int) float64 {
	if x < 0 || y < 0 || x >= r.GridSize || y >= r.GridSize {
		return 0
	}
	return r.Values[y*r.GridSize+x]
}

// Degraded reports whether the refined tier could not be produced
func (r Result) Degraded() bool {
	return r.Quality == QualityDegraded
}

// TieredResult is one element of a progressive estimate
type TieredResult struct {
	Tier   types.ResultTier
	Result Result
}

// Backend refines a heuristic estimate, typically by running a model.
type Backend interface {
	Name() string
	Available(ctx context.Context) bool
	Refine(ctx context.Context, img *types.Image, coarse Result) (Result, error)
}

// BackendLoader constructs a backend on first use of a provider kind
type BackendLoader func(ctx context.Context, kind Kind) (Backend, error)

func unavailableNote(kind Kind, reason string) string {
	return fmt.Sprintf("%s: %s provider running heuristic-only (%s)", types.ErrorCodeProviderUnavailable, kind, reason)
}
