package extractors

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshband/copy-that/internal/providers"
	"github.com/joshband/copy-that/internal/types"
)

type noProviders struct{}

func (noProviders) Provider(context.Context, providers.Kind) (*providers.Provider, error) {
	return nil, types.ErrProviderUnavailable
}

// splitImage fills the left columns with left and the rest with right
func splitImage(id string, w, h, leftCols int, left, right color.Color) *types.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < leftCols {
				img.Set(x, y, left)
			} else {
				img.Set(x, y, right)
			}
		}
	}
	return &types.Image{ID: id, Pixels: img}
}

func hexes(findings []types.Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Payload.(types.ColorValue).Hex)
	}
	return out
}

func TestPaletteReportsDominantColors(t *testing.T) {
	img := splitImage("A", 40, 20, 30, color.RGBA{255, 0, 0, 255}, color.RGBA{0, 0, 255, 255})

	findings, err := NewPalette().Run(t.Context(), img, noProviders{})
	require.NoError(t, err)
	require.Len(t, findings, 2)

	assert.Equal(t, []string{"#FF0000", "#0000FF"}, hexes(findings), "heavier color first")
	for _, f := range findings {
		assert.Equal(t, types.CategoryColor, f.Category)
		assert.NoError(t, f.Payload.Validate())
	}
	assert.Greater(t, findings[0].Confidence, findings[1].Confidence)
	assert.LessOrEqual(t, findings[0].Confidence, 1.0)
}

func TestPaletteMergesNearbyShades(t *testing.T) {
	img := splitImage("A", 20, 20, 10, color.RGBA{200, 30, 30, 255}, color.RGBA{202, 31, 30, 255})

	findings, err := NewPalette().Run(t.Context(), img, nil)
	require.NoError(t, err)
	require.Len(t, findings, 1)
}

func TestPaletteOptions(t *testing.T) {
	img := splitImage("A", 100, 10, 99, color.RGBA{0, 128, 0, 255}, color.RGBA{255, 255, 0, 255})

	findings, err := NewPalette(WithMinShare(0.05)).Run(t.Context(), img, nil)
	require.NoError(t, err)
	assert.Len(t, findings, 1, "a one percent sliver is below the minimum share")

	findings, err = NewPalette(WithMinShare(0), WithMaxColors(1)).Run(t.Context(), img, nil)
	require.NoError(t, err)
	assert.Len(t, findings, 1)
}

func TestPaletteUsesSegmentationProvider(t *testing.T) {
	pool := providers.NewPool(providers.DefaultPoolConfig())
	img := splitImage("A", 32, 32, 16, color.RGBA{10, 10, 10, 255}, color.RGBA{240, 240, 240, 255})

	findings, err := NewPalette().Run(t.Context(), img, pool)
	require.NoError(t, err)
	assert.Len(t, findings, 2)

	seg, err := pool.Provider(t.Context(), providers.KindSegmentation)
	require.NoError(t, err)
	assert.Equal(t, 1, seg.CacheStats().Len, "the mask estimate is cached for other extractors")
}

func TestPaletteHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	img := splitImage("A", 8, 8, 4, color.Black, color.White)
	_, err := NewPalette().Run(ctx, img, nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNewRegistryHoldsPalette(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	e, ok := r.Get(PaletteName)
	require.True(t, ok)
	assert.Equal(t, types.TierFast, e.Tier())
}
