// Package extractors contains analyzers that turn one image into findings.
package extractors

import (
	"cmp"
	"context"
	"image"
	"log/slog"
	"math"
	"slices"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/joshband/copy-that/internal/interfaces"
	"github.com/joshband/copy-that/internal/providers"
	"github.com/joshband/copy-that/internal/types"
)

const (
	// PaletteName is the registry name of the palette extractor
	PaletteName = "palette"

	defaultPaletteColors = 6
	defaultMinShare      = 0.02
	defaultMergeDistance = 0.04
	maxSampledPixels     = 1 << 16
	quantBits            = 4
	backgroundWeight     = 0.25
)

// PaletteOption customizes a Palette
type PaletteOption func(*Palette)

// WithMaxColors caps the number of colors reported per image
func WithMaxColors(n int) PaletteOption {
	return func(p *Palette) {
		if n > 0 {
			p.maxColors = n
		}
	}
}

// WithMinShare drops colors covering less than share of the weighted pixels
func WithMinShare(share float64) PaletteOption {
	return func(p *Palette) {
		if share >= 0 && share < 1 {
			p.minShare = share
		}
	}
}

// WithPaletteLogger sets the logger
func WithPaletteLogger(l *types.StandardLogger) PaletteOption {
	return func(p *Palette) {
		p.logger = l
	}
}

// Palette reports the dominant colors of an image. Pixels are quantized
// into RGB buckets weighted by the segmentation provider's foreground mask,
// and buckets that are perceptually close in Lab space are merged.
type Palette struct {
	maxColors     int
	minShare      float64
	mergeDistance float64
	logger        *types.StandardLogger
}

// NewPalette creates the palette extractor
func NewPalette(opts ...PaletteOption) *Palette {
	p := &Palette{
		maxColors:     defaultPaletteColors,
		minShare:      defaultMinShare,
		mergeDistance: defaultMergeDistance,
		logger:        types.NewStandardLogger("palette_extractor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Palette) Name() string     { return PaletteName }
func (p *Palette) Tier() types.Tier { return types.TierFast }

type bucket struct {
	key     uint16
	r, g, b float64
	weight  float64
}

func (b *bucket) color() colorful.Color {
	return colorful.Color{R: b.r / b.weight, G: b.g / b.weight, B: b.b / b.weight}.Clamped()
}

func (b *bucket) absorb(o *bucket) {
	b.r += o.r
	b.g += o.g
	b.b += o.b
	b.weight += o.weight
}

// Run implements interfaces.Extractor
func (p *Palette) Run(ctx context.Context, img *types.Image, source interfaces.ProviderSource) ([]types.Finding, error) {
	mask := p.foregroundMask(ctx, img, source)

	buckets, total, err := p.quantize(ctx, img.Pixels, mask)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}

	merged := p.merge(buckets)
	findings := make([]types.Finding, 0, p.maxColors)
	for _, b := range merged {
		share := b.weight / total
		if share < p.minShare || len(findings) == p.maxColors {
			break
		}
		findings = append(findings, types.Finding{
			Category:   types.CategoryColor,
			Payload:    types.ColorValue{Hex: types.NormalizeHex(b.color().Hex())},
			Confidence: math.Min(1, 0.5+share),
		})
	}
	return findings, nil
}

// foregroundMask returns the segmentation estimate, or nil when the provider
// cannot be obtained; a nil mask weights every pixel equally.
func (p *Palette) foregroundMask(ctx context.Context, img *types.Image, source interfaces.ProviderSource) *providers.Result {
	if source == nil {
		return nil
	}
	seg, err := source.Provider(ctx, providers.KindSegmentation)
	if err != nil {
		p.logger.WithImageID(img.ID).Warn(ctx, "Segmentation unavailable, using uniform weights", slog.Any("error", err))
		return nil
	}
	r, err := seg.Estimate(ctx, img, true)
	if err != nil {
		p.logger.WithImageID(img.ID).Warn(ctx, "Segmentation estimate failed, using uniform weights", slog.Any("error", err))
		return nil
	}
	return &r
}

func (p *Palette) quantize(ctx context.Context, pix image.Image, mask *providers.Result) ([]*bucket, float64, error) {
	bounds := pix.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	step := 1
	if n := w * h; n > maxSampledPixels {
		step = int(math.Ceil(math.Sqrt(float64(n) / maxSampledPixels)))
	}

	byKey := make(map[uint16]*bucket)
	var total float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y += step {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		for x := bounds.Min.X; x < bounds.Max.X; x += step {
			r, g, b, a := pix.At(x, y).RGBA()
			if a < 0x8000 {
				continue
			}
			weight := 1.0
			if mask != nil && mask.GridSize > 0 {
				gx := (x - bounds.Min.X) * mask.GridSize / w
				gy := (y - bounds.Min.Y) * mask.GridSize / h
				weight = backgroundWeight + (1-backgroundWeight)*mask.At(gx, gy)
			}

			r8, g8, b8 := uint8(r>>8), uint8(g>>8), uint8(b>>8)
			key := uint16(r8>>(8-quantBits))<<(2*quantBits) | uint16(g8>>(8-quantBits))<<quantBits | uint16(b8>>(8-quantBits))
			bk, ok := byKey[key]
			if !ok {
				bk = &bucket{key: key}
				byKey[key] = bk
			}
			bk.r += weight * float64(r8) / 255
			bk.g += weight * float64(g8) / 255
			bk.b += weight * float64(b8) / 255
			bk.weight += weight
			total += weight
		}
	}

	out := make([]*bucket, 0, len(byKey))
	for _, b := range byKey {
		out = append(out, b)
	}
	sortBuckets(out)
	return out, total, nil
}

// merge folds each bucket into the heaviest earlier bucket within
// mergeDistance, so the result stays ordered by weight.
func (p *Palette) merge(buckets []*bucket) []*bucket {
	var kept []*bucket
	for _, b := range buckets {
		c := b.color()
		absorbed := false
		for _, k := range kept {
			if k.color().DistanceLab(c) <= p.mergeDistance {
				k.absorb(b)
				absorbed = true
				break
			}
		}
		if !absorbed {
			cp := *b
			kept = append(kept, &cp)
		}
	}
	sortBuckets(kept)
	return kept
}

func sortBuckets(bs []*bucket) {
	slices.SortFunc(bs, func(a, b *bucket) int {
		if c := cmp.Compare(b.weight, a.weight); c != 0 {
			return c
		}
		return cmp.Compare(a.key, b.key)
	})
}
