package aggregation

import (
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/joshband/copy-that/internal/types"
)

// Weighted is a payload with its merge weight (the observation confidence)
type Weighted struct {
	Payload types.Payload
	Weight  float64
}

// Metric is the category-specific perceptual distance and centroid
type Metric interface {
	// Distance returns a non-negative distance; +Inf means never mergeable
	Distance(a, b types.Payload) float64
	// Centroid returns the weighted representative of members
	Centroid(members []Weighted) types.Payload
}

var metrics = map[types.Category]Metric{
	types.CategoryColor:      colorMetric{},
	types.CategorySpacing:    spacingMetric{},
	types.CategoryShadow:     shadowMetric{},
	types.CategoryTypography: typographyMetric{},
	types.CategoryFontFamily: fontFamilyMetric{},
	types.CategoryFontSize:   fontSizeMetric{},
}

// MetricFor returns the metric for category c
func MetricFor(c types.Category) (Metric, bool) {
	m, ok := metrics[c]
	return m, ok
}

// DeltaE returns the CIEDE2000 difference between two hex colors in the
// usual units where 1.0 is about one just-noticeable difference.
func DeltaE(a, b string) float64 {
	ca, errA := toColorful(a)
	cb, errB := toColorful(b)
	if errA != nil || errB != nil {
		return math.Inf(1)
	}
	return ca.DistanceCIEDE2000(cb) * 100
}

func toColorful(hex string) (colorful.Color, error) {
	rgb, err := types.ParseHex(hex)
	if err != nil {
		return colorful.Color{}, err
	}
	return colorful.Color{R: float64(rgb.R) / 255, G: float64(rgb.G) / 255, B: float64(rgb.B) / 255}, nil
}

// labCentroid averages hex colors in CIE L*a*b*
func labCentroid(hexes []string, weights []float64) string {
	var l, a, b, total float64
	for i, h := range hexes {
		c, err := toColorful(h)
		if err != nil {
			continue
		}
		cl, ca, cb := c.Lab()
		l += cl * weights[i]
		a += ca * weights[i]
		b += cb * weights[i]
		total += weights[i]
	}
	if total == 0 {
		return ""
	}
	return types.NormalizeHex(colorful.Lab(l/total, a/total, b/total).Clamped().Hex())
}

// normalizedWeights falls back to equal weights when every weight is zero
func normalizedWeights(members []Weighted) []float64 {
	w := make([]float64, len(members))
	total := 0.0
	for i, m := range members {
		w[i] = math.Max(0, m.Weight)
		total += w[i]
	}
	if total == 0 {
		for i := range w {
			w[i] = 1
		}
	}
	return w
}

func weightedMean(values, weights []float64) float64 {
	var sum, total float64
	for i, v := range values {
		sum += v * weights[i]
		total += weights[i]
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

// relativeDiff is |a-b| relative to the larger magnitude
func relativeDiff(a, b float64) float64 {
	m := math.Max(math.Abs(a), math.Abs(b))
	if m == 0 {
		return 0
	}
	return math.Abs(a-b) / m
}

// optionalColorDiff compares optional colors on a 0..1 scale (ΔE/100)
func optionalColorDiff(a, b string) float64 {
	switch {
	case a == "" && b == "":
		return 0
	case a == "" || b == "":
		return 1
	}
	return DeltaE(a, b) / 100
}

type colorMetric struct{}

func (colorMetric) Distance(a, b types.Payload) float64 {
	ca, okA := a.(types.ColorValue)
	cb, okB := b.(types.ColorValue)
	if !okA || !okB {
		return math.Inf(1)
	}
	return DeltaE(ca.Hex, cb.Hex)
}

func (colorMetric) Centroid(members []Weighted) types.Payload {
	w := normalizedWeights(members)
	hexes := make([]string, len(members))
	var out types.ColorValue
	for i, m := range members {
		c := m.Payload.(types.ColorValue)
		hexes[i] = c.Hex
		if i == 0 {
			out.Name, out.Referential = c.Name, c.Referential
		}
		if out.AliasOf == "" {
			out.AliasOf = c.AliasOf
		}
	}
	out.Hex = labCentroid(hexes, w)
	return out
}

type spacingMetric struct{}

func (spacingMetric) Distance(a, b types.Payload) float64 {
	sa, okA := a.(types.SpacingValue)
	sb, okB := b.(types.SpacingValue)
	if !okA || !okB {
		return math.Inf(1)
	}
	return relativeDiff(sa.Pixels, sb.Pixels)
}

func (spacingMetric) Centroid(members []Weighted) types.Payload {
	w := normalizedWeights(members)
	v := make([]float64, len(members))
	for i, m := range members {
		v[i] = m.Payload.(types.SpacingValue).Pixels
	}
	return types.SpacingValue{Pixels: weightedMean(v, w)}
}

type fontSizeMetric struct{}

func (fontSizeMetric) Distance(a, b types.Payload) float64 {
	fa, okA := a.(types.FontSizeValue)
	fb, okB := b.(types.FontSizeValue)
	if !okA || !okB {
		return math.Inf(1)
	}
	return relativeDiff(fa.Pixels, fb.Pixels)
}

func (fontSizeMetric) Centroid(members []Weighted) types.Payload {
	w := normalizedWeights(members)
	v := make([]float64, len(members))
	for i, m := range members {
		v[i] = m.Payload.(types.FontSizeValue).Pixels
	}
	return types.FontSizeValue{Pixels: weightedMean(v, w)}
}

type fontFamilyMetric struct{}

func (fontFamilyMetric) Distance(a, b types.Payload) float64 {
	fa, okA := a.(types.FontFamilyValue)
	fb, okB := b.(types.FontFamilyValue)
	if !okA || !okB {
		return math.Inf(1)
	}
	if types.NormalizeFamily(fa.Family) == types.NormalizeFamily(fb.Family) {
		return 0
	}
	return 1
}

// Centroid keeps the spelling of the heaviest member
func (fontFamilyMetric) Centroid(members []Weighted) types.Payload {
	w := normalizedWeights(members)
	best := 0
	for i := range members {
		if w[i] > w[best] {
			best = i
		}
	}
	return members[best].Payload
}

// shadowMetric sums the geometric relative difference and the color
// difference in ΔE/100. Inset and outset shadows never merge.
type shadowMetric struct{}

func (shadowMetric) Distance(a, b types.Payload) float64 {
	sa, okA := a.(types.ShadowValue)
	sb, okB := b.(types.ShadowValue)
	if !okA || !okB || sa.Inset != sb.Inset || sa.ColorRef != sb.ColorRef {
		return math.Inf(1)
	}
	va := []float64{sa.OffsetX, sa.OffsetY, sa.Blur, sa.Spread}
	vb := []float64{sb.OffsetX, sb.OffsetY, sb.Blur, sb.Spread}
	var diff, magA, magB float64
	for i := range va {
		diff += math.Abs(va[i] - vb[i])
		magA += math.Abs(va[i])
		magB += math.Abs(vb[i])
	}
	geo := diff / math.Max(1, math.Max(magA, magB))
	return geo + optionalColorDiff(sa.Color, sb.Color)
}

func (shadowMetric) Centroid(members []Weighted) types.Payload {
	w := normalizedWeights(members)
	n := len(members)
	ox, oy, blur, spread := make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
	hexes := make([]string, n)
	first := members[0].Payload.(types.ShadowValue)
	for i, m := range members {
		s := m.Payload.(types.ShadowValue)
		ox[i], oy[i], blur[i], spread[i] = s.OffsetX, s.OffsetY, s.Blur, s.Spread
		hexes[i] = s.Color
	}
	out := types.ShadowValue{
		OffsetX:  weightedMean(ox, w),
		OffsetY:  weightedMean(oy, w),
		Blur:     weightedMean(blur, w),
		Spread:   weightedMean(spread, w),
		ColorRef: first.ColorRef,
		Inset:    first.Inset,
	}
	if first.Color != "" {
		out.Color = labCentroid(hexes, w)
	}
	return out
}

// typographyMetric requires the same family and combines size, weight,
// line height and color differences.
type typographyMetric struct{}

func (typographyMetric) Distance(a, b types.Payload) float64 {
	ta, okA := a.(types.TypographyValue)
	tb, okB := b.(types.TypographyValue)
	if !okA || !okB || ta.ColorRef != tb.ColorRef {
		return math.Inf(1)
	}
	if types.NormalizeFamily(ta.FontFamily) != types.NormalizeFamily(tb.FontFamily) {
		return math.Inf(1)
	}
	d := relativeDiff(ta.FontSize, tb.FontSize)
	d += math.Abs(float64(ta.FontWeight-tb.FontWeight)) / 1000
	d += relativeDiff(ta.LineHeight, tb.LineHeight)
	d += optionalColorDiff(ta.Color, tb.Color)
	return d
}

func (typographyMetric) Centroid(members []Weighted) types.Payload {
	w := normalizedWeights(members)
	n := len(members)
	size, weight, lh := make([]float64, n), make([]float64, n), make([]float64, n)
	hexes := make([]string, n)
	first := members[0].Payload.(types.TypographyValue)
	for i, m := range members {
		t := m.Payload.(types.TypographyValue)
		size[i], weight[i], lh[i] = t.FontSize, float64(t.FontWeight), t.LineHeight
		hexes[i] = t.Color
	}
	out := types.TypographyValue{
		FontFamily: first.FontFamily,
		FontSize:   weightedMean(size, w),
		FontWeight: int(math.Round(weightedMean(weight, w))),
		LineHeight: weightedMean(lh, w),
		ColorRef:   first.ColorRef,
	}
	if first.Color != "" {
		out.Color = labCentroid(hexes, w)
	}
	return out
}
