package providers

import (
	"image"
	"math"
)

// maxSamplesPerAxis bounds the heuristic tier's latency on large images
const maxSamplesPerAxis = 256

type cellStats struct {
	sum, sumSq float64
	n          int
}

func (c cellStats) mean() float64 {
	if c.n == 0 {
		return 0
	}
	return c.sum / float64(c.n)
}

func (c cellStats) stddev() float64 {
	if c.n == 0 {
		return 0
	}
	m := c.mean()
	v := c.sumSq/float64(c.n) - m*m
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

// luminanceGrid samples the image and accumulates relative luminance per cell
func luminanceGrid(img image.Image, grid int) (cells []cellStats, border cellStats) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	stride := max(1, max(w, h)/maxSamplesPerAxis)
	cells = make([]cellStats, grid*grid)

	for y := b.Min.Y; y < b.Max.Y; y += stride {
		cy := min(grid-1, (y-b.Min.Y)*grid/h)
		for x := b.Min.X; x < b.Max.X; x += stride {
			cx := min(grid-1, (x-b.Min.X)*grid/w)
			r, g, bl, _ := img.At(x, y).RGBA()
			l := (0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(bl)) / 0xffff

			c := &cells[cy*grid+cx]
			c.sum += l
			c.sumSq += l * l
			c.n++

			if x-b.Min.X < stride || y-b.Min.Y < stride || b.Max.X-x <= stride || b.Max.Y-y <= stride {
				border.sum += l
				border.sumSq += l * l
				border.n++
			}
		}
	}
	return cells, border
}

// heuristicDepth treats textured cells low in the frame as near.
// Returned values are in [0,1] where 0 is nearest.
func heuristicDepth(img image.Image, grid int) []float64 {
	cells, _ := luminanceGrid(img, grid)
	maxContrast := 0.0
	for _, c := range cells {
		maxContrast = math.Max(maxContrast, c.stddev())
	}

	values := make([]float64, len(cells))
	for i, c := range cells {
		row := i / grid
		contrast := 0.0
		if maxContrast > 0 {
			contrast = c.stddev() / maxContrast
		}
		vertical := 0.0
		if grid > 1 {
			vertical = float64(row) / float64(grid-1)
		}
		values[i] = clamp01(1 - (0.5*contrast + 0.5*vertical))
	}
	return values
}

// heuristicSegmentation scores each cell by how far it departs from the border
// luminance, which approximates the background.
func heuristicSegmentation(img image.Image, grid int) []float64 {
	cells, border := luminanceGrid(img, grid)
	bg := border.mean()
	values := make([]float64, len(cells))
	for i, c := range cells {
		values[i] = clamp01(math.Abs(c.mean()-bg) / 0.25)
	}
	return values
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := 0.0
	for _, v := range values {
		s += v
	}
	return s / float64(len(values))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
