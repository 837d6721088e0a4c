package aggregation

import (
	"fmt"

	"github.com/joshband/copy-that/internal/types"
)

// Thresholds holds the per-category merge thresholds. Two values merge only
// when their distance under the category metric is at or below the threshold.
type Thresholds struct {
	// Color is in CIEDE2000 ΔE units
	Color float64 `json:"color" yaml:"color" validate:"gte=0"`
	// Spacing and FontSize are relative differences
	Spacing    float64 `json:"spacing" yaml:"spacing" validate:"gte=0,lt=1"`
	Shadow     float64 `json:"shadow" yaml:"shadow" validate:"gte=0"`
	Typography float64 `json:"typography" yaml:"typography" validate:"gte=0"`
	FontSize   float64 `json:"font_size" yaml:"font_size" validate:"gte=0,lt=1"`
	FontFamily float64 `json:"font_family" yaml:"font_family" validate:"gte=0"`
}

// DefaultThresholds returns the default merge thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		Color:      2.0,
		Spacing:    0.05,
		Shadow:     0.1,
		Typography: 0.1,
		FontSize:   0.05,
		FontFamily: 0,
	}
}

// For returns the threshold for category c
func (t Thresholds) For(c types.Category) float64 {
	switch c {
	case types.CategoryColor:
		return t.Color
	case types.CategorySpacing:
		return t.Spacing
	case types.CategoryShadow:
		return t.Shadow
	case types.CategoryTypography:
		return t.Typography
	case types.CategoryFontSize:
		return t.FontSize
	case types.CategoryFontFamily:
		return t.FontFamily
	}
	return 0
}

// Validate checks the thresholds are usable
func (t Thresholds) Validate() error {
	for _, c := range types.AllCategories() {
		if v := t.For(c); v < 0 {
			return types.NewConfigurationError("aggregation.thresholds."+string(c), v,
				fmt.Sprintf("threshold for %s must not be negative", c), nil)
		}
	}
	return nil
}
