// Package types provides the shared data model for the token extraction core.
//
// It defines image inputs, raw observations emitted by analyzers, the
// category-tagged payload union, canonical tokens produced by aggregation,
// and the diagnostics that accompany every batch result.
package types

import "fmt"

// Category identifies the kind of design value a payload or token describes
type Category string

const (
	CategoryColor      Category = "color"
	CategorySpacing    Category = "spacing"
	CategoryShadow     Category = "shadow"
	CategoryTypography Category = "typography"
	CategoryFontFamily Category = "font_family"
	CategoryFontSize   Category = "font_size"
)

// AllCategories lists every category in canonical order
func AllCategories() []Category {
	return []Category{
		CategoryColor,
		CategorySpacing,
		CategoryShadow,
		CategoryTypography,
		CategoryFontFamily,
		CategoryFontSize,
	}
}

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	switch c {
	case CategoryColor, CategorySpacing, CategoryShadow, CategoryTypography, CategoryFontFamily, CategoryFontSize:
		return true
	}
	return false
}

// ParseCategory converts a string to a Category
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", NewValidationError("category", s, "oneof", fmt.Sprintf("unknown category %q", s))
	}
	return c, nil
}

// Tier is the latency class an extractor declares. It is a scheduling hint only.
type Tier string

const (
	TierFast   Tier = "fast"
	TierMedium Tier = "medium"
	TierSlow   Tier = "slow"
)

// Rank orders tiers from fastest to slowest
func (t Tier) Rank() int {
	switch t {
	case TierFast:
		return 0
	case TierMedium:
		return 1
	case TierSlow:
		return 2
	default:
		return 3
	}
}

// ResultTier is the quality class of a provider estimate
type ResultTier string

const (
	ResultTierHeuristic ResultTier = "heuristic"
	ResultTierRefined   ResultTier = "refined"
)
