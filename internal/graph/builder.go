package graph

import (
	"context"
	"errors"
	"math"
	"slices"

	"github.com/joshband/copy-that/internal/aggregation"
	"github.com/joshband/copy-that/internal/types"
)

// Config controls edge detection
type Config struct {
	// AliasTolerance is the ΔE within which a referential color is considered
	// to stand for another color
	AliasTolerance float64 `json:"alias_tolerance" yaml:"alias_tolerance" validate:"gte=0"`
	// MinBaseUnit is the smallest spacing value considered as a base unit
	MinBaseUnit float64 `json:"min_base_unit" yaml:"min_base_unit" validate:"gt=0"`
	// MultipleTolerance is how far from an integer a ratio may be
	MultipleTolerance float64 `json:"multiple_tolerance" yaml:"multiple_tolerance" validate:"gte=0,lt=0.5"`
	// ColorThreshold matches unnamed shadow and typography colors to tokens
	ColorThreshold float64 `json:"color_threshold" yaml:"color_threshold" validate:"gte=0"`
	// FontSizeTolerance matches typography sizes to font size tokens
	FontSizeTolerance float64 `json:"font_size_tolerance" yaml:"font_size_tolerance" validate:"gte=0"`
}

// DefaultConfig returns the default builder configuration
func DefaultConfig() Config {
	th := aggregation.DefaultThresholds()
	return Config{
		AliasTolerance:    0.5,
		MinBaseUnit:       2,
		MultipleTolerance: 0.05,
		ColorThreshold:    th.Color,
		FontSizeTolerance: th.FontSize,
	}
}

// Builder installs edges over a finalized token set
type Builder struct {
	cfg    Config
	logger *types.StandardLogger

	g     *Graph
	diags []types.Diagnostic
}

// NewBuilder creates a builder
func NewBuilder(cfg Config, logger *types.StandardLogger) *Builder {
	if logger == nil {
		logger = types.NewStandardLogger("graph")
	}
	return &Builder{cfg: cfg, logger: logger}
}

// Build constructs and publishes the graph for tokens. Invariant violations
// never abort the build: the offending edge is omitted and a diagnostic is
// returned instead.
func Build(tokens []*types.CanonicalToken, cfg Config) (*Graph, []types.Diagnostic) {
	return NewBuilder(cfg, nil).Build(context.Background(), tokens)
}

// Build constructs and publishes the graph for tokens
func (b *Builder) Build(ctx context.Context, tokens []*types.CanonicalToken) (*Graph, []types.Diagnostic) {
	b.g = NewGraph()
	b.diags = nil

	for _, tok := range tokens {
		if _, err := b.g.AddNode(tok); err != nil {
			id := ""
			if tok != nil {
				id = tok.ID
			}
			b.warn(ctx, types.DiagInvalidInput, id, "token not added: %v", err)
		}
	}

	b.linkAliases(ctx)
	b.deriveSpacing(ctx)
	b.linkReferences(ctx)

	b.g.Publish()
	b.logger.WithOperation("build_graph").Info(ctx, "Token graph published")
	b.logger.LogSystemEvent(ctx, "graph_published", map[string]any{
		"nodes":       b.g.Len(),
		"edges":       b.g.EdgeCount(),
		"diagnostics": len(b.diags),
	})
	return b.g, b.diags
}

func (b *Builder) warn(ctx context.Context, kind types.DiagnosticKind, tokenID, format string, args ...any) {
	d := types.GraphDiagnostic(kind, tokenID, format, args...)
	b.diags = append(b.diags, d)
	b.logger.LogDiagnostic(ctx, d)
}

// addEdge installs an edge, turning refusals into diagnostics
func (b *Builder) addEdge(ctx context.Context, from, to string, typ EdgeType, multiplier int) bool {
	err := b.g.AddEdge(from, to, typ, multiplier)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrCyclicAlias):
		b.warn(ctx, types.DiagCyclicAlias, from, "alias to %s dropped: %v", to, err)
	case errors.Is(err, types.ErrDanglingReference):
		b.warn(ctx, types.DiagDanglingReference, from, "%s reference to %s omitted: %v", typ, to, err)
	default:
		b.warn(ctx, types.DiagInvalidInput, from, "%s edge to %s omitted: %v", typ, to, err)
	}
	return false
}

func colorOf(n *Node) (types.ColorValue, bool) {
	c, ok := n.Token.Value.(types.ColorValue)
	return c, ok
}

// linkAliases points each referential color at the token it stands for:
// its explicit target, else the nearest plain color within AliasTolerance,
// else the nearest referential color that does not lead back to it.
func (b *Builder) linkAliases(ctx context.Context) {
	colors := b.g.nodesOf(types.CategoryColor)
	for _, n := range colors {
		c, ok := colorOf(n)
		if !ok || !c.Referential {
			continue
		}

		if c.AliasOf != "" {
			target, found := b.explicitTarget(n, c.AliasOf, colors)
			if !found {
				b.warn(ctx, types.DiagDanglingReference, n.ID(), "alias target %q does not resolve to a color token", c.AliasOf)
				continue
			}
			b.addEdge(ctx, n.ID(), target, EdgeAlias, 0)
			continue
		}

		if target := b.nearestColor(c.Hex, b.cfg.AliasTolerance, colors, func(m *Node, mc types.ColorValue) bool {
			return m != n && !mc.Referential
		}); target != nil {
			b.addEdge(ctx, n.ID(), target.ID(), EdgeAlias, 0)
			continue
		}
		if target := b.nearestColor(c.Hex, b.cfg.AliasTolerance, colors, func(m *Node, mc types.ColorValue) bool {
			return m != n && mc.Referential && !b.g.wouldCycle(n.ID(), m.ID())
		}); target != nil {
			b.addEdge(ctx, n.ID(), target.ID(), EdgeAlias, 0)
		}
	}
}

// explicitTarget resolves an AliasOf value: a token id, or a hex value
// matched to the nearest plain color within AliasTolerance
func (b *Builder) explicitTarget(n *Node, ref string, colors []*Node) (string, bool) {
	if m, ok := b.g.node(ref); ok {
		return m.ID(), true
	}
	if _, err := types.ParseHex(ref); err != nil {
		return "", false
	}
	target := b.nearestColor(ref, b.cfg.AliasTolerance, colors, func(m *Node, mc types.ColorValue) bool {
		return m != n && !mc.Referential
	})
	if target == nil {
		return "", false
	}
	return target.ID(), true
}

// nearestColor returns the closest accepted color within tolerance. Ties go
// to the earlier node.
func (b *Builder) nearestColor(hex string, tolerance float64, colors []*Node, accept func(*Node, types.ColorValue) bool) *Node {
	var best *Node
	bestDist := math.Inf(1)
	for _, m := range colors {
		mc, ok := colorOf(m)
		if !ok || !accept(m, mc) {
			continue
		}
		if d := aggregation.DeltaE(hex, mc.Hex); d <= tolerance && d < bestDist {
			best, bestDist = m, d
		}
	}
	return best
}

func spacingPx(n *Node) float64 {
	if s, ok := n.Token.Value.(types.SpacingValue); ok {
		return s.Pixels
	}
	return 0
}

// multipleOf reports the integer multiplier of v over base, if v is within
// MultipleTolerance of one
func (b *Builder) multipleOf(v, base float64) (int, bool) {
	if base <= 0 {
		return 0, false
	}
	ratio := v / base
	m := math.Round(ratio)
	if m < 1 || math.Abs(ratio-m) > b.cfg.MultipleTolerance {
		return 0, false
	}
	return int(m), true
}

// BaseUnit picks the spacing node that divides the most other spacing nodes.
// Ties go to the smaller value. It returns nil when nothing divides anything.
func (b *Builder) BaseUnit(spacing []*Node) *Node {
	var best *Node
	bestCount := 0
	for _, cand := range spacing {
		base := spacingPx(cand)
		if base < b.cfg.MinBaseUnit {
			continue
		}
		count := 0
		for _, other := range spacing {
			if other == cand {
				continue
			}
			if _, ok := b.multipleOf(spacingPx(other), base); ok {
				count++
			}
		}
		if count == 0 {
			continue
		}
		if count > bestCount || (count == bestCount && base < spacingPx(best)) {
			best, bestCount = cand, count
		}
	}
	return best
}

func (b *Builder) deriveSpacing(ctx context.Context) {
	spacing := b.g.nodesOf(types.CategorySpacing)
	base := b.BaseUnit(spacing)
	if base == nil {
		return
	}
	basePx := spacingPx(base)
	for _, n := range spacing {
		if n == base {
			continue
		}
		if m, ok := b.multipleOf(spacingPx(n), basePx); ok && m >= 2 {
			b.addEdge(ctx, n.ID(), base.ID(), EdgeDerivedFrom, m)
		}
	}
}

// linkReferences installs shadow and typography cross-category references
func (b *Builder) linkReferences(ctx context.Context) {
	colors := b.g.nodesOf(types.CategoryColor)
	for _, n := range b.g.nodesOf(types.CategoryShadow) {
		s, ok := n.Token.Value.(types.ShadowValue)
		if !ok {
			continue
		}
		b.linkColor(ctx, n, s.ColorRef, s.Color, colors)
	}

	families := b.g.nodesOf(types.CategoryFontFamily)
	sizes := b.g.nodesOf(types.CategoryFontSize)
	for _, n := range b.g.nodesOf(types.CategoryTypography) {
		t, ok := n.Token.Value.(types.TypographyValue)
		if !ok {
			continue
		}
		b.linkColor(ctx, n, t.ColorRef, t.Color, colors)
		b.linkFamily(ctx, n, t.FontFamily, families)
		b.linkSize(ctx, n, t.FontSize, sizes)
	}
}

func (b *Builder) linkColor(ctx context.Context, n *Node, ref, hex string, colors []*Node) {
	switch {
	case ref != "":
		if _, ok := b.g.node(ref); !ok {
			b.warn(ctx, types.DiagDanglingReference, n.ID(), "color reference %q does not resolve to a token", ref)
			return
		}
		b.addEdge(ctx, n.ID(), ref, EdgeColorRef, 0)
	case hex != "":
		target := b.nearestColor(hex, b.cfg.ColorThreshold, colors, func(*Node, types.ColorValue) bool { return true })
		if target == nil {
			b.warn(ctx, types.DiagDanglingReference, n.ID(), "no color token within ΔE %.1f of %s", b.cfg.ColorThreshold, hex)
			return
		}
		b.addEdge(ctx, n.ID(), target.ID(), EdgeColorRef, 0)
	}
}

func (b *Builder) linkFamily(ctx context.Context, n *Node, family string, families []*Node) {
	want := types.NormalizeFamily(family)
	if want == "" {
		return
	}
	idx := slices.IndexFunc(families, func(m *Node) bool {
		f, ok := m.Token.Value.(types.FontFamilyValue)
		return ok && types.NormalizeFamily(f.Family) == want
	})
	if idx < 0 {
		b.warn(ctx, types.DiagDanglingReference, n.ID(), "no font family token for %q", family)
		return
	}
	b.addEdge(ctx, n.ID(), families[idx].ID(), EdgeFontFamilyRef, 0)
}

func (b *Builder) linkSize(ctx context.Context, n *Node, px float64, sizes []*Node) {
	if px <= 0 {
		return
	}
	var best *Node
	bestDist := math.Inf(1)
	for _, m := range sizes {
		f, ok := m.Token.Value.(types.FontSizeValue)
		if !ok {
			continue
		}
		d := math.Abs(f.Pixels-px) / math.Max(f.Pixels, px)
		if d <= b.cfg.FontSizeTolerance && d < bestDist {
			best, bestDist = m, d
		}
	}
	if best == nil {
		b.warn(ctx, types.DiagDanglingReference, n.ID(), "no font size token within %.0f%% of %.1fpx", b.cfg.FontSizeTolerance*100, px)
		return
	}
	b.addEdge(ctx, n.ID(), best.ID(), EdgeFontSizeRef, 0)
}
