// Package graph builds and serves the token relationship graph.
//
// Nodes live in an arena keyed by token id. Every installed edge is recorded
// twice: on its source node's outgoing list and in the reverse index of its
// target, so dependents are never recomputed on query.
//
// A Graph has a single writer while it is being built. Publish freezes it;
// afterwards it is read-only and safe for any number of concurrent readers.
package graph

import (
	"fmt"
	"slices"
	"time"

	"github.com/joshband/copy-that/internal/types"
)

// EdgeType is the relationship an edge expresses
type EdgeType string

const (
	// EdgeAlias points a referential color at the token it stands for
	EdgeAlias EdgeType = "alias"
	// EdgeDerivedFrom points a spacing token at its base unit
	EdgeDerivedFrom EdgeType = "derived_from"
	// EdgeColorRef points a shadow or typography token at a color
	EdgeColorRef EdgeType = "color_ref"
	// EdgeFontFamilyRef points a typography token at a font family
	EdgeFontFamilyRef EdgeType = "font_family_ref"
	// EdgeFontSizeRef points a typography token at a font size
	EdgeFontSizeRef EdgeType = "font_size_ref"
)

// Edge is a directed relationship between two nodes
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Type EdgeType `json:"type"`
}

// Node wraps a canonical token with its relationship fields
type Node struct {
	Token *types.CanonicalToken

	IsAlias       bool
	AliasTargetID string

	BaseID     string
	Multiplier int

	ColorRefIDs     []string
	FontFamilyRefID string
	FontSizeRefID   string

	outgoing []Edge
}

// ID returns the token id
func (n *Node) ID() string { return n.Token.ID }

// Category returns the token category
func (n *Node) Category() types.Category { return n.Token.Category }

func (n *Node) clone() *Node {
	c := *n
	c.Token = n.Token.Clone()
	c.ColorRefIDs = slices.Clone(n.ColorRefIDs)
	c.outgoing = slices.Clone(n.outgoing)
	return &c
}

// Graph is the token relationship graph
type Graph struct {
	nodes      map[string]*Node
	order      []string
	byCategory map[types.Category][]*Node
	dependents map[string][]Edge
	edgeCount  int

	published   bool
	publishedAt time.Time
}

// NewGraph creates an empty graph in the building state
func NewGraph() *Graph {
	return &Graph{
		nodes:      make(map[string]*Node),
		byCategory: make(map[types.Category][]*Node),
		dependents: make(map[string][]Edge),
	}
}

// AddNode adds one token as a node
func (g *Graph) AddNode(tok *types.CanonicalToken) (*Node, error) {
	if g.published {
		return nil, ErrGraphFrozen
	}
	if tok == nil || tok.ID == "" {
		return nil, types.NewValidationError("token", tok, "required", "token must have an id")
	}
	if _, exists := g.nodes[tok.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, tok.ID)
	}
	n := &Node{Token: tok}
	g.nodes[tok.ID] = n
	g.order = append(g.order, tok.ID)
	g.byCategory[tok.Category] = append(g.byCategory[tok.Category], n)
	return n, nil
}

// AddEdge installs an edge and updates the reverse index. Both endpoints must
// exist. Alias edges that would close a cycle are refused with ErrCyclicAlias.
func (g *Graph) AddEdge(from, to string, typ EdgeType, multiplier int) error {
	if g.published {
		return ErrGraphFrozen
	}
	src, ok := g.nodes[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, from)
	}
	dst, ok := g.nodes[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, to)
	}
	if err := checkEdge(src, dst, typ); err != nil {
		return err
	}

	switch typ {
	case EdgeAlias:
		if src.IsAlias {
			return fmt.Errorf("%w: %s already aliases %s", ErrInvalidEdge, from, src.AliasTargetID)
		}
		if g.wouldCycle(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrCyclicAlias, from, to)
		}
		src.IsAlias, src.AliasTargetID = true, to
	case EdgeDerivedFrom:
		if multiplier < 2 {
			return fmt.Errorf("%w: multiplier %d for %s", ErrInvalidEdge, multiplier, from)
		}
		src.BaseID, src.Multiplier = to, multiplier
	case EdgeColorRef:
		if slices.Contains(src.ColorRefIDs, to) {
			return nil
		}
		src.ColorRefIDs = append(src.ColorRefIDs, to)
	case EdgeFontFamilyRef:
		src.FontFamilyRefID = to
	case EdgeFontSizeRef:
		src.FontSizeRefID = to
	}

	e := Edge{From: from, To: to, Type: typ}
	src.outgoing = append(src.outgoing, e)
	g.dependents[to] = append(g.dependents[to], e)
	g.edgeCount++
	return nil
}

func checkEdge(src, dst *Node, typ EdgeType) error {
	var ok bool
	switch typ {
	case EdgeAlias:
		if src.ID() == dst.ID() {
			return fmt.Errorf("%w: %s aliases itself", ErrCyclicAlias, src.ID())
		}
		ok = src.Category() == types.CategoryColor && dst.Category() == types.CategoryColor
	case EdgeDerivedFrom:
		ok = src.Category() == types.CategorySpacing && dst.Category() == types.CategorySpacing && src.ID() != dst.ID()
	case EdgeColorRef:
		ok = (src.Category() == types.CategoryShadow || src.Category() == types.CategoryTypography) &&
			dst.Category() == types.CategoryColor
	case EdgeFontFamilyRef:
		ok = src.Category() == types.CategoryTypography && dst.Category() == types.CategoryFontFamily
	case EdgeFontSizeRef:
		ok = src.Category() == types.CategoryTypography && dst.Category() == types.CategoryFontSize
	}
	if !ok {
		return fmt.Errorf("%w: %s %s(%s) -> %s(%s)", ErrInvalidEdge, typ, src.ID(), src.Category(), dst.ID(), dst.Category())
	}
	return nil
}

// wouldCycle walks the alias chain from to, bounded by the node count, and
// reports whether it reaches from or fails to terminate
func (g *Graph) wouldCycle(from, to string) bool {
	cur := to
	for steps := 0; steps <= len(g.nodes); steps++ {
		if cur == from {
			return true
		}
		n := g.nodes[cur]
		if n == nil || !n.IsAlias {
			return false
		}
		cur = n.AliasTargetID
	}
	return true
}

// Publish freezes the graph. It is idempotent.
func (g *Graph) Publish() {
	if g.published {
		return
	}
	g.published = true
	g.publishedAt = time.Now()
}

// IsPublished reports whether the graph is frozen
func (g *Graph) IsPublished() bool { return g.published }

// PublishedAt returns when Publish was first called
func (g *Graph) PublishedAt() time.Time { return g.publishedAt }

// Len returns the node count
func (g *Graph) Len() int { return len(g.nodes) }

// EdgeCount returns the number of installed edges
func (g *Graph) EdgeCount() int { return g.edgeCount }

// GetNode returns a copy of the node with the given id. Changes to the copy
// do not affect the graph.
func (g *Graph) GetNode(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

func (g *Graph) node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// GetDependencies returns the edges leaving id
func (g *Graph) GetDependencies(id string) []Edge {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return slices.Clone(n.outgoing)
}

// GetDependents returns the edges pointing at id
func (g *Graph) GetDependents(id string) []Edge {
	return slices.Clone(g.dependents[id])
}

// ResolveAlias follows the alias chain from id to its terminal node. It takes
// at most one step per node and returns ErrCyclicAlias past that bound.
func (g *Graph) ResolveAlias(id string) (*Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	for steps := 0; n.IsAlias; steps++ {
		if steps >= len(g.nodes) {
			return nil, fmt.Errorf("%w: starting at %s", ErrCyclicAlias, id)
		}
		next, ok := g.nodes[n.AliasTargetID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, n.AliasTargetID)
		}
		n = next
	}
	return n.clone(), nil
}

// AliasChain returns the ids visited from id to its terminal, inclusive
func (g *Graph) AliasChain(id string) ([]string, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	chain := []string{id}
	for n.IsAlias {
		if len(chain) > len(g.nodes) {
			return chain, fmt.Errorf("%w: starting at %s", ErrCyclicAlias, id)
		}
		next, ok := g.nodes[n.AliasTargetID]
		if !ok {
			return chain, fmt.Errorf("%w: %s", ErrNodeNotFound, n.AliasTargetID)
		}
		chain = append(chain, next.ID())
		n = next
	}
	return chain, nil
}

// GetNodes returns copies of the nodes of category c in insertion order
func (g *Graph) GetNodes(c types.Category) []*Node {
	out := make([]*Node, 0, len(g.byCategory[c]))
	for _, n := range g.byCategory[c] {
		out = append(out, n.clone())
	}
	return out
}

func (g *Graph) nodesOf(c types.Category) []*Node {
	return slices.Clone(g.byCategory[c])
}

// GetAllNodes returns copies of every node in insertion order
func (g *Graph) GetAllNodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].clone())
	}
	return out
}
