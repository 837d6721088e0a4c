package graph

import (
	"encoding/json"
	"maps"

	"github.com/joshband/copy-that/internal/types"
)

// EdgeRecord is an outgoing edge in an export record
type EdgeRecord struct {
	Type       EdgeType `json:"type"`
	Target     string   `json:"target"`
	Multiplier int      `json:"multiplier,omitempty"`
}

// TokenRecord is the serializable snapshot of one node handed to export
// and persistence layers
type TokenRecord struct {
	ID          string             `json:"id"`
	Category    types.Category     `json:"category"`
	Value       types.Payload      `json:"value"`
	Confidence  float64            `json:"confidence"`
	Provenance  map[string]float64 `json:"provenance"`
	MultiSource bool               `json:"multi_source"`
	Members     []string           `json:"members,omitempty"`
	Edges       []EdgeRecord       `json:"edges,omitempty"`
}

// UnmarshalJSON decodes Value according to Category
func (r *TokenRecord) UnmarshalJSON(data []byte) error {
	type plain TokenRecord
	var aux struct {
		plain
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = TokenRecord(aux.plain)
	if len(aux.Value) == 0 || string(aux.Value) == "null" {
		return nil
	}
	v, err := types.DecodePayload(r.Category, aux.Value)
	if err != nil {
		return err
	}
	r.Value = v
	return nil
}

// Export returns one record per node in insertion order
func (g *Graph) Export() []TokenRecord {
	out := make([]TokenRecord, 0, len(g.order))
	for _, id := range g.order {
		n := g.nodes[id]
		t := n.Token
		rec := TokenRecord{
			ID:          t.ID,
			Category:    t.Category,
			Value:       t.Value,
			Confidence:  t.Confidence,
			Provenance:  maps.Clone(t.Provenance),
			MultiSource: t.MultiSource,
			Members:     t.MemberIDs(),
		}
		for _, e := range n.outgoing {
			er := EdgeRecord{Type: e.Type, Target: e.To}
			if e.Type == EdgeDerivedFrom {
				er.Multiplier = n.Multiplier
			}
			rec.Edges = append(rec.Edges, er)
		}
		out = append(out, rec)
	}
	return out
}
