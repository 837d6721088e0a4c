package aggregation

import (
	"fmt"
	"math"
	"sort"

	"github.com/joshband/copy-that/internal/types"
)

type cluster struct {
	token   *types.CanonicalToken
	key     string
	seq     int
	members []types.Observation
	// points holds one weighted point per distinct payload key, weighted by
	// the confidence of the first observation seen with that key
	points []Weighted
}

type candidate struct {
	c    *cluster
	dist float64
}

// clustering is the mutable token state. It is not safe for concurrent use;
// the Engine serializes access.
type clustering struct {
	thresholds  Thresholds
	byCategory  map[types.Category][]*cluster
	byValue     map[types.Category]map[string]*cluster
	ids         map[string]struct{}
	counters    map[types.Category]int
	seq         int
	ambiguities []types.Diagnostic
}

func newClustering(t Thresholds) *clustering {
	return &clustering{
		thresholds: t,
		byCategory: make(map[types.Category][]*cluster),
		byValue:    make(map[types.Category]map[string]*cluster),
		ids:        make(map[string]struct{}),
		counters:   make(map[types.Category]int),
	}
}

// clusterKey partitions a category. Referential colors only cluster with
// referential colors of the same name so an alias never collapses into the
// value it points at.
func clusterKey(p types.Payload) string {
	if c, ok := p.(types.ColorValue); ok && c.Referential {
		return "ref:" + c.Name
	}
	return ""
}

// add merges obs into the first eligible cluster or starts a new one.
// It reports whether a new token was created. An observation whose value
// is already held by a token joins that token without moving its centroid.
func (cl *clustering) add(obs types.Observation) (*cluster, bool) {
	if twin, ok := cl.byValue[obs.Category][obs.Payload.Key()]; ok {
		cl.join(twin, obs)
		return twin, false
	}

	metric, _ := MetricFor(obs.Category)
	threshold := cl.thresholds.For(obs.Category)
	key := clusterKey(obs.Payload)

	var cands []candidate
	for _, c := range cl.byCategory[obs.Category] {
		if c.key != key {
			continue
		}
		if d := metric.Distance(c.token.Value, obs.Payload); d <= threshold {
			cands = append(cands, candidate{c: c, dist: d})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].c.seq < cands[j].c.seq
	})
	if len(cands) > 1 && cands[0].dist == cands[1].dist {
		cl.ambiguities = append(cl.ambiguities, types.GraphDiagnostic(types.DiagMergeAmbiguity, cands[0].c.token.ID,
			"observation %s is equidistant (%.3f) from %s and %s; merged into the earliest created",
			obs.ID, cands[0].dist, cands[0].c.token.ID, cands[1].c.token.ID))
	}

	for _, cand := range cands {
		if centroid, ok := cl.fits(metric, threshold, cand.c, obs); ok {
			cl.merge(cand.c, obs, centroid)
			return cand.c, false
		}
	}
	return cl.create(obs, key), true
}

// fits computes the centroid cand would have with obs and checks it stays
// within threshold of every member
func (cl *clustering) fits(metric Metric, threshold float64, c *cluster, obs types.Observation) (types.Payload, bool) {
	weighted := make([]Weighted, 0, len(c.points)+1)
	weighted = append(weighted, c.points...)
	weighted = append(weighted, Weighted{Payload: obs.Payload, Weight: obs.Confidence})
	centroid := metric.Centroid(weighted)

	for _, w := range weighted {
		if metric.Distance(centroid, w.Payload) > threshold {
			return nil, false
		}
	}
	return centroid, true
}

func (cl *clustering) merge(c *cluster, obs types.Observation, centroid types.Payload) {
	c.points = append(c.points, Weighted{Payload: obs.Payload, Weight: obs.Confidence})
	c.token.Value = centroid
	cl.index(c, obs)
	cl.join(c, obs)
}

// join records obs as a member of c without touching the centroid
func (cl *clustering) join(c *cluster, obs types.Observation) {
	c.members = append(c.members, obs)
	t := c.token
	t.Members[obs.ID] = struct{}{}
	t.Provenance[obs.ImageID] = obs.Confidence
	t.MultiSource = len(t.Provenance) >= 2
	t.Confidence = meanConfidence(t.Provenance)
}

func (cl *clustering) create(obs types.Observation, key string) *cluster {
	cl.seq++
	value := obs.Payload
	if cv, ok := value.(types.ColorValue); ok {
		cv.Hex = types.NormalizeHex(cv.Hex)
		value = cv
	}
	c := &cluster{
		key:     key,
		seq:     cl.seq,
		members: []types.Observation{obs},
		points:  []Weighted{{Payload: obs.Payload, Weight: obs.Confidence}},
		token: &types.CanonicalToken{
			ID:         cl.nextID(obs.Payload),
			Category:   obs.Category,
			Value:      value,
			Confidence: obs.Confidence,
			Provenance: map[string]float64{obs.ImageID: obs.Confidence},
			Members:    map[string]struct{}{obs.ID: {}},
		},
	}
	cl.byCategory[obs.Category] = append(cl.byCategory[obs.Category], c)
	cl.index(c, obs)
	return c
}

func (cl *clustering) index(c *cluster, obs types.Observation) {
	values := cl.byValue[obs.Category]
	if values == nil {
		values = make(map[string]*cluster)
		cl.byValue[obs.Category] = values
	}
	values[obs.Payload.Key()] = c
}

// nextID names referential colors after themselves and numbers everything
// else per category in creation order
func (cl *clustering) nextID(p types.Payload) string {
	var id string
	if c, ok := p.(types.ColorValue); ok && c.Referential {
		id = c.Name
		for n := 2; cl.taken(id); n++ {
			id = fmt.Sprintf("%s-%d", c.Name, n)
		}
	} else {
		for id == "" || cl.taken(id) {
			cl.counters[p.Category()]++
			id = fmt.Sprintf("%s-%d", p.Category(), cl.counters[p.Category()])
		}
	}
	cl.ids[id] = struct{}{}
	return id
}

func (cl *clustering) taken(id string) bool {
	_, ok := cl.ids[id]
	return ok
}

// tokens returns clones of every token, by category then creation order
func (cl *clustering) tokens() []*types.CanonicalToken {
	var out []*types.CanonicalToken
	for _, cat := range types.AllCategories() {
		for _, c := range cl.byCategory[cat] {
			out = append(out, c.token.Clone())
		}
	}
	return out
}

func meanConfidence(provenance map[string]float64) float64 {
	if len(provenance) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range provenance {
		sum += v
	}
	return math.Round(sum/float64(len(provenance))*1e6) / 1e6
}
