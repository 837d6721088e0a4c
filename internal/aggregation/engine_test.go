package aggregation

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshband/copy-that/internal/types"
)

func colorObs(id, image, hex string, conf float64) types.Observation {
	return types.NewObservation(id, image, "palette", types.TierFast, types.ColorValue{Hex: hex}, conf)
}

func spacingObs(id, image string, px, conf float64) types.Observation {
	return types.NewObservation(id, image, "spacing", types.TierMedium, types.SpacingValue{Pixels: px}, conf)
}

// membership renders the final clustering as sorted member-id groups
func membership(tokens []*types.CanonicalToken) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, string(t.Category)+":"+strings.Join(t.MemberIDs(), ","))
	}
	slices.Sort(out)
	return out
}

// requireWithinThreshold checks every token value is within threshold of each member
func requireWithinThreshold(t *testing.T, th Thresholds, tokens []*types.CanonicalToken, observations []types.Observation) {
	t.Helper()
	byID := make(map[string]types.Observation)
	for _, o := range observations {
		byID[o.ID] = o
	}
	for _, tok := range tokens {
		m, _ := MetricFor(tok.Category)
		for id := range tok.Members {
			d := m.Distance(tok.Value, byID[id].Payload)
			require.LessOrEqual(t, d, th.For(tok.Category), "token %s member %s", tok.ID, id)
		}
	}
}

func TestScenarioTwoImagesOneColor(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	assert.Equal(t, OutcomeCreated, e.Add(colorObs("o1", "A", "#FF5733", 0.90)))
	assert.Equal(t, OutcomeMerged, e.Add(colorObs("o2", "B", "#FF5831", 0.85)))

	tokens, diags := e.Finalize()
	require.Len(t, tokens, 1)
	assert.Empty(t, diags)

	tok := tokens[0]
	assert.Equal(t, "color-1", tok.ID)
	assert.Equal(t, map[string]float64{"A": 0.90, "B": 0.85}, tok.Provenance)
	assert.True(t, tok.MultiSource)
	assert.InDelta(t, 0.875, tok.Confidence, 1e-9)
	assert.Equal(t, []string{"o1", "o2"}, tok.MemberIDs())
	assert.LessOrEqual(t, DeltaE(tok.Value.(types.ColorValue).Hex, "#FF5733"), 2.0)
}

func TestSameImageOverwritesProvenance(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	e.Add(colorObs("o1", "A", "#336699", 0.4))
	e.Add(colorObs("o2", "A", "#336699", 0.8))

	tokens, _ := e.Finalize()
	require.Len(t, tokens, 1)
	assert.False(t, tokens[0].MultiSource)
	assert.Len(t, tokens[0].Members, 2)
	assert.InDelta(t, 0.8, tokens[0].Provenance["A"], 1e-9)
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	observations := []types.Observation{
		colorObs("o1", "A", "#FF5733", 0.9),
		colorObs("o2", "B", "#FF5831", 0.85),
		colorObs("o3", "B", "#0044AA", 0.7),
		spacingObs("o4", "A", 8, 0.6),
		spacingObs("o5", "B", 16, 0.6),
	}

	once := NewEngine(DefaultThresholds())
	twice := NewEngine(DefaultThresholds())
	for _, o := range observations {
		once.Add(o)
		twice.Add(o)
		assert.Equal(t, OutcomeDuplicate, twice.Add(o))
	}

	a, _ := once.Finalize()
	b, _ := twice.Finalize()
	assert.Equal(t, a, b)
	assert.Equal(t, int64(len(observations)), twice.Stats().Duplicates)
}

func TestFinalMembershipIsOrderIndependent(t *testing.T) {
	var observations []types.Observation
	hexes := []string{"#FF5733", "#FF5831", "#FE5934", "#FF6040", "#0044AA", "#0045AB", "#0A4AB0", "#22AA22"}
	for i, h := range hexes {
		observations = append(observations, colorObs(fmt.Sprintf("c%d", i), fmt.Sprintf("img%d", i%3), h, 0.5+float64(i)/20))
	}
	for i, px := range []float64{8, 8.3, 8.6, 8.9, 16, 16.5, 24} {
		observations = append(observations, spacingObs(fmt.Sprintf("s%d", i), fmt.Sprintf("img%d", i%2), px, 0.7))
	}

	reference := NewEngine(DefaultThresholds())
	for _, o := range observations {
		reference.Add(o)
	}
	want, _ := reference.Finalize()
	requireWithinThreshold(t, DefaultThresholds(), want, observations)

	rng := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 25; round++ {
		shuffled := slices.Clone(observations)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		e := NewEngine(DefaultThresholds())
		for _, o := range shuffled {
			e.Add(o)
		}
		got, _ := e.Finalize()
		require.Equal(t, membership(want), membership(got), "round %d", round)
		require.Equal(t, want, got, "round %d", round)
	}
}

func TestDedupPropertyOverRandomPairs(t *testing.T) {
	th := DefaultThresholds()
	rng := rand.New(rand.NewPCG(1, 2))
	randomHex := func() string {
		return types.RGB{R: uint8(rng.IntN(256)), G: uint8(rng.IntN(256)), B: uint8(rng.IntN(256))}.Hex()
	}

	for i := 0; i < 300; i++ {
		a := randomHex()
		b := a
		if i%3 != 0 {
			b = randomHex()
		}
		e := NewEngine(th)
		e.Add(colorObs("a", "A", a, 0.8))
		e.Add(colorObs("b", "B", b, 0.6))
		tokens, _ := e.Finalize()

		d := DeltaE(a, b)
		switch {
		case d == 0:
			require.Len(t, tokens, 1, "%s vs %s", a, b)
		case d > th.Color:
			require.Len(t, tokens, 2, "%s vs %s (ΔE %.2f)", a, b, d)
		}
	}

	for i := 0; i < 300; i++ {
		a := 1 + rng.Float64()*63
		b := a
		if i%3 != 0 {
			b = 1 + rng.Float64()*63
		}
		e := NewEngine(th)
		e.Add(spacingObs("a", "A", a, 0.8))
		e.Add(spacingObs("b", "B", b, 0.6))
		tokens, _ := e.Finalize()

		d := relativeDiff(a, b)
		switch {
		case d == 0:
			require.Len(t, tokens, 1)
		case d > th.Spacing:
			require.Len(t, tokens, 2, "%.3f vs %.3f", a, b)
		}
	}
}

// tokenOf maps each observation id to the token holding it
func tokenOf(tokens []*types.CanonicalToken) map[string]string {
	out := make(map[string]string)
	for _, tok := range tokens {
		for id := range tok.Members {
			out[id] = tok.ID
		}
	}
	return out
}

func TestIdenticalValueJoinsTwinDespiteConfidence(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	observations := []types.Observation{
		spacingObs("01", "A", 100, 0.1),
		spacingObs("02", "A", 104.7, 1.0),
		spacingObs("03", "B", 109.4, 0.1),
		spacingObs("04", "C", 109.4, 1.0),
	}
	for _, o := range observations {
		e.Add(o)
	}

	live := tokenOf(e.Snapshot())
	assert.Equal(t, live["03"], live["04"])

	tokens, _ := e.Finalize()
	final := tokenOf(tokens)
	assert.Equal(t, final["03"], final["04"])
	requireWithinThreshold(t, DefaultThresholds(), tokens, observations)
}

func TestIdenticalValuesShareTokenOverRandomSets(t *testing.T) {
	th := DefaultThresholds()
	rng := rand.New(rand.NewPCG(3, 5))

	for round := 0; round < 200; round++ {
		// a small value pool spread around the threshold forces repeats and near misses
		base := 8 + rng.Float64()*90
		pool := make([]float64, 2+rng.IntN(3))
		for i := range pool {
			pool[i] = math.Round(base*(1+float64(i)*th.Spacing*0.9)*1000) / 1000
		}

		n := 3 + rng.IntN(6)
		observations := make([]types.Observation, 0, n)
		for i := 0; i < n; i++ {
			conf := []float64{0.1, 0.5, 1.0}[rng.IntN(3)]
			observations = append(observations, spacingObs(fmt.Sprintf("o%02d", i), fmt.Sprintf("img%d", i), pool[rng.IntN(len(pool))], conf))
		}

		e := NewEngine(th)
		for _, o := range observations {
			e.Add(o)
		}
		live := tokenOf(e.Snapshot())
		tokens, _ := e.Finalize()
		final := tokenOf(tokens)
		requireWithinThreshold(t, th, tokens, observations)

		byKey := make(map[string]string)
		for _, o := range observations {
			first, ok := byKey[o.Payload.Key()]
			if !ok {
				byKey[o.Payload.Key()] = o.ID
				continue
			}
			require.Equal(t, final[first], final[o.ID], "round %d: %s and %s hold %s", round, first, o.ID, o.Payload.Key())
			require.Equal(t, live[first], live[o.ID], "round %d: live %s and %s", round, first, o.ID)
		}
	}
}

func TestCentroidStaysWithinThresholdOfMembers(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	observations := []types.Observation{
		spacingObs("s1", "A", 8, 0.9),
		spacingObs("s2", "A", 8.35, 0.9),
		spacingObs("s3", "B", 8.7, 0.9),
	}
	for _, o := range observations {
		e.Add(o)
	}
	tokens, _ := e.Finalize()
	require.Len(t, tokens, 2)
	requireWithinThreshold(t, DefaultThresholds(), tokens, observations)
}

func TestEquidistantCandidatesPreferEarliestToken(t *testing.T) {
	th := DefaultThresholds()
	th.Spacing = 0.5
	e := NewEngine(th)
	e.Add(spacingObs("s1", "A", 2, 0.5))
	e.Add(spacingObs("s2", "A", 8, 0.5))
	assert.Equal(t, OutcomeMerged, e.Add(spacingObs("s3", "B", 4, 0.5)))

	snap := e.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, []string{"s1", "s3"}, snap[0].MemberIDs())
	require.Len(t, e.live.ambiguities, 1)
	assert.Equal(t, types.DiagMergeAmbiguity, e.live.ambiguities[0].Kind)
	assert.Equal(t, snap[0].ID, e.live.ambiguities[0].TokenID)
}

func TestReferentialColorsKeepTheirOwnTokens(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	e.Add(colorObs("o1", "A", "#FF5733", 0.9))
	ref := types.NewObservation("o2", "A", "brand", types.TierFast,
		types.ColorValue{Hex: "#FF5733", Name: "brand-primary", Referential: true}, 0.8)
	assert.Equal(t, OutcomeCreated, e.Add(ref))
	ref2 := types.NewObservation("o3", "B", "brand", types.TierFast,
		types.ColorValue{Hex: "#ff5733", Name: "brand-primary", Referential: true}, 0.6)
	assert.Equal(t, OutcomeMerged, e.Add(ref2))

	tokens, _ := e.Finalize()
	require.Len(t, tokens, 2)
	ids := []string{tokens[0].ID, tokens[1].ID}
	assert.ElementsMatch(t, []string{"color-1", "brand-primary"}, ids)
	for _, tok := range tokens {
		if tok.ID == "brand-primary" {
			assert.True(t, tok.MultiSource)
			assert.True(t, tok.Value.(types.ColorValue).Referential)
		}
	}
}

func TestInvalidObservationsAreRejectedWithDiagnostic(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	assert.Equal(t, OutcomeRejected, e.Add(colorObs("o1", "A", "not-a-color", 0.9)))
	assert.Equal(t, OutcomeRejected, e.Add(types.Observation{ID: "", ImageID: "A"}))
	bad := spacingObs("o3", "A", 8, 0.9)
	bad.Category = types.CategoryColor
	assert.Equal(t, OutcomeRejected, e.Add(bad))

	tokens, diags := e.Finalize()
	assert.Empty(t, tokens)
	assert.Equal(t, 3, types.CountKind(diags, types.DiagInvalidInput))
	assert.Equal(t, int64(3), e.Stats().Rejected)
}

func TestAddAfterFinalizeIsRejected(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	e.Add(colorObs("o1", "A", "#000000", 0.9))
	first, _ := e.Finalize()
	assert.Equal(t, OutcomeRejected, e.Add(colorObs("o2", "A", "#FFFFFF", 0.9)))
	second, _ := e.Finalize()
	assert.Equal(t, first, second)
	assert.Equal(t, first, e.Snapshot())
}

func TestConsumeDrainsChannel(t *testing.T) {
	var mu sync.Mutex
	outcomes := map[Outcome]int{}
	e := NewEngine(DefaultThresholds(), WithOutcomeHook(func(_ types.Observation, o Outcome) {
		mu.Lock()
		outcomes[o]++
		mu.Unlock()
	}))

	in := make(chan types.Observation)
	done := make(chan error, 1)
	go func() { done <- e.Consume(t.Context(), in) }()

	in <- colorObs("o1", "A", "#123456", 0.5)
	in <- colorObs("o1", "A", "#123456", 0.5)
	in <- colorObs("o2", "B", "#123457", 0.5)
	close(in)
	require.NoError(t, <-done)

	assert.Equal(t, map[Outcome]int{OutcomeCreated: 1, OutcomeDuplicate: 1, OutcomeMerged: 1}, outcomes)
	assert.Len(t, e.Snapshot(), 1)
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	th := DefaultThresholds()
	th.Shadow = -1
	err := th.Validate()
	require.Error(t, err)
	assert.True(t, types.IsErrorCategory(err, types.ErrorCategoryConfiguration))
}
