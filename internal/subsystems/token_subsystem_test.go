package subsystems

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshband/copy-that/internal/graph"
	"github.com/joshband/copy-that/internal/interfaces"
	"github.com/joshband/copy-that/internal/progress"
	"github.com/joshband/copy-that/internal/storage"
	"github.com/joshband/copy-that/internal/types"
)

func img(id string) *types.Image {
	return &types.Image{ID: id, Pixels: image.NewRGBA(image.Rect(0, 0, 2, 2))}
}

// scripted returns an extractor emitting fixed findings per image id
func scripted(name string, tier types.Tier, perImage map[string][]types.Finding) interfaces.Extractor {
	return interfaces.NewExtractorFunc(name, tier, func(ctx context.Context, im *types.Image, _ interfaces.ProviderSource) ([]types.Finding, error) {
		return perImage[im.ID], nil
	})
}

func newSubsystem(t *testing.T, opts ...Option) *TokenSubsystem {
	t.Helper()
	s, err := NewTokenSubsystem(DefaultTokenConfig(), nil, opts...)
	require.NoError(t, err)
	return s
}

func TestTwoImagesShareOneColorToken(t *testing.T) {
	palette := scripted("palette", types.TierFast, map[string][]types.Finding{
		"A": {{Payload: types.ColorValue{Hex: "#FF0000"}, Confidence: 0.9}},
		"B": {{Payload: types.ColorValue{Hex: "#FF0000"}, Confidence: 0.85}},
	})

	res, err := newSubsystem(t).Run(t.Context(), []*types.Image{img("A"), img("B")}, []interfaces.Extractor{palette})
	require.NoError(t, err)
	require.NotEmpty(t, res.BatchID)
	require.Len(t, res.Tokens, 1)

	tok := res.Tokens[0]
	assert.Equal(t, "color-1", tok.ID)
	assert.Equal(t, map[string]float64{"A": 0.9, "B": 0.85}, tok.Provenance)
	assert.InDelta(t, 0.875, tok.Confidence, 1e-9)
	assert.True(t, tok.MultiSource)
	assert.Empty(t, res.Diagnostics)
	assert.Equal(t, UnitSummary{Total: 2, Completed: 2}, res.Units)
}

func TestSpacingScaleDerivesFromBase(t *testing.T) {
	spacing := scripted("spacing", types.TierMedium, map[string][]types.Finding{
		"A": {
			{Payload: types.SpacingValue{Pixels: 8}, Confidence: 0.8},
			{Payload: types.SpacingValue{Pixels: 24}, Confidence: 0.7},
		},
	})

	res, err := newSubsystem(t).Run(t.Context(), []*types.Image{img("A")}, []interfaces.Extractor{spacing})
	require.NoError(t, err)
	require.Equal(t, 2, res.Graph.Len())

	var derived *graph.Node
	for _, n := range res.Graph.GetNodes(types.CategorySpacing) {
		if n.BaseID != "" {
			derived = n
		}
	}
	require.NotNil(t, derived)
	assert.Equal(t, 3, derived.Multiplier)
	base, ok := res.Graph.GetNode(derived.BaseID)
	require.True(t, ok)
	assert.Equal(t, types.SpacingValue{Pixels: 8}, base.Token.Value)
}

func TestShadowReferencesReferentialColor(t *testing.T) {
	extractors := []interfaces.Extractor{
		scripted("palette", types.TierFast, map[string][]types.Finding{
			"A": {{Payload: types.ColorValue{Hex: "#FF5733"}, Confidence: 0.9}},
		}),
		scripted("brand", types.TierMedium, map[string][]types.Finding{
			"A": {{Payload: types.ColorValue{Hex: "#FF5733", Name: "brand-primary", Referential: true}, Confidence: 0.8}},
		}),
		scripted("shadow", types.TierSlow, map[string][]types.Finding{
			"A": {{Payload: types.ShadowValue{OffsetY: 2, Blur: 4, ColorRef: "brand-primary"}, Confidence: 0.7}},
		}),
	}

	res, err := newSubsystem(t).Run(t.Context(), []*types.Image{img("A")}, extractors)
	require.NoError(t, err)
	assert.Empty(t, res.Diagnostics)

	shadows := res.Graph.GetNodes(types.CategoryShadow)
	require.Len(t, shadows, 1)
	require.Equal(t, []string{"brand-primary"}, shadows[0].ColorRefIDs)

	chain, err := res.Graph.AliasChain("brand-primary")
	require.NoError(t, err)
	assert.Equal(t, []string{"brand-primary", "color-1"}, chain)
}

func TestFailingUnitIsReportedOnce(t *testing.T) {
	palette := scripted("palette", types.TierFast, map[string][]types.Finding{
		"A": {{Payload: types.ColorValue{Hex: "#112233"}, Confidence: 0.9}},
		"B": {{Payload: types.ColorValue{Hex: "#112233"}, Confidence: 0.9}},
		"C": {{Payload: types.ColorValue{Hex: "#112233"}, Confidence: 0.9}},
	})
	shadow := interfaces.NewExtractorFunc("shadow", types.TierSlow, func(ctx context.Context, im *types.Image, _ interfaces.ProviderSource) ([]types.Finding, error) {
		if im.ID == "C" {
			return nil, errors.New("depth model unavailable")
		}
		return []types.Finding{{Payload: types.ShadowValue{OffsetY: 1, Blur: 2, Color: "#112233"}, Confidence: 0.6}}, nil
	})

	res, err := newSubsystem(t).Run(t.Context(), []*types.Image{img("A"), img("B"), img("C")}, []interfaces.Extractor{palette, shadow})
	require.NoError(t, err)

	require.Len(t, res.Diagnostics, 1)
	d := res.Diagnostics[0]
	assert.Equal(t, types.DiagExtractorFailure, d.Kind)
	assert.Equal(t, "C", d.ImageID)
	assert.Equal(t, "shadow", d.Extractor)
	assert.Equal(t, UnitSummary{Total: 6, Completed: 5, Skipped: 1}, res.Units)

	colors := res.Graph.GetNodes(types.CategoryColor)
	require.Len(t, colors, 1)
	assert.Equal(t, []string{"A", "B", "C"}, colors[0].Token.Images())
	shadows := res.Graph.GetNodes(types.CategoryShadow)
	require.Len(t, shadows, 1)
	assert.Equal(t, []string{"A", "B"}, shadows[0].Token.Images())
}

func TestInvalidImageAppearsOnceInDiagnostics(t *testing.T) {
	palette := scripted("palette", types.TierFast, map[string][]types.Finding{
		"A": {{Payload: types.ColorValue{Hex: "#abcdef"}, Confidence: 0.5}},
	})
	res, err := newSubsystem(t).Run(t.Context(), []*types.Image{img("A"), {ID: "broken"}}, []interfaces.Extractor{palette})
	require.NoError(t, err)
	require.Len(t, res.Tokens, 1)
	assert.Equal(t, 1, types.CountKind(res.Diagnostics, types.DiagInvalidInput))
	assert.Len(t, res.Diagnostics, 1)
}

func TestCancelledBatchStillReturnsResult(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	palette := scripted("palette", types.TierFast, nil)

	res, err := newSubsystem(t).Run(ctx, []*types.Image{img("A"), img("B")}, []interfaces.Extractor{palette})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Empty(t, res.Tokens)
	assert.Equal(t, 2, types.CountKind(res.Diagnostics, types.DiagCancelled))
	assert.True(t, res.Graph.IsPublished())
}

func TestSnapshotAndProgressArePublished(t *testing.T) {
	store := storage.NewMemoryStore()
	broadcaster := progress.NewBroadcaster(256)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go broadcaster.Serve(ctx)
	events := broadcaster.Subscribe()

	s := newSubsystem(t, WithStore(store), WithProgress(broadcaster))
	palette := scripted("palette", types.TierFast, map[string][]types.Finding{
		"A": {{Payload: types.ColorValue{Hex: "#010203"}, Confidence: 0.9}},
	})
	res, err := s.Run(t.Context(), []*types.Image{img("A")}, []interfaces.Extractor{palette})
	require.NoError(t, err)

	snap, err := store.LoadSnapshot(t.Context(), res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, snap.Images)
	assert.Equal(t, res.Records, snap.Tokens)

	statuses := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !statuses[progress.StatusCompleted+"/"+string(progress.PhaseBatch)] {
		select {
		case ev := <-events:
			assert.Equal(t, res.BatchID, ev.BatchID)
			statuses[ev.Status+"/"+string(ev.Phase)] = true
		case <-deadline:
			t.Fatalf("missing batch completion event, saw %v", statuses)
		}
	}
	assert.True(t, statuses[progress.StatusStarted+"/"+string(progress.PhaseBatch)])
	assert.True(t, statuses[progress.StatusUnitCompleted+"/"+string(progress.PhaseExtract)])
	assert.True(t, statuses[progress.StatusTokenCreated+"/"+string(progress.PhaseAggregate)])

	h := s.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, int64(1), h.BatchesProcessed)
	assert.Zero(t, h.BatchesInProgress)
}

func TestNewTokenSubsystemRejectsBadThresholds(t *testing.T) {
	cfg := DefaultTokenConfig()
	cfg.Thresholds.Color = -1
	_, err := NewTokenSubsystem(cfg, nil)
	assert.True(t, types.IsErrorCategory(err, types.ErrorCategoryConfiguration))
}
