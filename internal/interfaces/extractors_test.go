package interfaces

import (
	"context"
	"slices"
	"testing"

	"github.com/joshband/copy-that/internal/types"
)

func noop(name string, tier types.Tier) *ExtractorFunc {
	return NewExtractorFunc(name, tier, func(context.Context, *types.Image, ProviderSource) ([]types.Finding, error) {
		return nil, nil
	})
}

func TestExtractorFuncDelegates(t *testing.T) {
	e := NewExtractorFunc("colors", types.TierFast, func(_ context.Context, img *types.Image, _ ProviderSource) ([]types.Finding, error) {
		return []types.Finding{{
			Category:   types.CategoryColor,
			Payload:    types.ColorValue{Hex: "#FF5733"},
			Confidence: 0.9,
		}}, nil
	})

	if e.Name() != "colors" {
		t.Errorf("Name() = %v, want colors", e.Name())
	}
	if e.Tier() != types.TierFast {
		t.Errorf("Tier() = %v, want %v", e.Tier(), types.TierFast)
	}

	findings, err := e.Run(t.Context(), &types.Image{ID: "a"}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	if got := findings[0].Payload.Category(); got != types.CategoryColor {
		t.Errorf("finding category = %v, want %v", got, types.CategoryColor)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	for _, e := range []*ExtractorFunc{
		noop("shadow", types.TierSlow),
		noop("spacing", types.TierMedium),
		noop("palette", types.TierFast),
		noop("color", types.TierFast),
	} {
		if err := r.Register(e); err != nil {
			t.Fatalf("Register(%s) error = %v", e.Name(), err)
		}
	}

	err := r.Register(noop("palette", types.TierSlow))
	if err == nil {
		t.Fatal("duplicate Register() = nil, want error")
	}
	if !types.IsErrorCategory(err, types.ErrorCategoryValidation) {
		t.Errorf("duplicate Register() = %v, want a validation error", err)
	}

	var names []string
	for _, e := range r.All() {
		names = append(names, e.Name())
	}
	if want := []string{"color", "palette", "spacing", "shadow"}; !slices.Equal(names, want) {
		t.Errorf("All() = %v, want %v", names, want)
	}

	tests := []struct {
		name    string
		names   []string
		want    []string
		wantErr bool
	}{
		{name: "keeps requested order", names: []string{"spacing", "color"}, want: []string{"spacing", "color"}},
		{name: "single", names: []string{"shadow"}, want: []string{"shadow"}},
		{name: "unknown name", names: []string{"missing"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			selected, err := r.Select(tt.names...)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Select(%v) = nil error, want error", tt.names)
				}
				return
			}
			if err != nil {
				t.Fatalf("Select(%v) error = %v", tt.names, err)
			}
			var got []string
			for _, e := range selected {
				got = append(got, e.Name())
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("Select(%v) = %v, want %v", tt.names, got, tt.want)
			}
		})
	}
}
