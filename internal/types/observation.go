package types

import (
	"image"
	"maps"
	"slices"
	"time"
)

// Image is a single reference image supplied by the intake adapter.
// Only ID is required by the core; Pixels is the decoded buffer and Data the
// optional raw encoded bytes.
type Image struct {
	ID        string      `json:"id"`
	MediaType string      `json:"media_type,omitempty"`
	Data      []byte      `json:"-"`
	Pixels    image.Image `json:"-"`
}

// Validate checks that the image is structurally usable
func (img *Image) Validate() error {
	if img == nil {
		return NewValidationError("image", nil, "required", "image is nil")
	}
	if img.ID == "" {
		return NewValidationError("id", img.ID, "required", "image id is required")
	}
	if img.Pixels == nil {
		return NewValidationError("pixels", nil, "required", "image has no pixel buffer")
	}
	if b := img.Pixels.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return NewValidationError("pixels", b, "nonempty", "image has empty bounds")
	}
	return nil
}

// Finding is what an extractor returns for one detected value
type Finding struct {
	Category   Category `json:"category"`
	Payload    Payload  `json:"payload"`
	Confidence float64  `json:"confidence"`
}

// Observation is an immutable raw observation produced by one work unit
type Observation struct {
	ID         string    `json:"observation_id"`
	ImageID    string    `json:"image_id"`
	Extractor  string    `json:"extractor_name"`
	Tier       Tier      `json:"tier"`
	Category   Category  `json:"category"`
	Payload    Payload   `json:"payload"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewObservation builds an observation, clamping confidence into [0,1]
func NewObservation(id, imageID, extractor string, tier Tier, payload Payload, confidence float64) Observation {
	return Observation{
		ID:         id,
		ImageID:    imageID,
		Extractor:  extractor,
		Tier:       tier,
		Category:   payload.Category(),
		Payload:    payload,
		Confidence: ClampConfidence(confidence),
		CreatedAt:  time.Now(),
	}
}

// ClampConfidence clamps c into [0,1]
func ClampConfidence(c float64) float64 {
	switch {
	case c != c: // NaN
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// CanonicalToken is the deduplicated representative of one design value
type CanonicalToken struct {
	ID          string              `json:"id"`
	Category    Category            `json:"category"`
	Value       Payload             `json:"value"`
	Confidence  float64             `json:"confidence"`
	Provenance  map[string]float64  `json:"provenance"`
	Members     map[string]struct{} `json:"-"`
	MultiSource bool                `json:"multi_source"`
}

// MemberIDs returns the member observation ids in sorted order
func (t *CanonicalToken) MemberIDs() []string {
	return slices.Sorted(maps.Keys(t.Members))
}

// Images returns contributing image ids in sorted order
func (t *CanonicalToken) Images() []string {
	return slices.Sorted(maps.Keys(t.Provenance))
}

// Clone returns a deep copy of the token
func (t *CanonicalToken) Clone() *CanonicalToken {
	c := *t
	c.Provenance = maps.Clone(t.Provenance)
	c.Members = maps.Clone(t.Members)
	return &c
}
