package types

import (
	"errors"
	"fmt"
	"sort"
)

// DiagnosticKind classifies a diagnostic entry
type DiagnosticKind string

const (
	DiagInvalidInput        DiagnosticKind = "invalid_input"
	DiagExtractorFailure    DiagnosticKind = "extractor_failure"
	DiagProviderUnavailable DiagnosticKind = "provider_unavailable"
	DiagCyclicAlias         DiagnosticKind = "cyclic_alias"
	DiagDanglingReference   DiagnosticKind = "dangling_reference"
	DiagMergeAmbiguity      DiagnosticKind = "merge_ambiguity"
	DiagTimeout             DiagnosticKind = "timeout"
	DiagCancelled           DiagnosticKind = "cancelled"
)

// Severity of a diagnostic
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic records a skipped unit, degraded input or graph warning.
// Nothing is dropped from a batch result without one of these.
type Diagnostic struct {
	Kind      DiagnosticKind `json:"kind"`
	Severity  Severity       `json:"severity"`
	ImageID   string         `json:"image_id,omitempty"`
	Extractor string         `json:"extractor,omitempty"`
	TokenID   string         `json:"token_id,omitempty"`
	Message   string         `json:"message"`
}

func (d Diagnostic) String() string {
	switch {
	case d.TokenID != "":
		return fmt.Sprintf("[%s] token=%s: %s", d.Kind, d.TokenID, d.Message)
	case d.Extractor != "":
		return fmt.Sprintf("[%s] image=%s extractor=%s: %s", d.Kind, d.ImageID, d.Extractor, d.Message)
	case d.ImageID != "":
		return fmt.Sprintf("[%s] image=%s: %s", d.Kind, d.ImageID, d.Message)
	}
	return fmt.Sprintf("[%s] %s", d.Kind, d.Message)
}

// UnitDiagnostic converts a work unit error into a diagnostic
func UnitDiagnostic(imageID, extractor string, err error) Diagnostic {
	d := Diagnostic{
		Kind:      DiagExtractorFailure,
		Severity:  SeverityError,
		ImageID:   imageID,
		Extractor: extractor,
	}
	if err != nil {
		d.Message = err.Error()
	}
	switch {
	case errors.Is(err, ErrTimeout):
		d.Kind = DiagTimeout
	case errors.Is(err, ErrCancelled):
		d.Kind = DiagCancelled
		d.Severity = SeverityWarning
	case errors.Is(err, ErrProviderUnavailable):
		d.Kind = DiagProviderUnavailable
	case IsErrorCategory(err, ErrorCategoryValidation):
		d.Kind = DiagInvalidInput
	}
	return d
}

// GraphDiagnostic builds a warning about one token in the graph
func GraphDiagnostic(kind DiagnosticKind, tokenID, format string, args ...any) Diagnostic {
	return Diagnostic{
		Kind:     kind,
		Severity: SeverityWarning,
		TokenID:  tokenID,
		Message:  fmt.Sprintf(format, args...),
	}
}

// CountKind returns how many diagnostics have the given kind
func CountKind(diags []Diagnostic, kind DiagnosticKind) int {
	n := 0
	for _, d := range diags {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

// SortDiagnostics orders diagnostics by kind, image, extractor, token
func SortDiagnostics(diags []Diagnostic) {
	sort.SliceStable(diags, func(i, j int) bool {
		a, b := diags[i], diags[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.ImageID != b.ImageID {
			return a.ImageID < b.ImageID
		}
		if a.Extractor != b.Extractor {
			return a.Extractor < b.Extractor
		}
		return a.TokenID < b.TokenID
	})
}
