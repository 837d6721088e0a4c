// Package aggregation merges the raw observation stream into canonical tokens.
//
// The Engine is the single writer of token state. Observations are clustered
// per category with a perceptual metric: an observation joins the nearest
// token within the category threshold whose updated centroid still lies
// within threshold of every member, otherwise it starts a new token.
// Finalize replays all accepted observations in a canonical order so the
// final set does not depend on delivery order.
package aggregation

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/joshband/copy-that/internal/types"
)

// Outcome reports what Add did with an observation
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeMerged    Outcome = "merged"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// Stats counts Add outcomes
type Stats struct {
	Received   int64 `json:"received"`
	Created    int64 `json:"created"`
	Merged     int64 `json:"merged"`
	Duplicates int64 `json:"duplicates"`
	Rejected   int64 `json:"rejected"`
}

// Option customizes an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(l *types.StandardLogger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithOutcomeHook registers fn to be called after every Add
func WithOutcomeHook(fn func(types.Observation, Outcome)) Option {
	return func(e *Engine) {
		e.onOutcome = fn
	}
}

// Engine owns all canonical token mutation for one batch
type Engine struct {
	thresholds Thresholds
	logger     *types.StandardLogger
	onOutcome  func(types.Observation, Outcome)

	mu        sync.RWMutex
	seen      map[string]struct{}
	accepted  []types.Observation
	live      *clustering
	rejected  []types.Diagnostic
	stats     Stats
	finalized bool
	final     []*types.CanonicalToken
	finalDiag []types.Diagnostic
}

// NewEngine creates an engine with the given merge thresholds
func NewEngine(thresholds Thresholds, opts ...Option) *Engine {
	e := &Engine{
		thresholds: thresholds,
		logger:     types.NewStandardLogger("aggregation"),
		seen:       make(map[string]struct{}),
		live:       newClustering(thresholds),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Add merges one observation. Redelivery of an observation id is a no-op.
func (e *Engine) Add(obs types.Observation) Outcome {
	e.mu.Lock()
	outcome := e.add(obs)
	e.mu.Unlock()

	if e.onOutcome != nil {
		e.onOutcome(obs, outcome)
	}
	return outcome
}

func (e *Engine) add(obs types.Observation) Outcome {
	e.stats.Received++
	if e.finalized {
		e.stats.Rejected++
		e.logger.WithImageID(obs.ImageID).Warn(context.Background(), "Observation arrived after finalization",
			slog.String("observation_id", obs.ID))
		return OutcomeRejected
	}
	if _, dup := e.seen[obs.ID]; dup {
		e.stats.Duplicates++
		return OutcomeDuplicate
	}
	if err := validateObservation(obs); err != nil {
		e.stats.Rejected++
		d := types.UnitDiagnostic(obs.ImageID, obs.Extractor, err)
		d.Kind = types.DiagInvalidInput
		d.Severity = types.SeverityWarning
		e.rejected = append(e.rejected, d)
		return OutcomeRejected
	}

	e.seen[obs.ID] = struct{}{}
	e.accepted = append(e.accepted, obs)

	before := len(e.live.ambiguities)
	c, created := e.live.add(obs)
	for _, d := range e.live.ambiguities[before:] {
		e.logger.LogDiagnostic(context.Background(), d)
	}
	if created {
		e.stats.Created++
		e.logger.WithOperation("create_token").WithImageID(obs.ImageID).
			Debug(context.Background(), "New canonical token", slog.String("token_id", c.token.ID))
		return OutcomeCreated
	}
	e.stats.Merged++
	return OutcomeMerged
}

func validateObservation(obs types.Observation) error {
	switch {
	case obs.ID == "":
		return types.NewValidationError("observation_id", obs.ID, "required", "observation id is required")
	case obs.Payload == nil:
		return types.NewValidationError("payload", nil, "required", "observation has no payload")
	case !obs.Category.Valid():
		return types.NewValidationError("category", obs.Category, "oneof", fmt.Sprintf("unknown category %q", obs.Category))
	case obs.Payload.Category() != obs.Category:
		return types.NewValidationError("payload", obs.Payload.Category(), "eqfield",
			fmt.Sprintf("payload category %s does not match observation category %s", obs.Payload.Category(), obs.Category))
	}
	return obs.Payload.Validate()
}

// Consume reads observations until in is closed or ctx is done
func (e *Engine) Consume(ctx context.Context, in <-chan types.Observation) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case obs, ok := <-in:
			if !ok {
				return nil
			}
			e.Add(obs)
		}
	}
}

// Snapshot returns a copy of the current tokens for progressive display.
// Ids and membership may still change until Finalize.
func (e *Engine) Snapshot() []*types.CanonicalToken {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.finalized {
		return cloneTokens(e.final)
	}
	return e.live.tokens()
}

// Finalize freezes the engine and returns the canonical token set along with
// rejected-observation and merge-ambiguity diagnostics. Repeated calls return
// the same result.
func (e *Engine) Finalize() ([]*types.CanonicalToken, []types.Diagnostic) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.finalized {
		e.final, e.finalDiag = e.replay()
		e.finalized = true
		e.logger.LogSystemEvent(context.Background(), "aggregation_finalized", map[string]any{
			"observations": len(e.accepted),
			"tokens":       len(e.final),
			"duplicates":   e.stats.Duplicates,
			"rejected":     e.stats.Rejected,
		})
	}
	return cloneTokens(e.final), slices.Clone(e.finalDiag)
}

// replay clusters the accepted observations in canonical order
func (e *Engine) replay() ([]*types.CanonicalToken, []types.Diagnostic) {
	ordered := slices.Clone(e.accepted)
	rank := make(map[types.Category]int)
	for i, c := range types.AllCategories() {
		rank[c] = i
	}
	slices.SortFunc(ordered, func(a, b types.Observation) int {
		return cmp.Or(
			cmp.Compare(rank[a.Category], rank[b.Category]),
			cmp.Compare(a.Payload.Key(), b.Payload.Key()),
			cmp.Compare(a.ID, b.ID),
		)
	})

	cl := newClustering(e.thresholds)
	for _, obs := range ordered {
		cl.add(obs)
	}
	diags := append(slices.Clone(e.rejected), cl.ambiguities...)
	return cl.tokens(), diags
}

// Stats returns the outcome counters
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

func cloneTokens(in []*types.CanonicalToken) []*types.CanonicalToken {
	out := make([]*types.CanonicalToken, len(in))
	for i, t := range in {
		out[i] = t.Clone()
	}
	return out
}
