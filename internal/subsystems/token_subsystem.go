package subsystems

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joshband/copy-that/internal/aggregation"
	"github.com/joshband/copy-that/internal/analyzers"
	"github.com/joshband/copy-that/internal/config"
	"github.com/joshband/copy-that/internal/graph"
	"github.com/joshband/copy-that/internal/interfaces"
	"github.com/joshband/copy-that/internal/progress"
	"github.com/joshband/copy-that/internal/storage"
	"github.com/joshband/copy-that/internal/types"
)

// maxTimingSamples bounds the batch durations kept for Health
const maxTimingSamples = 100

// TokenConfig contains configuration for the token subsystem
type TokenConfig struct {
	Orchestrator analyzers.OrchestratorConfig `json:"orchestrator"`
	Thresholds   aggregation.Thresholds       `json:"thresholds"`
	Graph        graph.Config                 `json:"graph"`
}

// DefaultTokenConfig returns the default subsystem configuration
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		Orchestrator: analyzers.DefaultOrchestratorConfig(),
		Thresholds:   aggregation.DefaultThresholds(),
		Graph:        graph.DefaultConfig(),
	}
}

// TokenConfigFrom extracts the subsystem configuration from cfg
func TokenConfigFrom(cfg *config.Config) TokenConfig {
	return TokenConfig{
		Orchestrator: cfg.ToOrchestratorConfig(),
		Thresholds:   cfg.Aggregation.Thresholds,
		Graph:        cfg.Graph,
	}
}

// BatchResult is the outcome of one batch. It is returned even when units
// failed or the batch was cancelled; Diagnostics says what is missing.
type BatchResult struct {
	BatchID     string                  `json:"batch_id"`
	Graph       *graph.Graph            `json:"-"`
	Tokens      []*types.CanonicalToken `json:"-"`
	Records     []graph.TokenRecord     `json:"tokens"`
	Diagnostics []types.Diagnostic      `json:"diagnostics"`
	Units       UnitSummary             `json:"units"`
	Duration    time.Duration           `json:"duration"`
}

// UnitSummary counts work unit outcomes
type UnitSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
}

// Option customizes a TokenSubsystem
type Option func(*TokenSubsystem)

// WithProgress publishes batch, unit and token events to p
func WithProgress(p progress.Publisher) Option {
	return func(s *TokenSubsystem) {
		s.progress = p
	}
}

// WithStore persists every finalized batch to store
func WithStore(store storage.SnapshotStore) Option {
	return func(s *TokenSubsystem) {
		s.store = store
	}
}

// WithMetrics sets the orchestrator metrics
func WithMetrics(m *analyzers.Metrics) Option {
	return func(s *TokenSubsystem) {
		s.metrics = m
	}
}

// WithLogger sets the subsystem logger
func WithLogger(l *types.StandardLogger) Option {
	return func(s *TokenSubsystem) {
		s.logger = l
	}
}

// TokenSubsystem runs batches end to end: orchestrated extraction, a single
// aggregation consumer, and the graph build over the finalized tokens
type TokenSubsystem struct {
	cfg       TokenConfig
	providers interfaces.ProviderSource
	progress  progress.Publisher
	store     storage.SnapshotStore
	metrics   *analyzers.Metrics
	logger    *types.StandardLogger

	stateMu           sync.RWMutex
	batchesProcessed  int64
	batchesInProgress int
	processingTimes   []time.Duration
	lastError         string
}

// NewTokenSubsystem validates cfg and creates the subsystem. providers may be
// nil when no extractor uses preprocessing.
func NewTokenSubsystem(cfg TokenConfig, providers interfaces.ProviderSource, opts ...Option) (*TokenSubsystem, error) {
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid aggregation thresholds: %w", err)
	}
	s := &TokenSubsystem{
		cfg:             cfg,
		providers:       providers,
		logger:          types.NewStandardLogger("token_subsystem"),
		processingTimes: make([]time.Duration, 0, maxTimingSamples),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run processes one batch. The returned result is never nil; err is only set
// when the finalized snapshot could not be persisted.
func (s *TokenSubsystem) Run(ctx context.Context, images []*types.Image, extractors []interfaces.Extractor) (*BatchResult, error) {
	start := time.Now()
	batchID := uuid.NewString()
	logger := s.logger.WithBatchID(batchID)
	s.begin()

	s.publish(progress.Event{BatchID: batchID, Phase: progress.PhaseBatch, Status: progress.StatusStarted,
		Payload: map[string]int{"images": len(images), "extractors": len(extractors)}})
	logger.Info(ctx, "Batch started", slog.Int("images", len(images)), slog.Int("extractors", len(extractors)))

	engine := aggregation.NewEngine(s.cfg.Thresholds,
		aggregation.WithLogger(logger.WithOperation("aggregate")),
		aggregation.WithOutcomeHook(func(obs types.Observation, outcome aggregation.Outcome) {
			s.publishOutcome(batchID, obs, outcome)
		}))

	orchestrator := analyzers.NewBatchOrchestrator(s.cfg.Orchestrator, s.providers, s.metrics,
		analyzers.WithProgress(s.batchPublisher(batchID)),
		analyzers.WithOrchestratorLogger(logger.WithOperation("extract")))

	// the engine is the only consumer; completed units feed it as they arrive
	observations := make(chan types.Observation, s.cfg.Orchestrator.QueueSize)
	consumed := make(chan error, 1)
	go func() {
		consumed <- engine.Consume(context.WithoutCancel(ctx), observations)
	}()

	result := &BatchResult{BatchID: batchID}
	var diagnostics []types.Diagnostic
	for r := range orchestrator.Run(ctx, images, extractors) {
		result.Units.Total++
		if r.Skipped {
			result.Units.Skipped++
			if r.Diagnostic != nil {
				diagnostics = append(diagnostics, *r.Diagnostic)
			}
			continue
		}
		result.Units.Completed++
		for _, obs := range r.Observations {
			observations <- obs
		}
	}
	close(observations)
	if err := <-consumed; err != nil {
		logger.Error(ctx, "Aggregation consumer stopped early", err)
	}

	tokens, aggDiags := engine.Finalize()
	diagnostics = append(diagnostics, aggDiags...)
	s.publish(progress.Event{BatchID: batchID, Phase: progress.PhaseAggregate, Status: progress.StatusCompleted,
		Payload: engine.Stats()})

	g, graphDiags := graph.NewBuilder(s.cfg.Graph, logger.WithOperation("graph")).Build(ctx, tokens)
	diagnostics = append(diagnostics, graphDiags...)
	types.SortDiagnostics(diagnostics)

	result.Graph = g
	result.Tokens = tokens
	result.Records = g.Export()
	result.Diagnostics = diagnostics
	result.Duration = time.Since(start)

	for _, d := range diagnostics {
		logger.LogDiagnostic(ctx, d)
	}
	s.publish(progress.Event{BatchID: batchID, Phase: progress.PhaseGraph, Status: progress.StatusCompleted,
		Payload: map[string]int{"nodes": g.Len(), "edges": g.EdgeCount()}})

	var err error
	if s.store != nil {
		err = s.store.SaveSnapshot(context.WithoutCancel(ctx), &storage.Snapshot{
			BatchID:     batchID,
			CreatedAt:   time.Now().UTC(),
			Images:      imageIDs(images),
			Tokens:      result.Records,
			Diagnostics: diagnostics,
		})
		if err != nil {
			err = types.WrapError(err, "persist batch %s", batchID)
			logger.Error(ctx, "Failed to persist batch snapshot", err)
		}
	}

	s.finish(result.Duration, err)
	s.publish(progress.Event{BatchID: batchID, Phase: progress.PhaseBatch, Status: progress.StatusCompleted, Payload: result.Units})
	logger.LogSystemEvent(ctx, "batch_completed", map[string]any{
		"tokens":      len(tokens),
		"diagnostics": len(diagnostics),
		"units":       result.Units.Total,
		"skipped":     result.Units.Skipped,
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result, err
}

// Health reports processing statistics
func (s *TokenSubsystem) Health() *types.HealthStatus {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	var avg time.Duration
	if n := len(s.processingTimes); n > 0 {
		var total time.Duration
		for _, d := range s.processingTimes {
			total += d
		}
		avg = total / time.Duration(n)
	}
	status := "healthy"
	if s.lastError != "" {
		status = "degraded"
	}
	return &types.HealthStatus{
		Status:            status,
		Timestamp:         time.Now(),
		BatchesProcessed:  s.batchesProcessed,
		BatchesInProgress: s.batchesInProgress,
		AverageBatchTime:  avg,
		LastError:         s.lastError,
	}
}

func (s *TokenSubsystem) begin() {
	s.stateMu.Lock()
	s.batchesInProgress++
	s.stateMu.Unlock()
}

func (s *TokenSubsystem) finish(d time.Duration, err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.batchesInProgress--
	s.batchesProcessed++
	if len(s.processingTimes) >= maxTimingSamples {
		s.processingTimes = s.processingTimes[1:]
	}
	s.processingTimes = append(s.processingTimes, d)
	if err != nil {
		s.lastError = err.Error()
	}
}

func (s *TokenSubsystem) publish(ev progress.Event) {
	if s.progress != nil {
		s.progress.Publish(ev)
	}
}

func (s *TokenSubsystem) publishOutcome(batchID string, obs types.Observation, outcome aggregation.Outcome) {
	var status string
	switch outcome {
	case aggregation.OutcomeCreated:
		status = progress.StatusTokenCreated
	case aggregation.OutcomeMerged:
		status = progress.StatusTokenMerged
	default:
		return
	}
	s.publish(progress.Event{BatchID: batchID, Phase: progress.PhaseAggregate, Status: status,
		Category: obs.Category, Payload: obs.Payload})
}

// batchPublisher stamps the batch id on orchestrator events
func (s *TokenSubsystem) batchPublisher(batchID string) progress.Publisher {
	if s.progress == nil {
		return nil
	}
	return batchStamp{id: batchID, next: s.progress}
}

type batchStamp struct {
	id   string
	next progress.Publisher
}

func (b batchStamp) Publish(ev progress.Event) {
	ev.BatchID = b.id
	b.next.Publish(ev)
}

func imageIDs(images []*types.Image) []string {
	out := make([]string, 0, len(images))
	for _, img := range images {
		if img != nil && img.ID != "" {
			out = append(out, img.ID)
		}
	}
	return out
}
