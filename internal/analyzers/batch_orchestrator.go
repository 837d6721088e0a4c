package analyzers

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joshband/copy-that/internal/interfaces"
	"github.com/joshband/copy-that/internal/progress"
	"github.com/joshband/copy-that/internal/types"
)

// OrchestratorConfig configures the batch orchestrator
type OrchestratorConfig struct {
	// Concurrency is the maximum number of work units running at once
	Concurrency int           `json:"concurrency" yaml:"concurrency"`
	UnitTimeout time.Duration `json:"unit_timeout" yaml:"unit_timeout"`
	// QueueSize is the buffer of the result stream
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// DefaultOrchestratorConfig returns the default configuration
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Concurrency: 3,
		UnitTimeout: 30 * time.Second,
		QueueSize:   64,
	}
}

// WorkUnit is one image × extractor pair
type WorkUnit struct {
	ImageID   string     `json:"image_id"`
	Extractor string     `json:"extractor"`
	Tier      types.Tier `json:"tier"`

	image     *types.Image
	extractor interfaces.Extractor
}

// UnitResult is emitted once per work unit, as soon as it finishes.
// Skipped results carry the diagnostic explaining why.
type UnitResult struct {
	Unit         WorkUnit            `json:"unit"`
	Observations []types.Observation `json:"observations,omitempty"`
	Skipped      bool                `json:"skipped"`
	Diagnostic   *types.Diagnostic   `json:"diagnostic,omitempty"`
	Duration     time.Duration       `json:"duration"`
}

// BatchOption customizes a BatchOrchestrator
type BatchOption func(*BatchOrchestrator)

// WithProgress publishes unit events to p
func WithProgress(p progress.Publisher) BatchOption {
	return func(o *BatchOrchestrator) {
		o.progress = p
	}
}

// WithOrchestratorLogger sets the logger
func WithOrchestratorLogger(l *types.StandardLogger) BatchOption {
	return func(o *BatchOrchestrator) {
		o.logger = l
	}
}

// BatchOrchestrator runs image × extractor work units on a bounded pool and
// streams their observations as each unit completes
type BatchOrchestrator struct {
	cfg       OrchestratorConfig
	providers interfaces.ProviderSource
	metrics   *Metrics
	timeouts  *TimeoutManager
	progress  progress.Publisher
	logger    *types.StandardLogger
	ids       *idSource

	active atomic.Int64
	peak   atomic.Int64
}

// NewBatchOrchestrator creates an orchestrator. providers may be nil when no
// extractor needs preprocessing; metrics may be nil.
func NewBatchOrchestrator(cfg OrchestratorConfig, providers interfaces.ProviderSource, metrics *Metrics, opts ...BatchOption) *BatchOrchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultOrchestratorConfig().QueueSize
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	o := &BatchOrchestrator{
		cfg:       cfg,
		providers: providers,
		metrics:   metrics,
		timeouts:  NewTimeoutManager(TimeoutConfig{UnitTimeout: cfg.UnitTimeout}),
		logger:    types.NewStandardLogger("batch_orchestrator"),
		ids:       newIDSource(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Concurrency returns the effective concurrency limit
func (o *BatchOrchestrator) Concurrency() int { return o.cfg.Concurrency }

// PeakActive returns the highest number of simultaneously running units
// observed over the orchestrator's lifetime
func (o *BatchOrchestrator) PeakActive() int64 { return o.peak.Load() }

// ActiveUnits returns the number of units currently holding a slot
func (o *BatchOrchestrator) ActiveUnits() int64 { return o.active.Load() }

// Run schedules every image × extractor pair and returns the result stream.
// The channel is closed after every unit has reported exactly once and
// every extractor call has returned. A timed-out unit reports immediately
// but holds its concurrency slot until its extractor returns.
// Cancelling ctx stops dispatch: units not yet started report a cancelled
// skip, units already running finish under their own timeout.
func (o *BatchOrchestrator) Run(ctx context.Context, images []*types.Image, extractors []interfaces.Extractor) <-chan UnitResult {
	out := make(chan UnitResult, o.cfg.QueueSize)
	units, rejected := o.plan(images, extractors)

	o.logger.LogSystemEvent(ctx, "batch_dispatch", map[string]any{
		"images":      len(images),
		"extractors":  len(extractors),
		"units":       len(units),
		"rejected":    len(rejected),
		"concurrency": o.cfg.Concurrency,
	})

	go func() {
		defer close(out)
		for _, r := range rejected {
			o.emit(out, r)
		}

		var g errgroup.Group
		g.SetLimit(o.cfg.Concurrency)
		for _, u := range units {
			if ctx.Err() != nil {
				o.emit(out, o.cancelled(u))
				continue
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					o.emit(out, o.cancelled(u))
					return nil
				}
				o.enter()
				defer o.exit()
				res, settled := o.execute(ctx, u)
				o.emit(out, res)
				// a timed-out extractor keeps its slot until it actually returns
				<-settled
				return nil
			})
		}
		_ = g.Wait()
	}()

	return out
}

// plan builds the work units in dispatch order (fastest tier first) and the
// skip results for images or extractors that cannot run
func (o *BatchOrchestrator) plan(images []*types.Image, extractors []interfaces.Extractor) ([]WorkUnit, []UnitResult) {
	var rejected []UnitResult
	reject := func(imageID, extractor string, err error) {
		d := types.UnitDiagnostic(imageID, extractor, err)
		d.Kind = types.DiagInvalidInput
		rejected = append(rejected, UnitResult{
			Unit:       WorkUnit{ImageID: imageID, Extractor: extractor},
			Skipped:    true,
			Diagnostic: &d,
		})
	}

	var exts []interfaces.Extractor
	seenExt := make(map[string]struct{})
	for _, e := range extractors {
		if e == nil || e.Name() == "" {
			reject("", "", types.NewValidationError("extractor", nil, "required", "extractor must have a name"))
			continue
		}
		if _, dup := seenExt[e.Name()]; dup {
			reject("", e.Name(), types.NewValidationError("extractor", e.Name(), "unique", "duplicate extractor name"))
			continue
		}
		seenExt[e.Name()] = struct{}{}
		exts = append(exts, e)
	}

	var imgs []*types.Image
	seenImg := make(map[string]struct{})
	for _, img := range images {
		if err := img.Validate(); err != nil {
			id := ""
			if img != nil {
				id = img.ID
			}
			reject(id, "", err)
			continue
		}
		if _, dup := seenImg[img.ID]; dup {
			reject(img.ID, "", types.NewValidationError("id", img.ID, "unique", "duplicate image id in batch"))
			continue
		}
		seenImg[img.ID] = struct{}{}
		imgs = append(imgs, img)
	}

	units := make([]WorkUnit, 0, len(imgs)*len(exts))
	for _, img := range imgs {
		for _, e := range exts {
			units = append(units, WorkUnit{
				ImageID:   img.ID,
				Extractor: e.Name(),
				Tier:      e.Tier(),
				image:     img,
				extractor: e,
			})
		}
	}
	slices.SortStableFunc(units, func(a, b WorkUnit) int {
		return cmp.Compare(a.Tier.Rank(), b.Tier.Rank())
	})
	return units, rejected
}

type runOutcome struct {
	findings []types.Finding
	err      error
}

// execute runs one unit. Errors, panics and timeouts become skip results.
// The returned channel closes once the extractor call has returned, which on
// timeout may be after the result is reported.
func (o *BatchOrchestrator) execute(batchCtx context.Context, u WorkUnit) (UnitResult, <-chan struct{}) {
	logger := o.logger.WithImageID(u.ImageID)
	logger.LogUnitStart(batchCtx, u.Extractor, u.ImageID)
	start := time.Now()

	ctx, cancel := o.timeouts.CreateUnitContext(batchCtx)
	defer cancel()

	var findings []types.Finding
	settled, err := o.timeouts.StartTimeoutOperation(ctx, func(ctx context.Context) error {
		r := o.invoke(ctx, u)
		findings = r.findings
		return r.err
	})

	elapsed := time.Since(start)
	o.metrics.duration.WithLabelValues(u.Extractor).Observe(elapsed.Seconds())
	res := UnitResult{Unit: u, Duration: elapsed}

	if err != nil {
		uerr := types.NewExtractorError(types.ErrorCategoryExtraction, types.ErrorCodeExtractorFailed,
			"work unit failed", u.Extractor, u.ImageID, err)
		if types.IsErrorCode(err, types.ErrorCodeTimeout) {
			uerr.Category, uerr.Code, uerr.Message = types.ErrorCategoryTimeout, types.ErrorCodeTimeout, "work unit timed out"
		}
		d := types.UnitDiagnostic(u.ImageID, u.Extractor, uerr)
		res.Skipped, res.Diagnostic = true, &d
		logger.LogUnitError(batchCtx, u.Extractor, u.ImageID, uerr)
		return res, settled
	}

	res.Observations = o.observations(u, findings)
	logger.LogUnitComplete(batchCtx, u.Extractor, u.ImageID, len(res.Observations), elapsed)
	return res, settled
}

// invoke calls the extractor, converting a panic into an error
func (o *BatchOrchestrator) invoke(ctx context.Context, u WorkUnit) (r runOutcome) {
	defer func() {
		if p := recover(); p != nil {
			o.logger.WithImageID(u.ImageID).Error(ctx, "Extractor panicked", fmt.Errorf("%v", p),
				slog.String("extractor", u.Extractor), slog.String("stack", string(debug.Stack())))
			r = runOutcome{err: fmt.Errorf("%w: %v", types.ErrExtractorPanic, p)}
		}
	}()
	findings, err := u.extractor.Run(ctx, u.image, o.providers)
	return runOutcome{findings: findings, err: err}
}

// observations stamps findings with ids and provenance. Validation of the
// payloads is left to the aggregation engine, which reports rejects.
func (o *BatchOrchestrator) observations(u WorkUnit, findings []types.Finding) []types.Observation {
	out := make([]types.Observation, 0, len(findings))
	now := time.Now()
	for _, f := range findings {
		category := f.Category
		if category == "" && f.Payload != nil {
			category = f.Payload.Category()
		}
		out = append(out, types.Observation{
			ID:         o.ids.next(),
			ImageID:    u.ImageID,
			Extractor:  u.Extractor,
			Tier:       u.Tier,
			Category:   category,
			Payload:    f.Payload,
			Confidence: types.ClampConfidence(f.Confidence),
			CreatedAt:  now,
		})
		o.metrics.observations.WithLabelValues(string(category)).Inc()
	}
	return out
}

func (o *BatchOrchestrator) cancelled(u WorkUnit) UnitResult {
	d := types.UnitDiagnostic(u.ImageID, u.Extractor, fmt.Errorf("%w: unit not started", types.ErrCancelled))
	return UnitResult{Unit: u, Skipped: true, Diagnostic: &d}
}

func (o *BatchOrchestrator) emit(out chan<- UnitResult, r UnitResult) {
	status := "completed"
	if r.Skipped && r.Diagnostic != nil {
		status = string(r.Diagnostic.Kind)
	}
	o.metrics.units.WithLabelValues(status).Inc()

	if o.progress != nil {
		ev := progress.Event{Phase: progress.PhaseExtract, Status: progress.StatusUnitCompleted, Payload: r.Unit}
		if r.Skipped {
			ev.Status, ev.Payload = progress.StatusUnitSkipped, r.Diagnostic
		}
		o.progress.Publish(ev)
	}
	out <- r
}

func (o *BatchOrchestrator) enter() {
	n := o.active.Add(1)
	o.metrics.active.Inc()
	for {
		p := o.peak.Load()
		if n <= p || o.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (o *BatchOrchestrator) exit() {
	o.active.Add(-1)
	o.metrics.active.Dec()
}
