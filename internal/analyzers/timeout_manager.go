package analyzers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joshband/copy-that/internal/types"
)

// TimeoutConfig holds timeouts for batch operations
type TimeoutConfig struct {
	// UnitTimeout bounds one image × extractor work unit; zero disables it
	UnitTimeout time.Duration `json:"unit_timeout" yaml:"unit_timeout"`
	// ShutdownTimeout bounds draining in-flight units after cancellation
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DefaultTimeoutConfig returns the default timeouts
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		UnitTimeout:     30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// TimeoutManager creates bounded contexts for batch operations
type TimeoutManager struct {
	UnitTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// NewTimeoutManager creates a timeout manager from cfg
func NewTimeoutManager(cfg TimeoutConfig) *TimeoutManager {
	return &TimeoutManager{
		UnitTimeout:     cfg.UnitTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}

// CreateUnitContext derives the context a work unit runs under. It keeps the
// batch context's values but not its cancellation: once dispatched, a unit
// runs to completion or to its own timeout.
func (tm *TimeoutManager) CreateUnitContext(batchCtx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(batchCtx)
	if tm.UnitTimeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, tm.UnitTimeout)
}

// CreateShutdownContext bounds a graceful shutdown
func (tm *TimeoutManager) CreateShutdownContext() (context.Context, context.CancelFunc) {
	if tm.ShutdownTimeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), tm.ShutdownTimeout)
}

// WithTimeoutOperation runs operation and returns when it finishes or ctx
// expires, whichever is first. An operation that ignores its context is
// abandoned on expiry.
func (tm *TimeoutManager) WithTimeoutOperation(ctx context.Context, operation func(ctx context.Context) error) error {
	_, err := tm.StartTimeoutOperation(ctx, operation)
	return err
}

// StartTimeoutOperation is WithTimeoutOperation that also reports when the
// operation itself returns. On expiry the timeout error comes back at once
// while settled stays open until the abandoned operation finishes.
func (tm *TimeoutManager) StartTimeoutOperation(ctx context.Context, operation func(ctx context.Context) error) (settled <-chan struct{}, err error) {
	done := make(chan struct{})
	operationErr := make(chan error, 1)
	go func() {
		defer close(done)
		operationErr <- operation(ctx)
	}()

	select {
	case err := <-operationErr:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return done, tm.HandleTimeoutError(err)
		}
		return done, err
	case <-ctx.Done():
		return done, tm.HandleTimeoutError(ctx.Err())
	}
}

// HandleTimeoutError maps context errors onto the core error sentinels
func (tm *TimeoutManager) HandleTimeoutError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w after %v", types.ErrTimeout, tm.UnitTimeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}
	return err
}
