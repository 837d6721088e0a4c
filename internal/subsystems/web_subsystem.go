package subsystems

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/joshband/copy-that/internal/config"
	"github.com/joshband/copy-that/internal/progress"
	"github.com/joshband/copy-that/internal/web"
)

// WebSubsystem owns the progress broadcaster and the HTTP server streaming it
type WebSubsystem struct {
	server      *web.Server
	broadcaster *progress.Broadcaster
	config      config.ServerConfig

	// Context and lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	lastErr error
}

// WebSubsystemConfig contains configuration for the web subsystem
type WebSubsystemConfig struct {
	Server config.ServerConfig `json:"server"`
}

// NewWebSubsystem creates the server streaming broadcaster. The subsystem
// runs the broadcaster between Start and Stop; opts configure the routes
// beyond the progress stream.
func NewWebSubsystem(ctx context.Context, cfg *WebSubsystemConfig, broadcaster *progress.Broadcaster, opts ...web.ServerOption) (*WebSubsystem, error) {
	if cfg == nil {
		return nil, fmt.Errorf("web subsystem config is required")
	}
	if broadcaster == nil {
		return nil, fmt.Errorf("progress broadcaster is required")
	}

	subsystemCtx, cancel := context.WithCancel(ctx)

	return &WebSubsystem{
		server:      web.NewServer(cfg.Server, broadcaster, opts...),
		broadcaster: broadcaster,
		config:      cfg.Server,
		ctx:         subsystemCtx,
		cancel:      cancel,
	}, nil
}

// Handler exposes the routed server handler
func (w *WebSubsystem) Handler() http.Handler {
	return w.server.Handler()
}

// Start begins broadcasting and serving. Listen errors are logged and
// reported by GetHealth.
func (w *WebSubsystem) Start() error {
	slog.InfoContext(w.ctx, "Starting web subsystem", "addr", w.config.Addr())

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.broadcaster.Serve(w.ctx)
	}()
	go func() {
		defer w.wg.Done()
		if err := w.server.Start(w.ctx); err != nil {
			slog.ErrorContext(w.ctx, "Web server failed", "error", err)
			w.mu.Lock()
			w.lastErr = err
			w.mu.Unlock()
		}
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	slog.InfoContext(w.ctx, "Web subsystem started")
	return nil
}

// Stop gracefully shuts down the server, then the broadcaster. Open
// progress streams are closed by the broadcaster.
func (w *WebSubsystem) Stop(ctx context.Context) error {
	slog.InfoContext(ctx, "Stopping web subsystem")

	if err := w.server.Stop(ctx); err != nil {
		slog.WarnContext(ctx, "Error stopping web server", "error", err)
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("web subsystem stop: %w", ctx.Err())
	}

	slog.InfoContext(ctx, "Web subsystem stopped")
	return nil
}

// GetHealth returns the health status of the web subsystem
func (w *WebSubsystem) GetHealth() map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()

	health := map[string]any{
		"web_server":     "stopped",
		"addr":           w.config.Addr(),
		"dropped_events": w.broadcaster.Dropped(),
	}
	if w.running {
		health["web_server"] = "healthy"
	}
	if w.lastErr != nil {
		health["web_server"] = "failed"
		health["last_error"] = w.lastErr.Error()
	}
	return health
}
