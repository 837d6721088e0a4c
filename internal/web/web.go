// Package web exposes the progress stream and finalized batch snapshots
// over HTTP.
package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joshband/copy-that/internal/config"
	"github.com/joshband/copy-that/internal/storage"
	"github.com/joshband/copy-that/internal/types"
)

// HealthSource reports subsystem health
type HealthSource interface {
	Health() *types.HealthStatus
}

// Server represents the progress web server
type Server struct {
	mux        *http.ServeMux
	httpServer *http.Server
	config     config.ServerConfig

	progress *ProgressHandler
	store    storage.SnapshotStore
	health   HealthSource
	gatherer prometheus.Gatherer
}

// ServerOption customizes a Server
type ServerOption func(*Server)

// WithSnapshots serves stored batches from store
func WithSnapshots(store storage.SnapshotStore) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// WithHealth serves health from h
func WithHealth(h HealthSource) ServerOption {
	return func(s *Server) {
		s.health = h
	}
}

// WithMetricsGatherer exposes g on /metrics
func WithMetricsGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

// NewServer creates a server streaming events from source
func NewServer(cfg config.ServerConfig, source Subscriber, opts ...ServerOption) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		config:   cfg,
		progress: NewProgressHandler(source),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.middlewareChain(s.mux)
}

// Start serves until Stop is called. Request contexts derive from ctx.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	slog.InfoContext(ctx, "Starting progress server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	slog.InfoContext(ctx, "Stopping progress server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	return nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.mux.Handle("/ws/progress", s.progress)
	s.mux.HandleFunc("/api/v1/health", s.handleHealthCheck)
	s.mux.HandleFunc("/api/v1/batches", s.handleListBatches)
	s.mux.HandleFunc("/api/v1/batches/", s.handleGetBatch)

	gatherer := s.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

func (s *Server) middlewareChain(next http.Handler) http.Handler {
	return s.loggingMiddleware(s.corsMiddleware(s.recoveryMiddleware(next)))
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)
		slog.InfoContext(r.Context(), "HTTP request", "method", r.Method, "path", r.URL.Path, "status", wrapped.statusCode, "duration", time.Since(start))
	})
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware handles panics
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.ErrorContext(r.Context(), "Panic recovered", "panic", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code. Hijack is
// forwarded so websocket upgrades pass through the middleware.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// APIResponse is the JSON envelope for API routes
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) sendJSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: statusCode < 400,
		Data:    data,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.ErrorContext(r.Context(), "Failed to encode JSON response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(APIResponse{Success: false, Error: message}); err != nil {
		slog.ErrorContext(r.Context(), "Failed to encode JSON error", "error", err)
	}
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.sendJSON(w, r, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	s.sendJSON(w, r, http.StatusOK, s.health.Health())
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.store == nil {
		s.sendError(w, r, http.StatusServiceUnavailable, "snapshot storage is not configured")
		return
	}
	batches, err := s.store.ListBatches(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to list batches", "error", err)
		s.sendError(w, r, http.StatusInternalServerError, "failed to list batches")
		return
	}
	s.sendJSON(w, r, http.StatusOK, batches)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.store == nil {
		s.sendError(w, r, http.StatusServiceUnavailable, "snapshot storage is not configured")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/batches/"), "/")
	if id == "" {
		s.sendError(w, r, http.StatusBadRequest, "batch id is required")
		return
	}
	snap, err := s.store.LoadSnapshot(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrSnapshotNotFound):
		s.sendError(w, r, http.StatusNotFound, "batch not found")
		return
	case err != nil:
		slog.ErrorContext(r.Context(), "Failed to load batch", "batch_id", id, "error", err)
		s.sendError(w, r, http.StatusInternalServerError, "failed to load batch")
		return
	}
	s.sendJSON(w, r, http.StatusOK, snap)
}
