// Package storage persists finalized batch snapshots.
//
// A snapshot is the export view of a published token graph plus the batch
// diagnostics. Two backends are provided: SQLite for the CLI and an
// in-memory store for tests and ephemeral runs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/joshband/copy-that/internal/graph"
	"github.com/joshband/copy-that/internal/types"
)

// ErrSnapshotNotFound is returned when no snapshot exists for a batch id
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is the persisted result of one batch
type Snapshot struct {
	BatchID     string              `json:"batch_id"`
	CreatedAt   time.Time           `json:"created_at"`
	Images      []string            `json:"images"`
	Tokens      []graph.TokenRecord `json:"tokens"`
	Diagnostics []types.Diagnostic  `json:"diagnostics"`
}

// BatchSummary is the listing view of a stored snapshot
type BatchSummary struct {
	BatchID     string    `json:"batch_id"`
	CreatedAt   time.Time `json:"created_at"`
	Tokens      int       `json:"tokens"`
	Diagnostics int       `json:"diagnostics"`
}

// SnapshotStore persists batch snapshots
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s *Snapshot) error
	LoadSnapshot(ctx context.Context, batchID string) (*Snapshot, error)
	// ListBatches returns summaries, newest first
	ListBatches(ctx context.Context) ([]BatchSummary, error)
	Close() error
}

// Open returns the store for driver: "sqlite" or "memory"
func Open(ctx context.Context, driver, dsn string) (SnapshotStore, error) {
	switch strings.ToLower(driver) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	}
	return nil, types.NewConfigurationError("storage.driver", driver, "unsupported storage driver", nil)
}

func validateSnapshot(s *Snapshot) error {
	if s == nil {
		return types.NewValidationError("snapshot", nil, "required", "snapshot is nil")
	}
	if s.BatchID == "" {
		return types.NewValidationError("batch_id", s.BatchID, "required", "snapshot has no batch id")
	}
	return nil
}

// MemoryStore keeps snapshots in process memory
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]*Snapshot)}
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, s *Snapshot) error {
	if err := validateSnapshot(s); err != nil {
		return err
	}
	c := *s
	c.Images = slices.Clone(s.Images)
	c.Tokens = slices.Clone(s.Tokens)
	c.Diagnostics = slices.Clone(s.Diagnostics)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.BatchID] = &c
	return nil
}

func (m *MemoryStore) LoadSnapshot(ctx context.Context, batchID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrSnapshotNotFound)
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) ListBatches(ctx context.Context) ([]BatchSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BatchSummary, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, BatchSummary{
			BatchID:     s.BatchID,
			CreatedAt:   s.CreatedAt,
			Tokens:      len(s.Tokens),
			Diagnostics: len(s.Diagnostics),
		})
	}
	sortSummaries(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func sortSummaries(s []BatchSummary) {
	slices.SortFunc(s, func(a, b BatchSummary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.BatchID, b.BatchID)
	})
}
