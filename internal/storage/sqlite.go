package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements SnapshotStore on SQLite
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the snapshot database at dsn.
// ":memory:" gives a private database for the lifetime of the store.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// every pooled connection to :memory: would see its own empty database
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS snapshots (
	batch_id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	token_count INTEGER NOT NULL,
	diagnostic_count INTEGER NOT NULL,
	images TEXT NOT NULL,
	tokens TEXT NOT NULL,
	diagnostics TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_at);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init snapshot schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSnapshot inserts or replaces the snapshot for its batch id
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if err := validateSnapshot(snap); err != nil {
		return err
	}
	created := snap.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	imagesJSON, err := json.Marshal(snap.Images)
	if err != nil {
		return err
	}
	tokensJSON, err := json.Marshal(snap.Tokens)
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}
	diagsJSON, err := json.Marshal(snap.Diagnostics)
	if err != nil {
		return fmt.Errorf("encode diagnostics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO snapshots (batch_id, created_at, token_count, diagnostic_count, images, tokens, diagnostics)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(batch_id) DO UPDATE SET
	created_at=excluded.created_at,
	token_count=excluded.token_count,
	diagnostic_count=excluded.diagnostic_count,
	images=excluded.images,
	tokens=excluded.tokens,
	diagnostics=excluded.diagnostics;
`, snap.BatchID, created.UTC().Format(time.RFC3339Nano), len(snap.Tokens), len(snap.Diagnostics),
		string(imagesJSON), string(tokensJSON), string(diagsJSON))
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.BatchID, err)
	}
	return nil
}

// LoadSnapshot reads the snapshot for batchID
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, batchID string) (*Snapshot, error) {
	var created, imagesJSON, tokensJSON, diagsJSON string
	err := s.db.QueryRowContext(ctx, `
SELECT created_at, images, tokens, diagnostics
FROM snapshots
WHERE batch_id = ?;
`, batchID).Scan(&created, &imagesJSON, &tokensJSON, &diagsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrSnapshotNotFound)
	}
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{BatchID: batchID}
	if snap.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if err := json.Unmarshal([]byte(imagesJSON), &snap.Images); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tokensJSON), &snap.Tokens); err != nil {
		return nil, fmt.Errorf("decode tokens: %w", err)
	}
	if err := json.Unmarshal([]byte(diagsJSON), &snap.Diagnostics); err != nil {
		return nil, fmt.Errorf("decode diagnostics: %w", err)
	}
	return snap, nil
}

// ListBatches returns one summary per stored batch, newest first
func (s *SQLiteStore) ListBatches(ctx context.Context) ([]BatchSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT batch_id, created_at, token_count, diagnostic_count
FROM snapshots;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchSummary
	for rows.Next() {
		var b BatchSummary
		var created string
		if err := rows.Scan(&b.BatchID, &created, &b.Tokens, &b.Diagnostics); err != nil {
			return nil, err
		}
		if b.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}
