// Package trace provides durable storage for per-batch execution traces.
//
// The worker's consumer loop appends one row per processed batch; the CLI
// reads the log back for inspection. SQLite with WAL mode allows those
// concurrent reads while the single writer appends.
package trace

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tidescale/inferd/internal/worker"
)

//go:embed schema.sql
var schemaSQL string

// Store provides durable storage for batch execution traces.
type Store struct {
	db *sql.DB
}

// Store is the Tracer the worker records through.
var _ worker.Tracer = (*Store)(nil)

// Open creates or opens a trace database at the given path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call on an existing trace database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to trace database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY errors from the consumer loop's appends.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply trace schema: %w", err)
	}

	return &Store{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordBatch appends one execution trace row. Implements worker.Tracer.
func (s *Store) RecordBatch(ctx context.Context, bt worker.BatchTrace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches
		(batch_id, size, queue_depth, enqueued_at, started_at, finished_at, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(bt.BatchID),
		bt.Size,
		bt.QueueDepth,
		bt.EnqueuedAt.UnixNano(),
		bt.StartedAt.UnixNano(),
		bt.FinishedAt.UnixNano(),
		bt.Status,
		bt.Error,
	)
	if err != nil {
		return fmt.Errorf("record batch %s: %w", bt.BatchID, err)
	}
	return nil
}

// Record is one row of the trace log as read back from the store.
type Record struct {
	Seq        int64     `json:"seq"`
	BatchID    string    `json:"batch_id"`
	Size       int       `json:"size"`
	QueueDepth int       `json:"queue_depth"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// QueueWait returns how long the batch sat in the execution queue.
func (r Record) QueueWait() time.Duration {
	return r.StartedAt.Sub(r.EnqueuedAt)
}

// ComputeTime returns how long the batch spent being processed.
func (r Record) ComputeTime() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ListBatches returns all trace rows in processing order.
// Returns an empty slice (not nil) when the log is empty.
func (s *Store) ListBatches(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, batch_id, size, queue_depth, enqueued_at, started_at, finished_at, status, error
		FROM batches
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		var enq, sta, fin int64
		if err := rows.Scan(&r.Seq, &r.BatchID, &r.Size, &r.QueueDepth, &enq, &sta, &fin, &r.Status, &r.Error); err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		r.EnqueuedAt = time.Unix(0, enq)
		r.StartedAt = time.Unix(0, sta)
		r.FinishedAt = time.Unix(0, fin)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch rows: %w", err)
	}

	return records, nil
}
