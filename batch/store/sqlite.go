package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps jobs, items, and checkpoints in a single-file database. Designed
// for:
//   - Development and testing with zero setup
//   - Single-process deployments
//   - Local jobs that must survive a restart
//
// SQLiteStore uses WAL mode so status reads don't block the executor's
// writes.
//
// Schema:
//   - batch_jobs: one row per job, config and checkpoint as JSON columns
//   - batch_items: one row per (job_id, item_index), cascades on job delete
type SQLiteStore struct {
	ops    sqlOps
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./jobs.db" - file in current directory
//   - "/var/lib/batchflow/jobs.db" - absolute path
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically:
//   - Creates the database file if it doesn't exist
//   - Creates required tables
//   - Enables WAL mode and foreign keys
//   - Configures a busy timeout
//
// Example:
//
//	st, err := store.NewSQLiteStore("./jobs.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{
		ops:  sqlOps{db: db},
		path: path,
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the required database schema if it doesn't exist.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	jobsTable := `
		CREATE TABLE IF NOT EXISTS batch_jobs (
			id TEXT NOT NULL PRIMARY KEY,
			name TEXT NOT NULL,
			group_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			config TEXT NOT NULL,
			total_items INTEGER NOT NULL DEFAULT 0,
			completed_items INTEGER NOT NULL DEFAULT 0,
			failed_items INTEGER NOT NULL DEFAULT 0,
			cost_incurred REAL NOT NULL DEFAULT 0,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			current_phase TEXT NOT NULL DEFAULT '',
			checkpoint TEXT NULL,
			started_at TEXT NULL,
			completed_at TEXT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`
	if _, err := s.ops.db.ExecContext(ctx, jobsTable); err != nil {
		return fmt.Errorf("failed to create batch_jobs table: %w", err)
	}

	if _, err := s.ops.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_jobs_group ON batch_jobs(group_id)"); err != nil {
		return fmt.Errorf("failed to create idx_jobs_group: %w", err)
	}
	if _, err := s.ops.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_jobs_user ON batch_jobs(user_id)"); err != nil {
		return fmt.Errorf("failed to create idx_jobs_user: %w", err)
	}
	if _, err := s.ops.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_jobs_status ON batch_jobs(status)"); err != nil {
		return fmt.Errorf("failed to create idx_jobs_status: %w", err)
	}

	itemsTable := `
		CREATE TABLE IF NOT EXISTS batch_items (
			job_id TEXT NOT NULL,
			item_index INTEGER NOT NULL,
			input BLOB NOT NULL,
			metadata TEXT NULL,
			output BLOB NULL,
			phase_outputs TEXT NOT NULL,
			status TEXT NOT NULL,
			current_phase TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			errors TEXT NOT NULL,
			cost_incurred REAL NOT NULL DEFAULT 0,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			processing_time_ms INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NULL,
			completed_at TEXT NULL,
			PRIMARY KEY (job_id, item_index),
			FOREIGN KEY (job_id) REFERENCES batch_jobs(id) ON DELETE CASCADE
		)
	`
	if _, err := s.ops.db.ExecContext(ctx, itemsTable); err != nil {
		return fmt.Errorf("failed to create batch_items table: %w", err)
	}

	if _, err := s.ops.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_items_job_status ON batch_items(job_id, status)"); err != nil {
		return fmt.Errorf("failed to create idx_items_job_status: %w", err)
	}

	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// CreateJob persists a job and its items in one transaction.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job, items []*Item) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.ops.createJob(ctx, job, items)
}

// GetJob retrieves a job by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.ops.getJob(ctx, jobID)
}

// ListJobs returns jobs matching the filter, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, filter ListFilter) ([]*Job, bool, error) {
	if err := s.guard(); err != nil {
		return nil, false, err
	}
	return s.ops.listJobs(ctx, filter)
}

// UpdateJobStatus transitions a job's status and maintains the derived
// timestamp fields.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.ops.updateJobStatus(ctx, jobID, status, errMsg)
}

// SetJobCurrentPhase records the phase the executor is working on.
func (s *SQLiteStore) SetJobCurrentPhase(ctx context.Context, jobID, phase string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.ops.setJobCurrentPhase(ctx, jobID, phase)
}

// UpdateJobAggregates replaces the job's counter and accounting snapshot.
func (s *SQLiteStore) UpdateJobAggregates(ctx context.Context, jobID string, agg Aggregates) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.ops.updateJobAggregates(ctx, jobID, agg)
}

// SaveCheckpoint writes the checkpoint blob and mirrors its snapshot fields
// into the job columns.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, jobID string, cp *Checkpoint) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.ops.saveCheckpoint(ctx, jobID, cp)
}

// LoadCheckpoint returns the job's checkpoint, or nil when none is set.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.ops.loadCheckpoint(ctx, jobID)
}

// ClearCheckpoint nulls the job's checkpoint column.
func (s *SQLiteStore) ClearCheckpoint(ctx context.Context, jobID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.ops.clearCheckpoint(ctx, jobID)
}

// CleanupCheckpoints nulls checkpoints on old finished jobs.
func (s *SQLiteStore) CleanupCheckpoints(ctx context.Context, cutoff time.Time, statuses []JobStatus) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.ops.cleanupCheckpoints(ctx, cutoff, statuses)
}

// GetItem retrieves one item. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetItem(ctx context.Context, jobID string, index int) (*Item, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.ops.getItem(ctx, jobID, index)
}

// ListItems returns all of a job's items ordered by index.
func (s *SQLiteStore) ListItems(ctx context.Context, jobID string) ([]*Item, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.ops.listItems(ctx, jobID)
}

// UpdateItem replaces an item row.
func (s *SQLiteStore) UpdateItem(ctx context.Context, item *Item) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.ops.updateItem(ctx, item)
}

// AggregateItems sums per-item accounting across a job's items.
func (s *SQLiteStore) AggregateItems(ctx context.Context, jobID string) (Aggregates, error) {
	if err := s.guard(); err != nil {
		return Aggregates{}, err
	}
	return s.ops.aggregateItems(ctx, jobID)
}

// DeleteJob removes a job; its items cascade.
func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.ops.deleteJob(ctx, jobID)
}

// Close closes the database connection.
//
// After Close, all operations will return an error.
// Calling Close multiple times is safe (subsequent calls are no-ops).
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.ops.db.Close()
}

// Ping verifies the database connection is alive.
//
// Useful for health checks and connection validation.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.ops.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

var _ Store = (*SQLiteStore)(nil)
