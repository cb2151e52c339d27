package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// It keeps jobs, items, and checkpoints in a relational database. Designed
// for:
//   - Production deployments requiring persistence
//   - Jobs that must survive process restarts
//   - Audit trails over historical batch runs
//
// MySQLStore uses connection pooling and a transaction for job creation.
//
// Schema:
//   - batch_jobs: one row per job, config and checkpoint as JSON columns
//   - batch_items: one row per (job_id, item_index), cascades on job delete
type MySQLStore struct {
	ops    sqlOps
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/batchflow
//	user:password@tcp(127.0.0.1:3306)/batchflow?charset=utf8mb4
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Use environment variables:
//	    dsn := os.Getenv("MYSQL_DSN")
//	    if dsn == "" {
//	        log.Fatal("MYSQL_DSN environment variable not set")
//	    }
//	    st, err := store.NewMySQLStore(dsn)
//
// The store automatically:
//   - Creates required tables if they don't exist
//   - Configures connection pooling
//   - Sets appropriate timeouts
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{ops: sqlOps{db: db}}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

// createTables creates the required database schema if it doesn't exist.
func (m *MySQLStore) createTables(ctx context.Context) error {
	jobsTable := `
		CREATE TABLE IF NOT EXISTS batch_jobs (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			group_id VARCHAR(255) NOT NULL DEFAULT '',
			user_id VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL,
			config JSON NOT NULL,
			total_items INT NOT NULL DEFAULT 0,
			completed_items INT NOT NULL DEFAULT 0,
			failed_items INT NOT NULL DEFAULT 0,
			cost_incurred DOUBLE NOT NULL DEFAULT 0,
			tokens_used BIGINT NOT NULL DEFAULT 0,
			current_phase VARCHAR(255) NOT NULL DEFAULT '',
			checkpoint JSON NULL,
			started_at VARCHAR(40) NULL,
			completed_at VARCHAR(40) NULL,
			error TEXT NOT NULL,
			created_at VARCHAR(40) NOT NULL,
			updated_at VARCHAR(40) NOT NULL,
			INDEX idx_jobs_group (group_id),
			INDEX idx_jobs_user (user_id),
			INDEX idx_jobs_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.ops.db.ExecContext(ctx, jobsTable); err != nil {
		return fmt.Errorf("failed to create batch_jobs table: %w", err)
	}

	itemsTable := `
		CREATE TABLE IF NOT EXISTS batch_items (
			job_id VARCHAR(64) NOT NULL,
			item_index INT NOT NULL,
			input MEDIUMBLOB NOT NULL,
			metadata JSON NULL,
			output MEDIUMBLOB NULL,
			phase_outputs JSON NOT NULL,
			status VARCHAR(16) NOT NULL,
			current_phase VARCHAR(255) NOT NULL DEFAULT '',
			retry_count INT NOT NULL DEFAULT 0,
			errors JSON NOT NULL,
			cost_incurred DOUBLE NOT NULL DEFAULT 0,
			tokens_used BIGINT NOT NULL DEFAULT 0,
			processing_time_ms BIGINT NOT NULL DEFAULT 0,
			started_at VARCHAR(40) NULL,
			completed_at VARCHAR(40) NULL,
			PRIMARY KEY (job_id, item_index),
			INDEX idx_items_job_status (job_id, status),
			CONSTRAINT fk_items_job FOREIGN KEY (job_id)
				REFERENCES batch_jobs(id) ON DELETE CASCADE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.ops.db.ExecContext(ctx, itemsTable); err != nil {
		return fmt.Errorf("failed to create batch_items table: %w", err)
	}

	return nil
}

func (m *MySQLStore) guard() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// CreateJob persists a job and its items in one transaction.
func (m *MySQLStore) CreateJob(ctx context.Context, job *Job, items []*Item) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.ops.createJob(ctx, job, items)
}

// GetJob retrieves a job by ID. Returns ErrNotFound if absent.
func (m *MySQLStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	return m.ops.getJob(ctx, jobID)
}

// ListJobs returns jobs matching the filter, newest first.
func (m *MySQLStore) ListJobs(ctx context.Context, filter ListFilter) ([]*Job, bool, error) {
	if err := m.guard(); err != nil {
		return nil, false, err
	}
	return m.ops.listJobs(ctx, filter)
}

// UpdateJobStatus transitions a job's status and maintains the derived
// timestamp fields.
func (m *MySQLStore) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.ops.updateJobStatus(ctx, jobID, status, errMsg)
}

// SetJobCurrentPhase records the phase the executor is working on.
func (m *MySQLStore) SetJobCurrentPhase(ctx context.Context, jobID, phase string) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.ops.setJobCurrentPhase(ctx, jobID, phase)
}

// UpdateJobAggregates replaces the job's counter and accounting snapshot.
func (m *MySQLStore) UpdateJobAggregates(ctx context.Context, jobID string, agg Aggregates) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.ops.updateJobAggregates(ctx, jobID, agg)
}

// SaveCheckpoint writes the checkpoint blob and mirrors its snapshot fields
// into the job columns.
func (m *MySQLStore) SaveCheckpoint(ctx context.Context, jobID string, cp *Checkpoint) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.ops.saveCheckpoint(ctx, jobID, cp)
}

// LoadCheckpoint returns the job's checkpoint, or nil when none is set.
func (m *MySQLStore) LoadCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	return m.ops.loadCheckpoint(ctx, jobID)
}

// ClearCheckpoint nulls the job's checkpoint column.
func (m *MySQLStore) ClearCheckpoint(ctx context.Context, jobID string) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.ops.clearCheckpoint(ctx, jobID)
}

// CleanupCheckpoints nulls checkpoints on old finished jobs.
func (m *MySQLStore) CleanupCheckpoints(ctx context.Context, cutoff time.Time, statuses []JobStatus) (int, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	return m.ops.cleanupCheckpoints(ctx, cutoff, statuses)
}

// GetItem retrieves one item. Returns ErrNotFound if absent.
func (m *MySQLStore) GetItem(ctx context.Context, jobID string, index int) (*Item, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	return m.ops.getItem(ctx, jobID, index)
}

// ListItems returns all of a job's items ordered by index.
func (m *MySQLStore) ListItems(ctx context.Context, jobID string) ([]*Item, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	return m.ops.listItems(ctx, jobID)
}

// UpdateItem replaces an item row.
func (m *MySQLStore) UpdateItem(ctx context.Context, item *Item) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.ops.updateItem(ctx, item)
}

// AggregateItems sums per-item accounting across a job's items.
func (m *MySQLStore) AggregateItems(ctx context.Context, jobID string) (Aggregates, error) {
	if err := m.guard(); err != nil {
		return Aggregates{}, err
	}
	return m.ops.aggregateItems(ctx, jobID)
}

// DeleteJob removes a job; its items cascade.
func (m *MySQLStore) DeleteJob(ctx context.Context, jobID string) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.ops.deleteJob(ctx, jobID)
}

// Close closes the database connection.
//
// After Close, all operations will return an error.
// Calling Close multiple times is safe (subsequent calls are no-ops).
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.ops.db.Close()
}

// Ping verifies the database connection is alive.
//
// Useful for health checks and connection validation.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.ops.db.PingContext(ctx)
}

var _ Store = (*MySQLStore)(nil)
