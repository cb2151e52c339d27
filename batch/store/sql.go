package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// timeLayout is a fixed-width UTC timestamp format. Fixed width keeps
// lexicographic string comparison consistent with chronological order, which
// CleanupCheckpoints relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimeStr(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimeNull(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTimeStr(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// sqlOps implements the Store operations against a *sql.DB. SQLite and MySQL
// share it: all DML uses ? placeholders and column types both dialects accept,
// so only the DDL and connection setup differ per backend.
type sqlOps struct {
	db *sql.DB
}

const jobColumns = `id, name, group_id, user_id, status, config,
	total_items, completed_items, failed_items, cost_incurred, tokens_used,
	current_phase, checkpoint, started_at, completed_at, error, created_at, updated_at`

const itemColumns = `job_id, item_index, input, metadata, output, phase_outputs,
	status, current_phase, retry_count, errors, cost_incurred, tokens_used,
	processing_time_ms, started_at, completed_at`

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		j              Job
		configJSON     string
		checkpointJSON sql.NullString
		startedAt      sql.NullString
		completedAt    sql.NullString
		createdAt      string
		updatedAt      string
	)

	err := r.Scan(&j.ID, &j.Name, &j.GroupID, &j.UserID, &j.Status, &configJSON,
		&j.TotalItems, &j.CompletedItems, &j.FailedItems, &j.CostIncurred, &j.TokensUsed,
		&j.CurrentPhase, &checkpointJSON, &startedAt, &completedAt, &j.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(configJSON), &j.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job config: %w", err)
	}
	if checkpointJSON.Valid {
		var cp Checkpoint
		if err := json.Unmarshal([]byte(checkpointJSON.String), &cp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
		}
		j.Checkpoint = &cp
	}
	if j.StartedAt, err = parseTimeNull(startedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseTimeNull(completedAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTimeStr(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTimeStr(updatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanItem(r rowScanner) (*Item, error) {
	var (
		it               Item
		input            []byte
		metadataJSON     sql.NullString
		output           []byte
		phaseOutputsJSON string
		errorsJSON       string
		startedAt        sql.NullString
		completedAt      sql.NullString
	)

	err := r.Scan(&it.JobID, &it.Index, &input, &metadataJSON, &output, &phaseOutputsJSON,
		&it.Status, &it.CurrentPhase, &it.RetryCount, &errorsJSON, &it.CostIncurred,
		&it.TokensUsed, &it.ProcessingTimeMS, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	it.Input = Payload(input)
	if len(output) > 0 {
		it.Output = Payload(output)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &it.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item metadata: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(phaseOutputsJSON), &it.PhaseOutputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal phase outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(errorsJSON), &it.Errors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item errors: %w", err)
	}
	if it.StartedAt, err = parseTimeNull(startedAt); err != nil {
		return nil, err
	}
	if it.CompletedAt, err = parseTimeNull(completedAt); err != nil {
		return nil, err
	}
	return &it, nil
}

func itemArgs(it *Item) ([]any, error) {
	metadataJSON := sql.NullString{}
	if it.Metadata != nil {
		data, err := json.Marshal(it.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal item metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(data), Valid: true}
	}
	phaseOutputs := it.PhaseOutputs
	if phaseOutputs == nil {
		phaseOutputs = map[string]Payload{}
	}
	phaseOutputsJSON, err := json.Marshal(phaseOutputs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal phase outputs: %w", err)
	}
	itemErrors := it.Errors
	if itemErrors == nil {
		itemErrors = []ItemError{}
	}
	errorsJSON, err := json.Marshal(itemErrors)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item errors: %w", err)
	}

	return []any{
		it.JobID, it.Index, []byte(it.Input), metadataJSON, []byte(it.Output),
		string(phaseOutputsJSON), string(it.Status), it.CurrentPhase, it.RetryCount,
		string(errorsJSON), it.CostIncurred, it.TokensUsed, it.ProcessingTimeMS,
		formatTimePtr(it.StartedAt), formatTimePtr(it.CompletedAt),
	}, nil
}

func (o *sqlOps) createJob(ctx context.Context, job *Job, items []*Item) (err error) {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal job config: %w", err)
	}
	var checkpointJSON sql.NullString
	if job.Checkpoint != nil {
		data, err := json.Marshal(job.Checkpoint)
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint: %w", err)
		}
		checkpointJSON = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	jobQuery := `
		INSERT INTO batch_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, jobQuery,
		job.ID, job.Name, job.GroupID, job.UserID, string(job.Status), string(configJSON),
		job.TotalItems, job.CompletedItems, job.FailedItems, job.CostIncurred, job.TokensUsed,
		job.CurrentPhase, checkpointJSON, formatTimePtr(job.StartedAt),
		formatTimePtr(job.CompletedAt), job.Error, formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	itemQuery := `
		INSERT INTO batch_items (` + itemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := tx.PrepareContext(ctx, itemQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare item insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, it := range items {
		args, err := itemArgs(it)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert item %d: %w", it.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (o *sqlOps) getJob(ctx context.Context, jobID string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE id = ?`
	j, err := scanJob(o.db.QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return j, nil
}

func (o *sqlOps) listJobs(ctx context.Context, filter ListFilter) ([]*Job, bool, error) {
	var (
		conds []string
		args  []any
	)
	if filter.GroupID != "" {
		conds = append(conds, "group_id = ?")
		args = append(args, filter.GroupID)
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + jobColumns + ` FROM batch_jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		// Fetch one extra row to detect whether more pages exist.
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit+1, filter.Offset)
	}

	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, false, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("error iterating job rows: %w", err)
	}

	hasMore := false
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
		hasMore = true
	}
	return jobs, hasMore, nil
}

func (o *sqlOps) updateJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error {
	now := formatTime(time.Now())
	query := `
		UPDATE batch_jobs SET
			status = ?,
			error = ?,
			started_at = CASE WHEN ? = 1 AND started_at IS NULL THEN ? ELSE started_at END,
			completed_at = CASE WHEN ? = 1 THEN ? ELSE NULL END,
			updated_at = ?
		WHERE id = ?
	`
	isRunning := 0
	if status == JobRunning {
		isRunning = 1
	}
	isTerminal := 0
	if status.Terminal() {
		isTerminal = 1
	}
	res, err := o.db.ExecContext(ctx, query,
		string(status), errMsg, isRunning, now, isTerminal, now, now, jobID)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return checkFound(res, jobID)
}

func (o *sqlOps) setJobCurrentPhase(ctx context.Context, jobID, phase string) error {
	res, err := o.db.ExecContext(ctx,
		`UPDATE batch_jobs SET current_phase = ?, updated_at = ? WHERE id = ?`,
		phase, formatTime(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("failed to update current phase: %w", err)
	}
	return checkFound(res, jobID)
}

func (o *sqlOps) updateJobAggregates(ctx context.Context, jobID string, agg Aggregates) error {
	query := `
		UPDATE batch_jobs SET
			completed_items = ?, failed_items = ?, cost_incurred = ?, tokens_used = ?,
			updated_at = ?
		WHERE id = ?
	`
	res, err := o.db.ExecContext(ctx, query,
		agg.CompletedItems, agg.FailedItems, agg.CostIncurred, agg.TokensUsed,
		formatTime(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job aggregates: %w", err)
	}
	return checkFound(res, jobID)
}

func (o *sqlOps) saveCheckpoint(ctx context.Context, jobID string, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	query := `
		UPDATE batch_jobs SET
			checkpoint = ?, current_phase = ?,
			completed_items = ?, failed_items = ?, cost_incurred = ?, tokens_used = ?,
			updated_at = ?
		WHERE id = ?
	`
	res, err := o.db.ExecContext(ctx, query,
		string(data), cp.CurrentPhase,
		cp.CompletedItems, cp.FailedItems, cp.CostIncurred, cp.TokensUsed,
		formatTime(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return checkFound(res, jobID)
}

func (o *sqlOps) loadCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	var checkpointJSON sql.NullString
	err := o.db.QueryRowContext(ctx,
		`SELECT checkpoint FROM batch_jobs WHERE id = ?`, jobID).Scan(&checkpointJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if !checkpointJSON.Valid {
		return nil, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(checkpointJSON.String), &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func (o *sqlOps) clearCheckpoint(ctx context.Context, jobID string) error {
	res, err := o.db.ExecContext(ctx,
		`UPDATE batch_jobs SET checkpoint = NULL, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return checkFound(res, jobID)
}

func (o *sqlOps) cleanupCheckpoints(ctx context.Context, cutoff time.Time, statuses []JobStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, 0, len(statuses)+2)
	args = append(args, formatTime(time.Now()))
	for _, s := range statuses {
		args = append(args, string(s))
	}
	args = append(args, formatTime(cutoff))

	// #nosec G201 -- placeholders are not user input, just "?" marks for parameterized query
	query := fmt.Sprintf(`
		UPDATE batch_jobs SET checkpoint = NULL, updated_at = ?
		WHERE checkpoint IS NOT NULL
		  AND status IN (%s)
		  AND completed_at IS NOT NULL
		  AND completed_at < ?
	`, placeholders)

	res, err := o.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned checkpoints: %w", err)
	}
	return int(n), nil
}

func (o *sqlOps) getItem(ctx context.Context, jobID string, index int) (*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM batch_items WHERE job_id = ? AND item_index = ?`
	it, err := scanItem(o.db.QueryRowContext(ctx, query, jobID, index))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s item %d: %w", jobID, index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	return it, nil
}

func (o *sqlOps) listItems(ctx context.Context, jobID string) ([]*Item, error) {
	// Distinguish "no items" from "no such job".
	var exists int
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM batch_jobs WHERE id = ?`, jobID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check job: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}

	query := `SELECT ` + itemColumns + ` FROM batch_items WHERE job_id = ? ORDER BY item_index`
	rows, err := o.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item rows: %w", err)
	}
	return items, nil
}

func (o *sqlOps) updateItem(ctx context.Context, item *Item) error {
	args, err := itemArgs(item)
	if err != nil {
		return err
	}
	query := `
		UPDATE batch_items SET
			input = ?, metadata = ?, output = ?, phase_outputs = ?,
			status = ?, current_phase = ?, retry_count = ?, errors = ?,
			cost_incurred = ?, tokens_used = ?, processing_time_ms = ?,
			started_at = ?, completed_at = ?
		WHERE job_id = ? AND item_index = ?
	`
	// itemArgs puts job_id and item_index first; the UPDATE needs them last.
	ordered := make([]any, 0, len(args))
	ordered = append(ordered, args[2:]...)
	ordered = append(ordered, args[0], args[1])
	res, err := o.db.ExecContext(ctx, query, ordered...)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check item update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s item %d: %w", item.JobID, item.Index, ErrNotFound)
	}
	return nil
}

func (o *sqlOps) aggregateItems(ctx context.Context, jobID string) (Aggregates, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(cost_incurred), 0),
			COALESCE(SUM(tokens_used), 0)
		FROM batch_items
		WHERE job_id = ?
	`
	var agg Aggregates
	err := o.db.QueryRowContext(ctx, query, jobID).Scan(
		&agg.CompletedItems, &agg.FailedItems, &agg.CostIncurred, &agg.TokensUsed)
	if err != nil {
		return Aggregates{}, fmt.Errorf("failed to aggregate items: %w", err)
	}
	return agg, nil
}

func (o *sqlOps) deleteJob(ctx context.Context, jobID string) error {
	// Items go via ON DELETE CASCADE.
	res, err := o.db.ExecContext(ctx, `DELETE FROM batch_jobs WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return checkFound(res, jobID)
}

func checkFound(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return nil
}
