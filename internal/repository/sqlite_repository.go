package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"research-orchestrator/internal/models"
)

// SQLiteRepository implements JobRepository using SQLite
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// One connection serializes every write in this process; claims and outcome
	// transactions never interleave.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}

	return repo, nil
}

// DB exposes the underlying handle so read-side collaborators can share the database
func (r *SQLiteRepository) DB() *sql.DB {
	return r.db
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// initSchema initializes the database schema
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		paused INTEGER NOT NULL DEFAULT 0,
		total_count INTEGER NOT NULL DEFAULT 0,
		processed_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		current_item_ref TEXT,
		current_item_label TEXT,
		filters TEXT,
		parent_job_id TEXT,
		failure_reason TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		updated_at INTEGER NOT NULL,
		CHECK (processed_count + failed_count <= total_count)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_kind ON jobs(kind);

	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		result TEXT,
		source_item_id TEXT,
		processed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_items_job_status ON items(job_id, status, seq);
	`

	_, err := r.db.Exec(schema)
	return err
}

const jobColumns = `id, kind, status, paused, total_count, processed_count, failed_count,
	current_item_ref, current_item_label, filters, parent_job_id, failure_reason,
	created_at, started_at, completed_at, updated_at`

const itemColumns = `id, job_id, seq, label, payload, status, attempts, error_message,
	result, source_item_id, processed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var paused int
	var currentRef, currentLabel, filters, parentID, failureReason sql.NullString
	var startedAt, completedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.Status,
		&paused,
		&job.TotalCount,
		&job.ProcessedCount,
		&job.FailedCount,
		&currentRef,
		&currentLabel,
		&filters,
		&parentID,
		&failureReason,
		&createdAt,
		&startedAt,
		&completedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Paused = paused != 0
	job.CurrentItemRef = stringPtr(currentRef)
	job.CurrentItemLabel = stringPtr(currentLabel)
	job.ParentJobID = stringPtr(parentID)
	job.FailureReason = stringPtr(failureReason)
	if filters.Valid && filters.String != "" {
		job.Filters = json.RawMessage(filters.String)
	}
	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)

	return &job, nil
}

func scanItem(row rowScanner) (*models.Item, error) {
	var item models.Item
	var payload string
	var errorMessage, result, sourceItemID sql.NullString
	var processedAt sql.NullInt64

	err := row.Scan(
		&item.ID,
		&item.JobID,
		&item.Seq,
		&item.Label,
		&payload,
		&item.Status,
		&item.Attempts,
		&errorMessage,
		&result,
		&sourceItemID,
		&processedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Payload = json.RawMessage(payload)
	item.ErrorMessage = stringPtr(errorMessage)
	item.SourceItemID = stringPtr(sourceItemID)
	if result.Valid && result.String != "" {
		item.Result = json.RawMessage(result.String)
	}
	item.ProcessedAt = timePtr(processedAt)

	return &item, nil
}

// CreateJob inserts a job and all of its items as pending in one transaction
func (r *SQLiteRepository) CreateJob(ctx context.Context, job *models.Job, items []models.NewItem) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := time.Now()
	job.Status = models.StatusPending
	job.Paused = false
	job.TotalCount = len(items)
	job.ProcessedCount = 0
	job.FailedCount = 0
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, status, paused, total_count, processed_count, failed_count,
		                  filters, parent_job_id, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, 0, 0, ?, ?, ?, ?)
	`,
		job.ID,
		job.Kind,
		job.Status,
		job.TotalCount,
		nullJSON(job.Filters),
		nullStringPtr(job.ParentJobID),
		now.UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO items (id, job_id, seq, label, payload, status, attempts, source_item_id)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?)
	`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare item insert")
	}
	defer stmt.Close()

	for i, item := range items {
		if !json.Valid(item.Payload) {
			return errors.Errorf("item %d: payload is not valid JSON", i)
		}
		_, err := stmt.ExecContext(ctx,
			uuid.New().String(),
			job.ID,
			i,
			models.LabelFromPayload(item.Payload),
			string(item.Payload),
			nullString(item.SourceItemID),
		)
		if err != nil {
			return errors.Wrapf(err, "failed to insert item %d", i)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}

	return nil
}

// GetJob retrieves a job by ID
func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// ListJobs retrieves jobs newest first, optionally narrowed by status and kind
func (r *SQLiteRepository) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1 = 1`
	var args []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}

	return jobs, nil
}

// DeleteJob deletes a job; its items go with it through the foreign key cascade
func (r *SQLiteRepository) DeleteJob(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// SetJobStatus applies a compare-and-set status transition. It returns false when the
// job exists but was not in one of the expected states (or, for completion, when its
// counts do not add up to the total yet).
func (r *SQLiteRepository) SetJobStatus(ctx context.Context, id string, change StatusChange) (bool, error) {
	if !change.To.Valid() {
		return false, errors.Errorf("invalid job status %q", change.To)
	}

	now := time.Now().UnixMilli()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{change.To, now}

	switch change.To {
	case models.StatusProcessing:
		sets = append(sets, "paused = 0", "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	case models.StatusCompleted, models.StatusFailed:
		sets = append(sets, "paused = 0", "completed_at = ?", "current_item_ref = NULL", "current_item_label = NULL")
		args = append(args, now)
		if change.To == models.StatusFailed && change.Reason != "" {
			sets = append(sets, "failure_reason = ?")
			args = append(args, change.Reason)
		}
	}

	query := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)

	if len(change.From) > 0 {
		query += ` AND status IN (` + placeholders(len(change.From)) + `)`
		for _, s := range change.From {
			args = append(args, s)
		}
	}
	if change.To == models.StatusCompleted {
		query += ` AND processed_count + failed_count = total_count`
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrap(err, "failed to update job status")
	}
	return r.affectedOrMissing(ctx, res, id)
}

// SetJobPaused sets the pause flag; only a processing job can be paused or unpaused
func (r *SQLiteRepository) SetJobPaused(ctx context.Context, id string, paused bool) (bool, error) {
	flag := 0
	if paused {
		flag = 1
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET paused = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, flag, time.Now().UnixMilli(), id)
	if err != nil {
		return false, errors.Wrap(err, "failed to update pause flag")
	}
	return r.affectedOrMissing(ctx, res, id)
}

func (r *SQLiteRepository) affectedOrMissing(ctx context.Context, res sql.Result, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check job existence")
	}
	if exists == 0 {
		return false, ErrJobNotFound
	}
	return false, nil
}

// ClaimNextPendingItem marks the oldest pending item of a job as processing using a
// transaction. It returns nil when the job has no pending items left.
func (r *SQLiteRepository) ClaimNextPendingItem(ctx context.Context, jobID string) (*models.Item, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE job_id = ? AND status = 'pending'
		ORDER BY seq ASC
		LIMIT 1
	`, jobID)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find pending item")
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE items SET status = 'processing' WHERE id = ? AND status = 'pending'
	`, item.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim item")
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, errors.Errorf("item %s was claimed concurrently", item.ID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET current_item_ref = ?, current_item_label = ?, updated_at = ?
		WHERE id = ?
	`, item.ID, nullString(item.Label), time.Now().UnixMilli(), jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update current item")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}

	item.Status = models.ItemProcessing
	return item, nil
}

// RecordItemOutcome stores an item's terminal state and bumps the owning job's
// processed or failed counter in the same transaction.
func (r *SQLiteRepository) RecordItemOutcome(ctx context.Context, itemID string, outcome models.ItemOutcome) error {
	var counter string
	switch outcome.Status {
	case models.ItemCompleted:
		counter = "processed_count"
	case models.ItemFailed:
		counter = "failed_count"
	default:
		return errors.Errorf("invalid outcome status %q", outcome.Status)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var jobID string
	var status models.ItemStatus
	err = tx.QueryRowContext(ctx, `SELECT job_id, status FROM items WHERE id = ?`, itemID).Scan(&jobID, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrItemNotFound
		}
		return errors.Wrap(err, "failed to load item")
	}
	if status != models.ItemProcessing {
		return ErrItemNotClaimed
	}

	var errorMessage interface{}
	if outcome.Status == models.ItemFailed {
		errorMessage = outcome.ErrorMessage
	}

	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		UPDATE items
		SET status = ?, result = ?, error_message = ?, processed_at = ?
		WHERE id = ? AND status = 'processing'
	`, outcome.Status, nullJSON(outcome.Result), errorMessage, now, itemID)
	if err != nil {
		return errors.Wrap(err, "failed to update item")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET `+counter+` = `+counter+` + 1, updated_at = ? WHERE id = ?
	`, now, jobID)
	if err != nil {
		return errors.Wrap(err, "failed to update job counters")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}

	return nil
}

// RequeueItem returns a claimed item to pending after a transient failure
func (r *SQLiteRepository) RequeueItem(ctx context.Context, itemID string, errorMessage string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE items
		SET status = 'pending', attempts = attempts + 1, error_message = ?
		WHERE id = ? AND status = 'processing'
	`, nullString(errorMessage), itemID)
	if err != nil {
		return errors.Wrap(err, "failed to requeue item")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n > 0 {
		return nil
	}

	var exists int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE id = ?`, itemID).Scan(&exists); err != nil {
		return errors.Wrap(err, "failed to check item existence")
	}
	if exists == 0 {
		return ErrItemNotFound
	}
	return ErrItemNotClaimed
}

// ResetInFlightItems puts items stranded in processing (by a process that died
// mid-call) back to pending. Only call it while no loop is attached to the job.
func (r *SQLiteRepository) ResetInFlightItems(ctx context.Context, jobID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE items SET status = 'pending' WHERE job_id = ? AND status = 'processing'
	`, jobID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reset in-flight items")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	return n, nil
}

// ResetFailedItems returns failed items of an unfinished job to pending and takes them
// back out of failed_count, in one transaction. An empty itemIDs resets every failed item.
func (r *SQLiteRepository) ResetFailedItems(ctx context.Context, jobID string, itemIDs []string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var status models.JobStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrJobNotFound
		}
		return 0, errors.Wrap(err, "failed to load job")
	}
	if status.IsTerminal() {
		return 0, ErrJobFinished
	}

	query := `
		UPDATE items
		SET status = 'pending', attempts = 0, error_message = NULL, result = NULL, processed_at = NULL
		WHERE job_id = ? AND status = 'failed'`
	args := []interface{}{jobID}
	if len(itemIDs) > 0 {
		query += ` AND id IN (` + placeholders(len(itemIDs)) + `)`
		for _, id := range itemIDs {
			args = append(args, id)
		}
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reset failed items")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return 0, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET failed_count = failed_count - ?, updated_at = ? WHERE id = ?
	`, n, time.Now().UnixMilli(), jobID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to update job counters")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit transaction")
	}
	return n, nil
}

// GetItems retrieves items by ID, ordered by job and claim order. Unknown IDs are skipped.
func (r *SQLiteRepository) GetItems(ctx context.Context, ids []string) ([]*models.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE id IN (`+placeholders(len(ids))+`)
		ORDER BY job_id, seq
	`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query items")
	}
	return collectItems(rows)
}

// ListItems retrieves a job's items in claim order, optionally narrowed by status
func (r *SQLiteRepository) ListItems(ctx context.Context, jobID string, statuses ...models.ItemStatus) ([]*models.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE job_id = ?`
	args := []interface{}{jobID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY seq ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query items")
	}
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]*models.Item, error) {
	defer rows.Close()

	var items []*models.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan item")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate items")
	}
	return items, nil
}

// CountItemsByStatus returns how many of a job's items sit in each status
func (r *SQLiteRepository) CountItemsByStatus(ctx context.Context, jobID string) (map[models.ItemStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM items WHERE job_id = ? GROUP BY status
	`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count items")
	}
	defer rows.Close()

	counts := make(map[models.ItemStatus]int)
	for rows.Next() {
		var status models.ItemStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan item count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate item counts")
	}
	return counts, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) interface{} {
	if s == nil {
		return nil
	}
	return nullString(*s)
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	t := time.UnixMilli(ni.Int64)
	return &t
}
