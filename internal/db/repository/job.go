package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"enrichd/internal/domain"
)

var _ domain.JobRepository = (*JobRepo)(nil)

// JobRepo persists enrichment jobs, their progress log and error records.
// Mutations run in immediate transactions on the single-connection write
// pool; lookups use the read pool.
type JobRepo struct {
	write *sql.DB
	read  *sql.DB
}

// NewJobRepo creates a new JobRepo. read may equal write.
func NewJobRepo(write, read *sql.DB) *JobRepo {
	if read == nil {
		read = write
	}
	return &JobRepo{write: write, read: read}
}

const jobColumns = `id, status, enrichment, database_name, table_name, filter_querystring, config,
	next_cursor, source_exhausted, row_count, done_count, error_count, cost_100ths_cent,
	status_reason, actor_id, request_id, max_errors, created_at, started_at, finished_at, updated_at`

// Create inserts a new pending job.
func (r *JobRepo) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if job == nil {
		return nil, domain.ErrValidation("job is required")
	}
	if job.RequestID == "" {
		job.RequestID = domain.NewRequestID()
	}
	cfg, err := marshalConfig(job.Config)
	if err != nil {
		return nil, err
	}

	res, err := r.write.ExecContext(ctx, `
		INSERT INTO enrichment_jobs (status, enrichment, database_name, table_name, filter_querystring,
			config, row_count, actor_id, request_id, max_errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(domain.JobStatusPending), job.Enrichment, job.DatabaseName, job.TableName, job.Filter,
		cfg, job.RowCount, nullString(job.ActorID), job.RequestID, job.MaxErrors)
	if err != nil {
		err = mapDBError(err)
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			return nil, domain.ErrConflict("job with request id %q already exists", job.RequestID)
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	return r.getOne(ctx, r.write, `SELECT `+jobColumns+` FROM enrichment_jobs WHERE id = ?`, id)
}

// GetByID returns a job by ID.
func (r *JobRepo) GetByID(ctx context.Context, id int64) (*domain.Job, error) {
	job, err := r.getOne(ctx, r.read, `SELECT `+jobColumns+` FROM enrichment_jobs WHERE id = ?`, id)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return nil, domain.ErrNotFound("job %d not found", id)
		}
		return nil, err
	}
	return job, nil
}

// GetByRequestID returns a job by actor + request id. A nil actor matches
// jobs enqueued without one.
func (r *JobRepo) GetByRequestID(ctx context.Context, actorID *string, requestID string) (*domain.Job, error) {
	actor := ""
	if actorID != nil {
		actor = *actorID
	}
	return r.getOne(ctx, r.read, `
		SELECT `+jobColumns+` FROM enrichment_jobs
		WHERE COALESCE(actor_id, '') = ? AND request_id = ?
	`, actor, requestID)
}

// List returns a page of jobs, newest first, and the total matching count.
func (r *JobRepo) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, int64, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Database != nil {
		where = append(where, "database_name = ?")
		args = append(args, *filter.Database)
	}
	if filter.Table != nil {
		where = append(where, "table_name = ?")
		args = append(args, *filter.Table)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := r.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrichment_jobs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	args = append(args, filter.Page.Limit(), filter.Page.Offset())
	jobs, err := r.queryJobs(ctx, `SELECT `+jobColumns+` FROM enrichment_jobs`+clause+
		` ORDER BY id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListByStatus returns every job in one of the given statuses, oldest first.
func (r *JobRepo) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error) {
	if len(statuses) == 0 {
		return []domain.Job{}, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM enrichment_jobs
		WHERE status IN (`+strings.Join(placeholders, ", ")+`) ORDER BY id`, args...)
}

// ListRunning returns every job persisted as running.
func (r *JobRepo) ListRunning(ctx context.Context) ([]domain.Job, error) {
	return r.ListByStatus(ctx, domain.JobStatusRunning)
}

// HasActive reports whether a non-terminal job of the given enrichment kind
// exists for the table.
func (r *JobRepo) HasActive(ctx context.Context, table domain.TableRef, enrichment string) (bool, error) {
	var n int
	err := r.read.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrichment_jobs
		WHERE database_name = ? AND table_name = ? AND enrichment = ?
		  AND status IN (?, ?, ?)
	`, table.Database, table.Table, enrichment,
		string(domain.JobStatusPending), string(domain.JobStatusRunning), string(domain.JobStatusPaused),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check active jobs: %w", err)
	}
	return n > 0, nil
}

// SetStatus atomically moves a job to status to when its current status is
// in allowedFrom, and appends a status progress event. Returns
// InvalidTransitionError without mutating anything otherwise.
func (r *JobRepo) SetStatus(ctx context.Context, id int64, to domain.JobStatus, allowedFrom []domain.JobStatus, reason *string) (*domain.Job, error) {
	if !to.Valid() {
		return nil, domain.ErrValidation("invalid job status %q", to)
	}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		from, err := currentStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		if !domain.StatusIn(from, allowedFrom) {
			return &domain.InvalidTransitionError{JobID: id, From: from, To: to}
		}
		return setStatusTx(ctx, tx, id, to, reason)
	})
	if err != nil {
		return nil, err
	}
	return r.getOne(ctx, r.write, `SELECT `+jobColumns+` FROM enrichment_jobs WHERE id = ?`, id)
}

// AdvanceCursor persists the cursor after a processed page.
func (r *JobRepo) AdvanceCursor(ctx context.Context, id int64, cursor string, rowsDone int64) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return advanceTx(ctx, tx, id, cursor, rowsDone)
	})
}

// Complete marks the row source exhausted and finishes the job if it is
// still running.
func (r *JobRepo) Complete(ctx context.Context, id int64, rowsDone int64) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return completeTx(ctx, tx, id, rowsDone)
	})
}

// CommitBatch persists the error records, success count and cursor (or
// completion) of one processed batch in a single transaction.
func (r *JobRepo) CommitBatch(ctx context.Context, commit domain.BatchCommit) (*domain.Job, error) {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := currentStatus(ctx, tx, commit.JobID); err != nil {
			return err
		}
		for _, rec := range commit.Errors {
			if err := recordErrorTx(ctx, tx, commit.JobID, rec.RowIDs, rec.Message); err != nil {
				return err
			}
		}
		if commit.SuccessCount > 0 {
			if err := recordSuccessTx(ctx, tx, commit.JobID, commit.SuccessCount); err != nil {
				return err
			}
		}
		if commit.NextCursor != nil {
			return advanceTx(ctx, tx, commit.JobID, *commit.NextCursor, commit.RowsDone)
		}
		return completeTx(ctx, tx, commit.JobID, commit.RowsDone)
	})
	if err != nil {
		return nil, err
	}
	return r.getOne(ctx, r.write, `SELECT `+jobColumns+` FROM enrichment_jobs WHERE id = ?`, commit.JobID)
}

// RecordSuccess appends a success progress event.
func (r *JobRepo) RecordSuccess(ctx context.Context, id int64, count int64) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := currentStatus(ctx, tx, id); err != nil {
			return err
		}
		return recordSuccessTx(ctx, tx, id, count)
	})
}

// RecordError appends an error record. Row errors also bump error_count and
// append a progress event; an empty rowIDs slice (a fetch or finalize
// failure) is recorded without touching the counts.
func (r *JobRepo) RecordError(ctx context.Context, id int64, rowIDs []any, message string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := currentStatus(ctx, tx, id); err != nil {
			return err
		}
		return recordErrorTx(ctx, tx, id, rowIDs, message)
	})
}

// IncrementCost adds amount (1/100ths of a cent) to the job's cost.
func (r *JobRepo) IncrementCost(ctx context.Context, id int64, amount int64) error {
	res, err := r.write.ExecContext(ctx, `
		UPDATE enrichment_jobs
		SET cost_100ths_cent = cost_100ths_cent + ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, amount, id)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound("job %d not found", id)
	}
	return nil
}

// ListProgress returns the job's progress events in insertion order.
func (r *JobRepo) ListProgress(ctx context.Context, id int64) ([]domain.ProgressEvent, error) {
	rows, err := r.read.QueryContext(ctx, `
		SELECT id, job_id, success_count, error_count, message, created_at
		FROM enrichment_progress WHERE job_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	events := []domain.ProgressEvent{}
	for rows.Next() {
		var (
			ev  domain.ProgressEvent
			msg sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.SuccessCount, &ev.ErrorCount, &msg, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		ev.Message = stringPtr(msg)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListErrors returns a page of the job's error records in insertion order and
// the total count.
func (r *JobRepo) ListErrors(ctx context.Context, id int64, page domain.PageRequest) ([]domain.ErrorRecord, int64, error) {
	var total int64
	if err := r.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrichment_errors WHERE job_id = ?`, id).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count errors: %w", err)
	}

	rows, err := r.read.QueryContext(ctx, `
		SELECT id, job_id, row_pks, error, created_at
		FROM enrichment_errors WHERE job_id = ? ORDER BY id LIMIT ? OFFSET ?
	`, id, page.Limit(), page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list errors: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	records := []domain.ErrorRecord{}
	for rows.Next() {
		var (
			rec domain.ErrorRecord
			raw string
		)
		if err := rows.Scan(&rec.ID, &rec.JobID, &raw, &rec.Message, &rec.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan error record: %w", err)
		}
		if rec.RowIDs, err = unmarshalRowIDs(raw); err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// === Transaction helpers ===

func (r *JobRepo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func currentStatus(ctx context.Context, tx *sql.Tx, id int64) (domain.JobStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM enrichment_jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound("job %d not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("read job status: %w", err)
	}
	return domain.JobStatus(status), nil
}

func setStatusTx(ctx context.Context, tx *sql.Tx, id int64, to domain.JobStatus, reason *string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE enrichment_jobs
		SET status = ?,
		    status_reason = ?,
		    started_at = CASE WHEN ? = 'running' THEN COALESCE(started_at, CURRENT_TIMESTAMP) ELSE started_at END,
		    finished_at = CASE WHEN ? IN ('cancelled', 'finished') THEN CURRENT_TIMESTAMP ELSE finished_at END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(to), nullString(reason), string(to), string(to), id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return appendEvent(ctx, tx, id, 0, 0, statusMessage(to, reason))
}

func advanceTx(ctx context.Context, tx *sql.Tx, id int64, cursor string, rowsDone int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE enrichment_jobs
		SET next_cursor = ?, done_count = done_count + ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, cursor, rowsDone, id)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

func completeTx(ctx context.Context, tx *sql.Tx, id int64, rowsDone int64) error {
	status, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE enrichment_jobs
		SET source_exhausted = 1, done_count = done_count + ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, rowsDone, id)
	if err != nil {
		return fmt.Errorf("mark source exhausted: %w", err)
	}
	if status != domain.JobStatusRunning {
		return nil
	}
	return setStatusTx(ctx, tx, id, domain.JobStatusFinished, nil)
}

func recordSuccessTx(ctx context.Context, tx *sql.Tx, id int64, count int64) error {
	if count <= 0 {
		return nil
	}
	return appendEvent(ctx, tx, id, count, 0, "")
}

func recordErrorTx(ctx context.Context, tx *sql.Tx, id int64, rowIDs []any, message string) error {
	raw, err := marshalRowIDs(rowIDs)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO enrichment_errors (job_id, row_pks, error) VALUES (?, ?, ?)
	`, id, raw, message); err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	// Failures not tied to rows (fetch, finalize) are kept out of the row
	// counts so done_count stays the sum of successes and row errors.
	n := int64(len(rowIDs))
	if n == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE enrichment_jobs SET error_count = error_count + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, n, id); err != nil {
		return fmt.Errorf("bump error count: %w", err)
	}
	return appendEvent(ctx, tx, id, 0, n, "")
}

func appendEvent(ctx context.Context, tx *sql.Tx, id, successCount, errorCount int64, message string) error {
	var msg sql.NullString
	if message != "" {
		msg = sql.NullString{String: message, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO enrichment_progress (job_id, success_count, error_count, message)
		VALUES (?, ?, ?, ?)
	`, id, successCount, errorCount, msg)
	if err != nil {
		return fmt.Errorf("insert progress event: %w", err)
	}
	return nil
}

func statusMessage(to domain.JobStatus, reason *string) string {
	if reason == nil || *reason == "" {
		return string(to)
	}
	return string(to) + ": " + *reason
}

// === Scanning ===

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *JobRepo) getOne(ctx context.Context, q *sql.DB, stmt string, args ...interface{}) (*domain.Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, mapDBError(err)
	}
	return job, nil
}

func (r *JobRepo) queryJobs(ctx context.Context, stmt string, args ...interface{}) ([]domain.Job, error) {
	rows, err := r.read.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	jobs := []domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job                   domain.Job
		status, cfg           string
		cursor, reason, actor sql.NullString
		exhausted             int64
		startedAt, finishedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&status,
		&job.Enrichment,
		&job.DatabaseName,
		&job.TableName,
		&job.Filter,
		&cfg,
		&cursor,
		&exhausted,
		&job.RowCount,
		&job.DoneCount,
		&job.ErrorCount,
		&job.Cost,
		&reason,
		&actor,
		&job.RequestID,
		&job.MaxErrors,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	job.NextCursor = stringPtr(cursor)
	job.SourceExhausted = exhausted != 0
	job.StatusReason = stringPtr(reason)
	job.ActorID = stringPtr(actor)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	if job.Config, err = unmarshalConfig(cfg); err != nil {
		return nil, err
	}
	return &job, nil
}
