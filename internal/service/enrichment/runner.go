package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"enrichd/internal/domain"
)

const (
	defaultBatchSize     = 100
	defaultFetchAttempts = 3
	defaultFetchBackoff  = time.Second

	reasonTooManyErrors = "too many errors"
)

// RunnerConfig tunes the batch loop.
type RunnerConfig struct {
	BatchSize        int           // page size when the processor does not choose one
	BatchesPerSecond float64       // per-job throttle, 0 = unthrottled
	FetchAttempts    int           // page fetch attempts before the loop gives up
	FetchBackoff     time.Duration // initial retry delay, doubled per attempt
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FetchAttempts <= 0 {
		c.FetchAttempts = defaultFetchAttempts
	}
	if c.FetchBackoff <= 0 {
		c.FetchBackoff = defaultFetchBackoff
	}
	return c
}

// LaunchIntent selects which persisted statuses a runner may take over.
type LaunchIntent int

const (
	// LaunchClaim runs the job only if this process wins the pending to
	// running transition.
	LaunchClaim LaunchIntent = iota
	// LaunchAdopt also runs a job already persisted as running. Used by
	// recovery and resume.
	LaunchAdopt
)

// runExit tells the supervisor why a runner returned.
type runExit int

const (
	exitDone runExit = iota
	// exitStalled means the row source kept failing and the job was left
	// running for a later retry.
	exitStalled
)

// Runner drives one job through its batch loop.
type Runner struct {
	jobs       domain.JobRepository
	source     domain.RowSource
	registry   *Registry
	completion *completionRegistry
	cfg        RunnerConfig
	logger     *slog.Logger
}

func newRunner(jobs domain.JobRepository, source domain.RowSource, registry *Registry,
	completion *completionRegistry, cfg RunnerConfig, logger *slog.Logger) *Runner {
	return &Runner{
		jobs:       jobs,
		source:     source,
		registry:   registry,
		completion: completion,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
}

// Run executes the job until it finishes, leaves the running state, fails
// to fetch, or ctx is cancelled. A pending job is moved to running first. A
// job already running is only taken over with LaunchAdopt.
func (r *Runner) Run(ctx context.Context, jobID int64, intent LaunchIntent) (exit runExit) {
	logger := r.logger.With("job_id", jobID)

	defer func() {
		if rec := recover(); rec != nil {
			exit = exitDone
			msg := fmt.Sprintf("panic: %v", rec)
			logger.Error("enrichment runner panicked", "error", msg)
			if err := r.jobs.RecordError(context.WithoutCancel(ctx), jobID, nil, msg); err != nil {
				logger.Error("failed to record runner panic", "error", err)
			}
		}
	}()

	job, err := r.launch(ctx, jobID, intent)
	if err != nil {
		logger.Error("failed to launch job", "error", err)
		return exitDone
	}
	if job == nil {
		return exitDone
	}
	logger = logger.With("enrichment", job.Enrichment, "table", job.Table().String())

	proc, err := r.registry.Get(job.Enrichment)
	if err != nil {
		logger.Warn("skipping job with unknown enrichment", "error", err)
		return exitDone
	}

	if err := proc.Initialize(ctx, job.Table(), job.Config); err != nil {
		logger.Warn("initialize failed, cancelling job", "error", err)
		r.cancel(ctx, job.ID, "initialize failed: "+err.Error(), logger)
		return exitDone
	}

	keys, err := r.source.PrimaryKeys(ctx, job.Table())
	if err != nil {
		logger.Error("failed to resolve primary keys", "error", err)
		r.recordError(ctx, job.ID, nil, (&domain.RowSourceError{Op: "keys", Err: err}).Error(), logger)
		return exitStalled
	}
	if len(keys) == 0 {
		keys = []string{domain.RowIDColumn}
	}

	pageSize := r.cfg.BatchSize
	if s, ok := proc.(domain.BatchSizer); ok && s.BatchSize() > 0 {
		pageSize = s.BatchSize()
	}

	var limiter *rate.Limiter
	if r.cfg.BatchesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.BatchesPerSecond), 1)
	}

	logger.Info("enrichment job running", "batch_size", pageSize)
	return r.loop(ctx, jobID, proc, keys, pageSize, limiter, logger)
}

// launch loads the job and claims it. Returns nil when there is nothing to
// run.
func (r *Runner) launch(ctx context.Context, jobID int64, intent LaunchIntent) (*domain.Job, error) {
	job, err := r.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case domain.JobStatusRunning:
		if intent != LaunchAdopt {
			// Claimed by another runner since it was listed as pending.
			return nil, nil
		}
		return job, nil
	case domain.JobStatusPending:
		job, err = r.jobs.SetStatus(ctx, jobID, domain.JobStatusRunning, domain.LaunchAllowedFrom, nil)
		var invalid *domain.InvalidTransitionError
		if errors.As(err, &invalid) {
			// Claimed or cancelled by someone else.
			return nil, nil
		}
		return job, err
	}
	return nil, nil
}

func (r *Runner) loop(ctx context.Context, jobID int64, proc domain.BatchProcessor, keys []string,
	pageSize int, limiter *rate.Limiter, logger *slog.Logger) runExit {
	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return exitDone
			}
		}
		if ctx.Err() != nil {
			logger.Info("runner stopped", "error", ctx.Err())
			return exitDone
		}

		job, err := r.jobs.GetByID(ctx, jobID)
		if err != nil {
			logger.Error("failed to reload job", "error", err)
			return exitDone
		}
		if job.Status != domain.JobStatusRunning {
			logger.Info("job no longer running", "status", job.Status)
			return exitDone
		}
		if job.SourceExhausted {
			r.finish(ctx, job, proc, logger)
			return exitDone
		}

		page, err := r.fetch(ctx, job, pageSize, logger)
		if err != nil {
			if ctx.Err() != nil {
				return exitDone
			}
			logger.Error("giving up on job after fetch failures; it stays running", "error", err)
			return exitStalled
		}
		if len(page.Rows) == 0 {
			r.finish(ctx, job, proc, logger)
			return exitDone
		}

		batch := domain.Batch{
			JobID:       job.ID,
			Table:       job.Table(),
			Rows:        page.Rows,
			PrimaryKeys: keys,
			Config:      job.Config,
			Cost:        r.jobs,
		}
		outcome, procErr := proc.Process(ctx, batch)
		commit := buildCommit(job.ID, batch, outcome, procErr, page.NextCursor)
		if procErr != nil {
			logger.Warn("batch failed", "error", &domain.ProcessorError{JobID: job.ID, Message: procErr.Error()})
		}

		if procErr == nil && (outcome.Kind == domain.OutcomePause || outcome.Kind == domain.OutcomeCancel) {
			cancelled := r.control(ctx, job.ID, outcome, logger)
			if _, err := r.jobs.CommitBatch(ctx, commit); err != nil {
				logger.Error("failed to commit batch", "error", err)
			}
			if cancelled {
				r.completion.complete(job.ID)
			}
			return exitDone
		}

		updated, err := r.jobs.CommitBatch(ctx, commit)
		if err != nil {
			logger.Error("failed to commit batch", "error", err)
			return exitDone
		}
		logger.Debug("batch committed", "rows", len(batch.Rows), "done", updated.DoneCount, "errors", updated.ErrorCount)

		if updated.Status == domain.JobStatusFinished {
			r.finalize(ctx, updated, proc, logger)
			return exitDone
		}
		if updated.MaxErrors > 0 && updated.ErrorCount >= int64(updated.MaxErrors) {
			logger.Warn("error limit reached, cancelling job", "errors", updated.ErrorCount, "max_errors", updated.MaxErrors)
			r.cancel(ctx, job.ID, reasonTooManyErrors, logger)
			return exitDone
		}
	}
}

// control applies a processor-requested pause or cancel before the batch
// is committed, so the commit cannot finish the job. Reports whether the job
// was cancelled.
func (r *Runner) control(ctx context.Context, jobID int64, outcome domain.Outcome, logger *slog.Logger) bool {
	var reason *string
	if outcome.Reason != "" {
		reason = &outcome.Reason
	}
	switch outcome.Kind {
	case domain.OutcomePause:
		if _, err := r.jobs.SetStatus(ctx, jobID, domain.JobStatusPaused, domain.PauseAllowedFrom, reason); err != nil {
			logger.Warn("processor pause not applied", "error", err)
			return false
		}
		logger.Info("job paused by processor", "reason", outcome.Reason)
	case domain.OutcomeCancel:
		if _, err := r.jobs.SetStatus(ctx, jobID, domain.JobStatusCancelled, domain.CancelAllowedFrom, reason); err != nil {
			logger.Warn("processor cancel not applied", "error", err)
			return false
		}
		logger.Info("job cancelled by processor", "reason", outcome.Reason)
		return true
	case domain.OutcomeSuccess, domain.OutcomeError:
	}
	return false
}

func (r *Runner) cancel(ctx context.Context, jobID int64, reason string, logger *slog.Logger) {
	if _, err := r.jobs.SetStatus(ctx, jobID, domain.JobStatusCancelled, domain.CancelAllowedFrom, &reason); err != nil {
		logger.Error("failed to cancel job", "reason", reason, "error", err)
		return
	}
	r.completion.complete(jobID)
}

// finish completes a job whose row source has no more rows.
func (r *Runner) finish(ctx context.Context, job *domain.Job, proc domain.BatchProcessor, logger *slog.Logger) {
	if err := r.jobs.Complete(ctx, job.ID, 0); err != nil {
		logger.Error("failed to complete job", "error", err)
		return
	}
	updated, err := r.jobs.GetByID(ctx, job.ID)
	if err != nil {
		logger.Error("failed to reload job", "error", err)
		return
	}
	if updated.Status == domain.JobStatusFinished {
		r.finalize(ctx, updated, proc, logger)
	}
}

func (r *Runner) finalize(ctx context.Context, job *domain.Job, proc domain.BatchProcessor, logger *slog.Logger) {
	if err := proc.Finalize(ctx, job.Table(), job.Config); err != nil {
		logger.Error("finalize failed", "error", err)
		r.recordError(ctx, job.ID, nil, "finalize failed: "+err.Error(), logger)
	}
	logger.Info("enrichment job finished", "done", job.DoneCount, "errors", job.ErrorCount)
	r.completion.complete(job.ID)
}

// fetch reads the next page, retrying with exponential backoff. Every
// failed attempt is recorded against the job.
func (r *Runner) fetch(ctx context.Context, job *domain.Job, pageSize int, logger *slog.Logger) (domain.Page, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.FetchAttempts; attempt++ {
		if attempt > 0 {
			backoff := r.cfg.FetchBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return domain.Page{}, ctx.Err()
			case <-time.After(backoff):
			}
			logger.Info("retrying page fetch", "attempt", attempt+1)
		}

		page, err := r.source.FetchPage(ctx, job.Table(), job.Filter, job.NextCursor, pageSize)
		if err == nil {
			return page, nil
		}
		var rse *domain.RowSourceError
		if !errors.As(err, &rse) {
			err = &domain.RowSourceError{Op: "fetch", Err: err}
		}
		lastErr = err
		logger.Warn("page fetch failed", "attempt", attempt+1, "error", err)
		r.recordError(ctx, job.ID, nil, err.Error(), logger)
	}
	return domain.Page{}, lastErr
}

func (r *Runner) recordError(ctx context.Context, jobID int64, rowIDs []any, msg string, logger *slog.Logger) {
	if err := r.jobs.RecordError(context.WithoutCancel(ctx), jobID, rowIDs, msg); err != nil {
		logger.Error("failed to record error", "error", err)
	}
}

// buildCommit turns a processed batch into the persisted result. A returned
// error or OutcomeError fails every row of the batch; otherwise row-level
// failures are recorded first and the remaining rows count as successes.
func buildCommit(jobID int64, batch domain.Batch, outcome domain.Outcome, procErr error, next *string) domain.BatchCommit {
	n := len(batch.Rows)
	commit := domain.BatchCommit{JobID: jobID, RowsDone: int64(n), NextCursor: next}

	if procErr != nil || outcome.Kind == domain.OutcomeError {
		msg := outcome.Message
		if procErr != nil {
			msg = procErr.Error()
		}
		if msg == "" {
			msg = "batch failed"
		}
		ids := make([]any, n)
		for i, row := range batch.Rows {
			ids[i] = rowID(row, batch.PrimaryKeys)
		}
		commit.Errors = []domain.ErrorRecord{{RowIDs: ids, Message: msg}}
		return commit
	}

	// A row reported by several failures is attributed to the first.
	seen := make(map[int]bool)
	for _, f := range outcome.Failures {
		var ids []any
		for _, idx := range f.Rows {
			if idx >= 0 && idx < n && !seen[idx] {
				seen[idx] = true
				ids = append(ids, rowID(batch.Rows[idx], batch.PrimaryKeys))
			}
		}
		if len(ids) == 0 {
			continue
		}
		commit.Errors = append(commit.Errors, domain.ErrorRecord{RowIDs: ids, Message: f.Message})
	}

	success := n - outcome.FailedRows(n)
	if outcome.Kind == domain.OutcomeSuccess && outcome.HasCount {
		success = max(0, min(outcome.Count, success))
	}
	commit.SuccessCount = int64(success)
	return commit
}

// rowID is the scalar key for single-column keys and a tuple otherwise.
func rowID(row domain.Row, keys []string) any {
	if len(keys) == 1 {
		return row[keys[0]]
	}
	tuple := make([]any, len(keys))
	for i, k := range keys {
		tuple[i] = row[k]
	}
	return tuple
}
