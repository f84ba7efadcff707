// Package enrichment runs durable bulk enrichment jobs: it owns the job
// lifecycle, the batch loop, crash recovery and completion waiting.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"enrichd/internal/domain"
)

const defaultPollInterval = time.Second

// Config holds engine tuning. Zero values select defaults.
type Config struct {
	Runner            RunnerConfig
	MaxConcurrentJobs int
	PollInterval      time.Duration // store polling while waiting for completion

	// ManualStart disables the lazy recovery of running jobs on the first
	// public call. Short-lived processes set it so they do not adopt jobs
	// owned by a long-running server.
	ManualStart bool
}

// Service is the public API of the enrichment engine.
type Service struct {
	jobs       domain.JobRepository
	source     domain.RowSource
	registry   *Registry
	completion *completionRegistry
	supervisor *Supervisor
	cfg        Config
	logger     *slog.Logger
}

// NewService wires the engine. logger may be nil.
func NewService(jobs domain.JobRepository, source domain.RowSource, registry *Registry, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	logger = logger.With("component", "enrichment")
	completion := newCompletionRegistry()
	runner := newRunner(jobs, source, registry, completion, cfg.Runner, logger)
	return &Service{
		jobs:       jobs,
		source:     source,
		registry:   registry,
		completion: completion,
		supervisor: NewSupervisor(jobs, registry, runner, cfg.MaxConcurrentJobs, logger),
		cfg:        cfg,
		logger:     logger,
	}
}

// Supervisor returns the service's job supervisor.
func (s *Service) Supervisor() *Supervisor { return s.supervisor }

// Start recovers jobs left running by a previous process. Safe to call
// repeatedly and concurrently.
func (s *Service) Start(ctx context.Context) error {
	return s.supervisor.Start(ctx)
}

func (s *Service) ensureStarted(ctx context.Context) {
	if s.cfg.ManualStart {
		return
	}
	if err := s.supervisor.Start(ctx); err != nil {
		s.logger.Error("job recovery failed", "error", err)
	}
}

// Shutdown stops all runners in this process.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.supervisor.Shutdown(ctx)
}

// Enqueue creates a job for the request and launches it. Repeating a request
// with the same actor and request id returns the existing job.
func (s *Service) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.Job, error) {
	s.ensureStarted(ctx)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.RequestID != "" {
		existing, err := s.jobs.GetByRequestID(ctx, req.ActorID, req.RequestID)
		if err == nil {
			return existing, nil
		}
		var nf *domain.NotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("lookup job by request id: %w", err)
		}
	} else {
		req.RequestID = domain.NewRequestID()
	}

	proc, err := s.registry.Get(req.Enrichment)
	if err != nil {
		return nil, err
	}
	table := domain.TableRef{Database: req.Database, Table: req.Table}
	if req.Config == nil {
		req.Config = map[string]any{}
	}
	if err := proc.Initialize(ctx, table, req.Config); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", req.Enrichment, err)
	}

	count, err := s.source.Count(ctx, table, req.Filter)
	if err != nil {
		var rse *domain.RowSourceError
		if !errors.As(err, &rse) {
			err = &domain.RowSourceError{Op: "count", Err: err}
		}
		return nil, err
	}

	job, err := s.jobs.Create(ctx, &domain.Job{
		Enrichment:   req.Enrichment,
		DatabaseName: req.Database,
		TableName:    req.Table,
		Filter:       req.Filter,
		Config:       req.Config,
		RowCount:     count,
		ActorID:      req.ActorID,
		RequestID:    req.RequestID,
		MaxErrors:    req.MaxErrors,
	})
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			return s.jobs.GetByRequestID(ctx, req.ActorID, req.RequestID)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.logger.Info("enrichment job enqueued", "job_id", job.ID, "enrichment", job.Enrichment,
		"table", table.String(), "row_count", count)
	if !req.Detach {
		s.supervisor.Launch(job.ID, LaunchClaim)
	}
	return job, nil
}

// GetJob returns the persisted job.
func (s *Service) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	s.ensureStarted(ctx)
	return s.jobs.GetByID(ctx, id)
}

// GetJobStatus returns the job's status summary including its progress
// sections.
func (s *Service) GetJobStatus(ctx context.Context, id int64) (*domain.JobStatusView, error) {
	s.ensureStarted(ctx)
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.jobs.ListProgress(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	return &domain.JobStatusView{
		ID:           job.ID,
		Status:       job.Status,
		Enrichment:   job.Enrichment,
		Database:     job.DatabaseName,
		Table:        job.TableName,
		RowCount:     job.RowCount,
		DoneCount:    job.DoneCount,
		ErrorCount:   job.ErrorCount,
		Cost:         job.Cost,
		StatusReason: job.StatusReason,
		Sections:     domain.BuildSections(events),
	}, nil
}

// Pause stops a running job after its in-flight batch.
func (s *Service) Pause(ctx context.Context, id int64, reason *string) (*domain.Job, error) {
	s.ensureStarted(ctx)
	job, err := s.jobs.SetStatus(ctx, id, domain.JobStatusPaused, domain.PauseAllowedFrom, reason)
	if err != nil {
		return nil, err
	}
	s.logger.Info("enrichment job paused", "job_id", id)
	return job, nil
}

// Resume continues a paused job from its persisted cursor.
func (s *Service) Resume(ctx context.Context, id int64, reason *string) (*domain.Job, error) {
	s.ensureStarted(ctx)
	job, err := s.jobs.SetStatus(ctx, id, domain.JobStatusRunning, domain.ResumeAllowedFrom, reason)
	if err != nil {
		return nil, err
	}
	s.logger.Info("enrichment job resumed", "job_id", id)
	s.supervisor.Launch(id, LaunchAdopt)
	return job, nil
}

// Cancel ends a pending, running or paused job. A running job stops after
// its in-flight batch.
func (s *Service) Cancel(ctx context.Context, id int64, reason *string) (*domain.Job, error) {
	s.ensureStarted(ctx)
	job, err := s.jobs.SetStatus(ctx, id, domain.JobStatusCancelled, domain.CancelAllowedFrom, reason)
	if err != nil {
		return nil, err
	}
	s.logger.Info("enrichment job cancelled", "job_id", id)
	s.completion.complete(id)
	return job, nil
}

// WaitForCompletion blocks until the job is finished or cancelled, the
// timeout elapses (TimeoutError), or ctx ends. timeout <= 0 waits on ctx
// alone. Completion in other processes is observed by polling the store.
func (s *Service) WaitForCompletion(ctx context.Context, id int64, timeout time.Duration) (*domain.Job, error) {
	s.ensureStarted(ctx)

	done := s.completion.register(id)
	defer s.completion.release(id)

	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return s.jobs.GetByID(ctx, id)
		case <-ticker.C:
			job, err := s.jobs.GetByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if job.Status.IsTerminal() {
				return job, nil
			}
		case <-deadline:
			return nil, &domain.TimeoutError{JobID: id, After: timeout}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ListJobs returns a page of jobs and the total count.
func (s *Service) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, int64, error) {
	s.ensureStarted(ctx)
	return s.jobs.List(ctx, filter)
}

// ListErrors returns a page of the job's error records and the total count.
func (s *Service) ListErrors(ctx context.Context, id int64, page domain.PageRequest) ([]domain.ErrorRecord, int64, error) {
	s.ensureStarted(ctx)
	if _, err := s.jobs.GetByID(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.jobs.ListErrors(ctx, id, page)
}

// ListEnrichments describes the registered enrichment kinds.
func (s *Service) ListEnrichments() []EnrichmentInfo {
	return s.registry.List()
}

// IncrementCost adds to a job's cost in 1/100ths of a cent.
func (s *Service) IncrementCost(ctx context.Context, id int64, amount int64) error {
	return s.jobs.IncrementCost(ctx, id, amount)
}
