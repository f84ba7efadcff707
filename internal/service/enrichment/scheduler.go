package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"enrichd/internal/domain"
)

// Schedule enqueues an enrichment on a cron expression.
type Schedule struct {
	Name       string
	Cron       string
	Database   string
	Table      string
	Filter     string
	Enrichment string
	Config     map[string]any
	ActorID    *string
	MaxErrors  int
}

// Scheduler manages cron-triggered enqueues. A trigger is skipped while a
// job of the same enrichment is still active on the table.
type Scheduler struct {
	cron      *cron.Cron
	svc       *Service
	jobs      domain.JobRepository
	schedules []Schedule
	logger    *slog.Logger
	mu        sync.Mutex
	entries   map[string]cron.EntryID // schedule name → cron entry
}

// NewScheduler creates a new enrichment scheduler.
func NewScheduler(svc *Service, jobs domain.JobRepository, schedules []Schedule, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		svc:       svc,
		jobs:      jobs,
		schedules: schedules,
		logger:    logger,
		entries:   make(map[string]cron.EntryID),
	}
}

// Start registers every schedule and starts the cron scheduler. Invalid
// cron expressions are logged and skipped.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sch := range s.schedules {
		sch := sch
		entryID, err := s.cron.AddFunc(sch.Cron, func() {
			if _, _, err := s.Trigger(context.Background(), sch); err != nil {
				s.logger.Warn("scheduled enqueue failed", "schedule", sch.Name, "error", err)
			}
		})
		if err != nil {
			s.logger.Warn("invalid cron schedule",
				"schedule", sch.Name,
				"cron", sch.Cron,
				"error", err,
			)
			continue
		}
		s.entries[sch.Name] = entryID
		s.logger.Info("scheduled enrichment", "schedule", sch.Name, "cron", sch.Cron)
	}

	s.cron.Start()
	s.logger.Info("enrichment scheduler started", "schedules", len(s.entries))
	return nil
}

// Stop stops the cron scheduler. Running triggers are not interrupted.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("enrichment scheduler stopped")
}

// Trigger enqueues sch now unless an active job already covers it. Reports
// whether a job was enqueued.
func (s *Scheduler) Trigger(ctx context.Context, sch Schedule) (*domain.Job, bool, error) {
	table := domain.TableRef{Database: sch.Database, Table: sch.Table}
	active, err := s.jobs.HasActive(ctx, table, sch.Enrichment)
	if err != nil {
		return nil, false, fmt.Errorf("check active jobs: %w", err)
	}
	if active {
		s.logger.Info("skipping schedule, job still active", "schedule", sch.Name, "table", table.String())
		return nil, false, nil
	}

	job, err := s.svc.Enqueue(ctx, domain.EnqueueRequest{
		Enrichment: sch.Enrichment,
		Database:   sch.Database,
		Table:      sch.Table,
		Filter:     sch.Filter,
		Config:     sch.Config,
		ActorID:    sch.ActorID,
		MaxErrors:  sch.MaxErrors,
	})
	if err != nil {
		return nil, false, err
	}
	s.logger.Info("scheduled enrichment enqueued", "schedule", sch.Name, "job_id", job.ID)
	return job, true, nil
}
