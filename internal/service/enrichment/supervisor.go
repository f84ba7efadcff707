package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"enrichd/internal/domain"
)

type activeRun struct {
	cancel   context.CancelFunc
	relaunch bool
	intent   LaunchIntent // strongest intent among replayed launch requests
}

// Supervisor runs at most one runner per job in this process, bounds how
// many run concurrently, and recovers running jobs on first start.
type Supervisor struct {
	jobs     domain.JobRepository
	registry *Registry
	runner   *Runner
	sem      *semaphore.Weighted // nil when unbounded
	logger   *slog.Logger

	startOnce sync.Once
	startErr  error

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	active  map[int64]*activeRun
	stalled map[int64]struct{} // running jobs whose runner gave up on the row source
	closed  bool
	wg     sync.WaitGroup
}

// NewSupervisor creates a Supervisor. maxConcurrent <= 0 means unbounded.
func NewSupervisor(jobs domain.JobRepository, registry *Registry, runner *Runner, maxConcurrent int, logger *slog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		jobs:     jobs,
		registry: registry,
		runner:   runner,
		logger:   logger,
		baseCtx:  ctx,
		stop:     cancel,
		active:   make(map[int64]*activeRun),
		stalled:  make(map[int64]struct{}),
	}
	if maxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return s
}

// Start relaunches every job persisted as running. Only the first call does
// any work; later and concurrent calls return the first call's result.
func (s *Supervisor) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.startErr = s.recoverRunning(ctx)
	})
	return s.startErr
}

func (s *Supervisor) recoverRunning(ctx context.Context) error {
	jobs, err := s.jobs.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	for _, job := range jobs {
		if !s.registry.Has(job.Enrichment) {
			s.logger.Warn("skipping recovery of job with unknown enrichment",
				"job_id", job.ID, "enrichment", job.Enrichment)
			continue
		}
		s.logger.Info("recovering running job", "job_id", job.ID, "enrichment", job.Enrichment)
		s.Launch(job.ID, LaunchAdopt)
	}
	return nil
}

// Launch starts a runner for jobID unless one is already active here. With
// LaunchClaim the runner only proceeds if it wins pending to running; with
// LaunchAdopt it also takes over a job already running. A launch request for
// an active job is remembered and replayed when the active runner exits.
// Reports whether a new runner was started.
func (s *Supervisor) Launch(jobID int64, intent LaunchIntent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if run, ok := s.active[jobID]; ok {
		run.relaunch = true
		run.intent = max(run.intent, intent)
		return false
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	run := &activeRun{cancel: cancel}
	s.active[jobID] = run
	delete(s.stalled, jobID)
	s.wg.Add(1)
	go s.run(ctx, jobID, intent, run)
	return true
}

func (s *Supervisor) run(ctx context.Context, jobID int64, intent LaunchIntent, run *activeRun) {
	defer s.wg.Done()

	exit := exitDone
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err == nil {
			exit = s.runner.Run(ctx, jobID, intent)
			s.sem.Release(1)
		}
	} else {
		exit = s.runner.Run(ctx, jobID, intent)
	}

	s.mu.Lock()
	relaunch := run.relaunch && !s.closed
	delete(s.active, jobID)
	if exit == exitStalled && !relaunch && !s.closed {
		s.stalled[jobID] = struct{}{}
	}
	s.mu.Unlock()
	run.cancel()

	if relaunch {
		s.Launch(jobID, run.intent)
	}
}

// ClaimPending launches every pending job and retries jobs whose runner in
// this process gave up after repeated row source failures. Used by
// long-lived processes to pick up jobs enqueued elsewhere. Reports how many
// runners were started.
func (s *Supervisor) ClaimPending(ctx context.Context) (int, error) {
	launched := 0
	for _, id := range s.takeStalled() {
		s.logger.Info("retrying stalled job", "job_id", id)
		if s.Launch(id, LaunchAdopt) {
			launched++
		}
	}

	jobs, err := s.jobs.ListByStatus(ctx, domain.JobStatusPending)
	if err != nil {
		return launched, fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range jobs {
		if !s.registry.Has(job.Enrichment) {
			continue
		}
		if s.Launch(job.ID, LaunchClaim) {
			launched++
		}
	}
	return launched, nil
}

func (s *Supervisor) takeStalled() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.stalled))
	for id := range s.stalled {
		ids = append(ids, id)
	}
	clear(s.stalled)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stalled returns the ids of running jobs this process stopped retrying
// until the next ClaimPending, sorted.
func (s *Supervisor) Stalled() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.stalled))
	for id := range s.stalled {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsActive reports whether a runner for jobID is active in this process.
func (s *Supervisor) IsActive(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[jobID]
	return ok
}

// Active returns the ids of jobs with an active runner, sorted.
func (s *Supervisor) Active() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Wait blocks until every active runner has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting launches, cancels runners, and waits for them to
// exit or ctx to end. Runners stop between batches.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
