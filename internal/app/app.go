// Package app provides application-level wiring and dependency injection
// for enrichd following hexagonal architecture.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"enrichd/internal/config"
	"enrichd/internal/db"
	"enrichd/internal/db/repository"
	"enrichd/internal/rowsource"
	"enrichd/internal/service/enrichment"
)

// Deps holds the external dependencies that main() must provide.
type Deps struct {
	Cfg    *config.Config
	Logger *slog.Logger

	// ManualStart leaves job recovery to an explicit Service.Start call.
	// Short-lived CLI commands set it so they never adopt running jobs.
	ManualStart bool
}

// App holds the fully-wired application.
type App struct {
	Cfg       *config.Config
	Pools     *db.Pools
	Jobs      *repository.JobRepo
	Catalog   *rowsource.Catalog
	Registry  *enrichment.Registry
	Service   *enrichment.Service
	Scheduler *enrichment.Scheduler

	logger *slog.Logger
}

// New opens the job store and every configured database, registers the
// configured enrichments and wires the service and scheduler.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// === Job store ===
	pools, err := db.OpenStore(cfg.StorePath, 0)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	jobRepo := repository.NewJobRepo(pools.Write, pools.Read)

	// === Row sources ===
	catalog := rowsource.NewCatalog()
	for _, d := range cfg.Databases {
		if err := catalog.Open(d.Name, d.Driver, d.Path); err != nil {
			_ = catalog.Close()
			_ = pools.Close()
			return nil, fmt.Errorf("open database %q: %w", d.Name, err)
		}
		logger.Debug("database attached", "database", d.Name, "driver", d.Driver)
	}

	// === Enrichments ===
	registry := enrichment.NewRegistry()
	if err := registerScripts(registry, cfg.Enrichments, catalog); err != nil {
		_ = catalog.Close()
		_ = pools.Close()
		return nil, err
	}

	// === Service ===
	svc := enrichment.NewService(jobRepo, catalog, registry, enrichment.Config{
		Runner: enrichment.RunnerConfig{
			BatchSize:        cfg.BatchSize,
			BatchesPerSecond: cfg.BatchesPerSecond,
			FetchAttempts:    cfg.FetchAttempts,
		},
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		PollInterval:      cfg.PollInterval,
		ManualStart:       deps.ManualStart,
	}, logger)

	scheduler := enrichment.NewScheduler(svc, jobRepo, schedulesFrom(cfg.Schedules),
		logger.With("component", "scheduler"))

	return &App{
		Cfg:       cfg,
		Pools:     pools,
		Jobs:      jobRepo,
		Catalog:   catalog,
		Registry:  registry,
		Service:   svc,
		Scheduler: scheduler,
		logger:    logger,
	}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Close stops every runner in this process, then closes the databases and
// the job store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Service.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown runners: %w", err))
	}
	if err := a.Catalog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close databases: %w", err))
	}
	if err := a.Pools.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close job store: %w", err))
	}
	return errors.Join(errs...)
}

func schedulesFrom(cfgs []config.ScheduleConfig) []enrichment.Schedule {
	out := make([]enrichment.Schedule, 0, len(cfgs))
	for _, c := range cfgs {
		sch := enrichment.Schedule{
			Name:       c.Name,
			Cron:       c.Cron,
			Database:   c.Database,
			Table:      c.Table,
			Filter:     c.Filter,
			Enrichment: c.Enrichment,
			Config:     c.Config,
			MaxErrors:  c.MaxErrors,
		}
		if c.Actor != "" {
			actor := c.Actor
			sch.ActorID = &actor
		}
		out = append(out, sch)
	}
	return out
}
