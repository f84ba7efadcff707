package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"enrichd/internal/app"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run jobs until interrupted",
		Long: `Recover jobs left running by a previous process, run cron schedules, and
claim jobs enqueued with --detach by other processes.

A running job whose row source keeps failing stops reading but stays running.
It is retried from its saved cursor on the next poll for pending jobs. To hold
it until the source is fixed, pause it and resume it later.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := opts.openApp(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			return serve(ctx, a, a.Cfg.ClaimInterval)
		},
	}
}

// serve recovers running jobs, starts the scheduler and claims pending jobs
// every claimInterval until ctx ends.
func serve(ctx context.Context, a *app.App, claimInterval time.Duration) error {
	logger := a.Logger()
	if err := a.Service.Start(ctx); err != nil {
		return err
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.Scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(claimInterval)
		defer ticker.Stop()
		for {
			if n, err := a.Service.Supervisor().ClaimPending(gctx); err != nil {
				logger.Warn("claim pending jobs failed", "error", err)
			} else if n > 0 {
				logger.Info("claimed pending jobs", "count", n)
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	logger.Info("enrich server started", "claim_interval", claimInterval.String())
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("enrich server stopping", "active_jobs", len(a.Service.Supervisor().Active()))
	return nil
}
