package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"enrichd/internal/app"
	"enrichd/internal/domain"
)

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	var (
		filter     string
		configJSON string
		actor      string
		requestID  string
		maxErrors  int
		detach     bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue <enrichment> <database> <table>",
		Short: "Create an enrichment job",
		Long: `Create an enrichment job over the rows of a table that match --filter.

By default the job runs in this process until it finishes. With --detach the
job is left pending for a running "enrich serve" to claim.`,
		Example: `  enrich enqueue uppercase content items --filter 'status=new' --config '{"column":"name"}'
  enrich enqueue uppercase content items --detach`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseConfigJSON(configJSON)
			if err != nil {
				return err
			}
			req := domain.EnqueueRequest{
				Enrichment: args[0],
				Database:   args[1],
				Table:      args[2],
				Filter:     filter,
				Config:     cfg,
				RequestID:  requestID,
				MaxErrors:  maxErrors,
				Detach:     detach,
			}
			if actor != "" {
				req.ActorID = &actor
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := opts.openApp(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			job, err := a.Service.Enqueue(ctx, req)
			if err != nil {
				return err
			}
			if detach {
				return printJob(cmd, job)
			}
			return runUntilStopped(ctx, cmd, a, job.ID, timeout)
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "Row filter querystring, e.g. 'status=new&score__gt=5'")
	cmd.Flags().StringVar(&configJSON, "config", "", "Enrichment config as a JSON object")
	cmd.Flags().StringVar(&actor, "actor", "", "Actor that owns the job")
	cmd.Flags().StringVar(&requestID, "request-id", "", "Idempotency key; repeating it returns the existing job")
	cmd.Flags().IntVar(&maxErrors, "max-errors", 0, "Cancel the job after this many errors (0 = never)")
	cmd.Flags().BoolVar(&detach, "detach", false, "Leave the job pending for 'enrich serve'")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop waiting after this long (0 = no limit)")
	return cmd
}

func parseConfigJSON(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var cfg map[string]any
	if err := dec.Decode(&cfg); err != nil {
		return nil, domain.ErrValidation("invalid --config: %v", err)
	}
	return cfg, nil
}

// runUntilStopped waits while this process runs the job, then prints it.
// The runner stops when the job finishes, is paused or is cancelled. If the
// wait ends first the runner is stopped between batches and the job stays
// running for the next "enrich serve" to recover.
func runUntilStopped(ctx context.Context, cmd *cobra.Command, a *app.App, id int64, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(a.Cfg.PollInterval)
	defer ticker.Stop()
	live := newProgressLine(cmd)
	defer live.done()

	for a.Service.Supervisor().IsActive(id) {
		select {
		case <-ctx.Done():
			live.done()
			return fmt.Errorf("job %d left running, 'enrich serve' resumes it: %w", id, ctx.Err())
		case <-ticker.C:
			if job, err := a.Service.GetJob(ctx, id); err == nil {
				live.update(job)
			}
		}
	}
	live.done()
	job, err := a.Service.GetJob(context.WithoutCancel(ctx), id)
	if err != nil {
		return err
	}
	return printJob(cmd, job)
}
