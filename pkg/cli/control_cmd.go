package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"enrichd/internal/domain"
)

func newPauseCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause <job-id>",
		Short: "Pause a running job after its current batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseJobID(args[0])
			if err != nil {
				return err
			}
			a, cleanup, err := opts.openApp(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			job, err := a.Service.Pause(cmd.Context(), id, optionalString(reason))
			if err != nil {
				return err
			}
			return printJob(cmd, job)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the status change")
	return cmd
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var (
		reason  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a paused job from where it stopped",
		Long: `Resume a paused job from its saved position. The job runs in this process
until it finishes, is paused or cancelled, or --timeout elapses.

A running job stalled by row source failures can be paused and then resumed
here to retry it immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseJobID(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := opts.openApp(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			if _, err := a.Service.Resume(ctx, id, optionalString(reason)); err != nil {
				return err
			}
			return runUntilStopped(ctx, cmd, a, id, timeout)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the status change")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop waiting after this long (0 = no limit)")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending, running or paused job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseJobID(args[0])
			if err != nil {
				return err
			}
			a, cleanup, err := opts.openApp(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			job, err := a.Service.Cancel(cmd.Context(), id, optionalString(reason))
			if err != nil {
				return err
			}
			return printJob(cmd, job)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the status change")
	return cmd
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
