package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"enrichd/internal/domain"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's progress",
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

			view, err := a.Service.GetJobStatus(cmd.Context(), id)
			if err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), view)
			}
			return printStatus(cmd, view)
		},
	}
}

func printStatus(cmd *cobra.Command, v *domain.JobStatusView) error {
	tw := newTable(cmd.OutOrStdout())
	_, _ = fmt.Fprintf(tw, "Job:\t%d\n", v.ID)
	_, _ = fmt.Fprintf(tw, "Status:\t%s\n", v.Status)
	if v.StatusReason != nil {
		_, _ = fmt.Fprintf(tw, "Reason:\t%s\n", *v.StatusReason)
	}
	_, _ = fmt.Fprintf(tw, "Enrichment:\t%s\n", v.Enrichment)
	_, _ = fmt.Fprintf(tw, "Table:\t%s/%s\n", v.Database, v.Table)
	_, _ = fmt.Fprintf(tw, "Progress:\t%s\n", progress(v.DoneCount, v.RowCount))
	_, _ = fmt.Fprintf(tw, "Errors:\t%d\n", v.ErrorCount)
	_, _ = fmt.Fprintf(tw, "Cost:\t%s\n", formatCost(v.Cost))
	_, _ = fmt.Fprintf(tw, "Sections:\t%s\n", formatSections(v.Sections))
	return tw.Flush()
}
