package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"enrichd/internal/domain"
)

func newJobsCmd(opts *rootOptions) *cobra.Command {
	var (
		status     string
		database   string
		table      string
		maxResults int
		pageToken  string
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := domain.JobFilter{
				Page: domain.PageRequest{MaxResults: maxResults, PageToken: pageToken},
			}
			if status != "" {
				s := domain.JobStatus(status)
				if !s.Valid() {
					return domain.ErrValidation("unknown status %q", status)
				}
				filter.Status = &s
			}
			if database != "" {
				filter.Database = &database
			}
			if table != "" {
				filter.Table = &table
			}

			a, cleanup, err := opts.openApp(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			jobs, total, err := a.Service.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			next := filter.Page.NextPageToken(total)

			out := cmd.OutOrStdout()
			if getOutputFormat(cmd) == "json" {
				items := make([]jobJSON, len(jobs))
				for i := range jobs {
					items[i] = toJobJSON(&jobs[i])
				}
				return printJSON(out, map[string]any{
					"jobs":            items,
					"total":           total,
					"next_page_token": next,
				})
			}

			if len(jobs) == 0 {
				_, _ = fmt.Fprintln(out, "No jobs found")
				return nil
			}
			tw := newTable(out)
			_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tENRICHMENT\tTABLE\tPROGRESS\tERRORS\tCREATED")
			for _, j := range jobs {
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s/%s\t%s\t%d\t%s\n",
					j.ID, j.Status, j.Enrichment, j.DatabaseName, j.TableName,
					progress(j.DoneCount, j.RowCount), j.ErrorCount, j.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if next != "" {
				_, _ = fmt.Fprintf(out, "\nMore results: --page-token %s\n", next)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only jobs with this status")
	cmd.Flags().StringVar(&database, "database", "", "Only jobs on this database")
	cmd.Flags().StringVar(&table, "table", "", "Only jobs on this table")
	cmd.Flags().IntVar(&maxResults, "max-results", domain.DefaultMaxResults, "Page size")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Token from a previous page")
	return cmd
}
