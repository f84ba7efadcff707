package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"enrichd/internal/domain"
)

// errorRecordJSON is the --output json shape of an error record.
type errorRecordJSON struct {
	ID        int64  `json:"id"`
	RowIDs    []any  `json:"row_ids"`
	Message   string `json:"error"`
	CreatedAt string `json:"created_at"`
}

func newErrorsCmd(opts *rootOptions) *cobra.Command {
	var (
		maxResults int
		pageToken  string
	)

	cmd := &cobra.Command{
		Use:   "errors <job-id>",
		Short: "List a job's recorded errors",
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

			page := domain.PageRequest{MaxResults: maxResults, PageToken: pageToken}
			records, total, err := a.Service.ListErrors(cmd.Context(), id, page)
			if err != nil {
				return err
			}
			next := page.NextPageToken(total)

			out := cmd.OutOrStdout()
			if getOutputFormat(cmd) == "json" {
				items := make([]errorRecordJSON, len(records))
				for i, r := range records {
					items[i] = errorRecordJSON{
						ID:        r.ID,
						RowIDs:    r.RowIDs,
						Message:   r.Message,
						CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
					}
				}
				return printJSON(out, map[string]any{
					"errors":          items,
					"total":           total,
					"next_page_token": next,
				})
			}

			if len(records) == 0 {
				_, _ = fmt.Fprintln(out, "No errors recorded")
				return nil
			}
			tw := newTable(out)
			_, _ = fmt.Fprintln(tw, "ID\tROWS\tERROR")
			for _, r := range records {
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\n", r.ID, formatRowIDs(r.RowIDs), r.Message)
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

	cmd.Flags().IntVar(&maxResults, "max-results", domain.DefaultMaxResults, "Page size")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Token from a previous page")
	return cmd
}
