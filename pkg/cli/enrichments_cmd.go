package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEnrichmentsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enrichments",
		Short: "List the configured enrichments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := opts.openApp(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			infos := a.Service.ListEnrichments()
			out := cmd.OutOrStdout()
			if getOutputFormat(cmd) == "json" {
				return printJSON(out, infos)
			}
			if len(infos) == 0 {
				_, _ = fmt.Fprintln(out, "No enrichments configured")
				return nil
			}
			tw := newTable(out)
			_, _ = fmt.Fprintln(tw, "SLUG\tNAME\tBATCH SIZE\tDESCRIPTION")
			for _, info := range infos {
				size := "default"
				if info.BatchSize > 0 {
					size = fmt.Sprint(info.BatchSize)
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Slug, info.Name, size, info.Description)
			}
			return tw.Flush()
		},
	}
}
