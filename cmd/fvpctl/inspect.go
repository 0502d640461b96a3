package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deixis/fvpctl/internal/report"
)

var (
	inspectLines int
	inspectLimit int
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [run-id]",
	Short: "Show recorded runs",
	Long: `Without arguments, list recent runs, most recent first. With a run ID
(or a unique prefix of one), show how that run ended, where its logs are,
and the tail of its console log.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		w := cmd.OutOrStdout()

		if len(args) == 0 {
			recs, err := a.store.List(inspectLimit)
			if err != nil {
				return fmt.Errorf("listing runs: %w", err)
			}
			if len(recs) == 0 {
				fmt.Fprintln(w, "No runs recorded.")
				return nil
			}
			report.WriteList(w, recs)
			return nil
		}

		rec, err := report.Resolve(a.store, args[0])
		if err != nil {
			return err
		}
		report.WriteDetails(cmd.Context(), w, rec, inspectLines, a.engine.Archive)
		return nil
	},
}

func init() {
	inspectCmd.Flags().IntVarP(&inspectLines, "lines", "n", 50, "console log lines to show; 0 shows all of them")
	inspectCmd.Flags().IntVar(&inspectLimit, "limit", 20, "runs to list; 0 lists all of them")
}
