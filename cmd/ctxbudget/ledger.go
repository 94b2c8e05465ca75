package main

import (
	"github.com/spf13/cobra"
)

func newLedgerCommand(opts *rootOptions, appFn func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the decision ledger",
	}
	var sessionID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries for a session (oldest first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFn()
			entries, err := a.ledger.List(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, entries)
			}
			if len(entries) == 0 {
				printf(out, "%s\n", gray("no entries"))
				return nil
			}
			for _, entry := range entries {
				printf(out, "%s turn=%d %s %s %s\n", gray(entry.CreatedAt.Format("2006-01-02T15:04:05Z07:00")),
					entry.Turn, bold(entry.Tool), modeColor(string(entry.Verdict)), entry.OutputSummary)
			}
			return nil
		},
	}
	list.Flags().StringVarP(&sessionID, "session", "s", "cli", "Session id")
	cmd.AddCommand(list)
	return cmd
}
