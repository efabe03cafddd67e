package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vrs-kit/vrs/internal/journal"
)

func newHistoryCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [SESSION_ID]",
		Short: "List journaled sessions, or the checks of one session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(a.cfg.JournalPath) == "" {
				return fmt.Errorf("journal_path is not configured")
			}
			store, err := journal.Open(cmd.Context(), a.cfg.JournalPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				records, err := store.Checks(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeChecks(cmd.OutOrStdout(), records)
			}
			records, err := store.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeSessions(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions to list")
	return cmd
}

func writeSessions(out io.Writer, records []journal.SessionRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no sessions recorded")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tTEST\tBRANCH\tVERDICT\tBLINKING\tSTARTED")
	for _, record := range records {
		verdict := record.Verdict
		if verdict == "" {
			verdict = "-"
		}
		if record.StopError != "" {
			verdict += " (error)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			record.SessionID, record.TestName, record.Branch, verdict, record.Blinking,
			record.StartedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func writeChecks(out io.Writer, records []journal.CheckRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no checks recorded")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tNAME\tSTATUS\tDIFF")
	for _, record := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", record.CheckID, record.Name, record.Status, record.DiffLink)
	}
	return w.Flush()
}
