package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vrs-kit/vrs/internal/service"
	"github.com/vrs-kit/vrs/internal/session"
)

type statusGroup struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Checks int    `json:"checks"`
}

type statusReport struct {
	SessionID string        `json:"session_id"`
	Verdict   string        `json:"verdict"`
	Blinking  int           `json:"blinking"`
	Groups    []statusGroup `json:"groups"`
}

func newStatusReport(sessionID string, groups map[string]service.Group) statusReport {
	result := session.Summarize(groups)
	report := statusReport{
		SessionID: sessionID,
		Verdict:   string(result.Verdict),
		Blinking:  result.BlinkingCount,
		Groups:    make([]statusGroup, 0, len(groups)),
	}
	for name, group := range groups {
		report.Groups = append(report.Groups, statusGroup{
			Name:   name,
			Status: group.Status.String(),
			Checks: len(group.Checks),
		})
	}
	sort.Slice(report.Groups, func(i, j int) bool { return report.Groups[i].Name < report.Groups[j].Name })
	return report
}

func (r statusReport) writeText(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tSTATUS\tCHECKS")
	for _, group := range r.Groups {
		fmt.Fprintf(w, "%s\t%s\t%d\n", group.Name, group.Status, group.Checks)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "session %s: %s (groups %d, blinking %d)\n", r.SessionID, r.Verdict, len(r.Groups), r.Blinking)
	return err
}

func newStatusCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status SESSION_ID",
		Short: "Show the current group statuses and verdict of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := strings.TrimSpace(args[0])
			if sessionID == "" {
				return fmt.Errorf("session id is required")
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			groups, err := client.ChecksByIdent(cmd.Context(), sessionID)
			if err != nil {
				return err
			}

			report := newStatusReport(sessionID, groups)
			if asJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(report)
			}
			return report.writeText(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
