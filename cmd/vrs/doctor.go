package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vrs-kit/vrs/internal/config"
	"github.com/vrs-kit/vrs/internal/doctor"
	"github.com/vrs-kit/vrs/internal/events"
	"github.com/vrs-kit/vrs/internal/journal"
)

func newDoctorCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, service access and local state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bus := events.New(events.WithLogger(a.logger))
			bus.SubscribeAll(func(event events.Event) {
				a.logger.Debug("health check", "severity", event.Severity, "report", event.Payload)
			})
			defer bus.Close()

			manager, err := doctor.NewManager(doctorChecks(a), bus, doctor.Config{CheckTimeout: a.cfg.RequestTimeout})
			if err != nil {
				return err
			}
			report, runErr := manager.RunOnce(cmd.Context())

			out := cmd.OutOrStdout()
			if asJSON {
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")
				if err := encoder.Encode(report); err != nil {
					return err
				}
				return runErr
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, result := range report.Results {
				fmt.Fprintf(w, "%s\t%s\t%s\n", result.Status, result.Name, result.Detail)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func doctorChecks(a *app) []doctor.Check {
	checks := []doctor.Check{{
		Name: "config",
		Run: func(context.Context) (string, error) {
			if err := a.cfg.Validate(); err != nil {
				return "", err
			}
			return fmt.Sprintf("poll %d x %s", a.cfg.PollAttempts, a.cfg.PollInterval), nil
		},
	}}

	if client, err := a.client(); err != nil {
		checks = append(checks, doctor.Check{
			Name: "service",
			Run:  func(context.Context) (string, error) { return "", err },
		})
	} else {
		checks = append(checks, doctor.ServiceCheck(client))
	}

	if dir, err := config.Dir(); err == nil {
		checks = append(checks, doctor.WritableDirCheck("logs", filepath.Join(dir, "logs")))
	}
	if a.cfg.JournalPath != "" {
		checks = append(checks, doctor.Check{
			Name:     "journal",
			Optional: true,
			Run: func(ctx context.Context) (string, error) {
				store, err := journal.Open(ctx, a.cfg.JournalPath)
				if err != nil {
					return "", err
				}
				defer store.Close()
				sessions, err := store.ListSessions(ctx, 1)
				if err != nil {
					return "", err
				}
				if len(sessions) == 0 {
					return a.cfg.JournalPath + " (empty)", nil
				}
				return fmt.Sprintf("%s (last session %s)", a.cfg.JournalPath, sessions[0].SessionID), nil
			},
		})
	}
	return checks
}
