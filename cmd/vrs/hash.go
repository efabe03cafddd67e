package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vrs-kit/vrs/internal/checks"
)

func newHashCommand(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hash FILE...",
		Short: "Print the content hash the service uses to deduplicate snapshots",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", checks.ContentHash(data), path)
			}
			return nil
		},
	}
}
