package main

import (
	"fmt"

	"github.com/Harvey-AU/index-bee/internal/report"
	"github.com/Harvey-AU/index-bee/internal/store"
	"github.com/spf13/cobra"
)

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show tracking file statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.cfg.TrackingPath()
			stats := store.New(path).Stats()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Tracking file: %s\n%s\n", path, report.RenderStats("", stats))
			return err
		},
	}
}
