package main

import (
	"fmt"
	"time"

	"github.com/Harvey-AU/index-bee/internal/indexing"
	"github.com/Harvey-AU/index-bee/internal/store"
	"github.com/Harvey-AU/index-bee/internal/util"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <url>",
		Short: "Show the Indexing API notification state for a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			if err := util.ValidateHTTPURL(target); err != nil {
				return err
			}

			api, err := a.deps.newAPI(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			meta, err := api.GetMetadata(cmd.Context(), target)
			if err != nil {
				return fmt.Errorf("get notification metadata: %w", err)
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.SetTitle(target)
			t.AppendHeader(table.Row{"Source", "Type", "Time"})

			if rec, ok := store.New(a.cfg.TrackingPath()).Get(target); ok {
				t.AppendRow(table.Row{"Tracking file", rec.Status.String(), formatTime(rec.UpdatedAt)})
			} else {
				t.AppendRow(table.Row{"Tracking file", "not tracked", "-"})
			}

			switch {
			case meta == nil:
				t.AppendRow(table.Row{"Indexing API", "no notifications", "-"})
			default:
				appendNotification(t, meta.LatestUpdate)
				appendNotification(t, meta.LatestRemove)
			}

			t.Render()
			return nil
		},
	}
}

func appendNotification(t table.Writer, n *indexing.Notification) {
	if n == nil {
		return
	}
	t.AppendRow(table.Row{"Indexing API", n.Type, formatTime(n.NotifyTime)})
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Format(time.RFC3339)
}
