package main

import (
	"fmt"
	"strings"

	"github.com/Harvey-AU/index-bee/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRequeueCmd(a *app) *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Move FAILED (or SUCCESS) URLs back to PENDING",
		Long: `Failed URLs are never retried automatically once a run gives up on them.
requeue moves every record in the given status back to PENDING so the next
run submits it again. Retry counts are kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := store.ParseStatus(strings.ToUpper(strings.TrimSpace(from)))
			if err != nil {
				return err
			}

			st := store.New(a.cfg.TrackingPath())
			moved, err := st.Requeue(status)
			if err != nil {
				return fmt.Errorf("requeue %s URLs: %w", status, err)
			}

			log.Debug().Int("requeued", moved).Str("path", st.Path()).Msg("Requeue finished")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d %s URLs in %s\n", moved, status, st.Path())
			return err
		},
	}

	cmd.Flags().StringVar(&from, "from", store.StatusFailed.String(), "status to move back to PENDING (FAILED or SUCCESS)")
	return cmd
}
