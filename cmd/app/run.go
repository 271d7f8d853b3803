package main

import (
	"context"
	"time"

	"github.com/Harvey-AU/index-bee/internal/notifications"
	"github.com/Harvey-AU/index-bee/internal/pipeline"
	"github.com/Harvey-AU/index-bee/internal/report"
	"github.com/Harvey-AU/index-bee/internal/sitemap"
	"github.com/Harvey-AU/index-bee/internal/store"
	"github.com/Harvey-AU/index-bee/internal/submit"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Discover new posts and submit pending URLs",
		Long: `Fetches the sitemap, adds new post URLs to the tracking file as PENDING
and submits up to DAILY_LIMIT pending URLs to the Indexing API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, a)
		},
	}
}

func runPipeline(cmd *cobra.Command, a *app) error {
	cfg := a.cfg
	rep := report.New(log.Logger)

	rep.Header("index-bee indexing run")
	log.Info().Time("started_at", time.Now()).Msg("Run started")

	rep.Step(1, pipeline.TotalSteps, "Loading configuration")
	if err := cfg.RequireCredentials(); err != nil {
		return err
	}
	log.Info().
		Str("sitemap_url", cfg.SitemapURL).
		Int("daily_limit", cfg.DailyLimit).
		Int("max_retry", cfg.MaxRetry).
		Dur("request_delay", cfg.RequestDelay).
		Str("tracking_file", cfg.TrackingPath()).
		Msg("Configuration loaded")

	newSubmitter := func(ctx context.Context) (pipeline.Submitter, error) {
		api, err := a.deps.newAPI(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return submit.New(api, submit.Config{
			MaxRetry:   cfg.MaxRetry,
			RetryDelay: cfg.RequestDelay,
		})
	}

	opts := []pipeline.Option{pipeline.WithReporter(rep)}
	if cfg.SlackWebhookURL != "" {
		opts = append(opts, pipeline.WithNotifier(notifications.NewSlackNotifier(cfg.SlackWebhookURL, nil)))
	}
	if a.telemetry != nil {
		opts = append(opts, pipeline.WithMetrics(a.telemetry))
	}

	runner, err := pipeline.NewRunner(pipeline.Config{
		SitemapURL:   cfg.SitemapURL,
		DailyLimit:   cfg.DailyLimit,
		RequestDelay: cfg.RequestDelay,
		RunID:        a.runID,
	},
		sitemap.NewFetcher(sitemap.DefaultConfig()),
		store.New(cfg.TrackingPath()),
		newSubmitter,
		opts...,
	)
	if err != nil {
		return err
	}

	summary, err := runner.Run(cmd.Context())
	if err != nil {
		return err
	}

	log.Info().
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Bool("interrupted", summary.Interrupted).
		Dur("elapsed", summary.Elapsed).
		Msg("Run finished")
	return nil
}
