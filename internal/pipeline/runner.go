// Package pipeline runs one indexing pass: sitemap discovery, tracking file
// sync, batched submission and the closing summary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Harvey-AU/index-bee/internal/observability"
	"github.com/Harvey-AU/index-bee/internal/report"
	"github.com/Harvey-AU/index-bee/internal/sitemap"
	"github.com/Harvey-AU/index-bee/internal/store"
	"github.com/Harvey-AU/index-bee/internal/submit"
	"github.com/Harvey-AU/index-bee/internal/util"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TotalSteps is the number of numbered steps a run reports, configuration included
const TotalSteps = 6

// ErrAuth is returned when the submission client cannot be created
var ErrAuth = errors.New("indexing API authentication failed")

// SitemapSource lists the entries of a sitemap
type SitemapSource interface {
	Fetch(ctx context.Context, sitemapURL string) []sitemap.Entry
}

// Tracker persists per-URL submission state
type Tracker interface {
	AddNew(candidates []store.Candidate) (int, error)
	Pending(limit int) []store.Record
	UpdateStatus(url string, status store.Status, opts store.UpdateOptions) error
	Stats() store.Stats
}

// Submitter submits up to submit.MaxBatchSize URLs with retry
type Submitter interface {
	Submit(ctx context.Context, urls []string, notify func(submit.Result)) ([]submit.Result, error)
}

// SubmitterFactory authenticates and returns a ready Submitter
type SubmitterFactory func(ctx context.Context) (Submitter, error)

// Notifier receives the summary of a finished run
type Notifier interface {
	Notify(ctx context.Context, s Summary) error
}

// MetricsWriter flushes run metrics somewhere durable
type MetricsWriter interface {
	WriteTextfile() error
}

// Config holds the run parameters the pipeline enforces
type Config struct {
	SitemapURL   string
	DailyLimit   int           // Most URLs submitted per run
	RequestDelay time.Duration // Pause between batches
	RunID        string
}

// Summary is the outcome of one run
type Summary struct {
	RunID       string
	SitemapURL  string
	Discovered  int // Post URLs found in the sitemap
	Added       int // New URLs written to the tracking file
	Attempted   int // URLs finalised by the submitter
	Succeeded   int
	Failed      int
	Interrupted bool
	Elapsed     time.Duration
	Before      store.Stats
	After       store.Stats
}

// Runner executes the pipeline
type Runner struct {
	config       Config
	source       SitemapSource
	tracker      Tracker
	newSubmitter SubmitterFactory
	notifier     Notifier
	metrics      MetricsWriter
	reporter     *report.Reporter
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time
}

// Option configures a Runner
type Option func(*Runner)

// WithNotifier sends the run summary to n
func WithNotifier(n Notifier) Option {
	return func(r *Runner) {
		r.notifier = n
	}
}

// WithMetrics writes run metrics through m when the run ends
func WithMetrics(m MetricsWriter) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithReporter replaces the console reporter
func WithReporter(rep *report.Reporter) Option {
	return func(r *Runner) {
		r.reporter = rep
	}
}

// WithSleeper replaces the wait between batches
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) {
		r.sleep = sleep
	}
}

// WithClock sets the time source used for elapsed time
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner creates a Runner
func NewRunner(cfg Config, source SitemapSource, tracker Tracker, newSubmitter SubmitterFactory, opts ...Option) (*Runner, error) {
	if source == nil || tracker == nil || newSubmitter == nil {
		return nil, errors.New("pipeline: sitemap source, tracker and submitter factory are required")
	}
	if cfg.DailyLimit < 1 {
		return nil, fmt.Errorf("pipeline: daily limit must be at least 1, got %d", cfg.DailyLimit)
	}

	r := &Runner{
		config:       cfg,
		source:       source,
		tracker:      tracker,
		newSubmitter: newSubmitter,
		reporter:     report.New(log.Logger),
		sleep:        util.Sleep,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run performs one pass. Only authentication failures are returned as errors;
// everything else degrades, is logged and shows up in the summary.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := r.now()
	summary := Summary{RunID: r.config.RunID, SitemapURL: r.config.SitemapURL}

	ctx, span := observability.StartSpan(ctx, "pipeline.run",
		attribute.String("run.id", r.config.RunID),
		attribute.String("sitemap.url", r.config.SitemapURL),
	)
	defer span.End()

	// Sitemap
	r.reporter.Header("Sitemap")
	r.reporter.Step(2, TotalSteps, "Extracting URLs from sitemap")
	posts := r.discover(ctx)
	summary.Discovered = len(posts)
	if len(posts) == 0 {
		log.Warn().Str("sitemap_url", r.config.SitemapURL).Msg("No post URLs found in sitemap, nothing to do")
		r.finish(ctx, &summary, start)
		return summary, nil
	}

	// Tracking file
	r.reporter.Header("Tracking file")
	r.reporter.Step(3, TotalSteps, "Syncing tracking file")
	summary.Added = r.sync(posts)
	summary.Before = r.tracker.Stats()
	r.reporter.Stats("Current state", summary.Before)

	// Authentication
	r.reporter.Header("Indexing API")
	r.reporter.Step(4, TotalSteps, "Connecting to the Indexing API")
	submitter, err := r.newSubmitter(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authentication failed")
		summary.Elapsed = r.now().Sub(start)
		return summary, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	log.Info().Msg("Connected to the Indexing API")

	// Submission
	r.reporter.Header("Submitting URLs")
	r.reporter.Step(5, TotalSteps, "Submitting pending URLs")
	pending := r.tracker.Pending(r.config.DailyLimit)
	if len(pending) == 0 {
		log.Info().Msg("No pending URLs to submit")
	} else {
		log.Info().
			Int("pending", len(pending)).
			Int("daily_limit", r.config.DailyLimit).
			Msg("Submitting pending URLs")
		r.submitAll(ctx, submitter, pending, &summary)
	}

	// Summary
	r.reporter.Header("Run complete")
	r.reporter.Step(6, TotalSteps, "Summarising results")
	r.finish(ctx, &summary, start)
	r.reporter.Summary(report.RunSummary{
		Attempted: summary.Attempted,
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
		Elapsed:   summary.Elapsed,
		Final:     summary.After,
	})
	r.notify(ctx, summary)

	span.SetAttributes(
		attribute.Int("run.succeeded", summary.Succeeded),
		attribute.Int("run.failed", summary.Failed),
	)
	return summary, nil
}

func (r *Runner) discover(ctx context.Context) []sitemap.Entry {
	ctx, span := observability.StartSpan(ctx, "pipeline.sitemap")
	defer span.End()

	entries := r.source.Fetch(ctx, r.config.SitemapURL)
	posts := sitemap.SortByNumber(sitemap.FilterPostURLs(entries), true)

	span.SetAttributes(
		attribute.Int("sitemap.entries", len(entries)),
		attribute.Int("sitemap.posts", len(posts)),
	)
	log.Info().
		Int("entries", len(entries)).
		Int("posts", len(posts)).
		Msg("Sitemap processed")
	return posts
}

func (r *Runner) sync(posts []sitemap.Entry) int {
	candidates := make([]store.Candidate, 0, len(posts))
	for _, p := range posts {
		candidates = append(candidates, store.Candidate{URL: p.Loc, LastModified: p.LastMod})
	}

	added, err := r.tracker.AddNew(candidates)
	if err != nil {
		log.Error().Err(err).Msg("Failed to sync tracking file")
		sentry.CaptureException(err)
	}
	return added
}

func (r *Runner) submitAll(ctx context.Context, submitter Submitter, pending []store.Record, summary *Summary) {
	total := len(pending)

	for start := 0; start < total; start += submit.MaxBatchSize {
		end := min(start+submit.MaxBatchSize, total)
		urls := make([]string, 0, end-start)
		for _, rec := range pending[start:end] {
			urls = append(urls, rec.URL)
		}

		results, err := submitter.Submit(ctx, urls, nil)
		for _, res := range results {
			r.record(res, summary)
		}
		r.reporter.Progress(summary.Attempted, total)

		if err != nil {
			if ctx.Err() != nil {
				summary.Interrupted = true
				log.Warn().Err(err).Int("unsubmitted", total-summary.Attempted).Msg("Run interrupted, remaining URLs stay pending")
				return
			}
			log.Error().
				Err(err).
				Int("batch_start", start).
				Int("batch_end", end).
				Msg("Batch submission failed")
		}

		if end < total {
			if err := r.sleep(ctx, r.config.RequestDelay); err != nil {
				summary.Interrupted = true
				log.Warn().Err(err).Int("unsubmitted", total-end).Msg("Run interrupted, remaining URLs stay pending")
				return
			}
		}
	}
}

// record writes one final result back to the tracking file
func (r *Runner) record(res submit.Result, summary *Summary) {
	summary.Attempted++

	status := store.StatusSuccess
	var opts store.UpdateOptions
	if res.Succeeded {
		summary.Succeeded++
		log.Debug().Str("url", res.URL).Int("attempts", res.Attempts).Msg("Submitted")
	} else {
		summary.Failed++
		status = store.StatusFailed
		opts.IncrementRetry = true
		log.Debug().Str("url", res.URL).Str("error", res.Err).Int("attempts", res.Attempts).Msg("Submission failed")
	}

	err := r.tracker.UpdateStatus(res.URL, status, opts)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidTransition):
		log.Warn().Err(err).Str("url", res.URL).Msg("Tracking file changed during run, result not recorded")
	default:
		log.Error().Err(err).Str("url", res.URL).Str("status", status.String()).Msg("Failed to record submission result")
		sentry.CaptureException(err)
	}
}

// finish fills in closing stats and flushes metrics
func (r *Runner) finish(ctx context.Context, summary *Summary, start time.Time) {
	summary.After = r.tracker.Stats()
	summary.Elapsed = r.now().Sub(start)

	observability.RecordTracked(ctx, map[string]int{
		store.StatusPending.String(): summary.After.Pending,
		store.StatusSuccess.String(): summary.After.Success,
		store.StatusFailed.String():  summary.After.Failed,
	})

	if r.metrics != nil {
		if err := r.metrics.WriteTextfile(); err != nil {
			log.Warn().Err(err).Msg("Failed to write metrics textfile")
		}
	}
}

func (r *Runner) notify(ctx context.Context, summary Summary) {
	if r.notifier == nil {
		return
	}
	// Interrupted runs still report
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	if err := r.notifier.Notify(ctx, summary); err != nil {
		log.Warn().Err(err).Msg("Failed to send run summary notification")
	}
}
