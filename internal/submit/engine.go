// Package submit runs batched URL submissions with bounded per-URL retry.
package submit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Harvey-AU/index-bee/internal/indexing"
	"github.com/Harvey-AU/index-bee/internal/observability"
	"github.com/Harvey-AU/index-bee/internal/util"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrEmptyBatch is returned when Submit is called with no URLs
	ErrEmptyBatch = indexing.ErrEmptyBatch
	// ErrBatchTooLarge is returned when Submit is called with more than MaxBatchSize URLs
	ErrBatchTooLarge = indexing.ErrBatchTooLarge
)

// MaxBatchSize is the most URLs a single Submit call accepts
const MaxBatchSize = indexing.MaxBatchSize

// Publisher sends one batch round to the indexing service
type Publisher interface {
	PublishBatch(ctx context.Context, urls []string) ([]indexing.Result, error)
}

// Result is the final outcome for one URL
type Result struct {
	URL       string `json:"url"`
	Succeeded bool   `json:"succeeded"`
	Err       string `json:"error,omitempty"`
	Attempts  int    `json:"attempts"`
}

// Config holds the retry policy
type Config struct {
	MaxRetry   int           // Rounds per Submit call, at least 1
	RetryDelay time.Duration // Pause between rounds
}

// DefaultConfig returns three rounds one second apart
func DefaultConfig() Config {
	return Config{
		MaxRetry:   3,
		RetryDelay: time.Second,
	}
}

// Engine submits URLs through a Publisher
type Engine struct {
	publisher Publisher
	config    Config
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine
type Option func(*Engine)

// WithSleeper replaces the inter-round wait
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// New creates an Engine
func New(publisher Publisher, config Config, opts ...Option) (*Engine, error) {
	if publisher == nil {
		return nil, errors.New("submit: publisher is required")
	}
	if config.MaxRetry < 1 {
		return nil, fmt.Errorf("submit: max retry must be at least 1, got %d", config.MaxRetry)
	}
	if config.RetryDelay < 0 {
		return nil, fmt.Errorf("submit: retry delay cannot be negative, got %s", config.RetryDelay)
	}

	e := &Engine{
		publisher: publisher,
		config:    config,
		sleep:     util.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Submit publishes urls in up to MaxRetry rounds. Each round sends only the URLs
// still unresolved; a URL succeeds as soon as one round accepts it and fails
// once the last round rejects it. notify, when set, is called exactly once per
// URL as it is finalised, in the same order as the returned slice.
//
// If ctx ends between or during rounds, the results finalised so far are
// returned together with ctx.Err(); the remaining URLs are left unresolved.
func (e *Engine) Submit(ctx context.Context, urls []string, notify func(Result)) ([]Result, error) {
	if len(urls) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(urls) > MaxBatchSize {
		return nil, fmt.Errorf("%w: got %d", ErrBatchTooLarge, len(urls))
	}

	working := dedupe(urls)
	results := make([]Result, 0, len(working))
	finalise := func(r Result) {
		results = append(results, r)
		observability.RecordSubmission(ctx, r.Succeeded, r.Attempts)
		if notify != nil {
			notify(r)
		}
	}

	for attempt := 1; attempt <= e.config.MaxRetry && len(working) > 0; attempt++ {
		failed, errs, err := e.round(ctx, attempt, working, finalise)
		if err != nil {
			return results, err
		}

		if attempt == e.config.MaxRetry {
			for _, u := range failed {
				finalise(Result{URL: u, Succeeded: false, Err: errs[u], Attempts: attempt})
			}
			break
		}

		working = failed
		if len(working) == 0 {
			break
		}

		log.Warn().
			Int("attempt", attempt).
			Int("max_attempts", e.config.MaxRetry).
			Int("remaining", len(working)).
			Dur("retry_in", e.config.RetryDelay).
			Msg("Retrying failed URLs")

		if err := e.sleep(ctx, e.config.RetryDelay); err != nil {
			log.Warn().
				Err(err).
				Int("finalised", len(results)).
				Int("unresolved", len(working)).
				Msg("Submission interrupted")
			return results, err
		}
	}

	return results, nil
}

// round publishes working once, finalising successes and returning the failed
// URLs in response order with their classified error messages
func (e *Engine) round(
	ctx context.Context,
	attempt int,
	working []string,
	finalise func(Result),
) ([]string, map[string]string, error) {
	ctx, span := observability.StartRoundSpan(ctx, observability.RoundSpanInfo{
		Attempt:    attempt,
		MaxAttempt: e.config.MaxRetry,
		URLs:       len(working),
	})
	defer span.End()

	start := time.Now()
	published, err := e.publisher.PublishBatch(ctx, working)
	duration := time.Since(start)

	if err != nil && ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
		return nil, nil, ctx.Err()
	}

	failed := make([]string, 0)
	errs := make(map[string]string)

	if err != nil {
		// The whole round failed, every URL in it counts as a failed attempt
		msg := indexing.ClassifyError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		log.Error().
			Err(err).
			Int("attempt", attempt).
			Int("urls", len(working)).
			Msg("Batch round failed")

		for _, u := range working {
			failed = append(failed, u)
			errs[u] = msg
		}
		observability.RecordRound(ctx, observability.RoundMetrics{Attempt: attempt, Result: "error", Duration: duration})
		return failed, errs, nil
	}

	pending := make(map[string]bool, len(working))
	for _, u := range working {
		pending[u] = true
	}

	succeeded := 0
	for _, r := range published {
		if !pending[r.URL] {
			log.Debug().Str("url", r.URL).Msg("Ignoring result for URL outside this round")
			continue
		}
		delete(pending, r.URL)

		if r.Err == nil {
			succeeded++
			finalise(Result{URL: r.URL, Succeeded: true, Attempts: attempt})
			continue
		}

		failed = append(failed, r.URL)
		errs[r.URL] = indexing.ClassifyError(r.Err)
		log.Debug().
			Str("url", r.URL).
			Int("attempt", attempt).
			Str("error", errs[r.URL]).
			Msg("URL rejected")
	}

	// URLs the response never mentioned count as failed for this round
	for _, u := range working {
		if pending[u] {
			failed = append(failed, u)
			errs[u] = indexing.ErrMissingResponse.Error()
		}
	}

	result := "ok"
	if len(failed) > 0 {
		result = "partial"
	}
	observability.RecordRound(ctx, observability.RoundMetrics{Attempt: attempt, Result: result, Duration: duration})

	log.Info().
		Int("attempt", attempt).
		Int("urls", len(working)).
		Int("succeeded", succeeded).
		Int("failed", len(failed)).
		Dur("duration", duration).
		Msg("Batch round complete")

	return failed, errs, nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
