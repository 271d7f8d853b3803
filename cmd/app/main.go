package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Harvey-AU/index-bee/internal/config"
	"github.com/Harvey-AU/index-bee/internal/indexing"
	"github.com/Harvey-AU/index-bee/internal/logging"
	"github.com/Harvey-AU/index-bee/internal/observability"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	exitOK      = 0
	exitFailure = 1

	apiTimeout = 30 * time.Second
)

// indexingAPI is the part of the Indexing API client the commands use
type indexingAPI interface {
	PublishBatch(ctx context.Context, urls []string) ([]indexing.Result, error)
	GetMetadata(ctx context.Context, url string) (*indexing.Metadata, error)
}

// deps holds the constructors commands use, replaceable in tests
type deps struct {
	loadConfig func() (*config.Config, error)
	newAPI     func(ctx context.Context, cfg *config.Config) (indexingAPI, error)
}

func defaultDeps() deps {
	return deps{
		loadConfig: config.Load,
		newAPI:     newIndexingClient,
	}
}

// app carries per-invocation state shared by all commands
type app struct {
	deps      deps
	cfg       *config.Config
	runID     string
	logCloser io.Closer
	telemetry *observability.Providers
	sentryOn  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, defaultDeps(), os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

// execute runs the CLI and returns the process exit code
func execute(ctx context.Context, d deps, args []string, out io.Writer) int {
	a := &app{deps: d}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)

	if err := root.ExecuteContext(ctx); err != nil {
		if a.sentryOn {
			sentry.CaptureException(err)
		}
		log.Error().Err(err).Msg("index-bee failed")
		return exitFailure
	}
	return exitOK
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index-bee",
		Short: "Submits new blog posts to the Google Indexing API",
		Long: `index-bee reads a blog sitemap, tracks every post URL in a CSV file and
submits pending URLs to the Google Indexing API in batches, retrying
rejected URLs a bounded number of times. Run it once a day from cron or a
systemd timer.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		// Running without a subcommand performs a full run
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, a)
		},
	}

	cmd.AddCommand(
		newRunCmd(a),
		newStatsCmd(a),
		newStatusCmd(a),
		newRequeueCmd(a),
	)
	return cmd
}

// setup loads configuration and starts logging, Sentry and telemetry
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := a.deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	a.cfg = cfg
	a.runID = uuid.NewString()

	closer, err := logging.Setup(logging.Config{
		Level: cfg.LogLevel,
		Env:   cfg.Env,
		Dir:   cfg.LogDir,
		RunID: a.runID,
		Out:   cmd.OutOrStdout(),
	})
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	a.logCloser = closer

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Env,
			AttachStacktrace: true,
			Debug:            cfg.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			a.sentryOn = true
			sentry.ConfigureScope(func(scope *sentry.Scope) {
				scope.SetTag("run_id", a.runID)
			})
			log.Debug().Str("environment", cfg.Env).Msg("Sentry initialised")
		}
	}

	if cfg.OTLPEndpoint != "" || cfg.MetricsTextfile != "" {
		prov, err := observability.Init(cmd.Context(), observability.Config{
			Enabled:         true,
			ServiceName:     "index-bee",
			Environment:     cfg.Env,
			OTLPEndpoint:    cfg.OTLPEndpoint,
			OTLPHeaders:     cfg.OTLPHeaders,
			OTLPInsecure:    cfg.OTLPInsecure,
			MetricsTextfile: cfg.MetricsTextfile,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else {
			a.telemetry = prov
		}
	}

	return nil
}

func (a *app) close() {
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
		}
	}
	if a.sentryOn {
		sentry.Flush(2 * time.Second)
	}
	if a.logCloser != nil {
		if err := a.logCloser.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
		}
	}
}

// newIndexingClient authenticates with the configured service account
func newIndexingClient(ctx context.Context, cfg *config.Config) (indexingAPI, error) {
	if err := cfg.RequireCredentials(); err != nil {
		return nil, err
	}
	account, err := indexing.LoadServiceAccount(cfg.ServiceAccountFile)
	if err != nil {
		return nil, err
	}

	transport := observability.Transport(http.DefaultTransport)
	tokens := account.TokenSource(&http.Client{Timeout: apiTimeout, Transport: transport}, indexing.Scope)

	client, err := indexing.New(ctx, indexing.Config{
		Endpoint:  cfg.IndexingEndpoint,
		RateLimit: cfg.IndexingRateLimit,
		Timeout:   apiTimeout,
		Transport: transport,
	}, tokens)
	if err != nil {
		return nil, err
	}

	log.Info().Str("client_email", account.ClientEmail).Msg("Authenticated with service account")
	return client, nil
}
