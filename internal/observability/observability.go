package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/otlptranslator"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "index-bee/submit"

// Config controls observability initialisation.
type Config struct {
	Enabled         bool
	ServiceName     string
	Environment     string
	OTLPEndpoint    string
	OTLPHeaders     map[string]string
	OTLPInsecure    bool
	MetricsTextfile string // node_exporter textfile collector path, empty disables
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	Registry       *prometheus.Registry
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	tracer trace.Tracer

	submissionTotal metric.Int64Counter
	roundDuration   metric.Float64Histogram
	roundTotal      metric.Int64Counter
	trackedURLs     metric.Int64Gauge
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
// It is meant to be called once per process.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "index-bee"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{
			getOTLPEndpointOption(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			// Traces are optional, the run continues without them
			log.Warn().Err(err).Str("endpoint", cfg.OTLPEndpoint).Msg("Failed to create OTLP trace exporter, traces disabled")
		} else {
			spanExporter = exp
			log.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("OTLP trace exporter initialised")
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	// Textfile collectors only accept classic underscore metric names
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithTranslationStrategy(otlptranslator.UnderscoreEscapingWithSuffixes),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx) // best-effort cleanup
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	tracer = tracerProvider.Tracer(instrumentationName)
	if err := initInstruments(meterProvider); err != nil {
		log.Warn().Err(err).Msg("Failed to create submission metrics")
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		Registry:       registry,
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

// WriteTextfile writes the current metrics in Prometheus text format to the
// configured textfile path. It does nothing when no path is configured.
func (p *Providers) WriteTextfile() error {
	if p == nil || p.Config.MetricsTextfile == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(p.Config.MetricsTextfile, p.Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// Transport wraps base with client-side OpenTelemetry instrumentation.
func Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
	)
}

func initInstruments(meterProvider *sdkmetric.MeterProvider) error {
	meter := meterProvider.Meter(instrumentationName)

	var err error
	submissionTotal, err = meter.Int64Counter(
		"bee.index.submissions",
		metric.WithDescription("Counts finalised URL submissions by outcome"),
	)
	if err != nil {
		return err
	}

	roundDuration, err = meter.Float64Histogram(
		"bee.index.round.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken by one batch round against the Indexing API"),
	)
	if err != nil {
		return err
	}

	roundTotal, err = meter.Int64Counter(
		"bee.index.rounds",
		metric.WithDescription("Counts batch rounds by attempt number and result"),
	)
	if err != nil {
		return err
	}

	trackedURLs, err = meter.Int64Gauge(
		"bee.index.tracked_urls",
		metric.WithDescription("Tracked URLs by status at the end of a run"),
	)
	return err
}

func activeTracer() trace.Tracer {
	if tracer != nil {
		return tracer
	}
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span for a pipeline phase such as sitemap fetch or sync.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return activeTracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RoundSpanInfo describes the attributes used when starting a batch round span.
type RoundSpanInfo struct {
	Attempt    int
	MaxAttempt int
	URLs       int
}

// StartRoundSpan starts a span for one batch round.
func StartRoundSpan(ctx context.Context, info RoundSpanInfo) (context.Context, trace.Span) {
	return activeTracer().Start(ctx, "submit.round", trace.WithAttributes(
		attribute.Int("round.attempt", info.Attempt),
		attribute.Int("round.max_attempt", info.MaxAttempt),
		attribute.Int("round.urls", info.URLs),
	))
}

// RoundMetrics describes a completed batch round for metric recording.
type RoundMetrics struct {
	Attempt  int
	Result   string // ok, partial or error
	Duration time.Duration
}

// RecordRound emits round metrics when instrumentation is initialised.
func RecordRound(ctx context.Context, m RoundMetrics) {
	attrs := metric.WithAttributes(
		attribute.Int("round.attempt", m.Attempt),
		attribute.String("round.result", m.Result),
	)
	if roundDuration != nil {
		roundDuration.Record(ctx, float64(m.Duration.Milliseconds()), attrs)
	}
	if roundTotal != nil {
		roundTotal.Add(ctx, 1, attrs)
	}
}

// RecordSubmission counts one finalised URL.
func RecordSubmission(ctx context.Context, succeeded bool, attempts int) {
	if submissionTotal == nil {
		return
	}
	outcome := "success"
	if !succeeded {
		outcome = "failed"
	}
	submissionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("submission.outcome", outcome),
		attribute.Int("submission.attempts", attempts),
	))
}

// RecordTracked sets the tracked-URL gauge for each status.
func RecordTracked(ctx context.Context, counts map[string]int) {
	if trackedURLs == nil {
		return
	}
	for status, n := range counts {
		trackedURLs.Record(ctx, int64(n), metric.WithAttributes(attribute.String("url.status", status)))
	}
}
