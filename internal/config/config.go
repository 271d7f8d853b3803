// Package config loads run settings from the environment and .env files.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Harvey-AU/index-bee/internal/util"
	"github.com/joho/godotenv"
)

// ErrMissingSetting is returned when a required setting is empty
var ErrMissingSetting = errors.New("missing required setting")

// Config holds every run setting
type Config struct {
	SitemapURL         string
	ServiceAccountFile string
	DailyLimit         int           // URLs drawn from the tracking file per run
	MaxRetry           int           // Rounds per batch
	RequestDelay       time.Duration // Pause between rounds and between batches
	DataDir            string
	TrackingFile       string // Overrides DataDir/<domain>.csv when set
	LogDir             string // Empty disables the daily log file
	LogLevel           string
	Env                string
	SentryDSN          string
	SlackWebhookURL    string
	OTLPEndpoint       string
	OTLPHeaders        map[string]string
	OTLPInsecure       bool
	MetricsTextfile    string
	IndexingEndpoint   string
	IndexingRateLimit  float64 // Requests per second to the Indexing API
}

// Load reads .env.local and .env if present, then the environment.
// Variables already set in the environment win over .env values.
func Load() (*Config, error) {
	// Each file is loaded on its own so a missing .env.local does not skip .env
	for _, file := range []string{".env.local", ".env"} {
		_ = godotenv.Load(file)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a variable lookup with the signature of os.LookupEnv
func FromEnv(lookupEnv func(string) (string, bool)) (*Config, error) {
	env := lookup(lookupEnv)
	var errs []error

	cfg := &Config{
		SitemapURL:         env.str("SITEMAP_URL", ""),
		ServiceAccountFile: env.str("SERVICE_ACCOUNT_FILE", ""),
		DataDir:            env.str("DATA_DIR", "data"),
		TrackingFile:       env.str("TRACKING_FILE", ""),
		LogDir:             env.raw("LOG_DIR", "logs"),
		LogLevel:           env.str("LOG_LEVEL", "info"),
		Env:                env.str("APP_ENV", "development"),
		SentryDSN:          env.str("SENTRY_DSN", ""),
		SlackWebhookURL:    env.str("SLACK_WEBHOOK_URL", ""),
		OTLPEndpoint:       env.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPHeaders:        ParseOTLPHeaders(env.str("OTEL_EXPORTER_OTLP_HEADERS", "")),
		MetricsTextfile:    env.str("METRICS_TEXTFILE", ""),
		IndexingEndpoint:   env.str("INDEXING_ENDPOINT", "https://indexing.googleapis.com"),
	}

	var err error
	if cfg.DailyLimit, err = env.integer("DAILY_LIMIT", 200, 1); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxRetry, err = env.integer("MAX_RETRY", 3, 1); err != nil {
		errs = append(errs, err)
	}

	delay, err := env.float("REQUEST_DELAY", 1.0)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.RequestDelay = time.Duration(delay * float64(time.Second))

	if cfg.IndexingRateLimit, err = env.float("INDEXING_RATE_LIMIT", 5); err != nil {
		errs = append(errs, err)
	}

	if cfg.OTLPInsecure, err = env.boolean("OTEL_EXPORTER_OTLP_INSECURE", false); err != nil {
		errs = append(errs, err)
	}

	if cfg.SitemapURL == "" {
		errs = append(errs, fmt.Errorf("%w: SITEMAP_URL", ErrMissingSetting))
	} else if err := util.ValidateHTTPURL(cfg.SitemapURL); err != nil {
		errs = append(errs, fmt.Errorf("SITEMAP_URL: %w", err))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// RequireCredentials checks that the service account key file is configured and exists
func (c *Config) RequireCredentials() error {
	if c.ServiceAccountFile == "" {
		return fmt.Errorf("%w: SERVICE_ACCOUNT_FILE", ErrMissingSetting)
	}
	info, err := os.Stat(c.ServiceAccountFile)
	if err != nil {
		return fmt.Errorf("SERVICE_ACCOUNT_FILE %s: %w", c.ServiceAccountFile, err)
	}
	if info.IsDir() {
		return fmt.Errorf("SERVICE_ACCOUNT_FILE %s is a directory", c.ServiceAccountFile)
	}
	return nil
}

// TrackingPath returns the CSV file used to track URLs for this sitemap
func (c *Config) TrackingPath() string {
	if c.TrackingFile != "" {
		return c.TrackingFile
	}
	domain := util.DomainFromURL(c.SitemapURL)
	// Ports are not portable in file names
	domain = strings.ReplaceAll(domain, ":", "_")
	return filepath.Join(c.DataDir, domain+".csv")
}

// ParseOTLPHeaders parses "key=value,key2=value2" header lists
func ParseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}

	return headers
}

type lookup func(string) (string, bool)

func (l lookup) get(key string) string {
	v, _ := l(key)
	return strings.TrimSpace(v)
}

// raw applies the default only when key is unset, so an explicit empty value is kept
func (l lookup) raw(key, def string) string {
	v, ok := l(key)
	if !ok {
		return def
	}
	return strings.TrimSpace(v)
}

func (l lookup) str(key, def string) string {
	if v := l.get(key); v != "" {
		return v
	}
	return def
}

func (l lookup) integer(key string, def, minValue int) (int, error) {
	v := l.get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	if n < minValue {
		return 0, fmt.Errorf("%s: must be at least %d, got %d", key, minValue, n)
	}
	return n, nil
}

func (l lookup) float(key string, def float64) (float64, error) {
	v := l.get(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%s: %q is not a number", key, v)
	}
	if f < 0 {
		return 0, fmt.Errorf("%s: cannot be negative, got %v", key, f)
	}
	return f, nil
}

func (l lookup) boolean(key string, def bool) (bool, error) {
	v := l.get(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %q is not a boolean", key, v)
	}
	return b, nil
}
