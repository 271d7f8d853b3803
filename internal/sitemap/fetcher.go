// Package sitemap fetches sitemap documents and picks out blog post URLs.
package sitemap

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxSitemapBytes is the uncompressed size limit of a single sitemap file
const maxSitemapBytes = 50 << 20

// Entry is one <url> of a urlset
type Entry struct {
	Loc     string `json:"loc"`
	LastMod string `json:"lastmod,omitempty"`
}

// Config holds the settings for a Fetcher
type Config struct {
	UserAgent string        // User agent string sent with every fetch
	Timeout   time.Duration // Per-request timeout
	Delay     time.Duration // Pause between consecutive fetches
	Transport http.RoundTripper
}

// DefaultConfig returns a Config with a browser-like user agent and a 10 second timeout
func DefaultConfig() Config {
	return Config{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		Timeout:   10 * time.Second,
		Delay:     200 * time.Millisecond,
	}
}

// Fetcher reads sitemaps and sitemap indexes
type Fetcher struct {
	config Config
}

// NewFetcher creates a Fetcher. Zero fields in config fall back to DefaultConfig values.
func NewFetcher(config Config) *Fetcher {
	defaults := DefaultConfig()
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Delay < 0 {
		config.Delay = 0
	}
	if config.Transport == nil {
		config.Transport = http.DefaultTransport
	}
	return &Fetcher{config: config}
}

// Fetch returns every entry reachable from sitemapURL. A sitemap index is expanded
// one level: each child sitemap is fetched in turn and its entries merged in order.
// Fetch and parse failures are logged and give no entries for that document, so the
// result may be partial or empty but is never an error.
func (f *Fetcher) Fetch(ctx context.Context, sitemapURL string) []Entry {
	start := time.Now()
	entries := make([]Entry, 0)
	var children, failedChildren int

	c := f.newCollector(ctx)

	c.OnXML("/urlset/url", func(e *colly.XMLElement) {
		loc := strings.TrimSpace(e.ChildText("loc"))
		if loc == "" {
			return
		}
		entries = append(entries, Entry{
			Loc:     loc,
			LastMod: strings.TrimSpace(e.ChildText("lastmod")),
		})
	})

	c.OnXML("/sitemapindex/sitemap", func(e *colly.XMLElement) {
		loc := strings.TrimSpace(e.ChildText("loc"))
		if loc == "" {
			return
		}
		if e.Request.Depth > 1 {
			log.Debug().
				Str("sitemap", loc).
				Str("parent", e.Request.URL.String()).
				Msg("Ignoring nested sitemap index")
			return
		}

		children++
		log.Debug().Str("sitemap", loc).Msg("Fetching child sitemap")
		if err := e.Request.Visit(loc); err != nil {
			failedChildren++
			log.Warn().
				Err(err).
				Str("sitemap", loc).
				Msg("Skipping child sitemap")
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		log.Warn().
			Err(err).
			Str("url", r.Request.URL.String()).
			Int("status", r.StatusCode).
			Msg("Sitemap fetch failed")
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(sitemapURL)
	}()

	select {
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Str("url", sitemapURL).Msg("Sitemap fetch cancelled")
		return []Entry{}
	case err := <-done:
		if err != nil {
			log.Error().
				Err(err).
				Str("url", sitemapURL).
				Msg("Failed to fetch sitemap")
			return []Entry{}
		}
	}

	log.Info().
		Str("url", sitemapURL).
		Int("entries", len(entries)).
		Int("child_sitemaps", children).
		Int("failed_child_sitemaps", failedChildren).
		Dur("duration", time.Since(start)).
		Msg("Sitemap fetched")

	return entries
}

func (f *Fetcher) newCollector(ctx context.Context) *colly.Collector {
	c := colly.NewCollector(
		colly.UserAgent(f.config.UserAgent),
		colly.MaxDepth(2),
		colly.MaxBodySize(maxSitemapBytes),
		colly.Async(false),
	)
	c.SetRequestTimeout(f.config.Timeout)
	c.WithTransport(otelhttp.NewTransport(f.config.Transport))

	if f.config.Delay > 0 {
		if err := c.Limit(&colly.LimitRule{
			DomainGlob: "*",
			Delay:      f.config.Delay,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to apply sitemap fetch delay")
		}
	}

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		r.Headers.Set("Accept", "application/xml,text/xml;q=0.9,*/*;q=0.8")
		log.Debug().Str("url", r.URL.String()).Msg("Requesting sitemap")
	})

	// Servers label sitemaps as text/html, text/plain or nothing at all. colly
	// picks its parser from this header, so every body is parsed as XML.
	c.OnResponse(func(r *colly.Response) {
		r.Headers.Set("Content-Type", "application/xml")
	})

	return c
}
