// Package indexing provides a client for the Google Indexing API.
// See https://developers.google.com/search/apis/indexing-api/v3/reference for full documentation.
package indexing

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	// DefaultEndpoint is the Indexing API root
	DefaultEndpoint = "https://indexing.googleapis.com"
	// MaxBatchSize is the most notifications a single batch request may carry
	MaxBatchSize = 100
	// NotificationUpdated asks Google to recrawl a URL
	NotificationUpdated = "URL_UPDATED"

	publishPath    = "/v3/urlNotifications:publish"
	metadataPath   = "/v3/urlNotifications/metadata"
	batchPath      = "/batch"
	defaultTimeout = 30 * time.Second
	contentIDItem  = "item-"
	maxBodyBytes   = 16 << 20
)

// Config holds the settings for a Client
type Config struct {
	Endpoint  string            // API root, DefaultEndpoint when empty
	RateLimit float64           // Requests per second, zero or less disables pacing
	Timeout   time.Duration     // Per-request timeout
	Transport http.RoundTripper // Base transport below authentication
}

// Client submits URL notifications to the Indexing API
type Client struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Result is the outcome of one URL within a batch
type Result struct {
	URL string
	Err error
}

// Metadata is the latest notification state Google holds for a URL
type Metadata struct {
	URL          string        `json:"url"`
	LatestUpdate *Notification `json:"latestUpdate,omitempty"`
	LatestRemove *Notification `json:"latestRemove,omitempty"`
}

// Notification is a single notification record in Metadata
type Notification struct {
	URL        string    `json:"url"`
	Type       string    `json:"type"`
	NotifyTime time.Time `json:"notifyTime"`
}

type publishRequest struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// New creates a Client authenticated by ts. A first token is fetched before
// returning so credential problems surface immediately.
func New(ctx context.Context, cfg Config, ts oauth2.TokenSource) (*Client, error) {
	if ts == nil {
		return nil, errors.New("indexing: token source is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := ts.Token(); err != nil {
		return nil, fmt.Errorf("indexing: authentication failed: %w", err)
	}

	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	base := cfg.Transport
	if base == nil {
		base = otelhttp.NewTransport(http.DefaultTransport)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	log.Debug().
		Str("endpoint", endpoint).
		Float64("rate_limit", cfg.RateLimit).
		Msg("Indexing API client ready")

	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &oauth2.Transport{Source: ts, Base: base},
		},
		limiter: limiter,
	}, nil
}

// PublishBatch sends one URL_UPDATED notification per URL in a single batch request.
// Results follow the order of the batch response; URLs the response does not
// answer are appended with ErrMissingResponse. An error return means the batch
// as a whole failed and no per-URL results are available.
func (c *Client) PublishBatch(ctx context.Context, urls []string) ([]Result, error) {
	if len(urls) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(urls) > MaxBatchSize {
		return nil, fmt.Errorf("%w: got %d", ErrBatchTooLarge, len(urls))
	}

	body, contentType, err := encodeBatch(urls)
	if err != nil {
		return nil, fmt.Errorf("indexing: failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+batchPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("indexing: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readAPIError(resp)
	}

	results, err := decodeBatch(resp, urls)
	if err != nil {
		return nil, fmt.Errorf("indexing: failed to decode batch response: %w", err)
	}

	log.Debug().
		Int("urls", len(urls)).
		Int("results", len(results)).
		Msg("Batch published")

	return results, nil
}

// GetMetadata returns the notification metadata for rawURL, or nil when Google has none
func (c *Client) GetMetadata(ctx context.Context, rawURL string) (*Metadata, error) {
	endpoint := c.endpoint + metadataPath + "?url=" + url.QueryEscape(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("indexing: failed to create request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readAPIError(resp)
	}

	var meta Metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("indexing: failed to parse metadata: %w", err)
	}
	return &meta, nil
}

// do paces and executes the request
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("indexing: rate limiter: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("indexing: request failed: %w", err)
	}
	return resp, nil
}

// encodeBatch builds a multipart/mixed body with one embedded HTTP request per URL
func encodeBatch(urls []string) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for i, u := range urls {
		payload, err := json.Marshal(publishRequest{URL: u, Type: NotificationUpdated})
		if err != nil {
			return nil, "", err
		}

		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "application/http")
		header.Set("Content-ID", "<"+contentIDItem+strconv.Itoa(i)+">")
		part, err := mw.CreatePart(header)
		if err != nil {
			return nil, "", err
		}

		fmt.Fprintf(part, "POST %s HTTP/1.1\r\n", publishPath)
		io.WriteString(part, "Content-Type: application/json\r\n")
		fmt.Fprintf(part, "Content-Length: %d\r\n\r\n", len(payload))
		if _, err := part.Write(payload); err != nil {
			return nil, "", err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "multipart/mixed; boundary=" + mw.Boundary(), nil
}

// decodeBatch maps each response part back to its URL through the part's Content-ID
func decodeBatch(resp *http.Response, urls []string) ([]Result, error) {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, fmt.Errorf("unexpected content type %q", mediaType)
	}

	answered := make([]bool, len(urls))
	results := make([]Result, 0, len(urls))

	mr := multipart.NewReader(io.LimitReader(resp.Body, maxBodyBytes), params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		idx, ok := partIndex(part.Header.Get("Content-ID"), len(urls))
		if !ok || answered[idx] {
			log.Warn().
				Str("content_id", part.Header.Get("Content-ID")).
				Msg("Ignoring unmatched batch response part")
			continue
		}
		answered[idx] = true

		results = append(results, Result{URL: urls[idx], Err: readPart(part)})
	}

	for i, done := range answered {
		if !done {
			results = append(results, Result{URL: urls[i], Err: ErrMissingResponse})
		}
	}

	return results, nil
}

// partIndex extracts the request index from a Content-ID such as <response-item-3>
func partIndex(contentID string, n int) (int, bool) {
	id := strings.Trim(strings.TrimSpace(contentID), "<>")
	id = strings.TrimPrefix(id, "response-")
	if !strings.HasPrefix(id, contentIDItem) {
		return 0, false
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(id, contentIDItem))
	if err != nil || idx < 0 || idx >= n {
		return 0, false
	}
	return idx, true
}

// readPart parses the embedded HTTP response of one batch part
func readPart(part io.Reader) error {
	inner, err := http.ReadResponse(bufio.NewReader(part), nil)
	if err != nil {
		return fmt.Errorf("malformed batch response part: %w", err)
	}
	defer inner.Body.Close()

	if inner.StatusCode >= 200 && inner.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, inner.Body)
		return nil
	}
	return readAPIError(inner)
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var parsed errorBody
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Status:     parsed.Error.Status,
			Message:    parsed.Error.Message,
		}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
