// Package store keeps the URL tracking table in a CSV file.
//
// Every operation reads the whole table, changes it in memory and replaces
// the file atomically. The store assumes a single process owns the file; there
// is no locking between concurrent runs.
package store

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound is returned when a status update targets a URL that is not tracked
	ErrNotFound = errors.New("url not found in tracking file")
	// ErrInvalidTransition is returned when a status update is not allowed from the current status
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrCorrupt is returned when the tracking file exists but cannot be parsed
	ErrCorrupt = errors.New("tracking file is corrupt")
)

// Columns are the CSV header fields, in file order
var Columns = []string{"url", "status", "lastmod", "created_at", "updated_at", "retry_count"}

const (
	// timeLayout is ISO-8601 local time without offset
	timeLayout      = "2006-01-02T15:04:05.999999"
	timeParseLayout = "2006-01-02T15:04:05"
	filePerm        = 0o644
)

// Store is a file-backed URL tracking table
type Store struct {
	path string
	now  func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source used for timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store for the CSV file at path. The file is created on first write.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path: path,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the tracking file location
func (s *Store) Path() string {
	return s.path
}

// Load reads the entire table. A missing file is an empty table.
// An unreadable or unparseable file returns an empty table and an error.
func (s *Store) Load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		log.Debug().Str("path", s.path).Msg("Tracking file does not exist yet")
		return []Record{}, nil
	}
	if err != nil {
		return []Record{}, fmt.Errorf("read tracking file %s: %w", s.path, err)
	}

	records, err := decode(bytes.NewReader(data))
	if err != nil {
		return []Record{}, fmt.Errorf("%w: %s: %w", ErrCorrupt, s.path, err)
	}

	log.Debug().Str("path", s.path).Int("records", len(records)).Msg("Loaded tracking file")
	return records, nil
}

// Save replaces the file contents with records
func (s *Store) Save(records []Record) error {
	var buf bytes.Buffer
	if err := encode(&buf, records); err != nil {
		return fmt.Errorf("encode tracking file: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create tracking directory %s: %w", dir, err)
		}
	}

	if err := renameio.WriteFile(s.path, buf.Bytes(), filePerm); err != nil {
		return fmt.Errorf("write tracking file %s: %w", s.path, err)
	}

	log.Debug().Str("path", s.path).Int("records", len(records)).Msg("Saved tracking file")
	return nil
}

// AddNew inserts a PENDING record for every candidate URL not already tracked
// and returns how many were added. The whole batch costs one load and at most one save.
func (s *Store) AddNew(candidates []Candidate) (int, error) {
	records, err := s.Load()
	if err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Failed to load tracking file, continuing with empty table")
		if errors.Is(err, ErrCorrupt) {
			s.quarantine()
		}
	}

	existing := make(map[string]struct{}, len(records))
	for _, r := range records {
		existing[r.URL] = struct{}{}
	}

	now := s.now()
	added := 0
	for _, c := range candidates {
		u := strings.TrimSpace(c.URL)
		if u == "" {
			continue
		}
		if _, ok := existing[u]; ok {
			continue
		}

		records = append(records, Record{
			URL:          u,
			Status:       StatusPending,
			LastModified: c.LastModified,
			CreatedAt:    now,
			UpdatedAt:    now,
			RetryCount:   0,
		})
		existing[u] = struct{}{}
		added++
	}

	if added == 0 {
		log.Info().Msg("No new URLs to add")
		return 0, nil
	}

	if err := s.Save(records); err != nil {
		log.Error().Err(err).Int("added", added).Msg("Failed to save new URLs")
		return 0, err
	}

	log.Info().Int("added", added).Int("total", len(records)).Msg("Added new URLs to tracking file")
	return added, nil
}

// UpdateStatus moves the record for url to status, refreshing its updated time.
// It returns ErrNotFound when url is not tracked and never creates a record.
func (s *Store) UpdateStatus(url string, status Status, opts UpdateOptions) error {
	if !status.Valid() {
		return fmt.Errorf("update %s: unknown status %q", url, status)
	}

	records, err := s.Load()
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("Failed to load tracking file for status update")
	}

	idx := -1
	for i := range records {
		if records[i].URL == url {
			idx = i
			break
		}
	}
	if idx == -1 {
		log.Warn().Str("url", url).Msg("URL not found in tracking file")
		return fmt.Errorf("%w: %s", ErrNotFound, url)
	}

	rec := &records[idx]
	if !rec.Status.CanTransition(status) {
		log.Warn().
			Str("url", url).
			Str("from", rec.Status.String()).
			Str("to", status.String()).
			Msg("Rejected status transition")
		return fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, url, rec.Status, status)
	}

	rec.Status = status
	rec.UpdatedAt = s.now()
	if opts.IncrementRetry {
		rec.RetryCount++
	}

	if err := s.Save(records); err != nil {
		log.Error().Err(err).Str("url", url).Msg("Failed to save status update")
		return err
	}
	return nil
}

// Pending returns up to limit PENDING records in stored order.
// A limit of zero or less returns every pending record.
func (s *Store) Pending(limit int) []Record {
	records, err := s.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load tracking file, no pending URLs")
		return []Record{}
	}

	pending := make([]Record, 0)
	for _, r := range records {
		if limit > 0 && len(pending) >= limit {
			break
		}
		if r.Status == StatusPending {
			pending = append(pending, r)
		}
	}

	log.Debug().Int("pending", len(pending)).Int("limit", limit).Msg("Selected pending URLs")
	return pending
}

// Stats counts records by status
func (s *Store) Stats() Stats {
	records, err := s.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load tracking file for statistics")
		return Stats{}
	}
	return Count(records)
}

// Count tallies records by status
func Count(records []Record) Stats {
	stats := Stats{Total: len(records)}
	for _, r := range records {
		switch r.Status {
		case StatusPending:
			stats.Pending++
		case StatusSuccess:
			stats.Success++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// Get returns the record for url
func (s *Store) Get(url string) (Record, bool) {
	records, err := s.Load()
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("Failed to load tracking file")
		return Record{}, false
	}
	for _, r := range records {
		if r.URL == url {
			return r, true
		}
	}
	return Record{}, false
}

// Requeue moves every record in status from back to PENDING and returns how many moved.
// Retry counts are kept.
func (s *Store) Requeue(from Status) (int, error) {
	if from == StatusPending || !from.CanTransition(StatusPending) {
		return 0, fmt.Errorf("%w: cannot requeue from %q", ErrInvalidTransition, from)
	}

	records, err := s.Load()
	if err != nil {
		return 0, err
	}

	now := s.now()
	moved := 0
	for i := range records {
		if records[i].Status != from {
			continue
		}
		records[i].Status = StatusPending
		records[i].UpdatedAt = now
		moved++
	}

	if moved == 0 {
		return 0, nil
	}
	if err := s.Save(records); err != nil {
		return 0, err
	}

	log.Info().Int("requeued", moved).Str("from", from.String()).Msg("Requeued URLs")
	return moved, nil
}

// quarantine moves an unparseable tracking file aside so the next save does not destroy it
func (s *Store) quarantine() {
	dest := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
	if err := os.Rename(s.path, dest); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Failed to move corrupt tracking file aside")
		return
	}
	log.Warn().Str("path", s.path).Str("moved_to", dest).Msg("Moved corrupt tracking file aside")
}

func encode(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.URL,
			r.Status.String(),
			r.LastModified,
			formatTime(r.CreatedAt),
			formatTime(r.UpdatedAt),
			strconv.Itoa(r.RetryCount),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func decode(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []Record{}, nil
	}

	// Columns are located by header name so reordered files still load
	index := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		index[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, required := range []string{"url", "status"} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("missing %q column", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	records := make([]Record, 0, len(rows)-1)
	for line, row := range rows[1:] {
		status, err := ParseStatus(field(row, "status"))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line+2, err)
		}

		retries := 0
		if raw := strings.TrimSpace(field(row, "retry_count")); raw != "" {
			retries, err = strconv.Atoi(raw)
			if err != nil || retries < 0 {
				return nil, fmt.Errorf("row %d: invalid retry_count %q", line+2, raw)
			}
		}

		createdAt, err := parseTime(field(row, "created_at"))
		if err != nil {
			return nil, fmt.Errorf("row %d: created_at: %w", line+2, err)
		}
		updatedAt, err := parseTime(field(row, "updated_at"))
		if err != nil {
			return nil, fmt.Errorf("row %d: updated_at: %w", line+2, err)
		}

		records = append(records, Record{
			URL:          field(row, "url"),
			Status:       status,
			LastModified: field(row, "lastmod"),
			CreatedAt:    createdAt,
			UpdatedAt:    updatedAt,
			RetryCount:   retries,
		})
	}

	return records, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(time.Local).Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(timeParseLayout, raw, time.Local); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}
