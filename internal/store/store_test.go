package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 30, 0, 123456000, time.Local)}
	path := filepath.Join(t.TempDir(), "data", "blog.example.com.csv")
	return New(path, WithClock(clock.Now)), clock
}

func candidates(urls ...string) []Candidate {
	out := make([]Candidate, 0, len(urls))
	for _, u := range urls {
		out = append(out, Candidate{URL: u, LastModified: "2024-02-01"})
	}
	return out
}

func TestLoadMissingFile(t *testing.T) {
	s, _ := newTestStore(t)

	records, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, Stats{}, s.Stats())
}

func TestAddNew(t *testing.T) {
	s, _ := newTestStore(t)

	added, err := s.AddNew(candidates("https://a.com/1", "https://a.com/2", "https://a.com/1"))
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	records, err := s.Load()
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, StatusPending, r.Status)
		assert.Equal(t, 0, r.RetryCount)
		assert.Equal(t, "2024-02-01", r.LastModified)
		assert.Equal(t, r.CreatedAt, r.UpdatedAt)
	}

	t.Run("already_tracked_urls_are_skipped", func(t *testing.T) {
		added, err := s.AddNew(candidates("https://a.com/2", "https://a.com/3"))
		require.NoError(t, err)
		assert.Equal(t, 1, added)
		assert.Equal(t, 3, s.Stats().Total)
	})

	t.Run("nothing_new_leaves_file_untouched", func(t *testing.T) {
		before, err := os.Stat(s.Path())
		require.NoError(t, err)

		added, err := s.AddNew(candidates("https://a.com/1"))
		require.NoError(t, err)
		assert.Equal(t, 0, added)

		after, err := os.Stat(s.Path())
		require.NoError(t, err)
		assert.Equal(t, before.ModTime(), after.ModTime())
	})
}

func TestAddNewKeepsExistingStatus(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.AddNew(candidates("https://a.com/1"))
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus("https://a.com/1", StatusSuccess, UpdateOptions{}))

	added, err := s.AddNew(candidates("https://a.com/1"))
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	rec, ok := s.Get("https://a.com/1")
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, rec.Status)
}

func TestUpdateStatus(t *testing.T) {
	s, clock := newTestStore(t)
	_, err := s.AddNew(candidates("https://a.com/1", "https://a.com/2"))
	require.NoError(t, err)

	original, ok := s.Get("https://a.com/1")
	require.True(t, ok)

	clock.Advance(time.Hour)
	require.NoError(t, s.UpdateStatus("https://a.com/1", StatusFailed, UpdateOptions{IncrementRetry: true}))

	rec, ok := s.Get("https://a.com/1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.True(t, rec.UpdatedAt.After(original.UpdatedAt))
	assert.True(t, rec.CreatedAt.Equal(original.CreatedAt))

	t.Run("retry_count_accumulates", func(t *testing.T) {
		require.NoError(t, s.UpdateStatus("https://a.com/1", StatusFailed, UpdateOptions{IncrementRetry: true}))
		rec, _ := s.Get("https://a.com/1")
		assert.Equal(t, 2, rec.RetryCount)
	})

	t.Run("unknown_url", func(t *testing.T) {
		err := s.UpdateStatus("https://a.com/404", StatusSuccess, UpdateOptions{})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 2, s.Stats().Total)
	})

	t.Run("success_cannot_become_failed", func(t *testing.T) {
		require.NoError(t, s.UpdateStatus("https://a.com/2", StatusSuccess, UpdateOptions{}))
		err := s.UpdateStatus("https://a.com/2", StatusFailed, UpdateOptions{IncrementRetry: true})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		rec, _ := s.Get("https://a.com/2")
		assert.Equal(t, StatusSuccess, rec.Status)
		assert.Equal(t, 0, rec.RetryCount)
	})

	t.Run("unknown_status", func(t *testing.T) {
		assert.Error(t, s.UpdateStatus("https://a.com/1", Status("DONE"), UpdateOptions{}))
	})
}

func TestPending(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.AddNew(candidates("https://a.com/5", "https://a.com/4", "https://a.com/3", "https://a.com/2", "https://a.com/1"))
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus("https://a.com/4", StatusSuccess, UpdateOptions{}))

	tests := []struct {
		name     string
		limit    int
		expected []string
	}{
		{name: "limited", limit: 2, expected: []string{"https://a.com/5", "https://a.com/3"}},
		{name: "limit_exceeds_pending", limit: 10, expected: []string{"https://a.com/5", "https://a.com/3", "https://a.com/2", "https://a.com/1"}},
		{name: "zero_means_all", limit: 0, expected: []string{"https://a.com/5", "https://a.com/3", "https://a.com/2", "https://a.com/1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pending := s.Pending(tt.limit)
			urls := make([]string, 0, len(pending))
			for _, r := range pending {
				assert.Equal(t, StatusPending, r.Status)
				urls = append(urls, r.URL)
			}
			assert.Equal(t, tt.expected, urls)
		})
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.AddNew(candidates("https://a.com/1", "https://a.com/2", "https://a.com/3", "https://a.com/4"))
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus("https://a.com/1", StatusSuccess, UpdateOptions{}))
	require.NoError(t, s.UpdateStatus("https://a.com/2", StatusFailed, UpdateOptions{IncrementRetry: true}))

	stats := s.Stats()
	assert.Equal(t, Stats{Total: 4, Pending: 2, Success: 1, Failed: 1}, stats)
	assert.Equal(t, stats.Total, stats.Pending+stats.Success+stats.Failed)
}

func TestRequeue(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.AddNew(candidates("https://a.com/1", "https://a.com/2", "https://a.com/3"))
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus("https://a.com/1", StatusFailed, UpdateOptions{IncrementRetry: true}))
	require.NoError(t, s.UpdateStatus("https://a.com/2", StatusFailed, UpdateOptions{IncrementRetry: true}))
	require.NoError(t, s.UpdateStatus("https://a.com/3", StatusSuccess, UpdateOptions{}))

	moved, err := s.Requeue(StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	assert.Equal(t, Stats{Total: 3, Pending: 2, Success: 1}, s.Stats())

	rec, _ := s.Get("https://a.com/1")
	assert.Equal(t, 1, rec.RetryCount)

	moved, err = s.Requeue(StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	_, err = s.Requeue(StatusPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRoundTripPreservesFields(t *testing.T) {
	s, _ := newTestStore(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 678901000, time.Local)
	updated := created.Add(90 * time.Minute)

	in := []Record{
		{URL: "https://a.com/1", Status: StatusFailed, LastModified: "2024-01-01T00:00:00+09:00", CreatedAt: created, UpdatedAt: updated, RetryCount: 3},
		{URL: "https://a.com/2?q=a,b", Status: StatusPending, CreatedAt: created, UpdatedAt: created},
	}
	require.NoError(t, s.Save(in))

	out, err := s.Load()
	require.NoError(t, err)
	require.Len(t, out, 2)
	for i := range in {
		assert.Equal(t, in[i].URL, out[i].URL)
		assert.Equal(t, in[i].Status, out[i].Status)
		assert.Equal(t, in[i].LastModified, out[i].LastModified)
		assert.Equal(t, in[i].RetryCount, out[i].RetryCount)
		assert.True(t, in[i].CreatedAt.Equal(out[i].CreatedAt))
		assert.True(t, in[i].UpdatedAt.Equal(out[i].UpdatedAt))
	}

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "url,status,lastmod,created_at,updated_at,retry_count\n"))
}

func TestLoadHandwrittenFile(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))

	content := "status,url,retry_count,created_at,updated_at,lastmod\n" +
		"SUCCESS,https://a.com/1,0,2024-01-02T03:04:05,2024-01-02T03:04:05.5,\n" +
		"PENDING,https://a.com/2,,,,2024-01-01\n"
	require.NoError(t, os.WriteFile(s.Path(), []byte(content), 0o644))

	records, err := s.Load()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "https://a.com/1", records[0].URL)
	assert.Equal(t, StatusSuccess, records[0].Status)
	assert.Equal(t, 500*time.Millisecond, records[0].UpdatedAt.Sub(records[0].CreatedAt))
	assert.Equal(t, 0, records[1].RetryCount)
	assert.True(t, records[1].CreatedAt.IsZero())
	assert.Equal(t, "2024-01-01", records[1].LastModified)
}

func TestLoadFileWithByteOrderMark(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))

	content := "\ufeffurl,status,lastmod,created_at,updated_at,retry_count\n" +
		"https://a.com/1,FAILED,,,,2\n"
	require.NoError(t, os.WriteFile(s.Path(), []byte(content), 0o644))

	records, err := s.Load()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "https://a.com/1", records[0].URL)
	assert.Equal(t, StatusFailed, records[0].Status)
	assert.Equal(t, 2, records[0].RetryCount)
}

func TestCorruptFile(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
	require.NoError(t, os.WriteFile(s.Path(), []byte("url,status\nhttps://a.com/1,DONE\n"), 0o644))

	records, err := s.Load()
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Empty(t, records)

	assert.Equal(t, Stats{}, s.Stats())
	assert.Empty(t, s.Pending(10))

	t.Run("add_new_moves_corrupt_file_aside", func(t *testing.T) {
		added, err := s.AddNew(candidates("https://a.com/9"))
		require.NoError(t, err)
		assert.Equal(t, 1, added)

		matches, err := filepath.Glob(s.Path() + ".corrupt-*")
		require.NoError(t, err)
		assert.Len(t, matches, 1)
		assert.Equal(t, Stats{Total: 1, Pending: 1}, s.Stats())
	})
}

func TestCount(t *testing.T) {
	records := []Record{
		{Status: StatusPending},
		{Status: StatusSuccess},
		{Status: StatusSuccess},
		{Status: StatusFailed},
	}
	assert.Equal(t, Stats{Total: 4, Pending: 1, Success: 2, Failed: 1}, Count(records))
}
