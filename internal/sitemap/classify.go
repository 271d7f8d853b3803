package sitemap

import (
	"regexp"
	"sort"
	"strings"

	"github.com/Harvey-AU/index-bee/internal/util"
	"github.com/rs/zerolog/log"
)

// postPattern matches post permalinks such as /123 or /entry/123
var postPattern = regexp.MustCompile(`^https?://[^/]+/(\w+/)?(\d+)$`)

// excludedFragments mark listing and mobile pages that share the post URL shape
var excludedFragments = []string{"/m/", "/category", "/tag", "/page"}

// IsPostURL reports whether rawURL looks like a single post permalink
func IsPostURL(rawURL string) bool {
	for _, fragment := range excludedFragments {
		if strings.Contains(rawURL, fragment) {
			return false
		}
	}
	return postPattern.MatchString(rawURL)
}

// FilterPostURLs keeps entries whose location is a post permalink, preserving order
func FilterPostURLs(entries []Entry) []Entry {
	filtered := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if IsPostURL(e.Loc) {
			filtered = append(filtered, e)
		}
	}

	log.Debug().
		Int("total", len(entries)).
		Int("posts", len(filtered)).
		Msg("Filtered sitemap entries to post URLs")

	return filtered
}

// SortByNumber returns a copy of entries ordered by their trailing post number.
// Entries without a number sort as 0. Equal numbers keep their input order.
func SortByNumber(entries []Entry, descending bool) []Entry {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := util.PostNumber(sorted[i].Loc), util.PostNumber(sorted[j].Loc)
		if descending {
			return a > b
		}
		return a < b
	})

	return sorted
}
