package util

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// trailingNumber matches the numeric identifier at the end of a post URL path
var trailingNumber = regexp.MustCompile(`/(\d+)$`)

// NormaliseDomain removes http/https prefix and trailing slash from domain
func NormaliseDomain(domain string) string {
	domain = strings.TrimSpace(domain)
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimSuffix(domain, "/")

	return domain
}

// DomainFromURL returns the host part of a URL, keeping any subdomain.
// For "https://yourblog.tistory.com/sitemap.xml" it returns "yourblog.tistory.com".
func DomainFromURL(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err == nil && parsed.Host != "" {
		return parsed.Host
	}

	// Fall back to string handling for scheme-less input
	domain := NormaliseDomain(rawURL)
	if idx := strings.Index(domain, "/"); idx != -1 {
		domain = domain[:idx]
	}
	return domain
}

// ValidateHTTPURL checks that rawURL is an absolute http(s) URL with a host
func ValidateHTTPURL(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", rawURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("url %q has no host", rawURL)
	}

	return nil
}

// PostNumber extracts the trailing numeric identifier of a URL path.
// URLs without one return 0.
func PostNumber(rawURL string) int {
	match := trailingNumber.FindStringSubmatch(rawURL)
	if match == nil {
		return 0
	}

	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return n
}
