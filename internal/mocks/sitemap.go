package mocks

import (
	"context"

	"github.com/Harvey-AU/index-bee/internal/sitemap"
	"github.com/stretchr/testify/mock"
)

// MockSitemapSource is a mock implementation of a sitemap source
type MockSitemapSource struct {
	mock.Mock
}

// Fetch mocks the Fetch method
func (m *MockSitemapSource) Fetch(ctx context.Context, sitemapURL string) []sitemap.Entry {
	args := m.Called(ctx, sitemapURL)

	if args.Get(0) == nil {
		return nil
	}

	return args.Get(0).([]sitemap.Entry)
}
