package mocks

import (
	"context"

	"github.com/Harvey-AU/index-bee/internal/indexing"
	"github.com/Harvey-AU/index-bee/internal/submit"
	"github.com/stretchr/testify/mock"
)

// MockSubmitter is a mock implementation of the submission engine
type MockSubmitter struct {
	mock.Mock
}

// Submit mocks the Submit method. notify is called for each returned result.
func (m *MockSubmitter) Submit(ctx context.Context, urls []string, notify func(submit.Result)) ([]submit.Result, error) {
	args := m.Called(ctx, urls)

	var results []submit.Result
	if args.Get(0) != nil {
		results = args.Get(0).([]submit.Result)
	}
	if notify != nil {
		for _, r := range results {
			notify(r)
		}
	}

	return results, args.Error(1)
}

// MockPublisher is a mock implementation of the Indexing API batch publisher
type MockPublisher struct {
	mock.Mock
}

// PublishBatch mocks the PublishBatch method
func (m *MockPublisher) PublishBatch(ctx context.Context, urls []string) ([]indexing.Result, error) {
	args := m.Called(ctx, urls)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]indexing.Result), args.Error(1)
}

// MockMetadataClient is a mock implementation of the Indexing API metadata lookup
type MockMetadataClient struct {
	mock.Mock
}

// GetMetadata mocks the GetMetadata method
func (m *MockMetadataClient) GetMetadata(ctx context.Context, url string) (*indexing.Metadata, error) {
	args := m.Called(ctx, url)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*indexing.Metadata), args.Error(1)
}
