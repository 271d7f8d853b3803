package mocks

import (
	"github.com/Harvey-AU/index-bee/internal/store"
	"github.com/stretchr/testify/mock"
)

// MockTracker is a mock implementation of the tracking file store
type MockTracker struct {
	mock.Mock
}

// AddNew mocks the AddNew method
func (m *MockTracker) AddNew(candidates []store.Candidate) (int, error) {
	args := m.Called(candidates)
	return args.Int(0), args.Error(1)
}

// Pending mocks the Pending method
func (m *MockTracker) Pending(limit int) []store.Record {
	args := m.Called(limit)

	if args.Get(0) == nil {
		return nil
	}

	return args.Get(0).([]store.Record)
}

// UpdateStatus mocks the UpdateStatus method
func (m *MockTracker) UpdateStatus(url string, status store.Status, opts store.UpdateOptions) error {
	args := m.Called(url, status, opts)
	return args.Error(0)
}

// Stats mocks the Stats method
func (m *MockTracker) Stats() store.Stats {
	args := m.Called()
	return args.Get(0).(store.Stats)
}
