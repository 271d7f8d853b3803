package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"PENDING", "SUCCESS", "FAILED"} {
		status, err := ParseStatus(s)
		require.NoError(t, err)
		assert.Equal(t, s, status.String())
	}

	_, err := ParseStatus("pending")
	assert.Error(t, err)
	_, err = ParseStatus("")
	assert.Error(t, err)
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusPending, StatusSuccess, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusPending, true},
		{StatusFailed, StatusSuccess, true},
		{StatusFailed, StatusFailed, true},
		{StatusFailed, StatusPending, true},
		{StatusSuccess, StatusPending, true},
		{StatusSuccess, StatusSuccess, true},
		{StatusSuccess, StatusFailed, false},
		{Status("UNKNOWN"), StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}
