package indexing

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrEmptyBatch is returned when a batch contains no URLs
	ErrEmptyBatch = errors.New("batch is empty")
	// ErrBatchTooLarge is returned when a batch exceeds MaxBatchSize URLs
	ErrBatchTooLarge = fmt.Errorf("batch exceeds %d urls", MaxBatchSize)
	// ErrMissingResponse is recorded for a URL the batch response did not answer
	ErrMissingResponse = errors.New("no response for url in batch")
)

// APIError represents an error response from the Indexing API
type APIError struct {
	StatusCode int
	Status     string // Google status name, e.g. PERMISSION_DENIED
	Message    string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("indexing: API error %d %s: %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("indexing: API error %d: %s", e.StatusCode, e.Message)
}

// ClassifyError turns an API failure into an operator-facing message.
// Only the text changes; every failure is treated the same by the retry logic.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err.Error()
	}

	switch apiErr.StatusCode {
	case http.StatusForbidden:
		return "permission denied: check the service account is an owner in Search Console (" + apiErr.Message + ")"
	case http.StatusTooManyRequests:
		return "quota exceeded: daily or per-minute API limit reached (" + apiErr.Message + ")"
	case http.StatusBadRequest:
		return "bad request: the URL or request body was rejected (" + apiErr.Message + ")"
	default:
		return apiErr.Error()
	}
}

// errorBody is the JSON error envelope used by Google APIs
type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
