package store

import (
	"fmt"
	"time"
)

// Status represents the submission state of a tracked URL
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// transitions lists the statuses each status may move to.
// SUCCESS never moves to FAILED: a submitted URL is only re-attempted after an
// explicit requeue back to PENDING.
var transitions = map[Status]map[Status]bool{
	StatusPending: {StatusPending: true, StatusSuccess: true, StatusFailed: true},
	StatusSuccess: {StatusPending: true, StatusSuccess: true},
	StatusFailed:  {StatusPending: true, StatusSuccess: true, StatusFailed: true},
}

// ParseStatus converts a stored status literal into a Status
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return status, nil
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether a record in status s may move to next
func (s Status) CanTransition(next Status) bool {
	return transitions[s][next]
}

func (s Status) String() string {
	return string(s)
}

// Record is one row of the tracking table. URL is the identity.
type Record struct {
	URL          string    `json:"url"`
	Status       Status    `json:"status"`
	LastModified string    `json:"last_modified,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	RetryCount   int       `json:"retry_count"`
}

// Candidate is a URL discovered in a sitemap, ready for ingestion
type Candidate struct {
	URL          string
	LastModified string
}

// Stats holds record counts by status
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// UpdateOptions modify a status update
type UpdateOptions struct {
	// IncrementRetry adds one to the record's retry count
	IncrementRetry bool
}
