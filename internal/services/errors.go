package services

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by operations on a session that was torn down
var ErrSessionClosed = errors.New("tracking session closed")

// ResourceError means an entity the trip depends on could not be loaded.
// The session records it as its visible error and stops deriving state.
type ResourceError struct {
	Resource string
	ID       int
	Err      error
}

func (e *ResourceError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("failed to load %s: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("failed to load %s %d: %v", e.Resource, e.ID, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// SubmissionError means the trip could not be finalized. The session stays
// active so the operator can retry.
type SubmissionError struct {
	TripID int
	Step   string
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("failed to %s for trip %d: %v", e.Step, e.TripID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }
