package services

import (
	"errors"
	"fmt"

	"github.com/Lllllllleong/documenttracker/internal/models"
	"github.com/Lllllllleong/documenttracker/internal/tracking"
)

var (
	// ErrStatusUnknown is the only failure status callers see for a missing document.
	ErrStatusUnknown = errors.New("status unknown")
	// ErrInvalidCursor is returned for a listing cursor that was not produced by ListRecent.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// OrphanEventError reports an event whose instance has not been created yet.
// The creating ProcessingStarted may still be in flight, so it is transient.
type OrphanEventError struct {
	DocumentID string
	EventType  models.EventType
}

func (e *OrphanEventError) Error() string {
	return fmt.Sprintf("%s for %s arrived before its ProcessingStarted", e.EventType, e.DocumentID)
}

// RetryExhaustedError reports that every conditional write attempt lost to a concurrent writer.
type RetryExhaustedError struct {
	DocumentID string
	Attempts   int
	Err        error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("gave up on %s after %d conflicting attempts: %v", e.DocumentID, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// IsOrphan reports whether err is, or wraps, an OrphanEventError.
func IsOrphan(err error) bool {
	var o *OrphanEventError
	return errors.As(err, &o)
}

// IsTransient reports whether redelivering the event may succeed.
func IsTransient(err error) bool {
	var exhausted *RetryExhaustedError
	return IsOrphan(err) ||
		errors.As(err, &exhausted) ||
		tracking.IsConflict(err) ||
		tracking.IsUnavailable(err)
}
