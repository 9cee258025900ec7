// Package tracking persists DocumentInstance records behind an optimistic-concurrency store.
//
// Business rules live in the services package. A Store only needs single-key conditional writes
// and two ordered range reads: by logical document and by upload time.
package tracking

import (
	"context"
	"errors"
	"fmt"

	"github.com/Lllllllleong/documenttracker/internal/models"
)

// ErrNotFound is returned by Get when no record exists for the document ID.
var ErrNotFound = errors.New("tracking record not found")

// ConflictError reports that the record changed since it was read. Callers reload and retry.
type ConflictError struct {
	DocumentID      string
	ExpectedVersion int64
	Err             error
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("version conflict on %s (expected version %d)", e.DocumentID, e.ExpectedVersion)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return e.Err }

// UnavailableError reports a backend timeout or outage. It is transient.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("tracking store unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsConflict reports whether err is, or wraps, a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsUnavailable reports whether err is, or wraps, an UnavailableError.
func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}

// Store is the key-value view of tracking records, keyed by document ID.
type Store interface {
	// Get returns the record for documentID or ErrNotFound.
	Get(ctx context.Context, documentID string) (*models.DocumentInstance, error)

	// PutIfVersion writes rec only if the stored version equals expectedVersion.
	// An expectedVersion of 0 means the record must not exist yet.
	PutIfVersion(ctx context.Context, rec *models.DocumentInstance, expectedVersion int64) error

	// QueryByBaseDocument returns every instance of a logical document, newest first.
	QueryByBaseDocument(ctx context.Context, baseDocumentID string) ([]*models.DocumentInstance, error)

	// ListRecent returns up to limit instances newest first, strictly after the cursor when set.
	ListRecent(ctx context.Context, limit int, after *models.Cursor) ([]*models.DocumentInstance, error)

	// ListByStatus returns up to limit instances currently in the given status, in no particular order.
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.DocumentInstance, error)

	Close() error
}

// unavailableIfContext wraps context timeouts as UnavailableError and passes other errors through.
func unavailableIfContext(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &UnavailableError{Op: op, Err: err}
	}
	return err
}
