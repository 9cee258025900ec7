package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/documenttracker/internal/models"
	"github.com/Lllllllleong/documenttracker/internal/tracking"
)

// Page size bounds for ListRecent.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// StatusPage is one page of the newest-first listing.
type StatusPage struct {
	Documents []models.StatusResponse
	// NextCursor is empty on the last page.
	NextCursor string
}

// StatusService is the read-only projection of tracking records.
type StatusService struct {
	store   tracking.Store
	timeout time.Duration
	logger  *slog.Logger
}

// NewStatusService creates a StatusService. timeout bounds each store call.
func NewStatusService(store tracking.Store, timeout time.Duration, opts ...Option) (*StatusService, error) {
	if store == nil {
		return nil, fmt.Errorf("tracking store cannot be nil")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("store timeout must be positive")
	}
	o := buildOptions(opts)
	return &StatusService{store: store, timeout: timeout, logger: o.logger}, nil
}

// GetStatus returns the status of one instance, or ErrStatusUnknown when it has no record.
func (s *StatusService) GetStatus(ctx context.Context, documentID string) (*models.StatusResponse, error) {
	if documentID == "" {
		return nil, ErrStatusUnknown
	}
	rec, err := loadRecord(ctx, s.store, s.timeout, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load status of %s: %w", documentID, err)
	}
	if rec == nil {
		return nil, ErrStatusUnknown
	}
	resp := models.NewStatusResponse(rec)
	return &resp, nil
}

// ListRecent returns up to limit instances newest first. A limit outside 1..MaxPageSize is
// replaced by DefaultPageSize or clamped to MaxPageSize. cursor is the NextCursor of the previous
// page, or empty for the first page.
func (s *StatusService) ListRecent(ctx context.Context, limit int, cursor string) (*StatusPage, error) {
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}

	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// One extra record tells whether another page exists.
	docs, err := s.store.ListRecent(opCtx, limit+1, after)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent instances: %w", timeoutAsUnavailable("list", err))
	}

	page := &StatusPage{Documents: make([]models.StatusResponse, 0, min(len(docs), limit))}
	if len(docs) > limit {
		docs = docs[:limit]
		page.NextCursor = EncodeCursor(models.CursorFor(docs[len(docs)-1]))
	}
	for _, d := range docs {
		page.Documents = append(page.Documents, models.NewStatusResponse(d))
	}
	return page, nil
}

// ListByBase returns every instance of a logical document, newest first.
func (s *StatusService) ListByBase(ctx context.Context, baseDocumentID string) ([]models.StatusResponse, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	docs, err := s.store.QueryByBaseDocument(opCtx, baseDocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances of %s: %w", baseDocumentID, timeoutAsUnavailable("query", err))
	}
	models.SortNewestFirst(docs)
	out := make([]models.StatusResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, models.NewStatusResponse(d))
	}
	return out, nil
}

// EncodeCursor renders a cursor as an opaque URL-safe token.
func EncodeCursor(c models.Cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token produced by EncodeCursor. The empty token means no cursor.
func DecodeCursor(token string) (*models.Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c models.Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.DocumentID == "" {
		return nil, fmt.Errorf("%w: missing document id", ErrInvalidCursor)
	}
	return &c, nil
}

// IsUnknown reports whether err means the document has no record.
func IsUnknown(err error) bool {
	return errors.Is(err, ErrStatusUnknown)
}
