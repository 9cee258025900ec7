// Package envelope decodes inbound bus messages into typed processing events.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Lllllllleong/documenttracker/internal/models"
)

// MalformedEventError reports a message that can never be applied. It is not retried.
type MalformedEventError struct {
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Err)
	}
	return "malformed event: " + e.Reason
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is, or wraps, a MalformedEventError.
func IsMalformed(err error) bool {
	var m *MalformedEventError
	return errors.As(err, &m)
}

func malformed(reason string, err error) error {
	return &MalformedEventError{Reason: reason, Err: err}
}

// Parse decodes a raw event message into exactly one typed event.
// Unknown event types are rejected rather than skipped.
func Parse(raw []byte) (models.Event, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, malformed("empty message", nil)
	}

	var env models.EventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed("invalid json", err)
	}
	if env.DocumentID == "" {
		return nil, malformed("missing document_id", nil)
	}
	if err := validateID("document_id", env.DocumentID); err != nil {
		return nil, err
	}

	switch models.EventType(env.EventType) {
	case models.EventProcessingStarted:
		return parseStarted(env)
	case models.EventChunkIndexed:
		return parseChunkIndexed(env)
	case models.EventProcessingCompleted:
		return parseCompleted(env)
	case "":
		return nil, malformed("missing event_type", nil)
	default:
		return nil, malformed(fmt.Sprintf("unknown event_type %q", env.EventType), nil)
	}
}

// MaxIDLength is the longest document or base document ID accepted, in bytes.
// It is Firestore's document ID limit; Badger and MongoDB keys allow more.
const MaxIDLength = 1500

// validateID rejects IDs that some tracking backend cannot store as a key.
func validateID(field, id string) error {
	switch {
	case len(id) > MaxIDLength:
		return malformed(fmt.Sprintf("%s longer than %d bytes", field, MaxIDLength), nil)
	case strings.ContainsAny(id, "/\x00"):
		return malformed(field+" must not contain '/' or NUL", nil)
	case id == "." || id == "..":
		return malformed(field+" must not be '.' or '..'", nil)
	case strings.HasPrefix(id, "__") && strings.HasSuffix(id, "__"):
		return malformed(field+" must not be of the form __name__", nil)
	}
	return nil
}

func parseStarted(env models.EventEnvelope) (models.Event, error) {
	if env.BaseDocumentID == "" {
		return nil, malformed("ProcessingStarted requires base_document_id", nil)
	}
	if err := validateID("base_document_id", env.BaseDocumentID); err != nil {
		return nil, err
	}
	if env.UploadTimestamp == nil {
		return nil, malformed("ProcessingStarted requires upload_timestamp", nil)
	}
	if *env.UploadTimestamp < 0 {
		return nil, malformed("upload_timestamp must not be negative", nil)
	}
	return models.ProcessingStarted{
		DocumentID:      env.DocumentID,
		BaseDocumentID:  env.BaseDocumentID,
		UploadTimestamp: *env.UploadTimestamp,
		SourceMetadata:  env.SourceMetadata,
	}, nil
}

func parseChunkIndexed(env models.EventEnvelope) (models.Event, error) {
	if env.ChunkSequence == nil {
		return nil, malformed("ChunkIndexed requires chunk_sequence", nil)
	}
	if *env.ChunkSequence < 0 {
		return nil, malformed("chunk_sequence must not be negative", nil)
	}
	if env.TotalChunks != nil && *env.TotalChunks < 0 {
		return nil, malformed("total_chunks must not be negative", nil)
	}
	return models.ChunkIndexed{
		DocumentID:    env.DocumentID,
		ChunkSequence: *env.ChunkSequence,
		TotalChunks:   env.TotalChunks,
	}, nil
}

func parseCompleted(env models.EventEnvelope) (models.Event, error) {
	if env.TotalChunks == nil {
		return nil, malformed("ProcessingCompleted requires total_chunks", nil)
	}
	if *env.TotalChunks < 0 {
		return nil, malformed("total_chunks must not be negative", nil)
	}
	return models.ProcessingCompleted{
		DocumentID:  env.DocumentID,
		TotalChunks: *env.TotalChunks,
	}, nil
}
