package gcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/documenttracker/internal/models"
)

// GCSDeadLetterSink stores rejected bus messages as JSON objects for manual inspection.
type GCSDeadLetterSink struct {
	bucket     *storage.BucketHandle
	bucketName string
	prefix     string
}

// NewGCSDeadLetterSink returns a sink writing under gs://<bucketName>/<prefix>/.
func NewGCSDeadLetterSink(client *storage.Client, bucketName, prefix string) (*GCSDeadLetterSink, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client cannot be nil")
	}
	if bucketName == "" {
		return nil, fmt.Errorf("dead-letter bucket name must be provided")
	}
	if prefix == "" {
		prefix = "dead-letter"
	}
	return &GCSDeadLetterSink{
		bucket:     client.Bucket(bucketName),
		bucketName: bucketName,
		prefix:     prefix,
	}, nil
}

// DeadLetter writes the record once. Redelivery of the same message maps to the same object.
func (s *GCSDeadLetterSink) DeadLetter(ctx context.Context, rec models.DeadLetterRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter record: %w", err)
	}
	objectName := DeadLetterObjectName(s.prefix, rec)
	if err := SaveToGCSAtomically(ctx, s.bucket, objectName, "application/json", body); err != nil {
		return fmt.Errorf("failed to dead-letter message to gs://%s/%s: %w", s.bucketName, objectName, err)
	}
	return nil
}

// DeadLetterObjectName is <prefix>/<reason>/<yyyy-mm-dd>/<message id>.json. Messages without an
// ID are named by the hash of their payload.
func DeadLetterObjectName(prefix string, rec models.DeadLetterRecord) string {
	id := rec.MessageID
	if id == "" {
		sum := sha256.Sum256(rec.Payload)
		id = hex.EncodeToString(sum[:])
	}
	return fmt.Sprintf("%s/%s/%s/%s.json", prefix, rec.Reason, rec.ReceivedAt.UTC().Format("2006-01-02"), id)
}
