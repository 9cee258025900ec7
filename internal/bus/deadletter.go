package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Lllllllleong/documenttracker/internal/models"
	"github.com/nats-io/nats.go/jetstream"
)

// Default dead-letter stream layout.
const (
	DefaultDeadLetterStream = "DOCUMENT_EVENTS_DLQ"
	DefaultDeadLetterPrefix = "document-events-dlq"
)

// Publisher is the part of jetstream.JetStream the dead-letter sink needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStreamDeadLetterSink publishes dead-letter records to <prefix>.<reason>.
type JetStreamDeadLetterSink struct {
	pub    Publisher
	prefix string
}

// NewJetStreamDeadLetterSink creates a sink. Use EnsureDeadLetterStream to create the stream.
func NewJetStreamDeadLetterSink(pub Publisher, prefix string) (*JetStreamDeadLetterSink, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultDeadLetterPrefix
	}
	return &JetStreamDeadLetterSink{pub: pub, prefix: prefix}, nil
}

// EnsureDeadLetterStream creates or updates the stream that captures <prefix>.>.
func EnsureDeadLetterStream(ctx context.Context, js jetstream.JetStream, stream, prefix string) error {
	if stream == "" {
		stream = DefaultDeadLetterStream
	}
	if prefix == "" {
		prefix = DefaultDeadLetterPrefix
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{prefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure dead-letter stream %s: %w", stream, err)
	}
	return nil
}

// DeadLetter publishes the record. The message ID doubles as the JetStream dedup ID.
func (s *JetStreamDeadLetterSink) DeadLetter(ctx context.Context, rec models.DeadLetterRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter record: %w", err)
	}
	subject := s.Subject(rec.Reason)

	var opts []jetstream.PublishOpt
	if rec.MessageID != "" {
		opts = append(opts, jetstream.WithMsgID(string(rec.Reason)+"-"+rec.MessageID))
	}
	if _, err := s.pub.Publish(ctx, subject, body, opts...); err != nil {
		return fmt.Errorf("failed to publish dead-letter to %s: %w", subject, err)
	}
	return nil
}

// Subject returns the subject used for reason.
func (s *JetStreamDeadLetterSink) Subject(reason models.DeadLetterReason) string {
	return s.prefix + "." + string(reason)
}
