package models

import "time"

// These structs define the JSON payloads exchanged with the bus and with status callers.

// EventEnvelope is the wire form of every inbound processing notification.
// Pointers distinguish a missing field from a zero value.
type EventEnvelope struct {
	EventType       string            `json:"event_type"`
	DocumentID      string            `json:"document_id"`
	BaseDocumentID  string            `json:"base_document_id,omitempty"`
	UploadTimestamp *int64            `json:"upload_timestamp,omitempty"`
	ChunkSequence   *int              `json:"chunk_sequence,omitempty"`
	TotalChunks     *int              `json:"total_chunks,omitempty"`
	SourceMetadata  map[string]string `json:"source_metadata,omitempty"`
}

// PubSubMessage is the message part of a Pub/Sub push or Eventarc MessagePublishedData body.
type PubSubMessage struct {
	Data        []byte            `json:"data"`
	MessageID   string            `json:"messageId"`
	PublishTime time.Time         `json:"publishTime"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// MessagePublishedData is the CloudEvent data carried by a Pub/Sub triggered function.
type MessagePublishedData struct {
	Message         PubSubMessage `json:"message"`
	Subscription    string        `json:"subscription"`
	DeliveryAttempt int           `json:"deliveryAttempt,omitempty"`
}

// Delivery is one bus message handed to the dispatcher, independent of the transport.
type Delivery struct {
	MessageID string
	Data      []byte
	// Attempt is the 1-based delivery count, 0 when the transport does not report it.
	Attempt int
	Source  string
}

// DeadLetterReason classifies why a message was removed from normal delivery.
type DeadLetterReason string

const (
	DeadLetterMalformed DeadLetterReason = "malformed"
	DeadLetterOrphan    DeadLetterReason = "orphan"
	DeadLetterFailed    DeadLetterReason = "failed"
)

// DeadLetterRecord is what a dead-letter sink persists for manual inspection.
type DeadLetterRecord struct {
	MessageID  string           `json:"messageId"`
	Source     string           `json:"source,omitempty"`
	Reason     DeadLetterReason `json:"reason"`
	Error      string           `json:"error"`
	Attempt    int              `json:"attempt"`
	Payload    []byte           `json:"payload"`
	ReceivedAt time.Time        `json:"receivedAt"`
}

// StatusResponse is the outbound view of a single instance.
type StatusResponse struct {
	DocumentID      string `json:"document_id"`
	BaseDocumentID  string `json:"base_document_id"`
	Status          Status `json:"status"`
	Progress        string `json:"progress"`
	UploadTimestamp int64  `json:"upload_timestamp"`
}

// NewStatusResponse projects a tracking record onto the status API contract.
func NewStatusResponse(d *DocumentInstance) StatusResponse {
	return StatusResponse{
		DocumentID:      d.DocumentID,
		BaseDocumentID:  d.BaseDocumentID,
		Status:          d.Status,
		Progress:        d.Progress(),
		UploadTimestamp: d.UploadTimestamp,
	}
}

// StatusListResponse is a page of instances, newest first.
type StatusListResponse struct {
	Documents  []StatusResponse `json:"documents"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// SweepResponse is the output of the stale-sweeper function.
type SweepResponse struct {
	Status    string   `json:"status"`
	Bases     int      `json:"bases"`
	Cancelled []string `json:"cancelled"`
	Failed    int      `json:"failed"`
}
