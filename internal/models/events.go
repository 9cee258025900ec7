package models

// EventType names the notifications emitted by the upstream processing stages.
type EventType string

const (
	EventProcessingStarted   EventType = "ProcessingStarted"
	EventChunkIndexed        EventType = "ChunkIndexed"
	EventProcessingCompleted EventType = "ProcessingCompleted"
)

// Event is one of ProcessingStarted, ChunkIndexed or ProcessingCompleted.
type Event interface {
	Type() EventType
	// Target is the document_id the event applies to.
	Target() string
}

// ProcessingStarted is published by the upload stage when a new instance begins processing.
type ProcessingStarted struct {
	DocumentID      string
	BaseDocumentID  string
	UploadTimestamp int64
	SourceMetadata  map[string]string
}

// ChunkIndexed is published once per chunk that was embedded and written to the index.
// TotalChunks is set when the chunker already knows the final count.
type ChunkIndexed struct {
	DocumentID    string
	ChunkSequence int
	TotalChunks   *int
}

// ProcessingCompleted is published when every chunk of the instance is indexed.
type ProcessingCompleted struct {
	DocumentID  string
	TotalChunks int
}

func (ProcessingStarted) Type() EventType   { return EventProcessingStarted }
func (ChunkIndexed) Type() EventType        { return EventChunkIndexed }
func (ProcessingCompleted) Type() EventType { return EventProcessingCompleted }

func (e ProcessingStarted) Target() string   { return e.DocumentID }
func (e ChunkIndexed) Target() string        { return e.DocumentID }
func (e ProcessingCompleted) Target() string { return e.DocumentID }
