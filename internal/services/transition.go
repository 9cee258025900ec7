package services

import (
	"fmt"
	"maps"
	"time"

	"github.com/Lllllllleong/documenttracker/internal/models"
)

// Reasons a transition leaves the record untouched.
const (
	NoteDuplicateStart = "duplicate ProcessingStarted"
	NoteDuplicateChunk = "chunk sequence already applied"
	NoteTerminal       = "instance is terminal"
)

// Transition is the result of applying one event to the current record.
type Transition struct {
	// Record is the next record when Changed, otherwise the current one.
	Record  *models.DocumentInstance
	Changed bool
	// Note explains an unchanged result.
	Note string
	// Anomalies are upstream inconsistencies that were absorbed.
	Anomalies []string
}

// NextState computes the record that follows current once ev is applied. It depends only on its
// arguments, so redelivered and reordered events converge to the same record. current is nil
// when no record exists yet.
func NextState(current *models.DocumentInstance, ev models.Event, now time.Time, retention time.Duration) (Transition, error) {
	switch e := ev.(type) {
	case models.ProcessingStarted:
		return applyStarted(current, e, now, retention), nil
	case models.ChunkIndexed:
		if current == nil {
			return Transition{}, &OrphanEventError{DocumentID: e.DocumentID, EventType: e.Type()}
		}
		return applyChunkIndexed(current, e, now), nil
	case models.ProcessingCompleted:
		if current == nil {
			return Transition{}, &OrphanEventError{DocumentID: e.DocumentID, EventType: e.Type()}
		}
		return applyCompleted(current, e, now), nil
	default:
		return Transition{}, fmt.Errorf("unsupported event %T", ev)
	}
}

func applyStarted(current *models.DocumentInstance, e models.ProcessingStarted, now time.Time, retention time.Duration) Transition {
	if current != nil {
		t := Transition{Record: current, Note: NoteDuplicateStart}
		if current.BaseDocumentID != e.BaseDocumentID || current.UploadTimestamp != e.UploadTimestamp {
			t.Anomalies = append(t.Anomalies, fmt.Sprintf(
				"ProcessingStarted (base %q, ts %d) disagrees with stored instance (base %q, ts %d)",
				e.BaseDocumentID, e.UploadTimestamp, current.BaseDocumentID, current.UploadTimestamp))
		}
		return t
	}

	rec := &models.DocumentInstance{
		DocumentID:      e.DocumentID,
		BaseDocumentID:  e.BaseDocumentID,
		UploadTimestamp: e.UploadTimestamp,
		Status:          models.StatusProcessing,
		IndexedChunks:   0,
		SourceMetadata:  maps.Clone(e.SourceMetadata),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if retention > 0 {
		expiry := now.Add(retention)
		rec.Expiry = &expiry
	}
	return Transition{Record: rec, Changed: true}
}

func applyChunkIndexed(current *models.DocumentInstance, e models.ChunkIndexed, now time.Time) Transition {
	if current.Status != models.StatusProcessing {
		return Transition{Record: current, Note: NoteTerminal}
	}
	if current.HasSequence(e.ChunkSequence) {
		return Transition{Record: current, Note: NoteDuplicateChunk}
	}

	next := current.Clone()
	var anomalies []string
	next.AddSequence(e.ChunkSequence)

	if e.TotalChunks != nil {
		switch {
		case next.TotalChunks == nil && *e.TotalChunks < next.IndexedChunks:
			// Adopting it would force the counter backwards.
			anomalies = append(anomalies, fmt.Sprintf(
				"ignored total_chunks %d below %d chunks already indexed", *e.TotalChunks, next.IndexedChunks))
		case next.TotalChunks == nil:
			total := *e.TotalChunks
			next.TotalChunks = &total
		case *next.TotalChunks != *e.TotalChunks:
			anomalies = append(anomalies, fmt.Sprintf(
				"ChunkIndexed total_chunks %d disagrees with known total %d", *e.TotalChunks, *next.TotalChunks))
		}
	}

	next.IndexedChunks++
	if next.TotalChunks != nil && next.IndexedChunks > *next.TotalChunks {
		anomalies = append(anomalies, fmt.Sprintf(
			"chunk %d would raise indexed_chunks past total %d; clamped", e.ChunkSequence, *next.TotalChunks))
		next.IndexedChunks = *next.TotalChunks
	}
	next.UpdatedAt = now
	return Transition{Record: next, Changed: true, Anomalies: anomalies}
}

func applyCompleted(current *models.DocumentInstance, e models.ProcessingCompleted, now time.Time) Transition {
	if current.Status != models.StatusProcessing {
		return Transition{Record: current, Note: NoteTerminal}
	}

	next := current.Clone()
	var anomalies []string
	if next.TotalChunks != nil && *next.TotalChunks != e.TotalChunks {
		anomalies = append(anomalies, fmt.Sprintf(
			"completion total %d replaces earlier total %d", e.TotalChunks, *next.TotalChunks))
	}
	if next.IndexedChunks > e.TotalChunks {
		anomalies = append(anomalies, fmt.Sprintf(
			"%d chunks indexed but completion reports %d", next.IndexedChunks, e.TotalChunks))
	}

	total := e.TotalChunks
	next.TotalChunks = &total
	next.IndexedChunks = total
	next.Status = models.StatusCompleted
	next.UpdatedAt = now
	return Transition{Record: next, Changed: true, Anomalies: anomalies}
}

// cancelTransition supersedes a PROCESSING instance in favour of winnerID.
func cancelTransition(current *models.DocumentInstance, winnerID string, now time.Time) Transition {
	if current.Status != models.StatusProcessing {
		return Transition{Record: current, Note: NoteTerminal}
	}
	next := current.Clone()
	next.Status = models.StatusCancelled
	next.SupersededBy = winnerID
	next.UpdatedAt = now
	return Transition{Record: next, Changed: true}
}
