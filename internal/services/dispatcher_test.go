package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/Lllllllleong/documenttracker/internal/models"
	"github.com/Lllllllleong/documenttracker/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApplier struct {
	err    error
	events []models.Event
}

func (f *fakeApplier) Apply(_ context.Context, ev models.Event) (*Result, error) {
	f.events = append(f.events, ev)
	if f.err != nil {
		return nil, f.err
	}
	return &Result{DocumentID: ev.Target(), Outcome: OutcomeUpdated, Attempts: 1}, nil
}

type fakeSink struct {
	mu      sync.Mutex
	err     error
	records []models.DeadLetterRecord
}

func (f *fakeSink) DeadLetter(_ context.Context, rec models.DeadLetterRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func newTestDispatcher(t *testing.T, applier Applier, sink DeadLetterSink) *Dispatcher {
	t.Helper()
	cfg := testConfig()
	cfg.MaxOrphanDeliveries = 3
	cfg.MaxFailedDeliveries = 5
	d, err := NewDispatcher(applier, sink, cfg, testOptions()...)
	require.NoError(t, err)
	return d
}

func delivery(data string, attempt int) models.Delivery {
	return models.Delivery{MessageID: "msg-1", Data: []byte(data), Attempt: attempt, Source: "document-events.chunk"}
}

const chunkJSON = `{"event_type":"ChunkIndexed","document_id":"A1","chunk_sequence":0}`

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := NewDispatcher(nil, &fakeSink{}, testConfig())
	assert.Error(t, err)
	_, err = NewDispatcher(&fakeApplier{}, nil, testConfig())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.MaxOrphanDeliveries = 0
	_, err = NewDispatcher(&fakeApplier{}, &fakeSink{}, cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.MaxFailedDeliveries = 0
	_, err = NewDispatcher(&fakeApplier{}, &fakeSink{}, cfg)
	assert.Error(t, err)
}

func TestDispatcher_AppliedEventIsAcked(t *testing.T) {
	applier := &fakeApplier{}
	sink := &fakeSink{}
	d := newTestDispatcher(t, applier, sink)

	assert.Equal(t, Ack, d.Handle(context.Background(), delivery(chunkJSON, 1)))
	require.Len(t, applier.events, 1)
	assert.Equal(t, models.ChunkIndexed{DocumentID: "A1", ChunkSequence: 0}, applier.events[0])
	assert.Empty(t, sink.records)
}

func TestDispatcher_MalformedIsDeadLettered(t *testing.T) {
	applier := &fakeApplier{}
	sink := &fakeSink{}
	d := newTestDispatcher(t, applier, sink)

	disp := d.Handle(context.Background(), delivery(`{"event_type":"Bogus","document_id":"A1"}`, 2))
	assert.Equal(t, DeadLettered, disp)
	assert.Empty(t, applier.events)

	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, models.DeadLetterMalformed, rec.Reason)
	assert.Equal(t, "msg-1", rec.MessageID)
	assert.Equal(t, 2, rec.Attempt)
	assert.Equal(t, "document-events.chunk", rec.Source)
	assert.Equal(t, testNow, rec.ReceivedAt)
	assert.Contains(t, rec.Error, "Bogus")
}

func TestDispatcher_SinkFailureKeepsMessage(t *testing.T) {
	sink := &fakeSink{err: errors.New("bucket unavailable")}
	d := newTestDispatcher(t, &fakeApplier{}, sink)

	assert.Equal(t, Retry, d.Handle(context.Background(), delivery("not json", 1)))
}

func TestDispatcher_OrphanBudget(t *testing.T) {
	orphan := &OrphanEventError{DocumentID: "A1", EventType: models.EventChunkIndexed}

	tests := []struct {
		name    string
		attempt int
		want    Disposition
	}{
		{"untracked attempts", 0, Retry},
		{"first delivery", 1, Retry},
		{"below budget", 2, Retry},
		{"at budget", 3, DeadLettered},
		{"past budget", 7, DeadLettered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &fakeSink{}
			d := newTestDispatcher(t, &fakeApplier{err: orphan}, sink)

			assert.Equal(t, tt.want, d.Handle(context.Background(), delivery(chunkJSON, tt.attempt)))
			if tt.want == DeadLettered {
				require.Len(t, sink.records, 1)
				assert.Equal(t, models.DeadLetterOrphan, sink.records[0].Reason)
			} else {
				assert.Empty(t, sink.records)
			}
		})
	}
}

func TestDispatcher_TransientFailuresAreRetriedWithoutLimit(t *testing.T) {
	for _, err := range []error{
		&tracking.UnavailableError{Op: "get", Err: errors.New("timeout")},
		&tracking.ConflictError{DocumentID: "A1", ExpectedVersion: 2},
		&RetryExhaustedError{DocumentID: "A1", Attempts: 5},
	} {
		sink := &fakeSink{}
		d := newTestDispatcher(t, &fakeApplier{err: err}, sink)
		assert.Equal(t, Retry, d.Handle(context.Background(), delivery(chunkJSON, 1000)), err.Error())
		assert.Empty(t, sink.records)
	}
}

func TestDispatcher_PermanentFailureBudget(t *testing.T) {
	permanent := fmt.Errorf("failed to write A1: %w", errors.New("value too large"))

	tests := []struct {
		name    string
		attempt int
		want    Disposition
	}{
		{"untracked attempts", 0, Retry},
		{"first delivery", 1, Retry},
		{"below budget", 4, Retry},
		{"at budget", 5, DeadLettered},
		{"far past budget", 1000, DeadLettered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &fakeSink{}
			d := newTestDispatcher(t, &fakeApplier{err: permanent}, sink)

			assert.Equal(t, tt.want, d.Handle(context.Background(), delivery(chunkJSON, tt.attempt)))
			if tt.want == DeadLettered {
				require.Len(t, sink.records, 1)
				assert.Equal(t, models.DeadLetterFailed, sink.records[0].Reason)
				assert.Contains(t, sink.records[0].Error, "value too large")
			} else {
				assert.Empty(t, sink.records)
			}
		})
	}
}

func TestDispatcher_PermanentStoreErrorIsDeadLettered(t *testing.T) {
	store := &faultyStore{Store: newTestStore(t), putErr: errors.New("badger: value too large")}
	sink := &fakeSink{}
	d := newTestDispatcher(t, newTestReconciler(t, store), sink)
	ctx := context.Background()
	start := `{"event_type":"ProcessingStarted","document_id":"A1","base_document_id":"X","upload_timestamp":100}`

	for attempt := 1; attempt < 5; attempt++ {
		assert.Equal(t, Retry, d.Handle(ctx, delivery(start, attempt)), "attempt %d", attempt)
	}
	assert.Equal(t, DeadLettered, d.Handle(ctx, delivery(start, 5)))
	require.Len(t, sink.records, 1)
	assert.Equal(t, models.DeadLetterFailed, sink.records[0].Reason)
}

func TestDispatcher_UnstorableIDIsDeadLettered(t *testing.T) {
	sink := &fakeSink{}
	d := newTestDispatcher(t, newTestReconciler(t, newTestStore(t)), sink)
	huge := strings.Repeat("x", 70000)
	start := `{"event_type":"ProcessingStarted","document_id":"` + huge + `","base_document_id":"X","upload_timestamp":100}`

	assert.Equal(t, DeadLettered, d.Handle(context.Background(), delivery(start, 1)))
	require.Len(t, sink.records, 1)
	assert.Equal(t, models.DeadLetterMalformed, sink.records[0].Reason)
}

func TestDispatcher_HandleErr(t *testing.T) {
	d := newTestDispatcher(t, &fakeApplier{}, &fakeSink{})
	assert.NoError(t, d.HandleErr(context.Background(), delivery(chunkJSON, 1)))
	assert.NoError(t, d.HandleErr(context.Background(), delivery("{", 1)), "dead-lettered is acknowledged")

	failing := newTestDispatcher(t, &fakeApplier{err: errors.New("boom")}, &fakeSink{})
	assert.Error(t, failing.HandleErr(context.Background(), delivery(chunkJSON, 1)))
}

func TestDispatcher_Reject(t *testing.T) {
	sink := &fakeSink{}
	d := newTestDispatcher(t, &fakeApplier{}, sink)

	disp := d.Reject(context.Background(), models.Delivery{MessageID: "raw", Data: []byte("garbage")}, errors.New("bad push body"))
	assert.Equal(t, DeadLettered, disp)
	require.Len(t, sink.records, 1)
	assert.Equal(t, "bad push body", sink.records[0].Error)
	assert.Equal(t, []byte("garbage"), sink.records[0].Payload)
}

func TestDispatcher_EndToEnd(t *testing.T) {
	store := newTestStore(t)
	sink := &fakeSink{}
	d := newTestDispatcher(t, newTestReconciler(t, store), sink)
	ctx := context.Background()

	assert.Equal(t, Retry, d.Handle(ctx, delivery(chunkJSON, 1)))
	assert.Equal(t, Ack, d.Handle(ctx, delivery(`{"event_type":"ProcessingStarted","document_id":"A1","base_document_id":"X","upload_timestamp":100}`, 1)))
	assert.Equal(t, Ack, d.Handle(ctx, delivery(chunkJSON, 2)))
	assert.Equal(t, Ack, d.Handle(ctx, delivery(`{"event_type":"ProcessingCompleted","document_id":"A1","total_chunks":1}`, 1)))

	assert.Equal(t, "1/1", mustGet(t, store, "A1").Progress())
	assert.Equal(t, models.StatusCompleted, mustGet(t, store, "A1").Status)
	assert.Empty(t, sink.records)
}
