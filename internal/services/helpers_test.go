package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/documenttracker/internal/models"
	"github.com/Lllllllleong/documenttracker/internal/tracking"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testConfig() ReconcilerConfig {
	cfg := DefaultReconcilerConfig()
	cfg.OperationTimeout = 2 * time.Second
	return cfg
}

func testOptions() []Option {
	return []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return testNow }),
	}
}

func newTestStore(t *testing.T) *tracking.BadgerStore {
	t.Helper()
	s, err := tracking.OpenBadgerStore("", true)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestReconciler(t *testing.T, store tracking.Store) *Reconciler {
	t.Helper()
	r, err := NewReconciler(store, testConfig(), testOptions()...)
	require.NoError(t, err)
	return r
}

func intPtr(v int) *int { return &v }

func started(id, base string, ts int64) models.ProcessingStarted {
	return models.ProcessingStarted{DocumentID: id, BaseDocumentID: base, UploadTimestamp: ts}
}

func chunk(id string, seq int) models.ChunkIndexed {
	return models.ChunkIndexed{DocumentID: id, ChunkSequence: seq}
}

func completed(id string, total int) models.ProcessingCompleted {
	return models.ProcessingCompleted{DocumentID: id, TotalChunks: total}
}

func mustGet(t *testing.T, store tracking.Store, id string) *models.DocumentInstance {
	t.Helper()
	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// faultyStore wraps a Store and injects failures.
type faultyStore struct {
	tracking.Store

	mu sync.Mutex
	// conflicts makes the next n PutIfVersion calls fail with a ConflictError.
	conflicts int
	// beforePut runs before each real PutIfVersion, outside the lock.
	beforePut func(rec *models.DocumentInstance)
	getErr    error
	putErr    error
	queryErr  error
	listErr   error
	puts      int
}

func (f *faultyStore) Get(ctx context.Context, id string) (*models.DocumentInstance, error) {
	f.mu.Lock()
	err := f.getErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.Get(ctx, id)
}

func (f *faultyStore) PutIfVersion(ctx context.Context, rec *models.DocumentInstance, expected int64) error {
	f.mu.Lock()
	f.puts++
	if f.putErr != nil {
		err := f.putErr
		f.mu.Unlock()
		return err
	}
	if f.conflicts > 0 {
		f.conflicts--
		f.mu.Unlock()
		return &tracking.ConflictError{DocumentID: rec.DocumentID, ExpectedVersion: expected}
	}
	hook := f.beforePut
	f.mu.Unlock()

	if hook != nil {
		hook(rec)
	}
	return f.Store.PutIfVersion(ctx, rec, expected)
}

func (f *faultyStore) QueryByBaseDocument(ctx context.Context, base string) ([]*models.DocumentInstance, error) {
	f.mu.Lock()
	err := f.queryErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.QueryByBaseDocument(ctx, base)
}

func (f *faultyStore) ListByStatus(ctx context.Context, st models.Status, limit int) ([]*models.DocumentInstance, error) {
	f.mu.Lock()
	err := f.listErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.ListByStatus(ctx, st, limit)
}

func (f *faultyStore) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}
