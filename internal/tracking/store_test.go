package tracking

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Lllllllleong/documenttracker/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract shared by every backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := newRecord("doc-1", "base-1", 100)
		rec.SourceMetadata = map[string]string{"filename": "a.pdf"}

		require.NoError(t, s.PutIfVersion(ctx, rec, 0))

		got, err := s.Get(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, "doc-1", got.DocumentID)
		assert.Equal(t, "base-1", got.BaseDocumentID)
		assert.Equal(t, int64(100), got.UploadTimestamp)
		assert.Equal(t, models.StatusProcessing, got.Status)
		assert.Nil(t, got.TotalChunks)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, "a.pdf", got.SourceMetadata["filename"])
	})

	t.Run("CreateTwiceConflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.PutIfVersion(ctx, newRecord("doc-1", "base-1", 100), 0))

		err := s.PutIfVersion(ctx, newRecord("doc-1", "base-1", 100), 0)
		require.Error(t, err)
		assert.True(t, IsConflict(err), "got %v", err)
	})

	t.Run("ConditionalUpdate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := newRecord("doc-1", "base-1", 100)
		require.NoError(t, s.PutIfVersion(ctx, rec, 0))

		next := rec.Clone()
		total := 4
		next.TotalChunks = &total
		next.IndexedChunks = 1
		next.IndexedSequences = []int{0}
		next.Version = 2
		require.NoError(t, s.PutIfVersion(ctx, next, 1))

		stale := next.Clone()
		stale.IndexedChunks = 2
		stale.Version = 2
		err := s.PutIfVersion(ctx, stale, 1)
		assert.True(t, IsConflict(err), "got %v", err)

		got, err := s.Get(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, 1, got.IndexedChunks)
		require.NotNil(t, got.TotalChunks)
		assert.Equal(t, 4, *got.TotalChunks)
		assert.Equal(t, []int{0}, got.IndexedSequences)
	})

	t.Run("UpdateMissingConflicts", func(t *testing.T) {
		s := newStore(t)
		rec := newRecord("ghost", "base-1", 100)
		rec.Version = 4
		err := s.PutIfVersion(context.Background(), rec, 3)
		assert.True(t, IsConflict(err), "got %v", err)
	})

	t.Run("QueryByBaseDocumentNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.PutIfVersion(ctx, newRecord("v1", "base-1", 100), 0))
		require.NoError(t, s.PutIfVersion(ctx, newRecord("v3", "base-1", 300), 0))
		require.NoError(t, s.PutIfVersion(ctx, newRecord("v2", "base-1", 200), 0))
		require.NoError(t, s.PutIfVersion(ctx, newRecord("tie", "base-1", 300), 0))
		require.NoError(t, s.PutIfVersion(ctx, newRecord("other", "base-2", 999), 0))

		docs, err := s.QueryByBaseDocument(ctx, "base-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"v3", "tie", "v2", "v1"}, ids(docs))

		none, err := s.QueryByBaseDocument(ctx, "base-missing")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ListRecentPaginates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			rec := newRecord(fmt.Sprintf("doc-%d", i), fmt.Sprintf("base-%d", i), int64(100+i))
			require.NoError(t, s.PutIfVersion(ctx, rec, 0))
		}

		first, err := s.ListRecent(ctx, 2, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"doc-4", "doc-3"}, ids(first))

		cur := models.CursorFor(first[len(first)-1])
		second, err := s.ListRecent(ctx, 2, &cur)
		require.NoError(t, err)
		assert.Equal(t, []string{"doc-2", "doc-1"}, ids(second))

		cur = models.CursorFor(second[len(second)-1])
		last, err := s.ListRecent(ctx, 2, &cur)
		require.NoError(t, err)
		assert.Equal(t, []string{"doc-0"}, ids(last))
	})

	t.Run("ListByStatusFollowsTransitions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := newRecord("a", "base-1", 100)
		b := newRecord("b", "base-1", 200)
		require.NoError(t, s.PutIfVersion(ctx, a, 0))
		require.NoError(t, s.PutIfVersion(ctx, b, 0))

		cancelled := a.Clone()
		cancelled.Status = models.StatusCancelled
		cancelled.SupersededBy = "b"
		cancelled.Version = 2
		require.NoError(t, s.PutIfVersion(ctx, cancelled, 1))

		processing, err := s.ListByStatus(ctx, models.StatusProcessing, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids(processing))

		gone, err := s.ListByStatus(ctx, models.StatusCancelled, 10)
		require.NoError(t, err)
		require.Len(t, gone, 1)
		assert.Equal(t, "b", gone[0].SupersededBy)
	})
}

func newRecord(id, base string, ts int64) *models.DocumentInstance {
	now := time.Now().UTC().Truncate(time.Millisecond)
	expiry := now.Add(24 * time.Hour)
	return &models.DocumentInstance{
		DocumentID:      id,
		BaseDocumentID:  base,
		UploadTimestamp: ts,
		Status:          models.StatusProcessing,
		Expiry:          &expiry,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func ids(docs []*models.DocumentInstance) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.DocumentID)
	}
	return out
}
