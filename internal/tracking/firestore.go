package tracking

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/documenttracker/internal/models"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps one Firestore document per instance, keyed by document ID.
//
// QueryByBaseDocument needs the composite index (baseDocumentId ASC, uploadTimestamp DESC) and
// ListRecent the index (uploadTimestamp DESC, __name__ DESC). A TTL policy on expireAt removes
// expired records.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

var _ Store = (*FirestoreStore)(nil)

// NewFirestoreStore wraps an existing client. The client is closed by Close.
func NewFirestoreStore(client *firestore.Client, collection string) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collection == "" {
		return nil, fmt.Errorf("firestore collection name must be provided")
	}
	return &FirestoreStore{client: client, collection: collection}, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) docs() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) Get(ctx context.Context, documentID string) (*models.DocumentInstance, error) {
	snap, err := s.docs().Doc(documentID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, firestoreError("get", err)
	}
	return decodeSnapshot(snap)
}

// PutIfVersion reads the current version and writes inside a single-attempt transaction.
// Firestore aborts the transaction when another writer touched the document, which is reported
// as a conflict so the reconciler re-reads instead of the client retrying blindly.
func (s *FirestoreStore) PutIfVersion(ctx context.Context, rec *models.DocumentInstance, expectedVersion int64) error {
	ref := s.docs().Doc(rec.DocumentID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
			if expectedVersion != 0 {
				return &ConflictError{DocumentID: rec.DocumentID, ExpectedVersion: expectedVersion, Err: ErrNotFound}
			}
		case err != nil:
			return err
		default:
			current, err := decodeSnapshot(snap)
			if err != nil {
				return err
			}
			if current.Version != expectedVersion {
				return &ConflictError{DocumentID: rec.DocumentID, ExpectedVersion: expectedVersion}
			}
		}
		return tx.Set(ref, rec)
	}, firestore.MaxAttempts(1))

	if err == nil || IsConflict(err) {
		return err
	}
	switch status.Code(err) {
	case codes.Aborted, codes.AlreadyExists, codes.FailedPrecondition:
		return &ConflictError{DocumentID: rec.DocumentID, ExpectedVersion: expectedVersion, Err: err}
	}
	return firestoreError("put", err)
}

func (s *FirestoreStore) QueryByBaseDocument(ctx context.Context, baseDocumentID string) ([]*models.DocumentInstance, error) {
	q := s.docs().
		Where("baseDocumentId", "==", baseDocumentID).
		OrderBy("uploadTimestamp", firestore.Desc)
	docs, err := collect(ctx, q, "query by base document")
	if err != nil {
		return nil, err
	}
	models.SortNewestFirst(docs)
	return docs, nil
}

func (s *FirestoreStore) ListRecent(ctx context.Context, limit int, after *models.Cursor) ([]*models.DocumentInstance, error) {
	q := s.docs().
		OrderBy("uploadTimestamp", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc)
	if after != nil {
		q = q.StartAfter(after.UploadTimestamp, after.DocumentID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return collect(ctx, q, "list recent")
}

func (s *FirestoreStore) ListByStatus(ctx context.Context, st models.Status, limit int) ([]*models.DocumentInstance, error) {
	q := s.docs().Where("status", "==", string(st))
	if limit > 0 {
		q = q.Limit(limit)
	}
	return collect(ctx, q, "list by status")
}

func collect(ctx context.Context, q firestore.Query, op string) ([]*models.DocumentInstance, error) {
	it := q.Documents(ctx)
	defer it.Stop()

	var docs []*models.DocumentInstance
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, firestoreError(op, err)
		}
		rec, err := decodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, rec)
	}
	return docs, nil
}

func decodeSnapshot(snap *firestore.DocumentSnapshot) (*models.DocumentInstance, error) {
	var rec models.DocumentInstance
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode tracking record %s: %w", snap.Ref.ID, err)
	}
	if rec.DocumentID == "" {
		rec.DocumentID = snap.Ref.ID
	}
	return &rec, nil
}

func firestoreError(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Canceled:
		return &UnavailableError{Op: op, Err: err}
	}
	if wrapped := unavailableIfContext(op, err); IsUnavailable(wrapped) {
		return wrapped
	}
	return fmt.Errorf("firestore %s failed: %w", op, err)
}
