package tracking

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/Lllllllleong/documenttracker/internal/models"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Key families. Timestamps are written BigEndian so lexical order matches numeric order.
const (
	docPrefix    = "doc:"
	basePrefix   = "base:"
	recentPrefix = "recent:"
	statusPrefix = "status:"
	keySep       = 0x00
)

// minEntryTTL is used when a record is written after its expiry has already passed.
const minEntryTTL = time.Second

// BadgerStore is an embedded Store for single-node workers and tests.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ Store = (*BadgerStore)(nil)

// badgerLoggerAdapter adapts slog.Logger to the badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenBadgerStore opens a Badger database at dir, or an in-memory one when inMemory is set.
func OpenBadgerStore(dir string, inMemory bool) (*BadgerStore, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create badger directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir)
	}

	logger := slog.Default().With("component", "badger")
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// RunGC reclaims value log space left by expired and overwritten records.
func (s *BadgerStore) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

func (s *BadgerStore) Get(ctx context.Context, documentID string) (*models.DocumentInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, &UnavailableError{Op: "get", Err: err}
	}
	var rec *models.DocumentInstance
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readDoc(txn, documentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BadgerStore) PutIfVersion(ctx context.Context, rec *models.DocumentInstance, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return &UnavailableError{Op: "put", Err: err}
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.DocumentID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		current, err := readDoc(txn, rec.DocumentID)
		switch {
		case errors.Is(err, ErrNotFound):
			if expectedVersion != 0 {
				return &ConflictError{DocumentID: rec.DocumentID, ExpectedVersion: expectedVersion, Err: ErrNotFound}
			}
		case err != nil:
			return err
		case current.Version != expectedVersion:
			return &ConflictError{DocumentID: rec.DocumentID, ExpectedVersion: expectedVersion}
		}

		ttl := entryTTL(rec.Expiry)
		set := func(key, val []byte) error {
			e := badger.NewEntry(key, val)
			if ttl > 0 {
				e = e.WithTTL(ttl)
			}
			return txn.SetEntry(e)
		}

		if err := set(docKey(rec.DocumentID), value); err != nil {
			return err
		}
		if current == nil {
			// Base document and upload time never change after creation.
			if err := set(baseKey(rec.BaseDocumentID, rec.UploadTimestamp, rec.DocumentID), nil); err != nil {
				return err
			}
			if err := set(recentKey(rec.UploadTimestamp, rec.DocumentID), nil); err != nil {
				return err
			}
		} else if current.Status != rec.Status {
			if err := txn.Delete(statusKey(current.Status, rec.DocumentID)); err != nil {
				return err
			}
		}
		return set(statusKey(rec.Status, rec.DocumentID), nil)
	})
	if errors.Is(err, badger.ErrConflict) {
		return &ConflictError{DocumentID: rec.DocumentID, ExpectedVersion: expectedVersion, Err: err}
	}
	return err
}

func (s *BadgerStore) QueryByBaseDocument(ctx context.Context, baseDocumentID string) ([]*models.DocumentInstance, error) {
	prefix := baseIndexPrefix(baseDocumentID)
	docs, err := s.scanIndex(ctx, prefix, prefix, -1, func(key []byte) string {
		return string(key[len(prefix)+8:])
	})
	if err != nil {
		return nil, err
	}
	// A base ID containing keySep shares this prefix.
	docs = slices.DeleteFunc(docs, func(d *models.DocumentInstance) bool { return d.BaseDocumentID != baseDocumentID })
	models.SortNewestFirst(docs)
	return docs, nil
}

func (s *BadgerStore) ListRecent(ctx context.Context, limit int, after *models.Cursor) ([]*models.DocumentInstance, error) {
	prefix := []byte(recentPrefix)
	seek := prefix
	if after != nil {
		seek = recentKey(after.UploadTimestamp, after.DocumentID)
	}
	docs, err := s.scanIndex(ctx, prefix, seek, limit, func(key []byte) string {
		return string(key[len(prefix)+8:])
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *BadgerStore) ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.DocumentInstance, error) {
	prefix := statusIndexPrefix(status)
	return s.scanIndex(ctx, prefix, prefix, limit, func(key []byte) string {
		return string(key[len(prefix):])
	})
}

// scanIndex walks an index family newest first and loads the referenced records.
// When seek differs from prefix the iteration starts strictly before seek.
// Index entries whose record has expired are skipped.
func (s *BadgerStore) scanIndex(ctx context.Context, prefix, seek []byte, limit int, idOf func([]byte) string) ([]*models.DocumentInstance, error) {
	var docs []*models.DocumentInstance
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		exclusive := !bytes.Equal(seek, prefix)
		start := seek
		if !exclusive {
			start = append(bytes.Clone(prefix), 0xFF)
		}

		for it.Seek(start); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return &UnavailableError{Op: "scan", Err: err}
			}
			key := it.Item().KeyCopy(nil)
			if exclusive && bytes.Equal(key, seek) {
				continue
			}
			rec, err := readDoc(txn, idOf(key))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			docs = append(docs, rec)
			if limit > 0 && len(docs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func readDoc(txn *badger.Txn, documentID string) (*models.DocumentInstance, error) {
	item, err := txn.Get(docKey(documentID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", documentID, err)
	}
	var rec models.DocumentInstance
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", documentID, err)
	}
	return &rec, nil
}

func entryTTL(expiry *time.Time) time.Duration {
	if expiry == nil {
		return 0
	}
	ttl := time.Until(*expiry)
	if ttl < minEntryTTL {
		ttl = minEntryTTL
	}
	return ttl
}

func docKey(documentID string) []byte {
	return []byte(docPrefix + documentID)
}

func baseIndexPrefix(baseDocumentID string) []byte {
	return append([]byte(basePrefix+baseDocumentID), keySep)
}

// baseKey format: base:<baseID>\x00<ts:8><docID>
func baseKey(baseDocumentID string, ts int64, documentID string) []byte {
	return appendTimestampAndID(baseIndexPrefix(baseDocumentID), ts, documentID)
}

// recentKey format: recent:<ts:8><docID>
func recentKey(ts int64, documentID string) []byte {
	return appendTimestampAndID([]byte(recentPrefix), ts, documentID)
}

func statusIndexPrefix(status models.Status) []byte {
	return append([]byte(statusPrefix+string(status)), keySep)
}

func statusKey(status models.Status, documentID string) []byte {
	return append(statusIndexPrefix(status), documentID...)
}

func appendTimestampAndID(prefix []byte, ts int64, documentID string) []byte {
	buf := make([]byte, 0, len(prefix)+8+len(documentID))
	buf = append(buf, prefix...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts))
	return append(buf, documentID...)
}
