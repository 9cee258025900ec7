package models

import (
	"maps"
	"slices"
	"strconv"
	"time"
)

// Status is the lifecycle state of a DocumentInstance.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further event may change an instance in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// DocumentInstance is the tracking record for one upload attempt of a logical document.
// The same struct is persisted by every tracking backend, hence the three tag sets.
type DocumentInstance struct {
	DocumentID       string            `firestore:"documentId" bson:"_id" json:"documentId"`
	BaseDocumentID   string            `firestore:"baseDocumentId" bson:"baseDocumentId" json:"baseDocumentId"`
	UploadTimestamp  int64             `firestore:"uploadTimestamp" bson:"uploadTimestamp" json:"uploadTimestamp"`
	Status           Status            `firestore:"status" bson:"status" json:"status"`
	TotalChunks      *int              `firestore:"totalChunks" bson:"totalChunks" json:"totalChunks"`
	IndexedChunks    int               `firestore:"indexedChunks" bson:"indexedChunks" json:"indexedChunks"`
	IndexedSequences []int             `firestore:"indexedSequences" bson:"indexedSequences" json:"indexedSequences"`
	SourceMetadata   map[string]string `firestore:"sourceMetadata,omitempty" bson:"sourceMetadata,omitempty" json:"sourceMetadata,omitempty"`
	SupersededBy     string            `firestore:"supersededBy,omitempty" bson:"supersededBy,omitempty" json:"supersededBy,omitempty"`
	Expiry           *time.Time        `firestore:"expireAt,omitempty" bson:"expireAt,omitempty" json:"expireAt,omitempty"`
	Version          int64             `firestore:"version" bson:"version" json:"version"`
	CreatedAt        time.Time         `firestore:"createdAt" bson:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time         `firestore:"updatedAt" bson:"updatedAt" json:"updatedAt"`
}

// Clone returns a deep copy, so transitions never alias the record they were computed from.
func (d *DocumentInstance) Clone() *DocumentInstance {
	if d == nil {
		return nil
	}
	c := *d
	if d.TotalChunks != nil {
		total := *d.TotalChunks
		c.TotalChunks = &total
	}
	if d.Expiry != nil {
		expiry := *d.Expiry
		c.Expiry = &expiry
	}
	c.IndexedSequences = slices.Clone(d.IndexedSequences)
	c.SourceMetadata = maps.Clone(d.SourceMetadata)
	return &c
}

// Progress renders "<indexed>/<total>", using "?" while the total is unknown.
func (d *DocumentInstance) Progress() string {
	total := "?"
	if d.TotalChunks != nil {
		total = strconv.Itoa(*d.TotalChunks)
	}
	return strconv.Itoa(d.IndexedChunks) + "/" + total
}

// HasSequence reports whether the chunk sequence was already applied.
func (d *DocumentInstance) HasSequence(seq int) bool {
	_, found := slices.BinarySearch(d.IndexedSequences, seq)
	return found
}

// AddSequence records a chunk sequence, keeping IndexedSequences sorted.
func (d *DocumentInstance) AddSequence(seq int) bool {
	i, found := slices.BinarySearch(d.IndexedSequences, seq)
	if found {
		return false
	}
	d.IndexedSequences = slices.Insert(d.IndexedSequences, i, seq)
	return true
}

// Newer reports whether a sorts before b in newest-first order: later upload first,
// ties broken by the lexically greater document ID.
func Newer(a, b *DocumentInstance) bool {
	if a.UploadTimestamp != b.UploadTimestamp {
		return a.UploadTimestamp > b.UploadTimestamp
	}
	return a.DocumentID > b.DocumentID
}

// SortNewestFirst orders instances in place by Newer.
func SortNewestFirst(docs []*DocumentInstance) {
	slices.SortFunc(docs, func(a, b *DocumentInstance) int {
		switch {
		case Newer(a, b):
			return -1
		case Newer(b, a):
			return 1
		default:
			return 0
		}
	})
}

// Cursor marks a position in the newest-first listing of all instances.
type Cursor struct {
	UploadTimestamp int64  `json:"ts"`
	DocumentID      string `json:"id"`
}

// CursorFor returns the cursor positioned at d.
func CursorFor(d *DocumentInstance) Cursor {
	return Cursor{UploadTimestamp: d.UploadTimestamp, DocumentID: d.DocumentID}
}

// After reports whether d comes strictly after the cursor in newest-first order.
func (c Cursor) After(d *DocumentInstance) bool {
	if d.UploadTimestamp != c.UploadTimestamp {
		return d.UploadTimestamp < c.UploadTimestamp
	}
	return d.DocumentID < c.DocumentID
}
