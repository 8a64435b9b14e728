// Package storage holds the durable backends behind the timeline persister
// and the blob cache.
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Record is one namespaced key/value entry.
type Record struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

type RecordRepository interface {
	Get(ctx context.Context, key string) (Record, error)
	// Put inserts or replaces the record stored under r.Key.
	Put(ctx context.Context, r Record) error
	Delete(ctx context.Context, key string) error
	// Scan returns every record whose key starts with prefix, ordered by key.
	Scan(ctx context.Context, prefix string) ([]Record, error)
}

// Blob is a stored image. Data is empty in listings.
type Blob struct {
	Key            string
	Data           []byte
	Checksum       []byte
	MimeType       string
	Timestamp      time.Time
	OwnerMessageID string
	HouseholdID    string
	CompressedSize int64
	OriginalSize   int64
}

// BlobMeta is the aggregate accounting row.
type BlobMeta struct {
	TotalSize   int64
	LastCleanup time.Time
}

type BlobRepository interface {
	// Put inserts or replaces b and adjusts the aggregate size in the same
	// transaction.
	Put(ctx context.Context, b Blob) error
	Get(ctx context.Context, key string) (Blob, error)
	// Delete removes the blob and decrements the aggregate size atomically.
	// Missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// DeleteByOwner removes every blob owned by messageID and returns the
	// removed keys.
	DeleteByOwner(ctx context.Context, messageID string) ([]string, error)
	// SetOwner attaches the blob to the message that references it.
	SetOwner(ctx context.Context, key, messageID string) error
	// List returns blob metadata without data, oldest first.
	List(ctx context.Context) ([]Blob, error)
	Meta(ctx context.Context) (BlobMeta, error)
	SetLastCleanup(ctx context.Context, at time.Time) error
}

type Store interface {
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
	Records() RecordRepository
	Blobs() BlobRepository
}
