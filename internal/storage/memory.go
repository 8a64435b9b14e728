package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. It backs tests and
// sessions that should leave nothing on disk.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	blobs   map[string]Blob
	meta    BlobMeta
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		blobs:   make(map[string]Blob),
	}
}

func (s *MemoryStore) Close(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *MemoryStore) Records() RecordRepository { return (*memoryRecords)(s) }

func (s *MemoryStore) Blobs() BlobRepository { return (*memoryBlobs)(s) }

type memoryRecords MemoryStore

func (r *memoryRecords) Get(ctx context.Context, key string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Value = append([]byte(nil), rec.Value...)
	return rec, nil
}

func (r *memoryRecords) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	rec.Value = append([]byte(nil), rec.Value...)
	r.mu.Lock()
	r.records[rec.Key] = rec
	r.mu.Unlock()
	return nil
}

func (r *memoryRecords) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.records, key)
	r.mu.Unlock()
	return nil
}

func (r *memoryRecords) Scan(ctx context.Context, prefix string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	out := make([]Record, 0)
	for key, rec := range r.records {
		if strings.HasPrefix(key, prefix) {
			rec.Value = append([]byte(nil), rec.Value...)
			out = append(out, rec)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type memoryBlobs MemoryStore

func (r *memoryBlobs) Put(ctx context.Context, b Blob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.Data = append([]byte(nil), b.Data...)
	b.Checksum = append([]byte(nil), b.Checksum...)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.blobs[b.Key]; ok {
		r.meta.TotalSize -= prev.CompressedSize
	}
	r.blobs[b.Key] = b
	r.meta.TotalSize += b.CompressedSize
	return nil
}

func (r *memoryBlobs) Get(ctx context.Context, key string) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[key]
	if !ok {
		return Blob{}, ErrNotFound
	}
	b.Data = append([]byte(nil), b.Data...)
	b.Checksum = append([]byte(nil), b.Checksum...)
	return b, nil
}

func (r *memoryBlobs) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.deleteLocked(key)
	r.mu.Unlock()
	return nil
}

func (r *memoryBlobs) deleteLocked(key string) {
	if prev, ok := r.blobs[key]; ok {
		r.meta.TotalSize -= prev.CompressedSize
		if r.meta.TotalSize < 0 {
			r.meta.TotalSize = 0
		}
		delete(r.blobs, key)
	}
}

func (r *memoryBlobs) DeleteByOwner(ctx context.Context, messageID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for key, b := range r.blobs {
		if b.OwnerMessageID == messageID {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		r.deleteLocked(key)
	}
	return keys, nil
}

func (r *memoryBlobs) SetOwner(ctx context.Context, key, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[key]
	if !ok {
		return ErrNotFound
	}
	b.OwnerMessageID = messageID
	r.blobs[key] = b
	return nil
}

func (r *memoryBlobs) List(ctx context.Context) ([]Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	out := make([]Blob, 0, len(r.blobs))
	for _, b := range r.blobs {
		b.Data = nil
		b.Checksum = nil
		out = append(out, b)
	}
	r.mu.Unlock()
	sortBlobs(out)
	return out, nil
}

func (r *memoryBlobs) Meta(ctx context.Context) (BlobMeta, error) {
	if err := ctx.Err(); err != nil {
		return BlobMeta{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta, nil
}

func (r *memoryBlobs) SetLastCleanup(ctx context.Context, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.meta.LastCleanup = at
	r.mu.Unlock()
	return nil
}

func sortBlobs(blobs []Blob) {
	sort.SliceStable(blobs, func(i, j int) bool {
		if !blobs[i].Timestamp.Equal(blobs[j].Timestamp) {
			return blobs[i].Timestamp.Before(blobs[j].Timestamp)
		}
		return blobs[i].Key < blobs[j].Key
	})
}
