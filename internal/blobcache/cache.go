// Package blobcache stores chat images: compressed on the way in, kept in a
// small memory layer in front of the durable blob store, served through object
// URLs, and swept by age and aggregate size.
package blobcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
	"github.com/dvkpatel11/roomly-harmony-space/internal/metrics"
	"github.com/dvkpatel11/roomly-harmony-space/internal/securelog"
	"github.com/dvkpatel11/roomly-harmony-space/internal/storage"
)

// KeyPrefix starts every blob key.
const KeyPrefix = "img_"

type Options struct {
	MemoryEntries int
	Compress      CompressOptions
	MaxAge        time.Duration
	MaxBytes      int64
	SweepInterval time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func DefaultOptions() Options {
	return Options{
		MemoryEntries: 50,
		Compress:      DefaultCompressOptions(),
		MaxAge:        30 * 24 * time.Hour,
		MaxBytes:      100 << 20,
		SweepInterval: time.Hour,
		Logger:        zerolog.Nop(),
	}
}

type memEntry struct {
	data     []byte
	mimeType string
	url      string
	at       time.Time
}

type Cache struct {
	repo    storage.BlobRepository
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	urls    *URLRegistry

	mu     sync.Mutex
	memory map[string]*memEntry
}

func New(repo storage.BlobRepository, opts Options) (*Cache, error) {
	if repo == nil {
		return nil, errors.New("blobcache: blob repository is required")
	}
	if opts.MemoryEntries <= 0 {
		return nil, errors.New("blobcache: memory entries must be positive")
	}
	if opts.MaxAge <= 0 || opts.MaxBytes <= 0 {
		return nil, errors.New("blobcache: max age and max bytes must be positive")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		repo:    repo,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "blobcache").Logger(),
		metrics: opts.Metrics,
		now:     now,
		urls:    NewURLRegistry(),
		memory:  make(map[string]*memEntry),
	}, nil
}

// URLs exposes the registry that resolves minted object URLs.
func (c *Cache) URLs() *URLRegistry { return c.urls }

func checksum(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// Store compresses data when worthwhile, persists it and caches it in memory.
// The returned key is what messages reference.
func (c *Cache) Store(ctx context.Context, data []byte, mimeType, ownerMessageID string, h chat.HouseholdID) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty blob", chat.ErrInvalidInput)
	}
	stored, storedType, err := Compress(data, mimeType, c.opts.Compress)
	if err != nil {
		securelog.Warn(c.log, "image compression failed, storing original", err)
	}

	key := KeyPrefix + uuid.NewString()
	now := c.now()
	b := storage.Blob{
		Key:            key,
		Data:           stored,
		Checksum:       checksum(stored),
		MimeType:       storedType,
		Timestamp:      now,
		OwnerMessageID: ownerMessageID,
		HouseholdID:    string(h),
		CompressedSize: int64(len(stored)),
		OriginalSize:   int64(len(data)),
	}
	if err := c.repo.Put(ctx, b); err != nil {
		return "", fmt.Errorf("%w: put %s: %v", chat.ErrBlobStore, key, err)
	}
	c.metrics.BlobStored(b.CompressedSize)
	c.reportTotal(ctx)

	c.mu.Lock()
	c.remember(key, stored, storedType, now)
	c.mu.Unlock()

	c.log.Debug().
		Str("key", key).
		Int64("original", b.OriginalSize).
		Int64("stored", b.CompressedSize).
		Msg("blob stored")
	return key, nil
}

// Get returns an object URL for key, from memory when possible.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	if e, ok := c.memory[key]; ok {
		e.at = c.now()
		url := e.url
		c.mu.Unlock()
		c.metrics.BlobLookup("memory")
		return url, nil
	}
	c.mu.Unlock()

	b, err := c.load(ctx, key)
	if err != nil {
		c.metrics.BlobLookup("miss")
		return "", err
	}
	c.metrics.BlobLookup("store")

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.memory[key]; ok {
		return e.url, nil
	}
	return c.remember(key, b.Data, b.MimeType, c.now()).url, nil
}

// Open returns the bytes for key without minting a URL.
func (c *Cache) Open(ctx context.Context, key string) ([]byte, string, error) {
	c.mu.Lock()
	if e, ok := c.memory[key]; ok {
		data, mimeType := e.data, e.mimeType
		c.mu.Unlock()
		return data, mimeType, nil
	}
	c.mu.Unlock()
	b, err := c.load(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return b.Data, b.MimeType, nil
}

// load reads key from the durable store. Any failure reads as not found; a
// record failing its checksum is deleted.
func (c *Cache) load(ctx context.Context, key string) (storage.Blob, error) {
	b, err := c.repo.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			securelog.Warn(c.log, "blob read failed", err)
		}
		return storage.Blob{}, fmt.Errorf("%w: %s", chat.ErrBlobNotFound, key)
	}
	if !bytes.Equal(checksum(b.Data), b.Checksum) {
		c.log.Warn().Str("key", key).Msg("blob checksum mismatch, deleting record")
		if err := c.repo.Delete(ctx, key); err != nil {
			securelog.Warn(c.log, "delete corrupt blob", err)
		}
		return storage.Blob{}, fmt.Errorf("%w: %s", chat.ErrBlobNotFound, key)
	}
	return b, nil
}

// Refresh drops key from memory, revoking its URL, and reads it again from
// the durable store.
func (c *Cache) Refresh(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	c.forget(key)
	c.mu.Unlock()
	return c.Get(ctx, key)
}

// Remove deletes key from both layers.
func (c *Cache) Remove(ctx context.Context, key string) error {
	c.mu.Lock()
	c.forget(key)
	c.mu.Unlock()
	if err := c.repo.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: delete %s: %v", chat.ErrBlobStore, key, err)
	}
	c.reportTotal(ctx)
	return nil
}

// RemoveForMessage deletes every blob owned by messageID and returns how many
// were removed.
func (c *Cache) RemoveForMessage(ctx context.Context, messageID string) (int, error) {
	keys, err := c.repo.DeleteByOwner(ctx, messageID)
	if err != nil {
		return 0, fmt.Errorf("%w: delete blobs of %s: %v", chat.ErrBlobStore, messageID, err)
	}
	c.mu.Lock()
	for _, key := range keys {
		c.forget(key)
	}
	c.mu.Unlock()
	if len(keys) > 0 {
		c.reportTotal(ctx)
	}
	return len(keys), nil
}

// Claim records messageID as the owner of key, so deleting the message
// deletes the blob.
func (c *Cache) Claim(ctx context.Context, key, messageID string) error {
	err := c.repo.SetOwner(ctx, key, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", chat.ErrBlobNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("%w: claim %s: %v", chat.ErrBlobStore, key, err)
	}
	return nil
}

// Diagnosis is a read-only report on one key.
type Diagnosis struct {
	Key          string `json:"key"`
	InMemory     bool   `json:"in_memory"`
	InStore      bool   `json:"in_store"`
	Refreshed    bool   `json:"refreshed"`
	RefreshError string `json:"refresh_error,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Diagnose reports where key lives and whether a refresh succeeds. The
// refresh is the only side effect.
func (c *Cache) Diagnose(ctx context.Context, key string) Diagnosis {
	d := Diagnosis{Key: key}
	c.mu.Lock()
	_, d.InMemory = c.memory[key]
	c.mu.Unlock()

	if _, err := c.repo.Get(ctx, key); err == nil {
		d.InStore = true
	}
	url, err := c.Refresh(ctx, key)
	if err != nil {
		d.RefreshError = err.Error()
		return d
	}
	d.Refreshed = true
	d.URL = url
	return d
}

// MemoryLen is the number of entries in the memory layer.
func (c *Cache) MemoryLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.memory)
}

// Close empties the memory layer and revokes every URL.
func (c *Cache) Close() {
	c.mu.Lock()
	c.memory = make(map[string]*memEntry)
	c.mu.Unlock()
	c.urls.RevokeAll()
}

// remember caches data under key, evicting the oldest entries past the
// bound. c.mu must be held.
func (c *Cache) remember(key string, data []byte, mimeType string, at time.Time) *memEntry {
	c.forget(key)
	e := &memEntry{data: data, mimeType: mimeType, at: at, url: c.urls.Mint(data, mimeType)}
	c.memory[key] = e

	if len(c.memory) <= c.opts.MemoryEntries {
		return e
	}
	keys := make([]string, 0, len(c.memory)-1)
	for k := range c.memory {
		if k != key {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := c.memory[keys[i]], c.memory[keys[j]]
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys[:len(c.memory)-c.opts.MemoryEntries] {
		c.forget(k)
	}
	return e
}

// forget drops key from memory. c.mu must be held.
func (c *Cache) forget(key string) {
	if e, ok := c.memory[key]; ok {
		c.urls.Revoke(e.url)
		delete(c.memory, key)
	}
}

func (c *Cache) reportTotal(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	meta, err := c.repo.Meta(ctx)
	if err != nil {
		return
	}
	c.metrics.BlobTotal(meta.TotalSize)
}
