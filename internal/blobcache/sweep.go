package blobcache

import (
	"context"
	"fmt"
	"time"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
	"github.com/dvkpatel11/roomly-harmony-space/internal/securelog"
)

type SweepStats struct {
	Expired   int
	Oversize  int
	Remaining int64
}

// Sweep deletes records older than MaxAge, then the oldest records until the
// aggregate size is back under MaxBytes.
func (c *Cache) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	blobs, err := c.repo.List(ctx)
	if err != nil {
		return stats, fmt.Errorf("%w: list blobs: %v", chat.ErrBlobStore, err)
	}

	now := c.now()
	cutoff := now.Add(-c.opts.MaxAge)
	kept := blobs[:0]
	for _, b := range blobs {
		if !b.Timestamp.Before(cutoff) {
			kept = append(kept, b)
			continue
		}
		if err := c.evict(ctx, b.Key); err != nil {
			return stats, err
		}
		stats.Expired++
	}

	meta, err := c.repo.Meta(ctx)
	if err != nil {
		return stats, fmt.Errorf("%w: read blob meta: %v", chat.ErrBlobStore, err)
	}
	total := meta.TotalSize
	for _, b := range kept {
		if total <= c.opts.MaxBytes {
			break
		}
		if err := c.evict(ctx, b.Key); err != nil {
			return stats, err
		}
		total -= b.CompressedSize
		stats.Oversize++
	}
	stats.Remaining = total

	if err := c.repo.SetLastCleanup(ctx, now); err != nil {
		return stats, fmt.Errorf("%w: record cleanup: %v", chat.ErrBlobStore, err)
	}
	c.metrics.BlobSweep("age", stats.Expired)
	c.metrics.BlobSweep("size", stats.Oversize)
	c.metrics.BlobTotal(total)
	if stats.Expired+stats.Oversize > 0 {
		c.log.Info().
			Int("expired", stats.Expired).
			Int("oversize", stats.Oversize).
			Int64("remaining_bytes", total).
			Msg("blob sweep")
	}
	return stats, nil
}

func (c *Cache) evict(ctx context.Context, key string) error {
	c.mu.Lock()
	c.forget(key)
	c.mu.Unlock()
	if err := c.repo.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: delete %s: %v", chat.ErrBlobStore, key, err)
	}
	return nil
}

// Run sweeps once immediately and then every SweepInterval until ctx is
// cancelled.
func (c *Cache) Run(ctx context.Context) {
	interval := c.opts.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
			securelog.Error(c.log, "blob sweep", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
