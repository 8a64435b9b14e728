package timeline

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
	"github.com/dvkpatel11/roomly-harmony-space/internal/storage"
)

func newTestPersister(t *testing.T, store *storage.MemoryStore, logs *bytes.Buffer) *Persister {
	t.Helper()
	log := zerolog.Nop()
	if logs != nil {
		log = zerolog.New(logs)
	}
	p, err := NewPersister(store.Records(), log)
	if err != nil {
		t.Fatalf("NewPersister: %v", err)
	}
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return p
}

func TestPersisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	p := newTestPersister(t, store, nil)

	b := NewBook(DefaultLimits())
	b.MergeMessages("h1", householdMsgs("h1", 1, 5), Newer)
	b.MergeMessages("h1", []chat.Message{{ID: chat.Pending("tok"), Content: "unsent", CreatedAt: base.Add(time.Hour)}}, Newer)
	b.SetHasMoreMessages("h1", true)
	b.MergePolls("h1", []chat.Poll{poll(chat.Confirmed(9)), poll(chat.Pending("local"))}, Newer)
	if err := p.SaveHousehold(ctx, b, "h1"); err != nil {
		t.Fatalf("SaveHousehold: %v", err)
	}

	restored := NewBook(DefaultLimits())
	stats, err := p.Restore(ctx, restored)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	tl := restored.Timeline("h1")
	if len(tl.Messages) != 5 || len(tl.Polls) != 1 {
		t.Fatalf("restored %d messages %d polls, want 5 / 1 (pending entries are not persisted)", len(tl.Messages), len(tl.Polls))
	}
	if !tl.HasMoreMessages {
		t.Fatal("has_more not restored")
	}
	if stats.Households != 1 || stats.Skipped != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	assertGlobalSetEqual(t, restored)

	latest, err := p.LatestMessageID(ctx)
	if err != nil || latest != chat.Confirmed(5) {
		t.Fatalf("latest = %s, %v", latest, err)
	}
}

func TestPersisterSkipsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	var logs bytes.Buffer
	p := newTestPersister(t, store, &logs)

	b := NewBook(DefaultLimits())
	b.MergeMessages("good", householdMsgs("good", 1, 3), Newer)
	if err := p.SaveHousehold(ctx, b, "good"); err != nil {
		t.Fatalf("SaveHousehold: %v", err)
	}
	if err := store.Records().Put(ctx, storage.Record{Key: MessagesPrefix + "bad", Value: []byte("not zstd")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	restored := NewBook(DefaultLimits())
	stats, err := p.Restore(ctx, restored)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if stats.Skipped != 1 || restored.Has("bad") || len(restored.Timeline("good").Messages) != 3 {
		t.Fatalf("stats = %+v households = %v", stats, restored.Households())
	}
	if !bytes.Contains(logs.Bytes(), []byte("skipping malformed timeline record")) {
		t.Fatalf("expected a warning, logs: %s", logs.String())
	}
}

func TestPersisterRebuildsFromGlobalOverflow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	p := newTestPersister(t, store, nil)

	b := NewBook(DefaultLimits())
	b.MergeMessages("a", householdMsgs("a", 1, 3), Newer)
	b.MergeMessages("b", householdMsgs("b", 11, 12), Newer)
	if err := p.SaveHousehold(ctx, b, "a"); err != nil {
		t.Fatalf("SaveHousehold: %v", err)
	}
	// "b" only ever reached the global snapshot

	restored := NewBook(DefaultLimits())
	stats, err := p.Restore(ctx, restored)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := len(restored.Timeline("b").Messages); got != 2 {
		t.Fatalf("household b rebuilt with %d messages, want 2", got)
	}
	if stats.FromOverflow != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := len(restored.Timeline("a").Messages); got != 3 {
		t.Fatalf("household a has %d messages, want 3", got)
	}
}

func TestPersisterPurge(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	p := newTestPersister(t, store, nil)

	b := NewBook(DefaultLimits())
	b.MergeMessages("a", householdMsgs("a", 1, 3), Newer)
	if err := p.SaveHousehold(ctx, b, "a"); err != nil {
		t.Fatalf("SaveHousehold: %v", err)
	}
	if err := p.Purge(ctx, "a"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	recs, _ := store.Records().Scan(ctx, MessagesPrefix)
	if len(recs) != 0 {
		t.Fatalf("records left after purge: %v", recs)
	}
}

func TestPersisterCloseIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	p, err := NewPersister(store.Records(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPersister: %v", err)
	}
	b := NewBook(DefaultLimits())
	b.MergeMessages("h1", householdMsgs("h1", 1, 2), Newer)
	if err := p.SaveHousehold(context.Background(), b, "h1"); err != nil {
		t.Fatalf("SaveHousehold: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
