package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
	"github.com/dvkpatel11/roomly-harmony-space/internal/storage"
)

const (
	MessagesPrefix  = "household-messages:"
	PollsPrefix     = "household-polls:"
	GlobalKey       = "global-overflow"
	LatestMessageID = "latest-message-id"

	envelopeVersion = 1
)

// envelope is the persisted form of one collection. Only confirmed entries
// are written; pending optimistic entries live in memory until acknowledged.
type envelope struct {
	Version  int            `json:"v"`
	SavedAt  time.Time      `json:"saved_at"`
	HasMore  bool           `json:"has_more"`
	Messages []chat.Message `json:"messages,omitempty"`
	Polls    []chat.Poll    `json:"polls,omitempty"`
}

// RestoreStats summarizes a boot-time restore.
type RestoreStats struct {
	Households   int
	Messages     int
	Polls        int
	Skipped      int
	FromOverflow int
}

// Persister is the write-through durable store for a Book.
type Persister struct {
	records storage.RecordRepository
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	log     zerolog.Logger
	now     func() time.Time
	closed  bool
}

func NewPersister(records storage.RecordRepository, log zerolog.Logger) (*Persister, error) {
	if records == nil {
		return nil, errors.New("record repository is required")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Persister{
		records: records,
		enc:     enc,
		dec:     dec,
		log:     log.With().Str("component", "timeline-store").Logger(),
		now:     time.Now,
	}, nil
}

// Close releases the codec resources. Calling it again is a no-op.
func (p *Persister) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.dec.Close()
	if err := p.enc.Close(); err != nil {
		return fmt.Errorf("close zstd encoder: %w", err)
	}
	return nil
}

// SaveHousehold writes h's full collections, the global overflow snapshot,
// and the latest-message-id marker. The caller passes the live Book so the
// write always reflects current state.
func (p *Persister) SaveHousehold(ctx context.Context, b *Book, h chat.HouseholdID) error {
	now := p.now().UTC()
	t := b.Timeline(h)

	msgs, err := p.encode(envelope{Version: envelopeVersion, SavedAt: now, HasMore: t.HasMoreMessages, Messages: confirmedMessages(t.Messages)})
	if err != nil {
		return err
	}
	polls, err := p.encode(envelope{Version: envelopeVersion, SavedAt: now, HasMore: t.HasMorePolls, Polls: confirmedPolls(t.Polls)})
	if err != nil {
		return err
	}
	global, err := p.encode(envelope{Version: envelopeVersion, SavedAt: now, Messages: confirmedMessages(b.GlobalMessages())})
	if err != nil {
		return err
	}

	writes := []storage.Record{
		{Key: MessagesPrefix + string(h), Value: msgs, UpdatedAt: now},
		{Key: PollsPrefix + string(h), Value: polls, UpdatedAt: now},
		{Key: GlobalKey, Value: global, UpdatedAt: now},
	}
	if id, ok := t.NewestMessageID(); ok {
		writes = append(writes, storage.Record{Key: LatestMessageID, Value: []byte(strconv.FormatInt(id.Value(), 10)), UpdatedAt: now})
	}
	for _, rec := range writes {
		if err := p.records.Put(ctx, rec); err != nil {
			return fmt.Errorf("persist %s: %w", rec.Key, err)
		}
	}
	return nil
}

// Purge deletes h's durable collections. The global snapshot is rewritten by
// the next SaveHousehold.
func (p *Persister) Purge(ctx context.Context, h chat.HouseholdID) error {
	for _, key := range []string{MessagesPrefix + string(h), PollsPrefix + string(h)} {
		if err := p.records.Delete(ctx, key); err != nil {
			return fmt.Errorf("purge %s: %w", key, err)
		}
	}
	return nil
}

// Restore seeds b from durable storage. Malformed records and invalid
// entries are logged and skipped. Households with no per-household message
// record are rebuilt from the global overflow snapshot.
func (p *Persister) Restore(ctx context.Context, b *Book) (RestoreStats, error) {
	var stats RestoreStats
	restored := make(map[chat.HouseholdID]*Timeline)
	get := func(h chat.HouseholdID) *Timeline {
		t, ok := restored[h]
		if !ok {
			t = &Timeline{}
			restored[h] = t
		}
		return t
	}

	msgRecords, err := p.records.Scan(ctx, MessagesPrefix)
	if err != nil {
		return stats, fmt.Errorf("scan %s: %w", MessagesPrefix, err)
	}
	haveMessages := make(map[chat.HouseholdID]bool)
	for _, rec := range msgRecords {
		h := chat.HouseholdID(strings.TrimPrefix(rec.Key, MessagesPrefix))
		env, err := p.decode(rec.Value)
		if err != nil || h == "" {
			p.skip(rec.Key, err)
			stats.Skipped++
			continue
		}
		msgs, dropped := validMessages(env.Messages)
		stats.Skipped += dropped
		t := get(h)
		t.Messages = msgs
		t.HasMoreMessages = env.HasMore
		haveMessages[h] = true
	}

	pollRecords, err := p.records.Scan(ctx, PollsPrefix)
	if err != nil {
		return stats, fmt.Errorf("scan %s: %w", PollsPrefix, err)
	}
	for _, rec := range pollRecords {
		h := chat.HouseholdID(strings.TrimPrefix(rec.Key, PollsPrefix))
		env, err := p.decode(rec.Value)
		if err != nil || h == "" {
			p.skip(rec.Key, err)
			stats.Skipped++
			continue
		}
		polls, dropped := validPolls(env.Polls)
		stats.Skipped += dropped
		t := get(h)
		t.Polls = polls
		t.HasMorePolls = env.HasMore
	}

	globalRec, err := p.records.Get(ctx, GlobalKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return stats, fmt.Errorf("read %s: %w", GlobalKey, err)
	default:
		env, err := p.decode(globalRec.Value)
		if err != nil {
			p.skip(GlobalKey, err)
			stats.Skipped++
			break
		}
		msgs, dropped := validMessages(env.Messages)
		stats.Skipped += dropped
		for _, m := range msgs {
			if m.HouseholdID == "" || haveMessages[m.HouseholdID] {
				continue
			}
			t := get(m.HouseholdID)
			t.Messages = append(t.Messages, m)
			stats.FromOverflow++
		}
	}

	for _, h := range sortedHouseholds(restored) {
		t := restored[h]
		b.Seed(h, *t)
		seeded := b.Timeline(h)
		stats.Households++
		stats.Messages += len(seeded.Messages)
		stats.Polls += len(seeded.Polls)
	}

	p.log.Info().
		Int("households", stats.Households).
		Int("messages", stats.Messages).
		Int("polls", stats.Polls).
		Int("skipped", stats.Skipped).
		Int("from_overflow", stats.FromOverflow).
		Msg("timeline restored")
	return stats, nil
}

// LatestMessageID reads the diagnostics marker.
func (p *Persister) LatestMessageID(ctx context.Context) (chat.ID, error) {
	rec, err := p.records.Get(ctx, LatestMessageID)
	if err != nil {
		return chat.ID{}, err
	}
	return chat.ParseID(string(rec.Value))
}

func (p *Persister) encode(env envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return p.enc.EncodeAll(raw, nil), nil
}

func (p *Persister) decode(data []byte) (envelope, error) {
	var env envelope
	raw, err := p.dec.DecodeAll(data, nil)
	if err != nil {
		return env, fmt.Errorf("decompress: %w", err)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("unmarshal: %w", err)
	}
	if env.Version != envelopeVersion {
		return env, fmt.Errorf("unsupported envelope version %d", env.Version)
	}
	return env, nil
}

func (p *Persister) skip(key string, err error) {
	ev := p.log.Warn().Str("key", key)
	if err != nil {
		ev = ev.Str("reason", err.Error())
	}
	ev.Msg("skipping malformed timeline record")
}

func confirmedMessages(msgs []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.ID.IsPending() {
			out = append(out, m)
		}
	}
	return out
}

func confirmedPolls(polls []chat.Poll) []chat.Poll {
	out := make([]chat.Poll, 0, len(polls))
	for _, p := range polls {
		if !p.ID.IsPending() {
			out = append(out, p)
		}
	}
	return out
}

func validMessages(msgs []chat.Message) ([]chat.Message, int) {
	out := make([]chat.Message, 0, len(msgs))
	dropped := 0
	for _, m := range msgs {
		if m.ID.IsZero() || m.ID.IsPending() || m.CreatedAt.IsZero() {
			dropped++
			continue
		}
		out = append(out, m)
	}
	return out, dropped
}

func validPolls(polls []chat.Poll) ([]chat.Poll, int) {
	out := make([]chat.Poll, 0, len(polls))
	dropped := 0
	for _, p := range polls {
		if p.ID.IsZero() || p.ID.IsPending() || p.CreatedAt.IsZero() || p.Question == "" {
			dropped++
			continue
		}
		p.Recount()
		out = append(out, p)
	}
	return out, dropped
}

func sortedHouseholds(m map[chat.HouseholdID]*Timeline) []chat.HouseholdID {
	keys := make([]chat.HouseholdID, 0, len(m))
	for h := range m {
		keys = append(keys, h)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
