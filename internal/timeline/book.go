package timeline

import (
	"errors"
	"sort"
	"time"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
)

// Limits bound the number of entries kept in memory.
type Limits struct {
	// PerHousehold caps messages and polls (each) in one household.
	PerHousehold int
	// Global caps the overflow mirror across all households.
	Global int
}

func DefaultLimits() Limits {
	return Limits{PerHousehold: 200, Global: 1000}
}

func (l Limits) Validate() error {
	if l.PerHousehold <= 0 {
		return errors.New("per-household limit must be positive")
	}
	if l.Global < l.PerHousehold {
		return errors.New("global limit must be at least the per-household limit")
	}
	return nil
}

// Timeline is one household's cached collections.
type Timeline struct {
	Messages        []chat.Message `json:"messages"`
	Polls           []chat.Poll    `json:"polls"`
	HasMoreMessages bool           `json:"has_more_messages"`
	HasMorePolls    bool           `json:"has_more_polls"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (t Timeline) clone() Timeline {
	out := t
	out.Messages = append([]chat.Message(nil), t.Messages...)
	out.Polls = make([]chat.Poll, len(t.Polls))
	for i, p := range t.Polls {
		out.Polls[i] = p.Clone()
	}
	return out
}

// OldestMessageID is the oldest confirmed message id, the cursor for
// backfill pagination.
func (t Timeline) OldestMessageID() (chat.ID, bool) {
	for _, m := range t.Messages {
		if !m.ID.IsPending() {
			return m.ID, true
		}
	}
	return chat.ID{}, false
}

func (t Timeline) NewestMessageID() (chat.ID, bool) {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if !t.Messages[i].ID.IsPending() {
			return t.Messages[i].ID, true
		}
	}
	return chat.ID{}, false
}

func (t Timeline) OldestPollID() (chat.ID, bool) {
	for _, p := range t.Polls {
		if !p.ID.IsPending() {
			return p.ID, true
		}
	}
	return chat.ID{}, false
}

func (t Timeline) Poll(id chat.ID) (chat.Poll, bool) {
	p, ok := find(t.Polls, id)
	if !ok {
		return chat.Poll{}, false
	}
	return p.Clone(), true
}

func (t Timeline) Message(id chat.ID) (chat.Message, bool) {
	return find(t.Messages, id)
}

// Book owns every in-memory timeline: one per household plus the global
// overflow mirror holding the same messages across households. All cache
// mutation goes through Book so the two views never diverge.
//
// Book is not safe for concurrent use.
type Book struct {
	limits     Limits
	now        func() time.Time
	households map[chat.HouseholdID]*Timeline
	global     []chat.Message
}

func NewBook(limits Limits) *Book {
	return &Book{
		limits:     limits,
		now:        time.Now,
		households: make(map[chat.HouseholdID]*Timeline),
	}
}

func (b *Book) Limits() Limits { return b.limits }

// Timeline returns a copy of the household's timeline. Unknown households
// yield an empty timeline.
func (b *Book) Timeline(h chat.HouseholdID) Timeline {
	t, ok := b.households[h]
	if !ok {
		return Timeline{}
	}
	return t.clone()
}

func (b *Book) Has(h chat.HouseholdID) bool {
	_, ok := b.households[h]
	return ok
}

func (b *Book) Households() []chat.HouseholdID {
	out := make([]chat.HouseholdID, 0, len(b.households))
	for h := range b.households {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Global returns the overflow mirror's messages for h.
func (b *Book) Global(h chat.HouseholdID) []chat.Message {
	var out []chat.Message
	for _, m := range b.global {
		if m.HouseholdID == h {
			out = append(out, m)
		}
	}
	return out
}

// GlobalMessages returns the whole overflow mirror.
func (b *Book) GlobalMessages() []chat.Message {
	return append([]chat.Message(nil), b.global...)
}

func (b *Book) timeline(h chat.HouseholdID) *Timeline {
	t, ok := b.households[h]
	if !ok {
		t = &Timeline{}
		b.households[h] = t
	}
	return t
}

// MergeMessages merges incoming into h and returns the number of duplicates
// that were folded away.
func (b *Book) MergeMessages(h chat.HouseholdID, incoming []chat.Message, dir Direction) int {
	t := b.timeline(h)
	var duplicates int
	t.Messages, duplicates = MergeMessages(t.Messages, stamp(h, incoming), dir, b.limits.PerHousehold)
	b.touched(h)
	return duplicates
}

func (b *Book) PromoteMessage(h chat.HouseholdID, confirmed chat.Message) bool {
	t := b.timeline(h)
	confirmed.HouseholdID = h
	var promoted bool
	t.Messages, promoted = PromoteMessage(t.Messages, confirmed, DefaultPromotionWindow, b.limits.PerHousehold)
	b.touched(h)
	return promoted
}

func (b *Book) ReplaceMessage(h chat.HouseholdID, old chat.ID, confirmed chat.Message) {
	t := b.timeline(h)
	confirmed.HouseholdID = h
	t.Messages = ReplaceMessage(t.Messages, old, confirmed, b.limits.PerHousehold)
	b.touched(h)
}

func (b *Book) RemoveMessage(h chat.HouseholdID, id chat.ID) (chat.Message, bool) {
	t, ok := b.households[h]
	if !ok {
		return chat.Message{}, false
	}
	var removed chat.Message
	t.Messages, removed, ok = RemoveMessage(t.Messages, id)
	if ok {
		b.touched(h)
	}
	return removed, ok
}

func (b *Book) EditMessage(h chat.HouseholdID, id chat.ID, content string, at time.Time) (chat.Message, bool) {
	t, ok := b.households[h]
	if !ok {
		return chat.Message{}, false
	}
	var prev chat.Message
	t.Messages, prev, ok = EditMessage(t.Messages, id, content, at)
	if ok {
		b.touched(h)
	}
	return prev, ok
}

func (b *Book) MergePolls(h chat.HouseholdID, incoming []chat.Poll, dir Direction) int {
	t := b.timeline(h)
	stamped := make([]chat.Poll, len(incoming))
	for i, p := range incoming {
		p = p.Clone()
		p.HouseholdID = h
		stamped[i] = p
	}
	var duplicates int
	t.Polls, duplicates = MergePolls(t.Polls, stamped, dir, b.limits.PerHousehold)
	b.touched(h)
	return duplicates
}

// PromotePoll reconciles a confirmed poll against its pending local copy and
// returns the voter keys whose votes were carried forward.
func (b *Book) PromotePoll(h chat.HouseholdID, confirmed chat.Poll) []string {
	t := b.timeline(h)
	confirmed.HouseholdID = h
	var carried []string
	t.Polls, carried = PromotePoll(t.Polls, confirmed, DefaultPromotionWindow, b.limits.PerHousehold)
	b.touched(h)
	return carried
}

// PutPoll stores p as-is, replacing any poll with the same id. It is how an
// optimistic vote is applied and how its snapshot is restored.
func (b *Book) PutPoll(h chat.HouseholdID, p chat.Poll) {
	t := b.timeline(h)
	p = p.Clone()
	p.HouseholdID = h
	t.Polls, _ = merge(t.Polls, []chat.Poll{p}, Newer, b.limits.PerHousehold, func(_, next chat.Poll) chat.Poll { return next })
	b.touched(h)
}

func (b *Book) RemovePoll(h chat.HouseholdID, id chat.ID) (chat.Poll, bool) {
	t, ok := b.households[h]
	if !ok {
		return chat.Poll{}, false
	}
	var removed chat.Poll
	t.Polls, removed, ok = RemovePoll(t.Polls, id)
	if ok {
		b.touched(h)
	}
	return removed, ok
}

func (b *Book) SetHasMoreMessages(h chat.HouseholdID, v bool) {
	b.timeline(h).HasMoreMessages = v
}

func (b *Book) SetHasMorePolls(h chat.HouseholdID, v bool) {
	b.timeline(h).HasMorePolls = v
}

// Seed installs a restored timeline for h, replacing whatever was cached.
func (b *Book) Seed(h chat.HouseholdID, t Timeline) {
	t = t.clone()
	t.Messages, _ = MergeMessages(nil, stamp(h, t.Messages), Newer, b.limits.PerHousehold)
	t.Polls, _ = MergePolls(nil, t.Polls, Newer, b.limits.PerHousehold)
	b.households[h] = &t
	b.mirror(h)
	b.enforceGlobal(h)
}

// Drop forgets h in memory.
func (b *Book) Drop(h chat.HouseholdID) {
	delete(b.households, h)
	b.mirror(h)
}

// Reset forgets every household.
func (b *Book) Reset() {
	b.households = make(map[chat.HouseholdID]*Timeline)
	b.global = nil
}

func (b *Book) touched(h chat.HouseholdID) {
	b.timeline(h).UpdatedAt = b.now()
	b.mirror(h)
	b.enforceGlobal(h)
}

// mirror rebuilds h's slice of the global overflow from the household cache.
func (b *Book) mirror(h chat.HouseholdID) {
	rest := make([]chat.Message, 0, len(b.global))
	for _, m := range b.global {
		if m.HouseholdID != h {
			rest = append(rest, m)
		}
	}
	if t, ok := b.households[h]; ok {
		rest = append(rest, t.Messages...)
	}
	sortEntries(rest)
	b.global = rest
}

// enforceGlobal drops the least recently updated households other than keep
// until the mirror fits its bound.
func (b *Book) enforceGlobal(keep chat.HouseholdID) {
	for b.limits.Global > 0 && len(b.global) > b.limits.Global {
		var victim chat.HouseholdID
		var oldest time.Time
		found := false
		for h, t := range b.households {
			if h == keep {
				continue
			}
			if !found || t.UpdatedAt.Before(oldest) {
				victim, oldest, found = h, t.UpdatedAt, true
			}
		}
		if !found {
			return
		}
		b.Drop(victim)
	}
}

func stamp(h chat.HouseholdID, messages []chat.Message) []chat.Message {
	out := make([]chat.Message, len(messages))
	for i, m := range messages {
		m.HouseholdID = h
		out[i] = m
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
