// Package timeline reconciles messages and polls arriving from REST
// pagination, socket pushes, and optimistic local writes into one ordered,
// duplicate-free, size-bounded cache per household, and persists that cache.
//
// All functions in this file are pure: they never mutate their inputs and
// always return fresh slices.
package timeline

import (
	"sort"
	"time"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
)

// Direction tells a merge which end of the cache to give up when the result
// exceeds its bound.
type Direction int

const (
	// Newer data (socket push, optimistic write, join snapshot) evicts the
	// oldest entries.
	Newer Direction = iota
	// Older data (pagination backfill) evicts the newest entries, so the
	// rows the reader scrolled to are kept.
	Older
)

func (d Direction) String() string {
	if d == Older {
		return "older"
	}
	return "newer"
}

// DefaultPromotionWindow bounds how far apart the local and server creation
// times of the same entry may be.
const DefaultPromotionWindow = 2 * time.Minute

type entry interface {
	EntryID() chat.ID
	EntryTime() time.Time
}

// MergeMessages unions incoming into existing by id, sorts by creation time
// (ties by id), and truncates to limit according to dir. The second result is
// the number of incoming messages that were already present.
func MergeMessages(existing, incoming []chat.Message, dir Direction, limit int) ([]chat.Message, int) {
	return merge(existing, incoming, dir, limit, func(_, next chat.Message) chat.Message { return next })
}

// MergePolls behaves like MergeMessages. A server copy that omits the
// caller's own vote or the voter map keeps the locally known values.
func MergePolls(existing, incoming []chat.Poll, dir Direction, limit int) ([]chat.Poll, int) {
	return merge(existing, incoming, dir, limit, func(prev, next chat.Poll) chat.Poll {
		next = next.Clone()
		if next.UserVote == "" {
			next.UserVote = prev.UserVote
		}
		if next.Voters == nil && prev.Voters != nil {
			next.Voters = prev.Clone().Voters
		}
		return next
	})
}

func merge[T entry](existing, incoming []T, dir Direction, limit int, combine func(prev, next T) T) ([]T, int) {
	index := make(map[chat.ID]int, len(existing)+len(incoming))
	out := make([]T, 0, len(existing)+len(incoming))
	for _, e := range existing {
		if i, ok := index[e.EntryID()]; ok {
			out[i] = e
			continue
		}
		index[e.EntryID()] = len(out)
		out = append(out, e)
	}

	duplicates := 0
	for _, e := range incoming {
		if i, ok := index[e.EntryID()]; ok {
			out[i] = combine(out[i], e)
			duplicates++
			continue
		}
		index[e.EntryID()] = len(out)
		out = append(out, e)
	}

	sortEntries(out)
	return truncate(out, dir, limit), duplicates
}

func truncate[T entry](entries []T, dir Direction, limit int) []T {
	if limit <= 0 || len(entries) <= limit {
		return entries
	}
	if dir == Older {
		return append([]T(nil), entries[:limit]...)
	}
	return append([]T(nil), entries[len(entries)-limit:]...)
}

func sortEntries[T entry](entries []T) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.EntryTime().Equal(b.EntryTime()) {
			return a.EntryTime().Before(b.EntryTime())
		}
		return a.EntryID().Less(b.EntryID())
	})
}

func remove[T entry](entries []T, id chat.ID) ([]T, T, bool) {
	var removed T
	for i, e := range entries {
		if e.EntryID() == id {
			removed = e
			out := make([]T, 0, len(entries)-1)
			out = append(out, entries[:i]...)
			out = append(out, entries[i+1:]...)
			return out, removed, true
		}
	}
	return entries, removed, false
}

func find[T entry](entries []T, id chat.ID) (T, bool) {
	for _, e := range entries {
		if e.EntryID() == id {
			return e, true
		}
	}
	var zero T
	return zero, false
}

// RemoveMessage drops the message with id, returning it when present.
func RemoveMessage(messages []chat.Message, id chat.ID) ([]chat.Message, chat.Message, bool) {
	return remove(messages, id)
}

// RemovePoll drops the poll with id, returning it when present.
func RemovePoll(polls []chat.Poll, id chat.ID) ([]chat.Poll, chat.Poll, bool) {
	return remove(polls, id)
}

// EditMessage replaces the content of the message with id. The previous
// version is returned so a caller can restore it.
func EditMessage(messages []chat.Message, id chat.ID, content string, at time.Time) ([]chat.Message, chat.Message, bool) {
	prev, ok := find(messages, id)
	if !ok {
		return messages, chat.Message{}, false
	}
	next := prev
	next.Content = content
	edited := at
	next.EditedAt = &edited
	out, _ := MergeMessages(messages, []chat.Message{next}, Newer, 0)
	return out, prev, true
}

// ReplaceMessage swaps the entry stored under old for confirmed. It is used
// when the server acknowledges an optimistic send.
func ReplaceMessage(messages []chat.Message, old chat.ID, confirmed chat.Message, limit int) []chat.Message {
	rest, _, _ := remove(messages, old)
	out, _ := MergeMessages(rest, []chat.Message{confirmed}, Newer, limit)
	return out
}

// PromoteMessage merges a confirmed message, first dropping the pending
// optimistic copy it corresponds to (same household, sender and content,
// created within window). The boolean reports whether a pending copy was
// found.
func PromoteMessage(messages []chat.Message, confirmed chat.Message, window time.Duration, limit int) ([]chat.Message, bool) {
	best := -1
	var bestDelta time.Duration
	for i, m := range messages {
		if !m.ID.IsPending() || m.HouseholdID != confirmed.HouseholdID {
			continue
		}
		if m.SenderID != confirmed.SenderID || m.Content != confirmed.Content {
			continue
		}
		delta := absDuration(m.CreatedAt.Sub(confirmed.CreatedAt))
		if delta > window {
			continue
		}
		if best < 0 || delta < bestDelta {
			best, bestDelta = i, delta
		}
	}
	if best < 0 {
		out, _ := MergeMessages(messages, []chat.Message{confirmed}, Newer, limit)
		return out, false
	}
	return ReplaceMessage(messages, messages[best].ID, confirmed, limit), true
}

// Interleave returns messages and polls as one chronological sequence.
// Entries with equal creation times keep their input order, messages first.
func Interleave(messages []chat.Message, polls []chat.Poll) []chat.Entry {
	entries := make([]chat.Entry, 0, len(messages)+len(polls))
	for i := range messages {
		m := messages[i]
		entries = append(entries, chat.Entry{Message: &m})
	}
	for i := range polls {
		p := polls[i].Clone()
		entries = append(entries, chat.Entry{Poll: &p})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].EntryTime().Before(entries[j].EntryTime())
	})
	return entries
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
