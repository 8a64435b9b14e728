package chatsync

import (
	"context"
	"fmt"
	"time"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
	"github.com/dvkpatel11/roomly-harmony-space/internal/protocol"
	"github.com/dvkpatel11/roomly-harmony-space/internal/securelog"
	"github.com/dvkpatel11/roomly-harmony-space/internal/timeline"
)

const backgroundTimeout = 15 * time.Second

// handle applies one socket event. It runs on the session controller's loop
// and therefore must never call the controller.
func (e *Engine) handle(ev protocol.Event) {
	ctx := context.Background()
	switch ev := ev.(type) {
	case protocol.Authenticated:
		e.log.Info().Msg("socket authenticated")
		return
	case protocol.Unauthorized:
		e.log.Warn().Msg("socket authentication rejected, logging out")
		go e.forceLogout()
		return
	case protocol.ServerError:
		e.mu.Lock()
		e.lastErr = ev.Message
		e.mu.Unlock()
	case protocol.JoinedHousehold:
		e.applySnapshot(ctx, ev)
	case protocol.NewMessage:
		e.applyMessage(ctx, ev.Message)
	case protocol.NewPoll:
		e.applyPoll(ctx, ev.Poll)
	case protocol.PollUpdated:
		e.mu.Lock()
		dups := e.book.MergePolls(ev.Poll.HouseholdID, []chat.Poll{ev.Poll}, timeline.Newer)
		e.persist(ctx, ev.Poll.HouseholdID)
		e.mu.Unlock()
		e.metrics.Merge("push", dups)
	case protocol.MessageEdited:
		e.mu.Lock()
		if _, ok := e.book.EditMessage(ev.HouseholdID, ev.ID, ev.Content, ev.EditedAt); ok {
			e.persist(ctx, ev.HouseholdID)
		}
		e.mu.Unlock()
	case protocol.MessageDeleted:
		e.mu.Lock()
		removed, ok := e.book.RemoveMessage(ev.HouseholdID, ev.ID)
		if ok {
			e.persist(ctx, ev.HouseholdID)
		}
		e.mu.Unlock()
		if ok {
			go e.dropImages(removed)
		}
	case protocol.PollDeleted:
		e.mu.Lock()
		if _, ok := e.book.RemovePoll(ev.HouseholdID, ev.ID); ok {
			e.persist(ctx, ev.HouseholdID)
		}
		e.mu.Unlock()
	case protocol.UserTyping:
		if !e.setTyping(ev) {
			return
		}
	case protocol.UserTypingStopped:
		e.mu.Lock()
		_, ok := e.typing[ev.UserID]
		if ev.HouseholdID == e.active {
			delete(e.typing, ev.UserID)
		}
		e.mu.Unlock()
		if !ok {
			return
		}
	}
	e.notify()
}

func (e *Engine) setTyping(ev protocol.UserTyping) bool {
	self := e.identity.Peek().UserID
	e.mu.Lock()
	defer e.mu.Unlock()
	if ev.HouseholdID != e.active || ev.UserID == "" || ev.UserID == self {
		return false
	}
	name := ev.DisplayName
	if name == "" {
		name = ev.UserID
	}
	e.typing[ev.UserID] = typist{name: name, expires: e.now().Add(e.cfg.TypingTTL)}
	time.AfterFunc(e.cfg.TypingTTL+10*time.Millisecond, e.notify)
	return true
}

// applySnapshot merges a join snapshot. A household seen for the first time
// takes its pagination flag from the snapshot; later replays leave it alone.
func (e *Engine) applySnapshot(ctx context.Context, ev protocol.JoinedHousehold) {
	h := ev.HouseholdID
	e.mu.Lock()
	defer e.mu.Unlock()

	_, seen := e.book.Timeline(h).OldestMessageID()
	dups := e.reconcileMessages(h, ev.RecentMessages)
	dups += e.reconcilePolls(ctx, h, ev.ActivePolls)
	if !seen {
		e.book.SetHasMoreMessages(h, ev.HasMoreMessages)
	}
	e.persist(ctx, h)
	e.metrics.Merge("snapshot", dups)
	if ev.Dropped > 0 {
		e.log.Warn().Int("dropped", ev.Dropped).Str("household", string(h)).Msg("snapshot entries failed validation")
	}
	e.log.Debug().
		Str("household", string(h)).
		Int("messages", len(ev.RecentMessages)).
		Int("duplicates", dups).
		Msg("joined household")
}

func (e *Engine) applyMessage(ctx context.Context, m chat.Message) {
	e.mu.Lock()
	dups := e.reconcileMessages(m.HouseholdID, []chat.Message{m})
	e.persist(ctx, m.HouseholdID)
	e.mu.Unlock()
	e.metrics.Merge("push", dups)
}

func (e *Engine) applyPoll(ctx context.Context, p chat.Poll) {
	e.mu.Lock()
	dups := e.reconcilePolls(ctx, p.HouseholdID, []chat.Poll{p})
	e.persist(ctx, p.HouseholdID)
	e.mu.Unlock()
	e.metrics.Merge("push", dups)
}

// reconcileMessages merges confirmed messages into h, promoting any pending
// optimistic copies they confirm. It returns the duplicate count. e.mu must
// be held.
func (e *Engine) reconcileMessages(h chat.HouseholdID, msgs []chat.Message) int {
	t := e.book.Timeline(h)
	if !hasPendingMessages(t) {
		return e.book.MergeMessages(h, msgs, timeline.Newer)
	}
	dups := 0
	for _, m := range msgs {
		if _, ok := t.Message(m.ID); ok {
			dups++
		}
		e.book.PromoteMessage(h, m)
	}
	return dups
}

// reconcilePolls is reconcileMessages for polls. Votes carried from a
// pending poll that belong to this session are submitted in the background.
// e.mu must be held.
func (e *Engine) reconcilePolls(ctx context.Context, h chat.HouseholdID, polls []chat.Poll) int {
	t := e.book.Timeline(h)
	if !hasPendingPolls(t) {
		return e.book.MergePolls(h, polls, timeline.Newer)
	}
	voter := e.identity.Peek().VoterKey()
	dups := 0
	for _, p := range polls {
		if _, ok := t.Poll(p.ID); ok {
			dups++
		}
		for _, carried := range e.book.PromotePoll(h, p) {
			if carried != voter {
				continue
			}
			if promoted, ok := e.book.Timeline(h).Poll(p.ID); ok {
				go e.submitCarriedVote(h, p.ID, promoted.Voters[voter])
			}
		}
	}
	return dups
}

func hasPendingMessages(t timeline.Timeline) bool {
	for _, m := range t.Messages {
		if m.ID.IsPending() {
			return true
		}
	}
	return false
}

func hasPendingPolls(t timeline.Timeline) bool {
	for _, p := range t.Polls {
		if p.ID.IsPending() {
			return true
		}
	}
	return false
}

// submitCarriedVote sends a vote cast on a pending poll now that the poll is
// confirmed. On failure the carried vote is withdrawn locally.
func (e *Engine) submitCarriedVote(h chat.HouseholdID, id chat.ID, label string) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()
	ident := e.identity.Peek()
	voter := ident.VoterKey()

	server, err := e.rest.Vote(ctx, ident.Token, id, label)
	e.mu.Lock()
	if err != nil {
		securelog.Warn(e.log, "carried vote submission", err)
		e.metrics.Rollback("vote")
		if p, ok := e.book.Timeline(h).Poll(id); ok && p.Voters[voter] == label {
			if p.Options[label] > 0 {
				p.Options[label]--
			}
			delete(p.Voters, voter)
			if p.UserVote == label {
				p.UserVote = ""
			}
			p.Recount()
			e.book.PutPoll(h, p)
			e.persist(ctx, h)
		}
		e.fail(fmt.Errorf("%w: %v", chat.ErrVoteSubmission, err))
	} else {
		if server.UserVote == "" {
			server.UserVote = label
		}
		e.book.MergePolls(h, []chat.Poll{server}, timeline.Newer)
		e.persist(ctx, h)
	}
	e.mu.Unlock()
	e.notify()
}

// dropImages removes blobs belonging to a deleted message.
func (e *Engine) dropImages(m chat.Message) {
	if e.blobs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()
	if _, err := e.blobs.RemoveForMessage(ctx, m.ID.String()); err != nil {
		securelog.Warn(e.log, "remove blobs for deleted message", err)
	}
	if m.ImageKey != "" {
		if err := e.blobs.Remove(ctx, m.ImageKey); err != nil {
			securelog.Warn(e.log, "remove image of deleted message", err)
		}
	}
}

// forceLogout runs the logout path after the server rejected the token.
func (e *Engine) forceLogout() {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()
	if err := e.Logout(ctx); err != nil {
		securelog.Warn(e.log, "forced logout", err)
	}
	e.mu.Lock()
	e.lastErr = chat.ErrAuth.Error()
	e.mu.Unlock()
	e.notify()
}
