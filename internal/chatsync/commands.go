package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dvkpatel11/roomly-harmony-space/internal/api"
	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
	"github.com/dvkpatel11/roomly-harmony-space/internal/protocol"
	"github.com/dvkpatel11/roomly-harmony-space/internal/securelog"
	"github.com/dvkpatel11/roomly-harmony-space/internal/session"
	"github.com/dvkpatel11/roomly-harmony-space/internal/timeline"
)

// activeHousehold returns the active household. e.mu must be held.
func (e *Engine) activeHousehold() (chat.HouseholdID, error) {
	if e.active == "" {
		return "", fmt.Errorf("%w: no active household", chat.ErrInvalidInput)
	}
	return e.active, nil
}

// stale reports whether an acknowledgement for h arrived after the user
// moved to another household, and logs it. e.mu must be held.
func (e *Engine) stale(h chat.HouseholdID, op string) bool {
	if e.active == h {
		return false
	}
	e.log.Debug().Str("op", op).Str("household", string(h)).Msg("ignoring acknowledgement for inactive household")
	return true
}

type SendOptions struct {
	Announcement bool
	// ImageKey is a key returned by the blob cache.
	ImageKey string
}

// SendMessage shows content immediately as a pending message and confirms
// it when the server acknowledges the send. A failed send removes the
// pending message.
func (e *Engine) SendMessage(ctx context.Context, content string, opts SendOptions) (chat.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" && opts.ImageKey == "" {
		return chat.Message{}, fmt.Errorf("%w: message is empty", chat.ErrInvalidInput)
	}
	id, err := e.identity.Current()
	if err != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", chat.ErrAuth, err)
	}
	ctrl, err := e.controller()
	if err != nil {
		return chat.Message{}, err
	}

	e.mu.Lock()
	h, err := e.activeHousehold()
	if err != nil {
		e.mu.Unlock()
		return chat.Message{}, err
	}
	pending := chat.Message{
		ID:             chat.Pending(uuid.NewString()),
		Content:        content,
		SenderID:       id.UserID,
		SenderDisplay:  id.DisplayName,
		IsAnnouncement: opts.Announcement,
		ImageKey:       opts.ImageKey,
		CreatedAt:      e.now().UTC(),
		HouseholdID:    h,
	}
	e.book.MergeMessages(h, []chat.Message{pending}, timeline.Newer)
	e.mu.Unlock()
	e.notify()

	raw, err := ctrl.Request(ctx, protocol.EventMessage, protocol.SendMessage{
		Token:          id.Token,
		HouseholdID:    string(h),
		Content:        content,
		IsAnnouncement: opts.Announcement,
		ImageKey:       opts.ImageKey,
	})
	var ack protocol.SendMessageAck
	if err == nil {
		err = decodeAck(raw, &ack)
	}
	if err == nil && ack.Error != "" {
		err = fmt.Errorf("server: %s", ack.Error)
	}
	if err == nil && ack.MessageID <= 0 {
		err = fmt.Errorf("%w: acknowledgement without message id", protocol.ErrInvalidEvent)
	}
	if err == nil && opts.ImageKey != "" && e.blobs != nil {
		if cerr := e.blobs.Claim(ctx, opts.ImageKey, chat.Confirmed(ack.MessageID).String()); cerr != nil {
			securelog.Warn(e.log, "attach image to sent message", cerr)
		}
	}

	e.mu.Lock()
	defer e.notify()
	defer e.mu.Unlock()
	if err != nil {
		e.book.RemoveMessage(h, pending.ID)
		e.metrics.Rollback("send")
		err = fmt.Errorf("%w: %v", chat.ErrSend, err)
		e.fail(err)
		return chat.Message{}, err
	}

	confirmed := pending
	confirmed.ID = chat.Confirmed(ack.MessageID)
	if ack.SenderID != "" {
		confirmed.SenderID = ack.SenderID
	}
	if ack.CreatedAt != nil && !ack.CreatedAt.IsZero() {
		confirmed.CreatedAt = ack.CreatedAt.UTC()
	}
	// The pending copy lives in h, so the ack settles h even after a
	// household switch; the active view is not touched.
	e.ensureConfirmed(h, pending.ID, confirmed)
	e.persist(ctx, h)
	return confirmed, nil
}

// ensureConfirmed swaps a pending message for its confirmed copy unless a
// push already delivered the confirmed message. e.mu must be held.
func (e *Engine) ensureConfirmed(h chat.HouseholdID, pending chat.ID, confirmed chat.Message) {
	if cur, ok := e.book.Timeline(h).Message(confirmed.ID); ok {
		confirmed = cur
	}
	e.book.ReplaceMessage(h, pending, confirmed)
}

func decodeAck(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty acknowledgement", protocol.ErrInvalidEvent)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidEvent, err)
	}
	return nil
}

func (e *Engine) confirmedTarget(id chat.ID) error {
	if id.IsZero() || id.IsPending() {
		return fmt.Errorf("%w: message %s is not confirmed yet", chat.ErrInvalidInput, id)
	}
	return nil
}

// EditMessage applies the edit locally and restores the previous content if
// the server rejects it.
func (e *Engine) EditMessage(ctx context.Context, id chat.ID, content string) error {
	if err := e.confirmedTarget(id); err != nil {
		return err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("%w: message is empty", chat.ErrInvalidInput)
	}
	ident, err := e.identity.Current()
	if err != nil {
		return fmt.Errorf("%w: %v", chat.ErrAuth, err)
	}
	ctrl, err := e.controller()
	if err != nil {
		return err
	}

	e.mu.Lock()
	h, err := e.activeHousehold()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	prev, ok := e.book.EditMessage(h, id, content, e.now().UTC())
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: message %s", chat.ErrNotFound, id)
	}
	e.notify()

	err = e.requestResult(ctx, ctrl, protocol.EventEditMessage, protocol.EditMessage{
		Token:       ident.Token,
		HouseholdID: string(h),
		MessageID:   id.Value(),
		Content:     content,
	})

	e.mu.Lock()
	defer e.notify()
	defer e.mu.Unlock()
	if err != nil {
		e.book.MergeMessages(h, []chat.Message{prev}, timeline.Newer)
		e.metrics.Rollback("edit")
		err = fmt.Errorf("%w: %v", chat.ErrEdit, err)
		e.fail(err)
		return err
	}
	if !e.stale(h, "edit") {
		e.persist(ctx, h)
	}
	return nil
}

// DeleteMessage removes the message locally, restores it if the server
// refuses, and drops its images once the delete is confirmed.
func (e *Engine) DeleteMessage(ctx context.Context, id chat.ID) error {
	if err := e.confirmedTarget(id); err != nil {
		return err
	}
	ident, err := e.identity.Current()
	if err != nil {
		return fmt.Errorf("%w: %v", chat.ErrAuth, err)
	}
	ctrl, err := e.controller()
	if err != nil {
		return err
	}

	e.mu.Lock()
	h, err := e.activeHousehold()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	removed, ok := e.book.RemoveMessage(h, id)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: message %s", chat.ErrNotFound, id)
	}
	e.notify()

	err = e.requestResult(ctx, ctrl, protocol.EventDeleteMessage, protocol.DeleteMessage{
		Token:       ident.Token,
		HouseholdID: string(h),
		MessageID:   id.Value(),
	})

	e.mu.Lock()
	if err != nil {
		e.book.MergeMessages(h, []chat.Message{removed}, timeline.Newer)
		e.metrics.Rollback("delete")
		err = fmt.Errorf("%w: %v", chat.ErrDelete, err)
		e.fail(err)
		e.mu.Unlock()
		e.notify()
		return err
	}
	if !e.stale(h, "delete") {
		e.persist(ctx, h)
	}
	e.mu.Unlock()
	e.notify()

	e.dropImages(removed)
	return nil
}

func (e *Engine) requestResult(ctx context.Context, ctrl *session.Controller, event string, payload any) error {
	raw, err := ctrl.Request(ctx, event, payload)
	if err != nil {
		return err
	}
	var res protocol.Result
	if err := decodeAck(raw, &res); err != nil {
		return err
	}
	if !res.Success {
		if res.Error == "" {
			res.Error = "rejected"
		}
		return fmt.Errorf("server: %s", res.Error)
	}
	return nil
}

// CreatePoll shows the poll immediately as pending and promotes it when the
// server confirms it. Votes cast on the pending poll are carried over.
func (e *Engine) CreatePoll(ctx context.Context, question string, options []string, expiresAt time.Time) (chat.Poll, error) {
	question = strings.TrimSpace(question)
	labels := make(map[string]int, len(options))
	for _, o := range options {
		if o = strings.TrimSpace(o); o != "" {
			labels[o] = 0
		}
	}
	if question == "" || len(labels) < 2 {
		return chat.Poll{}, fmt.Errorf("%w: a poll needs a question and two options", chat.ErrInvalidInput)
	}
	ident := e.identity.Peek()

	e.mu.Lock()
	h, err := e.activeHousehold()
	if err != nil {
		e.mu.Unlock()
		return chat.Poll{}, err
	}
	pending := chat.Poll{
		ID:          chat.Pending(uuid.NewString()),
		Question:    question,
		Options:     labels,
		ExpiresAt:   expiresAt,
		CreatedBy:   ident.VoterKey(),
		CreatedAt:   e.now().UTC(),
		HouseholdID: h,
		Voters:      map[string]string{},
	}
	e.book.MergePolls(h, []chat.Poll{pending}, timeline.Newer)
	e.mu.Unlock()
	e.notify()

	ordered := make([]string, 0, len(labels))
	for _, o := range options {
		if o = strings.TrimSpace(o); o != "" {
			ordered = append(ordered, o)
		}
	}
	confirmed, err := e.rest.CreatePoll(ctx, ident.Token, h, api.CreatePollRequest{
		Question:  question,
		Options:   ordered,
		ExpiresAt: expiresAt,
	})

	e.mu.Lock()
	if err != nil {
		e.book.RemovePoll(h, pending.ID)
		e.metrics.Rollback("create_poll")
		err = fmt.Errorf("%w: %v", chat.ErrPollCreate, err)
		e.fail(err)
		e.mu.Unlock()
		e.notify()
		return chat.Poll{}, err
	}
	if confirmed.HouseholdID == "" {
		confirmed.HouseholdID = h
	}
	e.reconcilePolls(ctx, h, []chat.Poll{confirmed})
	if p, ok := e.book.Timeline(h).Poll(confirmed.ID); ok {
		confirmed = p
	}
	e.persist(ctx, h)
	e.mu.Unlock()
	e.notify()
	return confirmed, nil
}

// Vote applies the vote locally and submits it. If the server rejects it,
// the poll is restored exactly to its pre-vote state. Votes on a pending
// poll stay local until the poll is confirmed.
func (e *Engine) Vote(ctx context.Context, pollID chat.ID, label string) error {
	ident := e.identity.Peek()

	e.mu.Lock()
	h, err := e.activeHousehold()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	poll, ok := e.book.Timeline(h).Poll(pollID)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: poll %s", chat.ErrNotFound, pollID)
	}
	if poll.Expired(e.now()) {
		e.mu.Unlock()
		return fmt.Errorf("%w: poll %s has expired", chat.ErrInvalidInput, pollID)
	}
	next, snapshot, err := timeline.ApplyVote(poll, label, ident.VoterKey())
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.book.PutPoll(h, next)
	if !pollID.IsPending() {
		e.persist(ctx, h)
	}
	e.mu.Unlock()
	e.notify()

	if pollID.IsPending() {
		return nil
	}

	server, err := e.rest.Vote(ctx, ident.Token, pollID, label)

	e.mu.Lock()
	defer e.notify()
	defer e.mu.Unlock()
	if err != nil {
		e.book.PutPoll(h, snapshot.Poll())
		e.persist(ctx, h)
		e.metrics.Rollback("vote")
		err = fmt.Errorf("%w: %v", chat.ErrVoteSubmission, err)
		e.fail(err)
		return err
	}
	if e.stale(h, "vote") {
		return nil
	}
	if server.UserVote == "" {
		server.UserVote = label
	}
	if server.HouseholdID == "" {
		server.HouseholdID = h
	}
	e.book.MergePolls(h, []chat.Poll{server}, timeline.Newer)
	e.persist(ctx, h)
	return nil
}

// StartTyping tells the room the user is typing, at most once per throttle
// window.
func (e *Engine) StartTyping(ctx context.Context) error {
	e.mu.Lock()
	h, err := e.activeHousehold()
	allowed := err == nil && e.limiter.Allow()
	if allowed {
		e.typingSent = true
	}
	ctrl := e.ctrl
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if !allowed || ctrl == nil {
		return nil
	}
	return ctrl.Emit(ctx, protocol.EventTypingStart, protocol.Typing{HouseholdID: string(h)})
}

// StopTyping clears the typing indicator if one was sent.
func (e *Engine) StopTyping(ctx context.Context) error {
	e.mu.Lock()
	h, err := e.activeHousehold()
	sent := e.typingSent
	e.typingSent = false
	ctrl := e.ctrl
	e.mu.Unlock()
	if err != nil || !sent || ctrl == nil {
		return err
	}
	return ctrl.Emit(ctx, protocol.EventTypingStop, protocol.Typing{HouseholdID: string(h)})
}

// Refresh fetches the newest page of messages and polls for the active
// household.
func (e *Engine) Refresh(ctx context.Context) error {
	ident := e.identity.Peek()
	e.mu.Lock()
	h, err := e.activeHousehold()
	e.mu.Unlock()
	if err != nil {
		return err
	}

	msgs, err := e.rest.ListMessages(ctx, ident.Token, h, api.PageQuery{Limit: e.cfg.PageSize})
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	polls, err := e.rest.ListPolls(ctx, ident.Token, h, api.PageQuery{Limit: e.cfg.PageSize, IncludeExpired: true})
	if err != nil {
		return fmt.Errorf("fetch polls: %w", err)
	}

	e.mu.Lock()
	_, seenMsgs := e.book.Timeline(h).OldestMessageID()
	_, seenPolls := e.book.Timeline(h).OldestPollID()
	dups := e.reconcileMessages(h, msgs.Items)
	dups += e.reconcilePolls(ctx, h, polls.Items)
	if !seenMsgs {
		e.book.SetHasMoreMessages(h, msgs.HasMore)
	}
	if !seenPolls {
		e.book.SetHasMorePolls(h, polls.HasMore)
	}
	e.persist(ctx, h)
	e.mu.Unlock()
	e.metrics.Merge("rest", dups)
	e.notify()
	return nil
}

// LoadMoreMessages fetches the page before the oldest cached message and
// returns how many messages arrived. Concurrent calls for the same household
// are collapsed.
func (e *Engine) LoadMoreMessages(ctx context.Context) (int, error) {
	return e.loadMore(ctx, "messages", func(t timeline.Timeline) (chat.ID, bool) {
		id, _ := t.OldestMessageID()
		return id, t.HasMoreMessages || len(t.Messages) == 0
	}, func(ctx context.Context, token string, h chat.HouseholdID, q api.PageQuery) (int, func(), error) {
		page, err := e.rest.ListMessages(ctx, token, h, q)
		if err != nil {
			return 0, nil, err
		}
		return len(page.Items), func() {
			dups := e.book.MergeMessages(h, page.Items, timeline.Older)
			e.book.SetHasMoreMessages(h, page.HasMore)
			e.metrics.Merge("backfill", dups)
		}, nil
	})
}

func (e *Engine) LoadMorePolls(ctx context.Context) (int, error) {
	return e.loadMore(ctx, "polls", func(t timeline.Timeline) (chat.ID, bool) {
		id, _ := t.OldestPollID()
		return id, t.HasMorePolls || len(t.Polls) == 0
	}, func(ctx context.Context, token string, h chat.HouseholdID, q api.PageQuery) (int, func(), error) {
		q.IncludeExpired = true
		page, err := e.rest.ListPolls(ctx, token, h, q)
		if err != nil {
			return 0, nil, err
		}
		return len(page.Items), func() {
			dups := e.book.MergePolls(h, page.Items, timeline.Older)
			e.book.SetHasMorePolls(h, page.HasMore)
			e.metrics.Merge("backfill", dups)
		}, nil
	})
}

type pageFetch func(ctx context.Context, token string, h chat.HouseholdID, q api.PageQuery) (n int, apply func(), err error)

func (e *Engine) loadMore(ctx context.Context, kind string, cursor func(timeline.Timeline) (chat.ID, bool), fetch pageFetch) (int, error) {
	ident := e.identity.Peek()
	e.mu.Lock()
	h, err := e.activeHousehold()
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	key := kind + ":" + string(h)
	before, more := cursor(e.book.Timeline(h))
	if e.loading[key] || !more {
		e.mu.Unlock()
		return 0, nil
	}
	e.loading[key] = true
	e.mu.Unlock()

	n, apply, err := fetch(ctx, ident.Token, h, api.PageQuery{Before: before, Limit: e.cfg.PageSize})

	e.mu.Lock()
	delete(e.loading, key)
	if err != nil {
		e.mu.Unlock()
		securelog.Warn(e.log, "load more "+kind, err)
		return 0, fmt.Errorf("fetch %s: %w", kind, err)
	}
	if e.stale(h, "load_"+kind) {
		e.mu.Unlock()
		return 0, nil
	}
	apply()
	e.persist(ctx, h)
	e.mu.Unlock()
	e.notify()
	return n, nil
}

// StoreImage puts an image in the blob cache for a message about to be
// sent and returns the key to pass in SendOptions.
func (e *Engine) StoreImage(ctx context.Context, data []byte, mimeType string) (string, error) {
	if e.blobs == nil {
		return "", fmt.Errorf("%w: no blob cache configured", chat.ErrBlobStore)
	}
	e.mu.Lock()
	h, err := e.activeHousehold()
	e.mu.Unlock()
	if err != nil {
		return "", err
	}
	return e.blobs.Store(ctx, data, mimeType, "", h)
}

// RepairImages refreshes every image referenced by the active household's
// cached messages, replacing object URLs revoked by an earlier teardown. It
// returns how many images could not be restored.
func (e *Engine) RepairImages(ctx context.Context) int {
	if e.blobs == nil {
		return 0
	}
	e.mu.Lock()
	var keys []string
	if e.active != "" {
		for _, m := range e.book.Timeline(e.active).Messages {
			if m.ImageKey != "" {
				keys = append(keys, m.ImageKey)
			}
		}
	}
	e.mu.Unlock()

	missing := 0
	for _, key := range keys {
		if _, err := e.blobs.Refresh(ctx, key); err != nil {
			missing++
		}
	}
	if missing > 0 {
		e.log.Warn().Int("missing", missing).Msg("images could not be restored")
	}
	return missing
}
