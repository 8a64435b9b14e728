// Package chatsync is the synchronization facade: the single object a UI
// talks to. It owns the in-memory timelines, applies optimistic commands,
// reconciles their results and socket pushes, and writes every change
// through to durable storage.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dvkpatel11/roomly-harmony-space/internal/api"
	"github.com/dvkpatel11/roomly-harmony-space/internal/auth"
	"github.com/dvkpatel11/roomly-harmony-space/internal/blobcache"
	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
	"github.com/dvkpatel11/roomly-harmony-space/internal/metrics"
	"github.com/dvkpatel11/roomly-harmony-space/internal/securelog"
	"github.com/dvkpatel11/roomly-harmony-space/internal/session"
	"github.com/dvkpatel11/roomly-harmony-space/internal/storage"
	"github.com/dvkpatel11/roomly-harmony-space/internal/timeline"
)

// REST is the subset of the REST client the engine uses.
type REST interface {
	ListMessages(ctx context.Context, token string, h chat.HouseholdID, q api.PageQuery) (api.Page[chat.Message], error)
	ListPolls(ctx context.Context, token string, h chat.HouseholdID, q api.PageQuery) (api.Page[chat.Poll], error)
	CreatePoll(ctx context.Context, token string, h chat.HouseholdID, req api.CreatePollRequest) (chat.Poll, error)
	Vote(ctx context.Context, token string, id chat.ID, option string) (chat.Poll, error)
}

type Config struct {
	Identity *auth.Holder
	Dial     session.Dialer
	// Session carries the controller timings. Dial, handlers, logger and
	// metrics are filled in by the engine.
	Session session.Config
	REST    REST
	Records storage.RecordRepository
	// Blobs is optional.
	Blobs *blobcache.Cache

	Limits         timeline.Limits
	PageSize       int
	TypingThrottle time.Duration
	TypingTTL      time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type typist struct {
	name    string
	expires time.Time
}

type Engine struct {
	cfg       Config
	log       zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	identity  *auth.Holder
	rest      REST
	blobs     *blobcache.Cache
	persister *timeline.Persister

	mu         sync.Mutex
	book       *timeline.Book
	active     chat.HouseholdID
	conn       session.State
	typing     map[string]typist
	lastErr    string
	loading    map[string]bool
	ctrl       *session.Controller
	stopRun    context.CancelFunc
	runDone    chan struct{}
	limiter    *rate.Limiter
	typingSent bool

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

func New(cfg Config) (*Engine, error) {
	if cfg.Identity == nil {
		return nil, errors.New("chatsync: identity holder is required")
	}
	if cfg.Dial == nil {
		return nil, errors.New("chatsync: dialer is required")
	}
	if cfg.REST == nil {
		return nil, errors.New("chatsync: rest client is required")
	}
	if cfg.Records == nil {
		return nil, errors.New("chatsync: record repository is required")
	}
	if cfg.Limits == (timeline.Limits{}) {
		cfg.Limits = timeline.DefaultLimits()
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("chatsync: %w", err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.TypingThrottle <= 0 {
		cfg.TypingThrottle = 2 * time.Second
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = 5 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	log := cfg.Logger.With().Str("component", "chatsync").Logger()
	persister, err := timeline.NewPersister(cfg.Records, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		log:       log,
		metrics:   cfg.Metrics,
		now:       now,
		identity:  cfg.Identity,
		rest:      cfg.REST,
		blobs:     cfg.Blobs,
		persister: persister,
		book:      timeline.NewBook(cfg.Limits),
		typing:    make(map[string]typist),
		loading:   make(map[string]bool),
		limiter:   rate.NewLimiter(rate.Every(cfg.TypingThrottle), 1),
		subs:      make(map[chan struct{}]struct{}),
	}, nil
}

// Boot seeds the in-memory caches from durable storage. Call it before Start
// so cached timelines are visible before the socket connects.
func (e *Engine) Boot(ctx context.Context) (timeline.RestoreStats, error) {
	e.mu.Lock()
	stats, err := e.persister.Restore(ctx, e.book)
	e.mu.Unlock()
	if err != nil {
		return stats, err
	}
	e.notify()
	return stats, nil
}

// Start runs a session controller and connects with the current identity.
// It blocks until authenticated or a connection error is surfaced; the
// error is also visible in the snapshot's connection state.
func (e *Engine) Start(ctx context.Context) error {
	id, err := e.identity.Current()
	if err != nil {
		return fmt.Errorf("%w: %v", chat.ErrAuth, err)
	}

	e.mu.Lock()
	if e.ctrl == nil {
		scfg := e.cfg.Session
		scfg.Dial = e.cfg.Dial
		scfg.Logger = e.cfg.Logger
		scfg.Metrics = e.metrics
		scfg.OnEvent = e.handle
		scfg.OnState = e.onState
		ctrl, err := session.New(scfg)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		runCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = ctrl.Run(runCtx)
		}()
		e.ctrl, e.stopRun, e.runDone = ctrl, cancel, done
	}
	ctrl := e.ctrl
	active := e.active
	e.mu.Unlock()

	if active != "" {
		if err := ctrl.JoinRoom(ctx, active); err != nil {
			return err
		}
	}
	return ctrl.Connect(ctx, id.Token)
}

func (e *Engine) controller() (*session.Controller, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctrl == nil {
		return nil, chat.ErrNotConnected
	}
	return e.ctrl, nil
}

// Reconnect is the manual retry for a surfaced connection error.
func (e *Engine) Reconnect(ctx context.Context) error {
	ctrl, err := e.controller()
	if err != nil {
		return err
	}
	return ctrl.Reconnect(ctx)
}

// RetryJoin is the manual retry for a surfaced room join error.
func (e *Engine) RetryJoin(ctx context.Context) error {
	ctrl, err := e.controller()
	if err != nil {
		return err
	}
	return ctrl.RetryJoin(ctx)
}

// JoinHousehold makes h the active household. Its cached timeline is
// visible immediately; the room join happens in the background.
func (e *Engine) JoinHousehold(ctx context.Context, h chat.HouseholdID) error {
	if h == "" {
		return fmt.Errorf("%w: household id is required", chat.ErrInvalidInput)
	}
	e.mu.Lock()
	if e.active != h {
		e.active = h
		e.typing = make(map[string]typist)
		e.typingSent = false
	}
	ctrl := e.ctrl
	e.mu.Unlock()
	e.notify()

	if ctrl == nil {
		return nil
	}
	return ctrl.JoinRoom(ctx, h)
}

// LeaveHousehold leaves h. preserveData marks a transient remount: the
// household stays active and a JoinHousehold of h within the grace costs no
// round trip. Cached data is never purged.
func (e *Engine) LeaveHousehold(ctx context.Context, h chat.HouseholdID, preserveData bool) error {
	e.mu.Lock()
	if !preserveData && e.active == h {
		e.active = ""
		e.typing = make(map[string]typist)
	}
	ctrl := e.ctrl
	e.mu.Unlock()
	e.notify()

	if ctrl == nil {
		return nil
	}
	return ctrl.LeaveRoom(ctx, h, preserveData)
}

// Logout tears the session down, clears the identity and drops every
// in-memory cache. Durable snapshots remain for the next boot.
func (e *Engine) Logout(ctx context.Context) error {
	err := e.stop(ctx)
	e.identity.Clear()
	e.mu.Lock()
	e.book.Reset()
	e.active = ""
	e.typing = make(map[string]typist)
	e.lastErr = ""
	e.conn = session.State{}
	e.mu.Unlock()
	if e.blobs != nil {
		e.blobs.Close()
	}
	e.notify()
	return err
}

// Close stops the session and releases the persister. The engine must not
// be used afterwards.
func (e *Engine) Close(ctx context.Context) error {
	err := e.stop(ctx)
	if cerr := e.persister.Close(); cerr != nil {
		securelog.Warn(e.log, "close timeline store", cerr)
	}
	return err
}

func (e *Engine) stop(ctx context.Context) error {
	e.mu.Lock()
	ctrl, cancel, done := e.ctrl, e.stopRun, e.runDone
	e.ctrl, e.stopRun, e.runDone = nil, nil, nil
	e.mu.Unlock()
	if ctrl == nil {
		return nil
	}
	err := ctrl.Disconnect(ctx)
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if errors.Is(err, chat.ErrNotConnected) {
		err = nil
	}
	return err
}

// Subscribe returns a channel that receives a value after every change to
// the read model. Notifications coalesce; call Snapshot to read the state.
func (e *Engine) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	e.subMu.Lock()
	e.subs[ch] = struct{}{}
	e.subMu.Unlock()
	return ch, func() {
		e.subMu.Lock()
		delete(e.subs, ch)
		e.subMu.Unlock()
	}
}

func (e *Engine) notify() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) onState(s session.State) {
	e.mu.Lock()
	e.conn = s
	e.mu.Unlock()
	e.notify()
}

// persist writes h through to durable storage. Failures are logged and
// counted but never returned. e.mu must be held.
func (e *Engine) persist(ctx context.Context, h chat.HouseholdID) {
	if err := e.persister.SaveHousehold(context.WithoutCancel(ctx), e.book, h); err != nil {
		e.metrics.PersistError()
		securelog.Error(e.log, "persist household timeline", err)
	}
}

// fail records a user-visible command error. e.mu must be held.
func (e *Engine) fail(err error) {
	e.lastErr = err.Error()
}

// Households reports what is cached per household.
func (e *Engine) Households() []HouseholdSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []HouseholdSummary
	for _, h := range e.book.Households() {
		t := e.book.Timeline(h)
		out = append(out, HouseholdSummary{
			ID:       h,
			Messages: len(t.Messages),
			Polls:    len(t.Polls),
			Global:   len(e.book.Global(h)),
		})
	}
	return out
}

type HouseholdSummary struct {
	ID       chat.HouseholdID `json:"id"`
	Messages int              `json:"messages"`
	Polls    int              `json:"polls"`
	Global   int              `json:"global"`
}

// Typist is a household member currently typing.
type Typist struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Snapshot is the read model for the active household.
type Snapshot struct {
	Household       chat.HouseholdID `json:"household"`
	Entries         []chat.Entry     `json:"entries"`
	Messages        []chat.Message   `json:"messages"`
	Polls           []chat.Poll      `json:"polls"`
	HasMoreMessages bool             `json:"has_more_messages"`
	HasMorePolls    bool             `json:"has_more_polls"`
	Typing          []Typist         `json:"typing"`
	Connection      session.State    `json:"-"`
	ConnectionState string           `json:"connection"`
	ConnectionError string           `json:"connection_error,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		Household:       e.active,
		Connection:      e.conn,
		ConnectionState: e.conn.Phase.String(),
		LastError:       e.lastErr,
	}
	if e.conn.Err != nil {
		s.ConnectionError = e.conn.Err.Error()
	}
	if e.active == "" {
		return s
	}
	t := e.book.Timeline(e.active)
	s.Messages = t.Messages
	s.Polls = t.Polls
	s.HasMoreMessages = t.HasMoreMessages
	s.HasMorePolls = t.HasMorePolls
	s.Entries = timeline.Interleave(t.Messages, t.Polls)

	now := e.now()
	for userID, ty := range e.typing {
		if now.After(ty.expires) {
			delete(e.typing, userID)
			continue
		}
		s.Typing = append(s.Typing, Typist{UserID: userID, DisplayName: ty.name})
	}
	sort.Slice(s.Typing, func(i, j int) bool { return s.Typing[i].UserID < s.Typing[j].UserID })
	return s
}
