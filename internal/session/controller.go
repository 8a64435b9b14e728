// Package session owns the household socket: connecting and authenticating,
// joining and leaving household rooms, and routing inbound events. Every
// state change happens on a single event loop goroutine; timers and socket
// readers post closures onto that loop instead of touching state directly.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
	"github.com/dvkpatel11/roomly-harmony-space/internal/metrics"
	"github.com/dvkpatel11/roomly-harmony-space/internal/protocol"
	"github.com/dvkpatel11/roomly-harmony-space/internal/securelog"
)

const (
	commandBuffer = 64
	outboxBuffer  = 64
	emitTimeout   = 5 * time.Second
)

var errAlreadyRunning = errors.New("session controller already running")

// Socket is an open, frame-oriented connection to the household server.
type Socket interface {
	Emit(ctx context.Context, event string, payload any) error
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)
	Frames() <-chan protocol.Frame
	Done() <-chan struct{}
	Close()
}

// Dialer opens a new socket. ctx carries the connect timeout.
type Dialer func(ctx context.Context) (Socket, error)

type Config struct {
	Dial Dialer

	ConnectTimeout     time.Duration
	MaxConnectAttempts int
	JoinDebounce       time.Duration
	JoinTimeout        time.Duration
	MaxJoinAttempts    int
	// RemountGrace is how long a preserving leave waits for a rejoin of the
	// same household before it is sent.
	RemountGrace time.Duration

	// Backoff builds the policy used between connect attempts. Defaults to
	// an exponential backoff starting at 500ms.
	Backoff func() backoff.BackOff

	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// OnEvent receives every decoded domain event from the event loop. It
	// must not call back into the Controller synchronously.
	OnEvent func(protocol.Event)
	// OnState receives every state transition from the event loop.
	OnState func(State)
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = 3
	}
	if c.JoinDebounce < 0 {
		c.JoinDebounce = 0
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.MaxJoinAttempts <= 0 {
		c.MaxJoinAttempts = 3
	}
	if c.RemountGrace <= 0 {
		c.RemountGrace = 100 * time.Millisecond
	}
	if c.Backoff == nil {
		c.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
}

type outbound struct {
	event   string
	payload any
}

// Controller drives the connection state machine. Create it with New and
// start the loop with Run before calling any other method.
type Controller struct {
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	cmds    chan func()
	stopped chan struct{}
	running atomic.Bool

	stateMu   sync.RWMutex
	published State

	// Everything below is owned by the event loop.
	state   State
	token   string
	sock    Socket
	outbox  chan outbound
	gen     uint64
	retries backoff.BackOff

	connectAttempts int
	waiters         []chan error

	desired      chat.HouseholdID
	joined       chat.HouseholdID
	joinAttempts int
	pendingLeave chat.HouseholdID

	authTimer     *time.Timer
	retryTimer    *time.Timer
	debounceTimer *time.Timer
	joinTimer     *time.Timer
	graceTimer    *time.Timer
	debounceSeq   uint64
	joinSeq       uint64
	graceSeq      uint64
}

func New(cfg Config) (*Controller, error) {
	if cfg.Dial == nil {
		return nil, errors.New("session: dialer is required")
	}
	cfg.applyDefaults()
	c := &Controller{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "session").Logger(),
		metrics: cfg.Metrics,
		cmds:    make(chan func(), commandBuffer),
		stopped: make(chan struct{}),
	}
	c.retries = cfg.Backoff()
	c.metrics.SetState(Disconnected.String())
	return c, nil
}

// Run processes commands until ctx is cancelled. On return the socket is
// closed and every blocked Connect call fails.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	defer close(c.stopped)

	for {
		select {
		case <-ctx.Done():
			c.teardown(Disconnected, chat.ErrNotConnected)
			return nil
		case fn := <-c.cmds:
			fn()
		}
	}
}

// State returns the most recently published state.
func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.published
}

func (c *Controller) post(fn func()) bool {
	select {
	case c.cmds <- fn:
		return true
	case <-c.stopped:
		return false
	}
}

// do runs fn on the loop and waits for it to finish.
func (c *Controller) do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case c.cmds <- wrapped:
	case <-c.stopped:
		return chat.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return chat.ErrNotConnected
	}
}

// Connect opens and authenticates the socket with token, blocking until
// authentication succeeds or fails for good. Calling it while already
// connected with the same token returns immediately; a different token
// replaces the connection.
func (c *Controller) Connect(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("%w: token is required", chat.ErrAuth)
	}
	wait := make(chan error, 1)
	err := c.do(ctx, func() {
		switch {
		case c.token == token && c.state.Connected():
			wait <- nil
		case c.token == token && (c.state.Phase == Connecting || c.state.Phase == Authenticating):
			c.waiters = append(c.waiters, wait)
		default:
			if c.sock != nil || c.state.Phase == Connecting {
				c.teardown(Disconnected, chat.ErrNotConnected)
			}
			c.token = token
			c.waiters = append(c.waiters, wait)
			c.connectAttempts = 0
			c.retries.Reset()
			c.dial()
		}
	})
	if err != nil {
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return chat.ErrNotConnected
	}
}

// Reconnect restarts the connect cycle with the last token, typically after
// a surfaced connection error.
func (c *Controller) Reconnect(ctx context.Context) error {
	var token string
	if err := c.do(ctx, func() { token = c.token }); err != nil {
		return err
	}
	if token == "" {
		return chat.ErrNotConnected
	}
	return c.Connect(ctx, token)
}

// Disconnect closes the socket and forgets the token and desired room.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.do(ctx, func() {
		c.teardown(Disconnected, chat.ErrNotConnected)
		c.cancelGrace()
		c.token = ""
		c.desired = ""
	})
}

// JoinRoom asks to be in household h. Calls are debounced; repeated calls
// for the joined household are no-ops, and a call during the remount grace
// of a preserving leave of h cancels that leave.
func (c *Controller) JoinRoom(ctx context.Context, h chat.HouseholdID) error {
	if h == "" {
		return fmt.Errorf("%w: household id is required", chat.ErrInvalidInput)
	}
	return c.do(ctx, func() {
		if c.pendingLeave != "" {
			if c.pendingLeave == h {
				c.cancelGrace()
				c.publishFlags()
				return
			}
			c.flushLeave()
		}
		if c.desired != h {
			c.joinAttempts = 0
		}
		c.desired = h
		if c.joined == h {
			return
		}
		c.scheduleJoin()
	})
}

// LeaveRoom leaves household h. With preserveData the leave waits out the
// remount grace so a quick rejoin costs no round trip. Cached data is never
// touched here.
func (c *Controller) LeaveRoom(ctx context.Context, h chat.HouseholdID, preserveData bool) error {
	return c.do(ctx, func() {
		if h == "" || (h != c.desired && h != c.joined) {
			return
		}
		if !preserveData {
			c.pendingLeave = h
			c.flushLeave()
			return
		}
		if c.pendingLeave == h {
			return
		}
		c.pendingLeave = h
		c.graceSeq++
		seq := c.graceSeq
		c.graceTimer = c.after(c.cfg.RemountGrace, func() {
			if seq != c.graceSeq || c.pendingLeave != h {
				return
			}
			c.flushLeave()
		})
		c.publishFlags()
	})
}

// RetryJoin resets the join attempt counter and joins the desired household
// again after a surfaced room join error.
func (c *Controller) RetryJoin(ctx context.Context) error {
	return c.do(ctx, func() {
		c.joinAttempts = 0
		if c.desired == "" {
			return
		}
		if c.state.Phase == Failed && errors.Is(c.state.Err, chat.ErrRoomJoin) {
			c.setState(State{Phase: Authenticated})
		}
		if c.state.Connected() && c.joined != c.desired {
			c.startJoin()
		}
	})
}

// Emit sends event on the current socket without waiting for an ack.
func (c *Controller) Emit(ctx context.Context, event string, payload any) error {
	sock, err := c.socket(ctx)
	if err != nil {
		return err
	}
	return sock.Emit(ctx, event, payload)
}

// Request sends event on the current socket and waits for its ack.
func (c *Controller) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	sock, err := c.socket(ctx)
	if err != nil {
		return nil, err
	}
	return sock.Request(ctx, event, payload)
}

func (c *Controller) socket(ctx context.Context) (Socket, error) {
	var sock Socket
	if err := c.do(ctx, func() {
		if c.state.Connected() {
			sock = c.sock
		}
	}); err != nil {
		return nil, err
	}
	if sock == nil {
		return nil, chat.ErrNotConnected
	}
	return sock, nil
}

// after schedules fn on the event loop.
func (c *Controller) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { c.post(fn) })
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Controller) setState(s State) {
	s.PendingLeave = c.pendingLeave != ""
	s.JoinAttempts = c.joinAttempts
	prev := c.state
	c.state = s
	c.stateMu.Lock()
	c.published = s
	c.stateMu.Unlock()

	if prev.Phase != s.Phase {
		c.metrics.SetState(s.Phase.String())
		c.log.Debug().Str("from", prev.Phase.String()).Str("to", s.Phase.String()).Msg("session state")
	}
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

// publishFlags republishes the current phase with refreshed bookkeeping.
func (c *Controller) publishFlags() {
	c.setState(c.state)
}

func (c *Controller) resolveWaiters(err error) {
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil
}

func (c *Controller) dial() {
	c.connectAttempts++
	c.gen++
	gen := c.gen
	c.setState(State{Phase: Connecting, Attempt: c.connectAttempts})

	timeout := c.cfg.ConnectTimeout
	dial := c.cfg.Dial
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		sock, err := dial(ctx)
		cancel()
		if !c.post(func() { c.dialed(gen, sock, err) }) && sock != nil {
			sock.Close()
		}
	}()
}

func (c *Controller) dialed(gen uint64, sock Socket, err error) {
	if gen != c.gen {
		if sock != nil {
			sock.Close()
		}
		return
	}
	if err != nil {
		c.metrics.ConnectAttempt("dial_error")
		securelog.Warn(c.log, "socket dial failed", err)
		c.connectFailed(err)
		return
	}

	c.sock = sock
	c.outbox = make(chan outbound, outboxBuffer)
	go c.writeLoop(sock, c.outbox)
	go c.readLoop(gen, sock)

	c.setState(State{Phase: Authenticating})
	c.send(protocol.EventAuthenticate, protocol.Authenticate{Token: c.token})
	c.authTimer = c.after(c.cfg.ConnectTimeout, func() {
		if gen != c.gen || c.state.Phase != Authenticating {
			return
		}
		c.metrics.ConnectAttempt("auth_timeout")
		c.abandonAuth(errors.New("authentication timed out"))
	})
}

// abandonAuth drops a socket that never authenticated and counts it as a
// failed connect attempt.
func (c *Controller) abandonAuth(cause error) {
	c.gen++
	c.closeSocket()
	c.setState(State{Phase: Connecting, Attempt: c.connectAttempts})
	c.connectFailed(cause)
}

// connectFailed retries silently until the attempt budget is spent, then
// surfaces a connection error.
func (c *Controller) connectFailed(cause error) {
	if c.connectAttempts >= c.cfg.MaxConnectAttempts {
		err := fmt.Errorf("%w: %d attempts: %v", chat.ErrConnection, c.connectAttempts, cause)
		c.setState(State{Phase: Failed, Err: err})
		c.resolveWaiters(err)
		return
	}
	wait := c.retries.NextBackOff()
	if wait == backoff.Stop {
		wait = c.cfg.ConnectTimeout
	}
	gen := c.gen
	c.retryTimer = c.after(wait, func() {
		if gen != c.gen || c.state.Phase != Connecting {
			return
		}
		c.dial()
	})
}

func (c *Controller) send(event string, payload any) {
	if c.outbox == nil {
		return
	}
	select {
	case c.outbox <- outbound{event: event, payload: payload}:
	default:
		c.log.Warn().Str("event", event).Msg("socket outbox full, dropping frame")
	}
}

func (c *Controller) writeLoop(sock Socket, outbox <-chan outbound) {
	for out := range outbox {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		err := sock.Emit(ctx, out.event, out.payload)
		cancel()
		if err != nil {
			securelog.Warn(c.log, "socket emit "+out.event, err)
		}
	}
}

func (c *Controller) readLoop(gen uint64, sock Socket) {
	for f := range sock.Frames() {
		ev, err := protocol.Decode(f)
		if err != nil {
			c.metrics.RejectedEvent(f.Event)
			c.log.Warn().Str("event", f.Event).Msg("rejected socket event")
			continue
		}
		c.metrics.SocketEvent(f.Event)
		if !c.post(func() { c.handle(gen, ev) }) {
			return
		}
	}
	c.post(func() { c.socketDown(gen) })
}

func (c *Controller) handle(gen uint64, ev protocol.Event) {
	if gen != c.gen {
		return
	}
	switch e := ev.(type) {
	case protocol.Authenticated:
		if c.state.Phase != Authenticating {
			return
		}
		stopTimer(&c.authTimer)
		c.metrics.ConnectAttempt("ok")
		c.connectAttempts = 0
		c.retries.Reset()
		c.setState(State{Phase: Authenticated})
		c.resolveWaiters(nil)
		if c.desired != "" {
			c.startJoin()
		}
	case protocol.Unauthorized:
		c.metrics.ConnectAttempt("unauthorized")
		err := fmt.Errorf("%w: %s", chat.ErrAuth, e.Reason)
		c.teardown(Failed, err)
		c.token = ""
	case protocol.JoinedHousehold:
		if e.HouseholdID != c.desired {
			c.log.Debug().Str("household", string(e.HouseholdID)).Msg("ignoring snapshot for household no longer wanted")
			return
		}
		stopTimer(&c.joinTimer)
		c.joinSeq++
		c.joined = e.HouseholdID
		c.joinAttempts = 0
		c.metrics.RoomJoin("ok")
		c.setState(State{Phase: Joined, Household: e.HouseholdID})
	case protocol.ServerError:
		c.log.Warn().Str("event", e.Name()).Msg("server reported an error")
	}
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

// socketDown handles an unexpected end of the current socket. A socket lost
// before authenticating spends a connect attempt; one lost afterwards starts
// a fresh connect cycle and the desired room is rejoined once authenticated.
func (c *Controller) socketDown(gen uint64) {
	if gen != c.gen {
		return
	}
	if c.state.Phase == Authenticating {
		c.metrics.ConnectAttempt("closed_during_auth")
		c.abandonAuth(errors.New("socket closed during authentication"))
		return
	}
	c.closeSocket()
	c.joined = ""
	stopTimer(&c.joinTimer)
	if c.token == "" || (c.state.Phase == Failed && !errors.Is(c.state.Err, chat.ErrRoomJoin)) {
		return
	}
	c.log.Info().Msg("socket closed, reconnecting")
	c.connectAttempts = 0
	c.retries.Reset()
	c.dial()
}

func (c *Controller) scheduleJoin() {
	stopTimer(&c.debounceTimer)
	c.debounceSeq++
	seq := c.debounceSeq
	c.debounceTimer = c.after(c.cfg.JoinDebounce, func() {
		if seq != c.debounceSeq {
			return
		}
		c.debounceTimer = nil
		if c.state.Connected() && c.desired != "" && c.joined != c.desired {
			c.startJoin()
		}
	})
}

func (c *Controller) startJoin() {
	h := c.desired
	if c.joined != "" && c.joined != h {
		c.send(protocol.EventLeaveHousehold, protocol.LeaveHousehold{HouseholdID: string(c.joined)})
		c.joined = ""
		c.setState(State{Phase: Authenticated})
	}
	if c.joinAttempts >= c.cfg.MaxJoinAttempts {
		c.metrics.RoomJoin("exhausted")
		c.setState(State{Phase: Failed, Err: fmt.Errorf("%w: %s after %d attempts", chat.ErrRoomJoin, h, c.joinAttempts)})
		return
	}
	c.joinAttempts++
	c.publishFlags()
	c.send(protocol.EventJoinHousehold, protocol.JoinHousehold{Token: c.token, HouseholdID: string(h)})

	stopTimer(&c.joinTimer)
	c.joinSeq++
	seq, gen := c.joinSeq, c.gen
	c.joinTimer = c.after(c.cfg.JoinTimeout, func() {
		if seq != c.joinSeq || gen != c.gen || c.joined == h || c.desired != h {
			return
		}
		c.metrics.RoomJoin("timeout")
		c.log.Warn().Str("household", string(h)).Int("attempt", c.joinAttempts).Msg("room join timed out")
		c.startJoin()
	})
}

func (c *Controller) cancelGrace() {
	stopTimer(&c.graceTimer)
	c.graceSeq++
	c.pendingLeave = ""
}

// flushLeave sends the leave for pendingLeave now.
func (c *Controller) flushLeave() {
	h := c.pendingLeave
	c.cancelGrace()
	if h == "" {
		return
	}
	if c.desired == h {
		c.desired = ""
		stopTimer(&c.debounceTimer)
		c.debounceSeq++
		stopTimer(&c.joinTimer)
		c.joinSeq++
		c.joinAttempts = 0
	}
	if c.joined == h {
		c.send(protocol.EventLeaveHousehold, protocol.LeaveHousehold{HouseholdID: string(h)})
		c.joined = ""
	}
	switch {
	case c.state.Connected():
		c.setState(State{Phase: Authenticated})
	case c.state.Phase == Failed && errors.Is(c.state.Err, chat.ErrRoomJoin):
		c.setState(State{Phase: Authenticated})
	default:
		c.publishFlags()
	}
}

func (c *Controller) closeSocket() {
	stopTimer(&c.authTimer)
	if c.outbox != nil {
		close(c.outbox)
		c.outbox = nil
	}
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
}

// teardown invalidates the current socket generation and settles in phase.
func (c *Controller) teardown(phase Phase, err error) {
	c.gen++
	c.closeSocket()
	stopTimer(&c.retryTimer)
	stopTimer(&c.joinTimer)
	stopTimer(&c.debounceTimer)
	c.joinSeq++
	c.debounceSeq++
	c.joined = ""
	s := State{Phase: phase}
	if phase == Failed {
		s.Err = err
	}
	c.setState(s)
	c.resolveWaiters(err)
}
