package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
	"github.com/dvkpatel11/roomly-harmony-space/internal/protocol"
)

type fakeServer struct {
	mu          sync.Mutex
	emitted     []string
	dials       int
	failDials   bool
	rejectToken string
	silentJoins bool
	// authMode is "" for a normal reply, "silent" to never answer
	// authenticate and "hangup" to close the socket instead.
	authMode string
	current  *fakeSocket
}

func (s *fakeServer) dial(ctx context.Context) (Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.failDials {
		return nil, errors.New("connection refused")
	}
	sock := &fakeSocket{srv: s, frames: make(chan protocol.Frame, 16), done: make(chan struct{})}
	s.current = sock
	return sock, nil
}

func (s *fakeServer) set(fn func(s *fakeServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *fakeServer) count(entry string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.emitted {
		if e == entry {
			n++
		}
	}
	return n
}

func (s *fakeServer) log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.emitted...)
}

func (s *fakeServer) push(event string, data any) {
	s.mu.Lock()
	sock := s.current
	s.mu.Unlock()
	if sock != nil {
		sock.push(event, data)
	}
}

// hangup ends the current socket from the server side.
func (s *fakeServer) hangup() {
	s.mu.Lock()
	sock := s.current
	s.mu.Unlock()
	if sock != nil {
		sock.Close()
	}
}

type fakeSocket struct {
	srv    *fakeServer
	mu     sync.Mutex
	closed bool
	frames chan protocol.Frame
	done   chan struct{}
}

func (f *fakeSocket) Emit(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return errors.New("socket closed")
	}

	s := f.srv
	s.mu.Lock()
	entry := event
	switch p := payload.(type) {
	case protocol.JoinHousehold:
		entry = event + ":" + p.HouseholdID
	case protocol.LeaveHousehold:
		entry = event + ":" + p.HouseholdID
	}
	s.emitted = append(s.emitted, entry)
	reject, silent, authMode := s.rejectToken, s.silentJoins, s.authMode
	s.mu.Unlock()

	switch p := payload.(type) {
	case protocol.Authenticate:
		switch {
		case authMode == "silent":
		case authMode == "hangup":
			f.Close()
		case p.Token == reject:
			f.push(protocol.EventUnauthorized, map[string]string{"message": "invalid token"})
		default:
			f.push(protocol.EventAuthenticated, map[string]string{"user_id": "u1"})
		}
	case protocol.JoinHousehold:
		if !silent {
			f.push(protocol.EventJoinedHousehold, map[string]any{
				"household_id":      p.HouseholdID,
				"recent_messages":   []any{},
				"active_polls":      []any{},
				"has_more_messages": true,
			})
		}
	}
	return nil
}

func (f *fakeSocket) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	if err := f.Emit(ctx, event, payload); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"success":true}`), nil
}

func (f *fakeSocket) push(event string, data any) {
	raw, _ := json.Marshal(data)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.frames <- protocol.Frame{Event: event, Data: raw}
}

func (f *fakeSocket) Frames() <-chan protocol.Frame { return f.frames }

func (f *fakeSocket) Done() <-chan struct{} { return f.done }

func (f *fakeSocket) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.frames)
	close(f.done)
}

type eventLog struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (l *eventLog) add(ev protocol.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Name()
	}
	return out
}

func newTestController(t *testing.T, srv *fakeServer, tweak func(*Config)) (*Controller, *eventLog) {
	t.Helper()
	events := &eventLog{}
	cfg := Config{
		Dial:               srv.dial,
		ConnectTimeout:     time.Second,
		MaxConnectAttempts: 3,
		JoinDebounce:       10 * time.Millisecond,
		JoinTimeout:        time.Second,
		MaxJoinAttempts:    3,
		RemountGrace:       50 * time.Millisecond,
		Backoff:            func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
		Logger:             zerolog.Nop(),
		OnEvent:            events.add,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, events
}

func waitState(t *testing.T, c *Controller, want func(State) bool, what string) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := c.State(); want(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, state is %s", what, c.State())
	return State{}
}

func joinedTo(h chat.HouseholdID) func(State) bool {
	return func(s State) bool { return s.Phase == Joined && s.Household == h }
}

func connect(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx, "good"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func join(t *testing.T, c *Controller, h chat.HouseholdID) {
	t.Helper()
	if err := c.JoinRoom(context.Background(), h); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	waitState(t, c, joinedTo(h), "joined "+string(h))
}

func TestNewRequiresDialer(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without dialer")
	}
}

func TestConnectAuthenticatesOnce(t *testing.T) {
	srv := &fakeServer{}
	c, events := newTestController(t, srv, nil)

	connect(t, c)
	if got := c.State().Phase; got != Authenticated {
		t.Fatalf("phase = %s, want authenticated", got)
	}
	connect(t, c)
	if srv.dialCount() != 1 || srv.count(protocol.EventAuthenticate) != 1 {
		t.Fatalf("second Connect should be a no-op: dials=%d auths=%d", srv.dialCount(), srv.count(protocol.EventAuthenticate))
	}
	if names := events.names(); len(names) != 1 || names[0] != protocol.EventAuthenticated {
		t.Fatalf("events = %v", names)
	}
}

func TestConnectGivesUpWhenAuthenticationNeverCompletes(t *testing.T) {
	for _, mode := range []string{"silent", "hangup"} {
		t.Run(mode, func(t *testing.T) {
			srv := &fakeServer{authMode: mode}
			c, _ := newTestController(t, srv, func(cfg *Config) {
				cfg.ConnectTimeout = 30 * time.Millisecond
			})

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err := c.Connect(ctx, "good")
			if !errors.Is(err, chat.ErrConnection) {
				t.Fatalf("Connect err = %v, want ErrConnection", err)
			}
			if s := c.State(); s.Phase != Failed || !errors.Is(s.Err, chat.ErrConnection) {
				t.Fatalf("state = %s", s)
			}
			time.Sleep(100 * time.Millisecond)
			if got := srv.dialCount(); got != 3 {
				t.Fatalf("dials = %d, want 3", got)
			}
		})
	}
}

func TestConnectRejectedTokenIsFatal(t *testing.T) {
	srv := &fakeServer{rejectToken: "bad"}
	c, events := newTestController(t, srv, nil)

	err := c.Connect(context.Background(), "bad")
	if !errors.Is(err, chat.ErrAuth) {
		t.Fatalf("Connect err = %v, want ErrAuth", err)
	}
	s := c.State()
	if s.Phase != Failed || !errors.Is(s.Err, chat.ErrAuth) {
		t.Fatalf("state = %s", s)
	}
	if err := c.Reconnect(context.Background()); !errors.Is(err, chat.ErrNotConnected) {
		t.Fatalf("Reconnect after rejection err = %v", err)
	}
	if srv.dialCount() != 1 {
		t.Fatalf("dials = %d, rejected auth must not retry", srv.dialCount())
	}
	if names := events.names(); len(names) != 1 || names[0] != protocol.EventUnauthorized {
		t.Fatalf("events = %v", names)
	}
}

func TestConnectRetriesThenSurfacesError(t *testing.T) {
	srv := &fakeServer{failDials: true}
	c, _ := newTestController(t, srv, nil)

	err := c.Connect(context.Background(), "good")
	if !errors.Is(err, chat.ErrConnection) {
		t.Fatalf("Connect err = %v, want ErrConnection", err)
	}
	if srv.dialCount() != 3 {
		t.Fatalf("dials = %d, want 3", srv.dialCount())
	}

	srv.set(func(s *fakeServer) { s.failDials = false })
	if err := c.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if got := c.State().Phase; got != Authenticated {
		t.Fatalf("phase = %s", got)
	}
}

func TestConnectHonoursContext(t *testing.T) {
	srv := &fakeServer{}
	c, _ := newTestController(t, srv, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Connect(ctx, "good"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestJoinRoomDebouncesRapidCalls(t *testing.T) {
	srv := &fakeServer{}
	c, _ := newTestController(t, srv, func(cfg *Config) { cfg.JoinDebounce = 40 * time.Millisecond })
	connect(t, c)

	ctx := context.Background()
	for _, h := range []chat.HouseholdID{"h1", "h2", "h3"} {
		if err := c.JoinRoom(ctx, h); err != nil {
			t.Fatalf("JoinRoom(%s): %v", h, err)
		}
	}
	waitState(t, c, joinedTo("h3"), "joined h3")
	if srv.count("join_household:h1") != 0 || srv.count("join_household:h2") != 0 {
		t.Fatalf("debounced joins were sent: %v", srv.log())
	}
	if srv.count("join_household:h3") != 1 {
		t.Fatalf("joins for h3 = %d", srv.count("join_household:h3"))
	}

	if err := c.JoinRoom(ctx, "h3"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(80 * time.Millisecond)
	if srv.count("join_household:h3") != 1 {
		t.Fatal("join for the already joined room should be a no-op")
	}
}

func TestJoinBeforeConnectJoinsOnAuthentication(t *testing.T) {
	srv := &fakeServer{}
	c, _ := newTestController(t, srv, nil)
	if err := c.JoinRoom(context.Background(), "h1"); err != nil {
		t.Fatal(err)
	}
	connect(t, c)
	waitState(t, c, joinedTo("h1"), "joined h1")
}

func TestSwitchingRoomsLeavesPrevious(t *testing.T) {
	srv := &fakeServer{}
	c, _ := newTestController(t, srv, nil)
	connect(t, c)
	join(t, c, "h1")
	join(t, c, "h2")
	if srv.count("leave_household:h1") != 1 {
		t.Fatalf("expected leave for h1, emitted %v", srv.log())
	}
}

func TestQuickRemountSkipsLeave(t *testing.T) {
	srv := &fakeServer{}
	c, _ := newTestController(t, srv, nil)
	connect(t, c)
	join(t, c, "h1")

	ctx := context.Background()
	if err := c.LeaveRoom(ctx, "h1", true); err != nil {
		t.Fatal(err)
	}
	if s := c.State(); !s.PendingLeave || s.Phase != Joined {
		t.Fatalf("state during grace = %+v", s)
	}
	if err := c.JoinRoom(ctx, "h1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(120 * time.Millisecond)

	s := c.State()
	if s.Phase != Joined || s.Household != "h1" || s.PendingLeave {
		t.Fatalf("state after remount = %+v", s)
	}
	if srv.count("leave_household:h1") != 0 {
		t.Fatal("quick remount must not send a leave")
	}
	if srv.count("join_household:h1") != 1 {
		t.Fatalf("joins = %d, quick remount must not rejoin", srv.count("join_household:h1"))
	}
}

func TestPreservingLeaveSendsAfterGrace(t *testing.T) {
	srv := &fakeServer{}
	c, _ := newTestController(t, srv, nil)
	connect(t, c)
	join(t, c, "h1")

	if err := c.LeaveRoom(context.Background(), "h1", true); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, func(s State) bool { return s.Phase == Authenticated && !s.PendingLeave }, "leave after grace")
	deadline := time.Now().Add(time.Second)
	for srv.count("leave_household:h1") != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.count("leave_household:h1") != 1 {
		t.Fatalf("emitted %v", srv.log())
	}
}

func TestImmediateLeave(t *testing.T) {
	srv := &fakeServer{}
	c, _ := newTestController(t, srv, nil)
	connect(t, c)
	join(t, c, "h1")

	if err := c.LeaveRoom(context.Background(), "h1", false); err != nil {
		t.Fatal(err)
	}
	if s := c.State(); s.Phase != Authenticated {
		t.Fatalf("state = %s", s)
	}
	if err := c.LeaveRoom(context.Background(), "h9", false); err != nil {
		t.Fatalf("leaving an unknown room should be a no-op: %v", err)
	}
}

func TestJoinAttemptsAreBounded(t *testing.T) {
	srv := &fakeServer{silentJoins: true}
	c, _ := newTestController(t, srv, func(cfg *Config) {
		cfg.JoinTimeout = 20 * time.Millisecond
		cfg.MaxJoinAttempts = 2
	})
	connect(t, c)
	if err := c.JoinRoom(context.Background(), "h1"); err != nil {
		t.Fatal(err)
	}
	s := waitState(t, c, func(s State) bool { return s.Phase == Failed }, "join failure")
	if !errors.Is(s.Err, chat.ErrRoomJoin) {
		t.Fatalf("err = %v", s.Err)
	}
	if n := srv.count("join_household:h1"); n != 2 {
		t.Fatalf("join attempts = %d, want 2", n)
	}

	srv.set(func(s *fakeServer) { s.silentJoins = false })
	if err := c.RetryJoin(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, joinedTo("h1"), "joined after retry")
}

func TestDropReconnectsAndRejoins(t *testing.T) {
	srv := &fakeServer{}
	c, _ := newTestController(t, srv, nil)
	connect(t, c)
	join(t, c, "h1")

	srv.hangup()
	waitState(t, c, func(s State) bool {
		return s.Phase == Joined && s.Household == "h1" && srv.count("join_household:h1") == 2
	}, "rejoin after drop")
	if n := srv.dialCount(); n != 2 {
		t.Fatalf("dials = %d, want 2", n)
	}
}

func TestEventsForwardedAndStaleSnapshotIgnored(t *testing.T) {
	srv := &fakeServer{}
	c, events := newTestController(t, srv, nil)
	connect(t, c)
	join(t, c, "h1")

	srv.push(protocol.EventJoinedHousehold, map[string]any{"household_id": "h2"})
	srv.push(protocol.EventNewMessage, map[string]any{
		"id":           5,
		"content":      "hi",
		"sender_id":    "u2",
		"created_at":   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		"household_id": "h1",
	})
	srv.push("bogus_event", map[string]any{})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if names := events.names(); len(names) > 0 && names[len(names)-1] == protocol.EventNewMessage {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	want := []string{protocol.EventAuthenticated, protocol.EventJoinedHousehold, protocol.EventNewMessage}
	if got := events.names(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if s := c.State(); s.Household != "h1" {
		t.Fatalf("stale snapshot moved the room: %s", s)
	}
}

func TestEmitRequiresConnection(t *testing.T) {
	srv := &fakeServer{}
	c, _ := newTestController(t, srv, nil)
	ctx := context.Background()
	if err := c.Emit(ctx, protocol.EventTypingStart, protocol.Typing{HouseholdID: "h1"}); !errors.Is(err, chat.ErrNotConnected) {
		t.Fatalf("Emit before connect err = %v", err)
	}
	connect(t, c)
	if _, err := c.Request(ctx, protocol.EventDeleteMessage, protocol.DeleteMessage{MessageID: 1}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if s := c.State(); s.Phase != Disconnected {
		t.Fatalf("state = %s", s)
	}
	if err := c.Emit(ctx, protocol.EventTypingStop, nil); !errors.Is(err, chat.ErrNotConnected) {
		t.Fatalf("Emit after disconnect err = %v", err)
	}
}

func TestStateStrings(t *testing.T) {
	cases := map[string]State{
		"disconnected":          {Phase: Disconnected},
		"connecting(attempt=2)": {Phase: Connecting, Attempt: 2},
		"joined(h1)":            {Phase: Joined, Household: "h1"},
	}
	for want, s := range cases {
		if got := s.String(); got != want {
			t.Fatalf("String() = %q, want %q", got, want)
		}
	}
}
