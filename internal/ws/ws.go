// Package ws is the client side of the household socket: JSON frames over a
// websocket, with ack-correlated requests and a single read loop.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/dvkpatel11/roomly-harmony-space/internal/protocol"
)

const (
	frameBuffer  = 256
	writeTimeout = 5 * time.Second
	readLimit    = 4 << 20
)

var ErrClosed = errors.New("socket closed")

type Options struct {
	// Path is appended to the server URL. Defaults to "/socket".
	Path       string
	HTTPClient *http.Client
	Header     http.Header
}

// Conn is one open socket. Frames delivers every non-ack frame in arrival
// order and is closed when the read loop ends.
type Conn struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	closed  bool

	nextAck   atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan ackResult

	frames chan protocol.Frame
	done   chan struct{}
	errMu  sync.Mutex
	err    error
}

type ackResult struct {
	data json.RawMessage
	err  error
}

// SocketURL converts an http(s) server URL into the websocket endpoint.
func SocketURL(serverURL, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if path == "" {
		path = "/socket"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

func Dial(ctx context.Context, serverURL string, opts Options) (*Conn, error) {
	wsURL, err := SocketURL(serverURL, opts.Path)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: opts.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return newConn(conn), nil
}

func newConn(conn *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]chan ackResult),
		frames:  make(chan protocol.Frame, frameBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) Frames() <-chan protocol.Frame { return c.frames }

// Done is closed when the connection has ended for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended. It is nil while open.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Emit sends event without waiting for an acknowledgement.
func (c *Conn) Emit(ctx context.Context, event string, payload any) error {
	f, err := protocol.Encode(event, payload, 0)
	if err != nil {
		return err
	}
	return c.write(ctx, f)
}

// Request sends event and waits for its acknowledgement payload.
func (c *Conn) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	id := c.nextAck.Add(1)
	f, err := protocol.Encode(event, payload, id)
	if err != nil {
		return nil, err
	}

	ch := make(chan ackResult, 1)
	c.pendingMu.Lock()
	if c.pending == nil {
		c.pendingMu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.write(ctx, f); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Conn) forget(id uint64) {
	c.pendingMu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func (c *Conn) write(ctx context.Context, f protocol.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", f.Event, err)
	}
	return nil
}

func (c *Conn) readLoop() {
	var loopErr error
	defer func() {
		c.finish(loopErr)
	}()
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			loopErr = err
			return
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Event == protocol.EventAck {
			c.resolve(f)
			continue
		}
		select {
		case c.frames <- f:
		case <-c.ctx.Done():
			loopErr = c.ctx.Err()
			return
		}
	}
}

func (c *Conn) resolve(f protocol.Frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.Ack]
	if ok {
		delete(c.pending, f.Ack)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- ackResult{data: f.Data}
	}
}

func (c *Conn) finish(err error) {
	if err == nil {
		err = ErrClosed
	}
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- ackResult{err: ErrClosed}
	}

	close(c.frames)
	close(c.done)
}

func (c *Conn) Close() {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return
	}
	c.closed = true
	c.writeMu.Unlock()

	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	c.cancel()
}
