// Package auth carries the externally supplied identity. Sign-in itself
// happens elsewhere; this package only holds the result.
package auth

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrTokenExpired = errors.New("token expired")
)

type Identity struct {
	UserID      string
	Token       string
	DisplayName string
	// ExpiresAt is optional; zero means the token does not expire locally.
	ExpiresAt time.Time
}

// Anonymous reports whether the identity carries no user.
func (id Identity) Anonymous() bool {
	return strings.TrimSpace(id.UserID) == ""
}

// VoterKey is the key recorded in a poll's voter map. Every unauthenticated
// caller shares the reserved anonymous key.
func (id Identity) VoterKey() string {
	if id.Anonymous() {
		return chat.AnonymousVoter
	}
	return id.UserID
}

// Bearer returns the Authorization header value, or "" without a token.
func (id Identity) Bearer() string {
	if id.Token == "" {
		return ""
	}
	return "Bearer " + id.Token
}

// Holder is the current identity of a session, swapped on login and
// cleared on logout.
type Holder struct {
	mu  sync.RWMutex
	id  Identity
	set bool
	now func() time.Time
}

func NewHolder() *Holder {
	return &Holder{now: time.Now}
}

func (h *Holder) Set(id Identity) {
	h.mu.Lock()
	h.id = id
	h.set = true
	h.mu.Unlock()
}

func (h *Holder) Clear() {
	h.mu.Lock()
	h.id = Identity{}
	h.set = false
	h.mu.Unlock()
}

// Current returns the held identity. An expired token yields ErrTokenExpired
// and no identity yields ErrUnauthorized.
func (h *Holder) Current() (Identity, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.set || strings.TrimSpace(h.id.Token) == "" {
		return Identity{}, ErrUnauthorized
	}
	if !h.id.ExpiresAt.IsZero() && h.now().After(h.id.ExpiresAt) {
		return Identity{}, ErrTokenExpired
	}
	return h.id, nil
}

// Peek returns the held identity without validating it.
func (h *Holder) Peek() Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.id
}
