// Package protocol defines the socket wire format: the frame envelope, the
// payloads the client emits, and a closed set of inbound event types that
// every server frame is parsed into before it reaches the engine.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrInvalidEvent = errors.New("invalid event payload")
)

// Frame is the envelope of every socket message. A request carrying Ack is
// answered by a frame with Event "ack" and the same Ack.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

const (
	EventAuthenticate   = "authenticate"
	EventJoinHousehold  = "join_household"
	EventLeaveHousehold = "leave_household"
	EventMessage        = "message"
	EventEditMessage    = "edit_message"
	EventDeleteMessage  = "delete_message"
	EventTypingStart    = "typing_start"
	EventTypingStop     = "typing_stop"

	EventAck = "ack"

	EventAuthenticated     = "authenticated"
	EventUnauthorized      = "unauthorized"
	EventNewMessage        = "new_message"
	EventNewPoll           = "new_poll"
	EventPollUpdated       = "poll_updated"
	EventPollVote          = "poll_vote"
	EventMessageEdited     = "message_edited"
	EventMessageDeleted    = "message_deleted"
	EventPollDeleted       = "poll_deleted"
	EventUserTyping        = "user_typing"
	EventUserTypingStopped = "user_typing_stopped"
	EventJoinedHousehold   = "joined_household"
	EventError             = "error"
)

// Message is the server's message shape, shared by socket pushes and REST
// pages.
type Message struct {
	ID             int64      `json:"id"`
	Content        string     `json:"content"`
	SenderID       string     `json:"sender_id"`
	SenderName     string     `json:"sender_name"`
	IsAnnouncement bool       `json:"is_announcement"`
	ImageKey       string     `json:"image_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	HouseholdID    string     `json:"household_id"`
}

func (m Message) Validate() error {
	if m.ID <= 0 {
		return fmt.Errorf("%w: message id must be positive", ErrInvalidEvent)
	}
	if strings.TrimSpace(m.HouseholdID) == "" {
		return fmt.Errorf("%w: message household_id is required", ErrInvalidEvent)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("%w: message created_at is required", ErrInvalidEvent)
	}
	return nil
}

func (m Message) Chat() chat.Message {
	return chat.Message{
		ID:             chat.Confirmed(m.ID),
		Content:        m.Content,
		SenderID:       m.SenderID,
		SenderDisplay:  m.SenderName,
		IsAnnouncement: m.IsAnnouncement,
		ImageKey:       m.ImageKey,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
		HouseholdID:    chat.HouseholdID(m.HouseholdID),
	}
}

// Poll is the server's poll shape.
type Poll struct {
	ID          int64             `json:"id"`
	Question    string            `json:"question"`
	Options     map[string]int    `json:"options"`
	ExpiresAt   time.Time         `json:"expires_at"`
	CreatedBy   string            `json:"created_by"`
	CreatedAt   time.Time         `json:"created_at"`
	HouseholdID string            `json:"household_id"`
	Voters      map[string]string `json:"voters,omitempty"`
	UserVote    string            `json:"user_vote,omitempty"`
	TotalVotes  int               `json:"total_votes"`
}

func (p Poll) Validate() error {
	if p.ID <= 0 {
		return fmt.Errorf("%w: poll id must be positive", ErrInvalidEvent)
	}
	if strings.TrimSpace(p.Question) == "" {
		return fmt.Errorf("%w: poll question is required", ErrInvalidEvent)
	}
	if len(p.Options) == 0 {
		return fmt.Errorf("%w: poll options are required", ErrInvalidEvent)
	}
	for label, count := range p.Options {
		if count < 0 {
			return fmt.Errorf("%w: negative count for option %q", ErrInvalidEvent, label)
		}
	}
	if strings.TrimSpace(p.HouseholdID) == "" {
		return fmt.Errorf("%w: poll household_id is required", ErrInvalidEvent)
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("%w: poll created_at is required", ErrInvalidEvent)
	}
	return nil
}

// Chat converts p. TotalVotes is always recomputed from the option counts.
func (p Poll) Chat() chat.Poll {
	out := chat.Poll{
		ID:          chat.Confirmed(p.ID),
		Question:    p.Question,
		ExpiresAt:   p.ExpiresAt,
		CreatedBy:   p.CreatedBy,
		CreatedAt:   p.CreatedAt,
		HouseholdID: chat.HouseholdID(p.HouseholdID),
		Voters:      p.Voters,
		UserVote:    p.UserVote,
		Options:     p.Options,
	}
	out = out.Clone()
	if out.Options == nil {
		out.Options = make(map[string]int)
	}
	out.Recount()
	return out
}

// Messages validates and converts a batch. Invalid entries are dropped and
// counted.
func Messages(in []Message) ([]chat.Message, int) {
	out := make([]chat.Message, 0, len(in))
	dropped := 0
	for _, m := range in {
		if m.Validate() != nil {
			dropped++
			continue
		}
		out = append(out, m.Chat())
	}
	return out, dropped
}

func Polls(in []Poll) ([]chat.Poll, int) {
	out := make([]chat.Poll, 0, len(in))
	dropped := 0
	for _, p := range in {
		if p.Validate() != nil {
			dropped++
			continue
		}
		out = append(out, p.Chat())
	}
	return out, dropped
}

// Outbound payloads.

type Authenticate struct {
	Token string `json:"token"`
}

type JoinHousehold struct {
	Token       string `json:"token"`
	HouseholdID string `json:"household_id"`
}

type LeaveHousehold struct {
	HouseholdID string `json:"household_id"`
}

type SendMessage struct {
	Token          string `json:"token"`
	HouseholdID    string `json:"household_id"`
	Content        string `json:"content"`
	IsAnnouncement bool   `json:"is_announcement"`
	ImageKey       string `json:"image_key,omitempty"`
}

// SendMessageAck is the acknowledgement of a SendMessage. Error is set on
// failure.
type SendMessageAck struct {
	MessageID   int64      `json:"message_id"`
	SenderID    string     `json:"sender_id"`
	SenderEmail string     `json:"sender_email"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type EditMessage struct {
	Token       string `json:"token"`
	HouseholdID string `json:"household_id"`
	MessageID   int64  `json:"message_id"`
	Content     string `json:"content"`
}

type DeleteMessage struct {
	Token       string `json:"token"`
	HouseholdID string `json:"household_id"`
	MessageID   int64  `json:"message_id"`
}

type Typing struct {
	HouseholdID string `json:"household_id"`
}

// Result is the generic acknowledgement of edit and delete.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
