package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
)

// Event is one parsed inbound frame. The set of implementations is closed.
type Event interface {
	Name() string
	event()
}

type Authenticated struct {
	UserID string
}

type Unauthorized struct {
	Reason string
}

type NewMessage struct {
	Message chat.Message
}

type NewPoll struct {
	Poll chat.Poll
}

// PollUpdated carries the server's current copy of a poll, from either
// poll_updated or poll_vote.
type PollUpdated struct {
	Poll chat.Poll
}

type MessageEdited struct {
	HouseholdID chat.HouseholdID
	ID          chat.ID
	Content     string
	EditedAt    time.Time
}

type MessageDeleted struct {
	HouseholdID chat.HouseholdID
	ID          chat.ID
}

type PollDeleted struct {
	HouseholdID chat.HouseholdID
	ID          chat.ID
}

type UserTyping struct {
	HouseholdID chat.HouseholdID
	UserID      string
	DisplayName string
}

type UserTypingStopped struct {
	HouseholdID chat.HouseholdID
	UserID      string
}

// JoinedHousehold is the room snapshot sent after a successful join.
type JoinedHousehold struct {
	HouseholdID     chat.HouseholdID
	RecentMessages  []chat.Message
	ActivePolls     []chat.Poll
	HasMoreMessages bool
	// Dropped counts snapshot entries that failed validation.
	Dropped int
}

type ServerError struct {
	Message string
}

func (Authenticated) Name() string     { return EventAuthenticated }
func (Unauthorized) Name() string      { return EventUnauthorized }
func (NewMessage) Name() string        { return EventNewMessage }
func (NewPoll) Name() string           { return EventNewPoll }
func (PollUpdated) Name() string       { return EventPollUpdated }
func (MessageEdited) Name() string     { return EventMessageEdited }
func (MessageDeleted) Name() string    { return EventMessageDeleted }
func (PollDeleted) Name() string       { return EventPollDeleted }
func (UserTyping) Name() string        { return EventUserTyping }
func (UserTypingStopped) Name() string { return EventUserTypingStopped }
func (JoinedHousehold) Name() string   { return EventJoinedHousehold }
func (ServerError) Name() string       { return EventError }

func (Authenticated) event()     {}
func (Unauthorized) event()      {}
func (NewMessage) event()        {}
func (NewPoll) event()           {}
func (PollUpdated) event()       {}
func (MessageEdited) event()     {}
func (MessageDeleted) event()    {}
func (PollDeleted) event()       {}
func (UserTyping) event()        {}
func (UserTypingStopped) event() {}
func (JoinedHousehold) event()   {}
func (ServerError) event()       {}

type authenticatedWire struct {
	UserID string `json:"user_id"`
}

type unauthorizedWire struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

type pollWrapper struct {
	Poll *Poll `json:"poll"`
}

type editedWire struct {
	MessageID   int64     `json:"message_id"`
	HouseholdID string    `json:"household_id"`
	Content     string    `json:"content"`
	EditedAt    time.Time `json:"edited_at"`
}

type deletedWire struct {
	MessageID   int64  `json:"message_id"`
	PollID      int64  `json:"poll_id"`
	HouseholdID string `json:"household_id"`
}

type typingWire struct {
	HouseholdID string `json:"household_id"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
}

type joinedWire struct {
	HouseholdID     string    `json:"household_id"`
	RecentMessages  []Message `json:"recent_messages"`
	ActivePolls     []Poll    `json:"active_polls"`
	HasMoreMessages bool      `json:"has_more_messages"`
}

type errorWire struct {
	Message string `json:"message"`
}

// Decode parses f into its Event. Unknown names wrap ErrUnknownEvent and
// payloads failing validation wrap ErrInvalidEvent.
func Decode(f Frame) (Event, error) {
	name := strings.TrimSpace(f.Event)
	switch name {
	case EventAuthenticated:
		var w authenticatedWire
		if err := unmarshal(f.Data, &w, true); err != nil {
			return nil, err
		}
		return Authenticated{UserID: w.UserID}, nil

	case EventUnauthorized:
		var w unauthorizedWire
		if err := unmarshal(f.Data, &w, true); err != nil {
			return nil, err
		}
		reason := w.Message
		if reason == "" {
			reason = w.Reason
		}
		return Unauthorized{Reason: reason}, nil

	case EventNewMessage:
		var w Message
		if err := unmarshal(f.Data, &w, false); err != nil {
			return nil, err
		}
		if err := w.Validate(); err != nil {
			return nil, err
		}
		return NewMessage{Message: w.Chat()}, nil

	case EventNewPoll, EventPollUpdated, EventPollVote:
		p, err := decodePoll(f.Data)
		if err != nil {
			return nil, err
		}
		if name == EventNewPoll {
			return NewPoll{Poll: p}, nil
		}
		return PollUpdated{Poll: p}, nil

	case EventMessageEdited:
		var w editedWire
		if err := unmarshal(f.Data, &w, false); err != nil {
			return nil, err
		}
		if w.MessageID <= 0 || w.HouseholdID == "" {
			return nil, fmt.Errorf("%w: %s requires message_id and household_id", ErrInvalidEvent, name)
		}
		return MessageEdited{
			HouseholdID: chat.HouseholdID(w.HouseholdID),
			ID:          chat.Confirmed(w.MessageID),
			Content:     w.Content,
			EditedAt:    w.EditedAt,
		}, nil

	case EventMessageDeleted, EventPollDeleted:
		var w deletedWire
		if err := unmarshal(f.Data, &w, false); err != nil {
			return nil, err
		}
		id := w.MessageID
		if name == EventPollDeleted {
			id = w.PollID
		}
		if id <= 0 || w.HouseholdID == "" {
			return nil, fmt.Errorf("%w: %s requires an id and household_id", ErrInvalidEvent, name)
		}
		if name == EventPollDeleted {
			return PollDeleted{HouseholdID: chat.HouseholdID(w.HouseholdID), ID: chat.Confirmed(id)}, nil
		}
		return MessageDeleted{HouseholdID: chat.HouseholdID(w.HouseholdID), ID: chat.Confirmed(id)}, nil

	case EventUserTyping, EventUserTypingStopped:
		var w typingWire
		if err := unmarshal(f.Data, &w, false); err != nil {
			return nil, err
		}
		if w.UserID == "" || w.HouseholdID == "" {
			return nil, fmt.Errorf("%w: %s requires user_id and household_id", ErrInvalidEvent, name)
		}
		if name == EventUserTypingStopped {
			return UserTypingStopped{HouseholdID: chat.HouseholdID(w.HouseholdID), UserID: w.UserID}, nil
		}
		return UserTyping{HouseholdID: chat.HouseholdID(w.HouseholdID), UserID: w.UserID, DisplayName: w.UserName}, nil

	case EventJoinedHousehold:
		var w joinedWire
		if err := unmarshal(f.Data, &w, false); err != nil {
			return nil, err
		}
		if w.HouseholdID == "" {
			return nil, fmt.Errorf("%w: %s requires household_id", ErrInvalidEvent, name)
		}
		msgs, droppedMsgs := Messages(w.RecentMessages)
		polls, droppedPolls := Polls(w.ActivePolls)
		return JoinedHousehold{
			HouseholdID:     chat.HouseholdID(w.HouseholdID),
			RecentMessages:  msgs,
			ActivePolls:     polls,
			HasMoreMessages: w.HasMoreMessages,
			Dropped:         droppedMsgs + droppedPolls,
		}, nil

	case EventError:
		var w errorWire
		if err := unmarshal(f.Data, &w, true); err != nil {
			return nil, err
		}
		return ServerError{Message: w.Message}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}

func decodePoll(data json.RawMessage) (chat.Poll, error) {
	var wrapped pollWrapper
	if err := unmarshal(data, &wrapped, false); err != nil {
		return chat.Poll{}, err
	}
	var w Poll
	if wrapped.Poll != nil {
		w = *wrapped.Poll
	} else if err := unmarshal(data, &w, false); err != nil {
		return chat.Poll{}, err
	}
	if err := w.Validate(); err != nil {
		return chat.Poll{}, err
	}
	return w.Chat(), nil
}

func unmarshal(data json.RawMessage, v any, optional bool) error {
	if len(data) == 0 || string(data) == "null" {
		if optional {
			return nil
		}
		return fmt.Errorf("%w: missing data", ErrInvalidEvent)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// Encode builds a frame for an outbound event.
func Encode(event string, payload any, ack uint64) (Frame, error) {
	f := Frame{Event: event, Ack: ack}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s: %w", event, err)
		}
		f.Data = data
	}
	return f, nil
}
