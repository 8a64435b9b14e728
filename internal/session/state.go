package session

import (
	"fmt"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
)

type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Authenticating
	// Authenticated is connected with no room joined.
	Authenticated
	Joined
	Failed
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Joined:
		return "joined"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a snapshot of the controller's state machine.
type State struct {
	Phase Phase
	// Attempt is the current connect attempt while Connecting.
	Attempt int
	// Household is the joined household while Joined.
	Household chat.HouseholdID
	// PendingLeave is set while a preserving leave waits out the remount
	// grace.
	PendingLeave bool
	// JoinAttempts counts join requests for the desired household since the
	// last success.
	JoinAttempts int
	// Err is set when Phase is Failed. It wraps chat.ErrConnection,
	// chat.ErrAuth or chat.ErrRoomJoin.
	Err error
}

// Connected reports whether the socket is authenticated.
func (s State) Connected() bool {
	return s.Phase == Authenticated || s.Phase == Joined
}

func (s State) String() string {
	switch s.Phase {
	case Connecting:
		return fmt.Sprintf("connecting(attempt=%d)", s.Attempt)
	case Joined:
		return fmt.Sprintf("joined(%s)", s.Household)
	case Failed:
		return fmt.Sprintf("error(%v)", s.Err)
	default:
		return s.Phase.String()
	}
}
