package chat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const pendingPrefix = "pending:"

// ID identifies a message or poll. Server-assigned ids are Confirmed; entries
// written locally before the server answered carry a Pending token instead.
type ID struct {
	confirmed int64
	pending   string
}

func Confirmed(n int64) ID { return ID{confirmed: n} }

func Pending(token string) ID { return ID{pending: token} }

func (id ID) IsZero() bool { return id.confirmed == 0 && id.pending == "" }

func (id ID) IsPending() bool { return id.pending != "" }

// Value returns the server id. It is zero for pending ids.
func (id ID) Value() int64 { return id.confirmed }

func (id ID) Token() string { return id.pending }

// Less orders confirmed ids numerically. Pending ids sort after every
// confirmed id, by token.
func (id ID) Less(other ID) bool {
	switch {
	case id.IsPending() && other.IsPending():
		return id.pending < other.pending
	case id.IsPending():
		return false
	case other.IsPending():
		return true
	default:
		return id.confirmed < other.confirmed
	}
}

func (id ID) String() string {
	if id.IsPending() {
		return pendingPrefix + id.pending
	}
	return strconv.FormatInt(id.confirmed, 10)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsPending() {
		return json.Marshal(id.String())
	}
	return []byte(strconv.FormatInt(id.confirmed, 10)), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseID(s)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = Confirmed(n)
	return nil
}

// ParseID accepts the String form of an ID.
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if token, ok := strings.CutPrefix(s, pendingPrefix); ok {
		if token == "" {
			return ID{}, fmt.Errorf("%w: empty pending token", ErrInvalidInput)
		}
		return Pending(token), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: id %q", ErrInvalidInput, s)
	}
	return Confirmed(n), nil
}
