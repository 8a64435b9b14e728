package chat

import (
	"sort"
	"time"
)

type HouseholdID string

// AnonymousVoter is the single voter key shared by every unauthenticated
// caller.
const AnonymousVoter = "anonymous"

type Message struct {
	ID             ID          `json:"id"`
	Content        string      `json:"content"`
	SenderID       string      `json:"sender_id"`
	SenderDisplay  string      `json:"sender_display"`
	IsAnnouncement bool        `json:"is_announcement"`
	ImageKey       string      `json:"image_key,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	EditedAt       *time.Time  `json:"edited_at,omitempty"`
	HouseholdID    HouseholdID `json:"household_id"`
}

func (m Message) EntryID() ID { return m.ID }

func (m Message) EntryTime() time.Time { return m.CreatedAt }

type Poll struct {
	ID          ID                `json:"id"`
	Question    string            `json:"question"`
	Options     map[string]int    `json:"options"`
	ExpiresAt   time.Time         `json:"expires_at"`
	CreatedBy   string            `json:"created_by"`
	CreatedAt   time.Time         `json:"created_at"`
	HouseholdID HouseholdID       `json:"household_id"`
	Voters      map[string]string `json:"voters,omitempty"`
	UserVote    string            `json:"user_vote,omitempty"`
	TotalVotes  int               `json:"total_votes"`
}

func (p Poll) EntryID() ID { return p.ID }

func (p Poll) EntryTime() time.Time { return p.CreatedAt }

// Clone returns a copy that shares no maps with p.
func (p Poll) Clone() Poll {
	out := p
	if p.Options != nil {
		out.Options = make(map[string]int, len(p.Options))
		for label, count := range p.Options {
			out.Options[label] = count
		}
	}
	if p.Voters != nil {
		out.Voters = make(map[string]string, len(p.Voters))
		for voter, label := range p.Voters {
			out.Voters[voter] = label
		}
	}
	return out
}

// Recount sets TotalVotes to the sum of the option counts.
func (p *Poll) Recount() {
	total := 0
	for _, count := range p.Options {
		total += count
	}
	p.TotalVotes = total
}

// Labels returns the option labels in a stable order.
func (p Poll) Labels() []string {
	labels := make([]string, 0, len(p.Options))
	for label := range p.Options {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

func (p Poll) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// Entry is one row of the merged timeline: exactly one of Message or Poll is
// set.
type Entry struct {
	Message *Message `json:"message,omitempty"`
	Poll    *Poll    `json:"poll,omitempty"`
}

func (e Entry) EntryID() ID {
	if e.Message != nil {
		return e.Message.ID
	}
	if e.Poll != nil {
		return e.Poll.ID
	}
	return ID{}
}

func (e Entry) EntryTime() time.Time {
	if e.Message != nil {
		return e.Message.CreatedAt
	}
	if e.Poll != nil {
		return e.Poll.CreatedAt
	}
	return time.Time{}
}
