package timeline

import (
	"fmt"
	"time"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
)

// VoteSnapshot is the state of a poll before an optimistic vote.
type VoteSnapshot struct {
	poll chat.Poll
}

// Poll returns a copy of the pre-vote poll.
func (s VoteSnapshot) Poll() chat.Poll { return s.poll.Clone() }

// ApplyVote records voterKey's choice of label on a copy of p. A voter who
// already chose a different label has that vote moved; choosing the same
// label again changes nothing. The snapshot restores p exactly.
func ApplyVote(p chat.Poll, label, voterKey string) (chat.Poll, VoteSnapshot, error) {
	snapshot := VoteSnapshot{poll: p.Clone()}
	if _, ok := p.Options[label]; !ok {
		return p, snapshot, fmt.Errorf("%w: unknown option %q", chat.ErrInvalidInput, label)
	}
	if voterKey == "" {
		voterKey = chat.AnonymousVoter
	}

	next := p.Clone()
	if next.Voters == nil {
		next.Voters = make(map[string]string)
	}
	if prev, ok := next.Voters[voterKey]; ok {
		if prev == label {
			return next, snapshot, nil
		}
		if next.Options[prev] > 0 {
			next.Options[prev]--
		}
	}
	next.Options[label]++
	next.Voters[voterKey] = label
	next.UserVote = label
	next.Recount()
	return next, snapshot, nil
}

// PromotePoll merges a server-confirmed poll, replacing the pending local poll
// it corresponds to. Ids differ between the two, so the match is on question,
// household, and creation time within window. Votes recorded against the
// pending poll are carried onto the confirmed one; the returned voter keys
// name the votes that were carried and still need to reach the server.
func PromotePoll(polls []chat.Poll, confirmed chat.Poll, window time.Duration, limit int) ([]chat.Poll, []string) {
	best := -1
	var bestDelta time.Duration
	for i, p := range polls {
		if !p.ID.IsPending() || p.HouseholdID != confirmed.HouseholdID || p.Question != confirmed.Question {
			continue
		}
		delta := absDuration(p.CreatedAt.Sub(confirmed.CreatedAt))
		if delta > window {
			continue
		}
		if best < 0 || delta < bestDelta {
			best, bestDelta = i, delta
		}
	}
	if best < 0 {
		out, _ := MergePolls(polls, []chat.Poll{confirmed}, Newer, limit)
		return out, nil
	}

	pending := polls[best]
	promoted := confirmed.Clone()
	if promoted.Options == nil {
		promoted.Options = make(map[string]int)
	}
	if promoted.Voters == nil {
		promoted.Voters = make(map[string]string)
	}
	var carried []string
	for _, voter := range sortedKeys(pending.Voters) {
		label := pending.Voters[voter]
		if _, voted := promoted.Voters[voter]; voted {
			continue
		}
		if _, ok := promoted.Options[label]; !ok {
			continue
		}
		promoted.Options[label]++
		promoted.Voters[voter] = label
		carried = append(carried, voter)
	}
	if promoted.UserVote == "" {
		promoted.UserVote = pending.UserVote
	}
	promoted.Recount()

	rest, _, _ := remove(polls, pending.ID)
	out, _ := MergePolls(rest, []chat.Poll{promoted}, Newer, limit)
	return out, carried
}
