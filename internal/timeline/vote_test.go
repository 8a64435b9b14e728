package timeline

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
)

func poll(id chat.ID) chat.Poll {
	p := chat.Poll{
		ID:          id,
		Question:    "Movie night?",
		Options:     map[string]int{"fri": 1, "sat": 0},
		Voters:      map[string]string{"u9": "fri"},
		CreatedBy:   "u1",
		CreatedAt:   base,
		HouseholdID: "h1",
	}
	p.Recount()
	return p
}

func TestApplyVoteAndRollback(t *testing.T) {
	before := poll(chat.Confirmed(5))

	voted, snapshot, err := ApplyVote(before, "sat", "u1")
	if err != nil {
		t.Fatalf("ApplyVote: %v", err)
	}
	if voted.Options["sat"] != 1 || voted.Voters["u1"] != "sat" || voted.TotalVotes != 2 || voted.UserVote != "sat" {
		t.Fatalf("after vote = %+v", voted)
	}
	if before.Options["sat"] != 0 || len(before.Voters) != 1 {
		t.Fatalf("ApplyVote mutated its input: %+v", before)
	}

	restored := snapshot.Poll()
	if !reflect.DeepEqual(restored.Options, before.Options) || !reflect.DeepEqual(restored.Voters, before.Voters) {
		t.Fatalf("rollback = %+v, want %+v", restored, before)
	}
}

func TestApplyVoteMovesExistingVote(t *testing.T) {
	p := poll(chat.Confirmed(5))
	moved, _, err := ApplyVote(p, "sat", "u9")
	if err != nil {
		t.Fatalf("ApplyVote: %v", err)
	}
	if moved.Options["fri"] != 0 || moved.Options["sat"] != 1 || moved.TotalVotes != 1 {
		t.Fatalf("moved vote = %+v", moved)
	}

	same, _, _ := ApplyVote(moved, "sat", "u9")
	if same.TotalVotes != 1 {
		t.Fatalf("repeat vote counted twice: %+v", same)
	}
}

func TestApplyVoteAnonymousAndUnknownLabel(t *testing.T) {
	p := poll(chat.Confirmed(5))
	anon, _, err := ApplyVote(p, "fri", "")
	if err != nil {
		t.Fatalf("ApplyVote: %v", err)
	}
	if anon.Voters[chat.AnonymousVoter] != "fri" {
		t.Fatalf("anonymous voter key not used: %+v", anon.Voters)
	}

	if _, _, err := ApplyVote(p, "sun", "u1"); !errors.Is(err, chat.ErrInvalidInput) {
		t.Fatalf("unknown label err = %v", err)
	}
}

func TestPromotePollCarriesPendingVote(t *testing.T) {
	pending := poll(chat.Pending("local-1"))
	pending.Options = map[string]int{"fri": 0, "sat": 0}
	pending.Voters = nil
	pending, _, _ = ApplyVote(pending, "sat", chat.AnonymousVoter)

	confirmed := chat.Poll{
		ID:          chat.Confirmed(40),
		Question:    pending.Question,
		Options:     map[string]int{"fri": 0, "sat": 0},
		CreatedAt:   base.Add(4 * time.Second),
		HouseholdID: "h1",
	}

	out, carried := PromotePoll([]chat.Poll{pending}, confirmed, DefaultPromotionWindow, 10)
	if len(out) != 1 {
		t.Fatalf("polls after promotion = %d, want 1", len(out))
	}
	got := out[0]
	if got.ID != chat.Confirmed(40) || got.Options["sat"] != 1 || got.TotalVotes != 1 || got.UserVote != "sat" {
		t.Fatalf("promoted poll = %+v", got)
	}
	if !reflect.DeepEqual(carried, []string{chat.AnonymousVoter}) {
		t.Fatalf("carried voters = %v", carried)
	}

	// redelivery of the confirmed poll does not duplicate it
	again, carried := PromotePoll(out, confirmed, DefaultPromotionWindow, 10)
	if len(again) != 1 || len(carried) != 0 {
		t.Fatalf("redelivery: len=%d carried=%v", len(again), carried)
	}
}

func TestPromotePollRequiresMatchingQuestionAndHousehold(t *testing.T) {
	pending := poll(chat.Pending("local-1"))
	confirmed := poll(chat.Confirmed(41))
	confirmed.HouseholdID = "h2"

	out, carried := PromotePoll([]chat.Poll{pending}, confirmed, DefaultPromotionWindow, 10)
	if len(out) != 2 || carried != nil {
		t.Fatalf("mismatched household promoted: len=%d carried=%v", len(out), carried)
	}
}
