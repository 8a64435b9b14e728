package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
	"github.com/dvkpatel11/roomly-harmony-space/internal/protocol"
)

var created = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func wireMessage(id int64) protocol.Message {
	return protocol.Message{
		ID:          id,
		Content:     "hello",
		SenderID:    "u1",
		CreatedAt:   created.Add(time.Duration(id) * time.Minute),
		HouseholdID: "h1",
	}
}

func wirePoll(id int64) protocol.Poll {
	return protocol.Poll{
		ID:          id,
		Question:    "Pizza?",
		Options:     map[string]int{"yes": 2, "no": 1},
		CreatedAt:   created,
		HouseholdID: "h1",
	}
}

func TestListMessagesSendsCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected method GET, got %s", r.Method)
		}
		if r.URL.Path != "/households/h1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("before_id"); got != "10" {
			t.Errorf("before_id = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("limit = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("expected auth header, got %q", got)
		}
		bad := wireMessage(9)
		bad.HouseholdID = ""
		_ = json.NewEncoder(w).Encode(messagesResponse{
			Messages: []protocol.Message{wireMessage(8), bad, wireMessage(7)},
			HasMore:  true,
		})
	}))
	defer server.Close()

	c := NewClient(server.URL+"/", server.Client())
	page, err := c.ListMessages(context.Background(), "token", "h1", PageQuery{Before: chat.Confirmed(10), Limit: 50})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(page.Items) != 2 || page.Dropped != 1 || !page.HasMore {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page.Items[0].ID != chat.Confirmed(8) || page.Items[0].HouseholdID != "h1" {
		t.Fatalf("unexpected first item: %+v", page.Items[0])
	}
}

func TestListMessagesNewestPageHasNoCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			t.Errorf("expected no query, got %q", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(messagesResponse{})
	}))
	defer server.Close()

	c := NewClient(server.URL, server.Client())
	page, err := c.ListMessages(context.Background(), "", "h1", PageQuery{Before: chat.Pending("tok")})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(page.Items) != 0 || page.HasMore {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestListPollsIncludeExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/households/h1/polls" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("include_expired"); got != "true" {
			t.Errorf("include_expired = %q", got)
		}
		_ = json.NewEncoder(w).Encode(pollsResponse{Polls: []protocol.Poll{wirePoll(3)}})
	}))
	defer server.Close()

	c := NewClient(server.URL, server.Client())
	page, err := c.ListPolls(context.Background(), "token", "h1", PageQuery{IncludeExpired: true})
	if err != nil {
		t.Fatalf("ListPolls: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].TotalVotes != 3 {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestCreatePollAndVote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected method POST, got %s", r.Method)
		}
		switch r.URL.Path {
		case "/households/h1/polls":
			var req CreatePollRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode payload: %v", err)
			}
			if req.Question != "Pizza?" || len(req.Options) != 2 {
				t.Errorf("unexpected payload: %#v", req)
			}
			_ = json.NewEncoder(w).Encode(pollResponse{Poll: wirePoll(4)})
		case "/polls/4/vote":
			var req map[string]string
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req["option"] != "yes" {
				t.Errorf("unexpected vote payload: %#v", req)
			}
			p := wirePoll(4)
			p.Options["yes"] = 3
			p.UserVote = "yes"
			_ = json.NewEncoder(w).Encode(pollResponse{Poll: p})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, server.Client())
	ctx := context.Background()
	poll, err := c.CreatePoll(ctx, "token", "h1", CreatePollRequest{Question: "Pizza?", Options: []string{"yes", "no"}})
	if err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}
	if poll.ID != chat.Confirmed(4) {
		t.Fatalf("unexpected poll: %+v", poll)
	}

	voted, err := c.Vote(ctx, "token", poll.ID, "yes")
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if voted.Options["yes"] != 3 || voted.TotalVotes != 4 || voted.UserVote != "yes" {
		t.Fatalf("unexpected vote result: %+v", voted)
	}
}

func TestVoteRejectsPendingPoll(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", nil)
	if _, err := c.Vote(context.Background(), "", chat.Pending("tok"), "yes"); !errors.Is(err, chat.ErrInvalidInput) {
		t.Fatalf("err = %v", err)
	}
}

func TestServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/households/h1/messages" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(apiError{Error: "token expired"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(server.URL, server.Client())
	_, err := c.ListMessages(context.Background(), "token", "h1", PageQuery{})
	if !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err.Error() != "server: token expired" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	_, err = c.ListPolls(context.Background(), "token", "h1", PageQuery{})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500 status error, got %v", err)
	}
	if err.Error() != "server returned 500" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestInvalidPollResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(pollResponse{})
	}))
	defer server.Close()

	c := NewClient(server.URL, server.Client())
	if _, err := c.CreatePoll(context.Background(), "token", "h1", CreatePollRequest{Question: "q"}); err == nil {
		t.Fatal("expected error for invalid poll")
	}
}

func TestDecodeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	c := NewClient(server.URL, server.Client())
	if _, err := c.ListMessages(context.Background(), "token", "h1", PageQuery{}); err == nil {
		t.Fatal("expected decode error")
	}
}
