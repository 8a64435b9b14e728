// Package api is the REST client for backfill pagination and poll writes.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dvkpatel11/roomly-harmony-space/internal/chat"
	"github.com/dvkpatel11/roomly-harmony-space/internal/protocol"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server: %s", e.Message)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

type apiError struct {
	Error string `json:"error"`
}

type Client struct {
	serverURL  string
	httpClient *http.Client
}

func NewClient(serverURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: httpClient,
	}
}

// Page is one page of backfill. Dropped counts entries that failed
// validation.
type Page[T any] struct {
	Items   []T
	HasMore bool
	Dropped int
}

// PageQuery selects a page older than Before. A zero Before asks for the
// newest page.
type PageQuery struct {
	Before         chat.ID
	Limit          int
	IncludeExpired bool
}

func (q PageQuery) values(polls bool) url.Values {
	v := url.Values{}
	if !q.Before.IsZero() && !q.Before.IsPending() {
		v.Set("before_id", strconv.FormatInt(q.Before.Value(), 10))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if polls {
		v.Set("include_expired", strconv.FormatBool(q.IncludeExpired))
	}
	return v
}

type messagesResponse struct {
	Messages []protocol.Message `json:"messages"`
	HasMore  bool               `json:"has_more"`
}

type pollsResponse struct {
	Polls   []protocol.Poll `json:"polls"`
	HasMore bool            `json:"has_more"`
}

type pollResponse struct {
	Poll protocol.Poll `json:"poll"`
}

func householdPath(h chat.HouseholdID, tail string) string {
	return "/households/" + url.PathEscape(string(h)) + tail
}

func (c *Client) ListMessages(ctx context.Context, token string, h chat.HouseholdID, q PageQuery) (Page[chat.Message], error) {
	path := householdPath(h, "/messages")
	if v := q.values(false); len(v) > 0 {
		path += "?" + v.Encode()
	}
	var resp messagesResponse
	if err := c.doJSON(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return Page[chat.Message]{}, err
	}
	items, dropped := protocol.Messages(resp.Messages)
	return Page[chat.Message]{Items: items, HasMore: resp.HasMore, Dropped: dropped}, nil
}

func (c *Client) ListPolls(ctx context.Context, token string, h chat.HouseholdID, q PageQuery) (Page[chat.Poll], error) {
	path := householdPath(h, "/polls") + "?" + q.values(true).Encode()
	var resp pollsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return Page[chat.Poll]{}, err
	}
	items, dropped := protocol.Polls(resp.Polls)
	return Page[chat.Poll]{Items: items, HasMore: resp.HasMore, Dropped: dropped}, nil
}

type CreatePollRequest struct {
	Question  string    `json:"question"`
	Options   []string  `json:"options"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *Client) CreatePoll(ctx context.Context, token string, h chat.HouseholdID, req CreatePollRequest) (chat.Poll, error) {
	var resp pollResponse
	if err := c.doJSON(ctx, http.MethodPost, householdPath(h, "/polls"), token, req, &resp); err != nil {
		return chat.Poll{}, err
	}
	return checkedPoll(resp.Poll)
}

// Vote submits option for poll id and returns the server's updated poll.
func (c *Client) Vote(ctx context.Context, token string, id chat.ID, option string) (chat.Poll, error) {
	if id.IsPending() || id.IsZero() {
		return chat.Poll{}, fmt.Errorf("%w: cannot vote on unconfirmed poll %s", chat.ErrInvalidInput, id)
	}
	path := "/polls/" + strconv.FormatInt(id.Value(), 10) + "/vote"
	var resp pollResponse
	if err := c.doJSON(ctx, http.MethodPost, path, token, map[string]string{"option": option}, &resp); err != nil {
		return chat.Poll{}, err
	}
	return checkedPoll(resp.Poll)
}

func checkedPoll(p protocol.Poll) (chat.Poll, error) {
	if err := p.Validate(); err != nil {
		return chat.Poll{}, fmt.Errorf("decode response: %w", err)
	}
	return p.Chat(), nil
}

// IsUnauthorized reports whether err is a 401 from the server.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusUnauthorized
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload any, out any) error {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &StatusError{Status: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
