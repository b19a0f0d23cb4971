package missionlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Missionline HTTP API client, aimed at agents that poll
// their inbox and act on missions.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credential is set. Servers only
	// honour it in development mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API prefix,
// e.g. http://localhost:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Mission represents the API mission model (partial).
type Mission struct {
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	Description       string  `json:"description,omitempty"`
	Reward            float64 `json:"reward"`
	Status            string  `json:"status"`
	Mode              string  `json:"assignment_mode"`
	RequesterID       string  `json:"requester_id"`
	WorkerID          string  `json:"worker_id,omitempty"`
	RequiredSpecialty string  `json:"required_specialty,omitempty"`
	Version           int64   `json:"version"`
}

// Artifact is a named output attached to submitted work.
type Artifact struct {
	Name string `json:"name"`
	URI  string `json:"uri,omitempty"`
}

// Agent represents a directory entry.
type Agent struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Specialties []string `json:"specialties,omitempty"`
	Available   bool     `json:"available"`
	Reputation  float64  `json:"reputation"`
	JobCount    int      `json:"job_count"`
	Earnings    float64  `json:"earnings"`
}

// InboxItem is a notification or work offer waiting for an agent.
type InboxItem struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	TaskType  string         `json:"task_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Priority  int            `json:"priority"`
	CreatedAt string         `json:"created_at"`
	AckedAt   *string        `json:"acked_at,omitempty"`
}

// MissionID returns the mission the item refers to, if any.
func (i InboxItem) MissionID() string {
	id, _ := i.Payload["mission_id"].(string)
	return id
}

// Payout is one transfer made at settlement.
type Payout struct {
	Recipient string  `json:"recipient"`
	Amount    float64 `json:"amount"`
	Reason    string  `json:"reason"`
}

// Settlement is the final record of a paid-out mission.
type Settlement struct {
	MissionID string   `json:"mission_id"`
	Outcome   string   `json:"outcome"`
	Payouts   []Payout `json:"payouts"`
	Total     float64  `json:"total"`
	SettledAt string   `json:"settled_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	MissionID  string         `json:"mission_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a 409 from the API, e.g. a lost claim race.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// RegisterAgent registers the calling actor as an agent.
func (c *Client) RegisterAgent(ctx context.Context, name string, specialties []string) (Agent, error) {
	body := map[string]any{
		"name":        name,
		"specialties": specialties,
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "agents", body, &resp)
	return resp, err
}

// SetAvailability marks an agent available or busy.
func (c *Client) SetAvailability(ctx context.Context, agentID string, available bool) (Agent, error) {
	var resp Agent
	endpoint := fmt.Sprintf("agents/%s/availability", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"available": available}, &resp)
	return resp, err
}

// Inbox returns unacknowledged items for an agent, oldest first.
func (c *Client) Inbox(ctx context.Context, agentID string, limit int) ([]InboxItem, error) {
	endpoint := fmt.Sprintf("agents/%s/inbox", url.PathEscape(agentID))
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var resp []InboxItem
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Ack acknowledges an inbox item.
func (c *Client) Ack(ctx context.Context, agentID, itemID string) error {
	endpoint := fmt.Sprintf("agents/%s/inbox/%s/ack", url.PathEscape(agentID), url.PathEscape(itemID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// PollInbox calls fn for every new inbox item until ctx is done, acking each
// item fn returns nil for. Items fn fails on stay in the inbox and are retried
// on the next poll.
func (c *Client) PollInbox(ctx context.Context, agentID string, interval time.Duration, fn func(context.Context, InboxItem) error) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		items, err := c.Inbox(ctx, agentID, 0)
		if err != nil && ctx.Err() == nil {
			return err
		}
		for _, it := range items {
			if err := fn(ctx, it); err != nil {
				continue
			}
			if err := c.Ack(ctx, agentID, it.ID); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Mission fetches a mission by id.
func (c *Client) Mission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, c.missionPath(id, ""), nil, &resp)
	return resp, err
}

// OpenMissions lists missions that can still be claimed or bid on.
func (c *Client) OpenMissions(ctx context.Context, specialty string) ([]Mission, error) {
	q := url.Values{}
	q.Set("status", "posted,bidding_open")
	if specialty != "" {
		q.Set("specialty", specialty)
	}
	var resp []Mission
	err := c.do(ctx, http.MethodGet, "missions?"+q.Encode(), nil, &resp)
	return resp, err
}

// Claim claims a mission. expected guards against a stale read; empty means
// the server's default.
func (c *Client) Claim(ctx context.Context, missionID, expected string) (Mission, error) {
	body := map[string]any{}
	if expected != "" {
		body["expected_status"] = expected
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "claim"), body, &resp)
	return resp, err
}

// Start moves an assigned mission into execution.
func (c *Client) Start(ctx context.Context, missionID string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "start"), nil, &resp)
	return resp, err
}

// Submit hands in work for verification.
func (c *Client) Submit(ctx context.Context, missionID, summary string, artifacts []Artifact) (Mission, error) {
	body := map[string]any{
		"summary":   summary,
		"artifacts": artifacts,
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "submit"), body, &resp)
	return resp, err
}

// Bid places a bid on a mission whose bidding window is open.
func (c *Client) Bid(ctx context.Context, missionID string, price float64, eta time.Duration, bond float64) error {
	body := map[string]any{
		"price":        price,
		"eta_seconds":  int64(eta / time.Second),
		"bond_offered": bond,
	}
	return c.do(ctx, http.MethodPost, c.missionPath(missionID, "bids"), body, nil)
}

// Vote casts a verifier vote, PASS or FAIL.
func (c *Client) Vote(ctx context.Context, missionID, verdict, feedback string) error {
	body := map[string]any{
		"verdict":  verdict,
		"feedback": feedback,
	}
	return c.do(ctx, http.MethodPost, c.missionPath(missionID, "votes"), body, nil)
}

// Settlement returns the settlement record of a settled mission.
func (c *Client) Settlement(ctx context.Context, missionID string) (Settlement, error) {
	var resp Settlement
	err := c.do(ctx, http.MethodGet, c.missionPath(missionID, "settlement"), nil, &resp)
	return resp, err
}

// Balance returns an account balance.
func (c *Client) Balance(ctx context.Context, account string) (float64, error) {
	var resp struct {
		Balance float64 `json:"balance"`
	}
	err := c.do(ctx, http.MethodGet, "ledger/accounts/"+url.PathEscape(account), nil, &resp)
	return resp.Balance, err
}

// MissionEvents returns a page of a mission's events after cursor.
func (c *Client) MissionEvents(ctx context.Context, missionID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	q.Set("mission_id", missionID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, "events?"+q.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) missionPath(id, action string) string {
	p := "missions/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
