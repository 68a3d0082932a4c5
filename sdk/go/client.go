package flowrequestsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal FlowRequest HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// LocalUserID is sent as X-User-Id. Accepted only by servers running
	// with local header auth enabled; use APIKey or BearerToken otherwise.
	LocalUserID string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// User represents a team directory entry.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	RoleKey string `json:"role_key"`
	IsAdmin bool   `json:"is_admin"`
}

// SubRequest represents one delegated task inside a flow.
type SubRequest struct {
	ID              string  `json:"id"`
	FlowID          string  `json:"flow_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	TaskType        string  `json:"task_type,omitempty"`
	AssigneeID      string  `json:"assignee_id"`
	AssignedRoleKey string  `json:"assigned_role_key,omitempty"`
	Status          string  `json:"status"`
	DueDate         string  `json:"due_date,omitempty"`
	CompletedAt     *string `json:"completed_at,omitempty"`
	ReplySummary    *string `json:"reply_summary,omitempty"`
	ReplyVerdict    *string `json:"reply_verdict,omitempty"`
	IsBroadcast     bool    `json:"is_broadcast"`
}

// Flow represents a request with its delegated sub-requests.
type Flow struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	CreatorID   string       `json:"creator_id"`
	Status      string       `json:"status"`
	Tags        []string     `json:"tags"`
	CreatedAt   string       `json:"created_at"`
	Stale       bool         `json:"stale"`
	SubRequests []SubRequest `json:"sub_requests"`
}

// Proposal is one sub-task to dispatch when creating a flow.
type Proposal struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	TaskType    string `json:"task_type,omitempty"`
	RoleKey     string `json:"role_key,omitempty"`
	AssigneeID  string `json:"assignee_id,omitempty"`
	Broadcast   bool   `json:"broadcast,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
	Urgent      bool   `json:"urgent,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	FlowID     string         `json:"flow_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with a continuation cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor,omitempty"`
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "v0/me", nil, &resp)
	return resp, err
}

// CreateFlow creates and dispatches a flow.
func (c *Client) CreateFlow(ctx context.Context, title, description string, tags []string, proposals []Proposal) (Flow, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
		"tags":        tags,
		"proposals":   proposals,
	}
	var resp Flow
	err := c.do(ctx, http.MethodPost, "v0/flows", body, &resp)
	return resp, err
}

// ListFlows lists flows for the authenticated user. view is "mine" or
// "team"; bucket is "to_action", "active", "archive" or "all"; search
// filters on title and description. Empty strings use server defaults.
func (c *Client) ListFlows(ctx context.Context, view, bucket, search string) ([]Flow, error) {
	q := url.Values{}
	if view != "" {
		q.Set("view", view)
	}
	if bucket != "" {
		q.Set("bucket", bucket)
	}
	if search != "" {
		q.Set("q", search)
	}
	endpoint := "v0/flows"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Flow
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetFlow fetches one flow with its sub-requests.
func (c *Client) GetFlow(ctx context.Context, flowID string) (Flow, error) {
	var resp Flow
	endpoint := fmt.Sprintf("v0/flows/%s", url.PathEscape(flowID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Reply records an assignee reply on a sub-request. verdict may be empty
// (the server classifies the text) or one of CONFIRMED, REJECTED, UNCLEAR.
func (c *Client) Reply(ctx context.Context, flowID, subID, text, verdict string) (Flow, error) {
	body := map[string]any{"text": text}
	if verdict != "" {
		body["verdict"] = verdict
	}
	var resp Flow
	endpoint := fmt.Sprintf("v0/flows/%s/sub_requests/%s/reply", url.PathEscape(flowID), url.PathEscape(subID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ToggleApproval flips a sub-request between DONE and SENT.
func (c *Client) ToggleApproval(ctx context.Context, flowID, subID string) (Flow, error) {
	var resp Flow
	endpoint := fmt.Sprintf("v0/flows/%s/sub_requests/%s/toggle", url.PathEscape(flowID), url.PathEscape(subID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Inbound submits a raw e-mail reply; the server resolves the sender and
// the matching sub-request.
func (c *Client) Inbound(ctx context.Context, flowID, senderEmail, text string) (Flow, error) {
	body := map[string]any{
		"flow_id":      flowID,
		"sender_email": senderEmail,
		"text":         text,
	}
	var resp Flow
	err := c.do(ctx, http.MethodPost, "v0/inbound", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, 0)
	return page.Items, err
}

// EventsPage returns a paginated event listing. A zero cursor starts from
// the newest event.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor int64) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	case c.LocalUserID != "":
		req.Header.Set("X-User-Id", c.LocalUserID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
