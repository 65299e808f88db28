package streamlinesdk

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

// Client is a minimal Streamline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
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

// Initiative represents the API initiative model.
type Initiative struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// PRD represents the API PRD model.
type PRD struct {
	ID           string `json:"id"`
	InitiativeID string `json:"initiative_id"`
	Title        string `json:"title"`
	Content      string `json:"content,omitempty"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// Task represents the API task model (partial).
type Task struct {
	ID            string         `json:"id"`
	PRDID         string         `json:"prd_id"`
	Title         string         `json:"title"`
	Status        string         `json:"status"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	BlockedReason *string        `json:"blocked_reason,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	Archived      bool           `json:"archived"`
}

// Stream represents a derived stream with live worker state.
type Stream struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name,omitempty"`
	Phase              string   `json:"phase,omitempty"`
	InitiativeID       string   `json:"initiative_id,omitempty"`
	TotalTasks         int      `json:"total_tasks"`
	CompletedTasks     int      `json:"completed_tasks"`
	InProgressTasks    int      `json:"in_progress_tasks"`
	PendingTasks       int      `json:"pending_tasks"`
	BlockedTasks       int      `json:"blocked_tasks"`
	ProgressPercentage int      `json:"progress_percentage"`
	Dependencies       []string `json:"dependencies"`
	DependencyDepth    int      `json:"dependency_depth"`
	WorkerState        string   `json:"worker_state,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts"`
	Type         string `json:"type"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	InitiativeID string `json:"initiative_id,omitempty"`
	Payload      string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// EventPage wraps the event listing with a resume cursor.
type EventPage struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

// TaskQuery filters ListTasks.
type TaskQuery struct {
	PRDID         string
	InitiativeID  string
	Status        string
	StreamID      string
	AssignedAgent string
	Archived      bool
	Limit         int
}

// ListInitiatives returns all initiatives.
func (c *Client) ListInitiatives(ctx context.Context) ([]Initiative, error) {
	var resp []Initiative
	err := c.do(ctx, http.MethodGet, c.apiPath("initiatives"), nil, &resp)
	return resp, err
}

// GetInitiative fetches one initiative by id.
func (c *Client) GetInitiative(ctx context.Context, id string) (Initiative, error) {
	var resp Initiative
	endpoint := c.apiPath(fmt.Sprintf("initiatives/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListPRDs returns the PRDs of an initiative.
func (c *Client) ListPRDs(ctx context.Context, initiativeID string) ([]PRD, error) {
	var resp []PRD
	endpoint := c.apiPath(fmt.Sprintf("initiatives/%s/prds", url.PathEscape(initiativeID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListStreams returns streams, optionally scoped to an initiative.
func (c *Client) ListStreams(ctx context.Context, initiativeID string) ([]Stream, error) {
	endpoint := c.apiPath("streams")
	if initiativeID != "" {
		endpoint = fmt.Sprintf("%s?initiative_id=%s", endpoint, url.QueryEscape(initiativeID))
	}
	var resp []Stream
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetStream fetches one stream by id.
func (c *Client) GetStream(ctx context.Context, id string) (Stream, error) {
	var resp Stream
	endpoint := c.apiPath(fmt.Sprintf("streams/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListTasks returns tasks matching the query.
func (c *Client) ListTasks(ctx context.Context, q TaskQuery) ([]Task, error) {
	params := url.Values{}
	if q.PRDID != "" {
		params.Set("prd_id", q.PRDID)
	}
	if q.InitiativeID != "" {
		params.Set("initiative_id", q.InitiativeID)
	}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.StreamID != "" {
		params.Set("stream_id", q.StreamID)
	}
	if q.AssignedAgent != "" {
		params.Set("assigned_agent", q.AssignedAgent)
	}
	if q.Archived {
		params.Set("archived", "true")
	}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	endpoint := c.apiPath("tasks")
	if enc := params.Encode(); enc != "" {
		endpoint = endpoint + "?" + enc
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetTask fetches one task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	endpoint := c.apiPath(fmt.Sprintf("tasks/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, 0)
	return page.Items, err
}

// EventsPage returns an event listing resuming after the given cursor.
func (c *Client) EventsPage(ctx context.Context, limit int, after int64) (EventPage, error) {
	endpoint := c.apiPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if after > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%safter=%d", endpoint, sep, after)
	}
	var resp EventPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.apiPath("health"), nil, nil)
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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

func (c *Client) apiPath(p string) string {
	return "v0/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
