package marketsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal agent market HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// AgentID is sent as X-Agent-Id when no credentials are set; servers only
	// honour it in local development mode.
	AgentID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Result is the envelope every action returns.
type Result struct {
	Status   string         `json:"status"`
	Message  string         `json:"message"`
	Kind     string         `json:"kind,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (r Result) OK() bool { return r.Status == "success" }

// Agent represents a market participant.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Goal        string `json:"goal"`
	Description string `json:"description"`
	Evaluator   bool   `json:"evaluator"`
}

// Job represents the API job model (partial). Money fields are decimal strings.
type Job struct {
	ID           string  `json:"id"`
	ClientID     string  `json:"client_id"`
	ProviderID   string  `json:"provider_id"`
	EvaluatorID  string  `json:"evaluator_id,omitempty"`
	Phase        string  `json:"phase"`
	Budget       string  `json:"budget"`
	EscrowAmount string  `json:"escrow_amount"`
	UpdatedAt    string  `json:"updated_at"`
	Item         JobItem `json:"item"`
}

type JobItem struct {
	ItemName     string `json:"item_name"`
	Quantity     int    `json:"quantity"`
	PricePerUnit string `json:"price_per_unit"`
	Requirements string `json:"requirements"`
}

// AgentState is the decision view of one agent.
type AgentState struct {
	Agent     Agent            `json:"agent"`
	Wallet    Wallet           `json:"wallet"`
	Inventory []InventoryEntry `json:"inventory"`
	Jobs      []StateJob       `json:"jobs"`
	Chats     []StateChat      `json:"chats"`
}

type Wallet struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type InventoryEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// StateJob is a job seen from one agent's side.
type StateJob struct {
	ID            string `json:"id"`
	Role          string `json:"role"`
	CounterpartID string `json:"counterpartId"`
	Phase         string `json:"phase"`
	Budget        string `json:"budget"`
	ChatID        string `json:"chatId"`
}

// StateChat carries UNREAD_MESSAGES or NONE.
type StateChat struct {
	ID            string `json:"id"`
	JobID         string `json:"jobId"`
	CounterpartID string `json:"counterpartId"`
	Notification  string `json:"notification"`
}

// Message is one chat entry.
type Message struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	AuthorID  string `json:"author_id"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	JobID      string         `json:"job_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	AgentID    string         `json:"agent_id"`
	Payload    map[string]any `json:"payload"`
}

// ActionCount is one action counter series.
type ActionCount struct {
	Action string `json:"action"`
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// EventQuery narrows event listings. Empty fields are ignored.
type EventQuery struct {
	Type       string
	JobID      string
	AgentID    string
	EntityKind string
	Limit      int
}

func (q EventQuery) values() url.Values {
	v := url.Values{}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	if q.JobID != "" {
		v.Set("job_id", q.JobID)
	}
	if q.AgentID != "" {
		v.Set("agent_id", q.AgentID)
	}
	if q.EntityKind != "" {
		v.Set("entity_kind", q.EntityKind)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// Act runs a named action as the authenticated agent.
func (c *Client) Act(ctx context.Context, action string, args any) (Result, error) {
	if args == nil {
		args = map[string]any{}
	}
	var resp Result
	err := c.do(ctx, http.MethodPost, "v0/actions/"+url.PathEscape(action), args, &resp)
	return resp, err
}

// Actions lists the action names the server understands.
func (c *Client) Actions(ctx context.Context) ([]string, error) {
	var resp struct {
		Actions []string `json:"actions"`
	}
	err := c.do(ctx, http.MethodGet, "v0/actions", nil, &resp)
	return resp.Actions, err
}

// Agents lists every agent.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var resp struct {
		Items []Agent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/agents", nil, &resp)
	return resp.Items, err
}

// State returns the wallet, inventory, jobs and chat notifications of an agent.
func (c *Client) State(ctx context.Context, agentID string) (AgentState, error) {
	var resp AgentState
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/agents/%s/state", url.PathEscape(agentID)), nil, &resp)
	return resp, err
}

// Jobs lists jobs, optionally only the active ones of an agent.
func (c *Client) Jobs(ctx context.Context, agentID string, active bool) ([]Job, error) {
	v := url.Values{}
	if agentID != "" {
		v.Set("agent_id", agentID)
	}
	if active {
		v.Set("active", "true")
	}
	var resp struct {
		Items []Job `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/jobs", v), nil, &resp)
	return resp.Items, err
}

// Job fetches one job with its item.
func (c *Client) Job(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "v0/jobs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Messages lists a chat without marking it read.
func (c *Client) Messages(ctx context.Context, chatID string) ([]Message, error) {
	var resp struct {
		Items []Message `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/chats/%s/messages", url.PathEscape(chatID)), nil, &resp)
	return resp.Items, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	page, err := c.EventsPage(ctx, q, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, q EventQuery, cursor string) (PaginatedEvents, error) {
	v := q.values()
	if cursor != "" {
		v.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("v0/events", v), nil, &resp)
	return resp, err
}

// EventsAfter returns events newer than the given id, oldest first. Pass the
// returned cursor to the next call to follow the log.
func (c *Client) EventsAfter(ctx context.Context, q EventQuery, after int64) (PaginatedEvents, error) {
	v := q.values()
	v.Set("after", strconv.FormatInt(after, 10))
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("v0/events", v), nil, &resp)
	return resp, err
}

// Metrics returns the action counters.
func (c *Client) Metrics(ctx context.Context) ([]ActionCount, error) {
	var resp struct {
		Actions []ActionCount `json:"actions"`
	}
	err := c.do(ctx, http.MethodGet, "v0/metrics", nil, &resp)
	return resp.Actions, err
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
	case c.AgentID != "":
		req.Header.Set("X-Agent-Id", c.AgentID)
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

func withQuery(endpoint string, v url.Values) string {
	if len(v) == 0 {
		return endpoint
	}
	return endpoint + "?" + v.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
