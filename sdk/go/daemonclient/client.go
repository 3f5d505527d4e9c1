// Package daemonclient provides a typed Go client for the Transformers
// Autonomous Daemon REST API.
package daemonclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the daemon REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	authToken  string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithAuthToken sets the bearer token sent on mutating endpoints.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// NewClient instantiates a client for the daemon API.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Thought is a single autonomous thought produced by the agent loop.
type Thought struct {
	Cycle     int64  `json:"cycle"`
	Timestamp int64  `json:"timestamp"`
	Thought   string `json:"thought"`
	Type      string `json:"type"`
}

// ModelEntry describes a model currently held by the model manager.
type ModelEntry struct {
	Name       string    `json:"name"`
	Task       string    `json:"task"`
	LoadedAt   time.Time `json:"loaded_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	UsageCount int64     `json:"usage_count"`
}

// TaskResult holds the outcome of a completed directive.
type TaskResult struct {
	Thought      string `json:"thought"`
	Reply        string `json:"reply"`
	Model        string `json:"model"`
	Observations string `json:"observations"`
}

// Task mirrors the daemon's directive representation.
type Task struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Message    string         `json:"message"`
	Source     string         `json:"source"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *TaskResult    `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// TaskSubmission is the payload accepted by the task creation endpoint.
type TaskSubmission struct {
	ID       string         `json:"id,omitempty"`
	Action   string         `json:"action"`
	Message  string         `json:"message"`
	Source   string         `json:"source,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskStats aggregates directive counts by status.
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// InteractReply acknowledges a user interaction.
type InteractReply struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	TaskID    string `json:"task_id"`
	Timestamp string `json:"timestamp"`
}

// MiningStats is the miner snapshot embedded in the status payload.
type MiningStats struct {
	Running          bool      `json:"running"`
	WorkerName       string    `json:"worker_name"`
	CurrentHashrate  string    `json:"current_hashrate"`
	WorkersOnline    int       `json:"workers_online"`
	PendingBalance   float64   `json:"pending_balance"`
	WalletBalance    float64   `json:"wallet_balance"`
	LastPoolPoll     time.Time `json:"last_pool_poll"`
	LastConversion   time.Time `json:"last_conversion"`
	BTCPriceUSD      float64   `json:"btc_price_usd"`
	NetworkDifficult float64   `json:"network_difficulty"`
	Recommendation   string    `json:"recommendation"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("daemon api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("daemon api error (%d): %s", e.StatusCode, e.Message)
}

// Status fetches the daemon status payload as-is.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var status map[string]any
	if err := c.get(ctx, "/status", nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}

// MiningStats extracts the miner snapshot from the status payload. The boolean
// reports whether the daemon runs a mining monitor at all.
func (c *Client) MiningStats(ctx context.Context) (MiningStats, bool, error) {
	var status struct {
		Mining *MiningStats `json:"bitcoin_mining"`
	}
	if err := c.get(ctx, "/status", nil, &status); err != nil {
		return MiningStats{}, false, err
	}
	if status.Mining == nil {
		return MiningStats{}, false, nil
	}
	return *status.Mining, true, nil
}

// Thoughts returns the most recent autonomous thoughts, newest first.
func (c *Client) Thoughts(ctx context.Context, count int) ([]Thought, error) {
	query := url.Values{}
	if count > 0 {
		query.Set("count", strconv.Itoa(count))
	}
	var payload struct {
		Thoughts []Thought `json:"thoughts"`
	}
	if err := c.get(ctx, "/thoughts", query, &payload); err != nil {
		return nil, err
	}
	return payload.Thoughts, nil
}

// Models returns the models currently loaded by the daemon.
func (c *Client) Models(ctx context.Context) ([]ModelEntry, error) {
	var payload struct {
		Models []ModelEntry `json:"models"`
	}
	if err := c.get(ctx, "/models", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Models, nil
}

// Interact sends a user message to the daemon and returns the acknowledgement.
// The actual reply is produced asynchronously; poll the returned task to read it.
func (c *Client) Interact(ctx context.Context, message string) (InteractReply, error) {
	var reply InteractReply
	err := c.post(ctx, "/interact", map[string]string{"message": message}, &reply)
	return reply, err
}

// SubmitTask enqueues a directive through the task API.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var created Task
	err := c.post(ctx, "/api/v1/tasks", submission, &created)
	return created, err
}

// Task fetches a single directive by identifier.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var found Task
	err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(id), nil, &found)
	return found, err
}

// Tasks lists directives. Both status and query may be empty.
func (c *Client) Tasks(ctx context.Context, status, search string, limit int) ([]Task, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if search != "" {
		query.Set("q", search)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var results []Task
	if err := c.get(ctx, "/api/v1/tasks", query, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// TaskStats fetches aggregate directive counts.
func (c *Client) TaskStats(ctx context.Context) (TaskStats, error) {
	var stats TaskStats
	err := c.get(ctx, "/api/v1/tasks/stats", nil, &stats)
	return stats, err
}

// WaitForTask polls a directive until it reaches a terminal status or the
// context is cancelled.
func (c *Client) WaitForTask(ctx context.Context, id string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		found, err := c.Task(ctx, id)
		if err != nil {
			return Task{}, err
		}
		if found.Status == "succeeded" || found.Status == "failed" {
			return found, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown asks the daemon to stop after its grace period.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.post(ctx, "/shutdown", nil, nil)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
