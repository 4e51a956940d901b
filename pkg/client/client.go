package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Client is a thin wrapper over the parallelctl Control API.
type Client struct {
	baseURL string
	opts    *options
	ws      *eventStream
}

// New builds a Client targeting baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("client: baseURL required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Client{baseURL: baseURL, opts: o}, nil
}

// Status fetches the current Run State Snapshot.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var status Status
	if err := c.get(ctx, "/v1/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListTasks fetches every task the Master is tracking.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var body struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.get(ctx, "/v1/tasks", &body); err != nil {
		return nil, err
	}
	return body.Tasks, nil
}

// GetTask fetches a single task by ID.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := c.get(ctx, "/v1/tasks/"+id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListWorkers fetches every worker record the Master is tracking.
func (c *Client) ListWorkers(ctx context.Context) ([]Worker, error) {
	var body struct {
		Workers []Worker `json:"workers"`
	}
	if err := c.get(ctx, "/v1/workers", &body); err != nil {
		return nil, err
	}
	return body.Workers, nil
}

// StartRun requests the Master begin executing its loaded task graph.
func (c *Client) StartRun(ctx context.Context) error {
	return c.post(ctx, "/v1/run/start", nil)
}

// StopRun requests a graceful shutdown of the in-progress run.
func (c *Client) StopRun(ctx context.Context) error {
	return c.post(ctx, "/v1/run/stop", nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	c.opts.applyHeaders(req)

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("client: %s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("client: unexpected status: %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ConnectEvents opens the /v1/events WebSocket stream.
func (c *Client) ConnectEvents(ctx context.Context) error {
	if c.ws != nil && c.ws.IsConnected() {
		return nil
	}
	c.ws = newEventStream(c.baseURL, c.opts.apiKey)
	return c.ws.Connect(ctx)
}

// Events returns the channel events arrive on. Call ConnectEvents first.
func (c *Client) Events() <-chan *Event {
	if c.ws == nil {
		ch := make(chan *Event)
		close(ch)
		return ch
	}
	return c.ws.Events()
}

// CloseEvents closes the event stream, if open.
func (c *Client) CloseEvents() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}
