// ABOUTME: Go client for the mothership-gateway HTTP API
// ABOUTME: Used by the CLI and by backend services to list agents, dispatch tasks and broadcast directives

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/mothership-gateway/internal/agent"
	"github.com/2389/mothership-gateway/internal/gateway"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned for 409 responses, e.g. dispatching to an agent
// that is not connected.
var ErrConflict = errors.New("conflict")

// APIError is a non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps well-known status codes to sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	}
	return nil
}

// Client calls the gateway API with an optional service bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Client for baseURL, e.g. "http://localhost:8080".
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 6 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks GET /health/ready.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health/ready", nil, nil)
}

// ListAgents returns the bound agents.
func (c *Client) ListAgents(ctx context.Context) ([]gateway.AgentInfoResponse, error) {
	var agents []gateway.AgentInfoResponse
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// GetAgent returns the persisted record of one agent.
func (c *Client) GetAgent(ctx context.Context, id string) (*gateway.AgentDetailResponse, error) {
	var out gateway.AgentDetailResponse
	if err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Dispatch sends a task. With wait > 0 the call blocks up to wait for the
// outcome; otherwise it returns once the assignment is written.
func (c *Client) Dispatch(ctx context.Context, req gateway.DispatchRequest, wait time.Duration) (*gateway.TaskResponse, error) {
	path := "/api/tasks"
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}
	var out gateway.TaskResponse
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask reports a pending or recorded task.
func (c *Client) GetTask(ctx context.Context, id string) (*gateway.TaskResponse, error) {
	var out gateway.TaskResponse
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelTask cancels a pending task.
func (c *Client) CancelTask(ctx context.Context, id, reason string) error {
	path := "/api/tasks/" + url.PathEscape(id)
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Broadcast pushes a directive and returns the delivery report.
func (c *Client) Broadcast(ctx context.Context, req gateway.DirectiveRequest) (*agent.BroadcastReport, error) {
	var out agent.BroadcastReport
	if err := c.do(ctx, http.MethodPost, "/api/directives", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns hub counters.
func (c *Client) Stats(ctx context.Context) (*gateway.StatsResponse, error) {
	var out gateway.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends a request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
