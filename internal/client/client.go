// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client is the typed HTTP client for the maestrod API. The CLI
// builds one from its resolved server URL and token; tests point it at
// an httptest server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/maestro/pkg/httpclient"
)

// DefaultBaseURL is where a locally run maestrod listens.
const DefaultBaseURL = "http://localhost:3001"

// Client is a client for the maestrod API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// New creates a daemon client with the given options.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: DefaultBaseURL,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.httpClient == nil {
		cfg := httpclient.DefaultConfig()
		cfg.UserAgent = "maestro-cli/1.0"
		hc, err := httpclient.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create http client: %w", err)
		}
		c.httpClient = hc
	}

	return c, nil
}

// Option configures a Client.
type Option func(*Client) error

// WithBaseURL sets the daemon address, e.g. "http://maestrod:3001".
func WithBaseURL(baseURL string) Option {
	return func(c *Client) error {
		if baseURL == "" {
			return fmt.Errorf("base URL cannot be empty")
		}
		c.baseURL = strings.TrimRight(baseURL, "/")
		return nil
	}
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// APIError is a non-2xx response decoded from the daemon's error body.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d", e.Status)
	}
	return e.Message
}

// HealthResponse is the response from /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Uptime    float64   `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// VersionResponse is the response from /version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
}

// ExecuteRequest is the body for starting a workflow run.
type ExecuteRequest struct {
	WorkflowID string         `json:"workflowId"`
	Input      map[string]any `json:"input,omitempty"`
	Priority   string         `json:"priority,omitempty"`
}

// ExecuteResponse acknowledges an accepted run.
type ExecuteResponse struct {
	WorkflowRunID string `json:"workflowRunId"`
	Status        string `json:"status"`
}

// Run is the daemon's view of one workflow run.
type Run struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflowId"`
	Status      string         `json:"status"`
	Priority    string         `json:"priority"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	SubmittedAt time.Time      `json:"submittedAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	DurationMS  int64          `json:"durationMs,omitempty"`
}

// Task is one step execution within a run.
type Task struct {
	ID          string         `json:"id"`
	StepName    string         `json:"stepName"`
	AgentID     string         `json:"agentId"`
	Status      string         `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retryCount"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	DurationMS  int64          `json:"durationMs,omitempty"`
}

// RunStatusResponse is a run with its task executions embedded.
type RunStatusResponse struct {
	Run

	Tasks []Task `json:"tasks"`
}

// AgentStatus is the catalog view of one agent.
type AgentStatus struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	Status         string   `json:"status"`
	Capabilities   []string `json:"capabilities,omitempty"`
	MaxConcurrency int      `json:"maxConcurrency,omitempty"`
	RunningTasks   int      `json:"runningTasks"`
}

// AgentsResponse is the response from /agents/status.
type AgentsResponse struct {
	Agents       []AgentStatus `json:"agents"`
	TotalAgents  int           `json:"totalAgents"`
	ActiveAgents int           `json:"activeAgents"`
}

// Health returns the daemon's liveness status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	if err := c.get(ctx, "/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// DetailedHealth returns the per-component health view.
func (c *Client) DetailedHealth(ctx context.Context) (map[string]any, error) {
	var detail map[string]any
	if err := c.get(ctx, "/health/detailed", &detail); err != nil {
		return nil, err
	}
	return detail, nil
}

// Version returns the daemon's build identity.
func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	var version VersionResponse
	if err := c.get(ctx, "/version", &version); err != nil {
		return nil, err
	}
	return &version, nil
}

// Execute submits a workflow run and returns its acknowledgement.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	var resp ExecuteResponse
	if err := c.post(ctx, "/workflows/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunStatus returns a run and its task executions.
func (c *Client) RunStatus(ctx context.Context, runID string) (*RunStatusResponse, error) {
	var status RunStatusResponse
	if err := c.get(ctx, "/workflows/"+runID+"/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Cancel requests cancellation of a run.
func (c *Client) Cancel(ctx context.Context, runID string) error {
	return c.post(ctx, "/workflows/"+runID+"/cancel", nil, nil)
}

// Agents returns the agent catalog with live task counts.
func (c *Client) Agents(ctx context.Context) (*AgentsResponse, error) {
	var agents AgentsResponse
	if err := c.get(ctx, "/agents/status", &agents); err != nil {
		return nil, err
	}
	return &agents, nil
}

// get performs a GET request and decodes the response into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

// post performs a POST request with a JSON body and decodes the response
// into out when out is non-nil.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeAPIError turns the daemon's error body into an APIError. Bodies
// that are not the standard shape keep their raw text as the message.
func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	apiErr := &APIError{Status: resp.StatusCode}
	var wire struct {
		Message   string `json:"message"`
		Code      string `json:"code"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && wire.Message != "" {
		apiErr.Message = wire.Message
		apiErr.Code = wire.Code
		apiErr.RequestID = wire.RequestID
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
