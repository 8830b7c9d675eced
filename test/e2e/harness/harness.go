// Package harness boots a real maestrod instance on a loopback port and
// drives it the way an operator would: workflows and runs go through the
// HTTP API, lifecycle events arrive over the live WebSocket feed. Both
// backends are in-memory, so every test gets an isolated daemon.
package harness

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tombee/maestro/internal/client"
	"github.com/tombee/maestro/internal/config"
	"github.com/tombee/maestro/internal/daemon"
	"github.com/tombee/maestro/internal/daemon/auth"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/agent"
)

const (
	orgID  = "org-e2e"
	userID = "user-e2e"
)

// AgentFunc is the signature of a scripted in-process agent handler.
type AgentFunc func(ctx context.Context, task agent.Task) (agent.Result, error)

// Harness owns one daemon, an authenticated API client for it, and a
// recorder attached to its event feed.
type Harness struct {
	t        *testing.T
	cfg      *config.Config
	daemon   *daemon.Daemon
	client   *client.Client
	recorder *EventRecorder
	baseURL  string
	timeout  time.Duration
	seed     func(ctx context.Context, st store.Store) error
}

// New builds, seeds and starts a daemon. The returned harness is ready to
// submit runs; shutdown is registered via t.Cleanup.
//
// Example:
//
//	h := harness.New(t, harness.WithConcurrency(1))
//	h.RegisterAgent("echo", func(ctx context.Context, task agent.Task) (agent.Result, error) {
//		return agent.Result{Success: true, Output: task.Input}, nil
//	})
func New(t *testing.T, opts ...Option) *Harness {
	t.Helper()

	h := &Harness{
		t:       t,
		cfg:     defaultConfig(),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			t.Fatalf("apply harness option: %v", err)
		}
	}

	d, err := daemon.New(h.cfg, daemon.Options{Version: "e2e", Commit: "none", BuildDate: "none"})
	if err != nil {
		t.Fatalf("construct daemon: %v", err)
	}
	h.daemon = d

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := d.Store().PutOrganization(ctx, &store.Organization{
		ID:                orgID,
		Slug:              "e2e",
		Name:              "E2E Test Org",
		PlanTier:          "enterprise",
		MaxConcurrentRuns: 100,
		RetentionDays:     1,
	}); err != nil {
		t.Fatalf("seed organization: %v", err)
	}
	if err := d.Store().PutUser(ctx, &store.User{
		ID:             userID,
		OrganizationID: orgID,
		Email:          "e2e@example.com",
		Name:           "E2E",
		Role:           "admin",
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	// Seed hooks run before Start so tests can plant state the startup
	// recovery sweep is supposed to find.
	if h.seed != nil {
		if err := h.seed(ctx, d.Store()); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()
	deadline := time.Now().Add(5 * time.Second)
	for d.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("daemon never bound its listener")
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.baseURL = "http://" + d.Addr().String()

	t.Cleanup(func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if err := d.Shutdown(shutCtx); err != nil {
			t.Errorf("daemon shutdown: %v", err)
		}
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("daemon exited: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop after shutdown")
		}
	})

	token, err := auth.GenerateToken(auth.Claims{
		UserID:         userID,
		OrganizationID: orgID,
		Role:           "admin",
	}, []byte(h.cfg.Auth.JWTSecret), time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	c, err := client.New(client.WithBaseURL(h.baseURL), client.WithToken(token))
	if err != nil {
		t.Fatalf("construct client: %v", err)
	}
	h.client = c

	// Connect the recorder before any run is submitted so no lifecycle
	// event escapes it.
	h.recorder = newEventRecorder(t, d.Addr().String(), userID, orgID)

	return h
}

// defaultConfig is tuned for fast tests: in-memory backends, tight retry
// backoff, error-only logs.
func defaultConfig() *config.Config {
	return &config.Config{
		Server:      config.ServerConfig{Host: "127.0.0.1", Port: 0, Env: "test"},
		DatabaseURL: "memory://",
		Agents: config.AgentConfig{
			Concurrency:   4,
			TaskTimeout:   10 * time.Second,
			MaxRetries:    1,
			MemoryLimitMB: 4096,
			CPULimitPct:   100,
			DiskLimitMB:   4096,
		},
		Queue: config.QueueConfig{
			URL:          "memory://",
			MaxAttempts:  5,
			BackoffType:  "fixed",
			BackoffDelay: 10 * time.Millisecond,
		},
		Auth: config.AuthConfig{
			JWTSecret:       strings.Repeat("e", 32),
			RateLimitMax:    10000,
			RateLimitWindow: time.Minute,
		},
		Audit:             config.AuditConfig{RetentionDays: 1},
		Resources:         config.ResourceConfig{MonitorInterval: time.Second},
		Features:          config.FeatureFlags{WebSockets: true, RealTimeMonitoring: true},
		Trace:             config.TraceConfig{Exporter: "none"},
		Log:               config.LogConfig{Level: "error", Format: "json"},
		WorkflowCacheSize: 16,
	}
}

// Client returns the authenticated API client.
func (h *Harness) Client() *client.Client {
	return h.client
}

// Store returns the daemon's state store for assertions the API does not
// surface.
func (h *Harness) Store() store.Store {
	return h.daemon.Store()
}

// RegisterAgent attaches a scripted handler under the given ID. Steps
// reference it through their agentId.
func (h *Harness) RegisterAgent(id string, fn AgentFunc) {
	h.t.Helper()

	def := agent.Definition{
		ID:             id,
		OrganizationID: orgID,
		Name:           id,
		Type:           agent.TypeFunc,
	}
	handler := agent.NewFunc(agent.ResourceHint{MemoryMB: 16}, fn)
	if err := h.daemon.Registry().RegisterHandler(def, handler); err != nil {
		h.t.Fatalf("register agent %q: %v", id, err)
	}
}

// CreateWorkflow stores a workflow, defaulting the organization, status
// and version so tests only spell out steps.
func (h *Harness) CreateWorkflow(wf *store.Workflow) *store.Workflow {
	h.t.Helper()

	if wf.OrganizationID == "" {
		wf.OrganizationID = orgID
	}
	if wf.Status == "" {
		wf.Status = store.WorkflowActive
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.Store().PutWorkflow(ctx, wf); err != nil {
		h.t.Fatalf("store workflow %q: %v", wf.ID, err)
	}
	return wf
}

// Submit starts a run and returns its ID.
func (h *Harness) Submit(workflowID string, input map[string]any) string {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	ack, err := h.client.Execute(ctx, client.ExecuteRequest{WorkflowID: workflowID, Input: input})
	if err != nil {
		h.t.Fatalf("submit run for %q: %v", workflowID, err)
	}
	return ack.WorkflowRunID
}

// Cancel requests cancellation of a run.
func (h *Harness) Cancel(runID string) {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.client.Cancel(ctx, runID); err != nil {
		h.t.Fatalf("cancel run %s: %v", runID, err)
	}
}

// Status fetches a run with its tasks.
func (h *Harness) Status(runID string) *client.RunStatusResponse {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	status, err := h.client.RunStatus(ctx, runID)
	if err != nil {
		h.t.Fatalf("run status %s: %v", runID, err)
	}
	return status
}

// WaitForRun polls until the run reaches want. Reaching a different
// terminal status fails the test immediately; so does the harness timeout.
func (h *Harness) WaitForRun(runID string, want store.RunStatus) *client.RunStatusResponse {
	h.t.Helper()

	deadline := time.Now().Add(h.timeout)
	for {
		status := h.Status(runID)
		got := store.RunStatus(status.Status)
		if got == want {
			return status
		}
		if got.Terminal() {
			h.t.Fatalf("run %s settled as %s (error %q), want %s", runID, got, status.Error, want)
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("run %s still %s after %s, want %s", runID, got, h.timeout, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WaitForTask polls until the named step's task reaches want. Unlike runs,
// tasks may pass through want between polls, so this also accepts any
// later status a task can legally reach from want.
func (h *Harness) WaitForTask(runID, stepName string, want store.TaskStatus) {
	h.t.Helper()

	deadline := time.Now().Add(h.timeout)
	for {
		status := h.Status(runID)
		for _, task := range status.Tasks {
			if task.StepName != stepName {
				continue
			}
			got := store.TaskStatus(task.Status)
			if got == want || store.CanTransitionTask(want, got) {
				return
			}
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("task %q of run %s never reached %s", stepName, runID, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Task returns the named step's task from a status response.
func (h *Harness) Task(status *client.RunStatusResponse, stepName string) client.Task {
	h.t.Helper()

	for _, task := range status.Tasks {
		if task.StepName == stepName {
			return task
		}
	}
	h.t.Fatalf("run %s has no task for step %q", status.ID, stepName)
	return client.Task{}
}
