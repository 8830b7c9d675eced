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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/maestro/internal/daemon/auth"
	"github.com/tombee/maestro/internal/orchestrator"
	"github.com/tombee/maestro/internal/queue"
	"github.com/tombee/maestro/internal/registry"
	"github.com/tombee/maestro/internal/resources"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/internal/tracker"
	"github.com/tombee/maestro/pkg/agent"
)

// apiRig wires the handlers onto in-memory backends the way the daemon
// does, minus auth middleware: tests inject identities directly.
type apiRig struct {
	t      *testing.T
	router *Router
	st     store.Store
	q      queue.Queue
	reg    *registry.Registry
	tr     *tracker.Tracker
	orch   *orchestrator.Orchestrator
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemory()
	q := queue.NewMemory(queue.Options{
		Visibility:  2 * time.Second,
		PollTimeout: 50 * time.Millisecond,
		Backoff:     queue.Backoff{Strategy: queue.BackoffFixed, Base: 5 * time.Millisecond, Max: 10 * time.Millisecond},
	})
	reg := registry.New(registry.Config{})
	tr := tracker.New(tracker.Config{Store: st})

	res, err := resources.New(resources.Config{
		Limits: resources.Limits{MaxConcurrentTasks: 8, MaxMemoryMB: 16384, MaxCPUPercent: 100, MaxDiskMB: 16384},
	})
	require.NoError(t, err)

	require.NoError(t, st.PutOrganization(ctx, &store.Organization{ID: "org-1", Slug: "acme", Name: "Acme"}))
	require.NoError(t, st.PutUser(ctx, &store.User{ID: "user-1", OrganizationID: "org-1", Email: "dev@acme.test"}))

	orch, err := orchestrator.New(orchestrator.Config{
		Store:       st,
		Queue:       q,
		Registry:    reg,
		Tracker:     tr,
		Resources:   res,
		Workers:     4,
		MaxRetries:  2,
		TaskTimeout: 5 * time.Second,
		DrainGrace:  2 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, orch.Start(ctx))
	t.Cleanup(func() { _ = orch.Stop(context.Background()) })

	router := NewRouter(RouterConfig{Version: "test", Commit: "abc123", BuildDate: "today"}, nil)
	NewHealthHandler(HealthDeps{
		Store:        st,
		Queue:        q,
		Tracker:      tr,
		Resources:    res,
		Orchestrator: orch,
	}, "test", time.Now()).RegisterRoutes(router.Mux())
	NewAgentsHandler(reg, tr).RegisterRoutes(router.Mux())
	NewWorkflowsHandler(orch).RegisterRoutes(router.Mux())
	NewWSHandler(nil).RegisterRoutes(router.Mux())

	return &apiRig{t: t, router: router, st: st, q: q, reg: reg, tr: tr, orch: orch}
}

// do serves one request as org-1's user-1 unless ident overrides it.
func (a *apiRig) do(method, path string, body any, ident *auth.Identity) *httptest.ResponseRecorder {
	a.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if ident == nil {
		ident = &auth.Identity{UserID: "user-1", OrganizationID: "org-1"}
	}
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), *ident))

	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

// newBareRequest builds a request with no identity attached.
func newBareRequest(method, path string) (*http.Request, *httptest.ResponseRecorder) {
	return httptest.NewRequest(method, path, nil), httptest.NewRecorder()
}

func (a *apiRig) registerEcho(id string) {
	a.t.Helper()
	def := agent.Definition{
		ID:             id,
		OrganizationID: "org-1",
		Name:           id,
		Type:           agent.TypeFunc,
		Status:         agent.StatusActive,
	}
	hint := agent.ResourceHint{MemoryMB: 64, CPUCores: 0.1, DiskMB: 16}
	handler := agent.NewFunc(hint, func(_ context.Context, task agent.Task) (agent.Result, error) {
		return agent.Result{Success: true, Output: map[string]any{"step": task.StepName}}, nil
	})
	require.NoError(a.t, a.reg.RegisterHandler(def, handler))
}

func (a *apiRig) putLinearWorkflow(id, agentID string) {
	a.t.Helper()
	wf := &store.Workflow{
		ID:             id,
		OrganizationID: "org-1",
		Name:           "pipeline",
		Status:         store.WorkflowActive,
		FailurePolicy:  store.FailFast,
		Steps: []store.WorkflowStep{
			{ID: "s1", WorkflowID: id, AgentID: agentID, Name: "Build", Order: 1},
			{ID: "s2", WorkflowID: id, AgentID: agentID, Name: "Deploy", Order: 2},
		},
	}
	require.NoError(a.t, a.st.PutWorkflow(context.Background(), wf))
}

func TestRootConnectivity(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "maestrod", body["name"])
	assert.Equal(t, "test", body["version"])
}

func TestVersionEndpoint(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(http.MethodGet, "/version", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "abc123", body["commit"])
	assert.NotEmpty(t, body["goVersion"])
}

func TestUnknownPathIsJSON404(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(http.MethodGet, "/nope/nothing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "no such endpoint", body["message"])
}

func TestMetricsHandlerRegistration(t *testing.T) {
	rig := newAPIRig(t)
	rig.router.SetMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("# HELP fake"))
	}))

	rec := rig.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}
