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
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/maestro/internal/daemon/auth"
)

// awaitRunStatus polls the status endpoint until the run reports want.
func (a *apiRig) awaitRunStatus(runID, want string) map[string]any {
	a.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := a.do(http.MethodGet, "/workflows/"+runID+"/status", nil, nil)
		require.Equal(a.t, http.StatusOK, rec.Code)
		body := decodeBody(a.t, rec)
		if body["status"] == want {
			return body
		}
		time.Sleep(5 * time.Millisecond)
	}
	a.t.Fatalf("run %s never reached %s", runID, want)
	return nil
}

func TestExecuteWorkflowLifecycle(t *testing.T) {
	rig := newAPIRig(t)
	rig.registerEcho("echo")
	rig.putLinearWorkflow("wf-1", "echo")

	rec := rig.do(http.MethodPost, "/workflows/execute", map[string]any{
		"workflowId": "wf-1",
		"input":      map[string]any{"repo": "maestro"},
		"priority":   "high",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "started", body["status"])
	runID, ok := body["workflowRunId"].(string)
	require.True(t, ok)
	require.NotEmpty(t, runID)

	final := rig.awaitRunStatus(runID, "completed")
	assert.Equal(t, "wf-1", final["workflowId"])
	assert.Equal(t, "high", final["priority"])

	tasks, ok := final["tasks"].([]any)
	require.True(t, ok)
	require.Len(t, tasks, 2)
	first := tasks[0].(map[string]any)
	assert.Equal(t, "Build", first["stepName"])
	assert.Equal(t, "completed", first["status"])

	output, ok := final["output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "maestro", output["repo"])
	assert.Contains(t, output, "build")
	assert.Contains(t, output, "deploy")
}

func TestExecuteValidation(t *testing.T) {
	rig := newAPIRig(t)
	rig.registerEcho("echo")
	rig.putLinearWorkflow("wf-1", "echo")

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantError  string
	}{
		{
			name:       "missing workflowId",
			body:       map[string]any{"input": map[string]any{}},
			wantStatus: http.StatusBadRequest,
			wantError:  "validation",
		},
		{
			name:       "unknown workflow",
			body:       map[string]any{"workflowId": "ghost"},
			wantStatus: http.StatusNotFound,
			wantError:  "not_found",
		},
		{
			name:       "illegal priority",
			body:       map[string]any{"workflowId": "wf-1", "priority": "extreme"},
			wantStatus: http.StatusBadRequest,
			wantError:  "validation",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := rig.do(http.MethodPost, "/workflows/execute", tc.body, nil)
			assert.Equal(t, tc.wantStatus, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tc.wantError, body["error"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestExecuteRequiresPermission(t *testing.T) {
	rig := newAPIRig(t)
	rig.registerEcho("echo")
	rig.putLinearWorkflow("wf-1", "echo")

	ident := &auth.Identity{
		UserID:         "user-1",
		OrganizationID: "org-1",
		Permissions:    []string{"agents:read"},
	}
	rec := rig.do(http.MethodPost, "/workflows/execute", map[string]any{"workflowId": "wf-1"}, ident)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "authorization", body["error"])
}

func TestStatusCrossOrgIsNotFound(t *testing.T) {
	rig := newAPIRig(t)
	rig.registerEcho("echo")
	rig.putLinearWorkflow("wf-1", "echo")

	rec := rig.do(http.MethodPost, "/workflows/execute", map[string]any{"workflowId": "wf-1"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	runID := decodeBody(t, rec)["workflowRunId"].(string)

	other := &auth.Identity{UserID: "u2", OrganizationID: "org-2"}
	rec = rig.do(http.MethodGet, "/workflows/"+runID+"/status", nil, other)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTerminalRunConflicts(t *testing.T) {
	rig := newAPIRig(t)
	rig.registerEcho("echo")
	rig.putLinearWorkflow("wf-1", "echo")

	rec := rig.do(http.MethodPost, "/workflows/execute", map[string]any{"workflowId": "wf-1"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	runID := decodeBody(t, rec)["workflowRunId"].(string)
	rig.awaitRunStatus(runID, "completed")

	deadline := time.Now().Add(2 * time.Second)
	for rig.orch.ActiveRuns() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	rec = rig.do(http.MethodPost, "/workflows/"+runID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "conflict", body["error"])
}

func TestCancelUnknownRun(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(http.MethodPost, "/workflows/ghost/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
