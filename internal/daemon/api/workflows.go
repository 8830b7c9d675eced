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
	"encoding/json"
	goerrors "errors"
	"net/http"

	"github.com/tombee/maestro/internal/daemon/auth"
	"github.com/tombee/maestro/internal/daemon/httputil"
	"github.com/tombee/maestro/internal/orchestrator"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/errors"
)

// WorkflowsHandler serves run submission, status and cancellation.
type WorkflowsHandler struct {
	orch *orchestrator.Orchestrator
}

// NewWorkflowsHandler creates a new workflows handler.
func NewWorkflowsHandler(o *orchestrator.Orchestrator) *WorkflowsHandler {
	return &WorkflowsHandler{orch: o}
}

// RegisterRoutes registers workflow API routes on the router.
func (h *WorkflowsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /workflows/execute", h.handleExecute)
	mux.HandleFunc("GET /workflows/{runId}/status", h.handleStatus)
	mux.HandleFunc("POST /workflows/{runId}/cancel", h.handleCancel)
}

// ExecuteRequest is the request body for starting a run.
type ExecuteRequest struct {
	WorkflowID string         `json:"workflowId"`
	Input      map[string]any `json:"input,omitempty"`
	Priority   string         `json:"priority,omitempty"`
}

// handleExecute handles POST /workflows/execute.
func (h *WorkflowsHandler) handleExecute(w http.ResponseWriter, r *http.Request) {
	ident, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		httputil.WriteErrorMessage(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if !ident.Allowed("workflows:execute") {
		httputil.WriteError(w, r, &errors.AuthorizationError{
			Actor:  ident.UserID,
			Action: "workflows:execute",
		})
		return
	}

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, r, &errors.ValidationError{
			Field:   "body",
			Message: "invalid JSON: " + err.Error(),
		})
		return
	}
	if req.WorkflowID == "" {
		httputil.WriteError(w, r, &errors.ValidationError{
			Field:      "workflowId",
			Message:    "workflowId is required",
			Suggestion: "pass the identifier of an existing workflow",
		})
		return
	}

	run, err := h.orch.SubmitRun(r.Context(), orchestrator.SubmitRequest{
		WorkflowID:     req.WorkflowID,
		ActorID:        ident.UserID,
		OrganizationID: ident.OrganizationID,
		Input:          req.Input,
		Priority:       store.Priority(req.Priority),
	})
	if err != nil {
		if goerrors.Is(err, orchestrator.ErrDraining) {
			w.Header().Set("Retry-After", "10")
			httputil.WriteErrorMessage(w, r, http.StatusServiceUnavailable, "daemon is shutting down gracefully")
			return
		}
		httputil.WriteError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]string{
		"workflowRunId": run.ID,
		"status":        "started",
	})
}

// RunStatusResponse is a run with its task executions embedded.
type RunStatusResponse struct {
	*store.WorkflowRun

	Tasks []*store.TaskExecution `json:"tasks"`
}

// handleStatus handles GET /workflows/{runId}/status.
func (h *WorkflowsHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())
	runID := r.PathValue("runId")

	run, tasks, err := h.orch.GetRun(r.Context(), runID, ident.OrganizationID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, RunStatusResponse{WorkflowRun: run, Tasks: tasks})
}

// handleCancel handles POST /workflows/{runId}/cancel.
func (h *WorkflowsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())
	if !ident.Allowed("workflows:cancel") {
		httputil.WriteError(w, r, &errors.AuthorizationError{
			Actor:  ident.UserID,
			Action: "workflows:cancel",
		})
		return
	}
	runID := r.PathValue("runId")

	if err := h.orch.CancelRun(r.Context(), runID, ident.OrganizationID, ident.UserID); err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "run cancelled",
	})
}
