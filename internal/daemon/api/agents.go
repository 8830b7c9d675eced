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

	"github.com/tombee/maestro/internal/daemon/auth"
	"github.com/tombee/maestro/internal/daemon/httputil"
	"github.com/tombee/maestro/internal/registry"
	"github.com/tombee/maestro/internal/tracker"
	"github.com/tombee/maestro/pkg/agent"
)

// AgentsHandler serves the agent catalog and live task views.
type AgentsHandler struct {
	registry *registry.Registry
	tracker  *tracker.Tracker
}

// NewAgentsHandler creates a new agents handler.
func NewAgentsHandler(reg *registry.Registry, tr *tracker.Tracker) *AgentsHandler {
	return &AgentsHandler{registry: reg, tracker: tr}
}

// RegisterRoutes registers agent API routes on the router.
func (h *AgentsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /agents/status", h.handleStatus)
	mux.HandleFunc("GET /agents/tasks", h.handleTasks)
}

// AgentStatus is the catalog view of one agent. Config stays private to
// the daemon; handler configuration can carry credentials.
type AgentStatus struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	Status         string   `json:"status"`
	Capabilities   []string `json:"capabilities,omitempty"`
	MaxConcurrency int      `json:"maxConcurrency,omitempty"`
	RunningTasks   int      `json:"runningTasks"`
}

// handleStatus handles GET /agents/status.
func (h *AgentsHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())

	running := make(map[string]int)
	for _, task := range h.tracker.RunningForOrg(ident.OrganizationID) {
		running[task.AgentID]++
	}

	agents := make([]AgentStatus, 0)
	active := 0
	for _, def := range h.registry.List() {
		if !visibleTo(def, ident.OrganizationID) {
			continue
		}
		if def.Status == agent.StatusActive {
			active++
		}
		agents = append(agents, AgentStatus{
			ID:             def.ID,
			Name:           def.Name,
			Type:           def.Type,
			Status:         def.Status,
			Capabilities:   def.Capabilities,
			MaxConcurrency: def.MaxConcurrency,
			RunningTasks:   running[def.ID],
		})
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"agents":       agents,
		"totalAgents":  len(agents),
		"activeAgents": active,
	})
}

// handleTasks handles GET /agents/tasks.
func (h *AgentsHandler) handleTasks(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())

	tasks := h.tracker.RunningForOrg(ident.OrganizationID)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"runningTasks": tasks,
		"totalRunning": len(tasks),
	})
}

// visibleTo reports whether an agent belongs to the organization. Agents
// without an organization are shared builtins.
func visibleTo(def agent.Definition, orgID string) bool {
	return def.OrganizationID == "" || def.OrganizationID == orgID
}
