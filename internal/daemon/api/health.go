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
	"runtime"
	"time"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/daemon/httputil"
	"github.com/tombee/maestro/internal/queue"
	"github.com/tombee/maestro/internal/resources"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/internal/tracker"
)

// RunCounter reports live orchestrator state for the detailed health
// view.
type RunCounter interface {
	ActiveRuns() int
	Draining() bool
}

// HealthDeps are the components the health endpoints inspect. Nil
// fields are reported as disabled rather than failing the probe.
type HealthDeps struct {
	Store        store.Store
	Queue        queue.Queue
	Hub          *bus.Hub
	Tracker      *tracker.Tracker
	Resources    *resources.Manager
	Orchestrator RunCounter
}

// HealthHandler serves the liveness and detailed health endpoints.
type HealthHandler struct {
	deps    HealthDeps
	version string
	started time.Time
}

// NewHealthHandler creates a health handler anchored at the daemon's
// start time.
func NewHealthHandler(deps HealthDeps, version string, started time.Time) *HealthHandler {
	return &HealthHandler{deps: deps, version: version, started: started}
}

// RegisterRoutes registers health API routes on the router.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/detailed", h.handleDetailed)
}

// handleHealth handles GET /health. It stays 200 while draining so load
// balancers finish in-flight work before dropping the instance.
func (h *HealthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if h.deps.Orchestrator != nil && h.deps.Orchestrator.Draining() {
		status = "draining"
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"uptime":    time.Since(h.started).Seconds(),
		"timestamp": time.Now().UTC(),
		"version":   h.version,
	})
}

// handleDetailed handles GET /health/detailed.
func (h *HealthHandler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	healthy := true
	components := make(map[string]any)

	if h.deps.Store != nil {
		st := map[string]any{"status": "up"}
		if err := h.deps.Store.Ping(r.Context()); err != nil {
			st["status"] = "down"
			st["error"] = err.Error()
			healthy = false
		}
		components["store"] = st
	}

	if h.deps.Queue != nil {
		qs := map[string]any{"status": "up"}
		stats, err := h.deps.Queue.Stats(r.Context())
		if err != nil {
			qs["status"] = "down"
			qs["error"] = err.Error()
			healthy = false
		} else {
			qs["stats"] = stats
		}
		components["queue"] = qs
	}

	if h.deps.Hub != nil {
		components["websocket"] = h.deps.Hub.Stats()
	} else {
		components["websocket"] = map[string]any{"status": "disabled"}
	}

	if h.deps.Tracker != nil {
		components["tasks"] = h.deps.Tracker.Metrics()
	}
	if h.deps.Resources != nil {
		components["resources"] = h.deps.Resources.Utilization()
	}
	if h.deps.Orchestrator != nil {
		components["orchestrator"] = map[string]any{
			"activeRuns": h.deps.Orchestrator.ActiveRuns(),
			"draining":   h.deps.Orchestrator.Draining(),
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	components["memory"] = map[string]any{
		"allocBytes": mem.Alloc,
		"sysBytes":   mem.Sys,
		"numGC":      mem.NumGC,
		"goroutines": runtime.NumGoroutine(),
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"uptime":     time.Since(h.started).Seconds(),
		"timestamp":  time.Now().UTC(),
		"version":    h.version,
		"components": components,
	})
}
