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

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/daemon/auth"
	"github.com/tombee/maestro/internal/daemon/httputil"
)

// WSHandler upgrades clients onto the notification bus.
type WSHandler struct {
	hub *bus.Hub
}

// NewWSHandler creates a new websocket handler. A nil hub means the
// feature is disabled.
func NewWSHandler(hub *bus.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

// RegisterRoutes registers the websocket route on the router.
func (h *WSHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.handleWS)
}

// handleWS handles GET /ws. Identity from the bearer token seeds the
// connection's delivery filters; clients may also authenticate in-band.
func (h *WSHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		httputil.WriteErrorMessage(w, r, http.StatusServiceUnavailable, "websockets are disabled")
		return
	}

	ident, _ := auth.IdentityFromContext(r.Context())
	h.hub.HandleWS(w, r, bus.Identity{
		UserID:         ident.UserID,
		OrganizationID: ident.OrganizationID,
	})
}
