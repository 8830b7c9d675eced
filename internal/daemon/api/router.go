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

// Package api provides the HTTP API for the daemon.
package api

import (
	"log/slog"
	"net/http"
	"runtime"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/maestro/internal/daemon/httputil"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/tracing"
)

// RouterConfig holds build identity served by the version endpoints.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// Router wraps an http.ServeMux with trace propagation and request
// logging. Handlers register themselves on Mux().
type Router struct {
	mux    *http.ServeMux
	config RouterConfig
	chain  http.Handler
}

// NewRouter creates the router with the version and connectivity
// endpoints registered.
func NewRouter(cfg RouterConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
	}

	r.mux.HandleFunc("GET /version", r.handleVersion)

	// Catch-all so unmatched paths return the JSON error shape instead
	// of the mux's plain-text 404.
	r.mux.HandleFunc("/", r.handleRoot)

	r.chain = log.HTTPMiddleware(logger)(http.HandlerFunc(r.dispatch))
	return r
}

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// SetMetricsHandler registers the Prometheus scrape endpoint.
func (r *Router) SetMetricsHandler(handler http.Handler) {
	if handler != nil {
		r.mux.Handle("GET /metrics", handler)
	}
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.chain.ServeHTTP(w, req)
}

// dispatch opens a server span, adopting any inbound trace context, and
// hands the request to the mux.
func (r *Router) dispatch(w http.ResponseWriter, req *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
	ctx, span := tracing.Tracer().Start(ctx, "http.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.path", req.URL.Path),
		))
	defer span.End()

	r.mux.ServeHTTP(w, req.WithContext(ctx))
}

// handleRoot answers basic connectivity checks on / and turns every
// other unmatched path into a JSON 404.
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		httputil.WriteErrorMessage(w, req, http.StatusNotFound, "no such endpoint")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "maestrod",
		"version": r.config.Version,
	})
}

// handleVersion handles GET /version.
func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":   r.config.Version,
		"commit":    r.config.Commit,
		"buildDate": r.config.BuildDate,
		"goVersion": runtime.Version(),
	})
}
