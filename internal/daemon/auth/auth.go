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

// Package auth provides bearer authentication for the daemon API: JWT
// claims carrying tenant identity, an API-key fallback resolved through
// the state store, and per-user rate limiting.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/maestro/internal/audit"
	"github.com/tombee/maestro/internal/daemon/httputil"
	"github.com/tombee/maestro/internal/store"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID         string
	OrganizationID string
	Role           string
	Permissions    []string
}

// Allowed reports whether the identity may perform action. Empty
// permissions grant full access (admin tokens); otherwise permissions
// match exactly or by wildcard suffix ("workflows:*").
func (id Identity) Allowed(action string) bool {
	if len(id.Permissions) == 0 {
		return true
	}
	for _, p := range id.Permissions {
		if p == action || p == "*" {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(action, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// IdentityFromContext extracts the authenticated identity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

// ContextWithIdentity returns a context carrying the identity. Exported
// for handler tests.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// KeyResolver looks up the user behind an opaque API key. The state
// store satisfies it.
type KeyResolver interface {
	GetUserByAPIKey(ctx context.Context, key string) (*store.User, error)
}

// Config wires the middleware.
type Config struct {
	// Secret verifies HS256 bearer tokens. Required.
	Secret []byte

	// Keys resolves API keys when a token does not parse as a JWT.
	// Optional; without it only JWTs authenticate.
	Keys KeyResolver

	RateLimit RateLimitConfig

	Audit  *audit.Recorder
	Logger *slog.Logger

	// PublicPaths bypass enforcement (identity is still attached when a
	// valid token is presented, so handlers can personalize).
	PublicPaths []string
}

// Middleware authenticates requests and enforces per-user rate limits.
type Middleware struct {
	secret  []byte
	keys    KeyResolver
	limiter *RateLimiter
	auditor *audit.Recorder
	logger  *slog.Logger
	public  map[string]bool
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(cfg Config) *Middleware {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	public := make(map[string]bool, len(cfg.PublicPaths))
	for _, p := range cfg.PublicPaths {
		public[p] = true
	}
	return &Middleware{
		secret:  cfg.Secret,
		keys:    cfg.Keys,
		limiter: NewRateLimiter(cfg.RateLimit),
		auditor: cfg.Audit,
		logger:  logger,
		public:  public,
	}
}

// Start runs the rate-limiter cleanup loop until ctx is cancelled.
func (m *Middleware) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.limiter.Cleanup(15 * time.Minute)
			}
		}
	}()
}

// Wrap enforces authentication on next. Public paths pass through with
// best-effort identity; everything else requires a valid bearer token or
// API key.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)

		if m.public[r.URL.Path] {
			if token != "" {
				if ident, ok := m.resolve(r.Context(), token); ok {
					r = r.WithContext(ContextWithIdentity(r.Context(), ident))
				}
			}
			next.ServeHTTP(w, r)
			return
		}

		// Tokens in query parameters leak through logs and referrers.
		if r.URL.Query().Get("token") != "" || r.URL.Query().Get("api_key") != "" {
			m.deny(w, r, "credentials in query parameters are not supported")
			return
		}

		if token == "" {
			m.deny(w, r, "authentication required")
			return
		}

		ident, ok := m.resolve(r.Context(), token)
		if !ok {
			m.deny(w, r, "invalid credentials")
			return
		}

		if !m.limiter.Allow(ident.UserID) {
			w.Header().Set("Retry-After", "1")
			httputil.WriteErrorMessage(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), ident)))
	})
}

// resolve authenticates a token: JWT first, then the API-key resolver.
func (m *Middleware) resolve(ctx context.Context, token string) (Identity, bool) {
	if claims, err := ValidateToken(token, m.secret); err == nil {
		return Identity{
			UserID:         claims.UserID,
			OrganizationID: claims.OrganizationID,
			Role:           claims.Role,
			Permissions:    claims.Permissions,
		}, true
	}
	if m.keys == nil {
		return Identity{}, false
	}
	user, err := m.keys.GetUserByAPIKey(ctx, token)
	if err != nil {
		return Identity{}, false
	}
	return Identity{
		UserID:         user.ID,
		OrganizationID: user.OrganizationID,
		Role:           user.Role,
		Permissions:    user.Permissions,
	}, true
}

// extractToken pulls the credential from the Authorization header (RFC
// 6750 bearer scheme) or the X-API-Key header.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return r.Header.Get("X-API-Key")
}

func (m *Middleware) deny(w http.ResponseWriter, r *http.Request, reason string) {
	m.auditor.Record(r.Context(), &store.AuditRecord{
		Action:     audit.ActionAuthAttempt,
		Resource:   "http",
		Severity:   audit.SeverityMedium,
		SourceAddr: r.RemoteAddr,
		Details: map[string]any{
			"path":   r.URL.Path,
			"method": r.Method,
			"reason": reason,
		},
	})
	m.logger.Warn("authentication failed",
		slog.String("path", r.URL.Path),
		slog.String("reason", reason))
	w.Header().Set("WWW-Authenticate", `Bearer realm="maestro"`)
	httputil.WriteErrorMessage(w, r, http.StatusUnauthorized, reason)
}
