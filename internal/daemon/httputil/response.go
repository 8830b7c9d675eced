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

// Package httputil provides JSON response helpers for the daemon API.
package httputil

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tombee/maestro/pkg/errors"
)

type contextKey string

const requestIDKey contextKey = "requestId"

// WithRequestID stores the request identifier for error responses.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request identifier, or "" when none was assigned.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ErrorBody is the wire shape of every API error.
type ErrorBody struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	RequestID string         `json:"requestId,omitempty"`
	Code      string         `json:"code,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError maps err's taxonomy class to a status code and writes the
// standard error body. Unclassified errors become 500 with a generic
// message so internals never leak.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.Classify(err)
	status := statusFor(code)

	body := ErrorBody{
		Error:     http.StatusText(status),
		Message:   err.Error(),
		RequestID: RequestID(r.Context()),
		Code:      code,
	}
	if status == http.StatusInternalServerError {
		body.Message = "internal error"
	}
	if details := detailsFor(err); len(details) > 0 {
		body.Details = details
	}
	WriteJSON(w, status, body)
}

// WriteErrorMessage writes the standard error body for a plain client
// error without a taxonomy value behind it.
func WriteErrorMessage(w http.ResponseWriter, r *http.Request, status int, message string) {
	WriteJSON(w, status, ErrorBody{
		Error:     http.StatusText(status),
		Message:   message,
		RequestID: RequestID(r.Context()),
	})
}

func statusFor(code string) int {
	switch code {
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "authorization":
		return http.StatusForbidden
	case "conflict":
		return http.StatusConflict
	case "resource_denied", "infrastructure":
		return http.StatusServiceUnavailable
	case "agent_failure":
		return http.StatusBadGateway
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func detailsFor(err error) map[string]any {
	var verr *errors.ValidationError
	if errors.As(err, &verr) {
		d := map[string]any{}
		if verr.Field != "" {
			d["field"] = verr.Field
		}
		if verr.Suggestion != "" {
			d["suggestion"] = verr.Suggestion
		}
		return d
	}
	var cerr *errors.ConflictError
	if errors.As(err, &cerr) {
		return map[string]any{"from": cerr.From, "to": cerr.To}
	}
	return nil
}
