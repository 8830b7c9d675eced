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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *maestroerrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &maestroerrors.ValidationError{
				Field:      "workflowId",
				Message:    "required field is missing",
				Suggestion: "Include workflowId in the request body",
			},
			wantMsg: "validation failed on workflowId: required field is missing",
		},
		{
			name: "without field",
			err: &maestroerrors.ValidationError{
				Message:    "priority must be one of low, normal, high, urgent",
				Suggestion: "Use a supported priority",
			},
			wantMsg: "validation failed: priority must be one of low, normal, high, urgent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *maestroerrors.NotFoundError
		wantMsg string
	}{
		{
			name: "workflow not found",
			err: &maestroerrors.NotFoundError{
				Resource: "workflow",
				ID:       "wf-123",
			},
			wantMsg: "workflow not found: wf-123",
		},
		{
			name: "agent not found",
			err: &maestroerrors.NotFoundError{
				Resource: "agent",
				ID:       "code-review",
			},
			wantMsg: "agent not found: code-review",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("NotFoundError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestAuthorizationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *maestroerrors.AuthorizationError
		wantMsg string
	}{
		{
			name: "with resource",
			err: &maestroerrors.AuthorizationError{
				Actor:    "user-1",
				Action:   "workflow:execute",
				Resource: "wf-9",
			},
			wantMsg: "actor user-1 is not permitted to workflow:execute on wf-9",
		},
		{
			name: "without resource",
			err: &maestroerrors.AuthorizationError{
				Actor:  "user-2",
				Action: "run:cancel",
			},
			wantMsg: "actor user-2 is not permitted to run:cancel",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("AuthorizationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConflictError_Error(t *testing.T) {
	err := &maestroerrors.ConflictError{
		Resource: "run",
		ID:       "run-42",
		From:     "completed",
		To:       "cancelled",
	}
	want := "run run-42 cannot transition from completed to cancelled"
	if got := err.Error(); got != want {
		t.Errorf("ConflictError.Error() = %q, want %q", got, want)
	}
}

func TestResourceDeniedError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *maestroerrors.ResourceDeniedError
		want []string
	}{
		{
			name: "memory with detail",
			err: &maestroerrors.ResourceDeniedError{
				Reason: maestroerrors.DenyMemoryExhausted,
				Detail: "requested 512MB, 128MB available",
			},
			want: []string{"memory_exhausted", "512MB"},
		},
		{
			name: "concurrency without detail",
			err: &maestroerrors.ResourceDeniedError{
				Reason: maestroerrors.DenyConcurrencySaturated,
			},
			want: []string{"concurrency_saturated"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, substr := range tt.want {
				if !strings.Contains(got, substr) {
					t.Errorf("ResourceDeniedError.Error() = %q, missing %q", got, substr)
				}
			}
			if !tt.err.IsRetryable() {
				t.Error("resource denials must be retryable")
			}
		})
	}
}

func TestAgentError_Error(t *testing.T) {
	cause := errors.New("connection refused")
	err := &maestroerrors.AgentError{
		AgentID:   "deploy-bot",
		Reason:    "handler_error",
		Message:   "connection refused",
		Retryable: true,
		Cause:     cause,
	}

	got := err.Error()
	for _, substr := range []string{"deploy-bot", "handler_error", "connection refused"} {
		if !strings.Contains(got, substr) {
			t.Errorf("AgentError.Error() = %q, missing %q", got, substr)
		}
	}

	if !errors.Is(err, cause) {
		t.Error("AgentError should unwrap to its cause")
	}
}

func TestTimeoutError_Error(t *testing.T) {
	err := &maestroerrors.TimeoutError{
		Operation: "agent invocation",
		Duration:  300 * time.Second,
	}
	want := "agent invocation operation timed out after 5m0s"
	if got := err.Error(); got != want {
		t.Errorf("TimeoutError.Error() = %q, want %q", got, want)
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *maestroerrors.ConfigError
		wantMsg string
	}{
		{
			name: "with key",
			err: &maestroerrors.ConfigError{
				Key:    "JWT_SECRET",
				Reason: "must be at least 32 characters",
			},
			wantMsg: "config error at JWT_SECRET: must be at least 32 characters",
		},
		{
			name: "without key",
			err: &maestroerrors.ConfigError{
				Reason: "environment invalid",
			},
			wantMsg: "config error: environment invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestInfrastructureError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := &maestroerrors.InfrastructureError{
		System: "queue",
		Op:     "dequeue",
		Cause:  cause,
	}

	if !errors.Is(err, cause) {
		t.Error("InfrastructureError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "queue unavailable during dequeue") {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", &maestroerrors.ValidationError{Message: "bad"}, "validation"},
		{"wrapped conflict", fmt.Errorf("outer: %w", &maestroerrors.ConflictError{Resource: "task"}), "conflict"},
		{"plain error", errors.New("boom"), "internal"},
		{"agent failure", &maestroerrors.AgentError{AgentID: "a"}, "agent_failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maestroerrors.Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if maestroerrors.Retryable(errors.New("unclassified")) {
		t.Error("unclassified errors must not be retryable")
	}
	if maestroerrors.Retryable(&maestroerrors.ValidationError{Message: "bad"}) {
		t.Error("validation errors must not be retryable")
	}
	if !maestroerrors.Retryable(&maestroerrors.TimeoutError{Operation: "x"}) {
		t.Error("timeouts must be retryable")
	}
	wrapped := fmt.Errorf("worker: %w", &maestroerrors.InfrastructureError{System: "store", Op: "update"})
	if !maestroerrors.Retryable(wrapped) {
		t.Error("wrapped infrastructure errors must be retryable")
	}
}
