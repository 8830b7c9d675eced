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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "run", "agent")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// AuthorizationError represents a permission or tenancy violation.
// Use this when an actor lacks a permission or crosses an organization
// boundary. Authorization failures are audited; they are never retried.
type AuthorizationError struct {
	// Actor is the user identifier that attempted the action
	Actor string

	// Action is the operation that was denied (e.g., "workflow:execute")
	Action string

	// Resource identifies what the action targeted
	Resource string
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("actor %s is not permitted to %s on %s", e.Actor, e.Action, e.Resource)
	}
	return fmt.Sprintf("actor %s is not permitted to %s", e.Actor, e.Action)
}

// ErrorType implements ErrorClassifier.
func (e *AuthorizationError) ErrorType() string { return "authorization" }

// IsRetryable implements ErrorClassifier.
func (e *AuthorizationError) IsRetryable() bool { return false }

// ConflictError represents an illegal state transition.
// Use this when a status CAS fails, e.g. cancelling an already-terminal run.
type ConflictError struct {
	// Resource is the type of resource (e.g., "run", "task")
	Resource string

	// ID is the identifier of the conflicting resource
	ID string

	// From is the state the resource was actually in
	From string

	// To is the state the caller attempted to reach
	To string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s cannot transition from %s to %s", e.Resource, e.ID, e.From, e.To)
}

// ErrorType implements ErrorClassifier.
func (e *ConflictError) ErrorType() string { return "conflict" }

// IsRetryable implements ErrorClassifier.
func (e *ConflictError) IsRetryable() bool { return false }

// DenyReason is the machine-readable cause of a resource admission denial.
type DenyReason string

const (
	// DenyCPUSaturated indicates CPU usage is within the soft ceiling of its limit.
	DenyCPUSaturated DenyReason = "cpu_saturated"

	// DenyMemoryExhausted indicates the allocation would exceed the memory limit.
	DenyMemoryExhausted DenyReason = "memory_exhausted"

	// DenyDiskExhausted indicates the allocation would exceed the disk limit.
	DenyDiskExhausted DenyReason = "disk_exhausted"

	// DenyConcurrencySaturated indicates all concurrent task slots are taken.
	DenyConcurrencySaturated DenyReason = "concurrency_saturated"
)

// ResourceDeniedError represents an admission-control denial.
// Denials are transient: the job returns to the queue and is retried after a
// delay, so this error is never surfaced to the submitter.
type ResourceDeniedError struct {
	// Reason is the machine-readable denial cause
	Reason DenyReason

	// Detail optionally elaborates (e.g., requested vs available bytes)
	Detail string
}

// Error implements the error interface.
func (e *ResourceDeniedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("resource allocation denied (%s): %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("resource allocation denied (%s)", e.Reason)
}

// ErrorType implements ErrorClassifier.
func (e *ResourceDeniedError) ErrorType() string { return "resource_denied" }

// IsRetryable implements ErrorClassifier.
func (e *ResourceDeniedError) IsRetryable() bool { return true }

// AgentError represents a failure inside an agent handler.
// Use this when an agent returns success=false, panics, or is unreachable.
// Retryable agent errors are subject to the task's retry policy.
type AgentError struct {
	// AgentID identifies the failing agent
	AgentID string

	// Reason is a short machine-readable cause (e.g., "handler_error",
	// "breaker_open", "timeout_exceeded")
	Reason string

	// Message is the human-readable error text reported by the handler
	Message string

	// Retryable reports whether the retry policy applies
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	msg := fmt.Sprintf("agent %s failed", e.AgentID)
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *AgentError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *AgentError) ErrorType() string { return "agent_failure" }

// IsRetryable implements ErrorClassifier.
func (e *AgentError) IsRetryable() bool { return e.Retryable }

// ConfigError represents configuration problems.
// Use this for missing settings, unknown keys, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "JWT_SECRET")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., a parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "agent invocation", "queue dequeue")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// InfrastructureError represents a state store or queue outage.
// The worker aborts the current job and relies on queue redelivery; sustained
// infrastructure errors fail the readiness probe.
type InfrastructureError struct {
	// System identifies the failing subsystem (e.g., "store", "queue")
	System string

	// Op is the operation that failed (e.g., "update task status")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *InfrastructureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s unavailable during %s: %v", e.System, e.Op, e.Cause)
	}
	return fmt.Sprintf("%s unavailable during %s", e.System, e.Op)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InfrastructureError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *InfrastructureError) ErrorType() string { return "infrastructure" }

// IsRetryable implements ErrorClassifier.
func (e *InfrastructureError) IsRetryable() bool { return true }
