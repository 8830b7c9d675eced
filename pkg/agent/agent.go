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

// Package agent defines the contract between the orchestrator and agent
// handlers.
//
// An agent is a stateless, reusable step executor. The orchestrator resolves
// an agent by identifier, wraps the invocation in a cancellation-aware
// timeout, and hands it a Task. The handler performs its work (any external
// I/O is the handler's responsibility) and reports a structured Result. The
// orchestrator, not the handler, owns retries.
package agent

import (
	"context"
	"time"
)

// Status values for a registered agent.
const (
	// StatusActive marks an agent as eligible for dispatch.
	StatusActive = "active"
	// StatusInactive keeps an agent registered but rejects new invocations.
	StatusInactive = "inactive"
)

// Well-known agent types. New types are added by registering a constructor
// with the registry; nothing outside the constructor map depends on this
// list.
const (
	TypeFunc         = "func"
	TypeHTTP         = "http"
	TypeMCP          = "mcp"
	TypeCodeReview   = "code-review"
	TypeArchitecture = "architecture"
	TypeDeployment   = "deployment"
	TypeTesting      = "testing"
)

// Task is the input to a single agent invocation: the task's input payload
// and the configuration captured when the run was created.
type Task struct {
	// ID is the task-execution identifier. Handlers must be idempotent on
	// it: the queue delivers at least once.
	ID string `json:"id"`

	// RunID is the owning workflow run.
	RunID string `json:"runId"`

	// StepName is the human name of the workflow step being executed.
	StepName string `json:"stepName"`

	// Input is the merged input payload (run input plus upstream outputs).
	Input map[string]any `json:"input"`

	// Config is the step's configuration blob, snapshotted at run start.
	Config map[string]any `json:"config,omitempty"`

	// Attempt is 0 for the first delivery and increments on each retry.
	Attempt int `json:"attempt"`
}

// Result is the structured outcome of an invocation. Success=false marks an
// agent-level failure subject to the retry policy; transport-level problems
// are returned as errors instead.
type Result struct {
	// Success reports whether the handler accomplished the task.
	Success bool `json:"success"`

	// Output is the payload merged into downstream step inputs.
	Output map[string]any `json:"output,omitempty"`

	// Error holds the failure text when Success is false.
	Error string `json:"error,omitempty"`

	// Metadata carries handler-specific diagnostics (never merged).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ResourceHint declares what a single invocation is expected to consume.
// The resource manager reserves against it before dispatch.
type ResourceHint struct {
	// MemoryMB is the expected peak memory in megabytes.
	MemoryMB int64 `json:"memoryMb"`

	// CPUCores is the expected CPU demand in cores (fractions allowed).
	CPUCores float64 `json:"cpuCores,omitempty"`

	// DiskMB is the expected scratch-disk usage in megabytes.
	DiskMB int64 `json:"diskMb,omitempty"`
}

// Agent is the capability interface every handler implements.
type Agent interface {
	// Invoke executes one task. Implementations must honor ctx: when it is
	// cancelled the handler should stop and return promptly. Handlers that
	// ignore it are cut off by the per-task timeout.
	Invoke(ctx context.Context, task Task) (Result, error)

	// ResourceHint reports the per-invocation resource demand.
	ResourceHint() ResourceHint
}

// Definition is a catalog entry: the durable description of an agent as
// stored per tenant.
type Definition struct {
	// ID is the stable agent identifier referenced by workflow steps.
	ID string `json:"id"`

	// OrganizationID scopes the agent to its tenant.
	OrganizationID string `json:"organizationId,omitempty"`

	// Name is the display name.
	Name string `json:"name"`

	// Type selects the handler constructor (func, http, mcp, ...).
	Type string `json:"type"`

	// Capabilities are the string tags steps use to select executors.
	Capabilities []string `json:"capabilities,omitempty"`

	// Tools are the tool tags this agent exposes.
	Tools []string `json:"tools,omitempty"`

	// Status is active or inactive.
	Status string `json:"status"`

	// MaxConcurrency bounds simultaneous invocations of this agent.
	// Zero means unlimited.
	MaxConcurrency int `json:"maxConcurrency,omitempty"`

	// Config is the handler-specific configuration blob.
	Config map[string]any `json:"config,omitempty"`

	// Hint overrides the per-type default resource demand when non-zero.
	Hint ResourceHint `json:"hint,omitempty"`
}

// HandlerFunc adapts a plain function to the Agent interface with a fixed
// resource hint.
type HandlerFunc struct {
	hint ResourceHint
	fn   func(ctx context.Context, task Task) (Result, error)
}

// NewFunc wraps fn as an Agent reporting hint.
func NewFunc(hint ResourceHint, fn func(ctx context.Context, task Task) (Result, error)) *HandlerFunc {
	return &HandlerFunc{hint: hint, fn: fn}
}

// Invoke implements Agent.
func (h *HandlerFunc) Invoke(ctx context.Context, task Task) (Result, error) {
	return h.fn(ctx, task)
}

// ResourceHint implements Agent.
func (h *HandlerFunc) ResourceHint() ResourceHint {
	return h.hint
}

// DefaultHint returns the per-type default resource demand used when a
// definition carries no explicit hint.
func DefaultHint(agentType string) ResourceHint {
	switch agentType {
	case TypeCodeReview, TypeArchitecture, TypeTesting:
		return ResourceHint{MemoryMB: 256, CPUCores: 1}
	case TypeDeployment:
		return ResourceHint{MemoryMB: 128, CPUCores: 0.5, DiskMB: 512}
	case TypeHTTP, TypeMCP:
		return ResourceHint{MemoryMB: 64, CPUCores: 0.1}
	default:
		return ResourceHint{MemoryMB: 128, CPUCores: 0.5}
	}
}

// Sleep blocks for d or until ctx is cancelled, returning ctx.Err() in the
// latter case. Handlers use it to simulate long work in a
// cancellation-honoring way.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
