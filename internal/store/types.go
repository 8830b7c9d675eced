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

package store

import (
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal runs never
// transition again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a task execution.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskSkipped   TaskStatus = "skipped"
)

// Terminal reports whether the status is final. A failed task with retry
// budget left is re-opened through the explicit failed→pending transition,
// so failed still counts as terminal here; the retry path is the one
// sanctioned exception in CanTransitionTask.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskSkipped:
		return true
	}
	return false
}

// Priority orders pending work. Dispatch preference is urgent > high >
// normal > low; ties break by submission time (FIFO).
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Weight returns the numeric dispatch preference. Higher dispatches first.
func (p Priority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is one of the recognized priorities.
func (p Priority) Valid() bool {
	return p.Weight() > 0
}

// WorkflowStatus gates new run submissions.
type WorkflowStatus string

const (
	WorkflowActive   WorkflowStatus = "active"
	WorkflowDisabled WorkflowStatus = "disabled"
)

// Failure policies for a workflow.
const (
	// FailFast cancels all in-flight steps as soon as one step fails
	// terminally. This is the default.
	FailFast = "fail_fast"
	// FailContinue lets independent branches run to completion; only
	// transitive dependents of the failed step are skipped.
	FailContinue = "continue"
)

// Organization is a tenant. It owns workflows, agents and runs.
type Organization struct {
	ID                string    `json:"id"`
	Slug              string    `json:"slug"`
	Name              string    `json:"name"`
	PlanTier          string    `json:"planTier"`
	MaxConcurrentRuns int       `json:"maxConcurrentRuns"`
	RetentionDays     int       `json:"retentionDays"`
	CreatedAt         time.Time `json:"createdAt"`
}

// User is a principal bound to one organization. It is used as an actor
// identity for authorization and audit only.
type User struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	Role           string    `json:"role"`
	Permissions    []string  `json:"permissions"`
	CreatedAt      time.Time `json:"createdAt"`
}

// APIKey is a long-lived bearer credential bound to a user. Keys are an
// alternative to JWT bearer tokens for machine clients.
type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Key       string    `json:"-"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Workflow is a named, versioned DAG of steps owned by an organization.
// A disabled workflow rejects new runs; existing runs continue.
type Workflow struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId"`
	Name           string         `json:"name"`
	Version        int            `json:"version"`
	Status         WorkflowStatus `json:"status"`
	FailurePolicy  string         `json:"failurePolicy,omitempty"`
	Steps          []WorkflowStep `json:"steps"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// WorkflowStep is a node in the DAG. Order is unique per workflow;
// DependsOn names sibling steps of the same workflow.
type WorkflowStep struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflowId"`
	AgentID    string         `json:"agentId"`
	Name       string         `json:"name"`
	Order      int            `json:"order"`
	Config     map[string]any `json:"config,omitempty"`
	DependsOn  []string       `json:"dependsOn,omitempty"`

	// Condition is an optional expression evaluated against the run input
	// and upstream outputs once dependencies complete. False skips the
	// step without failing dependents.
	Condition string `json:"condition,omitempty"`

	// Transform is an optional jq program applied to the agent output
	// before it enters the output namespace.
	Transform string `json:"transform,omitempty"`
}

// WorkflowRun is one execution of a workflow with an input payload. A run
// is created pending and moves monotonically; terminal states are final.
type WorkflowRun struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflowId"`
	OrganizationID string         `json:"organizationId"`
	UserID         string         `json:"userId"`
	Status         RunStatus      `json:"status"`
	Priority       Priority       `json:"priority"`
	Input          map[string]any `json:"input,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	Error          string         `json:"error,omitempty"`
	SubmittedAt    time.Time      `json:"submittedAt"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	DurationMS     int64          `json:"durationMs,omitempty"`
}

// TaskExecution is a concrete invocation of one workflow step within one
// run. The step fields are a snapshot captured at run creation; later
// workflow edits never affect an in-flight run. Retries mutate the same
// row.
type TaskExecution struct {
	ID          string         `json:"id"`
	RunID       string         `json:"runId"`
	StepID      string         `json:"stepId"`
	StepName    string         `json:"stepName"`
	AgentID     string         `json:"agentId"`
	Config      map[string]any `json:"config,omitempty"`
	Status      TaskStatus     `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retryCount"`
	MaxRetries  int            `json:"maxRetries"`
	TimeoutMS   int64          `json:"timeoutMs,omitempty"`
	SubmittedAt time.Time      `json:"submittedAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	DurationMS  int64          `json:"durationMs,omitempty"`
	Log         string         `json:"log,omitempty"`
}

// AuditRecord is one append-only audit trail entry. ActorID is empty for
// system-initiated actions. Records are never updated.
type AuditRecord struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	Action         string         `json:"action"`
	Resource       string         `json:"resource"`
	ResourceID     string         `json:"resourceId,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	SourceAddr     string         `json:"sourceAddr,omitempty"`
	Severity       string         `json:"severity,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// runTransitions enumerates the legal run status machine.
var runTransitions = map[RunStatus][]RunStatus{
	RunPending: {RunRunning, RunFailed, RunCancelled},
	RunRunning: {RunCompleted, RunFailed, RunCancelled},
}

// taskTransitions enumerates the legal task status machine. failed→pending
// is the retry path; the caller is responsible for checking the retry
// budget before requesting it.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskRunning, TaskCancelled, TaskSkipped, TaskFailed},
	TaskRunning: {TaskCompleted, TaskFailed, TaskCancelled},
	TaskFailed:  {TaskPending},
}

// CanTransitionRun reports whether a run may move from one status to
// another.
func CanTransitionRun(from, to RunStatus) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionTask reports whether a task may move from one status to
// another.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
