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

// Package store persists workflows, runs, task executions and audit
// records.
//
// The store is the ground truth: every in-memory view elsewhere in the
// orchestrator is a derived cache. All status updates are compare-and-swap
// from an expected prior status, so a duplicate attempt that finds the row
// already moved on is rejected with a ConflictError and produces no side
// effects. Multi-row writes (a run plus its task snapshot) happen in one
// transaction.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/tombee/maestro/pkg/agent"
	"github.com/tombee/maestro/pkg/errors"
)

// RunUpdate carries the optional fields written alongside a run status
// transition. Nil pointers leave the column untouched.
type RunUpdate struct {
	Output      map[string]any
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMS  *int64
}

// TaskUpdate carries the optional fields written alongside a task status
// transition.
type TaskUpdate struct {
	Input          map[string]any
	Output         map[string]any
	Error          *string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	DurationMS     *int64
	IncrementRetry bool
	AppendLog      string
}

// CreateRunParams are the inputs to CreateRun.
type CreateRunParams struct {
	WorkflowID string
	// ActorID is the submitting user; it must belong to OrganizationID.
	ActorID        string
	OrganizationID string
	Input          map[string]any
	Priority       Priority
	// MaxRetries and TimeoutMS seed every task row in the snapshot.
	MaxRetries int
	TimeoutMS  int64
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	OrganizationID string
	ActorID        string
	Action         string
	Resource       string
	ResourceID     string
	Limit          int
}

// Store is the narrow transactional interface the engine depends on.
type Store interface {
	// Init prepares the backing schema. Safe to call more than once.
	Init(ctx context.Context) error
	// Ping verifies the backend is reachable; readiness probes call it.
	Ping(ctx context.Context) error
	Close() error

	// Tenancy.
	PutOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	PutUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	PutAPIKey(ctx context.Context, k *APIKey) error
	// GetUserByAPIKey resolves an opaque API key to its user for bearer
	// authentication. Returns NotFoundError for unknown keys.
	GetUserByAPIKey(ctx context.Context, key string) (*User, error)

	// Agent catalog. The registry is seeded from here at startup.
	PutAgent(ctx context.Context, def agent.Definition) error
	GetAgent(ctx context.Context, id string) (agent.Definition, error)
	ListAgents(ctx context.Context) ([]agent.Definition, error)

	// Workflows. A workflow is stored with its steps; GetWorkflow
	// returns both.
	PutWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, orgID string) ([]*Workflow, error)

	// CreateRun atomically inserts the run row and one pending task
	// execution per workflow step, snapshotting each step's name, agent
	// and config. It fails with NotFoundError if the workflow does not
	// exist, AuthorizationError if it belongs to another organization,
	// and ValidationError if the workflow is disabled.
	CreateRun(ctx context.Context, p CreateRunParams) (*WorkflowRun, []*TaskExecution, error)
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	// GetRunWithTasks returns the run and its task executions ordered by
	// snapshot order (ascending step order at run creation).
	GetRunWithTasks(ctx context.Context, id string) (*WorkflowRun, []*TaskExecution, error)
	// UpdateRunStatus is a CAS from the expected prior status. It
	// returns ConflictError when the row is not in from, or when
	// from→to is not a legal transition.
	UpdateRunStatus(ctx context.Context, runID string, from, to RunStatus, u RunUpdate) error
	// ListRunsByStatus powers the startup recovery sweep.
	ListRunsByStatus(ctx context.Context, status RunStatus) ([]*WorkflowRun, error)

	GetTask(ctx context.Context, id string) (*TaskExecution, error)
	ListTasksByRun(ctx context.Context, runID string) ([]*TaskExecution, error)
	// UpdateTaskStatus follows the same CAS discipline as
	// UpdateRunStatus.
	UpdateTaskStatus(ctx context.Context, taskID string, from, to TaskStatus, u TaskUpdate) error
	// SetTaskInput records the merged input captured at dispatch time.
	SetTaskInput(ctx context.Context, taskID string, input map[string]any) error

	// AppendAudit is append-only; records are never modified.
	AppendAudit(ctx context.Context, rec *AuditRecord) error
	ListAudit(ctx context.Context, f AuditFilter) ([]*AuditRecord, error)
	// PurgeAudit deletes records older than the cutoff and returns the
	// number removed. Retention is per-tenant policy.
	PurgeAudit(ctx context.Context, before time.Time) (int64, error)

	// RecordMetric persists one named sample for offline inspection.
	RecordMetric(ctx context.Context, name string, value float64, at time.Time) error
}

// Open selects a backend from a URL: postgres:// and postgresql:// use the
// pgx pool, sqlite:// a file-backed sqlite database, and memory:// the
// in-process store used by tests and single-shot runs.
func Open(ctx context.Context, url string) (Store, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return OpenPostgres(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return OpenSQLite(strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "memory://"), url == "memory":
		return NewMemory(), nil
	default:
		return nil, &errors.ConfigError{Key: "DATABASE_URL", Reason: "unsupported scheme (want postgres://, sqlite:// or memory://)"}
	}
}

// runConflict builds the ConflictError for an illegal or stale run
// transition.
func runConflict(id string, actual RunStatus, to RunStatus) error {
	return &errors.ConflictError{Resource: "run", ID: id, From: string(actual), To: string(to)}
}

// taskConflict builds the ConflictError for an illegal or stale task
// transition.
func taskConflict(id string, actual TaskStatus, to TaskStatus) error {
	return &errors.ConflictError{Resource: "task", ID: id, From: string(actual), To: string(to)}
}
