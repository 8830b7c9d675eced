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
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tombee/maestro/pkg/agent"
	"github.com/tombee/maestro/pkg/errors"
)

var _ Store = (*Postgres)(nil)

// Postgres is the PostgreSQL store for distributed deployments. Status
// CAS is expressed as UPDATE ... WHERE id = $1 AND status = $2, so
// concurrent writers race on the row and exactly one wins.
type Postgres struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

// NewPostgres creates a store using an existing pgxpool.Pool. The caller
// owns the pool and is responsible for closing it.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// OpenPostgres creates a store with its own pool from a connection URL.
// Close releases the pool.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Postgres{pool: pool, ownsPool: true}, nil
}

// Init creates all tables and indexes. Safe to call multiple times (all
// statements are idempotent).
func (p *Postgres) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			plan_tier TEXT NOT NULL DEFAULT '',
			max_concurrent_runs INTEGER NOT NULL DEFAULT 0,
			retention_days INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			permissions JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			key TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			capabilities JSONB,
			tools JSONB,
			status TEXT NOT NULL DEFAULT 'active',
			max_concurrency INTEGER NOT NULL DEFAULT 0,
			config JSONB,
			memory_mb BIGINT NOT NULL DEFAULT 0,
			cpu_cores DOUBLE PRECISION NOT NULL DEFAULT 0,
			disk_mb BIGINT NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			name TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'active',
			failure_policy TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			agent_id TEXT NOT NULL,
			name TEXT NOT NULL,
			step_order INTEGER NOT NULL,
			config JSONB,
			depends_on JSONB,
			condition TEXT NOT NULL DEFAULT '',
			transform TEXT NOT NULL DEFAULT '',
			UNIQUE(workflow_id, step_order)
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'normal',
			input JSONB,
			output JSONB,
			error TEXT NOT NULL DEFAULT '',
			submitted_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			duration_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_org ON workflow_runs(organization_id, submitted_at)`,

		`CREATE TABLE IF NOT EXISTS task_executions (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
			step_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			config JSONB,
			status TEXT NOT NULL,
			input JSONB,
			output JSONB,
			error TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			timeout_ms BIGINT NOT NULL DEFAULT 0,
			submitted_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			log TEXT NOT NULL DEFAULT '',
			task_order INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_executions_run ON task_executions(run_id, task_order)`,

		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL DEFAULT '',
			actor_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			resource_id TEXT NOT NULL DEFAULT '',
			details JSONB,
			source_addr TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_actor ON audit_logs(actor_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource, resource_id)`,

		`CREATE TABLE IF NOT EXISTS metrics (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_name_time ON metrics(name, recorded_at)`,
	}

	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Ping verifies connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Close releases the pool when this store opened it. Injected pools are
// left to their owner.
func (p *Postgres) Close() error {
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}

// --- Tenancy ---

func (p *Postgres) PutOrganization(ctx context.Context, org *Organization) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO organizations (id, slug, name, plan_tier, max_concurrent_runs, retention_days, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   slug = EXCLUDED.slug,
		   name = EXCLUDED.name,
		   plan_tier = EXCLUDED.plan_tier,
		   max_concurrent_runs = EXCLUDED.max_concurrent_runs,
		   retention_days = EXCLUDED.retention_days`,
		org.ID, org.Slug, org.Name, org.PlanTier, org.MaxConcurrentRuns, org.RetentionDays, orDefaultTime(org.CreatedAt))
	if err != nil {
		return fmt.Errorf("postgres: put organization: %w", err)
	}
	return nil
}

func (p *Postgres) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	err := p.pool.QueryRow(ctx,
		`SELECT id, slug, name, plan_tier, max_concurrent_runs, retention_days, created_at
		 FROM organizations WHERE id = $1`, id,
	).Scan(&org.ID, &org.Slug, &org.Name, &org.PlanTier, &org.MaxConcurrentRuns, &org.RetentionDays, &org.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "organization", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get organization: %w", err)
	}
	return &org, nil
}

func (p *Postgres) PutUser(ctx context.Context, u *User) error {
	perms, err := json.Marshal(u.Permissions)
	if err != nil {
		return fmt.Errorf("postgres: marshal permissions: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO users (id, organization_id, email, name, role, permissions, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   organization_id = EXCLUDED.organization_id,
		   email = EXCLUDED.email,
		   name = EXCLUDED.name,
		   role = EXCLUDED.role,
		   permissions = EXCLUDED.permissions`,
		u.ID, u.OrganizationID, u.Email, u.Name, u.Role, perms, orDefaultTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("postgres: put user: %w", err)
	}
	return nil
}

func (p *Postgres) GetUser(ctx context.Context, id string) (*User, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, organization_id, email, name, role, permissions, created_at
		 FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "user", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get user: %w", err)
	}
	return u, nil
}

func (p *Postgres) PutAPIKey(ctx context.Context, k *APIKey) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, key, name, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   key = EXCLUDED.key,
		   name = EXCLUDED.name`,
		k.ID, k.UserID, k.Key, k.Name, orDefaultTime(k.CreatedAt))
	if err != nil {
		return fmt.Errorf("postgres: put api key: %w", err)
	}
	return nil
}

func (p *Postgres) GetUserByAPIKey(ctx context.Context, key string) (*User, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT u.id, u.organization_id, u.email, u.name, u.role, u.permissions, u.created_at
		 FROM users u JOIN api_keys k ON k.user_id = u.id
		 WHERE k.key = $1`, key)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "api key", ID: "<redacted>"}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get user by api key: %w", err)
	}
	return u, nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var perms []byte
	if err := row.Scan(&u.ID, &u.OrganizationID, &u.Email, &u.Name, &u.Role, &perms, &u.CreatedAt); err != nil {
		return nil, err
	}
	if len(perms) > 0 {
		_ = json.Unmarshal(perms, &u.Permissions)
	}
	return &u, nil
}

// --- Agent catalog ---

func (p *Postgres) PutAgent(ctx context.Context, def agent.Definition) error {
	caps, err := json.Marshal(def.Capabilities)
	if err != nil {
		return fmt.Errorf("postgres: marshal capabilities: %w", err)
	}
	tools, err := json.Marshal(def.Tools)
	if err != nil {
		return fmt.Errorf("postgres: marshal tools: %w", err)
	}
	config, err := marshalMap(def.Config)
	if err != nil {
		return fmt.Errorf("postgres: marshal agent config: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO agents (id, organization_id, name, type, capabilities, tools, status, max_concurrency, config, memory_mb, cpu_cores, disk_mb)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   organization_id = EXCLUDED.organization_id,
		   name = EXCLUDED.name,
		   type = EXCLUDED.type,
		   capabilities = EXCLUDED.capabilities,
		   tools = EXCLUDED.tools,
		   status = EXCLUDED.status,
		   max_concurrency = EXCLUDED.max_concurrency,
		   config = EXCLUDED.config,
		   memory_mb = EXCLUDED.memory_mb,
		   cpu_cores = EXCLUDED.cpu_cores,
		   disk_mb = EXCLUDED.disk_mb`,
		def.ID, def.OrganizationID, def.Name, def.Type, caps, tools, def.Status,
		def.MaxConcurrency, config, def.Hint.MemoryMB, def.Hint.CPUCores, def.Hint.DiskMB)
	if err != nil {
		return fmt.Errorf("postgres: put agent: %w", err)
	}
	return nil
}

func (p *Postgres) GetAgent(ctx context.Context, id string) (agent.Definition, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, organization_id, name, type, capabilities, tools, status, max_concurrency, config, memory_mb, cpu_cores, disk_mb
		 FROM agents WHERE id = $1`, id)
	def, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return agent.Definition{}, &errors.NotFoundError{Resource: "agent", ID: id}
	}
	if err != nil {
		return agent.Definition{}, fmt.Errorf("postgres: get agent: %w", err)
	}
	return def, nil
}

func (p *Postgres) ListAgents(ctx context.Context) ([]agent.Definition, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, organization_id, name, type, capabilities, tools, status, max_concurrency, config, memory_mb, cpu_cores, disk_mb
		 FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agents: %w", err)
	}
	defer rows.Close()

	var defs []agent.Definition
	for rows.Next() {
		def, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate agents: %w", err)
	}
	return defs, nil
}

func scanAgent(row pgx.Row) (agent.Definition, error) {
	var def agent.Definition
	var caps, tools, config []byte
	err := row.Scan(&def.ID, &def.OrganizationID, &def.Name, &def.Type, &caps, &tools,
		&def.Status, &def.MaxConcurrency, &config, &def.Hint.MemoryMB, &def.Hint.CPUCores, &def.Hint.DiskMB)
	if err != nil {
		return agent.Definition{}, err
	}
	if len(caps) > 0 {
		_ = json.Unmarshal(caps, &def.Capabilities)
	}
	if len(tools) > 0 {
		_ = json.Unmarshal(tools, &def.Tools)
	}
	if len(config) > 0 {
		_ = json.Unmarshal(config, &def.Config)
	}
	return def, nil
}

// --- Workflows ---

func (p *Postgres) PutWorkflow(ctx context.Context, wf *Workflow) error {
	seen := make(map[int]bool, len(wf.Steps))
	for _, s := range wf.Steps {
		if seen[s.Order] {
			return &errors.ValidationError{Field: "steps", Message: "duplicate step order", Suggestion: "step order must be unique within a workflow"}
		}
		seen[s.Order] = true
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO workflows (id, organization_id, name, version, status, failure_policy, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   organization_id = EXCLUDED.organization_id,
		   name = EXCLUDED.name,
		   version = EXCLUDED.version,
		   status = EXCLUDED.status,
		   failure_policy = EXCLUDED.failure_policy,
		   updated_at = EXCLUDED.updated_at`,
		wf.ID, wf.OrganizationID, wf.Name, wf.Version, string(wf.Status), wf.FailurePolicy,
		orDefaultTime(wf.CreatedAt), orDefaultTime(wf.UpdatedAt))
	if err != nil {
		return fmt.Errorf("postgres: put workflow: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM workflow_steps WHERE workflow_id = $1`, wf.ID); err != nil {
		return fmt.Errorf("postgres: replace steps: %w", err)
	}
	for _, s := range wf.Steps {
		config, err := marshalMap(s.Config)
		if err != nil {
			return fmt.Errorf("postgres: marshal step config: %w", err)
		}
		deps, err := json.Marshal(s.DependsOn)
		if err != nil {
			return fmt.Errorf("postgres: marshal step deps: %w", err)
		}
		id := s.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO workflow_steps (id, workflow_id, agent_id, name, step_order, config, depends_on, condition, transform)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id, wf.ID, s.AgentID, s.Name, s.Order, config, deps, s.Condition, s.Transform)
		if err != nil {
			return fmt.Errorf("postgres: insert step: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (p *Postgres) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	var status string
	err := p.pool.QueryRow(ctx,
		`SELECT id, organization_id, name, version, status, failure_policy, created_at, updated_at
		 FROM workflows WHERE id = $1`, id,
	).Scan(&wf.ID, &wf.OrganizationID, &wf.Name, &wf.Version, &status, &wf.FailurePolicy, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get workflow: %w", err)
	}
	wf.Status = WorkflowStatus(status)

	steps, err := p.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Steps = steps
	return &wf, nil
}

func (p *Postgres) ListWorkflows(ctx context.Context, orgID string) ([]*Workflow, error) {
	query := `SELECT id, organization_id, name, version, status, failure_policy, created_at, updated_at FROM workflows`
	args := []any{}
	if orgID != "" {
		query += ` WHERE organization_id = $1`
		args = append(args, orgID)
	}
	query += ` ORDER BY id`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list workflows: %w", err)
	}
	defer rows.Close()

	var flows []*Workflow
	for rows.Next() {
		var wf Workflow
		var status string
		if err := rows.Scan(&wf.ID, &wf.OrganizationID, &wf.Name, &wf.Version, &status, &wf.FailurePolicy, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan workflow: %w", err)
		}
		wf.Status = WorkflowStatus(status)
		flows = append(flows, &wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate workflows: %w", err)
	}

	for _, wf := range flows {
		steps, err := p.loadSteps(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		wf.Steps = steps
	}
	return flows, nil
}

func (p *Postgres) loadSteps(ctx context.Context, workflowID string) ([]WorkflowStep, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, workflow_id, agent_id, name, step_order, config, depends_on, condition, transform
		 FROM workflow_steps WHERE workflow_id = $1 ORDER BY step_order`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load steps: %w", err)
	}
	defer rows.Close()

	var steps []WorkflowStep
	for rows.Next() {
		var s WorkflowStep
		var config, deps []byte
		if err := rows.Scan(&s.ID, &s.WorkflowID, &s.AgentID, &s.Name, &s.Order, &config, &deps, &s.Condition, &s.Transform); err != nil {
			return nil, fmt.Errorf("postgres: scan step: %w", err)
		}
		if len(config) > 0 {
			_ = json.Unmarshal(config, &s.Config)
		}
		if len(deps) > 0 {
			_ = json.Unmarshal(deps, &s.DependsOn)
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate steps: %w", err)
	}
	return steps, nil
}

// --- Runs ---

func (p *Postgres) CreateRun(ctx context.Context, params CreateRunParams) (*WorkflowRun, []*TaskExecution, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var orgID, status string
	err = tx.QueryRow(ctx, `SELECT organization_id, status FROM workflows WHERE id = $1`, params.WorkflowID).
		Scan(&orgID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, &errors.NotFoundError{Resource: "workflow", ID: params.WorkflowID}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: lookup workflow: %w", err)
	}
	if orgID != params.OrganizationID {
		return nil, nil, &errors.AuthorizationError{Actor: params.ActorID, Action: "workflow:execute", Resource: params.WorkflowID}
	}
	if WorkflowStatus(status) != WorkflowActive {
		return nil, nil, &errors.ValidationError{Field: "workflowId", Message: "workflow is disabled", Suggestion: "re-enable the workflow before submitting runs"}
	}

	now := time.Now().UTC()
	run := &WorkflowRun{
		ID:             uuid.NewString(),
		WorkflowID:     params.WorkflowID,
		OrganizationID: orgID,
		UserID:         params.ActorID,
		Status:         RunPending,
		Priority:       params.Priority,
		Input:          params.Input,
		SubmittedAt:    now,
	}
	input, err := marshalMap(params.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: marshal run input: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO workflow_runs (id, workflow_id, organization_id, user_id, status, priority, input, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.WorkflowID, run.OrganizationID, run.UserID, string(run.Status), string(run.Priority), input, run.SubmittedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: insert run: %w", err)
	}

	stepRows, err := tx.Query(ctx,
		`SELECT id, agent_id, name, config FROM workflow_steps WHERE workflow_id = $1 ORDER BY step_order`, params.WorkflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: snapshot steps: %w", err)
	}
	type stepSnap struct {
		id, agentID, name string
		config            []byte
	}
	var snaps []stepSnap
	for stepRows.Next() {
		var s stepSnap
		if err := stepRows.Scan(&s.id, &s.agentID, &s.name, &s.config); err != nil {
			stepRows.Close()
			return nil, nil, fmt.Errorf("postgres: scan step: %w", err)
		}
		snaps = append(snaps, s)
	}
	stepRows.Close()
	if err := stepRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("postgres: iterate steps: %w", err)
	}

	tasks := make([]*TaskExecution, 0, len(snaps))
	for i, s := range snaps {
		t := &TaskExecution{
			ID:          uuid.NewString(),
			RunID:       run.ID,
			StepID:      s.id,
			StepName:    s.name,
			AgentID:     s.agentID,
			Status:      TaskPending,
			MaxRetries:  params.MaxRetries,
			TimeoutMS:   params.TimeoutMS,
			SubmittedAt: now,
		}
		if len(s.config) > 0 {
			_ = json.Unmarshal(s.config, &t.Config)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO task_executions (id, run_id, step_id, step_name, agent_id, config, status, max_retries, timeout_ms, submitted_at, task_order)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			t.ID, t.RunID, t.StepID, t.StepName, t.AgentID, s.config, string(t.Status), t.MaxRetries, t.TimeoutMS, t.SubmittedAt, i)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: insert task: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("postgres: commit tx: %w", err)
	}
	return run, tasks, nil
}

const runColumns = `id, workflow_id, organization_id, user_id, status, priority, input, output, error, submitted_at, started_at, completed_at, duration_ms`

func (p *Postgres) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get run: %w", err)
	}
	return run, nil
}

func (p *Postgres) GetRunWithTasks(ctx context.Context, id string) (*WorkflowRun, []*TaskExecution, error) {
	run, err := p.GetRun(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := p.ListTasksByRun(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return run, tasks, nil
}

func (p *Postgres) UpdateRunStatus(ctx context.Context, runID string, from, to RunStatus, u RunUpdate) error {
	if !CanTransitionRun(from, to) {
		return runConflict(runID, from, to)
	}

	set := []string{"status = $3"}
	args := []any{runID, string(from), string(to)}
	idx := 4
	if u.Output != nil {
		output, err := marshalMap(u.Output)
		if err != nil {
			return fmt.Errorf("postgres: marshal run output: %w", err)
		}
		set = append(set, fmt.Sprintf("output = $%d", idx))
		args = append(args, output)
		idx++
	}
	if u.Error != nil {
		set = append(set, fmt.Sprintf("error = $%d", idx))
		args = append(args, *u.Error)
		idx++
	}
	if u.StartedAt != nil {
		set = append(set, fmt.Sprintf("started_at = $%d", idx))
		args = append(args, *u.StartedAt)
		idx++
	}
	if u.CompletedAt != nil {
		set = append(set, fmt.Sprintf("completed_at = $%d", idx))
		args = append(args, *u.CompletedAt)
		idx++
	}
	if u.DurationMS != nil {
		set = append(set, fmt.Sprintf("duration_ms = $%d", idx))
		args = append(args, *u.DurationMS)
	}

	query := fmt.Sprintf(`UPDATE workflow_runs SET %s WHERE id = $1 AND status = $2`, strings.Join(set, ", "))
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var actual string
		err := p.pool.QueryRow(ctx, `SELECT status FROM workflow_runs WHERE id = $1`, runID).Scan(&actual)
		if errors.Is(err, pgx.ErrNoRows) {
			return &errors.NotFoundError{Resource: "run", ID: runID}
		}
		if err != nil {
			return fmt.Errorf("postgres: read run status: %w", err)
		}
		return runConflict(runID, RunStatus(actual), to)
	}
	return nil
}

func (p *Postgres) ListRunsByStatus(ctx context.Context, status RunStatus) ([]*WorkflowRun, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE status = $1 ORDER BY submitted_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (*WorkflowRun, error) {
	var run WorkflowRun
	var status, priority string
	var input, output []byte
	err := row.Scan(&run.ID, &run.WorkflowID, &run.OrganizationID, &run.UserID, &status, &priority,
		&input, &output, &run.Error, &run.SubmittedAt, &run.StartedAt, &run.CompletedAt, &run.DurationMS)
	if err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.Priority = Priority(priority)
	if len(input) > 0 {
		_ = json.Unmarshal(input, &run.Input)
	}
	if len(output) > 0 {
		_ = json.Unmarshal(output, &run.Output)
	}
	return &run, nil
}

// --- Tasks ---

const taskColumns = `id, run_id, step_id, step_name, agent_id, config, status, input, output, error, retry_count, max_retries, timeout_ms, submitted_at, started_at, completed_at, duration_ms, log`

func (p *Postgres) GetTask(ctx context.Context, id string) (*TaskExecution, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM task_executions WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get task: %w", err)
	}
	return t, nil
}

func (p *Postgres) ListTasksByRun(ctx context.Context, runID string) ([]*TaskExecution, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM task_executions WHERE run_id = $1 ORDER BY task_order`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*TaskExecution
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate tasks: %w", err)
	}
	if tasks == nil {
		// Distinguish an unknown run from a run with no tasks.
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM workflow_runs WHERE id = $1)`, runID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("postgres: check run: %w", err)
		}
		if !exists {
			return nil, &errors.NotFoundError{Resource: "run", ID: runID}
		}
	}
	return tasks, nil
}

func (p *Postgres) UpdateTaskStatus(ctx context.Context, taskID string, from, to TaskStatus, u TaskUpdate) error {
	if !CanTransitionTask(from, to) {
		return taskConflict(taskID, from, to)
	}

	set := []string{"status = $3"}
	args := []any{taskID, string(from), string(to)}
	idx := 4
	if u.Input != nil {
		input, err := marshalMap(u.Input)
		if err != nil {
			return fmt.Errorf("postgres: marshal task input: %w", err)
		}
		set = append(set, fmt.Sprintf("input = $%d", idx))
		args = append(args, input)
		idx++
	}
	if u.Output != nil {
		output, err := marshalMap(u.Output)
		if err != nil {
			return fmt.Errorf("postgres: marshal task output: %w", err)
		}
		set = append(set, fmt.Sprintf("output = $%d", idx))
		args = append(args, output)
		idx++
	}
	if u.Error != nil {
		set = append(set, fmt.Sprintf("error = $%d", idx))
		args = append(args, *u.Error)
		idx++
	}
	if u.StartedAt != nil {
		set = append(set, fmt.Sprintf("started_at = $%d", idx))
		args = append(args, *u.StartedAt)
		idx++
	}
	if u.CompletedAt != nil {
		set = append(set, fmt.Sprintf("completed_at = $%d", idx))
		args = append(args, *u.CompletedAt)
		idx++
	}
	if u.DurationMS != nil {
		set = append(set, fmt.Sprintf("duration_ms = $%d", idx))
		args = append(args, *u.DurationMS)
		idx++
	}
	if u.IncrementRetry {
		set = append(set, "retry_count = retry_count + 1")
	}
	if u.AppendLog != "" {
		set = append(set, fmt.Sprintf(`log = CASE WHEN log = '' THEN $%d ELSE log || E'\n' || $%d END`, idx, idx))
		args = append(args, u.AppendLog)
	}

	query := fmt.Sprintf(`UPDATE task_executions SET %s WHERE id = $1 AND status = $2`, strings.Join(set, ", "))
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var actual string
		err := p.pool.QueryRow(ctx, `SELECT status FROM task_executions WHERE id = $1`, taskID).Scan(&actual)
		if errors.Is(err, pgx.ErrNoRows) {
			return &errors.NotFoundError{Resource: "task", ID: taskID}
		}
		if err != nil {
			return fmt.Errorf("postgres: read task status: %w", err)
		}
		return taskConflict(taskID, TaskStatus(actual), to)
	}
	return nil
}

func (p *Postgres) SetTaskInput(ctx context.Context, taskID string, input map[string]any) error {
	raw, err := marshalMap(input)
	if err != nil {
		return fmt.Errorf("postgres: marshal task input: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `UPDATE task_executions SET input = $2 WHERE id = $1`, taskID, raw)
	if err != nil {
		return fmt.Errorf("postgres: set task input: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &errors.NotFoundError{Resource: "task", ID: taskID}
	}
	return nil
}

func scanTask(row pgx.Row) (*TaskExecution, error) {
	var t TaskExecution
	var status string
	var config, input, output []byte
	err := row.Scan(&t.ID, &t.RunID, &t.StepID, &t.StepName, &t.AgentID, &config, &status,
		&input, &output, &t.Error, &t.RetryCount, &t.MaxRetries, &t.TimeoutMS,
		&t.SubmittedAt, &t.StartedAt, &t.CompletedAt, &t.DurationMS, &t.Log)
	if err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	if len(config) > 0 {
		_ = json.Unmarshal(config, &t.Config)
	}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &t.Input)
	}
	if len(output) > 0 {
		_ = json.Unmarshal(output, &t.Output)
	}
	return &t, nil
}

// --- Audit ---

func (p *Postgres) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	details, err := marshalMap(rec.Details)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit details: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, organization_id, actor_id, action, resource, resource_id, details, source_addr, severity, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, rec.OrganizationID, rec.ActorID, rec.Action, rec.Resource, rec.ResourceID, details, rec.SourceAddr, rec.Severity, createdAt)
	if err != nil {
		return fmt.Errorf("postgres: append audit: %w", err)
	}
	return nil
}

func (p *Postgres) ListAudit(ctx context.Context, f AuditFilter) ([]*AuditRecord, error) {
	query := `SELECT id, organization_id, actor_id, action, resource, resource_id, details, source_addr, severity, created_at
		 FROM audit_logs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.OrganizationID != "" {
		query += fmt.Sprintf(" AND organization_id = $%d", argIdx)
		args = append(args, f.OrganizationID)
		argIdx++
	}
	if f.ActorID != "" {
		query += fmt.Sprintf(" AND actor_id = $%d", argIdx)
		args = append(args, f.ActorID)
		argIdx++
	}
	if f.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argIdx)
		args = append(args, f.Action)
		argIdx++
	}
	if f.Resource != "" {
		query += fmt.Sprintf(" AND resource = $%d", argIdx)
		args = append(args, f.Resource)
		argIdx++
	}
	if f.ResourceID != "" {
		query += fmt.Sprintf(" AND resource_id = $%d", argIdx)
		args = append(args, f.ResourceID)
		argIdx++
	}

	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	defer rows.Close()

	var recs []*AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var details []byte
		if err := rows.Scan(&rec.ID, &rec.OrganizationID, &rec.ActorID, &rec.Action, &rec.Resource,
			&rec.ResourceID, &details, &rec.SourceAddr, &rec.Severity, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit: %w", err)
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &rec.Details)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate audit: %w", err)
	}
	return recs, nil
}

func (p *Postgres) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge audit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Metrics ---

func (p *Postgres) RecordMetric(ctx context.Context, name string, value float64, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO metrics (name, value, recorded_at) VALUES ($1, $2, $3)`, name, value, at)
	if err != nil {
		return fmt.Errorf("postgres: record metric: %w", err)
	}
	return nil
}

// --- Helpers ---

// marshalMap encodes a JSON map, mapping nil to SQL NULL.
func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// orDefaultTime substitutes now for a zero creation time.
func orDefaultTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
