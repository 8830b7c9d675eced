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
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/maestro/pkg/agent"
	"github.com/tombee/maestro/pkg/errors"
)

var _ Store = (*SQLite)(nil)

// SQLite is the single-node store. SQLite serializes writes, so the pool
// is capped at one connection; WAL keeps readers unblocked.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a database file.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: connect: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA journal_mode=WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	return &SQLite{db: db}, nil
}

// Init creates all tables and indexes. Safe to call multiple times.
func (s *SQLite) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			plan_tier TEXT NOT NULL DEFAULT '',
			max_concurrent_runs INTEGER NOT NULL DEFAULT 0,
			retention_days INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			permissions TEXT,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			key TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			capabilities TEXT,
			tools TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			max_concurrency INTEGER NOT NULL DEFAULT 0,
			config TEXT,
			memory_mb INTEGER NOT NULL DEFAULT 0,
			cpu_cores REAL NOT NULL DEFAULT 0,
			disk_mb INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			name TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'active',
			failure_policy TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			name TEXT NOT NULL,
			step_order INTEGER NOT NULL,
			config TEXT,
			depends_on TEXT,
			condition TEXT NOT NULL DEFAULT '',
			transform TEXT NOT NULL DEFAULT '',
			UNIQUE(workflow_id, step_order),
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'normal',
			input TEXT,
			output TEXT,
			error TEXT NOT NULL DEFAULT '',
			submitted_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_org ON workflow_runs(organization_id, submitted_at)`,

		`CREATE TABLE IF NOT EXISTS task_executions (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			config TEXT,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			submitted_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			log TEXT NOT NULL DEFAULT '',
			task_order INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_executions_run ON task_executions(run_id, task_order)`,

		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL DEFAULT '',
			actor_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			resource_id TEXT NOT NULL DEFAULT '',
			details TEXT,
			source_addr TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_actor ON audit_logs(actor_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource, resource_id)`,

		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			recorded_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_name_time ON metrics(name, recorded_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

// Ping verifies connectivity.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// --- Tenancy ---

func (s *SQLite) PutOrganization(ctx context.Context, org *Organization) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, slug, name, plan_tier, max_concurrent_runs, retention_days, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   slug = excluded.slug,
		   name = excluded.name,
		   plan_tier = excluded.plan_tier,
		   max_concurrent_runs = excluded.max_concurrent_runs,
		   retention_days = excluded.retention_days`,
		org.ID, org.Slug, org.Name, org.PlanTier, org.MaxConcurrentRuns, org.RetentionDays,
		encodeTime(orDefaultTime(org.CreatedAt)))
	if err != nil {
		return fmt.Errorf("sqlite: put organization: %w", err)
	}
	return nil
}

func (s *SQLite) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, plan_tier, max_concurrent_runs, retention_days, created_at
		 FROM organizations WHERE id = ?`, id,
	).Scan(&org.ID, &org.Slug, &org.Name, &org.PlanTier, &org.MaxConcurrentRuns, &org.RetentionDays, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "organization", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get organization: %w", err)
	}
	org.CreatedAt = decodeTime(createdAt)
	return &org, nil
}

func (s *SQLite) PutUser(ctx context.Context, u *User) error {
	perms, err := json.Marshal(u.Permissions)
	if err != nil {
		return fmt.Errorf("sqlite: marshal permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, organization_id, email, name, role, permissions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   organization_id = excluded.organization_id,
		   email = excluded.email,
		   name = excluded.name,
		   role = excluded.role,
		   permissions = excluded.permissions`,
		u.ID, u.OrganizationID, u.Email, u.Name, u.Role, string(perms),
		encodeTime(orDefaultTime(u.CreatedAt)))
	if err != nil {
		return fmt.Errorf("sqlite: put user: %w", err)
	}
	return nil
}

func (s *SQLite) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, email, name, role, permissions, created_at
		 FROM users WHERE id = ?`, id)
	u, err := scanUserLite(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "user", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get user: %w", err)
	}
	return u, nil
}

func (s *SQLite) PutAPIKey(ctx context.Context, k *APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, key, name, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   user_id = excluded.user_id,
		   key = excluded.key,
		   name = excluded.name`,
		k.ID, k.UserID, k.Key, k.Name, encodeTime(orDefaultTime(k.CreatedAt)))
	if err != nil {
		return fmt.Errorf("sqlite: put api key: %w", err)
	}
	return nil
}

func (s *SQLite) GetUserByAPIKey(ctx context.Context, key string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.organization_id, u.email, u.name, u.role, u.permissions, u.created_at
		 FROM users u JOIN api_keys k ON k.user_id = u.id
		 WHERE k.key = ?`, key)
	u, err := scanUserLite(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "api key", ID: "<redacted>"}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get user by api key: %w", err)
	}
	return u, nil
}

func scanUserLite(row *sql.Row) (*User, error) {
	var u User
	var perms sql.NullString
	var createdAt string
	if err := row.Scan(&u.ID, &u.OrganizationID, &u.Email, &u.Name, &u.Role, &perms, &createdAt); err != nil {
		return nil, err
	}
	if perms.Valid && perms.String != "" {
		_ = json.Unmarshal([]byte(perms.String), &u.Permissions)
	}
	u.CreatedAt = decodeTime(createdAt)
	return &u, nil
}

// --- Agent catalog ---

func (s *SQLite) PutAgent(ctx context.Context, def agent.Definition) error {
	caps, err := json.Marshal(def.Capabilities)
	if err != nil {
		return fmt.Errorf("sqlite: marshal capabilities: %w", err)
	}
	tools, err := json.Marshal(def.Tools)
	if err != nil {
		return fmt.Errorf("sqlite: marshal tools: %w", err)
	}
	config, err := marshalMap(def.Config)
	if err != nil {
		return fmt.Errorf("sqlite: marshal agent config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, organization_id, name, type, capabilities, tools, status, max_concurrency, config, memory_mb, cpu_cores, disk_mb)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   organization_id = excluded.organization_id,
		   name = excluded.name,
		   type = excluded.type,
		   capabilities = excluded.capabilities,
		   tools = excluded.tools,
		   status = excluded.status,
		   max_concurrency = excluded.max_concurrency,
		   config = excluded.config,
		   memory_mb = excluded.memory_mb,
		   cpu_cores = excluded.cpu_cores,
		   disk_mb = excluded.disk_mb`,
		def.ID, def.OrganizationID, def.Name, def.Type, string(caps), string(tools), def.Status,
		def.MaxConcurrency, nullBytes(config), def.Hint.MemoryMB, def.Hint.CPUCores, def.Hint.DiskMB)
	if err != nil {
		return fmt.Errorf("sqlite: put agent: %w", err)
	}
	return nil
}

func (s *SQLite) GetAgent(ctx context.Context, id string) (agent.Definition, error) {
	var def agent.Definition
	var caps, tools, config sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, type, capabilities, tools, status, max_concurrency, config, memory_mb, cpu_cores, disk_mb
		 FROM agents WHERE id = ?`, id,
	).Scan(&def.ID, &def.OrganizationID, &def.Name, &def.Type, &caps, &tools,
		&def.Status, &def.MaxConcurrency, &config, &def.Hint.MemoryMB, &def.Hint.CPUCores, &def.Hint.DiskMB)
	if err == sql.ErrNoRows {
		return agent.Definition{}, &errors.NotFoundError{Resource: "agent", ID: id}
	}
	if err != nil {
		return agent.Definition{}, fmt.Errorf("sqlite: get agent: %w", err)
	}
	decodeAgentJSON(&def, caps, tools, config)
	return def, nil
}

func (s *SQLite) ListAgents(ctx context.Context) ([]agent.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, organization_id, name, type, capabilities, tools, status, max_concurrency, config, memory_mb, cpu_cores, disk_mb
		 FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list agents: %w", err)
	}
	defer rows.Close()

	var defs []agent.Definition
	for rows.Next() {
		var def agent.Definition
		var caps, tools, config sql.NullString
		if err := rows.Scan(&def.ID, &def.OrganizationID, &def.Name, &def.Type, &caps, &tools,
			&def.Status, &def.MaxConcurrency, &config, &def.Hint.MemoryMB, &def.Hint.CPUCores, &def.Hint.DiskMB); err != nil {
			return nil, fmt.Errorf("sqlite: scan agent: %w", err)
		}
		decodeAgentJSON(&def, caps, tools, config)
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func decodeAgentJSON(def *agent.Definition, caps, tools, config sql.NullString) {
	if caps.Valid && caps.String != "" {
		_ = json.Unmarshal([]byte(caps.String), &def.Capabilities)
	}
	if tools.Valid && tools.String != "" {
		_ = json.Unmarshal([]byte(tools.String), &def.Tools)
	}
	if config.Valid && config.String != "" {
		_ = json.Unmarshal([]byte(config.String), &def.Config)
	}
}

// --- Workflows ---

func (s *SQLite) PutWorkflow(ctx context.Context, wf *Workflow) error {
	seen := make(map[int]bool, len(wf.Steps))
	for _, st := range wf.Steps {
		if seen[st.Order] {
			return &errors.ValidationError{Field: "steps", Message: "duplicate step order", Suggestion: "step order must be unique within a workflow"}
		}
		seen[st.Order] = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, organization_id, name, version, status, failure_policy, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   organization_id = excluded.organization_id,
		   name = excluded.name,
		   version = excluded.version,
		   status = excluded.status,
		   failure_policy = excluded.failure_policy,
		   updated_at = excluded.updated_at`,
		wf.ID, wf.OrganizationID, wf.Name, wf.Version, string(wf.Status), wf.FailurePolicy,
		encodeTime(orDefaultTime(wf.CreatedAt)), encodeTime(orDefaultTime(wf.UpdatedAt)))
	if err != nil {
		return fmt.Errorf("sqlite: put workflow: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_steps WHERE workflow_id = ?`, wf.ID); err != nil {
		return fmt.Errorf("sqlite: replace steps: %w", err)
	}
	for _, st := range wf.Steps {
		config, err := marshalMap(st.Config)
		if err != nil {
			return fmt.Errorf("sqlite: marshal step config: %w", err)
		}
		deps, err := json.Marshal(st.DependsOn)
		if err != nil {
			return fmt.Errorf("sqlite: marshal step deps: %w", err)
		}
		id := st.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflow_steps (id, workflow_id, agent_id, name, step_order, config, depends_on, condition, transform)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, wf.ID, st.AgentID, st.Name, st.Order, nullBytes(config), string(deps), st.Condition, st.Transform)
		if err != nil {
			return fmt.Errorf("sqlite: insert step: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit tx: %w", err)
	}
	return nil
}

func (s *SQLite) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	var status, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, version, status, failure_policy, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.OrganizationID, &wf.Name, &wf.Version, &status, &wf.FailurePolicy, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get workflow: %w", err)
	}
	wf.Status = WorkflowStatus(status)
	wf.CreatedAt = decodeTime(createdAt)
	wf.UpdatedAt = decodeTime(updatedAt)

	steps, err := s.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Steps = steps
	return &wf, nil
}

func (s *SQLite) ListWorkflows(ctx context.Context, orgID string) ([]*Workflow, error) {
	query := `SELECT id, organization_id, name, version, status, failure_policy, created_at, updated_at FROM workflows`
	args := []any{}
	if orgID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, orgID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list workflows: %w", err)
	}
	defer rows.Close()

	var flows []*Workflow
	for rows.Next() {
		var wf Workflow
		var status, createdAt, updatedAt string
		if err := rows.Scan(&wf.ID, &wf.OrganizationID, &wf.Name, &wf.Version, &status, &wf.FailurePolicy, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan workflow: %w", err)
		}
		wf.Status = WorkflowStatus(status)
		wf.CreatedAt = decodeTime(createdAt)
		wf.UpdatedAt = decodeTime(updatedAt)
		flows = append(flows, &wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate workflows: %w", err)
	}

	for _, wf := range flows {
		steps, err := s.loadSteps(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		wf.Steps = steps
	}
	return flows, nil
}

func (s *SQLite) loadSteps(ctx context.Context, workflowID string) ([]WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, agent_id, name, step_order, config, depends_on, condition, transform
		 FROM workflow_steps WHERE workflow_id = ? ORDER BY step_order`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load steps: %w", err)
	}
	defer rows.Close()

	var steps []WorkflowStep
	for rows.Next() {
		var st WorkflowStep
		var config, deps sql.NullString
		if err := rows.Scan(&st.ID, &st.WorkflowID, &st.AgentID, &st.Name, &st.Order, &config, &deps, &st.Condition, &st.Transform); err != nil {
			return nil, fmt.Errorf("sqlite: scan step: %w", err)
		}
		if config.Valid && config.String != "" {
			_ = json.Unmarshal([]byte(config.String), &st.Config)
		}
		if deps.Valid && deps.String != "" {
			_ = json.Unmarshal([]byte(deps.String), &st.DependsOn)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Runs ---

func (s *SQLite) CreateRun(ctx context.Context, params CreateRunParams) (*WorkflowRun, []*TaskExecution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var orgID, status string
	err = tx.QueryRowContext(ctx, `SELECT organization_id, status FROM workflows WHERE id = ?`, params.WorkflowID).
		Scan(&orgID, &status)
	if err == sql.ErrNoRows {
		return nil, nil, &errors.NotFoundError{Resource: "workflow", ID: params.WorkflowID}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: lookup workflow: %w", err)
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
		return nil, nil, fmt.Errorf("sqlite: marshal run input: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_id, organization_id, user_id, status, priority, input, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.OrganizationID, run.UserID, string(run.Status), string(run.Priority),
		nullBytes(input), encodeTime(now))
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: insert run: %w", err)
	}

	stepRows, err := tx.QueryContext(ctx,
		`SELECT id, agent_id, name, config FROM workflow_steps WHERE workflow_id = ? ORDER BY step_order`, params.WorkflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: snapshot steps: %w", err)
	}
	type stepSnap struct {
		id, agentID, name string
		config            sql.NullString
	}
	var snaps []stepSnap
	for stepRows.Next() {
		var sn stepSnap
		if err := stepRows.Scan(&sn.id, &sn.agentID, &sn.name, &sn.config); err != nil {
			stepRows.Close()
			return nil, nil, fmt.Errorf("sqlite: scan step: %w", err)
		}
		snaps = append(snaps, sn)
	}
	stepRows.Close()
	if err := stepRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("sqlite: iterate steps: %w", err)
	}

	tasks := make([]*TaskExecution, 0, len(snaps))
	for i, sn := range snaps {
		t := &TaskExecution{
			ID:          uuid.NewString(),
			RunID:       run.ID,
			StepID:      sn.id,
			StepName:    sn.name,
			AgentID:     sn.agentID,
			Status:      TaskPending,
			MaxRetries:  params.MaxRetries,
			TimeoutMS:   params.TimeoutMS,
			SubmittedAt: now,
		}
		var configArg any
		if sn.config.Valid && sn.config.String != "" {
			_ = json.Unmarshal([]byte(sn.config.String), &t.Config)
			configArg = sn.config.String
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO task_executions (id, run_id, step_id, step_name, agent_id, config, status, max_retries, timeout_ms, submitted_at, task_order)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.RunID, t.StepID, t.StepName, t.AgentID, configArg, string(t.Status), t.MaxRetries, t.TimeoutMS, encodeTime(now), i)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: insert task: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("sqlite: commit tx: %w", err)
	}
	return run, tasks, nil
}

func (s *SQLite) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	run, err := scanRunLite(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get run: %w", err)
	}
	return run, nil
}

func (s *SQLite) GetRunWithTasks(ctx context.Context, id string) (*WorkflowRun, []*TaskExecution, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := s.ListTasksByRun(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return run, tasks, nil
}

func (s *SQLite) UpdateRunStatus(ctx context.Context, runID string, from, to RunStatus, u RunUpdate) error {
	if !CanTransitionRun(from, to) {
		return runConflict(runID, from, to)
	}

	set := []string{"status = ?"}
	args := []any{string(to)}
	if u.Output != nil {
		output, err := marshalMap(u.Output)
		if err != nil {
			return fmt.Errorf("sqlite: marshal run output: %w", err)
		}
		set = append(set, "output = ?")
		args = append(args, string(output))
	}
	if u.Error != nil {
		set = append(set, "error = ?")
		args = append(args, *u.Error)
	}
	if u.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, encodeTime(*u.StartedAt))
	}
	if u.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, encodeTime(*u.CompletedAt))
	}
	if u.DurationMS != nil {
		set = append(set, "duration_ms = ?")
		args = append(args, *u.DurationMS)
	}
	args = append(args, runID, string(from))

	query := fmt.Sprintf(`UPDATE workflow_runs SET %s WHERE id = ? AND status = ?`, strings.Join(set, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: update run status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var actual string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM workflow_runs WHERE id = ?`, runID).Scan(&actual)
		if err == sql.ErrNoRows {
			return &errors.NotFoundError{Resource: "run", ID: runID}
		}
		if err != nil {
			return fmt.Errorf("sqlite: read run status: %w", err)
		}
		return runConflict(runID, RunStatus(actual), to)
	}
	return nil
}

func (s *SQLite) ListRunsByStatus(ctx context.Context, status RunStatus) ([]*WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE status = ? ORDER BY submitted_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		run, err := scanRunLite(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRunLite(row interface{ Scan(dest ...any) error }) (*WorkflowRun, error) {
	var run WorkflowRun
	var status, priority, submittedAt string
	var input, output, startedAt, completedAt sql.NullString
	err := row.Scan(&run.ID, &run.WorkflowID, &run.OrganizationID, &run.UserID, &status, &priority,
		&input, &output, &run.Error, &submittedAt, &startedAt, &completedAt, &run.DurationMS)
	if err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.Priority = Priority(priority)
	run.SubmittedAt = decodeTime(submittedAt)
	run.StartedAt = decodeNullTime(startedAt)
	run.CompletedAt = decodeNullTime(completedAt)
	if input.Valid && input.String != "" {
		_ = json.Unmarshal([]byte(input.String), &run.Input)
	}
	if output.Valid && output.String != "" {
		_ = json.Unmarshal([]byte(output.String), &run.Output)
	}
	return &run, nil
}

// --- Tasks ---

func (s *SQLite) GetTask(ctx context.Context, id string) (*TaskExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_executions WHERE id = ?`, id)
	t, err := scanTaskLite(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get task: %w", err)
	}
	return t, nil
}

func (s *SQLite) ListTasksByRun(ctx context.Context, runID string) ([]*TaskExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task_executions WHERE run_id = ? ORDER BY task_order`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*TaskExecution
	for rows.Next() {
		t, err := scanTaskLite(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate tasks: %w", err)
	}
	if tasks == nil {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM workflow_runs WHERE id = ?`, runID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("sqlite: check run: %w", err)
		}
		if exists == 0 {
			return nil, &errors.NotFoundError{Resource: "run", ID: runID}
		}
	}
	return tasks, nil
}

func (s *SQLite) UpdateTaskStatus(ctx context.Context, taskID string, from, to TaskStatus, u TaskUpdate) error {
	if !CanTransitionTask(from, to) {
		return taskConflict(taskID, from, to)
	}

	set := []string{"status = ?"}
	args := []any{string(to)}
	if u.Input != nil {
		input, err := marshalMap(u.Input)
		if err != nil {
			return fmt.Errorf("sqlite: marshal task input: %w", err)
		}
		set = append(set, "input = ?")
		args = append(args, string(input))
	}
	if u.Output != nil {
		output, err := marshalMap(u.Output)
		if err != nil {
			return fmt.Errorf("sqlite: marshal task output: %w", err)
		}
		set = append(set, "output = ?")
		args = append(args, string(output))
	}
	if u.Error != nil {
		set = append(set, "error = ?")
		args = append(args, *u.Error)
	}
	if u.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, encodeTime(*u.StartedAt))
	}
	if u.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, encodeTime(*u.CompletedAt))
	}
	if u.DurationMS != nil {
		set = append(set, "duration_ms = ?")
		args = append(args, *u.DurationMS)
	}
	if u.IncrementRetry {
		set = append(set, "retry_count = retry_count + 1")
	}
	if u.AppendLog != "" {
		set = append(set, "log = CASE WHEN log = '' THEN ? ELSE log || char(10) || ? END")
		args = append(args, u.AppendLog, u.AppendLog)
	}
	args = append(args, taskID, string(from))

	query := fmt.Sprintf(`UPDATE task_executions SET %s WHERE id = ? AND status = ?`, strings.Join(set, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: update task status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var actual string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM task_executions WHERE id = ?`, taskID).Scan(&actual)
		if err == sql.ErrNoRows {
			return &errors.NotFoundError{Resource: "task", ID: taskID}
		}
		if err != nil {
			return fmt.Errorf("sqlite: read task status: %w", err)
		}
		return taskConflict(taskID, TaskStatus(actual), to)
	}
	return nil
}

func (s *SQLite) SetTaskInput(ctx context.Context, taskID string, input map[string]any) error {
	raw, err := marshalMap(input)
	if err != nil {
		return fmt.Errorf("sqlite: marshal task input: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE task_executions SET input = ? WHERE id = ?`, nullBytes(raw), taskID)
	if err != nil {
		return fmt.Errorf("sqlite: set task input: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &errors.NotFoundError{Resource: "task", ID: taskID}
	}
	return nil
}

func scanTaskLite(row interface{ Scan(dest ...any) error }) (*TaskExecution, error) {
	var t TaskExecution
	var status, submittedAt string
	var config, input, output, startedAt, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.RunID, &t.StepID, &t.StepName, &t.AgentID, &config, &status,
		&input, &output, &t.Error, &t.RetryCount, &t.MaxRetries, &t.TimeoutMS,
		&submittedAt, &startedAt, &completedAt, &t.DurationMS, &t.Log)
	if err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.SubmittedAt = decodeTime(submittedAt)
	t.StartedAt = decodeNullTime(startedAt)
	t.CompletedAt = decodeNullTime(completedAt)
	if config.Valid && config.String != "" {
		_ = json.Unmarshal([]byte(config.String), &t.Config)
	}
	if input.Valid && input.String != "" {
		_ = json.Unmarshal([]byte(input.String), &t.Input)
	}
	if output.Valid && output.String != "" {
		_ = json.Unmarshal([]byte(output.String), &t.Output)
	}
	return &t, nil
}

// --- Audit ---

func (s *SQLite) AppendAudit(ctx context.Context, rec *AuditRecord) error {
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
		return fmt.Errorf("sqlite: marshal audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, organization_id, actor_id, action, resource, resource_id, details, source_addr, severity, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.OrganizationID, rec.ActorID, rec.Action, rec.Resource, rec.ResourceID,
		nullBytes(details), rec.SourceAddr, rec.Severity, encodeTime(createdAt))
	if err != nil {
		return fmt.Errorf("sqlite: append audit: %w", err)
	}
	return nil
}

func (s *SQLite) ListAudit(ctx context.Context, f AuditFilter) ([]*AuditRecord, error) {
	query := `SELECT id, organization_id, actor_id, action, resource, resource_id, details, source_addr, severity, created_at
		 FROM audit_logs WHERE 1=1`
	args := []any{}

	if f.OrganizationID != "" {
		query += " AND organization_id = ?"
		args = append(args, f.OrganizationID)
	}
	if f.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, f.ActorID)
	}
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.Resource != "" {
		query += " AND resource = ?"
		args = append(args, f.Resource)
	}
	if f.ResourceID != "" {
		query += " AND resource_id = ?"
		args = append(args, f.ResourceID)
	}

	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit: %w", err)
	}
	defer rows.Close()

	var recs []*AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var details sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.OrganizationID, &rec.ActorID, &rec.Action, &rec.Resource,
			&rec.ResourceID, &details, &rec.SourceAddr, &rec.Severity, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit: %w", err)
		}
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &rec.Details)
		}
		rec.CreatedAt = decodeTime(createdAt)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

func (s *SQLite) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < ?`, encodeTime(before))
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge audit: %w", err)
	}
	return res.RowsAffected()
}

// --- Metrics ---

func (s *SQLite) RecordMetric(ctx context.Context, name string, value float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics (name, value, recorded_at) VALUES (?, ?, ?)`, name, value, encodeTime(at))
	if err != nil {
		return fmt.Errorf("sqlite: record metric: %w", err)
	}
	return nil
}

// --- Helpers ---

// sqliteTimeLayout is RFC 3339 with a fixed nine-digit fraction.
// RFC3339Nano trims trailing zeros, which breaks lexicographic ordering
// between values of different precision; a fixed width keeps text order
// equal to time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func decodeTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func decodeNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, _ := time.Parse(time.RFC3339Nano, s.String)
	return &t
}

// nullBytes returns nil for empty JSON so the column stores SQL NULL.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
