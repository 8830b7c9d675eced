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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/maestro/pkg/agent"
	"github.com/tombee/maestro/pkg/errors"
)

// Memory is the in-process store. Every value crossing the boundary is
// deep-copied so callers never alias internal state.
type Memory struct {
	mu       sync.RWMutex
	orgs     map[string]*Organization
	users    map[string]*User
	apiKeys  map[string]*APIKey // keyed by opaque key value
	agents   map[string]agent.Definition
	flows    map[string]*Workflow
	runs     map[string]*WorkflowRun
	tasks    map[string]*TaskExecution
	runTasks map[string][]string // runID → taskIDs in snapshot order
	audits   []*AuditRecord
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		orgs:     make(map[string]*Organization),
		users:    make(map[string]*User),
		apiKeys:  make(map[string]*APIKey),
		agents:   make(map[string]agent.Definition),
		flows:    make(map[string]*Workflow),
		runs:     make(map[string]*WorkflowRun),
		tasks:    make(map[string]*TaskExecution),
		runTasks: make(map[string][]string),
	}
}

// Init is a no-op for the memory backend.
func (m *Memory) Init(ctx context.Context) error { return nil }

// Ping is a no-op for the memory backend.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the memory backend.
func (m *Memory) Close() error { return nil }

func (m *Memory) PutOrganization(ctx context.Context, org *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *org
	m.orgs[org.ID] = &cp
	return nil
}

func (m *Memory) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.orgs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "organization", ID: id}
	}
	cp := *org
	return &cp, nil
}

func (m *Memory) PutUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	cp.Permissions = append([]string(nil), u.Permissions...)
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "user", ID: id}
	}
	cp := *u
	cp.Permissions = append([]string(nil), u.Permissions...)
	return &cp, nil
}

func (m *Memory) PutAPIKey(ctx context.Context, k *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *k
	m.apiKeys[k.Key] = &cp
	return nil
}

func (m *Memory) GetUserByAPIKey(ctx context.Context, key string) (*User, error) {
	m.mu.RLock()
	k, ok := m.apiKeys[key]
	m.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "api key", ID: "<redacted>"}
	}
	return m.GetUser(ctx, k.UserID)
}

func (m *Memory) PutAgent(ctx context.Context, def agent.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[def.ID] = cloneAgentDef(def)
	return nil
}

func (m *Memory) GetAgent(ctx context.Context, id string) (agent.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.agents[id]
	if !ok {
		return agent.Definition{}, &errors.NotFoundError{Resource: "agent", ID: id}
	}
	return cloneAgentDef(def), nil
}

func (m *Memory) ListAgents(ctx context.Context) ([]agent.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	defs := make([]agent.Definition, 0, len(m.agents))
	for _, def := range m.agents {
		defs = append(defs, cloneAgentDef(def))
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

func (m *Memory) PutWorkflow(ctx context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int]bool, len(wf.Steps))
	for _, s := range wf.Steps {
		if seen[s.Order] {
			return &errors.ValidationError{Field: "steps", Message: "duplicate step order", Suggestion: "step order must be unique within a workflow"}
		}
		seen[s.Order] = true
	}
	m.flows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (m *Memory) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.flows[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return cloneWorkflow(wf), nil
}

func (m *Memory) ListWorkflows(ctx context.Context, orgID string) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Workflow
	for _, wf := range m.flows {
		if orgID == "" || wf.OrganizationID == orgID {
			out = append(out, cloneWorkflow(wf))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateRun(ctx context.Context, p CreateRunParams) (*WorkflowRun, []*TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wf, ok := m.flows[p.WorkflowID]
	if !ok {
		return nil, nil, &errors.NotFoundError{Resource: "workflow", ID: p.WorkflowID}
	}
	if wf.OrganizationID != p.OrganizationID {
		return nil, nil, &errors.AuthorizationError{Actor: p.ActorID, Action: "workflow:execute", Resource: p.WorkflowID}
	}
	if wf.Status != WorkflowActive {
		return nil, nil, &errors.ValidationError{Field: "workflowId", Message: "workflow is disabled", Suggestion: "re-enable the workflow before submitting runs"}
	}

	now := time.Now().UTC()
	run := &WorkflowRun{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		OrganizationID: wf.OrganizationID,
		UserID:         p.ActorID,
		Status:         RunPending,
		Priority:       p.Priority,
		Input:          cloneMap(p.Input),
		SubmittedAt:    now,
	}

	steps := append([]WorkflowStep(nil), wf.Steps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	tasks := make([]*TaskExecution, 0, len(steps))
	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		t := &TaskExecution{
			ID:          uuid.NewString(),
			RunID:       run.ID,
			StepID:      s.ID,
			StepName:    s.Name,
			AgentID:     s.AgentID,
			Config:      cloneMap(s.Config),
			Status:      TaskPending,
			MaxRetries:  p.MaxRetries,
			TimeoutMS:   p.TimeoutMS,
			SubmittedAt: now,
		}
		m.tasks[t.ID] = t
		ids = append(ids, t.ID)
		tasks = append(tasks, cloneTask(t))
	}

	m.runs[run.ID] = run
	m.runTasks[run.ID] = ids

	cp := cloneRun(run)
	return cp, tasks, nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return cloneRun(run), nil
}

func (m *Memory) GetRunWithTasks(ctx context.Context, id string) (*WorkflowRun, []*TaskExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	ids := m.runTasks[id]
	tasks := make([]*TaskExecution, 0, len(ids))
	for _, tid := range ids {
		if t, ok := m.tasks[tid]; ok {
			tasks = append(tasks, cloneTask(t))
		}
	}
	return cloneRun(run), tasks, nil
}

func (m *Memory) UpdateRunStatus(ctx context.Context, runID string, from, to RunStatus, u RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if run.Status != from || !CanTransitionRun(from, to) {
		return runConflict(runID, run.Status, to)
	}
	run.Status = to
	if u.Output != nil {
		run.Output = cloneMap(u.Output)
	}
	if u.Error != nil {
		run.Error = *u.Error
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		run.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		run.CompletedAt = &t
	}
	if u.DurationMS != nil {
		run.DurationMS = *u.DurationMS
	}
	return nil
}

func (m *Memory) ListRunsByStatus(ctx context.Context, status RunStatus) ([]*WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*WorkflowRun
	for _, run := range m.runs {
		if run.Status == status {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*TaskExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "task", ID: id}
	}
	return cloneTask(t), nil
}

func (m *Memory) ListTasksByRun(ctx context.Context, runID string) ([]*TaskExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids, ok := m.runTasks[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	tasks := make([]*TaskExecution, 0, len(ids))
	for _, tid := range ids {
		if t, ok := m.tasks[tid]; ok {
			tasks = append(tasks, cloneTask(t))
		}
	}
	return tasks, nil
}

func (m *Memory) UpdateTaskStatus(ctx context.Context, taskID string, from, to TaskStatus, u TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return &errors.NotFoundError{Resource: "task", ID: taskID}
	}
	if t.Status != from || !CanTransitionTask(from, to) {
		return taskConflict(taskID, t.Status, to)
	}
	t.Status = to
	applyTaskUpdate(t, u)
	return nil
}

func (m *Memory) SetTaskInput(ctx context.Context, taskID string, input map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return &errors.NotFoundError{Resource: "task", ID: taskID}
	}
	t.Input = cloneMap(input)
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.Details = cloneMap(rec.Details)
	m.audits = append(m.audits, &cp)
	return nil
}

func (m *Memory) ListAudit(ctx context.Context, f AuditFilter) ([]*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AuditRecord
	for i := len(m.audits) - 1; i >= 0; i-- {
		rec := m.audits[i]
		if f.OrganizationID != "" && rec.OrganizationID != f.OrganizationID {
			continue
		}
		if f.ActorID != "" && rec.ActorID != f.ActorID {
			continue
		}
		if f.Action != "" && rec.Action != f.Action {
			continue
		}
		if f.Resource != "" && rec.Resource != f.Resource {
			continue
		}
		if f.ResourceID != "" && rec.ResourceID != f.ResourceID {
			continue
		}
		cp := *rec
		cp.Details = cloneMap(rec.Details)
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.audits[:0]
	var purged int64
	for _, rec := range m.audits {
		if rec.CreatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, rec)
	}
	m.audits = kept
	return purged, nil
}

// RecordMetric is a no-op for the memory backend; samples are only useful
// when they outlive the process.
func (m *Memory) RecordMetric(ctx context.Context, name string, value float64, at time.Time) error {
	return nil
}

func applyTaskUpdate(t *TaskExecution, u TaskUpdate) {
	if u.Input != nil {
		t.Input = cloneMap(u.Input)
	}
	if u.Output != nil {
		t.Output = cloneMap(u.Output)
	}
	if u.Error != nil {
		t.Error = *u.Error
	}
	if u.StartedAt != nil {
		ts := *u.StartedAt
		t.StartedAt = &ts
	}
	if u.CompletedAt != nil {
		ts := *u.CompletedAt
		t.CompletedAt = &ts
	}
	if u.DurationMS != nil {
		t.DurationMS = *u.DurationMS
	}
	if u.IncrementRetry {
		t.RetryCount++
	}
	if u.AppendLog != "" {
		if t.Log != "" {
			t.Log += "\n"
		}
		t.Log += u.AppendLog
	}
}

func cloneRun(run *WorkflowRun) *WorkflowRun {
	cp := *run
	cp.Input = cloneMap(run.Input)
	cp.Output = cloneMap(run.Output)
	if run.StartedAt != nil {
		t := *run.StartedAt
		cp.StartedAt = &t
	}
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneTask(t *TaskExecution) *TaskExecution {
	cp := *t
	cp.Config = cloneMap(t.Config)
	cp.Input = cloneMap(t.Input)
	cp.Output = cloneMap(t.Output)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

func cloneWorkflow(wf *Workflow) *Workflow {
	cp := *wf
	cp.Steps = make([]WorkflowStep, len(wf.Steps))
	for i, s := range wf.Steps {
		sc := s
		sc.Config = cloneMap(s.Config)
		sc.DependsOn = append([]string(nil), s.DependsOn...)
		cp.Steps[i] = sc
	}
	return &cp
}

func cloneAgentDef(def agent.Definition) agent.Definition {
	cp := def
	cp.Capabilities = append([]string(nil), def.Capabilities...)
	cp.Tools = append([]string(nil), def.Tools...)
	cp.Config = cloneMap(def.Config)
	return cp
}

// cloneMap deep-copies a JSON-shaped map. Values of other types are shared;
// payloads that cross the store boundary are decoded JSON, so maps and
// slices are the only containers that matter.
func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
