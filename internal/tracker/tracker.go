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

// Package tracker keeps the priority-sorted live view of task executions,
// synchronized with the state store. Status updates write through to the
// store and publish task events; terminal tasks age out of the working
// set into a bounded history ring.
package tracker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/maestro/internal/audit"
	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/log"
	obs "github.com/tombee/maestro/internal/metrics"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/errors"
)

const (
	defaultHistoryLimit = 1000
	defaultRetention    = 24 * time.Hour
	defaultSweepEvery   = 10 * time.Minute
)

// Metrics is the tracker's aggregate view. Counters are cumulative so
// history eviction does not skew the averages.
type Metrics struct {
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Running     int     `json:"running"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	AvgExecMS   float64 `json:"avgExecMs"`
	SuccessRate float64 `json:"successRate"`
}

// CreateParams describe a task registered directly with the tracker.
type CreateParams struct {
	RunID          string
	StepID         string
	StepName       string
	AgentID        string
	OrganizationID string
	Config         map[string]any
	Input          map[string]any
	Priority       store.Priority
	MaxRetries     int
	TimeoutMS      int64
}

// Config configures a Tracker.
type Config struct {
	// Store is the write-through sink for status updates. Required.
	Store store.Store

	Publisher bus.Publisher
	Audit     *audit.Recorder
	Collector *obs.Metrics
	Logger    *slog.Logger

	// HistoryLimit bounds the terminal-task history ring. Default 1000.
	HistoryLimit int

	// Retention is how long terminal tasks stay in the working set
	// before migrating to history. Default 24 hours.
	Retention time.Duration

	// SweepEvery is the migration loop period. Default 10 minutes.
	SweepEvery time.Duration
}

// entry is one tracked task plus the scheduling attributes that live on
// its run rather than on the task row.
type entry struct {
	task     *store.TaskExecution
	orgID    string
	priority store.Priority
	seq      uint64
}

// Tracker is the live task view.
type Tracker struct {
	store     store.Store
	publisher bus.Publisher
	auditor   *audit.Recorder
	collector *obs.Metrics
	logger    *slog.Logger

	historyLimit int
	retention    time.Duration
	sweepEvery   time.Duration

	mu      sync.Mutex
	live    map[string]*entry
	history []*store.TaskExecution
	seq     uint64

	createdTotal   int
	completedTotal int
	failedTotal    int
	execMSTotal    int64
	execSamples    int

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Tracker. Call Start to run the history migration loop.
func New(cfg Config) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = bus.Nop{}
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	sweepEvery := cfg.SweepEvery
	if sweepEvery <= 0 {
		sweepEvery = defaultSweepEvery
	}

	return &Tracker{
		store:        cfg.Store,
		publisher:    publisher,
		auditor:      cfg.Audit,
		collector:    cfg.Collector,
		logger:       log.WithComponent(logger, "tracker"),
		historyLimit: historyLimit,
		retention:    retention,
		sweepEvery:   sweepEvery,
		live:         make(map[string]*entry),
	}
}

// Register adopts a persisted task execution into the working set.
// Registering the same task twice is a no-op.
func (t *Tracker) Register(task *store.TaskExecution, orgID string, priority store.Priority) {
	if !priority.Valid() {
		priority = store.PriorityNormal
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.live[task.ID]; ok {
		return
	}
	t.seq++
	t.createdTotal++
	cp := *task
	t.live[task.ID] = &entry{task: &cp, orgID: orgID, priority: priority, seq: t.seq}
}

// Create builds a pending task and registers it. The task exists only in
// the tracker until a caller persists it; run-bound tasks are persisted
// by run creation and adopted with Register instead.
func (t *Tracker) Create(p CreateParams) *store.TaskExecution {
	task := &store.TaskExecution{
		ID:          uuid.NewString(),
		RunID:       p.RunID,
		StepID:      p.StepID,
		StepName:    p.StepName,
		AgentID:     p.AgentID,
		Config:      p.Config,
		Status:      store.TaskPending,
		Input:       p.Input,
		MaxRetries:  p.MaxRetries,
		TimeoutMS:   p.TimeoutMS,
		SubmittedAt: time.Now().UTC(),
	}
	t.Register(task, p.OrganizationID, p.Priority)
	return task
}

// Get returns a copy of a tracked task.
func (t *Tracker) Get(taskID string) (*store.TaskExecution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.live[taskID]
	if !ok {
		return nil, false
	}
	cp := *e.task
	return &cp, true
}

// UpdateStatus transitions a tracked task, writing through to the store
// and publishing the matching task event. The store's CAS is the
// authority: a conflict there surfaces unchanged and the live copy is
// left untouched.
func (t *Tracker) UpdateStatus(ctx context.Context, taskID string, to store.TaskStatus, u store.TaskUpdate) error {
	t.mu.Lock()
	e, ok := t.live[taskID]
	if !ok {
		t.mu.Unlock()
		return &errors.NotFoundError{Resource: "task", ID: taskID}
	}
	from := e.task.Status
	if !store.CanTransitionTask(from, to) {
		t.mu.Unlock()
		return &errors.ConflictError{Resource: "task", ID: taskID, From: string(from), To: string(to)}
	}
	t.mu.Unlock()

	// Write-through. Tasks created directly with the tracker have no
	// store row; treat not-found as tracker-only.
	err := t.store.UpdateTaskStatus(ctx, taskID, from, to, u)
	if err != nil {
		var notFound *errors.NotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}

	t.mu.Lock()
	e.task.Status = to
	applyUpdate(e.task, u)
	task := *e.task
	orgID := e.orgID
	switch to {
	case store.TaskCompleted:
		t.completedTotal++
		t.observeExecLocked(task.DurationMS)
	case store.TaskFailed:
		t.failedTotal++
		t.observeExecLocked(task.DurationMS)
	}
	t.mu.Unlock()

	t.publishTransition(&task, orgID, from)
	t.auditor.Record(ctx, &store.AuditRecord{
		OrganizationID: orgID,
		Action:         audit.ActionTaskTransition,
		Resource:       "task_execution",
		ResourceID:     task.ID,
		Severity:       audit.SeverityLow,
		Details: map[string]any{
			"from":  string(from),
			"to":    string(to),
			"runId": task.RunID,
			"step":  task.StepName,
			"retry": task.RetryCount,
			"agent": task.AgentID,
		},
	})
	if t.collector != nil && to.Terminal() {
		t.collector.TaskFinished(string(to), task.AgentID, time.Duration(task.DurationMS)*time.Millisecond)
	}
	return nil
}

func (t *Tracker) observeExecLocked(durationMS int64) {
	if durationMS <= 0 {
		return
	}
	t.execMSTotal += durationMS
	t.execSamples++
}

// publishTransition maps a status change onto the bus event vocabulary:
// terminal success and failure get their own types, everything else is a
// task_status update.
func (t *Tracker) publishTransition(task *store.TaskExecution, orgID string, from store.TaskStatus) {
	data := map[string]any{
		"taskId":   task.ID,
		"runId":    task.RunID,
		"stepName": task.StepName,
		"agentId":  task.AgentID,
		"status":   string(task.Status),
		"from":     string(from),
	}
	eventType := bus.EventTaskStatus
	switch task.Status {
	case store.TaskCompleted:
		eventType = bus.EventTaskCompleted
		data["durationMs"] = task.DurationMS
	case store.TaskFailed:
		eventType = bus.EventTaskFailed
		data["error"] = task.Error
		data["retryCount"] = task.RetryCount
	}

	channels := []string{bus.ChannelTasks}
	if task.RunID != "" {
		channels = append(channels, bus.RunChannel(task.RunID))
	}
	t.publisher.Publish(bus.Event{
		Type:           eventType,
		Channels:       channels,
		OrganizationID: orgID,
		Data:           data,
	})
}

// PendingSorted returns pending tasks ordered by priority weight, then
// FIFO within a priority class.
func (t *Tracker) PendingSorted() []*store.TaskExecution {
	t.mu.Lock()
	defer t.mu.Unlock()

	var entries []*entry
	for _, e := range t.live {
		if e.task.Status == store.TaskPending {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		wi, wj := entries[i].priority.Weight(), entries[j].priority.Weight()
		if wi != wj {
			return wi > wj
		}
		return entries[i].seq < entries[j].seq
	})

	out := make([]*store.TaskExecution, len(entries))
	for i, e := range entries {
		cp := *e.task
		out[i] = &cp
	}
	return out
}

// Running returns the currently executing tasks.
func (t *Tracker) Running() []*store.TaskExecution {
	return t.RunningForOrg("")
}

// RunningForOrg returns the executing tasks scoped to one organization.
// An empty orgID returns every running task.
func (t *Tracker) RunningForOrg(orgID string) []*store.TaskExecution {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*store.TaskExecution
	for _, e := range t.live {
		if e.task.Status != store.TaskRunning {
			continue
		}
		if orgID != "" && e.orgID != orgID {
			continue
		}
		cp := *e.task
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Retry re-queues a failed task. Permitted only while the retry budget
// holds; returns whether the transition happened.
func (t *Tracker) Retry(ctx context.Context, taskID string) bool {
	t.mu.Lock()
	e, ok := t.live[taskID]
	if !ok || e.task.Status != store.TaskFailed || e.task.RetryCount >= e.task.MaxRetries {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	empty := ""
	err := t.UpdateStatus(ctx, taskID, store.TaskPending, store.TaskUpdate{
		Error:          &empty,
		IncrementRetry: true,
	})
	return err == nil
}

// Cancel transitions a non-terminal task to cancelled; returns whether
// the transition happened.
func (t *Tracker) Cancel(ctx context.Context, taskID string) bool {
	t.mu.Lock()
	e, ok := t.live[taskID]
	if !ok || e.task.Status.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	now := time.Now().UTC()
	err := t.UpdateStatus(ctx, taskID, store.TaskCancelled, store.TaskUpdate{CompletedAt: &now})
	return err == nil
}

// Metrics reports the aggregate task view.
func (t *Tracker) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := Metrics{
		Total:     t.createdTotal,
		Completed: t.completedTotal,
		Failed:    t.failedTotal,
	}
	for _, e := range t.live {
		switch e.task.Status {
		case store.TaskPending:
			m.Pending++
		case store.TaskRunning:
			m.Running++
		}
	}
	if t.execSamples > 0 {
		m.AvgExecMS = float64(t.execMSTotal) / float64(t.execSamples)
	}
	if terminal := t.completedTotal + t.failedTotal; terminal > 0 {
		m.SuccessRate = float64(t.completedTotal) / float64(terminal)
	}
	return m
}

// Sweep migrates terminal tasks whose retention window has passed into
// the bounded history ring.
func (t *Tracker) Sweep(now time.Time) {
	cutoff := now.Add(-t.retention)

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.live {
		if !e.task.Status.Terminal() {
			continue
		}
		completed := e.task.CompletedAt
		if completed == nil || completed.After(cutoff) {
			continue
		}
		t.history = append(t.history, e.task)
		delete(t.live, id)
	}
	if over := len(t.history) - t.historyLimit; over > 0 {
		t.history = append([]*store.TaskExecution(nil), t.history[over:]...)
	}
}

// History returns the migrated terminal tasks, oldest first.
func (t *Tracker) History() []*store.TaskExecution {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*store.TaskExecution, len(t.history))
	for i, task := range t.history {
		cp := *task
		out[i] = &cp
	}
	return out
}

// Start launches the history migration loop.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.mu.Unlock()

	go t.run(ctx)
}

// Stop halts the migration loop.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	t.mu.Unlock()

	<-t.doneCh
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}

// applyUpdate mirrors the store's update application onto the tracked
// copy so the live view matches what was persisted.
func applyUpdate(task *store.TaskExecution, u store.TaskUpdate) {
	if u.Input != nil {
		task.Input = u.Input
	}
	if u.Output != nil {
		task.Output = u.Output
	}
	if u.Error != nil {
		task.Error = *u.Error
	}
	if u.StartedAt != nil {
		ts := *u.StartedAt
		task.StartedAt = &ts
	}
	if u.CompletedAt != nil {
		ts := *u.CompletedAt
		task.CompletedAt = &ts
	}
	if u.DurationMS != nil {
		task.DurationMS = *u.DurationMS
	}
	if u.IncrementRetry {
		task.RetryCount++
	}
	if u.AppendLog != "" {
		if task.Log != "" {
			task.Log += "\n"
		}
		task.Log += u.AppendLog
	}
}
