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

// Package orchestrator owns the daemon's execution machinery: it admits
// run submissions, spawns one coordinator per run, and feeds queued tasks
// through a pool of workers that invoke agents under the resource
// manager's admission control.
package orchestrator

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/maestro/internal/audit"
	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/log"
	obs "github.com/tombee/maestro/internal/metrics"
	"github.com/tombee/maestro/internal/queue"
	"github.com/tombee/maestro/internal/registry"
	"github.com/tombee/maestro/internal/resources"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/internal/tracker"
	"github.com/tombee/maestro/internal/workflow"
	"github.com/tombee/maestro/pkg/errors"
)

const (
	defaultWorkers     = 4
	defaultTaskTimeout = 5 * time.Minute
	defaultDenialDelay = 500 * time.Millisecond
	defaultDrainGrace  = 10 * time.Second
	defaultSweepEvery  = 5 * time.Second
)

// ErrDraining is returned for submissions while the orchestrator shuts
// down. Callers should retry against another instance.
var ErrDraining = goerrors.New("orchestrator is draining")

// Config wires an Orchestrator to the daemon's components.
type Config struct {
	Store     store.Store
	Queue     queue.Queue
	Registry  *registry.Registry
	Tracker   *tracker.Tracker
	Resources *resources.Manager

	Publisher bus.Publisher
	Audit     *audit.Recorder
	Collector *obs.Metrics
	Logger    *slog.Logger

	// Plans memoizes compiled plans when workflow caching is enabled.
	Plans *workflow.PlanCache

	// Workers is the size of the dequeue pool. Default 4.
	Workers int

	// TaskTimeout applies to tasks without their own timeout. Default 5m.
	TaskTimeout time.Duration

	// MaxRetries is the per-task retry budget for new runs. Zero means
	// no retries.
	MaxRetries int

	// DenialDelay is how long a resource-denied job waits before its
	// next admission attempt. Default 500ms.
	DenialDelay time.Duration

	// DrainGrace bounds how long Stop waits for cancelled runs to
	// finalize. Default 10s.
	DrainGrace time.Duration

	// SweepEvery is the cadence of lease recovery and queue depth
	// sampling. Default 5s.
	SweepEvery time.Duration
}

// SubmitRequest describes one run submission.
type SubmitRequest struct {
	WorkflowID     string
	ActorID        string
	OrganizationID string
	Input          map[string]any
	Priority       store.Priority
}

// Orchestrator coordinates run executors and the worker pool.
type Orchestrator struct {
	st        store.Store
	q         queue.Queue
	reg       *registry.Registry
	tr        *tracker.Tracker
	res       *resources.Manager
	pub       bus.Publisher
	auditor   *audit.Recorder
	collector *obs.Metrics
	plans     *workflow.PlanCache
	eval      *workflow.Evaluator
	transform *workflow.Transformer
	logger    *slog.Logger

	workers     int
	taskTimeout time.Duration
	maxRetries  int
	denialDelay time.Duration
	drainGrace  time.Duration
	sweepEvery  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	runs    map[string]*workflow.Executor
	started bool

	draining atomic.Bool

	runWG    sync.WaitGroup
	workerWG sync.WaitGroup
	loopWG   sync.WaitGroup
}

// New validates the wiring and builds an Orchestrator. Start must be
// called before submissions are accepted.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("orchestrator: queue is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("orchestrator: registry is required")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("orchestrator: tracker is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = bus.Nop{}
	}

	o := &Orchestrator{
		st:          cfg.Store,
		q:           cfg.Queue,
		reg:         cfg.Registry,
		tr:          cfg.Tracker,
		res:         cfg.Resources,
		pub:         publisher,
		auditor:     cfg.Audit,
		collector:   cfg.Collector,
		plans:       cfg.Plans,
		eval:        workflow.NewEvaluator(),
		transform:   workflow.NewTransformer(),
		logger:      log.WithComponent(logger, "orchestrator"),
		workers:     cfg.Workers,
		taskTimeout: cfg.TaskTimeout,
		maxRetries:  cfg.MaxRetries,
		denialDelay: cfg.DenialDelay,
		drainGrace:  cfg.DrainGrace,
		sweepEvery:  cfg.SweepEvery,
		runs:        make(map[string]*workflow.Executor),
	}
	if o.workers <= 0 {
		o.workers = defaultWorkers
	}
	if o.taskTimeout <= 0 {
		o.taskTimeout = defaultTaskTimeout
	}
	if o.maxRetries < 0 {
		o.maxRetries = 0
	}
	if o.denialDelay <= 0 {
		o.denialDelay = defaultDenialDelay
	}
	if o.drainGrace <= 0 {
		o.drainGrace = defaultDrainGrace
	}
	if o.sweepEvery <= 0 {
		o.sweepEvery = defaultSweepEvery
	}
	return o, nil
}

// Start recovers state abandoned by a previous process, then launches the
// worker pool and maintenance loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Unlock()

	if err := o.recover(ctx); err != nil {
		return err
	}

	for i := 0; i < o.workers; i++ {
		o.workerWG.Add(1)
		go func(id int) {
			defer o.workerWG.Done()
			o.worker(id)
		}(i)
	}

	o.loopWG.Add(1)
	go func() {
		defer o.loopWG.Done()
		o.maintenance()
	}()

	o.logger.Info("orchestrator started", slog.Int("workers", o.workers))
	return nil
}

// recover fails over runs a previous process left in flight. Their
// non-terminal tasks and then the runs themselves are marked failed; no
// agent is invoked for them.
func (o *Orchestrator) recover(ctx context.Context) error {
	abandoned, err := o.st.ListRunsByStatus(ctx, store.RunRunning)
	if err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}
	for _, run := range abandoned {
		reason := "orchestrator_restart"
		tasks, err := o.st.ListTasksByRun(ctx, run.ID)
		if err != nil {
			o.logger.Error("recovery: listing tasks failed", log.Error(err), slog.String(log.RunIDKey, run.ID))
			continue
		}
		now := time.Now().UTC()
		for _, task := range tasks {
			if task.Status.Terminal() {
				continue
			}
			if err := o.st.UpdateTaskStatus(ctx, task.ID, task.Status, store.TaskFailed, store.TaskUpdate{
				Error:       &reason,
				CompletedAt: &now,
			}); err != nil {
				o.logger.Warn("recovery: task transition failed", log.Error(err), slog.String(log.TaskIDKey, task.ID))
			}
		}
		if err := o.st.UpdateRunStatus(ctx, run.ID, store.RunRunning, store.RunFailed, store.RunUpdate{
			Error:       &reason,
			CompletedAt: &now,
		}); err != nil {
			o.logger.Warn("recovery: run transition failed", log.Error(err), slog.String(log.RunIDKey, run.ID))
			continue
		}
		o.pub.Publish(bus.Event{
			Type:           bus.EventWorkflowFailed,
			Channels:       []string{bus.ChannelWorkflows, bus.RunChannel(run.ID)},
			OrganizationID: run.OrganizationID,
			Data: map[string]any{
				"runId":      run.ID,
				"workflowId": run.WorkflowID,
				"status":     string(store.RunFailed),
				"error":      reason,
			},
		})
		o.auditor.Record(ctx, &store.AuditRecord{
			OrganizationID: run.OrganizationID,
			ActorID:        "system",
			Action:         audit.ActionRunTransition,
			Resource:       "workflow_run",
			ResourceID:     run.ID,
			Severity:       audit.SeverityMedium,
			Details:        map[string]any{"from": string(store.RunRunning), "to": string(store.RunFailed), "reason": reason},
		})
		if o.collector != nil {
			o.collector.RunFinished(string(store.RunFailed))
		}
		o.logger.Warn("recovered abandoned run", slog.String(log.RunIDKey, run.ID))
	}
	if len(abandoned) > 0 {
		o.logger.Info("recovery sweep finished", slog.Int("runs", len(abandoned)))
	}
	return nil
}

// Draining reports whether the orchestrator has begun shutting down.
func (o *Orchestrator) Draining() bool {
	return o.draining.Load()
}

// ActiveRuns counts runs with a live coordinator.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// SubmitRun validates a submission, snapshots the run, and starts its
// coordinator. The returned run is already persisted in pending state.
func (o *Orchestrator) SubmitRun(ctx context.Context, req SubmitRequest) (*store.WorkflowRun, error) {
	if o.draining.Load() {
		return nil, ErrDraining
	}

	priority := req.Priority
	if priority == "" {
		priority = store.PriorityNormal
	}
	if !priority.Valid() {
		return nil, &errors.ValidationError{
			Field:      "priority",
			Message:    fmt.Sprintf("unknown priority %q", req.Priority),
			Suggestion: "use one of: low, normal, high, urgent",
		}
	}

	wf, err := o.st.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if wf.OrganizationID != req.OrganizationID {
		o.auditDenied(ctx, req.OrganizationID, req.ActorID, "workflow", req.WorkflowID, "execute")
		return nil, &errors.AuthorizationError{Actor: req.ActorID, Action: "execute", Resource: "workflow " + req.WorkflowID}
	}
	if wf.Status != store.WorkflowActive {
		return nil, &errors.ValidationError{
			Field:   "workflow",
			Message: fmt.Sprintf("workflow %s is %s, not active", wf.ID, wf.Status),
		}
	}

	plan, err := o.compile(wf)
	if err != nil {
		return nil, err
	}

	run, tasks, err := o.st.CreateRun(ctx, store.CreateRunParams{
		WorkflowID:     wf.ID,
		ActorID:        req.ActorID,
		OrganizationID: req.OrganizationID,
		Input:          req.Input,
		Priority:       priority,
		MaxRetries:     o.maxRetries,
		TimeoutMS:      o.taskTimeout.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		o.tr.Register(task, run.OrganizationID, run.Priority)
	}

	ex := workflow.NewExecutor(workflow.ExecutorConfig{
		Store:     o.st,
		Queue:     o.q,
		Tasks:     o.tr,
		Publisher: o.pub,
		Audit:     o.auditor,
		Collector: o.collector,
		Evaluator: o.eval,
		Logger:    o.logger,
	}, run, plan, tasks)

	o.mu.Lock()
	o.runs[run.ID] = ex
	o.mu.Unlock()

	o.runWG.Add(1)
	go func() {
		defer o.runWG.Done()
		defer o.dropRun(run.ID)
		ex.Execute(o.ctx)
	}()

	o.auditor.Record(ctx, &store.AuditRecord{
		OrganizationID: run.OrganizationID,
		ActorID:        req.ActorID,
		Action:         audit.ActionRunSubmitted,
		Resource:       "workflow_run",
		ResourceID:     run.ID,
		Severity:       audit.SeverityLow,
		Details: map[string]any{
			"workflowId": wf.ID,
			"priority":   string(priority),
			"steps":      len(tasks),
		},
	})
	o.logger.Info("run submitted",
		slog.String(log.RunIDKey, run.ID),
		slog.String(log.WorkflowKey, wf.ID),
		slog.String("priority", string(priority)),
		slog.Int("steps", len(tasks)))
	return run, nil
}

func (o *Orchestrator) compile(wf *store.Workflow) (*workflow.Plan, error) {
	if o.plans != nil {
		return o.plans.Get(wf)
	}
	return workflow.Compile(wf)
}

// CancelRun requests cancellation of a run on behalf of an actor in the
// given organization. Runs with a live coordinator cancel cooperatively;
// anything else transitions directly if still non-terminal.
func (o *Orchestrator) CancelRun(ctx context.Context, runID, orgID, actorID string) error {
	run, err := o.st.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.OrganizationID != orgID {
		o.auditDenied(ctx, orgID, actorID, "workflow_run", runID, "cancel")
		return &errors.AuthorizationError{Actor: actorID, Action: "cancel", Resource: "run " + runID}
	}

	o.mu.Lock()
	ex := o.runs[runID]
	o.mu.Unlock()

	if ex != nil {
		ex.Cancel()
		o.auditCancelled(ctx, run, actorID)
		return nil
	}

	if run.Status.Terminal() {
		return &errors.ConflictError{Resource: "run", ID: runID, From: string(run.Status), To: string(store.RunCancelled)}
	}

	// No coordinator (pending run from a crashed process, or a race with
	// finalization): transition directly and settle the task snapshot.
	now := time.Now().UTC()
	msg := "run cancelled"
	if err := o.st.UpdateRunStatus(ctx, runID, run.Status, store.RunCancelled, store.RunUpdate{
		Error:       &msg,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	tasks, err := o.st.ListTasksByRun(ctx, runID)
	if err == nil {
		for _, task := range tasks {
			if task.Status.Terminal() {
				continue
			}
			if err := o.st.UpdateTaskStatus(ctx, task.ID, task.Status, store.TaskCancelled, store.TaskUpdate{CompletedAt: &now}); err != nil {
				o.logger.Warn("cancel: task transition failed", log.Error(err), slog.String(log.TaskIDKey, task.ID))
			}
		}
	}
	o.pub.Publish(bus.Event{
		Type:           bus.EventWorkflowCancelled,
		Channels:       []string{bus.ChannelWorkflows, bus.RunChannel(runID)},
		OrganizationID: run.OrganizationID,
		Data: map[string]any{
			"runId":      runID,
			"workflowId": run.WorkflowID,
			"status":     string(store.RunCancelled),
		},
	})
	if o.collector != nil {
		o.collector.RunFinished(string(store.RunCancelled))
	}
	o.auditCancelled(ctx, run, actorID)
	return nil
}

// GetRun returns a run with its task snapshot, scoped to an organization.
func (o *Orchestrator) GetRun(ctx context.Context, runID, orgID string) (*store.WorkflowRun, []*store.TaskExecution, error) {
	run, tasks, err := o.st.GetRunWithTasks(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run.OrganizationID != orgID {
		return nil, nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return run, tasks, nil
}

// Stop drains the orchestrator: no new submissions, cooperative cancel of
// live runs, bounded wait, then the pool shuts down with the queue.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	o.draining.Store(true)

	o.mu.Lock()
	active := len(o.runs)
	for _, ex := range o.runs {
		ex.Cancel()
	}
	o.mu.Unlock()
	o.logger.Info("orchestrator draining", slog.Int("active_runs", active))

	done := make(chan struct{})
	go func() {
		o.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.drainGrace):
		o.logger.Warn("drain grace exceeded", slog.Int("remaining_runs", o.ActiveRuns()))
	case <-ctx.Done():
	}

	o.cancel()
	if err := o.q.Close(); err != nil && !goerrors.Is(err, queue.ErrQueueClosed) {
		o.logger.Warn("queue close failed", log.Error(err))
	}
	o.workerWG.Wait()
	o.loopWG.Wait()

	o.mu.Lock()
	o.started = false
	o.mu.Unlock()
	o.logger.Info("orchestrator stopped")
	return nil
}

// maintenance periodically restores expired leases and samples queue
// depths for the metrics registry.
func (o *Orchestrator) maintenance() {
	ticker := time.NewTicker(o.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if n, err := o.q.PurgeExpiredLeases(o.ctx); err == nil && n > 0 {
				o.logger.Warn("restored expired leases", slog.Int("jobs", n))
			}
			if o.collector != nil {
				if stats, err := o.q.Stats(o.ctx); err == nil {
					o.collector.SetQueueDepth(stats.Pending, stats.Scheduled, stats.Leased, stats.Dead)
				}
			}
		}
	}
}

// lookupRun returns the live coordinator for a run, if any.
func (o *Orchestrator) lookupRun(runID string) *workflow.Executor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[runID]
}

func (o *Orchestrator) dropRun(runID string) {
	o.mu.Lock()
	delete(o.runs, runID)
	o.mu.Unlock()
}

func (o *Orchestrator) auditCancelled(ctx context.Context, run *store.WorkflowRun, actorID string) {
	o.auditor.Record(ctx, &store.AuditRecord{
		OrganizationID: run.OrganizationID,
		ActorID:        actorID,
		Action:         audit.ActionRunCancelled,
		Resource:       "workflow_run",
		ResourceID:     run.ID,
		Severity:       audit.SeverityMedium,
		Details:        map[string]any{"workflowId": run.WorkflowID},
	})
}

func (o *Orchestrator) auditDenied(ctx context.Context, orgID, actorID, resource, resourceID, action string) {
	o.auditor.Record(ctx, &store.AuditRecord{
		OrganizationID: orgID,
		ActorID:        actorID,
		Action:         audit.ActionPermissionDenied,
		Resource:       resource,
		ResourceID:     resourceID,
		Severity:       audit.SeverityHigh,
		Details:        map[string]any{"attempted": action},
	})
}
