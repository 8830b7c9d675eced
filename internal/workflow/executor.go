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

package workflow

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/maestro/internal/audit"
	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/log"
	obs "github.com/tombee/maestro/internal/metrics"
	"github.com/tombee/maestro/internal/queue"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/internal/tracing"
)

// Completion is a worker's report that a task reached a terminal state.
// Workers deliver a completion only after their own status CAS succeeded,
// so each step produces at most one.
type Completion struct {
	TaskID string
	StepID string
	Status store.TaskStatus
	Output map[string]any
	Error  string
}

// Runs is the slice of the store the executor writes: run status CAS and
// step input persistence.
type Runs interface {
	UpdateRunStatus(ctx context.Context, runID string, from, to store.RunStatus, u store.RunUpdate) error
	SetTaskInput(ctx context.Context, taskID string, input map[string]any) error
}

// Tasks is the slice of the task tracker the executor drives: terminal
// transitions for steps it skips or cancels itself.
type Tasks interface {
	UpdateStatus(ctx context.Context, taskID string, to store.TaskStatus, u store.TaskUpdate) error
	Cancel(ctx context.Context, taskID string) bool
	Get(taskID string) (*store.TaskExecution, bool)
}

// Jobs enqueues dispatched steps for the worker pool.
type Jobs interface {
	Enqueue(ctx context.Context, job *queue.Job, delay time.Duration) error
}

// ExecutorConfig wires an executor to the daemon's components.
type ExecutorConfig struct {
	Store     Runs
	Queue     Jobs
	Tasks     Tasks
	Publisher bus.Publisher
	Audit     *audit.Recorder
	Collector *obs.Metrics
	Evaluator *Evaluator
	Logger    *slog.Logger
}

// Executor coordinates a single run: it dispatches ready steps, reacts to
// worker completions, cascades failures, and performs the run's terminal
// status transition exactly once.
//
// All graph bookkeeping lives on the coordinator goroutine; workers talk
// to it only through Deliver.
type Executor struct {
	store     Runs
	queue     Jobs
	tasks     Tasks
	publisher bus.Publisher
	auditor   *audit.Recorder
	collector *obs.Metrics
	eval      *Evaluator
	logger    *slog.Logger

	run  *store.WorkflowRun
	plan *Plan

	// taskByStep maps plan step IDs onto the run's task snapshot rows.
	taskByStep map[string]*store.TaskExecution
	stepByTask map[string]*Step

	completions chan Completion

	// invokeCtx carries the run's cancellation signal into agent
	// invocations. Cancelled on external cancel and on fail-fast.
	invokeCtx    context.Context
	invokeCancel context.CancelFunc
	external     atomic.Bool

	// Coordinator-goroutine state.
	indegree     map[string]int
	dispatched   map[string]bool
	settled      map[string]store.TaskStatus
	outputs      map[string]map[string]any
	failedSteps  int
	firstFailure string
	started      bool
	startedAt    time.Time
}

// NewExecutor builds the coordinator for one run. The task slice must be
// the snapshot created alongside the run.
func NewExecutor(cfg ExecutorConfig, run *store.WorkflowRun, plan *Plan, tasks []*store.TaskExecution) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = bus.Nop{}
	}
	eval := cfg.Evaluator
	if eval == nil {
		eval = NewEvaluator()
	}

	invokeCtx, invokeCancel := context.WithCancel(context.Background())

	e := &Executor{
		store:        cfg.Store,
		queue:        cfg.Queue,
		tasks:        cfg.Tasks,
		publisher:    publisher,
		auditor:      cfg.Audit,
		collector:    cfg.Collector,
		eval:         eval,
		logger:       log.WithRun(log.WithComponent(logger, "executor"), run.ID, run.WorkflowID),
		run:          run,
		plan:         plan,
		taskByStep:   make(map[string]*store.TaskExecution, len(tasks)),
		stepByTask:   make(map[string]*Step, len(tasks)),
		completions:  make(chan Completion, len(plan.Steps)),
		invokeCtx:    invokeCtx,
		invokeCancel: invokeCancel,
		indegree:     plan.InDegrees(),
		dispatched:   make(map[string]bool, len(plan.Steps)),
		settled:      make(map[string]store.TaskStatus, len(plan.Steps)),
		outputs:      make(map[string]map[string]any, len(plan.Steps)),
	}
	for _, t := range tasks {
		e.taskByStep[t.StepID] = t
		if step, ok := plan.Step(t.StepID); ok {
			e.stepByTask[t.ID] = step
		}
	}
	return e
}

// RunID returns the run this executor coordinates.
func (e *Executor) RunID() string { return e.run.ID }

// InvocationContext is the context workers pass into agent handlers. It
// is cancelled when the run is cancelled or fails fast.
func (e *Executor) InvocationContext() context.Context { return e.invokeCtx }

// StepFor resolves a task back to its plan step.
func (e *Executor) StepFor(taskID string) (*Step, bool) {
	step, ok := e.stepByTask[taskID]
	return step, ok
}

// Cancel requests cooperative cancellation: dispatch stops, in-flight
// invocations see their context cancelled, and the run finalizes as
// cancelled.
func (e *Executor) Cancel() {
	e.external.Store(true)
	e.invokeCancel()
}

// Deliver hands a terminal task outcome to the coordinator. The channel
// holds one slot per step, so a worker that won its CAS never blocks.
func (e *Executor) Deliver(c Completion) {
	e.completions <- c
}

// Execute runs the coordinator loop to the run's terminal state and
// returns it. Status writes use a context detached from ctx so teardown
// persists even when the daemon is shutting down.
func (e *Executor) Execute(ctx context.Context) (status store.RunStatus) {
	defer e.invokeCancel()

	ctx, span := tracing.Tracer().Start(ctx, tracing.SpanRunExecute,
		trace.WithAttributes(
			attribute.String("run.id", e.run.ID),
			attribute.String("workflow.id", e.run.WorkflowID)))
	defer func() {
		span.SetAttributes(attribute.String("run.status", string(status)))
		span.End()
	}()
	// Agent invocations happen on worker goroutines; the invocation
	// context hands them the run span to parent under. Written before the
	// first dispatch, so no worker has seen this run's jobs yet.
	e.invokeCtx = trace.ContextWithSpanContext(e.invokeCtx, span.SpanContext())

	wctx := context.WithoutCancel(ctx)

	e.publishRun(bus.EventWorkflowStarted, map[string]any{
		"runId":      e.run.ID,
		"workflowId": e.run.WorkflowID,
		"status":     string(store.RunPending),
	})

	now := time.Now().UTC()
	if err := e.store.UpdateRunStatus(wctx, e.run.ID, store.RunPending, store.RunRunning, store.RunUpdate{StartedAt: &now}); err != nil {
		e.logger.Error("run start transition failed", log.Error(err))
		return e.finalize(wctx)
	}
	e.started = true
	e.startedAt = now
	e.publishRun(bus.EventWorkflowRunning, map[string]any{
		"runId":      e.run.ID,
		"workflowId": e.run.WorkflowID,
		"status":     string(store.RunRunning),
	})

	for _, step := range e.plan.Steps {
		if e.indegree[step.ID] == 0 {
			e.dispatch(wctx, step)
		}
	}

	for len(e.settled) < len(e.plan.Steps) {
		select {
		case c := <-e.completions:
			e.handleCompletion(wctx, c)
		case <-e.invokeCtx.Done():
			e.teardown(wctx)
		}
	}

	return e.finalize(wctx)
}

// dispatch moves a ready step toward the worker pool: condition check,
// input merge, persistence, enqueue. Failures here settle the step
// immediately.
func (e *Executor) dispatch(wctx context.Context, step *Step) {
	if _, done := e.settled[step.ID]; done || e.dispatched[step.ID] {
		return
	}
	_, span := tracing.Tracer().Start(wctx, tracing.SpanStepDispatch,
		trace.WithAttributes(
			attribute.String("step.name", step.Name),
			attribute.String("agent.id", step.AgentID)))
	defer span.End()

	task := e.taskByStep[step.ID]
	if task == nil {
		// Snapshot and plan disagree; treat as a failed step so the run
		// cannot hang.
		e.failStep(wctx, step, "no task snapshot for step")
		return
	}

	if step.Condition != "" {
		input, steps := e.stepView(step)
		ok, err := e.eval.Evaluate(step.Condition, input, steps)
		if err != nil {
			e.failStep(wctx, step, err.Error())
			return
		}
		if !ok {
			e.skipStep(wctx, step, false)
			return
		}
	}

	input := e.mergeInput(step)
	if err := e.store.SetTaskInput(wctx, task.ID, input); err != nil {
		e.failStep(wctx, step, "persisting step input: "+err.Error())
		return
	}

	job := &queue.Job{
		RunID:       e.run.ID,
		TaskID:      task.ID,
		AgentID:     step.AgentID,
		Payload:     input,
		Priority:    e.run.Priority.Weight(),
		MaxAttempts: task.MaxRetries + 1,
	}
	if err := e.queue.Enqueue(wctx, job, 0); err != nil {
		e.failStep(wctx, step, "enqueueing step: "+err.Error())
		return
	}
	e.dispatched[step.ID] = true
	e.logger.Debug("step dispatched",
		slog.String("step", step.Name),
		slog.String(log.TaskIDKey, task.ID),
		slog.String(log.AgentIDKey, step.AgentID))
}

// handleCompletion folds one worker outcome into the graph state.
func (e *Executor) handleCompletion(wctx context.Context, c Completion) {
	if _, done := e.settled[c.StepID]; done {
		return
	}
	step, ok := e.plan.Step(c.StepID)
	if !ok {
		return
	}

	switch c.Status {
	case store.TaskCompleted:
		e.settled[c.StepID] = store.TaskCompleted
		if c.Output != nil {
			e.outputs[c.StepID] = c.Output
		}
		e.unblock(wctx, c.StepID)
	case store.TaskFailed:
		e.settled[c.StepID] = store.TaskFailed
		e.failedSteps++
		if e.firstFailure == "" {
			e.firstFailure = step.Name + ": " + c.Error
		}
		e.skipDownstream(wctx, c.StepID)
		if e.plan.FailurePolicy == store.FailFast && len(e.settled) < len(e.plan.Steps) {
			e.invokeCancel()
		}
	case store.TaskCancelled:
		// Cancelled steps never satisfy dependencies; teardown settles
		// the rest of the graph.
		e.settled[c.StepID] = store.TaskCancelled
	}
}

// unblock releases dependents of a satisfied step and dispatches any that
// became ready.
func (e *Executor) unblock(wctx context.Context, stepID string) {
	for _, depID := range e.plan.Dependents(stepID) {
		if _, done := e.settled[depID]; done || e.dispatched[depID] {
			continue
		}
		e.indegree[depID]--
		if e.indegree[depID] == 0 {
			if step, ok := e.plan.Step(depID); ok {
				e.dispatch(wctx, step)
			}
		}
	}
}

// skipDownstream marks every transitive dependent of a failed step as
// skipped. Dependents of a failed step are never dispatched, so they are
// still pending.
func (e *Executor) skipDownstream(wctx context.Context, stepID string) {
	for _, depID := range e.plan.Dependents(stepID) {
		if _, done := e.settled[depID]; done {
			continue
		}
		if step, ok := e.plan.Step(depID); ok {
			e.skipStep(wctx, step, true)
			e.skipDownstream(wctx, depID)
		}
	}
}

// skipStep settles a step as skipped. Condition skips satisfy their
// dependents; failure-cascade skips propagate instead.
func (e *Executor) skipStep(wctx context.Context, step *Step, cascade bool) {
	task := e.taskByStep[step.ID]
	if task != nil {
		now := time.Now().UTC()
		if err := e.tasks.UpdateStatus(wctx, task.ID, store.TaskSkipped, store.TaskUpdate{CompletedAt: &now}); err != nil {
			e.logger.Warn("skip transition failed",
				slog.String("step", step.Name),
				log.Error(err))
		}
	}
	e.settled[step.ID] = store.TaskSkipped
	if !cascade {
		e.unblock(wctx, step.ID)
	}
}

// failStep settles a step the executor itself failed before any worker
// touched it: condition errors, input persistence, enqueue failures.
func (e *Executor) failStep(wctx context.Context, step *Step, msg string) {
	task := e.taskByStep[step.ID]
	if task != nil {
		now := time.Now().UTC()
		errText := msg
		if err := e.tasks.UpdateStatus(wctx, task.ID, store.TaskFailed, store.TaskUpdate{Error: &errText, CompletedAt: &now}); err != nil {
			e.logger.Warn("fail transition failed",
				slog.String("step", step.Name),
				log.Error(err))
		}
	}
	e.settled[step.ID] = store.TaskFailed
	e.failedSteps++
	if e.firstFailure == "" {
		e.firstFailure = step.Name + ": " + msg
	}
	e.skipDownstream(wctx, step.ID)
	if e.plan.FailurePolicy == store.FailFast && len(e.settled) < len(e.plan.Steps) {
		e.invokeCancel()
	}
}

// teardown settles every open step during cancellation. Buffered worker
// completions are folded in first so real outcomes win over cancellation
// where the CAS already happened.
func (e *Executor) teardown(wctx context.Context) {
	e.drainCompletions(wctx)

	for _, step := range e.plan.Steps {
		if _, done := e.settled[step.ID]; done {
			continue
		}
		task := e.taskByStep[step.ID]
		if task == nil {
			e.settled[step.ID] = store.TaskCancelled
			continue
		}
		if e.tasks.Cancel(wctx, task.ID) {
			e.settled[step.ID] = store.TaskCancelled
			continue
		}
		// A worker won the race to a terminal state; its completion is
		// either buffered or already folded in.
		e.drainCompletions(wctx)
		if _, done := e.settled[step.ID]; done {
			continue
		}
		if live, ok := e.tasks.Get(task.ID); ok && live.Status.Terminal() {
			e.settled[step.ID] = live.Status
			if live.Status == store.TaskFailed {
				e.failedSteps++
				if e.firstFailure == "" {
					e.firstFailure = step.Name + ": " + live.Error
				}
			}
			continue
		}
		e.settled[step.ID] = store.TaskCancelled
	}
}

// drainCompletions folds in any buffered completions without blocking.
func (e *Executor) drainCompletions(wctx context.Context) {
	for {
		select {
		case c := <-e.completions:
			e.handleCompletion(wctx, c)
		default:
			return
		}
	}
}

// finalize performs the run's terminal CAS and publishes the single
// terminal run event. The event is suppressed when the CAS loses.
func (e *Executor) finalize(wctx context.Context) store.RunStatus {
	now := time.Now().UTC()
	update := store.RunUpdate{CompletedAt: &now}
	if e.started {
		dur := now.Sub(e.startedAt).Milliseconds()
		update.DurationMS = &dur
	}

	var to store.RunStatus
	switch {
	case e.external.Load():
		to = store.RunCancelled
		msg := "run cancelled"
		update.Error = &msg
	case e.failedSteps > 0:
		to = store.RunFailed
		msg := e.firstFailure
		update.Error = &msg
	case !e.started:
		to = store.RunFailed
		msg := "run initialization failed"
		update.Error = &msg
	default:
		to = store.RunCompleted
		update.Output = e.mergeRunOutput()
	}

	from := store.RunRunning
	if !e.started {
		from = store.RunPending
	}
	if err := e.store.UpdateRunStatus(wctx, e.run.ID, from, to, update); err != nil {
		e.logger.Error("run finalization failed",
			slog.String("to", string(to)),
			log.Error(err))
		return to
	}

	data := map[string]any{
		"runId":      e.run.ID,
		"workflowId": e.run.WorkflowID,
		"status":     string(to),
	}
	if update.DurationMS != nil {
		data["durationMs"] = *update.DurationMS
	}
	switch to {
	case store.RunCompleted:
		data["output"] = update.Output
	case store.RunFailed, store.RunCancelled:
		if update.Error != nil {
			data["error"] = *update.Error
		}
	}
	e.publishRun(terminalRunEvent(to), data)

	if e.collector != nil {
		e.collector.RunFinished(string(to))
	}
	e.auditor.Record(wctx, &store.AuditRecord{
		OrganizationID: e.run.OrganizationID,
		ActorID:        "system",
		Action:         audit.ActionRunTransition,
		Resource:       "workflow_run",
		ResourceID:     e.run.ID,
		Severity:       audit.SeverityLow,
		Details: map[string]any{
			"from":   string(from),
			"to":     string(to),
			"reason": runFinalizeReason(to, update.Error),
		},
	})
	e.logger.Info("run finalized",
		slog.String("status", string(to)),
		slog.Int("steps", len(e.plan.Steps)),
		slog.Int("failed", e.failedSteps))
	return to
}

// stepView is the data a step's condition sees: the run input plus the
// same upstream outputs its input merge would receive, keyed by slug.
func (e *Executor) stepView(step *Step) (map[string]any, map[string]any) {
	steps := make(map[string]any)
	for _, src := range e.upstream(step) {
		if out, ok := e.outputs[src.ID]; ok {
			steps[src.Slug] = out
		}
	}
	return e.run.Input, steps
}

// mergeInput builds a step's input: the run input overlaid with upstream
// outputs keyed by slug. A step output wins over a run input key of the
// same name.
func (e *Executor) mergeInput(step *Step) map[string]any {
	merged := make(map[string]any, len(e.run.Input)+4)
	for k, v := range e.run.Input {
		merged[k] = v
	}
	for _, src := range e.upstream(step) {
		if out, ok := e.outputs[src.ID]; ok {
			merged[src.Slug] = out
		}
	}
	return merged
}

// upstream lists the steps whose outputs feed this one: every earlier
// step for sequential plans, direct dependencies otherwise.
func (e *Executor) upstream(step *Step) []*Step {
	if e.plan.Sequential {
		var prior []*Step
		for _, s := range e.plan.Steps {
			if s.Order >= step.Order {
				break
			}
			prior = append(prior, s)
		}
		return prior
	}
	deps := make([]*Step, 0, len(step.DependsOn))
	for _, depID := range step.DependsOn {
		if dep, ok := e.plan.Step(depID); ok {
			deps = append(deps, dep)
		}
	}
	return deps
}

// mergeRunOutput assembles the run-level output: the run input overlaid
// with every produced step output keyed by slug, in step order.
func (e *Executor) mergeRunOutput() map[string]any {
	merged := make(map[string]any, len(e.run.Input)+len(e.plan.Steps))
	for k, v := range e.run.Input {
		merged[k] = v
	}
	for _, step := range e.plan.Steps {
		if out, ok := e.outputs[step.ID]; ok {
			merged[step.Slug] = out
		}
	}
	return merged
}

func (e *Executor) publishRun(eventType string, data map[string]any) {
	e.publisher.Publish(bus.Event{
		Type:           eventType,
		Channels:       []string{bus.ChannelWorkflows, bus.RunChannel(e.run.ID)},
		OrganizationID: e.run.OrganizationID,
		Data:           data,
	})
}

func terminalRunEvent(status store.RunStatus) string {
	switch status {
	case store.RunCompleted:
		return bus.EventWorkflowCompleted
	case store.RunCancelled:
		return bus.EventWorkflowCancelled
	default:
		return bus.EventWorkflowFailed
	}
}

func runFinalizeReason(to store.RunStatus, errText *string) string {
	if to == store.RunCompleted || errText == nil {
		return "all steps settled"
	}
	return *errText
}
