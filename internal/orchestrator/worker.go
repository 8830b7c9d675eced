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

package orchestrator

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/queue"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/internal/tracing"
	"github.com/tombee/maestro/internal/workflow"
	"github.com/tombee/maestro/pkg/agent"
	"github.com/tombee/maestro/pkg/errors"
)

// worker is one dequeue loop. It leases jobs, walks them through the task
// state machine, and reports terminal outcomes to the run's coordinator.
func (o *Orchestrator) worker(id int) {
	workerID := fmt.Sprintf("worker-%d", id)
	logger := o.logger.With(slog.String("worker", workerID))

	for {
		job, err := o.q.Dequeue(o.ctx, workerID)
		if err != nil {
			if goerrors.Is(err, queue.ErrQueueClosed) || o.ctx.Err() != nil {
				return
			}
			logger.Warn("dequeue failed", log.Error(err))
			select {
			case <-o.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}
		o.handleJob(logger, job)
	}
}

// handleJob executes one job delivery. Deliveries are at-least-once; the
// task status CAS makes completion at-most-once, so every duplicate or
// stale delivery drops out before an agent is invoked.
func (o *Orchestrator) handleJob(logger *slog.Logger, job *queue.Job) {
	// Queue and store writes run on a detached context so an in-flight
	// job settles cleanly during shutdown.
	wctx := context.WithoutCancel(o.ctx)
	logger = logger.With(
		slog.String(log.TaskIDKey, job.TaskID),
		slog.String(log.RunIDKey, job.RunID),
		slog.String(log.AgentIDKey, job.AgentID))

	ex := o.lookupRun(job.RunID)
	if ex == nil {
		// No live coordinator: the run finished, was recovered after a
		// restart, or belongs to another instance's epoch.
		o.ack(wctx, logger, job)
		return
	}

	task, err := o.st.GetTask(wctx, job.TaskID)
	if err != nil {
		var notFound *errors.NotFoundError
		if goerrors.As(err, &notFound) {
			o.ack(wctx, logger, job)
			return
		}
		logger.Warn("task lookup failed, requeueing", log.Error(err))
		o.requeue(wctx, logger, job, o.denialDelay)
		return
	}

	switch task.Status {
	case store.TaskCompleted, store.TaskCancelled, store.TaskSkipped:
		// Duplicate delivery after a terminal state.
		o.ack(wctx, logger, job)
		return
	case store.TaskRunning:
		// Another delivery of this job is mid-flight (lease expired
		// under a slow agent). Its own CAS settles the outcome.
		o.ack(wctx, logger, job)
		return
	case store.TaskFailed:
		if task.RetryCount >= task.MaxRetries {
			o.ack(wctx, logger, job)
			return
		}
		if !o.tr.Retry(wctx, task.ID) {
			o.ack(wctx, logger, job)
			return
		}
		reopened, ok := o.tr.Get(task.ID)
		if !ok {
			o.ack(wctx, logger, job)
			return
		}
		task = reopened
	case store.TaskPending:
	default:
		o.ack(wctx, logger, job)
		return
	}

	step, ok := ex.StepFor(task.ID)
	if !ok {
		o.failTerminal(wctx, logger, ex, job, task, "task does not map to a plan step")
		return
	}

	hint, err := o.reg.ResourceHint(job.AgentID)
	if err != nil {
		o.failTerminal(wctx, logger, ex, job, task, err.Error())
		return
	}

	if o.res != nil {
		if err := o.res.Allocate(task.ID, job.AgentID, hint); err != nil {
			var denied *errors.ResourceDeniedError
			if goerrors.As(err, &denied) {
				// Admission denial is not an attempt: the job goes back
				// scheduled and keeps its attempt count.
				logger.Debug("admission denied, requeueing",
					slog.String("reason", string(denied.Reason)))
				o.requeue(wctx, logger, job, o.denialDelay)
				return
			}
			o.failTerminal(wctx, logger, ex, job, task, err.Error())
			return
		}
		defer o.res.Release(task.ID)
	}

	started := time.Now().UTC()
	if err := o.tr.UpdateStatus(wctx, task.ID, store.TaskRunning, store.TaskUpdate{StartedAt: &started}); err != nil {
		// Lost the claim race: the run was cancelled under us.
		o.ack(wctx, logger, job)
		return
	}

	timeout := o.taskTimeout
	if task.TimeoutMS > 0 {
		timeout = time.Duration(task.TimeoutMS) * time.Millisecond
	}

	invCtx, span := tracing.Tracer().Start(ex.InvocationContext(), tracing.SpanAgentInvoke,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("run.id", task.RunID),
			attribute.String("agent.id", job.AgentID),
			attribute.String("step.name", task.StepName),
			attribute.Int("attempt", task.RetryCount)))

	result, invokeErr := o.reg.Invoke(invCtx, job.AgentID, agent.Task{
		ID:       task.ID,
		RunID:    task.RunID,
		StepName: task.StepName,
		Input:    task.Input,
		Config:   task.Config,
		Attempt:  task.RetryCount,
	}, timeout)

	if invokeErr != nil {
		span.RecordError(invokeErr)
		span.SetStatus(codes.Error, invokeErr.Error())
	}
	span.End()

	finished := time.Now().UTC()
	duration := finished.Sub(started).Milliseconds()

	switch {
	case invokeErr == nil && result.Success:
		output := result.Output
		if step.Transform != "" {
			transformed, terr := o.transform.Apply(wctx, step.Transform, output)
			if terr != nil {
				// Transforms are deterministic; retrying cannot help.
				o.settleFailure(wctx, logger, ex, job, task, "transform_failed: "+terr.Error(), false, &finished, &duration)
				return
			}
			output = transformed
		}
		if err := o.tr.UpdateStatus(wctx, task.ID, store.TaskCompleted, store.TaskUpdate{
			Output:      output,
			CompletedAt: &finished,
			DurationMS:  &duration,
		}); err != nil {
			// Cancelled while the agent was finishing; the coordinator
			// already settled this step.
			o.ack(wctx, logger, job)
			return
		}
		ex.Deliver(workflow.Completion{
			TaskID: task.ID,
			StepID: step.ID,
			Status: store.TaskCompleted,
			Output: output,
		})
		o.ack(wctx, logger, job)

	case goerrors.Is(invokeErr, context.Canceled):
		now := time.Now().UTC()
		if err := o.tr.UpdateStatus(wctx, task.ID, store.TaskCancelled, store.TaskUpdate{CompletedAt: &now}); err == nil {
			ex.Deliver(workflow.Completion{
				TaskID: task.ID,
				StepID: step.ID,
				Status: store.TaskCancelled,
			})
		}
		o.ack(wctx, logger, job)

	default:
		errText := errorText(result, invokeErr)
		retryable := invokeErr == nil || errors.Retryable(invokeErr)
		o.settleFailure(wctx, logger, ex, job, task, errText, retryable, &finished, &duration)
	}
}

// settleFailure records a failed attempt and routes the job: back to the
// queue while retries remain, otherwise a terminal completion to the
// coordinator.
func (o *Orchestrator) settleFailure(wctx context.Context, logger *slog.Logger, ex *workflow.Executor, job *queue.Job, task *store.TaskExecution, errText string, retryable bool, at *time.Time, duration *int64) {
	if err := o.tr.UpdateStatus(wctx, task.ID, store.TaskFailed, store.TaskUpdate{
		Error:       &errText,
		CompletedAt: at,
		DurationMS:  duration,
	}); err != nil {
		// The coordinator cancelled this task first.
		o.ack(wctx, logger, job)
		return
	}

	attemptsLeft := job.Attempt+1 < job.MaxAttempts
	if retryable && attemptsLeft {
		logger.Info("task attempt failed, retry scheduled",
			slog.Int("attempt", job.Attempt),
			slog.String("error", errText))
		o.nack(wctx, logger, job, errText)
		return
	}

	logger.Warn("task failed terminally",
		slog.Int("attempt", job.Attempt),
		slog.Bool("retryable", retryable),
		slog.String("error", errText))
	ex.Deliver(workflow.Completion{
		TaskID: task.ID,
		StepID: task.StepID,
		Status: store.TaskFailed,
		Error:  errText,
	})
	if retryable {
		// Exhausted attempts dead-letter for inspection.
		o.nack(wctx, logger, job, errText)
	} else {
		o.ack(wctx, logger, job)
	}
}

// failTerminal fails a task that never reached an agent: missing plan
// step, unknown agent, broken admission.
func (o *Orchestrator) failTerminal(wctx context.Context, logger *slog.Logger, ex *workflow.Executor, job *queue.Job, task *store.TaskExecution, errText string) {
	now := time.Now().UTC()
	if err := o.tr.UpdateStatus(wctx, task.ID, store.TaskFailed, store.TaskUpdate{
		Error:       &errText,
		CompletedAt: &now,
	}); err != nil {
		o.ack(wctx, logger, job)
		return
	}
	logger.Warn("task failed before invocation", slog.String("error", errText))
	ex.Deliver(workflow.Completion{
		TaskID: task.ID,
		StepID: task.StepID,
		Status: store.TaskFailed,
		Error:  errText,
	})
	o.ack(wctx, logger, job)
}

func errorText(result agent.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if result.Error != "" {
		return result.Error
	}
	return "agent reported failure"
}

func (o *Orchestrator) ack(ctx context.Context, logger *slog.Logger, job *queue.Job) {
	if err := o.q.Ack(ctx, job.ID); err != nil && !goerrors.Is(err, queue.ErrQueueClosed) {
		logger.Warn("ack failed", log.Error(err))
	}
}

func (o *Orchestrator) nack(ctx context.Context, logger *slog.Logger, job *queue.Job, reason string) {
	if err := o.q.Nack(ctx, job.ID, reason); err != nil && !goerrors.Is(err, queue.ErrQueueClosed) {
		logger.Warn("nack failed", log.Error(err))
	}
}

func (o *Orchestrator) requeue(ctx context.Context, logger *slog.Logger, job *queue.Job, delay time.Duration) {
	if err := o.q.Requeue(ctx, job.ID, delay); err != nil && !goerrors.Is(err, queue.ErrQueueClosed) {
		logger.Warn("requeue failed", log.Error(err))
	}
}
