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

// Package queue provides at-least-once delivery of step-execution jobs
// with delay, priority, leases, bounded retries and dead-letter retention.
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/maestro/pkg/errors"
)

// DefaultMaxAttempts applies when a job does not set its own bound.
const DefaultMaxAttempts = 3

// Priority weights. Higher dequeues first; ties within a weight are FIFO
// by enqueue order.
const (
	PriorityLow    = 1
	PriorityNormal = 2
	PriorityHigh   = 3
	PriorityUrgent = 4
)

// Job is one unit of work: execute a single task of a workflow run.
type Job struct {
	ID          string         `json:"id"`
	RunID       string         `json:"runId"`
	TaskID      string         `json:"taskId"`
	AgentID     string         `json:"agentId"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    int            `json:"priority"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"maxAttempts"`
	EnqueuedAt  time.Time      `json:"enqueuedAt"`
	AvailableAt time.Time      `json:"availableAt"`
}

// DeadLetter is a job that exhausted its attempts, retained for
// inspection.
type DeadLetter struct {
	Job      *Job      `json:"job"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	DiedAt   time.Time `json:"diedAt"`
}

// Stats is a point-in-time snapshot of queue depths.
type Stats struct {
	Pending    int64            `json:"pending"`
	ByPriority map[string]int64 `json:"byPriority"`
	Scheduled  int64            `json:"scheduled"`
	Leased     int64            `json:"leased"`
	Dead       int64            `json:"dead"`
	Done       int64            `json:"done"`
}

// BackoffStrategy selects how the retry delay grows with the attempt
// count.
type BackoffStrategy string

const (
	// BackoffExponential doubles the delay on every attempt.
	BackoffExponential BackoffStrategy = "exponential"
	// BackoffFixed retries after a constant delay.
	BackoffFixed BackoffStrategy = "fixed"
)

// Backoff computes the re-enqueue delay after a nack.
type Backoff struct {
	Strategy BackoffStrategy
	Base     time.Duration
	Max      time.Duration
}

// Delay returns the delay before attempt becomes available again.
// Exponential growth is capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Strategy == BackoffFixed {
		return b.Base
	}
	if attempt < 0 {
		attempt = 0
	}
	// 2^attempt overflows a Duration long before attempt reaches 63.
	if attempt > 32 {
		return b.Max
	}
	d := b.Base << uint(attempt)
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Options tune a queue backend. Zero values take the defaults below.
type Options struct {
	// Visibility is the lease duration granted by Dequeue. A job whose
	// lease expires without an ack or nack is redelivered.
	Visibility time.Duration

	// PollTimeout bounds how long Dequeue blocks waiting for a job
	// before returning (nil, nil).
	PollTimeout time.Duration

	// PollInterval is how often the redis backend re-checks for work.
	// The memory backend wakes on enqueue and ignores it.
	PollInterval time.Duration

	// Backoff is the nack retry policy.
	Backoff Backoff

	// MaxAttempts is the delivery budget applied to jobs that do not
	// carry their own.
	MaxAttempts int

	// DoneRetention and DeadRetention cap how many completed and
	// dead-lettered jobs are kept for inspection.
	DoneRetention int
	DeadRetention int

	// Namespace prefixes every redis key so multiple queues can share
	// one database.
	Namespace string
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Visibility:    30 * time.Second,
		PollTimeout:   5 * time.Second,
		PollInterval:  100 * time.Millisecond,
		Backoff:       Backoff{Strategy: BackoffExponential, Base: time.Second, Max: 5 * time.Minute},
		MaxAttempts:   DefaultMaxAttempts,
		DoneRetention: 100,
		DeadRetention: 500,
		Namespace:     "maestro:queue",
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Visibility <= 0 {
		o.Visibility = def.Visibility
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = def.PollTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.Backoff.Strategy == "" {
		o.Backoff.Strategy = def.Backoff.Strategy
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = def.Backoff.Base
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = def.Backoff.Max
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.DoneRetention <= 0 {
		o.DoneRetention = def.DoneRetention
	}
	if o.DeadRetention <= 0 {
		o.DeadRetention = def.DeadRetention
	}
	if o.Namespace == "" {
		o.Namespace = def.Namespace
	}
	return o
}

// Queue is the durable job queue contract. Delivery is at-least-once:
// consumers must be idempotent on Job.TaskID.
type Queue interface {
	// Enqueue persists a job. The job becomes available after delay.
	Enqueue(ctx context.Context, job *Job, delay time.Duration) error

	// Dequeue leases the next available job, preferring higher priority
	// and FIFO within a priority. It blocks up to the configured poll
	// timeout and returns (nil, nil) when no job arrived in time.
	Dequeue(ctx context.Context, workerID string) (*Job, error)

	// Ack removes a successfully handled job.
	Ack(ctx context.Context, jobID string) error

	// Nack reports a failed attempt. The job is re-enqueued with the
	// backoff delay while attempts remain, otherwise dead-lettered.
	Nack(ctx context.Context, jobID string, reason string) error

	// Requeue returns a leased job to the queue after delay without
	// consuming an attempt. Used when admission was denied rather than
	// the work failing.
	Requeue(ctx context.Context, jobID string, delay time.Duration) error

	// ExtendLease renews the visibility timeout of a leased job.
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error

	// PurgeExpiredLeases returns leased-but-unacked jobs whose lease
	// lapsed to the queue. It reports how many were restored.
	PurgeExpiredLeases(ctx context.Context) (int, error)

	// DeadLetters lists the most recent dead-lettered jobs, newest
	// first.
	DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)

	// Stats snapshots queue depths.
	Stats(ctx context.Context) (Stats, error)

	// Close releases backend resources. Blocked Dequeues return
	// ErrQueueClosed.
	Close() error
}

// Open connects the queue backend named by url:
//
//	redis://host:port/db
//	memory:// (or just "memory")
func Open(ctx context.Context, url string, opts Options) (Queue, error) {
	switch {
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return OpenRedis(ctx, url, opts)
	case url == "memory", strings.HasPrefix(url, "memory://"):
		return NewMemory(opts), nil
	default:
		return nil, &errors.ConfigError{Key: "QUEUE_URL", Reason: "unsupported scheme (want redis:// or memory://)"}
	}
}

// ErrQueueClosed is returned when operations are performed on a closed
// queue.
var ErrQueueClosed = &QueueError{message: "queue is closed"}

// QueueError represents a queue-related error.
type QueueError struct {
	message string
}

func (e *QueueError) Error() string {
	return e.message
}

func clampPriority(p int) int {
	if p < PriorityLow {
		return PriorityNormal
	}
	if p > PriorityUrgent {
		return PriorityUrgent
	}
	return p
}

func priorityName(w int) string {
	switch w {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// validate rejects jobs that cannot be dispatched.
func validate(job *Job) error {
	if job == nil {
		return &errors.ValidationError{Field: "job", Message: "job is required"}
	}
	if job.TaskID == "" {
		return &errors.ValidationError{Field: "taskId", Message: "taskId is required"}
	}
	if job.AgentID == "" {
		return &errors.ValidationError{Field: "agentId", Message: "agentId is required"}
	}
	return nil
}

// prepare normalizes a job for enqueue: it assigns an ID (written back to
// the caller's job), clamps the priority, applies defaults and stamps
// times. The returned copy is what the backend stores.
func prepare(job *Job, delay time.Duration, defaultAttempts int) (*Job, time.Duration) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if delay < 0 {
		delay = 0
	}
	now := time.Now().UTC()

	j := cloneJob(job)
	j.Priority = clampPriority(j.Priority)
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = defaultAttempts
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = now
	}
	j.AvailableAt = now.Add(delay)
	return j, delay
}
