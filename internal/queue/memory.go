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

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/maestro/pkg/errors"
)

// memJob is a queued job plus its scheduling bookkeeping.
type memJob struct {
	job    *Job
	seq    uint64
	worker string
	expiry time.Time
}

// Memory is an in-process queue. It is only durable for the lifetime of
// the process; the daemon uses it for single-node and test deployments.
type Memory struct {
	opts Options

	mu      sync.Mutex
	seq     uint64
	pending []*memJob // ordered: priority desc, enqueue seq asc
	leased  map[string]*memJob
	done    []*Job
	dead    []*DeadLetter

	signal   chan struct{}
	closed   bool
	closedMu sync.RWMutex
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an in-memory queue.
func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:   opts.withDefaults(),
		leased: make(map[string]*memJob),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a job to the queue, available after delay.
func (q *Memory) Enqueue(ctx context.Context, job *Job, delay time.Duration) error {
	if err := validate(job); err != nil {
		return err
	}
	q.closedMu.RLock()
	if q.closed {
		q.closedMu.RUnlock()
		return ErrQueueClosed
	}
	q.closedMu.RUnlock()

	j, _ := prepare(job, delay, q.opts.MaxAttempts)

	q.mu.Lock()
	mj := &memJob{job: j, seq: q.seq}
	q.seq++
	q.insert(mj)
	q.mu.Unlock()

	q.wake()
	return nil
}

// insert places mj by (priority desc, seq asc). Re-enqueued jobs keep
// their original sequence number so retries do not jump the FIFO line.
// Caller holds q.mu.
func (q *Memory) insert(mj *memJob) {
	for i, other := range q.pending {
		if mj.job.Priority > other.job.Priority ||
			(mj.job.Priority == other.job.Priority && mj.seq < other.seq) {
			q.pending = append(q.pending[:i], append([]*memJob{mj}, q.pending[i:]...)...)
			return
		}
	}
	q.pending = append(q.pending, mj)
}

// Dequeue leases the next available job. It blocks until a job becomes
// available, the poll timeout lapses (nil, nil), or ctx is cancelled.
func (q *Memory) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	deadline := time.NewTimer(q.opts.PollTimeout)
	defer deadline.Stop()

	for {
		q.closedMu.RLock()
		if q.closed {
			q.closedMu.RUnlock()
			return nil, ErrQueueClosed
		}
		q.closedMu.RUnlock()

		q.mu.Lock()
		now := time.Now().UTC()
		idx := -1
		var nextAvail time.Time
		for i, mj := range q.pending {
			if !mj.job.AvailableAt.After(now) {
				idx = i
				break
			}
			if nextAvail.IsZero() || mj.job.AvailableAt.Before(nextAvail) {
				nextAvail = mj.job.AvailableAt
			}
		}
		if idx >= 0 {
			mj := q.pending[idx]
			q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
			mj.worker = workerID
			mj.expiry = now.Add(q.opts.Visibility)
			q.leased[mj.job.ID] = mj
			job := cloneJob(mj.job)
			hasMore := len(q.pending) > 0
			q.mu.Unlock()
			// Chain the wakeup so sibling workers blocked on the signal
			// channel see the remaining jobs.
			if hasMore {
				q.wake()
			}
			return job, nil
		}
		q.mu.Unlock()

		// Sleep until something could change: an enqueue, the nearest
		// delayed job maturing, the poll timeout, or cancellation.
		var avail <-chan time.Time
		var availTimer *time.Timer
		if !nextAvail.IsZero() {
			availTimer = time.NewTimer(time.Until(nextAvail))
			avail = availTimer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(availTimer)
			return nil, ctx.Err()
		case <-deadline.C:
			stopTimer(availTimer)
			return nil, nil
		case <-q.signal:
			stopTimer(availTimer)
		case <-avail:
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Ack removes a successfully handled job and retains it for inspection.
func (q *Memory) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, ok := q.leased[jobID]
	if !ok {
		return &errors.NotFoundError{Resource: "job", ID: jobID}
	}
	delete(q.leased, jobID)

	q.done = append([]*Job{cloneJob(mj.job)}, q.done...)
	if len(q.done) > q.opts.DoneRetention {
		q.done = q.done[:q.opts.DoneRetention]
	}
	return nil
}

// Nack reports a failed attempt: re-enqueue with backoff while attempts
// remain, dead-letter otherwise.
func (q *Memory) Nack(ctx context.Context, jobID string, reason string) error {
	q.mu.Lock()
	mj, ok := q.leased[jobID]
	if !ok {
		q.mu.Unlock()
		return &errors.NotFoundError{Resource: "job", ID: jobID}
	}
	delete(q.leased, jobID)
	mj.worker = ""
	mj.expiry = time.Time{}

	now := time.Now().UTC()
	mj.job.Attempt++
	if mj.job.Attempt >= mj.job.MaxAttempts {
		dl := &DeadLetter{
			Job:      cloneJob(mj.job),
			Reason:   reason,
			Attempts: mj.job.Attempt,
			DiedAt:   now,
		}
		q.dead = append([]*DeadLetter{dl}, q.dead...)
		if len(q.dead) > q.opts.DeadRetention {
			q.dead = q.dead[:q.opts.DeadRetention]
		}
		q.mu.Unlock()
		return nil
	}

	mj.job.AvailableAt = now.Add(q.opts.Backoff.Delay(mj.job.Attempt))
	q.insert(mj)
	q.mu.Unlock()

	q.wake()
	return nil
}

// Requeue returns a leased job to the queue after delay without
// consuming an attempt.
func (q *Memory) Requeue(ctx context.Context, jobID string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	mj, ok := q.leased[jobID]
	if !ok {
		q.mu.Unlock()
		return &errors.NotFoundError{Resource: "job", ID: jobID}
	}
	delete(q.leased, jobID)
	mj.worker = ""
	mj.expiry = time.Time{}
	mj.job.AvailableAt = time.Now().UTC().Add(delay)
	q.insert(mj)
	q.mu.Unlock()

	q.wake()
	return nil
}

// ExtendLease renews the visibility timeout of a leased job.
func (q *Memory) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, ok := q.leased[jobID]
	if !ok {
		return &errors.NotFoundError{Resource: "job", ID: jobID}
	}
	mj.expiry = time.Now().UTC().Add(extension)
	return nil
}

// PurgeExpiredLeases restores jobs whose lease lapsed without an ack,
// reporting how many were restored.
func (q *Memory) PurgeExpiredLeases(ctx context.Context) (int, error) {
	q.mu.Lock()
	now := time.Now().UTC()
	restored := 0
	for id, mj := range q.leased {
		if mj.expiry.After(now) {
			continue
		}
		delete(q.leased, id)
		mj.worker = ""
		mj.expiry = time.Time{}
		q.insert(mj)
		restored++
	}
	q.mu.Unlock()

	if restored > 0 {
		q.wake()
	}
	return restored, nil
}

// DeadLetters lists the most recent dead-lettered jobs, newest first.
func (q *Memory) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]*DeadLetter, 0, limit)
	for _, dl := range q.dead[:limit] {
		out = append(out, &DeadLetter{
			Job:      cloneJob(dl.Job),
			Reason:   dl.Reason,
			Attempts: dl.Attempts,
			DiedAt:   dl.DiedAt,
		})
	}
	return out, nil
}

// Stats snapshots queue depths.
func (q *Memory) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	st := Stats{
		ByPriority: map[string]int64{},
		Leased:     int64(len(q.leased)),
		Dead:       int64(len(q.dead)),
		Done:       int64(len(q.done)),
	}
	for _, mj := range q.pending {
		if mj.job.AvailableAt.After(now) {
			st.Scheduled++
			continue
		}
		st.Pending++
		st.ByPriority[priorityName(mj.job.Priority)]++
	}
	return st, nil
}

// Close shuts the queue down. Blocked Dequeues return ErrQueueClosed.
func (q *Memory) Close() error {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}

// wake nudges one blocked Dequeue. Safe to call whether or not anyone
// is listening; no-op after Close.
func (q *Memory) wake() {
	q.closedMu.RLock()
	defer q.closedMu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func cloneJob(j *Job) *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = clonePayload(j.Payload)
	return &c
}

func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return clonePayload(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneAny(item)
		}
		return out
	default:
		return v
	}
}
