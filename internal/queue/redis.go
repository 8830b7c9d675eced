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
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/maestro/pkg/errors"
)

// Redis key layout under the namespace prefix:
//
//	jobs       HASH  jobID -> job JSON (written once at enqueue)
//	attempts   HASH  jobID -> nack count
//	route      HASH  jobID -> "<priority>:<maxAttempts>"
//	workers    HASH  jobID -> workerID holding the lease
//	scheduled  ZSET  jobID scored by availableAt (ms)
//	pending:N  LIST  jobIDs ready for priority weight N, FIFO
//	leases     ZSET  jobID scored by lease expiry (ms)
//	done       LIST  recently acked job JSON, newest first
//	dead       LIST  dead-letter JSON, newest first
//
// All state changes run through Lua scripts so a half-applied dequeue or
// nack can never survive a connection drop.

// dequeueScript promotes due scheduled jobs into their priority lists,
// then leases the head of the highest non-empty list.
// KEYS: scheduled, leases, jobs, attempts, route, workers,
// pending:4..pending:1. ARGV: nowMs, leaseExpiryMs, workerID.
var dequeueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local route = redis.call('HGET', KEYS[5], id)
  local w = 2
  if route then w = tonumber(string.match(route, '^(%d+)')) end
  redis.call('RPUSH', KEYS[11 - w], id)
end
for i = 7, 10 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), id)
    redis.call('HSET', KEYS[6], id, ARGV[3])
    local job = redis.call('HGET', KEYS[3], id)
    local attempt = redis.call('HGET', KEYS[4], id)
    return {id, job, attempt or '0'}
  end
end
return false
`)

// ackScript removes a leased job and retains its JSON for inspection.
// KEYS: leases, workers, jobs, attempts, route, done.
// ARGV: jobID, doneRetention.
var ackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('HDEL', KEYS[2], ARGV[1])
local job = redis.call('HGET', KEYS[3], ARGV[1])
if job then
  redis.call('LPUSH', KEYS[6], job)
  redis.call('LTRIM', KEYS[6], 0, tonumber(ARGV[2]) - 1)
end
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
return 1
`)

// nackScript burns an attempt and either schedules the retry or evicts
// the job, returning its JSON for the dead-letter record.
// KEYS: leases, workers, jobs, attempts, route, scheduled.
// ARGV: jobID, nowMs, backoffBaseMs, strategy, backoffMaxMs.
var nackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return {'missing', '', 0} end
redis.call('HDEL', KEYS[2], ARGV[1])
local attempt = redis.call('HINCRBY', KEYS[4], ARGV[1], 1)
local route = redis.call('HGET', KEYS[5], ARGV[1])
local max = 0
if route then max = tonumber(string.match(route, ':(%d+)$')) end
if attempt >= max then
  local job = redis.call('HGET', KEYS[3], ARGV[1])
  redis.call('HDEL', KEYS[3], ARGV[1])
  redis.call('HDEL', KEYS[4], ARGV[1])
  redis.call('HDEL', KEYS[5], ARGV[1])
  return {'dead', job or '', attempt}
end
local delay
if ARGV[4] == 'fixed' then
  delay = tonumber(ARGV[3])
else
  delay = tonumber(ARGV[3]) * 2 ^ attempt
end
if delay > tonumber(ARGV[5]) then delay = tonumber(ARGV[5]) end
redis.call('ZADD', KEYS[6], tonumber(ARGV[2]) + delay, ARGV[1])
return {'retry', '', attempt}
`)

// requeueScript returns a leased job without touching its attempt count.
// KEYS: leases, workers, route, scheduled, pending:4..pending:1.
// ARGV: jobID, availableAtMs, delayed (0|1).
var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('HDEL', KEYS[2], ARGV[1])
if tonumber(ARGV[3]) > 0 then
  redis.call('ZADD', KEYS[4], tonumber(ARGV[2]), ARGV[1])
else
  local route = redis.call('HGET', KEYS[3], ARGV[1])
  local w = 2
  if route then w = tonumber(string.match(route, '^(%d+)')) end
  redis.call('RPUSH', KEYS[9 - w], ARGV[1])
end
return 1
`)

// extendScript renews a lease only while it still exists.
// KEYS: leases. ARGV: jobID, expiryMs.
var extendScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], tonumber(ARGV[2]), ARGV[1])
  return 1
end
return 0
`)

// purgeScript restores every job whose lease expired.
// KEYS: leases, workers, route, pending:4..pending:1. ARGV: nowMs.
var purgeScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', KEYS[2], id)
  local route = redis.call('HGET', KEYS[3], id)
  if route then
    local w = tonumber(string.match(route, '^(%d+)'))
    redis.call('RPUSH', KEYS[8 - w], id)
  end
end
return #expired
`)

// Redis is a queue backed by a redis server. Jobs survive process
// restarts; crash recovery is PurgeExpiredLeases plus redelivery.
type Redis struct {
	rdb        *redis.Client
	opts       Options
	ownsClient bool

	dequeueKeys []string
}

var _ Queue = (*Redis)(nil)

// NewRedis wraps an existing client. The caller owns the client and is
// responsible for closing it.
func NewRedis(client *redis.Client, opts Options) *Redis {
	r := &Redis{rdb: client, opts: opts.withDefaults()}
	r.dequeueKeys = []string{
		r.key("scheduled"), r.key("leases"), r.key("jobs"), r.key("attempts"),
		r.key("route"), r.key("workers"),
		r.pendingKey(PriorityUrgent), r.pendingKey(PriorityHigh),
		r.pendingKey(PriorityNormal), r.pendingKey(PriorityLow),
	}
	return r
}

// OpenRedis connects to the redis server named by url
// (redis://host:port/db) and verifies it is reachable.
func OpenRedis(ctx context.Context, url string, opts Options) (*Redis, error) {
	cfg, err := redis.ParseURL(url)
	if err != nil {
		return nil, &errors.ConfigError{Key: "QUEUE_URL", Reason: "invalid redis url", Cause: err}
	}
	client := redis.NewClient(cfg)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, &errors.InfrastructureError{System: "queue", Op: "connect", Cause: err}
	}

	q := NewRedis(client, opts)
	q.ownsClient = true
	return q, nil
}

func (r *Redis) key(name string) string {
	return r.opts.Namespace + ":" + name
}

func (r *Redis) pendingKey(weight int) string {
	return fmt.Sprintf("%s:pending:%d", r.opts.Namespace, weight)
}

// Enqueue persists a job, available after delay.
func (r *Redis) Enqueue(ctx context.Context, job *Job, delay time.Duration) error {
	if err := validate(job); err != nil {
		return err
	}
	j, delay := prepare(job, delay, r.opts.MaxAttempts)

	data, err := json.Marshal(j)
	if err != nil {
		return &errors.InfrastructureError{System: "queue", Op: "enqueue", Cause: err}
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key("jobs"), j.ID, string(data))
		pipe.HSet(ctx, r.key("route"), j.ID, fmt.Sprintf("%d:%d", j.Priority, j.MaxAttempts))
		pipe.HSet(ctx, r.key("attempts"), j.ID, j.Attempt)
		if delay > 0 {
			pipe.ZAdd(ctx, r.key("scheduled"), redis.Z{
				Score:  float64(j.AvailableAt.UnixMilli()),
				Member: j.ID,
			})
		} else {
			pipe.RPush(ctx, r.pendingKey(j.Priority), j.ID)
		}
		return nil
	})
	if err != nil {
		return &errors.InfrastructureError{System: "queue", Op: "enqueue", Cause: err}
	}
	return nil
}

// Dequeue leases the next available job, polling until the poll timeout.
func (r *Redis) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	deadline := time.Now().Add(r.opts.PollTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job, err := r.tryDequeue(ctx, workerID)
		if err != nil || job != nil {
			return job, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := r.opts.PollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (r *Redis) tryDequeue(ctx context.Context, workerID string) (*Job, error) {
	now := time.Now().UTC()
	res, err := dequeueScript.Run(ctx, r.rdb, r.dequeueKeys,
		now.UnixMilli(), now.Add(r.opts.Visibility).UnixMilli(), workerID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		// Report cancellation as such rather than a backend failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &errors.InfrastructureError{System: "queue", Op: "dequeue", Cause: err}
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return nil, &errors.InfrastructureError{System: "queue", Op: "dequeue",
			Cause: fmt.Errorf("unexpected script reply %T", res)}
	}
	raw, _ := arr[1].(string)
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, &errors.InfrastructureError{System: "queue", Op: "dequeue", Cause: err}
	}
	job.Attempt = scriptInt(arr[2])
	return &job, nil
}

// Ack removes a successfully handled job.
func (r *Redis) Ack(ctx context.Context, jobID string) error {
	keys := []string{
		r.key("leases"), r.key("workers"), r.key("jobs"),
		r.key("attempts"), r.key("route"), r.key("done"),
	}
	n, err := ackScript.Run(ctx, r.rdb, keys, jobID, r.opts.DoneRetention).Int()
	if err != nil {
		return &errors.InfrastructureError{System: "queue", Op: "ack", Cause: err}
	}
	if n == 0 {
		return &errors.NotFoundError{Resource: "job", ID: jobID}
	}
	return nil
}

// Nack burns an attempt: the job retries after backoff while attempts
// remain and is dead-lettered otherwise.
func (r *Redis) Nack(ctx context.Context, jobID string, reason string) error {
	keys := []string{
		r.key("leases"), r.key("workers"), r.key("jobs"),
		r.key("attempts"), r.key("route"), r.key("scheduled"),
	}
	now := time.Now().UTC()
	res, err := nackScript.Run(ctx, r.rdb, keys,
		jobID, now.UnixMilli(),
		r.opts.Backoff.Base.Milliseconds(), string(r.opts.Backoff.Strategy),
		r.opts.Backoff.Max.Milliseconds()).Result()
	if err != nil {
		return &errors.InfrastructureError{System: "queue", Op: "nack", Cause: err}
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return &errors.InfrastructureError{System: "queue", Op: "nack",
			Cause: fmt.Errorf("unexpected script reply %T", res)}
	}
	outcome, _ := arr[0].(string)
	switch outcome {
	case "missing":
		return &errors.NotFoundError{Resource: "job", ID: jobID}
	case "retry":
		return nil
	}

	// Dead-lettered: append the inspection record. Losing it on a crash
	// here costs diagnostics only; the job itself is already evicted.
	raw, _ := arr[1].(string)
	if raw == "" {
		return nil
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return &errors.InfrastructureError{System: "queue", Op: "nack", Cause: err}
	}
	job.Attempt = scriptInt(arr[2])
	dl := &DeadLetter{Job: &job, Reason: reason, Attempts: job.Attempt, DiedAt: now}
	data, err := json.Marshal(dl)
	if err != nil {
		return &errors.InfrastructureError{System: "queue", Op: "nack", Cause: err}
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, r.key("dead"), string(data))
		pipe.LTrim(ctx, r.key("dead"), 0, int64(r.opts.DeadRetention)-1)
		return nil
	})
	if err != nil {
		return &errors.InfrastructureError{System: "queue", Op: "nack", Cause: err}
	}
	return nil
}

// Requeue returns a leased job to the queue after delay without
// consuming an attempt.
func (r *Redis) Requeue(ctx context.Context, jobID string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	keys := []string{
		r.key("leases"), r.key("workers"), r.key("route"), r.key("scheduled"),
		r.pendingKey(PriorityUrgent), r.pendingKey(PriorityHigh),
		r.pendingKey(PriorityNormal), r.pendingKey(PriorityLow),
	}
	delayed := 0
	if delay > 0 {
		delayed = 1
	}
	availableAt := time.Now().UTC().Add(delay)
	n, err := requeueScript.Run(ctx, r.rdb, keys, jobID, availableAt.UnixMilli(), delayed).Int()
	if err != nil {
		return &errors.InfrastructureError{System: "queue", Op: "requeue", Cause: err}
	}
	if n == 0 {
		return &errors.NotFoundError{Resource: "job", ID: jobID}
	}
	return nil
}

// ExtendLease renews the visibility timeout of a leased job.
func (r *Redis) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	expiry := time.Now().UTC().Add(extension)
	n, err := extendScript.Run(ctx, r.rdb, []string{r.key("leases")}, jobID, expiry.UnixMilli()).Int()
	if err != nil {
		return &errors.InfrastructureError{System: "queue", Op: "extend lease", Cause: err}
	}
	if n == 0 {
		return &errors.NotFoundError{Resource: "job", ID: jobID}
	}
	return nil
}

// PurgeExpiredLeases restores jobs whose lease lapsed without an ack.
func (r *Redis) PurgeExpiredLeases(ctx context.Context) (int, error) {
	keys := []string{
		r.key("leases"), r.key("workers"), r.key("route"),
		r.pendingKey(PriorityUrgent), r.pendingKey(PriorityHigh),
		r.pendingKey(PriorityNormal), r.pendingKey(PriorityLow),
	}
	n, err := purgeScript.Run(ctx, r.rdb, keys, time.Now().UTC().UnixMilli()).Int()
	if err != nil {
		return 0, &errors.InfrastructureError{System: "queue", Op: "purge leases", Cause: err}
	}
	return n, nil
}

// DeadLetters lists the most recent dead-lettered jobs, newest first.
func (r *Redis) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = r.opts.DeadRetention
	}
	raw, err := r.rdb.LRange(ctx, r.key("dead"), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, &errors.InfrastructureError{System: "queue", Op: "dead letters", Cause: err}
	}
	out := make([]*DeadLetter, 0, len(raw))
	for _, item := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			return nil, &errors.InfrastructureError{System: "queue", Op: "dead letters", Cause: err}
		}
		out = append(out, &dl)
	}
	return out, nil
}

// Stats snapshots queue depths.
func (r *Redis) Stats(ctx context.Context) (Stats, error) {
	var depth [5]*redis.IntCmd // indexed by priority weight, 0 unused
	var scheduled, leased, dead, done *redis.IntCmd

	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		depth[PriorityUrgent] = pipe.LLen(ctx, r.pendingKey(PriorityUrgent))
		depth[PriorityHigh] = pipe.LLen(ctx, r.pendingKey(PriorityHigh))
		depth[PriorityNormal] = pipe.LLen(ctx, r.pendingKey(PriorityNormal))
		depth[PriorityLow] = pipe.LLen(ctx, r.pendingKey(PriorityLow))
		scheduled = pipe.ZCard(ctx, r.key("scheduled"))
		leased = pipe.ZCard(ctx, r.key("leases"))
		dead = pipe.LLen(ctx, r.key("dead"))
		done = pipe.LLen(ctx, r.key("done"))
		return nil
	})
	if err != nil {
		return Stats{}, &errors.InfrastructureError{System: "queue", Op: "stats", Cause: err}
	}

	st := Stats{
		ByPriority: map[string]int64{},
		Scheduled:  scheduled.Val(),
		Leased:     leased.Val(),
		Dead:       dead.Val(),
		Done:       done.Val(),
	}
	for w := PriorityLow; w <= PriorityUrgent; w++ {
		n := depth[w].Val()
		st.Pending += n
		st.ByPriority[priorityName(w)] = n
	}
	return st, nil
}

// Close releases the client when this queue opened it.
func (r *Redis) Close() error {
	if r.ownsClient {
		return r.rdb.Close()
	}
	return nil
}

func scriptInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}
