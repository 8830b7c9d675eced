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

// Package registry maintains the in-memory agent catalog.
//
// The registry is seeded from the state store at startup (and optionally
// from YAML manifests, see LoadManifestDir) and resolves agent identifiers
// to running handlers. Invocations go through a per-agent concurrency bound
// and a per-agent circuit breaker, and are cut off by a cancellation-aware
// timeout so a handler that ignores its context cannot stall a worker.
// The registry never retries a failed invocation; retry policy belongs to
// the queue.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tombee/maestro/pkg/agent"
	"github.com/tombee/maestro/pkg/errors"
)

// Breaker defaults: an agent opens after five consecutive transport-level
// failures and admits a probe invocation after the cooldown.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
)

// Constructor builds a handler from its stored definition. The registry
// selects one by Definition.Type.
type Constructor func(def agent.Definition) (agent.Agent, error)

// Catalog is the slice of the state store the registry seeds from.
type Catalog interface {
	ListAgents(ctx context.Context) ([]agent.Definition, error)
}

// Config configures a Registry.
type Config struct {
	// Constructors maps agent types to handler constructors. Definitions
	// whose type has no constructor are rejected by Register.
	Constructors map[string]Constructor

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// BreakerThreshold is the consecutive-failure count that opens an
	// agent's circuit breaker (defaults to DefaultBreakerThreshold).
	BreakerThreshold uint32

	// BreakerCooldown is how long an open breaker rejects invocations
	// before admitting a probe (defaults to DefaultBreakerCooldown).
	BreakerCooldown time.Duration
}

// entry is one registered agent: its definition, its constructed handler,
// and the guards every invocation passes through.
type entry struct {
	def     agent.Definition
	handler agent.Agent
	breaker *gobreaker.CircuitBreaker

	// slots bounds concurrent invocations; nil means unlimited.
	slots chan struct{}
}

// Registry is the in-memory agent catalog. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	constructors map[string]Constructor
	logger       *slog.Logger
	threshold    uint32
	cooldown     time.Duration
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = DefaultBreakerThreshold
	}

	cooldown := cfg.BreakerCooldown
	if cooldown == 0 {
		cooldown = DefaultBreakerCooldown
	}

	constructors := cfg.Constructors
	if constructors == nil {
		constructors = make(map[string]Constructor)
	}

	return &Registry{
		entries:      make(map[string]*entry),
		constructors: constructors,
		logger:       logger,
		threshold:    threshold,
		cooldown:     cooldown,
	}
}

// Seed loads every stored definition into the registry. Definitions that
// fail to register are logged and skipped so one bad row cannot prevent
// startup. Returns the number of agents registered.
func (r *Registry) Seed(ctx context.Context, catalog Catalog) (int, error) {
	defs, err := catalog.ListAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list stored agents: %w", err)
	}

	registered := 0
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			r.logger.Warn("skipping stored agent",
				"agent_id", def.ID,
				"type", def.Type,
				"error", err,
			)
			continue
		}
		registered++
	}

	r.logger.Info("agent registry seeded", "agents", registered)
	return registered, nil
}

// Register adds or replaces a definition by identifier, constructing the
// handler for its type. Replacement is total: the handler is rebuilt and
// the breaker state resets, so a fixed configuration gets a clean slate.
func (r *Registry) Register(def agent.Definition) error {
	if err := validate(def); err != nil {
		return err
	}

	ctor, ok := r.constructors[def.Type]
	if !ok {
		return &errors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("no handler constructor for agent type %q", def.Type),
			Suggestion: "register a constructor for this type or fix the definition",
		}
	}

	handler, err := ctor(def)
	if err != nil {
		return fmt.Errorf("failed to construct agent %s: %w", def.ID, err)
	}

	return r.register(def, handler)
}

// RegisterHandler adds or replaces a definition with an explicit handler,
// bypassing the constructor table. Embedded func agents and tests use it.
func (r *Registry) RegisterHandler(def agent.Definition, h agent.Agent) error {
	if err := validate(def); err != nil {
		return err
	}
	if h == nil {
		return &errors.ValidationError{Field: "handler", Message: "handler is required"}
	}
	return r.register(def, h)
}

func (r *Registry) register(def agent.Definition, h agent.Agent) error {
	def = cloneDefinition(def)
	if def.Status == "" {
		def.Status = agent.StatusActive
	}

	e := &entry{def: def, handler: h, breaker: r.newBreaker(def.ID)}
	if def.MaxConcurrency > 0 {
		e.slots = make(chan struct{}, def.MaxConcurrency)
	}

	r.mu.Lock()
	_, replaced := r.entries[def.ID]
	r.entries[def.ID] = e
	r.mu.Unlock()

	if replaced {
		r.logger.Info("agent replaced", "agent_id", def.ID, "type", def.Type)
	} else {
		r.logger.Debug("agent registered", "agent_id", def.ID, "type", def.Type)
	}
	return nil
}

// Get returns the stored definition for an agent.
func (r *Registry) Get(agentID string) (agent.Definition, error) {
	e, err := r.lookup(agentID)
	if err != nil {
		return agent.Definition{}, err
	}
	return cloneDefinition(e.def), nil
}

// List returns all registered definitions ordered by identifier.
func (r *Registry) List() []agent.Definition {
	r.mu.RLock()
	defs := make([]agent.Definition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, cloneDefinition(e.def))
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Len reports the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ResourceHint reports the per-invocation resource demand for an agent:
// the definition's explicit hint when present, then the handler's own
// report, then the per-type default. The resource manager reserves
// against it before dispatch.
func (r *Registry) ResourceHint(agentID string) (agent.ResourceHint, error) {
	e, err := r.lookup(agentID)
	if err != nil {
		return agent.ResourceHint{}, err
	}
	if e.def.Hint != (agent.ResourceHint{}) {
		return e.def.Hint, nil
	}
	if hint := e.handler.ResourceHint(); hint != (agent.ResourceHint{}) {
		return hint, nil
	}
	return agent.DefaultHint(e.def.Type), nil
}

// Invoke resolves the agent and executes one task under the agent's
// concurrency bound and circuit breaker. When timeout is positive the
// invocation is cut off after it, whether or not the handler cooperates.
// Cancellation of ctx is returned unchanged so callers can tell a
// cancelled run from a broken agent; every other failure is an AgentError.
func (r *Registry) Invoke(ctx context.Context, agentID string, task agent.Task, timeout time.Duration) (agent.Result, error) {
	e, err := r.lookup(agentID)
	if err != nil {
		return agent.Result{}, err
	}

	if e.def.Status != agent.StatusActive {
		return agent.Result{}, &errors.AgentError{
			AgentID: agentID,
			Reason:  "agent_inactive",
			Message: "agent is registered but not accepting invocations",
		}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// A saturated agent spends the task's own timeout waiting for a slot.
	if e.slots != nil {
		select {
		case e.slots <- struct{}{}:
			defer func() { <-e.slots }()
		case <-ctx.Done():
			return agent.Result{}, invokeFailure(agentID, ctx.Err(), timeout)
		}
	}

	out, err := e.breaker.Execute(func() (interface{}, error) {
		res, err := run(ctx, e.handler, task)
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		return agent.Result{}, invokeFailure(agentID, err, timeout)
	}
	return out.(agent.Result), nil
}

// run executes the handler in its own goroutine so a handler that ignores
// cancellation cannot block past the deadline. The buffered channel lets
// the abandoned goroutine finish in the background instead of leaking.
func run(ctx context.Context, h agent.Agent, task agent.Task) (agent.Result, error) {
	type outcome struct {
		res agent.Result
		err error
	}

	done := make(chan outcome, 1)
	go func() {
		res, err := h.Invoke(ctx, task)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return agent.Result{}, ctx.Err()
	}
}

// invokeFailure classifies a failed invocation. Caller cancellation is
// passed through untouched; breaker rejections and timeouts become
// retryable AgentErrors with their reason codes; anything else is a
// retryable handler error.
func invokeFailure(agentID string, err error, timeout time.Duration) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &errors.AgentError{
			AgentID:   agentID,
			Reason:    "breaker_open",
			Message:   "circuit breaker is open",
			Retryable: true,
			Cause:     err,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return &errors.AgentError{
			AgentID:   agentID,
			Reason:    "timeout_exceeded",
			Message:   fmt.Sprintf("no result within %s", timeout),
			Retryable: true,
			Cause:     err,
		}
	case errors.Is(err, context.Canceled):
		return err
	default:
		return &errors.AgentError{
			AgentID:   agentID,
			Reason:    "handler_error",
			Message:   err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}
}

func (r *Registry) lookup(agentID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "agent", ID: agentID}
	}
	return e, nil
}

// newBreaker builds the per-agent circuit breaker. Only transport-level
// errors count as failures: a handler that answers Success=false responded
// properly and says nothing about the agent's health, and neither does a
// cancelled run.
func (r *Registry) newBreaker(agentID string) *gobreaker.CircuitBreaker {
	threshold := r.threshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentID,
		MaxRequests: 1,
		Timeout:     r.cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("agent circuit breaker state changed",
				"agent_id", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

func validate(def agent.Definition) error {
	if def.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "agent id is required"}
	}
	if def.Type == "" {
		return &errors.ValidationError{Field: "type", Message: "agent type is required"}
	}
	return nil
}

// cloneDefinition guards the registry's copy against caller mutation and
// vice versa. Config values are shared; treat them as read-only.
func cloneDefinition(def agent.Definition) agent.Definition {
	out := def
	if def.Capabilities != nil {
		out.Capabilities = append([]string(nil), def.Capabilities...)
	}
	if def.Tools != nil {
		out.Tools = append([]string(nil), def.Tools...)
	}
	if def.Config != nil {
		cfg := make(map[string]any, len(def.Config))
		for k, v := range def.Config {
			cfg[k] = v
		}
		out.Config = cfg
	}
	return out
}
