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

package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/agent"
	"github.com/tombee/maestro/pkg/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoConstructor(def agent.Definition) (agent.Agent, error) {
	return agent.NewFunc(agent.DefaultHint(def.Type), func(ctx context.Context, task agent.Task) (agent.Result, error) {
		return agent.Result{Success: true, Output: map[string]any{"step": task.StepName}}, nil
	}), nil
}

func newTestRegistry() *Registry {
	return New(Config{
		Constructors: map[string]Constructor{agent.TypeFunc: echoConstructor},
		Logger:       testLogger(),
	})
}

func testDef(id string) agent.Definition {
	return agent.Definition{
		ID:     id,
		Name:   id,
		Type:   agent.TypeFunc,
		Status: agent.StatusActive,
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := newTestRegistry()

	def := testDef("agent-echo")
	def.Capabilities = []string{"echo", "relay"}
	def.Status = "" // registration defaults it

	if err := r.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := r.Get("agent-echo")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "agent-echo" {
		t.Errorf("Expected name 'agent-echo', got %q", got.Name)
	}
	if got.Status != agent.StatusActive {
		t.Errorf("Expected status to default to active, got %q", got.Status)
	}
	if len(got.Capabilities) != 2 {
		t.Errorf("Expected 2 capabilities, got %d", len(got.Capabilities))
	}

	// The returned definition is a copy.
	got.Capabilities[0] = "mutated"
	again, err := r.Get("agent-echo")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if again.Capabilities[0] != "echo" {
		t.Errorf("Expected registry copy to be isolated from callers, got %q", again.Capabilities[0])
	}

	if _, err := r.Get("agent-missing"); err == nil {
		t.Fatal("Expected error for unknown agent")
	} else {
		var notFound *errors.NotFoundError
		if !errors.As(err, &notFound) {
			t.Errorf("Expected NotFoundError, got %T", err)
		}
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := newTestRegistry()

	var validation *errors.ValidationError

	def := testDef("")
	if err := r.Register(def); !errors.As(err, &validation) {
		t.Errorf("Expected ValidationError for missing id, got %v", err)
	}

	def = testDef("agent-x")
	def.Type = ""
	if err := r.Register(def); !errors.As(err, &validation) {
		t.Errorf("Expected ValidationError for missing type, got %v", err)
	}

	def = testDef("agent-x")
	def.Type = "quantum"
	if err := r.Register(def); !errors.As(err, &validation) {
		t.Errorf("Expected ValidationError for unknown type, got %v", err)
	}
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	first := agent.NewFunc(agent.ResourceHint{MemoryMB: 64}, func(ctx context.Context, task agent.Task) (agent.Result, error) {
		return agent.Result{Success: true, Output: map[string]any{"version": "v1"}}, nil
	})
	second := agent.NewFunc(agent.ResourceHint{MemoryMB: 64}, func(ctx context.Context, task agent.Task) (agent.Result, error) {
		return agent.Result{Success: true, Output: map[string]any{"version": "v2"}}, nil
	})

	if err := r.RegisterHandler(testDef("agent-echo"), first); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}
	if err := r.RegisterHandler(testDef("agent-echo"), second); err != nil {
		t.Fatalf("RegisterHandler replace failed: %v", err)
	}

	if r.Len() != 1 {
		t.Errorf("Expected 1 registered agent, got %d", r.Len())
	}

	res, err := r.Invoke(ctx, "agent-echo", agent.Task{ID: "t1"}, 0)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Output["version"] != "v2" {
		t.Errorf("Expected replacement handler to serve, got %v", res.Output["version"])
	}
}

func TestRegistry_Seed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	defs := []agent.Definition{
		{ID: "agent-echo", Name: "Echo", Type: agent.TypeFunc, Status: agent.StatusActive},
		{ID: "agent-relay", Name: "Relay", Type: agent.TypeFunc, Status: agent.StatusActive},
		{ID: "agent-exotic", Name: "Exotic", Type: "quantum", Status: agent.StatusActive},
	}
	for _, def := range defs {
		if err := s.PutAgent(ctx, def); err != nil {
			t.Fatalf("PutAgent failed: %v", err)
		}
	}

	r := newTestRegistry()
	n, err := r.Seed(ctx, s)
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 agents seeded, got %d", n)
	}

	// The unknown type is skipped, not fatal.
	if _, err := r.Get("agent-exotic"); err == nil {
		t.Error("Expected unknown-type agent to be skipped")
	}

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("Expected 2 agents listed, got %d", len(list))
	}
	if list[0].ID != "agent-echo" || list[1].ID != "agent-relay" {
		t.Errorf("Expected list sorted by id, got %s, %s", list[0].ID, list[1].ID)
	}
}

type failingCatalog struct{}

func (failingCatalog) ListAgents(ctx context.Context) ([]agent.Definition, error) {
	return nil, fmt.Errorf("connection reset")
}

func TestRegistry_SeedCatalogError(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Seed(context.Background(), failingCatalog{}); err == nil {
		t.Fatal("Expected Seed to fail when the catalog is unreachable")
	}
}

func TestRegistry_ResourceHint(t *testing.T) {
	r := newTestRegistry()

	withHint := testDef("agent-heavy")
	withHint.Hint = agent.ResourceHint{MemoryMB: 512, CPUCores: 2}
	if err := r.Register(withHint); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	hint, err := r.ResourceHint("agent-heavy")
	if err != nil {
		t.Fatalf("ResourceHint failed: %v", err)
	}
	if hint.MemoryMB != 512 || hint.CPUCores != 2 {
		t.Errorf("Expected explicit hint back, got %+v", hint)
	}

	selfReported := testDef("agent-lean")
	lean := agent.NewFunc(agent.ResourceHint{MemoryMB: 16}, func(ctx context.Context, task agent.Task) (agent.Result, error) {
		return agent.Result{Success: true}, nil
	})
	if err := r.RegisterHandler(selfReported, lean); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	hint, err = r.ResourceHint("agent-lean")
	if err != nil {
		t.Fatalf("ResourceHint failed: %v", err)
	}
	if hint.MemoryMB != 16 || hint.CPUCores != 0 {
		t.Errorf("Expected handler-reported hint, got %+v", hint)
	}

	plain := testDef("agent-hook")
	plain.Type = agent.TypeHTTP
	noop := agent.NewFunc(agent.ResourceHint{}, func(ctx context.Context, task agent.Task) (agent.Result, error) {
		return agent.Result{Success: true}, nil
	})
	if err := r.RegisterHandler(plain, noop); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	hint, err = r.ResourceHint("agent-hook")
	if err != nil {
		t.Fatalf("ResourceHint failed: %v", err)
	}
	want := agent.DefaultHint(agent.TypeHTTP)
	if hint != want {
		t.Errorf("Expected per-type default %+v, got %+v", want, hint)
	}

	if _, err := r.ResourceHint("agent-missing"); err == nil {
		t.Error("Expected error for unknown agent")
	}
}

func TestRegistry_InvokeSuccess(t *testing.T) {
	r := newTestRegistry()
	if err := r.Register(testDef("agent-echo")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	res, err := r.Invoke(context.Background(), "agent-echo", agent.Task{ID: "t1", StepName: "build"}, time.Second)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !res.Success {
		t.Error("Expected success result")
	}
	if res.Output["step"] != "build" {
		t.Errorf("Expected output step 'build', got %v", res.Output["step"])
	}
}

func TestRegistry_InvokeNotFound(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Invoke(context.Background(), "agent-ghost", agent.Task{ID: "t1"}, time.Second)
	var notFound *errors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Expected NotFoundError, got %v", err)
	}
}

func TestRegistry_InvokeInactive(t *testing.T) {
	r := newTestRegistry()

	def := testDef("agent-parked")
	def.Status = agent.StatusInactive
	if err := r.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err := r.Invoke(context.Background(), "agent-parked", agent.Task{ID: "t1"}, time.Second)
	var agentErr *errors.AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("Expected AgentError, got %v", err)
	}
	if agentErr.Reason != "agent_inactive" {
		t.Errorf("Expected reason 'agent_inactive', got %q", agentErr.Reason)
	}
	if agentErr.Retryable {
		t.Error("Expected inactive agent error to be non-retryable")
	}
}

func TestRegistry_InvokeHandlerError(t *testing.T) {
	r := newTestRegistry()

	cause := fmt.Errorf("connection refused")
	broken := agent.NewFunc(agent.ResourceHint{MemoryMB: 64}, func(ctx context.Context, task agent.Task) (agent.Result, error) {
		return agent.Result{}, cause
	})
	if err := r.RegisterHandler(testDef("agent-broken"), broken); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	_, err := r.Invoke(context.Background(), "agent-broken", agent.Task{ID: "t1"}, time.Second)
	var agentErr *errors.AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("Expected AgentError, got %v", err)
	}
	if agentErr.Reason != "handler_error" {
		t.Errorf("Expected reason 'handler_error', got %q", agentErr.Reason)
	}
	if !agentErr.Retryable {
		t.Error("Expected handler error to be retryable")
	}
	if !errors.Is(err, cause) {
		t.Error("Expected the handler error to be preserved as the cause")
	}
}

func TestRegistry_InvokeTimeout(t *testing.T) {
	r := newTestRegistry()

	slow := agent.NewFunc(agent.ResourceHint{MemoryMB: 64}, func(ctx context.Context, task agent.Task) (agent.Result, error) {
		if err := agent.Sleep(ctx, 5*time.Second); err != nil {
			return agent.Result{}, err
		}
		return agent.Result{Success: true}, nil
	})
	if err := r.RegisterHandler(testDef("agent-slow"), slow); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	start := time.Now()
	_, err := r.Invoke(context.Background(), "agent-slow", agent.Task{ID: "t1"}, 30*time.Millisecond)
	elapsed := time.Since(start)

	var agentErr *errors.AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("Expected AgentError, got %v", err)
	}
	if agentErr.Reason != "timeout_exceeded" {
		t.Errorf("Expected reason 'timeout_exceeded', got %q", agentErr.Reason)
	}
	if !agentErr.Retryable {
		t.Error("Expected timeout to be retryable")
	}
	if elapsed > time.Second {
		t.Errorf("Expected prompt timeout, took %v", elapsed)
	}
}

func TestRegistry_InvokeUncooperativeHandler(t *testing.T) {
	r := newTestRegistry()

	stubborn := agent.NewFunc(agent.ResourceHint{MemoryMB: 64}, func(ctx context.Context, task agent.Task) (agent.Result, error) {
		time.Sleep(300 * time.Millisecond) // ignores ctx
		return agent.Result{Success: true}, nil
	})
	if err := r.RegisterHandler(testDef("agent-stubborn"), stubborn); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	start := time.Now()
	_, err := r.Invoke(context.Background(), "agent-stubborn", agent.Task{ID: "t1"}, 30*time.Millisecond)
	elapsed := time.Since(start)

	var agentErr *errors.AgentError
	if !errors.As(err, &agentErr) || agentErr.Reason != "timeout_exceeded" {
		t.Fatalf("Expected timeout, got %v", err)
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("Expected the handler to be cut off at the deadline, took %v", elapsed)
	}
}

func TestRegistry_InvokeCancellation(t *testing.T) {
	r := newTestRegistry()

	slow := agent.NewFunc(agent.ResourceHint{MemoryMB: 64}, func(ctx context.Context, task agent.Task) (agent.Result, error) {
		if err := agent.Sleep(ctx, 5*time.Second); err != nil {
			return agent.Result{}, err
		}
		return agent.Result{Success: true}, nil
	})
	if err := r.RegisterHandler(testDef("agent-slow"), slow); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Invoke(ctx, "agent-slow", agent.Task{ID: "t1"}, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	var agentErr *errors.AgentError
	if errors.As(err, &agentErr) {
		t.Errorf("Expected bare cancellation, got AgentError %v", agentErr)
	}
}

func TestRegistry_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	r := New(Config{Logger: testLogger(), BreakerThreshold: 3})
	ctx := context.Background()

	var calls atomic.Int32
	failing := agent.NewFunc(agent.ResourceHint{MemoryMB: 64}, func(ctx context.Context, task agent.Task) (agent.Result, error) {
		calls.Add(1)
		return agent.Result{}, fmt.Errorf("connection refused")
	})
	if err := r.RegisterHandler(testDef("agent-flaky"), failing); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		_, err := r.Invoke(ctx, "agent-flaky", agent.Task{ID: "t1"}, time.Second)
		var agentErr *errors.AgentError
		if !errors.As(err, &agentErr) || agentErr.Reason != "handler_error" {
			t.Fatalf("Invocation %d: expected handler_error, got %v", i, err)
		}
	}

	_, err := r.Invoke(ctx, "agent-flaky", agent.Task{ID: "t1"}, time.Second)
	var agentErr *errors.AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("Expected AgentError, got %v", err)
	}
	if agentErr.Reason != "breaker_open" {
		t.Errorf("Expected reason 'breaker_open', got %q", agentErr.Reason)
	}
	if !agentErr.Retryable {
		t.Error("Expected breaker rejection to be retryable")
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 handler calls before the breaker opened, got %d", calls.Load())
	}
}

func TestRegistry_BreakerRecovery(t *testing.T) {
	r := New(Config{Logger: testLogger(), BreakerThreshold: 1, BreakerCooldown: 50 * time.Millisecond})
	ctx := context.Background()

	var healthy atomic.Bool
	flaky := agent.NewFunc(agent.ResourceHint{MemoryMB: 64}, func(ctx context.Context, task agent.Task) (agent.Result, error) {
		if healthy.Load() {
			return agent.Result{Success: true}, nil
		}
		return agent.Result{}, fmt.Errorf("boom")
	})
	if err := r.RegisterHandler(testDef("agent-flaky"), flaky); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	if _, err := r.Invoke(ctx, "agent-flaky", agent.Task{ID: "t1"}, time.Second); err == nil {
		t.Fatal("Expected first invocation to fail")
	}

	_, err := r.Invoke(ctx, "agent-flaky", agent.Task{ID: "t1"}, time.Second)
	var agentErr *errors.AgentError
	if !errors.As(err, &agentErr) || agentErr.Reason != "breaker_open" {
		t.Fatalf("Expected breaker_open, got %v", err)
	}

	healthy.Store(true)
	time.Sleep(80 * time.Millisecond)

	// Half-open probe passes and closes the breaker again.
	res, err := r.Invoke(ctx, "agent-flaky", agent.Task{ID: "t1"}, time.Second)
	if err != nil {
		t.Fatalf("Expected probe invocation to succeed, got %v", err)
	}
	if !res.Success {
		t.Error("Expected success result")
	}

	if _, err := r.Invoke(ctx, "agent-flaky", agent.Task{ID: "t1"}, time.Second); err != nil {
		t.Fatalf("Expected breaker to be closed again, got %v", err)
	}
}

func TestRegistry_BreakerIgnoresTaskFailures(t *testing.T) {
	r := New(Config{Logger: testLogger(), BreakerThreshold: 2})
	ctx := context.Background()

	// A handler that answers Success=false responded properly; only
	// transport-level errors count against the breaker.
	declining := agent.NewFunc(agent.ResourceHint{MemoryMB: 64}, func(ctx context.Context, task agent.Task) (agent.Result, error) {
		return agent.Result{Success: false, Error: "bad input"}, nil
	})
	if err := r.RegisterHandler(testDef("agent-picky"), declining); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		res, err := r.Invoke(ctx, "agent-picky", agent.Task{ID: "t1"}, time.Second)
		if err != nil {
			t.Fatalf("Invocation %d: expected structured failure, got error %v", i, err)
		}
		if res.Success {
			t.Fatalf("Invocation %d: expected Success=false", i)
		}
	}
}

func TestRegistry_MaxConcurrency(t *testing.T) {
	r := newTestRegistry()

	def := testDef("agent-gated")
	def.MaxConcurrency = 1

	gate := make(chan struct{})
	entered := make(chan struct{}, 2)
	gated := agent.NewFunc(agent.ResourceHint{MemoryMB: 64}, func(ctx context.Context, task agent.Task) (agent.Result, error) {
		entered <- struct{}{}
		select {
		case <-gate:
			return agent.Result{Success: true}, nil
		case <-ctx.Done():
			return agent.Result{}, ctx.Err()
		}
	})
	if err := r.RegisterHandler(def, gated); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := r.Invoke(context.Background(), "agent-gated", agent.Task{ID: "a"}, 0)
		firstDone <- err
	}()
	<-entered // the single slot is now occupied

	_, err := r.Invoke(context.Background(), "agent-gated", agent.Task{ID: "b"}, 40*time.Millisecond)
	var agentErr *errors.AgentError
	if !errors.As(err, &agentErr) || agentErr.Reason != "timeout_exceeded" {
		t.Fatalf("Expected the second invocation to time out waiting for a slot, got %v", err)
	}
	if len(entered) != 0 {
		t.Error("Expected the second invocation never to reach the handler")
	}

	close(gate)
	if err := <-firstDone; err != nil {
		t.Fatalf("First invocation failed: %v", err)
	}
}
