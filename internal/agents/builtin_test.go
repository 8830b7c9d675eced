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

package agents

import (
	"context"
	"testing"
	"time"

	"github.com/tombee/maestro/pkg/agent"
	"github.com/tombee/maestro/pkg/errors"
)

func builtinDef(agentType string) agent.Definition {
	return agent.Definition{
		ID:     "agent-" + agentType,
		Name:   agentType,
		Type:   agentType,
		Status: agent.StatusActive,
	}
}

func TestNewBuiltin_UnknownType(t *testing.T) {
	if _, err := NewBuiltin(builtinDef("func")); err == nil {
		t.Fatal("Expected error for a type without a simulation")
	}
}

func TestBuiltin_CodeReview(t *testing.T) {
	a, err := NewBuiltin(builtinDef(agent.TypeCodeReview))
	if err != nil {
		t.Fatalf("NewBuiltin failed: %v", err)
	}

	res, err := a.Invoke(context.Background(), agent.Task{
		ID:    "t1",
		Input: map[string]any{"files": []any{"main.go", "main_test.go"}},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !res.Success {
		t.Error("Expected success result")
	}
	if res.Output["approved"] != true {
		t.Errorf("Expected approved=true, got %v", res.Output["approved"])
	}
	if res.Output["filesReviewed"] != 2 {
		t.Errorf("Expected 2 files reviewed, got %v", res.Output["filesReviewed"])
	}
	if res.Metadata["simulated"] != true {
		t.Error("Expected simulated metadata")
	}
}

func TestBuiltin_Architecture(t *testing.T) {
	a, err := NewBuiltin(builtinDef(agent.TypeArchitecture))
	if err != nil {
		t.Fatalf("NewBuiltin failed: %v", err)
	}

	res, err := a.Invoke(context.Background(), agent.Task{ID: "t1"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Output["assessment"] != "approved" {
		t.Errorf("Expected assessment 'approved', got %v", res.Output["assessment"])
	}
}

func TestBuiltin_Deployment(t *testing.T) {
	def := builtinDef(agent.TypeDeployment)
	def.Config = map[string]any{"environment": "production"}
	a, err := NewBuiltin(def)
	if err != nil {
		t.Fatalf("NewBuiltin failed: %v", err)
	}

	res, err := a.Invoke(context.Background(), agent.Task{ID: "t1"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Output["deployed"] != true {
		t.Error("Expected deployed=true")
	}
	if res.Output["environment"] != "production" {
		t.Errorf("Expected configured environment, got %v", res.Output["environment"])
	}

	// An input environment overrides the configured one.
	res, err = a.Invoke(context.Background(), agent.Task{
		ID:    "t2",
		Input: map[string]any{"environment": "canary"},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Output["environment"] != "canary" {
		t.Errorf("Expected input environment, got %v", res.Output["environment"])
	}
}

func TestBuiltin_Testing(t *testing.T) {
	a, err := NewBuiltin(builtinDef(agent.TypeTesting))
	if err != nil {
		t.Fatalf("NewBuiltin failed: %v", err)
	}

	res, err := a.Invoke(context.Background(), agent.Task{
		ID:    "t1",
		Input: map[string]any{"tests": []any{"unit", "integration", "smoke"}},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Output["passed"] != true {
		t.Error("Expected passed=true")
	}
	if res.Output["total"] != 3 {
		t.Errorf("Expected total 3, got %v", res.Output["total"])
	}
	if res.Output["failures"] != 0 {
		t.Errorf("Expected 0 failures, got %v", res.Output["failures"])
	}
}

func TestBuiltin_SimulateFailure(t *testing.T) {
	a, err := NewBuiltin(builtinDef(agent.TypeTesting))
	if err != nil {
		t.Fatalf("NewBuiltin failed: %v", err)
	}

	res, err := a.Invoke(context.Background(), agent.Task{
		ID:    "t1",
		Input: map[string]any{"simulateFailure": "bad"},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Success {
		t.Error("Expected structured failure")
	}
	if res.Error != "bad" {
		t.Errorf("Expected error 'bad', got %q", res.Error)
	}
}

func TestBuiltin_Cancellation(t *testing.T) {
	def := builtinDef(agent.TypeCodeReview)
	def.Config = map[string]any{"durationMs": 5000}
	a, err := NewBuiltin(def)
	if err != nil {
		t.Fatalf("NewBuiltin failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = a.Invoke(ctx, agent.Task{ID: "t1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected prompt cancellation, took %v", elapsed)
	}
}

func TestBuiltin_ResourceHint(t *testing.T) {
	a, err := NewBuiltin(builtinDef(agent.TypeCodeReview))
	if err != nil {
		t.Fatalf("NewBuiltin failed: %v", err)
	}
	want := agent.DefaultHint(agent.TypeCodeReview)
	if a.ResourceHint() != want {
		t.Errorf("Expected default hint %+v, got %+v", want, a.ResourceHint())
	}

	def := builtinDef(agent.TypeCodeReview)
	def.Hint = agent.ResourceHint{MemoryMB: 1024, CPUCores: 2}
	a, err = NewBuiltin(def)
	if err != nil {
		t.Fatalf("NewBuiltin failed: %v", err)
	}
	if a.ResourceHint() != def.Hint {
		t.Errorf("Expected explicit hint %+v, got %+v", def.Hint, a.ResourceHint())
	}
}
