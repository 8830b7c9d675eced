package e2e

import (
	"context"
	"sync"
	"testing"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/agent"
	"github.com/tombee/maestro/test/e2e/harness"
)

// TestSequentialRun drives a three-step workflow with no declared
// dependencies through a live daemon: steps run one at a time in order,
// and the event feed carries the full lifecycle.
func TestSequentialRun(t *testing.T) {
	h := harness.New(t)

	var mu sync.Mutex
	var invoked []string
	h.RegisterAgent("worker", func(ctx context.Context, task agent.Task) (agent.Result, error) {
		mu.Lock()
		invoked = append(invoked, task.StepName)
		mu.Unlock()
		return agent.Result{Success: true, Output: map[string]any{"ok": true}}, nil
	})

	h.CreateWorkflow(&store.Workflow{
		ID:   "wf-linear",
		Name: "Linear Pipeline",
		Steps: []store.WorkflowStep{
			{ID: "s1", WorkflowID: "wf-linear", AgentID: "worker", Name: "extract", Order: 1},
			{ID: "s2", WorkflowID: "wf-linear", AgentID: "worker", Name: "review", Order: 2},
			{ID: "s3", WorkflowID: "wf-linear", AgentID: "worker", Name: "publish", Order: 3},
		},
	})

	runID := h.Submit("wf-linear", map[string]any{"title": "x"})
	status := h.WaitForRun(runID, store.RunCompleted)

	if len(status.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(status.Tasks))
	}
	for _, task := range status.Tasks {
		if task.Status != string(store.TaskCompleted) {
			t.Errorf("task %q ended %s, want completed", task.StepName, task.Status)
		}
	}

	mu.Lock()
	order := append([]string(nil), invoked...)
	mu.Unlock()
	want := []string{"extract", "review", "publish"}
	if len(order) != len(want) {
		t.Fatalf("expected %d invocations, got %d: %v", len(want), len(order), order)
	}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("invocation %d was %q, want %q", i, order[i], name)
		}
	}

	// The full lifecycle is exactly: started, running, then a running and
	// a completed event per step in step order, then the terminal event.
	events := h.AwaitRunEvents(runID, 9)
	if len(events) != 9 {
		t.Fatalf("expected 9 lifecycle events, got %d", len(events))
	}
	wantTypes := []string{
		bus.EventWorkflowStarted,
		bus.EventWorkflowRunning,
		bus.EventTaskStatus, bus.EventTaskCompleted,
		bus.EventTaskStatus, bus.EventTaskCompleted,
		bus.EventTaskStatus, bus.EventTaskCompleted,
		bus.EventWorkflowCompleted,
	}
	for i, ev := range events {
		if ev.Type != wantTypes[i] {
			t.Errorf("event %d is %s, want %s", i, ev.Type, wantTypes[i])
		}
	}
	for i, step := range want {
		running := events[2+2*i]
		if got, _ := running.Data["stepName"].(string); got != step {
			t.Errorf("running event %d names step %q, want %q", i, got, step)
		}
		if got, _ := running.Data["status"].(string); got != string(store.TaskRunning) {
			t.Errorf("running event %d carries status %q, want running", i, got)
		}
		completed := events[3+2*i]
		if got, _ := completed.Data["stepName"].(string); got != step {
			t.Errorf("completed event %d names step %q, want %q", i, got, step)
		}
	}
}
