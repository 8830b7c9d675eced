package e2e

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/agent"
	"github.com/tombee/maestro/test/e2e/harness"
)

// TestBackpressureSingleWorker floods a one-worker daemon with ten runs.
// The pool must never execute two tasks at once, and every run must still
// complete.
func TestBackpressureSingleWorker(t *testing.T) {
	h := harness.New(t, harness.WithConcurrency(1))

	var current, peak atomic.Int32
	h.RegisterAgent("metered", func(ctx context.Context, task agent.Task) (agent.Result, error) {
		cur := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		if err := agent.Sleep(ctx, 20*time.Millisecond); err != nil {
			return agent.Result{}, err
		}
		return agent.Result{Success: true}, nil
	})

	h.CreateWorkflow(&store.Workflow{
		ID:   "wf-single",
		Name: "Single Step",
		Steps: []store.WorkflowStep{
			{ID: "s1", WorkflowID: "wf-single", AgentID: "metered", Name: "crunch", Order: 1},
		},
	})

	runIDs := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		runIDs = append(runIDs, h.Submit("wf-single", map[string]any{"n": i}))
	}
	for _, runID := range runIDs {
		h.WaitForRun(runID, store.RunCompleted)
	}

	if got := peak.Load(); got != 1 {
		t.Errorf("observed %d concurrent invocations, want 1", got)
	}

	// Terminal means terminal: once a task completes, its run's feed may
	// not carry another status for it.
	for _, runID := range runIDs {
		events := h.AwaitRunEvents(runID, 5)
		done := -1
		for i, ev := range events {
			if ev.Type == bus.EventTaskCompleted {
				done = i
			}
		}
		if done == -1 {
			t.Errorf("run %s published no task completion", runID)
			continue
		}
		for _, ev := range events[done+1:] {
			if ev.Type == bus.EventTaskStatus {
				t.Errorf("run %s published %s after its task completed", runID, ev.Type)
			}
		}
	}
}
