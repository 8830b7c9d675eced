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

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/tombee/maestro/internal/store"
)

// TestRunStatusRoundTrip serializes store records the way the daemon's
// status handler does and decodes them through the client: every scalar
// field must survive, and the task list must come back complete.
func TestRunStatusRoundTrip(t *testing.T) {
	submitted := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	started := submitted.Add(2 * time.Second)
	completed := started.Add(90 * time.Second)

	run := &store.WorkflowRun{
		ID:             "run-rt",
		WorkflowID:     "wf-rt",
		OrganizationID: "org-1",
		UserID:         "user-1",
		Status:         store.RunFailed,
		Priority:       store.PriorityHigh,
		Input:          map[string]any{"title": "x"},
		Output:         map[string]any{"title": "x"},
		Error:          "publish: remote hung up",
		SubmittedAt:    submitted,
		StartedAt:      &started,
		CompletedAt:    &completed,
		DurationMS:     92000,
	}
	tasks := []*store.TaskExecution{
		{
			ID:          "task-1",
			RunID:       run.ID,
			StepID:      "s1",
			StepName:    "review",
			AgentID:     "agent-review",
			Status:      store.TaskCompleted,
			Output:      map[string]any{"ok": true},
			MaxRetries:  3,
			SubmittedAt: submitted,
			StartedAt:   &started,
			CompletedAt: &completed,
			DurationMS:  90000,
		},
		{
			ID:          "task-2",
			RunID:       run.ID,
			StepID:      "s2",
			StepName:    "publish",
			AgentID:     "agent-publish",
			Status:      store.TaskFailed,
			Error:       "remote hung up",
			RetryCount:  2,
			MaxRetries:  2,
			SubmittedAt: submitted,
		},
	}

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(struct {
			*store.WorkflowRun
			Tasks []*store.TaskExecution `json:"tasks"`
		}{run, tasks})
	}))

	got, err := client.RunStatus(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("RunStatus failed: %v", err)
	}

	if got.ID != run.ID {
		t.Errorf("id: got %q, want %q", got.ID, run.ID)
	}
	if got.WorkflowID != run.WorkflowID {
		t.Errorf("workflowId: got %q, want %q", got.WorkflowID, run.WorkflowID)
	}
	if got.Status != string(run.Status) {
		t.Errorf("status: got %q, want %q", got.Status, run.Status)
	}
	if got.Priority != string(run.Priority) {
		t.Errorf("priority: got %q, want %q", got.Priority, run.Priority)
	}
	if got.Error != run.Error {
		t.Errorf("error: got %q, want %q", got.Error, run.Error)
	}
	if got.DurationMS != run.DurationMS {
		t.Errorf("durationMs: got %d, want %d", got.DurationMS, run.DurationMS)
	}
	if got.Input["title"] != "x" {
		t.Errorf("input lost: %v", got.Input)
	}
	if !got.SubmittedAt.Equal(run.SubmittedAt) {
		t.Errorf("submittedAt: got %v, want %v", got.SubmittedAt, run.SubmittedAt)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("startedAt: got %v, want %v", got.StartedAt, started)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Errorf("completedAt: got %v, want %v", got.CompletedAt, completed)
	}

	if len(got.Tasks) != len(tasks) {
		t.Fatalf("expected %d tasks, got %d", len(tasks), len(got.Tasks))
	}
	byID := make(map[string]Task, len(got.Tasks))
	for _, task := range got.Tasks {
		byID[task.ID] = task
	}
	for _, want := range tasks {
		task, ok := byID[want.ID]
		if !ok {
			t.Fatalf("task %s missing from response", want.ID)
		}
		if task.StepName != want.StepName {
			t.Errorf("task %s stepName: got %q, want %q", want.ID, task.StepName, want.StepName)
		}
		if task.AgentID != want.AgentID {
			t.Errorf("task %s agentId: got %q, want %q", want.ID, task.AgentID, want.AgentID)
		}
		if task.Status != string(want.Status) {
			t.Errorf("task %s status: got %q, want %q", want.ID, task.Status, want.Status)
		}
		if task.Error != want.Error {
			t.Errorf("task %s error: got %q, want %q", want.ID, task.Error, want.Error)
		}
		if task.RetryCount != want.RetryCount {
			t.Errorf("task %s retryCount: got %d, want %d", want.ID, task.RetryCount, want.RetryCount)
		}
		if task.DurationMS != want.DurationMS {
			t.Errorf("task %s durationMs: got %d, want %d", want.ID, task.DurationMS, want.DurationMS)
		}
	}
}
