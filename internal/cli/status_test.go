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

package cli

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tombee/maestro/internal/client"
)

func TestStatusCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/workflows/run-789/status" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":         "run-789",
			"workflowId": "deploy",
			"status":     "running",
			"tasks": []map[string]any{
				{"id": "t1", "stepName": "build", "agentId": "builder", "status": "completed", "retryCount": 0, "durationMs": 1500},
				{"id": "t2", "stepName": "deploy", "agentId": "deployer", "status": "running", "retryCount": 1},
			},
		})
	}))
	defer server.Close()

	output, err := executeCommand(t, "status", "run-789", "--server", server.URL)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}

	var status client.RunStatusResponse
	if err := json.Unmarshal([]byte(output), &status); err != nil {
		t.Fatalf("failed to parse output: %v\nOutput: %s", err, output)
	}
	if status.ID != "run-789" {
		t.Errorf("expected run-789, got %q", status.ID)
	}
	if len(status.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(status.Tasks))
	}
	if status.Tasks[1].RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", status.Tasks[1].RetryCount)
	}
}

func TestStatusUnknownRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "Not Found",
			"message": "workflow run not found",
			"code":    "not_found",
		})
	}))
	defer server.Close()

	_, err := executeCommand(t, "status", "missing-run", "--server", server.URL)
	if err == nil {
		t.Fatal("expected error for unknown run")
	}

	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", apiErr.Status)
	}
}

func TestFormatTime(t *testing.T) {
	if got := formatTime(nil); got != "-" {
		t.Errorf("expected '-' for nil time, got %q", got)
	}

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if got := formatTime(&ts); got == "-" || got == "" {
		t.Errorf("expected formatted time, got %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{0, "-"},
		{-5, "-"},
		{1500, "1.5s"},
		{250, "250ms"},
	}

	for _, tt := range tests {
		if got := formatDuration(tt.ms); got != tt.want {
			t.Errorf("formatDuration(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}
