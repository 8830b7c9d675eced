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
	"os"
	"path/filepath"
	"testing"
)

func TestSubmitCommand(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/workflows/execute" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("expected bearer token, got %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"workflowRunId": "run-123",
			"status":        "started",
		})
	}))
	defer server.Close()

	output, err := executeCommand(t, "submit", "deploy", "--input", "env=staging", "--server", server.URL)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if gotBody["workflowId"] != "deploy" {
		t.Errorf("expected workflowId 'deploy', got %v", gotBody["workflowId"])
	}
	input, ok := gotBody["input"].(map[string]any)
	if !ok || input["env"] != "staging" {
		t.Errorf("expected input env=staging, got %v", gotBody["input"])
	}

	// Test output is piped, so the acknowledgement comes back as JSON.
	var ack map[string]string
	if err := json.Unmarshal([]byte(output), &ack); err != nil {
		t.Fatalf("failed to parse output: %v\nOutput: %s", err, output)
	}
	if ack["workflowRunId"] != "run-123" {
		t.Errorf("expected run-123 in output, got %q", ack["workflowRunId"])
	}
}

func TestSubmitWaitFailedRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/workflows/execute":
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"workflowRunId": "run-456", "status": "started"})
		case "/workflows/run-456/status":
			json.NewEncoder(w).Encode(map[string]any{
				"id":         "run-456",
				"workflowId": "deploy",
				"status":     "failed",
				"error":      "step build: agent returned 500",
				"tasks":      []any{},
			})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	_, err := executeCommand(t, "submit", "deploy", "--wait", "--server", server.URL)
	if err == nil {
		t.Fatal("expected failed run to produce an error")
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %T: %v", err, err)
	}
	if exitErr.Code != ExitRunFailed {
		t.Errorf("expected exit code %d, got %d", ExitRunFailed, exitErr.Code)
	}
}

func TestBuildInput(t *testing.T) {
	dir := t.TempDir()
	inputFile := filepath.Join(dir, "input.json")
	if err := os.WriteFile(inputFile, []byte(`{"service":"api","replicas":3}`), 0o644); err != nil {
		t.Fatal(err)
	}
	badFile := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(badFile, []byte(`["not","an","object"]`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		pairs   []string
		file    string
		want    map[string]any
		wantErr bool
	}{
		{
			name:  "pairs only",
			pairs: []string{"env=staging", "region=us-east-1"},
			want:  map[string]any{"env": "staging", "region": "us-east-1"},
		},
		{
			name: "file only",
			file: inputFile,
			want: map[string]any{"service": "api", "replicas": float64(3)},
		},
		{
			name:  "pairs override file",
			pairs: []string{"service=worker"},
			file:  inputFile,
			want:  map[string]any{"service": "worker", "replicas": float64(3)},
		},
		{
			name: "empty is nil",
			want: nil,
		},
		{
			name:    "malformed pair",
			pairs:   []string{"no-equals-sign"},
			wantErr: true,
		},
		{
			name:    "empty key",
			pairs:   []string{"=value"},
			wantErr: true,
		},
		{
			name:    "file is not an object",
			file:    badFile,
			wantErr: true,
		},
		{
			name:    "missing file",
			file:    filepath.Join(dir, "nope.json"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildInput(tt.pairs, tt.file)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want == nil {
				if got != nil {
					t.Errorf("expected nil input, got %v", got)
				}
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d keys, got %d: %v", len(tt.want), len(got), got)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("key %q: expected %v, got %v", k, v, got[k])
				}
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for _, status := range []string{"completed", "failed", "cancelled"} {
		if !isTerminal(status) {
			t.Errorf("expected %q to be terminal", status)
		}
	}
	for _, status := range []string{"pending", "running", ""} {
		if isTerminal(status) {
			t.Errorf("expected %q to not be terminal", status)
		}
	}
}
