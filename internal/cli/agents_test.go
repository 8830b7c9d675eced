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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tombee/maestro/internal/client"
)

func TestAgentsCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/agents/status" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"agents": []map[string]any{
				{"id": "code-reviewer", "name": "Code Reviewer", "type": "webhook", "status": "active", "capabilities": []string{"review"}, "runningTasks": 2},
				{"id": "deployer", "name": "Deployer", "type": "webhook", "status": "inactive", "runningTasks": 0},
			},
			"totalAgents":  2,
			"activeAgents": 1,
		})
	}))
	defer server.Close()

	output, err := executeCommand(t, "agents", "--server", server.URL)
	if err != nil {
		t.Fatalf("agents failed: %v", err)
	}

	var agents client.AgentsResponse
	if err := json.Unmarshal([]byte(output), &agents); err != nil {
		t.Fatalf("failed to parse output: %v\nOutput: %s", err, output)
	}
	if agents.TotalAgents != 2 || agents.ActiveAgents != 1 {
		t.Errorf("expected 2 total / 1 active, got %d / %d", agents.TotalAgents, agents.ActiveAgents)
	}
	if len(agents.Agents) != 2 || agents.Agents[0].ID != "code-reviewer" {
		t.Errorf("unexpected agent list: %+v", agents.Agents)
	}
}
