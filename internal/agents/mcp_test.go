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
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/maestro/pkg/agent"
	"github.com/tombee/maestro/pkg/errors"
)

func mcpDef(cfg map[string]any) agent.Definition {
	return agent.Definition{
		ID:     "agent-mcp",
		Name:   "Tools",
		Type:   agent.TypeMCP,
		Status: agent.StatusActive,
		Config: cfg,
	}
}

func TestNewMCP_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]any
	}{
		{"missing tool", map[string]any{"command": "mcp-server"}},
		{"missing transport", map[string]any{"tool": "search"}},
		{"both transports", map[string]any{
			"tool":    "search",
			"command": "mcp-server",
			"sseUrl":  "http://localhost:8080/sse",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMCP(mcpDef(tt.cfg))
			if err == nil {
				t.Fatal("Expected validation error")
			}
			var verr *errors.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestNewMCP_Config(t *testing.T) {
	def := mcpDef(map[string]any{
		"tool":    "search",
		"command": "mcp-server",
		"args":    []any{"--verbose"},
		"env":     map[string]any{"API_KEY": "k"},
	})
	a, err := NewMCP(def)
	if err != nil {
		t.Fatalf("NewMCP failed: %v", err)
	}
	if a.ResourceHint() != agent.DefaultHint(agent.TypeMCP) {
		t.Errorf("Expected default mcp hint, got %+v", a.ResourceHint())
	}

	def = mcpDef(map[string]any{
		"tool":   "search",
		"sseUrl": "http://localhost:8080/sse",
	})
	if _, err := NewMCP(def); err != nil {
		t.Fatalf("NewMCP with sseUrl failed: %v", err)
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func TestAdaptToolResult_JSONOutput(t *testing.T) {
	res := adaptToolResult("search", textResult(`{"found":true,"count":2}`))
	if !res.Success {
		t.Error("Expected success result")
	}
	if res.Output["found"] != true {
		t.Errorf("Expected decoded output, got %v", res.Output)
	}
	if res.Output["count"] != float64(2) {
		t.Errorf("Expected decoded count, got %v", res.Output["count"])
	}
	if res.Metadata["tool"] != "search" {
		t.Errorf("Expected tool metadata, got %v", res.Metadata)
	}
}

func TestAdaptToolResult_PlainText(t *testing.T) {
	res := adaptToolResult("search", textResult("three results found"))
	if !res.Success {
		t.Error("Expected success result")
	}
	if res.Output["text"] != "three results found" {
		t.Errorf("Expected text wrapped as output, got %v", res.Output)
	}
}

func TestAdaptToolResult_ToolError(t *testing.T) {
	res := adaptToolResult("search", mcp.NewToolResultError("index unavailable"))
	if res.Success {
		t.Error("Expected failure result")
	}
	if res.Error != "index unavailable" {
		t.Errorf("Expected tool error text, got %q", res.Error)
	}

	res = adaptToolResult("search", &mcp.CallToolResult{IsError: true})
	if res.Error != "tool call failed" {
		t.Errorf("Expected fallback error text, got %q", res.Error)
	}
}

func TestAdaptToolResult_MultipleContentBlocks(t *testing.T) {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent("partial "),
			mcp.NewTextContent("answer"),
		},
	}
	res := adaptToolResult("search", result)
	if res.Output["text"] != "partial answer" {
		t.Errorf("Expected concatenated text, got %v", res.Output)
	}
}
