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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/maestro/pkg/agent"
	"github.com/tombee/maestro/pkg/errors"
)

// MCP is the Model Context Protocol tool agent: each invocation opens a
// connection to the configured server, calls one tool with the task input
// as arguments, and adapts the result. The connection lives exactly as
// long as the invocation; cancelling the context tears it down.
//
// Config keys: tool (required), and either command (+ args, env) for a
// stdio server or sseUrl for a server-sent-events endpoint.
type MCP struct {
	agentID string
	tool    string
	command string
	args    []string
	env     []string
	sseURL  string
	hint    agent.ResourceHint
}

// NewMCP constructs an MCP tool agent from its definition.
func NewMCP(def agent.Definition) (agent.Agent, error) {
	tool := optString(def.Config, "tool")
	if tool == "" {
		return nil, &errors.ValidationError{
			Field:      "config.tool",
			Message:    fmt.Sprintf("mcp agent %s names no tool", def.ID),
			Suggestion: "set config.tool to the tool to call",
		}
	}

	command := optString(def.Config, "command")
	sseURL := optString(def.Config, "sseUrl")
	if (command == "") == (sseURL == "") {
		return nil, &errors.ValidationError{
			Field:   "config",
			Message: "mcp agent needs exactly one of command or sseUrl",
		}
	}

	return &MCP{
		agentID: def.ID,
		tool:    tool,
		command: command,
		args:    optStrings(def.Config, "args"),
		env:     envList(optStringMap(def.Config, "env")),
		sseURL:  sseURL,
		hint:    hintFor(def),
	}, nil
}

// Invoke implements agent.Agent.
func (m *MCP) Invoke(ctx context.Context, task agent.Task) (agent.Result, error) {
	c, err := m.connect()
	if err != nil {
		return agent.Result{}, fmt.Errorf("failed to create MCP client: %w", err)
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		return agent.Result{}, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "maestro",
				Version: "0.1.0",
			},
		},
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return agent.Result{}, fmt.Errorf("initialize request failed: %w", err)
	}

	result, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      m.tool,
			Arguments: task.Input,
		},
	})
	if err != nil {
		return agent.Result{}, fmt.Errorf("tool call failed: %w", err)
	}

	return adaptToolResult(m.tool, result), nil
}

// ResourceHint implements agent.Agent.
func (m *MCP) ResourceHint() agent.ResourceHint {
	return m.hint
}

func (m *MCP) connect() (*client.Client, error) {
	if m.command != "" {
		return client.NewStdioMCPClient(m.command, m.env, m.args...)
	}
	return client.NewSSEMCPClient(m.sseURL)
}

// adaptToolResult converts an MCP tool response to the agent result
// contract. Text content that parses as a JSON object becomes the output
// payload; anything else is carried under "text".
func adaptToolResult(tool string, result *mcp.CallToolResult) agent.Result {
	var sb strings.Builder
	for _, content := range result.Content {
		if textContent, ok := mcp.AsTextContent(content); ok {
			sb.WriteString(textContent.Text)
		}
	}
	text := sb.String()
	meta := map[string]any{"tool": tool}

	if result.IsError {
		msg := text
		if msg == "" {
			msg = "tool call failed"
		}
		return agent.Result{Success: false, Error: msg, Metadata: meta}
	}

	var output map[string]any
	if err := json.Unmarshal([]byte(text), &output); err != nil || output == nil {
		output = map[string]any{"text": text}
	}
	return agent.Result{Success: true, Output: output, Metadata: meta}
}
