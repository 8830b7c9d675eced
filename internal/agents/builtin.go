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
	"fmt"
	"time"

	"github.com/tombee/maestro/pkg/agent"
)

// Builtin simulates the work of a specialist step so workflows can be
// exercised end to end without external services. It performs
// cancellation-honoring fake work and emits a deterministic output shaped
// by its type.
//
// Config keys: durationMs (simulated work time, default 10),
// environment (deployment agents). The input key simulateFailure forces a
// structured failure with the given error text.
type Builtin struct {
	kind string
	hint agent.ResourceHint
	work time.Duration
	env  string
}

// NewBuiltin constructs the simulated agent for a definition's type.
func NewBuiltin(def agent.Definition) (agent.Agent, error) {
	switch def.Type {
	case agent.TypeCodeReview, agent.TypeArchitecture, agent.TypeDeployment, agent.TypeTesting:
	default:
		return nil, fmt.Errorf("no simulation for agent type %q", def.Type)
	}

	env := optString(def.Config, "environment")
	if env == "" {
		env = "staging"
	}

	return &Builtin{
		kind: def.Type,
		hint: hintFor(def),
		work: optDurationMs(def.Config, "durationMs", 10*time.Millisecond),
		env:  env,
	}, nil
}

// Invoke implements agent.Agent.
func (b *Builtin) Invoke(ctx context.Context, task agent.Task) (agent.Result, error) {
	if err := agent.Sleep(ctx, b.work); err != nil {
		return agent.Result{}, err
	}

	if msg, ok := task.Input["simulateFailure"].(string); ok && msg != "" {
		return agent.Result{Success: false, Error: msg, Metadata: b.meta()}, nil
	}

	switch b.kind {
	case agent.TypeCodeReview:
		return agent.Result{
			Success: true,
			Output: map[string]any{
				"approved":      true,
				"comments":      []any{},
				"filesReviewed": countItems(task.Input, "files"),
			},
			Metadata: b.meta(),
		}, nil

	case agent.TypeArchitecture:
		return agent.Result{
			Success: true,
			Output: map[string]any{
				"assessment": "approved",
				"risks":      []any{},
			},
			Metadata: b.meta(),
		}, nil

	case agent.TypeDeployment:
		env := b.env
		if v := optString(task.Input, "environment"); v != "" {
			env = v
		}
		return agent.Result{
			Success: true,
			Output: map[string]any{
				"deployed":    true,
				"environment": env,
			},
			Metadata: b.meta(),
		}, nil

	case agent.TypeTesting:
		return agent.Result{
			Success: true,
			Output: map[string]any{
				"passed":   true,
				"total":    countItems(task.Input, "tests"),
				"failures": 0,
			},
			Metadata: b.meta(),
		}, nil
	}

	return agent.Result{}, fmt.Errorf("no simulation for agent type %q", b.kind)
}

// ResourceHint implements agent.Agent.
func (b *Builtin) ResourceHint() agent.ResourceHint {
	return b.hint
}

func (b *Builtin) meta() map[string]any {
	return map[string]any{"agentType": b.kind, "simulated": true}
}

// countItems reports the element count of a list-valued input key.
func countItems(input map[string]any, key string) int {
	switch v := input[key].(type) {
	case []any:
		return len(v)
	case []string:
		return len(v)
	}
	return 0
}
