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

// Package agents provides the handler implementations behind the agent
// registry: the HTTP webhook adapter, the MCP tool adapter, and the
// built-in simulated specialists. Each handler is stateless and reports
// a structured result; transport problems are returned as errors so the
// retry policy upstream can act on them.
package agents

import (
	"net/http"
	"sort"
	"time"

	"github.com/tombee/maestro/internal/registry"
	"github.com/tombee/maestro/pkg/agent"
)

// Deps carries the shared dependencies handler constructors close over.
type Deps struct {
	// HTTPClient is the base client webhook agents send through. When
	// nil a plain client is used; the per-task timeout still applies
	// through the request context.
	HTTPClient *http.Client
}

// Constructors returns the handler constructor table for agent types the
// daemon can build from stored definitions. Func-type agents carry code,
// not configuration, and are registered directly with RegisterHandler.
func Constructors(deps Deps) map[string]registry.Constructor {
	return map[string]registry.Constructor{
		agent.TypeHTTP: func(def agent.Definition) (agent.Agent, error) {
			return NewHTTP(def, deps)
		},
		agent.TypeMCP:          NewMCP,
		agent.TypeCodeReview:   NewBuiltin,
		agent.TypeArchitecture: NewBuiltin,
		agent.TypeDeployment:   NewBuiltin,
		agent.TypeTesting:      NewBuiltin,
	}
}

// hintFor resolves the effective resource demand for a definition.
func hintFor(def agent.Definition) agent.ResourceHint {
	if def.Hint != (agent.ResourceHint{}) {
		return def.Hint
	}
	return agent.DefaultHint(def.Type)
}

// optString returns cfg[key] when it is a non-empty string.
func optString(cfg map[string]any, key string) string {
	if s, ok := cfg[key].(string); ok {
		return s
	}
	return ""
}

// optStrings accepts []string or []any of strings.
func optStrings(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// optStringMap flattens a nested map value to string keys and values.
// JSON decodes nested objects as map[string]any; manifests do the same.
func optStringMap(cfg map[string]any, key string) map[string]string {
	raw, ok := cfg[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// optNumber reads a numeric config value. JSON numbers arrive as float64,
// YAML integers as int.
func optNumber(cfg map[string]any, key string) (float64, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// optDurationMs reads a millisecond count, falling back when absent or
// non-positive.
func optDurationMs(cfg map[string]any, key string, fallback time.Duration) time.Duration {
	if n, ok := optNumber(cfg, key); ok && n > 0 {
		return time.Duration(n) * time.Millisecond
	}
	return fallback
}

// envList converts an environment map to the sorted KEY=VALUE form child
// processes expect. Sorting keeps process spawns reproducible.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
