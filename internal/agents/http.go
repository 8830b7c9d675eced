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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tombee/maestro/pkg/agent"
	"github.com/tombee/maestro/pkg/errors"
)

// Webhook responses are merged into downstream step inputs; cap them so a
// misbehaving endpoint cannot balloon run state.
const maxWebhookResponse = 4 << 20

// HTTP is the webhook agent: it POSTs the task to a configured endpoint
// and decodes the structured {success, output, error} response.
//
// Config keys: endpoint (required), headers (string map), and oauth
// {tokenUrl, clientId, clientSecret, scopes} for client-credentials
// token injection.
type HTTP struct {
	agentID  string
	endpoint string
	headers  map[string]string
	client   *http.Client
	hint     agent.ResourceHint
}

// NewHTTP constructs a webhook agent from its definition.
func NewHTTP(def agent.Definition, deps Deps) (agent.Agent, error) {
	endpoint := optString(def.Config, "endpoint")
	if endpoint == "" {
		return nil, &errors.ValidationError{
			Field:      "config.endpoint",
			Message:    fmt.Sprintf("http agent %s has no endpoint", def.ID),
			Suggestion: "set config.endpoint to the webhook URL",
		}
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, &errors.ValidationError{
			Field:   "config.endpoint",
			Message: fmt.Sprintf("endpoint %q must start with http:// or https://", endpoint),
		}
	}

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	if oauthCfg, ok := def.Config["oauth"].(map[string]any); ok {
		var err error
		client, err = oauthClient(oauthCfg, client)
		if err != nil {
			return nil, err
		}
	}

	return &HTTP{
		agentID:  def.ID,
		endpoint: endpoint,
		headers:  optStringMap(def.Config, "headers"),
		client:   client,
		hint:     hintFor(def),
	}, nil
}

// oauthClient wraps base with a client-credentials token source so every
// webhook call carries a fresh bearer token.
func oauthClient(cfg map[string]any, base *http.Client) (*http.Client, error) {
	tokenURL := optString(cfg, "tokenUrl")
	clientID := optString(cfg, "clientId")
	clientSecret := optString(cfg, "clientSecret")
	if tokenURL == "" || clientID == "" || clientSecret == "" {
		return nil, &errors.ValidationError{
			Field:   "config.oauth",
			Message: "oauth requires tokenUrl, clientId and clientSecret",
		}
	}

	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       optStrings(cfg, "scopes"),
	}

	// The token source outlives individual invocations; it refreshes
	// through the base client.
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	return oauth2.NewClient(tokenCtx, cc.TokenSource(tokenCtx)), nil
}

// Invoke implements agent.Agent.
func (h *HTTP) Invoke(ctx context.Context, task agent.Task) (agent.Result, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return agent.Result{}, fmt.Errorf("failed to encode task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return agent.Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return agent.Result{}, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return agent.Result{}, fmt.Errorf("webhook returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out agent.Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxWebhookResponse)).Decode(&out); err != nil {
		return agent.Result{}, fmt.Errorf("failed to decode webhook response: %w", err)
	}
	return out, nil
}

// ResourceHint implements agent.Agent.
func (h *HTTP) ResourceHint() agent.ResourceHint {
	return h.hint
}
