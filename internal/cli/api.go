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
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/maestro/internal/client"
	"github.com/tombee/maestro/internal/secrets"
)

// ServerEnv names the daemon address override.
const ServerEnv = "MAESTRO_URL"

// requestTimeout bounds a single API call. Commands that wait on runs
// manage their own deadlines.
const requestTimeout = 30 * time.Second

// resolveServer picks the daemon address: flag, then environment, then
// the local default.
func resolveServer() string {
	if serverFlag != "" {
		return serverFlag
	}
	if env := os.Getenv(ServerEnv); env != "" {
		return env
	}
	return client.DefaultBaseURL
}

// newClient builds an API client for the resolved daemon with whatever
// token is available. Commands that hit public endpoints work without
// one; authenticated endpoints surface the daemon's 401.
func newClient() (*client.Client, error) {
	server := resolveServer()

	token, err := secrets.Token(server)
	if err != nil {
		// A broken credential store should not block public endpoints.
		token = ""
	}

	return client.New(client.WithBaseURL(server), client.WithToken(token))
}

// commandContext derives a bounded context from the command.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, requestTimeout)
}

// isAPIError reports whether the daemon answered at all; anything else
// is a transport failure.
func isAPIError(err error) bool {
	var apiErr *client.APIError
	return errors.As(err, &apiErr)
}
