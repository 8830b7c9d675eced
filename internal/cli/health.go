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
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newHealthCommand creates the health command
func newHealthCommand() *cobra.Command {
	var detailed bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		Long: `Query the daemon's health endpoint.

With --detailed the daemon also reports per-component status: state
store, queue, websocket hub, task tracker, resource budgets and the
orchestrator's active run count.`,
		Example: `  # Example 1: Quick liveness check
  maestro health

  # Example 2: Per-component view for debugging
  maestro health --detailed

  # Example 3: Use in CI to gate on a healthy daemon
  maestro health --json | jq -e '.status == "healthy"'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd, detailed)
		},
	}

	cmd.Flags().BoolVar(&detailed, "detailed", false, "Include per-component status")

	return cmd
}

func runHealth(cmd *cobra.Command, detailed bool) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if detailed {
		detail, err := c.DetailedHealth(ctx)
		if err != nil {
			return describeUnreachable(err)
		}
		return emitJSON(cmd.OutOrStdout(), detail)
	}

	health, err := c.Health(ctx)
	if err != nil {
		return describeUnreachable(err)
	}

	if useJSON() {
		return emitJSON(cmd.OutOrStdout(), health)
	}

	cmd.Printf("Status:  %s\n", health.Status)
	cmd.Printf("Version: %s\n", health.Version)
	cmd.Printf("Uptime:  %s\n", (time.Duration(health.Uptime) * time.Second).String())
	return nil
}

// describeUnreachable rewrites connection errors into an exit-coded
// error naming the daemon address, since "connection refused" alone
// leaves out the half the operator needs.
func describeUnreachable(err error) error {
	if isAPIError(err) {
		return err
	}
	return &ExitError{
		Code:    ExitUnreachable,
		Message: fmt.Sprintf("cannot reach daemon at %s (is maestrod running?)", resolveServer()),
		Cause:   err,
	}
}
