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
	"github.com/spf13/cobra"
)

// newCancelCommand creates the cancel command
func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a running workflow run",
		Long: `Request cancellation of a run. In-flight steps are interrupted and
the run settles as cancelled; already finished runs cannot be cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(cmd, args[0])
		},
	}

	return cmd
}

func runCancel(cmd *cobra.Command, runID string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if err := c.Cancel(ctx, runID); err != nil {
		return describeUnreachable(err)
	}

	if useJSON() {
		return emitJSON(cmd.OutOrStdout(), map[string]string{
			"workflowRunId": runID,
			"status":        "cancelled",
		})
	}
	if !quietFlag {
		cmd.Printf("Run %s cancelled\n", runID)
	}
	return nil
}
