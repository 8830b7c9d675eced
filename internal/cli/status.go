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

	"github.com/tombee/maestro/internal/client"
)

// newStatusCommand creates the status command
func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a workflow run and its tasks",
		Example: `  # Example 1: Inspect a run
  maestro status 4f7c1e0a-0b4e-4f5a-9d2c-8e1f3a6b9c0d

  # Example 2: Extract step outputs for scripting
  maestro status 4f7c1e0a --json | jq '.tasks[] | {stepName, status}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, args[0])
		},
	}

	return cmd
}

func runStatus(cmd *cobra.Command, runID string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	status, err := c.RunStatus(ctx, runID)
	if err != nil {
		return describeUnreachable(err)
	}

	return renderRun(cmd, status)
}

// renderRun writes a run either as JSON or as a summary block with a
// task table.
func renderRun(cmd *cobra.Command, status *client.RunStatusResponse) error {
	if useJSON() {
		return emitJSON(cmd.OutOrStdout(), status)
	}

	cmd.Printf("Run:      %s\n", status.ID)
	cmd.Printf("Workflow: %s\n", status.WorkflowID)
	cmd.Printf("Status:   %s\n", status.Status)
	cmd.Printf("Started:  %s\n", formatTime(status.StartedAt))
	if status.CompletedAt != nil {
		cmd.Printf("Finished: %s (%s)\n", formatTime(status.CompletedAt), time.Duration(status.DurationMS)*time.Millisecond)
	}
	if status.Error != "" {
		cmd.Printf("Error:    %s\n", status.Error)
	}

	if len(status.Tasks) == 0 {
		return nil
	}

	cmd.Println()
	w := newTable(cmd.OutOrStdout())
	fmt.Fprintln(w, "STEP\tAGENT\tSTATUS\tRETRIES\tDURATION")
	for _, task := range status.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			task.StepName,
			task.AgentID,
			task.Status,
			task.RetryCount,
			formatDuration(task.DurationMS),
		)
	}
	return w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func formatDuration(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return (time.Duration(ms) * time.Millisecond).String()
}
