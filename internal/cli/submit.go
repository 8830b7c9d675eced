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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/maestro/internal/client"
)

// pollInterval is how often --wait re-reads the run status.
const pollInterval = 2 * time.Second

// newSubmitCommand creates the submit command
func newSubmitCommand() *cobra.Command {
	var (
		inputs    []string
		inputFile string
		priority  string
		wait      bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit <workflow-id>",
		Short: "Submit a workflow run",
		Long: `Submit a run of a registered workflow.

Input values come from repeated --input key=value pairs, or from a JSON
object passed with --input-file (use '-' to read stdin). With --wait the
command polls until the run reaches a terminal status and exits non-zero
if the run failed.`,
		Example: `  # Example 1: Fire and forget
  maestro submit deploy-pipeline --input service=api --input env=staging

  # Example 2: JSON input from a file, wait for the outcome
  maestro submit deploy-pipeline --input-file inputs.json --wait

  # Example 3: Pipe input and capture the run ID
  echo '{"service":"api"}' | maestro submit deploy-pipeline --input-file - --json | jq -r '.workflowRunId'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, args[0], inputs, inputFile, priority, wait, timeout)
		},
	}

	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Input as key=value (repeatable)")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "JSON object with run input ('-' for stdin)")
	cmd.Flags().StringVar(&priority, "priority", "", "Run priority: low, normal, high or urgent")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the run to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "How long --wait polls before giving up")

	return cmd
}

func runSubmit(cmd *cobra.Command, workflowID string, inputs []string, inputFile, priority string, wait bool, timeout time.Duration) error {
	input, err := buildInput(inputs, inputFile)
	if err != nil {
		return &ExitError{Code: ExitUsage, Message: "invalid input", Cause: err}
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	ack, err := c.Execute(ctx, client.ExecuteRequest{
		WorkflowID: workflowID,
		Input:      input,
		Priority:   priority,
	})
	if err != nil {
		return describeUnreachable(err)
	}

	if !wait {
		if useJSON() {
			return emitJSON(cmd.OutOrStdout(), ack)
		}
		if !quietFlag {
			cmd.Printf("Run %s submitted\n", ack.WorkflowRunID)
		}
		return nil
	}

	return waitForRun(cmd, c, ack.WorkflowRunID, timeout)
}

// waitForRun polls until the run is terminal, then renders it. A failed
// or cancelled run exits non-zero so pipelines fail with it.
func waitForRun(cmd *cobra.Command, c *client.Client, runID string, timeout time.Duration) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.RunStatus(ctx, runID)
		if err == nil && isTerminal(status.Status) {
			if err := renderRun(cmd, status); err != nil {
				return err
			}
			if status.Status != "completed" {
				return &ExitError{
					Code:    ExitRunFailed,
					Message: fmt.Sprintf("run %s %s", runID, status.Status),
				}
			}
			return nil
		}
		if err != nil && isAPIError(err) {
			return err
		}

		if verboseFlag && err == nil && !quietFlag && !useJSON() {
			cmd.Printf("run %s: %s\n", runID, status.Status)
		}

		select {
		case <-ctx.Done():
			return &ExitError{
				Code:    ExitFailure,
				Message: fmt.Sprintf("timed out after %s waiting for run %s", timeout, runID),
			}
		case <-ticker.C:
		}
	}
}

func isTerminal(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// buildInput merges --input pairs over the --input-file object so
// one-off overrides do not require editing the file.
func buildInput(pairs []string, file string) (map[string]any, error) {
	input := make(map[string]any)

	if file != "" {
		var raw []byte
		var err error
		if file == "-" {
			raw, err = io.ReadAll(os.Stdin)
		} else {
			raw, err = os.ReadFile(file)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		if err := json.Unmarshal(raw, &input); err != nil {
			return nil, fmt.Errorf("input file must be a JSON object: %w", err)
		}
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("input %q is not key=value", pair)
		}
		input[key] = value
	}

	if len(input) == 0 {
		return nil, nil
	}
	return input, nil
}
