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
	"strings"

	"github.com/spf13/cobra"
)

// newAgentsCommand creates the agents command
func newAgentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Long: `List the agents visible to your organization, with their status and
how many tasks each is running right now.`,
		Example: `  # Example 1: Table of agents
  maestro agents

  # Example 2: Find idle active agents
  maestro agents --json | jq '.agents[] | select(.status == "active" and .runningTasks == 0)'`,
		Args: cobra.NoArgs,
		RunE: runAgents,
	}

	return cmd
}

func runAgents(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	agents, err := c.Agents(ctx)
	if err != nil {
		return describeUnreachable(err)
	}

	if useJSON() {
		return emitJSON(cmd.OutOrStdout(), agents)
	}

	w := newTable(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tRUNNING\tCAPABILITIES")
	for _, a := range agents.Agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			a.ID,
			a.Name,
			a.Type,
			a.Status,
			a.RunningTasks,
			strings.Join(a.Capabilities, ","),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if !quietFlag {
		cmd.Printf("\n%d agents, %d active\n", agents.TotalAgents, agents.ActiveAgents)
	}
	return nil
}
