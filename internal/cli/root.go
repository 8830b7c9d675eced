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

// Package cli implements the maestro operator CLI: thin cobra commands
// over the daemon's HTTP API. Output is a table on a terminal and JSON
// when piped or asked for with --json.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/maestro/internal/client"
)

// Global flag values - set by root command
var (
	serverFlag  string
	jsonFlag    bool
	verboseFlag bool
	quietFlag   bool

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// NewRootCommand creates the root cobra command for maestro
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maestro",
		Short: "Maestro - AI agent workflow orchestration",
		Long: `Maestro is the operator CLI for maestrod, the multi-tenant AI-agent
workflow orchestrator. It submits workflow runs, inspects their progress,
and manages the credentials used to talk to the daemon.

Set MAESTRO_URL (or pass --server) to address a daemon other than
http://localhost:3001. Run 'maestro login' once to store a token.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	cmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "", "Daemon address (default: MAESTRO_URL or "+client.DefaultBaseURL+")")
	cmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-error output")

	cmd.AddCommand(newHealthCommand())
	cmd.AddCommand(newSubmitCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newCancelCommand())
	cmd.AddCommand(newAgentsCommand())
	cmd.AddCommand(newLoginCommand())
	cmd.AddCommand(newLogoutCommand())
	cmd.AddCommand(newSchemaCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}
