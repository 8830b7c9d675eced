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

// VersionInfo contains version metadata
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var serverVersion bool

// newVersionCommand creates the version command
func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version, commit hash, and build date for the maestro CLI, or for the daemon with --server-version.`,
		Args:  cobra.NoArgs,
		RunE:  runVersion,
	}

	cmd.Flags().BoolVar(&serverVersion, "server-version", false, "Show the daemon's version instead")

	return cmd
}

func runVersion(cmd *cobra.Command, args []string) error {
	if serverVersion {
		return runServerVersion(cmd)
	}

	info := VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	}

	if useJSON() {
		return emitJSON(cmd.OutOrStdout(), info)
	}

	cmd.Printf("maestro version %s\n", info.Version)
	cmd.Printf("  commit:     %s\n", info.Commit)
	cmd.Printf("  build date: %s\n", info.BuildDate)

	return nil
}

func runServerVersion(cmd *cobra.Command) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	v, err := c.Version(ctx)
	if err != nil {
		return describeUnreachable(err)
	}

	if useJSON() {
		return emitJSON(cmd.OutOrStdout(), v)
	}

	cmd.Printf("maestrod version %s\n", v.Version)
	cmd.Printf("  commit:     %s\n", v.Commit)
	cmd.Printf("  build date: %s\n", v.BuildDate)
	cmd.Printf("  go version: %s\n", v.GoVersion)

	return nil
}
