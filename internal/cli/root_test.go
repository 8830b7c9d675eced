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
	"bytes"
	"testing"

	"github.com/tombee/maestro/internal/client"
	"github.com/tombee/maestro/internal/secrets"
)

// executeCommand runs the root command with args and returns the
// captured output. MAESTRO_TOKEN is pinned so tests never touch the
// real credential store.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(secrets.TokenEnv, "test-token")

	cmd := NewRootCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.Use != "maestro" {
		t.Errorf("expected use 'maestro', got %q", cmd.Use)
	}
	if !cmd.SilenceUsage || !cmd.SilenceErrors {
		t.Error("root command must own error reporting for exit codes")
	}

	want := []string{"health", "submit", "status", "cancel", "agents", "login", "logout", "version"}
	for _, name := range want {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected subcommand %q to be registered", name)
		}
	}
}

func TestRootCommandFlags(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"server", "json", "verbose", "quiet"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected persistent flag %q", name)
		}
	}
}

func TestResolveServer(t *testing.T) {
	tests := []struct {
		name string
		flag string
		env  string
		want string
	}{
		{"default", "", "", client.DefaultBaseURL},
		{"env override", "", "http://env:3001", "http://env:3001"},
		{"flag wins over env", "http://flag:3001", "http://env:3001", "http://flag:3001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(ServerEnv, tt.env)
			old := serverFlag
			serverFlag = tt.flag
			defer func() { serverFlag = old }()

			if got := resolveServer(); got != tt.want {
				t.Errorf("resolveServer() = %q, want %q", got, tt.want)
			}
		})
	}
}
