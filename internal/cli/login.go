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
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tombee/maestro/internal/client"
	"github.com/tombee/maestro/internal/secrets"
)

var loginToken string

// newLoginCommand creates the login command
func newLoginCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an API token for the daemon",
		Long: `Store an API token for the target daemon in the system keychain
(or an encrypted file on hosts without one).

The token is verified against the daemon before it is saved. Set
MAESTRO_TOKEN to bypass the stored credential entirely.`,
		Example: `  # Example 1: Interactive prompt (hidden input)
  maestro login

  # Example 2: From a secret manager
  vault kv get -field=token secret/maestro | maestro login

  # Example 3: Against a specific daemon
  maestro login --server https://maestro.internal:3001 --token "$TOKEN"`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	cmd.Flags().StringVar(&loginToken, "token", "", "API token (prompted when omitted)")

	return cmd
}

// newLogoutCommand creates the logout command
func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored API token",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func runLogin(cmd *cobra.Command, args []string) error {
	token := strings.TrimSpace(loginToken)
	if token == "" {
		var err error
		token, err = readTokenValue()
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
	}
	if token == "" {
		return &ExitError{Code: ExitUsage, Message: "token cannot be empty"}
	}

	server := resolveServer()

	// Verify before saving so a typo'd token never lands in the store.
	c, err := client.New(client.WithBaseURL(server), client.WithToken(token))
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	if _, err := c.Agents(ctx); err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && (apiErr.Status == 401 || apiErr.Status == 403) {
			return &ExitError{Code: ExitAuth, Message: "daemon rejected the token", Cause: err}
		}
		return describeUnreachable(err)
	}

	if err := secrets.SaveToken(server, token); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	if !quietFlag {
		cmd.Printf("Token stored for %s\n", server)
	}
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	server := resolveServer()
	if err := secrets.DeleteToken(server); err != nil {
		return fmt.Errorf("failed to remove token: %w", err)
	}
	if !quietFlag {
		cmd.Printf("Token removed for %s\n", server)
	}
	return nil
}

// readTokenValue reads a token from stdin or prompts the user.
func readTokenValue() (string, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}

	if (stat.Mode() & os.ModeCharDevice) == 0 {
		// Reading from pipe
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	// Interactive prompt with hidden input
	fmt.Fprint(os.Stderr, "Enter API token (hidden): ")
	byteToken, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(byteToken)), nil
}
