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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// Login verification failures happen before anything touches the
// credential store, so these paths are safe to exercise in tests.

func TestLoginRejectedToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/status" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "Unauthorized",
			"message": "invalid token",
			"code":    "unauthorized",
		})
	}))
	defer server.Close()

	_, err := executeCommand(t, "login", "--token", "bad-token", "--server", server.URL)
	if err == nil {
		t.Fatal("expected rejected token to produce an error")
	}

	if gotAuth != "Bearer bad-token" {
		t.Errorf("expected verification with the supplied token, got %q", gotAuth)
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %T: %v", err, err)
	}
	if exitErr.Code != ExitAuth {
		t.Errorf("expected exit code %d, got %d", ExitAuth, exitErr.Code)
	}
}

func TestLoginUnreachableDaemon(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := executeCommand(t, "login", "--token", "some-token", "--server", url)
	if err == nil {
		t.Fatal("expected error for unreachable daemon")
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %T: %v", err, err)
	}
	if exitErr.Code != ExitUnreachable {
		t.Errorf("expected exit code %d, got %d", ExitUnreachable, exitErr.Code)
	}
}

func TestLogoutCommand(t *testing.T) {
	cmd := newLogoutCommand()

	if cmd.Use != "logout" {
		t.Errorf("expected use 'logout', got %q", cmd.Use)
	}
	if cmd.Short == "" {
		t.Error("expected short description to be set")
	}
}
