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

package secrets

import (
	"errors"
	"testing"
)

func TestKeyringProbe(t *testing.T) {
	// Availability depends on the host; the probe itself must not panic
	// and an unavailable keyring must answer with ErrUnavailable.
	kr := NewKeyring()
	if kr.Available() {
		return
	}

	if _, err := kr.Get("anything"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get() on unavailable keyring error = %v, want ErrUnavailable", err)
	}
	if err := kr.Set("anything", "value"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Set() on unavailable keyring error = %v, want ErrUnavailable", err)
	}
}

func TestKeyringIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping keychain integration test in short mode")
	}
	kr := NewKeyring()
	if !kr.Available() {
		t.Skip("keychain not available on this system")
	}

	key := "token/maestro-integration-test"
	_ = kr.Delete(key)
	defer kr.Delete(key)

	if err := kr.Set(key, "secret-value"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	value, err := kr.Get(key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if value != "secret-value" {
		t.Errorf("Get() = %v, want secret-value", value)
	}

	if err := kr.Delete(key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := kr.Get(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestIsKeyringUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"locked", errors.New("keychain is locked"), true},
		{"dbus", errors.New("dbus: connection refused"), true},
		{"unrelated", errors.New("some other failure"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isKeyringUnavailable(tt.err); got != tt.want {
				t.Errorf("isKeyringUnavailable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
