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

// Package secrets stores CLI credentials. The system keychain is the
// primary backend; hosts without one (headless Linux, CI) fall back to
// an encrypted file under ~/.maestro. MAESTRO_TOKEN overrides both.
package secrets

import (
	"errors"
)

var (
	// ErrNotFound is returned when no credential exists for the key.
	ErrNotFound = errors.New("credential not found")

	// ErrUnavailable is returned when a backend cannot be used in the
	// current environment.
	ErrUnavailable = errors.New("credential store unavailable")
)

// Store persists named credentials.
type Store interface {
	// Get retrieves a credential. Returns ErrNotFound if not present.
	Get(key string) (string, error)

	// Set stores a credential, replacing any existing value.
	Set(key, value string) error

	// Delete removes a credential. Returns ErrNotFound if not present.
	Delete(key string) error
}

// Open returns the best available store: the system keychain when it
// answers, otherwise the encrypted file.
func Open() (Store, error) {
	kr := NewKeyring()
	if kr.Available() {
		return kr, nil
	}
	return NewFileStore("")
}
