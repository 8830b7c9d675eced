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
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name used for keychain entries.
const keyringService = "maestro"

// Keyring stores credentials in the system keychain: Keychain Access on
// macOS, Secret Service (GNOME Keyring, KWallet) on Linux, Credential
// Manager on Windows.
type Keyring struct {
	available bool
}

// NewKeyring creates a keychain store. It probes availability up front
// so locked keychains and missing services are detected early.
func NewKeyring() *Keyring {
	kr := &Keyring{available: true}

	_, err := keyring.Get(keyringService, "__maestro_availability_probe__")
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		kr.available = false
	}

	return kr
}

// Available returns true if the keychain service is accessible.
func (k *Keyring) Available() bool {
	return k.available
}

// Get retrieves a credential from the system keychain.
func (k *Keyring) Get(key string) (string, error) {
	if !k.available {
		return "", fmt.Errorf("%w: keychain service unavailable", ErrUnavailable)
	}

	value, err := keyring.Get(keyringService, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if isKeyringUnavailable(err) {
			return "", fmt.Errorf("%w: %s", ErrUnavailable, err.Error())
		}
		return "", fmt.Errorf("keychain error: %w", err)
	}

	return value, nil
}

// Set stores a credential in the system keychain.
func (k *Keyring) Set(key, value string) error {
	if !k.available {
		return fmt.Errorf("%w: keychain service unavailable", ErrUnavailable)
	}

	if err := keyring.Set(keyringService, key, value); err != nil {
		if isKeyringUnavailable(err) {
			return fmt.Errorf("%w: %s", ErrUnavailable, err.Error())
		}
		return fmt.Errorf("keychain error: %w", err)
	}

	return nil
}

// Delete removes a credential from the system keychain.
func (k *Keyring) Delete(key string) error {
	if !k.available {
		return fmt.Errorf("%w: keychain service unavailable", ErrUnavailable)
	}

	if err := keyring.Delete(keyringService, key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if isKeyringUnavailable(err) {
			return fmt.Errorf("%w: %s", ErrUnavailable, err.Error())
		}
		return fmt.Errorf("keychain error: %w", err)
	}

	return nil
}

// isKeyringUnavailable checks if an error indicates the keychain is
// locked or inaccessible rather than a missing entry.
func isKeyringUnavailable(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	indicators := []string{
		"locked",
		"cannot access",
		"permission denied",
		"failed to unlock",
		"user interaction required",
		"secret service",
		"dbus",
		"user canceled",
	}
	for _, indicator := range indicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}
