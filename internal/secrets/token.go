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
	"net/url"
	"os"
	"strings"
)

// TokenEnv overrides stored tokens; CI jobs set it instead of logging in.
const TokenEnv = "MAESTRO_TOKEN"

// Token resolves the API token for a daemon address. The environment
// wins over the credential store so a stale stored token never shadows
// an explicit one.
func Token(server string) (string, error) {
	if env := os.Getenv(TokenEnv); env != "" {
		return env, nil
	}

	store, err := Open()
	if err != nil {
		return "", err
	}
	token, err := store.Get(tokenKey(server))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return token, err
}

// SaveToken stores the API token for a daemon address.
func SaveToken(server, token string) error {
	store, err := Open()
	if err != nil {
		return err
	}
	return store.Set(tokenKey(server), token)
}

// DeleteToken removes the stored API token for a daemon address.
func DeleteToken(server string) error {
	store, err := Open()
	if err != nil {
		return err
	}
	err = store.Delete(tokenKey(server))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// tokenKey normalizes a daemon address so trailing slashes and scheme
// spelling do not split one daemon's token across entries.
func tokenKey(server string) string {
	server = strings.TrimRight(strings.TrimSpace(server), "/")
	if u, err := url.Parse(server); err == nil && u.Host != "" {
		return "token/" + u.Host
	}
	return "token/" + server
}
