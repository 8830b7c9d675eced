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
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// Argon2id parameters for stretching the master key into the secretbox
// key.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4

	secretboxKeyLength   = 32
	secretboxNonceLength = 24
)

// FileStore keeps credentials in a JSON file sealed with NaCl secretbox.
// The master key comes from MAESTRO_MASTER_KEY or ~/.maestro/master.key,
// which is generated on first use so headless hosts need no setup.
type FileStore struct {
	path      string
	masterKey []byte
	mu        sync.Mutex
}

// encryptedFile is the on-disk structure.
type encryptedFile struct {
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// NewFileStore creates an encrypted file store at path, defaulting to
// ~/.maestro/credentials.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		path = filepath.Join(home, ".maestro", "credentials")
	}

	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	key, err := masterKey(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err.Error())
	}

	return &FileStore{path: path, masterKey: key}, nil
}

// Get retrieves a credential from the encrypted file.
func (f *FileStore) Get(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	creds, err := f.load()
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", err
	}

	value, ok := creds[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return value, nil
}

// Set stores a credential in the encrypted file.
func (f *FileStore) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	creds, err := f.load()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if creds == nil {
		creds = make(map[string]string)
	}

	creds[key] = value
	return f.save(creds)
}

// Delete removes a credential from the encrypted file.
func (f *FileStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	creds, err := f.load()
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return err
	}
	if _, ok := creds[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	delete(creds, key)
	return f.save(creds)
}

// load reads and opens the credentials file.
func (f *FileStore) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}

	var enc encryptedFile
	if err := json.Unmarshal(raw, &enc); err != nil {
		return nil, fmt.Errorf("invalid credentials file format: %w", err)
	}
	if len(enc.Nonce) != secretboxNonceLength {
		return nil, errors.New("invalid credentials file: bad nonce")
	}

	key := f.deriveKey(enc.Salt)
	defer zeroBytes(key[:])
	var nonce [secretboxNonceLength]byte
	copy(nonce[:], enc.Nonce)

	plaintext, ok := secretbox.Open(nil, enc.Data, &nonce, key)
	if !ok {
		return nil, errors.New("decryption failed (wrong master key or corrupted file)")
	}
	defer zeroBytes(plaintext)

	var creds map[string]string
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("invalid decrypted payload: %w", err)
	}
	return creds, nil
}

// save seals and writes the credentials file atomically.
func (f *FileStore) save(creds map[string]string) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	defer zeroBytes(plaintext)

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	var nonce [secretboxNonceLength]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	key := f.deriveKey(salt)
	defer zeroBytes(key[:])

	enc := encryptedFile{
		Salt:  salt,
		Nonce: nonce[:],
		Data:  secretbox.Seal(nil, plaintext, &nonce, key),
	}
	raw, err := json.Marshal(enc)
	if err != nil {
		return fmt.Errorf("failed to marshal encrypted file: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}
	return nil
}

// deriveKey stretches the master key with the per-file salt. The master
// key may be a passphrase from the environment, so it always goes
// through Argon2id rather than being used raw.
func (f *FileStore) deriveKey(salt []byte) *[secretboxKeyLength]byte {
	derived := argon2.IDKey(f.masterKey, salt, argon2Time, argon2Memory, argon2Parallelism, secretboxKeyLength)
	var key [secretboxKeyLength]byte
	copy(key[:], derived)
	zeroBytes(derived)
	return &key
}

// masterKey resolves the encryption master key: MAESTRO_MASTER_KEY wins,
// then the key file beside the credentials, generated when missing.
func masterKey(dir string) ([]byte, error) {
	if env := os.Getenv("MAESTRO_MASTER_KEY"); env != "" {
		return []byte(env), nil
	}

	keyPath := filepath.Join(dir, "master.key")
	if key, err := os.ReadFile(keyPath); err == nil {
		if err := verifyPermissions(keyPath); err != nil {
			return nil, fmt.Errorf("refusing key file: %w", err)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	fresh := make([]byte, 32)
	if _, err := rand.Read(fresh); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	encoded := []byte(hex.EncodeToString(fresh))
	if err := os.WriteFile(keyPath, encoded, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return encoded, nil
}

// ensureDir creates dir with owner-only permissions.
func ensureDir(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path exists but is not a directory: %s", dir)
		}
		return nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

// verifyPermissions rejects files readable by group or other.
func verifyPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return errors.New("file is a symlink")
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("permissions too open (got %o, want 0600)", perm)
	}
	return nil
}

// zeroBytes clears key material after use.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
