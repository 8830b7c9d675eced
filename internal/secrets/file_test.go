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
	"os"
	"path/filepath"
	"testing"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	t.Setenv("MAESTRO_MASTER_KEY", "test-master-key-for-encryption-123")

	store, err := NewFileStore(filepath.Join(t.TempDir(), "credentials"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return store
}

func TestFileStore_SetGetDelete(t *testing.T) {
	store := newTestFileStore(t)

	if err := store.Set("token/localhost:3001", "tok-1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	info, err := os.Stat(store.path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("File permissions = %o, want 0600", info.Mode().Perm())
	}

	value, err := store.Get("token/localhost:3001")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if value != "tok-1" {
		t.Errorf("Get() = %v, want %v", value, "tok-1")
	}

	// Overwrite keeps a single entry.
	if err := store.Set("token/localhost:3001", "tok-2"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	value, _ = store.Get("token/localhost:3001")
	if value != "tok-2" {
		t.Errorf("Get() after overwrite = %v, want %v", value, "tok-2")
	}

	if err := store.Delete("token/localhost:3001"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get("token/localhost:3001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestFileStore_MissingKey(t *testing.T) {
	store := newTestFileStore(t)

	if _, err := store.Get("token/nowhere"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if err := store.Delete("token/nowhere"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() error = %v, want ErrNotFound", err)
	}
}

func TestFileStore_WrongMasterKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials")

	t.Setenv("MAESTRO_MASTER_KEY", "first-key")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := store.Set("token/host", "secret"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	t.Setenv("MAESTRO_MASTER_KEY", "second-key")
	other, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if _, err := other.Get("token/host"); err == nil {
		t.Error("Get() with wrong master key should fail")
	}
}

func TestFileStore_GeneratesMasterKey(t *testing.T) {
	t.Setenv("MAESTRO_MASTER_KEY", "")
	dir := t.TempDir()

	store, err := NewFileStore(filepath.Join(dir, "credentials"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	keyPath := filepath.Join(dir, "master.key")
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("master key was not generated: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Key permissions = %o, want 0600", info.Mode().Perm())
	}

	// A second store picks up the same key and can read what the first
	// wrote.
	if err := store.Set("token/host", "value"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	reopened, err := NewFileStore(filepath.Join(dir, "credentials"))
	if err != nil {
		t.Fatalf("NewFileStore() reopen error = %v", err)
	}
	value, err := reopened.Get("token/host")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if value != "value" {
		t.Errorf("Get() = %v, want %v", value, "value")
	}
}

func TestFileStore_RejectsOpenKeyFile(t *testing.T) {
	t.Setenv("MAESTRO_MASTER_KEY", "")
	dir := t.TempDir()

	keyPath := filepath.Join(dir, "master.key")
	if err := os.WriteFile(keyPath, []byte("0123456789abcdef"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := NewFileStore(filepath.Join(dir, "credentials")); err == nil {
		t.Error("NewFileStore() should reject a world-readable key file")
	}
}
