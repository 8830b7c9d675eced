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

package registry

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/tombee/maestro/pkg/agent"
)

// Manifest mirrors one YAML agent-definition file. Keys follow the wire
// form of agent.Definition.
type Manifest struct {
	ID             string         `yaml:"id"`
	Name           string         `yaml:"name"`
	Type           string         `yaml:"type"`
	OrganizationID string         `yaml:"organizationId"`
	Capabilities   []string       `yaml:"capabilities"`
	Tools          []string       `yaml:"tools"`
	Status         string         `yaml:"status"`
	MaxConcurrency int            `yaml:"maxConcurrency"`
	Config         map[string]any `yaml:"config"`
	Hint           ManifestHint   `yaml:"hint"`
}

// ManifestHint is the YAML form of agent.ResourceHint.
type ManifestHint struct {
	MemoryMB int64   `yaml:"memoryMb"`
	CPUCores float64 `yaml:"cpuCores"`
	DiskMB   int64   `yaml:"diskMb"`
}

// Definition converts the manifest to a catalog entry.
func (m Manifest) Definition() agent.Definition {
	return agent.Definition{
		ID:             m.ID,
		OrganizationID: m.OrganizationID,
		Name:           m.Name,
		Type:           m.Type,
		Capabilities:   m.Capabilities,
		Tools:          m.Tools,
		Status:         m.Status,
		MaxConcurrency: m.MaxConcurrency,
		Config:         m.Config,
		Hint: agent.ResourceHint{
			MemoryMB: m.Hint.MemoryMB,
			CPUCores: m.Hint.CPUCores,
			DiskMB:   m.Hint.DiskMB,
		},
	}
}

// LoadManifest reads and validates one YAML agent definition. Unknown keys
// are rejected so typos surface instead of silently dropping fields.
func LoadManifest(path string) (agent.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return agent.Definition{}, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return agent.Definition{}, fmt.Errorf("failed to parse manifest %s: %w", filepath.Base(path), err)
	}

	def := m.Definition()
	if err := validate(def); err != nil {
		return agent.Definition{}, fmt.Errorf("manifest %s: %w", filepath.Base(path), err)
	}
	return def, nil
}

// LoadManifestDir loads every *.yaml and *.yml file in dir into the
// registry and returns the number registered. Loading is strict: any
// unreadable or invalid manifest fails the whole load, so a typo stops
// startup instead of silently running without the agent.
func (r *Registry) LoadManifestDir(dir string) (int, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read manifest directory %s: %w", dir, err)
	}

	loaded := 0
	for _, de := range dirEntries {
		if de.IsDir() || !isManifest(de.Name()) {
			continue
		}

		path := filepath.Join(dir, de.Name())
		def, err := LoadManifest(path)
		if err != nil {
			return loaded, err
		}
		if err := r.Register(def); err != nil {
			return loaded, fmt.Errorf("manifest %s: %w", de.Name(), err)
		}
		loaded++
	}

	r.logger.Info("agent manifests loaded", "dir", dir, "agents", loaded)
	return loaded, nil
}

// ManifestWatcher monitors a manifest directory and re-registers agents
// when their files change. Changed files only add or replace
// registrations; removing a manifest does not deregister its agent.
type ManifestWatcher struct {
	// fsWatcher is the underlying filesystem watcher
	fsWatcher *fsnotify.Watcher

	// registry receives add-or-replace registrations on reload
	registry *Registry

	// logger is used for structured logging
	logger *slog.Logger

	// debounceDelay is the quiet period before a changed file reloads
	debounceDelay time.Duration

	// pendingReloads tracks files with pending debounced reloads
	pendingReloads map[string]*time.Timer

	// mu protects pendingReloads
	mu sync.Mutex

	// ctx is the watcher's lifecycle context
	ctx context.Context

	// cancel stops the watcher
	cancel context.CancelFunc

	// wg tracks active goroutines
	wg sync.WaitGroup
}

// ManifestWatcherConfig configures the manifest watcher.
type ManifestWatcherConfig struct {
	// Dir is the manifest directory to watch.
	Dir string

	// Registry receives the reloaded definitions.
	Registry *Registry

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// DebounceDelay is the quiet period before a changed file is
	// reloaded (defaults to 200ms). Editors write in bursts; only the
	// last write matters.
	DebounceDelay time.Duration
}

// NewManifestWatcher creates a watcher over a manifest directory and
// starts its event loop.
func NewManifestWatcher(cfg ManifestWatcherConfig) (*ManifestWatcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("manifest directory is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := fsWatcher.Add(cfg.Dir); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", cfg.Dir, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounceDelay := cfg.DebounceDelay
	if debounceDelay == 0 {
		debounceDelay = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &ManifestWatcher{
		fsWatcher:      fsWatcher,
		registry:       cfg.Registry,
		logger:         logger,
		debounceDelay:  debounceDelay,
		pendingReloads: make(map[string]*time.Timer),
		ctx:            ctx,
		cancel:         cancel,
	}

	// Start event processing loop
	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// processEvents processes filesystem events and schedules manifest reloads.
func (w *ManifestWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			// Handle file modifications and writes
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if isManifest(event.Name) {
					w.scheduleReload(event.Name)
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("manifest watcher error", "error", err)

		case <-w.ctx.Done():
			return
		}
	}
}

// scheduleReload schedules a debounced reload for one manifest file,
// restarting the timer if a reload is already pending.
func (w *ManifestWatcher) scheduleReload(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, exists := w.pendingReloads[path]; exists {
		timer.Stop()
	}
	w.pendingReloads[path] = time.AfterFunc(w.debounceDelay, func() {
		w.reload(path)
	})
}

// reload re-reads one manifest and re-registers its agent. Errors keep the
// previous registration: a broken edit must not take down a running agent.
func (w *ManifestWatcher) reload(path string) {
	w.mu.Lock()
	delete(w.pendingReloads, path)
	w.mu.Unlock()

	def, err := LoadManifest(path)
	if err != nil {
		w.logger.Error("manifest reload failed",
			"file", path,
			"error", err,
		)
		return
	}

	if err := w.registry.Register(def); err != nil {
		w.logger.Error("manifest registration failed",
			"file", path,
			"agent_id", def.ID,
			"error", err,
		)
		return
	}

	w.logger.Info("agent manifest reloaded",
		"file", path,
		"agent_id", def.ID,
	)
}

// Close shuts down the watcher.
func (w *ManifestWatcher) Close() error {
	w.cancel()

	// Cancel all pending reload timers
	w.mu.Lock()
	for _, timer := range w.pendingReloads {
		timer.Stop()
	}
	w.mu.Unlock()

	// Wait for event processing to stop
	w.wg.Wait()

	return w.fsWatcher.Close()
}

func isManifest(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
