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

// Package audit records the append-only audit trail: state transitions,
// permission denials, allocation warnings, authentication attempts, and
// cancellations. Records are written through the state store and
// optionally mirrored to a JSONL file.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/store"
)

// Severity levels carried on audit records.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Actions recorded by the engine.
const (
	ActionRunSubmitted     = "run.submitted"
	ActionRunTransition    = "run.transition"
	ActionRunCancelled     = "run.cancelled"
	ActionTaskTransition   = "task.transition"
	ActionAuthAttempt      = "auth.attempt"
	ActionPermissionDenied = "permission.denied"
	ActionResourceWarning  = "resource.warning"
	ActionLimitsUpdated    = "limits.updated"
)

const (
	defaultRetention  = 90 * 24 * time.Hour
	defaultPurgeEvery = time.Hour
)

// Config configures a Recorder.
type Config struct {
	// Store is the durable sink. Required.
	Store store.Store

	// FilePath, when set, mirrors every record to an append-only JSONL
	// file created with mode 0600.
	FilePath string

	// Retention is how long records are kept before the purge loop
	// removes them. Defaults to 90 days.
	Retention time.Duration

	// PurgeEvery is the purge loop period. Defaults to one hour.
	PurgeEvery time.Duration

	Logger *slog.Logger
}

// Recorder writes audit records. Recording is best effort: a sink failure
// is logged, never propagated, so auditing cannot take the pipeline down.
type Recorder struct {
	store      store.Store
	logger     *slog.Logger
	retention  time.Duration
	purgeEvery time.Duration

	fileMu sync.Mutex
	file   *os.File

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Recorder. Call Start to run the retention purge loop.
func New(cfg Config) (*Recorder, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("audit: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	purgeEvery := cfg.PurgeEvery
	if purgeEvery <= 0 {
		purgeEvery = defaultPurgeEvery
	}

	r := &Recorder{
		store:      cfg.Store,
		logger:     log.WithComponent(logger, "audit"),
		retention:  retention,
		purgeEvery: purgeEvery,
	}

	if cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("audit: open log file: %w", err)
		}
		r.file = f
	}
	return r, nil
}

// Record persists one audit record, filling in ID and CreatedAt when
// absent. Safe to call on a nil Recorder.
func (r *Recorder) Record(ctx context.Context, rec *store.AuditRecord) {
	if r == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if err := r.store.AppendAudit(ctx, rec); err != nil {
		r.logger.Warn("audit append failed",
			slog.String("action", rec.Action), log.Error(err))
	}
	r.mirror(rec)
}

// mirror appends the record to the JSONL file, one object per line.
func (r *Recorder) mirror(rec *store.AuditRecord) {
	if r.file == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if _, err := r.file.Write(append(data, '\n')); err != nil {
		r.logger.Warn("audit file write failed", log.Error(err))
	}
}

// List queries audit records through the store.
func (r *Recorder) List(ctx context.Context, f store.AuditFilter) ([]*store.AuditRecord, error) {
	return r.store.ListAudit(ctx, f)
}

// Start launches the retention purge loop.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop halts the purge loop.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	<-r.doneCh
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.purgeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.purge(ctx, now)
		}
	}
}

func (r *Recorder) purge(ctx context.Context, now time.Time) {
	cutoff := now.Add(-r.retention)
	removed, err := r.store.PurgeAudit(ctx, cutoff)
	if err != nil {
		r.logger.Warn("audit purge failed", log.Error(err))
		return
	}
	if removed > 0 {
		r.logger.Info("purged audit records",
			slog.Int64("removed", removed),
			slog.Time("cutoff", cutoff))
	}
}

// Close releases the JSONL file handle, if any.
func (r *Recorder) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}
