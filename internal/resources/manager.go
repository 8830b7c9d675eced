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

// Package resources is the admission controller for task execution. It
// tracks reservations against hard budgets for concurrency, memory, CPU,
// and disk, and denies allocations that would breach them.
package resources

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/tombee/maestro/internal/audit"
	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/metrics"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/agent"
	"github.com/tombee/maestro/pkg/errors"
)

const (
	defaultInterval = 10 * time.Second

	// warnThresholdPct is the utilization percentage that triggers a
	// resource warning event.
	warnThresholdPct = 80.0

	// cpuSoftCeilingPct denies new allocations once CPU utilization is
	// within ten percent of its limit.
	cpuSoftCeilingPct = 90.0
)

// Limits are the hard budgets. All four are required.
type Limits struct {
	MaxConcurrentTasks int     `json:"maxConcurrentTasks"`
	MaxMemoryMB        int64   `json:"maxMemoryMb"`
	MaxCPUPercent      float64 `json:"maxCpuPercent"`
	MaxDiskMB          int64   `json:"maxDiskMb"`
}

func (l Limits) validate() error {
	if l.MaxConcurrentTasks <= 0 {
		return &errors.ConfigError{Key: "AGENT_QUEUE_CONCURRENCY", Reason: "max concurrent tasks must be positive"}
	}
	if l.MaxMemoryMB <= 0 {
		return &errors.ConfigError{Key: "AGENT_MEMORY_LIMIT", Reason: "memory limit must be positive"}
	}
	if l.MaxCPUPercent <= 0 {
		return &errors.ConfigError{Key: "AGENT_CPU_LIMIT", Reason: "cpu limit must be positive"}
	}
	if l.MaxDiskMB <= 0 {
		return &errors.ConfigError{Key: "AGENT_DISK_LIMIT", Reason: "disk limit must be positive"}
	}
	return nil
}

// Utilization is the current usage of each budget, as a percentage of its
// limit.
type Utilization struct {
	MemoryPct     float64 `json:"memoryPct"`
	CPUPct        float64 `json:"cpuPct"`
	DiskPct       float64 `json:"diskPct"`
	ConcurrentPct float64 `json:"concurrentPct"`
}

// Config configures a Manager.
type Config struct {
	// Limits are the hard budgets. Required; construction fails on a
	// zero or negative limit.
	Limits Limits

	// Interval is the monitor sampling period. Defaults to 10 seconds.
	Interval time.Duration

	Logger    *slog.Logger
	Publisher bus.Publisher
	Audit     *audit.Recorder
	Metrics   *metrics.Metrics
}

// Manager performs atomic check-and-commit admission for tasks. Denials
// are transient: callers requeue the work and try again after backoff.
type Manager struct {
	logger    *slog.Logger
	publisher bus.Publisher
	auditor   *audit.Recorder
	metrics   *metrics.Metrics
	interval  time.Duration

	mu             sync.Mutex
	limits         Limits
	allocs         map[string]agent.ResourceHint
	reservedMemMB  int64
	reservedDiskMB int64
	reservedCores  float64
	sampledHeapMB  int64
	warned         map[string]bool
	running        bool
	stopCh         chan struct{}
	doneCh         chan struct{}
}

// New creates a Manager. The limits are validated eagerly so a
// misconfigured daemon fails at startup, not at first dispatch.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Limits.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = bus.Nop{}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Manager{
		logger:    log.WithComponent(logger, "resources"),
		publisher: publisher,
		auditor:   cfg.Audit,
		metrics:   cfg.Metrics,
		interval:  interval,
		limits:    cfg.Limits,
		allocs:    make(map[string]agent.ResourceHint),
		warned:    make(map[string]bool),
	}, nil
}

// Allocate reserves the hinted resources for a task. It returns nil on
// admission and a ResourceDeniedError naming the exhausted budget
// otherwise. Allocating an already-admitted task is a no-op.
func (m *Manager) Allocate(taskID, agentID string, hint agent.ResourceHint) error {
	m.mu.Lock()

	if _, ok := m.allocs[taskID]; ok {
		m.mu.Unlock()
		return nil
	}

	if reason, detail := m.denyLocked(hint); reason != "" {
		m.mu.Unlock()
		m.logger.Debug("allocation denied",
			slog.String("task_id", taskID),
			slog.String("agent_id", agentID),
			slog.String("reason", string(reason)))
		return &errors.ResourceDeniedError{Reason: reason, Detail: detail}
	}

	m.allocs[taskID] = hint
	m.reservedMemMB += hint.MemoryMB
	m.reservedDiskMB += hint.DiskMB
	m.reservedCores += hint.CPUCores
	u := m.utilizationLocked()
	warnings := m.collectWarningsLocked(u)
	m.mu.Unlock()

	m.report(u)
	m.emitWarnings(warnings)

	m.logger.Debug("allocated",
		slog.String("task_id", taskID),
		slog.String("agent_id", agentID),
		log.Int64("memory_mb", hint.MemoryMB),
		log.Int64("disk_mb", hint.DiskMB))
	return nil
}

// denyLocked checks each budget in taxonomy order and returns the first
// violated one.
func (m *Manager) denyLocked(hint agent.ResourceHint) (errors.DenyReason, string) {
	u := m.utilizationLocked()
	if u.CPUPct >= cpuSoftCeilingPct {
		return errors.DenyCPUSaturated,
			fmt.Sprintf("cpu at %.1f%% of limit", u.CPUPct)
	}
	if m.reservedMemMB+hint.MemoryMB > m.limits.MaxMemoryMB {
		return errors.DenyMemoryExhausted,
			fmt.Sprintf("%dMB reserved of %dMB", m.reservedMemMB, m.limits.MaxMemoryMB)
	}
	if m.reservedDiskMB+hint.DiskMB > m.limits.MaxDiskMB {
		return errors.DenyDiskExhausted,
			fmt.Sprintf("%dMB reserved of %dMB", m.reservedDiskMB, m.limits.MaxDiskMB)
	}
	if len(m.allocs)+1 > m.limits.MaxConcurrentTasks {
		return errors.DenyConcurrencySaturated,
			fmt.Sprintf("%d of %d slots in use", len(m.allocs), m.limits.MaxConcurrentTasks)
	}
	return "", ""
}

// Release returns a task's reservation to the pool. Idempotent.
func (m *Manager) Release(taskID string) {
	m.mu.Lock()
	hint, ok := m.allocs[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.allocs, taskID)
	m.reservedMemMB -= hint.MemoryMB
	m.reservedDiskMB -= hint.DiskMB
	m.reservedCores -= hint.CPUCores
	u := m.utilizationLocked()
	warnings := m.collectWarningsLocked(u)
	m.mu.Unlock()

	m.report(u)
	m.emitWarnings(warnings)
}

// Utilization reports current usage as a percentage of each limit.
func (m *Manager) Utilization() Utilization {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utilizationLocked()
}

func (m *Manager) utilizationLocked() Utilization {
	usedMemMB := m.reservedMemMB
	if m.sampledHeapMB > usedMemMB {
		usedMemMB = m.sampledHeapMB
	}
	cpuAbsPct := m.reservedCores / float64(runtime.NumCPU()) * 100

	return Utilization{
		MemoryPct:     float64(usedMemMB) / float64(m.limits.MaxMemoryMB) * 100,
		CPUPct:        cpuAbsPct / m.limits.MaxCPUPercent * 100,
		DiskPct:       float64(m.reservedDiskMB) / float64(m.limits.MaxDiskMB) * 100,
		ConcurrentPct: float64(len(m.allocs)) / float64(m.limits.MaxConcurrentTasks) * 100,
	}
}

// Limits returns the active budgets.
func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// SetLimits swaps the budgets at runtime and announces the change.
func (m *Manager) SetLimits(l Limits) error {
	if err := l.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.limits = l
	u := m.utilizationLocked()
	warnings := m.collectWarningsLocked(u)
	m.mu.Unlock()

	m.report(u)
	m.emitWarnings(warnings)
	m.publisher.Publish(bus.Event{
		Type:     bus.EventLimitsUpdated,
		Channels: []string{bus.ChannelSystem},
		Data: map[string]any{
			"maxConcurrentTasks": l.MaxConcurrentTasks,
			"maxMemoryMb":        l.MaxMemoryMB,
			"maxCpuPercent":      l.MaxCPUPercent,
			"maxDiskMb":          l.MaxDiskMB,
		},
	})
	m.auditor.Record(context.Background(), &store.AuditRecord{
		Action:   audit.ActionLimitsUpdated,
		Resource: "resource_limits",
		Severity: audit.SeverityMedium,
		Details: map[string]any{
			"maxConcurrentTasks": l.MaxConcurrentTasks,
			"maxMemoryMb":        l.MaxMemoryMB,
			"maxCpuPercent":      l.MaxCPUPercent,
			"maxDiskMb":          l.MaxDiskMB,
		},
	})
	return nil
}

// warning is a pending resource warning collected under the lock and
// emitted after it is released.
type warning struct {
	resource string
	pct      float64
}

// collectWarningsLocked latches each budget's 80% crossing: one warning
// on the way up, re-armed once utilization falls back under the line.
func (m *Manager) collectWarningsLocked(u Utilization) []warning {
	var out []warning
	for resource, pct := range map[string]float64{
		"memory":      u.MemoryPct,
		"cpu":         u.CPUPct,
		"disk":        u.DiskPct,
		"concurrency": u.ConcurrentPct,
	} {
		switch {
		case pct >= warnThresholdPct && !m.warned[resource]:
			m.warned[resource] = true
			out = append(out, warning{resource: resource, pct: pct})
		case pct < warnThresholdPct && m.warned[resource]:
			m.warned[resource] = false
		}
	}
	return out
}

func (m *Manager) emitWarnings(warnings []warning) {
	for _, w := range warnings {
		m.logger.Warn("resource utilization high",
			slog.String("resource", w.resource),
			slog.Float64("pct", w.pct))
		m.publisher.Publish(bus.Event{
			Type:     bus.EventResourceWarning,
			Channels: []string{bus.ChannelSystem},
			Data:     map[string]any{"resource": w.resource, "pct": w.pct},
		})
		m.auditor.Record(context.Background(), &store.AuditRecord{
			Action:   audit.ActionResourceWarning,
			Resource: "resource_budget",
			Severity: audit.SeverityMedium,
			Details:  map[string]any{"resource": w.resource, "pct": w.pct},
		})
	}
}

// report pushes the utilization gauges.
func (m *Manager) report(u Utilization) {
	if m.metrics == nil {
		return
	}
	m.metrics.SetUtilization("memory", u.MemoryPct)
	m.metrics.SetUtilization("cpu", u.CPUPct)
	m.metrics.SetUtilization("disk", u.DiskPct)
	m.metrics.SetUtilization("concurrency", u.ConcurrentPct)
}

// Start launches the monitor loop that periodically samples process
// memory and refreshes the utilization gauges.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts the monitor loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// sample refreshes the process memory reading. Reservations remain the
// admission authority; the sample only raises the reported utilization
// when the heap outgrows what tasks declared.
func (m *Manager) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	m.sampledHeapMB = int64(ms.HeapAlloc / (1024 * 1024))
	u := m.utilizationLocked()
	warnings := m.collectWarningsLocked(u)
	m.mu.Unlock()

	m.report(u)
	m.emitWarnings(warnings)
}
