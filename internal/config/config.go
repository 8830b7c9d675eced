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

// Package config loads the orchestrator configuration from the environment.
//
// Configuration is environment-only: every recognized option is enumerated
// here with its default, and unknown keys that carry a recognized prefix are
// rejected at startup so typos fail fast instead of being silently ignored.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/maestro/pkg/errors"
)

// Environment names accepted for NODE_ENV.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Backoff strategies accepted for QUEUE_BACKOFF_TYPE.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// Trace exporters accepted for TRACE_EXPORTER.
const (
	TraceNone   = "none"
	TraceStdout = "stdout"
	TraceOTLP   = "otlp"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Host is the interface to bind.
	// Environment: HOST
	// Default: localhost
	Host string

	// Port is the TCP port to listen on.
	// Environment: PORT
	// Default: 3001
	Port int

	// Env is the deployment environment (development, production, test).
	// Environment: NODE_ENV
	// Default: development
	Env string
}

// Address returns the host:port the daemon listens on.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// AgentConfig holds worker-pool and per-task execution settings.
type AgentConfig struct {
	// Concurrency is the worker pool size and the concurrent-task limit.
	// Environment: AGENT_QUEUE_CONCURRENCY
	// Default: 5
	Concurrency int

	// TaskTimeout bounds a single agent invocation. Bare integers are
	// seconds.
	// Environment: AGENT_TASK_TIMEOUT
	// Default: 300s
	TaskTimeout time.Duration

	// MaxRetries is the default retry budget per task.
	// Environment: AGENT_MAX_RETRIES
	// Default: 3
	MaxRetries int

	// MemoryLimitMB is the memory budget for admission control, in MB.
	// Environment: AGENT_MEMORY_LIMIT
	// Default: 512
	MemoryLimitMB int64

	// CPULimitPct is the CPU budget for admission control, in percent.
	// Environment: AGENT_CPU_LIMIT
	// Default: 100
	CPULimitPct float64

	// DiskLimitMB is the scratch-disk budget for admission control, in MB.
	// Environment: AGENT_DISK_LIMIT
	// Default: 10240
	DiskLimitMB int64

	// ManifestDir optionally points at a directory of YAML agent manifests
	// that are loaded at startup and hot-reloaded on change.
	// Environment: AGENT_MANIFEST_DIR
	// Default: unset
	ManifestDir string
}

// QueueConfig holds durable-queue delivery settings.
type QueueConfig struct {
	// URL selects the queue backend: redis:// or memory://.
	// Environment: QUEUE_URL (required)
	URL string

	// MaxAttempts is the default delivery budget before dead-lettering.
	// Environment: QUEUE_MAX_ATTEMPTS
	// Default: 3
	MaxAttempts int

	// BackoffType selects the redelivery delay curve (exponential, fixed).
	// Environment: QUEUE_BACKOFF_TYPE
	// Default: exponential
	BackoffType string

	// BackoffDelay is the base redelivery delay. Bare integers are
	// milliseconds.
	// Environment: QUEUE_BACKOFF_DELAY
	// Default: 2000ms
	BackoffDelay time.Duration
}

// AuthConfig holds authentication and rate-limit settings.
type AuthConfig struct {
	// JWTSecret signs and verifies bearer tokens. Minimum 32 characters.
	// Environment: JWT_SECRET (required)
	JWTSecret string

	// RateLimitMax is the number of requests allowed per window per user.
	// Environment: RATE_LIMIT_MAX
	// Default: 100
	RateLimitMax int

	// RateLimitWindow is the rate-limit accounting window. Bare integers
	// are milliseconds.
	// Environment: RATE_LIMIT_WINDOW
	// Default: 15m
	RateLimitWindow time.Duration
}

// CORSConfig holds cross-origin settings for browser clients.
type CORSConfig struct {
	// Origins is the comma-separated allowlist. "*" allows any origin and
	// "*.example.com" allows any subdomain. Empty disables CORS.
	// Environment: CORS_ORIGINS
	// Default: unset
	Origins []string
}

// AuditConfig holds audit-trail settings.
type AuditConfig struct {
	// RetentionDays is how long audit records are kept per tenant.
	// Environment: AUDIT_RETENTION_DAYS
	// Default: 90
	RetentionDays int

	// FilePath optionally mirrors audit records to an append-only JSONL file.
	// Environment: AUDIT_FILE
	// Default: unset
	FilePath string
}

// ResourceConfig holds resource-monitor settings.
type ResourceConfig struct {
	// MonitorInterval is how often process CPU/memory usage is sampled.
	// Environment: RESOURCE_MONITOR_INTERVAL
	// Default: 10s
	MonitorInterval time.Duration
}

// FeatureFlags gates optional subsystems.
type FeatureFlags struct {
	// WebSockets enables the /ws notification bus.
	// Environment: ENABLE_WEBSOCKETS
	// Default: true
	WebSockets bool

	// RealTimeMonitoring enables resource warning events on the bus.
	// Environment: ENABLE_REAL_TIME_MONITORING
	// Default: true
	RealTimeMonitoring bool

	// WorkflowCaching enables the compiled run-plan LRU cache.
	// Environment: ENABLE_WORKFLOW_CACHING
	// Default: false
	WorkflowCaching bool
}

// TraceConfig holds OpenTelemetry exporter settings.
type TraceConfig struct {
	// Exporter selects the span exporter (none, stdout, otlp).
	// Environment: TRACE_EXPORTER
	// Default: none
	Exporter string

	// OTLPEndpoint is the collector endpoint for the otlp exporter.
	// Environment: TRACE_OTLP_ENDPOINT
	// Default: unset
	OTLPEndpoint string
}

// LogConfig holds logging settings (consumed by internal/log).
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string

	// Format is the log output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string
}

// Config is the complete orchestrator configuration.
type Config struct {
	Server ServerConfig

	// DatabaseURL selects the state store backend: postgres://, sqlite://
	// or memory://.
	// Environment: DATABASE_URL (required)
	DatabaseURL string

	Agents    AgentConfig
	Queue     QueueConfig
	Auth      AuthConfig
	CORS      CORSConfig
	Audit     AuditConfig
	Resources ResourceConfig
	Features  FeatureFlags
	Trace     TraceConfig
	Log       LogConfig

	// WorkflowCacheSize bounds the plan cache when workflow caching is on.
	// Environment: WORKFLOW_CACHE_SIZE
	// Default: 128
	WorkflowCacheSize int
}

// knownKeys enumerates every environment variable the daemon recognizes.
var knownKeys = map[string]bool{
	"PORT":                        true,
	"HOST":                        true,
	"NODE_ENV":                    true,
	"DATABASE_URL":                true,
	"QUEUE_URL":                   true,
	"QUEUE_MAX_ATTEMPTS":          true,
	"QUEUE_BACKOFF_TYPE":          true,
	"QUEUE_BACKOFF_DELAY":         true,
	"AGENT_QUEUE_CONCURRENCY":     true,
	"AGENT_TASK_TIMEOUT":          true,
	"AGENT_MAX_RETRIES":           true,
	"AGENT_MEMORY_LIMIT":          true,
	"AGENT_CPU_LIMIT":             true,
	"AGENT_DISK_LIMIT":            true,
	"AGENT_MANIFEST_DIR":          true,
	"JWT_SECRET":                  true,
	"CORS_ORIGINS":                true,
	"RATE_LIMIT_MAX":              true,
	"RATE_LIMIT_WINDOW":           true,
	"AUDIT_RETENTION_DAYS":        true,
	"AUDIT_FILE":                  true,
	"RESOURCE_MONITOR_INTERVAL":   true,
	"ENABLE_WEBSOCKETS":           true,
	"ENABLE_REAL_TIME_MONITORING": true,
	"ENABLE_WORKFLOW_CACHING":     true,
	"TRACE_EXPORTER":              true,
	"TRACE_OTLP_ENDPOINT":         true,
	"WORKFLOW_CACHE_SIZE":         true,
	"LOG_LEVEL":                   true,
	"LOG_FORMAT":                  true,
	"LOG_SOURCE":                  true,
	"MAESTRO_DEBUG":               true,
	"MAESTRO_TOKEN":               true,
	"MAESTRO_SERVER":              true,
}

// guardedPrefixes are namespaces we own: an unrecognized key under one of
// these is a startup error rather than a silent no-op.
var guardedPrefixes = []string{
	"AGENT_", "QUEUE_", "RATE_LIMIT_", "ENABLE_", "CORS_", "JWT_",
	"AUDIT_", "RESOURCE_", "TRACE_", "WORKFLOW_", "LOG_", "MAESTRO_",
}

// Load reads the configuration from the environment, applies defaults,
// validates, and rejects unknown keys under guarded prefixes.
func Load() (*Config, error) {
	if err := checkUnknownKeys(os.Environ()); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: getString("HOST", "localhost"),
			Env:  getString("NODE_ENV", EnvDevelopment),
		},
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Queue: QueueConfig{
			URL:         os.Getenv("QUEUE_URL"),
			BackoffType: getString("QUEUE_BACKOFF_TYPE", BackoffExponential),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Trace: TraceConfig{
			Exporter:     getString("TRACE_EXPORTER", TraceNone),
			OTLPEndpoint: os.Getenv("TRACE_OTLP_ENDPOINT"),
		},
		Log: LogConfig{
			Level:  getString("LOG_LEVEL", "info"),
			Format: getString("LOG_FORMAT", "json"),
		},
	}

	var err error
	if cfg.Server.Port, err = getInt("PORT", 3001); err != nil {
		return nil, err
	}
	if cfg.Agents.Concurrency, err = getInt("AGENT_QUEUE_CONCURRENCY", 5); err != nil {
		return nil, err
	}
	if cfg.Agents.TaskTimeout, err = getDuration("AGENT_TASK_TIMEOUT", 300*time.Second, time.Second); err != nil {
		return nil, err
	}
	if cfg.Agents.MaxRetries, err = getInt("AGENT_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.Agents.MemoryLimitMB, err = getInt64("AGENT_MEMORY_LIMIT", 512); err != nil {
		return nil, err
	}
	if cfg.Agents.CPULimitPct, err = getFloat("AGENT_CPU_LIMIT", 100); err != nil {
		return nil, err
	}
	if cfg.Agents.DiskLimitMB, err = getInt64("AGENT_DISK_LIMIT", 10240); err != nil {
		return nil, err
	}
	cfg.Agents.ManifestDir = os.Getenv("AGENT_MANIFEST_DIR")

	if cfg.Queue.MaxAttempts, err = getInt("QUEUE_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.Queue.BackoffDelay, err = getDuration("QUEUE_BACKOFF_DELAY", 2000*time.Millisecond, time.Millisecond); err != nil {
		return nil, err
	}

	if cfg.Auth.RateLimitMax, err = getInt("RATE_LIMIT_MAX", 100); err != nil {
		return nil, err
	}
	if cfg.Auth.RateLimitWindow, err = getDuration("RATE_LIMIT_WINDOW", 15*time.Minute, time.Millisecond); err != nil {
		return nil, err
	}

	if raw := os.Getenv("CORS_ORIGINS"); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORS.Origins = append(cfg.CORS.Origins, origin)
			}
		}
	}

	if cfg.Audit.RetentionDays, err = getInt("AUDIT_RETENTION_DAYS", 90); err != nil {
		return nil, err
	}
	cfg.Audit.FilePath = os.Getenv("AUDIT_FILE")

	if cfg.Resources.MonitorInterval, err = getDuration("RESOURCE_MONITOR_INTERVAL", 10*time.Second, time.Second); err != nil {
		return nil, err
	}

	if cfg.Features.WebSockets, err = getBool("ENABLE_WEBSOCKETS", true); err != nil {
		return nil, err
	}
	if cfg.Features.RealTimeMonitoring, err = getBool("ENABLE_REAL_TIME_MONITORING", true); err != nil {
		return nil, err
	}
	if cfg.Features.WorkflowCaching, err = getBool("ENABLE_WORKFLOW_CACHING", false); err != nil {
		return nil, err
	}

	if cfg.WorkflowCacheSize, err = getInt("WORKFLOW_CACHE_SIZE", 128); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. It is exported so tests can
// construct configs directly.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &errors.ConfigError{Key: "PORT", Reason: fmt.Sprintf("must be 1-65535, got %d", c.Server.Port)}
	}
	switch c.Server.Env {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return &errors.ConfigError{Key: "NODE_ENV", Reason: fmt.Sprintf("must be development, production or test, got %q", c.Server.Env)}
	}
	if c.DatabaseURL == "" {
		return &errors.ConfigError{Key: "DATABASE_URL", Reason: "required"}
	}
	if c.Queue.URL == "" {
		return &errors.ConfigError{Key: "QUEUE_URL", Reason: "required"}
	}
	if len(c.Auth.JWTSecret) < 32 {
		return &errors.ConfigError{Key: "JWT_SECRET", Reason: "must be at least 32 characters"}
	}
	if c.Agents.Concurrency < 1 {
		return &errors.ConfigError{Key: "AGENT_QUEUE_CONCURRENCY", Reason: "must be at least 1"}
	}
	if c.Agents.TaskTimeout <= 0 {
		return &errors.ConfigError{Key: "AGENT_TASK_TIMEOUT", Reason: "must be positive"}
	}
	if c.Agents.MaxRetries < 0 {
		return &errors.ConfigError{Key: "AGENT_MAX_RETRIES", Reason: "must not be negative"}
	}
	if c.Agents.MemoryLimitMB < 1 {
		return &errors.ConfigError{Key: "AGENT_MEMORY_LIMIT", Reason: "must be at least 1 MB"}
	}
	if c.Agents.CPULimitPct <= 0 || c.Agents.CPULimitPct > 100 {
		return &errors.ConfigError{Key: "AGENT_CPU_LIMIT", Reason: "must be in (0, 100]"}
	}
	if c.Agents.DiskLimitMB < 1 {
		return &errors.ConfigError{Key: "AGENT_DISK_LIMIT", Reason: "must be at least 1 MB"}
	}
	if c.Queue.MaxAttempts < 1 {
		return &errors.ConfigError{Key: "QUEUE_MAX_ATTEMPTS", Reason: "must be at least 1"}
	}
	switch c.Queue.BackoffType {
	case BackoffExponential, BackoffFixed:
	default:
		return &errors.ConfigError{Key: "QUEUE_BACKOFF_TYPE", Reason: fmt.Sprintf("must be exponential or fixed, got %q", c.Queue.BackoffType)}
	}
	if c.Queue.BackoffDelay <= 0 {
		return &errors.ConfigError{Key: "QUEUE_BACKOFF_DELAY", Reason: "must be positive"}
	}
	if c.Auth.RateLimitMax < 1 {
		return &errors.ConfigError{Key: "RATE_LIMIT_MAX", Reason: "must be at least 1"}
	}
	if c.Auth.RateLimitWindow <= 0 {
		return &errors.ConfigError{Key: "RATE_LIMIT_WINDOW", Reason: "must be positive"}
	}
	if c.Audit.RetentionDays < 1 {
		return &errors.ConfigError{Key: "AUDIT_RETENTION_DAYS", Reason: "must be at least 1"}
	}
	if c.Resources.MonitorInterval <= 0 {
		return &errors.ConfigError{Key: "RESOURCE_MONITOR_INTERVAL", Reason: "must be positive"}
	}
	if c.WorkflowCacheSize < 1 {
		return &errors.ConfigError{Key: "WORKFLOW_CACHE_SIZE", Reason: "must be at least 1"}
	}
	switch c.Trace.Exporter {
	case TraceNone, TraceStdout, TraceOTLP:
	default:
		return &errors.ConfigError{Key: "TRACE_EXPORTER", Reason: fmt.Sprintf("must be none, stdout or otlp, got %q", c.Trace.Exporter)}
	}
	if c.Trace.Exporter == TraceOTLP && c.Trace.OTLPEndpoint == "" {
		return &errors.ConfigError{Key: "TRACE_OTLP_ENDPOINT", Reason: "required when TRACE_EXPORTER=otlp"}
	}
	return nil
}

// checkUnknownKeys rejects environment keys under guarded prefixes that are
// not recognized options.
func checkUnknownKeys(environ []string) error {
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || knownKeys[key] {
			continue
		}
		for _, prefix := range guardedPrefixes {
			if strings.HasPrefix(key, prefix) {
				return &errors.ConfigError{Key: key, Reason: "unknown configuration key"}
			}
		}
	}
	return nil
}

func getString(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return def, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, &errors.ConfigError{Key: key, Reason: fmt.Sprintf("not an integer: %q", val), Cause: err}
	}
	return n, nil
}

func getInt64(key string, def int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, &errors.ConfigError{Key: key, Reason: fmt.Sprintf("not an integer: %q", val), Cause: err}
	}
	return n, nil
}

func getFloat(key string, def float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, &errors.ConfigError{Key: key, Reason: fmt.Sprintf("not a number: %q", val), Cause: err}
	}
	return f, nil
}

func getBool(key string, def bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return def, nil
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, &errors.ConfigError{Key: key, Reason: fmt.Sprintf("not a boolean: %q", val)}
	}
}

// getDuration parses a duration option. Bare integers are scaled by unit
// (seconds for task timeouts, milliseconds for delays) to match the legacy
// environment contract; Go duration strings are always accepted.
func getDuration(key string, def, unit time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return def, nil
	}
	if n, err := strconv.ParseInt(val, 10, 64); err == nil {
		return time.Duration(n) * unit, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, &errors.ConfigError{Key: key, Reason: fmt.Sprintf("not a duration: %q", val), Cause: err}
	}
	return d, nil
}
