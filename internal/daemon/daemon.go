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

// Package daemon assembles maestrod: it opens the state store and queue
// named by configuration, wires the orchestration pipeline together, and
// serves the control-plane API.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tombee/maestro/internal/agents"
	"github.com/tombee/maestro/internal/audit"
	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/config"
	"github.com/tombee/maestro/internal/daemon/api"
	"github.com/tombee/maestro/internal/daemon/auth"
	"github.com/tombee/maestro/internal/daemon/middleware"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/metrics"
	"github.com/tombee/maestro/internal/orchestrator"
	"github.com/tombee/maestro/internal/queue"
	"github.com/tombee/maestro/internal/registry"
	"github.com/tombee/maestro/internal/resources"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/internal/tracing"
	"github.com/tombee/maestro/internal/tracker"
	"github.com/tombee/maestro/internal/workflow"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/httpclient"
)

// shutdownTimeout bounds the HTTP server drain during Shutdown.
const shutdownTimeout = 10 * time.Second

// Options carry build-time identity reported by /version.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon owns every long-lived component of maestrod and the order they
// start and stop in.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	st        store.Store
	q         queue.Queue
	registry  *registry.Registry
	tracker   *tracker.Tracker
	resources *resources.Manager
	hub       *bus.Hub
	collector *metrics.Metrics
	auditor   *audit.Recorder
	orch      *orchestrator.Orchestrator
	authMw    *auth.Middleware
	manifests *registry.ManifestWatcher
	traces    *tracing.Provider

	server *http.Server
	ln     net.Listener

	mu        sync.Mutex
	started   bool
	startedAt time.Time
}

// New wires a daemon from configuration. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	base := log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format)})
	logger := log.WithComponent(base, "daemon")

	st, err := openStore(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	q, err := openQueue(context.Background(), cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	collector := metrics.New()

	auditor, err := audit.New(audit.Config{
		Store:     st,
		FilePath:  cfg.Audit.FilePath,
		Retention: time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour,
		Logger:    base,
	})
	if err != nil {
		q.Close()
		st.Close()
		return nil, err
	}

	var hub *bus.Hub
	var publisher bus.Publisher = bus.Nop{}
	if cfg.Features.WebSockets {
		hub = bus.NewHub(bus.Config{
			Logger: base,
			Features: map[string]bool{
				"webSockets":         true,
				"realTimeMonitoring": cfg.Features.RealTimeMonitoring,
				"workflowCaching":    cfg.Features.WorkflowCaching,
			},
			AllowedOrigins:   cfg.CORS.Origins,
			ConnectionsGauge: collector.WSConnections(),
		})
		publisher = hub
	}

	trk := tracker.New(tracker.Config{
		Store:     st,
		Publisher: publisher,
		Audit:     auditor,
		Collector: collector,
		Logger:    base,
	})

	// Resource warnings only reach the bus when real-time monitoring is
	// on; admission control runs either way.
	monitorPublisher := publisher
	if !cfg.Features.RealTimeMonitoring {
		monitorPublisher = bus.Nop{}
	}
	res, err := resources.New(resources.Config{
		Limits: resources.Limits{
			MaxConcurrentTasks: cfg.Agents.Concurrency,
			MaxMemoryMB:        cfg.Agents.MemoryLimitMB,
			MaxCPUPercent:      cfg.Agents.CPULimitPct,
			MaxDiskMB:          cfg.Agents.DiskLimitMB,
		},
		Interval:  cfg.Resources.MonitorInterval,
		Logger:    base,
		Publisher: monitorPublisher,
		Audit:     auditor,
		Metrics:   collector,
	})
	if err != nil {
		q.Close()
		st.Close()
		return nil, err
	}

	// Webhook agents share one pooled client. Transport retries stay off
	// here: the orchestrator already owns the per-task retry budget.
	agentHTTP, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Agents.TaskTimeout,
		RetryBackoff: 100 * time.Millisecond,
		MaxBackoff:   time.Second,
		UserAgent:    "maestrod/" + opts.Version,
	})
	if err != nil {
		q.Close()
		st.Close()
		return nil, err
	}
	reg := registry.New(registry.Config{
		Constructors: agents.Constructors(agents.Deps{HTTPClient: agentHTTP}),
		Logger:       base,
	})

	var plans *workflow.PlanCache
	if cfg.Features.WorkflowCaching {
		plans, err = workflow.NewPlanCache(cfg.WorkflowCacheSize)
		if err != nil {
			q.Close()
			st.Close()
			return nil, err
		}
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Store:       st,
		Queue:       q,
		Registry:    reg,
		Tracker:     trk,
		Resources:   res,
		Publisher:   publisher,
		Audit:       auditor,
		Collector:   collector,
		Logger:      base,
		Plans:       plans,
		Workers:     cfg.Agents.Concurrency,
		TaskTimeout: cfg.Agents.TaskTimeout,
		MaxRetries:  cfg.Agents.MaxRetries,
	})
	if err != nil {
		q.Close()
		st.Close()
		return nil, err
	}

	authMw := auth.NewMiddleware(auth.Config{
		Secret: []byte(cfg.Auth.JWTSecret),
		Keys:   st,
		RateLimit: auth.RateLimitConfig{
			Max:    cfg.Auth.RateLimitMax,
			Window: cfg.Auth.RateLimitWindow,
		},
		Audit:       auditor,
		Logger:      base,
		PublicPaths: []string{"/", "/health", "/metrics", "/version", "/ws"},
	})

	return &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		st:        st,
		q:         q,
		registry:  reg,
		tracker:   trk,
		resources: res,
		hub:       hub,
		collector: collector,
		auditor:   auditor,
		orch:      orch,
		authMw:    authMw,
	}, nil
}

// Start brings the daemon up and serves until ctx is cancelled or the
// server fails. The caller is expected to follow with Shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.startedAt = time.Now().UTC()
	d.mu.Unlock()

	traces, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:    "maestrod",
		ServiceVersion: d.opts.Version,
		Exporter:       d.cfg.Trace.Exporter,
		OTLPEndpoint:   d.cfg.Trace.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	d.traces = traces

	if err := d.st.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	if err := d.st.Ping(ctx); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}

	seeded, err := d.registry.Seed(ctx, d.st)
	if err != nil {
		return fmt.Errorf("registry seed: %w", err)
	}
	if d.cfg.Agents.ManifestDir != "" {
		loaded, err := d.registry.LoadManifestDir(d.cfg.Agents.ManifestDir)
		if err != nil {
			return fmt.Errorf("agent manifests: %w", err)
		}
		seeded += loaded
		watcher, err := registry.NewManifestWatcher(registry.ManifestWatcherConfig{
			Dir:      d.cfg.Agents.ManifestDir,
			Registry: d.registry,
			Logger:   d.logger,
		})
		if err != nil {
			return fmt.Errorf("manifest watcher: %w", err)
		}
		d.manifests = watcher
	}
	d.logger.Info("agent registry ready", slog.Int("agents", seeded))

	d.auditor.Start(ctx)
	if d.hub != nil {
		d.hub.Start(ctx)
	}
	d.tracker.Start(ctx)
	d.resources.Start(ctx)
	d.authMw.Start(ctx)

	if err := d.orch.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator start: %w", err)
	}

	ln, err := net.Listen("tcp", d.cfg.Server.Address())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Server.Address(), err)
	}
	d.ln = ln

	router := api.NewRouter(api.RouterConfig{
		Version:   d.opts.Version,
		Commit:    d.opts.Commit,
		BuildDate: d.opts.BuildDate,
	}, d.logger)

	health := api.NewHealthHandler(api.HealthDeps{
		Store:        d.st,
		Queue:        d.q,
		Hub:          d.hub,
		Tracker:      d.tracker,
		Resources:    d.resources,
		Orchestrator: d.orch,
	}, d.opts.Version, d.startedAt)
	health.RegisterRoutes(router.Mux())

	api.NewAgentsHandler(d.registry, d.tracker).RegisterRoutes(router.Mux())
	api.NewWorkflowsHandler(d.orch).RegisterRoutes(router.Mux())
	api.NewWSHandler(d.hub).RegisterRoutes(router.Mux())
	router.SetMetricsHandler(d.collector.Handler())

	handler := middleware.CORS(middleware.CORSConfig{AllowedOrigins: d.cfg.CORS.Origins})(
		middleware.RequestID(d.authMw.Wrap(router)))

	d.server = &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	d.logger.Info("maestrod starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()),
		slog.String("env", d.cfg.Server.Env))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr reports the bound listen address, for tests that start on port 0.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Store exposes the state store for out-of-band seeding. The HTTP surface
// has no tenant or workflow CRUD, so tests and provisioning tools write
// those rows directly.
func (d *Daemon) Store() store.Store {
	return d.st
}

// Registry exposes the agent registry so callers can attach in-process
// handlers without a store round-trip.
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

// Shutdown drains and stops the daemon. The orchestrator goes first so
// in-flight runs get their cancel-and-wait window while /health still
// answers "draining" to load balancers.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated",
		slog.Int("active_runs", d.orch.ActiveRuns()))

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
	}

	if err := d.orch.Stop(ctx); err != nil {
		d.logger.Warn("orchestrator stop", log.Error(err))
	}

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("http server shutdown", log.Error(err))
		}
		cancel()
	}

	if d.manifests != nil {
		if err := d.manifests.Close(); err != nil {
			d.logger.Warn("manifest watcher close", log.Error(err))
		}
	}
	if d.hub != nil {
		d.hub.Stop()
	}
	d.tracker.Stop()
	d.resources.Stop()
	d.auditor.Stop()
	if err := d.auditor.Close(); err != nil {
		d.logger.Warn("audit log close", log.Error(err))
	}

	if d.traces != nil {
		traceCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.traces.Shutdown(traceCtx); err != nil {
			d.logger.Warn("trace provider shutdown", log.Error(err))
		}
		cancel()
	}

	if err := d.st.Close(); err != nil {
		d.logger.Error("store close", log.Error(err))
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

// openStore builds the state store named by DATABASE_URL.
func openStore(dsn string) (store.Store, error) {
	switch {
	case strings.HasPrefix(dsn, "memory://"):
		return store.NewMemory(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return store.OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return nil, &errors.ConfigError{Key: "DATABASE_URL", Reason: "invalid postgres url", Cause: err}
		}
		return store.NewPostgres(pool), nil
	default:
		return nil, &errors.ConfigError{Key: "DATABASE_URL", Reason: "unsupported scheme (postgres://, sqlite:// or memory://)"}
	}
}

// openQueue builds the job queue named by QUEUE_URL.
func openQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	opts := queue.DefaultOptions()
	opts.MaxAttempts = cfg.Queue.MaxAttempts
	if cfg.Queue.BackoffType != "" {
		opts.Backoff.Strategy = queue.BackoffStrategy(cfg.Queue.BackoffType)
	}
	if cfg.Queue.BackoffDelay > 0 {
		opts.Backoff.Base = cfg.Queue.BackoffDelay
	}

	switch {
	case strings.HasPrefix(cfg.Queue.URL, "memory://"):
		return queue.NewMemory(opts), nil
	case strings.HasPrefix(cfg.Queue.URL, "redis://"), strings.HasPrefix(cfg.Queue.URL, "rediss://"):
		return queue.OpenRedis(ctx, cfg.Queue.URL, opts)
	default:
		return nil, &errors.ConfigError{Key: "QUEUE_URL", Reason: "unsupported scheme (redis:// or memory://)"}
	}
}
