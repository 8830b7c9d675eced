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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/maestro/internal/config"
	"github.com/tombee/maestro/internal/log"
)

// RunOptions carry the build identity into a foreground daemon run.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string
}

// Run loads configuration from the environment, starts the daemon, and
// blocks until SIGINT/SIGTERM or a fatal server error. It is the entry
// point maestrod's main wraps.
func Run(opts RunOptions) error {
	cfg, err := config.Load()
	if err != nil {
		// Config errors happen before the logger knows the configured
		// level and format, so report them with the defaults.
		logger := log.New(log.FromEnv())
		logger.Error("failed to load config", log.Error(err))
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format)})
	slog.SetDefault(logger)

	d, err := New(cfg, Options{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	})
	if err != nil {
		logger.Error("failed to create daemon", log.Error(err))
		return fmt.Errorf("create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", slog.String("signal", sig.String()))
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", log.Error(err))
			return fmt.Errorf("daemon: %w", err)
		}
		return d.Shutdown(context.Background())
	}
}
