package harness

import (
	"context"
	"time"

	"github.com/tombee/maestro/internal/store"
)

// Option configures the harness before the daemon starts.
type Option func(*Harness) error

// WithConcurrency sets the worker pool size.
//
// Example:
//
//	h := harness.New(t, harness.WithConcurrency(1))
func WithConcurrency(n int) Option {
	return func(h *Harness) error {
		h.cfg.Agents.Concurrency = n
		return nil
	}
}

// WithMaxRetries sets the per-task retry budget stamped onto new runs.
func WithMaxRetries(n int) Option {
	return func(h *Harness) error {
		h.cfg.Agents.MaxRetries = n
		return nil
	}
}

// WithTaskTimeout sets the per-invocation agent timeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(h *Harness) error {
		h.cfg.Agents.TaskTimeout = d
		return nil
	}
}

// WithTimeout sets how long harness waits (runs, tasks, events) block
// before failing the test. Default is 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(h *Harness) error {
		h.timeout = d
		return nil
	}
}

// WithSeed registers a hook that writes to the state store after the
// tenancy rows exist but before the daemon starts. Tests use it to plant
// state the API has no surface for, such as runs abandoned by a previous
// process.
//
// Example:
//
//	h := harness.New(t, harness.WithSeed(func(ctx context.Context, st store.Store) error {
//		return st.PutWorkflow(ctx, wf)
//	}))
func WithSeed(fn func(ctx context.Context, st store.Store) error) Option {
	return func(h *Harness) error {
		h.seed = fn
		return nil
	}
}
