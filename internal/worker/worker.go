// Package worker runs the relay's background tasks: scheduled key checks,
// bookkeeping recorders, event log retention, limiter eviction, and DNS
// cache refresh.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Name identifies the worker in logs, metrics, and errors.
	Name() string
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}
