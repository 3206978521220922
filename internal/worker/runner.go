package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner manages a set of workers, cancelling all on first error.
type Runner struct {
	workers []Worker
}

// NewRunner creates a Runner with the given workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts all workers in parallel. It blocks until all workers finish.
// If any worker returns a non-nil error, the context is cancelled and
// the first error is returned, prefixed with the worker's name.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		name := w.Name()
		slog.LogAttrs(ctx, slog.LevelInfo, "worker started", slog.String("worker", name))
		g.Go(func() error {
			if err := w.Run(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "worker failed",
					slog.String("worker", name),
					slog.String("error", err.Error()),
				)
				return fmt.Errorf("worker %s: %w", name, err)
			}
			slog.LogAttrs(ctx, slog.LevelDebug, "worker stopped", slog.String("worker", name))
			return nil
		})
	}
	return g.Wait()
}
