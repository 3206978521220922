package worker

import (
	"context"
	"log/slog"
	"time"
)

const retentionInterval = time.Hour

// Pruner deletes event log rows older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionWorker trims the event log to a fixed age window.
type RetentionWorker struct {
	store    Pruner
	keep     time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewRetentionWorker creates a RetentionWorker keeping rows for keep.
func NewRetentionWorker(store Pruner, keep time.Duration) *RetentionWorker {
	return &RetentionWorker{store: store, keep: keep, interval: retentionInterval, now: time.Now}
}

// Name returns the worker identifier.
func (w *RetentionWorker) Name() string { return "retention" }

// Run prunes once at start and then on every interval until ctx is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) error {
	w.prune(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.prune(ctx)
		}
	}
}

func (w *RetentionWorker) prune(ctx context.Context) {
	n, err := w.store.Prune(ctx, w.now().Add(-w.keep))
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "event log prune failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "event log pruned", slog.Int64("rows", n))
	}
}
