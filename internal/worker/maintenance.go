package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/telemetry"
)

const (
	maintenanceInterval = time.Minute
	callerIdleTimeout   = 10 * time.Minute
)

// StaleEvicter drops per-caller state idle since cutoff.
type StaleEvicter interface {
	EvictStale(cutoff time.Time) int
}

// KeyCounter reports usable credentials per vendor.
type KeyCounter interface {
	Vendors() []gateway.Vendor
	Usable(vendor gateway.Vendor) int
}

// MaintenanceWorker evicts idle caller limiters and refreshes the
// usable-key gauge.
type MaintenanceWorker struct {
	limiters StaleEvicter
	keys     KeyCounter
	metrics  *telemetry.Metrics
	interval time.Duration
	now      func() time.Time
}

// NewMaintenanceWorker creates a MaintenanceWorker. metrics may be nil.
func NewMaintenanceWorker(limiters StaleEvicter, keys KeyCounter, metrics *telemetry.Metrics) *MaintenanceWorker {
	return &MaintenanceWorker{
		limiters: limiters,
		keys:     keys,
		metrics:  metrics,
		interval: maintenanceInterval,
		now:      time.Now,
	}
}

// Name returns the worker identifier.
func (w *MaintenanceWorker) Name() string { return "maintenance" }

// Run ticks until ctx is cancelled.
func (w *MaintenanceWorker) Run(ctx context.Context) error {
	w.tick(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *MaintenanceWorker) tick(ctx context.Context) {
	if n := w.limiters.EvictStale(w.now().Add(-callerIdleTimeout)); n > 0 {
		slog.LogAttrs(ctx, slog.LevelDebug, "evicted idle callers", slog.Int("count", n))
	}
	ObserveUsableKeys(w.keys, w.metrics)
}

// ObserveUsableKeys sets the usable-key gauge for every vendor in keys.
func ObserveUsableKeys(keys KeyCounter, metrics *telemetry.Metrics) {
	if metrics == nil {
		return
	}
	for _, v := range keys.Vendors() {
		metrics.UsableKeys.WithLabelValues(string(v)).Set(float64(keys.Usable(v)))
	}
}
