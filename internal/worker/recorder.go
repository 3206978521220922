package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/telemetry"
)

const (
	recorderChanSize   = 1000
	recorderBatchSize  = 100
	recorderFlushEvery = 5 * time.Second
	recorderDrainTime  = 30 * time.Second
)

// FlushFunc persists one batch of rows.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// Recorder buffers rows and batch-flushes them off the request path.
// Rows are dropped if the channel is full (back-pressure on slow DB).
type Recorder[T any] struct {
	name       string
	ch         chan T
	flushFn    FlushFunc[T]
	flushEvery time.Duration
	metrics    *telemetry.Metrics
}

// NewRecorder creates a Recorder that hands batches to flush.
func NewRecorder[T any](name string, flush FlushFunc[T], metrics *telemetry.Metrics) *Recorder[T] {
	return &Recorder[T]{
		name:       name,
		ch:         make(chan T, recorderChanSize),
		flushFn:    flush,
		flushEvery: recorderFlushEvery,
		metrics:    metrics,
	}
}

// UsageStore is the persistence interface consumed by the usage recorder.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
}

// EventStore is the persistence interface consumed by the key event recorder.
type EventStore interface {
	InsertKeyEvents(ctx context.Context, events []gateway.KeyEvent) error
}

// NewUsageRecorder returns a Recorder for per-request usage rows.
func NewUsageRecorder(store UsageStore, metrics *telemetry.Metrics) *Recorder[gateway.UsageRecord] {
	return NewRecorder("usage_recorder", store.InsertUsage, metrics)
}

// NewEventRecorder returns a Recorder for credential health transitions.
func NewEventRecorder(store EventStore, metrics *telemetry.Metrics) *Recorder[gateway.KeyEvent] {
	return NewRecorder("key_event_recorder", store.InsertKeyEvents, metrics)
}

// Name returns the worker identifier.
func (r *Recorder[T]) Name() string { return r.name }

// Record enqueues a row. It never blocks; drops on full channel.
func (r *Recorder[T]) Record(v T) {
	select {
	case r.ch <- v:
		r.observeQueue()
	default:
		slog.Warn("record dropped, channel full", slog.String("recorder", r.name))
	}
}

// Run processes rows until ctx is cancelled, then drains what is left.
func (r *Recorder[T]) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	buf := make([]T, 0, recorderBatchSize)

	for {
		select {
		case v := <-r.ch:
			buf = append(buf, v)
			if len(buf) >= recorderBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

func (r *Recorder[T]) drain(buf []T) {
	ctx, cancel := context.WithTimeout(context.Background(), recorderDrainTime)
	defer cancel()

	for {
		select {
		case v := <-r.ch:
			buf = append(buf, v)
			if len(buf) >= recorderBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

func (r *Recorder[T]) flush(ctx context.Context, buf []T) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]T, len(buf))
	copy(batch, buf)

	if err := r.flushFn(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "recorder flush failed",
			slog.String("recorder", r.name),
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
	r.observeQueue()
}

func (r *Recorder[T]) observeQueue() {
	if r.metrics != nil {
		r.metrics.RecorderQueue.WithLabelValues(r.name).Set(float64(len(r.ch)))
	}
}
