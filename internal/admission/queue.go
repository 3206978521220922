// Package admission gates requests before a credential is selected: a
// per-caller rate limit followed by a per-vendor FIFO queue that holds
// requests while no credential is usable or the in-flight cap is reached.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/telemetry"
)

// waiter is one queued request.
type waiter struct {
	ready    chan struct{}
	granted  bool
	arrived  time.Time
	deadline time.Time
}

// Queue admits requests for one vendor in arrival order.
type Queue struct {
	vendor      gateway.Vendor
	maxInFlight int
	maxWait     time.Duration
	available   func() int
	metrics     *telemetry.Metrics
	now         func() time.Time

	mu       sync.Mutex
	inFlight int
	waiters  []*waiter
}

// QueueOptions configures a Queue.
type QueueOptions struct {
	// MaxInFlight caps concurrent upstream calls. 0 means unlimited.
	MaxInFlight int
	// MaxWait bounds the time a request may stay queued.
	MaxWait time.Duration
	Metrics *telemetry.Metrics
}

// NewQueue creates a queue for vendor. available reports the number of
// usable credentials; a request only runs while it is positive.
func NewQueue(vendor gateway.Vendor, available func() int, opts QueueOptions) *Queue {
	if opts.MaxWait <= 0 {
		opts.MaxWait = 30 * time.Second
	}
	return &Queue{
		vendor:      vendor,
		maxInFlight: opts.MaxInFlight,
		maxWait:     opts.MaxWait,
		available:   available,
		metrics:     opts.Metrics,
		now:         time.Now,
	}
}

// Acquire blocks until the request may run, the wait deadline passes, or
// ctx is done. On success the caller must call Release exactly once. A
// caller that is already gone is never admitted.
func (q *Queue) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if len(q.waiters) == 0 && q.canRun() {
		q.inFlight++
		q.mu.Unlock()
		q.observeWait(0)
		return nil
	}
	now := q.now()
	w := &waiter{ready: make(chan struct{}), arrived: now, deadline: now.Add(q.maxWait)}
	q.waiters = append(q.waiters, w)
	q.setDepth()
	q.mu.Unlock()

	timer := time.NewTimer(w.deadline.Sub(now))
	defer timer.Stop()

	select {
	case <-w.ready:
		if err := ctx.Err(); err != nil {
			// Granted and cancelled at once; hand the slot back.
			q.abandon(w)
			return err
		}
		q.observeWait(q.now().Sub(w.arrived))
		return nil
	case <-ctx.Done():
		q.abandon(w)
		return ctx.Err()
	case <-timer.C:
		q.abandon(w)
		if q.metrics != nil {
			q.metrics.CapacityTimeouts.WithLabelValues(string(q.vendor)).Inc()
		}
		return fmt.Errorf("admission: %s: %w after %s", q.vendor, gateway.ErrCapacityTimeout, q.maxWait)
	}
}

// Release returns a slot and admits waiting requests.
func (q *Queue) Release() {
	q.mu.Lock()
	q.inFlight--
	q.dispatch()
	q.mu.Unlock()
}

// Notify re-evaluates the head of the queue, e.g. after a credential
// becomes usable again.
func (q *Queue) Notify() {
	q.mu.Lock()
	q.dispatch()
	q.mu.Unlock()
}

// Depth returns the number of queued requests.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// InFlight returns the number of admitted requests not yet released.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// abandon removes w after a timeout or cancellation. A slot granted
// concurrently is handed back so the next waiter can run.
func (q *Queue) abandon(w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.granted {
		q.inFlight--
		q.dispatch()
		return
	}
	for i, x := range q.waiters {
		if x == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	q.setDepth()
}

// dispatch grants slots to waiters in FIFO order. Caller holds q.mu.
func (q *Queue) dispatch() {
	for len(q.waiters) > 0 && q.canRun() {
		w := q.waiters[0]
		q.waiters[0] = nil
		q.waiters = q.waiters[1:]
		w.granted = true
		q.inFlight++
		close(w.ready)
	}
	q.setDepth()
}

func (q *Queue) canRun() bool {
	if q.maxInFlight > 0 && q.inFlight >= q.maxInFlight {
		return false
	}
	return q.available() > 0
}

func (q *Queue) setDepth() {
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(string(q.vendor)).Set(float64(len(q.waiters)))
	}
}

func (q *Queue) observeWait(d time.Duration) {
	if q.metrics != nil {
		q.metrics.QueueWait.WithLabelValues(string(q.vendor)).Observe(d.Seconds())
	}
}
