package admission

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/ratelimit"
	"github.com/eugener/keyrelay/internal/telemetry"
)

// KeyCounter reports usable credentials per vendor.
type KeyCounter interface {
	Usable(vendor gateway.Vendor) int
}

// RejectError is returned when a caller exceeds its request rate.
type RejectError struct {
	Caller     string
	RetryAfter time.Duration
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("admission: caller %s rate limited, retry after %s", e.Caller, e.RetryAfter)
}

// Unwrap lets errors.Is match gateway.ErrRateLimited.
func (e *RejectError) Unwrap() error { return gateway.ErrRateLimited }

// RetryAfterSeconds rounds RetryAfter up to whole seconds for the
// Retry-After header.
func (e *RejectError) RetryAfterSeconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// Options configures a Controller.
type Options struct {
	Limits      ratelimit.Limits
	MaxInFlight int
	MaxWait     time.Duration
	Metrics     *telemetry.Metrics
}

// Controller runs the two admission layers for every vendor.
type Controller struct {
	limiter *ratelimit.Registry
	queues  map[gateway.Vendor]*Queue
	metrics *telemetry.Metrics
}

// New creates a Controller with one queue per vendor in vendors.
func New(keys KeyCounter, vendors []gateway.Vendor, opts Options) *Controller {
	c := &Controller{
		limiter: ratelimit.NewRegistry(opts.Limits),
		queues:  make(map[gateway.Vendor]*Queue, len(vendors)),
		metrics: opts.Metrics,
	}
	for _, v := range vendors {
		c.queues[v] = NewQueue(v, func() int { return keys.Usable(v) }, QueueOptions{
			MaxInFlight: opts.MaxInFlight,
			MaxWait:     opts.MaxWait,
			Metrics:     opts.Metrics,
		})
	}
	return c
}

// Admit applies the caller rate limit, then waits for a vendor slot. The
// returned release func is idempotent and must be called when the upstream
// call (including any stream) is finished.
func (c *Controller) Admit(ctx context.Context, vendor gateway.Vendor, caller string) (func(), error) {
	q, ok := c.queues[vendor]
	if !ok {
		return nil, fmt.Errorf("admission: %w: vendor %s", gateway.ErrNotFound, vendor)
	}

	if res := c.limiter.Allow(caller); !res.Allowed {
		if c.metrics != nil {
			c.metrics.RateLimitRejects.WithLabelValues(string(vendor)).Inc()
		}
		return nil, &RejectError{
			Caller:     caller,
			RetryAfter: time.Duration(res.RetryAfterSeconds * float64(time.Second)),
		}
	}

	if err := q.Acquire(ctx); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(q.Release) }, nil
}

// Notify wakes the queue for vendor. It is registered as a key pool
// observer.
func (c *Controller) Notify(vendor gateway.Vendor) {
	if q, ok := c.queues[vendor]; ok {
		q.Notify()
	}
}

// Queue returns the queue for vendor, or nil.
func (c *Controller) Queue(vendor gateway.Vendor) *Queue { return c.queues[vendor] }

// EvictStale drops caller limiters idle since cutoff.
func (c *Controller) EvictStale(cutoff time.Time) int {
	return c.limiter.EvictStale(cutoff)
}
