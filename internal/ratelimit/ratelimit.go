// Package ratelimit implements per-caller request rate limiting with
// lazy-refill token buckets.
package ratelimit

import (
	"sync"
	"time"
)

// Limits holds the request budget applied to every caller.
// RPM of 0 means unlimited. Burst defaults to RPM.
type Limits struct {
	RPM   int64
	Burst int64
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// Bucket is a token bucket with lazy refill (no background goroutine).
type Bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(limits Limits, now time.Time) *Bucket {
	burst := limits.Burst
	if burst <= 0 {
		burst = limits.RPM
	}
	return &Bucket{
		tokens:   float64(burst),
		max:      float64(burst),
		rate:     float64(limits.RPM) / 60.0,
		lastFill: now,
	}
}

// refill adds tokens based on elapsed time since last refill.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// tryConsume attempts to consume n tokens. Returns remaining and whether allowed.
func (b *Bucket) tryConsume(n float64, now time.Time) (remaining int64, allowed bool) {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return int64(b.tokens), true
	}
	return 0, false
}

// retryAfter returns seconds until n tokens are available.
func (b *Bucket) retryAfter(n float64) float64 {
	if b.tokens >= n {
		return 0
	}
	return (n - b.tokens) / b.rate
}

// Limiter is the bucket for a single caller.
type Limiter struct {
	mu       sync.Mutex
	rpm      *Bucket // nil if unlimited
	limits   Limits
	lastUsed time.Time
}

func newLimiter(limits Limits, now time.Time) *Limiter {
	l := &Limiter{limits: limits, lastUsed: now}
	if limits.RPM > 0 {
		l.rpm = newBucket(limits, now)
	}
	return l
}

// allow consumes one request token.
func (l *Limiter) allow(now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastUsed = now

	if l.rpm == nil {
		return Result{Allowed: true}
	}
	remaining, ok := l.rpm.tryConsume(1, now)
	if ok {
		return Result{Allowed: true, Limit: l.limits.RPM, Remaining: remaining}
	}
	return Result{
		Allowed:           false,
		Limit:             l.limits.RPM,
		RetryAfterSeconds: l.rpm.retryAfter(1),
	}
}

// Registry manages per-caller Limiters sharing one Limits.
type Registry struct {
	limits Limits
	now    func() time.Time

	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry creates a registry applying limits to every caller.
func NewRegistry(limits Limits) *Registry {
	return &Registry{
		limits:   limits,
		now:      time.Now,
		limiters: make(map[string]*Limiter),
	}
}

// Allow consumes one request for caller. It never blocks.
func (r *Registry) Allow(caller string) Result {
	if r.limits.RPM <= 0 {
		return Result{Allowed: true}
	}
	return r.get(caller).allow(r.now())
}

func (r *Registry) get(caller string) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[caller]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if l, ok := r.limiters[caller]; ok {
		return l
	}
	l = newLimiter(r.limits, r.now())
	r.limiters[caller] = l
	return l
}

// EvictStale removes limiters not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked callers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limiters)
}
