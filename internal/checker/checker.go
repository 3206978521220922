// Package checker tests vendor credentials and classifies their health.
// The classification policy in classify.go is shared with the proxy
// pipeline so live traffic and key checks agree on what a response means.
package checker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/cloudauth"
	"github.com/eugener/keyrelay/internal/keypool"
	"github.com/eugener/keyrelay/internal/telemetry"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultConcurrency = 4
)

// EventSink receives credential health transitions. It must not block.
type EventSink interface {
	Record(gateway.KeyEvent)
}

// Options configures a Checker.
type Options struct {
	// BaseURLs overrides the upstream API base per vendor. For aws the
	// value is an endpoint template containing "{region}".
	BaseURLs    map[gateway.Vendor]string
	Timeout     time.Duration
	Concurrency int
	Events      EventSink
	Metrics     *telemetry.Metrics
}

// Checker issues one minimal request per credential and applies the
// classified outcome to the pool.
type Checker struct {
	pool        *keypool.Pool
	transports  *cloudauth.TransportCache
	checks      map[gateway.Vendor]checkFunc
	baseURLs    map[gateway.Vendor]string
	timeout     time.Duration
	concurrency int
	events      EventSink
	metrics     *telemetry.Metrics
	now         func() time.Time
}

// New returns a Checker for every vendor in the pool.
func New(pool *keypool.Pool, transports *cloudauth.TransportCache, opts Options) *Checker {
	c := &Checker{
		pool:        pool,
		transports:  transports,
		baseURLs:    opts.BaseURLs,
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
		events:      opts.Events,
		metrics:     opts.Metrics,
		now:         time.Now,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.concurrency <= 0 {
		c.concurrency = defaultConcurrency
	}
	c.checks = map[gateway.Vendor]checkFunc{
		gateway.VendorGrok:     openAICheck("grok-2-latest"),
		gateway.VendorDeepseek: openAICheck("deepseek-chat"),
		gateway.VendorGoogleAI: googleCheck,
		gateway.VendorAWS:      bedrockCheck,
	}
	return c
}

// Check tests one credential and updates its pool state. It never returns
// an error: timeouts and network failures are logged and leave the
// credential untouched. Revoked and over-quota credentials are not checked;
// both states are only lifted out of band.
func (c *Checker) Check(ctx context.Context, cred gateway.Credential) Outcome {
	switch {
	case cred.Revoked:
		return Invalid
	case cred.OverQuota:
		return QuotaExceeded
	}
	fn, ok := c.checks[cred.Vendor]
	if !ok {
		slog.Warn("no key checker for vendor", slog.String("vendor", string(cred.Vendor)))
		return Inconclusive
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.run(ctx, fn, cred)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "key check failed",
			slog.String("vendor", string(cred.Vendor)),
			slog.String("key", cred.Short()),
			slog.String("error", err.Error()),
		)
		c.observe(cred.Vendor, Inconclusive)
		return Inconclusive
	}

	c.apply(ctx, cred, res)
	c.observe(cred.Vendor, res.outcome)
	return res.outcome
}

func (c *Checker) run(ctx context.Context, fn checkFunc, cred gateway.Credential) (checkResult, error) {
	client, err := c.transports.Client(ctx, cred)
	if err != nil {
		return checkResult{}, fmt.Errorf("checker: build transport: %w", err)
	}
	return fn(ctx, client, c.baseURLs[cred.Vendor], cred)
}

// CheckFingerprint checks the credential with the given fingerprint.
func (c *Checker) CheckFingerprint(ctx context.Context, fingerprint string) (Outcome, error) {
	cred, ok := c.pool.Get(fingerprint)
	if !ok {
		return Inconclusive, fmt.Errorf("checker: %w: key %s", gateway.ErrNotFound, gateway.ShortFingerprint(fingerprint))
	}
	return c.Check(ctx, cred), nil
}

// CheckAll checks every credential that is neither revoked nor over quota
// with bounded concurrency and returns the number of credentials checked.
func (c *Checker) CheckAll(ctx context.Context) int {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	n := 0
	for _, view := range c.pool.List() {
		if view.Revoked || view.OverQuota {
			continue
		}
		cred, ok := c.pool.Get(view.Fingerprint)
		if !ok {
			continue
		}
		n++
		g.Go(func() error {
			c.Check(ctx, cred)
			return nil
		})
	}
	_ = g.Wait()

	slog.Debug("key check pass complete", slog.Int("checked", n))
	return n
}

// apply writes a conclusive check result to the pool.
func (c *Checker) apply(ctx context.Context, cred gateway.Credential, res checkResult) {
	now := c.now()
	u := gateway.CredentialUpdate{LastChecked: &now}

	switch res.outcome {
	case Valid, RateLimited, ModelDenied:
		// The pool keeps revoked and over-quota keys disabled regardless.
		u.Disabled = gateway.Ptr(false)
		u.RateLimited = gateway.Ptr(res.outcome == RateLimited)
		u.RateLimit = res.rateLimit
		u.Models = res.models
	case Invalid:
		u.Disabled = gateway.Ptr(true)
		u.Revoked = gateway.Ptr(true)
	case QuotaExceeded:
		u.Disabled = gateway.Ptr(true)
		u.OverQuota = gateway.Ptr(true)
	}
	c.pool.Update(cred.Fingerprint, u)

	level := slog.LevelDebug
	if res.outcome == Invalid || res.outcome == QuotaExceeded {
		level = slog.LevelWarn
	}
	slog.LogAttrs(ctx, level, "key checked",
		slog.String("vendor", string(cred.Vendor)),
		slog.String("key", cred.Short()),
		slog.String("outcome", res.outcome.String()),
		slog.Int("status", res.status),
	)

	changed := res.outcome == Invalid || res.outcome == QuotaExceeded ||
		cred.Disabled || (res.models != nil && !slices.Equal(res.models, cred.Models))
	if changed && c.events != nil {
		c.events.Record(gateway.KeyEvent{
			ID:          uuid.Must(uuid.NewV7()).String(),
			Fingerprint: cred.Fingerprint,
			Vendor:      cred.Vendor,
			Outcome:     res.outcome.String(),
			Source:      "checker",
			StatusCode:  res.status,
			CreatedAt:   now,
		})
	}
}

func (c *Checker) observe(vendor gateway.Vendor, o Outcome) {
	if c.metrics != nil {
		c.metrics.KeyChecks.WithLabelValues(string(vendor), o.String()).Inc()
	}
}

// FailureUpdate returns the state delta for a failure outcome observed on
// live traffic for cred while serving model. ok is false when the outcome
// does not change credential state.
func FailureUpdate(o Outcome, cred gateway.Credential, model string, now time.Time) (u gateway.CredentialUpdate, ok bool) {
	switch o {
	case Invalid:
		return gateway.CredentialUpdate{
			Disabled:    gateway.Ptr(true),
			Revoked:     gateway.Ptr(true),
			LastChecked: &now,
		}, true
	case QuotaExceeded:
		return gateway.CredentialUpdate{
			Disabled:    gateway.Ptr(true),
			OverQuota:   gateway.Ptr(true),
			LastChecked: &now,
		}, true
	case RateLimited:
		return gateway.CredentialUpdate{RateLimited: gateway.Ptr(true)}, true
	case ModelDenied:
		if model == "" || !slices.Contains(cred.Models, model) {
			return gateway.CredentialUpdate{}, false
		}
		models := slices.DeleteFunc(slices.Clone(cred.Models), func(m string) bool { return m == model })
		return gateway.CredentialUpdate{Models: models}, true
	}
	return gateway.CredentialUpdate{}, false
}
