package cloudauth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/keyrelay/internal"
)

const (
	transportCacheTTL    = time.Hour // service-account token sources refresh themselves within this window
	transportCacheMaxLen = 10_000
)

// TransportCache memoizes the authenticating transport per credential
// fingerprint so OAuth token sources and signers are reused across requests.
type TransportCache struct {
	base  http.RoundTripper
	cache *otter.Cache[string, http.RoundTripper]
}

// NewTransportCache returns a cache building transports on top of base.
func NewTransportCache(base http.RoundTripper) (*TransportCache, error) {
	c, err := otter.New(&otter.Options[string, http.RoundTripper]{
		MaximumSize:      transportCacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, http.RoundTripper](transportCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("cloudauth: create transport cache: %w", err)
	}
	return &TransportCache{base: base, cache: c}, nil
}

// Transport returns the authenticating transport for cred, building it on
// first use.
func (c *TransportCache) Transport(ctx context.Context, cred gateway.Credential) (http.RoundTripper, error) {
	if rt, ok := c.cache.GetIfPresent(cred.Fingerprint); ok {
		return rt, nil
	}
	// Token sources outlive the request that first built them.
	rt, err := ForCredential(context.WithoutCancel(ctx), c.base, cred)
	if err != nil {
		return nil, err
	}
	c.cache.Set(cred.Fingerprint, rt)
	return rt, nil
}

// Client returns an *http.Client using the credential's transport.
func (c *TransportCache) Client(ctx context.Context, cred gateway.Credential) (*http.Client, error) {
	rt, err := c.Transport(ctx, cred)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: rt}, nil
}
