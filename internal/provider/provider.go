package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	gateway "github.com/eugener/keyrelay/internal"
)

// ClientSource returns the authenticated HTTP client for a credential.
// *cloudauth.TransportCache satisfies it.
type ClientSource interface {
	Client(ctx context.Context, cred gateway.Credential) (*http.Client, error)
}

// Registry maps vendors to their adapters. Exactly one adapter is
// registered per vendor. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[gateway.Vendor]gateway.Provider
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[gateway.Vendor]gateway.Provider)}
}

// Register adds p under its vendor, replacing any previous adapter.
func (r *Registry) Register(p gateway.Provider) {
	r.mu.Lock()
	r.providers[p.Vendor()] = p
	r.mu.Unlock()
}

// Get returns the adapter for vendor.
func (r *Registry) Get(vendor gateway.Vendor) (gateway.Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[vendor]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider: %w: vendor %q not registered", gateway.ErrNotFound, vendor)
	}
	return p, nil
}

// List returns the registered vendors in canonical order.
func (r *Registry) List() []gateway.Vendor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []gateway.Vendor
	for _, v := range gateway.Vendors {
		if _, ok := r.providers[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
