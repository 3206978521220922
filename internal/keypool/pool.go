// Package keypool holds every vendor credential and owns all concurrent
// access to their health and capability state.
package keypool

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	gateway "github.com/eugener/keyrelay/internal"
)

// record is the mutable state behind one credential. The identity fields
// (fingerprint, vendor, secret, region, order) never change after New.
type record struct {
	order int

	mu      sync.RWMutex
	cred    gateway.Credential
	usedSeq uint64 // pool-wide selection sequence of the last Select
}

func (r *record) snapshot() gateway.Credential {
	r.mu.RLock()
	c := r.cred
	c.Models = slices.Clone(r.cred.Models)
	if r.cred.RateLimit != nil {
		rl := *r.cred.RateLimit
		c.RateLimit = &rl
	}
	r.mu.RUnlock()
	return c
}

// Pool is the authoritative registry of credentials across all vendors.
// The record set is fixed at construction; each record carries its own lock,
// so there is no pool-wide lock on the hot path.
type Pool struct {
	byFP     map[string]*record
	byVendor map[gateway.Vendor][]*record
	all      []*record
	seq      atomic.Uint64
	now      func() time.Time

	obsMu     sync.RWMutex
	observers []func(gateway.Vendor)
}

// New builds a pool from the configured credentials. Each credential must
// have a distinct fingerprint.
func New(creds []gateway.Credential) (*Pool, error) {
	p := &Pool{
		byFP:     make(map[string]*record, len(creds)),
		byVendor: make(map[gateway.Vendor][]*record),
		now:      time.Now,
	}
	for i, c := range creds {
		if c.Fingerprint == "" {
			c.Fingerprint = gateway.Fingerprint(c.Secret.Reveal())
		}
		if _, dup := p.byFP[c.Fingerprint]; dup {
			return nil, fmt.Errorf("keypool: %w: %s key %s configured twice",
				gateway.ErrDuplicateKey, c.Vendor, c.Short())
		}
		c.Models = slices.Clone(c.Models)
		enforceInvariants(&c)
		r := &record{order: i, cred: c}
		p.byFP[c.Fingerprint] = r
		p.byVendor[c.Vendor] = append(p.byVendor[c.Vendor], r)
		p.all = append(p.all, r)
	}
	return p, nil
}

// OnChange registers fn to be called with the vendor of every updated record.
// Observers run synchronously after the record lock is released.
func (p *Pool) OnChange(fn func(gateway.Vendor)) {
	p.obsMu.Lock()
	p.observers = append(p.observers, fn)
	p.obsMu.Unlock()
}

// List returns snapshots of every credential in insertion order.
// Secrets are stripped from the returned views.
func (p *Pool) List() []gateway.Credential {
	out := make([]gateway.Credential, len(p.all))
	for i, r := range p.all {
		c := r.snapshot()
		c.Secret = ""
		out[i] = c
	}
	return out
}

// Get returns the credential with the given fingerprint, including its secret.
func (p *Pool) Get(fingerprint string) (gateway.Credential, bool) {
	r, ok := p.byFP[fingerprint]
	if !ok {
		return gateway.Credential{}, false
	}
	return r.snapshot(), true
}

// Select returns the least recently selected enabled credential for vendor
// whose capability set contains model. An empty model matches any enabled
// credential. It never blocks; an empty eligible set yields ErrNoUsableKey.
func (p *Pool) Select(vendor gateway.Vendor, model string) (gateway.Credential, error) {
	records := p.byVendor[vendor]
	for range len(records) + 1 {
		var best *record
		var bestSeq uint64
		for _, r := range records {
			r.mu.RLock()
			eligible := !r.cred.Disabled && len(r.cred.Models) > 0 && r.cred.Supports(model)
			seq := r.usedSeq
			r.mu.RUnlock()
			if !eligible {
				continue
			}
			// Records are iterated in insertion order, so strict < keeps
			// the earliest record on ties.
			if best == nil || seq < bestSeq {
				best, bestSeq = r, seq
			}
		}
		if best == nil {
			break
		}

		best.mu.Lock()
		if best.cred.Disabled || !best.cred.Supports(model) {
			// Disabled between the scan and the claim; rescan.
			best.mu.Unlock()
			continue
		}
		best.usedSeq = p.seq.Add(1)
		best.cred.LastUsed = p.now()
		best.mu.Unlock()
		return best.snapshot(), nil
	}
	return gateway.Credential{}, fmt.Errorf("keypool: %w for %s model %q", gateway.ErrNoUsableKey, vendor, model)
}

// Update applies a partial state delta to one credential. Fields are written
// individually so concurrent updates to unrelated fields do not clobber each
// other. An unknown fingerprint is logged and ignored.
func (p *Pool) Update(fingerprint string, u gateway.CredentialUpdate) {
	r, ok := p.byFP[fingerprint]
	if !ok {
		slog.Warn("update for unknown key ignored",
			slog.String("fingerprint", gateway.ShortFingerprint(fingerprint)),
		)
		return
	}

	r.mu.Lock()
	c := &r.cred
	if u.Disabled != nil {
		c.Disabled = *u.Disabled
	}
	if u.Revoked != nil {
		c.Revoked = *u.Revoked
	}
	if u.OverQuota != nil {
		c.OverQuota = *u.OverQuota
	}
	if u.RateLimited != nil {
		c.RateLimited = *u.RateLimited
	}
	if u.LastChecked != nil {
		c.LastChecked = *u.LastChecked
	}
	if u.Models != nil {
		c.Models = slices.Clone(u.Models)
	}
	if u.RateLimit != nil {
		rl := *u.RateLimit
		c.RateLimit = &rl
	}
	enforceInvariants(c)
	vendor := c.Vendor
	r.mu.Unlock()

	p.obsMu.RLock()
	obs := p.observers
	p.obsMu.RUnlock()
	for _, fn := range obs {
		fn(vendor)
	}
}

// Usable returns the number of enabled credentials for vendor.
func (p *Pool) Usable(vendor gateway.Vendor) int {
	n := 0
	for _, r := range p.byVendor[vendor] {
		r.mu.RLock()
		if !r.cred.Disabled && len(r.cred.Models) > 0 {
			n++
		}
		r.mu.RUnlock()
	}
	return n
}

// Vendors returns the vendors that have at least one configured credential.
func (p *Pool) Vendors() []gateway.Vendor {
	var out []gateway.Vendor
	for _, v := range gateway.Vendors {
		if len(p.byVendor[v]) > 0 {
			out = append(out, v)
		}
	}
	return out
}

// Len returns the total number of credentials.
func (p *Pool) Len() int { return len(p.all) }

// enforceInvariants keeps terminal and quota states disabled.
func enforceInvariants(c *gateway.Credential) {
	if c.Revoked || c.OverQuota {
		c.Disabled = true
	}
}
