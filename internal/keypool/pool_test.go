package keypool

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/keyrelay/internal"
)

func cred(vendor gateway.Vendor, secret string, models ...string) gateway.Credential {
	return gateway.Credential{
		Fingerprint: gateway.Fingerprint(secret),
		Vendor:      vendor,
		Secret:      gateway.Secret(secret),
		Models:      models,
	}
}

func mustPool(t *testing.T, creds ...gateway.Credential) *Pool {
	t.Helper()
	p, err := New(creds)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewDuplicateFingerprint(t *testing.T) {
	t.Parallel()
	_, err := New([]gateway.Credential{
		cred(gateway.VendorGrok, "k1", "grok-2"),
		cred(gateway.VendorGrok, "k1", "grok-3"),
	})
	if !errors.Is(err, gateway.ErrDuplicateKey) {
		t.Fatalf("err = %v, want ErrDuplicateKey", err)
	}
}

func TestNewComputesFingerprint(t *testing.T) {
	t.Parallel()
	c := gateway.Credential{Vendor: gateway.VendorGrok, Secret: "raw", Models: []string{"m"}}
	p := mustPool(t, c)
	if _, ok := p.Get(gateway.Fingerprint("raw")); !ok {
		t.Error("credential should be keyed by computed fingerprint")
	}
}

func TestListStripsSecrets(t *testing.T) {
	t.Parallel()
	p := mustPool(t, cred(gateway.VendorDeepseek, "sk-1", "deepseek-chat"))
	list := p.List()
	if len(list) != 1 {
		t.Fatalf("len = %d, want 1", len(list))
	}
	if list[0].Secret != "" {
		t.Error("List must not expose secrets")
	}
	got, _ := p.Get(list[0].Fingerprint)
	if got.Secret.Reveal() != "sk-1" {
		t.Error("Get should return the secret for transports")
	}
}

func TestListSnapshotIsolation(t *testing.T) {
	t.Parallel()
	p := mustPool(t, cred(gateway.VendorGrok, "k", "m1"))
	list := p.List()
	list[0].Models[0] = "mutated"
	if got := p.List()[0].Models[0]; got != "m1" {
		t.Errorf("pool state changed through snapshot: %q", got)
	}
}

func TestSelect(t *testing.T) {
	t.Parallel()

	disabled := cred(gateway.VendorGrok, "off", "m1")
	disabled.Disabled = true

	tests := []struct {
		name    string
		creds   []gateway.Credential
		vendor  gateway.Vendor
		model   string
		wantFP  string
		wantErr error
	}{
		{
			name:   "single match",
			creds:  []gateway.Credential{cred(gateway.VendorGrok, "a", "m1")},
			vendor: gateway.VendorGrok,
			model:  "m1",
			wantFP: gateway.Fingerprint("a"),
		},
		{
			name:    "model outside capability set",
			creds:   []gateway.Credential{cred(gateway.VendorGrok, "a", "m1")},
			vendor:  gateway.VendorGrok,
			model:   "m2",
			wantErr: gateway.ErrNoUsableKey,
		},
		{
			name:    "disabled skipped",
			creds:   []gateway.Credential{disabled},
			vendor:  gateway.VendorGrok,
			model:   "m1",
			wantErr: gateway.ErrNoUsableKey,
		},
		{
			name:    "other vendor",
			creds:   []gateway.Credential{cred(gateway.VendorDeepseek, "a", "m1")},
			vendor:  gateway.VendorGrok,
			model:   "m1",
			wantErr: gateway.ErrNoUsableKey,
		},
		{
			name:   "empty model matches any enabled",
			creds:  []gateway.Credential{disabled, cred(gateway.VendorGrok, "b", "m9")},
			vendor: gateway.VendorGrok,
			wantFP: gateway.Fingerprint("b"),
		},
		{
			name:    "empty capability set never selected",
			creds:   []gateway.Credential{cred(gateway.VendorGrok, "bare")},
			vendor:  gateway.VendorGrok,
			wantErr: gateway.ErrNoUsableKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := mustPool(t, tt.creds...)
			got, err := p.Select(tt.vendor, tt.model)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Fingerprint != tt.wantFP {
				t.Errorf("fingerprint = %s, want %s", got.Short(), gateway.ShortFingerprint(tt.wantFP))
			}
		})
	}
}

func TestSelectDistributesAcrossKeys(t *testing.T) {
	t.Parallel()
	p := mustPool(t,
		cred(gateway.VendorGrok, "a", "m1"),
		cred(gateway.VendorGrok, "b", "m1"),
	)

	counts := map[string]int{}
	for range 10 {
		c, err := p.Select(gateway.VendorGrok, "m1")
		if err != nil {
			t.Fatal(err)
		}
		counts[c.Fingerprint]++
	}
	if len(counts) != 2 {
		t.Fatalf("selections used %d keys, want 2", len(counts))
	}
	for fp, n := range counts {
		if n != 5 {
			t.Errorf("key %s selected %d times, want 5", gateway.ShortFingerprint(fp), n)
		}
	}
}

func TestSelectTieBreaksByInsertionOrder(t *testing.T) {
	t.Parallel()
	p := mustPool(t,
		cred(gateway.VendorGrok, "first", "m1"),
		cred(gateway.VendorGrok, "second", "m1"),
	)
	c, err := p.Select(gateway.VendorGrok, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Fingerprint != gateway.Fingerprint("first") {
		t.Error("first selection should pick the first configured key")
	}
	if c.LastUsed.IsZero() {
		t.Error("LastUsed should be stamped on selection")
	}
}

func TestUpdateInvariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		update       gateway.CredentialUpdate
		wantDisabled bool
	}{
		{
			name:         "revoked implies disabled",
			update:       gateway.CredentialUpdate{Revoked: gateway.Ptr(true)},
			wantDisabled: true,
		},
		{
			name:         "over quota implies disabled",
			update:       gateway.CredentialUpdate{OverQuota: gateway.Ptr(true)},
			wantDisabled: true,
		},
		{
			name: "re-enable of revoked key is refused",
			update: gateway.CredentialUpdate{
				Revoked:  gateway.Ptr(true),
				Disabled: gateway.Ptr(false),
			},
			wantDisabled: true,
		},
		{
			name:         "plain enable",
			update:       gateway.CredentialUpdate{Disabled: gateway.Ptr(false)},
			wantDisabled: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := cred(gateway.VendorGrok, "k", "m1")
			p := mustPool(t, c)
			p.Update(c.Fingerprint, tt.update)
			got, _ := p.Get(c.Fingerprint)
			if got.Disabled != tt.wantDisabled {
				t.Errorf("disabled = %v, want %v", got.Disabled, tt.wantDisabled)
			}
			if (got.Revoked || got.OverQuota) && !got.Disabled {
				t.Error("invariant violated: revoked/overQuota without disabled")
			}
		})
	}
}

func TestUpdateIsPartial(t *testing.T) {
	t.Parallel()
	c := cred(gateway.VendorGrok, "k", "m1")
	p := mustPool(t, c)

	now := time.Now()
	p.Update(c.Fingerprint, gateway.CredentialUpdate{LastChecked: &now})
	p.Update(c.Fingerprint, gateway.CredentialUpdate{RateLimit: &gateway.RateLimitInfo{Limit: 200, Remaining: 199}})
	p.Update(c.Fingerprint, gateway.CredentialUpdate{RateLimited: gateway.Ptr(true)})

	got, _ := p.Get(c.Fingerprint)
	if !got.LastChecked.Equal(now) {
		t.Error("LastChecked clobbered by later update")
	}
	if got.RateLimit == nil || got.RateLimit.Remaining != 199 {
		t.Errorf("RateLimit = %+v", got.RateLimit)
	}
	if !got.RateLimited {
		t.Error("RateLimited not applied")
	}
	if len(got.Models) != 1 {
		t.Error("Models should be unchanged")
	}
}

func TestUpdateUnknownFingerprint(t *testing.T) {
	t.Parallel()
	p := mustPool(t, cred(gateway.VendorGrok, "k", "m1"))
	called := false
	p.OnChange(func(gateway.Vendor) { called = true })
	p.Update("does-not-exist", gateway.CredentialUpdate{Disabled: gateway.Ptr(true)})
	if called {
		t.Error("observers should not fire for unknown fingerprints")
	}
	if p.Usable(gateway.VendorGrok) != 1 {
		t.Error("pool state changed by unknown update")
	}
}

func TestRevokedNeverSelected(t *testing.T) {
	t.Parallel()
	c := cred(gateway.VendorGrok, "k", "m1", "m2")
	p := mustPool(t, c)
	p.Update(c.Fingerprint, gateway.CredentialUpdate{Revoked: gateway.Ptr(true)})

	for _, model := range []string{"m1", "m2", ""} {
		if _, err := p.Select(gateway.VendorGrok, model); !errors.Is(err, gateway.ErrNoUsableKey) {
			t.Errorf("Select(%q) err = %v, want ErrNoUsableKey", model, err)
		}
	}
}

func TestOnChangeNotifiesVendor(t *testing.T) {
	t.Parallel()
	c := cred(gateway.VendorAWS, "AKID:SECRET:us-east-1", "anthropic.claude-v2")
	p := mustPool(t, c)

	var got []gateway.Vendor
	p.OnChange(func(v gateway.Vendor) { got = append(got, v) })
	p.Update(c.Fingerprint, gateway.CredentialUpdate{Disabled: gateway.Ptr(true)})

	if len(got) != 1 || got[0] != gateway.VendorAWS {
		t.Errorf("observed %v, want [aws]", got)
	}
}

func TestUsableAndVendors(t *testing.T) {
	t.Parallel()
	off := cred(gateway.VendorGrok, "off", "m1")
	off.OverQuota = true
	p := mustPool(t,
		cred(gateway.VendorGrok, "a", "m1"),
		off,
		cred(gateway.VendorDeepseek, "d", "deepseek-chat"),
	)

	if n := p.Usable(gateway.VendorGrok); n != 1 {
		t.Errorf("Usable(grok) = %d, want 1", n)
	}
	if n := p.Usable(gateway.VendorAWS); n != 0 {
		t.Errorf("Usable(aws) = %d, want 0", n)
	}
	vs := p.Vendors()
	if len(vs) != 2 || vs[0] != gateway.VendorGrok || vs[1] != gateway.VendorDeepseek {
		t.Errorf("Vendors = %v", vs)
	}
	if p.Len() != 3 {
		t.Errorf("Len = %d, want 3", p.Len())
	}
}

func TestConcurrentSelectAndUpdate(t *testing.T) {
	t.Parallel()

	var creds []gateway.Credential
	for i := range 8 {
		creds = append(creds, cred(gateway.VendorGrok, fmt.Sprintf("k%d", i), "m1"))
	}
	p := mustPool(t, creds...)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 200 {
				c, err := p.Select(gateway.VendorGrok, "m1")
				if err == nil && c.Disabled {
					t.Error("selected a disabled credential")
				}
			}
		}()
		go func() {
			defer wg.Done()
			fp := creds[i].Fingerprint
			for j := range 200 {
				p.Update(fp, gateway.CredentialUpdate{Disabled: gateway.Ptr(j%2 == 0)})
				_ = p.List()
			}
		}()
	}
	wg.Wait()

	for _, c := range p.List() {
		if (c.Revoked || c.OverQuota) && !c.Disabled {
			t.Errorf("invariant violated for %s", c.Short())
		}
	}
}
