// Package catalog derives the advertised model lists from the capability
// sets of enabled credentials and caches them per scope.
package catalog

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/provider/bedrock"
)

// Scope names one cached model list: a vendor, an aws model family
// ("aws/anthropic", "aws/mistral") or the aggregate "all".
type Scope string

// ScopeAll is the union of every vendor's list.
const ScopeAll Scope = "all"

const (
	signedTTL  = 10 * time.Second
	defaultTTL = 60 * time.Second
)

// VendorScope returns the scope for a whole vendor.
func VendorScope(v gateway.Vendor) Scope { return Scope(v) }

// AWSFamilyScope returns the scope for an aws model family. "claude" is
// accepted as an alias of "anthropic".
func AWSFamilyScope(family string) (Scope, error) {
	switch family {
	case "claude", bedrock.FamilyAnthropic:
		return Scope("aws/" + bedrock.FamilyAnthropic), nil
	case bedrock.FamilyMistral:
		return Scope("aws/" + bedrock.FamilyMistral), nil
	}
	return "", fmt.Errorf("catalog: %w: aws family %q", gateway.ErrNotFound, family)
}

// TTL returns how long a list for scope may be served before it is
// recomputed.
func TTL(s Scope) time.Duration {
	if s == ScopeAll || s == Scope(gateway.VendorAWS) || strings.HasPrefix(string(s), "aws/") {
		return signedTTL
	}
	return defaultTTL
}

// Model is one advertised model. The type, display_name and created_at
// fields are only set for aws models.
type Model struct {
	ID          string   `json:"id"`
	Object      string   `json:"object"`
	Created     int64    `json:"created"`
	OwnedBy     string   `json:"owned_by"`
	Root        string   `json:"root"`
	Parent      *string  `json:"parent"`
	Permission  []string `json:"permission"`
	Type        string   `json:"type,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty"`
}

// ModelList is the list envelope. HasMore, FirstID and LastID are only
// set for aws scopes.
type ModelList struct {
	Object  string  `json:"object"`
	Data    []Model `json:"data"`
	HasMore *bool   `json:"has_more,omitempty"`
	FirstID string  `json:"first_id,omitempty"`
	LastID  string  `json:"last_id,omitempty"`
}

// Source lists credential snapshots. *keypool.Pool satisfies it.
type Source interface {
	List() []gateway.Credential
}

type entry struct {
	list ModelList
	at   time.Time
}

// Cache holds one (scope, list, timestamp) entry per scope. A list is
// recomputed on the first request after its TTL has elapsed.
type Cache struct {
	src Source
	now func() time.Time

	mu      sync.Mutex
	entries map[Scope]entry
}

// New returns an empty Cache over src.
func New(src Source) *Cache {
	return &Cache{src: src, now: time.Now, entries: make(map[Scope]entry)}
}

// Models returns the list for scope. The returned value must be treated as
// read-only; it is shared with later callers until the entry expires.
func (c *Cache) Models(scope Scope) ModelList {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[scope]; ok && now.Sub(e.at) < TTL(scope) {
		return e.list
	}
	list := c.build(scope, now)
	c.entries[scope] = entry{list: list, at: now}
	return list
}

// build computes the list for scope from the current pool state.
func (c *Cache) build(scope Scope, now time.Time) ModelList {
	avail := make(map[gateway.Vendor][]string)
	for _, cred := range c.src.List() {
		if cred.Disabled {
			continue
		}
		for _, m := range cred.Models {
			if !slices.Contains(avail[cred.Vendor], m) {
				avail[cred.Vendor] = append(avail[cred.Vendor], m)
			}
		}
	}

	list := ModelList{Object: "list", Data: []Model{}}
	switch {
	case scope == ScopeAll:
		for _, v := range gateway.Vendors {
			list.Data = append(list.Data, vendorModels(v, "", avail[v], now)...)
		}
		return list
	case strings.HasPrefix(string(scope), "aws/"):
		family := strings.TrimPrefix(string(scope), "aws/")
		list.Data = vendorModels(gateway.VendorAWS, family, avail[gateway.VendorAWS], now)
	default:
		v := gateway.Vendor(scope)
		list.Data = vendorModels(v, "", avail[v], now)
	}

	if scope == Scope(gateway.VendorAWS) || strings.HasPrefix(string(scope), "aws/") {
		hasMore := false
		list.HasMore = &hasMore
		if n := len(list.Data); n > 0 {
			list.FirstID = list.Data[0].ID
			list.LastID = list.Data[n-1].ID
		}
	}
	return list
}

// vendorModels renders the advertised entries for one vendor. For aws a
// non-empty family restricts the list to that model family.
func vendorModels(v gateway.Vendor, family string, ids []string, now time.Time) []Model {
	ids = slices.Clone(ids)
	slices.Sort(ids)

	out := make([]Model, 0, len(ids))
	for _, id := range ids {
		switch v {
		case gateway.VendorAWS:
			fam := bedrock.Family(id)
			if family != "" && fam != family {
				continue
			}
			out = append(out, awsModel(id, fam, now))
		case gateway.VendorGoogleAI:
			if !strings.HasPrefix(id, "gemini") {
				continue
			}
			out = append(out, openAIModel(id, "google", now))
		case gateway.VendorGrok:
			out = append(out, openAIModel(id, "xai", now))
		default:
			out = append(out, openAIModel(id, string(v), now))
		}
	}
	return out
}

func openAIModel(id, owner string, now time.Time) Model {
	return Model{
		ID:         id,
		Object:     "model",
		Created:    now.Unix(),
		OwnedBy:    owner,
		Root:       owner,
		Permission: []string{},
	}
}

func awsModel(id, family string, now time.Time) Model {
	m := openAIModel(id, family, now)
	m.Type = "model"
	m.DisplayName = DisplayName(id)
	m.CreatedAt = now.UTC().Format(time.RFC3339)
	return m
}
