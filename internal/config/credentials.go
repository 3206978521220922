package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/cloudauth"
)

// KeyEntry is one configured vendor secret. In YAML it is either a bare
// string or a mapping with secret, models and region.
type KeyEntry struct {
	Secret string   `yaml:"secret"`
	Models []string `yaml:"models"`
	Region string   `yaml:"region"` // aws only; overrides the region in the secret
}

// UnmarshalYAML accepts both the scalar and the mapping form.
func (k *KeyEntry) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		k.Secret = n.Value
		return nil
	}
	type plain KeyEntry
	return n.Decode((*plain)(k))
}

// DefaultModels is the initial capability set for keys configured without
// an explicit model list. The checker refines it for google-ai.
var DefaultModels = map[gateway.Vendor][]string{
	gateway.VendorAWS: {
		"anthropic.claude-3-haiku-20240307-v1:0",
		"anthropic.claude-3-5-haiku-20241022-v1:0",
		"anthropic.claude-3-sonnet-20240229-v1:0",
		"anthropic.claude-3-5-sonnet-20240620-v1:0",
		"anthropic.claude-3-5-sonnet-20241022-v2:0",
		"anthropic.claude-3-7-sonnet-20250219-v1:0",
		"anthropic.claude-3-opus-20240229-v1:0",
		"mistral.mistral-large-2402-v1:0",
		"mistral.mistral-large-2407-v1:0",
		"mistral.mistral-small-2402-v1:0",
	},
	gateway.VendorGoogleAI: {
		"gemini-1.5-pro-latest",
		"gemini-1.5-flash-latest",
		"gemini-2.0-flash",
	},
	gateway.VendorGrok: {
		"grok-2-latest",
		"grok-2",
		"grok-beta",
		"grok-3-beta",
	},
	gateway.VendorDeepseek: {
		"deepseek-chat",
		"deepseek-reasoner",
	},
}

// Credentials builds the key pool seed from the vendors section. Blank
// secrets are skipped. Unknown vendors and malformed aws secrets are
// configuration errors.
func (c *Config) Credentials() ([]gateway.Credential, error) {
	names := make([]string, 0, len(c.Vendors))
	for name := range c.Vendors {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		creds []gateway.Credential
		errs  []error
	)
	for _, name := range names {
		vendor, err := gateway.ParseVendor(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: vendors.%s: %w", name, err))
			continue
		}
		for i, k := range c.Vendors[name].Keys {
			secret := strings.TrimSpace(k.Secret)
			if secret == "" {
				continue
			}
			cred := gateway.Credential{
				Fingerprint: gateway.Fingerprint(secret),
				Vendor:      vendor,
				Secret:      gateway.Secret(secret),
				Region:      k.Region,
				Models:      slices.Clone(k.Models),
			}
			if len(cred.Models) == 0 {
				cred.Models = slices.Clone(DefaultModels[vendor])
			}
			if vendor == gateway.VendorAWS {
				_, _, region, err := cloudauth.ParseAWSSecret(secret)
				if err != nil {
					errs = append(errs, fmt.Errorf("config: vendors.%s.keys[%d]: %w", name, i, err))
					continue
				}
				if cred.Region == "" {
					cred.Region = region
				}
			}
			creds = append(creds, cred)
		}
	}
	return creds, errors.Join(errs...)
}

// BaseURL returns the configured base URL for vendor, or "" to use the
// adapter default.
func (c *Config) BaseURL(vendor gateway.Vendor) string {
	return c.Vendors[string(vendor)].BaseURL
}
