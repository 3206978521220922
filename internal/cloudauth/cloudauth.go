// Package cloudauth provides http.RoundTripper decorators that attach vendor
// credentials to outbound requests: static bearer or header keys, Google
// service-account OAuth, and AWS SigV4 signing computed at send time.
package cloudauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gateway "github.com/eugener/keyrelay/internal"
)

// APIKeyTransport is an http.RoundTripper that injects a static API key
// header on every outbound request. HeaderName is the header to set
// (e.g. "Authorization", "x-goog-api-key"). Prefix is prepended to Key
// (e.g. "Bearer " for Authorization headers).
type APIKeyTransport struct {
	Key        string
	HeaderName string
	Prefix     string
	Base       http.RoundTripper
}

// RoundTrip clones the request and sets the auth header.
func (t *APIKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set(t.HeaderName, t.Prefix+t.Key)
	return t.base().RoundTrip(r2)
}

func (t *APIKeyTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// ForCredential builds the authenticating transport for one credential on
// top of base. The secret never leaves the returned transport.
func ForCredential(ctx context.Context, base http.RoundTripper, cred gateway.Credential) (http.RoundTripper, error) {
	secret := cred.Secret.Reveal()
	switch cred.Vendor {
	case gateway.VendorAWS:
		keyID, secretKey, region, err := ParseAWSSecret(secret)
		if err != nil {
			return nil, err
		}
		if cred.Region != "" {
			region = cred.Region
		}
		return NewAWSSigV4Transport(base, StaticAWSCredentials(keyID, secretKey), region, BedrockSigningName), nil
	case gateway.VendorGoogleAI:
		if IsServiceAccountJSON(secret) {
			return NewGCPOAuthTransportFromJSON(ctx, base, []byte(secret), GenerativeLanguageScope)
		}
		return &APIKeyTransport{Key: secret, HeaderName: "x-goog-api-key", Base: base}, nil
	case gateway.VendorGrok, gateway.VendorDeepseek:
		return &APIKeyTransport{Key: secret, HeaderName: "Authorization", Prefix: "Bearer ", Base: base}, nil
	default:
		return nil, fmt.Errorf("cloudauth: %w: no transport for vendor %q", gateway.ErrNotFound, cred.Vendor)
	}
}

// IsServiceAccountJSON reports whether a Google secret is a service-account
// JSON document rather than a plain API key.
func IsServiceAccountJSON(secret string) bool {
	return strings.HasPrefix(strings.TrimSpace(secret), "{")
}
