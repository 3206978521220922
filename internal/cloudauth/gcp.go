package cloudauth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	gateway "github.com/eugener/keyrelay/internal"
)

// GenerativeLanguageScope is the OAuth2 scope for the Gemini API.
const GenerativeLanguageScope = "https://www.googleapis.com/auth/generative-language"

// GCPOAuthTransport is an http.RoundTripper that injects a Google OAuth2
// bearer token on every outbound request. Tokens are cached and refreshed
// by the underlying token source.
type GCPOAuthTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

// NewGCPOAuthTransportFromJSON returns a transport authenticated by a
// service-account JSON document.
func NewGCPOAuthTransportFromJSON(ctx context.Context, base http.RoundTripper, jsonKey []byte, scopes ...string) (*GCPOAuthTransport, error) {
	creds, err := google.CredentialsFromJSON(ctx, jsonKey, scopes...)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: %w: parse service account: %w", gateway.ErrCredentialInvalid, err)
	}
	return newGCPOAuthTransportFromSource(base, creds.TokenSource), nil
}

// newGCPOAuthTransportFromSource creates a GCPOAuthTransport with an
// explicit token source.
func newGCPOAuthTransportFromSource(base http.RoundTripper, ts oauth2.TokenSource) *GCPOAuthTransport {
	return &GCPOAuthTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, ts),
	}
}

// RoundTrip obtains a token and injects it as a Bearer header.
func (t *GCPOAuthTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: obtain GCP token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return t.getBase().RoundTrip(r2)
}

func (t *GCPOAuthTransport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}
