package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrNoUsableKey       = errors.New("no usable key")
	ErrCredentialInvalid = errors.New("credential invalid")
	ErrCredentialRevoked = errors.New("credential revoked")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrNetworkFailure    = errors.New("network failure")
	ErrCapacityTimeout   = errors.New("capacity timeout")
	ErrTranslation       = errors.New("translation error")
	ErrUpstream          = errors.New("upstream error")
	ErrBadRequest        = errors.New("bad request")
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrDuplicateKey      = errors.New("duplicate key")
)
