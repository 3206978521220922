package checker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/provider"
)

// Outcome is the health classification of one vendor response.
type Outcome int

const (
	// Inconclusive means the credential's health is unknown (timeout or
	// network failure). It never changes credential state.
	Inconclusive Outcome = iota
	Valid
	Invalid
	QuotaExceeded
	RateLimited
	// ModelDenied means the credential is valid but lacks access to the
	// requested model.
	ModelDenied
)

// String returns the outcome label used in logs, metrics, and key events.
func (o Outcome) String() string {
	switch o {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case QuotaExceeded:
		return "quota"
	case RateLimited:
		return "rate_limited"
	case ModelDenied:
		return "model_denied"
	default:
		return "inconclusive"
	}
}

// ClassifyStatus maps a vendor HTTP status and response body to an outcome.
//
// Base policy:
//   - 400 -> valid (the check request is deliberately malformed)
//   - 401 -> invalid
//   - 402 -> quota
//   - 429 -> rate limited (the key itself is valid)
//   - anything else -> valid
//
// Vendor refinements are applied before the base policy.
func ClassifyStatus(vendor gateway.Vendor, status int, body string) Outcome {
	lower := strings.ToLower(body)
	switch vendor {
	case gateway.VendorGrok:
		if (status == http.StatusBadRequest || status == http.StatusForbidden) &&
			strings.Contains(lower, "incorrect api key") {
			return Invalid
		}
		if status == http.StatusForbidden &&
			(strings.Contains(lower, "credits") || strings.Contains(lower, "spending limit")) {
			return QuotaExceeded
		}
	case gateway.VendorGoogleAI:
		if status == http.StatusBadRequest && strings.Contains(body, "API_KEY_INVALID") {
			return Invalid
		}
		if status == http.StatusForbidden {
			return Invalid
		}
	case gateway.VendorAWS:
		if status == http.StatusForbidden {
			switch {
			case strings.Contains(body, "AccessDeniedException"):
				return ModelDenied
			case strings.Contains(body, "UnrecognizedClientException"),
				strings.Contains(lower, "security token"),
				strings.Contains(lower, "signature"):
				return Invalid
			}
		}
	}

	switch status {
	case http.StatusUnauthorized:
		return Invalid
	case http.StatusPaymentRequired:
		return QuotaExceeded
	case http.StatusTooManyRequests:
		return RateLimited
	default:
		return Valid
	}
}

// ClassifyError maps an error returned by an upstream call to an outcome.
// Timeouts and transport failures are inconclusive. A nil error is valid.
// A secret that cannot be turned into a transport is invalid.
func ClassifyError(vendor gateway.Vendor, err error) Outcome {
	if err == nil {
		return Valid
	}
	if IsTimeout(err) {
		return Inconclusive
	}
	if errors.Is(err, gateway.ErrCredentialInvalid) {
		return Invalid
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return ClassifyStatus(vendor, apiErr.StatusCode, apiErr.Body)
	}

	return Inconclusive
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
