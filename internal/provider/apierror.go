// Package provider contains shared utilities for vendor adapters.
package provider

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/keyrelay/internal"
)

const maxErrorBody = 4096

// APIError represents an error response from an upstream vendor.
type APIError struct {
	Vendor     gateway.Vendor
	StatusCode int
	Body       string
}

// Error returns a formatted error string including vendor, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Vendor, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream HTTP status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Unwrap lets callers match every vendor error response with gateway.ErrUpstream.
func (e *APIError) Unwrap() error { return gateway.ErrUpstream }

// ParseAPIError reads up to 4KB from the response body and returns an APIError.
func ParseAPIError(vendor gateway.Vendor, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{Vendor: vendor, StatusCode: resp.StatusCode, Body: string(body)}
}

// TranslationError reports an upstream payload that could not be converted
// to the canonical shape. Shape lists the payload's top-level keys so the
// failure can be diagnosed without logging content.
type TranslationError struct {
	Vendor gateway.Vendor
	Shape  string
	Err    error
}

// NewTranslationError describes payload and wraps err.
func NewTranslationError(vendor gateway.Vendor, payload []byte, err error) *TranslationError {
	return &TranslationError{Vendor: vendor, Shape: PayloadShape(payload), Err: err}
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("%s: translate response %s: %v", e.Vendor, e.Shape, e.Err)
}

// Unwrap exposes both the translation sentinel and the cause.
func (e *TranslationError) Unwrap() []error {
	return []error{gateway.ErrTranslation, e.Err}
}

// PayloadShape returns the sorted top-level keys of a JSON object as
// "{a,b,c}", or the JSON type name for non-objects.
func PayloadShape(payload []byte) string {
	if !gjson.ValidBytes(payload) {
		return "invalid-json"
	}
	r := gjson.ParseBytes(payload)
	if !r.IsObject() {
		return r.Type.String()
	}
	var keys []string
	r.ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	slices.Sort(keys)
	return "{" + strings.Join(keys, ",") + "}"
}

// errMissing is the cause for payloads lacking a required field.
var errMissing = errors.New("missing field")

// MissingField returns an error naming an absent required field.
func MissingField(name string) error {
	return fmt.Errorf("%w %q", errMissing, name)
}
