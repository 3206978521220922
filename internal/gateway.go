// Package gateway defines domain types and interfaces for the keyrelay gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// --- Vendors ---

// Vendor identifies one upstream LLM service with its own auth scheme and wire format.
type Vendor string

const (
	VendorAWS      Vendor = "aws"
	VendorGoogleAI Vendor = "google-ai"
	VendorGrok     Vendor = "grok"
	VendorDeepseek Vendor = "deepseek"
)

// Vendors lists every supported vendor in a stable order.
var Vendors = []Vendor{VendorAWS, VendorGoogleAI, VendorGrok, VendorDeepseek}

// ParseVendor validates s against the closed vendor set.
func ParseVendor(s string) (Vendor, error) {
	v := Vendor(s)
	if slices.Contains(Vendors, v) {
		return v, nil
	}
	return "", fmt.Errorf("%w: unknown vendor %q", ErrNotFound, s)
}

// Signed reports whether requests to the vendor are signed per request
// rather than carrying a static bearer secret.
func (v Vendor) Signed() bool { return v == VendorAWS }

// --- Credentials ---

// Secret is raw credential material. It redacts itself when printed,
// logged, or marshalled; transports call Reveal.
type Secret string

// Reveal returns the raw secret.
func (s Secret) Reveal() string { return string(s) }

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

// MarshalJSON never emits the raw value.
func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// RateLimitInfo holds the rolling counters a vendor reports in response headers.
type RateLimitInfo struct {
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

// Credential is a point-in-time view of one vendor credential.
// Revoked and OverQuota both imply Disabled.
type Credential struct {
	Fingerprint string         `json:"fingerprint"`
	Vendor      Vendor         `json:"vendor"`
	Secret      Secret         `json:"-"`
	Region      string         `json:"region,omitempty"` // AWS only
	Models      []string       `json:"models"`
	Disabled    bool           `json:"disabled"`
	Revoked     bool           `json:"revoked"`
	OverQuota   bool           `json:"over_quota"`
	RateLimited bool           `json:"rate_limited"`
	LastChecked time.Time      `json:"last_checked"`
	LastUsed    time.Time      `json:"last_used"`
	RateLimit   *RateLimitInfo `json:"rate_limit,omitempty"`
}

// Short returns the first 8 characters of the fingerprint for logs.
func (c *Credential) Short() string { return ShortFingerprint(c.Fingerprint) }

// Supports reports whether model is in the capability set.
// An empty model matches any credential.
func (c *Credential) Supports(model string) bool {
	return model == "" || slices.Contains(c.Models, model)
}

// CredentialUpdate is a partial state delta. Nil fields are left unchanged.
type CredentialUpdate struct {
	Disabled    *bool
	Revoked     *bool
	OverQuota   *bool
	RateLimited *bool
	LastChecked *time.Time
	Models      []string // nil = unchanged
	RateLimit   *RateLimitInfo
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// Fingerprint returns the hex-encoded SHA-256 hash of a raw secret.
func Fingerprint(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// ShortFingerprint truncates a fingerprint for display.
func ShortFingerprint(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}

// --- Provider ---

// Provider is the per-vendor adapter. Exactly one is registered per vendor.
type Provider interface {
	// Vendor returns the vendor this adapter serves.
	Vendor() Vendor
	// Prepare applies the vendor's request mutators before a credential is
	// selected. It must not perform I/O.
	Prepare(req *ChatRequest) error
	// ChatCompletion sends a non-streaming request authenticated with cred.
	ChatCompletion(ctx context.Context, cred Credential, req *ChatRequest) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming request authenticated with cred.
	ChatCompletionStream(ctx context.Context, cred Credential, req *ChatRequest) (<-chan StreamChunk, error)
}

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Logprobs         *bool           `json:"logprobs,omitempty"`
	TopLogprobs      *int            `json:"top_logprobs,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data  []byte // raw SSE data line, forwarded as-is when possible
	Usage *Usage // non-nil on final chunk
	Done  bool
	Err   error
}

// --- Bookkeeping ---

// UsageRecord is one proxied request's token bookkeeping row.
type UsageRecord struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	Vendor           Vendor    `json:"vendor"`
	Model            string    `json:"model"`
	Fingerprint      string    `json:"fingerprint"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Stream           bool      `json:"stream"`
	LatencyMs        int       `json:"latency_ms"`
	StatusCode       int       `json:"status_code"`
	CreatedAt        time.Time `json:"created_at"`
}

// KeyEvent records a credential health transition.
type KeyEvent struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Vendor      Vendor    `json:"vendor"`
	Outcome     string    `json:"outcome"` // "valid", "invalid", "quota", "rate_limited"
	Source      string    `json:"source"`  // "checker" or "pipeline"
	StatusCode  int       `json:"status_code"`
	CreatedAt   time.Time `json:"created_at"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
type requestMeta struct {
	RequestID string
	Caller    string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// CallerFromContext returns the caller identity used for rate limiting.
func CallerFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.Caller
	}
	return ""
}

// ContextWithCaller stores the caller identity in the existing requestMeta
// when present, avoiding a second context.WithValue.
func ContextWithCaller(ctx context.Context, caller string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Caller = caller
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Caller: caller})
}
