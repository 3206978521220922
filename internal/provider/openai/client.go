// Package openai implements the gateway.Provider adapter for vendors that
// speak the OpenAI chat completions wire format natively (xAI Grok and
// Deepseek). Requests and responses pass through in canonical shape.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/provider"
	"github.com/eugener/keyrelay/internal/provider/sseutil"
)

const (
	GrokBaseURL     = "https://api.x.ai/v1"
	DeepseekBaseURL = "https://api.deepseek.com"

	maxResponseBody = 8 << 20
)

// grokReasoningModels reject sampling and logprob parameters.
var grokReasoningModels = []string{"grok-3-beta"}

var _ gateway.Provider = (*Client)(nil)

// Client is an OpenAI-wire adapter bound to one vendor.
type Client struct {
	vendor  gateway.Vendor
	baseURL string
	clients provider.ClientSource
	mutate  func(*gateway.ChatRequest)
}

// New creates a Client for vendor. clients supplies the per-credential
// authenticated HTTP client.
func New(vendor gateway.Vendor, baseURL string, clients provider.ClientSource) *Client {
	return &Client{
		vendor:  vendor,
		baseURL: strings.TrimRight(baseURL, "/"),
		clients: clients,
	}
}

// NewGrok returns the xAI adapter. If baseURL is empty it defaults to
// GrokBaseURL.
func NewGrok(baseURL string, clients provider.ClientSource) *Client {
	if baseURL == "" {
		baseURL = GrokBaseURL
	}
	c := New(gateway.VendorGrok, baseURL, clients)
	c.mutate = stripReasoningParams
	return c
}

// NewDeepseek returns the Deepseek adapter. If baseURL is empty it defaults
// to DeepseekBaseURL.
func NewDeepseek(baseURL string, clients provider.ClientSource) *Client {
	if baseURL == "" {
		baseURL = DeepseekBaseURL
	}
	return New(gateway.VendorDeepseek, baseURL, clients)
}

// Vendor returns the vendor this adapter serves.
func (c *Client) Vendor() gateway.Vendor { return c.vendor }

// Prepare validates the request and applies the vendor's mutators.
func (c *Client) Prepare(req *gateway.ChatRequest) error {
	if req.Model == "" {
		return fmt.Errorf("%s: %w: model is required", c.vendor, gateway.ErrBadRequest)
	}
	if c.mutate != nil {
		c.mutate(req)
	}
	return nil
}

// stripReasoningParams removes parameters Grok reasoning models reject.
func stripReasoningParams(req *gateway.ChatRequest) {
	if !slices.Contains(grokReasoningModels, req.Model) {
		return
	}
	req.PresencePenalty = nil
	req.FrequencyPenalty = nil
	req.Temperature = nil
	req.TopP = nil
	req.Logprobs = nil
	req.TopLogprobs = nil
}

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, cred gateway.Credential, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	outReq := *req
	outReq.Stream = false
	outReq.StreamOptions = nil

	resp, err := c.do(ctx, cred, &outReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", c.vendor, err)
	}
	var out gateway.ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, provider.NewTranslationError(c.vendor, body, err)
	}
	if len(out.Choices) == 0 {
		return nil, provider.NewTranslationError(c.vendor, body, provider.MissingField("choices"))
	}
	return &out, nil
}

// ChatCompletionStream sends a streaming chat completion request. Raw SSE
// data payloads are forwarded as-is in StreamChunk.Data. The channel is
// closed after a Done sentinel or an error chunk.
func (c *Client) ChatCompletionStream(ctx context.Context, cred gateway.Credential, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	outReq := *req
	outReq.Stream = true
	if outReq.StreamOptions == nil {
		outReq.StreamOptions = &gateway.StreamOptions{IncludeUsage: true}
	}

	resp, err := c.do(ctx, cred, &outReq)
	if err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamChunk, 8)
	go sseutil.ReadSSEStream(ctx, c.vendor, resp.Body, ch)
	return ch, nil
}

// do sends req with cred and returns a 200 response or an error.
func (c *Client) do(ctx context.Context, cred gateway.Credential, req *gateway.ChatRequest) (*http.Response, error) {
	client, err := c.clients.Client(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("%s: build client: %w", c.vendor, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.vendor, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.vendor, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.vendor, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.vendor, resp)
	}
	return resp, nil
}
