package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/provider"
	"github.com/eugener/keyrelay/internal/tokencount"
)

const (
	// DefaultBaseURL is the Generative Language API root including the
	// default API version.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	// FallbackModel replaces requests for non-Gemini model ids.
	FallbackModel = "gemini-1.5-pro-latest"

	maxResponseBody = 8 << 20
)

var _ gateway.Provider = (*Client)(nil)

// Client is the Google AI adapter.
type Client struct {
	baseURL string
	clients provider.ClientSource
	counter *tokencount.Estimator
	now     func() time.Time
}

// New creates a Gemini Client. If baseURL is empty it defaults to
// DefaultBaseURL.
func New(baseURL string, clients provider.ClientSource) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		clients: clients,
		counter: tokencount.New(),
		now:     time.Now,
	}
}

// Vendor returns gateway.VendorGoogleAI.
func (c *Client) Vendor() gateway.Vendor { return gateway.VendorGoogleAI }

// Prepare normalizes the model id.
func (c *Client) Prepare(req *gateway.ChatRequest) error {
	model, err := NormalizeModel(req.Model)
	if err != nil {
		return err
	}
	req.Model = model
	return nil
}

// NormalizeModel strips a "models/" prefix and reassigns ids that are not
// Gemini models to FallbackModel.
func NormalizeModel(requested string) (string, error) {
	if requested == "" {
		return "", fmt.Errorf("google-ai: %w: model is required", gateway.ErrBadRequest)
	}
	model := strings.TrimPrefix(requested, "models/")
	if strings.Contains(model, "gemini") {
		return model, nil
	}
	slog.LogAttrs(context.Background(), slog.LevelInfo, "reassigning model",
		slog.String("requested", requested),
		slog.String("model", FallbackModel),
	)
	return FallbackModel, nil
}

// NativeURL returns the upstream URL for a native generateContent call.
// apiVersion replaces the version segment of the configured base URL.
func (c *Client) NativeURL(apiVersion, model, action string) string {
	root := c.baseURL
	if v := path.Base(root); strings.HasPrefix(v, "v1") {
		root = strings.TrimSuffix(root, "/"+v)
	}
	u := root + "/" + apiVersion + "/models/" + url.PathEscape(model) + ":" + action
	if action == "streamGenerateContent" {
		u += "?alt=sse"
	}
	return u
}

// HTTPClient returns the authenticated HTTP client for cred.
func (c *Client) HTTPClient(ctx context.Context, cred gateway.Credential) (*http.Client, error) {
	return c.clients.Client(ctx, cred)
}

// ChatCompletion sends a non-streaming generateContent request.
func (c *Client) ChatCompletion(ctx context.Context, cred gateway.Credential, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	resp, err := c.post(ctx, cred, req, fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, url.PathEscape(req.Model)))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("google-ai: read response: %w", err)
	}
	out, err := translateResponse(data, req.Model)
	if err != nil {
		return nil, provider.NewTranslationError(gateway.VendorGoogleAI, data, err)
	}
	out.Created = c.now().Unix()
	if out.Usage == nil {
		out.Usage = c.estimateUsage(req, out)
	}
	return out, nil
}

// ChatCompletionStream sends a streamGenerateContent request with SSE
// framing and converts each candidate chunk to a canonical delta.
func (c *Client) ChatCompletionStream(ctx context.Context, cred gateway.Credential, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	resp, err := c.post(ctx, cred, req, fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, url.PathEscape(req.Model)))
	if err != nil {
		return nil, err
	}

	s := &streamState{
		meta:     newChunkMeta(req.Model, c.now()),
		messages: req.Messages,
		counter:  c.counter,
	}
	ch := make(chan gateway.StreamChunk, 8)
	go readStream(ctx, resp.Body, s, ch)
	return ch, nil
}

func (c *Client) post(ctx context.Context, cred gateway.Credential, req *gateway.ChatRequest, u string) (*http.Response, error) {
	client, err := c.clients.Client(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("google-ai: build client: %w", err)
	}
	body, err := json.Marshal(translateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("google-ai: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("google-ai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("google-ai: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(gateway.VendorGoogleAI, resp)
	}
	return resp, nil
}

// estimateUsage approximates token counts when usageMetadata is absent.
func (c *Client) estimateUsage(req *gateway.ChatRequest, resp *gateway.ChatResponse) *gateway.Usage {
	var text strings.Builder
	for _, ch := range resp.Choices {
		text.WriteString(extractText(ch.Message.Content))
	}
	return c.counter.Usage(req.Messages, text.String())
}
