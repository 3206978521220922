// Package bedrock implements the gateway.Provider adapter for AWS Bedrock.
// Anthropic models are driven through the Messages body and Mistral models
// through the Mistral chat body; both are translated to and from the
// canonical OpenAI shape.
package bedrock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/cloudauth"
	"github.com/eugener/keyrelay/internal/provider"
)

const (
	// DefaultEndpoint is the Bedrock runtime endpoint template.
	DefaultEndpoint = "https://bedrock-runtime.{region}.amazonaws.com"
	// AnthropicVersion is sent in the body of every Anthropic request.
	AnthropicVersion = "bedrock-2023-05-31"

	FamilyAnthropic = "anthropic"
	FamilyMistral   = "mistral"

	maxResponseBody = 8 << 20
)

// geoPrefixes mark cross-region inference profile ids such as
// "us.anthropic.claude-3-5-sonnet-20241022-v2:0".
var geoPrefixes = []string{"us", "eu", "apac"}

var _ gateway.Provider = (*Client)(nil)

// Client is the Bedrock adapter. Requests are signed by the credential's
// transport, so the client only shapes bodies and URLs.
type Client struct {
	endpoint string
	clients  provider.ClientSource
	now      func() time.Time
}

// New creates a Bedrock Client. endpoint may contain a "{region}"
// placeholder; if empty it defaults to DefaultEndpoint.
func New(endpoint string, clients provider.ClientSource) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		clients:  clients,
		now:      time.Now,
	}
}

// Vendor returns gateway.VendorAWS.
func (c *Client) Vendor() gateway.Vendor { return gateway.VendorAWS }

// Prepare rejects models outside the supported families.
func (c *Client) Prepare(req *gateway.ChatRequest) error {
	if req.Model == "" {
		return fmt.Errorf("aws: %w: model is required", gateway.ErrBadRequest)
	}
	switch Family(req.Model) {
	case FamilyAnthropic, FamilyMistral:
		return nil
	default:
		return fmt.Errorf("aws: %w: unsupported model family for %q", gateway.ErrBadRequest, req.Model)
	}
}

// Family returns the model family of a Bedrock model id, skipping any
// cross-region inference prefix.
func Family(model string) string {
	family, rest, ok := strings.Cut(model, ".")
	if !ok {
		return ""
	}
	for _, p := range geoPrefixes {
		if family == p {
			family, _, _ = strings.Cut(rest, ".")
			break
		}
	}
	return family
}

// InvokeURL returns the invoke endpoint for model in region. Colons in the
// model id are percent-encoded so the signed path matches what AWS expects.
func InvokeURL(endpoint, region, model string, stream bool) string {
	base := strings.ReplaceAll(strings.TrimRight(endpoint, "/"), "{region}", region)
	action := "invoke"
	if stream {
		action = "invoke-with-response-stream"
	}
	escaped := strings.ReplaceAll(url.PathEscape(model), ":", "%3A")
	return base + "/model/" + escaped + "/" + action
}

// ErrorType returns the error class from the x-amzn-ErrorType header,
// without the trailing ":http://..." qualifier.
func ErrorType(h http.Header) string {
	t, _, _ := strings.Cut(h.Get("x-amzn-ErrorType"), ":")
	return t
}

// ChatCompletion sends a non-streaming invoke request.
func (c *Client) ChatCompletion(ctx context.Context, cred gateway.Credential, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	resp, err := c.invoke(ctx, cred, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("aws: read response: %w", err)
	}

	var out *gateway.ChatResponse
	if Family(req.Model) == FamilyMistral {
		out, err = translateMistralResponse(data, req.Model)
	} else {
		out, err = translateClaudeResponse(data, req.Model)
	}
	if err != nil {
		return nil, provider.NewTranslationError(gateway.VendorAWS, data, err)
	}
	if out.Usage == nil {
		out.Usage = headerUsage(resp.Header)
	}
	out.Created = c.now().Unix()
	return out, nil
}

// ChatCompletionStream sends an invoke-with-response-stream request and
// decodes the binary event stream into canonical chunks.
func (c *Client) ChatCompletionStream(ctx context.Context, cred gateway.Credential, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	resp, err := c.invoke(ctx, cred, req, true)
	if err != nil {
		return nil, err
	}

	meta := chunkMeta(req.Model, c.now())
	var dec eventDecoder
	if Family(req.Model) == FamilyMistral {
		dec = &mistralStream{meta: meta}
	} else {
		dec = &claudeStream{meta: meta}
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readEventStream(ctx, resp.Body, dec, ch)
	return ch, nil
}

func (c *Client) invoke(ctx context.Context, cred gateway.Credential, req *gateway.ChatRequest, stream bool) (*http.Response, error) {
	client, err := c.clients.Client(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("aws: build client: %w", err)
	}
	region, err := credentialRegion(cred)
	if err != nil {
		return nil, err
	}

	var body []byte
	if Family(req.Model) == FamilyMistral {
		body, err = translateMistralRequest(req)
	} else {
		body, err = translateClaudeRequest(req)
	}
	if err != nil {
		return nil, fmt.Errorf("aws: translate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		InvokeURL(c.endpoint, region, req.Model, stream), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("aws: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "application/vnd.amazon.eventstream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("aws: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

// parseError folds the x-amzn-ErrorType class into the APIError body so
// classification can see it even when the JSON message omits it.
func parseError(resp *http.Response) error {
	err := provider.ParseAPIError(gateway.VendorAWS, resp)
	if apiErr, ok := err.(*provider.APIError); ok {
		if t := ErrorType(resp.Header); t != "" && !strings.Contains(apiErr.Body, t) {
			apiErr.Body = t + " " + apiErr.Body
		}
	}
	return err
}

func credentialRegion(cred gateway.Credential) (string, error) {
	if cred.Region != "" {
		return cred.Region, nil
	}
	_, _, region, err := cloudauth.ParseAWSSecret(cred.Secret.Reveal())
	if err != nil {
		return "", fmt.Errorf("aws: %w", err)
	}
	return region, nil
}

// headerUsage reads the token counts Bedrock reports in response headers.
func headerUsage(h http.Header) *gateway.Usage {
	in, errIn := strconv.Atoi(h.Get("X-Amzn-Bedrock-Input-Token-Count"))
	out, errOut := strconv.Atoi(h.Get("X-Amzn-Bedrock-Output-Token-Count"))
	if errIn != nil || errOut != nil {
		return nil
	}
	return &gateway.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}
