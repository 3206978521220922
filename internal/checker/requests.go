package checker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/provider/bedrock"
)

const (
	defaultRateLimit     = 200
	defaultRateRemaining = 199
	maxCheckBody         = 64 << 10
)

// checkResult is the classified response to one check request.
type checkResult struct {
	outcome   Outcome
	status    int
	rateLimit *gateway.RateLimitInfo
	models    []string // nil leaves the capability set unchanged
}

// checkFunc issues the vendor's minimal request. Errors are transport
// failures only; every HTTP response is classified.
type checkFunc func(ctx context.Context, client *http.Client, baseURL string, cred gateway.Credential) (checkResult, error)

// openAICheck sends a zero-token chat completion. Vendors reject it with 400
// for a working key, so a valid key costs nothing to check.
func openAICheck(defaultModel string) checkFunc {
	return func(ctx context.Context, client *http.Client, baseURL string, cred gateway.Credential) (checkResult, error) {
		model := defaultModel
		if len(cred.Models) > 0 {
			model = cred.Models[0]
		}
		body, _ := json.Marshal(map[string]any{
			"model":      model,
			"messages":   []map[string]string{{"role": "user", "content": "hi"}},
			"max_tokens": 0,
		})
		status, header, respBody, err := send(ctx, client, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/chat/completions", body)
		if err != nil {
			return checkResult{}, err
		}
		return checkResult{
			outcome:   ClassifyStatus(cred.Vendor, status, respBody),
			status:    status,
			rateLimit: parseRateLimit(header),
		}, nil
	}
}

// googleCheck lists models. A working key also refreshes the capability set.
func googleCheck(ctx context.Context, client *http.Client, baseURL string, cred gateway.Credential) (checkResult, error) {
	status, _, body, err := send(ctx, client, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/models?pageSize=1000", nil)
	if err != nil {
		return checkResult{}, err
	}
	res := checkResult{outcome: ClassifyStatus(cred.Vendor, status, body), status: status}
	if status == http.StatusOK {
		if models := parseGoogleModels(body); len(models) > 0 {
			res.models = models
		}
	}
	return res, nil
}

// parseGoogleModels extracts the ids of models supporting generateContent,
// without the "models/" prefix.
func parseGoogleModels(body string) []string {
	var out []string
	gjson.Get(body, "models").ForEach(func(_, m gjson.Result) bool {
		supported := false
		m.Get("supportedGenerationMethods").ForEach(func(_, v gjson.Result) bool {
			supported = v.String() == "generateContent"
			return !supported
		})
		if supported {
			out = append(out, strings.TrimPrefix(m.Get("name").String(), "models/"))
		}
		return true
	})
	return out
}

// bedrockCheck invokes every model in the capability set with an invalid
// token budget. A ValidationException proves access without generating.
// Models the key is denied are dropped from the set.
func bedrockCheck(ctx context.Context, client *http.Client, endpoint string, cred gateway.Credential) (checkResult, error) {
	if endpoint == "" {
		endpoint = bedrock.DefaultEndpoint
	}
	res := checkResult{outcome: Valid}
	kept := make([]string, 0, len(cred.Models))
	for _, model := range cred.Models {
		u := bedrock.InvokeURL(endpoint, cred.Region, model, false)
		status, header, body, err := send(ctx, client, http.MethodPost, u, bedrockCheckBody(model))
		if err != nil {
			return checkResult{}, err
		}
		body = bedrock.ErrorType(header) + " " + body
		res.status = status
		switch o := ClassifyStatus(cred.Vendor, status, body); o {
		case Invalid, QuotaExceeded:
			return checkResult{outcome: o, status: status}, nil
		case ModelDenied:
			continue
		case RateLimited:
			res.outcome = RateLimited
		}
		kept = append(kept, model)
	}
	if !slices.Equal(kept, cred.Models) {
		res.models = kept
		if res.outcome == Valid {
			res.outcome = ModelDenied
		}
	}
	return res, nil
}

func bedrockCheckBody(model string) []byte {
	if strings.HasPrefix(model, "mistral.") {
		return []byte(`{"prompt":"hi","max_tokens":-1}`)
	}
	return []byte(`{"anthropic_version":"` + bedrock.AnthropicVersion + `","max_tokens":-1,"messages":[{"role":"user","content":"hi"}]}`)
}

// send performs one request and returns the status, headers, and a bounded
// prefix of the body.
func send(ctx context.Context, client *http.Client, method, url string, body []byte) (int, http.Header, string, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return 0, nil, "", fmt.Errorf("checker: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, "", fmt.Errorf("checker: send check: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxCheckBody))
	return resp.StatusCode, resp.Header, string(b), nil
}

// parseRateLimit reads the rolling rate-limit headers, falling back to the
// vendor defaults when they are absent or malformed.
func parseRateLimit(h http.Header) *gateway.RateLimitInfo {
	return &gateway.RateLimitInfo{
		Limit:     headerInt(h, "x-ratelimit-limit", defaultRateLimit),
		Remaining: headerInt(h, "x-ratelimit-remaining", defaultRateRemaining),
	}
}

func headerInt(h http.Header, key string, def int64) int64 {
	v, err := strconv.ParseInt(h.Get(key), 10, 64)
	if err != nil {
		return def
	}
	return v
}
