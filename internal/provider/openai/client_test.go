package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/cloudauth"
	"github.com/eugener/keyrelay/internal/provider"
)

func testClients(t *testing.T) *cloudauth.TransportCache {
	t.Helper()
	tc, err := cloudauth.NewTransportCache(http.DefaultTransport)
	if err != nil {
		t.Fatal(err)
	}
	return tc
}

func grokCred() gateway.Credential {
	return gateway.Credential{
		Fingerprint: gateway.Fingerprint("xai-test"),
		Vendor:      gateway.VendorGrok,
		Secret:      "xai-test",
		Models:      []string{"grok-3-beta"},
	}
}

func hiRequest(model string) *gateway.ChatRequest {
	return &gateway.ChatRequest{
		Model:    model,
		Messages: []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}
}

func TestPrepareStripsReasoningParams(t *testing.T) {
	t.Parallel()

	temp, topP, pen := 0.7, 0.9, 0.5
	lp, top := true, 3

	tests := []struct {
		name      string
		client    *Client
		model     string
		wantStrip bool
	}{
		{name: "grok reasoning model", client: NewGrok("", nil), model: "grok-3-beta", wantStrip: true},
		{name: "grok chat model", client: NewGrok("", nil), model: "grok-2-latest"},
		{name: "deepseek untouched", client: NewDeepseek("", nil), model: "grok-3-beta"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := hiRequest(tt.model)
			req.Temperature, req.TopP = &temp, &topP
			req.PresencePenalty, req.FrequencyPenalty = &pen, &pen
			req.Logprobs, req.TopLogprobs = &lp, &top

			if err := tt.client.Prepare(req); err != nil {
				t.Fatal(err)
			}
			stripped := req.Temperature == nil && req.TopP == nil &&
				req.PresencePenalty == nil && req.FrequencyPenalty == nil &&
				req.Logprobs == nil && req.TopLogprobs == nil
			kept := req.Temperature != nil && req.TopP != nil &&
				req.PresencePenalty != nil && req.FrequencyPenalty != nil &&
				req.Logprobs != nil && req.TopLogprobs != nil
			if tt.wantStrip && !stripped {
				t.Errorf("params not stripped: %+v", req)
			}
			if !tt.wantStrip && !kept {
				t.Errorf("params unexpectedly stripped: %+v", req)
			}
		})
	}
}

func TestPrepareRequiresModel(t *testing.T) {
	t.Parallel()
	err := NewDeepseek("", nil).Prepare(hiRequest(""))
	if !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}

func TestChatCompletion(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/chat/completions" {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer xai-test" {
			t.Error("missing or wrong Authorization header")
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Error("missing Content-Type header")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.ChatResponse{
			ID:     "chatcmpl-1",
			Object: "chat.completion",
			Model:  "grok-3-beta",
			Choices: []gateway.Choice{{
				Message:      gateway.Message{Role: "assistant", Content: json.RawMessage(`"Hello!"`)},
				FinishReason: "stop",
			}},
			Usage: &gateway.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
		})
	}))
	defer srv.Close()

	client := NewGrok(srv.URL+"/v1", testClients(t))
	resp, err := client.ChatCompletion(context.Background(), grokCred(), hiRequest("grok-3-beta"))
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Model != "grok-3-beta" {
		t.Errorf("model = %q", resp.Model)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 8 {
		t.Errorf("usage = %v", resp.Usage)
	}
}

func TestChatCompletionHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"Incorrect API key provided"}`)
	}))
	defer srv.Close()

	client := NewGrok(srv.URL, testClients(t))
	_, err := client.ChatCompletion(context.Background(), grokCred(), hiRequest("grok-3-beta"))
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *provider.APIError", err)
	}
	if apiErr.StatusCode != 401 || apiErr.Vendor != gateway.VendorGrok {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestChatCompletionUntranslatable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"object":"chat.completion","note":"no choices"}`)
	}))
	defer srv.Close()

	client := NewDeepseek(srv.URL, testClients(t))
	cred := gateway.Credential{Fingerprint: "fp", Vendor: gateway.VendorDeepseek, Secret: "sk"}
	_, err := client.ChatCompletion(context.Background(), cred, hiRequest("deepseek-chat"))
	if !errors.Is(err, gateway.ErrTranslation) {
		t.Fatalf("err = %v, want ErrTranslation", err)
	}
	var te *provider.TranslationError
	if errors.As(err, &te) && te.Shape != "{note,object}" {
		t.Errorf("Shape = %q", te.Shape)
	}
}

func TestChatCompletionStream(t *testing.T) {
	t.Parallel()

	sseBody := "data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"delta\":{\"content\":\"Hello\"},\"index\":0}]}\n\n" +
		"data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"delta\":{\"content\":\" world\"},\"index\":0}],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":5,\"total_tokens\":15}}\n\n" +
		"data: [DONE]\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var req gateway.ChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Errorf("stream flags not set: %s", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody)
	}))
	defer srv.Close()

	client := NewDeepseek(srv.URL, testClients(t))
	cred := gateway.Credential{Fingerprint: "fp-ds", Vendor: gateway.VendorDeepseek, Secret: "sk-ds"}
	ch, err := client.ChatCompletionStream(context.Background(), cred, hiRequest("deepseek-chat"))
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	var chunks []gateway.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if !chunks[2].Done {
		t.Error("last chunk should be Done")
	}
	if chunks[1].Usage == nil || chunks[1].Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", chunks[1].Usage)
	}
}

func TestChatCompletionStreamHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	client := NewDeepseek(srv.URL, testClients(t))
	cred := gateway.Credential{Fingerprint: "fp-ds", Vendor: gateway.VendorDeepseek, Secret: "sk-ds"}
	_, err := client.ChatCompletionStream(context.Background(), cred, hiRequest("deepseek-chat"))
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 429 {
		t.Fatalf("err = %v, want 429 APIError", err)
	}
}

func TestChatCompletionStreamContextCancel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"1\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewGrok(srv.URL, testClients(t))
	ch, err := client.ChatCompletionStream(ctx, grokCred(), hiRequest("grok-3-beta"))
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}
	if chunk := <-ch; len(chunk.Data) == 0 {
		t.Error("expected data in first chunk")
	}
	cancel()
	for range ch {
	}
}

func TestVendor(t *testing.T) {
	t.Parallel()
	if NewGrok("", nil).Vendor() != gateway.VendorGrok {
		t.Error("grok vendor")
	}
	if c := NewDeepseek("", nil); c.Vendor() != gateway.VendorDeepseek || c.baseURL != DeepseekBaseURL {
		t.Errorf("deepseek client = %+v", c)
	}
}
