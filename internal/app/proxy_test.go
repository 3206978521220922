package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/admission"
	"github.com/eugener/keyrelay/internal/keypool"
	"github.com/eugener/keyrelay/internal/provider"
	"github.com/eugener/keyrelay/internal/testutil"
)

type countingAdmitter struct {
	err      error
	admitted atomic.Int32
	released atomic.Int32
}

func (a *countingAdmitter) Admit(context.Context, gateway.Vendor, string) (func(), error) {
	if a.err != nil {
		return nil, a.err
	}
	a.admitted.Add(1)
	var once sync.Once
	return func() { once.Do(func() { a.released.Add(1) }) }, nil
}

type fixture struct {
	ps     *ProxyService
	pool   *keypool.Pool
	adm    *countingAdmitter
	events *testutil.EventLog[gateway.KeyEvent]
	usage  *testutil.EventLog[gateway.UsageRecord]
}

func newFixture(t *testing.T, p gateway.Provider, creds ...gateway.Credential) *fixture {
	t.Helper()
	pool, err := keypool.New(creds)
	if err != nil {
		t.Fatal(err)
	}
	reg := provider.NewRegistry()
	reg.Register(p)
	f := &fixture{
		pool:   pool,
		adm:    &countingAdmitter{},
		events: &testutil.EventLog[gateway.KeyEvent]{},
		usage:  &testutil.EventLog[gateway.UsageRecord]{},
	}
	f.ps = NewProxyService(reg, pool, f.adm, Options{Events: f.events, Usage: f.usage})
	return f
}

func (f *fixture) cred(t *testing.T, secret string) gateway.Credential {
	t.Helper()
	c, ok := f.pool.Get(gateway.Fingerprint(secret))
	if !ok {
		t.Fatalf("key %q not in pool", secret)
	}
	return c
}

func grokReq() *gateway.ChatRequest {
	return &gateway.ChatRequest{
		Model:    "grok-2",
		Messages: []gateway.Message{{Role: "user", Content: []byte(`"hi"`)}},
	}
}

func TestChatCompletionRotatesKeys(t *testing.T) {
	t.Parallel()

	fp := &testutil.FakeProvider{VendorName: gateway.VendorGrok}
	f := newFixture(t, fp,
		testutil.Credential(gateway.VendorGrok, "xai-1", "grok-2"),
		testutil.Credential(gateway.VendorGrok, "xai-2", "grok-2"),
	)

	for range 3 {
		resp, err := f.ps.ChatCompletion(context.Background(), gateway.VendorGrok, "10.0.0.1", grokReq())
		if err != nil {
			t.Fatalf("ChatCompletion: %v", err)
		}
		if resp.ID != "chatcmpl-fake" {
			t.Errorf("id = %q", resp.ID)
		}
	}

	want := []string{
		gateway.Fingerprint("xai-1"),
		gateway.Fingerprint("xai-2"),
		gateway.Fingerprint("xai-1"),
	}
	got := fp.Calls()
	if len(got) != len(want) {
		t.Fatalf("calls = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d used %s, want %s", i, gateway.ShortFingerprint(got[i]), gateway.ShortFingerprint(want[i]))
		}
	}
	if f.adm.released.Load() != 3 {
		t.Errorf("released = %d, want 3", f.adm.released.Load())
	}

	rows := f.usage.Rows()
	if len(rows) != 3 {
		t.Fatalf("usage rows = %d, want 3", len(rows))
	}
	if rows[0].TotalTokens != 4 || rows[0].StatusCode != http.StatusOK || rows[0].Stream {
		t.Errorf("usage row = %+v", rows[0])
	}
}

func TestChatCompletionPreparesBeforeSelection(t *testing.T) {
	t.Parallel()

	fp := &testutil.FakeProvider{
		VendorName: gateway.VendorGoogleAI,
		PrepareFn: func(req *gateway.ChatRequest) error {
			req.Model = strings.TrimPrefix(req.Model, "models/")
			return nil
		},
	}
	f := newFixture(t, fp, testutil.Credential(gateway.VendorGoogleAI, "goog-1", "gemini-pro"))

	req := &gateway.ChatRequest{Model: "models/gemini-pro"}
	resp, err := f.ps.ChatCompletion(context.Background(), gateway.VendorGoogleAI, "c", req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Model != "gemini-pro" {
		t.Errorf("model = %q, want gemini-pro", resp.Model)
	}
	if req.Model != "models/gemini-pro" {
		t.Error("caller request must not be mutated")
	}
}

func TestChatCompletionUpstreamFeedback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		err           error
		wantErr       error
		wantDisabled  bool
		wantRevoked   bool
		wantOverQuota bool
		wantLimited   bool
		wantEvent     string
	}{
		{
			name:         "401 revokes",
			err:          &provider.APIError{Vendor: gateway.VendorGrok, StatusCode: 401, Body: `{"error":"bad key"}`},
			wantErr:      gateway.ErrCredentialRevoked,
			wantDisabled: true,
			wantRevoked:  true,
			wantEvent:    "invalid",
		},
		{
			name:          "402 exhausts quota",
			err:           &provider.APIError{Vendor: gateway.VendorGrok, StatusCode: 402},
			wantErr:       gateway.ErrQuotaExceeded,
			wantDisabled:  true,
			wantOverQuota: true,
			wantEvent:     "quota",
		},
		{
			name:          "grok credits body exhausts quota",
			err:           &provider.APIError{Vendor: gateway.VendorGrok, StatusCode: 403, Body: `{"error":"You have run out of credits"}`},
			wantErr:       gateway.ErrUpstream,
			wantDisabled:  true,
			wantOverQuota: true,
			wantEvent:     "quota",
		},
		{
			name:        "429 flags rate limit",
			err:         &provider.APIError{Vendor: gateway.VendorGrok, StatusCode: 429},
			wantErr:     gateway.ErrRateLimited,
			wantLimited: true,
			wantEvent:   "rate_limited",
		},
		{
			name:    "timeout leaves state",
			err:     fmt.Errorf("grok: do request: %w", context.DeadlineExceeded),
			wantErr: gateway.ErrUpstreamTimeout,
		},
		{
			name:    "transport failure leaves state",
			err:     errors.New("grok: do request: connection refused"),
			wantErr: gateway.ErrNetworkFailure,
		},
		{
			name:    "server error leaves state",
			err:     &provider.APIError{Vendor: gateway.VendorGrok, StatusCode: 500},
			wantErr: gateway.ErrUpstream,
		},
		{
			name:         "malformed secret revokes",
			err:          fmt.Errorf("grok: build transport: %w", fmt.Errorf("cloudauth: %w", gateway.ErrCredentialInvalid)),
			wantErr:      gateway.ErrCredentialRevoked,
			wantDisabled: true,
			wantRevoked:  true,
			wantEvent:    "invalid",
		},
		{
			name:    "caller bad request leaves state",
			err:     fmt.Errorf("aws: translate request: %w: at least one user or assistant message is required", gateway.ErrBadRequest),
			wantErr: gateway.ErrBadRequest,
		},
		{
			name:    "translation failure leaves state",
			err:     provider.NewTranslationError(gateway.VendorGrok, []byte(`{"note":"x"}`), provider.MissingField("choices")),
			wantErr: gateway.ErrTranslation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fp := &testutil.FakeProvider{
				VendorName: gateway.VendorGrok,
				ChatFn: func(context.Context, gateway.Credential, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
					return nil, tt.err
				},
			}
			f := newFixture(t, fp, testutil.Credential(gateway.VendorGrok, "xai-1", "grok-2"))

			_, err := f.ps.ChatCompletion(context.Background(), gateway.VendorGrok, "c", grokReq())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}

			c := f.cred(t, "xai-1")
			if c.Disabled != tt.wantDisabled || c.Revoked != tt.wantRevoked ||
				c.OverQuota != tt.wantOverQuota || c.RateLimited != tt.wantLimited {
				t.Errorf("state = disabled:%v revoked:%v quota:%v limited:%v",
					c.Disabled, c.Revoked, c.OverQuota, c.RateLimited)
			}

			events := f.events.Rows()
			if tt.wantEvent == "" {
				if len(events) != 0 {
					t.Errorf("events = %+v, want none", events)
				}
			} else if len(events) != 1 || events[0].Outcome != tt.wantEvent || events[0].Source != "pipeline" {
				t.Errorf("events = %+v, want one %s event", events, tt.wantEvent)
			}
			if f.adm.released.Load() != 1 {
				t.Error("admission slot not released")
			}
		})
	}
}

func TestChatCompletionErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bad request", fmt.Errorf("aws: translate request: %w", gateway.ErrBadRequest), http.StatusBadRequest},
		{"revoked key", &provider.APIError{Vendor: gateway.VendorGrok, StatusCode: 401}, http.StatusBadGateway},
		{"quota", &provider.APIError{Vendor: gateway.VendorGrok, StatusCode: 402}, http.StatusBadGateway},
		{"malformed secret", fmt.Errorf("cloudauth: %w", gateway.ErrCredentialInvalid), http.StatusBadGateway},
		{"transport", errors.New("connection reset"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fp := &testutil.FakeProvider{
				VendorName: gateway.VendorGrok,
				ChatFn: func(context.Context, gateway.Credential, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
					return nil, tt.err
				},
			}
			f := newFixture(t, fp, testutil.Credential(gateway.VendorGrok, "xai-1", "grok-2"))

			_, err := f.ps.ChatCompletion(context.Background(), gateway.VendorGrok, "c", grokReq())
			if got := ErrorStatus(err); got != tt.want {
				t.Errorf("status = %d, want %d (err = %v)", got, tt.want, err)
			}
			if tt.want == http.StatusBadRequest && errors.Is(err, gateway.ErrNetworkFailure) {
				t.Errorf("caller error reported as network failure: %v", err)
			}
		})
	}
}

func TestChatCompletionCallerLeavesQueue(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	unblock := make(chan struct{})
	fp := &testutil.FakeProvider{
		VendorName: gateway.VendorGrok,
		ChatFn: func(context.Context, gateway.Credential, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
			close(started)
			<-unblock
			return &gateway.ChatResponse{ID: "first", Object: "chat.completion"}, nil
		},
	}
	pool, err := keypool.New([]gateway.Credential{testutil.Credential(gateway.VendorGrok, "xai-1", "grok-2")})
	if err != nil {
		t.Fatal(err)
	}
	adm := admission.New(pool, gateway.Vendors, admission.Options{MaxInFlight: 1, MaxWait: 5 * time.Second})
	pool.OnChange(adm.Notify)
	reg := provider.NewRegistry()
	reg.Register(fp)
	ps := NewProxyService(reg, pool, adm, Options{})

	first := make(chan error, 1)
	go func() {
		_, err := ps.ChatCompletion(context.Background(), gateway.VendorGrok, "10.0.0.1", grokReq())
		first <- err
	}()
	<-started

	q := adm.Queue(gateway.VendorGrok)
	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	go func() {
		_, err := ps.ChatCompletion(ctx, gateway.VendorGrok, "10.0.0.2", grokReq())
		second <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for q.Depth() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("depth = %d, want 1", q.Depth())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-second; !errors.Is(err, context.Canceled) {
		t.Fatalf("queued caller err = %v, want context.Canceled", err)
	}
	if q.Depth() != 0 {
		t.Errorf("depth = %d after cancel, want 0", q.Depth())
	}

	close(unblock)
	if err := <-first; err != nil {
		t.Fatalf("first request: %v", err)
	}
	if n := len(fp.Calls()); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
	if q.InFlight() != 0 {
		t.Errorf("inFlight = %d, want 0", q.InFlight())
	}
}

func TestChatCompletionRevokedKeyNotReused(t *testing.T) {
	t.Parallel()

	bad := gateway.Fingerprint("xai-bad")
	fp := &testutil.FakeProvider{
		VendorName: gateway.VendorGrok,
		ChatFn: func(_ context.Context, cred gateway.Credential, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
			if cred.Fingerprint == bad {
				return nil, &provider.APIError{Vendor: gateway.VendorGrok, StatusCode: 401}
			}
			return &gateway.ChatResponse{ID: "ok", Model: req.Model}, nil
		},
	}
	f := newFixture(t, fp,
		testutil.Credential(gateway.VendorGrok, "xai-bad", "grok-2"),
		testutil.Credential(gateway.VendorGrok, "xai-good", "grok-2"),
	)

	if _, err := f.ps.ChatCompletion(context.Background(), gateway.VendorGrok, "c", grokReq()); err == nil {
		t.Fatal("expected first call to fail with the bad key")
	}
	for range 3 {
		resp, err := f.ps.ChatCompletion(context.Background(), gateway.VendorGrok, "c", grokReq())
		if err != nil {
			t.Fatalf("ChatCompletion: %v", err)
		}
		if resp.ID != "ok" {
			t.Errorf("id = %q", resp.ID)
		}
	}
	if n := f.pool.Usable(gateway.VendorGrok); n != 1 {
		t.Errorf("usable = %d, want 1", n)
	}
}

func TestChatCompletionNoUsableKey(t *testing.T) {
	t.Parallel()

	fp := &testutil.FakeProvider{VendorName: gateway.VendorGrok}
	f := newFixture(t, fp, testutil.Credential(gateway.VendorGrok, "xai-1", "grok-beta"))

	_, err := f.ps.ChatCompletion(context.Background(), gateway.VendorGrok, "c", grokReq())
	if !errors.Is(err, gateway.ErrNoUsableKey) {
		t.Fatalf("err = %v, want ErrNoUsableKey", err)
	}
	if len(fp.Calls()) != 0 {
		t.Error("upstream must not be contacted without a key")
	}
	if f.adm.admitted.Load() != f.adm.released.Load() {
		t.Error("slot leaked after selection failure")
	}
	if got := ErrorStatus(err); got != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", got)
	}
}

func TestChatCompletionAdmissionRejected(t *testing.T) {
	t.Parallel()

	fp := &testutil.FakeProvider{VendorName: gateway.VendorGrok}
	f := newFixture(t, fp, testutil.Credential(gateway.VendorGrok, "xai-1", "grok-2"))
	f.adm.err = fmt.Errorf("admission: %w", gateway.ErrCapacityTimeout)

	_, err := f.ps.ChatCompletion(context.Background(), gateway.VendorGrok, "c", grokReq())
	if !errors.Is(err, gateway.ErrCapacityTimeout) {
		t.Fatalf("err = %v", err)
	}
	if len(fp.Calls()) != 0 {
		t.Error("upstream contacted after admission failure")
	}
}

func TestChatCompletionUnknownVendor(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &testutil.FakeProvider{VendorName: gateway.VendorGrok})
	_, err := f.ps.ChatCompletion(context.Background(), gateway.VendorDeepseek, "c", grokReq())
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestChatCompletionModelDenied(t *testing.T) {
	t.Parallel()

	fp := &testutil.FakeProvider{
		VendorName: gateway.VendorAWS,
		ChatFn: func(context.Context, gateway.Credential, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
			return nil, &provider.APIError{Vendor: gateway.VendorAWS, StatusCode: 403, Body: "AccessDeniedException: no access"}
		},
	}
	f := newFixture(t, fp, testutil.Credential(gateway.VendorAWS, "AKID:secret:us-east-1",
		"anthropic.claude-3-haiku-20240307-v1:0", "mistral.mistral-large-2402-v1:0"))

	req := &gateway.ChatRequest{Model: "anthropic.claude-3-haiku-20240307-v1:0"}
	if _, err := f.ps.ChatCompletion(context.Background(), gateway.VendorAWS, "c", req); !errors.Is(err, gateway.ErrUpstream) {
		t.Fatalf("err = %v", err)
	}

	c := f.cred(t, "AKID:secret:us-east-1")
	if c.Disabled {
		t.Error("model denial must not disable the key")
	}
	if len(c.Models) != 1 || c.Models[0] != "mistral.mistral-large-2402-v1:0" {
		t.Errorf("models = %v", c.Models)
	}
}

func TestChatCompletionSuccessClearsRateLimited(t *testing.T) {
	t.Parallel()

	fp := &testutil.FakeProvider{VendorName: gateway.VendorGrok}
	f := newFixture(t, fp, testutil.Credential(gateway.VendorGrok, "xai-1", "grok-2"))
	f.pool.Update(gateway.Fingerprint("xai-1"), gateway.CredentialUpdate{RateLimited: gateway.Ptr(true)})

	if _, err := f.ps.ChatCompletion(context.Background(), gateway.VendorGrok, "c", grokReq()); err != nil {
		t.Fatal(err)
	}
	if f.cred(t, "xai-1").RateLimited {
		t.Error("rate-limited flag should clear on success")
	}
}

func collect(t *testing.T, ch <-chan gateway.StreamChunk) []gateway.StreamChunk {
	t.Helper()
	var out []gateway.StreamChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestChatCompletionStream(t *testing.T) {
	t.Parallel()

	fp := &testutil.FakeProvider{
		VendorName: gateway.VendorGrok,
		StreamFn: func(context.Context, gateway.Credential, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
			return testutil.FakeStreamChan(
				gateway.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"He"}}]}`)},
				gateway.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"llo"}}]}`)},
				gateway.StreamChunk{Data: []byte(`{"choices":[],"usage":{}}`), Usage: &gateway.Usage{PromptTokens: 2, CompletionTokens: 2, TotalTokens: 4}},
			), nil
		},
	}
	f := newFixture(t, fp, testutil.Credential(gateway.VendorGrok, "xai-1", "grok-2"))

	req := grokReq()
	req.Stream = true
	ch, err := f.ps.ChatCompletionStream(context.Background(), gateway.VendorGrok, "c", req)
	if err != nil {
		t.Fatal(err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(chunks))
	}
	if !chunks[3].Done {
		t.Error("last chunk should be Done")
	}
	if f.adm.released.Load() != 1 {
		t.Error("slot not released after stream end")
	}
	rows := f.usage.Rows()
	if len(rows) != 1 || !rows[0].Stream || rows[0].TotalTokens != 4 {
		t.Errorf("usage = %+v", rows)
	}
}

func TestChatCompletionStreamMidStreamError(t *testing.T) {
	t.Parallel()

	fp := &testutil.FakeProvider{
		VendorName: gateway.VendorGrok,
		StreamFn: func(context.Context, gateway.Credential, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
			ch := make(chan gateway.StreamChunk, 2)
			ch <- gateway.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"x"}}]}`)}
			ch <- gateway.StreamChunk{Err: &provider.APIError{Vendor: gateway.VendorGrok, StatusCode: 402}}
			close(ch)
			return ch, nil
		},
	}
	f := newFixture(t, fp, testutil.Credential(gateway.VendorGrok, "xai-1", "grok-2"))

	ch, err := f.ps.ChatCompletionStream(context.Background(), gateway.VendorGrok, "c", grokReq())
	if err != nil {
		t.Fatal(err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if !errors.Is(chunks[1].Err, gateway.ErrUpstream) {
		t.Errorf("err = %v, want ErrUpstream", chunks[1].Err)
	}
	if c := f.cred(t, "xai-1"); !c.OverQuota || !c.Disabled {
		t.Errorf("key should be over quota: %+v", c)
	}
	if f.adm.released.Load() != 1 {
		t.Error("slot not released after stream error")
	}
}

func TestChatCompletionStreamStartError(t *testing.T) {
	t.Parallel()

	fp := &testutil.FakeProvider{
		VendorName: gateway.VendorGrok,
		StreamFn: func(context.Context, gateway.Credential, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
			return nil, &provider.APIError{Vendor: gateway.VendorGrok, StatusCode: 429}
		},
	}
	f := newFixture(t, fp, testutil.Credential(gateway.VendorGrok, "xai-1", "grok-2"))

	_, err := f.ps.ChatCompletionStream(context.Background(), gateway.VendorGrok, "c", grokReq())
	if !errors.Is(err, gateway.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if !f.cred(t, "xai-1").RateLimited {
		t.Error("key should be flagged rate limited")
	}
	if f.adm.released.Load() != 1 {
		t.Error("slot not released")
	}
}

func TestChatCompletionStreamCallerGone(t *testing.T) {
	t.Parallel()

	in := make(chan gateway.StreamChunk)
	fp := &testutil.FakeProvider{
		VendorName: gateway.VendorGrok,
		StreamFn: func(context.Context, gateway.Credential, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
			return in, nil
		},
	}
	f := newFixture(t, fp, testutil.Credential(gateway.VendorGrok, "xai-1", "grok-2"))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.ps.ChatCompletionStream(ctx, gateway.VendorGrok, "c", grokReq())
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	collect(t, ch)
	if f.adm.released.Load() != 1 {
		t.Error("slot not released after caller went away")
	}
	if c := f.cred(t, "xai-1"); c.Disabled || c.RateLimited {
		t.Error("caller cancellation must not change key state")
	}
}

func TestNative(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		body        string
		wantRevoked bool
	}{
		{name: "ok", status: http.StatusOK, body: `{"candidates":[]}`},
		{name: "forbidden revokes", status: http.StatusForbidden, body: `{"error":{"status":"PERMISSION_DENIED"}}`, wantRevoked: true},
		{name: "bad request passes through", status: http.StatusBadRequest, body: `{"error":{"message":"bad field"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, &testutil.FakeProvider{VendorName: gateway.VendorGoogleAI},
				testutil.Credential(gateway.VendorGoogleAI, "goog-1", "gemini-pro"))

			var used string
			resp, release, err := f.ps.Native(context.Background(), gateway.VendorGoogleAI, "c", "gemini-pro",
				func(_ context.Context, cred gateway.Credential) (*http.Response, error) {
					used = cred.Fingerprint
					return &http.Response{
						StatusCode: tt.status,
						Header:     http.Header{"Content-Type": {"application/json"}},
						Body:       io.NopCloser(strings.NewReader(tt.body)),
					}, nil
				})
			if err != nil {
				t.Fatal(err)
			}
			defer release()

			if used != gateway.Fingerprint("goog-1") {
				t.Error("native call did not receive the selected key")
			}
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d", resp.StatusCode)
			}
			body, _ := io.ReadAll(resp.Body)
			if string(body) != tt.body {
				t.Errorf("body = %q", body)
			}
			if got := f.cred(t, "goog-1").Revoked; got != tt.wantRevoked {
				t.Errorf("revoked = %v, want %v", got, tt.wantRevoked)
			}
		})
	}
}

func TestNativeTransportError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &testutil.FakeProvider{VendorName: gateway.VendorGoogleAI},
		testutil.Credential(gateway.VendorGoogleAI, "goog-1", "gemini-pro"))

	_, _, err := f.ps.Native(context.Background(), gateway.VendorGoogleAI, "c", "gemini-pro",
		func(context.Context, gateway.Credential) (*http.Response, error) {
			return nil, errors.New("dial tcp: connection refused")
		})
	if !errors.Is(err, gateway.ErrNetworkFailure) {
		t.Fatalf("err = %v", err)
	}
	if f.adm.released.Load() != 1 {
		t.Error("slot not released")
	}
}

func TestErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{gateway.ErrNoUsableKey, 503},
		{gateway.ErrCapacityTimeout, 503},
		{gateway.ErrRateLimited, 429},
		{gateway.ErrUpstreamTimeout, 504},
		{gateway.ErrNetworkFailure, 502},
		{gateway.ErrUpstream, 502},
		{gateway.ErrTranslation, 500},
		{gateway.ErrBadRequest, 400},
		{gateway.ErrNotFound, 404},
		{gateway.ErrUnauthorized, 401},
		{&provider.APIError{StatusCode: 400}, 400},
		{&provider.APIError{StatusCode: 503}, 502},
		{errors.New("boom"), 500},
	}
	for _, tt := range tests {
		if got := ErrorStatus(tt.err); got != tt.want {
			t.Errorf("ErrorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
