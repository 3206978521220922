// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"sync"

	gateway "github.com/eugener/keyrelay/internal"
)

// FakeProvider is a configurable gateway.Provider for testing.
type FakeProvider struct {
	VendorName gateway.Vendor
	PrepareFn  func(req *gateway.ChatRequest) error
	ChatFn     func(ctx context.Context, cred gateway.Credential, req *gateway.ChatRequest) (*gateway.ChatResponse, error)
	StreamFn   func(ctx context.Context, cred gateway.Credential, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error)

	mu    sync.Mutex
	calls []string // fingerprints in call order
}

// Vendor returns the configured vendor.
func (f *FakeProvider) Vendor() gateway.Vendor { return f.VendorName }

// Prepare delegates to PrepareFn or accepts the request unchanged.
func (f *FakeProvider) Prepare(req *gateway.ChatRequest) error {
	if f.PrepareFn != nil {
		return f.PrepareFn(req)
	}
	return nil
}

// ChatCompletion delegates to ChatFn or returns a default response.
func (f *FakeProvider) ChatCompletion(ctx context.Context, cred gateway.Credential, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	f.record(cred)
	if f.ChatFn != nil {
		return f.ChatFn(ctx, cred, req)
	}
	return &gateway.ChatResponse{
		ID:      "chatcmpl-fake",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   req.Model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: "assistant", Content: []byte(`"hello"`)},
			FinishReason: "stop",
		}},
		Usage: &gateway.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
	}, nil
}

// ChatCompletionStream delegates to StreamFn or returns an upstream error.
func (f *FakeProvider) ChatCompletionStream(ctx context.Context, cred gateway.Credential, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	f.record(cred)
	if f.StreamFn != nil {
		return f.StreamFn(ctx, cred, req)
	}
	return nil, gateway.ErrUpstream
}

// Calls returns the fingerprints of the credentials used so far.
func (f *FakeProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeProvider) record(cred gateway.Credential) {
	f.mu.Lock()
	f.calls = append(f.calls, cred.Fingerprint)
	f.mu.Unlock()
}

// FakeStreamChan returns a channel pre-loaded with the given chunks, followed
// by a Done sentinel. The channel is closed after all chunks are sent.
func FakeStreamChan(chunks ...gateway.StreamChunk) <-chan gateway.StreamChunk {
	ch := make(chan gateway.StreamChunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	ch <- gateway.StreamChunk{Done: true}
	close(ch)
	return ch
}

// Credential returns an enabled credential for vendor with the given secret
// and capability set.
func Credential(vendor gateway.Vendor, secret string, models ...string) gateway.Credential {
	return gateway.Credential{
		Fingerprint: gateway.Fingerprint(secret),
		Vendor:      vendor,
		Secret:      gateway.Secret(secret),
		Models:      models,
	}
}

// EventLog collects recorded rows in memory. It satisfies the event and
// usage sink interfaces used by the checker and the proxy pipeline.
type EventLog[T any] struct {
	mu   sync.Mutex
	rows []T
}

// Record appends row.
func (l *EventLog[T]) Record(row T) {
	l.mu.Lock()
	l.rows = append(l.rows, row)
	l.mu.Unlock()
}

// Rows returns a copy of the recorded rows.
func (l *EventLog[T]) Rows() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]T(nil), l.rows...)
}
