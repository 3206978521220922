package sseutil

import (
	"encoding/json"
	"testing"

	gateway "github.com/eugener/keyrelay/internal"
)

var meta = ChunkMeta{ID: "goo-1", Model: "gemini-1.5-pro-latest", Created: 1700000000}

func decodeChunk(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var parsed map[string]any
	if err := json.Unmarshal(b, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed["object"] != "chat.completion.chunk" {
		t.Errorf("object = %v", parsed["object"])
	}
	if parsed["id"] != meta.ID || parsed["model"] != meta.Model {
		t.Errorf("id/model = %v/%v", parsed["id"], parsed["model"])
	}
	if parsed["created"] != float64(meta.Created) {
		t.Errorf("created = %v", parsed["created"])
	}
	return parsed
}

func TestDelta(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		delta        map[string]any
		finishReason string
		wantFinish   any
	}{
		{name: "content without finish", delta: map[string]any{"content": "Hello"}, wantFinish: nil},
		{name: "content with finish", delta: map[string]any{"content": " world"}, finishReason: "stop", wantFinish: "stop"},
		{name: "role", delta: map[string]any{"role": "assistant"}, wantFinish: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			parsed := decodeChunk(t, meta.Delta(tt.delta, tt.finishReason))
			choices := parsed["choices"].([]any)
			if len(choices) != 1 {
				t.Fatalf("choices len = %d, want 1", len(choices))
			}
			choice := choices[0].(map[string]any)
			if choice["finish_reason"] != tt.wantFinish {
				t.Errorf("finish_reason = %v, want %v", choice["finish_reason"], tt.wantFinish)
			}
		})
	}
}

func TestToolCallDelta(t *testing.T) {
	t.Parallel()

	parsed := decodeChunk(t, meta.ToolCallDelta(0, `{"name":"foo"}`))
	choice := parsed["choices"].([]any)[0].(map[string]any)
	toolCalls := choice["delta"].(map[string]any)["tool_calls"].([]any)
	if len(toolCalls) != 1 {
		t.Fatalf("tool_calls len = %d, want 1", len(toolCalls))
	}
	fn := toolCalls[0].(map[string]any)["function"].(map[string]any)
	if fn["arguments"] != `{"name":"foo"}` {
		t.Errorf("arguments = %v", fn["arguments"])
	}
}

func TestFinish(t *testing.T) {
	t.Parallel()

	parsed := decodeChunk(t, meta.Finish("length"))
	choice := parsed["choices"].([]any)[0].(map[string]any)
	if choice["finish_reason"] != "length" {
		t.Errorf("finish_reason = %v, want length", choice["finish_reason"])
	}
	if delta := choice["delta"].(map[string]any); len(delta) != 0 {
		t.Errorf("delta should be empty, got %v", delta)
	}
}

func TestUsage(t *testing.T) {
	t.Parallel()

	parsed := decodeChunk(t, meta.Usage(&gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}))
	if choices := parsed["choices"].([]any); len(choices) != 0 {
		t.Errorf("choices should be empty, got %d", len(choices))
	}
	u := parsed["usage"].(map[string]any)
	if u["prompt_tokens"] != float64(10) || u["completion_tokens"] != float64(5) || u["total_tokens"] != float64(15) {
		t.Errorf("usage = %v", u)
	}
}

func TestNilOrString(t *testing.T) {
	t.Parallel()
	if v := NilOrString(""); v != nil {
		t.Errorf("NilOrString(\"\") = %v, want nil", v)
	}
	if v := NilOrString("stop"); v != "stop" {
		t.Errorf("NilOrString(\"stop\") = %v, want \"stop\"", v)
	}
}
