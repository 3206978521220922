package sseutil

import (
	"encoding/json"

	gateway "github.com/eugener/keyrelay/internal"
)

// ChunkMeta carries the fields repeated on every canonical stream chunk.
type ChunkMeta struct {
	ID      string
	Model   string
	Created int64
}

func (m ChunkMeta) envelope(choices []map[string]any) map[string]any {
	return map[string]any{
		"id":      m.ID,
		"object":  "chat.completion.chunk",
		"created": m.Created,
		"model":   m.Model,
		"choices": choices,
	}
}

// Delta builds a canonical streaming chunk carrying delta.
func (m ChunkMeta) Delta(delta map[string]any, finishReason string) []byte {
	b, _ := json.Marshal(m.envelope([]map[string]any{{
		"index":         0,
		"delta":         delta,
		"finish_reason": NilOrString(finishReason),
	}}))
	return b
}

// ToolCallDelta builds a chunk carrying a tool call argument fragment.
func (m ChunkMeta) ToolCallDelta(index int, argumentsDelta string) []byte {
	return m.Delta(map[string]any{
		"tool_calls": []map[string]any{{
			"index": index,
			"function": map[string]any{
				"arguments": argumentsDelta,
			},
		}},
	}, "")
}

// Finish builds a chunk with an empty delta and finish_reason set.
func (m ChunkMeta) Finish(finishReason string) []byte {
	return m.Delta(map[string]any{}, finishReason)
}

// Usage builds a choice-less chunk with usage statistics.
func (m ChunkMeta) Usage(usage *gateway.Usage) []byte {
	env := m.envelope([]map[string]any{})
	env["usage"] = usage
	b, _ := json.Marshal(env)
	return b
}

// NilOrString returns nil if s is empty, otherwise s.
func NilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
