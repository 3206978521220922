// Package tokencount estimates token usage for vendors that omit it from
// their responses. Uses a character-based heuristic (~4 chars per token for
// English), close enough for usage bookkeeping.
package tokencount

import (
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/keyrelay/internal"
)

const (
	// perMessage covers the role marker and turn separators Gemini adds
	// around every content entry.
	perMessage = 4
	// perImage is Gemini's flat charge for an inline image part.
	perImage = 258
)

// Estimator approximates prompt and completion token counts.
type Estimator struct{}

// New returns an Estimator.
func New() *Estimator { return &Estimator{} }

// Prompt estimates the token count of an OpenAI-style message list.
// Content may be a plain string or an array of text and image_url parts.
func (e *Estimator) Prompt(messages []gateway.Message) int {
	total := 0
	for _, m := range messages {
		total += perMessage + estimate(m.Role) + contentTokens(m.Content)
		if m.Name != "" {
			total += estimate(m.Name) + 1
		}
		if len(m.ToolCalls) > 0 {
			total += estimate(string(m.ToolCalls))
		}
		if m.ToolCallID != "" {
			total += estimate(m.ToolCallID)
		}
	}
	return max(total, 1)
}

// Completion estimates the token count of generated text.
func (e *Estimator) Completion(text string) int {
	return max(estimate(text), 1)
}

// Usage builds a usage block from a prompt and the generated text.
func (e *Estimator) Usage(messages []gateway.Message, text string) *gateway.Usage {
	prompt := e.Prompt(messages)
	completion := e.Completion(text)
	return &gateway.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func contentTokens(raw []byte) int {
	if len(raw) == 0 {
		return 0
	}
	c := gjson.ParseBytes(raw)
	switch {
	case c.Type == gjson.String:
		return estimate(c.Str)
	case c.IsArray():
		n := 0
		c.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").Str {
			case "text":
				n += estimate(part.Get("text").Str)
			case "image_url":
				n += perImage
			}
			return true
		})
		return n
	default:
		return estimate(string(raw))
	}
}

// estimate applies the ~4 bytes per token heuristic, rounding up.
func estimate(s string) int {
	return (len(s) + 3) / 4
}
