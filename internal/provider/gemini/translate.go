// Package gemini implements the gateway.Provider adapter for the Google
// Generative Language API (generateContent).
package gemini

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/provider"
	"github.com/eugener/keyrelay/internal/provider/sseutil"
)

// roleEcho matches a short "Speaker: " prefix some Gemini models echo back.
var roleEcho = regexp.MustCompile(`^(.{0,50}?): `)

// geminiRequest is the generateContent request body.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations json.RawMessage `json:"functionDeclarations,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	CandidateCount   int      `json:"candidateCount,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	Seed             *int     `json:"seed,omitempty"`
}

// translateRequest converts a canonical request to a generateContent body.
func translateRequest(req *gateway.ChatRequest) *geminiRequest {
	out := &geminiRequest{}

	stop := stopSequences(req.Stop)
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(stop) > 0 ||
		req.N > 1 || req.PresencePenalty != nil || req.FrequencyPenalty != nil || req.Seed != nil {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:      req.Temperature,
			TopP:             req.TopP,
			MaxOutputTokens:  req.MaxTokens,
			StopSequences:    stop,
			PresencePenalty:  req.PresencePenalty,
			FrequencyPenalty: req.FrequencyPenalty,
			Seed:             req.Seed,
		}
		if req.N > 1 {
			out.GenerationConfig.CandidateCount = req.N
		}
	}

	if len(req.Tools) > 0 {
		var decls []json.RawMessage
		gjson.ParseBytes(req.Tools).ForEach(func(_, t gjson.Result) bool {
			if fn := t.Get("function"); fn.Exists() {
				decls = append(decls, json.RawMessage(fn.Raw))
			}
			return true
		})
		if len(decls) > 0 {
			raw, _ := json.Marshal(decls)
			out.Tools = []geminiTool{{FunctionDeclarations: raw}}
		}
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, extractText(m.Content))
		case "user":
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: extractText(m.Content)}},
			})
		case "assistant":
			c := geminiContent{Role: "model"}
			if text := extractText(m.Content); text != "" {
				c.Parts = append(c.Parts, geminiPart{Text: text})
			}
			gjson.ParseBytes(m.ToolCalls).ForEach(func(_, tc gjson.Result) bool {
				fc, _ := json.Marshal(map[string]any{
					"name": tc.Get("function.name").String(),
					"args": json.RawMessage(argsOrEmpty(tc.Get("function.arguments").String())),
				})
				c.Parts = append(c.Parts, geminiPart{FunctionCall: fc})
				return true
			})
			if len(c.Parts) == 0 {
				c.Parts = []geminiPart{{Text: ""}}
			}
			out.Contents = append(out.Contents, c)
		case "tool":
			fr, _ := json.Marshal(map[string]any{
				"name":     m.ToolCallID,
				"response": map[string]any{"content": extractText(m.Content)},
			})
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{FunctionResponse: fr}},
			})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n")}}}
	}
	return out
}

func argsOrEmpty(s string) string {
	if gjson.Valid(s) && strings.HasPrefix(strings.TrimSpace(s), "{") {
		return s
	}
	return "{}"
}

// stopSequences accepts the canonical string-or-array stop field.
func stopSequences(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return []string{r.String()}
	}
	var out []string
	for _, s := range r.Array() {
		out = append(out, s.String())
	}
	return out
}

// translateResponse converts a generateContent response to the canonical
// shape. A prompt blocked before generation yields an empty
// content_filter completion.
func translateResponse(data []byte, model string) (*gateway.ChatResponse, error) {
	r := gjson.ParseBytes(data)
	candidates := r.Get("candidates")

	var choices []gateway.Choice
	switch {
	case candidates.IsArray() && len(candidates.Array()) > 0:
		for i, cand := range candidates.Array() {
			choices = append(choices, translateCandidate(i, cand))
		}
	case r.Get("promptFeedback.blockReason").Exists():
		choices = []gateway.Choice{{
			Message:      gateway.Message{Role: "assistant", Content: json.RawMessage(`""`)},
			FinishReason: "content_filter",
		}}
	default:
		return nil, provider.MissingField("candidates")
	}

	return &gateway.ChatResponse{
		ID:      newID(),
		Object:  "chat.completion",
		Model:   model,
		Choices: choices,
		Usage:   usageFrom(r),
	}, nil
}

func translateCandidate(index int, cand gjson.Result) gateway.Choice {
	stopReason := mapStopReason(cand.Get("finishReason").String())

	var text strings.Builder
	var toolCalls []json.RawMessage
	cand.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			text.WriteString(t.String())
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			tc, _ := json.Marshal(map[string]any{
				"id":   "call_" + uuid.NewString(),
				"type": "function",
				"function": map[string]any{
					"name":      fc.Get("name").String(),
					"arguments": fc.Get("args").Raw,
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	msg := gateway.Message{Role: "assistant"}
	ct, _ := json.Marshal(StripRoleEcho(text.String()))
	msg.Content = ct
	if len(toolCalls) > 0 {
		msg.ToolCalls, _ = json.Marshal(toolCalls)
		stopReason = "tool_calls"
	}
	return gateway.Choice{Index: index, Message: msg, FinishReason: stopReason}
}

// StripRoleEcho removes a leading "Name: " echo of up to 50 characters.
func StripRoleEcho(s string) string {
	return roleEcho.ReplaceAllString(s, "")
}

func usageFrom(r gjson.Result) *gateway.Usage {
	u := r.Get("usageMetadata")
	if !u.Exists() || !u.Get("promptTokenCount").Exists() {
		return nil
	}
	prompt := int(u.Get("promptTokenCount").Int())
	completion := int(u.Get("candidatesTokenCount").Int())
	total := int(u.Get("totalTokenCount").Int())
	if total == 0 {
		total = prompt + completion
	}
	return &gateway.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
}

// mapStopReason converts Gemini finish reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "content_filter"
	default:
		return reason
	}
}

// extractText returns the text of a string or content-part array.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	r := gjson.ParseBytes(raw)
	switch {
	case r.Type == gjson.String:
		return r.String()
	case r.IsArray():
		var b strings.Builder
		r.ForEach(func(_, p gjson.Result) bool {
			if p.Get("type").String() == "text" {
				b.WriteString(p.Get("text").String())
			}
			return true
		})
		return b.String()
	case r.Type == gjson.Null:
		return ""
	}
	return string(raw)
}

func newID() string { return "goo-" + uuid.NewString() }

func newChunkMeta(model string, now time.Time) sseutil.ChunkMeta {
	return sseutil.ChunkMeta{ID: newID(), Model: model, Created: now.Unix()}
}
