package bedrock

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/provider"
	"github.com/eugener/keyrelay/internal/provider/sseutil"
)

const defaultMaxTokens = 4096

// claudeRequest is the Bedrock Anthropic Messages body. The model id lives
// in the URL, so it is not part of the body.
type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Messages         []claudeMsg     `json:"messages"`
	System           string          `json:"system,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	Tools            []claudeTool    `json:"tools,omitempty"`
	ToolChoice       *claudeChoice   `json:"tool_choice,omitempty"`
	StopSeqs         []string        `json:"stop_sequences,omitempty"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type claudeChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type claudeMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// mistralRequest is the Bedrock Mistral chat body.
type mistralRequest struct {
	Messages    []mistralMsg    `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
}

type mistralMsg struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

func maxTokens(req *gateway.ChatRequest) int {
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		return *req.MaxTokens
	}
	return defaultMaxTokens
}

// translateClaudeRequest converts a canonical request to the Anthropic
// Messages body. System messages are concatenated into the system field,
// assistant tool calls become tool_use blocks and consecutive tool results
// share one user turn.
func translateClaudeRequest(req *gateway.ChatRequest) ([]byte, error) {
	out := claudeRequest{
		AnthropicVersion: AnthropicVersion,
		MaxTokens:        maxTokens(req),
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		StopSeqs:         stopSequences(req.Stop),
	}
	out.Tools, out.ToolChoice = claudeTools(req.Tools, req.ToolChoice)

	var (
		system  []string
		results []json.RawMessage // pending tool_result blocks
	)
	flushResults := func() {
		if len(results) == 0 {
			return
		}
		raw, _ := json.Marshal(results)
		out.Messages = append(out.Messages, claudeMsg{Role: "user", Content: raw})
		results = nil
	}
	for _, m := range req.Messages {
		if m.Role != "tool" {
			flushResults()
		}
		switch m.Role {
		case "system":
			system = append(system, contentText(m.Content))
		case "user":
			content, err := claudeUserContent(m.Content)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, claudeMsg{Role: "user", Content: content})
		case "assistant":
			if content := claudeAssistantContent(m); content != nil {
				out.Messages = append(out.Messages, claudeMsg{Role: "assistant", Content: content})
			}
		case "tool":
			block, _ := json.Marshal(map[string]any{
				"type":        "tool_result",
				"tool_use_id": m.ToolCallID,
				"content":     contentText(m.Content),
			})
			results = append(results, block)
		}
	}
	flushResults()
	if len(out.Messages) == 0 {
		return nil, fmt.Errorf("%w: at least one user or assistant message is required", gateway.ErrBadRequest)
	}
	out.System = strings.Join(system, "\n")
	return json.Marshal(out)
}

// claudeTools maps OpenAI function tools and tool_choice to their Anthropic
// forms. tool_choice "none" drops the tools entirely.
func claudeTools(tools, choice json.RawMessage) ([]claudeTool, *claudeChoice) {
	c := gjson.ParseBytes(choice)
	if c.Type == gjson.String && c.String() == "none" {
		return nil, nil
	}
	var out []claudeTool
	gjson.ParseBytes(tools).ForEach(func(_, t gjson.Result) bool {
		fn := t.Get("function")
		if !fn.Exists() {
			return true
		}
		schema := json.RawMessage(`{"type":"object"}`)
		if p := fn.Get("parameters"); p.IsObject() {
			schema = json.RawMessage(p.Raw)
		}
		out = append(out, claudeTool{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
			InputSchema: schema,
		})
		return true
	})
	if len(out) == 0 {
		return nil, nil
	}
	switch {
	case c.Type == gjson.String && c.String() == "required":
		return out, &claudeChoice{Type: "any"}
	case c.IsObject() && c.Get("function.name").Exists():
		return out, &claudeChoice{Type: "tool", Name: c.Get("function.name").String()}
	case c.Type == gjson.String && c.String() == "auto":
		return out, &claudeChoice{Type: "auto"}
	}
	return out, nil
}

// claudeUserContent converts a user message body. Strings pass through;
// part arrays become text and base64 image blocks. Remote image URLs are
// rejected because Bedrock only accepts inline images.
func claudeUserContent(raw json.RawMessage) (json.RawMessage, error) {
	r := gjson.ParseBytes(raw)
	if !r.IsArray() {
		text, _ := json.Marshal(contentText(raw))
		return text, nil
	}
	var (
		blocks []map[string]any
		bad    error
	)
	r.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			blocks = append(blocks, map[string]any{"type": "text", "text": part.Get("text").String()})
		case "image_url":
			mediaType, data, ok := parseDataURL(part.Get("image_url.url").String())
			if !ok {
				bad = fmt.Errorf("%w: only data: image URLs are supported for aws models", gateway.ErrBadRequest)
				return false
			}
			blocks = append(blocks, map[string]any{
				"type":   "image",
				"source": map[string]any{"type": "base64", "media_type": mediaType, "data": data},
			})
		}
		return true
	})
	if bad != nil {
		return nil, bad
	}
	return json.Marshal(blocks)
}

// claudeAssistantContent returns the assistant turn as content blocks, or
// nil when the turn carries neither text nor tool calls.
func claudeAssistantContent(m gateway.Message) json.RawMessage {
	var blocks []map[string]any
	if text := contentText(m.Content); text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}
	gjson.ParseBytes(m.ToolCalls).ForEach(func(_, tc gjson.Result) bool {
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    tc.Get("id").String(),
			"name":  tc.Get("function.name").String(),
			"input": json.RawMessage(toolInput(tc.Get("function.arguments").String())),
		})
		return true
	})
	if len(blocks) == 0 {
		return nil
	}
	raw, _ := json.Marshal(blocks)
	return raw
}

// toolInput returns the JSON object carried in OpenAI's string-encoded
// arguments, or an empty object when it is missing or malformed.
func toolInput(args string) string {
	if r := gjson.Parse(args); r.IsObject() {
		return r.Raw
	}
	return "{}"
}

// parseDataURL splits "data:<media type>;base64,<data>".
func parseDataURL(u string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	meta, data, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, found = strings.CutSuffix(meta, ";base64")
	if !found || mediaType == "" {
		return "", "", false
	}
	return mediaType, data, true
}

// translateMistralRequest converts a canonical request to the Mistral chat
// body. Structured content is flattened to its text parts.
func translateMistralRequest(req *gateway.ChatRequest) ([]byte, error) {
	out := mistralRequest{
		MaxTokens:   maxTokens(req),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, mistralMsg{
			Role:       m.Role,
			Content:    contentText(m.Content),
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	if len(out.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages are required", gateway.ErrBadRequest)
	}
	return json.Marshal(out)
}

// contentText returns the text of a string or content-part array.
func contentText(raw json.RawMessage) string {
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return r.String()
	}
	var b strings.Builder
	r.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			b.WriteString(part.Get("text").String())
		}
		return true
	})
	return b.String()
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

// translateClaudeResponse converts an Anthropic Messages response to the
// canonical shape. model is the Bedrock id the caller asked for; Anthropic's
// short model name in the body is not echoed back.
func translateClaudeResponse(data []byte, model string) (*gateway.ChatResponse, error) {
	result := gjson.ParseBytes(data)
	content := result.Get("content")
	if !content.IsArray() {
		return nil, provider.MissingField("content")
	}

	stopReason := mapClaudeStopReason(result.Get("stop_reason").String())

	var text strings.Builder
	var toolCalls []json.RawMessage
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			tc, _ := json.Marshal(map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	msg := gateway.Message{Role: "assistant"}
	ct, _ := json.Marshal(text.String())
	msg.Content = ct
	if len(toolCalls) > 0 {
		msg.ToolCalls, _ = json.Marshal(toolCalls)
		if stopReason == "" {
			stopReason = "tool_calls"
		}
	}

	var usage *gateway.Usage
	if u := result.Get("usage"); u.Exists() {
		in, out := int(u.Get("input_tokens").Int()), int(u.Get("output_tokens").Int())
		usage = &gateway.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}

	id := result.Get("id").String()
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	return &gateway.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   model,
		Choices: []gateway.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   usage,
	}, nil
}

// translateMistralResponse converts a Mistral chat response to the
// canonical shape. Bedrock omits id and usage; usage comes from headers.
func translateMistralResponse(data []byte, model string) (*gateway.ChatResponse, error) {
	result := gjson.ParseBytes(data)
	choices := result.Get("choices")
	if !choices.IsArray() || len(choices.Array()) == 0 {
		return nil, provider.MissingField("choices")
	}

	var out []gateway.Choice
	for i, c := range choices.Array() {
		msg := gateway.Message{Role: "assistant"}
		ct, _ := json.Marshal(c.Get("message.content").String())
		msg.Content = ct
		if tc := c.Get("message.tool_calls"); tc.IsArray() && len(tc.Array()) > 0 {
			msg.ToolCalls = json.RawMessage(tc.Raw)
		}
		out = append(out, gateway.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: c.Get("stop_reason").String(),
		})
	}

	id := result.Get("id").String()
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	return &gateway.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   model,
		Choices: out,
	}, nil
}

// mapClaudeStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func mapClaudeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func chunkMeta(model string, now time.Time) sseutil.ChunkMeta {
	return sseutil.ChunkMeta{
		ID:      "chatcmpl-" + uuid.NewString(),
		Model:   model,
		Created: now.Unix(),
	}
}
