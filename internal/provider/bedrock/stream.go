package bedrock

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/provider"
	"github.com/eugener/keyrelay/internal/provider/sseutil"
)

// eventDecoder turns one decoded Bedrock chunk payload into canonical
// stream chunks.
type eventDecoder interface {
	handle(data []byte) []gateway.StreamChunk
	done() bool
}

// exceptionStatus maps stream exception types to the HTTP status the same
// failure would carry on a plain invoke.
var exceptionStatus = map[string]int{
	"throttlingException":         http.StatusTooManyRequests,
	"validationException":         http.StatusBadRequest,
	"accessDeniedException":       http.StatusForbidden,
	"modelStreamErrorException":   http.StatusFailedDependency,
	"modelTimeoutException":       http.StatusRequestTimeout,
	"internalServerException":     http.StatusInternalServerError,
	"serviceUnavailableException": http.StatusServiceUnavailable,
}

// readEventStream reads AWS binary event stream frames from an
// invoke-with-response-stream body. Each event payload is
// {"bytes":"<base64>"} wrapping one model-native JSON chunk.
func readEventStream(ctx context.Context, body io.ReadCloser, dec eventDecoder, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer body.Close()

	decoder := eventstream.NewDecoder()
	for {
		msg, err := decoder.Decode(body, nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !dec.done() {
					sseutil.Send(ctx, ch, gateway.StreamChunk{Done: true})
				}
				return
			}
			sseutil.Send(ctx, ch, gateway.StreamChunk{Err: fmt.Errorf("aws: decode event stream: %w", err)})
			return
		}

		switch headerValue(msg.Headers, ":message-type") {
		case "exception", "error":
			sseutil.Send(ctx, ch, gateway.StreamChunk{Err: streamException(msg)})
			return
		case "event":
		default:
			continue
		}

		decoded, err := extractEventBytes(msg.Payload)
		if err != nil {
			sseutil.Send(ctx, ch, gateway.StreamChunk{Err: provider.NewTranslationError(gateway.VendorAWS, msg.Payload, err)})
			return
		}
		for _, c := range dec.handle(decoded) {
			if !sseutil.Send(ctx, ch, c) {
				return
			}
		}
		if dec.done() {
			return
		}
	}
}

func streamException(msg eventstream.Message) error {
	errType := headerValue(msg.Headers, ":exception-type")
	if errType == "" {
		errType = headerValue(msg.Headers, ":error-code")
	}
	if len(errType) > 64 {
		errType = errType[:64]
	}
	payload := msg.Payload
	if len(payload) > 512 {
		payload = payload[:512]
	}
	status, ok := exceptionStatus[errType]
	if !ok {
		status = http.StatusBadGateway
	}
	return &provider.APIError{
		Vendor:     gateway.VendorAWS,
		StatusCode: status,
		Body:       errType + " " + string(payload),
	}
}

// headerValue extracts a string header value from event stream headers.
func headerValue(headers eventstream.Headers, name string) string {
	v := headers.Get(name)
	if v == nil {
		return ""
	}
	if sv, ok := v.(eventstream.StringValue); ok {
		return string(sv)
	}
	return ""
}

// extractEventBytes extracts and base64-decodes the "bytes" field.
func extractEventBytes(payload []byte) ([]byte, error) {
	b64 := gjson.GetBytes(payload, "bytes").String()
	if b64 == "" {
		return nil, provider.MissingField("bytes")
	}
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return decoded, nil
}

// invocationUsage reads the metrics block Bedrock appends to the last chunk.
func invocationUsage(r gjson.Result) *gateway.Usage {
	m := r.Get("amazon-bedrock-invocationMetrics")
	if !m.Exists() {
		return nil
	}
	in, out := int(m.Get("inputTokenCount").Int()), int(m.Get("outputTokenCount").Int())
	return &gateway.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

// claudeStream is the Anthropic Messages streaming state machine.
type claudeStream struct {
	meta         sseutil.ChunkMeta
	inputTokens  int
	outputTokens int
	stopReason   string
	finished     bool
}

func (s *claudeStream) done() bool { return s.finished }

func (s *claudeStream) handle(data []byte) []gateway.StreamChunk {
	r := gjson.ParseBytes(data)
	switch r.Get("type").String() {
	case "message_start":
		if id := r.Get("message.id").String(); id != "" {
			s.meta.ID = id
		}
		s.inputTokens = int(r.Get("message.usage.input_tokens").Int())
		return []gateway.StreamChunk{{Data: s.meta.Delta(map[string]any{"role": "assistant"}, "")}}

	case "content_block_start":
		if r.Get("content_block.type").String() != "tool_use" {
			return nil
		}
		delta := map[string]any{
			"tool_calls": []map[string]any{{
				"index": r.Get("index").Int(),
				"id":    r.Get("content_block.id").String(),
				"type":  "function",
				"function": map[string]any{
					"name":      r.Get("content_block.name").String(),
					"arguments": "",
				},
			}},
		}
		return []gateway.StreamChunk{{Data: s.meta.Delta(delta, "")}}

	case "content_block_delta":
		switch r.Get("delta.type").String() {
		case "text_delta":
			return []gateway.StreamChunk{{Data: s.meta.Delta(map[string]any{"content": r.Get("delta.text").String()}, "")}}
		case "input_json_delta":
			idx := int(r.Get("index").Int())
			return []gateway.StreamChunk{{Data: s.meta.ToolCallDelta(idx, r.Get("delta.partial_json").String())}}
		}
		return nil

	case "message_delta":
		s.outputTokens = int(r.Get("usage.output_tokens").Int())
		s.stopReason = r.Get("delta.stop_reason").String()
		return nil

	case "message_stop":
		s.finished = true
		usage := invocationUsage(r)
		if usage == nil {
			usage = &gateway.Usage{
				PromptTokens:     s.inputTokens,
				CompletionTokens: s.outputTokens,
				TotalTokens:      s.inputTokens + s.outputTokens,
			}
		}
		return []gateway.StreamChunk{
			{Data: s.meta.Finish(mapClaudeStopReason(s.stopReason))},
			{Data: s.meta.Usage(usage), Usage: usage},
			{Done: true},
		}
	}
	return nil
}

// mistralStream converts Mistral chat chunks, which repeat the full
// choices array with a message fragment per event.
type mistralStream struct {
	meta     sseutil.ChunkMeta
	started  bool
	finished bool
}

func (s *mistralStream) done() bool { return s.finished }

func (s *mistralStream) handle(data []byte) []gateway.StreamChunk {
	r := gjson.ParseBytes(data)
	var out []gateway.StreamChunk

	choice := r.Get("choices.0")
	if !s.started {
		s.started = true
		out = append(out, gateway.StreamChunk{Data: s.meta.Delta(map[string]any{"role": "assistant"}, "")})
	}
	if text := choice.Get("message.content").String(); text != "" {
		out = append(out, gateway.StreamChunk{Data: s.meta.Delta(map[string]any{"content": text}, "")})
	}
	if tc := choice.Get("message.tool_calls"); tc.IsArray() && len(tc.Array()) > 0 {
		var calls []map[string]any
		for i, call := range tc.Array() {
			calls = append(calls, map[string]any{
				"index": i,
				"id":    call.Get("id").String(),
				"type":  "function",
				"function": map[string]any{
					"name":      call.Get("function.name").String(),
					"arguments": call.Get("function.arguments").String(),
				},
			})
		}
		out = append(out, gateway.StreamChunk{Data: s.meta.Delta(map[string]any{"tool_calls": calls}, "")})
	}
	if reason := choice.Get("stop_reason").String(); reason != "" {
		out = append(out, gateway.StreamChunk{Data: s.meta.Finish(reason)})
	}
	if usage := invocationUsage(r); usage != nil {
		s.finished = true
		out = append(out,
			gateway.StreamChunk{Data: s.meta.Usage(usage), Usage: usage},
			gateway.StreamChunk{Done: true},
		)
	}
	return out
}
