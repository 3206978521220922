package gemini

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/provider"
	"github.com/eugener/keyrelay/internal/provider/sseutil"
	"github.com/eugener/keyrelay/internal/tokencount"
)

// streamState converts Gemini SSE chunks. Gemini has no "[DONE]" sentinel;
// the stream is EOF-terminated and usageMetadata is cumulative.
type streamState struct {
	meta     sseutil.ChunkMeta
	messages []gateway.Message
	counter  *tokencount.Estimator

	started   bool
	stripped  bool
	toolIndex int
	text      strings.Builder
	lastUsage *gateway.Usage
}

func (s *streamState) handle(data string) ([]gateway.StreamChunk, error) {
	r := gjson.Parse(data)
	if e := r.Get("error"); e.Exists() {
		return nil, &provider.APIError{
			Vendor:     gateway.VendorGoogleAI,
			StatusCode: int(e.Get("code").Int()),
			Body:       e.Raw,
		}
	}
	if u := usageFrom(r); u != nil {
		s.lastUsage = u
	}

	var out []gateway.StreamChunk
	if !s.started {
		s.started = true
		out = append(out, gateway.StreamChunk{Data: s.meta.Delta(map[string]any{"role": "assistant"}, "")})
	}

	cand := r.Get("candidates.0")
	var text strings.Builder
	var calls []map[string]any
	cand.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			text.WriteString(t.String())
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			calls = append(calls, map[string]any{
				"index": s.toolIndex,
				"id":    "call_" + uuid.NewString(),
				"type":  "function",
				"function": map[string]any{
					"name":      fc.Get("name").String(),
					"arguments": fc.Get("args").Raw,
				},
			})
			s.toolIndex++
		}
		return true
	})

	if t := text.String(); t != "" {
		if !s.stripped {
			t = StripRoleEcho(t)
			s.stripped = true
		}
		s.text.WriteString(t)
		out = append(out, gateway.StreamChunk{Data: s.meta.Delta(map[string]any{"content": t}, "")})
	}
	if len(calls) > 0 {
		out = append(out, gateway.StreamChunk{Data: s.meta.Delta(map[string]any{"tool_calls": calls}, "")})
	}
	if reason := mapStopReason(cand.Get("finishReason").String()); reason != "" {
		if s.toolIndex > 0 {
			reason = "tool_calls"
		}
		out = append(out, gateway.StreamChunk{Data: s.meta.Finish(reason)})
	}
	return out, nil
}

// usage returns the last reported usage or an estimate from streamed text.
func (s *streamState) usage() *gateway.Usage {
	if s.lastUsage != nil {
		return s.lastUsage
	}
	return s.counter.Usage(s.messages, s.text.String())
}

func readStream(ctx context.Context, body io.ReadCloser, s *streamState, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer body.Close()

	var handleErr error
	err := sseutil.Scan(body, func(_, data string) bool {
		chunks, err := s.handle(data)
		if err != nil {
			handleErr = err
			return false
		}
		for _, c := range chunks {
			if !sseutil.Send(ctx, ch, c) {
				handleErr = ctx.Err()
				return false
			}
		}
		return true
	})

	switch {
	case handleErr != nil:
		if ctx.Err() == nil {
			sseutil.Send(ctx, ch, gateway.StreamChunk{Err: handleErr})
		}
		return
	case err != nil:
		sseutil.Send(ctx, ch, gateway.StreamChunk{Err: fmt.Errorf("google-ai: read stream: %w", err)})
		return
	}

	usage := s.usage()
	if !sseutil.Send(ctx, ch, gateway.StreamChunk{Data: s.meta.Usage(usage), Usage: usage}) {
		return
	}
	sseutil.Send(ctx, ch, gateway.StreamChunk{Done: true})
}
