package sseutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/keyrelay/internal"
)

// Send delivers c on ch unless ctx is done first. On cancellation it makes
// a best-effort attempt to deliver the context error and reports false.
func Send(ctx context.Context, ch chan<- gateway.StreamChunk, c gateway.StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		select {
		case ch <- gateway.StreamChunk{Err: ctx.Err()}:
		default:
		}
		return false
	}
}

// ReadSSEStream forwards OpenAI-format SSE data payloads from body as
// StreamChunks on ch. It handles the "[DONE]" sentinel and extracts usage
// from the chunk that carries it. The channel and body are closed when done.
func ReadSSEStream(ctx context.Context, vendor gateway.Vendor, body io.ReadCloser, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer body.Close()

	done := false
	err := Scan(body, func(_, data string) bool {
		if data == "[DONE]" {
			done = true
			return false
		}
		chunk := gateway.StreamChunk{Data: []byte(data)}
		if u := gjson.Get(data, "usage"); u.Exists() && u.Type == gjson.JSON {
			var usage gateway.Usage
			if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
				chunk.Usage = &usage
			}
		}
		return Send(ctx, ch, chunk)
	})
	switch {
	case err != nil:
		Send(ctx, ch, gateway.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", vendor, err)})
	case done:
		Send(ctx, ch, gateway.StreamChunk{Done: true})
	}
}
