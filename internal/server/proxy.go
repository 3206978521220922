package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/admission"
	"github.com/eugener/keyrelay/internal/app"
	"github.com/eugener/keyrelay/internal/catalog"
	"github.com/eugener/keyrelay/internal/provider"
	"github.com/eugener/keyrelay/internal/provider/bedrock"
)

// maxRequestBody caps inbound request bodies (10 MB).
const maxRequestBody = 10 << 20

const keepAliveInterval = 15 * time.Second

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (*gateway.ChatRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req gateway.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body: %s", gateway.ErrBadRequest, err.Error()))
		return nil, false
	}
	if req.Model == "" {
		writeError(w, fmt.Errorf("%w: model is required", gateway.ErrBadRequest))
		return nil, false
	}
	if len(req.Messages) == 0 {
		writeError(w, fmt.Errorf("%w: messages must not be empty", gateway.ErrBadRequest))
		return nil, false
	}
	return &req, true
}

// handleChatCompletion returns the OpenAI-shaped chat endpoint for vendor.
func (s *server) handleChatCompletion(vendor gateway.Vendor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeChatRequest(w, r)
		if !ok {
			return
		}
		s.serveChat(w, r, vendor, req)
	}
}

// handleAWSChatCompletion serves /aws/{family}/v1/chat/completions. The
// requested model must belong to the family in the path.
func (s *server) handleAWSChatCompletion(w http.ResponseWriter, r *http.Request) {
	scope, err := catalog.AWSFamilyScope(chi.URLParam(r, "family"))
	if err != nil {
		writeError(w, err)
		return
	}
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	family := strings.TrimPrefix(string(scope), "aws/")
	if got := bedrock.Family(req.Model); got != family {
		writeError(w, fmt.Errorf("%w: model %q is not served by the %s endpoint", gateway.ErrBadRequest, req.Model, family))
		return
	}
	s.serveChat(w, r, gateway.VendorAWS, req)
}

func (s *server) serveChat(w http.ResponseWriter, r *http.Request, vendor gateway.Vendor, req *gateway.ChatRequest) {
	caller := gateway.CallerFromContext(r.Context())

	if req.Stream {
		s.handleChatCompletionStream(w, r, vendor, caller, req)
		return
	}

	resp, err := s.deps.Proxy.ChatCompletion(r.Context(), vendor, caller, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatCompletionStream handles SSE streaming chat completion requests.
func (s *server) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, vendor gateway.Vendor, caller string, req *gateway.ChatRequest) {
	ch, err := s.deps.Proxy.ChatCompletionStream(r.Context(), vendor, caller, req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("vendor", string(vendor)),
					slog.String("error", chunk.Err.Error()),
				)
				writeSSEError(w, chunk.Err)
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if chunk.Done {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			writeSSEData(w, chunk.Data)
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg, typ string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = typ
	return e
}

// errorType names the error class in the response body.
func errorType(err error) string {
	var apiErr *provider.APIError
	switch {
	case errors.Is(err, gateway.ErrRateLimited):
		return "rate_limit_error"
	case errors.Is(err, gateway.ErrNoUsableKey):
		return "no_usable_key"
	case errors.Is(err, gateway.ErrCapacityTimeout):
		return "capacity_timeout"
	case errors.Is(err, gateway.ErrUpstreamTimeout):
		return "upstream_timeout"
	case errors.Is(err, gateway.ErrTranslation):
		return "translation_error"
	case errors.Is(err, gateway.ErrBadRequest):
		return "invalid_request_error"
	case errors.Is(err, gateway.ErrNotFound):
		return "not_found_error"
	case errors.Is(err, gateway.ErrUnauthorized):
		return "authentication_error"
	case errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		return "invalid_request_error"
	case errors.Is(err, gateway.ErrNetworkFailure):
		return "network_error"
	case errors.Is(err, gateway.ErrUpstream):
		return "upstream_error"
	default:
		return "internal_error"
	}
}

// writeError writes err as a JSON error body with the pipeline status.
// Rate-limit rejections carry Retry-After.
func writeError(w http.ResponseWriter, err error) {
	status := app.ErrorStatus(err)
	var rej *admission.RejectError
	if errors.As(err, &rej) {
		w.Header().Set("Retry-After", strconv.Itoa(max(rej.RetryAfterSeconds(), 1)))
	}
	msg := err.Error()
	if status >= 500 && errorType(err) == "internal_error" {
		msg = "internal server error"
	}
	writeJSON(w, status, errorResponse(msg, errorType(err)))
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
