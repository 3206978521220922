package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/provider"
	"github.com/eugener/keyrelay/internal/provider/gemini"
)

const (
	actionGenerate = "generateContent"
	actionStream   = "streamGenerateContent"
)

// mountNativeRoutes registers the Gemini API passthrough on the google-ai
// subrouter. Requests keep their native body; only the credential and the
// model id are rewritten.
func (s *server) mountNativeRoutes(r chi.Router) {
	if s.deps.Native == nil {
		return
	}
	r.Get("/{version:(v1alpha|v1beta)}/models", s.handleNativeModels)
	r.Post("/{version:(v1alpha|v1beta)}/models/{model}:{action}", s.handleNativeGenerate)
}

func (s *server) handleNativeGenerate(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	action := chi.URLParam(r, "action")
	if action != actionGenerate && action != actionStream {
		writeError(w, fmt.Errorf("%w: unsupported action %q", gateway.ErrNotFound, action))
		return
	}
	requested := chi.URLParam(r, "model")
	if !isValidToken(requested, maxRequestIDLen) {
		writeError(w, fmt.Errorf("%w: invalid model %q", gateway.ErrBadRequest, requested))
		return
	}
	model, err := gemini.NormalizeModel(requested)
	if err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, fmt.Errorf("%w: failed to read request body", gateway.ErrBadRequest))
		return
	}

	target := s.deps.Native.NativeURL(version, model, action)
	send := func(ctx context.Context, cred gateway.Credential) (*http.Response, error) {
		client, err := s.deps.Native.HTTPClient(ctx, cred)
		if err != nil {
			return nil, err
		}
		out := r.Clone(ctx)
		out.Body = io.NopCloser(bytes.NewReader(body))
		return provider.Forward(ctx, client, target, out)
	}

	caller := gateway.CallerFromContext(r.Context())
	resp, release, err := s.deps.Proxy.Native(r.Context(), gateway.VendorGoogleAI, caller, model, send)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	if err := provider.CopyResponse(w, resp); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "native response copy failed",
			slog.String("model", model),
			slog.String("error", err.Error()),
		)
	}
}
