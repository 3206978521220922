// Package server implements the HTTP transport layer for the keyrelay gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/app"
	"github.com/eugener/keyrelay/internal/catalog"
	"github.com/eugener/keyrelay/internal/checker"
	"github.com/eugener/keyrelay/internal/storage"
	"github.com/eugener/keyrelay/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// ModelLister serves cached model lists. *catalog.Cache satisfies it.
type ModelLister interface {
	Models(scope catalog.Scope) catalog.ModelList
}

// NativeUpstream resolves native Gemini URLs and authenticated clients.
// *gemini.Client satisfies it.
type NativeUpstream interface {
	NativeURL(apiVersion, model, action string) string
	HTTPClient(ctx context.Context, cred gateway.Credential) (*http.Client, error)
}

// KeyLister returns credential views with secrets stripped.
type KeyLister interface {
	List() []gateway.Credential
}

// KeyChecker checks credentials on demand. *checker.Checker satisfies it.
type KeyChecker interface {
	CheckAll(ctx context.Context) int
	CheckFingerprint(ctx context.Context, fingerprint string) (checker.Outcome, error)
}

// EventLog queries the persisted usage rows and key events.
type EventLog interface {
	QueryUsage(ctx context.Context, f storage.UsageFilter) ([]gateway.UsageRecord, error)
	ListKeyEvents(ctx context.Context, f storage.EventFilter) ([]gateway.KeyEvent, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Proxy          *app.ProxyService
	Catalog        ModelLister
	Native         NativeUpstream // nil = no google-ai native passthrough
	Keys           KeyLister
	Checker        KeyChecker
	Log            EventLog     // nil = no event log endpoints
	AdminToken     string       // empty = admin surface not mounted
	TrustProxy     bool         // take the caller address from X-Forwarded-For
	ReadyCheck     ReadyChecker // nil = always ready (for tests)
	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler // served at /metrics when non-nil
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	if deps.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(s.caller)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Aggregate model list
	r.Get("/v1/models", s.handleListModels(catalog.ScopeAll))

	// OpenAI-shaped vendors
	for _, v := range []gateway.Vendor{gateway.VendorGrok, gateway.VendorDeepseek, gateway.VendorGoogleAI} {
		r.Route("/"+string(v), func(r chi.Router) {
			r.Get("/v1/models", s.handleListModels(catalog.VendorScope(v)))
			r.Post("/v1/chat/completions", s.handleChatCompletion(v))
			if v == gateway.VendorGoogleAI {
				s.mountNativeRoutes(r)
			}
		})
	}

	// Bedrock, split by model family
	r.Route("/aws", func(r chi.Router) {
		r.Get("/v1/models", s.handleListModels(catalog.VendorScope(gateway.VendorAWS)))
		r.Get("/{family}/v1/models", s.handleAWSModels)
		r.Post("/{family}/v1/chat/completions", s.handleAWSChatCompletion)
	})

	s.mountAdminRoutes(r)

	return r
}

type server struct {
	deps Deps
}
