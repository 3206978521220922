// Package app implements the proxy pipeline: admission, credential
// selection, the upstream call and feedback of upstream failures into the
// key pool.
package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/checker"
	"github.com/eugener/keyrelay/internal/keypool"
	"github.com/eugener/keyrelay/internal/provider"
	"github.com/eugener/keyrelay/internal/provider/sseutil"
	"github.com/eugener/keyrelay/internal/telemetry"
)

const maxNativeErrorBody = 64 << 10

// Admitter grants execution slots. *admission.Controller satisfies it.
type Admitter interface {
	Admit(ctx context.Context, vendor gateway.Vendor, caller string) (func(), error)
}

// EventSink receives credential transitions caused by live traffic.
type EventSink interface {
	Record(gateway.KeyEvent)
}

// UsageSink receives per-request token bookkeeping.
type UsageSink interface {
	Record(gateway.UsageRecord)
}

// Options carries the optional collaborators of a ProxyService.
type Options struct {
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Events  EventSink
	Usage   UsageSink
}

// ProxyService forwards chat completion requests to the vendor adapter
// with a credential drawn from the pool.
type ProxyService struct {
	providers *provider.Registry
	pool      *keypool.Pool
	admission Admitter
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	events    EventSink
	usage     UsageSink
	now       func() time.Time
}

// NewProxyService returns a ProxyService wired to the given registry, pool
// and admission controller.
func NewProxyService(providers *provider.Registry, pool *keypool.Pool, adm Admitter, opts Options) *ProxyService {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer("keyrelay/app")
	}
	return &ProxyService{
		providers: providers,
		pool:      pool,
		admission: adm,
		metrics:   opts.Metrics,
		tracer:    tracer,
		events:    opts.Events,
		usage:     opts.Usage,
		now:       time.Now,
	}
}

// call is the per-request state shared by the streaming and non-streaming
// paths once a credential has been selected.
type call struct {
	vendor  gateway.Vendor
	model   string
	cred    gateway.Credential
	start   time.Time
	stream  bool
	release func()
}

// begin prepares req, waits for admission and selects a credential. On
// success the caller owns c.release.
func (ps *ProxyService) begin(ctx context.Context, vendor gateway.Vendor, caller string, req *gateway.ChatRequest) (gateway.Provider, *gateway.ChatRequest, *call, error) {
	p, err := ps.providers.Get(vendor)
	if err != nil {
		return nil, nil, nil, err
	}

	// Shallow copy to avoid mutating caller's request.
	outReq := *req
	if err := p.Prepare(&outReq); err != nil {
		return nil, nil, nil, err
	}

	c, err := ps.acquire(ctx, vendor, caller, outReq.Model)
	if err != nil {
		return nil, nil, nil, err
	}
	c.stream = outReq.Stream
	return p, &outReq, c, nil
}

// acquire admits the request and selects a credential for model.
func (ps *ProxyService) acquire(ctx context.Context, vendor gateway.Vendor, caller, model string) (*call, error) {
	release, err := ps.admission.Admit(ctx, vendor, caller)
	if err != nil {
		return nil, err
	}
	cred, err := ps.pool.Select(vendor, model)
	if err != nil {
		release()
		return nil, err
	}
	return &call{
		vendor:  vendor,
		model:   model,
		cred:    cred,
		start:   ps.now(),
		release: release,
	}, nil
}

// ChatCompletion runs one non-streaming request through the pipeline.
// Upstream failures are fed back into the pool before the error is returned.
func (ps *ProxyService) ChatCompletion(ctx context.Context, vendor gateway.Vendor, caller string, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	p, outReq, c, err := ps.begin(ctx, vendor, caller, req)
	if err != nil {
		return nil, err
	}
	defer c.release()

	ctx, span := ps.startSpan(ctx, c)
	defer span.End()

	resp, err := p.ChatCompletion(ctx, c.cred, outReq)
	ps.observeUpstream(c)
	if err != nil {
		err = ps.fail(ctx, c, err)
		span.SetStatus(codes.Error, err.Error())
		ps.recordUsage(ctx, c, nil, errorStatus(err))
		return nil, err
	}

	ps.succeed(c)
	ps.recordUsage(ctx, c, resp.Usage, http.StatusOK)
	return resp, nil
}

// ChatCompletionStream runs one streaming request through the pipeline. The
// admission slot is held until the returned channel is closed, which
// happens after a Done or error chunk or when ctx is cancelled.
func (ps *ProxyService) ChatCompletionStream(ctx context.Context, vendor gateway.Vendor, caller string, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	p, outReq, c, err := ps.begin(ctx, vendor, caller, req)
	if err != nil {
		return nil, err
	}
	c.stream = true

	ctx, span := ps.startSpan(ctx, c)
	in, err := p.ChatCompletionStream(ctx, c.cred, outReq)
	if err != nil {
		ps.observeUpstream(c)
		err = ps.fail(ctx, c, err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		ps.recordUsage(ctx, c, nil, errorStatus(err))
		c.release()
		return nil, err
	}

	out := make(chan gateway.StreamChunk, 8)
	go ps.relay(ctx, span, c, in, out)
	return out, nil
}

// relay forwards chunks from in to out, applying failure feedback to a
// mid-stream error, and releases the admission slot when the stream ends.
func (ps *ProxyService) relay(ctx context.Context, span trace.Span, c *call, in <-chan gateway.StreamChunk, out chan<- gateway.StreamChunk) {
	defer close(out)
	defer c.release()
	defer span.End()

	var usage *gateway.Usage
	status := http.StatusOK
	defer func() {
		ps.observeUpstream(c)
		ps.recordUsage(ctx, c, usage, status)
	}()

	for {
		select {
		case <-ctx.Done():
			status = 499
			return
		case chunk, ok := <-in:
			if !ok {
				return
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.Err != nil {
				if errors.Is(chunk.Err, context.Canceled) {
					status = 499
					return
				}
				chunk.Err = ps.fail(ctx, c, chunk.Err)
				status = errorStatus(chunk.Err)
				span.SetStatus(codes.Error, chunk.Err.Error())
			}
			if !sseutil.Send(ctx, out, chunk) {
				status = 499
				return
			}
			if chunk.Err != nil {
				return
			}
			if chunk.Done {
				ps.succeed(c)
				return
			}
		}
	}
}

// NativeFunc sends one raw vendor request authenticated with cred.
type NativeFunc func(ctx context.Context, cred gateway.Credential) (*http.Response, error)

// Native runs a passthrough request through admission, selection and
// feedback. The returned response body is the upstream body; release must
// be called once the body has been copied to the caller. Non-2xx responses
// are classified and fed back into the pool but still returned to the
// caller unchanged.
func (ps *ProxyService) Native(ctx context.Context, vendor gateway.Vendor, caller, model string, send NativeFunc) (*http.Response, func(), error) {
	if _, err := ps.providers.Get(vendor); err != nil {
		return nil, nil, err
	}
	c, err := ps.acquire(ctx, vendor, caller, model)
	if err != nil {
		return nil, nil, err
	}

	ctx, span := ps.startSpan(ctx, c)
	defer span.End()

	resp, err := send(ctx, c.cred)
	ps.observeUpstream(c)
	if err != nil {
		err = ps.fail(ctx, c, err)
		span.SetStatus(codes.Error, err.Error())
		c.release()
		return nil, nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxNativeErrorBody))
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
		apiErr := &provider.APIError{Vendor: vendor, StatusCode: resp.StatusCode, Body: string(body)}
		ps.feedback(ctx, c, checker.ClassifyError(vendor, apiErr), resp.StatusCode)
		span.SetStatus(codes.Error, apiErr.Error())
	} else {
		ps.succeed(c)
	}
	return resp, c.release, nil
}

func (ps *ProxyService) startSpan(ctx context.Context, c *call) (context.Context, trace.Span) {
	return ps.tracer.Start(ctx, "upstream "+string(c.vendor),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("keyrelay.vendor", string(c.vendor)),
			attribute.String("keyrelay.model", c.model),
			attribute.String("keyrelay.key", c.cred.Short()),
			attribute.Bool("keyrelay.stream", c.stream),
		),
	)
}

// fail classifies an upstream error, applies the resulting state change to
// the pool and returns the error to surface to the caller.
func (ps *ProxyService) fail(ctx context.Context, c *call, err error) error {
	if errors.Is(err, gateway.ErrTranslation) {
		var te *provider.TranslationError
		shape := ""
		if errors.As(err, &te) {
			shape = te.Shape
		}
		slog.LogAttrs(ctx, slog.LevelError, "untranslatable upstream response",
			slog.String("vendor", string(c.vendor)),
			slog.String("model", c.model),
			slog.String("shape", shape),
			slog.String("error", err.Error()),
		)
		ps.countError(c.vendor, "translation")
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, gateway.ErrBadRequest) || errors.Is(err, gateway.ErrNotFound) {
		// Rejected locally before reaching the vendor.
		ps.countError(c.vendor, "request")
		return err
	}

	outcome := checker.ClassifyError(c.vendor, err)
	status := 0
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	ps.feedback(ctx, c, outcome, status)

	switch {
	case checker.IsTimeout(err):
		ps.countError(c.vendor, "timeout")
		return fmt.Errorf("app: %s: %w", c.vendor, gateway.ErrUpstreamTimeout)
	case apiErr == nil && outcome == checker.Inconclusive:
		ps.countError(c.vendor, "network")
		slog.LogAttrs(ctx, slog.LevelWarn, "upstream transport error",
			slog.String("vendor", string(c.vendor)),
			slog.String("key", c.cred.Short()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("app: %s: %w", c.vendor, gateway.ErrNetworkFailure)
	}

	kind := outcome.String()
	if outcome == checker.Valid {
		kind = "upstream"
	}
	ps.countError(c.vendor, kind)
	// Credential rejections surface as generic upstream failures; the
	// specific class stays matchable for logs and tests.
	switch outcome {
	case checker.RateLimited:
		return fmt.Errorf("app: %s: upstream %w", c.vendor, gateway.ErrRateLimited)
	case checker.Invalid:
		return fmt.Errorf("app: %s: %w: %w", c.vendor, gateway.ErrUpstream, gateway.ErrCredentialRevoked)
	case checker.QuotaExceeded:
		return fmt.Errorf("app: %s: %w: %w", c.vendor, gateway.ErrUpstream, gateway.ErrQuotaExceeded)
	case checker.ModelDenied:
		return fmt.Errorf("app: %s: credential rejected for model: %w", c.vendor, gateway.ErrUpstream)
	default:
		return err
	}
}

// feedback applies the state change for outcome to the credential used by c.
func (ps *ProxyService) feedback(ctx context.Context, c *call, outcome checker.Outcome, status int) {
	now := ps.now()
	u, ok := checker.FailureUpdate(outcome, c.cred, c.model, now)
	if !ok {
		return
	}
	ps.pool.Update(c.cred.Fingerprint, u)

	slog.LogAttrs(ctx, slog.LevelWarn, "key state changed by upstream response",
		slog.String("vendor", string(c.vendor)),
		slog.String("key", c.cred.Short()),
		slog.String("model", c.model),
		slog.String("outcome", outcome.String()),
		slog.Int("status", status),
		slog.String("request_id", gateway.RequestIDFromContext(ctx)),
	)
	if ps.metrics != nil {
		ps.metrics.KeyFeedback.WithLabelValues(string(c.vendor), outcome.String()).Inc()
	}
	if ps.events != nil {
		ps.events.Record(gateway.KeyEvent{
			ID:          uuid.Must(uuid.NewV7()).String(),
			Fingerprint: c.cred.Fingerprint,
			Vendor:      c.vendor,
			Outcome:     outcome.String(),
			Source:      "pipeline",
			StatusCode:  status,
			CreatedAt:   now,
		})
	}
}

// succeed clears the transient rate-limited flag after a successful call.
func (ps *ProxyService) succeed(c *call) {
	if c.cred.RateLimited {
		ps.pool.Update(c.cred.Fingerprint, gateway.CredentialUpdate{RateLimited: gateway.Ptr(false)})
	}
}

func (ps *ProxyService) observeUpstream(c *call) {
	if ps.metrics == nil {
		return
	}
	ps.metrics.UpstreamDuration.WithLabelValues(string(c.vendor), c.model).
		Observe(ps.now().Sub(c.start).Seconds())
}

func (ps *ProxyService) countError(vendor gateway.Vendor, kind string) {
	if ps.metrics != nil {
		ps.metrics.UpstreamErrors.WithLabelValues(string(vendor), kind).Inc()
	}
}

func (ps *ProxyService) recordUsage(ctx context.Context, c *call, u *gateway.Usage, status int) {
	if u != nil && ps.metrics != nil {
		ps.metrics.TokensProcessed.WithLabelValues(c.model, "prompt").Add(float64(u.PromptTokens))
		ps.metrics.TokensProcessed.WithLabelValues(c.model, "completion").Add(float64(u.CompletionTokens))
	}
	if ps.usage == nil {
		return
	}
	rec := gateway.UsageRecord{
		ID:          uuid.Must(uuid.NewV7()).String(),
		RequestID:   gateway.RequestIDFromContext(ctx),
		Vendor:      c.vendor,
		Model:       c.model,
		Fingerprint: c.cred.Fingerprint,
		Stream:      c.stream,
		LatencyMs:   int(ps.now().Sub(c.start).Milliseconds()),
		StatusCode:  status,
		CreatedAt:   ps.now(),
	}
	if u != nil {
		rec.PromptTokens = u.PromptTokens
		rec.CompletionTokens = u.CompletionTokens
		rec.TotalTokens = u.TotalTokens
	}
	ps.usage.Record(rec)
}

// ErrorStatus maps a pipeline error to the HTTP status returned to callers.
func ErrorStatus(err error) int { return errorStatus(err) }

func errorStatus(err error) int {
	var apiErr *provider.APIError
	switch {
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrNoUsableKey), errors.Is(err, gateway.ErrCapacityTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrTranslation):
		return http.StatusInternalServerError
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		return apiErr.StatusCode
	case errors.Is(err, gateway.ErrNetworkFailure), errors.Is(err, gateway.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}
