package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/admission"
	"github.com/eugener/keyrelay/internal/app"
	"github.com/eugener/keyrelay/internal/catalog"
	"github.com/eugener/keyrelay/internal/checker"
	"github.com/eugener/keyrelay/internal/cloudauth"
	"github.com/eugener/keyrelay/internal/config"
	"github.com/eugener/keyrelay/internal/keypool"
	"github.com/eugener/keyrelay/internal/provider"
	"github.com/eugener/keyrelay/internal/provider/bedrock"
	"github.com/eugener/keyrelay/internal/provider/gemini"
	"github.com/eugener/keyrelay/internal/provider/openai"
	"github.com/eugener/keyrelay/internal/ratelimit"
	"github.com/eugener/keyrelay/internal/server"
	"github.com/eugener/keyrelay/internal/storage/sqlite"
	"github.com/eugener/keyrelay/internal/telemetry"
	"github.com/eugener/keyrelay/internal/worker"
)

// defaultBaseURLs are the upstream roots used when the config leaves
// vendors.<name>.base_url empty.
var defaultBaseURLs = map[gateway.Vendor]string{
	gateway.VendorAWS:      bedrock.DefaultEndpoint,
	gateway.VendorGoogleAI: gemini.DefaultBaseURL,
	gateway.VendorGrok:     openai.GrokBaseURL,
	gateway.VendorDeepseek: openai.DeepseekBaseURL,
}

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting keyrelay", "version", version, "addr", cfg.Server.Addr)

	creds, err := cfg.Credentials()
	if err != nil {
		return err
	}
	pool, err := keypool.New(creds)
	if err != nil {
		return err
	}
	for _, v := range gateway.Vendors {
		slog.LogAttrs(context.Background(), slog.LevelInfo, "keys loaded",
			slog.String("vendor", string(v)),
			slog.Int("usable", pool.Usable(v)),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Metrics
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Error("tracer shutdown", "error", err)
			}
		}()
	}

	// Upstream transport shared by every vendor adapter.
	var resolver *dnscache.Resolver
	if cfg.DNSCache.Enabled {
		resolver = &dnscache.Resolver{}
	}
	transports, err := cloudauth.NewTransportCache(provider.NewTransport(resolver))
	if err != nil {
		return err
	}

	baseURLs := make(map[gateway.Vendor]string, len(defaultBaseURLs))
	for v, def := range defaultBaseURLs {
		baseURLs[v] = def
		if u := cfg.BaseURL(v); u != "" {
			baseURLs[v] = u
		}
	}

	geminiClient := gemini.New(baseURLs[gateway.VendorGoogleAI], transports)
	providers := provider.NewRegistry()
	providers.Register(bedrock.New(baseURLs[gateway.VendorAWS], transports))
	providers.Register(geminiClient)
	providers.Register(openai.NewGrok(baseURLs[gateway.VendorGrok], transports))
	providers.Register(openai.NewDeepseek(baseURLs[gateway.VendorDeepseek], transports))

	// Optional event log
	var (
		workers  []worker.Worker
		eventLog server.EventLog
		appOpts  = app.Options{Metrics: metrics, Tracer: telemetry.Tracer("keyrelay")}
		chkOpts  = checker.Options{
			BaseURLs:    baseURLs,
			Timeout:     cfg.Checker.Timeout,
			Concurrency: cfg.Checker.Concurrency,
			Metrics:     metrics,
		}
		readyErr = errors.New("no vendor has a usable key")
	)
	if cfg.Storage.DSN != "" {
		store, err := sqlite.New(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		defer store.Close()

		usage := worker.NewUsageRecorder(store, metrics)
		events := worker.NewEventRecorder(store, metrics)
		workers = append(workers, usage, events)
		if cfg.Storage.Retention > 0 {
			workers = append(workers, worker.NewRetentionWorker(store, cfg.Storage.Retention))
		}
		appOpts.Usage = usage
		appOpts.Events = events
		chkOpts.Events = events
		eventLog = store
	}

	// Admission and key health
	adm := admission.New(pool, gateway.Vendors, admission.Options{
		Limits:      ratelimit.Limits{RPM: cfg.RateLimits.RPM, Burst: cfg.RateLimits.Burst},
		MaxInFlight: cfg.Admission.MaxInFlight,
		MaxWait:     cfg.Admission.MaxWait,
		Metrics:     metrics,
	})
	pool.OnChange(adm.Notify)
	if metrics != nil {
		pool.OnChange(func(gateway.Vendor) { worker.ObserveUsableKeys(pool, metrics) })
		worker.ObserveUsableKeys(pool, metrics)
	}

	chk := checker.New(pool, transports, chkOpts)
	checkWorker, err := worker.NewKeyCheckWorker(chk, cfg.Checker.Schedule, cfg.Checker.OnStart)
	if err != nil {
		return fmt.Errorf("checker schedule: %w", err)
	}
	workers = append(workers, checkWorker, worker.NewMaintenanceWorker(adm, pool, metrics))
	if resolver != nil {
		workers = append(workers, worker.NewDNSRefreshWorker(resolver, cfg.DNSCache.Refresh))
	}

	// Create HTTP server
	handler := server.New(server.Deps{
		Proxy:      app.NewProxyService(providers, pool, adm, appOpts),
		Catalog:    catalog.New(pool),
		Native:     geminiClient,
		Keys:       pool,
		Checker:    chk,
		Log:        eventLog,
		AdminToken: cfg.Admin.Token,
		TrustProxy: cfg.Server.TrustProxy,
		ReadyCheck: func(context.Context) error {
			for _, v := range gateway.Vendors {
				if pool.Usable(v) > 0 {
					return nil
				}
			}
			return readyErr
		},
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Workers outlive the signal context so recorders can take the final
	// rows written during server shutdown; they drain before Run returns.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.NewRunner(workers...).Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("keyrelay ready", "addr", cfg.Server.Addr)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case serveErr = <-errCh:
	}

	// Shutdown: stop accepting traffic first so in-flight requests can still
	// record usage, then drain the workers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	cancelWorkers()
	if err := <-workerDone; err != nil {
		slog.Error("worker error", "error", err)
	}

	if serveErr != nil {
		return serveErr
	}
	slog.Info("keyrelay stopped")
	return nil
}
