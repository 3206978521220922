// Package telemetry provides observability primitives for the keyrelay gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "keyrelay"

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	RateLimitRejects *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	KeyChecks        *prometheus.CounterVec
	KeyFeedback      *prometheus.CounterVec
	UsableKeys       *prometheus.GaugeVec
	QueueDepth       *prometheus.GaugeVec
	QueueWait        *prometheus.HistogramVec
	CapacityTimeouts *prometheus.CounterVec
	RecorderQueue    *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by route and vendor.",
		}, []string{"method", "path", "vendor", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       namespace,
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path", "vendor"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       namespace,
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream vendor call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"vendor", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total upstream vendor errors by classified outcome.",
		}, []string{"vendor", "kind"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejects_total",
			Help:      "Total caller rate limit rejections.",
		}, []string{"vendor"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		KeyChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_checks_total",
			Help:      "Total credential checks by outcome.",
		}, []string{"vendor", "outcome"}),

		KeyFeedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_feedback_total",
			Help:      "Credential state changes caused by live traffic.",
		}, []string{"vendor", "outcome"}),

		UsableKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "usable_keys",
			Help:      "Enabled credentials per vendor.",
		}, []string{"vendor"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_queue_depth",
			Help:      "Requests waiting for admission per vendor.",
		}, []string{"vendor"}),

		QueueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       namespace,
			Name:                            "admission_wait_seconds",
			Help:                            "Time spent waiting in the admission queue.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"vendor"}),

		CapacityTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_timeouts_total",
			Help:      "Requests that exceeded the maximum queue wait.",
		}, []string{"vendor"}),

		RecorderQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recorder_queue_length",
			Help:      "Current number of buffered bookkeeping rows.",
		}, []string{"recorder"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.KeyChecks,
		m.KeyFeedback,
		m.UsableKeys,
		m.QueueDepth,
		m.QueueWait,
		m.CapacityTimeouts,
		m.RecorderQueue,
	)

	return m
}
