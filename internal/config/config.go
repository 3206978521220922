// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Storage    StorageConfig           `yaml:"storage"`
	Admin      AdminConfig             `yaml:"admin"`
	RateLimits RateLimitConfig         `yaml:"rate_limits"`
	Admission  AdmissionConfig         `yaml:"admission"`
	Checker    CheckerConfig           `yaml:"checker"`
	Telemetry  TelemetryConfig         `yaml:"telemetry"`
	DNSCache   DNSCacheConfig          `yaml:"dns_cache"`
	Vendors    map[string]VendorConfig `yaml:"vendors"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// RateLimitConfig holds the per-caller limiter settings.
type RateLimitConfig struct {
	RPM   int64 `yaml:"rpm"`   // requests per minute per client IP (0 = unlimited)
	Burst int64 `yaml:"burst"` // bucket capacity; defaults to RPM
}

// AdmissionConfig bounds upstream concurrency per vendor.
type AdmissionConfig struct {
	MaxInFlight int           `yaml:"max_in_flight"` // 0 = unbounded
	MaxWait     time.Duration `yaml:"max_wait"`
}

// CheckerConfig controls periodic credential probing.
type CheckerConfig struct {
	Schedule    string        `yaml:"schedule"` // cron expression, "" disables periodic checks
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
	OnStart     bool          `yaml:"on_start"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TrustProxy      bool          `yaml:"trust_proxy"` // derive caller IP from X-Forwarded-For / X-Real-IP
}

// StorageConfig holds the optional SQLite event log settings.
type StorageConfig struct {
	DSN       string        `yaml:"dsn"`       // file path or ":memory:"; empty disables the event log
	Retention time.Duration `yaml:"retention"` // 0 keeps rows forever
}

// AdminConfig holds the admin surface settings.
type AdminConfig struct {
	Token string `yaml:"token"` // bearer token; empty disables /admin
}

// DNSCacheConfig controls the upstream DNS cache.
type DNSCacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Refresh time.Duration `yaml:"refresh"`
}

// VendorConfig configures one upstream vendor.
type VendorConfig struct {
	BaseURL string     `yaml:"base_url"` // aws: endpoint template containing {region}
	Keys    []KeyEntry `yaml:"keys"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":7860",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Retention: 30 * 24 * time.Hour,
		},
		RateLimits: RateLimitConfig{
			RPM: 60,
		},
		Admission: AdmissionConfig{
			MaxInFlight: 0,
			MaxWait:     30 * time.Second,
		},
		Checker: CheckerConfig{
			Schedule:    "@every 1h",
			Timeout:     10 * time.Second,
			Concurrency: 4,
			OnStart:     true,
		},
		DNSCache: DNSCacheConfig{
			Enabled: true,
			Refresh: 5 * time.Minute,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.RateLimits.Burst <= 0 {
		cfg.RateLimits.Burst = cfg.RateLimits.RPM
	}
	return cfg, nil
}
