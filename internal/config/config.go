package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/validator/internal/domain/queue"
	"github.com/ehr/validator/internal/platform/connectivity"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	FHIRServerURL           string  `mapstructure:"FHIR_SERVER_URL"`
	TerminologyServerURL    string  `mapstructure:"TERMINOLOGY_SERVER_URL"`
	UpstreamTimeoutMs       int     `mapstructure:"UPSTREAM_TIMEOUT_MS"`
	UpstreamAuthSecret      string  `mapstructure:"UPSTREAM_AUTH_SECRET"`
	UpstreamAuthIssuer      string  `mapstructure:"UPSTREAM_AUTH_ISSUER"`
	TerminologyRateLimitRPS float64 `mapstructure:"TERMINOLOGY_RATE_LIMIT_RPS"`

	HealthCheckIntervalSec  int `mapstructure:"HEALTH_CHECK_INTERVAL_SEC"`
	CircuitFailureThreshold int `mapstructure:"CIRCUIT_FAILURE_THRESHOLD"`
	CircuitOpenTimeoutSec   int `mapstructure:"CIRCUIT_OPEN_TIMEOUT_SEC"`
	DegradeAfterFailures    int `mapstructure:"DEGRADE_AFTER_FAILURES"`
	SlowResponseMs          int `mapstructure:"SLOW_RESPONSE_MS"`

	QueueConcurrency  int `mapstructure:"QUEUE_CONCURRENCY"`
	QueueMaxAttempts  int `mapstructure:"QUEUE_MAX_ATTEMPTS"`
	QueueBackoffMs    int `mapstructure:"QUEUE_BACKOFF_MS"`
	ResourceTimeoutMs int `mapstructure:"RESOURCE_TIMEOUT_MS"`

	SettingsFile  string `mapstructure:"SETTINGS_FILE"`
	NATSURL       string `mapstructure:"NATS_URL"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	TraceExporter string `mapstructure:"TRACE_EXPORTER"`
	OTLPEndpoint  string `mapstructure:"OTLP_ENDPOINT"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"FHIR_SERVER_URL", "TERMINOLOGY_SERVER_URL", "UPSTREAM_TIMEOUT_MS",
	"UPSTREAM_AUTH_SECRET", "UPSTREAM_AUTH_ISSUER", "TERMINOLOGY_RATE_LIMIT_RPS",
	"HEALTH_CHECK_INTERVAL_SEC", "CIRCUIT_FAILURE_THRESHOLD", "CIRCUIT_OPEN_TIMEOUT_SEC",
	"DEGRADE_AFTER_FAILURES", "SLOW_RESPONSE_MS",
	"QUEUE_CONCURRENCY", "QUEUE_MAX_ATTEMPTS", "QUEUE_BACKOFF_MS", "RESOURCE_TIMEOUT_MS",
	"SETTINGS_FILE", "NATS_URL", "MIGRATIONS_DIR",
	"TRACE_EXPORTER", "OTLP_ENDPOINT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("UPSTREAM_TIMEOUT_MS", 10000)
	v.SetDefault("UPSTREAM_AUTH_ISSUER", "validator")
	v.SetDefault("TERMINOLOGY_RATE_LIMIT_RPS", 20)
	v.SetDefault("HEALTH_CHECK_INTERVAL_SEC", 30)
	v.SetDefault("CIRCUIT_FAILURE_THRESHOLD", 5)
	v.SetDefault("CIRCUIT_OPEN_TIMEOUT_SEC", 30)
	v.SetDefault("DEGRADE_AFTER_FAILURES", 2)
	v.SetDefault("SLOW_RESPONSE_MS", 5000)
	v.SetDefault("QUEUE_CONCURRENCY", 4)
	v.SetDefault("QUEUE_MAX_ATTEMPTS", 2)
	v.SetDefault("QUEUE_BACKOFF_MS", 500)
	v.SetDefault("RESOURCE_TIMEOUT_MS", 30000)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("TRACE_EXPORTER", "none")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesPostgres reports whether results are persisted to Postgres. Without
// DATABASE_URL an in-memory store is used.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	for name, raw := range map[string]string{
		"FHIR_SERVER_URL":        c.FHIRServerURL,
		"TERMINOLOGY_SERVER_URL": c.TerminologyServerURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
		}
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.QueueConcurrency < 1 || c.QueueConcurrency > 256 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be between 1 and 256, got %d", c.QueueConcurrency)
	}
	if c.QueueMaxAttempts < 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must not be negative, got %d", c.QueueMaxAttempts)
	}
	if c.CircuitFailureThreshold < 1 {
		return fmt.Errorf("CIRCUIT_FAILURE_THRESHOLD must be at least 1, got %d", c.CircuitFailureThreshold)
	}
	switch c.TraceExporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("TRACE_EXPORTER must be none, stdout or otlp, got %q", c.TraceExporter)
	}
	if c.IsProduction() && (c.FHIRServerURL != "" || c.TerminologyServerURL != "") && c.UpstreamAuthSecret == "" {
		return fmt.Errorf("UPSTREAM_AUTH_SECRET is required in production when upstream servers are configured")
	}
	return nil
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutMs) * time.Millisecond
}

// Monitor returns the connectivity monitor settings.
func (c *Config) Monitor() connectivity.Options {
	return connectivity.Options{
		Interval:     time.Duration(c.HealthCheckIntervalSec) * time.Second,
		ProbeTimeout: c.UpstreamTimeout(),
		Breaker: connectivity.BreakerOpts{
			DegradeAfter:  c.DegradeAfterFailures,
			SlowThreshold: time.Duration(c.SlowResponseMs) * time.Millisecond,
			TripThreshold: c.CircuitFailureThreshold,
			Window:        connectivity.DefaultBreakerOpts.Window,
			OpenTimeout:   time.Duration(c.CircuitOpenTimeoutSec) * time.Second,
			RecoverAfter:  connectivity.DefaultBreakerOpts.RecoverAfter,
		},
	}
}

// Queue returns the default batch options.
func (c *Config) Queue() queue.BatchOptions {
	return queue.BatchOptions{
		Concurrency:     c.QueueConcurrency,
		MaxAttempts:     c.QueueMaxAttempts,
		Backoff:         time.Duration(c.QueueBackoffMs) * time.Millisecond,
		BackoffKind:     queue.BackoffExponential,
		Priority:        queue.PriorityNormal,
		ResourceTimeout: time.Duration(c.ResourceTimeoutMs) * time.Millisecond,
	}
}
