package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tenantgate/pkg/storage"
	"github.com/platinummonkey/tenantgate/pkg/storage/postgres"
)

// EnvPrefix prefixes every environment variable read by this package
const EnvPrefix = "TENANTGATE_"

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Storage configuration
	Storage storage.Config `yaml:"storage"`

	// Session cookie configuration
	Session SessionConfig `yaml:"session"`

	// Billing provider configuration
	Billing BillingConfig `yaml:"billing"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// BaseURL is the public address used in billing redirects
	BaseURL string `yaml:"base_url"`

	// Metrics server (separate port for scraping and probes)
	MetricsPort string `yaml:"metrics_port"`

	RateLimitEnabled bool `yaml:"rate_limit_enabled"`

	// IdentityEmailHeader names the header an authenticating proxy sets
	// on /auth/login. Empty (the default) disables login.
	IdentityEmailHeader string `yaml:"identity_email_header"`
	IdentityNameHeader  string `yaml:"identity_name_header"`

	// IdentityTrustedProxies lists the CIDRs allowed to present identity
	// headers. Required when IdentityEmailHeader is set.
	IdentityTrustedProxies []string `yaml:"identity_trusted_proxies"`
}

// SessionConfig holds cookie session settings
type SessionConfig struct {
	Secret string        `yaml:"secret"`
	Secure bool          `yaml:"secure"`
	MaxAge time.Duration `yaml:"max_age"`
}

// BillingConfig holds payment provider settings
type BillingConfig struct {
	StripeSecretKey     string        `yaml:"stripe_secret_key"`
	StripeWebhookSecret string        `yaml:"stripe_webhook_secret"`
	StripePriceID       string        `yaml:"stripe_price_id"`
	StripeTimeout       time.Duration `yaml:"stripe_timeout"`
	StripeMaxRetries    int64         `yaml:"stripe_max_retries"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json or text

	// Metrics
	MetricsEnabled    bool   `yaml:"metrics_enabled"`
	PlanGaugeSchedule string `yaml:"plan_gauge_schedule"`

	// OpenTelemetry
	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"` // Use insecure gRPC connection
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Default returns the configuration used before any file or environment is applied
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                "8080",
			ReadTimeout:         15 * time.Second,
			WriteTimeout:        15 * time.Second,
			IdleTimeout:         60 * time.Second,
			ShutdownTimeout:     30 * time.Second,
			BaseURL:             "http://localhost:8080",
			MetricsPort:         "9090",
			RateLimitEnabled:    true,
			IdentityNameHeader:  "X-Auth-Request-User",
		},
		Storage: storage.DefaultConfig(),
		Session: SessionConfig{
			Secure: true,
			MaxAge: 7 * 24 * time.Hour,
		},
		Billing: BillingConfig{
			StripeTimeout:    10 * time.Second,
			StripeMaxRetries: 2,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			LogFormat:          "json",
			MetricsEnabled:     true,
			PlanGaugeSchedule:  "@every 1m",
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "tenantgate",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

// Load reads .env (if present), the optional YAML file named by
// TENANTGATE_CONFIG_FILE and then the environment, in increasing precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("HOST", s.Host)
	s.Port = getEnv("PORT", s.Port)
	s.ReadTimeout = getEnvDuration("READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.BaseURL = getEnv("BASE_URL", s.BaseURL)
	s.MetricsPort = getEnv("METRICS_PORT", s.MetricsPort)
	s.RateLimitEnabled = getEnvBool("RATE_LIMIT_ENABLED", s.RateLimitEnabled)
	s.IdentityEmailHeader = getEnv("IDENTITY_EMAIL_HEADER", s.IdentityEmailHeader)
	s.IdentityNameHeader = getEnv("IDENTITY_NAME_HEADER", s.IdentityNameHeader)
	if proxies := getEnv("IDENTITY_TRUSTED_PROXIES", ""); proxies != "" {
		s.IdentityTrustedProxies = splitList(proxies)
	}

	st := &c.Storage
	st.Type = getEnv("STORAGE_TYPE", st.Type)
	st.PostgresURL = getEnv("DATABASE_URL", st.PostgresURL)
	if replicas := getEnv("DATABASE_REPLICA_URLS", ""); replicas != "" {
		st.PostgresReplicaURLs = postgres.ParseReplicaURLs(replicas)
	}
	st.PostgresMaxConns = getEnvInt("DATABASE_MAX_CONNS", st.PostgresMaxConns)
	st.PostgresMinConns = getEnvInt("DATABASE_MIN_CONNS", st.PostgresMinConns)
	st.PostgresTimeout = getEnvDuration("DATABASE_TIMEOUT", st.PostgresTimeout)
	st.RunMigrations = getEnvBool("RUN_MIGRATIONS", st.RunMigrations)
	st.RedisURL = getEnv("REDIS_URL", st.RedisURL)
	st.RedisPassword = getEnv("REDIS_PASSWORD", st.RedisPassword)
	st.RedisDB = getEnvInt("REDIS_DB", st.RedisDB)
	st.RedisMaxRetries = getEnvInt("REDIS_MAX_RETRIES", st.RedisMaxRetries)
	st.RedisPoolSize = getEnvInt("REDIS_POOL_SIZE", st.RedisPoolSize)

	se := &c.Session
	se.Secret = getEnv("SESSION_SECRET", se.Secret)
	se.Secure = getEnvBool("SESSION_SECURE", se.Secure)
	se.MaxAge = getEnvDuration("SESSION_MAX_AGE", se.MaxAge)

	b := &c.Billing
	b.StripeSecretKey = getEnv("STRIPE_SECRET_KEY", b.StripeSecretKey)
	b.StripeWebhookSecret = getEnv("STRIPE_WEBHOOK_SECRET", b.StripeWebhookSecret)
	b.StripePriceID = getEnv("STRIPE_PRICE_ID", b.StripePriceID)
	b.StripeTimeout = getEnvDuration("STRIPE_TIMEOUT", b.StripeTimeout)
	b.StripeMaxRetries = int64(getEnvInt("STRIPE_MAX_RETRIES", int(b.StripeMaxRetries)))

	o := &c.Observability
	o.LogLevel = getEnv("LOG_LEVEL", o.LogLevel)
	o.LogFormat = getEnv("LOG_FORMAT", o.LogFormat)
	o.MetricsEnabled = getEnvBool("METRICS_ENABLED", o.MetricsEnabled)
	o.PlanGaugeSchedule = getEnv("PLAN_GAUGE_SCHEDULE", o.PlanGaugeSchedule)
	o.OTelEnabled = getEnvBool("OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.MetricsPort == "" {
		return fmt.Errorf("metrics port is required")
	}
	if c.Server.Port == c.Server.MetricsPort {
		return fmt.Errorf("server port and metrics port must be different")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if c.Server.IdentityEmailHeader != "" {
		if len(c.Server.IdentityTrustedProxies) == 0 {
			return fmt.Errorf("%sIDENTITY_TRUSTED_PROXIES is required when %sIDENTITY_EMAIL_HEADER is set", EnvPrefix, EnvPrefix)
		}
		for _, cidr := range c.Server.IdentityTrustedProxies {
			if _, _, err := net.ParseCIDR(cidr); err != nil && net.ParseIP(cidr) == nil {
				return fmt.Errorf("invalid trusted proxy %q", cidr)
			}
		}
	}

	// Validate storage config based on type
	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("%sDATABASE_URL is required for postgres storage", EnvPrefix)
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	if len(c.Session.Secret) < 32 {
		return fmt.Errorf("%sSESSION_SECRET must be at least 32 bytes", EnvPrefix)
	}

	// Billing is mandatory: a missing secret would silently disable upgrades
	if c.Billing.StripeSecretKey == "" {
		return fmt.Errorf("%sSTRIPE_SECRET_KEY is required", EnvPrefix)
	}
	if c.Billing.StripeWebhookSecret == "" {
		return fmt.Errorf("%sSTRIPE_WEBHOOK_SECRET is required", EnvPrefix)
	}
	if c.Billing.StripePriceID == "" {
		return fmt.Errorf("%sSTRIPE_PRICE_ID is required", EnvPrefix)
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Observability.LogFormat)
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("invalid OpenTelemetry sample ratio: %v (must be between 0 and 1)", r)
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
