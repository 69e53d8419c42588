// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Provisioning  ProvisioningConfig  `yaml:"provisioning"`
	Notification  NotificationConfig  `yaml:"notification"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// StoreConfig describes workflow and audit persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// IdempotencyConfig describes the intake idempotency store.
type IdempotencyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ApprovalConfig describes the approval gate.
type ApprovalConfig struct {
	ApproverAddress  string        `yaml:"approver_address"`
	ReminderInterval time.Duration `yaml:"reminder_interval"`
	MaxReminders     int           `yaml:"max_reminders"`
	Expiry           time.Duration `yaml:"expiry"`
	ActionBaseURL    string        `yaml:"action_base_url"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// ProvisioningConfig describes how provisioning steps reach the database
// platform.
type ProvisioningConfig struct {
	Driver         string               `yaml:"driver"`
	DefaultRole    string               `yaml:"default_role"`
	HTTP           ProvisioningHTTP     `yaml:"http"`
	Servers        map[string]string    `yaml:"servers"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

// ProvisioningHTTP describes the HTTP provisioning API.
type ProvisioningHTTP struct {
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	TokenEnv string        `yaml:"token_env"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes a bounded exponential backoff policy.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// RateLimitConfig caps outbound calls per second.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// NotificationConfig describes notification transports.
type NotificationConfig struct {
	Retry    RetryConfig    `yaml:"retry"`
	Slack    SlackConfig    `yaml:"slack"`
	Telegram TelegramConfig `yaml:"telegram"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

// SlackConfig describes the Slack transport.
type SlackConfig struct {
	TokenEnv string `yaml:"token_env"`
}

// TelegramConfig describes the Telegram transport.
type TelegramConfig struct {
	TokenEnv string `yaml:"token_env"`
}

// SMTPConfig describes the e-mail transport.
type SMTPConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
	From        string `yaml:"from"`
}

// WebhookConfig describes the webhook transport.
type WebhookConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // json or console
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Correlation-Id",
					"X-Idempotency-Key", "X-Actor"},
				MaxAge: 86400,
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Enabled:    true,
			Driver:     "memory",
			DefaultTTL: 24 * time.Hour,
		},
		Approval: ApprovalConfig{
			ReminderInterval: 24 * time.Hour,
			MaxReminders:     3,
			Expiry:           96 * time.Hour,
			ActionBaseURL:    "http://localhost:8080",
			SweepInterval:    5 * time.Minute,
		},
		Provisioning: ProvisioningConfig{
			Driver:      "http",
			DefaultRole: "db_datareader",
			HTTP: ProvisioningHTTP{
				Timeout: 30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       5,
				BackoffInitial:    time.Second,
				BackoffMultiplier: 2.0,
				BackoffMax:        time.Minute,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			RateLimit: RateLimitConfig{
				PerSecond: 10,
				Burst:     5,
			},
		},
		Notification: NotificationConfig{
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    500 * time.Millisecond,
				BackoffMultiplier: 2.0,
				BackoffMax:        10 * time.Second,
			},
			SMTP: SMTPConfig{
				Port: 587,
			},
			Webhook: WebhookConfig{
				Timeout: 10 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	if c.Idempotency.Enabled && c.Idempotency.Driver == "redis" && c.Idempotency.AddrEnv == "" {
		errs = append(errs, "idempotency.addr_env is required for the redis driver")
	}

	if c.Approval.ApproverAddress == "" {
		errs = append(errs, "approval.approver_address is required")
	}
	if c.Approval.ReminderInterval <= 0 {
		errs = append(errs, "approval.reminder_interval must be positive")
	}
	if c.Approval.Expiry <= 0 {
		errs = append(errs, "approval.expiry must be positive")
	}
	if c.Approval.MaxReminders < 0 {
		errs = append(errs, "approval.max_reminders must not be negative")
	}

	switch c.Provisioning.Driver {
	case "http":
		if c.Provisioning.HTTP.BaseURL == "" {
			errs = append(errs, "provisioning.http.base_url is required for the http driver")
		}
	case "postgres":
		if len(c.Provisioning.Servers) == 0 {
			errs = append(errs, "provisioning.servers is required for the postgres driver")
		}
	case "noop":
	default:
		errs = append(errs, fmt.Sprintf("provisioning.driver %q is not supported", c.Provisioning.Driver))
	}
	if c.Provisioning.DefaultRole == "" {
		errs = append(errs, "provisioning.default_role is required")
	}
	if c.Provisioning.Retry.MaxAttempts < 1 {
		errs = append(errs, "provisioning.retry.max_attempts must be at least 1")
	}
	switch c.Observability.LogFormat {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format %q is not supported", c.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads GRANTFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRANTFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GRANTFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("GRANTFLOW_APPROVER_ADDRESS"); v != "" {
		cfg.Approval.ApproverAddress = v
	}
	if v := os.Getenv("GRANTFLOW_APPROVAL_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Approval.Expiry = d
		}
	}
	if v := os.Getenv("GRANTFLOW_PROVISIONING_DRIVER"); v != "" {
		cfg.Provisioning.Driver = v
	}
	if v := os.Getenv("GRANTFLOW_PROVISIONING_BASE_URL"); v != "" {
		cfg.Provisioning.HTTP.BaseURL = v
	}
	if v := os.Getenv("GRANTFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("GRANTFLOW_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
