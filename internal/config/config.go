// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Database      DatabaseConfig      `yaml:"database"`
	Membership    MembershipConfig    `yaml:"membership"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Redis         RedisConfig         `yaml:"redis"`
	Resources     ResourcesConfig     `yaml:"resources"`
	Approvals     ApprovalsConfig     `yaml:"approvals"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer        string            `yaml:"issuer"`
	Audience      string            `yaml:"audience"`
	JWKSURL       string            `yaml:"jwks_url"`
	JWKSCacheTTL  time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms    []string          `yaml:"algorithms"`
	ClaimPaths    map[string]string `yaml:"claim_paths"`
	SessionCookie string            `yaml:"session_cookie"`
}

// DatabaseConfig describes persistence settings shared by all stores.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// MembershipConfig describes membership lookup caching.
type MembershipConfig struct {
	Cache CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings. Driver is "memory" or "redis".
type CacheConfig struct {
	Driver     string        `yaml:"driver"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// RedisConfig describes the redis connection shared by every redis-backed
// component.
type RedisConfig struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// ResourcesConfig describes where to find resource definition files.
type ResourcesConfig struct {
	Directories []string `yaml:"directories"`
	MaxPageSize int      `yaml:"max_page_size"`
}

// ApprovalsConfig describes approval routing.
type ApprovalsConfig struct {
	Rules []RoutingRuleConfig `yaml:"rules"`
}

// RoutingRuleConfig is one approval routing rule. When is an expression over
// the request fields that must evaluate to a bool.
type RoutingRuleConfig struct {
	Name         string `yaml:"name"`
	When         string `yaml:"when"`
	ApproverRole string `yaml:"approver_role"`
	StepOrder    int    `yaml:"step_order"`
}

// NotificationsConfig describes outbound event delivery.
type NotificationsConfig struct {
	NATS     NATSConfig     `yaml:"nats"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
}

// NATSConfig describes the NATS event publisher.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URLEnv        string `yaml:"url_env"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// WebhooksConfig describes outbound webhook delivery.
type WebhooksConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	Workers        int                  `yaml:"workers"`
	QueueSize      int                  `yaml:"queue_size"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings per endpoint.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
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
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"user_id": "sub",
				"email":   "email",
			},
			SessionCookie: "session",
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			DSNEnv:          "PROCURA_DATABASE_DSN",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Membership: MembershipConfig{
			Cache: CacheConfig{
				Driver:     "memory",
				TTL:        1 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Resources: ResourcesConfig{
			Directories: []string{"definitions"},
			MaxPageSize: 100,
		},
		Notifications: NotificationsConfig{
			NATS: NATSConfig{
				URLEnv:        "PROCURA_NATS_URL",
				SubjectPrefix: "procura",
			},
			Webhooks: WebhooksConfig{
				Workers:   4,
				QueueSize: 256,
				Timeout:   10 * time.Second,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					SuccessThreshold: 1,
					Timeout:          30 * time.Second,
				},
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Redis: RedisConfig{AddrEnv: "PROCURA_REDIS_ADDR"},
	}
}

// Load reads an optional .env file, then a YAML config file, applies
// environment variable overrides, and validates required fields.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: reading .env: %w", err)
	}

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
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	switch c.Database.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	for _, d := range []struct{ key, driver string }{
		{"membership.cache.driver", c.Membership.Cache.Driver},
		{"idempotency.store.driver", c.Idempotency.Store.Driver},
	} {
		if d.driver != "memory" && d.driver != "redis" {
			errs = append(errs, fmt.Sprintf("%s %q is not supported", d.key, d.driver))
		}
	}
	if len(c.Resources.Directories) == 0 {
		errs = append(errs, "resources.directories must list at least one directory")
	}
	for i, r := range c.Approvals.Rules {
		if r.Name == "" {
			errs = append(errs, fmt.Sprintf("approvals.rules[%d].name is required", i))
		}
		if r.When == "" {
			errs = append(errs, fmt.Sprintf("approvals.rules[%d].when is required", i))
		}
		if r.ApproverRole == "" {
			errs = append(errs, fmt.Sprintf("approvals.rules[%d].approver_role is required", i))
		}
	}
	if c.Notifications.Webhooks.Enabled && c.Notifications.Webhooks.Workers < 1 {
		errs = append(errs, "notifications.webhooks.workers must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads PROCURA_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROCURA_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PROCURA_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("PROCURA_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("PROCURA_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("PROCURA_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("PROCURA_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("PROCURA_RESOURCES_DIRECTORIES"); v != "" {
		cfg.Resources.Directories = strings.Split(v, ",")
	}
}
