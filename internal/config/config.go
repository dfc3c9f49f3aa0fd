// Package config loads and validates the logwarden configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the LGW_ prefix (e.g., LGW_STORE_BACKEND
// overrides store.backend in the YAML). Secrets may be written as ${VAR} in the
// YAML and are expanded after unmarshalling.
//
// Guardrail settings (access roles, permission mode, query bounds, redaction and
// audit retention) are not unmarshalled into Config. They are read as untyped values
// and converted by GuardrailsFromMap so that a bad value falls back to its default
// instead of failing startup or a hot reload. See settings.go.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Access    AccessConfig    `mapstructure:"access"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// Guardrails is the typed snapshot of the hot-reloadable settings at load time.
	Guardrails Guardrails `mapstructure:"-"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig selects and configures the durable key-value backend used for
// rate-limit records and the audit trail.
type StoreConfig struct {
	// Backend is one of "memory", "redis" or "postgres"
	Backend  string         `mapstructure:"backend"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`

	// SweepInterval is how often expired keys are deleted from backends
	// without native expiry (postgres, memory). 0 disables the sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// UpstreamConfig holds the log backend configuration
type UpstreamConfig struct {
	Loki LokiConfig `mapstructure:"loki"`
}

// LokiConfig holds Loki query API configuration
type LokiConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	TenantID string        `mapstructure:"tenant_id"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// Selector is the fixed LogQL stream selector every query is scoped to,
	// e.g. {job="chat"}. Requests cannot widen it.
	Selector string `mapstructure:"selector"`
}

// AccessConfig holds the non-reloadable part of access control: where the
// delegated permission lookup goes and who may read the audit trail.
type AccessConfig struct {
	// HostURL is the chat-platform origin used for permission lookups. Required
	// in strict permission mode; when empty, lookups are unavailable.
	HostURL           string        `mapstructure:"host_url"`
	PermissionTimeout time.Duration `mapstructure:"permission_timeout"`
	AuditReadRoles    []string      `mapstructure:"audit_read_roles"`
}

// AuthConfig holds identity token configuration
type AuthConfig struct {
	// Issuer, when set, must match the iss claim of identity tokens.
	Issuer string `mapstructure:"issuer"`
}

// AuditConfig holds audit shipping configuration. Retention and size limits
// are guardrail settings.
type AuditConfig struct {
	// PruneInterval is how often expired entries are swept from the trail.
	// Zero disables the sweep; appends still trim.
	PruneInterval time.Duration `mapstructure:"prune_interval"`
	// Shippers configures external log shipping
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	// Enabled determines if this shipper is active
	Enabled bool `mapstructure:"enabled"`
	// Type is the shipper type (webhook, file, s3)
	Type    string              `mapstructure:"type"`
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
	S3      *AuditS3Config      `mapstructure:"s3"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL         string            `mapstructure:"url"`
	Headers     map[string]string `mapstructure:"headers"`
	TimeoutSecs int               `mapstructure:"timeout_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path string `mapstructure:"path"`
}

// AuditS3Config holds S3 archive shipper configuration
type AuditS3Config struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO etc.)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`

	// Static credentials; when empty the AWS default credential chain is used
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// RoleARN, when set, is assumed through STS on top of the base credentials
	RoleARN    string `mapstructure:"role_arn"`
	ExternalID string `mapstructure:"external_id"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds ingress throttling configuration. This is a coarse
// per-client limit in front of identity resolution, separate from the
// per-user query quota.
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",

		// Store
		"store.backend",
		"store.redis.addr",
		"store.redis.password",
		"store.redis.db",
		"store.redis.key_prefix",
		"store.database.host",
		"store.database.port",
		"store.database.name",
		"store.database.user",
		"store.database.password",
		"store.database.ssl_mode",
		"store.database.max_connections",
		"store.database.min_idle_connections",
		"store.sweep_interval",

		// Upstream
		"upstream.loki.base_url",
		"upstream.loki.tenant_id",
		"upstream.loki.username",
		"upstream.loki.password",
		"upstream.loki.timeout",
		"upstream.loki.selector",

		// Access
		"access.host_url",
		"access.permission_timeout",
		"access.audit_read_roles",

		// Auth
		"auth.issuer",

		// Audit
		"audit.prune_interval",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range guardrailKeys {
		keys = append(keys, key)
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg, _, err := LoadWithViper(configPath)
	return cfg, err
}

// LoadWithViper is Load but also returns the underlying Viper instance so the
// caller can watch the config file for guardrail changes.
func LoadWithViper(configPath string) (*Config, *viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/logwarden")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("LGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Store.Database.Password = expandEnv(cfg.Store.Database.Password)
	cfg.Store.Redis.Password = expandEnv(cfg.Store.Redis.Password)
	cfg.Upstream.Loki.Password = expandEnv(cfg.Upstream.Loki.Password)
	for i := range cfg.Audit.Shippers {
		if s3 := cfg.Audit.Shippers[i].S3; s3 != nil {
			s3.AccessKeyID = expandEnv(s3.AccessKeyID)
			s3.SecretAccessKey = expandEnv(s3.SecretAccessKey)
		}
	}

	cfg.Guardrails = GuardrailsFromViper(v)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, v, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")

	// Store defaults
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.key_prefix", "logwarden:")
	v.SetDefault("store.database.host", "localhost")
	v.SetDefault("store.database.port", 5432)
	v.SetDefault("store.database.name", "logwarden")
	v.SetDefault("store.database.user", "logwarden")
	v.SetDefault("store.database.ssl_mode", "require")
	v.SetDefault("store.database.max_connections", 10)
	v.SetDefault("store.database.min_idle_connections", 2)
	v.SetDefault("store.sweep_interval", "10m")

	// Upstream defaults
	v.SetDefault("upstream.loki.base_url", "http://localhost:3100")
	v.SetDefault("upstream.loki.timeout", "15s")
	v.SetDefault("upstream.loki.selector", `{job=~".+"}`)

	// Access defaults
	v.SetDefault("access.permission_timeout", "5s")
	v.SetDefault("access.audit_read_roles", []string{"admin"})
	v.SetDefault("audit.prune_interval", "1h")

	// Guardrail defaults
	for name, key := range guardrailKeys {
		v.SetDefault(key, guardrailDefaults[name])
	}

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "logwarden")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required when using the redis backend")
		}
	case "postgres":
		if c.Store.Database.Host == "" {
			return fmt.Errorf("store.database.host is required when using the postgres backend")
		}
		if c.Store.Database.Name == "" {
			return fmt.Errorf("store.database.name is required when using the postgres backend")
		}
		if c.Store.Database.User == "" {
			return fmt.Errorf("store.database.user is required when using the postgres backend")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be memory, redis, or postgres)", c.Store.Backend)
	}

	if c.Upstream.Loki.BaseURL == "" {
		return fmt.Errorf("upstream.loki.base_url is required")
	}
	if c.Upstream.Loki.Timeout <= 0 {
		return fmt.Errorf("upstream.loki.timeout must be positive")
	}
	if !strings.HasPrefix(strings.TrimSpace(c.Upstream.Loki.Selector), "{") {
		return fmt.Errorf("upstream.loki.selector must be a LogQL stream selector, got %q", c.Upstream.Loki.Selector)
	}

	if c.Guardrails.PermissionMode == PermissionModeStrict && c.Access.HostURL == "" {
		return fmt.Errorf("access.host_url is required when access.permission_mode is strict")
	}
	if c.Access.HostURL != "" {
		u, err := url.Parse(c.Access.HostURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("access.host_url must be an absolute http(s) URL, got %q", c.Access.HostURL)
		}
	}

	if c.Store.SweepInterval < 0 {
		return fmt.Errorf("store.sweep_interval must not be negative")
	}
	if c.Audit.PruneInterval < 0 {
		return fmt.Errorf("audit.prune_interval must not be negative")
	}

	for i, s := range c.Audit.Shippers {
		if !s.Enabled {
			continue
		}
		switch s.Type {
		case "webhook":
			if s.Webhook == nil || s.Webhook.URL == "" {
				return fmt.Errorf("audit.shippers[%d]: webhook.url is required", i)
			}
		case "file":
			if s.File == nil || s.File.Path == "" {
				return fmt.Errorf("audit.shippers[%d]: file.path is required", i)
			}
		case "s3":
			if s.S3 == nil || s.S3.Bucket == "" || s.S3.Region == "" {
				return fmt.Errorf("audit.shippers[%d]: s3.bucket and s3.region are required", i)
			}
		default:
			return fmt.Errorf("audit.shippers[%d]: unsupported type %q (must be webhook, file, or s3)", i, s.Type)
		}
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
