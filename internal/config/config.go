// Package config loads and validates the member directory configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the ORGM_ prefix (e.g., ORGM_DATABASE_HOST
// overrides database.host in the YAML).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Members       MembersConfig       `mapstructure:"members"`
	Lock          LockConfig          `mapstructure:"lock"`
	Events        EventsConfig        `mapstructure:"events"`
	Security      SecurityConfig      `mapstructure:"security"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
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

// RedisConfig holds the shared Redis connection used by the lock service,
// the event publisher and the distributed rate limiter.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// AuthConfig holds bearer token configuration
type AuthConfig struct {
	// JWTSecret signs and verifies session tokens. Falls back to ORGM_JWT_SECRET.
	JWTSecret string `mapstructure:"jwt_secret"`
	// TokenTTL is the lifetime of issued tokens
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// Superusers may invite any role regardless of their own membership
	Superusers []string `mapstructure:"superusers"`
}

// MembersConfig holds the organization membership settings
type MembersConfig struct {
	// InvitesEnabled generates invite tokens and sends invitation emails
	InvitesEnabled bool `mapstructure:"invites_enabled"`
	// AllowExistingInviteRequest lets an invite coexist with a pending request for the same email
	AllowExistingInviteRequest bool `mapstructure:"allow_existing_invite_request"`
	// InviteTokenTTL is how long an invite token stays valid
	InviteTokenTTL time.Duration `mapstructure:"invite_token_ttl"`
	// InviteFeatureDefault is the invite-members feature state for orgs not listed in InviteFeatureOrgs
	InviteFeatureDefault bool `mapstructure:"invite_feature_default"`
	// InviteFeatureOrgs overrides the invite-members feature per organization slug
	InviteFeatureOrgs map[string]bool `mapstructure:"invite_feature_orgs"`
	// DefaultPageSize and MaxPageSize bound the member listing
	DefaultPageSize int `mapstructure:"default_page_size"`
	MaxPageSize     int `mapstructure:"max_page_size"`
}

// LockConfig holds the per-member advisory lock settings
type LockConfig struct {
	// Backend is one of "redis", "postgres" or "memory"
	Backend string `mapstructure:"backend"`
	// HoldDuration is the ceiling a holder may keep a lock before it expires
	HoldDuration time.Duration `mapstructure:"hold_duration"`
	// RetryAttempts bounds the acquisition attempts before giving up
	RetryAttempts int `mapstructure:"retry_attempts"`
	// RetryBackoff is "fixed" or "exponential"
	RetryBackoff string `mapstructure:"retry_backoff"`
	// RetryInterval is the fixed delay or the initial exponential delay
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	// RetryMaxInterval caps exponential growth
	RetryMaxInterval time.Duration `mapstructure:"retry_max_interval"`
}

// EventsConfig holds member event publishing configuration
type EventsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Channel string `mapstructure:"channel"`
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

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
	// Distributed uses Redis (redis_rate) instead of the in-process limiter
	Distributed bool `mapstructure:"distributed"`
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
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	// Enabled determines if audit entries are written at all
	Enabled bool `mapstructure:"enabled"`
	// Shippers configures external log shipping
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Type is the shipper type (webhook, file)
	Type    string              `mapstructure:"type"`
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL         string            `mapstructure:"url"`
	Headers     map[string]string `mapstructure:"headers"`
	TimeoutSecs int               `mapstructure:"timeout_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// NotificationsConfig holds settings for outbound invitation emails
type NotificationsConfig struct {
	// Enabled globally toggles outbound email. Requires SMTP to be configured.
	Enabled bool       `mapstructure:"enabled"`
	SMTP    SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig holds outbound mail server configuration
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	// TLSMode is starttls (default), tls for implicit TLS, or none. Credentials are
	// never sent when it is none.
	TLSMode string `mapstructure:"tls_mode"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Redis
		"redis.enabled",
		"redis.url",

		// Auth
		"auth.jwt_secret",
		"auth.token_ttl",
		"auth.superusers",

		// Members
		"members.invites_enabled",
		"members.allow_existing_invite_request",
		"members.invite_token_ttl",
		"members.invite_feature_default",
		"members.default_page_size",
		"members.max_page_size",

		// Lock
		"lock.backend",
		"lock.hold_duration",
		"lock.retry_attempts",
		"lock.retry_backoff",
		"lock.retry_interval",
		"lock.retry_max_interval",

		// Events
		"events.enabled",
		"events.channel",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.distributed",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Audit
		"audit.enabled",

		// Notifications / SMTP
		"notifications.enabled",
		"notifications.smtp.host",
		"notifications.smtp.port",
		"notifications.smtp.username",
		"notifications.smtp.password",
		"notifications.smtp.from",
		"notifications.smtp.tls_mode",
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
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/orgmembers")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("ORGM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.URL = expandEnv(cfg.Redis.URL)
	cfg.Auth.JWTSecret = expandEnv(cfg.Auth.JWTSecret)
	cfg.Notifications.SMTP.Password = expandEnv(cfg.Notifications.SMTP.Password)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "orgmembers")
	v.SetDefault("database.user", "orgmembers")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	// Auth defaults
	v.SetDefault("auth.token_ttl", "24h")

	// Members defaults
	v.SetDefault("members.invites_enabled", true)
	v.SetDefault("members.allow_existing_invite_request", true)
	v.SetDefault("members.invite_token_ttl", "720h")
	v.SetDefault("members.invite_feature_default", true)
	v.SetDefault("members.default_page_size", 100)
	v.SetDefault("members.max_page_size", 100)

	// Lock defaults
	v.SetDefault("lock.backend", "postgres")
	v.SetDefault("lock.hold_duration", "5s")
	v.SetDefault("lock.retry_attempts", 10)
	v.SetDefault("lock.retry_backoff", "exponential")
	v.SetDefault("lock.retry_interval", "50ms")
	v.SetDefault("lock.retry_max_interval", "1s")

	// Events defaults
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.channel", "orgmembers.member_invited")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 60)
	v.SetDefault("security.rate_limiting.burst", 10)
	v.SetDefault("security.rate_limiting.distributed", false)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "orgmembers")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Audit defaults
	v.SetDefault("audit.enabled", true)

	// Notifications defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.smtp.port", 587)
	v.SetDefault("notifications.smtp.tls_mode", "starttls")
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
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	validBackends := map[string]bool{"redis": true, "postgres": true, "memory": true}
	if !validBackends[c.Lock.Backend] {
		return fmt.Errorf("invalid lock backend: %s (must be redis, postgres, or memory)", c.Lock.Backend)
	}
	if c.Lock.HoldDuration <= 0 {
		return fmt.Errorf("lock.hold_duration must be positive")
	}
	if c.Lock.RetryAttempts < 1 {
		return fmt.Errorf("lock.retry_attempts must be at least 1")
	}
	if c.Lock.RetryBackoff != "fixed" && c.Lock.RetryBackoff != "exponential" {
		return fmt.Errorf("invalid lock.retry_backoff: %s (must be fixed or exponential)", c.Lock.RetryBackoff)
	}

	needsRedis := c.Lock.Backend == "redis" || c.Events.Enabled || c.Security.RateLimiting.Distributed
	if needsRedis && (!c.Redis.Enabled || c.Redis.URL == "") {
		return fmt.Errorf("redis.enabled and redis.url are required by the redis lock backend, events or distributed rate limiting")
	}

	if c.Members.DefaultPageSize < 1 || c.Members.MaxPageSize < c.Members.DefaultPageSize {
		return fmt.Errorf("members.default_page_size must be between 1 and members.max_page_size")
	}

	if c.Notifications.Enabled {
		if c.Notifications.SMTP.Host == "" {
			return fmt.Errorf("notifications.smtp.host is required when notifications are enabled")
		}
		if c.Notifications.SMTP.From == "" {
			return fmt.Errorf("notifications.smtp.from is required when notifications are enabled")
		}
		switch c.Notifications.SMTP.TLSMode {
		case "starttls", "tls":
		case "none":
			if c.Notifications.SMTP.Username != "" {
				return fmt.Errorf("notifications.smtp.username requires tls_mode starttls or tls")
			}
		default:
			return fmt.Errorf("invalid notifications.smtp.tls_mode: %s (must be starttls, tls, or none)", c.Notifications.SMTP.TLSMode)
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

// InviteFeatureEnabled reports whether the invite-members feature is on for an organization
func (m *MembersConfig) InviteFeatureEnabled(orgSlug string) bool {
	if enabled, ok := m.InviteFeatureOrgs[orgSlug]; ok {
		return enabled
	}
	return m.InviteFeatureDefault
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
