// Package config loads and validates gateway configuration from the
// environment and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	// DevelopmentSecret is the token secret used when SECRET_KEY is unset.
	// Production refuses to start with it.
	DevelopmentSecret = "dev-secret-key-change-in-production"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	Env      string `mapstructure:"APP_ENV"`
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// StoreBackend selects the Credential Store: memory or postgres.
	StoreBackend   string `mapstructure:"STORE_BACKEND"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DBMaxOpenConns int    `mapstructure:"DB_MAX_OPEN_CONNS"`

	SecretKey string        `mapstructure:"SECRET_KEY"`
	TokenTTL  time.Duration `mapstructure:"TOKEN_TTL"`

	RateLimitWindow      time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	RateLimitMaxRequests int           `mapstructure:"RATE_LIMIT_MAX_REQUESTS"`
	// RateLimitBackend selects the window store: memory or redis.
	RateLimitBackend string `mapstructure:"RATE_LIMIT_BACKEND"`
	RedisURL         string `mapstructure:"REDIS_URL"`

	KYCBaseURL        string        `mapstructure:"KYC_BASE_URL"`
	KYCAppToken       string        `mapstructure:"KYC_APP_TOKEN"`
	KYCSecretKey      string        `mapstructure:"KYC_SECRET_KEY"`
	KYCTimeout        time.Duration `mapstructure:"KYC_TIMEOUT"`
	KYCAccessTokenTTL time.Duration `mapstructure:"KYC_ACCESS_TOKEN_TTL"`
	KYCLevelName      string        `mapstructure:"KYC_LEVEL_NAME"`
	KYCDefaultCountry string        `mapstructure:"KYC_DEFAULT_COUNTRY"`
	KYCWebhookSecret  string        `mapstructure:"KYC_WEBHOOK_SECRET"`
	KYCWebhookDigest  string        `mapstructure:"KYC_WEBHOOK_DIGEST"`

	// AdminKey or its bcrypt hash gates the admin and metrics routes.
	AdminKey     string `mapstructure:"ADMIN_KEY"`
	AdminKeyHash string `mapstructure:"ADMIN_KEY_HASH"`

	// AuditKafkaBrokers is a comma-separated broker list; empty disables the relay.
	AuditKafkaBrokers  string        `mapstructure:"AUDIT_KAFKA_BROKERS"`
	AuditKafkaTopic    string        `mapstructure:"AUDIT_KAFKA_TOPIC"`
	AuditRelayInterval time.Duration `mapstructure:"AUDIT_RELAY_INTERVAL"`
	AuditRelayBatch    int           `mapstructure:"AUDIT_RELAY_BATCH"`

	// CORSAllowedOrigins is a comma-separated list of browser origins, or "*".
	// Empty disables CORS handling.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var defaults = map[string]any{
	"APP_ENV":                 EnvDevelopment,
	"HTTP_ADDR":               ":8080",
	"LOG_LEVEL":               "info",
	"STORE_BACKEND":           BackendMemory,
	"DATABASE_URL":            "",
	"DB_MAX_OPEN_CONNS":       10,
	"SECRET_KEY":              DevelopmentSecret,
	"TOKEN_TTL":               "24h",
	"RATE_LIMIT_WINDOW":       "60s",
	"RATE_LIMIT_MAX_REQUESTS": 60,
	"RATE_LIMIT_BACKEND":      BackendMemory,
	"REDIS_URL":               "",
	"KYC_BASE_URL":            "https://api.sumsub.com",
	"KYC_APP_TOKEN":           "",
	"KYC_SECRET_KEY":          "",
	"KYC_TIMEOUT":             "10s",
	"KYC_ACCESS_TOKEN_TTL":    "1h",
	"KYC_LEVEL_NAME":          "basic-kyc-level",
	"KYC_DEFAULT_COUNTRY":     "GBR",
	"KYC_WEBHOOK_SECRET":      "",
	"KYC_WEBHOOK_DIGEST":      "HMAC_SHA1_HEX",
	"ADMIN_KEY":               "",
	"ADMIN_KEY_HASH":          "",
	"AUDIT_KAFKA_BROKERS":     "",
	"AUDIT_KAFKA_TOPIC":       "kyc.audit",
	"AUDIT_RELAY_INTERVAL":    "2s",
	"AUDIT_RELAY_BATCH":       100,
	"CORS_ALLOWED_ORIGINS":    "*",
	"SHUTDOWN_TIMEOUT":        "10s",
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Environment variables override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.RateLimitBackend = strings.ToLower(strings.TrimSpace(c.RateLimitBackend))
	c.KYCWebhookDigest = strings.ToUpper(strings.TrimSpace(c.KYCWebhookDigest))
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	if c.HTTPAddr == "" {
		add("HTTP_ADDR must be set")
	}
	if c.SecretKey == "" {
		add("SECRET_KEY must be set")
	}
	if c.KYCWebhookSecret == "" {
		add("KYC_WEBHOOK_SECRET must be set")
	}
	if c.SecretKey != "" && c.SecretKey == c.KYCWebhookSecret {
		add("SECRET_KEY and KYC_WEBHOOK_SECRET must differ")
	}
	if c.IsProduction() && c.SecretKey == DevelopmentSecret {
		add("SECRET_KEY must be changed when APP_ENV=production")
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			add("DATABASE_URL must be set when STORE_BACKEND=postgres")
		}
	default:
		add("STORE_BACKEND must be memory or postgres, got %q", c.StoreBackend)
	}

	switch c.RateLimitBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			add("REDIS_URL must be set when RATE_LIMIT_BACKEND=redis")
		}
	default:
		add("RATE_LIMIT_BACKEND must be memory or redis, got %q", c.RateLimitBackend)
	}

	if len(c.AuditKafkaBrokersList()) > 0 && c.StoreBackend != BackendPostgres {
		add("AUDIT_KAFKA_BROKERS requires STORE_BACKEND=postgres")
	}

	switch c.KYCWebhookDigest {
	case "HMAC_SHA1_HEX", "HMAC_SHA256_HEX", "HMAC_SHA512_HEX":
	default:
		add("KYC_WEBHOOK_DIGEST %q is not supported", c.KYCWebhookDigest)
	}

	if c.RateLimitWindow <= 0 {
		add("RATE_LIMIT_WINDOW must be positive")
	}
	if c.RateLimitMaxRequests <= 0 {
		add("RATE_LIMIT_MAX_REQUESTS must be positive")
	}
	if c.TokenTTL <= 0 {
		add("TOKEN_TTL must be positive")
	}
	for _, origin := range c.CORSAllowedOriginsList() {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			add("CORS_ALLOWED_ORIGINS entry %q must be * or an http(s) origin", origin)
		}
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// ProviderConfigured reports whether outbound provider credentials are set.
func (c *Config) ProviderConfigured() bool {
	return c.KYCAppToken != "" && c.KYCSecretKey != ""
}

// AuditKafkaBrokersList returns broker addresses from the comma-separated config.
func (c *Config) AuditKafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.AuditKafkaBrokers)
}

// CORSAllowedOriginsList returns the configured browser origins.
func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.CORSAllowedOrigins)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
