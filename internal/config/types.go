package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Provider       ProviderConfig       `yaml:"provider"`
	Catalog        CatalogConfig        `yaml:"catalog"`
	Storage        StorageConfig        `yaml:"storage"`
	Payments       PaymentsConfig       `yaml:"payments"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`        // Optional prefix for all routes (e.g., "/api")
	AdminAPIKey        string   `yaml:"admin_api_key"`       // Protects admin + metrics endpoints (empty disables protection)
	InternalAPIKey     string   `yaml:"internal_api_key"`    // Protects internal endpoints (signup bonus, recovery)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug | info | warn | error
	Format      string `yaml:"format"`      // json | console
	Environment string `yaml:"environment"` // development | staging | production
}

// ProviderConfig holds payment provider integration configuration.
type ProviderConfig struct {
	Name       string `yaml:"name"` // Provider identifier recorded on payment records (default "stripe")
	SecretKey  string `yaml:"secret_key"`
	SuccessURL string `yaml:"success_url"`
	CancelURL  string `yaml:"cancel_url"`
	Mode       string `yaml:"mode"` // live | test
}

// CatalogConfig holds the credit catalog (packages, subscriptions, coupons, promotions).
type CatalogConfig struct {
	Path     string   `yaml:"path"`      // Path to catalog YAML file
	CacheTTL Duration `yaml:"cache_ttl"` // How long loaded catalog stays cached (0 = reload on every access)
}

// StorageConfig holds storage backend configuration shared by the ledger and payment stores.
type StorageConfig struct {
	Backend         string             `yaml:"backend"` // "memory", "postgres", or "mongodb"
	PostgresURL     string             `yaml:"postgres_url"`
	MongoDBURL      string             `yaml:"mongodb_url"`
	MongoDBDatabase string             `yaml:"mongodb_database"`
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`

	// Canonical table/collection names
	BalancesTable     string `yaml:"balances_table"`     // Default: "credit_balances"
	TransactionsTable string `yaml:"transactions_table"` // Default: "credit_transactions"
	PaymentsTable     string `yaml:"payments_table"`     // Default: "payment_records"
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
}

// PaymentsConfig holds payment lifecycle configuration.
type PaymentsConfig struct {
	SessionExpiry     Duration `yaml:"session_expiry"`     // How long a pending checkout stays valid
	CleanupInterval   Duration `yaml:"cleanup_interval"`   // How often expired pending payments are swept
	ReconcileInterval Duration `yaml:"reconcile_interval"` // How often completed-but-uncredited payments are retried
}

// RateLimitConfig holds per-IP request rate limiting configuration.
type RateLimitConfig struct {
	Enabled      bool     `yaml:"enabled"`
	RequestLimit int      `yaml:"request_limit"`
	Window       Duration `yaml:"window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled     bool                 `yaml:"enabled"`
	ProviderAPI BreakerServiceConfig `yaml:"provider_api"`
}

// BreakerServiceConfig configures a single circuit breaker.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}
