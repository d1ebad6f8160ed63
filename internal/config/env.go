package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use CREDITS_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "CREDITS_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "CREDITS_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminAPIKey, "CREDITS_ADMIN_API_KEY")
	setIfEnv(&c.Server.InternalAPIKey, "CREDITS_INTERNAL_API_KEY")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "CREDITS_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "CREDITS_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "CREDITS_ENVIRONMENT")

	// Provider config
	setIfEnv(&c.Provider.Name, "CREDITS_PROVIDER_NAME")
	setIfEnv(&c.Provider.SecretKey, "CREDITS_PROVIDER_SECRET_KEY")
	setIfEnv(&c.Provider.SuccessURL, "CREDITS_PROVIDER_SUCCESS_URL")
	setIfEnv(&c.Provider.CancelURL, "CREDITS_PROVIDER_CANCEL_URL")
	setIfEnv(&c.Provider.Mode, "CREDITS_PROVIDER_MODE")

	// Catalog config
	setIfEnv(&c.Catalog.Path, "CREDITS_CATALOG_PATH")
	setDurationIfEnv(&c.Catalog.CacheTTL, "CREDITS_CATALOG_CACHE_TTL")

	// Storage config
	setIfEnv(&c.Storage.Backend, "CREDITS_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "CREDITS_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "CREDITS_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "CREDITS_MONGODB_DATABASE")
	setIntIfEnv(&c.Storage.PostgresPool.MaxOpenConns, "CREDITS_POSTGRES_MAX_OPEN_CONNS")
	setIntIfEnv(&c.Storage.PostgresPool.MaxIdleConns, "CREDITS_POSTGRES_MAX_IDLE_CONNS")

	// Payments config
	setDurationIfEnv(&c.Payments.SessionExpiry, "CREDITS_PAYMENT_SESSION_EXPIRY")
	setDurationIfEnv(&c.Payments.CleanupInterval, "CREDITS_PAYMENT_CLEANUP_INTERVAL")
	setDurationIfEnv(&c.Payments.ReconcileInterval, "CREDITS_PAYMENT_RECONCILE_INTERVAL")

	// Rate limit config
	setBoolIfEnv(&c.RateLimit.Enabled, "CREDITS_RATE_LIMIT_ENABLED")
	setIntIfEnv(&c.RateLimit.RequestLimit, "CREDITS_RATE_LIMIT_REQUESTS")
	setDurationIfEnv(&c.RateLimit.Window, "CREDITS_RATE_LIMIT_WINDOW")

	// Circuit breaker config
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "CREDITS_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv sets the target string if the environment variable is non-empty.
func setIfEnv(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// setBoolIfEnv sets the target bool if the environment variable parses as a bool.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// setIntIfEnv sets the target int if the environment variable parses as an integer.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets the target duration if the environment variable parses as a duration.
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// normalizeRoutePrefix ensures prefixes look like "/api" (leading slash, no trailing slash).
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || prefix == "/" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimRight(prefix, "/")
}
