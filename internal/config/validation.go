package config

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ApplyPostgresPoolSettings applies connection pool settings to a database
// connection, clamping idle connections to the open connection ceiling.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 30 * time.Minute
	}

	maxIdleTime := pool.ConnMaxIdleTime.Duration
	if maxIdleTime <= 0 {
		maxIdleTime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
	db.SetConnMaxIdleTime(maxIdleTime)
}

// finalize applies remaining defaults and validates the assembled configuration.
// It is called after the YAML file and environment overrides have been applied.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		if c.Logging.Environment == "development" {
			c.Logging.Format = "console"
		} else {
			c.Logging.Format = "json"
		}
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "development"
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	switch c.Storage.Backend {
	case "memory":
		// Nothing else required
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("storage backend is postgres but postgres_url is not set")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			return fmt.Errorf("storage backend is mongodb but mongodb_url is not set")
		}
		if c.Storage.MongoDBDatabase == "" {
			c.Storage.MongoDBDatabase = "credits"
		}
	default:
		return fmt.Errorf("unknown storage backend %q (expected memory, postgres, or mongodb)", c.Storage.Backend)
	}

	if c.Storage.BalancesTable == "" {
		c.Storage.BalancesTable = "credit_balances"
	}
	if c.Storage.TransactionsTable == "" {
		c.Storage.TransactionsTable = "credit_transactions"
	}
	if c.Storage.PaymentsTable == "" {
		c.Storage.PaymentsTable = "payment_records"
	}

	if c.Storage.PostgresPool.MaxOpenConns <= 0 {
		c.Storage.PostgresPool.MaxOpenConns = 25
	}
	if c.Storage.PostgresPool.MaxIdleConns <= 0 {
		c.Storage.PostgresPool.MaxIdleConns = 5
	}
	if c.Storage.PostgresPool.ConnMaxLifetime.Duration <= 0 {
		c.Storage.PostgresPool.ConnMaxLifetime = Duration{Duration: 30 * time.Minute}
	}
	if c.Storage.PostgresPool.ConnMaxIdleTime.Duration <= 0 {
		c.Storage.PostgresPool.ConnMaxIdleTime = Duration{Duration: 5 * time.Minute}
	}

	if c.Payments.SessionExpiry.Duration <= 0 {
		c.Payments.SessionExpiry = Duration{Duration: 30 * time.Minute}
	}
	if c.Payments.CleanupInterval.Duration <= 0 {
		c.Payments.CleanupInterval = Duration{Duration: 5 * time.Minute}
	}
	if c.Payments.ReconcileInterval.Duration <= 0 {
		c.Payments.ReconcileInterval = Duration{Duration: 10 * time.Minute}
	}

	if c.Provider.Name == "" {
		c.Provider.Name = "stripe"
	}
	if c.Provider.Mode == "" {
		c.Provider.Mode = "test"
	}

	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog path is not set")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestLimit <= 0 {
			c.RateLimit.RequestLimit = 120
		}
		if c.RateLimit.Window.Duration <= 0 {
			c.RateLimit.Window = Duration{Duration: 1 * time.Minute}
		}
	}

	return nil
}
