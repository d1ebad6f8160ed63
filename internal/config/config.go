package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Provider: ProviderConfig{
			Name:       "stripe",
			Mode:       "test",
			SuccessURL: "http://localhost:8080/credits/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:  "http://localhost:8080/credits/cancel",
		},
		Catalog: CatalogConfig{
			Path:     "./catalog.yaml",
			CacheTTL: Duration{Duration: 60 * time.Second},
		},
		Storage: StorageConfig{
			BalancesTable:     "credit_balances",
			TransactionsTable: "credit_transactions",
			PaymentsTable:     "payment_records",
		},
		Payments: PaymentsConfig{
			SessionExpiry:     Duration{Duration: 30 * time.Minute},
			CleanupInterval:   Duration{Duration: 5 * time.Minute},
			ReconcileInterval: Duration{Duration: 10 * time.Minute},
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to prevent spam, not restrict legitimate use
			Enabled:      true,
			RequestLimit: 120,
			Window:       Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			ProviderAPI: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
