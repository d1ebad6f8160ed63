package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("default address = %q, want :8080", cfg.Server.Address)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("default backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Payments.SessionExpiry.Duration != 30*time.Minute {
		t.Errorf("default session expiry = %v, want 30m", cfg.Payments.SessionExpiry.Duration)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default log level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Storage.BalancesTable != "credit_balances" {
		t.Errorf("default balances table = %q", cfg.Storage.BalancesTable)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: ":9090"
logging:
  level: debug
  format: console
storage:
  backend: postgres
  postgres_url: "postgres://localhost:5432/credits?sslmode=disable"
payments:
  session_expiry: 45m
catalog:
  path: "./testdata/catalog.yaml"
  cache_ttl: 2m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":9090" {
		t.Errorf("address = %q, want :9090", cfg.Server.Address)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Storage.Backend != "postgres" {
		t.Errorf("backend = %q, want postgres", cfg.Storage.Backend)
	}
	if cfg.Payments.SessionExpiry.Duration != 45*time.Minute {
		t.Errorf("session expiry = %v, want 45m", cfg.Payments.SessionExpiry.Duration)
	}
	if cfg.Catalog.CacheTTL.Duration != 2*time.Minute {
		t.Errorf("catalog cache ttl = %v, want 2m", cfg.Catalog.CacheTTL.Duration)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CREDITS_SERVER_ADDRESS", ":7000")
	t.Setenv("CREDITS_LOG_LEVEL", "warn")
	t.Setenv("CREDITS_STORAGE_BACKEND", "mongodb")
	t.Setenv("CREDITS_MONGODB_URL", "mongodb://localhost:27017")
	t.Setenv("CREDITS_PAYMENT_SESSION_EXPIRY", "15m")
	t.Setenv("CREDITS_RATE_LIMIT_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":7000" {
		t.Errorf("address = %q, want :7000", cfg.Server.Address)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("log level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Storage.Backend != "mongodb" {
		t.Errorf("backend = %q, want mongodb", cfg.Storage.Backend)
	}
	if cfg.Storage.MongoDBDatabase != "credits" {
		t.Errorf("mongodb database = %q, want default credits", cfg.Storage.MongoDBDatabase)
	}
	if cfg.Payments.SessionExpiry.Duration != 15*time.Minute {
		t.Errorf("session expiry = %v, want 15m", cfg.Payments.SessionExpiry.Duration)
	}
	if cfg.RateLimit.Enabled {
		t.Error("rate limit should be disabled via env")
	}
}

func TestPostgresBackendRequiresURL(t *testing.T) {
	path := writeTempConfig(t, `
storage:
  backend: postgres
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for postgres backend without URL")
	}
}

func TestUnknownBackendRejected(t *testing.T) {
	path := writeTempConfig(t, `
storage:
  backend: cassandra
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestDurationUnmarshalBareSeconds(t *testing.T) {
	path := writeTempConfig(t, `
payments:
  session_expiry: 900
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Payments.SessionExpiry.Duration != 900*time.Second {
		t.Errorf("session expiry = %v, want 900s", cfg.Payments.SessionExpiry.Duration)
	}
}

func TestRoutePrefixNormalization(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{"/", ""},
	}
	for _, tt := range tests {
		if got := normalizeRoutePrefix(tt.in); got != tt.want {
			t.Errorf("normalizeRoutePrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
