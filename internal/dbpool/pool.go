package dbpool

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/pixelforge/credits-server/internal/config"
)

// SharedPool manages a single shared PostgreSQL connection pool. The
// ledger and payment stores use the same pool to reduce connection
// overhead.
type SharedPool struct {
	db *sql.DB
}

// NewSharedPool creates a new shared PostgreSQL connection pool.
func NewSharedPool(connectionString string, poolConfig config.PostgresPoolConfig) (*SharedPool, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	return &SharedPool{db: db}, nil
}

// DB returns the underlying *sql.DB for use by stores.
func (p *SharedPool) DB() *sql.DB {
	return p.db
}

// Close closes the shared connection pool. Call once at shutdown;
// sql.DB.Close() is safe to call multiple times.
func (p *SharedPool) Close() error {
	return p.db.Close()
}
