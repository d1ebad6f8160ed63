// Package storage selects and wires the persistence backend shared by
// the ledger and payment tracker.
package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pixelforge/credits-server/internal/config"
	"github.com/pixelforge/credits-server/internal/dbpool"
	"github.com/pixelforge/credits-server/internal/ledger"
	"github.com/pixelforge/credits-server/internal/payments"
)

// Stores bundles the backend-specific store implementations behind the
// ledger and payment interfaces, sharing one connection per backend.
type Stores struct {
	Ledger   ledger.Store
	Payments payments.Store

	pool        *dbpool.SharedPool
	mongoClient *mongo.Client
}

// New creates the stores for the configured backend.
func New(cfg config.StorageConfig) (*Stores, error) {
	switch cfg.Backend {
	case "memory":
		return &Stores{
			Ledger:   ledger.NewMemoryStore(),
			Payments: payments.NewMemoryStore(),
		}, nil

	case "postgres":
		pool, err := dbpool.NewSharedPool(cfg.PostgresURL, cfg.PostgresPool)
		if err != nil {
			return nil, fmt.Errorf("create postgres pool: %w", err)
		}

		ledgerStore, err := ledger.NewPostgresStoreWithDB(pool.DB())
		if err != nil {
			pool.Close()
			return nil, err
		}
		ledgerStore.WithTableNames(cfg.BalancesTable, cfg.TransactionsTable)

		paymentStore, err := payments.NewPostgresStoreWithDB(pool.DB())
		if err != nil {
			pool.Close()
			return nil, err
		}
		paymentStore.WithTableName(cfg.PaymentsTable)

		return &Stores{Ledger: ledgerStore, Payments: paymentStore, pool: pool}, nil

	case "mongodb":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDBURL))
		if err != nil {
			return nil, fmt.Errorf("connect to mongodb: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("ping mongodb: %w", err)
		}

		ledgerStore, err := ledger.NewMongoDBStoreWithClient(client, cfg.MongoDBDatabase)
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		paymentStore, err := payments.NewMongoDBStoreWithClient(client, cfg.MongoDBDatabase)
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}

		return &Stores{Ledger: ledgerStore, Payments: paymentStore, mongoClient: client}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Close releases all backend connections.
func (s *Stores) Close(ctx context.Context) error {
	var firstErr error
	if err := s.Ledger.Close(ctx); err != nil {
		firstErr = err
	}
	if err := s.Payments.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.mongoClient != nil {
		if err := s.mongoClient.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
