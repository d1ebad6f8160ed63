package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/pixelforge/credits-server/internal/config"
)

// PostgresStore implements Store using PostgreSQL. Apply runs inside a
// transaction that row-locks the balance, so concurrent debits for the
// same user serialize and the no-negative-balance invariant holds.
type PostgresStore struct {
	db                *sql.DB
	ownsDB            bool // Track if we created the DB connection (for Close())
	balancesTable     string
	transactionsTable string
}

// NewPostgresStore creates a PostgreSQL-backed ledger store with its own
// connection pool.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// Close() error during failed initialization is not actionable.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := newPostgresStore(db, true)
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a ledger store on an existing connection
// pool, allowing the pool to be shared with the payment store.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := newPostgresStore(db, false)
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

func newPostgresStore(db *sql.DB, ownsDB bool) *PostgresStore {
	return &PostgresStore{
		db:                db,
		ownsDB:            ownsDB,
		balancesTable:     "credit_balances",
		transactionsTable: "credit_transactions",
	}
}

// WithTableNames sets custom table names and recreates missing tables.
func (s *PostgresStore) WithTableNames(balances, transactions string) *PostgresStore {
	if balances != "" {
		s.balancesTable = balances
	}
	if transactions != "" {
		s.transactionsTable = transactions
	}
	_ = s.createTables()
	return s
}

func (s *PostgresStore) createTables() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			user_id TEXT PRIMARY KEY,
			credits BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			amount BIGINT NOT NULL,
			balance_before BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			description TEXT,
			reference TEXT,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_%s_user_created
			ON %s (user_id, created_at DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS uniq_%s_user_reference_type
			ON %s (user_id, reference, type) WHERE reference IS NOT NULL;
	`, s.balancesTable,
		s.transactionsTable,
		s.transactionsTable, s.transactionsTable,
		s.transactionsTable, s.transactionsTable)

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create ledger tables: %w", err)
	}
	return nil
}

func (s *PostgresStore) Balance(ctx context.Context, userID string) (*Balance, error) {
	query := fmt.Sprintf(`SELECT user_id, credits, updated_at FROM %s WHERE user_id = $1`, s.balancesTable)

	var b Balance
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&b.UserID, &b.Credits, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return &Balance{UserID: userID, Credits: 0}, nil
	}
	if err != nil {
		return nil, storagef("query balance: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) Apply(ctx context.Context, in ApplyInput) (*Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storagef("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Make sure the balance row exists, then lock it for the duration of
	// this transaction. Concurrent Apply calls for the same user queue on
	// the row lock.
	insertBalance := fmt.Sprintf(`
		INSERT INTO %s (user_id, credits, updated_at) VALUES ($1, 0, $2)
		ON CONFLICT (user_id) DO NOTHING`, s.balancesTable)
	if _, err := tx.ExecContext(ctx, insertBalance, in.UserID, time.Now().UTC()); err != nil {
		return nil, storagef("ensure balance row: %w", err)
	}

	var before int64
	lockQuery := fmt.Sprintf(`SELECT credits FROM %s WHERE user_id = $1 FOR UPDATE`, s.balancesTable)
	if err := tx.QueryRowContext(ctx, lockQuery, in.UserID).Scan(&before); err != nil {
		return nil, storagef("lock balance row: %w", err)
	}

	after := before + in.Amount
	if after < 0 {
		return nil, &InsufficientCreditsError{
			UserID:    in.UserID,
			Required:  -in.Amount,
			Available: before,
		}
	}

	now := time.Now().UTC()
	updateBalance := fmt.Sprintf(`UPDATE %s SET credits = $1, updated_at = $2 WHERE user_id = $3`, s.balancesTable)
	if _, err := tx.ExecContext(ctx, updateBalance, after, now, in.UserID); err != nil {
		return nil, storagef("update balance: %w", err)
	}

	record := &Transaction{
		ID:            newTransactionID(),
		UserID:        in.UserID,
		Type:          in.Type,
		Amount:        in.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   in.Description,
		Reference:     in.Reference,
		Metadata:      in.Metadata,
		CreatedAt:     now,
	}

	var metadataJSON []byte
	if record.Metadata != nil {
		metadataJSON, err = json.Marshal(record.Metadata)
		if err != nil {
			return nil, storagef("marshal metadata: %w", err)
		}
	}

	insertTx := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, type, amount, balance_before, balance_after, description, reference, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, s.transactionsTable)
	if _, err := tx.ExecContext(ctx, insertTx,
		record.ID, record.UserID, string(record.Type), record.Amount,
		record.BalanceBefore, record.BalanceAfter,
		nullIfEmpty(record.Description), nullIfEmpty(record.Reference),
		metadataJSON, record.CreatedAt); err != nil {
		// The rollback undoes the balance update, so a duplicate reference
		// leaves nothing behind.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && record.Reference != "" {
			return nil, ErrDuplicateReference
		}
		return nil, storagef("insert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storagef("commit transaction: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) Transaction(ctx context.Context, id string) (*Transaction, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, type, amount, balance_before, balance_after, description, reference, metadata, created_at
		FROM %s WHERE id = $1`, s.transactionsTable)
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) TransactionByReference(ctx context.Context, userID, reference string, txType TransactionType) (*Transaction, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, type, amount, balance_before, balance_after, description, reference, metadata, created_at
		FROM %s WHERE user_id = $1 AND reference = $2 AND type = $3
		ORDER BY created_at ASC LIMIT 1`, s.transactionsTable)
	return s.scanOne(s.db.QueryRowContext(ctx, query, userID, reference, string(txType)))
}

func (s *PostgresStore) Transactions(ctx context.Context, userID string, f HistoryFilter) ([]*Transaction, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var rows *sql.Rows
	var err error
	if f.Type != "" {
		query := fmt.Sprintf(`
			SELECT id, user_id, type, amount, balance_before, balance_after, description, reference, metadata, created_at
			FROM %s WHERE user_id = $1 AND type = $2
			ORDER BY created_at DESC LIMIT $3 OFFSET $4`, s.transactionsTable)
		rows, err = s.db.QueryContext(ctx, query, userID, string(f.Type), limit, f.Offset)
	} else {
		query := fmt.Sprintf(`
			SELECT id, user_id, type, amount, balance_before, balance_after, description, reference, metadata, created_at
			FROM %s WHERE user_id = $1
			ORDER BY created_at DESC LIMIT $2 OFFSET $3`, s.transactionsTable)
		rows, err = s.db.QueryContext(ctx, query, userID, limit, f.Offset)
	}
	if err != nil {
		return nil, storagef("query transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Totals(ctx context.Context, userID string) (earned, spent int64, err error) {
	query := fmt.Sprintf(`
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE amount > 0), 0),
			COALESCE(-SUM(amount) FILTER (WHERE amount < 0), 0)
		FROM %s WHERE user_id = $1`, s.transactionsTable)

	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&earned, &spent); err != nil {
		return 0, 0, storagef("query totals: %w", err)
	}
	return earned, spent, nil
}

func (s *PostgresStore) Close(context.Context) error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PostgresStore) scanOne(row *sql.Row) (*Transaction, error) {
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return tx, err
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var tx Transaction
	var description, reference sql.NullString
	var metadataJSON []byte

	err := row.Scan(&tx.ID, &tx.UserID, (*string)(&tx.Type), &tx.Amount,
		&tx.BalanceBefore, &tx.BalanceAfter, &description, &reference,
		&metadataJSON, &tx.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, storagef("scan transaction: %w", err)
	}

	tx.Description = description.String
	tx.Reference = reference.String
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &tx.Metadata); err != nil {
			return nil, storagef("unmarshal transaction metadata: %w", err)
		}
	}
	return &tx, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
