package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/pixelforge/credits-server/internal/config"
)

// PostgresStore implements Store using PostgreSQL. Uniqueness is enforced
// by partial unique indexes, and the status CAS in Update is a guarded
// UPDATE, so correctness does not depend on application-level locking.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool
	table  string
}

// NewPostgresStore creates a PostgreSQL-backed payment store with its own
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

	store := &PostgresStore{db: db, ownsDB: true, table: "payment_records"}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a payment store on an existing connection
// pool, allowing the pool to be shared with the ledger store.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false, table: "payment_records"}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

// WithTableName sets a custom table name and recreates missing tables.
func (s *PostgresStore) WithTableName(table string) *PostgresStore {
	if table != "" {
		s.table = table
	}
	_ = s.createTables()
	return s
}

func (s *PostgresStore) createTables() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			provider_session_id TEXT NOT NULL,
			provider_payment_id TEXT,
			provider_customer_id TEXT,
			item_kind TEXT NOT NULL,
			item_id TEXT NOT NULL,
			credits BIGINT NOT NULL,
			amount_cents BIGINT NOT NULL,
			currency TEXT NOT NULL,
			coupon_code TEXT,
			discount_cents BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			credits_added BOOLEAN NOT NULL DEFAULT FALSE,
			credit_transaction_id TEXT,
			credits_added_at TIMESTAMPTZ,
			refunded_cents BIGINT NOT NULL DEFAULT 0,
			refund_reason TEXT,
			refunded_at TIMESTAMPTZ,
			failure_code TEXT,
			failure_message TEXT,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);

		CREATE UNIQUE INDEX IF NOT EXISTS uq_%[1]s_provider_session
			ON %[1]s (provider, provider_session_id);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_%[1]s_provider_payment
			ON %[1]s (provider, provider_payment_id) WHERE provider_payment_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_%[1]s_user_created
			ON %[1]s (user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_status_expires
			ON %[1]s (status, expires_at);
	`, s.table)

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create payment tables: %w", err)
	}
	return nil
}

const paymentColumns = `id, user_id, provider, provider_session_id, provider_payment_id, provider_customer_id,
	item_kind, item_id, credits, amount_cents, currency, coupon_code, discount_cents,
	status, credits_added, credit_transaction_id, credits_added_at,
	refunded_cents, refund_reason, refunded_at, failure_code, failure_message,
	metadata, created_at, updated_at, expires_at, completed_at`

func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	metadataJSON, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)`,
		s.table, paymentColumns)

	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.UserID, p.Provider, p.ProviderSessionID,
		nullString(p.ProviderPaymentID), nullString(p.ProviderCustomerID),
		p.ItemKind, p.ItemID, p.Credits, p.AmountCents, p.Currency,
		nullString(p.CouponCode), p.DiscountCents,
		string(p.Status), p.CreditsAdded, nullString(p.CreditTransactionID), p.CreditsAddedAt,
		p.RefundedCents, nullString(p.RefundReason), p.RefundedAt,
		nullString(p.FailureCode), nullString(p.FailureMessage),
		metadataJSON, p.CreatedAt, p.UpdatedAt, p.ExpiresAt, p.CompletedAt)
	if err != nil {
		return mapUniqueViolation(err, p)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, paymentColumns, s.table)
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) GetBySession(ctx context.Context, provider, sessionID string) (*Payment, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE provider = $1 AND provider_session_id = $2`, paymentColumns, s.table)
	return s.scanOne(s.db.QueryRowContext(ctx, query, provider, sessionID))
}

func (s *PostgresStore) GetByProviderPaymentID(ctx context.Context, provider, paymentID string) (*Payment, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE provider = $1 AND provider_payment_id = $2`, paymentColumns, s.table)
	return s.scanOne(s.db.QueryRowContext(ctx, query, provider, paymentID))
}

func (s *PostgresStore) Update(ctx context.Context, p *Payment, expectStatus Status) error {
	metadataJSON, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			provider_payment_id = $1, provider_customer_id = $2,
			status = $3, credits_added = $4, credit_transaction_id = $5, credits_added_at = $6,
			refunded_cents = $7, refund_reason = $8, refunded_at = $9,
			failure_code = $10, failure_message = $11,
			metadata = $12, updated_at = $13, completed_at = $14
		WHERE id = $15 AND status = $16`, s.table)

	res, err := s.db.ExecContext(ctx, query,
		nullString(p.ProviderPaymentID), nullString(p.ProviderCustomerID),
		string(p.Status), p.CreditsAdded, nullString(p.CreditTransactionID), p.CreditsAddedAt,
		p.RefundedCents, nullString(p.RefundReason), p.RefundedAt,
		nullString(p.FailureCode), nullString(p.FailureMessage),
		metadataJSON, p.UpdatedAt, p.CompletedAt,
		p.ID, string(expectStatus))
	if err != nil {
		return mapUniqueViolation(err, p)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return storagef("rows affected: %w", err)
	}
	if rows == 0 {
		// Either the record is gone or another writer changed the status.
		current, gerr := s.Get(ctx, p.ID)
		if gerr != nil {
			return gerr
		}
		return &IllegalTransitionError{PaymentID: p.ID, From: current.Status, To: p.Status}
	}
	return nil
}

func (s *PostgresStore) MarkCreditsAdded(ctx context.Context, id, creditTransactionID string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET credits_added = TRUE, credit_transaction_id = $1, credits_added_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4 AND credits_added = FALSE`, s.table)

	res, err := s.db.ExecContext(ctx, query, creditTransactionID, time.Now().UTC(), id, string(StatusCompleted))
	if err != nil {
		return false, storagef("mark credits added: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, storagef("rows affected: %w", err)
	}
	if rows == 1 {
		return true, nil
	}

	// Distinguish "guard failed" from "record missing".
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, status Status, limit, offset int) ([]*Payment, error) {
	if status != "" {
		query := fmt.Sprintf(`
			SELECT %s FROM %s WHERE user_id = $1 AND status = $2
			ORDER BY created_at DESC LIMIT $3 OFFSET $4`, paymentColumns, s.table)
		return s.queryMany(ctx, query, userID, string(status), limit, offset)
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, paymentColumns, s.table)
	return s.queryMany(ctx, query, userID, limit, offset)
}

func (s *PostgresStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Payment, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status IN ($1, $2) AND expires_at < $3
		ORDER BY expires_at ASC LIMIT $4`, paymentColumns, s.table)
	return s.queryMany(ctx, query, string(StatusPending), string(StatusProcessing), now, limit)
}

func (s *PostgresStore) ListUncredited(ctx context.Context, limit int) ([]*Payment, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = $1 AND credits_added = FALSE
		ORDER BY created_at ASC LIMIT $2`, paymentColumns, s.table)
	return s.queryMany(ctx, query, string(StatusCompleted), limit)
}

func (s *PostgresStore) CountCompletedByUser(ctx context.Context, userID string) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE user_id = $1 AND credits_added = TRUE`, s.table)

	var n int64
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&n); err != nil {
		return 0, storagef("count completed payments: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[Status]int64)}

	byStatus := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.table)
	rows, err := s.db.QueryContext(ctx, byStatus)
	if err != nil {
		return nil, storagef("query status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storagef("scan status count: %w", err)
		}
		stats.ByStatus[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	aggregates := fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE status IN ($1, $2, $3)),
			COALESCE(SUM(amount_cents) FILTER (WHERE status IN ($1, $2, $3)), 0),
			COALESCE(SUM(refunded_cents), 0),
			COALESCE(SUM(credits) FILTER (WHERE credits_added), 0),
			COUNT(*) FILTER (WHERE status = $1 AND NOT credits_added)
		FROM %s`, s.table)

	err = s.db.QueryRowContext(ctx, aggregates,
		string(StatusCompleted), string(StatusRefunded), string(StatusPartiallyRefunded)).
		Scan(&stats.TotalCompleted, &stats.TotalRevenueCents, &stats.TotalRefundedCents,
			&stats.TotalCreditsGranted, &stats.UncreditedCompleted)
	if err != nil {
		return nil, storagef("query aggregates: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) Close(context.Context) error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) queryMany(ctx context.Context, query string, args ...interface{}) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storagef("query payments: %w", err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) scanOne(row *sql.Row) (*Payment, error) {
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var p Payment
	var providerPaymentID, providerCustomerID, couponCode, creditTxID, refundReason, failureCode, failureMessage sql.NullString
	var metadataJSON []byte
	var creditsAddedAt, refundedAt, completedAt sql.NullTime
	var status string

	err := row.Scan(&p.ID, &p.UserID, &p.Provider, &p.ProviderSessionID,
		&providerPaymentID, &providerCustomerID,
		&p.ItemKind, &p.ItemID, &p.Credits, &p.AmountCents, &p.Currency,
		&couponCode, &p.DiscountCents,
		&status, &p.CreditsAdded, &creditTxID, &creditsAddedAt,
		&p.RefundedCents, &refundReason, &refundedAt, &failureCode, &failureMessage,
		&metadataJSON, &p.CreatedAt, &p.UpdatedAt, &p.ExpiresAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, storagef("scan payment: %w", err)
	}

	p.Status = Status(status)
	p.ProviderPaymentID = providerPaymentID.String
	p.ProviderCustomerID = providerCustomerID.String
	p.CouponCode = couponCode.String
	p.CreditTransactionID = creditTxID.String
	p.RefundReason = refundReason.String
	p.FailureCode = failureCode.String
	p.FailureMessage = failureMessage.String
	if creditsAddedAt.Valid {
		t := creditsAddedAt.Time
		p.CreditsAddedAt = &t
	}
	if refundedAt.Valid {
		t := refundedAt.Time
		p.RefundedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &p.Metadata); err != nil {
			return nil, storagef("unmarshal payment metadata: %w", err)
		}
	}
	return &p, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, storagef("marshal payment metadata: %w", err)
	}
	return data, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// mapUniqueViolation converts lib/pq unique violations into DuplicateError.
func mapUniqueViolation(err error, p *Payment) error {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		if strings.Contains(pqErr.Constraint, "provider_payment") {
			return &DuplicateError{Field: "payment_id", Value: p.ProviderPaymentID}
		}
		return &DuplicateError{Field: "session_id", Value: p.ProviderSessionID}
	}
	return storagef("write payment: %w", err)
}
