package saga

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists saga records in Postgres through database/sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sql db cannot be nil")
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithSchema initializes the schema then returns the store.
func NewPostgresStoreWithSchema(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	store, err := NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the saga table and its state index if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS order_sagas (
			order_id TEXT PRIMARY KEY,
			amount NUMERIC NOT NULL,
			state TEXT NOT NULL,
			payment_processed BOOLEAN NOT NULL DEFAULT FALSE,
			shipping_processed BOOLEAN NOT NULL DEFAULT FALSE,
			error_message TEXT,
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS order_sagas_state_created_idx ON order_sagas (state, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return Transient("postgres init schema", err)
		}
	}
	return nil
}

// Get loads one record by order id.
func (s *PostgresStore) Get(ctx context.Context, orderID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, amount, state, payment_processed, shipping_processed,
		       error_message, version, created_at, updated_at
		FROM order_sagas
		WHERE order_id = $1`,
		orderID,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, newError("get", orderID, ErrNotFound, nil)
		}
		return nil, Transient("postgres get", err)
	}
	return rec, nil
}

// Upsert inserts a new record (version 0) or updates one whose version still matches.
func (s *PostgresStore) Upsert(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("saga record cannot be nil")
	}

	var (
		res sql.Result
		err error
	)
	next := rec.Version + 1
	errorMessage := sql.NullString{String: rec.ErrorMessage, Valid: rec.ErrorMessage != ""}

	if rec.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO order_sagas (order_id, amount, state, payment_processed, shipping_processed,
			                         error_message, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (order_id) DO NOTHING`,
			rec.OrderID, rec.Amount, rec.State.String(), rec.PaymentProcessed, rec.ShippingProcessed,
			errorMessage, next, rec.CreatedAt, rec.UpdatedAt,
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE order_sagas
			SET state = $2, payment_processed = $3, shipping_processed = $4,
			    error_message = $5, version = $6, updated_at = $7
			WHERE order_id = $1 AND version = $8`,
			rec.OrderID, rec.State.String(), rec.PaymentProcessed, rec.ShippingProcessed,
			errorMessage, next, rec.UpdatedAt, rec.Version,
		)
	}
	if err != nil {
		return Transient("postgres upsert", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return Transient("postgres upsert", err)
	}
	if affected == 0 {
		return newError("upsert", rec.OrderID, ErrVersionConflict, nil)
	}

	rec.Version = next
	return nil
}

// ListByState returns records in state ordered by creation time.
func (s *PostgresStore) ListByState(ctx context.Context, state State) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, amount, state, payment_processed, shipping_processed,
		       error_message, version, created_at, updated_at
		FROM order_sagas
		WHERE state = $1
		ORDER BY created_at ASC, order_id ASC`,
		state.String(),
	)
	if err != nil {
		return nil, Transient("postgres list", err)
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, Transient("postgres list", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, Transient("postgres list", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec          Record
		state        string
		errorMessage sql.NullString
	)
	if err := row.Scan(
		&rec.OrderID,
		&rec.Amount,
		&state,
		&rec.PaymentProcessed,
		&rec.ShippingProcessed,
		&errorMessage,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := ParseState(state)
	if err != nil {
		return nil, err
	}
	rec.State = parsed
	rec.ErrorMessage = errorMessage.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}
