package pool

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed pool store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Record(ctx context.Context, m *Movement) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// The pool row exists from the migration seed; upsert anyway so a fresh
	// database still works.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pool_accounts (id, balance, updated_at)
		VALUES ($1, $2::NUMERIC(20,2), NOW())
		ON CONFLICT (id) DO UPDATE SET
			balance    = pool_accounts.balance + $2::NUMERIC(20,2),
			updated_at = NOW()
	`, m.PoolID, m.Amount)
	if err != nil {
		return fmt.Errorf("failed to update pool balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pool_movements (id, pool_id, amount, source, reference_id, description, created_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5, $6, $7)
	`, m.ID, m.PoolID, m.Amount, string(m.Source), nullString(m.ReferenceID), m.Description, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record pool movement: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) Balance(ctx context.Context, poolID string) (string, error) {
	var balance string
	err := p.db.QueryRowContext(ctx, `
		SELECT balance::TEXT FROM pool_accounts WHERE id = $1
	`, poolID).Scan(&balance)
	if err == sql.ErrNoRows {
		return "0.00", nil
	}
	if err != nil {
		return "", err
	}
	return balance, nil
}

const movementColumns = `id, pool_id, amount::TEXT, source, reference_id, description, created_at`

func (p *PostgresStore) ListByReference(ctx context.Context, referenceID string) ([]*Movement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+movementColumns+`
		FROM pool_movements
		WHERE reference_id = $1
		ORDER BY created_at
	`, referenceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMovements(rows)
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Movement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+movementColumns+`
		FROM pool_movements
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMovements(rows)
}

func scanMovements(rows *sql.Rows) ([]*Movement, error) {
	var result []*Movement
	for rows.Next() {
		m := &Movement{}
		var source string
		var referenceID, description sql.NullString
		if err := rows.Scan(&m.ID, &m.PoolID, &m.Amount, &source, &referenceID, &description, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Source = Source(source)
		m.ReferenceID = referenceID.String
		m.Description = description.String
		result = append(result, m)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
