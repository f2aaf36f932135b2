package escrow

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, booking_id, learner_id, provider_id, amount, kind, status,
	held_at, released_at, refunded_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, escrow *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, booking_id, learner_id, provider_id, amount, kind, status,
			held_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, escrow.ID, escrow.BookingID, escrow.LearnerID, escrow.ProviderID,
		escrow.Amount, string(escrow.Kind), string(escrow.Status),
		escrow.HeldAt, escrow.CreatedAt, escrow.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" { // unique_violation on booking_id
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	return scanEscrow(row)
}

func (p *PostgresStore) GetByBooking(ctx context.Context, bookingID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE booking_id = $1`, bookingID)
	return scanEscrow(row)
}

// UpdateStatus atomically transitions from -> to. The WHERE clause on the
// current status makes it a compare-and-set: a concurrent transition that
// already claimed the row leaves nothing to update here.
func (p *PostgresStore) UpdateStatus(ctx context.Context, bookingID string, from, to Status) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE escrows SET
			status      = $3,
			released_at = CASE WHEN $3 = 'released' THEN NOW() WHEN $3 = 'held' THEN NULL ELSE released_at END,
			refunded_at = CASE WHEN $3 = 'refunded' THEN NOW() WHEN $3 = 'held' THEN NULL ELSE refunded_at END,
			updated_at  = NOW()
		WHERE booking_id = $1 AND status = $2
		RETURNING `+escrowColumns+`
	`, bookingID, string(from), string(to))

	escrow, err := scanEscrow(row)
	if err == ErrNotFound {
		// Row missing entirely, or present with a different status.
		var exists bool
		if qerr := p.db.QueryRowContext(ctx, `SELECT TRUE FROM escrows WHERE booking_id = $1`, bookingID).Scan(&exists); qerr == sql.ErrNoRows {
			return nil, ErrNotFound
		} else if qerr != nil {
			return nil, qerr
		}
		return nil, ErrNotHeld
	}
	return escrow, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE learner_id = $1 OR provider_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var kind, status string
	var releasedAt, refundedAt sql.NullTime
	err := s.Scan(
		&e.ID, &e.BookingID, &e.LearnerID, &e.ProviderID, &e.Amount, &kind, &status,
		&e.HeldAt, &releasedAt, &refundedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Status = Status(status)
	if releasedAt.Valid {
		t := releasedAt.Time
		e.ReleasedAt = &t
	}
	if refundedAt.Valid {
		t := refundedAt.Time
		e.RefundedAt = &t
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
