package withdrawal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed withdrawal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const withdrawalColumns = `id, user_id, amount::TEXT, currency, method, bank_details, status,
	transaction_id, reviewed_by, review_note, ledger_entry_id,
	requested_at, processed_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, req *WithdrawalRequest) error {
	var details []byte
	if req.BankDetails != nil {
		b, err := json.Marshal(req.BankDetails)
		if err != nil {
			return fmt.Errorf("failed to encode bank details: %w", err)
		}
		details = b
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawal_requests (
			id, user_id, amount, currency, method, bank_details, status,
			ledger_entry_id, requested_at, created_at, updated_at
		) VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5, $6, $7, $8, $9, $10, $11)
	`, req.ID, req.UserID, req.Amount, req.Currency, req.Method, details,
		string(req.Status), req.LedgerEntryID, req.RequestedAt, req.CreatedAt, req.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*WithdrawalRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id)
	return scanRequest(row)
}

// Transition atomically moves from -> to, stamping review fields. The WHERE
// clause on the current status makes it a compare-and-set.
func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, review *Review) (*WithdrawalRequest, error) {
	if review == nil {
		review = &Review{}
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE withdrawal_requests SET
			status         = $3,
			reviewed_by    = COALESCE(NULLIF($4, ''), reviewed_by),
			review_note    = COALESCE(NULLIF($5, ''), review_note),
			transaction_id = COALESCE(NULLIF($6, ''), transaction_id),
			processed_at   = CASE WHEN $3 = 'pending' THEN NULL ELSE NOW() END,
			updated_at     = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+withdrawalColumns+`
	`, id, string(from), string(to), review.ReviewedBy, review.Note, review.TransactionID)

	req, err := scanRequest(row)
	if err == ErrNotFound {
		var exists bool
		if qerr := p.db.QueryRowContext(ctx, `SELECT TRUE FROM withdrawal_requests WHERE id = $1`, id).Scan(&exists); qerr == sql.ErrNoRows {
			return nil, ErrNotFound
		} else if qerr != nil {
			return nil, qerr
		}
		if from == StatusProcessed {
			return nil, ErrNotProcessed
		}
		return nil, ErrNotPending
	}
	return req, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*WithdrawalRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_requests
		WHERE user_id = $1
		ORDER BY requested_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRequests(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*WithdrawalRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_requests
		WHERE status = $1
		ORDER BY requested_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRequests(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (*WithdrawalRequest, error) {
	w := &WithdrawalRequest{}
	var status string
	var details []byte
	var transactionID, reviewedBy, reviewNote sql.NullString
	var processedAt sql.NullTime
	err := s.Scan(
		&w.ID, &w.UserID, &w.Amount, &w.Currency, &w.Method, &details, &status,
		&transactionID, &reviewedBy, &reviewNote, &w.LedgerEntryID,
		&w.RequestedAt, &processedAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Status = Status(status)
	w.TransactionID = transactionID.String
	w.ReviewedBy = reviewedBy.String
	w.ReviewNote = reviewNote.String
	if processedAt.Valid {
		t := processedAt.Time
		w.ProcessedAt = &t
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &w.BankDetails); err != nil {
			return nil, fmt.Errorf("failed to decode bank details: %w", err)
		}
	}
	return w, nil
}

func scanRequests(rows *sql.Rows) ([]*WithdrawalRequest, error) {
	var result []*WithdrawalRequest
	for rows.Next() {
		w, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
