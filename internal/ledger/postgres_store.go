package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/tmarsden/skillvault/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL.
//
// Non-negativity is enforced twice: the transitions validate before writing,
// and NUMERIC/BIGINT CHECK constraints reject any overdraft that slips past
// a concurrent writer. Serialization failures map to ErrConflict so the
// service can retry them.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// mapPQ translates database errors into the package's typed errors.
func mapPQ(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return ErrConflict
		case "23514": // check_violation
			if strings.Contains(string(pqErr.Constraint), "wallet") {
				return ErrInsufficientFunds
			}
			return ErrInsufficientCredits
		}
	}
	return err
}

func asPQError(err error, target **pq.Error) bool {
	for err != nil {
		if pe, ok := err.(*pq.Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// inTx runs fn inside one serializable transaction.
func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return mapPQ(err)
	}
	return mapPQ(tx.Commit())
}

func (p *PostgresStore) CreateBalance(ctx context.Context, userID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO balances (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	return err
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	b := &Balance{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT credits, held_credits, earned_credits, purchased_credits, wallet_balance, updated_at
		FROM balances WHERE user_id = $1
	`, userID).Scan(&b.Credits, &b.HeldCredits, &b.EarnedCredits, &b.PurchasedCredits, &b.WalletBalance, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// insertEntry appends one ledger row inside the caller's transaction.
func insertEntry(ctx context.Context, tx *sql.Tx, e *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (
			id, user_id, type, amount, currency, source, reference_id,
			previous_balance, new_balance, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, $7, $8::NUMERIC(20,2), $9::NUMERIC(20,2), $10, $11, $12)
	`, e.ID, e.UserID, string(e.Type), e.Amount, e.Currency,
		nullString(e.Source), nullString(e.ReferenceID),
		e.PreviousBalance, e.NewBalance, string(e.Status), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) AddCredits(ctx context.Context, userID string, amount int64, purchased bool, entry *Transaction) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		purchaseDelta := int64(0)
		if purchased {
			purchaseDelta = amount
		}
		var credits int64
		err := tx.QueryRowContext(ctx, `
			UPDATE balances SET
				credits           = credits + $2,
				purchased_credits = purchased_credits + $3,
				updated_at        = NOW()
			WHERE user_id = $1
			RETURNING credits
		`, userID, amount, purchaseDelta).Scan(&credits)
		if err == sql.ErrNoRows {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to add credits: %w", err)
		}
		creditSnapshots(entry, credits-amount, credits)
		return insertEntry(ctx, tx, entry)
	})
}

func (p *PostgresStore) SpendCredits(ctx context.Context, userID string, amount int64, entry *Transaction) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		var credits int64
		err := tx.QueryRowContext(ctx, `
			UPDATE balances SET
				credits    = credits - $2,
				updated_at = NOW()
			WHERE user_id = $1 AND credits >= $2
			RETURNING credits
		`, userID, amount).Scan(&credits)
		if err == sql.ErrNoRows {
			return p.creditsGuard(ctx, tx, userID)
		}
		if err != nil {
			return fmt.Errorf("failed to spend credits: %w", err)
		}
		creditSnapshots(entry, credits+amount, credits)
		return insertEntry(ctx, tx, entry)
	})
}

func (p *PostgresStore) HoldCredits(ctx context.Context, userID string, amount int64) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE balances SET
				credits      = credits - $2,
				held_credits = held_credits + $2,
				updated_at   = NOW()
			WHERE user_id = $1 AND credits >= $2
		`, userID, amount)
		if err != nil {
			return fmt.Errorf("failed to hold credits: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return p.creditsGuard(ctx, tx, userID)
		}
		return nil
	})
}

func (p *PostgresStore) UnholdCredits(ctx context.Context, userID string, amount int64) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE balances SET
				held_credits = held_credits - $2,
				credits      = credits + $2,
				updated_at   = NOW()
			WHERE user_id = $1 AND held_credits >= $2
		`, userID, amount)
		if err != nil {
			return fmt.Errorf("failed to unhold credits: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return p.heldGuard(ctx, tx, userID)
		}
		return nil
	})
}

func (p *PostgresStore) ReleaseCredits(ctx context.Context, learnerID, providerID string, amount int64, entry *Transaction) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE balances SET
				held_credits = held_credits - $2,
				updated_at   = NOW()
			WHERE user_id = $1 AND held_credits >= $2
		`, learnerID, amount)
		if err != nil {
			return fmt.Errorf("failed to debit held credits: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return p.heldGuard(ctx, tx, learnerID)
		}

		// Providers may not have transacted before; upsert their row.
		var credits int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO balances (user_id, credits, earned_credits)
			VALUES ($1, $2, $2)
			ON CONFLICT (user_id) DO UPDATE SET
				credits        = balances.credits + $2,
				earned_credits = balances.earned_credits + $2,
				updated_at     = NOW()
			RETURNING credits
		`, providerID, amount).Scan(&credits)
		if err != nil {
			return fmt.Errorf("failed to credit provider: %w", err)
		}
		creditSnapshots(entry, credits-amount, credits)
		return insertEntry(ctx, tx, entry)
	})
}

func (p *PostgresStore) RefundCredits(ctx context.Context, learnerID string, amount int64, entry *Transaction) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		var credits int64
		err := tx.QueryRowContext(ctx, `
			UPDATE balances SET
				held_credits = held_credits - $2,
				credits      = credits + $2,
				updated_at   = NOW()
			WHERE user_id = $1 AND held_credits >= $2
			RETURNING credits
		`, learnerID, amount).Scan(&credits)
		if err == sql.ErrNoRows {
			return p.heldGuard(ctx, tx, learnerID)
		}
		if err != nil {
			return fmt.Errorf("failed to refund held credits: %w", err)
		}
		creditSnapshots(entry, credits-amount, credits)
		return insertEntry(ctx, tx, entry)
	})
}

func (p *PostgresStore) DebitWallet(ctx context.Context, userID, amount string, entry *Transaction) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		var previous, current string
		err := tx.QueryRowContext(ctx, `
			UPDATE balances SET
				wallet_balance = wallet_balance - $2::NUMERIC(20,2),
				updated_at     = NOW()
			WHERE user_id = $1 AND wallet_balance >= $2::NUMERIC(20,2)
			RETURNING (wallet_balance + $2::NUMERIC(20,2))::TEXT, wallet_balance::TEXT
		`, userID, amount).Scan(&previous, &current)
		if err == sql.ErrNoRows {
			return p.walletGuard(ctx, tx, userID)
		}
		if err != nil {
			return fmt.Errorf("failed to debit wallet: %w", err)
		}
		walletSnapshots(entry, previous, current)
		return insertEntry(ctx, tx, entry)
	})
}

func (p *PostgresStore) CreditWallet(ctx context.Context, userID, amount string, entry *Transaction) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		var previous, current string
		err := tx.QueryRowContext(ctx, `
			UPDATE balances SET
				wallet_balance = wallet_balance + $2::NUMERIC(20,2),
				updated_at     = NOW()
			WHERE user_id = $1
			RETURNING (wallet_balance - $2::NUMERIC(20,2))::TEXT, wallet_balance::TEXT
		`, userID, amount).Scan(&previous, &current)
		if err == sql.ErrNoRows {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to credit wallet: %w", err)
		}
		walletSnapshots(entry, previous, current)
		return insertEntry(ctx, tx, entry)
	})
}

// creditsGuard distinguishes a missing user from an insufficient spendable
// balance after a conditional update matched no row.
func (p *PostgresStore) creditsGuard(ctx context.Context, tx *sql.Tx, userID string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT TRUE FROM balances WHERE user_id = $1`, userID).Scan(&exists); err == sql.ErrNoRows {
		return ErrUserNotFound
	} else if err != nil {
		return err
	}
	return ErrInsufficientCredits
}

func (p *PostgresStore) heldGuard(ctx context.Context, tx *sql.Tx, userID string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT TRUE FROM balances WHERE user_id = $1`, userID).Scan(&exists); err == sql.ErrNoRows {
		return ErrUserNotFound
	} else if err != nil {
		return err
	}
	return ErrInsufficientCredits
}

func (p *PostgresStore) walletGuard(ctx context.Context, tx *sql.Tx, userID string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT TRUE FROM balances WHERE user_id = $1`, userID).Scan(&exists); err == sql.ErrNoRows {
		return ErrUserNotFound
	} else if err != nil {
		return err
	}
	return ErrInsufficientFunds
}

func (p *PostgresStore) UpdateTransactionStatus(ctx context.Context, txID string, status TxStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallet_transactions SET status = $2, updated_at = NOW() WHERE id = $1
	`, txID, string(status))
	if err != nil {
		return mapPQ(err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTxNotFound
	}
	return nil
}

const txColumns = `id, user_id, type, amount::TEXT, currency, source, reference_id,
	previous_balance::TEXT, new_balance::TEXT, status, created_at, updated_at`

func (p *PostgresStore) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM wallet_transactions WHERE id = $1`, txID)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTxNotFound
	}
	return t, err
}

func (p *PostgresStore) GetHistory(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txColumns+`
			FROM wallet_transactions
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, userID, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txColumns+`
			FROM wallet_transactions
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListByReference(ctx context.Context, referenceID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM wallet_transactions
		WHERE reference_id = $1
		ORDER BY created_at
	`, referenceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT user_id FROM balances ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) ListEntries(ctx context.Context, userID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var txType, status string
	var source, referenceID sql.NullString
	err := s.Scan(
		&t.ID, &t.UserID, &txType, &t.Amount, &t.Currency, &source, &referenceID,
		&t.PreviousBalance, &t.NewBalance, &status, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = TxType(txType)
	t.Status = TxStatus(status)
	t.Source = source.String
	t.ReferenceID = referenceID.String
	normalizeAmounts(t)
	return t, nil
}

// normalizeAmounts trims NUMERIC text output ("40.00") back to the integer
// form credit entries were written with, so reads round-trip.
func normalizeAmounts(t *Transaction) {
	if t.Type.Field() != FieldCredits {
		return
	}
	t.Amount = trimDecimal(t.Amount)
	t.PreviousBalance = trimDecimal(t.PreviousBalance)
	t.NewBalance = trimDecimal(t.NewBalance)
}

func trimDecimal(s string) string {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole := s[:i]
		if _, err := strconv.ParseInt(whole, 10, 64); err == nil {
			return whole
		}
	}
	return s
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
