// Package ledger owns user balances and the append-only transaction log.
//
// Flow:
//  1. Learner buys credits -> credits balance goes up, purchase entry appended
//  2. Booking holds credits -> credits move to heldCredits (no entry yet)
//  3. Session completes -> held credits released to provider, earning entry
//  4. Provider cashes out -> walletBalance debited, withdrawal entry appended
//
// Every balance mutation runs inside one atomic store operation that writes
// the new balance and the ledger row together, or nothing at all. The engine
// never reads a balance into memory, recomputes it in application code and
// writes it back outside that unit of work.
package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/tmarsden/skillvault/internal/apperr"
	"github.com/tmarsden/skillvault/internal/idgen"
	"github.com/tmarsden/skillvault/internal/metrics"
	"github.com/tmarsden/skillvault/internal/money"
	"github.com/tmarsden/skillvault/internal/pagination"
	"github.com/tmarsden/skillvault/internal/retry"
)

var (
	ErrUserNotFound        = apperr.NotFound("user not found")
	ErrTxNotFound          = apperr.NotFound("ledger transaction not found")
	ErrInsufficientCredits = apperr.Validation("insufficient credits")
	ErrInsufficientFunds   = apperr.Validation("insufficient wallet balance")
	ErrInvalidAmount       = apperr.Validation("invalid amount")

	// ErrConflict is returned by stores when a serializable transaction
	// loses to a concurrent writer. The service retries these a bounded
	// number of times before surfacing an internal error.
	ErrConflict = apperr.Internal("store conflict", nil)
)

// Currency codes. Credit-denominated entries use CurrencyCredits; monetary
// wallet entries carry the real currency of the wallet.
const (
	CurrencyCredits = "CREDITS"
)

// TxType enumerates ledger entry types.
type TxType string

const (
	TypeSessionEarning     TxType = "session_earning"
	TypeProjectEarning     TxType = "project_earning"
	TypeSessionPayment     TxType = "session_payment"
	TypeCreditPurchase     TxType = "credit_purchase"
	TypeRefund             TxType = "refund"
	TypeWithdrawalRequest  TxType = "withdrawal_request"
	TypeWithdrawalRejected TxType = "withdrawal_rejected"
	TypeWithdrawalFailed   TxType = "withdrawal_failed"
)

// Field identifies which balance field an entry type mutates.
type Field string

const (
	FieldCredits Field = "credits"
	FieldWallet  Field = "wallet"
)

// Field returns the balance field mutated by entries of this type.
func (t TxType) Field() Field {
	switch t {
	case TypeWithdrawalRequest, TypeWithdrawalRejected, TypeWithdrawalFailed:
		return FieldWallet
	}
	return FieldCredits
}

// TxStatus is the disposition of a ledger entry. Only withdrawal-linked
// entries ever transition; everything else is written COMPLETED and stays so.
type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusCompleted TxStatus = "completed"
	StatusFailed    TxStatus = "failed"
)

// Balance holds one user's balance fields. Credits are integral;
// walletBalance is a decimal string (see internal/money).
type Balance struct {
	UserID           string    `json:"userId"`
	Credits          int64     `json:"credits"`
	HeldCredits      int64     `json:"heldCredits"`
	EarnedCredits    int64     `json:"earnedCredits"`
	PurchasedCredits int64     `json:"purchasedCredits"`
	WalletBalance    string    `json:"walletBalance"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Transaction is an immutable ledger entry. Amount is signed: positive
// credits the user, negative debits. PreviousBalance/NewBalance snapshot
// the mutated field at the instant of the write, so
// NewBalance = PreviousBalance + Amount holds for every row.
type Transaction struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	Type            TxType    `json:"type"`
	Amount          string    `json:"amount"`
	Currency        string    `json:"currency"`
	Source          string    `json:"source,omitempty"`
	ReferenceID     string    `json:"referenceId,omitempty"`
	PreviousBalance string    `json:"previousBalance"`
	NewBalance      string    `json:"newBalance"`
	Status          TxStatus  `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Store persists balances and ledger entries. Every mutating operation is
// one atomic unit: balance write plus entry append commit together or not
// at all. Implementations fill the entry's PreviousBalance/NewBalance from
// the field value immediately before/after the mutation.
type Store interface {
	CreateBalance(ctx context.Context, userID string) error
	GetBalance(ctx context.Context, userID string) (*Balance, error)

	// Credit-field primitives.
	AddCredits(ctx context.Context, userID string, amount int64, purchased bool, entry *Transaction) error
	SpendCredits(ctx context.Context, userID string, amount int64, entry *Transaction) error
	HoldCredits(ctx context.Context, userID string, amount int64) error
	UnholdCredits(ctx context.Context, userID string, amount int64) error
	ReleaseCredits(ctx context.Context, learnerID, providerID string, amount int64, entry *Transaction) error
	RefundCredits(ctx context.Context, learnerID string, amount int64, entry *Transaction) error

	// Wallet-field primitives.
	DebitWallet(ctx context.Context, userID, amount string, entry *Transaction) error
	CreditWallet(ctx context.Context, userID, amount string, entry *Transaction) error

	// Entry access. Status updates are restricted to withdrawal-linked rows.
	UpdateTransactionStatus(ctx context.Context, txID string, status TxStatus) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetHistory(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error)
	ListByReference(ctx context.Context, referenceID string) ([]*Transaction, error)

	// Reconciliation support.
	ListUserIDs(ctx context.Context) ([]string, error)
	ListEntries(ctx context.Context, userID string) ([]*Transaction, error)
}

// Retry budget for serialization conflicts between concurrent writers.
const (
	conflictAttempts  = 3
	conflictBaseDelay = 20 * time.Millisecond
)

// Ledger validates inputs, stamps entries and drives the store.
type Ledger struct {
	store Store
}

// New creates a ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// withRetry runs fn, retrying bounded times on ErrConflict only. Guard
// violations and other failures surface immediately.
func (l *Ledger) withRetry(ctx context.Context, fn func() error) error {
	err := retry.Do(ctx, conflictAttempts, conflictBaseDelay, func() error {
		if err := fn(); err != nil {
			if apperr.IsNotFound(err) || apperr.IsValidation(err) {
				return retry.Permanent(err)
			}
			if errors.Is(err, ErrConflict) {
				metrics.LedgerConflictsTotal.Inc()
			}
			return err
		}
		return nil
	})
	return err
}

// CreateBalance ensures a zero balance row exists for the user.
func (l *Ledger) CreateBalance(ctx context.Context, userID string) error {
	return l.store.CreateBalance(ctx, userID)
}

// GetBalance returns a user's current balance.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return l.store.GetBalance(ctx, userID)
}

// AddCredits credits a user with already-authorized purchased credits and
// appends a credit_purchase entry.
func (l *Ledger) AddCredits(ctx context.Context, userID string, amount int64, source, referenceID string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	entry := newCreditEntry(userID, TypeCreditPurchase, amount, source, referenceID)
	if err := l.withRetry(ctx, func() error {
		return l.store.AddCredits(ctx, userID, amount, true, entry)
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

// SpendCredits debits a user's spendable credits for an instant (non-escrow)
// session payment and appends a session_payment entry.
func (l *Ledger) SpendCredits(ctx context.Context, userID string, amount int64, source, referenceID string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	entry := newCreditEntry(userID, TypeSessionPayment, -amount, source, referenceID)
	if err := l.withRetry(ctx, func() error {
		return l.store.SpendCredits(ctx, userID, amount, entry)
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

// HoldCredits reserves credits against a pending booking: spendable credits
// move to heldCredits under the same owner. No ledger entry is written; the
// credits remain the learner's own until final disposition, and only the
// final movement is recorded.
func (l *Ledger) HoldCredits(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.withRetry(ctx, func() error {
		return l.store.HoldCredits(ctx, userID, amount)
	})
}

// UnholdCredits moves held credits back to spendable without recording a
// ledger entry. This unwinds a hold whose surrounding operation failed; like
// the hold itself, it is invisible to the ledger.
func (l *Ledger) UnholdCredits(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.withRetry(ctx, func() error {
		return l.store.UnholdCredits(ctx, userID, amount)
	})
}

// ReleaseHeld pays held credits out to the provider: the learner's
// heldCredits drop, the provider's credits and earnedCredits rise, and one
// earning entry is appended with the provider's before/after credit balance.
func (l *Ledger) ReleaseHeld(ctx context.Context, learnerID, providerID string, amount int64, earningType TxType, source, referenceID string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if earningType != TypeSessionEarning && earningType != TypeProjectEarning {
		earningType = TypeSessionEarning
	}
	entry := newCreditEntry(providerID, earningType, amount, source, referenceID)
	if err := l.withRetry(ctx, func() error {
		return l.store.ReleaseCredits(ctx, learnerID, providerID, amount, entry)
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

// RefundHeld returns held credits to the learner's spendable balance and
// appends one refund entry with the learner's before/after credit balance.
func (l *Ledger) RefundHeld(ctx context.Context, learnerID string, amount int64, source, referenceID string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	entry := newCreditEntry(learnerID, TypeRefund, amount, source, referenceID)
	if err := l.withRetry(ctx, func() error {
		return l.store.RefundCredits(ctx, learnerID, amount, entry)
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

// DebitWallet removes funds from the monetary wallet and appends a PENDING
// withdrawal_request entry. Returns the entry so the caller can track it
// through completion or failure.
func (l *Ledger) DebitWallet(ctx context.Context, userID, amount, currency, source, referenceID string) (*Transaction, error) {
	v, ok := money.ParsePositive(amount)
	if !ok {
		return nil, ErrInvalidAmount
	}
	now := time.Now()
	entry := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      userID,
		Type:        TypeWithdrawalRequest,
		Amount:      money.Neg(money.Format(v)),
		Currency:    currency,
		Source:      source,
		ReferenceID: referenceID,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.withRetry(ctx, func() error {
		return l.store.DebitWallet(ctx, userID, money.Format(v), entry)
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

// CreditWallet adds funds back to the monetary wallet and appends a
// COMPLETED reversal entry of the given type (withdrawal_rejected or
// withdrawal_failed).
func (l *Ledger) CreditWallet(ctx context.Context, userID, amount, currency string, txType TxType, source, referenceID string) (*Transaction, error) {
	v, ok := money.ParsePositive(amount)
	if !ok {
		return nil, ErrInvalidAmount
	}
	now := time.Now()
	entry := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      userID,
		Type:        txType,
		Amount:      money.Format(v),
		Currency:    currency,
		Source:      source,
		ReferenceID: referenceID,
		Status:      StatusCompleted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.withRetry(ctx, func() error {
		return l.store.CreditWallet(ctx, userID, money.Format(v), entry)
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

// CompleteTransaction flips a PENDING withdrawal entry to COMPLETED.
func (l *Ledger) CompleteTransaction(ctx context.Context, txID string) error {
	return l.store.UpdateTransactionStatus(ctx, txID, StatusCompleted)
}

// FailTransaction flips a withdrawal entry to FAILED.
func (l *Ledger) FailTransaction(ctx context.Context, txID string) error {
	return l.store.UpdateTransactionStatus(ctx, txID, StatusFailed)
}

// GetHistory returns the newest ledger entries for a user, optionally
// starting after an opaque cursor.
func (l *Ledger) GetHistory(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, userID, limit, before)
}

// ListByReference returns all entries caused by one business event.
func (l *Ledger) ListByReference(ctx context.Context, referenceID string) ([]*Transaction, error) {
	return l.store.ListByReference(ctx, referenceID)
}

// newCreditEntry builds a COMPLETED credit-field entry. amount is signed
// credits; snapshots are filled in by the store at write time.
func newCreditEntry(userID string, txType TxType, amount int64, source, referenceID string) *Transaction {
	now := time.Now()
	return &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      userID,
		Type:        txType,
		Amount:      strconv.FormatInt(amount, 10),
		Currency:    CurrencyCredits,
		Source:      source,
		ReferenceID: referenceID,
		Status:      StatusCompleted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
