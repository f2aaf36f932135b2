// Package pool maintains the platform pool account that mirrors user-facing
// escrow and withdrawal movements.
//
// Every credit or wallet movement the engines apply to a user balance gets
// an equal-and-opposite movement recorded here, tagged with its source and
// the business reference that caused it. The mirror is best-effort: writes
// retry a bounded number of times, and a movement that still fails is
// logged and counted but never rolls back the user-facing movement it
// mirrors. Reconciliation compares the two sides by referenceID.
package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/tmarsden/skillvault/internal/apperr"
	"github.com/tmarsden/skillvault/internal/idgen"
	"github.com/tmarsden/skillvault/internal/logging"
	"github.com/tmarsden/skillvault/internal/metrics"
	"github.com/tmarsden/skillvault/internal/money"
	"github.com/tmarsden/skillvault/internal/retry"
)

var ErrInvalidAmount = apperr.Validation("invalid amount")

// DefaultPoolID is the single platform pool account.
const DefaultPoolID = "platform"

// Source tags a pool movement with the user-facing movement it mirrors.
type Source string

const (
	SourceSessionRelease    Source = "session_release"
	SourceProjectRelease    Source = "project_release"
	SourceSessionRefund     Source = "session_refund"
	SourceProjectRefund     Source = "project_refund"
	SourceWithdrawalRequest Source = "withdrawal_request"
	SourceWithdrawalReject  Source = "withdrawal_rejected"
	SourceWithdrawalFailed  Source = "withdrawal_failed"
)

// Movement is one signed adjustment to the pool balance.
type Movement struct {
	ID          string    `json:"id"`
	PoolID      string    `json:"poolId"`
	Amount      string    `json:"amount"`
	Source      Source    `json:"source"`
	ReferenceID string    `json:"referenceId,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists pool movements. Record applies the movement to the pool
// balance and appends the movement row in one atomic unit.
type Store interface {
	Record(ctx context.Context, m *Movement) error
	Balance(ctx context.Context, poolID string) (string, error)
	ListByReference(ctx context.Context, referenceID string) ([]*Movement, error)
	List(ctx context.Context, limit int) ([]*Movement, error)
}

// Retry budget for mirror writes. Generous because nothing waits on them.
const (
	recordAttempts  = 3
	recordBaseDelay = 50 * time.Millisecond
)

// Recorder writes pool movements with bounded retries. It satisfies the
// PoolRecorder interfaces of the escrow and withdrawal packages.
type Recorder struct {
	store Store
}

// NewRecorder creates a pool recorder over the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record appends one signed pool movement. A write that fails after
// retries is counted and logged; the caller's primary movement stands.
func (r *Recorder) Record(ctx context.Context, amount, source, referenceID, description string) error {
	if _, ok := money.Parse(amount); !ok || amount == "" {
		return ErrInvalidAmount
	}

	m := &Movement{
		ID:          idgen.WithPrefix("pool_"),
		PoolID:      DefaultPoolID,
		Amount:      amount,
		Source:      Source(source),
		ReferenceID: referenceID,
		Description: description,
		CreatedAt:   time.Now(),
	}

	err := retry.Do(ctx, recordAttempts, recordBaseDelay, func() error {
		return r.store.Record(ctx, m)
	})
	if err != nil {
		metrics.PoolWriteFailuresTotal.Inc()
		logging.L(ctx).Error("pool movement dropped after retries",
			"source", source, "referenceId", referenceID, "amount", amount, "error", err)
		return fmt.Errorf("failed to record pool movement: %w", err)
	}
	return nil
}

// Balance returns the current platform pool balance.
func (r *Recorder) Balance(ctx context.Context) (string, error) {
	return r.store.Balance(ctx, DefaultPoolID)
}

// MovementsFor returns the pool movements caused by one business event, for
// reconciliation against the user-facing ledger.
func (r *Recorder) MovementsFor(ctx context.Context, referenceID string) ([]*Movement, error) {
	return r.store.ListByReference(ctx, referenceID)
}
