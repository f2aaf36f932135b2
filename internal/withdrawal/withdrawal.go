// Package withdrawal manages provider cash-outs from the monetary wallet.
//
// Flow:
//  1. Provider requests a payout -> wallet debited immediately, request PENDING
//  2. Admin approves with the bank transfer ID -> request PROCESSED
//  3. Admin rejects -> wallet re-credited, request REJECTED
//  4. Transfer later bounces -> request FAILED, wallet re-credited
//
// The wallet is debited at request time, so a pending request can never be
// spent twice. Approval moves no funds; it only records the external
// transfer. PROCESSED may still transition to FAILED when the transfer
// bounces; REJECTED and FAILED are terminal.
package withdrawal

import (
	"context"
	"fmt"
	"time"

	"github.com/tmarsden/skillvault/internal/apperr"
	"github.com/tmarsden/skillvault/internal/idgen"
	"github.com/tmarsden/skillvault/internal/logging"
	"github.com/tmarsden/skillvault/internal/metrics"
	"github.com/tmarsden/skillvault/internal/money"
	"github.com/tmarsden/skillvault/internal/syncutil"
	"github.com/tmarsden/skillvault/internal/traces"
)

var (
	ErrNotFound         = apperr.NotFound("withdrawal request not found")
	ErrNotPending       = apperr.Validation("withdrawal request is not pending")
	ErrNotProcessed     = apperr.Validation("withdrawal request is not processed")
	ErrInvalidAmount    = apperr.Validation("invalid amount")
	ErrAmountOutOfRange = apperr.Validation("amount outside withdrawal limits")
	ErrInvalidDecision  = apperr.Validation("decision must be APPROVE or REJECT")
	ErrMissingReference = apperr.Validation("transactionId is required to approve")
)

// Status represents the state of a withdrawal request.
type Status string

const (
	StatusPending   Status = "pending"   // Wallet debited, awaiting review
	StatusProcessed Status = "processed" // Approved, external transfer recorded
	StatusRejected  Status = "rejected"  // Declined, wallet re-credited
	StatusFailed    Status = "failed"    // Transfer bounced, wallet re-credited
)

// Decision is an admin review outcome.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// WithdrawalRequest tracks one payout from request through settlement.
// LedgerEntryID points at the withdrawal_request ledger row written when the
// wallet was debited.
type WithdrawalRequest struct {
	ID            string            `json:"id"`
	UserID        string            `json:"userId"`
	Amount        string            `json:"amount"`
	Currency      string            `json:"currency"`
	Method        string            `json:"method"`
	BankDetails   map[string]string `json:"bankDetails,omitempty"`
	Status        Status            `json:"status"`
	TransactionID string            `json:"transactionId,omitempty"`
	ReviewedBy    string            `json:"reviewedBy,omitempty"`
	ReviewNote    string            `json:"reviewNote,omitempty"`
	LedgerEntryID string            `json:"ledgerEntryId"`
	RequestedAt   time.Time         `json:"requestedAt"`
	ProcessedAt   *time.Time        `json:"processedAt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// IsTerminal returns true if the request reached a final state.
func (w *WithdrawalRequest) IsTerminal() bool {
	return w.Status == StatusRejected || w.Status == StatusFailed
}

// Review carries the admin fields written with a transition.
type Review struct {
	ReviewedBy    string
	Note          string
	TransactionID string
}

// Store persists withdrawal requests. Transition is a compare-and-set on the
// current status: of two racing decisions, exactly one succeeds.
type Store interface {
	Create(ctx context.Context, req *WithdrawalRequest) error
	Get(ctx context.Context, id string) (*WithdrawalRequest, error)
	Transition(ctx context.Context, id string, from, to Status, review *Review) (*WithdrawalRequest, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*WithdrawalRequest, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*WithdrawalRequest, error)
}

// WalletLedger abstracts ledger operations so withdrawal doesn't import
// ledger. DebitWallet returns the ID of the PENDING entry it appended.
type WalletLedger interface {
	DebitWallet(ctx context.Context, userID, amount, currency, source, referenceID string) (entryID string, err error)
	CreditWallet(ctx context.Context, userID, amount, currency, entryType, source, referenceID string) error
	CompleteEntry(ctx context.Context, entryID string) error
	FailEntry(ctx context.Context, entryID string) error
}

// PoolRecorder mirrors user-facing movements onto the platform pool account.
type PoolRecorder interface {
	Record(ctx context.Context, amount, source, referenceID, description string) error
}

// RequestInput contains the parameters for requesting a withdrawal.
type RequestInput struct {
	UserID      string            `json:"userId" binding:"required"`
	Amount      string            `json:"amount" binding:"required"`
	Currency    string            `json:"currency" binding:"required"`
	Method      string            `json:"method" binding:"required"`
	BankDetails map[string]string `json:"bankDetails"`
}

// ProcessInput contains the parameters for an admin decision.
type ProcessInput struct {
	Decision      Decision `json:"decision" binding:"required"`
	ReviewedBy    string   `json:"reviewedBy" binding:"required"`
	TransactionID string   `json:"transactionId"`
	Note          string   `json:"note"`
}

// Limits bound the amount of a single withdrawal request. An empty bound
// is not enforced.
type Limits struct {
	Min string
	Max string
}

// Service implements withdrawal business logic.
type Service struct {
	store  Store
	ledger WalletLedger
	pool   PoolRecorder
	limits Limits
	locks  syncutil.ShardedMutex // per-request locks to prevent race conditions
}

// NewService creates a new withdrawal service.
func NewService(store Store, ledger WalletLedger) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
	}
}

// WithPool adds a pool recorder for platform-side mirroring.
func (s *Service) WithPool(p PoolRecorder) *Service {
	s.pool = p
	return s
}

// WithLimits bounds the per-request amount.
func (s *Service) WithLimits(l Limits) *Service {
	s.limits = l
	return s
}

func (s *Service) requestLock(id string) func() {
	return s.locks.Lock(id)
}

// Request debits the user's wallet and creates a PENDING withdrawal request.
// The debit happens now, not at approval, so the balance always reflects
// funds the user can still spend.
func (s *Service) Request(ctx context.Context, in RequestInput) (*WithdrawalRequest, error) {
	ctx, span := traces.StartSpan(ctx, "withdrawal.Request",
		traces.UserID(in.UserID), traces.Amount(in.Amount))
	defer span.End()

	v, ok := money.ParsePositive(in.Amount)
	if !ok {
		return nil, ErrInvalidAmount
	}
	amount := money.Format(v)
	if s.limits.Min != "" && money.Cmp(amount, s.limits.Min) < 0 {
		return nil, ErrAmountOutOfRange
	}
	if s.limits.Max != "" && money.Cmp(amount, s.limits.Max) > 0 {
		return nil, ErrAmountOutOfRange
	}

	id := idgen.WithPrefix("wd_")
	entryID, err := s.ledger.DebitWallet(ctx, in.UserID, amount, in.Currency, "withdrawal", id)
	if err != nil {
		return nil, fmt.Errorf("failed to debit wallet: %w", err)
	}

	now := time.Now()
	req := &WithdrawalRequest{
		ID:            id,
		UserID:        in.UserID,
		Amount:        amount,
		Currency:      in.Currency,
		Method:        in.Method,
		BankDetails:   in.BankDetails,
		Status:        StatusPending,
		LedgerEntryID: entryID,
		RequestedAt:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, req); err != nil {
		// Unwind: hand the money back and close out the dangling entry.
		if ferr := s.ledger.FailEntry(ctx, entryID); ferr != nil {
			logging.L(ctx).Error("failed to fail ledger entry after withdrawal create failure",
				"withdrawalId", id, "entryId", entryID, "error", ferr)
		}
		if cerr := s.ledger.CreditWallet(ctx, in.UserID, amount, in.Currency, "withdrawal_failed", "withdrawal", id); cerr != nil {
			logging.L(ctx).Error("failed to re-credit wallet after withdrawal create failure",
				"withdrawalId", id, "userId", in.UserID, "error", cerr)
		}
		return nil, fmt.Errorf("failed to create withdrawal request: %w", err)
	}

	metrics.WithdrawalDecisionsTotal.WithLabelValues("requested").Inc()
	s.mirrorToPool(ctx, req, in.Amount, "withdrawal_request")
	return req, nil
}

// Process applies an admin decision to a PENDING request. APPROVE records
// the external transfer ID and completes the ledger entry; no funds move.
// REJECT re-credits the wallet, fails the original entry and appends a
// reversal entry.
func (s *Service) Process(ctx context.Context, id string, in ProcessInput) (*WithdrawalRequest, error) {
	ctx, span := traces.StartSpan(ctx, "withdrawal.Process",
		traces.WithdrawalID(id), traces.Reference(in.TransactionID))
	defer span.End()

	switch in.Decision {
	case DecisionApprove:
		if in.TransactionID == "" {
			return nil, ErrMissingReference
		}
	case DecisionReject:
	default:
		return nil, ErrInvalidDecision
	}

	defer s.requestLock(id)()

	if in.Decision == DecisionApprove {
		return s.approve(ctx, id, in)
	}
	return s.reject(ctx, id, in)
}

func (s *Service) approve(ctx context.Context, id string, in ProcessInput) (*WithdrawalRequest, error) {
	req, err := s.store.Transition(ctx, id, StatusPending, StatusProcessed, &Review{
		ReviewedBy:    in.ReviewedBy,
		Note:          in.Note,
		TransactionID: in.TransactionID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.ledger.CompleteEntry(ctx, req.LedgerEntryID); err != nil {
		// The approval stands; the entry stays PENDING until reconciliation
		// or a retry picks it up.
		logging.L(ctx).Error("approved withdrawal but ledger entry completion failed",
			"withdrawalId", id, "entryId", req.LedgerEntryID, "error", err)
	}
	metrics.WithdrawalDecisionsTotal.WithLabelValues("approved").Inc()
	return req, nil
}

func (s *Service) reject(ctx context.Context, id string, in ProcessInput) (*WithdrawalRequest, error) {
	req, err := s.store.Transition(ctx, id, StatusPending, StatusRejected, &Review{
		ReviewedBy: in.ReviewedBy,
		Note:       in.Note,
	})
	if err != nil {
		return nil, err
	}

	if err := s.reverse(ctx, req, "withdrawal_rejected"); err != nil {
		// Give the claim back so the rejection can be retried.
		if _, rerr := s.store.Transition(ctx, id, StatusRejected, StatusPending, nil); rerr != nil {
			logging.L(ctx).Error("failed to revert withdrawal claim after reversal failure",
				"withdrawalId", id, "error", rerr)
		}
		return nil, err
	}

	metrics.WithdrawalDecisionsTotal.WithLabelValues("rejected").Inc()
	s.mirrorToPool(ctx, req, "-"+req.Amount, "withdrawal_rejected")
	return req, nil
}

// MarkFailed transitions a PROCESSED request to FAILED after the external
// transfer bounced, re-crediting the wallet with a withdrawal_failed
// reversal entry. Called by the payout reconciler.
func (s *Service) MarkFailed(ctx context.Context, id, reason string) (*WithdrawalRequest, error) {
	ctx, span := traces.StartSpan(ctx, "withdrawal.MarkFailed", traces.WithdrawalID(id))
	defer span.End()

	defer s.requestLock(id)()

	req, err := s.store.Transition(ctx, id, StatusProcessed, StatusFailed, &Review{Note: reason})
	if err != nil {
		return nil, err
	}

	if err := s.reverse(ctx, req, "withdrawal_failed"); err != nil {
		if _, rerr := s.store.Transition(ctx, id, StatusFailed, StatusProcessed, nil); rerr != nil {
			logging.L(ctx).Error("failed to revert withdrawal claim after reversal failure",
				"withdrawalId", id, "error", rerr)
		}
		return nil, err
	}

	metrics.WithdrawalDecisionsTotal.WithLabelValues("failed").Inc()
	s.mirrorToPool(ctx, req, "-"+req.Amount, "withdrawal_failed")
	return req, nil
}

// reverse marks the original debit entry FAILED and re-credits the wallet
// with a reversal entry of the given type. It runs after the status claim
// in separate ledger transactions; a crash in between leaves a settled
// request without its re-credit, which the wallet replay reconciliation
// check surfaces.
func (s *Service) reverse(ctx context.Context, req *WithdrawalRequest, entryType string) error {
	if err := s.ledger.FailEntry(ctx, req.LedgerEntryID); err != nil {
		return fmt.Errorf("failed to mark original entry failed: %w", err)
	}
	if err := s.ledger.CreditWallet(ctx, req.UserID, req.Amount, req.Currency, entryType, "withdrawal", req.ID); err != nil {
		return fmt.Errorf("failed to re-credit wallet: %w", err)
	}
	return nil
}

func (s *Service) mirrorToPool(ctx context.Context, req *WithdrawalRequest, amount, source string) {
	if s.pool == nil {
		return
	}
	desc := fmt.Sprintf("%s for withdrawal %s", source, req.ID)
	if err := s.pool.Record(ctx, amount, source, req.ID, desc); err != nil {
		logging.L(ctx).Warn("pool mirror failed for withdrawal movement",
			"withdrawalId", req.ID, "source", source, "error", err)
	}
}

// Get returns a withdrawal request by ID.
func (s *Service) Get(ctx context.Context, id string) (*WithdrawalRequest, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns a user's withdrawal requests.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*WithdrawalRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListPending returns the admin review queue.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*WithdrawalRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListByStatus(ctx, StatusPending, limit)
}
