// Package escrow holds booking payments until the session or project is
// resolved.
//
// Flow:
//  1. Booking created -> learner credits move to heldCredits, escrow HELD
//  2. Session completes -> held credits paid to provider, escrow RELEASED
//  3. Booking cancelled -> held credits returned to learner, escrow REFUNDED
//
// A hold writes no ledger entry; only the final disposition is recorded, by
// the ledger, as exactly one entry. RELEASED and REFUNDED are terminal.
package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/tmarsden/skillvault/internal/apperr"
	"github.com/tmarsden/skillvault/internal/idgen"
	"github.com/tmarsden/skillvault/internal/logging"
	"github.com/tmarsden/skillvault/internal/metrics"
	"github.com/tmarsden/skillvault/internal/syncutil"
	"github.com/tmarsden/skillvault/internal/traces"
)

var (
	ErrNotFound      = apperr.NotFound("escrow not found")
	ErrAlreadyExists = apperr.Validation("escrow already exists for this booking")
	ErrNotHeld       = apperr.Validation("escrow is not in held status")
	ErrInvalidAmount = apperr.Validation("invalid amount")
	ErrSameParties   = apperr.Validation("learner and provider cannot be the same user")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusHeld     Status = "held"     // Credits reserved against the booking
	StatusReleased Status = "released" // Paid out to the provider
	StatusRefunded Status = "refunded" // Returned to the learner
)

// Kind distinguishes session bookings from project engagements. It decides
// the earning entry type written on release.
type Kind string

const (
	KindSession Kind = "session"
	KindProject Kind = "project"
)

// Escrow represents credits held against one booking. BookingID is unique:
// a booking has at most one escrow over its lifetime.
type Escrow struct {
	ID         string     `json:"id"`
	BookingID  string     `json:"bookingId"`
	LearnerID  string     `json:"learnerId"`
	ProviderID string     `json:"providerId"`
	Amount     int64      `json:"amount"`
	Kind       Kind       `json:"kind"`
	Status     Status     `json:"status"`
	HeldAt     time.Time  `json:"heldAt"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
	RefundedAt *time.Time `json:"refundedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow reached a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status == StatusReleased || e.Status == StatusRefunded
}

// Store persists escrow records. UpdateStatus is a compare-and-set on the
// current status: of two racing transitions, exactly one succeeds and the
// other observes ErrNotHeld.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByBooking(ctx context.Context, bookingID string) (*Escrow, error)
	UpdateStatus(ctx context.Context, bookingID string, from, to Status) (*Escrow, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
}

// CreditLedger abstracts ledger operations so escrow doesn't import ledger.
type CreditLedger interface {
	HoldCredits(ctx context.Context, userID string, amount int64) error
	UnholdCredits(ctx context.Context, userID string, amount int64) error
	ReleaseHeld(ctx context.Context, learnerID, providerID string, amount int64, earningType, source, referenceID string) error
	RefundHeld(ctx context.Context, learnerID string, amount int64, source, referenceID string) error
}

// PoolRecorder mirrors user-facing movements onto the platform pool account.
// Recording is best-effort; implementations own their retries and metrics.
type PoolRecorder interface {
	Record(ctx context.Context, amount, source, referenceID, description string) error
}

// HoldRequest contains the parameters for holding booking credits.
type HoldRequest struct {
	BookingID  string `json:"bookingId" binding:"required"`
	LearnerID  string `json:"learnerId" binding:"required"`
	ProviderID string `json:"providerId" binding:"required"`
	Amount     int64  `json:"amount" binding:"required"`
	Kind       Kind   `json:"kind"`
}

// Service implements escrow business logic.
type Service struct {
	store  Store
	ledger CreditLedger
	pool   PoolRecorder
	locks  syncutil.ShardedMutex // per-booking locks to prevent race conditions
}

// NewService creates a new escrow service.
func NewService(store Store, ledger CreditLedger) *Service {
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

// bookingLock serializes transitions for one booking (e.g. release + refund
// racing) and returns the unlock function.
func (s *Service) bookingLock(bookingID string) func() {
	return s.locks.Lock(bookingID)
}

// earningType maps the escrow kind to the ledger entry type written on
// release.
func (e *Escrow) earningType() string {
	if e.Kind == KindProject {
		return "project_earning"
	}
	return "session_earning"
}

// source tags ledger entries and pool movements with the escrow kind.
func (e *Escrow) source(action string) string {
	return string(e.Kind) + "_" + action
}

// Hold reserves the learner's credits against a booking and creates the
// escrow record. The credits move to heldCredits under the learner; no
// ledger entry is written.
func (s *Service) Hold(ctx context.Context, req HoldRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Hold",
		traces.BookingID(req.BookingID), traces.Credits(req.Amount))
	defer span.End()

	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.LearnerID == req.ProviderID {
		return nil, ErrSameParties
	}
	kind := req.Kind
	if kind != KindProject {
		kind = KindSession
	}

	defer s.bookingLock(req.BookingID)()

	if _, err := s.store.GetByBooking(ctx, req.BookingID); err == nil {
		return nil, ErrAlreadyExists
	} else if !apperr.IsNotFound(err) {
		return nil, err
	}

	if err := s.ledger.HoldCredits(ctx, req.LearnerID, req.Amount); err != nil {
		return nil, fmt.Errorf("failed to hold booking credits: %w", err)
	}

	now := time.Now()
	escrow := &Escrow{
		ID:         idgen.WithPrefix("esc_"),
		BookingID:  req.BookingID,
		LearnerID:  req.LearnerID,
		ProviderID: req.ProviderID,
		Amount:     req.Amount,
		Kind:       kind,
		Status:     StatusHeld,
		HeldAt:     now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, escrow); err != nil {
		// Unwind the hold; nothing was recorded in the ledger.
		if uerr := s.ledger.UnholdCredits(ctx, req.LearnerID, req.Amount); uerr != nil {
			logging.L(ctx).Error("failed to unwind hold after escrow create failure",
				"bookingId", req.BookingID, "learnerId", req.LearnerID, "error", uerr)
		}
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("held").Inc()
	return escrow, nil
}

// Release pays the held credits to the provider and marks the escrow
// RELEASED. Exactly one earning ledger entry is written, on the provider's
// side. Of two concurrent releases one succeeds; the other gets ErrNotHeld.
func (s *Service) Release(ctx context.Context, bookingID string) (*Escrow, error) {
	return s.resolve(ctx, bookingID, StatusReleased)
}

// Refund returns the held credits to the learner and marks the escrow
// REFUNDED. Exactly one refund ledger entry is written.
func (s *Service) Refund(ctx context.Context, bookingID string) (*Escrow, error) {
	return s.resolve(ctx, bookingID, StatusRefunded)
}

func (s *Service) resolve(ctx context.Context, bookingID string, to Status) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(to), traces.BookingID(bookingID))
	defer span.End()

	defer s.bookingLock(bookingID)()

	// Claim the transition first. The CAS guarantees a single winner even
	// across processes; funds only move for the claim holder. The ledger
	// move runs in its own transaction, so a crash between the two leaves
	// a resolved escrow whose credits are still held; the held-credits
	// reconciliation check surfaces that residue.
	escrow, err := s.store.UpdateStatus(ctx, bookingID, StatusHeld, to)
	if err != nil {
		return nil, err
	}

	var moveErr error
	switch to {
	case StatusReleased:
		moveErr = s.ledger.ReleaseHeld(ctx, escrow.LearnerID, escrow.ProviderID, escrow.Amount,
			escrow.earningType(), escrow.source("release"), escrow.BookingID)
	case StatusRefunded:
		moveErr = s.ledger.RefundHeld(ctx, escrow.LearnerID, escrow.Amount,
			escrow.source("refund"), escrow.BookingID)
	}
	if moveErr != nil {
		// Give the claim back so the transition can be retried.
		if _, rerr := s.store.UpdateStatus(ctx, bookingID, to, StatusHeld); rerr != nil {
			logging.L(ctx).Error("failed to revert escrow claim after ledger failure",
				"bookingId", bookingID, "status", string(to), "error", rerr)
		}
		return nil, fmt.Errorf("failed to move escrow credits: %w", moveErr)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(to)).Inc()
	metrics.EscrowHeldDuration.Observe(time.Since(escrow.HeldAt).Seconds())
	s.mirrorToPool(ctx, escrow, to)
	return escrow, nil
}

// mirrorToPool records the equal-and-opposite platform movement. Failures
// are the pool adapter's problem; the primary movement never rolls back.
func (s *Service) mirrorToPool(ctx context.Context, escrow *Escrow, to Status) {
	if s.pool == nil {
		return
	}
	action := "release"
	if to == StatusRefunded {
		action = "refund"
	}
	amount := fmt.Sprintf("-%d", escrow.Amount)
	desc := fmt.Sprintf("escrow %s for booking %s", action, escrow.BookingID)
	if err := s.pool.Record(ctx, amount, escrow.source(action), escrow.BookingID, desc); err != nil {
		logging.L(ctx).Warn("pool mirror failed for escrow movement",
			"bookingId", escrow.BookingID, "action", action, "error", err)
	}
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetByBooking returns the escrow for a booking.
func (s *Service) GetByBooking(ctx context.Context, bookingID string) (*Escrow, error) {
	return s.store.GetByBooking(ctx, bookingID)
}

// ListByUser returns escrows involving a user (as learner or provider).
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListOpen returns escrows still in HELD status, for reconciliation.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.store.ListByStatus(ctx, StatusHeld, limit)
}
