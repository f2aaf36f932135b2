// Package booking adapts booking lifecycle events onto the escrow engine.
//
// The marketplace's booking system calls OnCreated/OnCompleted/OnCancelled;
// this adapter drives the corresponding escrow transition and notifies the
// caller-provided Notifier only after the transition succeeded. A failed
// transition produces no notification.
package booking

import (
	"context"

	"github.com/tmarsden/skillvault/internal/escrow"
	"github.com/tmarsden/skillvault/internal/logging"
)

// Event types delivered to the Notifier.
const (
	EventHeld      = "booking_credits_held"
	EventCompleted = "booking_completed"
	EventCancelled = "booking_cancelled"
)

// Event describes a successful escrow transition for a booking.
type Event struct {
	Type       string `json:"type"`
	BookingID  string `json:"bookingId"`
	LearnerID  string `json:"learnerId"`
	ProviderID string `json:"providerId"`
	Amount     int64  `json:"amount"`
}

// Notifier receives post-transition events. Delivery is the caller's
// concern; errors are logged and dropped.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Engine is the slice of the escrow service the adapter drives.
type Engine interface {
	Hold(ctx context.Context, req escrow.HoldRequest) (*escrow.Escrow, error)
	Release(ctx context.Context, bookingID string) (*escrow.Escrow, error)
	Refund(ctx context.Context, bookingID string) (*escrow.Escrow, error)
}

// Adapter wires booking lifecycle events to escrow transitions.
type Adapter struct {
	engine   Engine
	notifier Notifier
}

// NewAdapter creates a booking adapter. notifier may be nil.
func NewAdapter(engine Engine, notifier Notifier) *Adapter {
	return &Adapter{engine: engine, notifier: notifier}
}

// OnCreated holds the learner's credits for a new booking.
func (a *Adapter) OnCreated(ctx context.Context, bookingID, learnerID, providerID string, amount int64, kind escrow.Kind) (*escrow.Escrow, error) {
	e, err := a.engine.Hold(ctx, escrow.HoldRequest{
		BookingID:  bookingID,
		LearnerID:  learnerID,
		ProviderID: providerID,
		Amount:     amount,
		Kind:       kind,
	})
	if err != nil {
		return nil, err
	}
	a.notify(ctx, EventHeld, e)
	return e, nil
}

// OnCompleted releases the held credits to the provider.
func (a *Adapter) OnCompleted(ctx context.Context, bookingID string) (*escrow.Escrow, error) {
	e, err := a.engine.Release(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	a.notify(ctx, EventCompleted, e)
	return e, nil
}

// OnCancelled refunds the held credits to the learner.
func (a *Adapter) OnCancelled(ctx context.Context, bookingID string) (*escrow.Escrow, error) {
	e, err := a.engine.Refund(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	a.notify(ctx, EventCancelled, e)
	return e, nil
}

func (a *Adapter) notify(ctx context.Context, eventType string, e *escrow.Escrow) {
	if a.notifier == nil {
		return
	}
	event := Event{
		Type:       eventType,
		BookingID:  e.BookingID,
		LearnerID:  e.LearnerID,
		ProviderID: e.ProviderID,
		Amount:     e.Amount,
	}
	if err := a.notifier.Notify(ctx, event); err != nil {
		logging.L(ctx).Warn("booking notification failed",
			"type", eventType, "bookingId", e.BookingID, "error", err)
	}
}
