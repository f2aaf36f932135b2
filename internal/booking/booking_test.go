package booking

import (
	"context"
	"errors"
	"testing"

	"github.com/tmarsden/skillvault/internal/escrow"
)

type mockEngine struct {
	failHold    error
	failRelease error
	failRefund  error
}

func (m *mockEngine) Hold(ctx context.Context, req escrow.HoldRequest) (*escrow.Escrow, error) {
	if m.failHold != nil {
		return nil, m.failHold
	}
	return &escrow.Escrow{
		BookingID:  req.BookingID,
		LearnerID:  req.LearnerID,
		ProviderID: req.ProviderID,
		Amount:     req.Amount,
		Status:     escrow.StatusHeld,
	}, nil
}

func (m *mockEngine) Release(ctx context.Context, bookingID string) (*escrow.Escrow, error) {
	if m.failRelease != nil {
		return nil, m.failRelease
	}
	return &escrow.Escrow{BookingID: bookingID, LearnerID: "learner1", ProviderID: "provider1",
		Amount: 40, Status: escrow.StatusReleased}, nil
}

func (m *mockEngine) Refund(ctx context.Context, bookingID string) (*escrow.Escrow, error) {
	if m.failRefund != nil {
		return nil, m.failRefund
	}
	return &escrow.Escrow{BookingID: bookingID, LearnerID: "learner1", ProviderID: "provider1",
		Amount: 40, Status: escrow.StatusRefunded}, nil
}

type mockNotifier struct {
	events []Event
	err    error
}

func (m *mockNotifier) Notify(ctx context.Context, event Event) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func TestOnCreated(t *testing.T) {
	ctx := context.Background()
	n := &mockNotifier{}
	a := NewAdapter(&mockEngine{}, n)

	e, err := a.OnCreated(ctx, "booking-1", "learner1", "provider1", 40, escrow.KindSession)
	if err != nil {
		t.Fatalf("OnCreated: %v", err)
	}
	if e.Status != escrow.StatusHeld {
		t.Errorf("status=%s, want held", e.Status)
	}
	if len(n.events) != 1 || n.events[0].Type != EventHeld || n.events[0].Amount != 40 {
		t.Errorf("unexpected events: %+v", n.events)
	}
}

func TestOnCompletedAndCancelled(t *testing.T) {
	ctx := context.Background()
	n := &mockNotifier{}
	a := NewAdapter(&mockEngine{}, n)

	if _, err := a.OnCompleted(ctx, "booking-1"); err != nil {
		t.Fatalf("OnCompleted: %v", err)
	}
	if _, err := a.OnCancelled(ctx, "booking-2"); err != nil {
		t.Fatalf("OnCancelled: %v", err)
	}

	if len(n.events) != 2 || n.events[0].Type != EventCompleted || n.events[1].Type != EventCancelled {
		t.Errorf("unexpected events: %+v", n.events)
	}
}

func TestNoNotificationOnFailure(t *testing.T) {
	ctx := context.Background()
	n := &mockNotifier{}
	a := NewAdapter(&mockEngine{failRelease: errors.New("not held")}, n)

	if _, err := a.OnCompleted(ctx, "booking-1"); err == nil {
		t.Fatal("expected error")
	}
	if len(n.events) != 0 {
		t.Errorf("failed transition must not notify, got %+v", n.events)
	}
}

func TestNotifierErrorIsSwallowed(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter(&mockEngine{}, &mockNotifier{err: errors.New("queue full")})

	if _, err := a.OnCompleted(ctx, "booking-1"); err != nil {
		t.Errorf("notifier failure must not fail the transition: %v", err)
	}
}

func TestNilNotifier(t *testing.T) {
	a := NewAdapter(&mockEngine{}, nil)
	if _, err := a.OnCompleted(context.Background(), "booking-1"); err != nil {
		t.Errorf("OnCompleted with nil notifier: %v", err)
	}
}
