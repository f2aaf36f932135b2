package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows   map[string]*Escrow // by ID
	byBooking map[string]*Escrow
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:   make(map[string]*Escrow),
		byBooking: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byBooking[escrow.BookingID]; ok {
		return ErrAlreadyExists
	}
	cp := *escrow
	m.escrows[cp.ID] = &cp
	m.byBooking[cp.BookingID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *escrow
	return &cp, nil
}

func (m *MemoryStore) GetByBooking(ctx context.Context, bookingID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.byBooking[bookingID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *escrow
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, bookingID string, from, to Status) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	escrow, ok := m.byBooking[bookingID]
	if !ok {
		return nil, ErrNotFound
	}
	if escrow.Status != from {
		return nil, ErrNotHeld
	}

	now := time.Now()
	escrow.Status = to
	escrow.UpdatedAt = now
	switch to {
	case StatusReleased:
		escrow.ReleasedAt = &now
	case StatusRefunded:
		escrow.RefundedAt = &now
	case StatusHeld:
		// Reverted claim; clear the resolution timestamps.
		escrow.ReleasedAt = nil
		escrow.RefundedAt = nil
	}

	cp := *escrow
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.LearnerID == userID || e.ProviderID == userID {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == status {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
