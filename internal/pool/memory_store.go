package pool

import (
	"context"
	"math/big"
	"sync"

	"github.com/tmarsden/skillvault/internal/money"
)

// MemoryStore is an in-memory pool store for demo/development mode.
type MemoryStore struct {
	balances  map[string]*big.Int
	movements []*Movement
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory pool store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*big.Int),
	}
}

func (m *MemoryStore) Record(ctx context.Context, mv *Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := money.Parse(mv.Amount)
	if !ok {
		return ErrInvalidAmount
	}
	bal, exists := m.balances[mv.PoolID]
	if !exists {
		bal = big.NewInt(0)
		m.balances[mv.PoolID] = bal
	}
	bal.Add(bal, v)

	cp := *mv
	m.movements = append(m.movements, &cp)
	return nil
}

func (m *MemoryStore) Balance(ctx context.Context, poolID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bal, ok := m.balances[poolID]
	if !ok {
		return money.Format(big.NewInt(0)), nil
	}
	return money.Format(bal), nil
}

func (m *MemoryStore) ListByReference(ctx context.Context, referenceID string) ([]*Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Movement
	for _, mv := range m.movements {
		if mv.ReferenceID == referenceID {
			cp := *mv
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) List(ctx context.Context, limit int) ([]*Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Movement
	for i := len(m.movements) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *m.movements[i]
		result = append(result, &cp)
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
