package withdrawal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory withdrawal store for demo/development mode.
type MemoryStore struct {
	requests map[string]*WithdrawalRequest
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory withdrawal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*WithdrawalRequest),
	}
}

func copyRequest(w *WithdrawalRequest) *WithdrawalRequest {
	cp := *w
	if w.BankDetails != nil {
		cp.BankDetails = make(map[string]string, len(w.BankDetails))
		for k, v := range w.BankDetails {
			cp.BankDetails[k] = v
		}
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, req *WithdrawalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests[req.ID] = copyRequest(req)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRequest(req), nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to Status, review *Review) (*WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != from {
		if from == StatusProcessed {
			return nil, ErrNotProcessed
		}
		return nil, ErrNotPending
	}

	now := time.Now()
	req.Status = to
	req.UpdatedAt = now
	if review != nil {
		if review.ReviewedBy != "" {
			req.ReviewedBy = review.ReviewedBy
		}
		if review.Note != "" {
			req.ReviewNote = review.Note
		}
		if review.TransactionID != "" {
			req.TransactionID = review.TransactionID
		}
	}
	switch to {
	case StatusProcessed, StatusRejected, StatusFailed:
		req.ProcessedAt = &now
	case StatusPending:
		// Reverted claim.
		req.ProcessedAt = nil
	}

	return copyRequest(req), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*WithdrawalRequest
	for _, w := range m.requests {
		if w.UserID == userID {
			result = append(result, copyRequest(w))
		}
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*WithdrawalRequest
	for _, w := range m.requests {
		if w.Status == status {
			result = append(result, copyRequest(w))
		}
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortNewestFirst(reqs []*WithdrawalRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].RequestedAt.After(reqs[j].RequestedAt)
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
