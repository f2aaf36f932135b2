package ledger

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tmarsden/skillvault/internal/money"
	"github.com/tmarsden/skillvault/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode and
// unit tests. A single mutex serializes all mutations, which gives the
// same all-or-nothing semantics as the database-backed store.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Transaction
	byID     map[string]*Transaction
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		byID:     make(map[string]*Transaction),
	}
}

func (m *MemoryStore) CreateBalance(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.balances[userID]; !ok {
		m.balances[userID] = &Balance{
			UserID:        userID,
			WalletBalance: "0.00",
			UpdatedAt:     time.Now(),
		}
	}
	return nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *b
	return &cp, nil
}

// get returns the live balance pointer; caller must hold the write lock.
func (m *MemoryStore) get(userID string) (*Balance, error) {
	b, ok := m.balances[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return b, nil
}

// getOrCreate upserts a balance row; caller must hold the write lock.
// Counterparties of a release may not have transacted before.
func (m *MemoryStore) getOrCreate(userID string) *Balance {
	b, ok := m.balances[userID]
	if !ok {
		b = &Balance{UserID: userID, WalletBalance: "0.00"}
		m.balances[userID] = b
	}
	return b
}

func (m *MemoryStore) commit(b *Balance, next Balance) {
	next.UpdatedAt = time.Now()
	*b = next
}

func (m *MemoryStore) append(entry *Transaction) {
	cp := *entry
	m.entries = append(m.entries, &cp)
	m.byID[cp.ID] = &cp
}

func creditSnapshots(entry *Transaction, previous, current int64) {
	entry.PreviousBalance = strconv.FormatInt(previous, 10)
	entry.NewBalance = strconv.FormatInt(current, 10)
}

func walletSnapshots(entry *Transaction, previous, current string) {
	entry.PreviousBalance = previous
	entry.NewBalance = current
}

func (m *MemoryStore) AddCredits(ctx context.Context, userID string, amount int64, purchased bool, entry *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.get(userID)
	if err != nil {
		return err
	}
	next := applyAddCredits(*b, amount, purchased)
	creditSnapshots(entry, b.Credits, next.Credits)
	m.commit(b, next)
	m.append(entry)
	return nil
}

func (m *MemoryStore) SpendCredits(ctx context.Context, userID string, amount int64, entry *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.get(userID)
	if err != nil {
		return err
	}
	next, err := applySpend(*b, amount)
	if err != nil {
		return err
	}
	creditSnapshots(entry, b.Credits, next.Credits)
	m.commit(b, next)
	m.append(entry)
	return nil
}

func (m *MemoryStore) HoldCredits(ctx context.Context, userID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.get(userID)
	if err != nil {
		return err
	}
	next, err := applyHold(*b, amount)
	if err != nil {
		return err
	}
	m.commit(b, next)
	return nil
}

func (m *MemoryStore) UnholdCredits(ctx context.Context, userID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.get(userID)
	if err != nil {
		return err
	}
	next, err := applyRefund(*b, amount)
	if err != nil {
		return err
	}
	m.commit(b, next)
	return nil
}

func (m *MemoryStore) ReleaseCredits(ctx context.Context, learnerID, providerID string, amount int64, entry *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	learner, err := m.get(learnerID)
	if err != nil {
		return err
	}
	nextLearner, err := applyReleaseLearner(*learner, amount)
	if err != nil {
		return err
	}

	provider := m.getOrCreate(providerID)
	nextProvider := applyEarn(*provider, amount)
	creditSnapshots(entry, provider.Credits, nextProvider.Credits)

	m.commit(learner, nextLearner)
	m.commit(provider, nextProvider)
	m.append(entry)
	return nil
}

func (m *MemoryStore) RefundCredits(ctx context.Context, learnerID string, amount int64, entry *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.get(learnerID)
	if err != nil {
		return err
	}
	next, err := applyRefund(*b, amount)
	if err != nil {
		return err
	}
	creditSnapshots(entry, b.Credits, next.Credits)
	m.commit(b, next)
	m.append(entry)
	return nil
}

func (m *MemoryStore) DebitWallet(ctx context.Context, userID, amount string, entry *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.get(userID)
	if err != nil {
		return err
	}
	v, ok := money.ParsePositive(amount)
	if !ok {
		return ErrInvalidAmount
	}
	next, err := applyWalletDebit(*b, v)
	if err != nil {
		return err
	}
	walletSnapshots(entry, b.WalletBalance, next.WalletBalance)
	m.commit(b, next)
	m.append(entry)
	return nil
}

func (m *MemoryStore) CreditWallet(ctx context.Context, userID, amount string, entry *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.get(userID)
	if err != nil {
		return err
	}
	v, ok := money.ParsePositive(amount)
	if !ok {
		return ErrInvalidAmount
	}
	next := applyWalletCredit(*b, v)
	walletSnapshots(entry, b.WalletBalance, next.WalletBalance)
	m.commit(b, next)
	m.append(entry)
	return nil
}

func (m *MemoryStore) UpdateTransactionStatus(ctx context.Context, txID string, status TxStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[txID]
	if !ok {
		return ErrTxNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.byID[txID]
	if !ok {
		return nil, ErrTxNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		t := m.entries[i]
		if t.UserID != userID {
			continue
		}
		if before != nil && !before.Precedes(t.CreatedAt, t.ID) {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListByReference(ctx context.Context, referenceID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.entries {
		if t.ReferenceID == referenceID {
			cp := *t
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListUserIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.balances))
	for id := range m.balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) ListEntries(ctx context.Context, userID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.entries {
		if t.UserID == userID {
			cp := *t
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
