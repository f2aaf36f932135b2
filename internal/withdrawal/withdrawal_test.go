package withdrawal

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tmarsden/skillvault/internal/apperr"
)

type walletCall struct {
	op        string
	userID    string
	amount    string
	currency  string
	entryType string
	source    string
	reference string
	entryID   string
}

// mockWallet records ledger calls and hands out entry IDs.
type mockWallet struct {
	mu        sync.Mutex
	calls     []walletCall
	nextEntry int
	failDebit error
}

func (m *mockWallet) record(c walletCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

func (m *mockWallet) callsOf(op string) []walletCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []walletCall
	for _, c := range m.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockWallet) DebitWallet(ctx context.Context, userID, amount, currency, source, referenceID string) (string, error) {
	if m.failDebit != nil {
		return "", m.failDebit
	}
	m.mu.Lock()
	m.nextEntry++
	entryID := "txn_" + string(rune('0'+m.nextEntry))
	m.mu.Unlock()
	m.record(walletCall{op: "debit", userID: userID, amount: amount, currency: currency,
		source: source, reference: referenceID, entryID: entryID})
	return entryID, nil
}

func (m *mockWallet) CreditWallet(ctx context.Context, userID, amount, currency, entryType, source, referenceID string) error {
	m.record(walletCall{op: "credit", userID: userID, amount: amount, currency: currency,
		entryType: entryType, source: source, reference: referenceID})
	return nil
}

func (m *mockWallet) CompleteEntry(ctx context.Context, entryID string) error {
	m.record(walletCall{op: "complete", entryID: entryID})
	return nil
}

func (m *mockWallet) FailEntry(ctx context.Context, entryID string) error {
	m.record(walletCall{op: "fail", entryID: entryID})
	return nil
}

func requestInput() RequestInput {
	return RequestInput{
		UserID:   "provider1",
		Amount:   "120.50",
		Currency: "USD",
		Method:   "bank_transfer",
		BankDetails: map[string]string{
			"iban": "DE89370400440532013000",
		},
	}
}

func TestRequest(t *testing.T) {
	ctx := context.Background()
	mw := &mockWallet{}
	svc := NewService(NewMemoryStore(), mw)

	req, err := svc.Request(ctx, requestInput())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if req.Status != StatusPending {
		t.Errorf("status=%s, want pending", req.Status)
	}
	if req.Amount != "120.50" || req.LedgerEntryID == "" {
		t.Errorf("amount=%s entryID=%q", req.Amount, req.LedgerEntryID)
	}

	debits := mw.callsOf("debit")
	if len(debits) != 1 {
		t.Fatalf("expected 1 debit, got %d", len(debits))
	}
	if debits[0].userID != "provider1" || debits[0].amount != "120.50" || debits[0].reference != req.ID {
		t.Errorf("unexpected debit: %+v", debits[0])
	}
}

func TestRequest_InvalidAmount(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), &mockWallet{})

	// Sub-cent precision is rejected outright, never rounded into the
	// debit.
	for _, amount := range []string{"0", "-5.00", "abc", "", "10.999"} {
		in := requestInput()
		in.Amount = amount
		if _, err := svc.Request(ctx, in); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %q: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestRequest_Limits(t *testing.T) {
	ctx := context.Background()
	mw := &mockWallet{}
	svc := NewService(NewMemoryStore(), mw).WithLimits(Limits{Min: "10.00", Max: "1000.00"})

	for _, amount := range []string{"9.99", "1000.01"} {
		in := requestInput()
		in.Amount = amount
		if _, err := svc.Request(ctx, in); !errors.Is(err, ErrAmountOutOfRange) {
			t.Errorf("amount %q: expected ErrAmountOutOfRange, got %v", amount, err)
		}
	}
	if len(mw.callsOf("debit")) != 0 {
		t.Error("out-of-range request must not touch the wallet")
	}

	in := requestInput()
	in.Amount = "10.00"
	if _, err := svc.Request(ctx, in); err != nil {
		t.Errorf("boundary amount should pass: %v", err)
	}
}

func TestRequest_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	mw := &mockWallet{failDebit: apperr.Validation("insufficient wallet balance")}
	svc := NewService(NewMemoryStore(), mw)

	_, err := svc.Request(ctx, requestInput())
	if !apperr.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestApprove(t *testing.T) {
	ctx := context.Background()
	mw := &mockWallet{}
	svc := NewService(NewMemoryStore(), mw)

	req, err := svc.Request(ctx, requestInput())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	got, err := svc.Process(ctx, req.ID, ProcessInput{
		Decision:      DecisionApprove,
		ReviewedBy:    "admin1",
		TransactionID: "bank-tx-789",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got.Status != StatusProcessed || got.TransactionID != "bank-tx-789" || got.ReviewedBy != "admin1" {
		t.Errorf("unexpected request: %+v", got)
	}
	if got.ProcessedAt == nil {
		t.Error("expected processedAt set")
	}

	// Approval records the transfer; no funds move.
	if len(mw.callsOf("credit")) != 0 {
		t.Error("approve must not credit the wallet")
	}
	completes := mw.callsOf("complete")
	if len(completes) != 1 || completes[0].entryID != req.LedgerEntryID {
		t.Errorf("expected original entry completed, got %+v", completes)
	}
}

func TestApprove_RequiresTransactionID(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), &mockWallet{})

	req, _ := svc.Request(ctx, requestInput())
	_, err := svc.Process(ctx, req.ID, ProcessInput{Decision: DecisionApprove, ReviewedBy: "admin1"})
	if !errors.Is(err, ErrMissingReference) {
		t.Errorf("expected ErrMissingReference, got %v", err)
	}

	// Request stays pending and decidable.
	got, _ := svc.Get(ctx, req.ID)
	if got.Status != StatusPending {
		t.Errorf("status=%s, want pending", got.Status)
	}
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	mw := &mockWallet{}
	svc := NewService(NewMemoryStore(), mw)

	req, _ := svc.Request(ctx, requestInput())
	got, err := svc.Process(ctx, req.ID, ProcessInput{
		Decision:   DecisionReject,
		ReviewedBy: "admin1",
		Note:       "details mismatch",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got.Status != StatusRejected || got.ReviewNote != "details mismatch" {
		t.Errorf("unexpected request: %+v", got)
	}

	// Original entry failed, reversal credited.
	fails := mw.callsOf("fail")
	if len(fails) != 1 || fails[0].entryID != req.LedgerEntryID {
		t.Errorf("expected original entry failed, got %+v", fails)
	}
	credits := mw.callsOf("credit")
	if len(credits) != 1 {
		t.Fatalf("expected 1 credit, got %d", len(credits))
	}
	if credits[0].amount != "120.50" || credits[0].entryType != "withdrawal_rejected" || credits[0].reference != req.ID {
		t.Errorf("unexpected reversal: %+v", credits[0])
	}
}

func TestProcess_InvalidDecision(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), &mockWallet{})

	req, _ := svc.Request(ctx, requestInput())
	if _, err := svc.Process(ctx, req.ID, ProcessInput{Decision: "MAYBE", ReviewedBy: "admin1"}); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("expected ErrInvalidDecision, got %v", err)
	}
}

func TestProcess_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	mw := &mockWallet{}
	svc := NewService(NewMemoryStore(), mw)

	req, _ := svc.Request(ctx, requestInput())
	if _, err := svc.Process(ctx, req.ID, ProcessInput{Decision: DecisionReject, ReviewedBy: "admin1"}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if _, err := svc.Process(ctx, req.ID, ProcessInput{Decision: DecisionReject, ReviewedBy: "admin2"}); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending on second decision, got %v", err)
	}
	if len(mw.callsOf("credit")) != 1 {
		t.Error("wallet must be re-credited exactly once")
	}

	if _, err := svc.Process(ctx, "wd_missing", ProcessInput{Decision: DecisionReject, ReviewedBy: "admin1"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkFailed(t *testing.T) {
	ctx := context.Background()
	mw := &mockWallet{}
	svc := NewService(NewMemoryStore(), mw)

	req, _ := svc.Request(ctx, requestInput())
	if _, err := svc.Process(ctx, req.ID, ProcessInput{
		Decision: DecisionApprove, ReviewedBy: "admin1", TransactionID: "bank-tx-789",
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, err := svc.MarkFailed(ctx, req.ID, "transfer bounced")
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if got.Status != StatusFailed || got.ReviewNote != "transfer bounced" {
		t.Errorf("unexpected request: %+v", got)
	}

	credits := mw.callsOf("credit")
	if len(credits) != 1 || credits[0].entryType != "withdrawal_failed" {
		t.Errorf("expected withdrawal_failed reversal, got %+v", credits)
	}

	// FAILED is terminal.
	if _, err := svc.MarkFailed(ctx, req.ID, "again"); !errors.Is(err, ErrNotProcessed) {
		t.Errorf("expected ErrNotProcessed, got %v", err)
	}
}

func TestMarkFailed_OnlyFromProcessed(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), &mockWallet{})

	req, _ := svc.Request(ctx, requestInput())
	if _, err := svc.MarkFailed(ctx, req.ID, "bounced"); !errors.Is(err, ErrNotProcessed) {
		t.Errorf("expected ErrNotProcessed on pending request, got %v", err)
	}
}

func TestConcurrentDecisions_SingleWinner(t *testing.T) {
	ctx := context.Background()
	mw := &mockWallet{}
	svc := NewService(NewMemoryStore(), mw)

	req, _ := svc.Request(ctx, requestInput())

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Process(ctx, req.ID, ProcessInput{Decision: DecisionReject, ReviewedBy: "admin1"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins int
	for err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrNotPending) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("wins=%d, want 1", wins)
	}
	if len(mw.callsOf("credit")) != 1 {
		t.Error("wallet must be re-credited exactly once")
	}
}

func TestListQueues(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), &mockWallet{})

	a, _ := svc.Request(ctx, requestInput())
	b, _ := svc.Request(ctx, requestInput())
	if _, err := svc.Process(ctx, a.ID, ProcessInput{Decision: DecisionReject, ReviewedBy: "admin1"}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	pending, err := svc.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Errorf("unexpected pending queue: %+v", pending)
	}

	mine, err := svc.ListByUser(ctx, "provider1", 10)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("expected 2 requests, got %d", len(mine))
	}
}
