//go:build integration

package withdrawal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tmarsden/skillvault/internal/testutil"
)

func testRequest(id string) *WithdrawalRequest {
	now := time.Now().Truncate(time.Microsecond)
	return &WithdrawalRequest{
		ID:            id,
		UserID:        "provider1",
		Amount:        "120.50",
		Currency:      "USD",
		Method:        "bank_transfer",
		BankDetails:   map[string]string{"iban": "DE89370400440532013000"},
		Status:        StatusPending,
		LedgerEntryID: "txn_" + id,
		RequestedAt:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestPostgresWithdrawal_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	if err := store.Create(ctx, testRequest("wd_1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "wd_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Amount != "120.50" || got.Status != StatusPending || got.LedgerEntryID != "txn_wd_1" {
		t.Errorf("unexpected request: %+v", got)
	}
	if got.BankDetails["iban"] != "DE89370400440532013000" {
		t.Errorf("bank details lost: %+v", got.BankDetails)
	}

	if _, err := store.Get(ctx, "wd_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresWithdrawal_TransitionCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	if err := store.Create(ctx, testRequest("wd_2")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Transition(ctx, "wd_2", StatusPending, StatusProcessed, &Review{
		ReviewedBy:    "admin1",
		TransactionID: "bank-tx-789",
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.Status != StatusProcessed || got.TransactionID != "bank-tx-789" || got.ProcessedAt == nil {
		t.Errorf("unexpected request: %+v", got)
	}

	// Losing decision observes the conflict.
	if _, err := store.Transition(ctx, "wd_2", StatusPending, StatusRejected, nil); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}

	// PROCESSED -> FAILED with a reason note.
	got, err = store.Transition(ctx, "wd_2", StatusProcessed, StatusFailed, &Review{Note: "bounced"})
	if err != nil {
		t.Fatalf("Transition to failed: %v", err)
	}
	if got.Status != StatusFailed || got.ReviewNote != "bounced" {
		t.Errorf("unexpected request: %+v", got)
	}
	// Earlier review fields survive later transitions.
	if got.TransactionID != "bank-tx-789" || got.ReviewedBy != "admin1" {
		t.Errorf("review fields clobbered: %+v", got)
	}

	if _, err := store.Transition(ctx, "wd_missing", StatusPending, StatusRejected, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresWithdrawal_Lists(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	for _, id := range []string{"wd_a", "wd_b", "wd_c"} {
		if err := store.Create(ctx, testRequest(id)); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if _, err := store.Transition(ctx, "wd_b", StatusPending, StatusRejected, &Review{ReviewedBy: "admin1"}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	pending, err := store.ListByStatus(ctx, StatusPending, 10)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending, got %d", len(pending))
	}

	mine, err := store.ListByUser(ctx, "provider1", 10)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(mine) != 3 {
		t.Errorf("expected 3 requests, got %d", len(mine))
	}
}
