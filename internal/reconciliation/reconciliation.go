// Package reconciliation replays the ledger and compares it against stored
// balances, open escrows and the platform pool. It only reads and reports;
// mismatches become Prometheus gauges and log warnings, never writes.
package reconciliation

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/tmarsden/skillvault/internal/escrow"
	"github.com/tmarsden/skillvault/internal/ledger"
	"github.com/tmarsden/skillvault/internal/logging"
	"github.com/tmarsden/skillvault/internal/metrics"
	"github.com/tmarsden/skillvault/internal/money"
	"github.com/tmarsden/skillvault/internal/pool"
)

// Check names. Each one maps to a label value on the mismatch gauge.
const (
	CheckEntryArithmetic = "entry_arithmetic"
	CheckWalletReplay    = "wallet_replay"
	CheckHeldCredits     = "held_credits"
	CheckPoolMirror      = "pool_mirror"
	CheckNegativeBalance = "negative_balance"
)

var allChecks = []string{
	CheckEntryArithmetic,
	CheckWalletReplay,
	CheckHeldCredits,
	CheckPoolMirror,
	CheckNegativeBalance,
}

// LedgerSource is the read-only slice of the ledger store the runner needs.
type LedgerSource interface {
	ListUserIDs(ctx context.Context) ([]string, error)
	ListEntries(ctx context.Context, userID string) ([]*ledger.Transaction, error)
	GetBalance(ctx context.Context, userID string) (*ledger.Balance, error)
}

// EscrowSource lists escrows still holding credits.
type EscrowSource interface {
	ListOpen(ctx context.Context, limit int) ([]*escrow.Escrow, error)
}

// PoolSource looks up platform pool movements by business reference.
type PoolSource interface {
	MovementsFor(ctx context.Context, referenceID string) ([]*pool.Movement, error)
}

// Mismatch is one failed check for one user or reference.
type Mismatch struct {
	Check       string `json:"check"`
	UserID      string `json:"userId,omitempty"`
	ReferenceID string `json:"referenceId,omitempty"`
	Detail      string `json:"detail"`
}

// Report summarizes one reconciliation sweep.
type Report struct {
	RanAt          time.Time  `json:"ranAt"`
	Duration       string     `json:"duration"`
	UsersChecked   int        `json:"usersChecked"`
	EntriesChecked int        `json:"entriesChecked"`
	Mismatches     []Mismatch `json:"mismatches"`
}

// Clean reports whether the sweep found no mismatches.
func (r *Report) Clean() bool { return len(r.Mismatches) == 0 }

// Runner executes the reconciliation checks across all users.
type Runner struct {
	ledger  LedgerSource
	escrows EscrowSource
	pool    PoolSource
}

// NewRunner creates a reconciliation runner. pool may be nil, in which case
// the pool mirror check is skipped.
func NewRunner(ledgerSrc LedgerSource, escrows EscrowSource, poolSrc PoolSource) *Runner {
	return &Runner{ledger: ledgerSrc, escrows: escrows, pool: poolSrc}
}

// RunAll sweeps every user, updates the mismatch gauges and returns the
// report. An error means the sweep itself could not run, not that a
// mismatch was found.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RanAt: start}

	heldByUser, err := r.openHolds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open escrows: %w", err)
	}

	userIDs, err := r.ledger.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger users: %w", err)
	}

	for _, userID := range userIDs {
		if err := r.checkUser(ctx, userID, heldByUser, report); err != nil {
			return nil, err
		}
	}

	report.UsersChecked = len(userIDs)
	report.Duration = time.Since(start).String()
	r.publish(ctx, report)
	return report, nil
}

// openHolds sums HELD escrow amounts per learner.
func (r *Runner) openHolds(ctx context.Context) (map[string]int64, error) {
	open, err := r.escrows.ListOpen(ctx, 0)
	if err != nil {
		return nil, err
	}
	held := make(map[string]int64, len(open))
	for _, e := range open {
		held[e.LearnerID] += e.Amount
	}
	return held, nil
}

func (r *Runner) checkUser(ctx context.Context, userID string, heldByUser map[string]int64, report *Report) error {
	bal, err := r.ledger.GetBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load balance for %s: %w", userID, err)
	}
	entries, err := r.ledger.ListEntries(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load entries for %s: %w", userID, err)
	}
	report.EntriesChecked += len(entries)

	walletSum := big.NewInt(0)
	walletAnchored := false
	mirrorNets := make(map[string]*big.Int)
	for _, entry := range entries {
		r.checkArithmetic(userID, entry, report)
		if entry.Type.Field() == ledger.FieldWallet {
			// The replay starts from the balance the first wallet entry
			// saw. Every entry moved funds when it was written, whatever
			// its status is now; rejected withdrawals net out through
			// their reversal entry, so the replay must land on the stored
			// value.
			if !walletAnchored {
				walletAnchored = true
				if v, ok := money.Parse(entry.PreviousBalance); ok {
					walletSum.Add(walletSum, v)
				}
			}
			if v, ok := money.Parse(entry.Amount); ok {
				walletSum.Add(walletSum, v)
			}
		}
		if r.pool != nil && mirroredEntry(entry) {
			if v, ok := money.Parse(entry.Amount); ok {
				net, seen := mirrorNets[entry.ReferenceID]
				if !seen {
					net = big.NewInt(0)
					mirrorNets[entry.ReferenceID] = net
				}
				net.Add(net, v)
			}
		}
	}
	for referenceID, net := range mirrorNets {
		if err := r.checkPoolMirror(ctx, userID, referenceID, net, report); err != nil {
			return err
		}
	}

	if money.Cmp(money.Format(walletSum), bal.WalletBalance) != 0 {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Check:  CheckWalletReplay,
			UserID: userID,
			Detail: fmt.Sprintf("replayed wallet %s, stored %s", money.Format(walletSum), bal.WalletBalance),
		})
	}

	if want := heldByUser[userID]; bal.HeldCredits != want {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Check:  CheckHeldCredits,
			UserID: userID,
			Detail: fmt.Sprintf("heldCredits %d, open escrows sum to %d", bal.HeldCredits, want),
		})
	}

	if bal.Credits < 0 || bal.HeldCredits < 0 || bal.EarnedCredits < 0 || bal.PurchasedCredits < 0 {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Check:  CheckNegativeBalance,
			UserID: userID,
			Detail: fmt.Sprintf("credits=%d held=%d earned=%d purchased=%d",
				bal.Credits, bal.HeldCredits, bal.EarnedCredits, bal.PurchasedCredits),
		})
	}
	if v, ok := money.Parse(bal.WalletBalance); ok && v.Sign() < 0 {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Check:  CheckNegativeBalance,
			UserID: userID,
			Detail: fmt.Sprintf("walletBalance=%s", bal.WalletBalance),
		})
	}
	return nil
}

// checkArithmetic verifies NewBalance = PreviousBalance + Amount on a row.
func (r *Runner) checkArithmetic(userID string, entry *ledger.Transaction, report *Report) {
	prev, ok1 := money.Parse(entry.PreviousBalance)
	next, ok2 := money.Parse(entry.NewBalance)
	amount, ok3 := money.Parse(entry.Amount)
	if !ok1 || !ok2 || !ok3 || new(big.Int).Add(prev, amount).Cmp(next) != 0 {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Check:       CheckEntryArithmetic,
			UserID:      userID,
			ReferenceID: entry.ID,
			Detail: fmt.Sprintf("entry %s: %s + %s != %s",
				entry.ID, entry.PreviousBalance, entry.Amount, entry.NewBalance),
		})
	}
}

// checkPoolMirror verifies the platform pool moved equal-and-opposite funds
// for the mirrored entries under one reference. Entries are netted per
// reference first, so a request unwound by its own reversal needs no pool
// movement at all.
func (r *Runner) checkPoolMirror(ctx context.Context, userID, referenceID string, net *big.Int, report *Report) error {
	movements, err := r.pool.MovementsFor(ctx, referenceID)
	if err != nil {
		return fmt.Errorf("failed to load pool movements for %s: %w", referenceID, err)
	}
	poolSum := big.NewInt(0)
	for _, m := range movements {
		if v, ok := money.Parse(m.Amount); ok {
			poolSum.Add(poolSum, v)
		}
	}
	want := new(big.Int).Neg(net)
	if poolSum.Cmp(want) != 0 {
		report.Mismatches = append(report.Mismatches, Mismatch{
			Check:       CheckPoolMirror,
			UserID:      userID,
			ReferenceID: referenceID,
			Detail: fmt.Sprintf("pool moved %s for reference %s, want %s",
				money.Format(poolSum), referenceID, money.Format(want)),
		})
	}
	return nil
}

// mirroredEntry reports whether an entry's type carries an equal-and-
// opposite platform pool movement.
func mirroredEntry(entry *ledger.Transaction) bool {
	switch entry.Type {
	case ledger.TypeSessionEarning, ledger.TypeProjectEarning, ledger.TypeRefund,
		ledger.TypeWithdrawalRequest, ledger.TypeWithdrawalRejected, ledger.TypeWithdrawalFailed:
		return true
	}
	return false
}

// publish pushes the sweep outcome to the gauges and the log.
func (r *Runner) publish(ctx context.Context, report *Report) {
	counts := make(map[string]int, len(allChecks))
	for _, m := range report.Mismatches {
		counts[m.Check]++
	}
	for _, check := range allChecks {
		metrics.ReconciliationMismatches.WithLabelValues(check).Set(float64(counts[check]))
	}
	metrics.ReconciliationLastRun.SetToCurrentTime()

	for _, m := range report.Mismatches {
		logging.L(ctx).Warn("reconciliation mismatch",
			"check", m.Check, "userId", m.UserID, "referenceId", m.ReferenceID, "detail", m.Detail)
	}
	logging.L(ctx).Info("reconciliation sweep finished",
		"users", report.UsersChecked, "entries", report.EntriesChecked,
		"mismatches", len(report.Mismatches), "duration", report.Duration)
}
