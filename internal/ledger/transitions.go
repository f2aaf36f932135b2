package ledger

import (
	"math/big"

	"github.com/tmarsden/skillvault/internal/money"
)

// Pure balance transitions. Each takes the current snapshot plus inputs and
// returns a new snapshot or a guard error, without touching storage. The
// stores apply the returned snapshot inside their own atomic unit, which
// keeps validation logic in one place and out of SQL and map code alike.

func applyHold(b Balance, amount int64) (Balance, error) {
	if b.Credits < amount {
		return b, ErrInsufficientCredits
	}
	b.Credits -= amount
	b.HeldCredits += amount
	return b, nil
}

// applyReleaseLearner drops the learner's held credits on escrow release.
func applyReleaseLearner(b Balance, amount int64) (Balance, error) {
	if b.HeldCredits < amount {
		return b, ErrInsufficientCredits
	}
	b.HeldCredits -= amount
	return b, nil
}

// applyEarn credits a provider with released escrow credits.
func applyEarn(b Balance, amount int64) Balance {
	b.Credits += amount
	b.EarnedCredits += amount
	return b
}

func applyRefund(b Balance, amount int64) (Balance, error) {
	if b.HeldCredits < amount {
		return b, ErrInsufficientCredits
	}
	b.HeldCredits -= amount
	b.Credits += amount
	return b, nil
}

func applyAddCredits(b Balance, amount int64, purchased bool) Balance {
	b.Credits += amount
	if purchased {
		b.PurchasedCredits += amount
	}
	return b
}

func applySpend(b Balance, amount int64) (Balance, error) {
	if b.Credits < amount {
		return b, ErrInsufficientCredits
	}
	b.Credits -= amount
	return b, nil
}

func applyWalletDebit(b Balance, amount *big.Int) (Balance, error) {
	cur, _ := money.Parse(b.WalletBalance)
	if cur == nil || cur.Cmp(amount) < 0 {
		return b, ErrInsufficientFunds
	}
	b.WalletBalance = money.Format(new(big.Int).Sub(cur, amount))
	return b, nil
}

func applyWalletCredit(b Balance, amount *big.Int) Balance {
	cur, _ := money.Parse(b.WalletBalance)
	if cur == nil {
		cur = big.NewInt(0)
	}
	b.WalletBalance = money.Format(new(big.Int).Add(cur, amount))
	return b
}
