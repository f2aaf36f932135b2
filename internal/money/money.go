// Package money provides shared parsing and arithmetic for monetary
// wallet amounts.
//
// Wallet balances use 2 decimal places. All amounts are handled as
// big.Int in the smallest unit (1 unit of currency = 100 cents) and
// rendered as decimal strings (e.g. "500.00").
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (150). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - A single leading "-" is allowed (ledger amounts are signed)
//   - Multiple decimal points are rejected
//   - Fractional parts are padded to 2 decimal places; more than 2
//     fractional digits is rejected rather than silently rounded
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
		if s == "" {
			return nil, false
		}
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	if len(frac) > Decimals {
		return nil, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, false
	}
	if neg {
		result.Neg(result)
	}
	return result, true
}

// ParsePositive parses s and additionally requires the amount to be
// strictly greater than zero.
func ParsePositive(s string) (*big.Int, bool) {
	v, ok := Parse(s)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// Format converts a smallest-unit big.Int to a decimal string with
// exactly 2 decimal places (e.g. "1.50").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Neg returns the negated decimal string ("40.00" -> "-40.00").
// Invalid input is returned unchanged.
func Neg(s string) string {
	v, ok := Parse(s)
	if !ok {
		return s
	}
	return Format(new(big.Int).Neg(v))
}

// Add returns a+b as a formatted decimal string. Invalid operands
// are treated as zero.
func Add(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return Format(new(big.Int).Add(av, bv))
}

// Cmp compares two decimal strings: -1 if a < b, 0 if equal, +1 if a > b.
// Invalid operands are treated as zero.
func Cmp(a, b string) int {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return av.Cmp(bv)
}
