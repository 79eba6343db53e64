// Package money wraps shopspring/decimal with the conventions used across
// the indexer: exact arithmetic, a dedicated zero predicate, and half-even
// division at a fixed fractional precision.
package money

import (
	"github.com/shopspring/decimal"
)

// EntryPrecision is the fractional precision used for entry-price averaging
// and any other division. Sums are exact; only division rounds, half-to-even.
const EntryPrecision = 12

// Zero is the canonical zero decimal.
var Zero = decimal.Zero

// Parse converts an upstream decimal string into a Decimal. Upstream numeric
// fields arrive as strings; a failed parse returns zero and false.
func Parse(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// ParseOrZero converts an upstream decimal string, treating unparseable or
// empty input as zero.
func ParseOrZero(s string) decimal.Decimal {
	d, _ := Parse(s)
	return d
}

// IsZero reports whether d equals zero. Equality with zero always goes
// through this predicate rather than Cmp against a literal.
func IsZero(d decimal.Decimal) bool {
	return d.IsZero()
}

// Sign returns -1, 0 or +1.
func Sign(d decimal.Decimal) int {
	return d.Sign()
}

// SameSign reports whether a and b are both strictly positive or both
// strictly negative.
func SameSign(a, b decimal.Decimal) bool {
	return a.Sign() != 0 && a.Sign() == b.Sign()
}

// DivEntry divides a by b rounding half-to-even at EntryPrecision fractional
// digits. Used for size-weighted entry price averaging.
func DivEntry(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, EntryPrecision+1).RoundBank(EntryPrecision)
}

// FromInt builds a Decimal from an integer, for tests and defaults.
func FromInt(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}
