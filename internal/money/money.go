// Package money provides shared fixed-point amount parsing and formatting.
//
// Ledger amounts carry up to 8 decimal places. All arithmetic happens on
// big.Int values in the smallest unit (1 credit = 100,000,000 units); the
// decimal string form is what models and the database exchange. Binary
// floating point never touches the ledger path.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 8

// Parse converts a decimal string (e.g. "1.5") to its smallest-unit
// big.Int representation (150000000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than 8 fractional digits are rejected
//   - Shorter fractional parts are padded to 8 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
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
	if whole == "" {
		whole = "0"
	}

	if len(frac) > Decimals {
		return nil, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a decimal string with exactly
// 8 decimal places (e.g. "1.50000000").
func Format(amount *big.Int) string {
	if amount == nil {
		return Zero
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

// Zero is the canonical zero amount.
const Zero = "0.00000000"

// IsPositive reports whether s parses to an amount strictly greater than zero.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// Cmp compares two amount strings. Invalid inputs compare as zero.
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

// Add returns the formatted sum of two amount strings.
func Add(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	return Format(new(big.Int).Add(av, bv))
}

// Sub returns the formatted difference a-b of two amount strings.
func Sub(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	return Format(new(big.Int).Sub(av, bv))
}

// ParseSigned parses a decimal string that may carry a leading minus sign.
// Balance deltas are signed; stored amounts never are.
func ParseSigned(s string) (*big.Int, bool) {
	if strings.HasPrefix(s, "-") {
		v, ok := Parse(s[1:])
		if !ok {
			return nil, false
		}
		return v.Neg(v), true
	}
	return Parse(s)
}

// Neg returns the formatted negation of an amount string.
func Neg(a string) string {
	v, _ := ParseSigned(a)
	if v == nil {
		v = big.NewInt(0)
	}
	return Format(new(big.Int).Neg(v))
}

// MulBps multiplies an amount by basis points (1 bps = 0.01%), rounding
// down. Used by the default fee calculator.
func MulBps(a string, bps int64) string {
	av, _ := Parse(a)
	if av == nil || bps <= 0 {
		return Zero
	}
	v := new(big.Int).Mul(av, big.NewInt(bps))
	v.Quo(v, big.NewInt(10000))
	return Format(v)
}
