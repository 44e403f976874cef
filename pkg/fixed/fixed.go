// Package fixed provides the integer arithmetic used by the perp engine.
//
// Every money, price, and leverage quantity in the system is a *big.Int
// scaled by Unit (1e8). Percentages are basis points scaled by Bps (1e4),
// or sub-basis-points scaled by SBps (1e6). Division truncates toward zero
// everywhere so results are deterministic across platforms.
package fixed

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// Unit is the fixed-point scale: 1.0 == 1e8.
	Unit = int64(1e8)

	// Bps is the basis-point scale: 100% == 1e4.
	Bps = int64(1e4)

	// SBps is the sub-basis-point scale: 100% == 1e6.
	SBps = int64(1e6)

	// SecondsPerYear is used for annualized interest proration.
	SecondsPerYear = int64(365 * 24 * 3600)
)

var (
	UnitBig = big.NewInt(Unit)
	BpsBig  = big.NewInt(Bps)
	SBpsBig = big.NewInt(SBps)

	zero = big.NewInt(0)
)

// MulDiv returns a*b/den truncated toward zero. den must be nonzero.
func MulDiv(a, b, den *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}

// CheckedMulDiv is MulDiv with an explicit error for a zero or negative
// denominator, for callers where the denominator is data-dependent.
func CheckedMulDiv(a, b, den *big.Int) (*big.Int, error) {
	if den.Sign() <= 0 {
		return nil, ErrDivisionByZero
	}
	return MulDiv(a, b, den), nil
}

// ApplyBps returns x*bps/1e4.
func ApplyBps(x *big.Int, bps int64) *big.Int {
	return MulDiv(x, big.NewInt(bps), BpsBig)
}

// ApplySBps returns x*sbps/1e6.
func ApplySBps(x *big.Int, sbps int64) *big.Int {
	return MulDiv(x, big.NewInt(sbps), SBpsBig)
}

// WeightedAvg returns (a*wa + b*wb) / (wa+wb). The combined weight must be
// positive.
func WeightedAvg(a, wa, b, wb *big.Int) (*big.Int, error) {
	den := new(big.Int).Add(wa, wb)
	if den.Sign() <= 0 {
		return nil, ErrDivisionByZero
	}
	num := new(big.Int).Mul(a, wa)
	num.Add(num, new(big.Int).Mul(b, wb))
	return num.Quo(num, den), nil
}

// Clone returns an independent copy of x.
func Clone(x *big.Int) *big.Int {
	return new(big.Int).Set(x)
}

// Min returns the smaller of a and b (shared, not copied).
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of a and b (shared, not copied).
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Clamp0 floors x at zero in place and returns it.
func Clamp0(x *big.Int) *big.Int {
	if x.Sign() < 0 {
		x.Set(zero)
	}
	return x
}

// ToDecimal renders a Unit-scaled quantity as a decimal for API output.
func ToDecimal(x *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(x, -8)
}

// FromDecimal converts a decimal into a Unit-scaled quantity, truncating
// sub-unit precision.
func FromDecimal(d decimal.Decimal) *big.Int {
	return d.Shift(8).BigInt()
}
