package perp

import (
	"math/big"

	"github.com/luxfi/perp/pkg/fixed"
)

var (
	unitBig = fixed.UnitBig
	bpsBig  = fixed.BpsBig
	two     = big.NewInt(2)
)

// fillPrice computes the execution price for a fill of amount notional
// against the product's virtual reserve, anchored to the oracle price.
//
// The virtual reserve approximates a constant-product pool: buying amount
// out of reserve R costs R²/(R−amount)−R, so per-unit slippage grows with
// trade size relative to depth. A directional shift proportional to the
// open-interest imbalance is layered on top, halved when the trade reduces
// the imbalance so rebalancing is favored but never free.
func fillPrice(isLong bool, oiLong, oiShort, maxExposure, reserve, amount, oraclePrice *big.Int, maxShift int64) (*big.Int, error) {
	if maxExposure.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	if amount.Sign() <= 0 {
		return nil, ErrArithmetic
	}

	// shift = (oiLong − oiShort) * maxShift / maxExposure, signed and
	// Unit-scaled like the slippage multiplier it adjusts.
	imbalance := new(big.Int).Sub(oiLong, oiShort)
	shift := new(big.Int).Mul(imbalance, big.NewInt(maxShift))
	shift.Quo(shift, maxExposure)

	var slippage *big.Int
	if isLong {
		den := new(big.Int).Sub(reserve, amount)
		if den.Sign() <= 0 {
			return nil, ErrArithmetic
		}
		// ((R²/(R−amount)) − R) * Unit / amount
		r2 := new(big.Int).Mul(reserve, reserve)
		r2.Quo(r2, den)
		r2.Sub(r2, reserve)
		slippage = r2.Mul(r2, unitBig)
		slippage.Quo(slippage, amount)
		if shift.Sign() >= 0 {
			slippage.Add(slippage, shift)
		} else {
			half := new(big.Int).Neg(shift)
			half.Quo(half, two)
			slippage.Sub(slippage, half)
		}
	} else {
		den := new(big.Int).Add(reserve, amount)
		// (R − R²/(R+amount)) * Unit / amount
		r2 := new(big.Int).Mul(reserve, reserve)
		r2.Quo(r2, den)
		r2.Sub(reserve, r2)
		slippage = r2.Mul(r2, unitBig)
		slippage.Quo(slippage, amount)
		if shift.Sign() >= 0 {
			half := new(big.Int).Quo(shift, two)
			slippage.Add(slippage, half)
		} else {
			slippage.Add(slippage, shift)
		}
	}

	return fixed.MulDiv(oraclePrice, slippage, unitBig), nil
}
