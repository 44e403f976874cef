package perp

import (
	"math/big"

	"github.com/luxfi/perp/pkg/fixed"
)

// maxExposure returns the product's share of pool exposure:
// vaultBalance * weight * exposureMultiplier / totalWeight / Bps.
func (e *Engine) maxExposure(p *Product) *big.Int {
	if e.totalWeight == 0 {
		return new(big.Int)
	}
	out := fixed.Clone(e.vault.Balance())
	out.Mul(out, big.NewInt(p.Weight))
	out.Mul(out, big.NewInt(e.cfg.ExposureMultiplier))
	out.Quo(out, big.NewInt(e.totalWeight))
	out.Quo(out, bpsBig)
	return out
}

// checkAndApplyOpenInterest admits amount of new directional exposure, or
// rejects without touching any counter. Must run under the engine lock,
// after all price and fee lookups, as the last gate before the position
// mutation it protects.
func (e *Engine) checkAndApplyOpenInterest(p *Product, isLong bool, amount *big.Int) error {
	maxExposure := e.maxExposure(p)

	side, opposite := p.OpenInterestLong, p.OpenInterestShort
	if !isLong {
		side, opposite = p.OpenInterestShort, p.OpenInterestLong
	}

	next := new(big.Int).Add(side, amount)
	cap := new(big.Int).Add(maxExposure, opposite)
	if next.Cmp(cap) > 0 {
		return ErrExposureExceeded
	}

	nextTotal := new(big.Int).Add(e.totalOpenInterest, amount)
	utilization := fixed.ApplyBps(e.vault.Balance(), e.cfg.UtilizationMultiplier)
	if nextTotal.Cmp(utilization) > 0 {
		return ErrUtilizationExceeded
	}

	side.Set(next)
	e.totalOpenInterest.Set(nextTotal)
	return nil
}

// releaseOpenInterest returns closed notional to the pool. Both counters
// floor at zero: interest accrual and rounding can otherwise drive the
// release slightly past what was admitted.
func (e *Engine) releaseOpenInterest(p *Product, isLong bool, amount *big.Int) {
	side := p.OpenInterestLong
	if !isLong {
		side = p.OpenInterestShort
	}
	fixed.Clamp0(side.Sub(side, amount))
	fixed.Clamp0(e.totalOpenInterest.Sub(e.totalOpenInterest, amount))
}
