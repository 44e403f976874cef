package perp

import (
	"math/big"

	"github.com/luxfi/perp/pkg/fixed"
)

// RewardPools are the three pending fee accumulators. They only grow on
// fee-generating events and are drained atomically by an authorized
// distributor.
type RewardPools struct {
	Protocol *big.Int `json:"protocol"`
	Token    *big.Int `json:"token"`
	Vault    *big.Int `json:"vault"`
}

func newRewardPools() RewardPools {
	return RewardPools{
		Protocol: new(big.Int),
		Token:    new(big.Int),
		Vault:    new(big.Int),
	}
}

// tradeFee computes the fee in bps of notional, with the external dynamic
// adjustment clamped to ±MaxDynamicFee and the total floored at zero.
func (e *Engine) tradeFee(margin, leverage *big.Int, baseFeeBps int64, token, user string) *big.Int {
	adj := e.fees.GetFee(token, user)
	if adj > e.cfg.MaxDynamicFee {
		adj = e.cfg.MaxDynamicFee
	} else if adj < -e.cfg.MaxDynamicFee {
		adj = -e.cfg.MaxDynamicFee
	}
	feeBps := baseFeeBps + adj
	if feeBps < 0 {
		feeBps = 0
	}
	notional := fixed.MulDiv(margin, leverage, unitBig)
	return fixed.ApplyBps(notional, feeBps)
}

// interestFee prorates the product's annualized rate over the position's
// margin-weighted age:
//
//	margin * leverage * interestBps * elapsed / (Bps * Unit * secondsPerYear)
//
// Positions younger than MinInterestPeriod accrue nothing.
func (e *Engine) interestFee(margin, leverage *big.Int, interestBps int64, elapsedSec int64) *big.Int {
	if elapsedSec < int64(e.cfg.MinInterestPeriod.Seconds()) || interestBps <= 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(margin, leverage)
	out.Mul(out, big.NewInt(interestBps))
	out.Mul(out, big.NewInt(elapsedSec))
	den := new(big.Int).Mul(big.NewInt(fixed.Bps*fixed.Unit), big.NewInt(fixed.SecondsPerYear))
	return out.Quo(out, den)
}

// rawPnl computes the signed trade PnL: notional scaled by the relative
// move from the entry price.
func rawPnl(isLong bool, margin, leverage, entryPrice, price *big.Int) *big.Int {
	notional := fixed.MulDiv(margin, leverage, unitBig)
	var diff *big.Int
	if isLong {
		diff = new(big.Int).Sub(price, entryPrice)
	} else {
		diff = new(big.Int).Sub(entryPrice, price)
	}
	out := new(big.Int).Mul(notional, diff)
	return out.Quo(out, entryPrice)
}

// pnlWithFee subtracts the trade fee and interest fee from the raw pnl and
// returns both the net pnl and the total fee for reward splitting.
func pnlWithFee(pnl, tradeFee, interest *big.Int) (pnlAfterFee, totalFee *big.Int) {
	totalFee = new(big.Int).Add(tradeFee, interest)
	pnlAfterFee = new(big.Int).Sub(pnl, totalFee)
	return pnlAfterFee, totalFee
}

// splitFee apportions a fee across the three pending pools per the
// configured reward ratios; the residual goes to the vault pool.
func (e *Engine) splitFee(fee *big.Int) {
	if fee.Sign() <= 0 {
		return
	}
	protocol := fixed.ApplyBps(fee, e.cfg.ProtocolRewardBps)
	token := fixed.ApplyBps(fee, e.cfg.TokenRewardBps)
	rest := new(big.Int).Sub(fee, protocol)
	rest.Sub(rest, token)

	e.pools.Protocol.Add(e.pools.Protocol, protocol)
	e.pools.Token.Add(e.pools.Token, token)
	e.pools.Vault.Add(e.pools.Vault, rest)

	if e.metrics != nil {
		e.metrics.feesAccrued.Add(bigToFloat(fee))
	}
}

// DistributeRewards drains the three pools: protocol and token shares are
// credited to their configured recipients, the vault share to the vault.
// Pools are zeroed in the same step.
func (e *Engine) DistributeRewards(sender string) (protocol, token, vault *big.Int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sender != e.cfg.Distributor {
		return nil, nil, nil, ErrUnauthorized
	}

	protocol = fixed.Clone(e.pools.Protocol)
	token = fixed.Clone(e.pools.Token)
	vault = fixed.Clone(e.pools.Vault)

	e.accounts.Credit(e.cfg.ProtocolRecipient, protocol)
	e.accounts.Credit(e.cfg.TokenRecipient, token)
	e.vault.Credit(vault)

	e.pools.Protocol.SetInt64(0)
	e.pools.Token.SetInt64(0)
	e.pools.Vault.SetInt64(0)

	e.logger.Info("rewards distributed",
		"protocol", protocol.String(),
		"token", token.String(),
		"vault", vault.String())
	return protocol, token, vault, nil
}

// PendingRewards returns the current pool sizes.
func (e *Engine) PendingRewards() (protocol, token, vault *big.Int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fixed.Clone(e.pools.Protocol), fixed.Clone(e.pools.Token), fixed.Clone(e.pools.Vault)
}
