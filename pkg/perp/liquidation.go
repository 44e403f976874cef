package perp

import (
	"math/big"

	"github.com/luxfi/perp/pkg/fixed"
)

// LiquidatePositions liquidates each id that qualifies and credits the
// aggregate bounty to the liquidator in one step. Ids that are missing or
// not liquidatable contribute zero; they never fail the batch.
func (e *Engine) LiquidatePositions(liquidator string, ids []string) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.AllowPublicLiquidation && !e.liquidators[liquidator] {
		return nil, ErrUnauthorized
	}

	total := new(big.Int)
	for _, id := range ids {
		reward, err := e.liquidatePosition(id)
		if err != nil {
			e.logger.Warn("liquidation skipped", "position", id, "error", err)
			continue
		}
		total.Add(total, reward)
	}

	if total.Sign() > 0 {
		e.accounts.Credit(liquidator, total)
	}
	return total, nil
}

// liquidatePosition force-closes one position if the oracle price has
// crossed its liquidation price. Returns the liquidator's share of the
// surviving margin, zero when the position does not qualify.
//
// Fund flow follows the vault-balance model throughout: the margin is
// already held by the engine, so the trader's loss is credited to the
// vault and only the bounty and pool shares leave the margin.
func (e *Engine) liquidatePosition(id string) (*big.Int, error) {
	pos, ok := e.positions[id]
	if !ok {
		return new(big.Int), nil
	}
	product, ok := e.products[pos.ProductID]
	if !ok {
		return new(big.Int), ErrProductNotFound
	}

	price, err := e.oracle.GetPrice(product.Token)
	if err != nil {
		return new(big.Int), err
	}
	if !liquidatable(pos, product, price) {
		return new(big.Int), nil
	}

	pnl := rawPnl(pos.IsLong, pos.Margin, pos.Leverage, pos.Price, price)

	reward := new(big.Int)
	if pnl.Sign() < 0 {
		loss := new(big.Int).Neg(pnl)
		if loss.Cmp(pos.Margin) < 0 {
			// Margin survives the loss: bounty to the liquidator, the
			// rest of the remainder to the reward pools, the loss itself
			// to the vault.
			remainder := new(big.Int).Sub(pos.Margin, loss)
			reward = fixed.ApplyBps(remainder, product.LiquidationBounty)
			e.splitFee(new(big.Int).Sub(remainder, reward))
			e.vault.Credit(loss)
		} else {
			e.vault.Credit(pos.Margin)
		}
	} else {
		// Threshold crossed on stale entry but pnl is non-negative at the
		// current oracle price: the full margin is still absorbed.
		e.vault.Credit(pos.Margin)
	}

	amount := pos.Notional()
	e.releaseOpenInterest(product, pos.IsLong, amount)
	e.deletePosition(pos)

	if e.metrics != nil {
		e.metrics.liquidations.Inc()
		e.metrics.setOpenInterest(product)
	}
	e.logger.Info("position liquidated",
		"position", id, "owner", pos.Owner, "product", pos.ProductID,
		"margin", pos.Margin.String(), "pnl", new(big.Int).Neg(pos.Margin).String(),
		"reward", reward.String())
	return reward, nil
}

// liquidatable reports whether price has crossed the position's
// liquidation price: entry ∓ entry*threshold*Bps/leverage.
func liquidatable(pos *Position, product *Product, price *big.Int) bool {
	move := new(big.Int).Mul(pos.Price, big.NewInt(product.LiquidationThreshold))
	move.Mul(move, bpsBig)
	move.Quo(move, pos.Leverage)

	if pos.IsLong {
		liqPrice := new(big.Int).Sub(pos.Price, move)
		return price.Cmp(liqPrice) <= 0
	}
	liqPrice := new(big.Int).Add(pos.Price, move)
	return price.Cmp(liqPrice) >= 0
}

// LiquidationPrice returns the oracle price at which the position becomes
// liquidatable.
func (e *Engine) LiquidationPrice(id string) (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pos, ok := e.positions[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	product, ok := e.products[pos.ProductID]
	if !ok {
		return nil, ErrProductNotFound
	}

	move := new(big.Int).Mul(pos.Price, big.NewInt(product.LiquidationThreshold))
	move.Mul(move, bpsBig)
	move.Quo(move, pos.Leverage)
	if pos.IsLong {
		return new(big.Int).Sub(pos.Price, move), nil
	}
	return new(big.Int).Add(pos.Price, move), nil
}
