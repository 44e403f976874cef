package perp

import (
	"math/big"

	"github.com/luxfi/perp/pkg/fixed"
)

// OpenPosition opens a new position or merges into the caller's existing
// one in the same product and direction. The sender must be the owner or
// an approved manager. Margin plus the trade fee is debited from the
// owner's collateral account; the fee is split into the pending reward
// pools. Returns the position id.
func (e *Engine) OpenPosition(sender, owner, productID string, margin *big.Int, isLong bool, leverage *big.Int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return "", ErrTradingPaused
	}
	if !e.actsFor(sender, owner) {
		return "", ErrUnauthorized
	}
	product, ok := e.products[productID]
	if !ok {
		return "", ErrProductNotFound
	}
	if !product.IsActive {
		return "", ErrProductInactive
	}
	if margin == nil || margin.Cmp(e.cfg.MinMargin) < 0 {
		return "", ErrInvalidMargin
	}
	if leverage == nil || leverage.Cmp(unitBig) < 0 {
		return "", ErrInvalidLeverage
	}
	if leverage.Cmp(product.MaxLeverage) > 0 {
		return "", ErrExcessiveLeverage
	}

	key := PositionKey(owner, productID, isLong)
	existing := e.positions[key]

	mergedMargin := fixed.Clone(margin)
	if existing != nil {
		mergedMargin.Add(mergedMargin, existing.Margin)
	}
	if mergedMargin.Cmp(e.cfg.MaxPositionMargin) >= 0 {
		return "", ErrMaxPositionMargin
	}

	fee := e.tradeFee(margin, leverage, product.Fee, product.Token, owner)

	oraclePrice, err := e.oracle.GetPrice(product.Token)
	if err != nil {
		return "", err
	}

	amount := fixed.MulDiv(margin, leverage, unitBig)
	price, err := fillPrice(isLong, product.OpenInterestLong, product.OpenInterestShort,
		e.maxExposure(product), product.Reserve, amount, oraclePrice, e.cfg.MaxShift)
	if err != nil {
		return "", err
	}

	// Collateral moves first; the risk gate is the final check and its
	// rejection refunds the exact debit, leaving no observable change.
	cost := new(big.Int).Add(margin, fee)
	if err := e.accounts.Debit(owner, cost); err != nil {
		return "", err
	}
	if err := e.checkAndApplyOpenInterest(product, isLong, amount); err != nil {
		e.accounts.Credit(owner, cost)
		return "", err
	}

	now := e.now().Unix()
	if existing == nil {
		pos := &Position{
			ID:               key,
			Owner:            owner,
			ProductID:        productID,
			IsLong:           isLong,
			Margin:           fixed.Clone(margin),
			Leverage:         fixed.Clone(leverage),
			Price:            price,
			OraclePrice:      oraclePrice,
			Timestamp:        now,
			AverageTimestamp: now,
		}
		e.positions[key] = pos
		existing = pos
	} else {
		// Notional-weighted price and leverage, margin-weighted average
		// timestamp: the merge preserves economic exposure exactly.
		n1 := existing.Notional()
		n2 := fixed.Clone(amount)

		mergedPrice, err := fixed.WeightedAvg(existing.Price, n1, price, n2)
		if err != nil {
			e.rollbackOpen(product, isLong, amount, owner, cost)
			return "", err
		}
		mergedNotional := new(big.Int).Add(n1, n2)
		mergedLeverage := fixed.MulDiv(mergedNotional, unitBig, mergedMargin)
		mergedAvgTime, err := fixed.WeightedAvg(
			big.NewInt(existing.AverageTimestamp), existing.Margin,
			big.NewInt(now), margin)
		if err != nil {
			e.rollbackOpen(product, isLong, amount, owner, cost)
			return "", err
		}

		existing.Price = mergedPrice
		existing.Leverage = mergedLeverage
		existing.Margin = mergedMargin
		existing.AverageTimestamp = mergedAvgTime.Int64()
		existing.OraclePrice = oraclePrice
		existing.Timestamp = now
	}

	e.splitFee(fee)
	if err := e.persistPosition(existing); err != nil {
		e.logger.Warn("position not persisted", "position", key, "error", err)
	}
	if e.metrics != nil {
		e.metrics.positionsOpened.Inc()
		e.metrics.setOpenInterest(product)
	}
	e.logger.Info("position opened",
		"position", key, "owner", owner, "product", productID,
		"isLong", isLong, "margin", margin.String(),
		"leverage", leverage.String(), "price", price.String())
	return key, nil
}

func (e *Engine) rollbackOpen(product *Product, isLong bool, amount *big.Int, owner string, cost *big.Int) {
	e.releaseOpenInterest(product, isLong, amount)
	e.accounts.Credit(owner, cost)
}

// AddMargin tops up a position's collateral, deleveraging it in place.
func (e *Engine) AddMargin(sender, positionID string, margin *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[positionID]
	if !ok {
		return ErrPositionNotFound
	}
	if !e.actsFor(sender, pos.Owner) {
		return ErrUnauthorized
	}
	if margin == nil || margin.Sign() <= 0 {
		return ErrInvalidMargin
	}

	newMargin := new(big.Int).Add(pos.Margin, margin)
	newLeverage := fixed.MulDiv(pos.Leverage, pos.Margin, newMargin)
	if newLeverage.Cmp(unitBig) < 0 {
		return ErrLeverageTooLow
	}
	if err := e.accounts.Debit(pos.Owner, margin); err != nil {
		return err
	}

	pos.Margin = newMargin
	pos.Leverage = newLeverage
	pos.Timestamp = e.now().Unix()
	if err := e.persistPosition(pos); err != nil {
		e.logger.Warn("position not persisted", "position", positionID, "error", err)
	}
	return nil
}

// ClosePosition closes up to margin worth of the position. A request for
// the full margin (or more) is a full close. A close whose loss crosses
// the liquidation threshold forfeits the entire margin.
func (e *Engine) ClosePosition(sender, positionID string, margin *big.Int) (*Closure, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[positionID]
	if !ok {
		return nil, ErrPositionNotFound
	}
	if !e.actsFor(sender, pos.Owner) {
		return nil, ErrUnauthorized
	}
	product, ok := e.products[pos.ProductID]
	if !ok {
		return nil, ErrProductNotFound
	}
	if margin == nil || margin.Sign() <= 0 {
		return nil, ErrInvalidMargin
	}

	fullClose := margin.Cmp(pos.Margin) >= 0
	closeMargin := fixed.Clone(margin)
	if fullClose {
		closeMargin.Set(pos.Margin)
	}

	oraclePrice, err := e.oracle.GetPrice(product.Token)
	if err != nil {
		return nil, err
	}
	amount := fixed.MulDiv(closeMargin, pos.Leverage, unitBig)
	// Closing fills the opposite side of the book.
	price, err := fillPrice(!pos.IsLong, product.OpenInterestLong, product.OpenInterestShort,
		e.maxExposure(product), product.Reserve, amount, oraclePrice, e.cfg.MaxShift)
	if err != nil {
		return nil, err
	}

	pnl := rawPnl(pos.IsLong, closeMargin, pos.Leverage, pos.Price, price)

	wasLiquidated := false
	if pnl.Sign() < 0 {
		loss := new(big.Int).Neg(pnl)
		threshold := fixed.ApplyBps(closeMargin, product.LiquidationThreshold)
		if loss.Cmp(threshold) >= 0 {
			// The close itself is liquidating: the whole margin is lost.
			closeMargin.Set(pos.Margin)
			amount = fixed.MulDiv(closeMargin, pos.Leverage, unitBig)
			pnl = new(big.Int).Neg(closeMargin)
			fullClose = true
			wasLiquidated = true
		}
	} else if pnl.Sign() > 0 && !e.profitTakeable(pos, product, oraclePrice) {
		// Anti-front-running gate: entries priced off a stale oracle may
		// not realize profit until time or the oracle has moved.
		pnl = new(big.Int)
	}

	fee := e.tradeFee(closeMargin, pos.Leverage, product.Fee, product.Token, pos.Owner)
	interest := e.interestFee(closeMargin, pos.Leverage, product.Interest,
		e.now().Unix()-pos.AverageTimestamp)
	pnlAfterFee, totalFee := pnlWithFee(pnl, fee, interest)

	payout := new(big.Int).Add(closeMargin, pnlAfterFee)
	switch {
	case payout.Sign() <= 0:
		// Insolvent: the vault absorbs the whole margin, nothing is paid
		// out and no fee is split.
		payout.SetInt64(0)
		totalFee.SetInt64(0)
		e.vault.Credit(closeMargin)
	case pnl.Sign() >= 0:
		// The vault funds the gross profit; fee is carved out of it.
		if err := e.vault.Debit(pnl); err != nil {
			return nil, err
		}
		e.splitFee(totalFee)
		e.accounts.Credit(pos.Owner, payout)
	default:
		// Solvent loss: the loss accrues to the vault, the fee to the
		// pools, the remainder back to the owner.
		e.vault.Credit(new(big.Int).Neg(pnl))
		e.splitFee(totalFee)
		e.accounts.Credit(pos.Owner, payout)
	}

	e.releaseOpenInterest(product, pos.IsLong, amount)

	closure := &Closure{
		PositionID:    positionID,
		Owner:         pos.Owner,
		ProductID:     pos.ProductID,
		IsLong:        pos.IsLong,
		Margin:        fixed.Clone(closeMargin),
		Price:         price,
		EntryPrice:    fixed.Clone(pos.Price),
		Pnl:           pnl,
		Fee:           totalFee,
		Payout:        payout,
		WasLiquidated: wasLiquidated,
		FullClose:     fullClose,
	}

	if fullClose {
		e.deletePosition(pos)
	} else {
		pos.Margin.Sub(pos.Margin, closeMargin)
		if err := e.persistPosition(pos); err != nil {
			e.logger.Warn("position not persisted", "position", positionID, "error", err)
		}
	}

	if e.metrics != nil {
		e.metrics.positionsClosed.Inc()
		e.metrics.setOpenInterest(product)
	}
	e.logger.Info("position closed",
		"position", positionID, "owner", pos.Owner,
		"margin", closeMargin.String(), "pnl", pnl.String(),
		"payout", payout.String(), "liquidated", wasLiquidated)
	return closure, nil
}

// profitTakeable reports whether a positive pnl may be realized: enough
// time has passed since entry, or the oracle has moved past the product's
// minimum change in the position's favor.
func (e *Engine) profitTakeable(pos *Position, product *Product, oracleNow *big.Int) bool {
	if e.now().Unix() > pos.Timestamp+int64(e.cfg.MinProfitTime.Seconds()) {
		return true
	}
	if pos.IsLong {
		gate := fixed.MulDiv(pos.OraclePrice,
			big.NewInt(fixed.Bps+product.MinPriceChange), bpsBig)
		return oracleNow.Cmp(gate) > 0
	}
	gate := fixed.MulDiv(pos.OraclePrice,
		big.NewInt(fixed.Bps-product.MinPriceChange), bpsBig)
	return oracleNow.Cmp(gate) < 0
}
