package api

import (
	"github.com/shopspring/decimal"

	"github.com/luxfi/perp/pkg/fixed"
	"github.com/luxfi/perp/pkg/perp"
)

// ProductView is the wire form of a product: fixed-point quantities are
// rendered as decimals so clients never see raw base units.
type ProductView struct {
	ID                   string          `json:"id"`
	Token                string          `json:"token"`
	MaxLeverage          decimal.Decimal `json:"max_leverage"`
	Fee                  int64           `json:"fee_bps"`
	Interest             int64           `json:"interest_bps"`
	LiquidationThreshold int64           `json:"liquidation_threshold_bps"`
	LiquidationBounty    int64           `json:"liquidation_bounty_bps"`
	IsActive             bool            `json:"is_active"`
	OpenInterestLong     decimal.Decimal `json:"open_interest_long"`
	OpenInterestShort    decimal.Decimal `json:"open_interest_short"`
}

// PositionView is the wire form of a position.
type PositionView struct {
	ID               string          `json:"id"`
	Owner            string          `json:"owner"`
	ProductID        string          `json:"product_id"`
	IsLong           bool            `json:"is_long"`
	Margin           decimal.Decimal `json:"margin"`
	Leverage         decimal.Decimal `json:"leverage"`
	Price            decimal.Decimal `json:"price"`
	OraclePrice      decimal.Decimal `json:"oracle_price"`
	Timestamp        int64           `json:"timestamp"`
	AverageTimestamp int64           `json:"average_timestamp"`
}

// ClosureView is the wire form of a close or liquidation outcome.
type ClosureView struct {
	PositionID    string          `json:"position_id"`
	Owner         string          `json:"owner"`
	ProductID     string          `json:"product_id"`
	IsLong        bool            `json:"is_long"`
	Margin        decimal.Decimal `json:"margin"`
	Price         decimal.Decimal `json:"price"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	Pnl           decimal.Decimal `json:"pnl"`
	Fee           decimal.Decimal `json:"fee"`
	Payout        decimal.Decimal `json:"payout"`
	WasLiquidated bool            `json:"was_liquidated"`
	FullClose     bool            `json:"full_close"`
}

// MarkSnapshot is one product's broadcast frame.
type MarkSnapshot struct {
	ProductID         string          `json:"product_id"`
	OraclePrice       decimal.Decimal `json:"oracle_price"`
	OpenInterestLong  decimal.Decimal `json:"open_interest_long"`
	OpenInterestShort decimal.Decimal `json:"open_interest_short"`
	Timestamp         int64           `json:"timestamp"`
}

// Message is the WebSocket envelope.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

func productView(p *perp.Product) ProductView {
	return ProductView{
		ID:                   p.ID,
		Token:                p.Token,
		MaxLeverage:          fixed.ToDecimal(p.MaxLeverage),
		Fee:                  p.Fee,
		Interest:             p.Interest,
		LiquidationThreshold: p.LiquidationThreshold,
		LiquidationBounty:    p.LiquidationBounty,
		IsActive:             p.IsActive,
		OpenInterestLong:     fixed.ToDecimal(p.OpenInterestLong),
		OpenInterestShort:    fixed.ToDecimal(p.OpenInterestShort),
	}
}

func positionView(p *perp.Position) PositionView {
	return PositionView{
		ID:               p.ID,
		Owner:            p.Owner,
		ProductID:        p.ProductID,
		IsLong:           p.IsLong,
		Margin:           fixed.ToDecimal(p.Margin),
		Leverage:         fixed.ToDecimal(p.Leverage),
		Price:            fixed.ToDecimal(p.Price),
		OraclePrice:      fixed.ToDecimal(p.OraclePrice),
		Timestamp:        p.Timestamp,
		AverageTimestamp: p.AverageTimestamp,
	}
}

func closureView(c *perp.Closure) ClosureView {
	return ClosureView{
		PositionID:    c.PositionID,
		Owner:         c.Owner,
		ProductID:     c.ProductID,
		IsLong:        c.IsLong,
		Margin:        fixed.ToDecimal(c.Margin),
		Price:         fixed.ToDecimal(c.Price),
		EntryPrice:    fixed.ToDecimal(c.EntryPrice),
		Pnl:           fixed.ToDecimal(c.Pnl),
		Fee:           fixed.ToDecimal(c.Fee),
		Payout:        fixed.ToDecimal(c.Payout),
		WasLiquidated: c.WasLiquidated,
		FullClose:     c.FullClose,
	}
}
