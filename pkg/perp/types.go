package perp

import (
	"encoding/hex"
	"math/big"
	"time"

	"golang.org/x/crypto/sha3"
)

// Product is one tradable perpetual instrument. OpenInterestLong/Short are
// the only mutable trading-path fields; everything else changes through the
// admin surface.
type Product struct {
	ID    string `json:"id"`
	Token string `json:"token"` // oracle feed reference

	MaxLeverage          *big.Int `json:"maxLeverage"` // Unit-scaled, >= 1.0
	Fee                  int64    `json:"fee"`         // bps of notional
	Interest             int64    `json:"interest"`    // annualized bps
	LiquidationThreshold int64    `json:"liquidationThreshold"` // bps of margin
	LiquidationBounty    int64    `json:"liquidationBounty"`    // bps of remaining margin
	MinPriceChange       int64    `json:"minPriceChange"`       // bps, profit gate
	Weight               int64    `json:"weight"`               // share of pool exposure
	Reserve              *big.Int `json:"reserve"`              // virtual liquidity depth
	IsActive             bool     `json:"isActive"`

	OpenInterestLong  *big.Int `json:"openInterestLong"`
	OpenInterestShort *big.Int `json:"openInterestShort"`
}

// Position is a trader's net exposure in one product and one direction.
// At most one exists per (owner, product, direction).
type Position struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	ProductID string `json:"productId"`
	IsLong    bool   `json:"isLong"`

	Margin   *big.Int `json:"margin"`   // Unit-scaled collateral
	Leverage *big.Int `json:"leverage"` // Unit-scaled
	Price    *big.Int `json:"price"`    // size-weighted average entry price

	// OraclePrice is the oracle reading at last update, the reference for
	// the profit-taking gate.
	OraclePrice *big.Int `json:"oraclePrice"`

	Timestamp        int64 `json:"timestamp"`        // last touch, unix seconds
	AverageTimestamp int64 `json:"averageTimestamp"` // margin-weighted open time
}

// Notional returns margin*leverage/Unit.
func (p *Position) Notional() *big.Int {
	out := new(big.Int).Mul(p.Margin, p.Leverage)
	return out.Quo(out, unitBig)
}

// PositionKey derives the deterministic identifier for a position.
func PositionKey(owner, productID string, isLong bool) string {
	h := sha3.New256()
	h.Write([]byte(owner))
	h.Write([]byte{0})
	h.Write([]byte(productID))
	if isLong {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Closure describes the outcome of a close or liquidation.
type Closure struct {
	PositionID    string   `json:"positionId"`
	Owner         string   `json:"owner"`
	ProductID     string   `json:"productId"`
	IsLong        bool     `json:"isLong"`
	Margin        *big.Int `json:"margin"`
	Price         *big.Int `json:"price"`
	EntryPrice    *big.Int `json:"entryPrice"`
	Pnl           *big.Int `json:"pnl"`
	Fee           *big.Int `json:"fee"`
	Payout        *big.Int `json:"payout"`
	WasLiquidated bool     `json:"wasLiquidated"`
	FullClose     bool     `json:"fullClose"`
}

// Config is the engine's global mutable state, injected at construction and
// changed only through validated setters.
type Config struct {
	Owner       string
	Distributor string

	// Fee pool recipients credited on distribution.
	ProtocolRecipient string
	TokenRecipient    string

	MinMargin         *big.Int // Unit-scaled
	MaxPositionMargin *big.Int // guarded-launch cap on merged margin

	MinProfitTime     time.Duration // profit gate window
	MinInterestPeriod time.Duration // no interest accrues below this age

	// MaxShift bounds the directional price rebalancing term, Unit-scaled.
	MaxShift int64

	ExposureMultiplier    int64 // bps, scales per-product exposure caps
	UtilizationMultiplier int64 // bps, pool-wide open interest vs vault balance

	MaxDynamicFee int64 // bps, clamp on the external fee adjustment

	ProtocolRewardBps int64
	TokenRewardBps    int64

	AllowPublicLiquidation bool
}

// DefaultConfig mirrors the launch parameters the engine ships with.
func DefaultConfig(owner string) Config {
	return Config{
		Owner:                 owner,
		Distributor:           owner,
		ProtocolRecipient:     owner,
		TokenRecipient:        owner,
		MinMargin:             big.NewInt(1e7), // 0.1
		MaxPositionMargin:     big.NewInt(1e15),
		MinProfitTime:         12 * time.Hour,
		MinInterestPeriod:     15 * time.Minute,
		MaxShift:              3e5, // 0.3% of price
		ExposureMultiplier:    10000,
		UtilizationMultiplier: 10000,
		MaxDynamicFee:         50,
		ProtocolRewardBps:     2000,
		TokenRewardBps:        3000,
	}
}
