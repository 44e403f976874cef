package perp

import (
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/perp/pkg/fixed"
)

// Engine is the perpetual position engine: it owns the product table, the
// position ledger, the open-interest counters, and the pending reward
// pools, and moves settlement amounts through the vault and account book.
//
// One mutex serializes every state-changing call, so a risk check and the
// mutation it guards are a single indivisible step and no caller ever
// observes a partially updated position.
type Engine struct {
	cfg Config

	products    map[string]*Product
	positions   map[string]*Position
	totalWeight int64

	totalOpenInterest *big.Int
	pools             RewardPools

	liquidators map[string]bool
	managers    map[string]map[string]bool // owner -> manager -> approved
	paused      bool

	oracle   Oracle
	fees     FeeCalculator
	vault    Vault
	accounts *AccountBook

	store   *Store
	metrics *Metrics
	logger  log.Logger
	now     func() time.Time

	mu sync.RWMutex
}

// NewEngine wires the engine to its external collaborators. Store and
// metrics are optional and attached with WithStore/WithMetrics.
func NewEngine(cfg Config, oracle Oracle, fees FeeCalculator, vault Vault, logger log.Logger) *Engine {
	return &Engine{
		cfg:               cfg,
		products:          make(map[string]*Product),
		positions:         make(map[string]*Position),
		totalOpenInterest: new(big.Int),
		pools:             newRewardPools(),
		liquidators:       make(map[string]bool),
		managers:          make(map[string]map[string]bool),
		oracle:            oracle,
		fees:              fees,
		vault:             vault,
		accounts:          NewAccountBook(),
		logger:            logger,
		now:               time.Now,
	}
}

// WithStore attaches write-through persistence and loads existing state.
func (e *Engine) WithStore(s *Store) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	products, positions, err := s.LoadAll()
	if err != nil {
		return err
	}
	for _, p := range products {
		p.OpenInterestLong = new(big.Int)
		p.OpenInterestShort = new(big.Int)
		e.products[p.ID] = p
		e.totalWeight += p.Weight
	}
	// Open interest is not written on the trade path; the positions are the
	// source of truth, so the counters are rebuilt from them here.
	for _, pos := range positions {
		e.positions[pos.ID] = pos
		if p, ok := e.products[pos.ProductID]; ok {
			amount := pos.Notional()
			side := p.OpenInterestLong
			if !pos.IsLong {
				side = p.OpenInterestShort
			}
			side.Add(side, amount)
			e.totalOpenInterest.Add(e.totalOpenInterest, amount)
		}
	}
	e.store = s
	e.logger.Info("state loaded", "products", len(products), "positions", len(positions))
	return nil
}

// WithMetrics attaches prometheus instrumentation.
func (e *Engine) WithMetrics(m *Metrics) {
	e.metrics = m
}

// Checkpoint writes the full engine state through the store in one batch.
// A no-op without a store.
func (e *Engine) Checkpoint() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.store == nil {
		return nil
	}
	products := make([]*Product, 0, len(e.products))
	for _, p := range e.products {
		products = append(products, p)
	}
	positions := make([]*Position, 0, len(e.positions))
	for _, pos := range e.positions {
		positions = append(positions, pos)
	}
	return e.store.WriteAll(products, positions)
}

// Accounts exposes the collateral book for deposits and withdrawals.
func (e *Engine) Accounts() *AccountBook { return e.accounts }

// AddProduct registers a new instrument. Owner only; the product token is
// immutable afterwards.
func (e *Engine) AddProduct(sender string, p *Product) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sender != e.cfg.Owner {
		return ErrUnauthorized
	}
	if _, ok := e.products[p.ID]; ok {
		return ErrProductExists
	}
	if err := validateProduct(p); err != nil {
		return err
	}

	stored := *p
	stored.MaxLeverage = fixed.Clone(p.MaxLeverage)
	stored.Reserve = fixed.Clone(p.Reserve)
	stored.OpenInterestLong = new(big.Int)
	stored.OpenInterestShort = new(big.Int)

	e.products[p.ID] = &stored
	e.totalWeight += p.Weight
	if err := e.persistProduct(&stored); err != nil {
		e.totalWeight -= p.Weight
		delete(e.products, p.ID)
		return err
	}
	e.logger.Info("product added", "product", p.ID, "token", p.Token, "weight", p.Weight)
	return nil
}

// UpdateProduct replaces a product's mutable parameters. The token and the
// live open-interest counters are preserved.
func (e *Engine) UpdateProduct(sender string, p *Product) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sender != e.cfg.Owner {
		return ErrUnauthorized
	}
	cur, ok := e.products[p.ID]
	if !ok {
		return ErrProductNotFound
	}
	if err := validateProduct(p); err != nil {
		return err
	}

	e.totalWeight += p.Weight - cur.Weight
	cur.MaxLeverage = fixed.Clone(p.MaxLeverage)
	cur.Fee = p.Fee
	cur.Interest = p.Interest
	cur.LiquidationThreshold = p.LiquidationThreshold
	cur.LiquidationBounty = p.LiquidationBounty
	cur.MinPriceChange = p.MinPriceChange
	cur.Weight = p.Weight
	cur.Reserve = fixed.Clone(p.Reserve)
	cur.IsActive = p.IsActive
	return e.persistProduct(cur)
}

func validateProduct(p *Product) error {
	if p.ID == "" || p.Token == "" {
		return ErrInvalidProduct
	}
	if p.MaxLeverage == nil || p.MaxLeverage.Cmp(unitBig) < 0 {
		return ErrInvalidProduct
	}
	if p.LiquidationThreshold <= 0 || p.Weight <= 0 {
		return ErrInvalidProduct
	}
	if p.Reserve == nil || p.Reserve.Sign() <= 0 {
		return ErrInvalidProduct
	}
	return nil
}

// SetRiskParams updates the exposure and utilization multipliers.
func (e *Engine) SetRiskParams(sender string, exposureMultiplier, utilizationMultiplier int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sender != e.cfg.Owner {
		return ErrUnauthorized
	}
	if exposureMultiplier <= 0 || utilizationMultiplier <= 0 {
		return ErrInvalidRatio
	}
	e.cfg.ExposureMultiplier = exposureMultiplier
	e.cfg.UtilizationMultiplier = utilizationMultiplier
	return nil
}

// SetRewardRatios updates the fee split. The two shares must not exceed
// 100%; the residual always backs the vault.
func (e *Engine) SetRewardRatios(sender string, protocolBps, tokenBps int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sender != e.cfg.Owner {
		return ErrUnauthorized
	}
	if protocolBps < 0 || tokenBps < 0 || protocolBps+tokenBps > fixed.Bps {
		return ErrInvalidRatio
	}
	e.cfg.ProtocolRewardBps = protocolBps
	e.cfg.TokenRewardBps = tokenBps
	return nil
}

// SetLiquidator adds or removes an allow-listed liquidator.
func (e *Engine) SetLiquidator(sender, liquidator string, allowed bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sender != e.cfg.Owner {
		return ErrUnauthorized
	}
	if allowed {
		e.liquidators[liquidator] = true
	} else {
		delete(e.liquidators, liquidator)
	}
	return nil
}

// SetAllowPublicLiquidation toggles open liquidation.
func (e *Engine) SetAllowPublicLiquidation(sender string, allow bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sender != e.cfg.Owner {
		return ErrUnauthorized
	}
	e.cfg.AllowPublicLiquidation = allow
	return nil
}

// SetPositionLimits updates the margin bounds and the profit gate window.
// Nil margins leave the current bound in place.
func (e *Engine) SetPositionLimits(sender string, minMargin, maxPositionMargin *big.Int, minProfitTime time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sender != e.cfg.Owner {
		return ErrUnauthorized
	}
	if minProfitTime < 0 {
		return ErrInvalidRatio
	}
	if minMargin != nil {
		if minMargin.Sign() <= 0 {
			return ErrInvalidMargin
		}
		e.cfg.MinMargin = fixed.Clone(minMargin)
	}
	if maxPositionMargin != nil {
		if maxPositionMargin.Sign() <= 0 {
			return ErrInvalidMargin
		}
		e.cfg.MaxPositionMargin = fixed.Clone(maxPositionMargin)
	}
	e.cfg.MinProfitTime = minProfitTime
	return nil
}

// SetPaused halts new position opens. Closes and liquidations keep
// running so traders can always exit.
func (e *Engine) SetPaused(sender string, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sender != e.cfg.Owner {
		return ErrUnauthorized
	}
	e.paused = paused
	e.logger.Warn("trading pause toggled", "paused", paused)
	return nil
}

// SetDistributor changes who may drain the reward pools.
func (e *Engine) SetDistributor(sender, distributor string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sender != e.cfg.Owner {
		return ErrUnauthorized
	}
	e.cfg.Distributor = distributor
	return nil
}

// ApproveManager lets manager act on owner's positions; owner calls this
// on their own account.
func (e *Engine) ApproveManager(owner, manager string, approved bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.managers[owner]
	if m == nil {
		m = make(map[string]bool)
		e.managers[owner] = m
	}
	if approved {
		m[manager] = true
	} else {
		delete(m, manager)
	}
}

// actsFor reports whether sender may operate owner's positions.
func (e *Engine) actsFor(sender, owner string) bool {
	if sender == owner {
		return true
	}
	return e.managers[owner][sender]
}

// Product returns a copy of the product, including live open interest.
func (e *Engine) Product(id string) (*Product, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	out := *p
	out.MaxLeverage = fixed.Clone(p.MaxLeverage)
	out.Reserve = fixed.Clone(p.Reserve)
	out.OpenInterestLong = fixed.Clone(p.OpenInterestLong)
	out.OpenInterestShort = fixed.Clone(p.OpenInterestShort)
	return &out, nil
}

// Products returns copies of all products.
func (e *Engine) Products() []*Product {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Product, 0, len(e.products))
	for id := range e.products {
		p := e.products[id]
		cp := *p
		cp.MaxLeverage = fixed.Clone(p.MaxLeverage)
		cp.Reserve = fixed.Clone(p.Reserve)
		cp.OpenInterestLong = fixed.Clone(p.OpenInterestLong)
		cp.OpenInterestShort = fixed.Clone(p.OpenInterestShort)
		out = append(out, &cp)
	}
	return out
}

// Position returns a copy of the position with the given id.
func (e *Engine) Position(id string) (*Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pos, ok := e.positions[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return clonePosition(pos), nil
}

// PositionsOf returns copies of all of owner's positions.
func (e *Engine) PositionsOf(owner string) []*Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Position
	for _, pos := range e.positions {
		if pos.Owner == owner {
			out = append(out, clonePosition(pos))
		}
	}
	return out
}

// TotalOpenInterest returns the pool-wide notional across all products.
func (e *Engine) TotalOpenInterest() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fixed.Clone(e.totalOpenInterest)
}

func clonePosition(p *Position) *Position {
	out := *p
	out.Margin = fixed.Clone(p.Margin)
	out.Leverage = fixed.Clone(p.Leverage)
	out.Price = fixed.Clone(p.Price)
	out.OraclePrice = fixed.Clone(p.OraclePrice)
	return &out
}

func (e *Engine) persistProduct(p *Product) error {
	if e.store == nil {
		return nil
	}
	return e.store.PutProduct(p)
}

func (e *Engine) persistPosition(p *Position) error {
	if e.store == nil {
		return nil
	}
	return e.store.PutPosition(p)
}

func (e *Engine) deletePosition(p *Position) {
	delete(e.positions, p.ID)
	if e.store != nil {
		if err := e.store.DeletePosition(p.ID); err != nil {
			e.logger.Warn("position delete not persisted", "position", p.ID, "error", err)
		}
	}
}
