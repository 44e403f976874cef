package perp

import (
	"math/big"
	"sync"

	"github.com/luxfi/perp/pkg/fixed"
)

// Vault is the shared liquidity pool backing all positions' PnL. The engine
// only ever moves settlement amounts through Credit and Debit; share
// accounting is the vault's own concern.
type Vault interface {
	Balance() *big.Int
	Credit(amount *big.Int)
	Debit(amount *big.Int) error
}

// LiquidityVault is a pooled vault with proportional share accounting.
// Depositors mint shares at the current share price and redeem them against
// the pool balance, so trading losses credited to the vault accrue to all
// shareholders and payouts dilute them.
type LiquidityVault struct {
	balance     *big.Int
	totalShares *big.Int
	shares      map[string]*big.Int
	mu          sync.RWMutex
}

// NewLiquidityVault creates an empty vault.
func NewLiquidityVault() *LiquidityVault {
	return &LiquidityVault{
		balance:     new(big.Int),
		totalShares: new(big.Int),
		shares:      make(map[string]*big.Int),
	}
}

// Balance returns the pooled balance.
func (v *LiquidityVault) Balance() *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return fixed.Clone(v.balance)
}

// Credit adds a settlement amount to the pool.
func (v *LiquidityVault) Credit(amount *big.Int) {
	if amount.Sign() <= 0 {
		return
	}
	v.mu.Lock()
	v.balance.Add(v.balance, amount)
	v.mu.Unlock()
}

// Debit removes a settlement amount, failing closed when the pool cannot
// cover it.
func (v *LiquidityVault) Debit(amount *big.Int) error {
	if amount.Sign() <= 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.balance.Cmp(amount) < 0 {
		return ErrVaultInsufficient
	}
	v.balance.Sub(v.balance, amount)
	return nil
}

// Deposit mints shares for user against amount. The first deposit mints
// 1:1; later deposits mint amount*totalShares/balance.
func (v *LiquidityVault) Deposit(user string, amount *big.Int) (*big.Int, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidMargin
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	minted := fixed.Clone(amount)
	if v.totalShares.Sign() > 0 && v.balance.Sign() > 0 {
		minted = fixed.MulDiv(amount, v.totalShares, v.balance)
	}
	if minted.Sign() == 0 {
		return nil, ErrInvalidMargin
	}

	v.balance.Add(v.balance, amount)
	v.totalShares.Add(v.totalShares, minted)
	cur := v.shares[user]
	if cur == nil {
		cur = new(big.Int)
		v.shares[user] = cur
	}
	cur.Add(cur, minted)
	return fixed.Clone(minted), nil
}

// Redeem burns shares and pays out the proportional slice of the pool.
func (v *LiquidityVault) Redeem(user string, shares *big.Int) (*big.Int, error) {
	if shares.Sign() <= 0 {
		return nil, ErrInvalidMargin
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	held := v.shares[user]
	if held == nil || held.Cmp(shares) < 0 {
		return nil, ErrInsufficientBalance
	}
	if v.totalShares.Sign() == 0 {
		return nil, ErrInsufficientLiquidity
	}

	amount := fixed.MulDiv(v.balance, shares, v.totalShares)
	if v.balance.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	held.Sub(held, shares)
	v.totalShares.Sub(v.totalShares, shares)
	v.balance.Sub(v.balance, amount)
	return amount, nil
}

// SharesOf returns user's share balance.
func (v *LiquidityVault) SharesOf(user string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if s := v.shares[user]; s != nil {
		return fixed.Clone(s)
	}
	return new(big.Int)
}

// AccountBook tracks per-user collateral held outside positions. Margin and
// fees are debited from here on open; payouts and liquidator rewards are
// credited back.
type AccountBook struct {
	balances map[string]*big.Int
	mu       sync.RWMutex
}

// NewAccountBook creates an empty book.
func NewAccountBook() *AccountBook {
	return &AccountBook{balances: make(map[string]*big.Int)}
}

// BalanceOf returns user's free collateral.
func (b *AccountBook) BalanceOf(user string) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if bal := b.balances[user]; bal != nil {
		return fixed.Clone(bal)
	}
	return new(big.Int)
}

// Credit adds amount to user's balance.
func (b *AccountBook) Credit(user string, amount *big.Int) {
	if amount.Sign() <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.balances[user]
	if bal == nil {
		bal = new(big.Int)
		b.balances[user] = bal
	}
	bal.Add(bal, amount)
}

// Debit removes amount from user's balance, failing when it would go
// negative.
func (b *AccountBook) Debit(user string, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrInvalidMargin
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.balances[user]
	if bal == nil || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	return nil
}
