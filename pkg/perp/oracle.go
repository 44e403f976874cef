package perp

import (
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/perp/pkg/fixed"
)

// Oracle supplies the external mark price per product token. GetPrice must
// not fail for an active product.
type Oracle interface {
	GetPrice(token string) (*big.Int, error)
}

// priceRound is one pushed oracle observation.
type priceRound struct {
	price     *big.Int
	timestamp time.Time
}

// PushOracle is a keeper-fed oracle with per-token round history and a
// time-weighted average variant.
type PushOracle struct {
	keepers    map[string]bool
	rounds     map[string][]priceRound
	maxHistory int
	now        func() time.Time
	mu         sync.RWMutex
}

// NewPushOracle creates an oracle accepting pushes from the given keepers.
func NewPushOracle(keepers ...string) *PushOracle {
	o := &PushOracle{
		keepers:    make(map[string]bool),
		rounds:     make(map[string][]priceRound),
		maxHistory: 1000,
		now:        time.Now,
	}
	for _, k := range keepers {
		o.keepers[k] = true
	}
	return o
}

// SetPrice records a new round for token. Only registered keepers may push.
func (o *PushOracle) SetPrice(keeper, token string, price *big.Int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.keepers[keeper] {
		return ErrUnauthorized
	}
	if price == nil || price.Sign() <= 0 {
		return ErrArithmetic
	}

	rounds := append(o.rounds[token], priceRound{fixed.Clone(price), o.now()})
	if len(rounds) > o.maxHistory {
		rounds = rounds[len(rounds)-o.maxHistory/2:]
	}
	o.rounds[token] = rounds
	return nil
}

// GetPrice returns the latest pushed price for token.
func (o *PushOracle) GetPrice(token string) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	rounds := o.rounds[token]
	if len(rounds) == 0 {
		return nil, ErrProductNotFound
	}
	return fixed.Clone(rounds[len(rounds)-1].price), nil
}

// GetTwapPrice returns the time-weighted average price over the trailing
// interval. Each round is weighted by how long it was the live price within
// the window. When no round predates the window the latest price is
// returned unchanged.
func (o *PushOracle) GetTwapPrice(token string, interval time.Duration) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	rounds := o.rounds[token]
	if len(rounds) == 0 {
		return nil, ErrProductNotFound
	}

	now := o.now()
	start := now.Add(-interval)
	if !rounds[0].timestamp.Before(start) {
		return fixed.Clone(rounds[len(rounds)-1].price), nil
	}

	weighted := new(big.Int)
	var total int64
	for i, r := range rounds {
		from := r.timestamp
		if from.Before(start) {
			from = start
		}
		to := now
		if i+1 < len(rounds) {
			to = rounds[i+1].timestamp
		}
		if !to.After(from) {
			continue
		}
		secs := int64(to.Sub(from) / time.Second)
		if secs == 0 {
			secs = 1
		}
		weighted.Add(weighted, new(big.Int).Mul(r.price, big.NewInt(secs)))
		total += secs
	}
	if total == 0 {
		return fixed.Clone(rounds[len(rounds)-1].price), nil
	}
	return weighted.Quo(weighted, big.NewInt(total)), nil
}
