package perp

import (
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	s := NewStore(memdb.New())

	product := &Product{
		ID: "btc-perp", Token: "BTC",
		MaxLeverage:          e8(50),
		Fee:                  10,
		LiquidationThreshold: 5000,
		Weight:               100,
		Reserve:              hugeReserve,
		IsActive:             true,
		OpenInterestLong:     new(big.Int),
		OpenInterestShort:    new(big.Int),
	}
	require.NoError(t, s.PutProduct(product))

	position := &Position{
		ID:          PositionKey("alice", "btc-perp", true),
		Owner:       "alice",
		ProductID:   "btc-perp",
		IsLong:      true,
		Margin:      e8(1),
		Leverage:    e8(10),
		Price:       e8(1000),
		OraclePrice: e8(1000),
		Timestamp:   1_700_000_000,
	}
	require.NoError(t, s.PutPosition(position))

	got, err := s.GetPosition(position.ID)
	require.NoError(t, err)
	require.Equal(t, position, got)

	products, positions, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Len(t, positions, 1)
	require.Equal(t, "btc-perp", products[0].ID)
	require.Zero(t, products[0].Reserve.Cmp(hugeReserve))

	require.NoError(t, s.DeletePosition(position.ID))
	_, err = s.GetPosition(position.ID)
	require.ErrorIs(t, err, ErrPositionNotFound)
}

func TestStoreGetMissingPosition(t *testing.T) {
	s := NewStore(memdb.New())
	_, err := s.GetPosition("missing")
	require.ErrorIs(t, err, ErrPositionNotFound)
}

func TestCheckpointWritesFullState(t *testing.T) {
	db := memdb.New()

	env := newTestEnv(t)
	e := env.engine

	// The product predates the store, so only the checkpoint can persist
	// it.
	id, err := e.OpenPosition("alice", "alice", "btc-perp", e8(1), true, e8(10))
	require.NoError(t, err)
	require.NoError(t, e.WithStore(NewStore(db)))
	require.NoError(t, e.Checkpoint())

	products, positions, err := NewStore(db).LoadAll()
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Len(t, positions, 1)
	require.Equal(t, id, positions[0].ID)
}

func TestEngineRestoresFromStore(t *testing.T) {
	db := memdb.New()

	env := newTestEnv(t)
	e := env.engine
	require.NoError(t, e.WithStore(NewStore(db)))

	require.NoError(t, e.AddProduct("owner", &Product{
		ID: "eth-perp", Token: "ETH", MaxLeverage: e8(20),
		LiquidationThreshold: 5000, Weight: 50, Reserve: hugeReserve,
		IsActive: true,
	}))
	env.oracle.set("ETH", e8(2000))

	id, err := e.OpenPosition("alice", "alice", "eth-perp", e8(2), true, e8(5))
	require.NoError(t, err)

	// A fresh engine over the same database comes back with the products,
	// the positions, and open interest rebuilt from them.
	level, _ := log.ToLevel("error")
	restored := NewEngine(DefaultConfig("owner"), env.oracle, StaticFeeCalculator{}, env.vault,
		log.NewTestLogger(level))
	restored.now = func() time.Time { return env.now }
	require.NoError(t, restored.WithStore(NewStore(db)))

	pos, err := restored.Position(id)
	require.NoError(t, err)
	require.Zero(t, pos.Margin.Cmp(e8(2)))
	require.Zero(t, pos.Notional().Cmp(e8(10)))

	product, err := restored.Product("eth-perp")
	require.NoError(t, err)
	require.Zero(t, product.OpenInterestLong.Cmp(e8(10)))
	require.Zero(t, restored.TotalOpenInterest().Cmp(e8(10)))

	// The restored engine keeps trading where the first one stopped.
	closure, err := restored.ClosePosition("alice", id, e8(2))
	require.NoError(t, err)
	require.True(t, closure.FullClose)
	require.Zero(t, restored.TotalOpenInterest().Sign())
}
