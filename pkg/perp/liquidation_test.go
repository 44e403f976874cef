package perp

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLiquidateRequiresAuthorization(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine

	_, err := e.LiquidatePositions("rando", []string{"x"})
	require.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, e.SetAllowPublicLiquidation("owner", true))
	total, err := e.LiquidatePositions("rando", []string{"x"})
	require.NoError(t, err)
	require.Zero(t, total.Sign())
}

func TestLiquidationRewardSplit(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	require.NoError(t, e.SetLiquidator("owner", "liq", true))

	// 1x long entered at 1000 with a 50% threshold liquidates at 500.
	id, err := e.OpenPosition("alice", "alice", "btc-perp", e8(1), true, e8(1))
	require.NoError(t, err)

	liqPrice, err := e.LiquidationPrice(id)
	require.NoError(t, err)
	require.Zero(t, liqPrice.Cmp(e8(500)))

	env.oracle.set("BTC", e8(500))
	vaultBefore := e.vault.Balance()

	total, err := e.LiquidatePositions("liq", []string{id})
	require.NoError(t, err)

	// loss 0.5, remainder 0.5, bounty 5% of the remainder.
	require.Zero(t, total.Cmp(big.NewInt(2_500_000)))
	require.Zero(t, e.Accounts().BalanceOf("liq").Cmp(big.NewInt(2_500_000)))

	// The rest of the remainder splits 20/30/50 across the pools.
	protocol, token, vault := e.PendingRewards()
	require.Zero(t, protocol.Cmp(big.NewInt(9_500_000)))
	require.Zero(t, token.Cmp(big.NewInt(14_250_000)))
	require.Zero(t, vault.Cmp(big.NewInt(23_750_000)))

	// The trader's loss accrues to the vault.
	vaultDelta := new(big.Int).Sub(e.vault.Balance(), vaultBefore)
	require.Zero(t, vaultDelta.Cmp(big.NewInt(5e7)))

	_, err = e.Position(id)
	require.ErrorIs(t, err, ErrPositionNotFound)
	require.Zero(t, e.TotalOpenInterest().Sign())
}

func TestLiquidationFullLossAbsorbedByVault(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	require.NoError(t, e.SetLiquidator("owner", "liq", true))

	// 2x long halved: the loss consumes the whole margin, so there is no
	// remainder to pay a bounty from.
	id, err := e.OpenPosition("alice", "alice", "btc-perp", e8(1), true, e8(2))
	require.NoError(t, err)

	env.oracle.set("BTC", e8(500))
	vaultBefore := e.vault.Balance()

	total, err := e.LiquidatePositions("liq", []string{id})
	require.NoError(t, err)
	require.Zero(t, total.Sign())

	protocol, token, vault := e.PendingRewards()
	require.Zero(t, protocol.Sign())
	require.Zero(t, token.Sign())
	require.Zero(t, vault.Sign())

	vaultDelta := new(big.Int).Sub(e.vault.Balance(), vaultBefore)
	require.Zero(t, vaultDelta.Cmp(e8(1)), "full margin goes to the vault")

	_, err = e.Position(id)
	require.ErrorIs(t, err, ErrPositionNotFound)
}

func TestLiquidationShortSide(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	require.NoError(t, e.SetLiquidator("owner", "liq", true))

	id, err := e.OpenPosition("alice", "alice", "btc-perp", e8(1), false, e8(1))
	require.NoError(t, err)
	pos, err := e.Position(id)
	require.NoError(t, err)

	// A short liquidates at 1.5x its entry with a 50% threshold.
	liqPrice, err := e.LiquidationPrice(id)
	require.NoError(t, err)
	want := new(big.Int).Mul(pos.Price, big.NewInt(3))
	want.Quo(want, big.NewInt(2))
	require.Zero(t, liqPrice.Cmp(want))

	// One tick short of the liquidation price: nothing happens.
	env.oracle.set("BTC", new(big.Int).Sub(liqPrice, big.NewInt(1)))
	total, err := e.LiquidatePositions("liq", []string{id})
	require.NoError(t, err)
	require.Zero(t, total.Sign())
	_, err = e.Position(id)
	require.NoError(t, err)

	// At the liquidation price the loss is exactly half the margin.
	env.oracle.set("BTC", liqPrice)
	total, err = e.LiquidatePositions("liq", []string{id})
	require.NoError(t, err)
	require.Zero(t, total.Cmp(big.NewInt(2_500_000)))
	_, err = e.Position(id)
	require.ErrorIs(t, err, ErrPositionNotFound)
}

func TestLiquidateBatchSkipsNonQualifying(t *testing.T) {
	env := newTestEnv(t)
	e := env.engine
	require.NoError(t, e.SetLiquidator("owner", "liq", true))

	// 5x long liquidates at 900; 1x long not until 500.
	underwater, err := e.OpenPosition("alice", "alice", "btc-perp", e8(1), true, e8(5))
	require.NoError(t, err)
	healthy, err := e.OpenPosition("bob", "bob", "btc-perp", e8(1), true, e8(1))
	require.NoError(t, err)

	env.oracle.set("BTC", e8(900))

	total, err := e.LiquidatePositions("liq", []string{"missing", healthy, underwater})
	require.NoError(t, err)

	// Only the underwater position pays: loss 0.5, remainder 0.5,
	// bounty 5%.
	require.Zero(t, total.Cmp(big.NewInt(2_500_000)))

	_, err = e.Position(underwater)
	require.ErrorIs(t, err, ErrPositionNotFound)
	_, err = e.Position(healthy)
	require.NoError(t, err, "a healthy position must survive the batch")
}

func TestLiquidationPriceUnknownPosition(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.LiquidationPrice("missing")
	require.ErrorIs(t, err, ErrPositionNotFound)
}
