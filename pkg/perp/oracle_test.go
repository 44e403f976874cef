package perp

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPushOracleKeeperAuth(t *testing.T) {
	o := NewPushOracle("keeper")

	require.ErrorIs(t, o.SetPrice("rando", "BTC", e8(1000)), ErrUnauthorized)
	require.NoError(t, o.SetPrice("keeper", "BTC", e8(1000)))

	price, err := o.GetPrice("BTC")
	require.NoError(t, err)
	require.Zero(t, price.Cmp(e8(1000)))

	_, err = o.GetPrice("ETH")
	require.ErrorIs(t, err, ErrProductNotFound)
}

func TestPushOracleRejectsBadPrice(t *testing.T) {
	o := NewPushOracle("keeper")
	require.ErrorIs(t, o.SetPrice("keeper", "BTC", nil), ErrArithmetic)
	require.ErrorIs(t, o.SetPrice("keeper", "BTC", big.NewInt(0)), ErrArithmetic)
	require.ErrorIs(t, o.SetPrice("keeper", "BTC", big.NewInt(-1)), ErrArithmetic)
}

func TestPushOracleLatestWins(t *testing.T) {
	o := NewPushOracle("keeper")
	require.NoError(t, o.SetPrice("keeper", "BTC", e8(1000)))
	require.NoError(t, o.SetPrice("keeper", "BTC", e8(1010)))

	price, err := o.GetPrice("BTC")
	require.NoError(t, err)
	require.Zero(t, price.Cmp(e8(1010)))
}

func TestPushOracleTwap(t *testing.T) {
	o := NewPushOracle("keeper")
	t0 := time.Unix(1_700_000_000, 0)
	now := t0
	o.now = func() time.Time { return now }

	require.NoError(t, o.SetPrice("keeper", "BTC", e8(1000)))
	now = t0.Add(600 * time.Second)
	require.NoError(t, o.SetPrice("keeper", "BTC", e8(1100)))
	now = t0.Add(1200 * time.Second)

	// Window covers the last 1000s: 400s at 1000, then 600s at 1100.
	twap, err := o.GetTwapPrice("BTC", 1000*time.Second)
	require.NoError(t, err)
	require.Zero(t, twap.Cmp(e8(1060)))

	// When no round predates the window, the latest price stands in.
	twap, err = o.GetTwapPrice("BTC", 5000*time.Second)
	require.NoError(t, err)
	require.Zero(t, twap.Cmp(e8(1100)))

	_, err = o.GetTwapPrice("ETH", time.Minute)
	require.ErrorIs(t, err, ErrProductNotFound)
}

func TestPushOracleTrimsHistory(t *testing.T) {
	o := NewPushOracle("keeper")
	for i := 0; i <= o.maxHistory; i++ {
		require.NoError(t, o.SetPrice("keeper", "BTC", big.NewInt(int64(i+1))))
	}
	require.Len(t, o.rounds["BTC"], o.maxHistory/2)

	price, err := o.GetPrice("BTC")
	require.NoError(t, err)
	require.Zero(t, price.Cmp(big.NewInt(int64(o.maxHistory+1))))
}
