package venue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, info *stubInfo, exchange Exchange, dryRun bool) *Gateway {
	t.Helper()
	if info.metas == nil {
		info.metas = []AssetMeta{
			{Symbol: "BTC", AssetIndex: 0, SizeDecimals: 3, MaxLeverage: 50},
			{Symbol: "SOL", AssetIndex: 2, SizeDecimals: 1, MaxLeverage: 20},
		}
	}
	meta := NewMetadataCache()
	require.NoError(t, meta.Populate(context.Background(), info))
	return NewGateway(info, exchange, meta, "0xoperator", dryRun)
}

func richState(withdrawable string, positions ...Position) *AccountState {
	return &AccountState{
		Portfolio: Portfolio{Equity: dec("100000"), Withdrawable: dec(withdrawable)},
		Positions: positions,
	}
}

func TestSlippagePrice(t *testing.T) {
	g := newTestGateway(t, &stubInfo{state: richState("100000")}, &stubExchange{}, false)

	// Buys round up, sells round down, at the magnitude's precision.
	assert.Equal(t, "61200", g.slippagePrice(dec("60000"), true).String())
	assert.Equal(t, "58800", g.slippagePrice(dec("60000"), false).String())
	assert.Equal(t, "102", g.slippagePrice(dec("100"), true).String())
	assert.Equal(t, "98", g.slippagePrice(dec("100"), false).String())
	assert.Equal(t, "0.0459", g.slippagePrice(dec("0.045"), true).String())
}

func TestPriceDecimals(t *testing.T) {
	cases := []struct {
		mid  string
		want int32
	}{
		{"60000", 0},
		{"1500", 1},
		{"250", 2},
		{"42", 3},
		{"3.5", 4},
		{"0.45", 5},
		{"0.045", 6},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, priceDecimals(dec(tc.mid)), "mid %s", tc.mid)
	}
}

func TestExecuteTruncatesSizeToMetadata(t *testing.T) {
	ex := &stubExchange{}
	g := newTestGateway(t, &stubInfo{state: richState("100000")}, ex, false)

	res, err := g.Execute(context.Background(), OrderIntent{
		Symbol: "BTC",
		Side:   SideLong,
		Size:   dec("1.23456"),
		Mid:    dec("60000"),
	})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	require.Len(t, ex.orders, 1)
	assert.Equal(t, "1.234", ex.orders[0].Size.String())
	assert.True(t, ex.orders[0].Buy)
	assert.False(t, ex.orders[0].ReduceOnly)
	assert.NotEmpty(t, ex.orders[0].Cloid)
}

func TestExecuteSkipsWhenAlreadyOpen(t *testing.T) {
	ex := &stubExchange{}
	state := richState("100000", Position{Symbol: "BTC", SignedSize: dec("1")})
	g := newTestGateway(t, &stubInfo{state: state}, ex, false)

	res, err := g.Execute(context.Background(), OrderIntent{
		Symbol: "BTC",
		Side:   SideLong,
		Size:   dec("1"),
		Mid:    dec("60000"),
	})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, ex.orders)
}

func TestExecuteAddToExistingSkipsNoOpCheck(t *testing.T) {
	ex := &stubExchange{}
	state := richState("100000", Position{Symbol: "BTC", SignedSize: dec("1")})
	g := newTestGateway(t, &stubInfo{state: state}, ex, false)

	res, err := g.Execute(context.Background(), OrderIntent{
		Symbol:        "BTC",
		Side:          SideLong,
		Size:          dec("0.5"),
		Mid:           dec("60000"),
		AddToExisting: true,
	})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	require.Len(t, ex.orders, 1)
}

func TestExecuteCapsToAffordableNotional(t *testing.T) {
	ex := &stubExchange{}
	// $100 withdrawable at 1x caps notional at $95; a $2000 request shrinks.
	g := newTestGateway(t, &stubInfo{state: richState("100")}, ex, false)

	res, err := g.Execute(context.Background(), OrderIntent{
		Symbol: "SOL",
		Side:   SideLong,
		Size:   dec("20"),
		Mid:    dec("100"),
	})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	require.Len(t, ex.orders, 1)
	assert.Equal(t, "0.9", ex.orders[0].Size.String())
}

func TestExecuteValidatesIntent(t *testing.T) {
	g := newTestGateway(t, &stubInfo{state: richState("100000")}, &stubExchange{}, false)
	ctx := context.Background()

	_, err := g.Execute(ctx, OrderIntent{Symbol: "DOGE", Side: SideLong, Size: dec("1"), Mid: dec("1")})
	assert.ErrorIs(t, err, ErrNoMetadata)

	_, err = g.Execute(ctx, OrderIntent{Symbol: "BTC", Side: SideLong, Size: dec("1")})
	assert.Error(t, err, "missing mid")

	_, err = g.Execute(ctx, OrderIntent{Symbol: "BTC", Side: SideNone, Size: dec("1"), Mid: dec("1")})
	assert.Error(t, err, "side must be directional")
}

func TestCloseFractionSellsReduceOnly(t *testing.T) {
	ex := &stubExchange{}
	state := richState("100000", Position{Symbol: "SOL", SignedSize: dec("10")})
	g := newTestGateway(t, &stubInfo{state: state}, ex, false)

	res, err := g.Close(context.Background(), "SOL", dec("0.25"), dec("100"))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	require.Len(t, ex.orders, 1)
	assert.Equal(t, "2.5", ex.orders[0].Size.String())
	assert.False(t, ex.orders[0].Buy, "closing a long sells")
	assert.True(t, ex.orders[0].ReduceOnly)
}

func TestCloseShortBuysBack(t *testing.T) {
	ex := &stubExchange{}
	state := richState("100000", Position{Symbol: "SOL", SignedSize: dec("-10")})
	g := newTestGateway(t, &stubInfo{state: state}, ex, false)

	_, err := g.Close(context.Background(), "SOL", dec("1"), dec("100"))
	require.NoError(t, err)
	require.Len(t, ex.orders, 1)
	assert.True(t, ex.orders[0].Buy)
	assert.Equal(t, "10", ex.orders[0].Size.String())
}

func TestCloseAlreadyFlat(t *testing.T) {
	ex := &stubExchange{}
	g := newTestGateway(t, &stubInfo{state: richState("100000")}, ex, false)

	res, err := g.Close(context.Background(), "SOL", dec("1"), dec("100"))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, ex.orders)
}

func TestDryRunNeverTouchesExchange(t *testing.T) {
	g := newTestGateway(t, &stubInfo{state: richState("100000")}, nil, true)

	res, err := g.Execute(context.Background(), OrderIntent{
		Symbol: "BTC",
		Side:   SideShort,
		Size:   dec("0.5"),
		Mid:    dec("60000"),
	})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, "0.5", res.FilledSize.String())
}

func TestExecuteSetsLeverageFirst(t *testing.T) {
	ex := &stubExchange{}
	g := newTestGateway(t, &stubInfo{state: richState("100000")}, ex, false)

	_, err := g.Execute(context.Background(), OrderIntent{
		Symbol:   "BTC",
		Side:     SideLong,
		Size:     dec("0.1"),
		Mid:      dec("60000"),
		Leverage: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10}, ex.leverageCalls)
	require.Len(t, ex.orders, 1)
}

func TestMetadataCacheLaziness(t *testing.T) {
	cache := NewMetadataCache()
	assert.True(t, cache.Empty())

	_, ok := cache.Get("BTC")
	assert.False(t, ok, "a miss means skip, never invent values")

	info := &stubInfo{metas: []AssetMeta{{Symbol: "BTC", AssetIndex: 0}}}
	require.NoError(t, cache.Populate(context.Background(), info))
	assert.False(t, cache.Empty())
	assert.Equal(t, 1, cache.Len())

	meta, ok := cache.Get("BTC")
	assert.True(t, ok)
	assert.Equal(t, 0, meta.AssetIndex)
}
