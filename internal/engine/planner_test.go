package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/hypermirror/internal/config"
	"github.com/web3guy0/hypermirror/internal/database"
	"github.com/web3guy0/hypermirror/internal/venue"
)

func TestClassify(t *testing.T) {
	threshold := decimal.NewFromFloat(0.10)
	d := decimal.NewFromFloat

	cases := []struct {
		name        string
		target      venue.Side
		ours        venue.Side
		scaled      float64
		ourSize     float64
		unconfirmed bool
		want        Action
	}{
		{"both flat", venue.SideNone, venue.SideNone, 0, 0, false, ActionNone},
		{"target exits", venue.SideNone, venue.SideLong, 0, 2, false, ActionClose},
		{"target exits short", venue.SideNone, venue.SideShort, 0, 2, false, ActionClose},
		{"exit deferred to independent book", venue.SideNone, venue.SideLong, 0, 2, true, actionDefer},
		{"target enters", venue.SideLong, venue.SideNone, 1.3, 0, false, ActionOpen},
		{"target reverses", venue.SideShort, venue.SideLong, 1.3, 1, false, ActionFlip},
		{"aligned within threshold", venue.SideLong, venue.SideLong, 1.0, 1.05, false, ActionNone},
		{"drift exactly at threshold", venue.SideLong, venue.SideLong, 1.0, 1.10, false, ActionNone},
		{"drift just above threshold", venue.SideLong, venue.SideLong, 1.0, 1.11, false, ActionAdjust},
		{"undersized drift", venue.SideLong, venue.SideLong, 1.0, 0.85, false, ActionAdjust},
		{"zero scaled size same side", venue.SideLong, venue.SideLong, 0, 1, false, ActionNone},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.target, tc.ours, d(tc.scaled), d(tc.ourSize), threshold, tc.unconfirmed)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestOpenCopiesScaledTarget(t *testing.T) {
	h := newHarness(t)
	h.cfg.CopyMode = config.CopyModeScaled // equity ratio 0.1 x 1.3 multiplier
	h.setTarget(long("ETH", 10, 5))

	require.NoError(t, h.eng.runScan(context.Background()))

	require.Len(t, h.gw.executes, 1)
	intent := h.gw.executes[0]
	assert.Equal(t, "ETH", intent.Symbol)
	assert.Equal(t, venue.SideLong, intent.Side)
	assert.Equal(t, "1.3", intent.Size.String())
	assert.Equal(t, 5, intent.Leverage)
	assert.False(t, intent.AddToExisting)

	trades, err := h.db.RecentCopyTrades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, database.ActionOpen, trades[0].Action)
	assert.Equal(t, "1.3", trades[0].Size.String())
	assert.Equal(t, "3900", trades[0].NotionalUsd.String())
}

func TestCloseWhenTargetExits(t *testing.T) {
	h := newHarness(t)
	h.setOperator(long("ETH", 2, 5))

	require.NoError(t, h.eng.runScan(context.Background()))

	require.Len(t, h.gw.closes, 1)
	assert.Equal(t, "ETH", h.gw.closes[0].symbol)
	assert.Equal(t, "1", h.gw.closes[0].fraction.String())
	assert.Empty(t, h.gw.executes)
	assert.Equal(t, database.ActionClose, h.recorder.actions["ETH"])
}

func TestFlipClosesBeforeOpening(t *testing.T) {
	h := newHarness(t)
	h.setTarget(short("ETH", 1, 5))
	h.setOperator(long("ETH", 1, 5))

	require.NoError(t, h.eng.runScan(context.Background()))

	require.Equal(t, []string{"close:ETH", "execute:ETH"}, h.gw.sequence)
	intent := h.gw.executes[0]
	assert.Equal(t, venue.SideShort, intent.Side)
	assert.Equal(t, "1", intent.Size.String())
	assert.Equal(t, database.ActionFlip, h.recorder.actions["ETH"])
}

func TestAdjustIncreasesTowardTarget(t *testing.T) {
	h := newHarness(t)
	h.setTarget(long("ETH", 12, 5))
	h.setOperator(long("ETH", 10, 5))

	require.NoError(t, h.eng.runScan(context.Background()))

	require.Len(t, h.gw.executes, 1)
	intent := h.gw.executes[0]
	assert.Equal(t, "2", intent.Size.String())
	assert.True(t, intent.AddToExisting)
	assert.Equal(t, 0, intent.Leverage, "increase keeps the current leverage")
	assert.Empty(t, h.gw.closes)
	assert.Equal(t, database.ActionIncrease, h.recorder.actions["ETH"])
}

func TestAdjustDecreasesTowardTarget(t *testing.T) {
	h := newHarness(t)
	h.setTarget(long("ETH", 8, 5))
	h.setOperator(long("ETH", 10, 5))

	require.NoError(t, h.eng.runScan(context.Background()))

	require.Len(t, h.gw.closes, 1)
	assert.Equal(t, "0.2", h.gw.closes[0].fraction.String())
	assert.Empty(t, h.gw.executes)
	assert.Equal(t, database.ActionDecrease, h.recorder.actions["ETH"])
}

func TestAdjustBelowOrderFloorSkipped(t *testing.T) {
	h := newHarness(t)
	// 0.06 SOL drift at $100 is a $6 order, under the venue's $10 floor.
	h.setTarget(long("SOL", 0.5, 5))
	h.setOperator(long("SOL", 0.44, 5))

	require.NoError(t, h.eng.runScan(context.Background()))

	assert.Empty(t, h.gw.executes)
	assert.Empty(t, h.gw.closes, "a too-small drift never closes the position")
}

func TestOpenBelowMarginFloorSkipped(t *testing.T) {
	h := newHarness(t)
	// $40 notional at 10x is $4 margin, under the $5 floor.
	h.setTarget(long("SOL", 0.4, 10))

	require.NoError(t, h.eng.runScan(context.Background()))
	assert.Empty(t, h.gw.executes)
}

func TestOpenBelowNotionalFloorSkipped(t *testing.T) {
	h := newHarness(t)
	// $8 notional at 1x clears the margin floor but not the order floor.
	h.setTarget(long("SOL", 0.08, 1))

	require.NoError(t, h.eng.runScan(context.Background()))
	assert.Empty(t, h.gw.executes)
}

func TestOpenBlockedByAffordability(t *testing.T) {
	h := newHarness(t)
	h.setTarget(long("ETH", 1, 5)) // $600 margin, $720 with headroom
	h.vn.states["0xoperator"] = account(10000, 500)

	require.NoError(t, h.eng.runScan(context.Background()))
	assert.Empty(t, h.gw.executes)
}

func TestLeverageCappedByInstrument(t *testing.T) {
	h := newHarness(t)
	h.setTarget(long("SOL", 2, 40)) // SOL caps at 20x

	require.NoError(t, h.eng.runScan(context.Background()))

	require.Len(t, h.gw.executes, 1)
	assert.Equal(t, 20, h.gw.executes[0].Leverage)
}

func TestFailedOpenStartsCooldown(t *testing.T) {
	h := newHarness(t)
	h.setTarget(long("ETH", 1, 5))
	h.gw.execErr = errors.New("order rejected")

	require.NoError(t, h.eng.runScan(context.Background()))
	assert.Empty(t, h.gw.executes)
	assert.True(t, h.eng.cooldownActive("ETH"))

	// The venue recovers but the cooldown still suppresses the retry.
	h.gw.execErr = nil
	require.NoError(t, h.eng.runScan(context.Background()))
	assert.Empty(t, h.gw.executes)

	// Once it lapses, the open goes through.
	h.eng.failMu.Lock()
	h.eng.failedOrders["ETH"] = time.Now().Add(-6 * time.Minute)
	h.eng.failMu.Unlock()
	require.NoError(t, h.eng.runScan(context.Background()))
	require.Len(t, h.gw.executes, 1)
	assert.False(t, h.eng.cooldownActive("ETH"), "a fill clears the entry")
}

func TestFlipOpenLegFailureStartsCooldown(t *testing.T) {
	h := newHarness(t)
	h.setTarget(short("ETH", 1, 5))
	h.setOperator(long("ETH", 1, 5))
	h.gw.execErr = errors.New("order rejected")

	require.NoError(t, h.eng.runScan(context.Background()))

	require.Len(t, h.gw.closes, 1, "the close leg went out before the failure")
	assert.Empty(t, h.gw.executes)
	assert.True(t, h.eng.cooldownActive("ETH"), "a failed flip suppresses the re-open")
}

func TestFailedCloseNeverCoolsDown(t *testing.T) {
	h := newHarness(t)
	h.setOperator(long("ETH", 2, 5))
	h.gw.closeErr = errors.New("venue down")

	require.NoError(t, h.eng.runScan(context.Background()))
	assert.False(t, h.eng.cooldownActive("ETH"))

	h.gw.closeErr = nil
	require.NoError(t, h.eng.runScan(context.Background()))
	require.Len(t, h.gw.closes, 1, "the close retries on the very next scan")
}

func TestUnconfirmedIndependentOwnsItsExit(t *testing.T) {
	h := newHarness(t)
	h.trader.enabled = true
	h.trader.positions["SOL"] = false // exists, unconfirmed
	h.setOperator(long("SOL", 1, 5))

	require.NoError(t, h.eng.runScan(context.Background()))
	assert.Empty(t, h.gw.closes, "planner leaves the independent position alone")

	// Once confirmed, the copy planner owns the exit.
	h.trader.positions["SOL"] = true
	require.NoError(t, h.eng.runScan(context.Background()))
	require.Len(t, h.gw.closes, 1)
}

func TestConfirmHandoffBeforeAdjust(t *testing.T) {
	h := newHarness(t)
	h.trader.enabled = true
	h.trader.positions["ETH"] = false
	h.setTarget(long("ETH", 12, 5))
	h.setOperator(long("ETH", 10, 5))

	require.NoError(t, h.eng.runScan(context.Background()))

	assert.Contains(t, h.trader.confirmed, "ETH", "same-side target confirms the handoff")
	require.Len(t, h.gw.executes, 1, "the adjust still happens after confirmation")
}

func TestUnknownSymbolSkipped(t *testing.T) {
	h := newHarness(t)
	// No mid and no metadata for XRP.
	h.setTarget(long("XRP", 5, 5))

	require.NoError(t, h.eng.runScan(context.Background()))
	assert.Empty(t, h.gw.executes)
	assert.Empty(t, h.gw.closes)
}
