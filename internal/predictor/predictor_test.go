package predictor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/hypermirror/internal/database"
	"github.com/web3guy0/hypermirror/internal/marketdata"
)

func testStore(t *testing.T) *database.Store {
	t.Helper()
	s, err := database.New("file:" + uuid.NewString() + "?mode=memory&cache=shared&_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fixedScorer returns a canned score per symbol.
type fixedScorer struct {
	scores map[string]float64
	dirs   map[string]int
}

func (f *fixedScorer) Score(symbol string, state MarketState) (float64, int, []string) {
	return f.scores[symbol], f.dirs[symbol], []string{"fixed"}
}

func (f *fixedScorer) Version() string { return "fixed-test" }

func seedCandles(t *testing.T, db *database.Store, symbol string, n int, start, step float64) {
	t.Helper()
	base := time.Now().UTC().Truncate(time.Hour).Add(-time.Duration(n) * time.Hour)
	rows := make([]database.HourlyCandle, n)
	for i := range rows {
		px := start + float64(i)*step
		rows[i] = database.HourlyCandle{
			Symbol:    symbol,
			Timeframe: marketdata.Timeframe,
			OpenTime:  base.Add(time.Duration(i) * time.Hour),
			Open:      px, High: px * 1.01, Low: px * 0.99, Close: px,
			Volume: 100,
		}
	}
	require.NoError(t, db.UpsertCandles(context.Background(), rows))
}

func TestMomentumScorerInsufficientHistory(t *testing.T) {
	s := NewMomentumScorer("momentum-v1")
	score, dir, reasons := s.Score("BTC", MarketState{Bars: 5})
	assert.Zero(t, score)
	assert.Equal(t, DirectionNone, dir)
	assert.Equal(t, []string{"insufficient_history"}, reasons)
}

func TestMomentumScorerDirections(t *testing.T) {
	s := NewMomentumScorer("momentum-v1")

	bull := MarketState{
		Bars: 25, Price: 100,
		Change1h: 2, Change4h: 3, Change24h: 5,
		RSI14: 28, VolumeRatio: 2.5, Funding: -0.001,
	}
	score, dir, reasons := s.Score("ETH", bull)
	assert.Equal(t, DirectionLong, dir)
	assert.Greater(t, score, 50.0)
	assert.Contains(t, reasons, "momentum_up")
	assert.Contains(t, reasons, "rsi_oversold")
	assert.Contains(t, reasons, "funding_crowded_short")

	bear := MarketState{
		Bars: 25, Price: 100,
		Change1h: -2, Change4h: -3, Change24h: -5,
		RSI14: 75, VolumeRatio: 2.5, Funding: 0.001,
	}
	score, dir, reasons = s.Score("ETH", bear)
	assert.Equal(t, DirectionShort, dir)
	assert.Greater(t, score, 50.0)
	assert.Contains(t, reasons, "momentum_down")

	flat := MarketState{Bars: 25, Price: 100, RSI14: 50}
	score, dir, _ = s.Score("ETH", flat)
	assert.Equal(t, DirectionNone, dir, "weak signal takes no direction")
	assert.Less(t, score, directionThreshold)
}

func TestMomentumScorerIsPure(t *testing.T) {
	s := NewMomentumScorer("momentum-v1")
	state := MarketState{Bars: 25, Price: 100, Change1h: 1.2, RSI14: 35, Funding: -0.0006}

	s1, d1, r1 := s.Score("SOL", state)
	s2, d2, r2 := s.Score("SOL", state)
	assert.Equal(t, s1, s2)
	assert.Equal(t, d1, d2)
	assert.Equal(t, r1, r2)
}

func TestBuildMarketState(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()

	seedCandles(t, db, "ETH", 25, 3000, 10)
	seedCandles(t, db, "BTC", 25, 60000, 100)
	require.NoError(t, db.UpsertIndicators(ctx, &database.IndicatorBundle{
		Symbol: "ETH", Timestamp: time.Now().UTC(),
		RSI14: 64, MACDHist: 2.5,
		BBUpper: 3300, BBMiddle: 3200, BBLower: 3100,
		ATR14: 30, VolumeSMA20: 100,
	}))
	require.NoError(t, db.UpsertFunding(ctx, "ETH", 0.0004, time.Now()))

	state := buildMarketState(ctx, db, "ETH", 3250)
	assert.Equal(t, 25, state.Bars)
	assert.Equal(t, 64.0, state.RSI14)
	assert.Equal(t, 0.0004, state.Funding)
	assert.InDelta(t, 0.5, state.BBPosition, 1e-9, "3250 is halfway to the upper band")
	assert.InDelta(t, 30.0/3250, state.ATRPct, 1e-9)
	assert.Equal(t, 1.0, state.VolumeRatio)
	assert.Greater(t, state.Change1h, 0.0)
	assert.Greater(t, state.BTCChange24h, 0.0, "BTC context filled from its own series")
}

func TestBuildMarketStateWithEmptyStore(t *testing.T) {
	db := testStore(t)
	state := buildMarketState(context.Background(), db, "XRP", 2.5)
	assert.Zero(t, state.Bars)
	assert.Zero(t, state.RSI14)
	assert.Equal(t, 2.5, state.Price)
}

func TestRecorderCompleteness(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()
	scorer := &fixedScorer{
		scores: map[string]float64{"BTC": 92, "ETH": 40},
		dirs:   map[string]int{"BTC": DirectionLong, "ETH": DirectionNone},
	}
	rec := NewRecorder(db, scorer, 4*time.Hour)

	mids := map[string]decimal.Decimal{
		"BTC": decimal.NewFromInt(60000),
		"ETH": decimal.NewFromInt(3000),
	}
	rec.LogPredictions(ctx, "scan-1", []string{"BTC", "ETH", "NOMID"}, mids)

	// One record per symbol with a mid; no invented record for NOMID.
	rows, err := db.PredictionsByScan(ctx, "scan-1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	current := rec.Current()
	assert.Len(t, current, 2)

	// BTC traded, ETH untouched.
	rec.LogCopyAction(ctx, "BTC", database.ActionOpen, "long", decimal.NewFromFloat(0.01))
	rec.FinalizeScanPredictions(ctx, map[string]bool{"BTC": true})

	rows, err = db.PredictionsByScan(ctx, "scan-1")
	require.NoError(t, err)
	bysym := map[string]database.Prediction{}
	for _, p := range rows {
		bysym[p.Symbol] = p
	}
	assert.Equal(t, database.ActionOpen, bysym["BTC"].CopyAction)
	assert.Equal(t, 1, bysym["BTC"].ActualLabel)
	assert.Equal(t, database.ActionNone, bysym["ETH"].CopyAction)
	assert.Equal(t, 0, bysym["ETH"].ActualLabel)
}

func TestRecorderClearsBetweenScans(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()
	rec := NewRecorder(db, &fixedScorer{scores: map[string]float64{"BTC": 50, "ETH": 50}}, 4*time.Hour)

	mids := map[string]decimal.Decimal{"BTC": decimal.NewFromInt(60000), "ETH": decimal.NewFromInt(3000)}
	rec.LogPredictions(ctx, "scan-1", []string{"BTC"}, mids)
	require.Len(t, rec.Current(), 1)

	rec.LogPredictions(ctx, "scan-2", []string{"ETH"}, mids)
	current := rec.Current()
	require.Len(t, current, 1)
	assert.Equal(t, "ETH", current[0].Symbol, "previous scan's map is gone")
}

func TestValidatePastPredictions(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()
	rec := NewRecorder(db, &fixedScorer{}, 4*time.Hour)

	seedCandles(t, db, "BTC", 3, 66000, 0) // latest close 66000

	// High-confidence long that made money on paper.
	winner := &database.Prediction{
		ID: uuid.NewString(), ScanID: "s", Symbol: "BTC",
		Timestamp:  time.Now().Add(-5 * time.Hour),
		Score:      90, Confidence: 0.9, Direction: DirectionLong,
		EntryPrice: decimal.NewFromInt(60000), ModelVersion: "fixed-test",
	}
	// Low-confidence record with no action where acting would have lost.
	skipper := &database.Prediction{
		ID: uuid.NewString(), ScanID: "s", Symbol: "BTC",
		Timestamp:  time.Now().Add(-5 * time.Hour),
		Score:      30, Confidence: 0.3, Direction: DirectionNone,
		EntryPrice: decimal.NewFromInt(60000), ModelVersion: "fixed-test",
	}
	// High-confidence short that lost.
	loser := &database.Prediction{
		ID: uuid.NewString(), ScanID: "s", Symbol: "BTC",
		Timestamp:  time.Now().Add(-5 * time.Hour),
		Score:      85, Confidence: 0.85, Direction: DirectionShort,
		EntryPrice: decimal.NewFromInt(60000), ModelVersion: "fixed-test",
	}
	for _, p := range []*database.Prediction{winner, skipper, loser} {
		require.NoError(t, db.SavePrediction(ctx, p))
	}

	n := rec.ValidatePastPredictions(ctx)
	assert.Equal(t, 3, n)

	rows, err := db.PredictionsByScan(ctx, "s")
	require.NoError(t, err)
	byID := map[string]database.Prediction{}
	for _, p := range rows {
		byID[p.ID] = p
	}

	w := byID[winner.ID]
	require.NotNil(t, w.Correct)
	assert.True(t, *w.Correct)
	assert.True(t, w.PaperPnl.Equal(decimal.NewFromInt(6000)))
	require.NotNil(t, w.ValidatedAt)

	s := byID[skipper.ID]
	require.NotNil(t, s.Correct)
	assert.True(t, *s.Correct, "no direction means zero paper pnl, staying out was right")
	assert.True(t, s.PaperPnl.IsZero())

	l := byID[loser.ID]
	require.NotNil(t, l.Correct)
	assert.False(t, *l.Correct)
	assert.True(t, l.PaperPnl.Equal(decimal.NewFromInt(-6000)))

	// Second pass finds nothing left.
	assert.Zero(t, rec.ValidatePastPredictions(ctx))
}

func TestPredictionCorrectPredicate(t *testing.T) {
	tests := []struct {
		name   string
		score  float64
		label  int
		pnlPct float64
		want   bool
	}{
		{"high confidence, direction won", 90, 1, 3.2, true},
		{"high confidence, direction lost", 90, 1, -1.5, false},
		{"high confidence, flat", 75, 0, 0, false},
		{"low confidence, no action, would have lost", 40, 0, -2.0, true},
		{"low confidence, no action, would have won", 40, 0, 2.0, false},
		{"low confidence but acted", 40, 1, -2.0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, predictionCorrect(tt.score, tt.label, tt.pnlPct))
		})
	}
}
