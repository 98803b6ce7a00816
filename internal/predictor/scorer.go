package predictor

import (
	"math"

	"github.com/web3guy0/hypermirror/internal/indicators"
)

// Directions a scorer may emit.
const (
	DirectionLong  = 1
	DirectionShort = -1
	DirectionNone  = 0
)

// Scorer turns a market state into a score in [0,100], a direction, and the
// ordered list of signal tags that fired. Implementations must be pure so a
// record can be explained after the fact.
type Scorer interface {
	Score(symbol string, state MarketState) (score float64, direction int, reasons []string)
	Version() string
}

// directionThreshold is the minimum raw signal magnitude before a momentum
// scorer commits to a direction.
const directionThreshold = 25.0

// MomentumScorer is the default model: hourly momentum confirmed by RSI,
// MACD, band position, volume, funding crowding, and BTC context.
type MomentumScorer struct {
	version string
}

// NewMomentumScorer creates the momentum model stamped with version.
func NewMomentumScorer(version string) *MomentumScorer {
	return &MomentumScorer{version: version}
}

// Version returns the model version stamped into every record.
func (m *MomentumScorer) Version() string {
	return m.version
}

// Score combines the component signals into a signed raw score, then maps
// its magnitude to [0,100]. Direction requires the raw score to clear the
// threshold; weak signals come back with DirectionNone.
func (m *MomentumScorer) Score(symbol string, state MarketState) (float64, int, []string) {
	if state.Bars < 20 {
		return 0, DirectionNone, []string{"insufficient_history"}
	}

	var raw float64
	var reasons []string

	// Momentum across the three horizons, weighted toward the short end.
	momentum := state.Change1h*8 + state.Change4h*4 + state.Change24h*1.5
	momentum = clamp(momentum, -30, 30)
	raw += momentum
	if momentum >= 15 {
		reasons = append(reasons, "momentum_up")
	} else if momentum <= -15 {
		reasons = append(reasons, "momentum_down")
	}

	rsi := indicators.RSIScore(state.RSI14)
	raw += rsi
	if state.RSI14 > 0 {
		if state.RSI14 < 30 {
			reasons = append(reasons, "rsi_oversold")
		} else if state.RSI14 > 70 {
			reasons = append(reasons, "rsi_overbought")
		}
	}

	// MACD histogram sign, scaled by ATR so it is comparable across symbols.
	if state.ATRPct > 0 && state.Price > 0 {
		macdStrength := clamp(state.MACDHist/(state.ATRPct*state.Price)*15, -15, 15)
		raw += macdStrength
		if macdStrength >= 7 {
			reasons = append(reasons, "macd_bullish")
		} else if macdStrength <= -7 {
			reasons = append(reasons, "macd_bearish")
		}
	}

	// Price at a band edge fades the move.
	band := -state.BBPosition * 10
	raw += band
	if state.BBPosition >= 0.9 {
		reasons = append(reasons, "bb_upper_band")
	} else if state.BBPosition <= -0.9 {
		reasons = append(reasons, "bb_lower_band")
	}

	if state.VolumeRatio > 0 {
		dir := 1.0
		if state.Change1h < 0 {
			dir = -1
		}
		vol := indicators.VolumeScore(state.VolumeRatio, 1.0, dir)
		raw += vol
		if vol >= 10 {
			reasons = append(reasons, "volume_surge")
		}
	}

	funding := indicators.FundingRateScore(state.Funding)
	raw += funding
	if funding <= -10 {
		reasons = append(reasons, "funding_crowded_long")
	} else if funding >= 10 {
		reasons = append(reasons, "funding_crowded_short")
	}

	// BTC dragging the whole market dampens counter-trend signals.
	if state.BTCChange1h*raw < 0 && math.Abs(state.BTCChange1h) > 0.5 {
		raw *= 0.8
		reasons = append(reasons, "btc_counter_trend")
	}

	score := clamp(math.Abs(raw), 0, 100)
	direction := DirectionNone
	if raw >= directionThreshold {
		direction = DirectionLong
	} else if raw <= -directionThreshold {
		direction = DirectionShort
	}
	return score, direction, reasons
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
