// Package indicators implements the float64 technical indicators behind the
// stored per-symbol bundles and the prediction scorer.
package indicators

import "math"

// RSI calculates the Relative Strength Index with Wilder smoothing.
// Returns 50 (neutral) when there is not enough data.
func RSI(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50
	}

	var gains, losses []float64
	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}

	avgGain := average(gains[:period])
	avgLoss := average(losses[:period])
	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// EMA calculates the Exponential Moving Average, seeded with the SMA of the
// first period values.
func EMA(prices []float64, period int) float64 {
	series := emaSeries(prices, period)
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// emaSeries returns the EMA value at every index from period-1 onward.
func emaSeries(prices []float64, period int) []float64 {
	if len(prices) == 0 {
		return nil
	}
	if len(prices) < period {
		return []float64{average(prices)}
	}

	multiplier := 2.0 / float64(period+1)
	out := make([]float64, 0, len(prices)-period+1)
	ema := average(prices[:period])
	out = append(out, ema)
	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
		out = append(out, ema)
	}
	return out
}

// SMA calculates the Simple Moving Average over the trailing period.
func SMA(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if len(prices) < period {
		return average(prices)
	}
	return average(prices[len(prices)-period:])
}

// MACD calculates the MACD line, signal line, and histogram. The signal line
// is a true EMA of the MACD series, which needs slow+signal bars of history.
func MACD(prices []float64, fastPeriod, slowPeriod, signalPeriod int) (macd, signal, histogram float64) {
	if len(prices) < slowPeriod {
		return 0, 0, 0
	}

	// Build the MACD series point by point so the signal EMA has history.
	var macdSeries []float64
	for i := slowPeriod; i <= len(prices); i++ {
		fast := EMA(prices[:i], fastPeriod)
		slow := EMA(prices[:i], slowPeriod)
		macdSeries = append(macdSeries, fast-slow)
	}

	macd = macdSeries[len(macdSeries)-1]
	signal = EMA(macdSeries, signalPeriod)
	histogram = macd - signal
	return macd, signal, histogram
}

// Momentum calculates the percent price change over the trailing period.
func Momentum(prices []float64, period int) float64 {
	if len(prices) <= period {
		return 0
	}
	current := prices[len(prices)-1]
	previous := prices[len(prices)-1-period]
	if previous == 0 {
		return 0
	}
	return ((current - previous) / previous) * 100
}

// MomentumScore returns a normalized momentum score (-30 to +30).
func MomentumScore(prices []float64, period int) float64 {
	// ±1% momentum maps to ±30, clamped.
	score := Momentum(prices, period) * 30
	return clamp(score, -30, 30)
}

// RSIScore converts RSI into a contrarian signal (-20 to +20). Oversold is
// bullish, overbought is bearish, 40-60 is neutral.
func RSIScore(rsi float64) float64 {
	switch {
	case rsi < 30:
		return 10 + ((30-rsi)/30)*10
	case rsi < 40:
		return ((40 - rsi) / 10) * 10
	case rsi > 70:
		return -10 - ((rsi-70)/30)*10
	case rsi > 60:
		return -((rsi - 60) / 10) * 10
	}
	return 0
}

// VolumeScore analyzes volume relative to its average (-15 to +15). High
// volume confirms the current price direction; low volume fades it.
func VolumeScore(currentVolume, avgVolume, priceDirection float64) float64 {
	if avgVolume == 0 {
		return 0
	}
	ratio := currentVolume / avgVolume

	switch {
	case ratio > 2.0:
		if priceDirection > 0 {
			return 15
		}
		return -15
	case ratio > 1.5:
		if priceDirection > 0 {
			return 10
		}
		return -10
	case ratio < 0.5:
		// A move on thin volume tends to reverse.
		if priceDirection > 0 {
			return -5
		}
		return 5
	}
	return 0
}

// FundingRateScore reads funding as a contrarian crowding signal (-15 to
// +15). Heavy positive funding means overleveraged longs, which is bearish.
func FundingRateScore(fundingRate float64) float64 {
	rate := fundingRate * 100

	switch {
	case rate > 0.05:
		return -15
	case rate > 0.02:
		return -10
	case rate < -0.05:
		return 15
	case rate < -0.02:
		return 10
	}
	return 0
}

// Volatility calculates the standard deviation of prices.
func Volatility(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	avg := average(prices)
	sumSquares := 0.0
	for _, p := range prices {
		sumSquares += (p - avg) * (p - avg)
	}
	return math.Sqrt(sumSquares / float64(len(prices)))
}

// ATR calculates the Average True Range.
func ATR(highs, lows, closes []float64, period int) float64 {
	if len(highs) < period+1 || len(lows) < period+1 || len(closes) < period+1 {
		return 0
	}

	trs := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		tr := math.Max(
			highs[i]-lows[i],
			math.Max(
				math.Abs(highs[i]-closes[i-1]),
				math.Abs(lows[i]-closes[i-1]),
			),
		)
		trs = append(trs, tr)
	}
	return SMA(trs, period)
}

// BollingerBands calculates the upper, middle, and lower bands.
func BollingerBands(prices []float64, period int, stdDev float64) (upper, middle, lower float64) {
	if len(prices) < period {
		return 0, 0, 0
	}
	middle = SMA(prices, period)
	sigma := Volatility(prices[len(prices)-period:])
	upper = middle + sigma*stdDev
	lower = middle - sigma*stdDev
	return upper, middle, lower
}

// TrendStrength measures how one-sided recent bars are. Positive values are
// uptrends, negative downtrends; magnitude runs 0-100.
func TrendStrength(prices []float64, period int) float64 {
	if len(prices) < period {
		return 0
	}

	increases, decreases := 0, 0
	recent := prices[len(prices)-period:]
	for i := 1; i < len(recent); i++ {
		if recent[i] > recent[i-1] {
			increases++
		} else if recent[i] < recent[i-1] {
			decreases++
		}
	}

	total := increases + decreases
	if total == 0 {
		return 0
	}
	if increases > decreases {
		return float64(increases) / float64(total) * 100
	}
	return -float64(decreases) / float64(total) * 100
}

// PricePosition locates the current price within its trailing range, -100
// (at the low) to +100 (at the high).
func PricePosition(prices []float64, period int) float64 {
	if len(prices) < period {
		return 0
	}

	recent := prices[len(prices)-period:]
	current := prices[len(prices)-1]
	lo, hi := minOf(recent), maxOf(recent)
	if hi == lo {
		return 0
	}
	position := ((current - lo) / (hi - lo)) * 100
	return (position - 50) * 2
}

// Helper functions

func average(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

func minOf(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	m := data[0]
	for _, v := range data[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	m := data[0]
	for _, v := range data[1:] {
		if v > m {
			m = v
		}
	}
	return m
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
