// Package predictor records a scored prediction for every scanned symbol
// each cycle and later validates it against the observed price. The scoring
// function itself is pluggable; every record is stamped with the model
// version that produced it.
package predictor

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/hypermirror/internal/database"
	"github.com/web3guy0/hypermirror/internal/marketdata"
)

// MarketState is the feature snapshot a scorer sees for one symbol. Missing
// store data leaves fields at their zero value and lowers Bars, which the
// scorer uses to dampen confidence.
type MarketState struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`

	// Indicator bundle.
	RSI14       float64 `json:"rsi14"`
	MACDHist    float64 `json:"macdHist"`
	BBPosition  float64 `json:"bbPosition"` // -1 at lower band, +1 at upper
	ATRPct      float64 `json:"atrPct"`     // ATR as a fraction of price
	VolumeRatio float64 `json:"volumeRatio"`

	// Price deltas, percent.
	Change1h  float64 `json:"change1h"`
	Change4h  float64 `json:"change4h"`
	Change24h float64 `json:"change24h"`

	// Funding and BTC context.
	Funding      float64 `json:"funding"`
	BTCChange1h  float64 `json:"btcChange1h"`
	BTCChange24h float64 `json:"btcChange24h"`

	// Bars is how many hourly candles backed this snapshot.
	Bars int `json:"bars"`
}

// buildMarketState assembles the snapshot from the store. Each missing piece
// degrades individually; only the mid price is required (the caller checked).
func buildMarketState(ctx context.Context, db *database.Store, symbol string, price float64) MarketState {
	state := MarketState{Symbol: symbol, Price: price}

	bars, err := db.RecentCandles(ctx, symbol, marketdata.Timeframe, 25)
	if err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("No candle history for market state")
	}
	state.Bars = len(bars)
	state.Change1h = changePct(bars, price, 1)
	state.Change4h = changePct(bars, price, 4)
	state.Change24h = changePct(bars, price, 24)

	if bundle, err := db.LatestIndicators(ctx, symbol); err == nil {
		state.RSI14 = bundle.RSI14
		state.MACDHist = bundle.MACDHist
		if width := bundle.BBUpper - bundle.BBLower; width > 0 {
			pos := (price - bundle.BBMiddle) / (width / 2)
			if pos > 1 {
				pos = 1
			} else if pos < -1 {
				pos = -1
			}
			state.BBPosition = pos
		}
		if price > 0 {
			state.ATRPct = bundle.ATR14 / price
		}
		if bundle.VolumeSMA20 > 0 && len(bars) > 0 {
			state.VolumeRatio = bars[len(bars)-1].Volume / bundle.VolumeSMA20
		}
	}

	if funding, err := db.LatestFunding(ctx, symbol); err == nil {
		state.Funding = funding.Rate
	}

	if symbol != marketdata.ContextSymbol {
		btcBars, err := db.RecentCandles(ctx, marketdata.ContextSymbol, marketdata.Timeframe, 25)
		if err == nil && len(btcBars) > 0 {
			btcPrice := btcBars[len(btcBars)-1].Close
			state.BTCChange1h = changePct(btcBars, btcPrice, 1)
			state.BTCChange24h = changePct(btcBars, btcPrice, 24)
		}
	} else {
		state.BTCChange1h = state.Change1h
		state.BTCChange24h = state.Change24h
	}

	return state
}

// changePct returns the percent move from the close hoursAgo bars back to
// the current price.
func changePct(bars []database.HourlyCandle, price float64, hoursAgo int) float64 {
	if len(bars) <= hoursAgo || price <= 0 {
		return 0
	}
	ref := bars[len(bars)-1-hoursAgo].Close
	if ref <= 0 {
		return 0
	}
	return (price - ref) / ref * 100
}
