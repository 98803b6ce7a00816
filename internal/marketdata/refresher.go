// Package marketdata keeps the store's candle, indicator, and funding tables
// current. The refresher runs once per scan over the symbol universe with a
// small fixed lookback; it is not a historical backfill.
package marketdata

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/hypermirror/internal/database"
	"github.com/web3guy0/hypermirror/internal/indicators"
	"github.com/web3guy0/hypermirror/internal/venue"
)

const (
	// Timeframe of every stored bar and derived bundle.
	Timeframe = "1h"

	// ContextSymbol always gets refreshed so scorers have BTC context even
	// when BTC itself is not in the universe.
	ContextSymbol = "BTC"

	// lookback bounds the candle fetch. 48 bars covers every indicator
	// period in the bundle (slow MACD needs 26+9).
	lookback = 48 * time.Hour
)

// Refresher fetches recent market data from the venue and upserts it into
// the store.
type Refresher struct {
	info venue.Info
	db   *database.Store
}

// NewRefresher creates a refresher reading from info and writing to db.
func NewRefresher(info venue.Info, db *database.Store) *Refresher {
	return &Refresher{info: info, db: db}
}

// Refresh updates candles and indicator bundles for every symbol in the
// universe plus the BTC context series, then refreshes funding rates once.
// Per-symbol failures degrade to a warning; the recorder scores whatever
// data is present.
func (r *Refresher) Refresh(ctx context.Context, symbols []string) {
	seen := make(map[string]bool, len(symbols)+1)
	ordered := make([]string, 0, len(symbols)+1)
	for _, s := range append([]string{ContextSymbol}, symbols...) {
		if !seen[s] {
			seen[s] = true
			ordered = append(ordered, s)
		}
	}

	for _, symbol := range ordered {
		if err := r.refreshSymbol(ctx, symbol); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Market data refresh failed")
		}
	}

	r.refreshFunding(ctx)
}

func (r *Refresher) refreshSymbol(ctx context.Context, symbol string) error {
	end := time.Now().UTC()
	start := end.Add(-lookback)

	candles, err := r.info.CandleSnapshot(ctx, symbol, Timeframe, start, end)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		log.Debug().Str("symbol", symbol).Msg("No candles returned")
		return nil
	}

	rows := make([]database.HourlyCandle, 0, len(candles))
	for _, c := range candles {
		rows = append(rows, database.HourlyCandle{
			Symbol:    symbol,
			Timeframe: Timeframe,
			OpenTime:  c.OpenTime,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
			Trades:    c.Trades,
		})
	}
	if err := r.db.UpsertCandles(ctx, rows); err != nil {
		return err
	}

	return r.updateIndicators(ctx, symbol)
}

// updateIndicators recomputes the latest bundle from the stored series.
func (r *Refresher) updateIndicators(ctx context.Context, symbol string) error {
	bars, err := r.db.RecentCandles(ctx, symbol, Timeframe, 48)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return nil
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		volumes[i] = b.Volume
	}

	macd, signal, hist := indicators.MACD(closes, 12, 26, 9)
	bbUpper, bbMiddle, bbLower := indicators.BollingerBands(closes, 20, 2)

	bundle := &database.IndicatorBundle{
		Symbol:      symbol,
		Timestamp:   bars[len(bars)-1].OpenTime,
		RSI14:       indicators.RSI(closes, 14),
		MACD:        macd,
		MACDSignal:  signal,
		MACDHist:    hist,
		BBUpper:     bbUpper,
		BBMiddle:    bbMiddle,
		BBLower:     bbLower,
		ATR14:       indicators.ATR(highs, lows, closes, 14),
		VolumeSMA20: indicators.SMA(volumes, 20),
	}
	return r.db.UpsertIndicators(ctx, bundle)
}

func (r *Refresher) refreshFunding(ctx context.Context) {
	rates, err := r.info.FundingRates(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Funding rate refresh failed")
		return
	}

	now := time.Now().UTC()
	for symbol, rate := range rates {
		if err := r.db.UpsertFunding(ctx, symbol, rate, now); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Funding upsert failed")
		}
	}
	log.Debug().Int("symbols", len(rates)).Msg("Funding rates refreshed")
}
