// Package venue implements the exchange connector: a REST info client for
// account state and market data, a signing exchange client for orders and
// leverage changes, a lazily-built instrument metadata cache, and an optional
// websocket mid-price feed.
package venue

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Side of a perpetual position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideNone  Side = "none"
)

// Opposite returns the other direction, or none for none.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	}
	return SideNone
}

// AssetMeta is the immutable per-instrument metadata. AssetIndex is the
// instrument's position in the venue universe and is what order and
// leverage actions are keyed by.
type AssetMeta struct {
	Symbol       string
	AssetIndex   int
	SizeDecimals int32
	MaxLeverage  int
	OnlyIsolated bool
}

// Portfolio is a per-account equity snapshot, fetched fresh each scan.
type Portfolio struct {
	Equity       decimal.Decimal
	Withdrawable decimal.Decimal
}

// Position is one open perpetual position.
type Position struct {
	Symbol           string
	SignedSize       decimal.Decimal
	Leverage         int
	EntryPrice       decimal.Decimal
	LiquidationPrice decimal.Decimal
}

// Side derives the direction. Entry above liquidation means long; the sign
// of the size is the fallback when the venue reports no liquidation price.
func (p Position) Side() Side {
	if p.SignedSize.IsZero() {
		return SideNone
	}
	if p.LiquidationPrice.IsPositive() {
		if p.EntryPrice.GreaterThan(p.LiquidationPrice) {
			return SideLong
		}
		return SideShort
	}
	if p.SignedSize.IsNegative() {
		return SideShort
	}
	return SideLong
}

// Size returns the absolute position size.
func (p Position) Size() decimal.Decimal {
	return p.SignedSize.Abs()
}

// AccountState is one account's portfolio plus its open positions.
type AccountState struct {
	Portfolio Portfolio
	Positions []Position
}

// Position returns the non-zero position for symbol, if any.
func (s *AccountState) Position(symbol string) (Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol && !p.SignedSize.IsZero() {
			return p, true
		}
	}
	return Position{}, false
}

// HeldSymbols returns the set of symbols with a non-zero position.
func (s *AccountState) HeldSymbols() map[string]bool {
	held := make(map[string]bool, len(s.Positions))
	for _, p := range s.Positions {
		if !p.SignedSize.IsZero() {
			held[p.Symbol] = true
		}
	}
	return held
}

// Candle is one OHLCV bar.
type Candle struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Trades    int
}

// OrderRequest is a market order modelled as an aggressive IoC limit at a
// slippage-bounded price.
type OrderRequest struct {
	AssetIndex int
	Symbol     string
	Buy        bool
	LimitPrice decimal.Decimal
	Size       decimal.Decimal
	ReduceOnly bool
	Cloid      string
}

// OrderResult is the venue's acknowledgement of a submitted order.
type OrderResult struct {
	OrderID    int64
	FilledSize decimal.Decimal
	AvgPrice   decimal.Decimal
	Resting    bool
}

var (
	// ErrOrderRejected is returned when the venue acknowledges the request
	// but refuses the order (margin, size, tick rules).
	ErrOrderRejected = errors.New("venue: order rejected")

	// ErrNoMetadata is returned for symbols absent from the metadata cache.
	ErrNoMetadata = errors.New("venue: no metadata for symbol")
)

// Info is the read-only venue surface: instrument metadata, mid prices,
// account state, candles, and funding.
type Info interface {
	Meta(ctx context.Context) ([]AssetMeta, error)
	AllMids(ctx context.Context) (map[string]decimal.Decimal, error)
	ClearinghouseState(ctx context.Context, account string) (*AccountState, error)
	CandleSnapshot(ctx context.Context, symbol, interval string, start, end time.Time) ([]Candle, error)
	FundingRates(ctx context.Context) (map[string]float64, error)
}

// Exchange is the order-placing venue surface.
type Exchange interface {
	UpdateLeverage(ctx context.Context, assetIndex int, cross bool, leverage int) error
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
}
