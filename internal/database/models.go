package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Prediction copy actions. "increase" and "decrease" are the two halves of
// the planner's adjust.
const (
	ActionOpen     = "open"
	ActionClose    = "close"
	ActionFlip     = "flip"
	ActionIncrease = "increase"
	ActionDecrease = "decrease"
	ActionNone     = "none"
)

// Independent position statuses.
const (
	StatusOpen      = "open"
	StatusConfirmed = "confirmed"
	StatusClosed    = "closed"
)

// Independent position exit reasons.
const (
	ExitTP              = "tp"
	ExitSL              = "sl"
	ExitTimeout         = "timeout"
	ExitTargetConfirmed = "target_confirmed"
	ExitTargetOpposite  = "target_opposite"
)

// HourlyCandle is one stored OHLCV bar, keyed by symbol+timeframe+open time.
type HourlyCandle struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Symbol    string    `gorm:"index:idx_candle_key,unique"`
	Timeframe string    `gorm:"index:idx_candle_key,unique"`
	OpenTime  time.Time `gorm:"index:idx_candle_key,unique"`
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Trades    int
	CreatedAt time.Time
}

// IndicatorBundle is the derived technical snapshot for one symbol at one
// candle close.
type IndicatorBundle struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	Symbol      string    `gorm:"index:idx_ind_key,unique"`
	Timestamp   time.Time `gorm:"index:idx_ind_key,unique"`
	RSI14       float64
	MACD        float64
	MACDSignal  float64
	MACDHist    float64
	BBUpper     float64
	BBMiddle    float64
	BBLower     float64
	ATR14       float64
	VolumeSMA20 float64
	CreatedAt   time.Time
}

// FundingRate is the latest observed funding rate for one symbol.
type FundingRate struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Symbol    string `gorm:"uniqueIndex"`
	Rate      float64
	Timestamp time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Prediction is one scored per-scan snapshot. CopyAction and ActualLabel are
// set once during the scan; the exit fields are set once on validation.
type Prediction struct {
	ID           string    `gorm:"primaryKey"`
	ScanID       string    `gorm:"index"`
	Timestamp    time.Time `gorm:"index"`
	Symbol       string    `gorm:"index"`
	Score        float64
	Confidence   float64
	Direction    int    // +1 long, -1 short, 0 none
	Reasons      string // comma-joined signal tags
	EntryPrice   decimal.Decimal `gorm:"type:decimal(20,8)"`
	Features     string          // opaque JSON snapshot of the market state
	ModelVersion string          `gorm:"index"`

	CopyAction  string
	CopySide    string
	CopySize    decimal.Decimal `gorm:"type:decimal(20,8)"`
	ActualLabel int

	ExitPrice   decimal.Decimal `gorm:"type:decimal(20,8)"`
	PaperPnl    decimal.Decimal `gorm:"type:decimal(20,8)"`
	PaperPnlPct decimal.Decimal `gorm:"type:decimal(10,4)"`
	Correct     *bool
	ValidatedAt *time.Time `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IndependentPosition is one position owned by the independent trader. At
// most one per symbol may be in {open, confirmed}; closed is terminal.
type IndependentPosition struct {
	ID                string `gorm:"primaryKey"`
	Symbol            string `gorm:"index"`
	Side              string // always "long"
	EntryPrice        decimal.Decimal `gorm:"type:decimal(20,8)"`
	Size              decimal.Decimal `gorm:"type:decimal(20,8)"`
	NotionalUsd       decimal.Decimal `gorm:"type:decimal(20,2)"`
	Leverage          int
	TpPrice           decimal.Decimal `gorm:"type:decimal(20,8)"` // zero in time-exit mode
	SlPrice           decimal.Decimal `gorm:"type:decimal(20,8)"`
	TimeoutAt         time.Time
	Status            string `gorm:"index"`
	ConfirmedByTarget bool
	PredictionScore   float64
	PredictionReasons string

	ExitPrice      decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitReason     string
	RealizedPnl    decimal.Decimal `gorm:"type:decimal(20,8)"`
	RealizedPnlPct decimal.Decimal `gorm:"type:decimal(10,4)"`
	ClosedAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Margin returns the position's consumed margin (notional / leverage).
func (p *IndependentPosition) Margin() decimal.Decimal {
	if p.Leverage <= 0 {
		return p.NotionalUsd
	}
	return p.NotionalUsd.Div(decimal.NewFromInt(int64(p.Leverage)))
}

// CopyTrade is the append-only telemetry row for one executed copy action.
type CopyTrade struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	ScanID      string `gorm:"index"`
	Symbol      string `gorm:"index"`
	Action      string
	Side        string
	Size        decimal.Decimal `gorm:"type:decimal(20,8)"`
	Price       decimal.Decimal `gorm:"type:decimal(20,8)"`
	NotionalUsd decimal.Decimal `gorm:"type:decimal(20,2)"`
	Leverage    int
	CreatedAt   time.Time
}
