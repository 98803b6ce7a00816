package trader

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/hypermirror/internal/database"
)

// ExitPolicy decides take-profit/stop-loss levels at entry and when an open
// position must be closed. The timeout gate applies under every policy.
type ExitPolicy interface {
	// Prices returns the TP and SL levels for an entry price. Both are zero
	// when the policy does not use price exits.
	Prices(entry decimal.Decimal) (tp, sl decimal.Decimal)

	// ShouldExit reports whether the position must close now, and why.
	ShouldExit(pos *database.IndependentPosition, mid decimal.Decimal, now time.Time) (reason string, exit bool)
}

// timeExit closes purely on the hold deadline.
type timeExit struct{}

// NewTimeExit returns the time-only exit policy.
func NewTimeExit() ExitPolicy {
	return timeExit{}
}

func (timeExit) Prices(entry decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	return decimal.Zero, decimal.Zero
}

func (timeExit) ShouldExit(pos *database.IndependentPosition, mid decimal.Decimal, now time.Time) (string, bool) {
	if !now.Before(pos.TimeoutAt) {
		return database.ExitTimeout, true
	}
	return "", false
}

// tpSlExit closes on price levels, with the timeout as a backstop.
type tpSlExit struct {
	tpPct decimal.Decimal
	slPct decimal.Decimal
}

// NewTpSlExit returns the price-exit policy with fractional TP and SL.
func NewTpSlExit(tpPct, slPct decimal.Decimal) ExitPolicy {
	return tpSlExit{tpPct: tpPct, slPct: slPct}
}

func (p tpSlExit) Prices(entry decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	one := decimal.NewFromInt(1)
	return entry.Mul(one.Add(p.tpPct)), entry.Mul(one.Sub(p.slPct))
}

func (p tpSlExit) ShouldExit(pos *database.IndependentPosition, mid decimal.Decimal, now time.Time) (string, bool) {
	if pos.TpPrice.IsPositive() && mid.GreaterThanOrEqual(pos.TpPrice) {
		return database.ExitTP, true
	}
	if pos.SlPrice.IsPositive() && mid.LessThanOrEqual(pos.SlPrice) {
		return database.ExitSL, true
	}
	if !now.Before(pos.TimeoutAt) {
		return database.ExitTimeout, true
	}
	return "", false
}
