package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hypermirror/internal/database"
	"github.com/web3guy0/hypermirror/internal/metrics"
	"github.com/web3guy0/hypermirror/internal/venue"
)

// Action is the planner's verdict for one symbol.
type Action string

const (
	ActionNone   Action = "none"
	ActionOpen   Action = "open"
	ActionClose  Action = "close"
	ActionFlip   Action = "flip"
	ActionAdjust Action = "adjust"

	// actionDefer marks a symbol whose exit is owned by an unconfirmed
	// independent position; the planner leaves it alone.
	actionDefer Action = "defer"
)

// classify maps one (target, operator) position pair to a planner action.
// Drift at exactly the threshold does not adjust; it must exceed it.
func classify(targetSide, ourSide venue.Side, scaledTarget, ourSize, threshold decimal.Decimal, unconfirmedIndependent bool) Action {
	switch {
	case targetSide == venue.SideNone && ourSide == venue.SideNone:
		return ActionNone
	case targetSide == venue.SideNone:
		if unconfirmedIndependent {
			return actionDefer
		}
		return ActionClose
	case ourSide == venue.SideNone:
		return ActionOpen
	case targetSide != ourSide:
		return ActionFlip
	default:
		if !scaledTarget.IsPositive() {
			return ActionNone
		}
		drift := ourSize.Sub(scaledTarget).Abs()
		if drift.GreaterThan(scaledTarget.Mul(threshold)) {
			return ActionAdjust
		}
		return ActionNone
	}
}

// syncSymbol plans and, when warranted, dispatches one symbol's copy action.
// Every skip is logged with its reason; only a filled order marks the symbol
// traded.
func (e *Engine) syncSymbol(ctx context.Context, sc *scanState, symbol string) {
	targetPos, hasTarget := sc.target.Position(symbol)
	ourPos, hasOurs := sc.operator.Position(symbol)

	targetSide, ourSide := venue.SideNone, venue.SideNone
	if hasTarget {
		targetSide = targetPos.Side()
	}
	if hasOurs {
		ourSide = ourPos.Side()
	}

	scaled := decimal.Zero
	if hasTarget {
		scaled = targetPos.Size().Mul(sc.scaleFactor)
	}
	ourSize := decimal.Zero
	if hasOurs {
		ourSize = ourPos.Size()
	}

	// Independent book interlock. A matching target direction confirms the
	// position and moves sizing ownership here; an unconfirmed position with
	// a flat target keeps its own exit.
	indepExists, indepConfirmed := false, false
	if e.trader.Enabled() {
		var err error
		indepExists, indepConfirmed, err = e.trader.HasPosition(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Independent book query failed")
		}
	}
	if indepExists && !indepConfirmed && targetSide != venue.SideNone && targetSide == ourSide {
		if err := e.trader.Confirm(ctx, symbol); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Confirmation failed")
		} else {
			indepConfirmed = true
		}
	}

	action := classify(targetSide, ourSide, scaled, ourSize, e.cfg.AdjustThreshold, indepExists && !indepConfirmed)
	switch action {
	case ActionNone:
		return
	case actionDefer:
		log.Debug().Str("symbol", symbol).Msg("Exit owned by independent book, close deferred")
		return
	}

	mid, ok := sc.mids[symbol]
	if !ok || !mid.IsPositive() {
		log.Warn().Str("symbol", symbol).Str("action", string(action)).Msg("No mid price, symbol skipped")
		return
	}
	meta, ok := e.meta.Get(symbol)
	if !ok {
		log.Warn().Str("symbol", symbol).Str("action", string(action)).Msg("No instrument metadata, symbol skipped")
		return
	}

	leverage := 1
	if hasTarget && targetPos.Leverage > 0 {
		leverage = targetPos.Leverage
	}
	if meta.MaxLeverage > 0 && leverage > meta.MaxLeverage {
		leverage = meta.MaxLeverage
	}

	notional := scaled.Mul(mid)
	margin := notional.Div(decimal.NewFromInt(int64(leverage)))

	if action != ActionClose {
		if margin.LessThan(e.cfg.MinPositionMargin) {
			log.Info().Str("symbol", symbol).Str("margin", margin.StringFixed(2)).
				Str("floor", e.cfg.MinPositionMargin.String()).
				Msg("Scaled position below margin floor, skipped")
			return
		}
		if notional.LessThan(minExchangeNotional) {
			log.Info().Str("symbol", symbol).Str("notional", notional.StringFixed(2)).
				Msg("Scaled position below venue order floor, skipped")
			return
		}
	}
	if action == ActionOpen || action == ActionFlip {
		if !e.entryGatesPass(ctx, symbol, action, margin) {
			return
		}
	}

	var (
		result   *venue.GatewayResult
		err      error
		dbAction string
		side     venue.Side
	)
	switch action {
	case ActionClose:
		log.Info().Str("symbol", symbol).Str("size", ourSize.String()).
			Msg("📕 Target exited, closing position")
		result, err = e.gateway.Close(ctx, symbol, decimal.NewFromInt(1), mid)
		dbAction, side = database.ActionClose, ourSide

	case ActionOpen:
		log.Info().Str("symbol", symbol).Str("side", string(targetSide)).
			Str("size", scaled.String()).Int("leverage", leverage).
			Msg("🚀 Opening copied position")
		result, err = e.gateway.Execute(ctx, venue.OrderIntent{
			Symbol:   symbol,
			Side:     targetSide,
			Size:     scaled,
			Mid:      mid,
			Leverage: leverage,
		})
		dbAction, side = database.ActionOpen, targetSide

	case ActionFlip:
		log.Info().Str("symbol", symbol).Str("from", string(ourSide)).
			Str("to", string(targetSide)).Str("size", scaled.String()).
			Msg("♻️ Target reversed, flipping position")
		result, err = e.flip(ctx, symbol, targetSide, scaled, mid, leverage)
		dbAction, side = database.ActionFlip, targetSide

	case ActionAdjust:
		delta := scaled.Sub(ourSize)
		deltaNotional := delta.Abs().Mul(mid)
		if deltaNotional.LessThan(minExchangeNotional) {
			log.Debug().Str("symbol", symbol).Str("delta_notional", deltaNotional.StringFixed(2)).
				Msg("Size drift below order floor, adjust skipped")
			return
		}
		side = ourSide
		if delta.IsPositive() {
			dbAction = database.ActionIncrease
			log.Info().Str("symbol", symbol).Str("delta", delta.String()).
				Msg("⚡ Increasing position toward target size")
			result, err = e.gateway.Execute(ctx, venue.OrderIntent{
				Symbol:        symbol,
				Side:          ourSide,
				Size:          delta,
				Mid:           mid,
				AddToExisting: true,
			})
		} else {
			dbAction = database.ActionDecrease
			fraction := delta.Abs().Div(ourSize)
			log.Info().Str("symbol", symbol).Str("delta", delta.Abs().String()).
				Msg("⚡ Decreasing position toward target size")
			result, err = e.gateway.Close(ctx, symbol, fraction, mid)
		}
	}

	if err != nil {
		e.metrics.OrdersTotal.WithLabelValues(dbAction, metrics.ResultFailed).Inc()
		if action == ActionOpen || action == ActionFlip {
			e.recordFailure(symbol)
		}
		log.Error().Err(err).Str("symbol", symbol).Str("action", dbAction).Msg("Copy action failed")
		return
	}
	if result.Skipped {
		log.Info().Str("symbol", symbol).Str("action", dbAction).
			Str("reason", result.SkipReason).Msg("Copy action skipped by gateway")
		return
	}

	sc.markTraded(symbol)
	e.clearFailure(symbol)
	e.metrics.OrdersTotal.WithLabelValues(dbAction, metrics.ResultOK).Inc()

	filled := result.FilledSize
	if !filled.IsPositive() {
		filled = scaled
		if action == ActionClose {
			filled = ourSize
		}
	}
	price := result.AvgPrice
	if !price.IsPositive() {
		price = mid
	}
	notional = filled.Mul(price)
	notionalF, _ := notional.Float64()
	e.metrics.OrderNotionalUsd.Observe(notionalF)

	trade := &database.CopyTrade{
		ScanID:      sc.scanID,
		Symbol:      symbol,
		Action:      dbAction,
		Side:        string(side),
		Size:        filled,
		Price:       price,
		NotionalUsd: notional,
		Leverage:    leverage,
	}
	if err := e.db.SaveCopyTrade(ctx, trade); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Copy trade insert failed")
	}
	e.recorder.LogCopyAction(ctx, symbol, dbAction, string(side), filled)

	// Let margin settle before the next symbol's affordability read. An
	// adjust moves little margin and returns immediately.
	if action != ActionAdjust {
		_ = sleepCtx(ctx, e.postWait)
	}
}

// entryGatesPass applies the cool-down and margin headroom checks to an open
// or flip. Withdrawable is re-read so concurrent workers see consumed margin.
func (e *Engine) entryGatesPass(ctx context.Context, symbol string, action Action, margin decimal.Decimal) bool {
	if e.cooldownActive(symbol) {
		log.Info().Str("symbol", symbol).Str("action", string(action)).
			Msg("⏳ Symbol cooling down after failed order, skipped")
		return false
	}

	state, err := e.info.ClearinghouseState(ctx, e.cfg.OperatorAccount)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Affordability read failed, skipped")
		return false
	}
	required := margin.Mul(marginHeadroom)
	if required.GreaterThan(state.Portfolio.Withdrawable) {
		log.Warn().Str("symbol", symbol).Str("required", required.StringFixed(2)).
			Str("withdrawable", state.Portfolio.Withdrawable.StringFixed(2)).
			Msg("⚠️ Insufficient free margin, entry skipped")
		return false
	}
	return true
}

// flip closes the current position fully, waits for the venue to settle, then
// opens the opposite side. Close-before-open keeps margin free for the new
// leg.
func (e *Engine) flip(ctx context.Context, symbol string, side venue.Side, size, mid decimal.Decimal, leverage int) (*venue.GatewayResult, error) {
	if _, err := e.gateway.Close(ctx, symbol, decimal.NewFromInt(1), mid); err != nil {
		return nil, fmt.Errorf("flip close leg: %w", err)
	}
	if err := sleepCtx(ctx, e.flipWait); err != nil {
		return nil, err
	}
	return e.gateway.Execute(ctx, venue.OrderIntent{
		Symbol:   symbol,
		Side:     side,
		Size:     size,
		Mid:      mid,
		Leverage: leverage,
	})
}
