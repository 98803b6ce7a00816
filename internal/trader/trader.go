// Package trader is the independent long-only book. It consumes the current
// scan's predictions, opens small positions on whitelisted symbols when the
// score clears the floor, manages its own exits, and hands ownership to the
// copy planner when the target takes the same direction.
package trader

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hypermirror/internal/config"
	"github.com/web3guy0/hypermirror/internal/database"
	"github.com/web3guy0/hypermirror/internal/predictor"
	"github.com/web3guy0/hypermirror/internal/venue"
)

// minMarginBudget is the USD floor under which an entry slot is not worth
// opening.
var minMarginBudget = decimal.NewFromInt(10)

// withdrawableHeadroom keeps a margin buffer against the free balance.
var withdrawableHeadroom = decimal.NewFromFloat(0.95)

// executionGateway is the slice of the venue gateway the trader needs.
type executionGateway interface {
	Execute(ctx context.Context, intent venue.OrderIntent) (*venue.GatewayResult, error)
	Close(ctx context.Context, symbol string, fraction, mid decimal.Decimal) (*venue.GatewayResult, error)
}

// SignalInput is the per-scan snapshot ProcessSignals works from. All fields
// are immutable for the duration of the call.
type SignalInput struct {
	Predictions  []predictor.Snapshot
	OperatorHeld map[string]bool
	TargetHeld   map[string]bool
	Equity       decimal.Decimal
	Withdrawable decimal.Decimal
	Mids         map[string]decimal.Decimal
}

// ManageInput is the per-scan snapshot ManagePositions works from.
type ManageInput struct {
	Mids   map[string]decimal.Decimal
	Target *venue.AccountState
}

// Trader owns the independent book.
type Trader struct {
	cfg     *config.Config
	db      *database.Store
	gateway executionGateway
	meta    *venue.MetadataCache
	exit    ExitPolicy

	whitelist map[string]bool
}

// New creates the trader. The exit policy follows the configured mode.
func New(cfg *config.Config, db *database.Store, gateway executionGateway, meta *venue.MetadataCache) *Trader {
	var exit ExitPolicy
	if cfg.IndependentUseTimeExit {
		exit = NewTimeExit()
	} else {
		exit = NewTpSlExit(cfg.IndependentTpPct, cfg.IndependentSlPct)
	}

	whitelist := make(map[string]bool, len(cfg.IndependentWhitelist))
	for _, s := range cfg.IndependentWhitelist {
		whitelist[s] = true
	}

	return &Trader{
		cfg:       cfg,
		db:        db,
		gateway:   gateway,
		meta:      meta,
		exit:      exit,
		whitelist: whitelist,
	}
}

// Enabled reports whether independent trading is switched on.
func (t *Trader) Enabled() bool {
	return t.cfg.IndependentEnabled
}

// Whitelist returns the configured symbol set, for universe construction.
func (t *Trader) Whitelist() []string {
	return t.cfg.IndependentWhitelist
}

// HasPosition is the planner's interlock query: whether an {open, confirmed}
// independent position exists for symbol, and whether it is confirmed.
func (t *Trader) HasPosition(ctx context.Context, symbol string) (exists, confirmed bool, err error) {
	pos, err := t.db.ActiveIndependentPosition(ctx, symbol)
	if err != nil {
		if err == database.ErrNotFound {
			return false, false, nil
		}
		return false, false, err
	}
	return true, pos.Status == database.StatusConfirmed, nil
}

// Confirm transitions the symbol's open position to confirmed. Called by the
// planner when the target holds the same direction; sizing ownership moves
// to the planner from here on.
func (t *Trader) Confirm(ctx context.Context, symbol string) error {
	pos, err := t.db.ActiveIndependentPosition(ctx, symbol)
	if err != nil {
		return err
	}
	if pos.Status == database.StatusConfirmed {
		return nil
	}
	err = t.db.UpdateIndependentPosition(ctx, pos.ID, map[string]interface{}{
		"status":              database.StatusConfirmed,
		"confirmed_by_target": true,
	})
	if err != nil {
		return err
	}
	log.Info().Str("symbol", symbol).Msg("🤝 Independent position confirmed by target")
	return nil
}

// LogRecovery emits one line per persisted active position so a restart is
// observable. The book lives in the store; nothing is rebuilt in memory.
func (t *Trader) LogRecovery(ctx context.Context) {
	positions, err := t.db.ActiveIndependentPositions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Independent position recovery read failed")
		return
	}
	if len(positions) == 0 {
		return
	}
	log.Info().Int("positions", len(positions)).Msg("♻️ Recovered independent positions")
	for _, p := range positions {
		log.Info().Str("symbol", p.Symbol).Str("status", p.Status).
			Str("entry", p.EntryPrice.String()).Str("size", p.Size.String()).
			Time("timeout_at", p.TimeoutAt).Msg("Independent position")
	}
}

// ProcessSignals opens new positions from this scan's predictions, best
// score first, until positions or margin run out.
func (t *Trader) ProcessSignals(ctx context.Context, in SignalInput) {
	if !t.Enabled() {
		return
	}

	active, err := t.db.ActiveIndependentPositions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Independent book read failed, skipping entries")
		return
	}
	if len(active) >= t.cfg.IndependentMaxPositions {
		return
	}

	activeSymbols := make(map[string]bool, len(active))
	allocated := decimal.Zero
	for _, p := range active {
		activeSymbols[p.Symbol] = true
		allocated = allocated.Add(p.Margin())
	}

	candidates := t.filterCandidates(in, activeSymbols)
	if len(candidates) == 0 {
		return
	}

	maxAllocation := in.Equity.Mul(t.cfg.IndependentMaxAllocationPct)
	remaining := maxAllocation.Sub(allocated)
	withdrawable := in.Withdrawable
	slots := t.cfg.IndependentMaxPositions - len(active)
	perSlotCap := maxAllocation.Div(decimal.NewFromInt(int64(t.cfg.IndependentMaxPositions)))

	for _, cand := range candidates {
		if slots <= 0 || !remaining.IsPositive() {
			return
		}

		budget := decimal.Min(remaining.Div(decimal.NewFromInt(int64(slots))), perSlotCap)
		if budget.LessThan(minMarginBudget) {
			log.Debug().Str("symbol", cand.Symbol).Str("budget", budget.StringFixed(2)).
				Msg("Entry budget below floor")
			return
		}
		if budget.GreaterThan(withdrawable.Mul(withdrawableHeadroom)) {
			log.Warn().Str("symbol", cand.Symbol).Str("budget", budget.StringFixed(2)).
				Str("withdrawable", withdrawable.StringFixed(2)).
				Msg("Entry skipped, insufficient free margin")
			return
		}

		if t.openPosition(ctx, cand, budget, in.Mids) {
			slots--
			remaining = remaining.Sub(budget)
			withdrawable = withdrawable.Sub(budget)
		}
	}
}

// filterCandidates keeps the predictions that pass every entry gate, sorted
// by score descending. A symbol the target already holds is copy-owned and
// never an independent entry; that keeps the two books disjoint at entry.
func (t *Trader) filterCandidates(in SignalInput, activeSymbols map[string]bool) []predictor.Snapshot {
	var out []predictor.Snapshot
	for _, p := range in.Predictions {
		switch {
		case p.Score < t.cfg.IndependentMinScore:
		case p.Direction != predictor.DirectionLong: // shorts are not taken
		case !t.whitelist[p.Symbol]:
		case in.OperatorHeld[p.Symbol]:
		case activeSymbols[p.Symbol]:
		case in.TargetHeld[p.Symbol]:
		default:
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// openPosition dispatches one entry and persists its record. Returns true
// when the slot was consumed.
func (t *Trader) openPosition(ctx context.Context, cand predictor.Snapshot, budget decimal.Decimal, mids map[string]decimal.Decimal) bool {
	mid, ok := mids[cand.Symbol]
	if !ok || !mid.IsPositive() {
		return false
	}
	meta, ok := t.meta.Get(cand.Symbol)
	if !ok {
		log.Warn().Str("symbol", cand.Symbol).Msg("No metadata, independent entry skipped")
		return false
	}

	leverage := t.cfg.IndependentLeverage
	if meta.MaxLeverage > 0 && leverage > meta.MaxLeverage {
		leverage = meta.MaxLeverage
	}

	notional := budget.Mul(decimal.NewFromInt(int64(leverage)))
	size := notional.Div(mid).Truncate(meta.SizeDecimals)
	if !size.IsPositive() {
		return false
	}

	result, err := t.gateway.Execute(ctx, venue.OrderIntent{
		Symbol:   cand.Symbol,
		Side:     venue.SideLong,
		Size:     size,
		Mid:      mid,
		Leverage: leverage,
	})
	if err != nil {
		log.Error().Err(err).Str("symbol", cand.Symbol).Msg("Independent entry failed")
		return false
	}
	if result.Skipped {
		log.Warn().Str("symbol", cand.Symbol).Str("reason", result.SkipReason).
			Msg("Independent entry skipped by gateway")
		return false
	}

	entryPrice := result.AvgPrice
	if !entryPrice.IsPositive() {
		entryPrice = mid
	}
	filled := result.FilledSize
	if !filled.IsPositive() {
		filled = size
	}

	// Fills can print above the sizing mid; the booked notional stays within
	// the budgeted amount so the allocation cap sums what was allotted.
	booked := filled.Mul(entryPrice)
	if booked.GreaterThan(notional) {
		booked = notional
	}

	tp, sl := t.exit.Prices(entryPrice)
	now := time.Now().UTC()
	pos := &database.IndependentPosition{
		ID:                uuid.NewString(),
		Symbol:            cand.Symbol,
		Side:              string(venue.SideLong),
		EntryPrice:        entryPrice,
		Size:              filled,
		NotionalUsd:       booked,
		Leverage:          leverage,
		TpPrice:           tp,
		SlPrice:           sl,
		TimeoutAt:         now.Add(time.Duration(t.cfg.IndependentHoldHours) * time.Hour),
		Status:            database.StatusOpen,
		PredictionScore:   cand.Score,
		PredictionReasons: strings.Join(cand.Reasons, ","),
	}
	if err := t.db.SaveIndependentPosition(ctx, pos); err != nil {
		log.Error().Err(err).Str("symbol", cand.Symbol).Msg("Independent position insert failed")
		return true // the order went out; the slot is consumed regardless
	}

	log.Info().Str("symbol", cand.Symbol).Float64("score", cand.Score).
		Str("size", filled.String()).Str("entry", entryPrice.String()).
		Int("leverage", leverage).Msg("🚀 Independent position opened")
	return true
}

// ManagePositions walks the active book once per scan: target confirmation
// and conflict first, then the exit policy.
func (t *Trader) ManagePositions(ctx context.Context, in ManageInput) {
	if !t.Enabled() {
		return
	}

	positions, err := t.db.ActiveIndependentPositions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Independent book read failed, skipping management")
		return
	}

	now := time.Now().UTC()
	for i := range positions {
		pos := &positions[i]

		mid, ok := in.Mids[pos.Symbol]
		if !ok || !mid.IsPositive() {
			log.Debug().Str("symbol", pos.Symbol).Msg("No mid price, management deferred")
			continue
		}

		if in.Target != nil {
			if targetPos, held := in.Target.Position(pos.Symbol); held {
				if targetPos.Side() == venue.SideLong {
					if pos.Status != database.StatusConfirmed {
						if err := t.Confirm(ctx, pos.Symbol); err != nil {
							log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Confirmation failed")
						}
					}
					continue // copy planner owns sizing now
				}
				// Target went the other way; get out immediately.
				t.closePosition(ctx, pos, mid, database.ExitTargetOpposite)
				continue
			}
		}

		if reason, exit := t.exit.ShouldExit(pos, mid, now); exit {
			t.closePosition(ctx, pos, mid, reason)
		}
	}
}

// closePosition closes the venue position and writes the terminal record:
// status, exit price, reason, realized P&L, and close time together.
func (t *Trader) closePosition(ctx context.Context, pos *database.IndependentPosition, mid decimal.Decimal, reason string) {
	result, err := t.gateway.Close(ctx, pos.Symbol, decimal.NewFromInt(1), mid)
	if err != nil {
		// The next scan retries; closes are never suppressed.
		log.Error().Err(err).Str("symbol", pos.Symbol).Str("reason", reason).
			Msg("Independent close failed")
		return
	}

	exitPrice := mid
	if result != nil && result.AvgPrice.IsPositive() {
		exitPrice = result.AvgPrice
	}

	realized := exitPrice.Sub(pos.EntryPrice).Mul(pos.Size) // long-only book
	var realizedPct decimal.Decimal
	if pos.EntryPrice.IsPositive() {
		realizedPct = exitPrice.Sub(pos.EntryPrice).Div(pos.EntryPrice).Mul(decimal.NewFromInt(100))
	}

	now := time.Now().UTC()
	err = t.db.UpdateIndependentPosition(ctx, pos.ID, map[string]interface{}{
		"status":           database.StatusClosed,
		"exit_price":       exitPrice,
		"exit_reason":      reason,
		"realized_pnl":     realized,
		"realized_pnl_pct": realizedPct,
		"closed_at":        &now,
	})
	if err != nil {
		log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Independent close record failed")
		return
	}

	log.Info().Str("symbol", pos.Symbol).Str("reason", reason).
		Str("exit", exitPrice.String()).Str("pnl", realized.StringFixed(2)).
		Msg("📕 Independent position closed")
}
