package predictor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hypermirror/internal/database"
	"github.com/web3guy0/hypermirror/internal/marketdata"
)

const (
	// validateBatchSize bounds one validation pass.
	validateBatchSize = 100

	// highConfidenceScore splits the validation predicate: at or above it a
	// prediction is judged on direction, below it on having stayed out.
	highConfidenceScore = 70.0
)

// Snapshot is the in-memory mirror of one current-scan prediction, consumed
// by the independent trader and the planner's action-log calls.
type Snapshot struct {
	ID         string
	Symbol     string
	Score      float64
	Direction  int
	Reasons    []string
	EntryPrice decimal.Decimal
}

// Recorder persists one scored prediction per universe symbol per scan and
// validates past predictions once they age past the window.
type Recorder struct {
	db     *database.Store
	scorer Scorer
	window time.Duration

	mu      sync.RWMutex
	current map[string]Snapshot
}

// NewRecorder creates a recorder using scorer, validating after window.
func NewRecorder(db *database.Store, scorer Scorer, window time.Duration) *Recorder {
	return &Recorder{
		db:      db,
		scorer:  scorer,
		window:  window,
		current: make(map[string]Snapshot),
	}
}

// LogPredictions scores every universe symbol with a known mid and persists
// one record each. The in-memory map from the previous scan is cleared first.
func (r *Recorder) LogPredictions(ctx context.Context, scanID string, symbols []string, mids map[string]decimal.Decimal) {
	r.mu.Lock()
	r.current = make(map[string]Snapshot, len(symbols))
	r.mu.Unlock()

	now := time.Now().UTC()
	for _, symbol := range symbols {
		mid, ok := mids[symbol]
		if !ok || !mid.IsPositive() {
			log.Debug().Str("symbol", symbol).Msg("No mid price, prediction skipped")
			continue
		}

		price, _ := mid.Float64()
		state := buildMarketState(ctx, r.db, symbol, price)
		score, direction, reasons := r.scorer.Score(symbol, state)

		features, err := json.Marshal(state)
		if err != nil {
			features = []byte("{}")
		}

		record := &database.Prediction{
			ID:           uuid.NewString(),
			ScanID:       scanID,
			Timestamp:    now,
			Symbol:       symbol,
			Score:        score,
			Confidence:   score / 100,
			Direction:    direction,
			Reasons:      strings.Join(reasons, ","),
			EntryPrice:   mid,
			Features:     string(features),
			ModelVersion: r.scorer.Version(),
		}
		if err := r.db.SavePrediction(ctx, record); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Prediction insert failed")
			continue
		}

		r.mu.Lock()
		r.current[symbol] = Snapshot{
			ID:         record.ID,
			Symbol:     symbol,
			Score:      score,
			Direction:  direction,
			Reasons:    reasons,
			EntryPrice: mid,
		}
		r.mu.Unlock()
	}

	r.mu.RLock()
	count := len(r.current)
	r.mu.RUnlock()
	log.Info().Int("predictions", count).Str("model", r.scorer.Version()).Msg("🧠 Scan predictions recorded")
}

// Current returns a copy of this scan's prediction snapshots.
func (r *Recorder) Current() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.current))
	for _, s := range r.current {
		out = append(out, s)
	}
	return out
}

// LogCopyAction attaches an executed copy action to this scan's prediction
// for symbol. Called by the planner after each dispatch.
func (r *Recorder) LogCopyAction(ctx context.Context, symbol, action, side string, size decimal.Decimal) {
	r.mu.RLock()
	snap, ok := r.current[symbol]
	r.mu.RUnlock()
	if !ok {
		return
	}

	label := 1
	if action == database.ActionNone {
		label = 0
	}
	err := r.db.UpdatePrediction(ctx, snap.ID, map[string]interface{}{
		"copy_action":  action,
		"copy_side":    side,
		"copy_size":    size,
		"actual_label": label,
	})
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Copy action update failed")
	}
}

// FinalizeScanPredictions marks every untraded symbol's record as 'none' so
// each scan record eventually carries a copy action.
func (r *Recorder) FinalizeScanPredictions(ctx context.Context, traded map[string]bool) {
	r.mu.RLock()
	pending := make([]Snapshot, 0, len(r.current))
	for symbol, snap := range r.current {
		if !traded[symbol] {
			pending = append(pending, snap)
		}
	}
	r.mu.RUnlock()

	for _, snap := range pending {
		err := r.db.UpdatePrediction(ctx, snap.ID, map[string]interface{}{
			"copy_action":  database.ActionNone,
			"actual_label": 0,
		})
		if err != nil {
			log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("Prediction finalize failed")
		}
	}
}

// ValidatePastPredictions computes paper P&L for up to one batch of records
// older than the validation window, using the latest stored hourly close as
// the exit price. Returns how many records were validated.
func (r *Recorder) ValidatePastPredictions(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-r.window)
	rows, err := r.db.UnvalidatedPredictions(ctx, cutoff, validateBatchSize)
	if err != nil {
		log.Warn().Err(err).Msg("Validation query failed")
		return 0
	}

	validated := 0
	for _, p := range rows {
		bar, err := r.db.LatestCandle(ctx, p.Symbol, marketdata.Timeframe)
		if err != nil {
			log.Debug().Str("symbol", p.Symbol).Msg("No exit candle yet, validation deferred")
			continue
		}

		exit := decimal.NewFromFloat(bar.Close)
		entry := p.EntryPrice
		direction := decimal.NewFromInt(int64(p.Direction))
		paperPnl := exit.Sub(entry).Mul(direction)
		var paperPnlPct decimal.Decimal
		if entry.IsPositive() {
			paperPnlPct = paperPnl.Div(entry).Mul(decimal.NewFromInt(100))
		}

		pnlPct, _ := paperPnlPct.Float64()
		correct := predictionCorrect(p.Score, p.ActualLabel, pnlPct)
		now := time.Now().UTC()

		err = r.db.UpdatePrediction(ctx, p.ID, map[string]interface{}{
			"exit_price":    exit,
			"paper_pnl":     paperPnl,
			"paper_pnl_pct": paperPnlPct,
			"correct":       &correct,
			"validated_at":  &now,
		})
		if err != nil {
			log.Warn().Err(err).Str("symbol", p.Symbol).Msg("Validation update failed")
			continue
		}
		validated++
	}

	if validated > 0 {
		log.Info().Int("validated", validated).Msg("📊 Past predictions validated")
	}
	return validated
}

// predictionCorrect is the validation predicate. A high-confidence record is
// correct when its direction made money on paper; a low-confidence record is
// correct when no action was taken and acting would not have made money.
func predictionCorrect(score float64, actualLabel int, paperPnlPct float64) bool {
	if score >= highConfidenceScore {
		return paperPnlPct > 0
	}
	return actualLabel == 0 && paperPnlPct <= 0
}
