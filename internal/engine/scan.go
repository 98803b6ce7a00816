package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/web3guy0/hypermirror/internal/config"
	"github.com/web3guy0/hypermirror/internal/trader"
	"github.com/web3guy0/hypermirror/internal/venue"
)

// scanState is the immutable account snapshot one scan plans from, plus the
// shared traded-symbol set written by concurrent symbol workers.
type scanState struct {
	scanID      string
	target      *venue.AccountState
	operator    *venue.AccountState
	mids        map[string]decimal.Decimal
	scaleFactor decimal.Decimal

	mu     sync.Mutex
	traded map[string]bool
}

func (s *scanState) markTraded(symbol string) {
	s.mu.Lock()
	s.traded[symbol] = true
	s.mu.Unlock()
}

func (s *scanState) tradedSet() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.traded))
	for k, v := range s.traded {
		out[k] = v
	}
	return out
}

// runScan is one full reconciliation pass: health, snapshots, predictions,
// the independent book, then the copy planner over every held symbol.
func (e *Engine) runScan(ctx context.Context) error {
	e.expireCooldowns()

	if err := e.db.Ping(ctx); err != nil {
		e.metrics.StoreHealthFailures.Inc()
		log.Warn().Err(err).Msg("⚠️ Store probe failed, reconnecting")
		if err := e.db.Reconnect(ctx); err != nil {
			return fmt.Errorf("store unavailable: %w", err)
		}
	}

	if e.meta.Empty() {
		if err := e.meta.Populate(ctx, e.info); err != nil {
			return fmt.Errorf("instrument metadata: %w", err)
		}
	}

	var (
		target   *venue.AccountState
		operator *venue.AccountState
		mids     map[string]decimal.Decimal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		target, err = e.info.ClearinghouseState(gctx, e.cfg.TargetAccount)
		return err
	})
	g.Go(func() error {
		var err error
		operator, err = e.info.ClearinghouseState(gctx, e.cfg.OperatorAccount)
		return err
	})
	g.Go(func() error {
		var err error
		mids, err = e.fetchMids(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("state fetch: %w", err)
	}

	scale, err := e.computeScale(target, operator)
	if err != nil {
		return err
	}

	sc := &scanState{
		scanID:      uuid.NewString(),
		target:      target,
		operator:    operator,
		mids:        mids,
		scaleFactor: scale,
		traded:      make(map[string]bool),
	}

	universe := e.predictionUniverse(target, operator)
	if e.refresher != nil {
		e.refresher.Refresh(ctx, universe)
	}

	e.recorder.LogPredictions(ctx, sc.scanID, universe, mids)
	e.metrics.PredictionsRecorded.Add(float64(len(e.recorder.Current())))

	if e.trader.Enabled() {
		e.trader.ProcessSignals(ctx, trader.SignalInput{
			Predictions:  e.recorder.Current(),
			OperatorHeld: operator.HeldSymbols(),
			TargetHeld:   target.HeldSymbols(),
			Equity:       operator.Portfolio.Equity,
			Withdrawable: operator.Portfolio.Withdrawable,
			Mids:         mids,
		})
		e.trader.ManagePositions(ctx, trader.ManageInput{Mids: mids, Target: target})
	}

	synced := 0
	if e.cfg.EnableCopyTrading {
		synced = e.syncAll(ctx, sc)
	}

	e.recorder.FinalizeScanPredictions(ctx, sc.tradedSet())

	e.mu.Lock()
	due := time.Since(e.lastValidatedAt) >= validateEvery
	e.mu.Unlock()
	if due {
		n := e.recorder.ValidatePastPredictions(ctx)
		e.metrics.PredictionsChecked.Add(float64(n))
		e.mu.Lock()
		e.lastValidatedAt = time.Now()
		e.mu.Unlock()
	}

	if positions, err := e.db.ActiveIndependentPositions(ctx); err == nil {
		e.metrics.IndependentOpen.Set(float64(len(positions)))
	}

	log.Info().Str("scan_id", sc.scanID).Int("symbols", synced).
		Int("actions", len(sc.tradedSet())).Str("scale", scale.StringFixed(4)).
		Msg("📋 Books reconciled")
	return nil
}

// fetchMids prefers fresh websocket mids and falls back to REST when the feed
// is absent or stale.
func (e *Engine) fetchMids(ctx context.Context) (map[string]decimal.Decimal, error) {
	if e.feed != nil {
		maxAge := time.Duration(e.cfg.WSStaleSeconds) * time.Second
		if mids, ok := e.feed.Fresh(maxAge); ok {
			return mids, nil
		}
		log.Warn().Msg("📡 Websocket mids stale, falling back to REST")
	}
	return e.info.AllMids(ctx)
}

// computeScale returns the size multiplier applied to every target position.
// Exact mode copies one-for-one; scaled mode follows the equity ratio.
func (e *Engine) computeScale(target, operator *venue.AccountState) (decimal.Decimal, error) {
	if e.cfg.CopyMode == config.CopyModeExact {
		return decimal.NewFromInt(1), nil
	}
	if !target.Portfolio.Equity.IsPositive() {
		return decimal.Zero, fmt.Errorf("target equity %s, scale factor undefined",
			target.Portfolio.Equity.String())
	}
	return operator.Portfolio.Equity.
		Div(target.Portfolio.Equity).
		Mul(e.cfg.ScaleMultiplier), nil
}

// predictionUniverse is every symbol either account holds plus the
// independent whitelist, sorted for deterministic iteration.
func (e *Engine) predictionUniverse(target, operator *venue.AccountState) []string {
	set := make(map[string]bool)
	for s := range target.HeldSymbols() {
		set[s] = true
	}
	for s := range operator.HeldSymbols() {
		set[s] = true
	}
	if e.trader.Enabled() {
		for _, s := range e.trader.Whitelist() {
			set[s] = true
		}
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// syncAll runs the planner over the union of held symbols, at most
// syncBatchSize concurrently, each under its own timeout. Returns how many
// symbols were considered.
func (e *Engine) syncAll(ctx context.Context, sc *scanState) int {
	set := make(map[string]bool)
	for s := range sc.target.HeldSymbols() {
		set[s] = true
	}
	for s := range sc.operator.HeldSymbols() {
		set[s] = true
	}
	symbols := make([]string, 0, len(set))
	for s := range set {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	sem := semaphore.NewWeighted(syncBatchSize)
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			defer sem.Release(1)
			sctx, cancel := context.WithTimeout(ctx, perSymbolTimeout)
			defer cancel()
			e.syncSymbol(sctx, sc, symbol)
		}(symbol)
	}
	wg.Wait()
	return len(symbols)
}
