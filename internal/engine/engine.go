// Package engine is the reconciliation core: a single-flight scan loop that
// keeps the operator book convergent with the target book, with the
// prediction recorder and independent trader running inside each scan.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hypermirror/internal/config"
	"github.com/web3guy0/hypermirror/internal/database"
	"github.com/web3guy0/hypermirror/internal/metrics"
	"github.com/web3guy0/hypermirror/internal/predictor"
	"github.com/web3guy0/hypermirror/internal/trader"
	"github.com/web3guy0/hypermirror/internal/venue"
)

const (
	// scanTimeout is how long a running scan holds the single-flight flag
	// before a new tick force-resets it as hung.
	scanTimeout = 4 * time.Minute

	// perSymbolTimeout bounds one symbol's plan+execute step.
	perSymbolTimeout = 30 * time.Second

	// syncBatchSize bounds concurrent per-symbol operations so the venue
	// client is not saturated.
	syncBatchSize = 5

	// orderCooldown suppresses open/flip after a failed order. Closes are
	// never suppressed.
	orderCooldown = 5 * time.Minute

	// validateEvery gates prediction validation to about once an hour.
	validateEvery = time.Hour

	// flipSettleWait separates the close and open legs of a flip.
	flipSettleWait = 2 * time.Second

	// postActionWait lets free margin settle before the next symbol's
	// affordability check.
	postActionWait = 3 * time.Second
)

// minExchangeNotional is the venue's order notional floor in USD.
var minExchangeNotional = decimal.NewFromInt(10)

// marginHeadroom is the safety factor applied to required margin before an
// open or flip is dispatched.
var marginHeadroom = decimal.NewFromFloat(1.2)

// Gateway is the slice of the venue gateway the planner dispatches through.
type Gateway interface {
	Execute(ctx context.Context, intent venue.OrderIntent) (*venue.GatewayResult, error)
	Close(ctx context.Context, symbol string, fraction, mid decimal.Decimal) (*venue.GatewayResult, error)
}

// Recorder is the prediction recorder surface the scan drives.
type Recorder interface {
	LogPredictions(ctx context.Context, scanID string, symbols []string, mids map[string]decimal.Decimal)
	Current() []predictor.Snapshot
	LogCopyAction(ctx context.Context, symbol, action, side string, size decimal.Decimal)
	FinalizeScanPredictions(ctx context.Context, traded map[string]bool)
	ValidatePastPredictions(ctx context.Context) int
}

// IndependentTrader is the independent book surface the scan and planner
// coordinate with.
type IndependentTrader interface {
	Enabled() bool
	Whitelist() []string
	ProcessSignals(ctx context.Context, in trader.SignalInput)
	ManagePositions(ctx context.Context, in trader.ManageInput)
	HasPosition(ctx context.Context, symbol string) (exists, confirmed bool, err error)
	Confirm(ctx context.Context, symbol string) error
}

// Refresher keeps the store's market data current ahead of the recorder.
type Refresher interface {
	Refresh(ctx context.Context, symbols []string)
}

// Status is a point-in-time snapshot for the health endpoint.
type Status struct {
	ScanRunning      bool
	LastScanAt       time.Time
	LastScanDuration time.Duration
	ScansCompleted   int64
}

// Engine owns all scan-scoped shared state: the single-flight flag, the
// failed-order cool-down map, and the metadata cache handle.
type Engine struct {
	cfg       *config.Config
	info      venue.Info
	gateway   Gateway
	meta      *venue.MetadataCache
	db        *database.Store
	recorder  Recorder
	trader    IndependentTrader
	refresher Refresher
	feed      *venue.MidsFeed // optional websocket mids cache
	metrics   *metrics.Metrics

	mu              sync.Mutex
	scanRunning     bool
	scanStartedAt   time.Time
	lastScanAt      time.Time
	lastScanDur     time.Duration
	scansCompleted  int64
	lastValidatedAt time.Time

	failMu       sync.Mutex
	failedOrders map[string]time.Time

	// Settle waits, overridable in tests.
	flipWait time.Duration
	postWait time.Duration
}

// New wires the engine. feed and refresher may be nil.
func New(
	cfg *config.Config,
	info venue.Info,
	gateway Gateway,
	meta *venue.MetadataCache,
	db *database.Store,
	recorder Recorder,
	indep IndependentTrader,
	refresher Refresher,
	feed *venue.MidsFeed,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		cfg:          cfg,
		info:         info,
		gateway:      gateway,
		meta:         meta,
		db:           db,
		recorder:     recorder,
		trader:       indep,
		refresher:    refresher,
		feed:         feed,
		metrics:      m,
		failedOrders: make(map[string]time.Time),
		flipWait:     flipSettleWait,
		postWait:     postActionWait,
	}
}

// Run scans once immediately, then on every cadence tick aligned to the
// wall-clock minute boundary, until ctx is canceled.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.PollInterval()
	log.Info().Dur("interval", interval).Msg("🔄 Reconciliation loop started")

	e.tryScan(ctx)

	for {
		next := time.Now().Truncate(interval).Add(interval)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("Reconciliation loop stopped")
			return
		case <-timer.C:
			e.tryScan(ctx)
		}
	}
}

// tryScan enforces the single-flight guard around one scan body. A previous
// scan older than scanTimeout is considered hung and its flag force-reset.
func (e *Engine) tryScan(ctx context.Context) {
	e.mu.Lock()
	if e.scanRunning {
		if time.Since(e.scanStartedAt) < scanTimeout {
			e.mu.Unlock()
			log.Warn().Msg("⏳ Previous scan still running, tick skipped")
			return
		}
		log.Warn().Time("started_at", e.scanStartedAt).Msg("Previous scan considered hung, flag force-reset")
	}
	e.scanRunning = true
	e.scanStartedAt = time.Now()
	e.mu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Scan panicked")
		}
		dur := time.Since(start)
		e.mu.Lock()
		e.scanRunning = false
		e.lastScanAt = start
		e.lastScanDur = dur
		e.scansCompleted++
		e.mu.Unlock()

		e.metrics.ScansTotal.Inc()
		e.metrics.ScanDuration.Observe(dur.Seconds())
		// One completion line per scan, success or not.
		log.Info().Dur("duration", dur).Msg("🔁 Scan finished")
	}()

	if err := e.runScan(ctx); err != nil {
		log.Error().Err(err).Msg("Scan aborted")
	}
}

// Status returns the snapshot behind /health.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		ScanRunning:      e.scanRunning,
		LastScanAt:       e.lastScanAt,
		LastScanDuration: e.lastScanDur,
		ScansCompleted:   e.scansCompleted,
	}
}

// Failed-order cool-down map. Single writer (the dispatch path); read at the
// top of every symbol's planning step.

func (e *Engine) cooldownActive(symbol string) bool {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	failedAt, ok := e.failedOrders[symbol]
	return ok && time.Since(failedAt) < orderCooldown
}

func (e *Engine) recordFailure(symbol string) {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	e.failedOrders[symbol] = time.Now()
}

func (e *Engine) clearFailure(symbol string) {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	delete(e.failedOrders, symbol)
}

func (e *Engine) expireCooldowns() {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	for symbol, failedAt := range e.failedOrders {
		if time.Since(failedAt) >= orderCooldown {
			delete(e.failedOrders, symbol)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
