package venue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	// DefaultSlippage is the market-order slippage bound: buys are quoted at
	// mid*(1+slippage), sells at mid*(1-slippage).
	DefaultSlippage = 0.02

	// Fraction of withdrawable margin an open may consume.
	affordabilityCap = 0.95

	// Leverage updates need a moment to propagate before an order.
	leverageSettleWait = 1 * time.Second
)

// OrderIntent describes one opening (or increasing) order for the gateway.
type OrderIntent struct {
	Symbol string
	Side   Side
	Size   decimal.Decimal
	Mid    decimal.Decimal
	// Leverage to set before ordering; 0 leaves the current setting.
	Leverage int
	// AddToExisting skips the already-open no-op check so the order stacks
	// onto the current position.
	AddToExisting bool
}

// GatewayResult wraps the venue acknowledgement. Skipped means the gateway
// decided no order was needed (already open, or nothing left after caps).
type GatewayResult struct {
	OrderResult
	Skipped    bool
	SkipReason string
}

// Gateway translates position intents into venue API calls. It owns
// slippage pricing, size and price precision, the affordability cap, and
// dry-run short-circuiting. It is idempotent per intent: an open re-reads
// the current position first so an already-open equivalent is a no-op.
type Gateway struct {
	info     Info
	exchange Exchange
	meta     *MetadataCache
	operator string
	slippage decimal.Decimal
	dryRun   bool
}

// NewGateway creates a gateway trading on behalf of the operator account.
func NewGateway(info Info, exchange Exchange, meta *MetadataCache, operator string, dryRun bool) *Gateway {
	return &Gateway{
		info:     info,
		exchange: exchange,
		meta:     meta,
		operator: operator,
		slippage: decimal.NewFromFloat(DefaultSlippage),
		dryRun:   dryRun,
	}
}

// Execute opens or increases a position per the intent.
func (g *Gateway) Execute(ctx context.Context, intent OrderIntent) (*GatewayResult, error) {
	meta, ok := g.meta.Get(intent.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoMetadata, intent.Symbol)
	}
	if !intent.Mid.IsPositive() {
		return nil, fmt.Errorf("execute %s: no mid price", intent.Symbol)
	}
	if intent.Side != SideLong && intent.Side != SideShort {
		return nil, fmt.Errorf("execute %s: side must be long or short", intent.Symbol)
	}

	size := intent.Size.Truncate(meta.SizeDecimals)
	if !size.IsPositive() {
		return &GatewayResult{Skipped: true, SkipReason: "size rounds to zero"}, nil
	}

	if !intent.AddToExisting {
		state, err := g.info.ClearinghouseState(ctx, g.operator)
		if err != nil {
			return nil, fmt.Errorf("execute %s: pre-open state: %w", intent.Symbol, err)
		}
		if pos, held := state.Position(intent.Symbol); held && pos.Side() == intent.Side {
			log.Info().Str("symbol", intent.Symbol).Str("side", string(intent.Side)).
				Str("size", pos.Size().String()).Msg("Position already open, skipping order")
			return &GatewayResult{Skipped: true, SkipReason: "already open"}, nil
		}
	}

	if intent.Leverage > 0 {
		if err := g.setLeverage(ctx, meta, intent.Leverage); err != nil {
			return nil, err
		}
	}

	// Re-read withdrawable and cap the order so it can never overdraw free
	// margin. Shrinking is silent; the scan must not fail over it.
	leverage := intent.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	size, err := g.capToAffordable(ctx, intent.Symbol, size, intent.Mid, leverage, meta.SizeDecimals)
	if err != nil {
		return nil, err
	}
	if !size.IsPositive() {
		return &GatewayResult{Skipped: true, SkipReason: "no affordable size"}, nil
	}

	buy := intent.Side == SideLong
	price := g.slippagePrice(intent.Mid, buy)

	return g.submit(ctx, meta, intent.Symbol, buy, price, size, false)
}

// Close reduces the current position by the given fraction (1 closes it
// fully). Closing is reduce-only and never margin-gated.
func (g *Gateway) Close(ctx context.Context, symbol string, fraction, mid decimal.Decimal) (*GatewayResult, error) {
	meta, ok := g.meta.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoMetadata, symbol)
	}
	if !mid.IsPositive() {
		return nil, fmt.Errorf("close %s: no mid price", symbol)
	}

	state, err := g.info.ClearinghouseState(ctx, g.operator)
	if err != nil {
		return nil, fmt.Errorf("close %s: read state: %w", symbol, err)
	}
	pos, held := state.Position(symbol)
	if !held {
		log.Info().Str("symbol", symbol).Msg("No position to close")
		return &GatewayResult{Skipped: true, SkipReason: "already flat"}, nil
	}

	size := pos.Size()
	if fraction.LessThan(decimal.NewFromInt(1)) {
		size = size.Mul(fraction).Truncate(meta.SizeDecimals)
	}
	if !size.IsPositive() {
		return &GatewayResult{Skipped: true, SkipReason: "close size rounds to zero"}, nil
	}

	// Closing a long sells; closing a short buys.
	buy := pos.Side() == SideShort
	price := g.slippagePrice(mid, buy)

	return g.submit(ctx, meta, symbol, buy, price, size, true)
}

func (g *Gateway) setLeverage(ctx context.Context, meta AssetMeta, leverage int) error {
	cross := !meta.OnlyIsolated
	if g.dryRun {
		log.Info().Str("symbol", meta.Symbol).Int("leverage", leverage).Bool("cross", cross).
			Msg("📝 DRY RUN: updateLeverage")
	} else {
		if err := g.exchange.UpdateLeverage(ctx, meta.AssetIndex, cross, leverage); err != nil {
			return fmt.Errorf("set leverage %s: %w", meta.Symbol, err)
		}
	}
	return sleepCtx(ctx, leverageSettleWait)
}

// capToAffordable shrinks size so notional stays within
// withdrawable*leverage*0.95, re-reading withdrawable at call time.
func (g *Gateway) capToAffordable(ctx context.Context, symbol string, size, mid decimal.Decimal, leverage int, sizeDecimals int32) (decimal.Decimal, error) {
	state, err := g.info.ClearinghouseState(ctx, g.operator)
	if err != nil {
		return decimal.Zero, fmt.Errorf("affordability %s: %w", symbol, err)
	}

	maxNotional := state.Portfolio.Withdrawable.
		Mul(decimal.NewFromInt(int64(leverage))).
		Mul(decimal.NewFromFloat(affordabilityCap))
	notional := size.Mul(mid)
	if notional.LessThanOrEqual(maxNotional) {
		return size, nil
	}

	capped := maxNotional.Div(mid).Truncate(sizeDecimals)
	log.Warn().Str("symbol", symbol).
		Str("requested_notional", notional.StringFixed(2)).
		Str("max_notional", maxNotional.StringFixed(2)).
		Str("capped_size", capped.String()).
		Msg("⚠️ Order shrunk to affordable notional")
	return capped, nil
}

func (g *Gateway) submit(ctx context.Context, meta AssetMeta, symbol string, buy bool, price, size decimal.Decimal, reduceOnly bool) (*GatewayResult, error) {
	req := OrderRequest{
		AssetIndex: meta.AssetIndex,
		Symbol:     symbol,
		Buy:        buy,
		LimitPrice: price,
		Size:       size,
		ReduceOnly: reduceOnly,
		Cloid:      newCloid(),
	}

	if g.dryRun {
		log.Info().Str("symbol", symbol).Bool("buy", buy).
			Str("price", price.String()).Str("size", size.String()).
			Bool("reduce_only", reduceOnly).Str("cloid", req.Cloid).
			Msg("📝 DRY RUN: order")
		return &GatewayResult{OrderResult: OrderResult{FilledSize: size, AvgPrice: price}}, nil
	}

	res, err := g.exchange.SubmitOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	log.Info().Str("symbol", symbol).Bool("buy", buy).
		Str("filled", res.FilledSize.String()).Str("avg_px", res.AvgPrice.String()).
		Int64("oid", res.OrderID).Msg("Order executed")
	return &GatewayResult{OrderResult: *res}, nil
}

// slippagePrice quotes an aggressive limit around the mid and rounds it to
// the instrument's price precision, which shrinks as price magnitude grows.
func (g *Gateway) slippagePrice(mid decimal.Decimal, buy bool) decimal.Decimal {
	one := decimal.NewFromInt(1)
	var px decimal.Decimal
	if buy {
		px = mid.Mul(one.Add(g.slippage))
		return px.RoundUp(priceDecimals(mid))
	}
	px = mid.Mul(one.Sub(g.slippage))
	return px.RoundDown(priceDecimals(mid))
}

func priceDecimals(mid decimal.Decimal) int32 {
	switch {
	case mid.GreaterThanOrEqual(decimal.NewFromInt(10000)):
		return 0
	case mid.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		return 1
	case mid.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return 2
	case mid.GreaterThanOrEqual(decimal.NewFromInt(10)):
		return 3
	case mid.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return 4
	case mid.GreaterThanOrEqual(decimal.NewFromFloat(0.1)):
		return 5
	default:
		return 6
	}
}

// newCloid returns a 128-bit hex client order id.
func newCloid() string {
	return "0x" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
