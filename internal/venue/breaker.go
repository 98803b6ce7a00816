package venue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// BreakerInfo wraps an Info client with a circuit breaker so a failing venue
// stops being hammered mid-outage. Scans fail fast while the breaker is open
// and resume on the next cadence once it half-opens.
type BreakerInfo struct {
	info    Info
	breaker *gobreaker.CircuitBreaker
}

// Compile-time interface compliance check
var _ Info = (*BreakerInfo)(nil)

// NewBreakerInfo wraps info with a circuit breaker. The breaker trips when
// at least five requests in the window fail at a 60% ratio, stays open for
// 30 seconds, then allows three half-open probes.
func NewBreakerInfo(info Info) *BreakerInfo {
	settings := gobreaker.Settings{
		Name:        "venue-info",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("⚡ Circuit breaker state change")
		},
	}

	return &BreakerInfo{
		info:    info,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// execBreaker runs fn through the breaker, preserving the typed result.
func execBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	result, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

func (b *BreakerInfo) Meta(ctx context.Context) ([]AssetMeta, error) {
	return execBreaker(b.breaker, func() ([]AssetMeta, error) {
		return b.info.Meta(ctx)
	})
}

func (b *BreakerInfo) AllMids(ctx context.Context) (map[string]decimal.Decimal, error) {
	return execBreaker(b.breaker, func() (map[string]decimal.Decimal, error) {
		return b.info.AllMids(ctx)
	})
}

func (b *BreakerInfo) ClearinghouseState(ctx context.Context, account string) (*AccountState, error) {
	return execBreaker(b.breaker, func() (*AccountState, error) {
		return b.info.ClearinghouseState(ctx, account)
	})
}

func (b *BreakerInfo) CandleSnapshot(ctx context.Context, symbol, interval string, start, end time.Time) ([]Candle, error) {
	return execBreaker(b.breaker, func() ([]Candle, error) {
		return b.info.CandleSnapshot(ctx, symbol, interval, start, end)
	})
}

func (b *BreakerInfo) FundingRates(ctx context.Context) (map[string]float64, error) {
	return execBreaker(b.breaker, func() (map[string]float64, error) {
		return b.info.FundingRates(ctx)
	})
}
