package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Per-call deadlines. Every outbound call is bounded; callers may pass a
// tighter context but never a looser one.
const (
	stateTimeout = 10 * time.Second
	midsTimeout  = 10 * time.Second
	batchTimeout = 20 * time.Second
)

// InfoClient is the REST client for the venue's read-only info endpoint.
// All queries are POSTs to /info with a type-discriminated JSON body.
type InfoClient struct {
	http *resty.Client
}

// Compile-time interface compliance check
var _ Info = (*InfoClient)(nil)

// NewInfoClient creates an info client for the given API base URL.
func NewInfoClient(baseURL string) *InfoClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &InfoClient{http: client}
}

// Wire types

type metaResponse struct {
	Universe []struct {
		Name         string `json:"name"`
		SzDecimals   int32  `json:"szDecimals"`
		MaxLeverage  int    `json:"maxLeverage"`
		OnlyIsolated bool   `json:"onlyIsolated"`
	} `json:"universe"`
}

type clearinghouseResponse struct {
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
	Withdrawable   string `json:"withdrawable"`
	AssetPositions []struct {
		Position struct {
			Coin     string `json:"coin"`
			Szi      string `json:"szi"`
			Leverage struct {
				Type  string `json:"type"`
				Value int    `json:"value"`
			} `json:"leverage"`
			EntryPx       *string `json:"entryPx"`
			LiquidationPx *string `json:"liquidationPx"`
		} `json:"position"`
	} `json:"assetPositions"`
}

type candleRow struct {
	OpenMs  int64  `json:"t"`
	CloseMs int64  `json:"T"`
	Coin    string `json:"s"`
	Itv     string `json:"i"`
	Open    string `json:"o"`
	Close   string `json:"c"`
	High    string `json:"h"`
	Low     string `json:"l"`
	Volume  string `json:"v"`
	Trades  int    `json:"n"`
}

type assetCtx struct {
	Funding string `json:"funding"`
}

// Meta fetches the instrument universe. The slice index of each entry is
// its asset index for order actions.
func (c *InfoClient) Meta(ctx context.Context) ([]AssetMeta, error) {
	ctx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	var out metaResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"type": "meta"}).
		SetResult(&out).
		Post("/info")
	if err != nil {
		return nil, fmt.Errorf("meta: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("meta: http %d", resp.StatusCode())
	}

	metas := make([]AssetMeta, 0, len(out.Universe))
	for i, u := range out.Universe {
		metas = append(metas, AssetMeta{
			Symbol:       u.Name,
			AssetIndex:   i,
			SizeDecimals: u.SzDecimals,
			MaxLeverage:  u.MaxLeverage,
			OnlyIsolated: u.OnlyIsolated,
		})
	}
	return metas, nil
}

// AllMids fetches the full mid-price table.
func (c *InfoClient) AllMids(ctx context.Context) (map[string]decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, midsTimeout)
	defer cancel()

	var out map[string]string
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"type": "allMids"}).
		SetResult(&out).
		Post("/info")
	if err != nil {
		return nil, fmt.Errorf("allMids: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("allMids: http %d", resp.StatusCode())
	}

	mids := make(map[string]decimal.Decimal, len(out))
	for symbol, raw := range out {
		px, err := decimal.NewFromString(raw)
		if err != nil || !px.IsPositive() {
			continue
		}
		mids[symbol] = px
	}
	return mids, nil
}

// ClearinghouseState fetches one account's equity, withdrawable margin, and
// open positions.
func (c *InfoClient) ClearinghouseState(ctx context.Context, account string) (*AccountState, error) {
	ctx, cancel := context.WithTimeout(ctx, stateTimeout)
	defer cancel()

	var out clearinghouseResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"type": "clearinghouseState", "user": account}).
		SetResult(&out).
		Post("/info")
	if err != nil {
		return nil, fmt.Errorf("clearinghouseState %s: %w", account, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("clearinghouseState %s: http %d", account, resp.StatusCode())
	}

	state := &AccountState{
		Portfolio: Portfolio{
			Equity:       parseDecimal(out.MarginSummary.AccountValue),
			Withdrawable: parseDecimal(out.Withdrawable),
		},
	}
	for _, ap := range out.AssetPositions {
		pos := Position{
			Symbol:     ap.Position.Coin,
			SignedSize: parseDecimal(ap.Position.Szi),
			Leverage:   ap.Position.Leverage.Value,
		}
		if ap.Position.EntryPx != nil {
			pos.EntryPrice = parseDecimal(*ap.Position.EntryPx)
		}
		if ap.Position.LiquidationPx != nil {
			pos.LiquidationPrice = parseDecimal(*ap.Position.LiquidationPx)
		}
		if pos.SignedSize.IsZero() {
			continue
		}
		state.Positions = append(state.Positions, pos)
	}
	return state, nil
}

// CandleSnapshot fetches OHLCV bars for one symbol over [start, end].
func (c *InfoClient) CandleSnapshot(ctx context.Context, symbol, interval string, start, end time.Time) ([]Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	body := map[string]interface{}{
		"type": "candleSnapshot",
		"req": map[string]interface{}{
			"coin":      symbol,
			"interval":  interval,
			"startTime": start.UnixMilli(),
			"endTime":   end.UnixMilli(),
		},
	}

	var rows []candleRow
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&rows).
		Post("/info")
	if err != nil {
		return nil, fmt.Errorf("candleSnapshot %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("candleSnapshot %s: http %d", symbol, resp.StatusCode())
	}

	candles := make([]Candle, 0, len(rows))
	for _, r := range rows {
		candles = append(candles, Candle{
			Symbol:    r.Coin,
			Interval:  r.Itv,
			OpenTime:  time.UnixMilli(r.OpenMs).UTC(),
			CloseTime: time.UnixMilli(r.CloseMs).UTC(),
			Open:      parseFloat(r.Open),
			High:      parseFloat(r.High),
			Low:       parseFloat(r.Low),
			Close:     parseFloat(r.Close),
			Volume:    parseFloat(r.Volume),
			Trades:    r.Trades,
		})
	}
	return candles, nil
}

// FundingRates fetches the current funding rate per symbol from the combined
// meta and asset-context query. Contexts come back aligned with the universe
// order.
func (c *InfoClient) FundingRates(ctx context.Context) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"type": "metaAndAssetCtxs"}).
		Post("/info")
	if err != nil {
		return nil, fmt.Errorf("metaAndAssetCtxs: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("metaAndAssetCtxs: http %d", resp.StatusCode())
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(resp.Body(), &parts); err != nil {
		return nil, fmt.Errorf("metaAndAssetCtxs decode: %w", err)
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("metaAndAssetCtxs: short response (%d parts)", len(parts))
	}

	var meta metaResponse
	if err := json.Unmarshal(parts[0], &meta); err != nil {
		return nil, fmt.Errorf("metaAndAssetCtxs meta decode: %w", err)
	}
	var ctxs []assetCtx
	if err := json.Unmarshal(parts[1], &ctxs); err != nil {
		return nil, fmt.Errorf("metaAndAssetCtxs ctx decode: %w", err)
	}

	rates := make(map[string]float64, len(ctxs))
	for i, ac := range ctxs {
		if i >= len(meta.Universe) {
			break
		}
		rates[meta.Universe[i].Name] = parseFloat(ac.Funding)
	}
	return rates, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
