package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const orderTimeout = 30 * time.Second

// ExchangeClient submits signed actions to the venue's exchange endpoint.
type ExchangeClient struct {
	http      *resty.Client
	signer    *ActionSigner
	lastNonce atomic.Int64
}

// Compile-time interface compliance check
var _ Exchange = (*ExchangeClient)(nil)

// NewExchangeClient creates an exchange client bound to the given signer.
func NewExchangeClient(baseURL string, signer *ActionSigner) *ExchangeClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(orderTimeout).
		SetHeader("Content-Type", "application/json")

	return &ExchangeClient{http: client, signer: signer}
}

// Wire actions. Msgpack field order must match the order the venue hashes,
// so struct field order here is load-bearing.

type limitWire struct {
	Tif string `msgpack:"tif" json:"tif"`
}

type orderTypeWire struct {
	Limit *limitWire `msgpack:"limit,omitempty" json:"limit,omitempty"`
}

type orderWire struct {
	Asset      int           `msgpack:"a" json:"a"`
	IsBuy      bool          `msgpack:"b" json:"b"`
	LimitPx    string        `msgpack:"p" json:"p"`
	Size       string        `msgpack:"s" json:"s"`
	ReduceOnly bool          `msgpack:"r" json:"r"`
	Type       orderTypeWire `msgpack:"t" json:"t"`
	Cloid      *string       `msgpack:"c,omitempty" json:"c,omitempty"`
}

type orderAction struct {
	Type     string      `msgpack:"type" json:"type"`
	Orders   []orderWire `msgpack:"orders" json:"orders"`
	Grouping string      `msgpack:"grouping" json:"grouping"`
}

type updateLeverageAction struct {
	Type     string `msgpack:"type" json:"type"`
	Asset    int    `msgpack:"asset" json:"asset"`
	IsCross  bool   `msgpack:"isCross" json:"isCross"`
	Leverage int    `msgpack:"leverage" json:"leverage"`
}

type exchangeRequest struct {
	Action    interface{} `json:"action"`
	Nonce     int64       `json:"nonce"`
	Signature *Signature  `json:"signature"`
}

type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type orderResponseData struct {
	Type string `json:"type"`
	Data struct {
		Statuses []orderStatus `json:"statuses"`
	} `json:"data"`
}

type orderStatus struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		Oid     int64  `json:"oid"`
	} `json:"filled,omitempty"`
	Error string `json:"error,omitempty"`
}

// SubmitOrder submits an aggressive IoC limit order.
func (c *ExchangeClient) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	wire := orderWire{
		Asset:      req.AssetIndex,
		IsBuy:      req.Buy,
		LimitPx:    req.LimitPrice.String(),
		Size:       req.Size.String(),
		ReduceOnly: req.ReduceOnly,
		Type:       orderTypeWire{Limit: &limitWire{Tif: "Ioc"}},
	}
	if req.Cloid != "" {
		cloid := req.Cloid
		wire.Cloid = &cloid
	}
	action := orderAction{
		Type:     "order",
		Orders:   []orderWire{wire},
		Grouping: "na",
	}

	raw, err := c.post(ctx, action)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", req.Symbol, err)
	}

	var data orderResponseData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("order %s: decode response: %w", req.Symbol, err)
	}
	if len(data.Data.Statuses) == 0 {
		return nil, fmt.Errorf("order %s: empty status list", req.Symbol)
	}

	st := data.Data.Statuses[0]
	switch {
	case st.Error != "":
		return nil, fmt.Errorf("order %s: %w: %s", req.Symbol, ErrOrderRejected, st.Error)
	case st.Filled != nil:
		return &OrderResult{
			OrderID:    st.Filled.Oid,
			FilledSize: parseDecimal(st.Filled.TotalSz),
			AvgPrice:   parseDecimal(st.Filled.AvgPx),
		}, nil
	case st.Resting != nil:
		// IoC orders should not rest, but record it if the venue says so.
		return &OrderResult{OrderID: st.Resting.Oid, Resting: true}, nil
	}
	return nil, fmt.Errorf("order %s: unrecognized status", req.Symbol)
}

// UpdateLeverage sets the leverage for one asset. Cross-margin unless the
// instrument is isolated-only.
func (c *ExchangeClient) UpdateLeverage(ctx context.Context, assetIndex int, cross bool, leverage int) error {
	action := updateLeverageAction{
		Type:     "updateLeverage",
		Asset:    assetIndex,
		IsCross:  cross,
		Leverage: leverage,
	}
	if _, err := c.post(ctx, action); err != nil {
		return fmt.Errorf("updateLeverage asset %d: %w", assetIndex, err)
	}
	return nil
}

// post signs and submits one action, returning the raw response payload.
func (c *ExchangeClient) post(ctx context.Context, action interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, orderTimeout)
	defer cancel()

	nonce := c.nextNonce()
	sig, err := c.signer.SignAction(action, nonce)
	if err != nil {
		return nil, err
	}

	var out exchangeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(exchangeRequest{Action: action, Nonce: nonce, Signature: sig}).
		SetResult(&out).
		Post("/exchange")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode(), resp.String())
	}
	if out.Status != "ok" {
		var msg string
		if err := json.Unmarshal(out.Response, &msg); err != nil {
			msg = string(out.Response)
		}
		log.Warn().Str("status", out.Status).Str("response", msg).Msg("Exchange action refused")
		return nil, fmt.Errorf("%w: %s", ErrOrderRejected, msg)
	}
	return out.Response, nil
}

// nextNonce returns a strictly increasing millisecond nonce. Two actions in
// the same millisecond must not share one.
func (c *ExchangeClient) nextNonce() int64 {
	for {
		now := time.Now().UnixMilli()
		last := c.lastNonce.Load()
		if now <= last {
			now = last + 1
		}
		if c.lastNonce.CompareAndSwap(last, now) {
			return now
		}
	}
}
