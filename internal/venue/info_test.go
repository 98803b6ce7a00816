package venue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// infoServer routes /info requests by their type discriminator.
func infoServer(t *testing.T, responses map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/info", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		reqType, _ := body["type"].(string)

		resp, ok := responses[reqType]
		if !ok {
			http.Error(w, "unknown request type", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(resp))
	}))
}

func TestInfoClientMeta(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"meta": `{"universe":[
			{"name":"BTC","szDecimals":5,"maxLeverage":50,"onlyIsolated":false},
			{"name":"ETH","szDecimals":4,"maxLeverage":50,"onlyIsolated":false},
			{"name":"VVV","szDecimals":1,"maxLeverage":5,"onlyIsolated":true}
		]}`,
	})
	defer srv.Close()

	client := NewInfoClient(srv.URL)
	metas, err := client.Meta(context.Background())
	require.NoError(t, err)
	require.Len(t, metas, 3)

	assert.Equal(t, "BTC", metas[0].Symbol)
	assert.Equal(t, 0, metas[0].AssetIndex)
	assert.Equal(t, int32(5), metas[0].SizeDecimals)
	assert.Equal(t, 50, metas[0].MaxLeverage)

	assert.Equal(t, 2, metas[2].AssetIndex, "asset index follows universe order")
	assert.True(t, metas[2].OnlyIsolated)
}

func TestInfoClientAllMids(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"allMids": `{"BTC":"60000.5","ETH":"3000.25","BAD":"not-a-number","ZERO":"0"}`,
	})
	defer srv.Close()

	client := NewInfoClient(srv.URL)
	mids, err := client.AllMids(context.Background())
	require.NoError(t, err)

	assert.Len(t, mids, 2, "unparseable and non-positive mids are dropped")
	assert.True(t, mids["BTC"].Equal(dec("60000.5")))
	assert.True(t, mids["ETH"].Equal(dec("3000.25")))
}

func TestInfoClientClearinghouseState(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"clearinghouseState": `{
			"marginSummary":{"accountValue":"10000.0"},
			"withdrawable":"8000.0",
			"assetPositions":[
				{"type":"oneWay","position":{"coin":"BTC","szi":"0.1","leverage":{"type":"cross","value":10},"entryPx":"60000.0","liquidationPx":"50000.0"}},
				{"type":"oneWay","position":{"coin":"ETH","szi":"-2.0","leverage":{"type":"cross","value":5},"entryPx":"3000.0","liquidationPx":"3600.0"}},
				{"type":"oneWay","position":{"coin":"DUST","szi":"0","leverage":{"type":"cross","value":1},"entryPx":null,"liquidationPx":null}}
			]
		}`,
	})
	defer srv.Close()

	client := NewInfoClient(srv.URL)
	state, err := client.ClearinghouseState(context.Background(), "0xabc")
	require.NoError(t, err)

	assert.True(t, state.Portfolio.Equity.Equal(dec("10000")))
	assert.True(t, state.Portfolio.Withdrawable.Equal(dec("8000")))
	require.Len(t, state.Positions, 2, "zero-size rows are dropped")

	btc := state.Positions[0]
	assert.Equal(t, SideLong, btc.Side())
	assert.Equal(t, 10, btc.Leverage)

	eth := state.Positions[1]
	assert.Equal(t, SideShort, eth.Side())
	assert.True(t, eth.Size().Equal(dec("2")))
}

func TestInfoClientCandleSnapshot(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"candleSnapshot": `[
			{"t":1681923600000,"T":1681927199999,"s":"BTC","i":"1h","o":"29258.0","c":"29215.0","h":"29309.0","l":"29210.0","v":"0.98639","n":189}
		]`,
	})
	defer srv.Close()

	client := NewInfoClient(srv.URL)
	end := time.Now()
	candles, err := client.CandleSnapshot(context.Background(), "BTC", "1h", end.Add(-48*time.Hour), end)
	require.NoError(t, err)
	require.Len(t, candles, 1)

	c := candles[0]
	assert.Equal(t, "BTC", c.Symbol)
	assert.Equal(t, "1h", c.Interval)
	assert.Equal(t, int64(1681923600000), c.OpenTime.UnixMilli())
	assert.Equal(t, 29258.0, c.Open)
	assert.Equal(t, 29215.0, c.Close)
	assert.Equal(t, 189, c.Trades)
}

func TestInfoClientFundingRates(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"metaAndAssetCtxs": `[
			{"universe":[{"name":"BTC","szDecimals":5,"maxLeverage":50},{"name":"ETH","szDecimals":4,"maxLeverage":50}]},
			[{"funding":"0.0000125"},{"funding":"-0.0000042"}]
		]`,
	})
	defer srv.Close()

	client := NewInfoClient(srv.URL)
	rates, err := client.FundingRates(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 0.0000125, rates["BTC"], 1e-12)
	assert.InDelta(t, -0.0000042, rates["ETH"], 1e-12)
}

func TestInfoClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewInfoClient(srv.URL)
	_, err := client.AllMids(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 400")
}

func TestInfoClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"BTC":"60000"}`))
	}))
	defer srv.Close()

	client := NewInfoClient(srv.URL)
	mids, err := client.AllMids(context.Background())
	require.NoError(t, err)
	assert.True(t, mids["BTC"].Equal(dec("60000")))
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}
