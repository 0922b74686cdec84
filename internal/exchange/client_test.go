package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newOrderServer returns a test server whose /fapi/v1/order handler is
// supplied by the caller; time and balance endpoints behave normally so the
// client's time sync never interferes with the behavior under test.
func newOrderServer(order http.HandlerFunc) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/time", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().UnixMilli())
	})
	mux.HandleFunc("/fapi/v2/balance", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"asset":"BNB","balance":"0.5"},{"asset":"USDT","balance":"12345.67"}]`)
	})
	if order != nil {
		mux.HandleFunc("/fapi/v1/order", order)
	}
	return httptest.NewServer(mux)
}

func newTestClient(server *httptest.Server) *Client {
	return NewClient("test-key", "test-secret", server.URL, 2*time.Second, 3, 5000)
}

func TestSyncServerTime_RecordsSkew(t *testing.T) {
	server := newOrderServer(nil)
	defer server.Close()

	c := newTestClient(server)
	require.NoError(t, c.SyncServerTime(context.Background()))
	assert.False(t, c.skewFetched.IsZero())
}

func TestGetBalance_ReturnsQuoteAsset(t *testing.T) {
	server := newOrderServer(nil)
	defer server.Close()

	c := newTestClient(server)
	bal, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "USDT", bal.Asset)
	assert.Equal(t, 12345.67, bal.Balance)
}

func TestPlaceMarketOrder_Fill(t *testing.T) {
	var sawAPIKey atomic.Bool
	server := newOrderServer(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") == "test-key" {
			sawAPIKey.Store(true)
		}
		q := r.URL.Query()
		if q.Get("signature") == "" || q.Get("timestamp") == "" {
			http.Error(w, `{"code":-1022,"msg":"Signature for this request is not valid."}`, http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"orderId":123,"clientOrderId":"abc","status":"FILLED","avgPrice":"30010.5","executedQty":"0.01"}`)
	})
	defer server.Close()

	c := newTestClient(server)
	result := c.PlaceMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 0.01})

	assert.Equal(t, OutcomeFilled, result.Outcome)
	assert.Equal(t, int64(123), result.OrderID)
	assert.Equal(t, 30010.5, result.FillPrice)
	assert.Equal(t, 0.01, result.FillQuantity)
	assert.True(t, sawAPIKey.Load())
}

func TestPlaceMarketOrder_RetriesTransient5xxThenFills(t *testing.T) {
	var calls atomic.Int32
	server := newOrderServer(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// A 502 HTML error page, not JSON.
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, "<html><body>502 Bad Gateway</body></html>")
			return
		}
		fmt.Fprint(w, `{"orderId":7,"status":"FILLED","avgPrice":"100","executedQty":"1"}`)
	})
	defer server.Close()

	c := newTestClient(server)
	var retries atomic.Int32
	c.SetRetryHook(func(int) { retries.Add(1) })

	result := c.PlaceMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1})

	assert.Equal(t, OutcomeFilled, result.Outcome)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), retries.Load())
}

func TestPlaceMarketOrder_PercentPriceSkipsWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	server := newOrderServer(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-4131,"msg":"The counterparty's best price does not meet the PERCENT_PRICE filter limit."}`)
	})
	defer server.Close()

	c := newTestClient(server)
	result := c.PlaceMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1})

	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Equal(t, int32(1), calls.Load(), "PERCENT_PRICE is never retried")
}

func TestPlaceMarketOrder_LotSizeFailsFastWithTypedError(t *testing.T) {
	var calls atomic.Int32
	server := newOrderServer(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-1013,"msg":"Filter failure: LOT_SIZE"}`)
	})
	defer server.Close()

	c := newTestClient(server)
	result := c.PlaceMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1})

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.True(t, errors.Is(result.Err, ErrFilterRejected))
	assert.Equal(t, int32(1), calls.Load(), "filter validation errors are not retried")
}

func TestPlaceMarketOrder_OtherClientErrorFailsFast(t *testing.T) {
	var calls atomic.Int32
	server := newOrderServer(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2019,"msg":"Margin is insufficient."}`)
	})
	defer server.Close()

	c := newTestClient(server)
	result := c.PlaceMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1})

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPlaceMarketOrder_TimeSkewResyncsOnceThenSucceeds(t *testing.T) {
	var orderCalls atomic.Int32
	server := newOrderServer(func(w http.ResponseWriter, r *http.Request) {
		if orderCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`)
			return
		}
		fmt.Fprint(w, `{"orderId":9,"status":"FILLED","avgPrice":"100","executedQty":"1"}`)
	})
	defer server.Close()

	c := newTestClient(server)
	result := c.PlaceMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1})

	assert.Equal(t, OutcomeFilled, result.Outcome)
	assert.Equal(t, int32(2), orderCalls.Load())
}

func TestPlaceMarketOrder_AuthRejectionResyncsOnceThenSucceeds(t *testing.T) {
	var orderCalls atomic.Int32
	server := newOrderServer(func(w http.ResponseWriter, r *http.Request) {
		if orderCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`)
			return
		}
		fmt.Fprint(w, `{"orderId":11,"status":"FILLED","avgPrice":"100","executedQty":"1"}`)
	})
	defer server.Close()

	c := newTestClient(server)
	result := c.PlaceMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1})

	assert.Equal(t, OutcomeFilled, result.Outcome)
	assert.Equal(t, int32(2), orderCalls.Load(), "-2015 gets exactly one resync-and-retry")
}

func TestPlaceMarketOrder_AuthRejectionFailsAfterSecondRejection(t *testing.T) {
	var orderCalls atomic.Int32
	server := newOrderServer(func(w http.ResponseWriter, r *http.Request) {
		orderCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`)
	})
	defer server.Close()

	c := newTestClient(server)
	result := c.PlaceMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1})

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, int32(2), orderCalls.Load(), "a repeat -2015 means the credentials really are bad")
}

func TestPlaceMarketOrder_TimeSkewFailsAfterSecondRejection(t *testing.T) {
	server := newOrderServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`)
	})
	defer server.Close()

	c := newTestClient(server)
	result := c.PlaceMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1})

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.True(t, errors.Is(result.Err, ErrTimeSkew))
}

func TestPlaceMarketOrder_GeneratesClientOrderID(t *testing.T) {
	var gotID atomic.Value
	server := newOrderServer(func(w http.ResponseWriter, r *http.Request) {
		gotID.Store(r.URL.Query().Get("newClientOrderId"))
		fmt.Fprint(w, `{"orderId":1,"status":"FILLED","avgPrice":"100","executedQty":"1"}`)
	})
	defer server.Close()

	c := newTestClient(server)
	result := c.PlaceMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1})

	require.Equal(t, OutcomeFilled, result.Outcome)
	assert.NotEmpty(t, result.ClientOrderID)
	assert.Equal(t, result.ClientOrderID, gotID.Load())
}

func TestRoundQuantity_FallbackPrecisionByBaseAsset(t *testing.T) {
	server := newOrderServer(nil)
	defer server.Close()
	c := newTestClient(server)

	assert.InDelta(t, 0.016, c.RoundQuantity("BTCUSDT", 0.016999), 1e-9)
	assert.InDelta(t, 0.049, c.RoundQuantity("ETHUSDT", 0.04999), 1e-9)
	assert.InDelta(t, 1.23, c.RoundQuantity("SOLUSDT", 1.23999), 1e-9)
}

func TestRoundQuantity_UsesLoadedStepSize(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"symbols":[{"symbol":"BTCUSDT","filters":[{"filterType":"PRICE_FILTER","tickSize":"0.1"},{"filterType":"LOT_SIZE","stepSize":"0.005"}]}]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := newTestClient(server)
	require.NoError(t, c.LoadExchangeInfo(context.Background(), []string{"BTCUSDT"}))

	assert.InDelta(t, 0.015, c.RoundQuantity("BTCUSDT", 0.0172), 1e-9)
	// Symbols absent from exchange info keep the fallback rule.
	assert.InDelta(t, 1.23, c.RoundQuantity("SOLUSDT", 1.23999), 1e-9)
}

func TestBuildCanonicalQuery_SignatureVerifiable(t *testing.T) {
	params := map[string]string{"symbol": "BTCUSDT", "side": "BUY", "timestamp": "1690000000000"}
	query := buildCanonicalQuery(params)
	assert.Equal(t, "side=BUY&symbol=BTCUSDT&timestamp=1690000000000", query)
	assert.Len(t, Sign("secret", query), 64)
}
