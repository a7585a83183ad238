package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader/internal/schema"
)

func restRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	venueID, err := reg.AddVenue("gdax")
	require.NoError(t, err)
	_, err = reg.AddSymbol("BTC-USD", venueID, schema.ScaleSpec{PriceScale: 2, QuantityScale: 8, FeeScale: 2})
	require.NoError(t, err)
	return reg
}

func newRestClient(t *testing.T, handler http.HandlerFunc) *RestClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewRestClient(server.Client(), nil, server.URL, restRegistry(t))
}

func limitOrderReq() PlaceOrderRequest {
	return PlaceOrderRequest{
		ClientOrderID: "oid-1",
		ProductID:     "BTC-USD",
		Side:          schema.OrderSideBuy,
		Type:          schema.OrderTypeLimit,
		Price:         "50000.00",
		Size:          "1",
	}
}

func TestPlaceOrderAccepted(t *testing.T) {
	var gotPath, gotMethod string
	client := newRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"ex-1","status":"pending"}`))
	})

	ack, err := client.PlaceOrder(context.Background(), limitOrderReq())
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, "ex-1", ack.ExchangeOrderID)
	assert.Equal(t, "/orders", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
}

func TestPlaceOrderBusinessReject(t *testing.T) {
	client := newRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"insufficient funds"}`))
	})

	ack, err := client.PlaceOrder(context.Background(), limitOrderReq())
	require.NoError(t, err)
	assert.False(t, ack.Accepted)
	assert.Equal(t, "insufficient funds", ack.RejectReason)
}

func TestPlaceOrderServerErrorIsTransient(t *testing.T) {
	client := newRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.PlaceOrder(context.Background(), limitOrderReq())
	assert.ErrorIs(t, err, ErrTransient)
}

func TestPlaceOrderRateLimitIsTransient(t *testing.T) {
	client := newRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.PlaceOrder(context.Background(), limitOrderReq())
	assert.ErrorIs(t, err, ErrTransient)
}

func TestPlaceOrderNetworkFailureIsAmbiguous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := NewRestClient(server.Client(), nil, server.URL, restRegistry(t))
	server.Close()

	_, err := client.PlaceOrder(context.Background(), limitOrderReq())
	assert.ErrorIs(t, err, ErrAmbiguous)
}

func TestPlaceOrderSendsSignedHeaders(t *testing.T) {
	signer := testSigner(t)
	var gotKey, gotSign, gotPassphrase string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("CB-ACCESS-KEY")
		gotSign = r.Header.Get("CB-ACCESS-SIGN")
		gotPassphrase = r.Header.Get("CB-ACCESS-PASSPHRASE")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"ex-1"}`))
	}))
	t.Cleanup(server.Close)
	client := NewRestClient(server.Client(), signer, server.URL, restRegistry(t))

	_, err := client.PlaceOrder(context.Background(), limitOrderReq())
	require.NoError(t, err)
	assert.Equal(t, "api-key", gotKey)
	assert.Equal(t, "passphrase", gotPassphrase)
	assert.NotEmpty(t, gotSign)
}

func TestCancelOrderOutcomes(t *testing.T) {
	t.Run("cancelled", func(t *testing.T) {
		client := newRestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/orders/client:oid-1", r.URL.Path)
			assert.Equal(t, http.MethodDelete, r.Method)
			w.WriteHeader(http.StatusOK)
		})
		ack, err := client.CancelOrder(context.Background(), "oid-1")
		require.NoError(t, err)
		assert.True(t, ack.Cancelled)
	})

	t.Run("not found", func(t *testing.T) {
		client := newRestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		_, err := client.CancelOrder(context.Background(), "oid-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("server error", func(t *testing.T) {
		client := newRestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		_, err := client.CancelOrder(context.Background(), "oid-1")
		assert.ErrorIs(t, err, ErrTransient)
	})
}

func TestQueryOrderNotFound(t *testing.T) {
	client := newRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	status, err := client.QueryOrder(context.Background(), "oid-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusNotFound, status.Kind)
	assert.Equal(t, "oid-1", status.ClientOrderID)
}

func TestQueryOrderFilledFetchesFills(t *testing.T) {
	client := newRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orders/client:oid-1":
			w.Write([]byte(`{
				"id": "ex-1",
				"product_id": "BTC-USD",
				"side": "buy",
				"type": "limit",
				"status": "done",
				"done_reason": "filled",
				"price": "50000.00",
				"size": "1",
				"filled_size": "1"
			}`))
		case "/fills":
			assert.Equal(t, "ex-1", r.URL.Query().Get("order_id"))
			w.Write([]byte(`[{
				"trade_id": 77,
				"order_id": "ex-1",
				"product_id": "BTC-USD",
				"price": "50000.00",
				"size": "1",
				"side": "buy",
				"created_at": "2024-01-02T03:04:05.000000Z"
			}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	status, err := client.QueryOrder(context.Background(), "oid-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFilled, status.Kind)
	assert.Equal(t, "ex-1", status.ExchangeOrderID)
	assert.Equal(t, schema.Quantity(100000000), status.FilledQty)
	require.Len(t, status.Fills, 1)
	fill := status.Fills[0]
	assert.Equal(t, "77", fill.ExchangeFillID)
	assert.Equal(t, schema.Price(5000000), fill.Price)
	assert.Equal(t, schema.Quantity(100000000), fill.Qty)
	assert.Equal(t, "oid-1", fill.ClientOrderID)
}

func TestQueryOrderCancelled(t *testing.T) {
	client := newRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"id": "ex-1",
			"product_id": "BTC-USD",
			"side": "sell",
			"status": "done",
			"done_reason": "canceled",
			"price": "50000.00",
			"size": "1",
			"filled_size": "0"
		}`))
	})

	status, err := client.QueryOrder(context.Background(), "oid-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCancelled, status.Kind)
	assert.Equal(t, schema.OrderSideSell, status.Side)
	assert.Equal(t, schema.Quantity(0), status.FilledQty)
}

func TestListOpenOrders(t *testing.T) {
	client := newRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		w.Write([]byte(`[
			{"id":"ex-1","client_oid":"oid-1","product_id":"BTC-USD","side":"buy","status":"open","price":"50000.00","size":"1","filled_size":"0.5"},
			{"id":"ex-2","client_oid":"oid-2","product_id":"UNKNOWN","side":"buy","status":"open","price":"1","size":"1","filled_size":"0"}
		]`))
	})

	// the unknown product is skipped, not fatal
	orders, err := client.ListOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "oid-1", orders[0].ClientOrderID)
	assert.Equal(t, schema.StatusOpen, orders[0].Kind)
	assert.Equal(t, schema.Quantity(50000000), orders[0].FilledQty)
}
