package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmarket/xmarket/internal/book"
	"github.com/xmarket/xmarket/internal/broadcast"
	"github.com/xmarket/xmarket/internal/domain"
	"github.com/xmarket/xmarket/internal/net/ratelimit"
	"github.com/xmarket/xmarket/internal/persistence/memory"
)

type matchingFixture struct {
	store   *memory.Store
	engine  *book.Engine
	router  *mux.Router
	hub     *broadcast.Hub
	nudged  []string
}

func newMatchingFixture(t *testing.T) *matchingFixture {
	t.Helper()
	f := &matchingFixture{store: memory.NewStore(), hub: broadcast.NewHub()}

	f.engine = book.NewEngine(f.store, nil)
	f.engine.SetListener(NewListener(f.engine, f.hub, nil, func(symbol string) {
		f.nudged = append(f.nudged, symbol)
	}))

	m := NewMatching(f.engine, f.hub, nil, 10, 20)
	f.router = mux.NewRouter()
	m.Register(f.router)
	return f
}

func (f *matchingFixture) place(t *testing.T, req placeOrderRequest) (*httptest.ResponseRecorder, placeOrderResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httpReq)

	var res placeOrderResponse
	if rec.Code == http.StatusCreated {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	}
	return rec, res
}

func (f *matchingFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func fptr(v float64) *float64 { return &v }

func TestPlaceOrderEndpoint(t *testing.T) {
	f := newMatchingFixture(t)

	rec, res := f.place(t, placeOrderRequest{
		Symbol: "ELON", UserID: "maker", Side: "buy", Type: "limit", Price: fptr(60), Qty: 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StatusOpen, res.Order.Status)
	assert.Empty(t, res.Trades)
	assert.Empty(t, f.nudged)

	sub := f.hub.Subscribe()
	defer f.hub.Unsubscribe(sub)

	rec, res = f.place(t, placeOrderRequest{
		Symbol: "ELON", UserID: "taker", Side: "sell", Type: "market", Qty: 4,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StatusFilled, res.Order.Status)
	require.Len(t, res.Trades, 1)
	assert.InDelta(t, 60.0, res.Trades[0].Price, 1e-9)
	assert.InDelta(t, 4.0, res.Trades[0].Qty, 1e-9)

	// The listener announced the trade and the updated pressure surface.
	first := <-sub.C()
	assert.Equal(t, broadcast.TypeTradeEvent, first.Type)
	second := <-sub.C()
	assert.Equal(t, broadcast.TypeMarketUpdate, second.Type)

	assert.Equal(t, []string{"ELON"}, f.nudged)
}

func TestPlaceOrderEndpointValidation(t *testing.T) {
	f := newMatchingFixture(t)

	rec, _ := f.place(t, placeOrderRequest{
		Symbol: "ELON", UserID: "maker", Side: "buy", Type: "limit", Price: fptr(60), Qty: 0,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = f.place(t, placeOrderRequest{
		Symbol: "ELON", Side: "buy", Type: "limit", Price: fptr(60), Qty: 1,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPlaceOrderThrottle(t *testing.T) {
	f := newMatchingFixture(t)

	throttled := false
	for i := 0; i < 40; i++ {
		rec, _ := f.place(t, placeOrderRequest{
			Symbol: "ELON", UserID: "spammer", Side: "buy", Type: "limit", Price: fptr(10), Qty: 1,
		})
		if rec.Code == http.StatusTooManyRequests {
			throttled = true
			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "rate_limited", body.Error)
			break
		}
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	assert.True(t, throttled, "burst of 40 orders should hit the per-user limit")

	// Other users are unaffected.
	rec, _ := f.place(t, placeOrderRequest{
		Symbol: "ELON", UserID: "bystander", Side: "buy", Type: "limit", Price: fptr(10), Qty: 1,
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCancelOrderEndpoint(t *testing.T) {
	f := newMatchingFixture(t)

	rec, res := f.place(t, placeOrderRequest{
		Symbol: "ELON", UserID: "maker", Side: "buy", Type: "limit", Price: fptr(60), Qty: 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	path := fmt.Sprintf("/cancel?symbol=ELON&order_id=%s", res.Order.OrderID)
	cancelRec := httptest.NewRecorder()
	f.router.ServeHTTP(cancelRec, httptest.NewRequest(http.MethodPost, path, nil))
	require.Equal(t, http.StatusOK, cancelRec.Code, cancelRec.Body.String())

	var cancelled domain.Order
	require.NoError(t, json.Unmarshal(cancelRec.Body.Bytes(), &cancelled))
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	missing := httptest.NewRecorder()
	f.router.ServeHTTP(missing, httptest.NewRequest(http.MethodPost, "/cancel?symbol=ELON&order_id=ghost", nil))
	assert.Equal(t, http.StatusNotFound, missing.Code)

	bad := httptest.NewRecorder()
	f.router.ServeHTTP(bad, httptest.NewRequest(http.MethodPost, "/cancel?symbol=ELON", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, bad.Code)
}

func TestMarketDataEndpoints(t *testing.T) {
	f := newMatchingFixture(t)

	rec := f.get(t, "/market/ELON/pressure")
	require.Equal(t, http.StatusOK, rec.Code)
	var pressure book.Pressure
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pressure))
	assert.False(t, pressure.HasMarket)
	assert.InDelta(t, 50.0, pressure.MarketPrice, 1e-9)

	_, _ = f.place(t, placeOrderRequest{
		Symbol: "ELON", UserID: "maker", Side: "buy", Type: "limit", Price: fptr(60), Qty: 10,
	})
	_, _ = f.place(t, placeOrderRequest{
		Symbol: "ELON", UserID: "maker", Side: "sell", Type: "limit", Price: fptr(64), Qty: 10,
	})

	rec = f.get(t, "/market/ELON/pressure")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pressure))
	assert.True(t, pressure.HasMarket)
	assert.InDelta(t, 62.0, pressure.MarketPrice, 1e-9)

	rec = f.get(t, "/market/ELON/snapshot?depth=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap book.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.NotNil(t, snap.BestBid)
	require.NotNil(t, snap.BestAsk)
	assert.InDelta(t, 60.0, *snap.BestBid, 1e-9)
	assert.InDelta(t, 64.0, *snap.BestAsk, 1e-9)

	rec = f.get(t, "/market/ELON/snapshot?depth=zero")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestMatchingHealthReportsThrottle(t *testing.T) {
	f := newMatchingFixture(t)

	rec := f.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Status   string                     `json:"status"`
		Throttle map[string]ratelimit.Stats `json:"order_throttle"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Empty(t, health.Throttle, "no buckets before the first order")

	_, _ = f.place(t, placeOrderRequest{
		Symbol: "ELON", UserID: "maker", Side: "buy", Type: "limit", Price: fptr(60), Qty: 1,
	})

	rec = f.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	bucket, ok := health.Throttle["maker"]
	require.True(t, ok, "per-user bucket appears after the first order")
	assert.Equal(t, 10.0, bucket.RPS)
	assert.Equal(t, 20, bucket.Burst)
}
