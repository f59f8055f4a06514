package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/perpengine/pkg/app/core"
	"github.com/uhyunpark/perpengine/pkg/app/core/events"
	"github.com/uhyunpark/perpengine/pkg/app/core/market"
	"github.com/uhyunpark/perpengine/pkg/app/perp"
	"github.com/uhyunpark/perpengine/pkg/util"
)

var (
	alice = common.HexToAddress("0xA11CE000000000000000000000000000000000A1")
	bob   = common.HexToAddress("0xB0B00000000000000000000000000000000000B2")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testEnv struct {
	app *perp.App
	hub *Hub
	srv *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(nil)
	go hub.Run(ctx)

	app := perp.NewApp(
		perp.WithClock(util.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))),
		perp.WithSink(hub),
	)
	p := market.CustomPerpetual(d("0.01"), d("0.001"), 10)
	p.MakerFee, p.TakerFee = decimal.Zero, decimal.Zero
	p.MaintenanceMarginRate = d("0.05")
	perpMkt, err := market.NewMarket("BTC-PERP", "BTC", "USDC", p)
	require.NoError(t, err)
	require.NoError(t, app.AddMarket(perpMkt))
	spot, err := market.NewMarketWithDefaults("ETH-USDC", market.Spot)
	require.NoError(t, err)
	require.NoError(t, app.AddMarket(spot))

	return &testEnv{app: app, hub: hub, srv: NewServer(app, hub)}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code perp.Code) {
	t.Helper()
	assert.Equal(t, status, rec.Code, rec.Body.String())
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, string(code), resp.Error)
	assert.NotEmpty(t, resp.Message)
}

func (e *testEnv) deposit(t *testing.T, user common.Address, asset, amount string) {
	t.Helper()
	rec := e.do(t, "POST", "/api/v1/accounts/"+user.Hex()+"/deposit", TransferRequest{Asset: asset, Amount: d(amount)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (e *testEnv) order(t *testing.T, req SubmitOrderRequest) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", "/api/v1/orders", req)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", resp["status"])
	assert.EqualValues(t, 2, resp["markets"])
}

func TestMarkets(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "GET", "/api/v1/markets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	markets := decode[[]map[string]any](t, rec)
	require.Len(t, markets, 2)

	rec = e.do(t, "GET", "/api/v1/markets/BTC-PERP", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[map[string]any](t, rec)
	assert.Equal(t, "BTC-PERP", m["symbol"])
	assert.Equal(t, "BTC", m["baseAsset"])
	assert.Contains(t, m, "annualizedFundingRate")
	assert.NotContains(t, m, "markPrice", "no prices yet")

	assertError(t, e.do(t, "GET", "/api/v1/markets/NOPE-USDC", nil), http.StatusNotFound, perp.CodeNotFound)
	assertError(t, e.do(t, "GET", "/api/v1/markets/NOPE-USDC/orderbook", nil), http.StatusNotFound, perp.CodeNotFound)
	assertError(t, e.do(t, "GET", "/api/v1/markets/BTC-PERP/orderbook?depth=x", nil), http.StatusBadRequest, perp.CodeInvalidRequest)
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	e.deposit(t, alice, "USDC", "1000")

	rec := e.order(t, SubmitOrderRequest{
		Address: alice.Hex(), Market: "BTC-PERP", Side: "buy", Type: "limit", Price: d("99"), Quantity: d("2"),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	placed := decode[perp.PlaceResult](t, rec)
	assert.Equal(t, core.StatusOpen, placed.Order.Status)
	assert.NotNil(t, placed.Trades)

	rec = e.do(t, "GET", "/api/v1/markets/BTC-PERP/orderbook?depth=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	book := decode[struct {
		Bids []struct {
			Price    decimal.Decimal `json:"price"`
			Quantity decimal.Decimal `json:"quantity"`
		} `json:"bids"`
	}](t, rec)
	require.Len(t, book.Bids, 1)
	assert.True(t, book.Bids[0].Price.Equal(d("99")))
	assert.True(t, book.Bids[0].Quantity.Equal(d("2")))

	rec = e.do(t, "GET", "/api/v1/accounts/"+alice.Hex()+"/balances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balances := decode[[]core.Balance](t, rec)
	require.Len(t, balances, 1)
	assert.True(t, balances[0].Locked.Equal(d("198")))

	rec = e.do(t, "GET", "/api/v1/accounts/"+alice.Hex()+"/orders?status=open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]core.Order](t, rec), 1)

	cancel := CancelOrderRequest{Address: alice.Hex(), OrderID: placed.Order.ID}
	rec = e.do(t, "POST", "/api/v1/orders/cancel", cancel)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, core.StatusCancelled, decode[core.Order](t, rec).Status)

	assertError(t, e.do(t, "POST", "/api/v1/orders/cancel", cancel), http.StatusConflict, perp.CodeCancelFailed)
	assertError(t, e.do(t, "POST", "/api/v1/orders/cancel", CancelOrderRequest{Address: bob.Hex(), OrderID: placed.Order.ID}),
		http.StatusNotFound, perp.CodeNotFound)
	assert.True(t, e.app.Ledger().Balance(alice, "USDC").Free.Equal(d("1000")))
}

func TestOrderErrors(t *testing.T) {
	e := newTestEnv(t)
	e.deposit(t, alice, "USDC", "10")

	assertError(t, e.order(t, SubmitOrderRequest{Address: "nope", Market: "BTC-PERP", Side: "buy", Type: "limit", Price: d("1"), Quantity: d("1")}),
		http.StatusBadRequest, perp.CodeInvalidRequest)
	assertError(t, e.order(t, SubmitOrderRequest{Address: alice.Hex(), Market: "BTC-PERP", Side: "up", Type: "limit", Price: d("1"), Quantity: d("1")}),
		http.StatusBadRequest, perp.CodeInvalidRequest)
	assertError(t, e.order(t, SubmitOrderRequest{Address: alice.Hex(), Market: "BTC-PERP", Side: "buy", Type: "limit", Price: d("100"), Quantity: d("1")}),
		http.StatusUnprocessableEntity, perp.CodeInsufficientBalance)
	assertError(t, e.order(t, SubmitOrderRequest{Address: alice.Hex(), Market: "BTC-PERP", Side: "buy", Type: "market", Quantity: d("1")}),
		http.StatusUnprocessableEntity, perp.CodeOrderFailed)
	assertError(t, e.order(t, SubmitOrderRequest{Address: alice.Hex(), Market: "NOPE-PERP", Side: "buy", Type: "limit", Price: d("1"), Quantity: d("1")}),
		http.StatusUnprocessableEntity, perp.CodeOrderFailed)

	require.NoError(t, e.app.SetMarketStatus("BTC-PERP", market.Paused))
	assertError(t, e.order(t, SubmitOrderRequest{Address: alice.Hex(), Market: "BTC-PERP", Side: "buy", Type: "limit", Price: d("1"), Quantity: d("1")}),
		http.StatusServiceUnavailable, perp.CodeMarketHalted)

	req := httptest.NewRequest("POST", "/api/v1/orders", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	assertError(t, rec, http.StatusBadRequest, perp.CodeInvalidRequest)

	assertError(t, e.do(t, "POST", "/api/v1/accounts/"+alice.Hex()+"/withdraw", TransferRequest{Asset: "USDC", Amount: d("11")}),
		http.StatusUnprocessableEntity, perp.CodeInsufficientBalance)
}

func TestPositionsAndClose(t *testing.T) {
	e := newTestEnv(t)
	e.deposit(t, alice, "USDC", "1000")
	e.deposit(t, bob, "BTC", "2")

	rec := e.order(t, SubmitOrderRequest{Address: bob.Hex(), Market: "BTC-PERP", Side: "sell", Type: "limit", Price: d("100"), Quantity: d("1")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.order(t, SubmitOrderRequest{Address: alice.Hex(), Market: "BTC-PERP", Side: "buy", Type: "limit", Price: d("100"), Quantity: d("1"), Leverage: d("10")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, decode[perp.PlaceResult](t, rec).Trades, 1)

	rec = e.do(t, "GET", "/api/v1/accounts/"+alice.Hex()+"/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	positions := decode[[]map[string]any](t, rec)
	require.Len(t, positions, 1)
	assert.Equal(t, "long", positions[0]["side"])
	assert.Equal(t, "95", positions[0]["liquidationPrice"])
	assert.Equal(t, "100", positions[0]["markPrice"], "last trade price")

	rec = e.do(t, "GET", "/api/v1/risk/at-risk?threshold=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 1)
	assertError(t, e.do(t, "GET", "/api/v1/risk/at-risk?threshold=-1", nil), http.StatusBadRequest, perp.CodeInvalidRequest)

	rec = e.do(t, "GET", "/api/v1/risk/liquidations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode[map[string]any](t, rec)["count"])

	rec = e.do(t, "GET", "/api/v1/markets/BTC-PERP/trades", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]core.Trade](t, rec), 1)

	// no bids to close into
	assertError(t, e.do(t, "POST", "/api/v1/positions/close", ClosePositionRequest{Address: alice.Hex(), Market: "BTC-PERP"}),
		http.StatusUnprocessableEntity, perp.CodeOrderFailed)
	assertError(t, e.do(t, "POST", "/api/v1/positions/close", ClosePositionRequest{Address: bob.Hex(), Market: "ETH-USDC"}),
		http.StatusNotFound, perp.CodeNotFound)

	e.deposit(t, bob, "USDC", "1000")
	rec = e.order(t, SubmitOrderRequest{Address: bob.Hex(), Market: "BTC-PERP", Side: "buy", Type: "limit", Price: d("98"), Quantity: d("1")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.do(t, "POST", "/api/v1/positions/close", ClosePositionRequest{Address: alice.Hex(), Market: "BTC-PERP"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, core.StatusFilled, decode[perp.PlaceResult](t, rec).Order.Status)

	rec = e.do(t, "GET", "/api/v1/accounts/"+alice.Hex()+"/positions", nil)
	assert.Empty(t, decode[[]map[string]any](t, rec))
}

func TestIndexPriceAndFunding(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "POST", "/api/v1/markets/BTC-PERP/index-price", IndexPriceRequest{Price: d("101.5")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	px, err := e.app.Oracle().Price(context.Background(), "BTC-PERP")
	require.NoError(t, err)
	assert.True(t, px.Equal(d("101.5")))

	assertError(t, e.do(t, "POST", "/api/v1/markets/BTC-PERP/index-price", IndexPriceRequest{Price: d("0")}),
		http.StatusBadRequest, perp.CodeInvalidRequest)
	assertError(t, e.do(t, "POST", "/api/v1/markets/NOPE/index-price", IndexPriceRequest{Price: d("1")}),
		http.StatusNotFound, perp.CodeNotFound)

	rec = e.do(t, "GET", "/api/v1/markets/BTC-PERP/funding?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]core.FundingRecord](t, rec))
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(perp.CodeInvalidRequest))
	assert.Equal(t, http.StatusNotFound, statusFor(perp.CodeNotFound))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(perp.CodeInsufficientBalance))
	assert.Equal(t, http.StatusConflict, statusFor(perp.CodeClosePending))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(perp.CodeMarketHalted))
	assert.Equal(t, http.StatusInternalServerError, statusFor(""))
}

func TestNormalizeChannel(t *testing.T) {
	assert.Equal(t, "orders:0xabc", normalizeChannel("orders:0xABC"))
	assert.Equal(t, "orderbook:BTC-PERP", normalizeChannel("orderbook:BTC-PERP"))
	assert.Equal(t, "weird", normalizeChannel("weird"))
	assert.Equal(t, events.UserChannel("positions", alice), normalizeChannel("positions:"+alice.Hex()))
}

func TestWebSocketStreamsSubscribedChannels(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{
		Op:       "subscribe",
		Channels: []string{"orderbook:BTC-PERP", "orders:" + alice.Hex()},
	}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack WSAck
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, 1, e.hub.Clients())

	// bob's spot order is on no subscribed channel
	ctx := context.Background()
	require.NoError(t, e.app.Deposit(ctx, bob, "USDC", d("1000")))
	_, err = e.app.PlaceOrder(ctx, perp.OrderRequest{
		User: bob, Market: "ETH-USDC", Side: core.Buy, Type: core.Limit, Price: d("10"), Quantity: d("1"),
	})
	require.NoError(t, err)
	require.NoError(t, e.app.Deposit(ctx, alice, "USDC", d("1000")))
	_, err = e.app.PlaceOrder(ctx, perp.OrderRequest{
		User: alice, Market: "BTC-PERP", Side: core.Buy, Type: core.Limit, Price: d("99"), Quantity: d("1"),
	})
	require.NoError(t, err)

	seen := map[events.Type]int{}
	for len(seen) < 2 {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		ev, err := events.Unmarshal(msg)
		require.NoError(t, err)
		seen[ev.Type()]++
		switch v := ev.(type) {
		case events.BookDelta:
			assert.Equal(t, "BTC-PERP", v.Market)
		case events.OrderEvent:
			assert.Equal(t, alice, v.Order.User)
			assert.Equal(t, "BTC-PERP", v.Order.Market)
		default:
			t.Fatalf("unexpected %s event", ev.Type())
		}
	}
}
