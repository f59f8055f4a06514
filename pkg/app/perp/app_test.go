package perp

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/perpengine/pkg/app/core"
	"github.com/uhyunpark/perpengine/pkg/app/core/events"
	"github.com/uhyunpark/perpengine/pkg/app/core/ledger"
	"github.com/uhyunpark/perpengine/pkg/app/core/market"
	"github.com/uhyunpark/perpengine/pkg/oracle"
	"github.com/uhyunpark/perpengine/pkg/storage"
	"github.com/uhyunpark/perpengine/pkg/util"
)

var (
	alice = common.HexToAddress("0xA11CE000000000000000000000000000000000A1")
	bob   = common.HexToAddress("0xB0B00000000000000000000000000000000000B2")
	carol = common.HexToAddress("0xCA40100000000000000000000000000000000003")
	dave  = common.HexToAddress("0xDA7E000000000000000000000000000000000004")
	t0    = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx   = context.Background()
)

const (
	perpSym = "BTC-PERP"
	spotSym = "ETH-USDC"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %s, got %s", want, got.String())
}

type fixture struct {
	app    *App
	clk    *util.ManualClock
	store  *storage.MemoryStore
	rec    *events.Recorder
	oracle *oracle.Static
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clk:    util.NewManualClock(t0),
		store:  storage.NewMemoryStore(),
		rec:    &events.Recorder{},
		oracle: oracle.NewStatic(),
	}
	base := []Option{WithClock(f.clk), WithStore(f.store), WithSink(f.rec), WithOracle(f.oracle)}
	f.app = NewApp(append(base, opts...)...)
	require.NoError(t, f.app.AddMarket(testPerp(t)))
	require.NoError(t, f.app.AddMarket(testSpot(t)))
	return f
}

// testPerp is a fee-free 10x perpetual with a 5% maintenance margin.
func testPerp(t *testing.T) *market.Market {
	t.Helper()
	p := market.CustomPerpetual(d("0.01"), d("0.001"), 10)
	p.MaintenanceMarginRate = d("0.05")
	p.MakerFee = decimal.Zero
	p.TakerFee = decimal.Zero
	m, err := market.NewMarket(perpSym, "BTC", "USDC", p)
	require.NoError(t, err)
	return m
}

// testSpot charges 0.1% maker and 0.2% taker.
func testSpot(t *testing.T) *market.Market {
	t.Helper()
	p := market.DefaultSpot
	p.MakerFee = d("0.001")
	p.TakerFee = d("0.002")
	m, err := market.NewMarket(spotSym, "ETH", "USDC", p)
	require.NoError(t, err)
	return m
}

func (f *fixture) fund(t *testing.T, user common.Address, asset, amount string) {
	t.Helper()
	require.NoError(t, f.app.Deposit(ctx, user, asset, d(amount)))
}

func (f *fixture) limit(t *testing.T, user common.Address, sym string, side core.Side, price, qty string) *PlaceResult {
	t.Helper()
	res, err := f.app.PlaceOrder(ctx, OrderRequest{
		User: user, Market: sym, Side: side, Type: core.Limit, Price: d(price), Quantity: d(qty),
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) bal(user common.Address, asset string) core.Balance {
	return f.app.Ledger().Balance(user, asset)
}

func TestAddMarketSchedulesFunding(t *testing.T) {
	f := newFixture(t)
	m, err := f.app.Market(perpSym)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), m.NextFundingTime)

	s, err := f.app.Market(spotSym)
	require.NoError(t, err)
	assert.True(t, s.NextFundingTime.IsZero())

	assert.Error(t, f.app.AddMarket(testPerp(t)), "duplicate symbol")
	_, err = f.app.Market("NOPE-USDC")
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.Len(t, f.app.Markets(), 2)
}

func TestDepositWithdraw(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "USDC", "100")
	require.NoError(t, f.app.Withdraw(ctx, alice, "USDC", d("40")))
	assertDec(t, "60", f.bal(alice, "USDC").Free)

	err := f.app.Withdraw(ctx, alice, "USDC", d("61"))
	assert.Equal(t, CodeInsufficientBalance, CodeOf(err))
	err = f.app.Deposit(ctx, alice, "USDC", d("-1"))
	assert.Equal(t, CodeInvalidRequest, CodeOf(err))
}

func TestHaltedMarketRejectsOrders(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "USDC", "1000")
	require.NoError(t, f.app.SetMarketStatus(perpSym, market.Paused))

	_, err := f.app.PlaceOrder(ctx, OrderRequest{
		User: alice, Market: perpSym, Side: core.Buy, Type: core.Limit, Price: d("100"), Quantity: d("1"),
	})
	assert.Equal(t, CodeMarketHalted, CodeOf(err))

	require.NoError(t, f.app.SetMarketStatus(perpSym, market.Settled))
	assert.Error(t, f.app.SetMarketStatus(perpSym, market.Active), "settled is terminal")
	_, err = f.app.PlaceOrder(ctx, OrderRequest{
		User: alice, Market: perpSym, Side: core.Buy, Type: core.Limit, Price: d("100"), Quantity: d("1"),
	})
	assert.Equal(t, CodeOrderFailed, CodeOf(err))
}

func TestUnknownMarket(t *testing.T) {
	f := newFixture(t)
	_, err := f.app.PlaceOrder(ctx, OrderRequest{User: alice, Market: "X-Y", Side: core.Buy, Type: core.Limit, Price: d("1"), Quantity: d("1")})
	assert.Equal(t, CodeOrderFailed, CodeOf(err))
	_, err = f.app.Depth("X-Y", 10)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestErrorCodes(t *testing.T) {
	err := wrap(CodeOrderFailed, ledger.ErrInvalidAmount, "x")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	assert.Equal(t, CodeOrderFailed, CodeOf(err))
	assert.Equal(t, CodeInsufficientBalance, CodeOf(&ledger.InsufficientBalanceError{}))
	assert.Equal(t, Code(""), CodeOf(assert.AnError))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestBookChecksumTracksLevels(t *testing.T) {
	f := newFixture(t)
	empty := f.app.BookChecksum()
	f.fund(t, alice, "USDC", "1000")
	res := f.limit(t, alice, perpSym, core.Buy, "99", "1")
	assert.NotEqual(t, empty, f.app.BookChecksum())

	_, err := f.app.CancelOrder(ctx, alice, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, empty, f.app.BookChecksum())
}
