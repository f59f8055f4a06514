package perp

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/perpengine/pkg/app/core"
	"github.com/uhyunpark/perpengine/pkg/app/core/events"
	"github.com/uhyunpark/perpengine/pkg/app/core/market"
	"github.com/uhyunpark/perpengine/pkg/storage"
)

// openAliceLong leaves alice long 1 BTC-PERP at 100 with 10x leverage
// (liquidation price 95) and bob short 1 at 100.
func openAliceLong(t *testing.T, f *fixture) {
	t.Helper()
	f.fund(t, alice, "USDC", "1000")
	f.fund(t, bob, "BTC", "1")
	f.limit(t, bob, perpSym, core.Sell, "100", "1")
	_, err := f.app.PlaceOrder(ctx, OrderRequest{
		User: alice, Market: perpSym, Side: core.Buy, Type: core.Limit,
		Price: d("100"), Quantity: d("1"), Leverage: d("10"),
	})
	require.NoError(t, err)

	p, ok := f.app.positions.Get(alice, perpSym)
	require.True(t, ok)
	assert.Equal(t, core.Long, p.Side)
	assertDec(t, "10", p.Leverage)
}

func TestLiquidationAtMid(t *testing.T) {
	f := newFixture(t)
	openAliceLong(t, f)
	f.fund(t, carol, "USDC", "1000")
	f.fund(t, dave, "BTC", "1")
	f.limit(t, carol, perpSym, core.Buy, "94", "1")

	// no asks, no index: mark falls back to the last trade at 100
	f.app.RunLiquidations(ctx)
	_, ok := f.app.positions.Get(alice, perpSym)
	require.True(t, ok, "healthy position must survive")
	assert.Zero(t, f.app.LiquidationStats().Count)

	// mid (94+96)/2 = 95 reaches the liquidation price
	f.limit(t, dave, perpSym, core.Sell, "96", "1")
	f.app.RunLiquidations(ctx)

	_, ok = f.app.positions.Get(alice, perpSym)
	assert.False(t, ok)

	stored, err := f.store.ListPositions(ctx, storage.PositionFilter{User: alice, Market: perpSym})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, core.PositionLiquidated, stored[0].Status)
	assertDec(t, "-6", stored[0].RealizedPnL)

	stats := f.app.LiquidationStats()
	assert.Equal(t, 1, stats.Count)
	assertDec(t, "94", stats.NotionalLiquidated)
	require.NotNil(t, stats.LastLiquidation)
	assert.Equal(t, t0, *stats.LastLiquidation)

	// spot-style settlement: alice sold her 1 BTC into carol's bid
	assertDec(t, "994", f.bal(alice, "USDC").Free)
	assertDec(t, "0", f.bal(alice, "BTC").Total())

	cp, ok := f.app.positions.Get(carol, perpSym)
	require.True(t, ok)
	assert.Equal(t, core.Long, cp.Side)
	assertDec(t, "94", cp.EntryPrice)

	var liquidated int
	for _, e := range f.rec.OfType(events.TypePosition) {
		if e.(events.PositionEvent).Action == events.PositionLiquidated {
			liquidated++
		}
	}
	assert.Equal(t, 1, liquidated)

	// bob's 1x short is nowhere near 195
	_, ok = f.app.positions.Get(bob, perpSym)
	assert.True(t, ok)
}

func TestLiquidationUsesIndexWithoutMid(t *testing.T) {
	f := newFixture(t)
	openAliceLong(t, f)
	f.fund(t, carol, "USDC", "1000")
	f.limit(t, carol, perpSym, core.Buy, "90", "1")

	f.oracle.Set(perpSym, d("94"))
	f.app.RunLiquidations(ctx)

	_, ok := f.app.positions.Get(alice, perpSym)
	assert.False(t, ok)
	assertDec(t, "990", f.bal(alice, "USDC").Free)
	m, err := f.app.Market(perpSym)
	require.NoError(t, err)
	assertDec(t, "94", m.IndexPrice)
}

func TestLiquidationWithoutLiquidityIsRetried(t *testing.T) {
	f := newFixture(t)
	openAliceLong(t, f)
	f.oracle.Set(perpSym, d("90"))

	f.app.RunLiquidations(ctx)
	_, ok := f.app.positions.Get(alice, perpSym)
	assert.True(t, ok, "nothing to sell into")
	assert.Zero(t, f.app.LiquidationStats().Count)

	f.fund(t, carol, "USDC", "1000")
	f.limit(t, carol, perpSym, core.Buy, "89", "1")
	f.app.RunLiquidations(ctx)
	_, ok = f.app.positions.Get(alice, perpSym)
	assert.False(t, ok)
	assert.Equal(t, 1, f.app.LiquidationStats().Count)
}

func TestLiquidationSkipsPausedMarkets(t *testing.T) {
	f := newFixture(t)
	openAliceLong(t, f)
	f.oracle.Set(perpSym, d("50"))
	require.NoError(t, f.app.SetMarketStatus(perpSym, market.Paused))

	f.app.RunLiquidations(ctx)
	_, ok := f.app.positions.Get(alice, perpSym)
	assert.True(t, ok)
}

func TestAtRisk(t *testing.T) {
	f := newFixture(t)
	openAliceLong(t, f)
	f.fund(t, carol, "USDC", "1000")
	f.fund(t, dave, "BTC", "1")
	f.limit(t, carol, perpSym, core.Buy, "96", "1")
	f.limit(t, dave, perpSym, core.Sell, "98", "1")

	// mark 97, liquidation 95: about 2.06% away
	risks := f.app.AtRisk(d("5"))
	require.Len(t, risks, 1)
	r := risks[0]
	assert.Equal(t, alice, r.Position.User)
	assertDec(t, "97", r.MarkPrice)
	assertDec(t, "95", r.LiquidationPrice)
	assertDec(t, "-3", r.UnrealizedPnL)
	assert.True(t, r.DistancePercent.GreaterThan(d("2.06")) && r.DistancePercent.LessThan(d("2.07")))

	assert.Empty(t, f.app.AtRisk(d("1")))
	assert.Len(t, f.app.AtRisk(d("1000")), 2, "bob's short sorts after alice")
	assert.Equal(t, alice, f.app.AtRisk(d("1000"))[0].Position.User)
}

func TestClosePosition(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "USDC", "1000")
	f.fund(t, bob, "BTC", "4")
	f.fund(t, carol, "USDC", "2000")
	f.limit(t, bob, perpSym, core.Sell, "100", "4")
	f.limit(t, alice, perpSym, core.Buy, "100", "4")
	f.limit(t, carol, perpSym, core.Buy, "99", "10")

	res, err := f.app.ClosePosition(ctx, alice, perpSym, d("2"))
	require.NoError(t, err)
	assert.True(t, res.Order.ReduceOnly)
	assert.Equal(t, core.Sell, res.Order.Side)
	assertDec(t, "2", res.Order.Filled)

	p, ok := f.app.positions.Get(alice, perpSym)
	require.True(t, ok)
	assertDec(t, "2", p.Size)
	assertDec(t, "100", p.EntryPrice)
	assertDec(t, "-2", p.RealizedPnL)

	// oversized requests are clamped to what is left
	res, err = f.app.ClosePosition(ctx, alice, perpSym, d("5"))
	require.NoError(t, err)
	assertDec(t, "2", res.Order.Filled)
	_, ok = f.app.positions.Get(alice, perpSym)
	assert.False(t, ok)
	assertDec(t, "0", f.bal(alice, "BTC").Total())

	_, err = f.app.ClosePosition(ctx, alice, perpSym, decimal.Zero)
	assert.Equal(t, CodeNotFound, CodeOf(err))
	_, err = f.app.ClosePosition(ctx, alice, perpSym, d("-1"))
	assert.Equal(t, CodeInvalidRequest, CodeOf(err))
	_, err = f.app.ClosePosition(ctx, alice, "NOPE-PERP", decimal.Zero)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestClosePositionInFlight(t *testing.T) {
	f := newFixture(t)
	openAliceLong(t, f)

	lk := f.app.closeLock(alice, perpSym)
	lk.Lock()
	_, err := f.app.ClosePosition(ctx, alice, perpSym, decimal.Zero)
	assert.Equal(t, CodeClosePending, CodeOf(err))
	lk.Unlock()

	// other markets and users are independent
	_, err = f.app.ClosePosition(ctx, bob, perpSym, decimal.Zero)
	assert.NotEqual(t, CodeClosePending, CodeOf(err))
}

func TestReduceOnlyIsClamped(t *testing.T) {
	f := newFixture(t)
	openAliceLong(t, f)
	f.fund(t, carol, "USDC", "1000")
	f.limit(t, carol, perpSym, core.Buy, "100", "5")

	res, err := f.app.PlaceOrder(ctx, OrderRequest{
		User: alice, Market: perpSym, Side: core.Sell, Type: core.Market, Quantity: d("3"), ReduceOnly: true,
	})
	require.NoError(t, err)
	assertDec(t, "1", res.Order.Quantity)
	assert.Equal(t, core.StatusFilled, res.Order.Status)
	_, ok := f.app.positions.Get(alice, perpSym)
	assert.False(t, ok)

	// a sell only grows bob's short
	_, err = f.app.PlaceOrder(ctx, OrderRequest{
		User: bob, Market: perpSym, Side: core.Sell, Type: core.Limit, Price: d("100"), Quantity: d("1"), ReduceOnly: true,
	})
	assert.Equal(t, CodeInvalidRequest, CodeOf(err))
}

func TestLiquidationCancelsRestingTakeProfit(t *testing.T) {
	f := newFixture(t)
	openAliceLong(t, f)
	// the take-profit locks the base the forced close has to sell
	tp := f.limit(t, alice, perpSym, core.Sell, "150", "1")
	assertDec(t, "0", f.bal(alice, "BTC").Free)

	f.fund(t, carol, "USDC", "1000")
	f.fund(t, dave, "BTC", "1")
	f.limit(t, carol, perpSym, core.Buy, "94", "1")
	f.limit(t, dave, perpSym, core.Sell, "96", "1")
	f.app.RunLiquidations(ctx)

	_, ok := f.app.positions.Get(alice, perpSym)
	assert.False(t, ok)
	assert.Equal(t, 1, f.app.LiquidationStats().Count)

	stored, err := f.store.GetOrder(ctx, tp.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, stored.Status)
	open, err := f.app.Orders(ctx, alice, core.StatusOpen)
	require.NoError(t, err)
	assert.Empty(t, open)

	assertDec(t, "994", f.bal(alice, "USDC").Free)
	assertDec(t, "0", f.bal(alice, "BTC").Total())
}

func TestWithdrawKeepsPositionBacking(t *testing.T) {
	f := newFixture(t)
	openAliceLong(t, f)

	err := f.app.Withdraw(ctx, alice, "BTC", d("0.5"))
	assert.Equal(t, CodeInsufficientBalance, CodeOf(err))
	assertDec(t, "1", f.bal(alice, "BTC").Free)

	// a long is backed by base only
	require.NoError(t, f.app.Withdraw(ctx, alice, "USDC", d("900")))

	// bob's short needs 1 x 110 of quote to buy back at mark plus slippage
	// and only holds the 100 he sold for
	err = f.app.Withdraw(ctx, bob, "USDC", d("1"))
	assert.Equal(t, CodeInsufficientBalance, CodeOf(err))
	assertDec(t, "100", f.bal(bob, "USDC").Free)

	f.fund(t, carol, "USDC", "1000")
	f.fund(t, dave, "BTC", "1")
	f.limit(t, carol, perpSym, core.Buy, "94", "1")
	f.limit(t, dave, perpSym, core.Sell, "96", "1")
	f.app.RunLiquidations(ctx)

	_, ok := f.app.positions.Get(alice, perpSym)
	assert.False(t, ok)
	assertDec(t, "94", f.bal(alice, "USDC").Free)
}

func TestLiquidationWritesOffUnfundedSize(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "BTC", "1")
	f.fund(t, bob, "USDC", "1000")
	f.limit(t, bob, perpSym, core.Buy, "100", "1")
	_, err := f.app.PlaceOrder(ctx, OrderRequest{
		User: alice, Market: perpSym, Side: core.Sell, Type: core.Limit,
		Price: d("100"), Quantity: d("1"), Leverage: d("10"),
	})
	require.NoError(t, err)
	p, ok := f.app.positions.Get(alice, perpSym)
	require.True(t, ok)
	assert.Equal(t, core.Short, p.Side)
	assertDec(t, "100", f.bal(alice, "USDC").Free)

	// a spot bid elsewhere ties up most of the quote backing the short:
	// 9 x 10 plus the 0.2% taker fee
	f.limit(t, alice, spotSym, core.Buy, "10", "9")
	assertDec(t, "9.82", f.bal(alice, "USDC").Free)

	// mid (104+106)/2 = 105 is the short's liquidation price
	f.fund(t, carol, "USDC", "1000")
	f.fund(t, dave, "BTC", "1")
	f.limit(t, carol, perpSym, core.Buy, "104", "1")
	f.limit(t, dave, perpSym, core.Sell, "106", "1")
	f.app.RunLiquidations(ctx)

	_, ok = f.app.positions.Get(alice, perpSym)
	assert.False(t, ok)

	// 9.82 funds a buy of 0.084 at the 116.6 slippage limit; it fills at 106
	// and the other 0.916 is closed at mark 105
	stored, err := f.store.ListPositions(ctx, storage.PositionFilter{User: alice, Market: perpSym})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, core.PositionLiquidated, stored[0].Status)
	assertDec(t, "-5.084", stored[0].RealizedPnL)

	stats := f.app.LiquidationStats()
	assert.Equal(t, 1, stats.Count)
	assertDec(t, "105.084", stats.NotionalLiquidated)

	assertDec(t, "0.916", f.bal(alice, "USDC").Free)
	assertDec(t, "90.18", f.bal(alice, "USDC").Locked)
	dp, ok := f.app.positions.Get(dave, perpSym)
	require.True(t, ok)
	assertDec(t, "0.084", dp.Size)
}

func TestLiquidationRecomputesMarkAfterEachClose(t *testing.T) {
	f := newFixture(t)
	openAliceLong(t, f)
	f.clk.Advance(time.Second)

	// carol opens later at 5x, liquidation price 85
	f.fund(t, carol, "USDC", "1000")
	f.fund(t, bob, "BTC", "1")
	f.limit(t, bob, perpSym, core.Sell, "100", "1")
	_, err := f.app.PlaceOrder(ctx, OrderRequest{
		User: carol, Market: perpSym, Side: core.Buy, Type: core.Limit,
		Price: d("100"), Quantity: d("1"), Leverage: d("5"),
	})
	require.NoError(t, err)

	// mid (94+96)/2 = 95 only breaches alice. Her close takes the 94 bid
	// and the mid drops to (74+96)/2 = 85.
	f.fund(t, dave, "USDC", "168")
	f.fund(t, dave, "BTC", "1")
	f.limit(t, dave, perpSym, core.Buy, "94", "1")
	f.limit(t, dave, perpSym, core.Buy, "74", "1")
	f.limit(t, dave, perpSym, core.Sell, "96", "1")
	f.app.RunLiquidations(ctx)

	_, ok := f.app.positions.Get(alice, perpSym)
	assert.False(t, ok)
	_, ok = f.app.positions.Get(carol, perpSym)
	assert.False(t, ok)
	assert.Equal(t, 2, f.app.LiquidationStats().Count)
	assertDec(t, "974", f.bal(carol, "USDC").Free)
}
