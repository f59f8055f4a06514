package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/perpengine/pkg/app/core"
)

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	t0    = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// backends runs fn against every store that needs no external service.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("pebble", func(t *testing.T) {
		s, err := NewPebbleStore(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func newOrder(id, market string, user common.Address, status core.OrderStatus, at time.Time) *core.Order {
	o := core.NewOrder(id, market, user, core.Buy, core.Limit, d("100"), d("1"), at)
	o.Status = status
	return o
}

func TestOrderIndexes(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveOrder(ctx, newOrder("o2", "BTC-USDC", alice, core.StatusOpen, t0.Add(time.Second))))
		require.NoError(t, s.SaveOrder(ctx, newOrder("o1", "BTC-USDC", alice, core.StatusPartial, t0)))
		require.NoError(t, s.SaveOrder(ctx, newOrder("o3", "ETH-USDC", bob, core.StatusOpen, t0)))

		open, err := s.ListOrders(ctx, OrderFilter{Market: "BTC-USDC", Statuses: core.ActiveStatuses})
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, "o1", open[0].ID, "ascending creation order")

		mine, err := s.ListOrders(ctx, OrderFilter{User: bob})
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, "o3", mine[0].ID)

		// a status change must move the order between index buckets
		o1, err := s.GetOrder(ctx, "o1")
		require.NoError(t, err)
		o1.Status = core.StatusCancelled
		require.NoError(t, s.SaveOrder(ctx, o1))

		open, err = s.ListOrders(ctx, OrderFilter{Market: "BTC-USDC", Statuses: core.ActiveStatuses})
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "o2", open[0].ID)

		cancelled, err := s.ListOrders(ctx, OrderFilter{User: alice, Statuses: []core.OrderStatus{core.StatusCancelled}})
		require.NoError(t, err)
		require.Len(t, cancelled, 1)

		all, err := s.ListOrders(ctx, OrderFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		_, err = s.GetOrder(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTradesNewestFirst(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.SaveTrade(ctx, &core.Trade{
				ID: fmt.Sprintf("t%d", i), Market: "BTC-USDC", Price: d("100"), Quantity: d("1"),
				CreatedAt: t0.Add(time.Duration(i) * time.Second),
			}))
		}
		require.NoError(t, s.SaveTrade(ctx, &core.Trade{ID: "other", Market: "ETH-USDC", CreatedAt: t0}))

		trades, err := s.ListTrades(ctx, "BTC-USDC", 3)
		require.NoError(t, err)
		require.Len(t, trades, 3)
		assert.Equal(t, "t4", trades[0].ID)
		assert.Equal(t, "t2", trades[2].ID)

		all, err := s.ListTrades(ctx, "BTC-USDC", 0)
		require.NoError(t, err)
		assert.Len(t, all, 5)
	})
}

func TestPositionsAndBalances(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := &core.Position{ID: "p1", User: alice, Market: "BTC-PERP", Side: core.Long, Size: d("1"),
			EntryPrice: d("100"), Status: core.PositionOpen, OpenedAt: t0}
		require.NoError(t, s.SavePosition(ctx, p))

		open, err := s.ListPositions(ctx, PositionFilter{Market: "BTC-PERP", Statuses: []core.PositionStatus{core.PositionOpen}})
		require.NoError(t, err)
		require.Len(t, open, 1)

		p.Status = core.PositionLiquidated
		p.Size = decimal.Zero
		require.NoError(t, s.SavePosition(ctx, p))
		open, err = s.ListPositions(ctx, PositionFilter{User: alice, Statuses: []core.PositionStatus{core.PositionOpen}})
		require.NoError(t, err)
		assert.Empty(t, open)

		got, err := s.GetPosition(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, core.PositionLiquidated, got.Status)

		require.NoError(t, s.SaveBalance(ctx, core.Balance{User: alice, Asset: "USDC", Free: d("10"), Locked: d("1")}))
		require.NoError(t, s.SaveBalance(ctx, core.Balance{User: alice, Asset: "BTC", Free: d("2"), Locked: decimal.Zero}))
		require.NoError(t, s.SaveBalance(ctx, core.Balance{User: bob, Asset: "USDC", Free: d("3"), Locked: decimal.Zero}))
		require.NoError(t, s.SaveBalance(ctx, core.Balance{User: alice, Asset: "USDC", Free: d("9"), Locked: d("2")}))

		bals, err := s.ListBalances(ctx, alice)
		require.NoError(t, err)
		require.Len(t, bals, 2)
		assert.Equal(t, "BTC", bals[0].Asset)
		assert.True(t, bals[1].Free.Equal(d("9")))

		all, err := s.AllBalances(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestFundingHistory(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			require.NoError(t, s.SaveFunding(ctx, &core.FundingRecord{
				ID: fmt.Sprintf("f%d", i), Market: "BTC-PERP", Rate: d("0.0001"),
				Timestamp: t0.Add(time.Duration(i) * time.Hour),
			}))
		}
		recs, err := s.ListFunding(ctx, "BTC-PERP", 2)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "f2", recs[0].ID)
		assert.True(t, recs[0].Rate.Equal(d("0.0001")))
	})
}

func TestPebbleReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := NewPebbleStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveOrder(ctx, newOrder("o1", "BTC-USDC", alice, core.StatusOpen, t0)))
	require.NoError(t, s.Close())

	s, err = NewPebbleStore(dir)
	require.NoError(t, err)
	defer s.Close()
	o, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, o.Price.Equal(d("100")))
	assert.Equal(t, alice, o.User)
}

func TestKeyUpperBound(t *testing.T) {
	assert.Equal(t, []byte("ord;"), keyUpperBound([]byte("ord:")))
	assert.Equal(t, "abc-1", idFromIndexKey(indexKey("ord", "mkt", "BTC-USDC", "open", "abc-1")))
}
