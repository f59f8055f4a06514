package orderbook

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perpengine/pkg/app/core"
	"github.com/uhyunpark/perpengine/pkg/util"
)

// Level aggregates the resting orders at one price. Quantity always equals
// the sum of the resting orders' remaining quantity.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	orders   []*core.Order // ascending CreatedAt
}

func (l *Level) OrderCount() int { return len(l.orders) }

// Orders returns the resting orders in time priority.
func (l *Level) Orders() []*core.Order {
	out := make([]*core.Order, len(l.orders))
	copy(out, l.orders)
	return out
}

// Front is the oldest resting order at this level.
func (l *Level) Front() *core.Order {
	if len(l.orders) == 0 {
		return nil
	}
	return l.orders[0]
}

// Delta is published on every level change. Quantity zero means the level
// was deleted.
type Delta struct {
	Market    string
	Side      core.Side
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Timestamp time.Time
}

// OrderBook is the per-market price-level index. It is not safe for
// concurrent mutation: the owning market's lock serializes all writers.
// Readers outside that lock use View.
type OrderBook struct {
	market string
	clock  util.Clock

	// ascending by price; best bid is Right(), best ask is Left()
	bids *redblacktree.Tree
	asks *redblacktree.Tree

	index map[string]*core.Order // resting order id -> order

	lastPrice decimal.Decimal
	onDelta   func(Delta)

	view atomic.Pointer[Depth]
}

func priceComparator(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

func NewOrderBook(market string, clock util.Clock) *OrderBook {
	if clock == nil {
		clock = util.RealClock{}
	}
	ob := &OrderBook{
		market: market,
		clock:  clock,
		bids:   redblacktree.NewWith(priceComparator),
		asks:   redblacktree.NewWith(priceComparator),
		index:  make(map[string]*core.Order),
	}
	ob.view.Store(&Depth{Market: market, Timestamp: clock.Now()})
	return ob
}

func (ob *OrderBook) Market() string { return ob.market }

// OnDelta registers the level-delta hook. Must be set before the book is used.
func (ob *OrderBook) OnDelta(fn func(Delta)) { ob.onDelta = fn }

func (ob *OrderBook) side(s core.Side) *redblacktree.Tree {
	if s == core.Buy {
		return ob.bids
	}
	return ob.asks
}

func (ob *OrderBook) emit(s core.Side, price, qty decimal.Decimal) {
	if ob.onDelta == nil {
		return
	}
	ob.onDelta(Delta{Market: ob.market, Side: s, Price: price, Quantity: qty, Timestamp: ob.clock.Now()})
}

// Insert rests order.Remaining at order.Price, creating the level if absent.
func (ob *OrderBook) Insert(o *core.Order) error {
	if !o.Remaining.IsPositive() {
		return fmt.Errorf("orderbook %s: cannot rest order %s with remaining %s", ob.market, o.ID, o.Remaining)
	}
	if !o.Price.IsPositive() {
		return fmt.Errorf("orderbook %s: cannot rest order %s at price %s", ob.market, o.ID, o.Price)
	}
	if _, dup := ob.index[o.ID]; dup {
		return fmt.Errorf("orderbook %s: order %s already resting", ob.market, o.ID)
	}

	tree := ob.side(o.Side)
	var lvl *Level
	if v, found := tree.Get(o.Price); found {
		lvl = v.(*Level)
	} else {
		lvl = &Level{Price: o.Price, Quantity: decimal.Zero}
		tree.Put(o.Price, lvl)
	}

	// keep time priority even when orders are restored out of order
	i := sort.Search(len(lvl.orders), func(i int) bool {
		return lvl.orders[i].CreatedAt.After(o.CreatedAt)
	})
	lvl.orders = append(lvl.orders, nil)
	copy(lvl.orders[i+1:], lvl.orders[i:])
	lvl.orders[i] = o

	lvl.Quantity = lvl.Quantity.Add(o.Remaining)
	ob.index[o.ID] = o
	ob.emit(o.Side, lvl.Price, lvl.Quantity)
	return nil
}

// Remove subtracts qty from the level at price. Callers reduce the resting
// orders' Remaining first; orders left with nothing are dropped from the
// level, and the level is deleted once empty.
func (ob *OrderBook) Remove(s core.Side, price, qty decimal.Decimal) error {
	tree := ob.side(s)
	v, found := tree.Get(price)
	if !found {
		return fmt.Errorf("orderbook %s: no %s level at %s", ob.market, s, price)
	}
	lvl := v.(*Level)
	if qty.GreaterThan(lvl.Quantity) {
		return fmt.Errorf("orderbook %s: remove %s exceeds level %s at %s", ob.market, qty, lvl.Quantity, price)
	}

	lvl.Quantity = lvl.Quantity.Sub(qty)
	kept := lvl.orders[:0]
	for _, o := range lvl.orders {
		if o.Remaining.IsPositive() {
			kept = append(kept, o)
		} else {
			delete(ob.index, o.ID)
		}
	}
	lvl.orders = kept

	if !lvl.Quantity.IsPositive() || len(lvl.orders) == 0 {
		tree.Remove(price)
		ob.emit(s, price, decimal.Zero)
		return nil
	}
	ob.emit(s, price, lvl.Quantity)
	return nil
}

// RemoveOrder takes a resting order off the book along with its remaining
// quantity. Returns false if the order is not resting.
func (ob *OrderBook) RemoveOrder(id string) (*core.Order, bool) {
	o, ok := ob.index[id]
	if !ok {
		return nil, false
	}
	tree := ob.side(o.Side)
	v, found := tree.Get(o.Price)
	if !found {
		delete(ob.index, id)
		return o, true
	}
	lvl := v.(*Level)
	for i, r := range lvl.orders {
		if r.ID == id {
			lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
			break
		}
	}
	delete(ob.index, id)
	lvl.Quantity = lvl.Quantity.Sub(o.Remaining)

	if !lvl.Quantity.IsPositive() || len(lvl.orders) == 0 {
		tree.Remove(o.Price)
		ob.emit(o.Side, o.Price, decimal.Zero)
	} else {
		ob.emit(o.Side, o.Price, lvl.Quantity)
	}
	return o, true
}

// Order looks up a resting order.
func (ob *OrderBook) Order(id string) (*core.Order, bool) {
	o, ok := ob.index[id]
	return o, ok
}

// RestingOrders returns every resting order, bids then asks, in priority order.
func (ob *OrderBook) RestingOrders() []*core.Order {
	var out []*core.Order
	it := ob.bids.Iterator()
	for it.End(); it.Prev(); {
		out = append(out, it.Value().(*Level).orders...)
	}
	it = ob.asks.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*Level).orders...)
	}
	return out
}

// BestBid returns the maximum bid price, false if there are no bids.
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	n := ob.bids.Right()
	if n == nil {
		return decimal.Zero, false
	}
	return n.Key.(decimal.Decimal), true
}

// BestAsk returns the minimum ask price, false if there are no asks.
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	n := ob.asks.Left()
	if n == nil {
		return decimal.Zero, false
	}
	return n.Key.(decimal.Decimal), true
}

// Best returns the best level on side s.
func (ob *OrderBook) Best(s core.Side) *Level {
	var n *redblacktree.Node
	if s == core.Buy {
		n = ob.bids.Right()
	} else {
		n = ob.asks.Left()
	}
	if n == nil {
		return nil
	}
	return n.Value.(*Level)
}

// Level returns the level at price on side s.
func (ob *OrderBook) Level(s core.Side, price decimal.Decimal) (*Level, bool) {
	v, found := ob.side(s).Get(price)
	if !found {
		return nil, false
	}
	return v.(*Level), true
}

// Mid is the average of best bid and best ask; false if either side is empty.
func (ob *OrderBook) Mid() (decimal.Decimal, bool) {
	bid, okb := ob.BestBid()
	ask, oka := ob.BestAsk()
	if !okb || !oka {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// LastPrice is the price of the most recent fill, zero before any trade.
func (ob *OrderBook) LastPrice() decimal.Decimal { return ob.lastPrice }

func (ob *OrderBook) SetLastPrice(p decimal.Decimal) { ob.lastPrice = p }

// LevelCount returns the number of price levels on side s.
func (ob *OrderBook) LevelCount(s core.Side) int { return ob.side(s).Size() }

// Empty reports whether both sides are empty.
func (ob *OrderBook) Empty() bool { return ob.bids.Empty() && ob.asks.Empty() }
