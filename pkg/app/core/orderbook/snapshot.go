package orderbook

import (
	"time"

	"github.com/shopspring/decimal"
)

// LevelView is an immutable aggregated level annotated with its notional.
type LevelView struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Notional decimal.Decimal `json:"notional"`
	Orders   int             `json:"orders"`
}

// Depth is a point-in-time copy of the book. Bids descend, asks ascend.
type Depth struct {
	Market    string          `json:"market"`
	Bids      []LevelView     `json:"bids"`
	Asks      []LevelView     `json:"asks"`
	LastPrice decimal.Decimal `json:"lastPrice"`
	Timestamp time.Time       `json:"timestamp"`
}

// BestBid of a published view.
func (d *Depth) BestBid() (decimal.Decimal, bool) {
	if len(d.Bids) == 0 {
		return decimal.Zero, false
	}
	return d.Bids[0].Price, true
}

func (d *Depth) BestAsk() (decimal.Decimal, bool) {
	if len(d.Asks) == 0 {
		return decimal.Zero, false
	}
	return d.Asks[0].Price, true
}

func (d *Depth) Mid() (decimal.Decimal, bool) {
	bid, okb := d.BestBid()
	ask, oka := d.BestAsk()
	if !okb || !oka {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// Truncate returns a copy limited to depth levels per side. depth <= 0 keeps all.
func (d *Depth) Truncate(depth int) *Depth {
	out := *d
	if depth > 0 {
		if len(out.Bids) > depth {
			out.Bids = out.Bids[:depth]
		}
		if len(out.Asks) > depth {
			out.Asks = out.Asks[:depth]
		}
	}
	return &out
}

// Snapshot returns up to depth levels per side. depth <= 0 returns every level.
func (ob *OrderBook) Snapshot(depth int) *Depth {
	snap := &Depth{
		Market:    ob.market,
		Bids:      make([]LevelView, 0),
		Asks:      make([]LevelView, 0),
		LastPrice: ob.lastPrice,
		Timestamp: ob.clock.Now(),
	}

	it := ob.bids.Iterator()
	for it.End(); it.Prev() && (depth <= 0 || len(snap.Bids) < depth); {
		snap.Bids = append(snap.Bids, viewOf(it.Value().(*Level)))
	}
	it = ob.asks.Iterator()
	for it.Next() && (depth <= 0 || len(snap.Asks) < depth) {
		snap.Asks = append(snap.Asks, viewOf(it.Value().(*Level)))
	}
	return snap
}

func viewOf(l *Level) LevelView {
	return LevelView{
		Price:    l.Price,
		Quantity: l.Quantity,
		Notional: l.Price.Mul(l.Quantity),
		Orders:   len(l.orders),
	}
}

// Publish swaps in a fresh snapshot for lock-free readers. Called by the
// owning market once a mutation batch is complete.
func (ob *OrderBook) Publish(depth int) *Depth {
	snap := ob.Snapshot(depth)
	ob.view.Store(snap)
	return snap
}

// View returns the last published snapshot. Safe from any goroutine.
func (ob *OrderBook) View() *Depth {
	return ob.view.Load()
}
