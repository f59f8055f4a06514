package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perpengine/pkg/app/core"
	"github.com/uhyunpark/perpengine/pkg/util"
)

var ErrNoPosition = errors.New("position: no open position")

// Kind classifies what a fill did to a position.
type Kind string

const (
	Opened     Kind = "opened"
	Updated    Kind = "updated"
	Closed     Kind = "closed"
	Liquidated Kind = "liquidated"
)

// Fill is one settled trade leg for a single user.
type Fill struct {
	User     common.Address
	Market   string
	Side     core.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	// Leverage chosen on the order that produced the fill
	Leverage decimal.Decimal
	// ReduceOnly fills never open or grow a position; any excess over the
	// opposite position is ignored.
	ReduceOnly bool
	// Liquidation marks the closing leg of a forced close
	Liquidation bool
}

// Change is a snapshot of a position after a fill touched it.
type Change struct {
	Kind     Kind
	Position *core.Position
	// Realized is the PnL realized by this change (zero for opens and adds)
	Realized decimal.Decimal
}

type key struct {
	user   common.Address
	market string
}

// Manager tracks at most one open position per (user, market).
type Manager struct {
	mu    sync.RWMutex
	open  map[key]*core.Position
	clock util.Clock
	newID func() string
}

func NewManager(clock util.Clock) *Manager {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Manager{
		open:  make(map[key]*core.Position),
		clock: clock,
		newID: uuid.NewString,
	}
}

// Restore loads open positions, e.g. from storage at startup.
func (m *Manager) Restore(positions []*core.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}
		m.open[key{p.User, p.Market}] = p.Clone()
	}
}

// ApplyFill folds one trade leg into the user's position and returns the
// resulting changes in order.
//
// Rules:
//   - no open position: open one at the fill price, margin = notional / leverage
//   - same side: add size, entry price becomes the size-weighted average
//   - opposite side: reduce first, realizing (price - entry) x reduced, sign by side;
//     any excess flips into a new position on the fill's side
//
// A reduction to exactly zero closes the position (liquidated when the fill is
// a liquidation leg). Reduce-only and liquidation fills only ever shrink.
func (m *Manager) ApplyFill(f Fill) ([]Change, error) {
	if !f.Quantity.IsPositive() || !f.Price.IsPositive() {
		return nil, fmt.Errorf("position: invalid fill %s @ %s", f.Quantity, f.Price)
	}
	lev := f.Leverage
	if !lev.IsPositive() {
		lev = decimal.NewFromInt(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	k := key{f.User, f.Market}
	fillSide := core.PositionSideOf(f.Side)
	pos, ok := m.open[k]

	reduceOnly := f.ReduceOnly || f.Liquidation

	if !ok {
		if reduceOnly {
			return nil, nil
		}
		p := m.openLocked(k, fillSide, f.Price, f.Quantity, lev, now)
		return []Change{{Kind: Opened, Position: p.Clone(), Realized: decimal.Zero}}, nil
	}

	if pos.Side == fillSide {
		if reduceOnly {
			return nil, nil
		}
		newSize := pos.Size.Add(f.Quantity)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Size).Add(f.Price.Mul(f.Quantity)).Div(newSize)
		pos.Size = newSize
		pos.Margin = pos.Margin.Add(f.Price.Mul(f.Quantity).Div(lev))
		pos.Leverage = effectiveLeverage(pos)
		pos.UpdatedAt = now
		return []Change{{Kind: Updated, Position: pos.Clone(), Realized: decimal.Zero}}, nil
	}

	reduced := decimal.Min(pos.Size, f.Quantity)
	realized := realizedPnL(pos.Side, pos.EntryPrice, f.Price, reduced)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)

	remaining := pos.Size.Sub(reduced)
	var changes []Change
	if remaining.IsZero() {
		pos.Size = decimal.Zero
		pos.Margin = decimal.Zero
		pos.UpdatedAt = now
		pos.ClosedAt = &now
		kind := Closed
		pos.Status = core.PositionClosed
		if f.Liquidation {
			kind = Liquidated
			pos.Status = core.PositionLiquidated
		}
		delete(m.open, k)
		changes = append(changes, Change{Kind: kind, Position: pos.Clone(), Realized: realized})
	} else {
		// margin released in proportion to the closed size; entry price is unchanged
		pos.Margin = pos.Margin.Mul(remaining).Div(pos.Size)
		pos.Size = remaining
		pos.UpdatedAt = now
		changes = append(changes, Change{Kind: Updated, Position: pos.Clone(), Realized: realized})
	}

	if excess := f.Quantity.Sub(reduced); excess.IsPositive() && !reduceOnly {
		p := m.openLocked(k, fillSide, f.Price, excess, lev, now)
		changes = append(changes, Change{Kind: Opened, Position: p.Clone(), Realized: decimal.Zero})
	}
	return changes, nil
}

func (m *Manager) openLocked(k key, side core.PositionSide, price, qty, lev decimal.Decimal, now time.Time) *core.Position {
	p := &core.Position{
		ID:                 m.newID(),
		User:               k.user,
		Market:             k.market,
		Side:               side,
		Size:               qty,
		EntryPrice:         price,
		Margin:             price.Mul(qty).Div(lev),
		Leverage:           lev,
		AccumulatedFunding: decimal.Zero,
		RealizedPnL:        decimal.Zero,
		Status:             core.PositionOpen,
		OpenedAt:           now,
		UpdatedAt:          now,
	}
	m.open[k] = p
	return p
}

// AddFunding books a funding payment on the open position. Positive amounts
// are received, negative amounts paid.
func (m *Manager) AddFunding(user common.Address, market string, amount decimal.Decimal) (*core.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.open[key{user, market}]
	if !ok {
		return nil, ErrNoPosition
	}
	p.AccumulatedFunding = p.AccumulatedFunding.Add(amount)
	p.UpdatedAt = m.clock.Now()
	return p.Clone(), nil
}

// Get returns a copy of the user's open position in market.
func (m *Manager) Get(user common.Address, market string) (*core.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.open[key{user, market}]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// OpenInMarket returns copies of every open position in market, ordered by
// open time.
func (m *Manager) OpenInMarket(market string) []*core.Position {
	return m.collect(func(k key) bool { return k.market == market })
}

// OpenForUser returns copies of every open position the user holds.
func (m *Manager) OpenForUser(user common.Address) []*core.Position {
	return m.collect(func(k key) bool { return k.user == user })
}

func (m *Manager) All() []*core.Position {
	return m.collect(func(key) bool { return true })
}

func (m *Manager) collect(match func(key) bool) []*core.Position {
	m.mu.RLock()
	out := make([]*core.Position, 0)
	for k, p := range m.open {
		if match(k) {
			out = append(out, p.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func realizedPnL(side core.PositionSide, entry, exit, qty decimal.Decimal) decimal.Decimal {
	pnl := exit.Sub(entry).Mul(qty)
	if side == core.Short {
		return pnl.Neg()
	}
	return pnl
}

func effectiveLeverage(p *core.Position) decimal.Decimal {
	if !p.Margin.IsPositive() {
		return p.Leverage
	}
	return p.EntryPrice.Mul(p.Size).Div(p.Margin).Round(4)
}
