package perp

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perpengine/pkg/app/core"
	"github.com/uhyunpark/perpengine/pkg/app/core/orderbook"
	"github.com/uhyunpark/perpengine/pkg/app/core/position"
	"github.com/uhyunpark/perpengine/pkg/storage"
)

// Orders lists user's orders, optionally filtered by status, oldest first.
func (a *App) Orders(ctx context.Context, user common.Address, statuses ...core.OrderStatus) ([]*core.Order, error) {
	return a.store.ListOrders(ctx, storage.OrderFilter{User: user, Statuses: statuses})
}

// Positions lists user's open positions.
func (a *App) Positions(user common.Address) []*core.Position {
	return a.positions.OpenForUser(user)
}

func (a *App) Balances(user common.Address) []core.Balance {
	return a.ledger.Balances(user)
}

// Trades returns the most recent trades in symbol, newest first.
func (a *App) Trades(ctx context.Context, symbol string, limit int) ([]*core.Trade, error) {
	if _, ok := a.state(symbol); !ok {
		return nil, errorf(CodeNotFound, "market %s not found", symbol)
	}
	return a.store.ListTrades(ctx, symbol, limit)
}

// Depth serves the last published view of symbol's book without taking the
// market lock.
func (a *App) Depth(symbol string, depth int) (*orderbook.Depth, error) {
	ms, ok := a.state(symbol)
	if !ok {
		return nil, errorf(CodeNotFound, "market %s not found", symbol)
	}
	return ms.book.View().Truncate(depth), nil
}

// MarkPrice is the book mid, else the index, else the last trade price.
func (a *App) MarkPrice(symbol string) (decimal.Decimal, bool) {
	ms, ok := a.state(symbol)
	if !ok {
		return decimal.Zero, false
	}
	m, err := a.registry.GetMarket(symbol)
	if err != nil {
		return decimal.Zero, false
	}
	view := ms.book.View()
	return markPrice(view.Mid, m.IndexPrice, view.LastPrice)
}

// PositionRisks assesses each of user's open positions at its market's mark.
func (a *App) PositionRisks(user common.Address) []position.Risk {
	var out []position.Risk
	for _, p := range a.positions.OpenForUser(user) {
		m, err := a.registry.GetMarket(p.Market)
		if err != nil {
			continue
		}
		mark, ok := a.MarkPrice(p.Market)
		if !ok {
			mark = p.EntryPrice
		}
		out = append(out, position.Assess(p, mark, m.MaintenanceMarginRate))
	}
	return out
}
