// Package storage persists engine documents: orders, trades, positions,
// balances and funding records. Every Save is an atomic single-document
// upsert.
package storage

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpengine/pkg/app/core"
)

var ErrNotFound = errors.New("storage: not found")

// OrderFilter selects orders. Zero fields match anything.
type OrderFilter struct {
	Market   string
	User     common.Address
	Statuses []core.OrderStatus
}

func (f OrderFilter) Match(o *core.Order) bool {
	if f.Market != "" && o.Market != f.Market {
		return false
	}
	if f.User != (common.Address{}) && o.User != f.User {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if o.Status == s {
			return true
		}
	}
	return false
}

// PositionFilter selects positions. Zero fields match anything.
type PositionFilter struct {
	Market   string
	User     common.Address
	Statuses []core.PositionStatus
}

func (f PositionFilter) Match(p *core.Position) bool {
	if f.Market != "" && p.Market != f.Market {
		return false
	}
	if f.User != (common.Address{}) && p.User != f.User {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if p.Status == s {
			return true
		}
	}
	return false
}

type Store interface {
	SaveOrder(ctx context.Context, o *core.Order) error
	GetOrder(ctx context.Context, id string) (*core.Order, error)
	// ListOrders returns matches in ascending creation order.
	ListOrders(ctx context.Context, f OrderFilter) ([]*core.Order, error)

	SaveTrade(ctx context.Context, t *core.Trade) error
	// ListTrades returns the newest trades first.
	ListTrades(ctx context.Context, market string, limit int) ([]*core.Trade, error)

	SavePosition(ctx context.Context, p *core.Position) error
	GetPosition(ctx context.Context, id string) (*core.Position, error)
	ListPositions(ctx context.Context, f PositionFilter) ([]*core.Position, error)

	SaveBalance(ctx context.Context, b core.Balance) error
	ListBalances(ctx context.Context, user common.Address) ([]core.Balance, error)
	AllBalances(ctx context.Context) ([]core.Balance, error)

	SaveFunding(ctx context.Context, r *core.FundingRecord) error
	// ListFunding returns the newest records first.
	ListFunding(ctx context.Context, market string, limit int) ([]*core.FundingRecord, error)

	Close() error
}
