package perp

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/uhyunpark/perpengine/pkg/app/core"
	"github.com/uhyunpark/perpengine/pkg/storage"
)

// restorable ledgers can be seeded from persisted balances.
type restorable interface {
	Restore(balances []core.Balance)
}

// Restore reloads state from the store: balances into the ledger, open
// positions into the position manager and open orders into their books in
// creation order. Markets must be added first; orders for unknown markets
// are skipped.
func (a *App) Restore(ctx context.Context) error {
	balances, err := a.store.AllBalances(ctx)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	if r, ok := a.ledger.(restorable); ok {
		r.Restore(balances)
	}

	positions, err := a.store.ListPositions(ctx, storage.PositionFilter{Statuses: []core.PositionStatus{core.PositionOpen}})
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	a.positions.Restore(positions)

	orders, err := a.store.ListOrders(ctx, storage.OrderFilter{Statuses: core.ActiveStatuses})
	if err != nil {
		return fmt.Errorf("load orders: %w", err)
	}
	restored := 0
	for _, o := range orders {
		ms, ok := a.state(o.Market)
		if !ok {
			a.logger.Warn("restore_order_skipped", zap.String("order_id", o.ID), zap.String("market", o.Market))
			continue
		}
		ms.mu.Lock()
		err := ms.book.Insert(o)
		ms.mu.Unlock()
		if err != nil {
			return fmt.Errorf("restore order %s: %w", o.ID, err)
		}
		a.locate(o.ID, o.Market)
		restored++
	}

	a.mu.RLock()
	for _, ms := range a.markets {
		ms.mu.Lock()
		ms.book.Publish(0)
		ms.mu.Unlock()
	}
	a.mu.RUnlock()

	a.logger.Info("state_restored",
		zap.Int("balances", len(balances)),
		zap.Int("positions", len(positions)),
		zap.Int("orders", restored),
	)
	return nil
}
