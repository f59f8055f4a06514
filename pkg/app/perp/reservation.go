package perp

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpengine/pkg/app/core"
	"github.com/uhyunpark/perpengine/pkg/app/core/ledger"
)

// reservation guards the funds locked for one order during placement.
// Settlement consumes order.LockedAmount as fills happen; whatever is still
// locked when the guard is rolled back without a commit goes back to the
// user's free balance.
type reservation struct {
	ctx       context.Context
	ledger    ledger.Ledger
	logger    *zap.Logger
	order     *core.Order
	committed bool
}

func (a *App) reserve(ctx context.Context, o *core.Order) *reservation {
	return &reservation{ctx: ctx, ledger: a.ledger, logger: a.logger, order: o}
}

// release unlocks everything the order still holds.
func (r *reservation) release(reason string) error {
	amt := r.order.LockedAmount
	if !amt.IsPositive() {
		return nil
	}
	ref := ledger.Ref{Reason: reason, OrderID: r.order.ID}
	if err := r.ledger.Unlock(r.ctx, r.order.User, r.order.LockedAsset, amt, ref); err != nil {
		return err
	}
	r.order.LockedAmount = decimal.Zero
	return nil
}

func (r *reservation) commit() { r.committed = true }

// rollback is deferred by placement.
func (r *reservation) rollback() {
	if r.committed {
		return
	}
	if err := r.release("rollback"); err != nil {
		r.logger.Error("reservation_release_failed",
			zap.String("order_id", r.order.ID),
			zap.String("asset", r.order.LockedAsset),
			zap.String("amount", r.order.LockedAmount.String()),
			zap.Error(err),
		)
	}
}
