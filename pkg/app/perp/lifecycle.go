package perp

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpengine/pkg/app/core"
	"github.com/uhyunpark/perpengine/pkg/app/core/events"
	"github.com/uhyunpark/perpengine/pkg/app/core/ledger"
	"github.com/uhyunpark/perpengine/pkg/app/core/market"
	"github.com/uhyunpark/perpengine/pkg/app/core/matching"
	"github.com/uhyunpark/perpengine/pkg/app/core/position"
	"github.com/uhyunpark/perpengine/pkg/metrics"
	"github.com/uhyunpark/perpengine/pkg/storage"
)

// reservePrecision is the decimal precision of fee reservations.
const reservePrecision = 8

type OrderRequest struct {
	User       common.Address
	Market     string
	Side       core.Side
	Type       core.OrderType
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	PostOnly   bool
	ReduceOnly bool
	Synthetic  bool
	// Leverage applied to any position this order opens; zero means 1
	Leverage decimal.Decimal
}

type PlaceResult struct {
	Order  *core.Order   `json:"order"`
	Trades []*core.Trade `json:"trades"`
}

// PlaceOrder validates, reserves, matches, rests and persists one order as a
// single step under the market lock.
func (a *App) PlaceOrder(ctx context.Context, req OrderRequest) (*PlaceResult, error) {
	ms, ok := a.state(req.Market)
	if !ok {
		metrics.OrdersTotal.WithLabelValues(req.Market, string(CodeOrderFailed)).Inc()
		return nil, errorf(CodeOrderFailed, "unknown market %s", req.Market)
	}

	start := time.Now()
	ms.mu.Lock()
	res, err := a.placeLocked(ctx, ms, req, false)
	ms.mu.Unlock()
	metrics.MatchLatency.WithLabelValues(req.Market).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.OrdersTotal.WithLabelValues(req.Market, string(CodeOf(err))).Inc()
		a.logger.Debug("order_rejected",
			zap.String("market", req.Market),
			zap.String("user", req.User.Hex()),
			zap.Error(err),
		)
		return nil, err
	}
	metrics.OrdersTotal.WithLabelValues(req.Market, "accepted").Inc()
	return res, nil
}

// placeLocked runs the placement protocol. The caller holds ms.mu.
// liquidation marks the taker's position fills as forced closes.
func (a *App) placeLocked(ctx context.Context, ms *marketState, req OrderRequest, liquidation bool) (*PlaceResult, error) {
	m, err := a.registry.GetMarket(req.Market)
	if err != nil {
		return nil, wrap(CodeOrderFailed, err, "unknown market %s", req.Market)
	}
	switch m.Status {
	case market.Active:
	case market.Paused:
		return nil, errorf(CodeMarketHalted, "market %s is halted", m.Symbol)
	default:
		return nil, errorf(CodeOrderFailed, "market %s is %s", m.Symbol, m.Status)
	}

	if !req.Side.Valid() {
		return nil, errorf(CodeInvalidRequest, "invalid side %q", req.Side)
	}
	if !req.Type.Valid() {
		return nil, errorf(CodeInvalidRequest, "invalid order type %q", req.Type)
	}
	if !req.Quantity.IsPositive() {
		return nil, errorf(CodeInvalidRequest, "quantity must be positive")
	}
	qty := m.RoundQuantity(req.Quantity)

	lev := req.Leverage
	if lev.IsZero() {
		lev = decimal.NewFromInt(1)
	}
	if err := m.ValidateLeverage(lev); err != nil {
		return nil, wrap(CodeInvalidRequest, err, "leverage")
	}

	if req.ReduceOnly {
		if !m.IsDerivative() {
			return nil, errorf(CodeInvalidRequest, "reduce-only orders need a derivative market")
		}
		p, ok := a.positions.Get(req.User, m.Symbol)
		if !ok || p.Side.ClosingSide() != req.Side {
			return nil, errorf(CodeInvalidRequest, "no %s position to reduce in %s", core.PositionSideOf(req.Side.Opposite()), m.Symbol)
		}
		qty = decimal.Min(qty, p.Size)
	}

	var price decimal.Decimal
	switch req.Type {
	case core.Limit:
		if !req.Price.IsPositive() {
			return nil, errorf(CodeInvalidRequest, "limit orders need a positive price")
		}
		price = m.RoundPrice(req.Price)
	case core.Market:
		if req.PostOnly {
			return nil, errorf(CodeInvalidRequest, "market orders cannot be post-only")
		}
		eff, ok := matching.EffectivePrice(ms.book, req.Side, matching.DefaultMarketSlippage)
		if !ok {
			return nil, errorf(CodeOrderFailed, "no liquidity for market %s order in %s", req.Side, m.Symbol)
		}
		price = m.RoundPrice(eff)
	}
	if err := m.ValidateOrder(price, qty); err != nil {
		return nil, wrap(CodeInvalidRequest, err, "order")
	}
	if req.PostOnly && matching.WouldCross(ms.book, req.Side, price) {
		return nil, errorf(CodeOrderFailed, "post-only order at %s would cross the book", price)
	}

	o := core.NewOrder(a.newID(), m.Symbol, req.User, req.Side, req.Type, price, qty, a.clock.Now())
	o.PostOnly = req.PostOnly
	o.ReduceOnly = req.ReduceOnly
	o.Synthetic = req.Synthetic
	o.Leverage = lev

	asset, amount := reservationFor(m, o)
	o.LockedAsset = asset
	if err := a.ledger.Lock(ctx, o.User, asset, amount, ledger.Ref{Reason: "order", OrderID: o.ID}); err != nil {
		return nil, ledgerError(err, "reserve funds")
	}
	o.LockedAmount = amount

	r := a.reserve(ctx, o)
	defer r.rollback()

	result, err := ms.engine.Match(o, ms.book, a.settler(ctx, m, o, liquidation))
	if result != nil {
		for _, maker := range result.SelfTradeCancelled {
			a.cancelResting(ctx, maker, "self_trade")
		}
	}
	if err != nil {
		if errors.Is(err, errLedgerFault) {
			a.halt(m.Symbol, err)
		}
		if o.Filled.IsPositive() {
			a.abandon(ctx, o)
		}
		ms.book.Publish(0)
		return nil, wrap(CodeOrderFailed, err, "match order %s", o.ID)
	}

	now := a.clock.Now()
	if err := o.Transition(o.FillStatus(), now); err != nil {
		return nil, wrap(CodeOrderFailed, err, "order %s", o.ID)
	}
	resting := false
	switch {
	case o.Status == core.StatusFilled:
		if err := r.release("filled"); err != nil {
			a.logger.Error("reservation_release_failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	case o.Type == core.Limit:
		if err := ms.book.Insert(o); err != nil {
			return nil, wrap(CodeOrderFailed, err, "rest order %s", o.ID)
		}
		a.locate(o.ID, o.Market)
		resting = true
	default:
		// market orders never rest
		if err := o.Transition(core.StatusCancelled, now); err != nil {
			return nil, wrap(CodeOrderFailed, err, "order %s", o.ID)
		}
		if err := r.release("market_remainder"); err != nil {
			a.logger.Error("reservation_release_failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}

	if err := a.store.SaveOrder(ctx, o); err != nil {
		if resting {
			ms.book.RemoveOrder(o.ID)
			a.unlocate(o.ID)
		}
		if !o.Status.Terminal() {
			_ = o.Transition(core.StatusCancelled, now)
		}
		ms.book.Publish(0)
		return nil, wrap(CodeOrderFailed, err, "persist order %s", o.ID)
	}
	r.commit()

	a.sink.Publish(ctx, events.OrderEvent{Action: events.OrderCreated, Order: o.Clone()})
	switch o.Status {
	case core.StatusFilled:
		a.sink.Publish(ctx, events.OrderEvent{Action: events.OrderFilled, Order: o.Clone()})
	case core.StatusCancelled:
		a.sink.Publish(ctx, events.OrderEvent{Action: events.OrderCancelled, Order: o.Clone()})
	}
	ms.book.Publish(0)

	a.logger.Debug("order_placed",
		zap.String("market", o.Market),
		zap.String("order_id", o.ID),
		zap.String("side", string(o.Side)),
		zap.String("type", string(o.Type)),
		zap.String("status", string(o.Status)),
		zap.String("filled", o.Filled.String()),
		zap.Int("trades", len(result.Trades)),
	)
	return &PlaceResult{Order: o.Clone(), Trades: result.Trades}, nil
}

// reservationFor is the asset and amount locked for o. Buyers reserve the
// notional plus the taker fee rounded up; sellers reserve base quantity.
func reservationFor(m *market.Market, o *core.Order) (string, decimal.Decimal) {
	if o.Side == core.Sell {
		return m.BaseAsset, o.Quantity
	}
	notional := o.Price.Mul(o.Quantity)
	fee := notional.Mul(m.TakerFee).RoundCeil(reservePrecision)
	return m.QuoteAsset, notional.Add(fee)
}

// abandon cancels a partially filled taker whose match failed. The fills
// already settled stand.
func (a *App) abandon(ctx context.Context, o *core.Order) {
	now := a.clock.Now()
	if err := o.Transition(core.StatusPartial, now); err == nil {
		_ = o.Transition(core.StatusCancelled, now)
	}
	if err := a.store.SaveOrder(ctx, o); err != nil {
		a.logger.Error("order_persist_failed", zap.String("order_id", o.ID), zap.Error(err))
	}
	a.sink.Publish(ctx, events.OrderEvent{Action: events.OrderCancelled, Order: o.Clone()})
}

// settler returns the per-trade settlement for taker. Both ledger legs run
// before the matching engine moves on to the next maker.
func (a *App) settler(ctx context.Context, m *market.Market, taker *core.Order, liquidation bool) matching.SettleFunc {
	return func(t *core.Trade, maker *core.Order) error {
		buyer, seller := taker, maker
		buyerFee, sellerFee := t.TakerFee, t.MakerFee
		if taker.Side == core.Sell {
			buyer, seller = maker, taker
			buyerFee, sellerFee = t.MakerFee, t.TakerFee
		}

		legs := []struct {
			order *core.Order
			fee   decimal.Decimal
			spent decimal.Decimal
		}{
			{buyer, buyerFee, t.QuoteQuantity.Add(buyerFee)},
			{seller, sellerFee, t.Quantity},
		}
		for _, leg := range legs {
			err := a.ledger.SettleTrade(ctx, ledger.Settlement{
				User:       leg.order.User,
				Base:       m.BaseAsset,
				Quote:      m.QuoteAsset,
				Side:       leg.order.Side,
				Quantity:   t.Quantity,
				QuoteValue: t.QuoteQuantity,
				Fee:        leg.fee,
				Price:      t.Price,
				TradeID:    t.ID,
				OrderID:    leg.order.ID,
			})
			if err != nil {
				return errors.Join(errLedgerFault, err)
			}
			leg.order.LockedAmount = leg.order.LockedAmount.Sub(leg.spent)
		}

		if m.IsDerivative() {
			a.applyPositionFill(ctx, t, buyer, liquidation && buyer == taker)
			a.applyPositionFill(ctx, t, seller, liquidation && seller == taker)
		}

		if maker.Status == core.StatusFilled {
			if err := a.reserve(ctx, maker).release("filled"); err != nil {
				a.logger.Error("reservation_release_failed", zap.String("order_id", maker.ID), zap.Error(err))
			}
			a.unlocate(maker.ID)
		}

		if err := a.store.SaveTrade(ctx, t); err != nil {
			a.logger.Error("trade_persist_failed", zap.String("trade_id", t.ID), zap.Error(err))
		}
		if err := a.store.SaveOrder(ctx, maker); err != nil {
			a.logger.Error("order_persist_failed", zap.String("order_id", maker.ID), zap.Error(err))
		}

		a.sink.Publish(ctx, events.TradeEvent{Trade: t})
		action := events.OrderUpdated
		if maker.Status == core.StatusFilled {
			action = events.OrderFilled
		}
		a.sink.Publish(ctx, events.OrderEvent{Action: action, Order: maker.Clone()})

		metrics.TradesTotal.WithLabelValues(t.Market, string(t.TakerSide)).Inc()
		metrics.MarketVolume.WithLabelValues(t.Market).Add(t.Quantity.InexactFloat64())
		return nil
	}
}

// applyPositionFill folds one trade leg into the owner's position. Synthetic
// liquidity never holds positions. Failures are logged: the trade stands.
func (a *App) applyPositionFill(ctx context.Context, t *core.Trade, o *core.Order, liquidation bool) {
	if o.Synthetic {
		return
	}
	changes, err := a.positions.ApplyFill(position.Fill{
		User:        o.User,
		Market:      t.Market,
		Side:        o.Side,
		Price:       t.Price,
		Quantity:    t.Quantity,
		Leverage:    o.Leverage,
		ReduceOnly:  o.ReduceOnly,
		Liquidation: liquidation,
	})
	if err != nil {
		a.logger.Error("position_update_failed",
			zap.String("trade_id", t.ID),
			zap.String("user", o.User.Hex()),
			zap.Error(err),
		)
		return
	}
	a.recordPositionChanges(ctx, t.Market, changes)
}

// recordPositionChanges persists and announces position snapshots.
func (a *App) recordPositionChanges(ctx context.Context, symbol string, changes []position.Change) {
	for _, ch := range changes {
		if err := a.store.SavePosition(ctx, ch.Position); err != nil {
			a.logger.Error("position_persist_failed", zap.String("position_id", ch.Position.ID), zap.Error(err))
		}
		a.sink.Publish(ctx, events.PositionEvent{
			Action:      positionAction(ch.Kind),
			Position:    ch.Position,
			RealizedPnL: ch.Realized,
		})
	}
	if len(changes) > 0 {
		metrics.OpenPositions.WithLabelValues(symbol).Set(float64(len(a.positions.OpenInMarket(symbol))))
	}
}

func positionAction(k position.Kind) events.PositionAction {
	switch k {
	case position.Opened:
		return events.PositionOpened
	case position.Closed:
		return events.PositionClosed
	case position.Liquidated:
		return events.PositionLiquidated
	default:
		return events.PositionUpdated
	}
}

// cancelResting finishes the cancellation of an order already pulled from
// its book: release its lock, mark it cancelled, persist and notify.
func (a *App) cancelResting(ctx context.Context, o *core.Order, reason string) {
	if err := a.reserve(ctx, o).release(reason); err != nil {
		a.logger.Error("reservation_release_failed", zap.String("order_id", o.ID), zap.Error(err))
	}
	if err := o.Transition(core.StatusCancelled, a.clock.Now()); err != nil {
		a.logger.Error("order_cancel_transition_failed", zap.String("order_id", o.ID), zap.Error(err))
	}
	a.unlocate(o.ID)
	if err := a.store.SaveOrder(ctx, o); err != nil {
		a.logger.Error("order_persist_failed", zap.String("order_id", o.ID), zap.Error(err))
	}
	a.sink.Publish(ctx, events.OrderEvent{Action: events.OrderCancelled, Order: o.Clone()})
}

// CancelOrder cancels a resting order owned by user and returns it. Orders
// that already reached a terminal state fail with CANCEL_FAILED; unknown ids
// (or ids owned by someone else) with NOT_FOUND.
func (a *App) CancelOrder(ctx context.Context, user common.Address, orderID string) (*core.Order, error) {
	sym, ok := a.lookup(orderID)
	if !ok {
		return nil, a.cancelMiss(ctx, user, orderID)
	}
	ms, ok := a.state(sym)
	if !ok {
		return nil, a.cancelMiss(ctx, user, orderID)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	o, ok := ms.book.Order(orderID)
	if !ok {
		// filled or cancelled between lookup and lock
		return nil, a.cancelMiss(ctx, user, orderID)
	}
	if o.User != user {
		return nil, errorf(CodeNotFound, "order %s not found", orderID)
	}
	if _, ok := ms.book.RemoveOrder(orderID); !ok {
		return nil, errorf(CodeCancelFailed, "order %s is not resting", orderID)
	}
	a.cancelResting(ctx, o, "cancel")
	ms.book.Publish(0)

	a.logger.Debug("order_cancelled", zap.String("market", sym), zap.String("order_id", orderID))
	return o.Clone(), nil
}

func (a *App) cancelMiss(ctx context.Context, user common.Address, orderID string) error {
	o, err := a.store.GetOrder(ctx, orderID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && o.User != user) {
		return errorf(CodeNotFound, "order %s not found", orderID)
	}
	if err != nil {
		return wrap(CodeCancelFailed, err, "load order %s", orderID)
	}
	return errorf(CodeCancelFailed, "order %s is already %s", orderID, o.Status)
}

// ClosePosition sends a reduce-only market order against user's position.
// A zero quantity closes it fully; larger quantities are clamped to the
// position size. Only one close per (user, market) runs at a time; a second
// concurrent call fails with CLOSE_PENDING.
func (a *App) ClosePosition(ctx context.Context, user common.Address, symbol string, qty decimal.Decimal) (*PlaceResult, error) {
	if qty.IsNegative() {
		return nil, errorf(CodeInvalidRequest, "close quantity cannot be negative")
	}
	lk := a.closeLock(user, symbol)
	if !lk.TryLock() {
		return nil, errorf(CodeClosePending, "a close for %s in %s is already in flight", user.Hex(), symbol)
	}
	defer lk.Unlock()

	ms, ok := a.state(symbol)
	if !ok {
		return nil, errorf(CodeNotFound, "market %s not found", symbol)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	p, ok := a.positions.Get(user, symbol)
	if !ok {
		return nil, errorf(CodeNotFound, "no open position for %s in %s", user.Hex(), symbol)
	}
	if qty.IsZero() || qty.GreaterThan(p.Size) {
		qty = p.Size
	}
	res, err := a.placeLocked(ctx, ms, OrderRequest{
		User:       user,
		Market:     symbol,
		Side:       p.Side.ClosingSide(),
		Type:       core.Market,
		Quantity:   qty,
		ReduceOnly: true,
	}, false)
	if err != nil {
		return nil, err
	}
	a.logger.Info("position_close",
		zap.String("market", symbol),
		zap.String("user", user.Hex()),
		zap.String("requested", qty.String()),
		zap.String("filled", res.Order.Filled.String()),
	)
	return res, nil
}
