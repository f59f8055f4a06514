package perp

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpengine/pkg/app/core"
	"github.com/uhyunpark/perpengine/pkg/app/core/market"
	"github.com/uhyunpark/perpengine/pkg/app/core/matching"
	"github.com/uhyunpark/perpengine/pkg/app/core/position"
	"github.com/uhyunpark/perpengine/pkg/metrics"
	"github.com/uhyunpark/perpengine/pkg/oracle"
)

// LiquidationStats are process-wide counters since start.
type LiquidationStats struct {
	Count              int             `json:"count"`
	NotionalLiquidated decimal.Decimal `json:"notionalLiquidated"`
	LastLiquidation    *time.Time      `json:"lastLiquidation,omitempty"`
}

func (a *App) LiquidationStats() LiquidationStats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	s := a.stats
	if s.LastLiquidation != nil {
		t := *s.LastLiquidation
		s.LastLiquidation = &t
	}
	return s
}

// RunLiquidations checks every open position in every active derivative
// market once. A failure on one position or market is logged and skipped.
func (a *App) RunLiquidations(ctx context.Context) {
	for _, m := range a.registry.ListMarkets() {
		if !m.IsDerivative() || m.Status != market.Active {
			continue
		}
		a.liquidateMarket(ctx, m.Symbol)
	}
}

func (a *App) liquidateMarket(ctx context.Context, symbol string) {
	ms, ok := a.state(symbol)
	if !ok {
		return
	}
	a.refreshIndex(ctx, symbol)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	m, err := a.registry.GetMarket(symbol)
	if err != nil {
		return
	}
	for _, snap := range a.positions.OpenInMarket(symbol) {
		// earlier closes in this tick may have moved the book or the position
		p, ok := a.positions.Get(snap.User, symbol)
		if !ok {
			continue
		}
		mark, ok := markPrice(ms.book.Mid, m.IndexPrice, ms.book.LastPrice())
		if !ok {
			return
		}
		liq := position.LiquidationPrice(p.Side, p.EntryPrice, p.Leverage, m.MaintenanceMarginRate)
		if !position.Breached(p.Side, mark, liq) {
			continue
		}
		a.liquidate(ctx, ms, m, p, mark, liq)
	}
}

// liquidate force-closes p. The caller holds ms.mu.
//
// The user's resting orders in the market are cancelled first so their
// reservations can fund the close. The funded part of the position is closed
// with a reduce-only market order; whatever the user's balance cannot fund
// is written off at mark without a trade.
func (a *App) liquidate(ctx context.Context, ms *marketState, m *market.Market, p *core.Position, mark, liq decimal.Decimal) {
	cancelled := a.cancelUserOrders(ctx, ms, p.User, "liquidation")

	funded := a.fundedCloseQuantity(ms, m, p)
	if funded.LessThan(m.MinOrderSize) {
		funded = decimal.Zero
	}

	filled, notional := decimal.Zero, decimal.Zero
	if funded.IsPositive() {
		res, err := a.placeLocked(ctx, ms, OrderRequest{
			User:       p.User,
			Market:     p.Market,
			Side:       p.Side.ClosingSide(),
			Type:       core.Market,
			Quantity:   funded,
			ReduceOnly: true,
		}, true)
		if err != nil {
			metrics.TickFailures.WithLabelValues("liquidation").Inc()
			a.logger.Warn("liquidation_failed",
				zap.String("market", p.Market),
				zap.String("position_id", p.ID),
				zap.String("user", p.User.Hex()),
				zap.Error(err),
			)
		} else {
			filled = res.Order.Filled
			notional = filled.Mul(res.Order.AvgPrice)
		}
	}

	writtenOff := decimal.Zero
	if unfunded := p.Size.Sub(funded); unfunded.IsPositive() {
		if cur, ok := a.positions.Get(p.User, p.Market); ok {
			writtenOff = a.writeOff(ctx, cur, decimal.Min(unfunded, cur.Size), mark)
			notional = notional.Add(writtenOff.Mul(mark))
		}
	}
	if cancelled > 0 && filled.IsZero() {
		ms.book.Publish(0)
	}
	if filled.IsZero() && writtenOff.IsZero() {
		return
	}

	_, stillOpen := a.positions.Get(p.User, p.Market)
	now := a.clock.Now()
	a.statsMu.Lock()
	a.stats.NotionalLiquidated = a.stats.NotionalLiquidated.Add(notional)
	if !stillOpen {
		a.stats.Count++
	}
	a.stats.LastLiquidation = &now
	a.statsMu.Unlock()
	if !stillOpen {
		metrics.LiquidationsTotal.WithLabelValues(p.Market).Inc()
	}

	a.logger.Info("liquidation_executed",
		zap.String("market", p.Market),
		zap.String("position_id", p.ID),
		zap.String("user", p.User.Hex()),
		zap.String("side", string(p.Side)),
		zap.String("mark", mark.String()),
		zap.String("liquidation_price", liq.String()),
		zap.String("filled", filled.String()),
		zap.String("written_off", writtenOff.String()),
		zap.Int("orders_cancelled", cancelled),
		zap.Bool("fully_closed", !stillOpen),
	)
}

// cancelUserOrders pulls every resting order of user from the book and
// releases its reservation. The caller holds ms.mu.
func (a *App) cancelUserOrders(ctx context.Context, ms *marketState, user common.Address, reason string) int {
	n := 0
	for _, o := range ms.book.RestingOrders() {
		if o.User != user {
			continue
		}
		if _, ok := ms.book.RemoveOrder(o.ID); !ok {
			continue
		}
		a.cancelResting(ctx, o, reason)
		n++
	}
	return n
}

// fundedCloseQuantity is how much of p the user's free balance can close
// right now: base for a long, the market-buy reservation for a short.
func (a *App) fundedCloseQuantity(ms *marketState, m *market.Market, p *core.Position) decimal.Decimal {
	if p.Side == core.Long {
		free := a.ledger.Balance(p.User, m.BaseAsset).Free
		return m.RoundQuantity(decimal.Min(p.Size, free))
	}

	eff, ok := matching.EffectivePrice(ms.book, core.Buy, matching.DefaultMarketSlippage)
	if !ok {
		// nothing to buy from; the placement fails and the tick retries
		return p.Size
	}
	buy := &core.Order{Side: core.Buy, Price: m.RoundPrice(eff)}
	free := a.ledger.Balance(p.User, m.QuoteAsset).Free
	qty := p.Size
	if unit := buy.Price.Mul(decimal.NewFromInt(1).Add(m.TakerFee)); unit.IsPositive() {
		qty = decimal.Min(qty, m.RoundQuantity(free.Div(unit)))
	}
	for qty.IsPositive() {
		buy.Quantity = qty
		if _, need := reservationFor(m, buy); need.LessThanOrEqual(free) {
			break
		}
		qty = qty.Sub(m.LotSize)
	}
	return decimal.Max(qty, decimal.Zero)
}

// writeOff closes qty of p at mark in the position book only. Used for the
// part of a liquidation the user's balances cannot deliver.
func (a *App) writeOff(ctx context.Context, p *core.Position, qty, mark decimal.Decimal) decimal.Decimal {
	if !qty.IsPositive() {
		return decimal.Zero
	}
	changes, err := a.positions.ApplyFill(position.Fill{
		User:        p.User,
		Market:      p.Market,
		Side:        p.Side.ClosingSide(),
		Price:       mark,
		Quantity:    qty,
		Leverage:    p.Leverage,
		ReduceOnly:  true,
		Liquidation: true,
	})
	if err != nil {
		a.logger.Error("liquidation_write_off_failed", zap.String("position_id", p.ID), zap.Error(err))
		return decimal.Zero
	}
	a.recordPositionChanges(ctx, p.Market, changes)
	a.logger.Warn("liquidation_written_off",
		zap.String("market", p.Market),
		zap.String("position_id", p.ID),
		zap.String("user", p.User.Hex()),
		zap.String("quantity", qty.String()),
		zap.String("mark", mark.String()),
	)
	return qty
}

// AtRisk lists open positions whose distance to liquidation, as a
// percentage of mark, is below threshold. Closest first. Read-only.
func (a *App) AtRisk(threshold decimal.Decimal) []position.Risk {
	var out []position.Risk
	for _, m := range a.registry.ListMarkets() {
		if !m.IsDerivative() {
			continue
		}
		ms, ok := a.state(m.Symbol)
		if !ok {
			continue
		}
		view := ms.book.View()
		mark, ok := markPrice(view.Mid, m.IndexPrice, view.LastPrice)
		if !ok {
			continue
		}
		for _, p := range a.positions.OpenInMarket(m.Symbol) {
			r := position.Assess(p, mark, m.MaintenanceMarginRate)
			if r.DistancePercent.LessThan(threshold) {
				out = append(out, r)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DistancePercent.LessThan(out[j].DistancePercent)
	})
	return out
}

// markPrice is the book mid, else the index price, else the last trade.
func markPrice(mid func() (decimal.Decimal, bool), index, last decimal.Decimal) (decimal.Decimal, bool) {
	if p, ok := mid(); ok {
		return p, true
	}
	if index.IsPositive() {
		return index, true
	}
	if last.IsPositive() {
		return last, true
	}
	return decimal.Zero, false
}

// refreshIndex pulls the oracle price into the market's index. An
// unavailable oracle leaves the previous index in place.
func (a *App) refreshIndex(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	px, err := a.oracle.Price(ctx, symbol)
	if err != nil {
		if !errors.Is(err, oracle.ErrUnavailable) {
			a.logger.Warn("oracle_price_failed", zap.String("market", symbol), zap.Error(err))
		}
		return decimal.Zero, false
	}
	if _, err := a.registry.Update(symbol, func(m *market.Market) error {
		m.IndexPrice = px
		return nil
	}); err != nil {
		a.logger.Warn("index_update_failed", zap.String("market", symbol), zap.Error(err))
	}
	return px, true
}
