package perp

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpengine/pkg/app/core"
	"github.com/uhyunpark/perpengine/pkg/app/core/events"
	"github.com/uhyunpark/perpengine/pkg/app/core/ledger"
	"github.com/uhyunpark/perpengine/pkg/app/core/market"
	"github.com/uhyunpark/perpengine/pkg/metrics"
)

const fundingPrecision = 8

// FundingRate is the premium of mark over index, clamped to ±bound and
// rounded to 8 decimals.
func FundingRate(mark, index, bound decimal.Decimal) decimal.Decimal {
	if !index.IsPositive() {
		return decimal.Zero
	}
	rate := mark.Sub(index).Div(index)
	if rate.GreaterThan(bound) {
		rate = bound
	}
	if rate.LessThan(bound.Neg()) {
		rate = bound.Neg()
	}
	return rate.Round(fundingPrecision)
}

// fundingTransfer is one signed quote movement for a position's owner.
type fundingTransfer struct {
	position *core.Position
	amount   decimal.Decimal
}

// fundingTransfers splits one funding cycle into per-position transfers.
// Payers owe size x mark x |rate|, capped at their free quote balance. What
// is collected goes to receivers pro-rata by size, rounded down, with the
// dust added to the largest receiver. Transfers always sum to zero.
func fundingTransfers(positions []*core.Position, mark, rate decimal.Decimal, free func(common.Address) decimal.Decimal) ([]fundingTransfer, decimal.Decimal) {
	if rate.IsZero() {
		return nil, decimal.Zero
	}
	payerSide, receiverSide := core.Long, core.Short
	if rate.IsNegative() {
		payerSide, receiverSide = core.Short, core.Long
	}

	var payers, receivers []*core.Position
	for _, p := range positions {
		switch p.Side {
		case payerSide:
			payers = append(payers, p)
		case receiverSide:
			receivers = append(receivers, p)
		}
	}
	if len(payers) == 0 || len(receivers) == 0 {
		return nil, decimal.Zero
	}

	abs := rate.Abs()
	collected := decimal.Zero
	var out []fundingTransfer
	for _, p := range payers {
		due := p.Size.Mul(mark).Mul(abs).Truncate(fundingPrecision)
		if avail := free(p.User); due.GreaterThan(avail) {
			due = decimal.Max(avail, decimal.Zero)
		}
		if !due.IsPositive() {
			continue
		}
		collected = collected.Add(due)
		out = append(out, fundingTransfer{position: p, amount: due.Neg()})
	}
	if !collected.IsPositive() {
		return nil, decimal.Zero
	}

	weight := decimal.Zero
	largest := 0
	for i, p := range receivers {
		weight = weight.Add(p.Size)
		if p.Size.GreaterThan(receivers[largest].Size) {
			largest = i
		}
	}
	shares := make([]decimal.Decimal, len(receivers))
	paid := decimal.Zero
	for i, p := range receivers {
		shares[i] = collected.Mul(p.Size).Div(weight).Truncate(fundingPrecision)
		paid = paid.Add(shares[i])
	}
	shares[largest] = shares[largest].Add(collected.Sub(paid))
	for i, p := range receivers {
		if shares[i].IsPositive() {
			out = append(out, fundingTransfer{position: p, amount: shares[i]})
		}
	}
	return out, collected
}

// RunFunding settles every perpetual market whose funding time has come.
// Markets are isolated from each other's failures.
func (a *App) RunFunding(ctx context.Context) {
	now := a.clock.Now()
	for _, m := range a.registry.ListMarkets() {
		if !m.FundingDue(now) {
			continue
		}
		if _, err := a.SettleFunding(ctx, m.Symbol); err != nil {
			metrics.TickFailures.WithLabelValues("funding").Inc()
			a.logger.Warn("funding_failed", zap.String("market", m.Symbol), zap.Error(err))
		}
	}
}

// SettleFunding runs one funding cycle for symbol if it is due. It returns
// nil without error when nothing was due or the index price is unavailable;
// in the latter case the cycle is retried on the next check.
//
// Payers are debited size x mark x rate, capped at their free quote.
// Receivers split what was actually collected pro rata by size, so a
// receiving position's AccumulatedFunding can differ from size x mark x rate
// whenever the two sides are unbalanced or a payer came up short.
func (a *App) SettleFunding(ctx context.Context, symbol string) (*core.FundingRecord, error) {
	ms, ok := a.state(symbol)
	if !ok {
		return nil, errorf(CodeNotFound, "market %s not found", symbol)
	}
	index, ok := a.refreshIndex(ctx, symbol)
	if !ok {
		a.logger.Debug("funding_skipped", zap.String("market", symbol), zap.String("reason", "index unavailable"))
		return nil, nil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := a.clock.Now()
	m, err := a.registry.GetMarket(symbol)
	if err != nil {
		return nil, err
	}
	if !m.FundingDue(now) {
		return nil, nil
	}
	mark, _ := markPrice(ms.book.Mid, index, decimal.Zero)
	rate := FundingRate(mark, index, m.MaxFundingRate)

	positions := a.positions.OpenInMarket(symbol)
	transfers, collected := fundingTransfers(positions, mark, rate, func(u common.Address) decimal.Decimal {
		return a.ledger.Balance(u, m.QuoteAsset).Free
	})

	if len(transfers) > 0 {
		postings := make([]ledger.Posting, len(transfers))
		for i, tr := range transfers {
			postings[i] = ledger.Posting{User: tr.position.User, Asset: m.QuoteAsset, Amount: tr.amount}
		}
		if err := a.ledger.Apply(ctx, ledger.Ref{Reason: "funding"}, postings...); err != nil {
			return nil, fmt.Errorf("apply funding for %s: %w", symbol, err)
		}
	}
	for _, tr := range transfers {
		p, err := a.positions.AddFunding(tr.position.User, symbol, tr.amount)
		if err != nil {
			a.logger.Warn("funding_position_update_failed",
				zap.String("market", symbol),
				zap.String("user", tr.position.User.Hex()),
				zap.Error(err),
			)
			continue
		}
		if err := a.store.SavePosition(ctx, p); err != nil {
			a.logger.Error("position_persist_failed", zap.String("position_id", p.ID), zap.Error(err))
		}
		a.sink.Publish(ctx, events.FundingEvent{
			Action: events.FundingPayment,
			Market: symbol,
			User:   p.User,
			Amount: tr.amount,
		})
	}

	longPaid := collected
	if rate.IsNegative() {
		longPaid = collected.Neg()
	}
	rec := &core.FundingRecord{
		ID:            a.newID(),
		Market:        symbol,
		Rate:          rate,
		MarkPrice:     mark,
		IndexPrice:    index,
		LongPayments:  longPaid,
		ShortPayments: longPaid.Neg(),
		Positions:     len(positions),
		Timestamp:     now,
	}

	if _, err := a.registry.Update(symbol, func(m *market.Market) error {
		m.FundingRate = rate
		m.IndexPrice = index
		m.NextFundingTime = nextFundingTime(m.NextFundingTime, m.FundingInterval, now)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("advance funding time for %s: %w", symbol, err)
	}

	if err := a.store.SaveFunding(ctx, rec); err != nil {
		a.logger.Error("funding_persist_failed", zap.String("market", symbol), zap.Error(err))
	}
	a.sink.Publish(ctx, events.FundingEvent{Action: events.FundingUpdate, Market: symbol, Record: rec, Amount: collected})
	metrics.FundingRate.WithLabelValues(symbol).Set(rate.InexactFloat64())

	a.logger.Info("funding_applied",
		zap.String("market", symbol),
		zap.String("rate", rate.String()),
		zap.String("mark", mark.String()),
		zap.String("index", index.String()),
		zap.String("collected", collected.String()),
		zap.Int("positions", len(positions)),
	)
	return rec, nil
}

// nextFundingTime steps from prev by whole intervals until it is after now.
func nextFundingTime(prev time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		return prev
	}
	next := prev.Add(interval)
	for !next.After(now) {
		next = next.Add(interval)
	}
	return next
}

// FundingHistory returns the most recent funding records, newest first.
func (a *App) FundingHistory(ctx context.Context, symbol string, limit int) ([]*core.FundingRecord, error) {
	if _, ok := a.state(symbol); !ok {
		return nil, errorf(CodeNotFound, "market %s not found", symbol)
	}
	return a.store.ListFunding(ctx, symbol, limit)
}

// AnnualizedRate is the current per-interval rate times periods per year.
func (a *App) AnnualizedRate(symbol string) (decimal.Decimal, error) {
	m, err := a.registry.GetMarket(symbol)
	if err != nil {
		return decimal.Zero, wrap(CodeNotFound, err, "market %s", symbol)
	}
	if m.Type != market.Perpetual {
		return decimal.Zero, errorf(CodeInvalidRequest, "market %s has no funding", symbol)
	}
	return m.AnnualizedFundingRate(), nil
}
