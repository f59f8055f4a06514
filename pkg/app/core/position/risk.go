package position

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perpengine/pkg/app/core"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// LiquidationPrice is the mark at which unrealized loss eats margin down to
// the maintenance threshold.
//
//	long:  entry x (1 - 1/leverage + mmr)
//	short: entry x (1 + 1/leverage - mmr)
func LiquidationPrice(side core.PositionSide, entry, leverage, mmr decimal.Decimal) decimal.Decimal {
	if !leverage.IsPositive() {
		leverage = one
	}
	inv := one.Div(leverage)
	if side == core.Long {
		return entry.Mul(one.Sub(inv).Add(mmr))
	}
	return entry.Mul(one.Add(inv).Sub(mmr))
}

// Breached reports whether mark has reached the liquidation price.
func Breached(side core.PositionSide, mark, liq decimal.Decimal) bool {
	if side == core.Long {
		return mark.LessThanOrEqual(liq)
	}
	return mark.GreaterThanOrEqual(liq)
}

// DistancePercent is how far mark must move toward liq, as a percentage of
// mark. Zero or negative means already breached.
func DistancePercent(side core.PositionSide, mark, liq decimal.Decimal) decimal.Decimal {
	if !mark.IsPositive() {
		return decimal.Zero
	}
	gap := mark.Sub(liq)
	if side == core.Short {
		gap = liq.Sub(mark)
	}
	return gap.Div(mark).Mul(hundred)
}

// Risk is a read-only view of one position against the current mark.
type Risk struct {
	Position         *core.Position  `json:"position"`
	MarkPrice        decimal.Decimal `json:"markPrice"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
	DistancePercent  decimal.Decimal `json:"distancePercent"`
	UnrealizedPnL    decimal.Decimal `json:"unrealizedPnl"`
}

// Assess computes the risk view of p at mark.
func Assess(p *core.Position, mark, mmr decimal.Decimal) Risk {
	liq := LiquidationPrice(p.Side, p.EntryPrice, p.Leverage, mmr)
	return Risk{
		Position:         p,
		MarkPrice:        mark,
		LiquidationPrice: liq,
		DistancePercent:  DistancePercent(p.Side, mark, liq),
		UnrealizedPnL:    p.UnrealizedPnL(mark),
	}
}
