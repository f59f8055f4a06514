package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Params separates market configuration from the runtime Market struct.
type Params struct {
	Type                  MarketType
	TickSize              decimal.Decimal
	LotSize               decimal.Decimal
	MinOrderSize          decimal.Decimal
	MaxOrderSize          decimal.Decimal
	MinNotional           decimal.Decimal
	MaxLeverage           decimal.Decimal
	InitialMarginRate     decimal.Decimal
	MaintenanceMarginRate decimal.Decimal
	FundingInterval       time.Duration
	MaxFundingRate        decimal.Decimal
	MakerFee              decimal.Decimal
	TakerFee              decimal.Decimal
}

// DefaultPerpetual mirrors typical venue parameters for a major perpetual:
// 0.01 tick, 0.001 lot, 50x max leverage, hourly funding capped at 1%.
var DefaultPerpetual = Params{
	Type:                  Perpetual,
	TickSize:              decimal.RequireFromString("0.01"),
	LotSize:               decimal.RequireFromString("0.001"),
	MinOrderSize:          decimal.RequireFromString("0.001"),
	MaxOrderSize:          decimal.NewFromInt(1000000),
	MinNotional:           decimal.Zero,
	MaxLeverage:           decimal.NewFromInt(50),
	InitialMarginRate:     decimal.RequireFromString("0.02"),
	MaintenanceMarginRate: decimal.RequireFromString("0.005"),
	FundingInterval:       time.Hour,
	MaxFundingRate:        decimal.RequireFromString("0.01"),
	MakerFee:              decimal.RequireFromString("0.0002"),
	TakerFee:              decimal.RequireFromString("0.0005"),
}

// DefaultSpot has no leverage or funding.
var DefaultSpot = Params{
	Type:         Spot,
	TickSize:     decimal.RequireFromString("0.01"),
	LotSize:      decimal.RequireFromString("0.0001"),
	MinOrderSize: decimal.RequireFromString("0.0001"),
	MaxOrderSize: decimal.NewFromInt(1000000),
	MinNotional:  decimal.Zero,
	MakerFee:     decimal.RequireFromString("0.001"),
	TakerFee:     decimal.RequireFromString("0.001"),
}

// NewMarketWithDefaults creates a market from a "BASE-QUOTE" symbol using the
// default parameters for its type.
func NewMarketWithDefaults(symbol string, typ MarketType) (*Market, error) {
	base, quote, err := ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}
	params := DefaultPerpetual
	if typ == Spot {
		params = DefaultSpot
	}
	params.Type = typ
	return NewMarket(symbol, base, quote, params)
}

// CustomPerpetual returns a perpetual template with maintenance margin at a
// quarter of the initial margin.
func CustomPerpetual(tickSize, lotSize decimal.Decimal, leverage int64) Params {
	p := DefaultPerpetual
	p.TickSize = tickSize
	p.LotSize = lotSize
	p.MinOrderSize = lotSize
	p.MaxLeverage = decimal.NewFromInt(leverage)
	p.InitialMarginRate = decimal.NewFromInt(1).Div(p.MaxLeverage)
	p.MaintenanceMarginRate = p.InitialMarginRate.Div(decimal.NewFromInt(4))
	return p
}
