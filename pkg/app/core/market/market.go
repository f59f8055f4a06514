package market

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketType defines the type of market
type MarketType int8

const (
	Perpetual MarketType = iota // No expiry, has funding
	Future                      // Has expiry date
	Spot                        // No leverage
)

func (mt MarketType) String() string {
	switch mt {
	case Perpetual:
		return "perpetual"
	case Future:
		return "future"
	case Spot:
		return "spot"
	default:
		return "unknown"
	}
}

func ParseMarketType(s string) (MarketType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "perpetual", "perp":
		return Perpetual, nil
	case "future":
		return Future, nil
	case "spot":
		return Spot, nil
	}
	return 0, fmt.Errorf("unknown market type %q", s)
}

func (mt MarketType) MarshalText() ([]byte, error) { return []byte(mt.String()), nil }

func (mt *MarketType) UnmarshalText(b []byte) error {
	v, err := ParseMarketType(string(b))
	if err != nil {
		return err
	}
	*mt = v
	return nil
}

// MarketStatus defines the trading status of a market
type MarketStatus int8

const (
	Active   MarketStatus = iota // Trading enabled
	Paused                       // Trading halted (emergency or ledger fault)
	Settling                     // Settlement in progress
	Settled                      // Market closed
)

func (ms MarketStatus) String() string {
	switch ms {
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Settling:
		return "settling"
	case Settled:
		return "settled"
	default:
		return "unknown"
	}
}

func ParseMarketStatus(s string) (MarketStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return Active, nil
	case "paused":
		return Paused, nil
	case "settling":
		return Settling, nil
	case "settled":
		return Settled, nil
	}
	return 0, fmt.Errorf("unknown market status %q", s)
}

func (ms MarketStatus) MarshalText() ([]byte, error) { return []byte(ms.String()), nil }

func (ms *MarketStatus) UnmarshalText(b []byte) error {
	v, err := ParseMarketStatus(string(b))
	if err != nil {
		return err
	}
	*ms = v
	return nil
}

var (
	ErrNotFound = errors.New("market: not found")
	ErrExists   = errors.New("market: already registered")
	ErrTerminal = errors.New("market: settled markets cannot change status")
)

// Market defines all parameters for a trading market (e.g., BTC-USDC perpetual).
// Tick and lot size define the only valid grid of prices and quantities.
type Market struct {
	// Identity
	Symbol     string       `json:"symbol"`
	BaseAsset  string       `json:"baseAsset"`
	QuoteAsset string       `json:"quoteAsset"`
	Type       MarketType   `json:"type"`
	Status     MarketStatus `json:"status"`

	// Grid
	TickSize     decimal.Decimal `json:"tickSize"`
	LotSize      decimal.Decimal `json:"lotSize"`
	MinOrderSize decimal.Decimal `json:"minOrderSize"`
	MaxOrderSize decimal.Decimal `json:"maxOrderSize"` // zero = unbounded
	MinNotional  decimal.Decimal `json:"minNotional"`

	// Leverage & margin (non-spot only)
	MaxLeverage           decimal.Decimal `json:"maxLeverage"`
	InitialMarginRate     decimal.Decimal `json:"initialMarginRate"`
	MaintenanceMarginRate decimal.Decimal `json:"maintenanceMarginRate"`

	// Funding (perpetual only)
	FundingInterval time.Duration   `json:"fundingInterval"`
	MaxFundingRate  decimal.Decimal `json:"maxFundingRate"`
	FundingRate     decimal.Decimal `json:"fundingRate"`
	NextFundingTime time.Time       `json:"nextFundingTime"`
	IndexPrice      decimal.Decimal `json:"indexPrice"`

	// Fees, charged in the quote asset
	MakerFee decimal.Decimal `json:"makerFee"`
	TakerFee decimal.Decimal `json:"takerFee"`

	LaunchedAt time.Time `json:"launchedAt"`
}

// NewMarket creates a new market with validation
func NewMarket(symbol, baseAsset, quoteAsset string, params Params) (*Market, error) {
	m := &Market{
		Symbol:                symbol,
		BaseAsset:             baseAsset,
		QuoteAsset:            quoteAsset,
		Type:                  params.Type,
		Status:                Active,
		TickSize:              params.TickSize,
		LotSize:               params.LotSize,
		MinOrderSize:          params.MinOrderSize,
		MaxOrderSize:          params.MaxOrderSize,
		MinNotional:           params.MinNotional,
		MaxLeverage:           params.MaxLeverage,
		InitialMarginRate:     params.InitialMarginRate,
		MaintenanceMarginRate: params.MaintenanceMarginRate,
		FundingInterval:       params.FundingInterval,
		MaxFundingRate:        params.MaxFundingRate,
		FundingRate:           decimal.Zero,
		IndexPrice:            decimal.Zero,
		MakerFee:              params.MakerFee,
		TakerFee:              params.TakerFee,
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market params: %w", err)
	}

	return m, nil
}

// ParseSymbol splits "BTC-USDC" into its base and quote assets.
func ParseSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("symbol %q must look like BASE-QUOTE", symbol)
	}
	return parts[0], parts[1], nil
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.BaseAsset == "" || m.QuoteAsset == "" {
		return fmt.Errorf("base and quote assets must be specified")
	}
	if m.BaseAsset == m.QuoteAsset {
		return fmt.Errorf("base and quote assets must differ")
	}
	if !m.TickSize.IsPositive() {
		return fmt.Errorf("tick size must be positive")
	}
	if !m.LotSize.IsPositive() {
		return fmt.Errorf("lot size must be positive")
	}
	if m.MinNotional.IsNegative() {
		return fmt.Errorf("min notional cannot be negative")
	}
	if !m.MinOrderSize.IsPositive() {
		return fmt.Errorf("min order size must be positive")
	}
	if m.MaxOrderSize.IsPositive() && m.MinOrderSize.GreaterThan(m.MaxOrderSize) {
		return fmt.Errorf("min order size cannot exceed max order size")
	}

	if m.Type != Spot {
		if m.MaxLeverage.LessThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("max leverage must be at least 1")
		}
		if !m.InitialMarginRate.IsPositive() {
			return fmt.Errorf("initial margin must be positive")
		}
		if !m.MaintenanceMarginRate.IsPositive() {
			return fmt.Errorf("maintenance margin must be positive")
		}
		if m.MaintenanceMarginRate.GreaterThan(m.InitialMarginRate) {
			return fmt.Errorf("maintenance margin cannot exceed initial margin")
		}
		// 1/MaxLeverage must not undercut the initial margin rate
		if decimal.NewFromInt(1).Div(m.MaxLeverage).LessThan(m.InitialMarginRate) {
			return fmt.Errorf("max leverage (%s) inconsistent with initial margin (%s)", m.MaxLeverage, m.InitialMarginRate)
		}
	}

	if m.Type == Perpetual {
		if m.FundingInterval <= 0 {
			return fmt.Errorf("funding interval must be positive")
		}
		if m.MaxFundingRate.IsNegative() {
			return fmt.Errorf("max funding rate cannot be negative")
		}
	}

	if m.MakerFee.IsNegative() || m.TakerFee.IsNegative() {
		return fmt.Errorf("fees cannot be negative")
	}
	if m.MakerFee.GreaterThan(m.TakerFee) {
		return fmt.Errorf("maker fee cannot exceed taker fee")
	}

	return nil
}

// IsDerivative reports whether fills on this market create positions.
func (m *Market) IsDerivative() bool { return m.Type != Spot }

// RoundPrice snaps a price to the nearest tick.
func (m *Market) RoundPrice(p decimal.Decimal) decimal.Decimal {
	return p.Div(m.TickSize).Round(0).Mul(m.TickSize)
}

// RoundQuantity truncates a quantity down to the lot grid.
func (m *Market) RoundQuantity(q decimal.Decimal) decimal.Decimal {
	return q.Div(m.LotSize).Floor().Mul(m.LotSize)
}

// ValidateOrder checks an already-rounded order against market limits.
func (m *Market) ValidateOrder(price, qty decimal.Decimal) error {
	if m.Status != Active {
		return fmt.Errorf("market %s is not active (status: %s)", m.Symbol, m.Status)
	}
	if !price.IsPositive() {
		return fmt.Errorf("price must be positive")
	}
	if !qty.IsPositive() {
		return fmt.Errorf("quantity must be positive")
	}
	if qty.LessThan(m.MinOrderSize) {
		return fmt.Errorf("order size %s below minimum %s", qty, m.MinOrderSize)
	}
	if m.MaxOrderSize.IsPositive() && qty.GreaterThan(m.MaxOrderSize) {
		return fmt.Errorf("order size %s exceeds maximum %s", qty, m.MaxOrderSize)
	}
	if notional := price.Mul(qty); notional.LessThan(m.MinNotional) {
		return fmt.Errorf("order notional %s below minimum %s", notional, m.MinNotional)
	}
	return nil
}

// ValidateLeverage checks a requested leverage against the market cap.
func (m *Market) ValidateLeverage(lev decimal.Decimal) error {
	if lev.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("leverage must be at least 1")
	}
	if m.Type == Spot {
		if !lev.Equal(decimal.NewFromInt(1)) {
			return fmt.Errorf("spot market %s does not support leverage", m.Symbol)
		}
		return nil
	}
	if lev.GreaterThan(m.MaxLeverage) {
		return fmt.Errorf("leverage %s exceeds maximum %s", lev, m.MaxLeverage)
	}
	return nil
}

// RequiredInitialMargin is notional x initial margin rate.
func (m *Market) RequiredInitialMargin(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty).Mul(m.InitialMarginRate)
}

// RequiredMaintenanceMargin is notional x maintenance margin rate.
func (m *Market) RequiredMaintenanceMargin(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty).Mul(m.MaintenanceMarginRate)
}

// PeriodsPerYear is the number of funding intervals in 365 days.
func (m *Market) PeriodsPerYear() decimal.Decimal {
	if m.FundingInterval <= 0 {
		return decimal.Zero
	}
	year := decimal.NewFromInt(int64(365 * 24 * time.Hour))
	return year.Div(decimal.NewFromInt(int64(m.FundingInterval)))
}

// AnnualizedFundingRate derives the yearly rate from the current per-interval rate.
func (m *Market) AnnualizedFundingRate() decimal.Decimal {
	return m.FundingRate.Mul(m.PeriodsPerYear())
}

// FundingDue reports whether a funding cycle should run at now.
func (m *Market) FundingDue(now time.Time) bool {
	return m.Type == Perpetual && !m.NextFundingTime.IsZero() && !now.Before(m.NextFundingTime)
}

func (m *Market) Clone() *Market {
	cp := *m
	return &cp
}
