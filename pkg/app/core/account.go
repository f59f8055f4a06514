package core

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Trade is immutable once recorded. Price is always the maker's resting price.
type Trade struct {
	ID     string `json:"id"`
	Market string `json:"market"`

	MakerOrderID   string         `json:"makerOrderId"`
	MakerUser      common.Address `json:"makerUser"`
	MakerSynthetic bool           `json:"makerIsSynthetic"`

	TakerOrderID   string         `json:"takerOrderId"`
	TakerUser      common.Address `json:"takerUser"`
	TakerSynthetic bool           `json:"takerIsSynthetic"`
	TakerSide      Side           `json:"takerSide"`

	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	QuoteQuantity decimal.Decimal `json:"quoteQuantity"`
	MakerFee      decimal.Decimal `json:"makerFee"`
	TakerFee      decimal.Decimal `json:"takerFee"`

	CreatedAt time.Time `json:"createdAt"`
}

// Position is a leveraged exposure per (user, market). Size stays positive
// while open; direction lives in Side.
type Position struct {
	ID     string         `json:"id"`
	User   common.Address `json:"user"`
	Market string         `json:"market"`
	Side   PositionSide   `json:"side"`

	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Margin     decimal.Decimal `json:"margin"`
	Leverage   decimal.Decimal `json:"leverage"`

	AccumulatedFunding decimal.Decimal `json:"accumulatedFunding"`
	RealizedPnL        decimal.Decimal `json:"realizedPnl"`

	Status    PositionStatus `json:"status"`
	OpenedAt  time.Time      `json:"openedAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	ClosedAt  *time.Time     `json:"closedAt,omitempty"`
}

func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen && p.Size.IsPositive()
}

func (p *Position) Notional(mark decimal.Decimal) decimal.Decimal {
	return p.Size.Mul(mark)
}

// UnrealizedPnL at mark: (mark - entry) x size, sign flipped for shorts.
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	pnl := mark.Sub(p.EntryPrice).Mul(p.Size)
	if p.Side == Short {
		return pnl.Neg()
	}
	return pnl
}

func (p *Position) Clone() *Position {
	cp := *p
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

// Balance is the ledger state for one (user, asset).
type Balance struct {
	User   common.Address  `json:"user"`
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

func (b Balance) Total() decimal.Decimal { return b.Free.Add(b.Locked) }

// FundingRecord is one settled funding cycle for a market.
type FundingRecord struct {
	ID            string          `json:"id"`
	Market        string          `json:"market"`
	Rate          decimal.Decimal `json:"rate"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	IndexPrice    decimal.Decimal `json:"indexPrice"`
	LongPayments  decimal.Decimal `json:"longPayments"`
	ShortPayments decimal.Decimal `json:"shortPayments"`
	Positions     int             `json:"positions"`
	Timestamp     time.Time       `json:"timestamp"`
}
