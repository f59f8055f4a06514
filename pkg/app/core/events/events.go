// Package events defines the notifications the engine emits. Every event is
// one of a closed set of variants so consumers can switch exhaustively.
package events

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perpengine/pkg/app/core"
)

type Type string

const (
	TypeOrder    Type = "order"
	TypeBook     Type = "orderbook"
	TypeTrade    Type = "trade"
	TypePosition Type = "position"
	TypeFunding  Type = "funding"
)

// Event is implemented only by the variants in this package.
type Event interface {
	Type() Type
	// Channel is the subscription key: per user for order and position
	// events, per market for the rest.
	Channel() string
	event()
}

type OrderAction string

const (
	OrderCreated   OrderAction = "created"
	OrderFilled    OrderAction = "filled"
	OrderCancelled OrderAction = "cancelled"
	OrderUpdated   OrderAction = "updated"
)

type OrderEvent struct {
	Action OrderAction `json:"action"`
	Order  *core.Order `json:"order"`
}

func (OrderEvent) Type() Type { return TypeOrder }
func (e OrderEvent) Channel() string { return UserChannel("orders", e.Order.User) }
func (OrderEvent) event() {}

// BookDelta is the new aggregate at one price level. Zero quantity means the
// level was removed.
type BookDelta struct {
	Market    string          `json:"market"`
	Side      core.Side       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

func (BookDelta) Type() Type { return TypeBook }
func (e BookDelta) Channel() string { return MarketChannel("orderbook", e.Market) }
func (BookDelta) event() {}

type TradeEvent struct {
	Trade *core.Trade `json:"trade"`
}

func (TradeEvent) Type() Type { return TypeTrade }
func (e TradeEvent) Channel() string { return MarketChannel("trades", e.Trade.Market) }
func (TradeEvent) event() {}

type PositionAction string

const (
	PositionOpened     PositionAction = "opened"
	PositionUpdated    PositionAction = "updated"
	PositionClosed     PositionAction = "closed"
	PositionLiquidated PositionAction = "liquidated"
)

type PositionEvent struct {
	Action      PositionAction  `json:"action"`
	Position    *core.Position  `json:"position"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
}

func (PositionEvent) Type() Type { return TypePosition }
func (e PositionEvent) Channel() string { return UserChannel("positions", e.Position.User) }
func (PositionEvent) event() {}

type FundingAction string

const (
	FundingUpdate  FundingAction = "update"
	FundingPayment FundingAction = "payment"
)

// FundingEvent is either a market-wide update (Record set) or a single
// payment to or from User (Amount signed from the user's view).
type FundingEvent struct {
	Action FundingAction       `json:"action"`
	Market string              `json:"market"`
	Record *core.FundingRecord `json:"record,omitempty"`
	User   common.Address      `json:"user,omitempty"`
	Amount decimal.Decimal     `json:"amount"`
}

func (FundingEvent) Type() Type { return TypeFunding }
func (e FundingEvent) Channel() string { return MarketChannel("funding", e.Market) }
func (FundingEvent) event() {}

func MarketChannel(prefix, market string) string { return prefix + ":" + market }

// UserChannel keys on the lowercase hex address.
func UserChannel(prefix string, user common.Address) string {
	return prefix + ":" + lowerHex(user)
}
