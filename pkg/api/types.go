package api

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perpengine/pkg/app/core"
	"github.com/uhyunpark/perpengine/pkg/app/core/market"
	"github.com/uhyunpark/perpengine/pkg/app/core/position"
)

// ==============================
// REST Response Types
// ==============================

// MarketInfo is a market's configuration plus its live prices.
type MarketInfo struct {
	*market.Market
	MarkPrice             *decimal.Decimal `json:"markPrice,omitempty"`
	AnnualizedFundingRate *decimal.Decimal `json:"annualizedFundingRate,omitempty"`
}

// PositionInfo is an open position assessed at the current mark.
type PositionInfo struct {
	*core.Position
	MarkPrice        decimal.Decimal `json:"markPrice"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
	UnrealizedPnL    decimal.Decimal `json:"unrealizedPnl"`
	DistancePercent  decimal.Decimal `json:"distancePercent"`
}

func positionInfo(r position.Risk) PositionInfo {
	return PositionInfo{
		Position:         r.Position,
		MarkPrice:        r.MarkPrice,
		LiquidationPrice: r.LiquidationPrice,
		UnrealizedPnL:    r.UnrealizedPnL,
		DistancePercent:  r.DistancePercent,
	}
}

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/orders
type SubmitOrderRequest struct {
	Address    string          `json:"address"`
	Market     string          `json:"market"`
	Side       string          `json:"side"` // "buy" or "sell"
	Type       string          `json:"type"` // "limit" or "market"
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	PostOnly   bool            `json:"postOnly"`
	ReduceOnly bool            `json:"reduceOnly"`
	Leverage   decimal.Decimal `json:"leverage"`
}

// CancelOrderRequest is the payload for POST /api/v1/orders/cancel
type CancelOrderRequest struct {
	Address string `json:"address"`
	OrderID string `json:"orderId"`
}

// ClosePositionRequest is the payload for POST /api/v1/positions/close.
// A zero or missing quantity closes the whole position.
type ClosePositionRequest struct {
	Address  string          `json:"address"`
	Market   string          `json:"market"`
	Quantity decimal.Decimal `json:"quantity"`
}

// TransferRequest is the payload for deposits and withdrawals.
type TransferRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

type IndexPriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["orderbook:BTC-USDC", "orders:0xabc..."]
}

// WSAck confirms a subscription change.
type WSAck struct {
	Type     string   `json:"type"` // "subscribed" or "unsubscribed"
	Channels []string `json:"channels"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
