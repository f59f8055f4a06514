package core

import (
	"fmt"
	"strings"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the side a matching order rests on.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "bid", "long":
		return Buy, nil
	case "sell", "ask", "short":
		return Sell, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

type OrderType string

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

func (t OrderType) Valid() bool { return t == Limit || t == Market }

func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "limit", "":
		return Limit, nil
	case "market":
		return Market, nil
	}
	return "", fmt.Errorf("unknown order type %q", s)
}

// OrderStatus is the lifecycle state of an order.
//
//	pending -> open | partial | filled
//	open    -> partial | filled | cancelled
//	partial -> filled | cancelled
//
// filled and cancelled are terminal.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusOpen      OrderStatus = "open"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	StatusPending: {StatusOpen, StatusPartial, StatusFilled},
	StatusOpen:    {StatusPartial, StatusFilled, StatusCancelled},
	StatusPartial: {StatusPartial, StatusFilled, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the order state machine.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// ActiveStatuses are the states in which an order may rest on a book.
var ActiveStatuses = []OrderStatus{StatusOpen, StatusPartial}

type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// PositionSideOf maps the side of a fill to the exposure it opens.
func PositionSideOf(s Side) PositionSide {
	if s == Buy {
		return Long
	}
	return Short
}

// ClosingSide is the order side that reduces a position.
func (p PositionSide) ClosingSide() Side {
	if p == Long {
		return Sell
	}
	return Buy
}

type PositionStatus string

const (
	PositionOpen       PositionStatus = "open"
	PositionClosed     PositionStatus = "closed"
	PositionLiquidated PositionStatus = "liquidated"
)
