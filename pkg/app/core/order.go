package core

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Order is owned by the lifecycle while active. The book only holds a reference.
type Order struct {
	ID     string         `json:"id"`
	Market string         `json:"market"`
	User   common.Address `json:"user"`
	Side   Side           `json:"side"`
	Type   OrderType      `json:"type"`

	// Price is the limit price. For market orders it holds the effective
	// crossing price used for the reservation.
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Filled    decimal.Decimal `json:"filled"`
	Remaining decimal.Decimal `json:"remaining"`
	AvgPrice  decimal.Decimal `json:"avgPrice"`

	PostOnly   bool            `json:"postOnly"`
	ReduceOnly bool            `json:"reduceOnly"`
	Synthetic  bool            `json:"isSynthetic"`
	Leverage   decimal.Decimal `json:"leverage"`

	Status       OrderStatus     `json:"status"`
	LockedAsset  string          `json:"lockedAsset"`
	LockedAmount decimal.Decimal `json:"lockedAmount"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	FilledAt    *time.Time `json:"filledAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

// NewOrder returns a pending order with remaining = quantity.
func NewOrder(id, mkt string, user common.Address, side Side, typ OrderType, price, qty decimal.Decimal, now time.Time) *Order {
	return &Order{
		ID:           id,
		Market:       mkt,
		User:         user,
		Side:         side,
		Type:         typ,
		Price:        price,
		Quantity:     qty,
		Filled:       decimal.Zero,
		Remaining:    qty,
		AvgPrice:     decimal.Zero,
		Leverage:     decimal.NewFromInt(1),
		Status:       StatusPending,
		LockedAmount: decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ApplyFill records an execution of qty at price and folds it into the
// running average fill price.
func (o *Order) ApplyFill(qty, price decimal.Decimal, at time.Time) error {
	if !qty.IsPositive() {
		return fmt.Errorf("order %s: fill quantity must be positive, got %s", o.ID, qty)
	}
	if qty.GreaterThan(o.Remaining) {
		return fmt.Errorf("order %s: fill %s exceeds remaining %s", o.ID, qty, o.Remaining)
	}
	filled := o.Filled.Add(qty)
	o.AvgPrice = o.AvgPrice.Mul(o.Filled).Add(price.Mul(qty)).Div(filled)
	o.Filled = filled
	o.Remaining = o.Remaining.Sub(qty)
	o.UpdatedAt = at
	if o.Remaining.IsZero() {
		t := at
		o.FilledAt = &t
	}
	return nil
}

// FillStatus derives open/partial/filled from the fill counters.
func (o *Order) FillStatus() OrderStatus {
	switch {
	case o.Remaining.IsZero():
		return StatusFilled
	case o.Filled.IsPositive():
		return StatusPartial
	default:
		return StatusOpen
	}
}

// Transition moves the order along the state machine.
func (o *Order) Transition(to OrderStatus, at time.Time) error {
	if o.Status == to && to == StatusPartial {
		o.UpdatedAt = at
		return nil
	}
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("order %s: invalid transition %s -> %s", o.ID, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = at
	if to == StatusCancelled {
		t := at
		o.CancelledAt = &t
	}
	return nil
}

// Notional is price x quantity at the order's own price.
func (o *Order) Notional() decimal.Decimal {
	return o.Price.Mul(o.Quantity)
}

func (o *Order) Clone() *Order {
	cp := *o
	if o.FilledAt != nil {
		t := *o.FilledAt
		cp.FilledAt = &t
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}
