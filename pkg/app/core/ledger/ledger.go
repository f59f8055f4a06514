// Package ledger holds per-(user, asset) balances and the reservation
// primitives the order lifecycle builds on. Every call is atomic.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perpengine/pkg/app/core"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInsufficientLocked  = errors.New("ledger: insufficient locked balance")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
)

// FeeAccount receives trading fees so that settlement conserves every asset.
var FeeAccount = common.HexToAddress("0x000000000000000000000000000000000000fee0")

// InsufficientBalanceError reports the shortfall of a failed debit or lock.
type InsufficientBalanceError struct {
	User      common.Address
	Asset     string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient %s balance for %s: required %s, available %s",
		e.Asset, e.User.Hex(), e.Required, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// Ref tags a balance movement for traceability.
type Ref struct {
	Reason  string
	OrderID string
	TradeID string
}

// Settlement is one leg of a trade from the point of view of User.
// Buyers pay QuoteValue+Fee out of locked quote and receive Quantity base.
// Sellers pay Quantity out of locked base and receive QuoteValue-Fee quote.
type Settlement struct {
	User       common.Address
	Base       string
	Quote      string
	Side       core.Side
	Quantity   decimal.Decimal
	QuoteValue decimal.Decimal
	Fee        decimal.Decimal
	Price      decimal.Decimal
	TradeID    string
	OrderID    string
}

// Posting is a signed change to a free balance.
type Posting struct {
	User   common.Address
	Asset  string
	Amount decimal.Decimal
}

type Ledger interface {
	Lock(ctx context.Context, user common.Address, asset string, amount decimal.Decimal, ref Ref) error
	Unlock(ctx context.Context, user common.Address, asset string, amount decimal.Decimal, ref Ref) error
	SettleTrade(ctx context.Context, s Settlement) error
	// Apply commits all postings or none of them.
	Apply(ctx context.Context, ref Ref, postings ...Posting) error
	Balance(user common.Address, asset string) core.Balance
	Balances(user common.Address) []core.Balance
}

// Credit adds amount to the user's free balance.
func Credit(ctx context.Context, l Ledger, user common.Address, asset string, amount decimal.Decimal, reason string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return l.Apply(ctx, Ref{Reason: reason}, Posting{User: user, Asset: asset, Amount: amount})
}

// Debit removes amount from the user's free balance.
func Debit(ctx context.Context, l Ledger, user common.Address, asset string, amount decimal.Decimal, reason string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return l.Apply(ctx, Ref{Reason: reason}, Posting{User: user, Asset: asset, Amount: amount.Neg()})
}
