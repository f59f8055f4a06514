package perp

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/perpengine/pkg/app/core/ledger"
)

// Code is the stable, user-facing classification of a failed request.
type Code string

const (
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeOrderFailed         Code = "ORDER_FAILED"
	CodeCancelFailed        Code = "CANCEL_FAILED"
	CodeNotFound            Code = "NOT_FOUND"
	CodeClosePending        Code = "CLOSE_PENDING"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeMarketHalted        Code = "MARKET_HALTED"
)

// Error carries a Code and a human-readable message. Err, when set, is the
// underlying cause and is reachable through errors.Is / errors.As.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the Code of err. Ledger shortfalls map to
// INSUFFICIENT_BALANCE even when not wrapped; anything else unknown is "".
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return CodeInsufficientBalance
	}
	return ""
}

// ledgerError classifies a failed ledger call made on behalf of a request.
func ledgerError(err error, action string) *Error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return wrap(CodeInsufficientBalance, err, "%s", action)
	case errors.Is(err, ledger.ErrInvalidAmount):
		return wrap(CodeInvalidRequest, err, "%s", action)
	default:
		return wrap(CodeOrderFailed, err, "%s", action)
	}
}

// errLedgerFault marks a settlement failure after matching mutated the book.
// The market cannot continue safely once this happens.
var errLedgerFault = errors.New("perp: ledger fault during settlement")
