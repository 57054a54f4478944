package core

import (
	"errors"
	"fmt"

	"PDALedger/internal/custody"
	"PDALedger/internal/ledger"
	"PDALedger/internal/pda"
)

// Operation failures. Every one of them leaves state untouched.
var (
	ErrAlreadyExists       = errors.New("account already exists")
	ErrNotFound            = errors.New("account not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientFunds   = custody.ErrInsufficientFunds
	ErrInsufficientBalance = errors.New("insufficient account balance")
	ErrUnauthorized        = errors.New("caller is not authorized")
	ErrDerivationExhausted = pda.ErrDerivationExhausted
	ErrAddressMismatch     = pda.ErrAddressMismatch
	ErrInvalidName         = ledger.ErrInvalidName
	ErrFaucetDisabled      = errors.New("faucet disabled")
	ErrClosed              = errors.New("ledger is shutting down")
)

// OpError reports which operation failed and on which account.
type OpError struct {
	Op      string
	Address pda.Pubkey
	Err     error
}

func (e *OpError) Error() string {
	if e.Address.IsZero() {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Reason is a stable short name for the failure, used as a metric label and
// on the wire.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrDerivationExhausted):
		return "derivation_exhausted"
	case errors.Is(err, ErrAddressMismatch):
		return "address_mismatch"
	case errors.Is(err, ErrInvalidName):
		return "invalid_name"
	case errors.Is(err, ErrFaucetDisabled):
		return "faucet_disabled"
	case errors.Is(err, ErrClosed):
		return "unavailable"
	default:
		return "internal"
	}
}
