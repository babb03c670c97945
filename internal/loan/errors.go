package loan

import (
	"errors"
)

var (
	ErrInsufficientCollateral = errors.New("loan ledger: insufficient collateral")
	ErrExcessiveLeverage      = errors.New("loan ledger: excessive leverage")
	ErrLoanNotFound           = errors.New("loan ledger: loan not found")
	ErrInsufficientRepayment  = errors.New("loan ledger: insufficient repayment")
	ErrNotLiquidatable        = errors.New("loan ledger: loan not liquidatable")
	ErrInvalidAmount          = errors.New("loan ledger: invalid amount")
	ErrInvalidInput           = errors.New("loan ledger: invalid input")
	ErrLoanActive             = errors.New("loan ledger: active loan already exists")
	ErrLoanNotActive          = errors.New("loan ledger: loan is not active")
	ErrInvalidPrice           = errors.New("loan ledger: invalid oracle price")
	ErrPriceUnavailable       = errors.New("loan ledger: price unavailable")
	ErrOverflow               = errors.New("loan ledger: amount overflows int128")
)

// ErrorKind maps an error to a stable label used by metrics and transports.
// Unknown errors map to "internal".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrExcessiveLeverage):
		return "excessive_leverage"
	case errors.Is(err, ErrLoanNotFound):
		return "loan_not_found"
	case errors.Is(err, ErrInsufficientRepayment):
		return "insufficient_repayment"
	case errors.Is(err, ErrNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrLoanActive):
		return "loan_active"
	case errors.Is(err, ErrLoanNotActive):
		return "loan_not_active"
	case errors.Is(err, ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	default:
		return "internal"
	}
}
