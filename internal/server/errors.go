package server

import (
	"context"
	"errors"

	"LoanLedger/internal/core"
	"LoanLedger/internal/loan"
	fpmath "LoanLedger/internal/math"
	"LoanLedger/internal/oracle"
	"LoanLedger/internal/query"
	"LoanLedger/internal/stake"
	"LoanLedger/internal/swap"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps a ledger error onto a gRPC status. The gateway turns the code
// into an HTTP status with runtime.HTTPStatusFromCode.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(errorCode(err), err.Error())
}

func errorCode(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded

	case errors.Is(err, loan.ErrLoanNotFound):
		return codes.NotFound

	case errors.Is(err, loan.ErrInvalidAmount), errors.Is(err, loan.ErrInvalidInput),
		errors.Is(err, loan.ErrOverflow),
		errors.Is(err, stake.ErrInvalidAmount), errors.Is(err, stake.ErrInvalidInput),
		errors.Is(err, stake.ErrOverflow),
		errors.Is(err, swap.ErrInvalidAmount), errors.Is(err, swap.ErrInvalidInput),
		errors.Is(err, fpmath.ErrMalformed), errors.Is(err, fpmath.ErrOutOfRange),
		errors.Is(err, core.ErrMissingIdempotencyKey):
		return codes.InvalidArgument

	case errors.Is(err, loan.ErrInsufficientCollateral), errors.Is(err, loan.ErrExcessiveLeverage),
		errors.Is(err, loan.ErrInsufficientRepayment), errors.Is(err, loan.ErrNotLiquidatable),
		errors.Is(err, loan.ErrLoanActive), errors.Is(err, loan.ErrLoanNotActive),
		errors.Is(err, stake.ErrInsufficientStake), errors.Is(err, swap.ErrSlippage):
		return codes.FailedPrecondition

	case errors.Is(err, loan.ErrPriceUnavailable), errors.Is(err, loan.ErrInvalidPrice),
		errors.Is(err, oracle.ErrNoPrice), errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, swap.ErrExchange):
		return codes.Unavailable

	case errors.Is(err, query.ErrHistoryUnavailable), errors.Is(err, core.ErrUnsupportedEvent):
		return codes.Unimplemented

	default:
		return codes.Internal
	}
}
