package loan

import (
	"math/big"
)

// LoanStatus tracks where a loan is in its lifecycle
type LoanStatus int32

const (
	LoanStatusActive LoanStatus = iota
	LoanStatusRepaid
	LoanStatusLiquidated
)

func (s LoanStatus) String() string {
	switch s {
	case LoanStatusActive:
		return "Active"
	case LoanStatusRepaid:
		return "Repaid"
	case LoanStatusLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// ParseLoanStatus is the inverse of String.
func ParseLoanStatus(s string) (LoanStatus, bool) {
	switch s {
	case "Active":
		return LoanStatusActive, true
	case "Repaid":
		return LoanStatusRepaid, true
	case "Liquidated":
		return LoanStatusLiquidated, true
	default:
		return 0, false
	}
}

// IsTerminal reports whether no further transition is possible
func (s LoanStatus) IsTerminal() bool {
	return s == LoanStatusRepaid || s == LoanStatusLiquidated
}

// CanTransitionTo validates state transitions
func (s LoanStatus) CanTransitionTo(next LoanStatus) bool {
	validTransitions := map[LoanStatus][]LoanStatus{
		LoanStatusActive: {
			LoanStatusRepaid,
			LoanStatusLiquidated,
		},
	}

	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Key identifies a loan. An account holds at most one loan per asset.
type Key struct {
	Account string
	Asset   string
}

func (k Key) String() string {
	return k.Account + "/" + k.Asset
}

// Loan is the persisted record for one (account, asset) pair.
type Loan struct {
	Account         string
	Asset           string
	Principal       *big.Int // asset units
	Collateral      *big.Int // asset units
	InterestRateBps int64    // annual, out of 10_000
	StartTime       int64    // ledger seconds
	EndTime         int64    // StartTime + term
	Status          LoanStatus
}

func (l *Loan) Key() Key {
	return Key{Account: l.Account, Asset: l.Asset}
}

// Clone returns a deep copy so callers cannot alias stored amounts.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	c := *l
	c.Principal = cloneInt(l.Principal)
	c.Collateral = cloneInt(l.Collateral)
	return &c
}

// Receipt is returned by every mutating operation.
type Receipt struct {
	Loan       *Loan
	TotalLoans *big.Int // aggregate for Loan.Asset after the operation
	Time       int64    // ledger seconds read by the operation

	// Set by RepayLoan.
	Interest *big.Int
	TotalDue *big.Int
	Paid     *big.Int

	// Set by LiquidateLoan.
	Price           *big.Int
	CollateralValue *big.Int
	CollateralRatio *big.Int
}

// Health is a read-only view of what repay and liquidate would see right now.
type Health struct {
	Loan            *Loan
	Now             int64
	Elapsed         int64
	Interest        *big.Int
	TotalDue        *big.Int
	Price           *big.Int
	CollateralValue *big.Int
	CollateralRatio *big.Int
	Liquidatable    bool
}

// TotalMismatch is one asset whose stored aggregate disagrees with its loans.
type TotalMismatch struct {
	Asset    string
	Stored   *big.Int
	Computed *big.Int
}

// IntegrityReport is the result of VerifyTotals.
type IntegrityReport struct {
	LoansScanned  int
	ActiveLoans   int
	AssetsChecked int
	Mismatches    []TotalMismatch
}

func (r *IntegrityReport) OK() bool {
	return len(r.Mismatches) == 0
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
