package loan

import (
	"fmt"
	"math/big"

	fpmath "LoanLedger/internal/math"
)

// SecondsPerYear is the loan term and the interest accrual period.
const SecondsPerYear int64 = 31_536_000

// Params are the fixed lending terms applied by a Ledger.
type Params struct {
	MinCollateralRatio int64 // percent, inclusive lower bound at origination
	MaxLeverage        int64 // percent, inclusive upper bound at origination
	InterestRateBps    int64 // annual rate stamped on new loans
	Term               int64 // seconds from start to end
	YearSeconds        int64 // accrual period
	BpsDenominator     int64
	PriceScale         int64 // oracle prices carry this many units per 1.0
}

// DefaultParams returns the standard lending terms.
func DefaultParams() Params {
	return Params{
		MinCollateralRatio: 150,
		MaxLeverage:        300,
		InterestRateBps:    500,
		Term:               SecondsPerYear,
		YearSeconds:        SecondsPerYear,
		BpsDenominator:     fpmath.BpsConfig.Scale,
		PriceScale:         fpmath.PriceConfig.Scale,
	}
}

// Validate checks parameters before a Ledger is built from them.
func (p Params) Validate() error {
	if p.MinCollateralRatio <= 0 {
		return fmt.Errorf("min collateral ratio must be positive, got %d", p.MinCollateralRatio)
	}
	if p.MaxLeverage <= 0 {
		return fmt.Errorf("max leverage must be positive, got %d", p.MaxLeverage)
	}
	if p.InterestRateBps < 0 || p.InterestRateBps > p.BpsDenominator {
		return fmt.Errorf("interest rate must be in [0, %d] bps, got %d", p.BpsDenominator, p.InterestRateBps)
	}
	if p.Term <= 0 {
		return fmt.Errorf("term must be positive, got %d", p.Term)
	}
	if p.YearSeconds <= 0 {
		return fmt.Errorf("year seconds must be positive, got %d", p.YearSeconds)
	}
	if p.BpsDenominator <= 0 {
		return fmt.Errorf("bps denominator must be positive, got %d", p.BpsDenominator)
	}
	if p.PriceScale <= 0 {
		return fmt.Errorf("price scale must be positive, got %d", p.PriceScale)
	}
	return nil
}

func (p Params) accrualDenominator() *big.Int {
	return new(big.Int).Mul(big.NewInt(p.YearSeconds), big.NewInt(p.BpsDenominator))
}
