package loan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"LoanLedger/internal/ident"
	fpmath "LoanLedger/internal/math"

	"github.com/rs/zerolog"
)

// MaxIdentifierLength bounds account and asset identifiers.
const MaxIdentifierLength = ident.MaxLength

// Ledger owns loan records and the per-asset principal aggregate.
// Every mutating operation is one Store.Update: the loan read-modify-write and
// the aggregate update commit together or not at all.
type Ledger struct {
	store  Store
	clock  Clock
	oracle PriceOracle
	params Params
	logger zerolog.Logger
}

func NewLedger(store Store, clock Clock, oracle PriceOracle, params Params, logger zerolog.Logger) (*Ledger, error) {
	if store == nil || clock == nil || oracle == nil {
		return nil, errors.New("loan ledger: store, clock and oracle are required")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("loan ledger: %w", err)
	}
	return &Ledger{
		store:  store,
		clock:  clock,
		oracle: oracle,
		params: params,
		logger: logger,
	}, nil
}

func (l *Ledger) Params() Params {
	return l.params
}

// CreateLoan originates a loan at (account, asset). Collateral must cover at
// least MinCollateralRatio percent of principal and leverage must not exceed
// MaxLeverage percent, both with truncating division. A terminal loan at the
// same key is overwritten; an Active one is rejected.
func (l *Ledger) CreateLoan(ctx context.Context, asset string, principal, collateral *big.Int, account string) (*Receipt, error) {
	key, err := newKey(account, asset)
	if err != nil {
		return nil, err
	}
	if err := checkAmount("principal", principal); err != nil {
		return nil, err
	}
	if err := checkAmount("collateral", collateral); err != nil {
		return nil, err
	}

	ratio, err := fpmath.Percent(collateral, principal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if ratio.Cmp(big.NewInt(l.params.MinCollateralRatio)) < 0 {
		return nil, fmt.Errorf("%w: ratio %s%% below %d%%", ErrInsufficientCollateral, ratio, l.params.MinCollateralRatio)
	}

	leverage, err := fpmath.Percent(principal, collateral)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if leverage.Cmp(big.NewInt(l.params.MaxLeverage)) > 0 {
		return nil, fmt.Errorf("%w: leverage %s%% above %d%%", ErrExcessiveLeverage, leverage, l.params.MaxLeverage)
	}

	now := l.clock.Now()
	if now > math.MaxInt64-l.params.Term {
		return nil, fmt.Errorf("%w: start time %d leaves no room for term", ErrInvalidInput, now)
	}

	var receipt *Receipt
	err = l.store.Update(ctx, func(tx Tx) error {
		existing, found, err := tx.GetLoan(key)
		if err != nil {
			return err
		}
		if found && !existing.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrLoanActive, key)
		}

		total, err := tx.GetTotal(asset)
		if err != nil {
			return err
		}
		newTotal := new(big.Int).Add(total, principal)
		if !fpmath.FitsInt128(newTotal) {
			return fmt.Errorf("%w: total loans for %s", ErrOverflow, asset)
		}

		loan := &Loan{
			Account:         account,
			Asset:           asset,
			Principal:       new(big.Int).Set(principal),
			Collateral:      new(big.Int).Set(collateral),
			InterestRateBps: l.params.InterestRateBps,
			StartTime:       now,
			EndTime:         now + l.params.Term,
			Status:          LoanStatusActive,
		}
		if err := tx.PutLoan(loan); err != nil {
			return err
		}
		if err := tx.PutTotal(asset, newTotal); err != nil {
			return err
		}

		receipt = &Receipt{Loan: loan, TotalLoans: newTotal, Time: now}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("account", account).
		Str("asset", asset).
		Str("principal", principal.String()).
		Str("collateral", collateral.String()).
		Str("ratio", ratio.String()).
		Msg("loan created")

	return receipt, nil
}

// RepayLoan closes an Active loan when amount covers principal plus linear
// interest accrued since origination. The aggregate drops by the original
// principal only.
func (l *Ledger) RepayLoan(ctx context.Context, asset string, amount *big.Int, account string) (*Receipt, error) {
	key, err := newKey(account, asset)
	if err != nil {
		return nil, err
	}
	if err := checkAmount("amount", amount); err != nil {
		return nil, err
	}

	now := l.clock.Now()

	var receipt *Receipt
	err = l.store.Update(ctx, func(tx Tx) error {
		loan, err := l.activeLoan(tx, key, LoanStatusRepaid)
		if err != nil {
			return err
		}

		interest, _, err := l.accrue(loan, now)
		if err != nil {
			return err
		}
		due := new(big.Int).Add(loan.Principal, interest)
		if amount.Cmp(due) < 0 {
			return fmt.Errorf("%w: paid %s, due %s", ErrInsufficientRepayment, amount, due)
		}

		newTotal, err := l.releasePrincipal(tx, loan)
		if err != nil {
			return err
		}
		loan.Status = LoanStatusRepaid
		if err := tx.PutLoan(loan); err != nil {
			return err
		}

		receipt = &Receipt{
			Loan:       loan,
			Time:       now,
			TotalLoans: newTotal,
			Interest:   interest,
			TotalDue:   due,
			Paid:       new(big.Int).Set(amount),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("account", account).
		Str("asset", asset).
		Str("interest", receipt.Interest.String()).
		Str("paid", amount.String()).
		Msg("loan repaid")

	return receipt, nil
}

// LiquidateLoan closes an Active loan whose collateral, valued at the current
// oracle price, covers less than MinCollateralRatio percent of principal.
// Collateral settlement happens elsewhere.
func (l *Ledger) LiquidateLoan(ctx context.Context, asset string, account string) (*Receipt, error) {
	key, err := newKey(account, asset)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()

	var receipt *Receipt
	err = l.store.Update(ctx, func(tx Tx) error {
		loan, err := l.activeLoan(tx, key, LoanStatusLiquidated)
		if err != nil {
			return err
		}

		price, err := l.price(ctx, asset)
		if err != nil {
			return err
		}
		value, ratio, err := l.collateralRatio(loan, price)
		if err != nil {
			return err
		}
		if ratio.Cmp(big.NewInt(l.params.MinCollateralRatio)) >= 0 {
			return fmt.Errorf("%w: ratio %s%% at or above %d%%", ErrNotLiquidatable, ratio, l.params.MinCollateralRatio)
		}

		newTotal, err := l.releasePrincipal(tx, loan)
		if err != nil {
			return err
		}
		loan.Status = LoanStatusLiquidated
		if err := tx.PutLoan(loan); err != nil {
			return err
		}

		receipt = &Receipt{
			Loan:            loan,
			TotalLoans:      newTotal,
			Time:            now,
			Price:           price,
			CollateralValue: value,
			CollateralRatio: ratio,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info().
		Str("account", account).
		Str("asset", asset).
		Str("price", receipt.Price.String()).
		Str("ratio", receipt.CollateralRatio.String()).
		Msg("loan liquidated")

	return receipt, nil
}

// GetLoan returns the record at (account, asset) in any status.
func (l *Ledger) GetLoan(ctx context.Context, asset string, account string) (*Loan, error) {
	key, err := newKey(account, asset)
	if err != nil {
		return nil, err
	}

	var loan *Loan
	err = l.store.View(ctx, func(tx Tx) error {
		found, ok, err := tx.GetLoan(key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrLoanNotFound, key)
		}
		loan = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// GetTotalLoans returns the principal aggregate for asset, zero when none.
func (l *Ledger) GetTotalLoans(ctx context.Context, asset string) (*big.Int, error) {
	var total *big.Int
	err := l.store.View(ctx, func(tx Tx) error {
		t, err := tx.GetTotal(asset)
		if err != nil {
			return err
		}
		total = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return total, nil
}

// GetLoanHealth previews repayment and liquidation for a loan without
// changing it.
func (l *Ledger) GetLoanHealth(ctx context.Context, asset string, account string) (*Health, error) {
	key, err := newKey(account, asset)
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()

	var health *Health
	err = l.store.View(ctx, func(tx Tx) error {
		loan, ok, err := tx.GetLoan(key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrLoanNotFound, key)
		}

		interest, elapsed, err := l.accrue(loan, now)
		if err != nil {
			return err
		}
		price, err := l.price(ctx, asset)
		if err != nil {
			return err
		}
		value, ratio, err := l.collateralRatio(loan, price)
		if err != nil {
			return err
		}

		health = &Health{
			Loan:            loan,
			Now:             now,
			Elapsed:         elapsed,
			Interest:        interest,
			TotalDue:        new(big.Int).Add(loan.Principal, interest),
			Price:           price,
			CollateralValue: value,
			CollateralRatio: ratio,
			Liquidatable: loan.Status == LoanStatusActive &&
				ratio.Cmp(big.NewInt(l.params.MinCollateralRatio)) < 0,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return health, nil
}

// VerifyTotals recomputes the Active principal per asset and compares it with
// the stored aggregates.
func (l *Ledger) VerifyTotals(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}
	computed := make(map[string]*big.Int)

	err := l.store.View(ctx, func(tx Tx) error {
		err := tx.ForEachLoan(func(loan *Loan) error {
			report.LoansScanned++
			if loan.Status != LoanStatusActive {
				return nil
			}
			report.ActiveLoans++
			sum, ok := computed[loan.Asset]
			if !ok {
				sum = new(big.Int)
				computed[loan.Asset] = sum
			}
			sum.Add(sum, loan.Principal)
			return nil
		})
		if err != nil {
			return err
		}

		checked := make(map[string]struct{})
		err = tx.ForEachTotal(func(asset string, stored *big.Int) error {
			checked[asset] = struct{}{}
			want, ok := computed[asset]
			if !ok {
				want = new(big.Int)
			}
			if stored.Cmp(want) != 0 {
				report.Mismatches = append(report.Mismatches, TotalMismatch{Asset: asset, Stored: stored, Computed: want})
			}
			return nil
		})
		if err != nil {
			return err
		}

		for asset, want := range computed {
			if _, ok := checked[asset]; ok {
				continue
			}
			checked[asset] = struct{}{}
			if want.Sign() != 0 {
				report.Mismatches = append(report.Mismatches, TotalMismatch{Asset: asset, Stored: new(big.Int), Computed: want})
			}
		}
		report.AssetsChecked = len(checked)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !report.OK() {
		l.logger.Error().Int("mismatches", len(report.Mismatches)).Msg("loan totals diverge from records")
	}
	return report, nil
}

func (l *Ledger) activeLoan(tx Tx, key Key, next LoanStatus) (*Loan, error) {
	loan, ok, err := tx.GetLoan(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLoanNotFound, key)
	}
	if !loan.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s is %s", ErrLoanNotActive, key, loan.Status)
	}
	return loan, nil
}

// accrue returns principal*rate*elapsed / (year*bps), truncated, with the
// elapsed time clamped at zero when the clock is behind the start time.
func (l *Ledger) accrue(loan *Loan, now int64) (*big.Int, int64, error) {
	elapsed := now - loan.StartTime
	if elapsed < 0 {
		l.logger.Warn().
			Int64("now", now).
			Int64("start_time", loan.StartTime).
			Str("loan", loan.Key().String()).
			Msg("clock behind loan start, accruing no interest")
		elapsed = 0
	}

	interest, err := fpmath.MulDiv(
		l.params.accrualDenominator(),
		loan.Principal,
		big.NewInt(loan.InterestRateBps),
		big.NewInt(elapsed),
	)
	if err != nil {
		return nil, 0, err
	}
	if !fpmath.FitsInt128(new(big.Int).Add(loan.Principal, interest)) {
		return nil, 0, fmt.Errorf("%w: amount due for %s", ErrOverflow, loan.Key())
	}
	return interest, elapsed, nil
}

func (l *Ledger) price(ctx context.Context, asset string) (*big.Int, error) {
	price, err := l.oracle.PriceOf(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPriceUnavailable, asset, err)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s priced at %v", ErrInvalidPrice, asset, price)
	}
	return price, nil
}

func (l *Ledger) collateralRatio(loan *Loan, price *big.Int) (value, ratio *big.Int, err error) {
	value, err = fpmath.MulDiv(big.NewInt(l.params.PriceScale), loan.Collateral, price)
	if err != nil {
		return nil, nil, err
	}
	ratio, err = fpmath.Percent(value, loan.Principal)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return value, ratio, nil
}

func (l *Ledger) releasePrincipal(tx Tx, loan *Loan) (*big.Int, error) {
	total, err := tx.GetTotal(loan.Asset)
	if err != nil {
		return nil, err
	}
	newTotal := new(big.Int).Sub(total, loan.Principal)
	if !fpmath.FitsInt128(newTotal) {
		return nil, fmt.Errorf("%w: total loans for %s", ErrOverflow, loan.Asset)
	}
	if err := tx.PutTotal(loan.Asset, newTotal); err != nil {
		return nil, err
	}
	return newTotal, nil
}

func newKey(account, asset string) (Key, error) {
	if err := ValidateIdentifier("account", account); err != nil {
		return Key{}, err
	}
	if err := ValidateIdentifier("asset", asset); err != nil {
		return Key{}, err
	}
	return Key{Account: account, Asset: asset}, nil
}

// ValidateIdentifier rejects empty, oversized, or separator-bearing names.
func ValidateIdentifier(field, value string) error {
	if err := ident.Validate(field, value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func checkAmount(field string, v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, field)
	}
	if !fpmath.FitsInt128(v) {
		return fmt.Errorf("%w: %s", ErrOverflow, field)
	}
	return nil
}
