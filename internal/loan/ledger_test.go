package loan_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"LoanLedger/internal/loan"
	fpmath "LoanLedger/internal/math"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Helpers
// ============================================================================

const (
	startTime int64 = 1_700_000_000
	asset           = "XLM"
	account         = "GALICE"
)

type manualClock struct{ now int64 }

func (c *manualClock) Now() int64 { return c.now }

type fakeOracle struct {
	price *big.Int
	err   error
	calls int
}

func (o *fakeOracle) PriceOf(_ context.Context, _ string) (*big.Int, error) {
	o.calls++
	if o.err != nil {
		return nil, o.err
	}
	return o.price, nil
}

type fixture struct {
	ledger *loan.Ledger
	store  *loan.MemStore
	clock  *manualClock
	oracle *fakeOracle
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithParams(t, loan.DefaultParams())
}

func newFixtureWithParams(t *testing.T, params loan.Params) *fixture {
	t.Helper()
	f := &fixture{
		store:  loan.NewMemStore(),
		clock:  &manualClock{now: startTime},
		oracle: &fakeOracle{price: big.NewInt(1_000_000)},
	}
	l, err := loan.NewLedger(f.store, f.clock, f.oracle, params, zerolog.Nop())
	require.NoError(t, err)
	f.ledger = l
	return f
}

func n(v int64) *big.Int { return big.NewInt(v) }

func (f *fixture) create(t *testing.T, principal, collateral int64) *loan.Receipt {
	t.Helper()
	r, err := f.ledger.CreateLoan(context.Background(), asset, n(principal), n(collateral), account)
	require.NoError(t, err)
	return r
}

func (f *fixture) total(t *testing.T) int64 {
	t.Helper()
	total, err := f.ledger.GetTotalLoans(context.Background(), asset)
	require.NoError(t, err)
	return total.Int64()
}

// ============================================================================
// CreateLoan
// ============================================================================

func TestCreateLoan_RecordsActiveLoan(t *testing.T) {
	f := newFixture(t)

	r := f.create(t, 1000, 2000)
	assert.Equal(t, int64(1000), r.TotalLoans.Int64())
	assert.Equal(t, int64(1000), f.total(t))

	got, err := f.ledger.GetLoan(context.Background(), asset, account)
	require.NoError(t, err)
	assert.Equal(t, loan.LoanStatusActive, got.Status)
	assert.Equal(t, int64(1000), got.Principal.Int64())
	assert.Equal(t, int64(2000), got.Collateral.Int64())
	assert.Equal(t, int64(500), got.InterestRateBps)
	assert.Equal(t, startTime, got.StartTime)
	assert.Equal(t, startTime+31_536_000, got.EndTime)
}

func TestCreateLoan_InsufficientCollateral(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateLoan(context.Background(), asset, n(1000), n(1000), account)
	assert.ErrorIs(t, err, loan.ErrInsufficientCollateral)
	assert.Equal(t, int64(0), f.total(t))

	_, err = f.ledger.GetLoan(context.Background(), asset, account)
	assert.ErrorIs(t, err, loan.ErrLoanNotFound)
}

func TestCreateLoan_RatioBoundary(t *testing.T) {
	f := newFixture(t)

	// 1500*100/1000 == 150 is accepted.
	f.create(t, 1000, 1500)

	// 1499*100/1000 == 149 is rejected.
	_, err := f.ledger.CreateLoan(context.Background(), asset, n(1000), n(1499), "GBOB")
	assert.ErrorIs(t, err, loan.ErrInsufficientCollateral)

	// Truncation: 3*100/2 == 150 passes, 4*100/3 == 133 fails.
	_, err = f.ledger.CreateLoan(context.Background(), "BTC", n(2), n(3), "GCAROL")
	assert.NoError(t, err)
	_, err = f.ledger.CreateLoan(context.Background(), "ETH", n(3), n(4), "GCAROL")
	assert.ErrorIs(t, err, loan.ErrInsufficientCollateral)
}

func TestCreateLoan_ExcessiveLeverage(t *testing.T) {
	params := loan.DefaultParams()
	params.MinCollateralRatio = 10
	f := newFixtureWithParams(t, params)

	// 1000*100/300 == 333 > 300
	_, err := f.ledger.CreateLoan(context.Background(), asset, n(1000), n(300), account)
	assert.ErrorIs(t, err, loan.ErrExcessiveLeverage)

	// 900*100/300 == 300 is inclusive.
	_, err = f.ledger.CreateLoan(context.Background(), asset, n(900), n(300), account)
	assert.NoError(t, err)
}

func TestCreateLoan_AcceptsExactlyWhenBothBoundsHold(t *testing.T) {
	for p := int64(1); p <= 40; p++ {
		for c := int64(1); c <= 80; c++ {
			f := newFixture(t)
			_, err := f.ledger.CreateLoan(context.Background(), asset, n(p), n(c), account)

			ok := c*100/p >= 150 && p*100/c <= 300
			if ok {
				require.NoError(t, err, "p=%d c=%d", p, c)
				assert.Equal(t, p, f.total(t))
			} else {
				require.Error(t, err, "p=%d c=%d", p, c)
				assert.Equal(t, int64(0), f.total(t))
			}
		}
	}
}

func TestCreateLoan_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tooBig := new(big.Int).Add(fpmath.MaxInt128, big.NewInt(1))

	tests := []struct {
		name       string
		asset      string
		account    string
		principal  *big.Int
		collateral *big.Int
		want       error
	}{
		{"zero principal", asset, account, n(0), n(100), loan.ErrInvalidAmount},
		{"negative principal", asset, account, n(-10), n(100), loan.ErrInvalidAmount},
		{"nil principal", asset, account, nil, n(100), loan.ErrInvalidAmount},
		{"zero collateral", asset, account, n(100), n(0), loan.ErrInvalidAmount},
		{"negative collateral", asset, account, n(100), n(-1), loan.ErrInvalidAmount},
		{"principal beyond int128", asset, account, tooBig, n(100), loan.ErrOverflow},
		{"empty account", asset, "", n(100), n(200), loan.ErrInvalidInput},
		{"empty asset", "", account, n(100), n(200), loan.ErrInvalidInput},
		{"asset with separator", "XL/M", account, n(100), n(200), loan.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.CreateLoan(ctx, tt.asset, tt.principal, tt.collateral, tt.account)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, int64(0), f.total(t))
}

func TestCreateLoan_RejectsAggregateOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	half := new(big.Int).Quo(fpmath.MaxInt128, n(2))

	for _, acct := range []string{"GA", "GB"} {
		_, err := f.ledger.CreateLoan(ctx, asset, half, fpmath.MaxInt128, acct)
		require.NoError(t, err)
	}
	before, err := f.ledger.GetTotalLoans(ctx, asset)
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Mul(half, n(2)).String(), before.String())

	_, err = f.ledger.CreateLoan(ctx, asset, n(2), n(3), "GC")
	require.ErrorIs(t, err, loan.ErrOverflow)

	after, err := f.ledger.GetTotalLoans(ctx, asset)
	require.NoError(t, err)
	assert.Equal(t, before.String(), after.String())
	_, err = f.ledger.GetLoan(ctx, asset, "GC")
	assert.ErrorIs(t, err, loan.ErrLoanNotFound)
}

func TestCreateLoan_RejectsOverActiveLoan(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1000, 2000)

	_, err := f.ledger.CreateLoan(context.Background(), asset, n(500), n(1000), account)
	assert.ErrorIs(t, err, loan.ErrLoanActive)
	assert.Equal(t, int64(1000), f.total(t))

	got, err := f.ledger.GetLoan(context.Background(), asset, account)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Principal.Int64())
}

func TestCreateLoan_ReusesTerminalKey(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1000, 2000)

	_, err := f.ledger.RepayLoan(context.Background(), asset, n(1000), account)
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.total(t))

	f.clock.now += 100
	f.create(t, 400, 800)
	assert.Equal(t, int64(400), f.total(t))

	got, err := f.ledger.GetLoan(context.Background(), asset, account)
	require.NoError(t, err)
	assert.Equal(t, loan.LoanStatusActive, got.Status)
	assert.Equal(t, startTime+100, got.StartTime)
}

func TestCreateLoan_TotalsArePerAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, 1000, 2000)
	_, err := f.ledger.CreateLoan(ctx, asset, n(300), n(600), "GBOB")
	require.NoError(t, err)
	_, err = f.ledger.CreateLoan(ctx, "USDC", n(50), n(75), account)
	require.NoError(t, err)

	assert.Equal(t, int64(1300), f.total(t))
	usdc, err := f.ledger.GetTotalLoans(ctx, "USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(50), usdc.Int64())
}

// ============================================================================
// RepayLoan
// ============================================================================

func TestRepayLoan_AtZeroElapsedRequiresPrincipal(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1000, 2000)

	_, err := f.ledger.RepayLoan(context.Background(), asset, n(999), account)
	assert.ErrorIs(t, err, loan.ErrInsufficientRepayment)
	assert.Equal(t, int64(1000), f.total(t))

	r, err := f.ledger.RepayLoan(context.Background(), asset, n(1000), account)
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.Interest.Int64())
	assert.Equal(t, int64(1000), r.TotalDue.Int64())
	assert.Equal(t, loan.LoanStatusRepaid, r.Loan.Status)
	assert.Equal(t, int64(0), f.total(t))
}

func TestRepayLoan_AccruesOneYearOfInterest(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1000, 2000)
	f.clock.now += 31_536_000

	// 1000 * 500 * 31_536_000 / (31_536_000 * 10_000) == 50
	_, err := f.ledger.RepayLoan(context.Background(), asset, n(1049), account)
	assert.ErrorIs(t, err, loan.ErrInsufficientRepayment)

	r, err := f.ledger.RepayLoan(context.Background(), asset, n(1050), account)
	require.NoError(t, err)
	assert.Equal(t, int64(50), r.Interest.Int64())

	// Aggregate drops by principal, not by the amount paid.
	assert.Equal(t, int64(0), f.total(t))
}

func TestRepayLoan_TruncatesInterest(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1_000_000_000, 2_000_000_000)
	f.clock.now += 86_400

	// 1e9 * 500 * 86_400 / 315_360_000_000 == 136_986.30...
	r, err := f.ledger.RepayLoan(context.Background(), asset, n(2_000_000_000), account)
	require.NoError(t, err)
	assert.Equal(t, int64(136_986), r.Interest.Int64())
	assert.Equal(t, int64(1_000_136_986), r.TotalDue.Int64())
}

func TestRepayLoan_OverpaymentKeepsAggregateAtPrincipal(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1000, 2000)
	_, err := f.ledger.CreateLoan(context.Background(), asset, n(700), n(1400), "GBOB")
	require.NoError(t, err)
	f.clock.now += 10 * 31_536_000

	_, err = f.ledger.RepayLoan(context.Background(), asset, n(5000), account)
	require.NoError(t, err)
	assert.Equal(t, int64(700), f.total(t))
}

func TestRepayLoan_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.RepayLoan(context.Background(), asset, n(1000), account)
	assert.ErrorIs(t, err, loan.ErrLoanNotFound)
}

func TestRepayLoan_SecondRepayIsRejected(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1000, 2000)

	_, err := f.ledger.RepayLoan(context.Background(), asset, n(1000), account)
	require.NoError(t, err)

	_, err = f.ledger.RepayLoan(context.Background(), asset, n(1000), account)
	assert.ErrorIs(t, err, loan.ErrLoanNotActive)
	assert.Equal(t, int64(0), f.total(t))
}

func TestRepayLoan_RejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1000, 2000)

	_, err := f.ledger.RepayLoan(context.Background(), asset, n(0), account)
	assert.ErrorIs(t, err, loan.ErrInvalidAmount)
	_, err = f.ledger.RepayLoan(context.Background(), asset, n(-5), account)
	assert.ErrorIs(t, err, loan.ErrInvalidAmount)
}

func TestRepayLoan_ClockRegressionAccruesNothing(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1000, 2000)
	f.clock.now -= 3600

	r, err := f.ledger.RepayLoan(context.Background(), asset, n(1000), account)
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.Interest.Int64())
}

// ============================================================================
// LiquidateLoan
// ============================================================================

func TestLiquidateLoan_HealthyLoanIsRejected(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1000, 2000)

	_, err := f.ledger.LiquidateLoan(context.Background(), asset, account)
	assert.ErrorIs(t, err, loan.ErrNotLiquidatable)
	assert.Equal(t, int64(1000), f.total(t))
}

func TestLiquidateLoan_PriceBoundary(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1000, 2000)

	// 2000 * 0.75 = 1500 -> ratio 150, still healthy.
	f.oracle.price = n(750_000)
	_, err := f.ledger.LiquidateLoan(context.Background(), asset, account)
	assert.ErrorIs(t, err, loan.ErrNotLiquidatable)

	// 2000 * 0.749999 = 1499.998 -> 1499 -> ratio 149.
	f.oracle.price = n(749_999)
	r, err := f.ledger.LiquidateLoan(context.Background(), asset, account)
	require.NoError(t, err)
	assert.Equal(t, int64(1499), r.CollateralValue.Int64())
	assert.Equal(t, int64(149), r.CollateralRatio.Int64())
	assert.Equal(t, loan.LoanStatusLiquidated, r.Loan.Status)
	assert.Equal(t, int64(0), f.total(t))

	got, err := f.ledger.GetLoan(context.Background(), asset, account)
	require.NoError(t, err)
	assert.Equal(t, loan.LoanStatusLiquidated, got.Status)
}

func TestLiquidateLoan_AggregateDropsByPrincipal(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1000, 2000)
	_, err := f.ledger.CreateLoan(context.Background(), asset, n(250), n(1000), "GBOB")
	require.NoError(t, err)
	f.clock.now += 31_536_000

	f.oracle.price = n(500_000)
	_, err = f.ledger.LiquidateLoan(context.Background(), asset, account)
	require.NoError(t, err)
	assert.Equal(t, int64(250), f.total(t))

	// GBOB: 1000 * 0.5 = 500 -> 200%, untouched.
	_, err = f.ledger.LiquidateLoan(context.Background(), asset, "GBOB")
	assert.ErrorIs(t, err, loan.ErrNotLiquidatable)
}

func TestLiquidateLoan_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.LiquidateLoan(context.Background(), asset, account)
	assert.ErrorIs(t, err, loan.ErrLoanNotFound)
	assert.Equal(t, 0, f.oracle.calls)
}

func TestLiquidateLoan_TerminalLoanIsRejected(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1000, 2000)
	_, err := f.ledger.RepayLoan(context.Background(), asset, n(1000), account)
	require.NoError(t, err)

	f.oracle.price = n(1)
	_, err = f.ledger.LiquidateLoan(context.Background(), asset, account)
	assert.ErrorIs(t, err, loan.ErrLoanNotActive)
}

func TestLiquidateLoan_OracleFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1000, 2000)

	f.oracle.err = errors.New("feed down")
	_, err := f.ledger.LiquidateLoan(context.Background(), asset, account)
	assert.ErrorIs(t, err, loan.ErrPriceUnavailable)

	f.oracle.err = nil
	f.oracle.price = n(0)
	_, err = f.ledger.LiquidateLoan(context.Background(), asset, account)
	assert.ErrorIs(t, err, loan.ErrInvalidPrice)

	got, err := f.ledger.GetLoan(context.Background(), asset, account)
	require.NoError(t, err)
	assert.Equal(t, loan.LoanStatusActive, got.Status)
	assert.Equal(t, int64(1000), f.total(t))
}

// ============================================================================
// Reads
// ============================================================================

func TestGetTotalLoans_UnknownAssetIsZero(t *testing.T) {
	f := newFixture(t)
	total, err := f.ledger.GetTotalLoans(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Equal(t, 0, total.Sign())
}

func TestGetLoan_ReturnsCopy(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1000, 2000)

	got, err := f.ledger.GetLoan(context.Background(), asset, account)
	require.NoError(t, err)
	got.Principal.SetInt64(1)

	again, err := f.ledger.GetLoan(context.Background(), asset, account)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), again.Principal.Int64())
}

func TestGetLoanHealth(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1000, 2000)
	f.clock.now += 31_536_000
	f.oracle.price = n(700_000)

	h, err := f.ledger.GetLoanHealth(context.Background(), asset, account)
	require.NoError(t, err)
	assert.Equal(t, int64(31_536_000), h.Elapsed)
	assert.Equal(t, int64(50), h.Interest.Int64())
	assert.Equal(t, int64(1050), h.TotalDue.Int64())
	assert.Equal(t, int64(1400), h.CollateralValue.Int64())
	assert.Equal(t, int64(140), h.CollateralRatio.Int64())
	assert.True(t, h.Liquidatable)

	// Read-only: the loan is still Active.
	assert.Equal(t, int64(1000), f.total(t))
}

// ============================================================================
// Integrity
// ============================================================================

func TestVerifyTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, 1000, 2000)
	_, err := f.ledger.CreateLoan(ctx, asset, n(300), n(600), "GBOB")
	require.NoError(t, err)
	_, err = f.ledger.CreateLoan(ctx, "BTC", n(10), n(20), account)
	require.NoError(t, err)
	_, err = f.ledger.RepayLoan(ctx, asset, n(1000), account)
	require.NoError(t, err)

	report, err := f.ledger.VerifyTotals(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 3, report.LoansScanned)
	assert.Equal(t, 2, report.ActiveLoans)
	assert.Equal(t, 2, report.AssetsChecked)

	require.NoError(t, f.store.Update(ctx, func(tx loan.Tx) error {
		return tx.PutTotal("BTC", n(11))
	}))

	report, err = f.ledger.VerifyTotals(ctx)
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, "BTC", report.Mismatches[0].Asset)
	assert.Equal(t, int64(11), report.Mismatches[0].Stored.Int64())
	assert.Equal(t, int64(10), report.Mismatches[0].Computed.Int64())
}

// failingStore rejects aggregate writes so partial commits would be visible.
type failingStore struct {
	*loan.MemStore
}

type failingTx struct {
	loan.Tx
}

func (failingTx) PutTotal(string, *big.Int) error { return errors.New("disk full") }

func (s failingStore) Update(ctx context.Context, fn func(loan.Tx) error) error {
	return s.MemStore.Update(ctx, func(tx loan.Tx) error {
		return fn(failingTx{tx})
	})
}

func TestCreateLoan_StoreFailureCommitsNothing(t *testing.T) {
	mem := loan.NewMemStore()
	l, err := loan.NewLedger(failingStore{mem}, &manualClock{now: startTime}, &fakeOracle{price: n(1_000_000)}, loan.DefaultParams(), zerolog.Nop())
	require.NoError(t, err)

	_, err = l.CreateLoan(context.Background(), asset, n(1000), n(2000), account)
	require.Error(t, err)

	_, err = l.GetLoan(context.Background(), asset, account)
	assert.ErrorIs(t, err, loan.ErrLoanNotFound)
}

// ============================================================================
// Construction
// ============================================================================

func TestNewLedger_Validation(t *testing.T) {
	_, err := loan.NewLedger(nil, &manualClock{}, &fakeOracle{}, loan.DefaultParams(), zerolog.Nop())
	assert.Error(t, err)

	params := loan.DefaultParams()
	params.PriceScale = 0
	_, err = loan.NewLedger(loan.NewMemStore(), &manualClock{}, &fakeOracle{}, params, zerolog.Nop())
	assert.Error(t, err)
}

func TestLoanStatus_Transitions(t *testing.T) {
	assert.True(t, loan.LoanStatusActive.CanTransitionTo(loan.LoanStatusRepaid))
	assert.True(t, loan.LoanStatusActive.CanTransitionTo(loan.LoanStatusLiquidated))
	assert.False(t, loan.LoanStatusRepaid.CanTransitionTo(loan.LoanStatusActive))
	assert.False(t, loan.LoanStatusLiquidated.CanTransitionTo(loan.LoanStatusRepaid))
	assert.False(t, loan.LoanStatusRepaid.CanTransitionTo(loan.LoanStatusRepaid))
	assert.False(t, loan.LoanStatusActive.IsTerminal())
	assert.True(t, loan.LoanStatusRepaid.IsTerminal())
	assert.True(t, loan.LoanStatusLiquidated.IsTerminal())

	s, ok := loan.ParseLoanStatus(loan.LoanStatusLiquidated.String())
	assert.True(t, ok)
	assert.Equal(t, loan.LoanStatusLiquidated, s)
}

func TestErrorKind(t *testing.T) {
	_, err := newFixture(t).ledger.RepayLoan(context.Background(), asset, n(1), account)
	assert.Equal(t, "loan_not_found", loan.ErrorKind(err))
	assert.Equal(t, "internal", loan.ErrorKind(errors.New("boom")))
	assert.Equal(t, "ok", loan.ErrorKind(nil))
}
