package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"LoanLedger/internal/loan"
	fpmath "LoanLedger/internal/math"
	"LoanLedger/internal/stake"

	"github.com/lib/pq"
)

// serializationFailure is SQLSTATE 40001.
const serializationFailure = "40001"

const maxTxAttempts = 3

// runTx runs fn in a serializable transaction, retrying when Postgres aborts
// it for a serialization conflict.
func runTx(ctx context.Context, db *sql.DB, readOnly bool, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = runTxOnce(ctx, db, readOnly, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func runTxOnce(ctx context.Context, db *sql.DB, readOnly bool, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable, ReadOnly: readOnly})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == serializationFailure
}

func scanAmount(s string) (*big.Int, error) {
	v, err := fpmath.ParseInt128(s)
	if err != nil {
		return nil, fmt.Errorf("stored amount %q: %w", s, err)
	}
	return v, nil
}

// --- Loans ---

// PostgresLoanStore keeps loans in ledger.loans and aggregates in ledger.loan_totals.
type PostgresLoanStore struct {
	db *sql.DB
}

func NewPostgresLoanStore(db *sql.DB) *PostgresLoanStore {
	return &PostgresLoanStore{db: db}
}

func (s *PostgresLoanStore) Update(ctx context.Context, fn func(loan.Tx) error) error {
	return runTx(ctx, s.db, false, func(tx *sql.Tx) error {
		return fn(&pgLoanTx{ctx: ctx, tx: tx, lock: true})
	})
}

func (s *PostgresLoanStore) View(ctx context.Context, fn func(loan.Tx) error) error {
	return runTx(ctx, s.db, true, func(tx *sql.Tx) error {
		return fn(&pgLoanTx{ctx: ctx, tx: tx, readOnly: true})
	})
}

type pgLoanTx struct {
	ctx      context.Context
	tx       *sql.Tx
	lock     bool
	readOnly bool
}

func (t *pgLoanTx) forUpdate() string {
	if t.lock {
		return " FOR UPDATE"
	}
	return ""
}

func (t *pgLoanTx) GetLoan(key loan.Key) (*loan.Loan, bool, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT principal::text, collateral::text, interest_rate_bps, start_time, end_time, status
		FROM ledger.loans
		WHERE account = $1 AND asset = $2`+t.forUpdate(),
		key.Account, key.Asset,
	)

	l, err := scanLoan(row.Scan, key.Account, key.Asset)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get loan %s: %w", key, err)
	}
	return l, true, nil
}

func scanLoan(scan func(dest ...interface{}) error, account, asset string) (*loan.Loan, error) {
	var principal, collateral, status string
	l := &loan.Loan{Account: account, Asset: asset}
	if err := scan(&principal, &collateral, &l.InterestRateBps, &l.StartTime, &l.EndTime, &status); err != nil {
		return nil, err
	}
	return finishLoan(l, principal, collateral, status)
}

func finishLoan(l *loan.Loan, principal, collateral, status string) (*loan.Loan, error) {
	var err error
	if l.Principal, err = scanAmount(principal); err != nil {
		return nil, err
	}
	if l.Collateral, err = scanAmount(collateral); err != nil {
		return nil, err
	}
	st, ok := loan.ParseLoanStatus(status)
	if !ok {
		return nil, fmt.Errorf("unknown loan status %q", status)
	}
	l.Status = st
	return l, nil
}

func (t *pgLoanTx) PutLoan(l *loan.Loan) error {
	if t.readOnly {
		return loan.ErrReadOnlyTx
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger.loans
			(account, asset, principal, collateral, interest_rate_bps, start_time, end_time, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (account, asset) DO UPDATE SET
			principal = EXCLUDED.principal,
			collateral = EXCLUDED.collateral,
			interest_rate_bps = EXCLUDED.interest_rate_bps,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			status = EXCLUDED.status,
			updated_at = NOW()`,
		l.Account, l.Asset, l.Principal.String(), l.Collateral.String(),
		l.InterestRateBps, l.StartTime, l.EndTime, l.Status.String(),
	)
	if err != nil {
		return fmt.Errorf("put loan %s: %w", l.Key(), err)
	}
	return nil
}

func (t *pgLoanTx) GetTotal(asset string) (*big.Int, error) {
	return getTotal(t.ctx, t.tx, "ledger.loan_totals", asset, t.forUpdate())
}

func (t *pgLoanTx) PutTotal(asset string, total *big.Int) error {
	if t.readOnly {
		return loan.ErrReadOnlyTx
	}
	return putTotal(t.ctx, t.tx, "ledger.loan_totals", asset, total)
}

func (t *pgLoanTx) ForEachLoan(fn func(*loan.Loan) error) error {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT account, asset, principal::text, collateral::text, interest_rate_bps, start_time, end_time, status
		FROM ledger.loans
		ORDER BY account, asset`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var principal, collateral, status string
		l := &loan.Loan{}
		if err := rows.Scan(&l.Account, &l.Asset, &principal, &collateral,
			&l.InterestRateBps, &l.StartTime, &l.EndTime, &status); err != nil {
			return err
		}
		if l, err = finishLoan(l, principal, collateral, status); err != nil {
			return err
		}
		if err := fn(l); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (t *pgLoanTx) ForEachTotal(fn func(string, *big.Int) error) error {
	return forEachTotal(t.ctx, t.tx, "ledger.loan_totals", fn)
}

// --- Stakes ---

// PostgresStakeStore keeps stakes in ledger.stakes and totals in ledger.stake_totals.
type PostgresStakeStore struct {
	db *sql.DB
}

func NewPostgresStakeStore(db *sql.DB) *PostgresStakeStore {
	return &PostgresStakeStore{db: db}
}

func (s *PostgresStakeStore) Update(ctx context.Context, fn func(stake.Tx) error) error {
	return runTx(ctx, s.db, false, func(tx *sql.Tx) error {
		return fn(&pgStakeTx{ctx: ctx, tx: tx, lock: true})
	})
}

func (s *PostgresStakeStore) View(ctx context.Context, fn func(stake.Tx) error) error {
	return runTx(ctx, s.db, true, func(tx *sql.Tx) error {
		return fn(&pgStakeTx{ctx: ctx, tx: tx})
	})
}

type pgStakeTx struct {
	ctx  context.Context
	tx   *sql.Tx
	lock bool
}

func (t *pgStakeTx) forUpdate() string {
	if t.lock {
		return " FOR UPDATE"
	}
	return ""
}

func (t *pgStakeTx) GetStake(key stake.Key) (*big.Int, error) {
	var amount string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT amount::text FROM ledger.stakes WHERE account = $1 AND asset = $2`+t.forUpdate(),
		key.Account, key.Asset,
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stake %s: %w", key, err)
	}
	return scanAmount(amount)
}

func (t *pgStakeTx) PutStake(key stake.Key, amount *big.Int) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger.stakes (account, asset, amount, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (account, asset) DO UPDATE SET amount = EXCLUDED.amount, updated_at = NOW()`,
		key.Account, key.Asset, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("put stake %s: %w", key, err)
	}
	return nil
}

func (t *pgStakeTx) GetTotal(asset string) (*big.Int, error) {
	return getTotal(t.ctx, t.tx, "ledger.stake_totals", asset, t.forUpdate())
}

func (t *pgStakeTx) PutTotal(asset string, total *big.Int) error {
	return putTotal(t.ctx, t.tx, "ledger.stake_totals", asset, total)
}

// --- Shared aggregate helpers. table is always a package constant. ---

func getTotal(ctx context.Context, tx *sql.Tx, table, asset, suffix string) (*big.Int, error) {
	var total string
	err := tx.QueryRowContext(ctx,
		`SELECT total::text FROM `+table+` WHERE asset = $1`+suffix, asset,
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get total %s: %w", asset, err)
	}
	return scanAmount(total)
}

func putTotal(ctx context.Context, tx *sql.Tx, table, asset string, total *big.Int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+table+` (asset, total, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (asset) DO UPDATE SET total = EXCLUDED.total, updated_at = NOW()`,
		asset, total.String(),
	)
	if err != nil {
		return fmt.Errorf("put total %s: %w", asset, err)
	}
	return nil
}

func forEachTotal(ctx context.Context, tx *sql.Tx, table string, fn func(string, *big.Int) error) error {
	rows, err := tx.QueryContext(ctx, `SELECT asset, total::text FROM `+table+` ORDER BY asset`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var asset, total string
		if err := rows.Scan(&asset, &total); err != nil {
			return err
		}
		v, err := scanAmount(total)
		if err != nil {
			return err
		}
		if err := fn(asset, v); err != nil {
			return err
		}
	}
	return rows.Err()
}
