package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"LoanLedger/internal/loan"
	fpmath "LoanLedger/internal/math"
	"LoanLedger/internal/stake"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout inside the embedded store.
const (
	loanPrefix       = "loan/"
	loanTotalPrefix  = "loantotal/"
	stakePrefix      = "stake/"
	stakeTotalPrefix = "staketotal/"
)

// levelReader is satisfied by both *leveldb.Transaction and *leveldb.Snapshot.
type levelReader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

// OpenLevelDB opens (or creates) an embedded store at path.
func OpenLevelDB(path string) (*leveldb.DB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return db, nil
}

func levelUpdate(ctx context.Context, db *leveldb.DB, fn func(*leveldb.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tr, err := db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("open leveldb transaction: %w", err)
	}
	if err := fn(tr); err != nil {
		tr.Discard()
		return err
	}
	// A failed commit leaves the transaction open and the write lock held.
	if err := tr.Commit(); err != nil {
		tr.Discard()
		return fmt.Errorf("commit leveldb transaction: %w", err)
	}
	return nil
}

func levelView(ctx context.Context, db *leveldb.DB, fn func(*leveldb.Snapshot) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap, err := db.GetSnapshot()
	if err != nil {
		return fmt.Errorf("leveldb snapshot: %w", err)
	}
	defer snap.Release()
	return fn(snap)
}

func levelGetAmount(r levelReader, key string) (*big.Int, error) {
	raw, err := r.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return fpmath.ParseInt128(string(raw))
}

// --- Loans ---

type levelLoan struct {
	Principal       string `json:"principal"`
	Collateral      string `json:"collateral"`
	InterestRateBps int64  `json:"interest_rate_bps"`
	StartTime       int64  `json:"start_time"`
	EndTime         int64  `json:"end_time"`
	Status          string `json:"status"`
}

// LevelLoanStore keeps loans in an embedded goleveldb database.
type LevelLoanStore struct {
	db *leveldb.DB
}

func NewLevelLoanStore(db *leveldb.DB) *LevelLoanStore {
	return &LevelLoanStore{db: db}
}

func (s *LevelLoanStore) Update(ctx context.Context, fn func(loan.Tx) error) error {
	return levelUpdate(ctx, s.db, func(tr *leveldb.Transaction) error {
		return fn(&levelLoanTx{r: tr, w: tr})
	})
}

func (s *LevelLoanStore) View(ctx context.Context, fn func(loan.Tx) error) error {
	return levelView(ctx, s.db, func(snap *leveldb.Snapshot) error {
		return fn(&levelLoanTx{r: snap})
	})
}

type levelLoanTx struct {
	r levelReader
	w *leveldb.Transaction // nil for views
}

func loanKey(k loan.Key) []byte {
	return []byte(loanPrefix + k.Account + "/" + k.Asset)
}

func (t *levelLoanTx) GetLoan(key loan.Key) (*loan.Loan, bool, error) {
	raw, err := t.r.Get(loanKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get loan %s: %w", key, err)
	}
	l, err := decodeLevelLoan(key.Account, key.Asset, raw)
	if err != nil {
		return nil, false, err
	}
	return l, true, nil
}

func decodeLevelLoan(account, asset string, raw []byte) (*loan.Loan, error) {
	var rec levelLoan
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode loan %s/%s: %w", account, asset, err)
	}
	l := &loan.Loan{
		Account:         account,
		Asset:           asset,
		InterestRateBps: rec.InterestRateBps,
		StartTime:       rec.StartTime,
		EndTime:         rec.EndTime,
	}
	return finishLoan(l, rec.Principal, rec.Collateral, rec.Status)
}

func (t *levelLoanTx) PutLoan(l *loan.Loan) error {
	if t.w == nil {
		return loan.ErrReadOnlyTx
	}
	raw, err := json.Marshal(levelLoan{
		Principal:       l.Principal.String(),
		Collateral:      l.Collateral.String(),
		InterestRateBps: l.InterestRateBps,
		StartTime:       l.StartTime,
		EndTime:         l.EndTime,
		Status:          l.Status.String(),
	})
	if err != nil {
		return err
	}
	return t.w.Put(loanKey(l.Key()), raw, nil)
}

func (t *levelLoanTx) GetTotal(asset string) (*big.Int, error) {
	return levelGetAmount(t.r, loanTotalPrefix+asset)
}

func (t *levelLoanTx) PutTotal(asset string, total *big.Int) error {
	if t.w == nil {
		return loan.ErrReadOnlyTx
	}
	return t.w.Put([]byte(loanTotalPrefix+asset), []byte(total.String()), nil)
}

func (t *levelLoanTx) ForEachLoan(fn func(*loan.Loan) error) error {
	it := t.r.NewIterator(util.BytesPrefix([]byte(loanPrefix)), nil)
	defer it.Release()

	for it.Next() {
		account, asset, ok := strings.Cut(strings.TrimPrefix(string(it.Key()), loanPrefix), "/")
		if !ok {
			return fmt.Errorf("malformed loan key %q", it.Key())
		}
		l, err := decodeLevelLoan(account, asset, it.Value())
		if err != nil {
			return err
		}
		if err := fn(l); err != nil {
			return err
		}
	}
	return it.Error()
}

func (t *levelLoanTx) ForEachTotal(fn func(string, *big.Int) error) error {
	it := t.r.NewIterator(util.BytesPrefix([]byte(loanTotalPrefix)), nil)
	defer it.Release()

	for it.Next() {
		total, err := fpmath.ParseInt128(string(it.Value()))
		if err != nil {
			return err
		}
		if err := fn(strings.TrimPrefix(string(it.Key()), loanTotalPrefix), total); err != nil {
			return err
		}
	}
	return it.Error()
}

// --- Stakes ---

// LevelStakeStore keeps stakes in the same embedded database as loans.
type LevelStakeStore struct {
	db *leveldb.DB
}

func NewLevelStakeStore(db *leveldb.DB) *LevelStakeStore {
	return &LevelStakeStore{db: db}
}

func (s *LevelStakeStore) Update(ctx context.Context, fn func(stake.Tx) error) error {
	return levelUpdate(ctx, s.db, func(tr *leveldb.Transaction) error {
		return fn(&levelStakeTx{r: tr, w: tr})
	})
}

func (s *LevelStakeStore) View(ctx context.Context, fn func(stake.Tx) error) error {
	return levelView(ctx, s.db, func(snap *leveldb.Snapshot) error {
		return fn(&levelStakeTx{r: snap})
	})
}

var errReadOnlyStake = errors.New("stake store: write in read-only transaction")

type levelStakeTx struct {
	r levelReader
	w *leveldb.Transaction
}

func (t *levelStakeTx) GetStake(key stake.Key) (*big.Int, error) {
	return levelGetAmount(t.r, stakePrefix+key.Account+"/"+key.Asset)
}

func (t *levelStakeTx) PutStake(key stake.Key, amount *big.Int) error {
	if t.w == nil {
		return errReadOnlyStake
	}
	return t.w.Put([]byte(stakePrefix+key.Account+"/"+key.Asset), []byte(amount.String()), nil)
}

func (t *levelStakeTx) GetTotal(asset string) (*big.Int, error) {
	return levelGetAmount(t.r, stakeTotalPrefix+asset)
}

func (t *levelStakeTx) PutTotal(asset string, total *big.Int) error {
	if t.w == nil {
		return errReadOnlyStake
	}
	return t.w.Put([]byte(stakeTotalPrefix+asset), []byte(total.String()), nil)
}
