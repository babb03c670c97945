package stake

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"LoanLedger/internal/ident"
	fpmath "LoanLedger/internal/math"

	"github.com/rs/zerolog"
)

var (
	ErrInsufficientStake = errors.New("stake ledger: insufficient stake")
	ErrInvalidAmount     = errors.New("stake ledger: invalid amount")
	ErrInvalidInput      = errors.New("stake ledger: invalid input")
	ErrOverflow          = errors.New("stake ledger: amount overflows int128")
)

// Key identifies one staked balance
type Key struct {
	Account string
	Asset   string
}

func (k Key) String() string {
	return k.Account + "/" + k.Asset
}

// Tx is the view of the store inside one atomic step. Absent balances read as zero.
type Tx interface {
	GetStake(key Key) (*big.Int, error)
	PutStake(key Key, amount *big.Int) error
	GetTotal(asset string) (*big.Int, error)
	PutTotal(asset string, total *big.Int) error
}

type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
}

// Receipt reports balances after a deposit or withdrawal.
type Receipt struct {
	Account string
	Asset   string
	Amount  *big.Int // moved by this call
	Balance *big.Int
	Total   *big.Int
}

// Ledger maintains per (account, asset) stakes and per-asset totals
type Ledger struct {
	store  Store
	logger zerolog.Logger
}

func NewLedger(store Store, logger zerolog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// Deposit adds amount to the account's stake and the asset total.
func (l *Ledger) Deposit(ctx context.Context, asset string, amount *big.Int, account string) (*Receipt, error) {
	return l.apply(ctx, asset, amount, account, 1)
}

// Withdraw removes amount, failing with ErrInsufficientStake when the stake is smaller.
func (l *Ledger) Withdraw(ctx context.Context, asset string, amount *big.Int, account string) (*Receipt, error) {
	return l.apply(ctx, asset, amount, account, -1)
}

func (l *Ledger) apply(ctx context.Context, asset string, amount *big.Int, account string, sign int) (*Receipt, error) {
	key, err := newKey(account, asset)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if !fpmath.FitsInt128(amount) {
		return nil, fmt.Errorf("%w: amount", ErrOverflow)
	}

	delta := new(big.Int).Set(amount)
	if sign < 0 {
		delta.Neg(delta)
	}

	var receipt *Receipt
	err = l.store.Update(ctx, func(tx Tx) error {
		balance, err := tx.GetStake(key)
		if err != nil {
			return err
		}
		if sign < 0 && balance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s holds %s, requested %s", ErrInsufficientStake, key, balance, amount)
		}
		total, err := tx.GetTotal(asset)
		if err != nil {
			return err
		}

		balance.Add(balance, delta)
		total.Add(total, delta)
		if !fpmath.FitsInt128(balance) || !fpmath.FitsInt128(total) {
			return fmt.Errorf("%w: stake for %s", ErrOverflow, key)
		}

		if err := tx.PutStake(key, balance); err != nil {
			return err
		}
		if err := tx.PutTotal(asset, total); err != nil {
			return err
		}
		receipt = &Receipt{Account: account, Asset: asset, Amount: new(big.Int).Set(amount), Balance: balance, Total: total}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("account", account).
		Str("asset", asset).
		Str("delta", delta.String()).
		Str("balance", receipt.Balance.String()).
		Msg("stake updated")
	return receipt, nil
}

// GetStake returns the account's stake, zero when none.
func (l *Ledger) GetStake(ctx context.Context, asset string, account string) (*big.Int, error) {
	key, err := newKey(account, asset)
	if err != nil {
		return nil, err
	}
	var out *big.Int
	err = l.store.View(ctx, func(tx Tx) error {
		out, err = tx.GetStake(key)
		return err
	})
	return out, err
}

// GetTotalStake returns the asset total, zero when none.
func (l *Ledger) GetTotalStake(ctx context.Context, asset string) (*big.Int, error) {
	var out *big.Int
	err := l.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.GetTotal(asset)
		return err
	})
	return out, err
}

func newKey(account, asset string) (Key, error) {
	if err := ident.Validate("account", account); err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := ident.Validate("asset", asset); err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return Key{Account: account, Asset: asset}, nil
}

// MemStore is an in-process Store with staged writes.
type MemStore struct {
	mu     sync.RWMutex
	stakes map[Key]*big.Int
	totals map[string]*big.Int
}

func NewMemStore() *MemStore {
	return &MemStore{
		stakes: make(map[Key]*big.Int),
		totals: make(map[string]*big.Int),
	}
}

func (s *MemStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, stakes: make(map[Key]*big.Int), totals: make(map[string]*big.Int)}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.stakes {
		s.stakes[k] = v
	}
	for a, v := range tx.totals {
		s.totals[a] = v
	}
	return nil
}

func (s *MemStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{store: s, readOnly: true})
}

type memTx struct {
	store    *MemStore
	readOnly bool
	stakes   map[Key]*big.Int
	totals   map[string]*big.Int
}

var errReadOnly = errors.New("stake store: write in read-only transaction")

func (tx *memTx) GetStake(key Key) (*big.Int, error) {
	if v, ok := tx.stakes[key]; ok {
		return new(big.Int).Set(v), nil
	}
	if v, ok := tx.store.stakes[key]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (tx *memTx) PutStake(key Key, amount *big.Int) error {
	if tx.readOnly {
		return errReadOnly
	}
	tx.stakes[key] = new(big.Int).Set(amount)
	return nil
}

func (tx *memTx) GetTotal(asset string) (*big.Int, error) {
	if v, ok := tx.totals[asset]; ok {
		return new(big.Int).Set(v), nil
	}
	if v, ok := tx.store.totals[asset]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (tx *memTx) PutTotal(asset string, total *big.Int) error {
	if tx.readOnly {
		return errReadOnly
	}
	tx.totals[asset] = new(big.Int).Set(total)
	return nil
}
