package loan

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"
)

// Clock supplies ledger time in seconds. Non-decreasing is assumed, not enforced.
type Clock interface {
	Now() int64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

func (f ClockFunc) Now() int64 { return f() }

// SystemClock reads wall-clock Unix seconds.
type SystemClock struct{}

func (SystemClock) Now() int64 { return time.Now().Unix() }

// PriceOracle returns the current price of an asset with 6 implied decimals.
type PriceOracle interface {
	PriceOf(ctx context.Context, asset string) (*big.Int, error)
}

// Tx is the view of the store inside one atomic step.
type Tx interface {
	// GetLoan returns (nil, false, nil) when no record exists.
	GetLoan(key Key) (*Loan, bool, error)
	PutLoan(l *Loan) error
	// GetTotal returns zero when the asset has no aggregate.
	GetTotal(asset string) (*big.Int, error)
	PutTotal(asset string, total *big.Int) error
	ForEachLoan(fn func(*Loan) error) error
	ForEachTotal(fn func(asset string, total *big.Int) error) error
}

// Store runs fn atomically. An error from fn discards every write it made.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
}

var ErrReadOnlyTx = errors.New("loan store: write in read-only transaction")

// MemStore is an in-process Store. Writes are staged and applied only when
// the update function returns nil.
type MemStore struct {
	mu     sync.RWMutex
	loans  map[Key]*Loan
	totals map[string]*big.Int
}

func NewMemStore() *MemStore {
	return &MemStore{
		loans:  make(map[Key]*Loan),
		totals: make(map[string]*big.Int),
	}
}

func (s *MemStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:        s,
		stagedLoans:  make(map[Key]*Loan),
		stagedTotals: make(map[string]*big.Int),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for k, l := range tx.stagedLoans {
		s.loans[k] = l
	}
	for a, t := range tx.stagedTotals {
		s.totals[a] = t
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
	store        *MemStore
	readOnly     bool
	stagedLoans  map[Key]*Loan
	stagedTotals map[string]*big.Int
}

func (tx *memTx) GetLoan(key Key) (*Loan, bool, error) {
	if l, ok := tx.stagedLoans[key]; ok {
		return l.Clone(), true, nil
	}
	l, ok := tx.store.loans[key]
	if !ok {
		return nil, false, nil
	}
	return l.Clone(), true, nil
}

func (tx *memTx) PutLoan(l *Loan) error {
	if tx.readOnly {
		return ErrReadOnlyTx
	}
	tx.stagedLoans[l.Key()] = l.Clone()
	return nil
}

func (tx *memTx) GetTotal(asset string) (*big.Int, error) {
	if t, ok := tx.stagedTotals[asset]; ok {
		return new(big.Int).Set(t), nil
	}
	if t, ok := tx.store.totals[asset]; ok {
		return new(big.Int).Set(t), nil
	}
	return new(big.Int), nil
}

func (tx *memTx) PutTotal(asset string, total *big.Int) error {
	if tx.readOnly {
		return ErrReadOnlyTx
	}
	tx.stagedTotals[asset] = new(big.Int).Set(total)
	return nil
}

func (tx *memTx) ForEachLoan(fn func(*Loan) error) error {
	keys := make([]Key, 0, len(tx.store.loans)+len(tx.stagedLoans))
	seen := make(map[Key]struct{})
	for k := range tx.store.loans {
		keys = append(keys, k)
		seen[k] = struct{}{}
	}
	for k := range tx.stagedLoans {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Account != keys[j].Account {
			return keys[i].Account < keys[j].Account
		}
		return keys[i].Asset < keys[j].Asset
	})

	for _, k := range keys {
		l, _, _ := tx.GetLoan(k)
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memTx) ForEachTotal(fn func(string, *big.Int) error) error {
	assets := make([]string, 0, len(tx.store.totals)+len(tx.stagedTotals))
	seen := make(map[string]struct{})
	for a := range tx.store.totals {
		assets = append(assets, a)
		seen[a] = struct{}{}
	}
	for a := range tx.stagedTotals {
		if _, ok := seen[a]; !ok {
			assets = append(assets, a)
		}
	}
	sort.Strings(assets)

	for _, a := range assets {
		t, _ := tx.GetTotal(a)
		if err := fn(a, t); err != nil {
			return err
		}
	}
	return nil
}
