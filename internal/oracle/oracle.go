package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNoPrice      = errors.New("oracle: no price for asset")
	ErrStalePrice   = errors.New("oracle: price is stale")
	ErrInvalidPrice = errors.New("oracle: price must be positive")
)

// Source returns a price with 6 implied decimals.
type Source interface {
	PriceOf(ctx context.Context, asset string) (*big.Int, error)
}

// StaticOracle serves fixed prices, falling back to one default for unlisted assets.
type StaticOracle struct {
	mu           sync.RWMutex
	prices       map[string]*big.Int
	defaultPrice *big.Int
}

// NewStaticOracle builds an oracle; a nil defaultPrice makes unlisted assets fail with ErrNoPrice.
func NewStaticOracle(defaultPrice *big.Int, prices map[string]*big.Int) *StaticOracle {
	o := &StaticOracle{prices: make(map[string]*big.Int, len(prices))}
	if defaultPrice != nil {
		o.defaultPrice = new(big.Int).Set(defaultPrice)
	}
	for asset, p := range prices {
		o.prices[asset] = new(big.Int).Set(p)
	}
	return o
}

func (o *StaticOracle) PriceOf(_ context.Context, asset string) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if p, ok := o.prices[asset]; ok {
		return new(big.Int).Set(p), nil
	}
	if o.defaultPrice != nil {
		return new(big.Int).Set(o.defaultPrice), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoPrice, asset)
}

func (o *StaticOracle) Set(asset string, price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = new(big.Int).Set(price)
	return nil
}

// PriceState is the latest accepted update for one asset
type PriceState struct {
	Price     *big.Int
	Sequence  int64
	Timestamp time.Time
}

// MarkPriceOracle keeps the latest sequenced price per asset. Updates at or
// below the current sequence are ignored.
type MarkPriceOracle struct {
	mu       sync.RWMutex
	prices   map[string]*PriceState
	fallback Source
	maxAge   time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

type Option func(*MarkPriceOracle)

// WithFallback serves assets that have never received an update.
func WithFallback(src Source) Option {
	return func(o *MarkPriceOracle) { o.fallback = src }
}

// WithMaxAge rejects prices older than d. Zero disables the check.
func WithMaxAge(d time.Duration) Option {
	return func(o *MarkPriceOracle) { o.maxAge = d }
}

func WithClock(now func() time.Time) Option {
	return func(o *MarkPriceOracle) { o.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *MarkPriceOracle) { o.logger = logger }
}

func NewMarkPriceOracle(opts ...Option) *MarkPriceOracle {
	o := &MarkPriceOracle{
		prices: make(map[string]*PriceState),
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Update applies a price. It returns false for stale or duplicate sequences.
func (o *MarkPriceOracle) Update(asset string, price *big.Int, sequence int64, ts time.Time) (bool, error) {
	if asset == "" {
		return false, errors.New("oracle: asset is required")
	}
	if price == nil || price.Sign() <= 0 {
		return false, fmt.Errorf("%w: %s", ErrInvalidPrice, asset)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	current := o.prices[asset]
	if current != nil {
		if sequence <= current.Sequence {
			return false, nil
		}
		if sequence > current.Sequence+1 {
			o.logger.Warn().
				Str("asset", asset).
				Int64("expected", current.Sequence+1).
				Int64("got", sequence).
				Msg("price sequence gap")
		}
	}

	o.prices[asset] = &PriceState{
		Price:     new(big.Int).Set(price),
		Sequence:  sequence,
		Timestamp: ts,
	}
	return true, nil
}

func (o *MarkPriceOracle) PriceOf(ctx context.Context, asset string) (*big.Int, error) {
	o.mu.RLock()
	state := o.prices[asset]
	o.mu.RUnlock()

	if state == nil {
		if o.fallback != nil {
			return o.fallback.PriceOf(ctx, asset)
		}
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, asset)
	}

	if o.maxAge > 0 {
		if age := o.now().Sub(state.Timestamp); age > o.maxAge {
			return nil, fmt.Errorf("%w: %s is %s old", ErrStalePrice, asset, age.Truncate(time.Second))
		}
	}
	return new(big.Int).Set(state.Price), nil
}

// Snapshot returns a copy of the latest state for asset.
func (o *MarkPriceOracle) Snapshot(asset string) (PriceState, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	state := o.prices[asset]
	if state == nil {
		return PriceState{}, false
	}
	return PriceState{
		Price:     new(big.Int).Set(state.Price),
		Sequence:  state.Sequence,
		Timestamp: state.Timestamp,
	}, true
}
