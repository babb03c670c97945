package math

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int32 // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// PriceConfig is the oracle price precision: 1_000_000 == 1.0
	PriceConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
	// BpsConfig expresses basis points: 10_000 == 100%
	BpsConfig = DecimalConfig{DecimalPrecision: 4, Scale: 10_000}
)

var (
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	ErrOutOfRange     = errors.New("fixedpoint: value outside int128 range")
	ErrMalformed      = errors.New("fixedpoint: malformed number")
)

var (
	// MaxInt128 = 2^127 - 1
	MaxInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	// MinInt128 = -2^127
	MinInt128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// Scratch big.Ints for intermediate products that never escape a call.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// FitsInt128 reports whether v lies in [-2^127, 2^127-1]. nil never fits.
func FitsInt128(v *big.Int) bool {
	if v == nil {
		return false
	}
	return v.Cmp(MinInt128) >= 0 && v.Cmp(MaxInt128) <= 0
}

// MulDiv computes product(factors) / denominator with the full product formed
// before the single division, truncating toward zero like big.Int.Quo.
func MulDiv(denominator *big.Int, factors ...*big.Int) (*big.Int, error) {
	if denominator == nil || denominator.Sign() == 0 {
		return nil, ErrDivisionByZero
	}

	product := getInt128()
	defer putInt128(product)
	product.SetInt64(1)
	for _, f := range factors {
		product.Mul(product, f)
	}

	return new(big.Int).Quo(product, denominator), nil
}

// Percent returns numerator * 100 / denominator, truncated.
func Percent(numerator, denominator *big.Int) (*big.Int, error) {
	return MulDiv(denominator, numerator, big.NewInt(100))
}

// ParseInt128 parses a base-10 integer string and checks the int128 range.
func ParseInt128(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	if !FitsInt128(v) {
		return nil, fmt.Errorf("%w: %s", ErrOutOfRange, s)
	}
	return v, nil
}

// toFixedPoint scales a decimal into an integer with cfg.DecimalPrecision
// implied places, truncating, e.g. "1.5" with PriceConfig -> 1_500_000.
func toFixedPoint(d decimal.Decimal, cfg DecimalConfig) (*big.Int, error) {
	v := d.Shift(cfg.DecimalPrecision).Truncate(0).BigInt()
	if !FitsInt128(v) {
		return nil, fmt.Errorf("%w: %s", ErrOutOfRange, d.String())
	}
	return v, nil
}

// ParseDecimal parses a decimal string such as "0.998" into fixed point,
// truncating digits beyond the configured precision.
func ParseDecimal(s string, cfg DecimalConfig) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return toFixedPoint(d, cfg)
}
