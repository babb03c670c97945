package math

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitsInt128(t *testing.T) {
	assert.True(t, FitsInt128(MaxInt128))
	assert.True(t, FitsInt128(MinInt128))
	assert.True(t, FitsInt128(big.NewInt(0)))
	assert.False(t, FitsInt128(new(big.Int).Add(MaxInt128, big.NewInt(1))))
	assert.False(t, FitsInt128(new(big.Int).Sub(MinInt128, big.NewInt(1))))
	assert.False(t, FitsInt128(nil))
}

func TestMulDiv_TruncatesTowardZero(t *testing.T) {
	tests := []struct {
		name    string
		factors []int64
		den     int64
		want    int64
	}{
		{"exact", []int64{2000, 100}, 1000, 200},
		{"positive truncation", []int64{1499, 100}, 1000, 149},
		{"negative truncation", []int64{-1499, 100}, 1000, -149},
		{"interest one year", []int64{1000, 500, 31_536_000}, 31_536_000 * 10_000, 50},
		{"interest one second", []int64{1000, 500, 1}, 31_536_000 * 10_000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factors := make([]*big.Int, len(tt.factors))
			for i, f := range tt.factors {
				factors[i] = big.NewInt(f)
			}
			got, err := MulDiv(big.NewInt(tt.den), factors...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Int64())
		})
	}
}

func TestMulDiv_MultipliesBeforeDividing(t *testing.T) {
	// 7 * 3 / 2 = 10, while (7 / 2) * 3 would be 9.
	got, err := MulDiv(big.NewInt(2), big.NewInt(7), big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Int64())
}

func TestMulDiv_DivisionByZero(t *testing.T) {
	_, err := MulDiv(big.NewInt(0), big.NewInt(1))
	assert.ErrorIs(t, err, ErrDivisionByZero)
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// MaxInt128 * 100 overflows 128 bits but the quotient fits again.
	got, err := Percent(MaxInt128, big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, 0, got.Cmp(MaxInt128))
}

func TestParseInt128(t *testing.T) {
	v, err := ParseInt128(" 170141183460469231731687303715884105727 ")
	require.NoError(t, err)
	assert.Equal(t, 0, v.Cmp(MaxInt128))

	_, err = ParseInt128("170141183460469231731687303715884105728")
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = ParseInt128("12.5")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseInt128("")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseDecimal_Price(t *testing.T) {
	v, err := ParseDecimal("1.5", PriceConfig)
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000), v.Int64())

	v, err = ParseDecimal("0.1234567", PriceConfig)
	require.NoError(t, err)
	assert.Equal(t, int64(123_456), v.Int64())

	_, err = ParseDecimal("abc", PriceConfig)
	assert.ErrorIs(t, err, ErrMalformed)

	v, err = ParseDecimal("-0.0000019", PriceConfig)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v.Int64())
}
