package money

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinorDigits(t *testing.T) {
	assert.Equal(t, 0, MinorDigits("idr"))
	assert.Equal(t, 0, MinorDigits("JPY"))
	assert.Equal(t, 2, MinorDigits("USD"))
	assert.Equal(t, int64(100), MinorUnitsPerMajor("eur"))
	assert.Equal(t, int64(1), MinorUnitsPerMajor("IDR"))
}

func TestPercentFloor(t *testing.T) {
	tests := []struct {
		name   string
		amount Money
		pct    int64
		want   int64
	}{
		{"ten percent", New(450, "IDR"), 10, 45},
		{"fifteen percent floors", New(999, "IDR"), 15, 149},
		{"thirty percent", New(5000, "IDR"), 30, 1500},
		{"cents floor", New(99999, "USD"), 15, 14999},
		{"zero", New(0, "IDR"), 20, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.amount.PercentFloor(tt.pct)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Amount)
			assert.Equal(t, tt.amount.Currency, got.Currency)
		})
	}
}

func TestMulDivFloorLargeIntermediate(t *testing.T) {
	m := New(math.MaxInt64/2, "USD")
	got, err := m.MulDivFloor(2, 2)
	require.NoError(t, err)
	assert.Equal(t, m.Amount, got.Amount)

	_, err = m.MulDivFloor(3, 1)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = m.MulDivFloor(1, 0)
	assert.ErrorIs(t, err, ErrDivisionByZero)
}

func TestArithmeticCurrencyMismatch(t *testing.T) {
	_, err := New(1, "USD").Add(New(1, "IDR"))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = New(1, "USD").Cmp(New(1, "EUR"))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestAddSubMul(t *testing.T) {
	sum, err := New(100, "usd").Add(New(250, "USD"))
	require.NoError(t, err)
	assert.Equal(t, New(350, "USD"), sum)

	diff, err := sum.Sub(New(400, "USD"))
	require.NoError(t, err)
	assert.Equal(t, int64(-50), diff.Amount)

	product, err := New(20, "IDR").Mul(3)
	require.NoError(t, err)
	assert.Equal(t, int64(60), product.Amount)

	_, err = New(math.MaxInt64, "IDR").Mul(2)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = New(math.MaxInt64, "IDR").Add(New(1, "IDR"))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestString(t *testing.T) {
	assert.Equal(t, "12.05 USD", New(1205, "USD").String())
	assert.Equal(t, "-0.50 USD", New(-50, "USD").String())
	assert.Equal(t, "1200 IDR", New(1200, "IDR").String())
}

func TestValidateCurrency(t *testing.T) {
	assert.NoError(t, ValidateCurrency("idr"))
	assert.ErrorIs(t, ValidateCurrency("US"), ErrInvalidCurrency)
	assert.ErrorIs(t, ValidateCurrency("U$D"), ErrInvalidCurrency)
}

func TestMajorUnits(t *testing.T) {
	assert.Equal(t, int64(9), New(999, "USD").MajorUnits())
	assert.Equal(t, int64(999), New(999, "IDR").MajorUnits())
	assert.Equal(t, New(1000, "USD"), FromMajor(10, "usd"))
}
