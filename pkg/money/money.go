// Package money provides the fixed-point monetary value used by the ledger.
//
// Amounts are stored in the currency's minor unit (cents, sen, ...). All
// arithmetic is integer-only; helpers that divide always round toward zero,
// which for the non-negative amounts the ledger works with is floor rounding.
package money

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
)

var (
	ErrCurrencyMismatch = errors.New("currency_mismatch")
	ErrInvalidCurrency  = errors.New("invalid_currency")
	ErrOverflow         = errors.New("amount_overflow")
	ErrDivisionByZero   = errors.New("division_by_zero")
)

// Money is an amount in minor units of Currency.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

var zeroDecimalCurrencies = map[string]bool{
	"IDR": true,
	"JPY": true,
	"KRW": true,
	"VND": true,
	"CLP": true,
	"ISK": true,
}

// New returns Money with a normalized currency code.
func New(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: NormalizeCurrency(currency)}
}

// Zero returns a zero amount in currency.
func Zero(currency string) Money {
	return New(0, currency)
}

// NormalizeCurrency upper-cases and trims an ISO 4217 code.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// ValidateCurrency checks that currency looks like an ISO 4217 code.
func ValidateCurrency(currency string) error {
	code := NormalizeCurrency(currency)
	if len(code) != 3 {
		return ErrInvalidCurrency
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return ErrInvalidCurrency
		}
	}
	return nil
}

// MinorDigits reports the number of minor-unit digits for currency.
func MinorDigits(currency string) int {
	if zeroDecimalCurrencies[NormalizeCurrency(currency)] {
		return 0
	}
	return 2
}

// MinorUnitsPerMajor returns 10^MinorDigits(currency).
func MinorUnitsPerMajor(currency string) int64 {
	factor := int64(1)
	for i := 0; i < MinorDigits(currency); i++ {
		factor *= 10
	}
	return factor
}

// FromMajor converts a whole major-unit amount to Money.
func FromMajor(major int64, currency string) Money {
	return New(major*MinorUnitsPerMajor(currency), currency)
}

// MajorUnits returns the whole major units contained in m, truncated.
func (m Money) MajorUnits() int64 {
	return m.Amount / MinorUnitsPerMajor(m.Currency)
}

func (m Money) IsZero() bool     { return m.Amount == 0 }
func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsNegative() bool { return m.Amount < 0 }

// SameCurrency reports whether both values share a currency.
func (m Money) SameCurrency(other Money) bool {
	return NormalizeCurrency(m.Currency) == NormalizeCurrency(other.Currency)
}

// Add returns m + other.
func (m Money) Add(other Money) (Money, error) {
	if !m.SameCurrency(other) {
		return Money{}, ErrCurrencyMismatch
	}
	sum := m.Amount + other.Amount
	if (other.Amount > 0 && sum < m.Amount) || (other.Amount < 0 && sum > m.Amount) {
		return Money{}, ErrOverflow
	}
	return Money{Amount: sum, Currency: m.Currency}, nil
}

// Sub returns m - other.
func (m Money) Sub(other Money) (Money, error) {
	if other.Amount == math.MinInt64 {
		return Money{}, ErrOverflow
	}
	return m.Add(other.Negate())
}

// Negate flips the sign of m.
func (m Money) Negate() Money {
	return Money{Amount: -m.Amount, Currency: m.Currency}
}

// Mul multiplies m by an integer quantity.
func (m Money) Mul(qty int64) (Money, error) {
	if m.Amount == 0 || qty == 0 {
		return Money{Amount: 0, Currency: m.Currency}, nil
	}
	product := m.Amount * qty
	if product/qty != m.Amount {
		return Money{}, ErrOverflow
	}
	return Money{Amount: product, Currency: m.Currency}, nil
}

// MulDivFloor computes m * num / den with the intermediate product held in
// arbitrary precision, truncating the result toward zero.
func (m Money) MulDivFloor(num, den int64) (Money, error) {
	if den == 0 {
		return Money{}, ErrDivisionByZero
	}
	product := new(big.Int).Mul(big.NewInt(m.Amount), big.NewInt(num))
	quotient := new(big.Int).Quo(product, big.NewInt(den))
	if !quotient.IsInt64() {
		return Money{}, ErrOverflow
	}
	return Money{Amount: quotient.Int64(), Currency: m.Currency}, nil
}

// PercentFloor returns pct percent of m, truncated to the minor unit.
func (m Money) PercentFloor(pct int64) (Money, error) {
	return m.MulDivFloor(pct, 100)
}

// Cmp returns -1, 0 or 1. Currencies must match.
func (m Money) Cmp(other Money) (int, error) {
	if !m.SameCurrency(other) {
		return 0, ErrCurrencyMismatch
	}
	switch {
	case m.Amount < other.Amount:
		return -1, nil
	case m.Amount > other.Amount:
		return 1, nil
	default:
		return 0, nil
	}
}

// String renders m as "<major>.<minor> <CUR>".
func (m Money) String() string {
	digits := MinorDigits(m.Currency)
	if digits == 0 {
		return fmt.Sprintf("%d %s", m.Amount, m.Currency)
	}
	sign := ""
	amount := m.Amount
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	factor := MinorUnitsPerMajor(m.Currency)
	return fmt.Sprintf("%s%d.%0*d %s", sign, amount/factor, digits, amount%factor, m.Currency)
}
