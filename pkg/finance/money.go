package finance

import (
	"fmt"
	"math"
)

// Money represents a monetary value in a specific currency.
// It uses integer math (minor units) to avoid floating point errors.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"` // ISO 4217 code
	Scale       int    `json:"scale"`    // 2 for USD/EUR
}

// NewMoney creates a new Money instance in minor units.
func NewMoney(amount int64, currency string) Money {
	return Money{AmountMinor: amount, Currency: currency, Scale: 2}
}

// FromDollars converts a dollar amount to integer cents, rounding half up.
func FromDollars(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// ToDollars converts integer cents back to a float dollar amount.
func ToDollars(cents int64) float64 {
	return float64(cents) / 100
}

// Add adds two Money amounts. Returns error on currency mismatch.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency, Scale: m.Scale}, nil
}

// Sub subtracts other Money from m. Returns error on currency mismatch.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency, Scale: m.Scale}, nil
}

// IsZero returns true if the amount is 0.
func (m Money) IsZero() bool { return m.AmountMinor == 0 }

// IsPositive returns true if the amount is > 0.
func (m Money) IsPositive() bool { return m.AmountMinor > 0 }

// IsNegative returns true if the amount is < 0.
func (m Money) IsNegative() bool { return m.AmountMinor < 0 }

// String renders the amount with its minor-unit scale.
func (m Money) String() string {
	return fmt.Sprintf("%s %.2f", m.Currency, float64(m.AmountMinor)/math.Pow10(m.Scale))
}
