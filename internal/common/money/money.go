package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	KES Currency = "KES"
	UGX Currency = "UGX"
	TZS Currency = "TZS"
	RWF Currency = "RWF"
	USD Currency = "USD"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code       Currency
	MinorUnits int32 // Number of decimal places
	Symbol     string
}

var currencies = map[Currency]CurrencyInfo{
	KES: {Code: KES, MinorUnits: 2, Symbol: "KSh"},
	UGX: {Code: UGX, MinorUnits: 0, Symbol: "USh"},
	TZS: {Code: TZS, MinorUnits: 2, Symbol: "TSh"},
	RWF: {Code: RWF, MinorUnits: 0, Symbol: "FRw"},
	USD: {Code: USD, MinorUnits: 2, Symbol: "$"},
}

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrExcessPrecision = errors.New("amount has more decimal places than the currency allows")
)

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// Money represents a monetary amount in minor units (cents, etc.)
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// ParseAmount parses a decimal string in major units ("500", "1250.50")
// into minor units. Precision beyond the currency's minor units is rejected
// rather than rounded.
func ParseAmount(s string, currency Currency) (Money, error) {
	info, ok := currencies[currency]
	if !ok {
		return Money{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}

	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	minor := d.Shift(info.MinorUnits)
	if !minor.IsInteger() {
		return Money{}, fmt.Errorf("%w: %s %s", ErrExcessPrecision, s, currency)
	}
	if minor.Abs().GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return Money{}, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, s)
	}

	return Money{AmountMinor: minor.IntPart(), Currency: currency}, nil
}

// Decimal returns the amount in major units
func (m Money) Decimal() decimal.Decimal {
	info, ok := currencies[m.Currency]
	if !ok {
		info = CurrencyInfo{MinorUnits: 2}
	}
	return decimal.New(m.AmountMinor, -info.MinorUnits)
}

// MajorString formats the amount in major units with the currency's
// fixed number of decimal places, e.g. "500.00".
func (m Money) MajorString() string {
	info, ok := currencies[m.Currency]
	if !ok {
		info = CurrencyInfo{MinorUnits: 2}
	}
	return m.Decimal().StringFixed(info.MinorUnits)
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	return fmt.Sprintf("%s %s", info.Symbol, m.MajorString())
}
