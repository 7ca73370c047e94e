package paywall

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BTCUnit is a display unit for bitcoin amounts
type BTCUnit string

const (
	UnitBTC      BTCUnit = "BTC"
	UnitMilliBTC BTCUnit = "MILLIBTC"
	UnitBit      BTCUnit = "BIT"
	UnitSat      BTCUnit = "SAT"
	UnitMilliSat BTCUnit = "MILLISAT"
	UnitNanoSat  BTCUnit = "NANOSAT"
)

// satoshi multiplier per display unit
var unitFactors = map[BTCUnit]decimal.Decimal{
	UnitBTC:      decimal.New(1, -8),
	UnitMilliBTC: decimal.New(1, -5),
	UnitBit:      decimal.New(1, -2),
	UnitSat:      decimal.New(1, 0),
	UnitMilliSat: decimal.New(1, 3),
	UnitNanoSat:  decimal.New(1, 6),
}

// ParseBTCUnit returns the unit named s
func ParseBTCUnit(s string) (BTCUnit, error) {
	u := BTCUnit(s)
	if _, ok := unitFactors[u]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedUnit, s)
	}
	return u, nil
}

// MonetaryAmount converts an invoice amount into a display unit
type MonetaryAmount struct {
	amount CryptoAmount
}

// NewMonetaryAmount wraps an invoice amount
func NewMonetaryAmount(amount CryptoAmount) MonetaryAmount {
	return MonetaryAmount{amount: amount}
}

// Sats normalizes the amount to base satoshis
func (m MonetaryAmount) Sats() (decimal.Decimal, error) {
	if m.amount.Value == nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if m.amount.CurrencyCode != "" && m.amount.CurrencyCode != CurrencyBTC {
		return decimal.Zero, fmt.Errorf("%w %s, currently only BTC is supported", ErrUnsupportedCurrency, m.amount.CurrencyCode)
	}

	value := decimal.NewFromInt(*m.amount.Value)
	magnitude := m.amount.Magnitude
	if magnitude == "" {
		magnitude = MagnitudeNone
	}
	switch magnitude {
	case MagnitudeNone:
		return value, nil
	case MagnitudeMilli:
		return value.Shift(-3), nil
	case MagnitudeNano:
		return value.Shift(-6), nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedMagnitude, magnitude)
}

// Decimal returns the amount expressed in unit
func (m MonetaryAmount) Decimal(unit BTCUnit) (decimal.Decimal, error) {
	factor, ok := unitFactors[unit]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedUnit, unit)
	}
	sats, err := m.Sats()
	if err != nil {
		return decimal.Zero, err
	}
	return sats.Mul(factor), nil
}

// As returns the amount expressed in unit
func (m MonetaryAmount) As(unit BTCUnit) (float64, error) {
	d, err := m.Decimal(unit)
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}
