package paywall

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestMonetaryAmountAs(t *testing.T) {
	tests := []struct {
		name      string
		value     int64
		magnitude Magnitude
		unit      BTCUnit
		want      float64
	}{
		{"sat to bit", 23000, MagnitudeNone, UnitBit, 230},
		{"sat to millisat", 23000, MagnitudeNone, UnitMilliSat, 23000000},
		{"nano to sat", 10, MagnitudeNano, UnitSat, 0.00001},
		{"milli to sat", 1500, MagnitudeMilli, UnitSat, 1.5},
		{"sat to btc", 100000000, MagnitudeNone, UnitBTC, 1},
		{"sat to millibtc", 100000, MagnitudeNone, UnitMilliBTC, 1},
		{"sat to nanosat", 2, MagnitudeNone, UnitNanoSat, 2000000},
		{"default magnitude", 42, "", UnitSat, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount := NewMonetaryAmount(NewCryptoAmount(tt.value, tt.magnitude))
			got, err := amount.As(tt.unit)
			if err != nil {
				t.Fatalf("As(%s) error: %v", tt.unit, err)
			}
			if got != tt.want {
				t.Errorf("As(%s) = %v, want %v", tt.unit, got, tt.want)
			}
		})
	}
}

func TestMonetaryAmountDecimalIsExact(t *testing.T) {
	amount := NewMonetaryAmount(NewCryptoAmount(1, MagnitudeNano))
	got, err := amount.Decimal(UnitBTC)
	if err != nil {
		t.Fatalf("Decimal error: %v", err)
	}
	if want := decimal.RequireFromString("0.00000000000001"); !got.Equal(want) {
		t.Errorf("Decimal(BTC) = %s, want %s", got, want)
	}
}

func TestMonetaryAmountErrors(t *testing.T) {
	value := int64(10)
	tests := []struct {
		name   string
		amount CryptoAmount
		unit   BTCUnit
		want   error
	}{
		{"missing value", CryptoAmount{}, UnitSat, ErrInvalidAmount},
		{"other currency", CryptoAmount{Value: &value, CurrencyCode: "USD"}, UnitSat, ErrUnsupportedCurrency},
		{"unknown magnitude", CryptoAmount{Value: &value, Magnitude: "MEGA"}, UnitSat, ErrUnsupportedMagnitude},
		{"unknown unit", CryptoAmount{Value: &value}, BTCUnit("FINNEY"), ErrUnsupportedUnit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMonetaryAmount(tt.amount).As(tt.unit)
			if !errors.Is(err, tt.want) {
				t.Errorf("As() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseBTCUnit(t *testing.T) {
	if u, err := ParseBTCUnit("MILLISAT"); err != nil || u != UnitMilliSat {
		t.Errorf("ParseBTCUnit(MILLISAT) = %v, %v", u, err)
	}
	if _, err := ParseBTCUnit("sat"); !errors.Is(err, ErrUnsupportedUnit) {
		t.Errorf("ParseBTCUnit(sat) error = %v, want ErrUnsupportedUnit", err)
	}
}
