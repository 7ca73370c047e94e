package main

import (
	"errors"
	"time"

	paywall "github.com/lnpaywall/paywall/go"
)

var (
	ErrInvalidPrice    = errors.New("paywall-demo: PAYWALL_DEMO_PRICE_SATS must be positive")
	ErrInvalidValidity = errors.New("paywall-demo: PAYWALL_DEMO_SETTLEMENT_VALIDITY and PAYWALL_DEMO_INVOICE_EXPIRY must be positive")
)

// Config is read from PAYWALL_DEMO_* environment variables
type Config struct {
	Addr               string        `envconfig:"ADDR" default:":8080"`
	LogLevel           string        `envconfig:"LOG_LEVEL" default:"info"`
	AppName            string        `envconfig:"APP_NAME" default:"Paywall Demo"`
	PriceSats          int64         `envconfig:"PRICE_SATS" default:"10"`
	PayPerRequest      bool          `envconfig:"PAY_PER_REQUEST" default:"true"`
	InvoiceExpiry      time.Duration `envconfig:"INVOICE_EXPIRY" default:"1h"`
	SettlementValidity time.Duration `envconfig:"SETTLEMENT_VALIDITY" default:"1h"`
	ValidFromDelay     time.Duration `envconfig:"VALID_FROM_DELAY" default:"0s"`
	// AutoSettle settles invoices as soon as a client listens for settlement
	AutoSettle bool `envconfig:"AUTO_SETTLE" default:"false"`
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.PriceSats <= 0 {
		return ErrInvalidPrice
	}
	if c.InvoiceExpiry <= 0 || c.SettlementValidity <= 0 {
		return ErrInvalidValidity
	}
	return nil
}

// Price returns the price of one request
func (c *Config) Price() paywall.CryptoAmount {
	return paywall.NewCryptoAmount(c.PriceSats, paywall.MagnitudeNone)
}
