package main

import (
	"errors"
	"net/url"
	"strings"
	"time"

	paywall "github.com/lnpaywall/paywall/go"
)

var (
	ErrMissingURL     = errors.New("paywall-fetch: PAYWALL_URL is required")
	ErrInvalidURL     = errors.New("paywall-fetch: PAYWALL_URL must be an absolute http(s) URL")
	ErrInvalidTimeout = errors.New("paywall-fetch: PAYWALL_TIMEOUT must be positive")
)

// Config is read from PAYWALL_* environment variables
type Config struct {
	URL      string        `envconfig:"URL"`
	Method   string        `envconfig:"METHOD" default:"GET"`
	Body     string        `envconfig:"BODY"`
	Origin   string        `envconfig:"ORIGIN"`
	Timeout  time.Duration `envconfig:"TIMEOUT" default:"5m"`
	LogLevel string        `envconfig:"LOG_LEVEL" default:"info"`
	Unit     string        `envconfig:"UNIT" default:"SAT"`
	Cache    bool          `envconfig:"CACHE" default:"false"`
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrMissingURL
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	if c.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if _, err := paywall.ParseBTCUnit(c.Unit); err != nil {
		return err
	}
	c.Method = strings.ToUpper(c.Method)
	return nil
}

// BTCUnit returns the display unit, valid after Validate
func (c *Config) BTCUnit() paywall.BTCUnit {
	unit, _ := paywall.ParseBTCUnit(c.Unit)
	return unit
}
