// Command paywall-fetch performs a request against a paywalled API, prints the
// invoice to pay and waits for settlement before printing the response.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	paywall "github.com/lnpaywall/paywall/go"
	paywallhttp "github.com/lnpaywall/paywall/go/http"
	"github.com/lnpaywall/paywall/go/logger"
)

func main() {
	// Load config from environment variables / .env file
	_ = godotenv.Load(".env")
	cfg := &Config{}
	if err := envconfig.Process("PAYWALL", cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger.Init(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := run(ctx, cfg, os.Stdout); err != nil {
		logger.Logger.Error().Err(err).Msg("Request failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, out io.Writer) error {
	opts := []paywallhttp.ClientOption{}
	if cfg.Origin != "" {
		opts = append(opts, paywallhttp.WithOrigin(cfg.Origin))
	}
	if cfg.Cache {
		opts = append(opts, paywallhttp.WithSettlementCache(paywall.NewSettlementCache()))
	}
	return fetch(ctx, paywallhttp.NewClient(opts...), cfg, out)
}

// fetch performs the configured request with client and writes the payment
// prompts and final response to out
func fetch(ctx context.Context, client *paywallhttp.HTTPClient, cfg *Config, out io.Writer) error {
	req := client.NewRequest()
	flow := req.Paywall()
	flow.AddEventListener("paywall-fetch", paywall.EventAll, func(eventType paywall.EventType, _ any) {
		printEvent(out, flow, eventType, cfg.BTCUnit())
	})

	if err := req.Open(cfg.Method, cfg.URL); err != nil {
		return err
	}
	var body []byte
	if cfg.Body != "" {
		body = []byte(cfg.Body)
		if err := req.SetRequestHeader("Content-Type", "application/json"); err != nil {
			return err
		}
	}
	if err := req.Send(ctx, body); err != nil {
		return err
	}

	err := req.Wait(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		req.Abort()
		return err
	}
	defer req.Abort()

	var payload *paywall.ErrorPayload
	if err != nil && !errors.As(err, &payload) {
		return err
	}

	fmt.Fprintf(out, "%d %s\n", req.Status(), req.StatusText())
	fmt.Fprintln(out, req.ResponseText())
	return err
}

func printEvent(out io.Writer, flow paywallhttp.PaywallFlow, eventType paywall.EventType, unit paywall.BTCUnit) {
	log := logger.Logger.With().Str("event", string(eventType)).Logger()

	switch eventType {
	case paywall.EventInvoice:
		invoice := flow.Invoice()
		fmt.Fprintln(out, "Payment required")
		if amount, err := flow.InvoiceAmount(); err == nil {
			if v, err := amount.Decimal(unit); err == nil {
				fmt.Fprintf(out, "  Amount:  %s %s\n", v.String(), unit)
			}
		}
		if invoice.Description != "" {
			fmt.Fprintf(out, "  For:     %s\n", invoice.Description)
		}
		fmt.Fprintf(out, "  Invoice: %s\n", invoice.Bolt11Invoice)
		if qr, err := flow.QRLink(); err == nil && invoice.QRLink != "" {
			fmt.Fprintf(out, "  QR code: %s\n", qr)
		}
		if expiry, err := flow.InvoiceExpiration(); err == nil {
			fmt.Fprintf(out, "  Expires: %s\n", expiry.Remaining())
		}

	case paywall.EventSettlementNotYetValid:
		if from, err := flow.SettlementValidFrom(); err == nil {
			fmt.Fprintf(out, "Settled, valid in %s\n", from.Remaining())
		}

	case paywall.EventSettled:
		if until, err := flow.SettlementExpiration(); err == nil {
			fmt.Fprintf(out, "Settled, valid for %s\n", until.Remaining())
		}

	case paywall.EventInvoiceExpired, paywall.EventSettlementExpired:
		log.Warn().Msg("Payment window passed")

	case paywall.EventPaywallError:
		log.Error().Str("status", string(flow.PaywallError().Status)).Msg(flow.PaywallError().Message)

	case paywall.EventAPIError:
		log.Error().Str("status", string(flow.APIError().Status)).Msg(flow.APIError().Message)

	default:
		log.Debug().Msg("Paywall event")
	}
}
