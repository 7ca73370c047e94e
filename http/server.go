package http

import (
	"context"
	"errors"
	"time"

	paywall "github.com/lnpaywall/paywall/go"
)

// ============================================================================
// Server side contracts
// ============================================================================

// InvoiceRequest describes the invoice a paywalled request needs
type InvoiceRequest struct {
	Method        string
	Path          string
	Amount        paywall.CryptoAmount
	Description   string
	PayPerRequest bool
	Expiry        time.Duration
}

// InvoiceIssuer creates invoices for paywalled requests, typically backed by a lightning node
type InvoiceIssuer interface {
	IssueInvoice(ctx context.Context, req InvoiceRequest) (*paywall.Invoice, error)
}

// TokenVerifier checks settlement tokens presented in the Payment header
type TokenVerifier interface {
	// Verify returns the settlement a token was issued for. req carries the
	// method and path being accessed, which must match the invoiced ones.
	Verify(ctx context.Context, token string, req InvoiceRequest) (*paywall.Settlement, error)
	// Consume marks a pay-per-request token as used
	Consume(ctx context.Context, token string) error
}

// NewPaywallError builds the error payload a paywalled API answers with
func NewPaywallError(status paywall.ResponseStatus, err error) *paywall.ErrorPayload {
	var payload *paywall.ErrorPayload
	if errors.As(err, &payload) {
		return payload
	}
	msg := err.Error()
	return &paywall.ErrorPayload{
		Status:  status,
		Message: msg,
		Errors:  []string{msg},
	}
}
