package stdlib

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	paywall "github.com/lnpaywall/paywall/go"
	paywallhttp "github.com/lnpaywall/paywall/go/http"
	"github.com/lnpaywall/paywall/go/logger"
)

type contextKey struct{}

// PaywallMiddlewareOptions is the options for the PaywallMiddleware.
type PaywallMiddlewareOptions struct {
	Description   string
	PayPerRequest bool
	InvoiceExpiry time.Duration
	PaywallConfig *paywallhttp.PaywallConfig
	Paywall       paywallhttp.PaywallProvider
}

// Options is the type for the options for the PaywallMiddleware.
type Options func(*PaywallMiddlewareOptions)

// WithDescription is an option for the PaywallMiddleware to set the invoice description.
func WithDescription(description string) Options {
	return func(options *PaywallMiddlewareOptions) {
		options.Description = description
	}
}

// WithPayPerRequest is an option for the PaywallMiddleware to make settlements single use.
func WithPayPerRequest(payPerRequest bool) Options {
	return func(options *PaywallMiddlewareOptions) {
		options.PayPerRequest = payPerRequest
	}
}

// WithInvoiceExpiry is an option for the PaywallMiddleware to set how long invoices stay payable.
func WithInvoiceExpiry(expiry time.Duration) Options {
	return func(options *PaywallMiddlewareOptions) {
		options.InvoiceExpiry = expiry
	}
}

// WithPaywallConfig is an option for the PaywallMiddleware to set the paywall configuration for browser requests.
func WithPaywallConfig(config *paywallhttp.PaywallConfig) Options {
	return func(options *PaywallMiddlewareOptions) {
		options.PaywallConfig = config
	}
}

// WithPaywallProvider is an option for the PaywallMiddleware to render the browser paywall page.
func WithPaywallProvider(provider paywallhttp.PaywallProvider) Options {
	return func(options *PaywallMiddlewareOptions) {
		options.Paywall = provider
	}
}

// PaywallMiddleware is the Go standard library middleware for a paywalled resource.
// Requests without a Payment header get a 402 with a fresh invoice; requests
// with one reach next once the settlement token verifies.
func PaywallMiddleware(amount paywall.CryptoAmount, issuer paywallhttp.InvoiceIssuer, verifier paywallhttp.TokenVerifier, opts ...Options) func(http.Handler) http.Handler {
	options := &PaywallMiddlewareOptions{
		PayPerRequest: true,
		InvoiceExpiry: time.Hour,
	}

	for _, opt := range opts {
		opt(options)
	}

	if options.Paywall == nil {
		options.Paywall = paywallhttp.DefaultPaywallProvider(options.PaywallConfig)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			log := logger.Logger.With().Str("url", r.URL.String()).Logger()

			resource := paywallhttp.InvoiceRequest{
				Method:        r.Method,
				Path:          r.URL.Path,
				Amount:        amount,
				Description:   options.Description,
				PayPerRequest: options.PayPerRequest,
				Expiry:        options.InvoiceExpiry,
			}

			header := r.Header.Get(paywallhttp.HeaderPayment)
			if header == "" {
				invoice, err := issuer.IssueInvoice(ctx, resource)
				if err != nil {
					log.Error().Err(err).Msg("Failed to issue invoice")
					WritePaywallError(w, http.StatusInternalServerError, paywall.StatusInternalServerError, err)
					return
				}

				if paywallhttp.IsWebBrowser(r.Header.Get("Accept"), r.Header.Get("User-Agent")) {
					w.Header().Set("Content-Type", "text/html; charset=utf-8")
					w.WriteHeader(http.StatusPaymentRequired)
					_, _ = w.Write([]byte(options.Paywall.GenerateHTML(invoice, options.PaywallConfig)))
					return
				}
				writeJSON(w, http.StatusPaymentRequired, invoice)
				return
			}

			token, err := paywallhttp.ValidatePaymentHeader(header)
			if err != nil {
				WritePaywallError(w, http.StatusBadRequest, paywall.StatusBadRequest, err)
				return
			}

			settlement, err := verifier.Verify(ctx, token, resource)
			if err != nil {
				log.Debug().Err(err).Msg("Rejected settlement token")
				WritePaywallError(w, http.StatusUnauthorized, paywall.StatusUnauthorized, err)
				return
			}
			r = r.WithContext(context.WithValue(ctx, contextKey{}, settlement))

			if !settlement.PayPerRequest {
				next.ServeHTTP(w, r)
				return
			}

			// Hold the response until the single use token is consumed
			rec := &responseRecorder{header: http.Header{}, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode/100 == 2 {
				if err := verifier.Consume(ctx, token); err != nil {
					log.Debug().Err(err).Msg("Settlement token already consumed")
					WritePaywallError(w, http.StatusUnauthorized, paywall.StatusUnauthorized, err)
					return
				}
			}
			rec.flush(w)
		})
	}
}

// WritePaywallError writes an error payload marked with the paywall message header
func WritePaywallError(w http.ResponseWriter, code int, status paywall.ResponseStatus, err error) {
	w.Header().Set(paywallhttp.HeaderPaywallMessage, "TRUE")
	writeJSON(w, code, paywallhttp.NewPaywallError(status, err))
}

// SettlementFromContext returns the settlement verified for the request
func SettlementFromContext(ctx context.Context) (*paywall.Settlement, bool) {
	s, ok := ctx.Value(contextKey{}).(*paywall.Settlement)
	return s, ok
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// responseRecorder captures the response of the paywalled handler
type responseRecorder struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
	written    bool
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.written {
		r.statusCode = code
		r.written = true
	}
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}

// flush writes the captured response to w
func (r *responseRecorder) flush(w http.ResponseWriter) {
	for k, v := range r.header {
		w.Header()[k] = v
	}
	w.WriteHeader(r.statusCode)
	_, _ = w.Write(r.body.Bytes())
}
