package gin

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	paywall "github.com/lnpaywall/paywall/go"
	paywallhttp "github.com/lnpaywall/paywall/go/http"
	"github.com/lnpaywall/paywall/go/logger"
)

// SettlementContextKey is the gin context key the verified settlement is stored under
const SettlementContextKey = "paywall.settlement"

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

// WithPayPerRequest is an option for the PaywallMiddleware to make every settlement single use.
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

// WithPaywallProvider is an option for the PaywallMiddleware to replace the HTML page served to browsers.
func WithPaywallProvider(provider paywallhttp.PaywallProvider) Options {
	return func(options *PaywallMiddlewareOptions) {
		options.Paywall = provider
	}
}

// PaywallMiddleware is the Gin middleware for a paywalled resource. Requests
// without a Payment header get a 402 with a fresh invoice; requests with one
// proceed once the settlement token verifies.
func PaywallMiddleware(amount paywall.CryptoAmount, issuer paywallhttp.InvoiceIssuer, verifier paywallhttp.TokenVerifier, opts ...Options) gin.HandlerFunc {
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

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		log := logger.Logger.With().Str("url", c.Request.URL.String()).Logger()

		resource := paywallhttp.InvoiceRequest{
			Method:        c.Request.Method,
			Path:          c.Request.URL.Path,
			Amount:        amount,
			Description:   options.Description,
			PayPerRequest: options.PayPerRequest,
			Expiry:        options.InvoiceExpiry,
		}

		header := c.GetHeader(paywallhttp.HeaderPayment)
		if header == "" {
			invoice, err := issuer.IssueInvoice(ctx, resource)
			if err != nil {
				log.Error().Err(err).Msg("Failed to issue invoice")
				AbortWithPaywallError(c, http.StatusInternalServerError, paywall.StatusInternalServerError, err)
				return
			}
			log.Debug().Str("preImageHash", invoice.PreImageHash).Msg("Issued invoice")

			if paywallhttp.IsWebBrowser(c.GetHeader("Accept"), c.GetHeader("User-Agent")) {
				html := options.Paywall.GenerateHTML(invoice, options.PaywallConfig)
				c.Abort()
				c.Data(http.StatusPaymentRequired, "text/html; charset=utf-8", []byte(html))
				return
			}
			c.AbortWithStatusJSON(http.StatusPaymentRequired, invoice)
			return
		}

		token, err := paywallhttp.ValidatePaymentHeader(header)
		if err != nil {
			AbortWithPaywallError(c, http.StatusBadRequest, paywall.StatusBadRequest, err)
			return
		}

		settlement, err := verifier.Verify(ctx, token, resource)
		if err != nil {
			log.Debug().Err(err).Msg("Rejected settlement token")
			AbortWithPaywallError(c, http.StatusUnauthorized, paywall.StatusUnauthorized, err)
			return
		}
		c.Set(SettlementContextKey, settlement)

		if !settlement.PayPerRequest {
			c.Next()
			return
		}

		// Hold the response until the single use token is consumed
		writer := &responseWriter{
			ResponseWriter: c.Writer,
			body:           &strings.Builder{},
			statusCode:     http.StatusOK,
		}
		c.Writer = writer

		c.Next()

		c.Writer = writer.ResponseWriter
		if c.IsAborted() || writer.statusCode/100 != 2 {
			writer.flush()
			return
		}

		if err := verifier.Consume(ctx, token); err != nil {
			log.Debug().Err(err).Msg("Settlement token already consumed")
			AbortWithPaywallError(c, http.StatusUnauthorized, paywall.StatusUnauthorized, err)
			return
		}
		writer.flush()
	}
}

// AbortWithPaywallError writes an error payload marked with the paywall message header
func AbortWithPaywallError(c *gin.Context, code int, status paywall.ResponseStatus, err error) {
	c.Header(paywallhttp.HeaderPaywallMessage, "TRUE")
	c.AbortWithStatusJSON(code, paywallhttp.NewPaywallError(status, err))
}

// SettlementFromContext returns the settlement verified for the request
func SettlementFromContext(c *gin.Context) (*paywall.Settlement, bool) {
	v, ok := c.Get(SettlementContextKey)
	if !ok {
		return nil, false
	}
	s, ok := v.(*paywall.Settlement)
	return s, ok
}

// responseWriter is a custom response writer that captures the response
type responseWriter struct {
	gin.ResponseWriter
	body       *strings.Builder
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(b)
	return len(b), nil
}

func (w *responseWriter) WriteString(s string) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.WriteString(s)
}

// flush writes the captured response to the wrapped writer
func (w *responseWriter) flush() {
	w.ResponseWriter.WriteHeader(w.statusCode)
	_, _ = w.ResponseWriter.Write([]byte(w.body.String()))
}
