package http

import (
	"bytes"
	"html/template"
	"strings"

	paywall "github.com/lnpaywall/paywall/go"
)

// ============================================================================
// Paywall Provider Interfaces
// ============================================================================

// PaywallConfig customizes the browser-facing paywall page
type PaywallConfig struct {
	AppName string
	AppLogo string
	// Origin resolves relative invoice links, usually the public URL of the API
	Origin string
	// Unit the amount is displayed in, defaults to SAT
	Unit paywall.BTCUnit
}

// PaywallProvider generates HTML for browser-facing 402 responses.
// Pass a custom implementation to the gin middleware to override the built-in page.
type PaywallProvider interface {
	GenerateHTML(invoice *paywall.Invoice, config *PaywallConfig) string
}

// IsWebBrowser reports whether a request with the given Accept and User-Agent
// headers comes from a browser rather than an API client
func IsWebBrowser(accept, userAgent string) bool {
	return strings.Contains(accept, "text/html") && strings.Contains(userAgent, "Mozilla")
}

// ============================================================================
// Built-in Provider
// ============================================================================

const invoicePageTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{if .AppName}}{{.AppName}} - {{end}}Payment Required</title>
</head>
<body>
{{if .AppLogo}}<img src="{{.AppLogo}}" alt="{{.AppName}}">{{end}}
<h1>Payment Required</h1>
{{if .Description}}<p class="description">{{.Description}}</p>{{end}}
<p class="amount">{{.Amount}}</p>
{{if .QRLink}}<img class="qr" src="{{.QRLink}}" alt="Lightning invoice QR code">{{end}}
<pre class="bolt11">{{.Bolt11}}</pre>
<p class="expires">Invoice expires {{.Expires}}</p>
{{if .CheckSettlementLink}}<a href="{{.CheckSettlementLink}}">Check settlement</a>{{end}}
</body>
</html>
`

var invoicePage = template.Must(template.New("invoice").Parse(invoicePageTemplate))

type invoicePageData struct {
	AppName             string
	AppLogo             string
	Description         string
	Amount              string
	QRLink              string
	Bolt11              string
	Expires             string
	CheckSettlementLink string
}

// InvoicePaywallProvider renders the invoice as a QR code and bolt11 string
type InvoicePaywallProvider struct {
	config *PaywallConfig
}

// DefaultPaywallProvider creates the built-in PaywallProvider. config is used
// when GenerateHTML is called without one.
func DefaultPaywallProvider(config *PaywallConfig) PaywallProvider {
	return &InvoicePaywallProvider{config: config}
}

// GenerateHTML implements PaywallProvider
func (p *InvoicePaywallProvider) GenerateHTML(invoice *paywall.Invoice, config *PaywallConfig) string {
	// Use provider config as fallback if no per-call config provided
	effective := config
	if effective == nil {
		effective = p.config
	}
	if effective == nil {
		effective = &PaywallConfig{}
	}

	unit := effective.Unit
	if unit == "" {
		unit = paywall.UnitSat
	}
	amount := "unknown amount"
	if v, err := paywall.NewMonetaryAmount(invoice.InvoiceAmount).Decimal(unit); err == nil {
		amount = v.String() + " " + string(unit)
	}

	data := invoicePageData{
		AppName:     effective.AppName,
		AppLogo:     effective.AppLogo,
		Description: invoice.Description,
		Amount:      amount,
		Bolt11:      invoice.Bolt11Invoice,
		Expires:     invoice.InvoiceExpireDate.Format(paywall.TimestampLayout),
	}
	if invoice.QRLink != "" {
		data.QRLink = paywall.ResolveLink(effective.Origin, invoice.QRLink)
	}
	if invoice.CheckSettlementLink != "" {
		data.CheckSettlementLink = paywall.ResolveLink(effective.Origin, invoice.CheckSettlementLink)
	}

	var buf bytes.Buffer
	if err := invoicePage.Execute(&buf, data); err != nil {
		return ""
	}
	return buf.String()
}
