package http

import (
	"strings"
	"testing"
	"time"

	paywall "github.com/lnpaywall/paywall/go"
)

func TestIsWebBrowser(t *testing.T) {
	tests := []struct {
		name      string
		accept    string
		userAgent string
		want      bool
	}{
		{"browser", "text/html,application/xhtml+xml", "Mozilla/5.0 (Macintosh)", true},
		{"api client", "application/json", "Go-http-client/1.1", false},
		{"html without browser agent", "text/html", "curl/8.0", false},
		{"browser asking for json", "application/json", "Mozilla/5.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsWebBrowser(tt.accept, tt.userAgent); got != tt.want {
				t.Errorf("IsWebBrowser(%q, %q) = %v, want %v", tt.accept, tt.userAgent, got, tt.want)
			}
		})
	}
}

func TestDefaultPaywallProvider(t *testing.T) {
	invoice := newTestInvoice(time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), true)
	invoice.InvoiceAmount = paywall.NewCryptoAmount(1500, paywall.MagnitudeMilli)

	provider := DefaultPaywallProvider(&PaywallConfig{AppName: "Demo", Origin: "https://api.example.com/"})
	html := provider.GenerateHTML(invoice, nil)

	for _, want := range []string{
		"<title>Demo - Payment Required</title>",
		"1.5 SAT",
		`src="https://api.example.com/paywall/genqrcode?d=lnbcrt10n1abc123"`,
		"lnbcrt10n1abc123</pre>",
		"2026-03-01T13:00:00.000",
		"test resource",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("expected paywall page to contain %q:\n%s", want, html)
		}
	}
}

func TestDefaultPaywallProvider_PerCallConfig(t *testing.T) {
	invoice := newTestInvoice(time.Now().Add(time.Hour), true)
	invoice.Description = "<script>alert(1)</script>"

	html := DefaultPaywallProvider(nil).GenerateHTML(invoice, &PaywallConfig{Unit: paywall.UnitMilliSat})

	if !strings.Contains(html, "10000 MILLISAT") {
		t.Errorf("expected amount in millisatoshis:\n%s", html)
	}
	if strings.Contains(html, "<script>") {
		t.Errorf("expected description to be escaped:\n%s", html)
	}
	if !strings.Contains(html, `src="/paywall/genqrcode?d=lnbcrt10n1abc123"`) {
		t.Errorf("expected relative QR link without origin:\n%s", html)
	}
}
