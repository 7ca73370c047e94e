package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paywall "github.com/lnpaywall/paywall/go"
	"github.com/lnpaywall/paywall/go/channel/stomp"
	paywallhttp "github.com/lnpaywall/paywall/go/http"
)

func testConfig() *Config {
	return &Config{
		AppName:            "Demo",
		PriceSats:          21,
		PayPerRequest:      true,
		InvoiceExpiry:      time.Hour,
		SettlementValidity: time.Hour,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(*Config) {}, nil},
		{"zero price", func(c *Config) { c.PriceSats = 0 }, ErrInvalidPrice},
		{"zero expiry", func(c *Config) { c.InvoiceExpiry = 0 }, ErrInvalidValidity},
		{"negative validity", func(c *Config) { c.SettlementValidity = -time.Second }, ErrInvalidValidity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func newTestServer(t *testing.T, cfg *Config) (*httptest.Server, *stomp.Broker) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	broker := stomp.NewBroker()
	ledger := newLedger(cfg, broker)
	server := httptest.NewServer(newRouter(cfg, ledger, broker))
	t.Cleanup(server.Close)

	if cfg.AutoSettle {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			ledger.AutoSettle(ctx, broker)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}
	return server, broker
}

func do(t *testing.T, method, url, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set(paywallhttp.HeaderPayment, token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestRouter_ManualSettle(t *testing.T) {
	server, _ := newTestServer(t, testConfig())

	resp, body := do(t, http.MethodGet, server.URL+"/api/quote", "")
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	invoice, err := paywall.DecodeInvoice(body)
	require.NoError(t, err)
	assert.Equal(t, "Quote of the day", invoice.Description)
	assert.Equal(t, int64(21), *invoice.InvoiceAmount.Value)

	resp, _ = do(t, http.MethodPost, server.URL+SettlePath+"?pht=unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodPost, server.URL+SettlePath+"?pht="+invoice.PreImageHash, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var settlement paywall.Settlement
	require.NoError(t, json.Unmarshal(body, &settlement))
	assert.Equal(t, invoice.PreImageHash, settlement.PreImageHash)

	resp, body = do(t, http.MethodGet, server.URL+"/api/quote", settlement.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"quote":"stay humble, stack sats","preImageHash":"`+invoice.PreImageHash+`"}`, string(body))
}

func TestRouter_AutoSettle(t *testing.T) {
	cfg := testConfig()
	cfg.AutoSettle = true
	server, _ := newTestServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var events []paywall.EventType
	client := paywallhttp.NewClient(paywallhttp.WithEventListener("test", paywall.EventAll,
		func(eventType paywall.EventType, _ any) { events = append(events, eventType) }))
	resp, err := paywallhttp.Get(ctx, server.URL+"/api/quote", client)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []paywall.EventType{paywall.EventInvoice, paywall.EventSettled, paywall.EventExecuted}, events)
}

func TestRouter_BrowserPaywall(t *testing.T) {
	server, _ := newTestServer(t, testConfig())

	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/quote", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "Demo - Payment Required")
	assert.Contains(t, string(body), "21 SAT")
}
