package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	paywall "github.com/lnpaywall/paywall/go"
	"github.com/lnpaywall/paywall/go/test/mocks/channel"
)

const (
	testInvoiceToken    = "invoice-token"
	testSettlementToken = "settlement-token"
	testQueue           = "/queue/paywall/checksettlement/abc123"
	testEndpoint        = "/paywall/websocket/checksettlement"
)

// paywalledServer answers every request without an accepted Payment token with
// a 402 and a fresh invoice
type paywalledServer struct {
	*httptest.Server

	mu            sync.Mutex
	invoiceExpiry time.Duration
	payPerRequest bool
	accept        bool
	paywallError  bool
	badInvoice    bool
	payments      []string
	bodies        []string
}

func newPaywalledServer(t *testing.T) *paywalledServer {
	t.Helper()
	s := &paywalledServer{invoiceExpiry: time.Hour, payPerRequest: true, accept: true}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *paywalledServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	token := r.Header.Get(HeaderPayment)
	s.payments = append(s.payments, token)
	s.bodies = append(s.bodies, string(body))
	expiry, ppr, accept, paywallError, badInvoice := s.invoiceExpiry, s.payPerRequest, s.accept, s.paywallError, s.badInvoice
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case paywallError:
		w.Header().Set(HeaderPaywallMessage, "TRUE")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(paywall.ErrorPayload{
			Status:  paywall.StatusBadRequest,
			Message: "invalid request",
			Errors:  []string{"invalid request"},
		})

	case token == testSettlementToken && accept:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"paid":true}`))

	case badInvoice:
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"status":"OK"}`))

	default:
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(newTestInvoice(time.Now().Add(expiry), ppr))
	}
}

func (s *paywalledServer) configure(fn func(s *paywalledServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// Payments returns the Payment header of every request received, empty when absent
func (s *paywalledServer) Payments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.payments...)
}

func (s *paywalledServer) Bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

func newTestInvoice(expire time.Time, payPerRequest bool) *paywall.Invoice {
	now := time.Now()
	return &paywall.Invoice{
		Status:                           paywall.StatusOK,
		Type:                             paywall.TypeInvoice,
		PreImageHash:                     "abc123",
		Bolt11Invoice:                    "lnbcrt10n1abc123",
		Description:                      "test resource",
		InvoiceAmount:                    paywall.NewCryptoAmount(10, paywall.MagnitudeNone),
		Token:                            testInvoiceToken,
		InvoiceDate:                      paywall.NewTimestamp(now),
		InvoiceExpireDate:                paywall.NewTimestamp(expire),
		PayPerRequest:                    payPerRequest,
		CheckSettlementLink:              "/paywall/api/checkSettlement?pht=abc123",
		QRLink:                           "/paywall/genqrcode?d=lnbcrt10n1abc123",
		CheckSettlementWebSocketEndpoint: testEndpoint,
		CheckSettlementWebSocketQueue:    testQueue,
	}
}

func newTestSettlement(validFrom *time.Time, validUntil time.Time, payPerRequest bool) *paywall.Settlement {
	s := &paywall.Settlement{
		Status:        paywall.StatusOK,
		Type:          paywall.TypeSettlement,
		PreImageHash:  "abc123",
		Token:         testSettlementToken,
		ValidUntil:    paywall.NewTimestamp(validUntil),
		PayPerRequest: payPerRequest,
		Settled:       true,
	}
	if validFrom != nil {
		from := paywall.NewTimestamp(*validFrom)
		s.ValidFrom = &from
	}
	return s
}

// settleOnSubscribe makes the broker push a settlement to every new subscription
func settleOnSubscribe(broker *channel.Broker, payPerRequest bool) {
	broker.OnSubscribe(func(sub *channel.Subscription) {
		_, _ = sub.DeliverJSON(newTestSettlement(nil, time.Now().Add(time.Hour), payPerRequest))
	})
}

// eventRecorder collects the paywall events of every flow it is attached to
type eventRecorder struct {
	mu     sync.Mutex
	events []paywall.EventType
	flows  []*paywall.Flow
}

func (r *eventRecorder) listen(eventType paywall.EventType, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *eventRecorder) hook(flow *paywall.Flow, _ *paywall.EventBus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows = append(r.flows, flow)
}

func (r *eventRecorder) Events() []paywall.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]paywall.EventType(nil), r.events...)
}

func (r *eventRecorder) Flows() []*paywall.Flow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*paywall.Flow(nil), r.flows...)
}

func (r *eventRecorder) options() []ClientOption {
	return []ClientOption{
		WithEventListener("recorder", paywall.EventAll, r.listen),
		WithFlowHook(r.hook),
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// retainingChannel hands out subscriptions whose callbacks stay reachable after
// Close, like a STOMP session that still holds buffered frames
type retainingChannel struct {
	subscribed chan struct{}

	mu        sync.Mutex
	onMessage paywall.MessageHandler
	onError   paywall.ErrorHandler
	closed    bool
}

func newRetainingChannel() *retainingChannel {
	return &retainingChannel{subscribed: make(chan struct{}, 1)}
}

func (c *retainingChannel) Subscribe(_ context.Context, _, _ string, _ map[string]string,
	onMessage paywall.MessageHandler, onError paywall.ErrorHandler) (paywall.Subscription, error) {
	c.mu.Lock()
	c.onMessage, c.onError = onMessage, onError
	c.mu.Unlock()
	c.subscribed <- struct{}{}
	return c, nil
}

func (c *retainingChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *retainingChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// deliver passes body to the subscriber whether or not the subscription is closed
func (c *retainingChannel) deliver(body string) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	fn(paywall.Message{Body: []byte(body)})
}

func (c *retainingChannel) fail(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	fn(err)
}
