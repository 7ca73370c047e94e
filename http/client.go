package http

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	paywall "github.com/lnpaywall/paywall/go"
	"github.com/lnpaywall/paywall/go/channel/stomp"
	"github.com/lnpaywall/paywall/go/logger"
)

// ============================================================================
// paywallHTTPClient - HTTP-aware payment flow client
// ============================================================================

type namedListener struct {
	name   string
	filter paywall.EventType
	fn     paywall.Listener
}

// FlowHook is called with every new flow and its bus before the first request is sent
type FlowHook func(flow *paywall.Flow, bus *paywall.EventBus)

// paywallHTTPClient holds the collaborators shared by all payment flows it starts
type paywallHTTPClient struct {
	channel   paywall.MessageChannel
	cache     *paywall.SettlementCache
	transport http.RoundTripper
	origin    string
	now       func() time.Time
	listeners []namedListener
	hooks     []FlowHook
	log       zerolog.Logger
}

// ClientOption configures a paywallHTTPClient
type ClientOption func(*paywallHTTPClient)

// WithMessageChannel sets the channel settlements are pushed on. Defaults to STOMP over WebSocket.
func WithMessageChannel(channel paywall.MessageChannel) ClientOption {
	return func(c *paywallHTTPClient) {
		c.channel = channel
	}
}

// WithSettlementCache enables reuse of settlements that are not pay-per-request
func WithSettlementCache(cache *paywall.SettlementCache) ClientOption {
	return func(c *paywallHTTPClient) {
		c.cache = cache
	}
}

// WithTransport sets the underlying transport. Defaults to http.DefaultTransport.
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *paywallHTTPClient) {
		c.transport = transport
	}
}

// WithOrigin sets the origin relative invoice links resolve against. Defaults to the request origin.
func WithOrigin(origin string) ClientOption {
	return func(c *paywallHTTPClient) {
		c.origin = origin
	}
}

// WithClock replaces time.Now in every flow
func WithClock(now func() time.Time) ClientOption {
	return func(c *paywallHTTPClient) {
		c.now = now
	}
}

// WithEventListener registers a listener on the bus of every flow
func WithEventListener(name string, filter paywall.EventType, fn paywall.Listener) ClientOption {
	return func(c *paywallHTTPClient) {
		c.listeners = append(c.listeners, namedListener{name: name, filter: filter, fn: fn})
	}
}

// WithFlowHook registers a hook called for every new flow
func WithFlowHook(hook FlowHook) ClientOption {
	return func(c *paywallHTTPClient) {
		c.hooks = append(c.hooks, hook)
	}
}

// WithLogger sets the logger. Defaults to logger.Logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *paywallHTTPClient) {
		c.log = log
	}
}

// NewPaywallHTTPClient creates a new HTTP-aware payment flow client
func NewPaywallHTTPClient(opts ...ClientOption) *paywallHTTPClient {
	c := &paywallHTTPClient{
		transport: http.DefaultTransport,
		log:       logger.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.channel == nil {
		c.channel = stomp.NewChannel()
	}
	if c.transport == nil {
		c.transport = http.DefaultTransport
	}
	return c
}

// newFlow creates a flow and its bus with the client's listeners and hooks applied
func (c *paywallHTTPClient) newFlow() (*paywall.Flow, *paywall.EventBus) {
	opts := []paywall.FlowOption{}
	if c.origin != "" {
		opts = append(opts, paywall.WithOrigin(c.origin))
	}
	if c.now != nil {
		opts = append(opts, paywall.WithClock(c.now))
	}
	flow := paywall.NewFlow(opts...)
	bus := paywall.NewEventBus(flow)
	for _, l := range c.listeners {
		bus.AddListener(l.name, l.filter, l.fn)
	}
	for _, hook := range c.hooks {
		hook(flow, bus)
	}
	return flow, bus
}

// ============================================================================
// HTTP Client Wrapper
// ============================================================================

// WrapHTTPClientWithPayment wraps a standard HTTP client with paywall handling.
// This allows transparent payment handling for HTTP requests.
func WrapHTTPClientWithPayment(client *http.Client, paywallClient *paywallHTTPClient) *http.Client {
	if client == nil {
		client = &http.Client{}
	}

	originalTransport := client.Transport
	if originalTransport == nil {
		originalTransport = paywallClient.transport
	}

	client.Transport = &PaymentRoundTripper{
		Transport: originalTransport,
		client:    paywallClient,
	}

	return client
}

// PaymentRoundTripper implements http.RoundTripper with paywall handling. Each
// RoundTrip runs its own flow; the flow's bus is closed when RoundTrip returns.
type PaymentRoundTripper struct {
	Transport http.RoundTripper
	client    *paywallHTTPClient
}

// RoundTrip implements http.RoundTripper. A paywall error is returned as a
// *paywall.ErrorPayload and a flow that ends before replay as a
// *paywall.FlowTerminatedError.
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req = req.Clone(ctx)
	if err := bufferBody(req); err != nil {
		return nil, err
	}

	flow, bus := t.client.newFlow()
	defer bus.Close()

	ex := newExchange(t.client, flow, bus, t.Transport.RoundTrip)

	resp, err := ex.do(ctx, req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return resp, nil
}

// ============================================================================
// Convenience Methods
// ============================================================================

// DoWithPayment performs an HTTP request with automatic payment handling
func (c *paywallHTTPClient) DoWithPayment(ctx context.Context, req *http.Request) (*http.Response, error) {
	client := &http.Client{
		Transport: &PaymentRoundTripper{
			Transport: c.transport,
			client:    c,
		},
	}

	return client.Do(req.WithContext(ctx))
}

// GetWithPayment performs a GET request with automatic payment handling
func (c *paywallHTTPClient) GetWithPayment(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.DoWithPayment(ctx, req)
}

// PostWithPayment performs a POST request with automatic payment handling
func (c *paywallHTTPClient) PostWithPayment(ctx context.Context, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	return c.DoWithPayment(ctx, req)
}
