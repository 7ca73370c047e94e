package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	paywall "github.com/lnpaywall/paywall/go"
)

// ReadyState mirrors the XMLHttpRequest readyState values
type ReadyState int

const (
	Unsent ReadyState = iota
	Opened
	HeadersReceived
	Loading
	Done
)

var readyStateNames = [...]string{"UNSENT", "OPENED", "HEADERS_RECEIVED", "LOADING", "DONE"}

func (s ReadyState) String() string {
	if s < 0 || int(s) >= len(readyStateNames) {
		return "ReadyState(" + strconv.Itoa(int(s)) + ")"
	}
	return readyStateNames[s]
}

// Request event types
const (
	EventReadyStateChange = "readystatechange"
	EventLoadStart        = "loadstart"
	EventProgress         = "progress"
	EventLoad             = "load"
	EventError            = "error"
	EventTimeout          = "timeout"
	EventAbort            = "abort"
	EventLoadEnd          = "loadend"
)

// ProgressEvent is delivered to request event handlers
type ProgressEvent struct {
	Type             string
	Loaded           int64
	Total            int64
	LengthComputable bool
}

// EventHandler receives request events
type EventHandler func(ProgressEvent)

// isBaseEvent reports whether eventType is delivered before the paywall has been passed
func isBaseEvent(eventType string) bool {
	switch eventType {
	case EventError, EventTimeout, EventAbort:
		return true
	}
	return false
}

// ============================================================================
// EventTarget
// ============================================================================

type typedHandler struct {
	eventType string
	fn        EventHandler
}

// EventTarget holds one handler per event type. Handlers for events other than
// error, timeout and abort only fire for the final response of a request.
type EventTarget struct {
	mu        sync.Mutex
	handlers  []typedHandler
	populated bool
}

// AddEventListener sets the handler for eventType, replacing an existing one
func (t *EventTarget) AddEventListener(eventType string, fn EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.handlers {
		if t.handlers[i].eventType == eventType {
			t.handlers[i].fn = fn
			return
		}
	}
	t.handlers = append(t.handlers, typedHandler{eventType: eventType, fn: fn})
}

// RemoveEventListener removes the handler for eventType
func (t *EventTarget) RemoveEventListener(eventType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.handlers {
		if t.handlers[i].eventType == eventType {
			t.handlers = append(t.handlers[:i:i], t.handlers[i+1:]...)
			return
		}
	}
}

func (t *EventTarget) populate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.populated = true
}

func (t *EventTarget) dispatch(ev ProgressEvent) {
	t.mu.Lock()
	var fn EventHandler
	if t.populated || isBaseEvent(ev.Type) {
		for _, h := range t.handlers {
			if h.eventType == ev.Type {
				fn = h.fn
				break
			}
		}
	}
	t.mu.Unlock()

	if fn != nil {
		fn(ev)
	}
}

// ============================================================================
// Capabilities
// ============================================================================

// RequestHandle is the XMLHttpRequest-shaped side of a Request
type RequestHandle interface {
	Open(method, url string, opts ...OpenOption) error
	SetRequestHeader(name, value string) error
	SetTimeout(d time.Duration)
	OverrideMimeType(mime string)
	AddEventListener(eventType string, fn EventHandler)
	RemoveEventListener(eventType string)
	Upload() *EventTarget
	Send(ctx context.Context, body []byte) error
	Wait(ctx context.Context) error
	Abort()
	ReadyState() ReadyState
	Status() int
	StatusText() string
	ResponseURL() string
	Response() []byte
	ResponseText() string
	ResponseHeader(name string) string
	AllResponseHeaders() string
}

// PaywallFlow is the payment flow side of a Request
type PaywallFlow interface {
	State() paywall.State
	Invoice() *paywall.Invoice
	HasInvoice() bool
	Settlement() *paywall.Settlement
	HasSettlement() bool
	InvoiceExpiration() (paywall.ExpiryClock, error)
	InvoiceAmount() (paywall.MonetaryAmount, error)
	SettlementExpiration() (paywall.ExpiryClock, error)
	SettlementValidFrom() (paywall.ExpiryClock, error)
	PaywallError() *paywall.ErrorPayload
	APIError() *paywall.ErrorPayload
	QRLink() (string, error)
	CheckSettlementLink() (string, error)
	CheckSettlementWebSocketLink() (string, error)
	AddEventListener(name string, filter paywall.EventType, fn paywall.Listener)
	RemoveEventListener(name string)
}

type paywallFlow struct {
	*paywall.Flow
	bus *paywall.EventBus
}

func (p paywallFlow) AddEventListener(name string, filter paywall.EventType, fn paywall.Listener) {
	p.bus.AddListener(name, filter, fn)
}

func (p paywallFlow) RemoveEventListener(name string) {
	p.bus.RemoveListener(name)
}

// ============================================================================
// Request
// ============================================================================

// OpenOption configures Open
type OpenOption func(*openConfig)

type openConfig struct {
	user, password string
}

// WithBasicAuth sends the request with HTTP basic authentication
func WithBasicAuth(user, password string) OpenOption {
	return func(c *openConfig) {
		c.user = user
		c.password = password
	}
}

// Request is a single-use, XMLHttpRequest-shaped request that pays for a 402
// response and replays itself once the invoice is settled. Configuration calls
// are cached locally so the request can be rebuilt for the replay.
type Request struct {
	client *paywallHTTPClient
	flow   *paywall.Flow
	bus    *paywall.EventBus
	target EventTarget
	upload EventTarget
	done   chan struct{}

	mu          sync.Mutex
	method      string
	url         string
	open        openConfig
	headers     http.Header
	timeout     time.Duration
	mimeType    string
	readyState  ReadyState
	sent        bool
	finished    bool
	ex          *exchange
	err         error
	status      int
	statusText  string
	responseURL string
	response    []byte
	respHeaders http.Header
}

var (
	_ RequestHandle = (*Request)(nil)
	_ PaywallFlow   = paywallFlow{}
)

// NewRequest creates an unopened request whose flow uses the client's settings
func (c *paywallHTTPClient) NewRequest() *Request {
	flow, bus := c.newFlow()
	return &Request{
		client:  c,
		flow:    flow,
		bus:     bus,
		done:    make(chan struct{}),
		headers: make(http.Header),
	}
}

// NewRequest creates an unopened request with the given client options
func NewRequest(opts ...ClientOption) *Request {
	return NewPaywallHTTPClient(opts...).NewRequest()
}

// Paywall returns the payment flow of the request
func (r *Request) Paywall() PaywallFlow {
	return paywallFlow{Flow: r.flow, bus: r.bus}
}

// Open sets the method and URL of the request
func (r *Request) Open(method, url string, opts ...OpenOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		return fmt.Errorf("%w: Open called after Send", paywall.ErrInvalidState)
	}

	cfg := openConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	r.method = strings.ToUpper(method)
	r.url = url
	r.open = cfg
	r.readyState = Opened
	return nil
}

// SetRequestHeader adds a request header. Only valid between Open and Send.
func (r *Request) SetRequestHeader(name, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readyState != Opened || r.sent {
		return fmt.Errorf("%w: SetRequestHeader called in ready state %s", paywall.ErrInvalidState, r.readyState)
	}
	r.headers.Add(name, value)
	return nil
}

// SetTimeout limits every underlying request, zero means no limit
func (r *Request) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = d
}

// OverrideMimeType overrides the MIME type reported for the response
func (r *Request) OverrideMimeType(mime string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mimeType = mime
}

// AddEventListener sets the handler for a request event type
func (r *Request) AddEventListener(eventType string, fn EventHandler) {
	r.target.AddEventListener(eventType, fn)
}

// RemoveEventListener removes the handler for a request event type
func (r *Request) RemoveEventListener(eventType string) {
	r.target.RemoveEventListener(eventType)
}

// Upload returns the event target for request body upload events
func (r *Request) Upload() *EventTarget {
	return &r.upload
}

// Send starts the request and returns immediately. Use Wait to block until
// the final response or a terminal flow state.
func (r *Request) Send(ctx context.Context, body []byte) error {
	r.mu.Lock()
	if r.readyState != Opened || r.sent {
		state := r.readyState
		r.mu.Unlock()
		return fmt.Errorf("%w: Send called in ready state %s", paywall.ErrInvalidState, state)
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, reader)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	req.Header = r.headers.Clone()
	if r.open.user != "" || r.open.password != "" {
		req.SetBasicAuth(r.open.user, r.open.password)
	}

	httpClient := &http.Client{Transport: r.client.transport, Timeout: r.timeout}
	r.ex = newExchange(r.client, r.flow, r.bus, httpClient.Do)
	r.sent = true
	r.mu.Unlock()

	go r.run(ctx, req, int64(len(body)))
	return nil
}

func (r *Request) run(ctx context.Context, req *http.Request, uploadSize int64) {
	defer close(r.done)

	resp, err := r.ex.do(ctx, req)

	var payload *paywall.ErrorPayload
	var terminated *paywall.FlowTerminatedError
	switch {
	case errors.Is(err, paywall.ErrAborted):
		r.finish(err)
		return

	case err != nil && resp != nil && errors.As(err, &payload):
		r.deliver(resp, uploadSize)
		r.finish(err)

	// the flow ended without a response; only transport failures raise error
	case errors.As(err, &terminated) && terminated.State != paywall.StateAPIError:
		r.mu.Lock()
		r.readyState = Done
		r.mu.Unlock()
		r.finish(err)

	case err != nil:
		r.mu.Lock()
		r.readyState = Done
		r.mu.Unlock()
		if isTimeout(err) {
			r.target.dispatch(ProgressEvent{Type: EventTimeout})
			r.upload.dispatch(ProgressEvent{Type: EventTimeout})
		} else {
			r.target.dispatch(ProgressEvent{Type: EventError})
			r.upload.dispatch(ProgressEvent{Type: EventError})
		}
		r.finish(err)

	default:
		r.deliver(resp, uploadSize)
		r.finish(nil)
	}

	// a flow that never met the paywall has nothing left to poll for
	if r.flow.State() == paywall.StateNew {
		r.bus.Close()
	}
}

// deliver populates the response attributes and fires the final response events
func (r *Request) deliver(resp *http.Response, uploadSize int64) {
	r.target.populate()
	r.upload.populate()

	if uploadSize > 0 {
		r.upload.dispatch(ProgressEvent{Type: EventLoadStart, Total: uploadSize, LengthComputable: true})
		r.upload.dispatch(ProgressEvent{Type: EventProgress, Loaded: uploadSize, Total: uploadSize, LengthComputable: true})
		r.upload.dispatch(ProgressEvent{Type: EventLoad, Loaded: uploadSize, Total: uploadSize, LengthComputable: true})
		r.upload.dispatch(ProgressEvent{Type: EventLoadEnd, Loaded: uploadSize, Total: uploadSize, LengthComputable: true})
	}

	r.target.dispatch(ProgressEvent{Type: EventLoadStart})

	r.mu.Lock()
	r.status = resp.StatusCode
	r.statusText = strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if resp.Request != nil && resp.Request.URL != nil {
		r.responseURL = resp.Request.URL.String()
	}
	r.respHeaders = resp.Header.Clone()
	r.readyState = HeadersReceived
	r.mu.Unlock()
	r.target.dispatch(ProgressEvent{Type: EventReadyStateChange})

	r.setReadyState(Loading)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		r.setReadyState(Done)
		r.target.dispatch(ProgressEvent{Type: EventError})
		r.target.dispatch(ProgressEvent{Type: EventLoadEnd})
		return
	}
	size := int64(len(body))
	r.target.dispatch(ProgressEvent{Type: EventProgress, Loaded: size, Total: resp.ContentLength, LengthComputable: resp.ContentLength >= 0})

	r.mu.Lock()
	r.response = body
	r.readyState = Done
	r.mu.Unlock()
	r.target.dispatch(ProgressEvent{Type: EventReadyStateChange})
	r.target.dispatch(ProgressEvent{Type: EventLoad, Loaded: size, Total: size, LengthComputable: true})
	r.target.dispatch(ProgressEvent{Type: EventLoadEnd, Loaded: size, Total: size, LengthComputable: true})
}

func (r *Request) setReadyState(s ReadyState) {
	r.mu.Lock()
	r.readyState = s
	r.mu.Unlock()
	r.target.dispatch(ProgressEvent{Type: EventReadyStateChange})
}

func (r *Request) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
	if r.err == nil {
		r.err = err
	}
}

// Wait blocks until the request has finished. It returns the error that ended
// the request: a transport error, a *paywall.ErrorPayload for paywall errors
// (the response is still readable), a *paywall.FlowTerminatedError, or
// paywall.ErrAborted.
func (r *Request) Wait(ctx context.Context) error {
	r.mu.Lock()
	sent := r.sent
	r.mu.Unlock()
	if !sent {
		return fmt.Errorf("%w: Wait called before Send", paywall.ErrInvalidState)
	}

	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort cancels the request and its payment flow. Terminal. On a finished
// request it only releases the flow; its state and response are kept.
func (r *Request) Abort() {
	r.mu.Lock()
	ex := r.ex
	inFlight := r.sent && !r.finished
	done := r.finished
	r.mu.Unlock()

	if done {
		r.bus.Close()
		return
	}

	r.flow.SetAborted()
	r.bus.Close()
	if ex != nil {
		ex.abort()
	}

	if inFlight {
		r.finish(paywall.ErrAborted)
		r.target.dispatch(ProgressEvent{Type: EventAbort})
		r.upload.dispatch(ProgressEvent{Type: EventAbort})
	}

	r.mu.Lock()
	r.readyState = Unsent
	r.mu.Unlock()
}

// ============================================================================
// Response attributes
// ============================================================================

// ReadyState returns the current ready state
func (r *Request) ReadyState() ReadyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readyState
}

// Status returns the HTTP status code of the final response
func (r *Request) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// StatusText returns the reason phrase of the final response
func (r *Request) StatusText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusText
}

// ResponseURL returns the URL of the final response after redirects
func (r *Request) ResponseURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responseURL
}

// Response returns the body of the final response
func (r *Request) Response() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}

// ResponseText returns the body of the final response as a string
func (r *Request) ResponseText() string {
	return string(r.Response())
}

// ResponseMimeType returns the overridden MIME type or the response Content-Type
func (r *Request) ResponseMimeType() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mimeType != "" {
		return r.mimeType
	}
	return r.respHeaders.Get("Content-Type")
}

// ResponseHeader returns the named header of the final response
func (r *Request) ResponseHeader(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.respHeaders.Get(name)
}

// AllResponseHeaders returns the headers of the final response as CRLF separated lines
func (r *Request) AllResponseHeaders() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.respHeaders))
	for name := range r.respHeaders {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(strings.ToLower(name))
		b.WriteString(": ")
		b.WriteString(strings.Join(r.respHeaders[name], ", "))
		b.WriteString("\r\n")
	}
	return b.String()
}
