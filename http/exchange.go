package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	paywall "github.com/lnpaywall/paywall/go"
)

// replayListenerName is the internal listener that resumes a request once its invoice is settled
const replayListenerName = "PaywallReplayListener"

// sendFunc performs a single underlying HTTP request
type sendFunc func(*http.Request) (*http.Response, error)

// exchange runs the challenge, wait and replay protocol for one request
// against one Flow and EventBus pair.
type exchange struct {
	client *paywallHTTPClient
	flow   *paywall.Flow
	bus    *paywall.EventBus
	send   sendFunc
	log    zerolog.Logger

	events chan paywall.EventType
	fatal  chan error

	// held while a channel callback dispatches events, so the waiting request
	// resumes only after every listener has seen them
	dispatchMu sync.Mutex

	mu        sync.Mutex
	sub       paywall.Subscription
	subClosed bool
	cancel    context.CancelFunc
}

func newExchange(client *paywallHTTPClient, flow *paywall.Flow, bus *paywall.EventBus, send sendFunc) *exchange {
	return &exchange{
		client: client,
		flow:   flow,
		bus:    bus,
		send:   send,
		log:    client.log.With().Str("flow", flow.ID()).Logger(),
		events: make(chan paywall.EventType, 16),
		fatal:  make(chan error, 1),
	}
}

// do performs req and, when the server demands payment, waits for settlement
// and replays it. A paywall error response is returned together with its
// decoded *paywall.ErrorPayload as error, the body left readable.
func (e *exchange) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()
	defer e.closeSubscription()

	e.flow.SetOrigin(req.URL.Scheme + "://" + req.URL.Host)

	cached, resp, err := e.tryCachedSettlement(ctx, req)
	if err != nil || resp != nil {
		return resp, err
	}
	if cached != nil {
		defer cached.release()
	}

	resp, err = e.roundTrip(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired || isPaywallError(resp) {
		return e.complete(resp)
	}

	if err := e.handlePaymentRequired(ctx, resp); err != nil {
		return nil, err
	}

	settlement, err := e.waitForSettlement(ctx)
	if err != nil {
		return nil, err
	}

	resp, err = e.replay(ctx, req, settlement)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusPaymentRequired && !isPaywallError(resp) {
		drain(resp)
		return nil, paywall.ErrRetryLimitExceeded
	}
	if cached != nil && resp.StatusCode/100 == 2 {
		cached.settlement = settlement
	}
	return e.complete(resp)
}

// ============================================================================
// Settlement reuse
// ============================================================================

type cacheReservation struct {
	cache      *paywall.SettlementCache
	key        string
	done       chan struct{}
	settlement *paywall.Settlement
}

func (r *cacheReservation) release() {
	if r.settlement != nil {
		r.cache.Complete(r.key, r.settlement, r.done)
		return
	}
	r.cache.Fail(r.key, r.done)
}

// tryCachedSettlement replays req with a reusable settlement when the cache
// holds one. Otherwise it reserves the resource so concurrent requests wait
// for this payment instead of paying again.
func (e *exchange) tryCachedSettlement(ctx context.Context, req *http.Request) (*cacheReservation, *http.Response, error) {
	cache := e.client.cache
	if cache == nil {
		return nil, nil, nil
	}
	key := paywall.GenerateSettlementKey(req.Method, req.URL.String())

	for {
		status, settlement, done := cache.CheckAndMark(key)
		switch status {
		case paywall.CacheMiss:
			return &cacheReservation{cache: cache, key: key, done: done}, nil, nil

		case paywall.CacheInFlight:
			e.log.Debug().Str("url", req.URL.String()).Msg("Waiting for concurrent payment")
			if _, err := cache.WaitForResult(ctx, key, done); err != nil {
				return nil, nil, err
			}

		case paywall.CacheHit:
			resp, err := e.replay(ctx, req, settlement)
			if err != nil {
				return nil, nil, err
			}
			if resp.StatusCode != http.StatusPaymentRequired {
				e.flow.SetSettlement(settlement)
				if err := e.bus.TriggerEventFromState(); err != nil {
					e.log.Debug().Err(err).Msg("No event for reused settlement")
				}
				resp, err = e.complete(resp)
				return nil, resp, err
			}
			e.log.Debug().Str("url", req.URL.String()).Msg("Cached settlement rejected, paying again")
			drain(resp)
			cache.Invalidate(key)
		}
	}
}

// ============================================================================
// Protocol steps
// ============================================================================

// roundTrip sends req and turns a transport failure into API_ERROR
func (e *exchange) roundTrip(req *http.Request) (*http.Response, error) {
	resp, err := e.send(req)
	if err == nil {
		return resp, nil
	}
	if e.flow.State() == paywall.StateAborted {
		return nil, paywall.ErrAborted
	}
	e.raiseAPIError(err)
	return nil, err
}

// complete finishes a response that does not demand payment
func (e *exchange) complete(resp *http.Response) (*http.Response, error) {
	if isPaywallError(resp) {
		body, err := readBody(resp)
		if err != nil {
			return nil, err
		}
		payload, err := paywall.DecodeErrorPayload(body)
		if err != nil {
			return nil, err
		}
		e.log.Debug().Int("status", resp.StatusCode).Str("reason", payload.Message).Msg("Paywall error response")
		if e.flow.SetPaywallError(payload) {
			e.bus.OnEvent(paywall.EventPaywallError, payload)
			e.bus.Close()
		}
		return resp, payload
	}

	settlement := e.flow.Settlement()
	if settlement != nil && settlement.PayPerRequest && resp.StatusCode/100 == 2 && e.flow.SetExecuted() {
		e.bus.OnEvent(paywall.EventExecuted, settlement)
		e.bus.Close()
	}
	return resp, nil
}

// handlePaymentRequired stores the invoice of a 402 response and subscribes for its settlement
func (e *exchange) handlePaymentRequired(ctx context.Context, resp *http.Response) error {
	body, err := readBody(resp)
	if err != nil {
		return err
	}
	invoice, err := paywall.DecodeInvoice(body)
	if err != nil {
		return err
	}

	e.flow.SetInvoice(invoice)
	if err := e.bus.TriggerEventFromState(); err != nil {
		return err
	}
	e.log.Debug().Str("state", e.flow.State().String()).Msg("Received invoice")
	e.bus.AddListenerFirst(replayListenerName, paywall.EventAll, e.onPaywallEvent)

	// the poller may have announced a terminal state before the listener was in place
	state := e.flow.State()
	if seen := e.bus.Baseline(); seen.IsTerminal() {
		state = seen
	}
	if state.IsTerminal() {
		e.bus.Close()
		return &paywall.FlowTerminatedError{State: state}
	}

	endpoint, err := e.flow.CheckSettlementWebSocketLink()
	if err != nil {
		return err
	}
	sub, err := e.client.channel.Subscribe(ctx, endpoint, invoice.CheckSettlementWebSocketQueue,
		map[string]string{"token": invoice.Token}, e.onMessage, e.onChannelError)
	if err != nil {
		if e.flow.State() == paywall.StateAborted {
			return paywall.ErrAborted
		}
		apiErr := e.raiseAPIError(err)
		return &paywall.FlowTerminatedError{State: paywall.StateAPIError, Cause: apiErr}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subClosed {
		sub.Close()
		return nil
	}
	e.sub = sub
	return nil
}

// waitForSettlement blocks until the replay listener reports SETTLED, the flow
// terminates, or ctx is done
func (e *exchange) waitForSettlement(ctx context.Context) (*paywall.Settlement, error) {
	var validFrom <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if e.flow.State() == paywall.StateAborted {
				return nil, paywall.ErrAborted
			}
			return nil, ctx.Err()

		case err := <-e.fatal:
			return nil, err

		case <-validFrom:
			validFrom = nil
			if e.flow.State() == paywall.StateSettlementNotYetValid {
				validFrom = e.untilValidFrom()
				continue
			}
			e.announceSettled()

		case eventType := <-e.events:
			e.awaitDispatch()
			switch eventType {
			case paywall.EventSettled:
				return e.flow.Settlement(), nil

			case paywall.EventSettlementNotYetValid:
				validFrom = e.untilValidFrom()

			case paywall.EventInvoiceExpired, paywall.EventSettlementExpired,
				paywall.EventPaywallError, paywall.EventAPIError:
				state := e.flow.State()
				var cause error
				switch state {
				case paywall.StatePaywallError:
					cause = e.flow.PaywallError()
				case paywall.StateAPIError:
					cause = e.flow.APIError()
				}
				return nil, &paywall.FlowTerminatedError{State: state, Cause: cause}
			}
		}
	}
}

// untilValidFrom fires once the settlement becomes valid
func (e *exchange) untilValidFrom() <-chan time.Time {
	wait := time.Millisecond
	if clock, err := e.flow.SettlementValidFrom(); err == nil {
		wait = max(clock.TimeStamp().Sub(e.flow.Now()), time.Millisecond)
	}
	e.log.Debug().Dur("wait", wait).Msg("Settlement not yet valid")
	return time.After(wait)
}

func (e *exchange) awaitDispatch() {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()
}

// announceSettled announces a settlement whose validFrom has been reached
func (e *exchange) announceSettled() {
	if e.flow.State() != paywall.StateSettled {
		return
	}
	e.bus.OnEvent(paywall.EventSettled, e.flow.Settlement())
}

// replay resends req with the settlement token attached
func (e *exchange) replay(ctx context.Context, req *http.Request, settlement *paywall.Settlement) (*http.Response, error) {
	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}
		r.Body = body
	}
	token, err := ValidatePaymentHeader(settlement.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: settlement: %v", paywall.ErrMalformedPayload, err)
	}
	r.Header.Set(HeaderPayment, token)
	e.log.Debug().Str("url", r.URL.String()).Msg("Replaying request with settlement token")
	return e.roundTrip(r)
}

// ============================================================================
// Callbacks
// ============================================================================

// onPaywallEvent is prepended to the bus so it observes SETTLED before user listeners
func (e *exchange) onPaywallEvent(eventType paywall.EventType, payload any) {
	if eventType == paywall.EventSettled {
		e.closeSubscription()
	}
	select {
	case e.events <- eventType:
	default:
		e.log.Warn().Str("event", string(eventType)).Msg("Dropped paywall event")
	}
}

func (e *exchange) onMessage(msg paywall.Message) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	// frames still buffered when the subscription closed
	if e.flow.State().IsTerminal() {
		return
	}

	settlement, errPayload, err := paywall.DecodeSettlementFrame(msg.Body)
	if err != nil {
		select {
		case e.fatal <- err:
		default:
		}
		return
	}

	if errPayload != nil {
		e.closeSubscription()
		if e.flow.SetPaywallError(errPayload) {
			e.bus.OnEvent(paywall.EventPaywallError, errPayload)
			e.bus.Close()
		}
		return
	}

	if !e.flow.SetSettlement(settlement) {
		return
	}
	e.log.Debug().Str("state", e.flow.State().String()).Msg("Received settlement")
	if err := e.bus.TriggerEventFromState(); err != nil {
		e.log.Debug().Err(err).Msg("No event for settlement")
	}
}

func (e *exchange) onChannelError(err error) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	e.mu.Lock()
	closed := e.subClosed
	e.mu.Unlock()
	if closed || e.flow.State().IsTerminal() {
		return
	}
	e.raiseAPIError(err)
}

// raiseAPIError normalizes a transport failure into API_ERROR
func (e *exchange) raiseAPIError(err error) *paywall.ErrorPayload {
	payload := paywall.NewTransportError(err)
	e.log.Warn().Err(err).Msg("Transport error in payment flow")
	if e.flow.SetAPIError(payload) {
		e.bus.OnEvent(paywall.EventAPIError, payload)
		e.bus.Close()
	}
	return payload
}

// abort cancels the exchange and everything it holds open
func (e *exchange) abort() {
	e.flow.SetAborted()
	e.bus.Close()
	e.closeSubscription()

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *exchange) closeSubscription() {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.subClosed = true
	e.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			e.log.Debug().Err(err).Msg("Failed to close settlement subscription")
		}
	}
}

// ============================================================================
// Helpers
// ============================================================================

// isPaywallError reports whether resp carries a paywall error body
func isPaywallError(resp *http.Response) bool {
	if resp.Header.Get(HeaderPaywallMessage) != "TRUE" {
		return false
	}
	class := resp.StatusCode / 100
	return class == 4 || class == 5
}

// readBody reads resp.Body fully and replaces it with a rewindable copy
func readBody(resp *http.Response) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func drain(resp *http.Response) {
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// bufferBody makes the body of req replayable
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to buffer request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return nil
}

// isTimeout reports whether err is a request timeout
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
