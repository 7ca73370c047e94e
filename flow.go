package paywall

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Flow holds the data of a single payment flow and derives its state. The
// state is a pure function of the stored data and the current time.
type Flow struct {
	mu sync.RWMutex

	id     string
	origin string
	now    func() time.Time

	invoice      *Invoice
	settlement   *Settlement
	paywallError *ErrorPayload
	apiError     *ErrorPayload
	executed     bool
	aborted      bool
}

// FlowOption configures a Flow
type FlowOption func(*Flow)

// WithOrigin sets the origin relative links are resolved against (e.g. "https://api.example.com")
func WithOrigin(origin string) FlowOption {
	return func(f *Flow) {
		f.origin = strings.TrimSuffix(origin, "/")
	}
}

// WithClock replaces time.Now as the flow's notion of the current time
func WithClock(now func() time.Time) FlowOption {
	return func(f *Flow) {
		if now != nil {
			f.now = now
		}
	}
}

// WithFlowID sets the flow identifier used in logs
func WithFlowID(id string) FlowOption {
	return func(f *Flow) {
		f.id = id
	}
}

// NewFlow creates a flow in state NEW
func NewFlow(opts ...FlowOption) *Flow {
	f := &Flow{
		id:  uuid.NewString(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ID returns the flow identifier
func (f *Flow) ID() string {
	return f.id
}

// Origin returns the origin relative links are resolved against
func (f *Flow) Origin() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.origin
}

// SetOrigin sets the origin if none was configured
func (f *Flow) SetOrigin(origin string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.origin == "" {
		f.origin = strings.TrimSuffix(origin, "/")
	}
}

// Now returns the flow's current time
func (f *Flow) Now() time.Time {
	return f.now()
}

// ============================================================================
// State derivation
// ============================================================================

// State derives the current state, highest priority first
func (f *Flow) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stateLocked()
}

func (f *Flow) stateLocked() State {
	switch {
	case f.apiError != nil:
		return StateAPIError
	case f.paywallError != nil:
		return StatePaywallError
	case f.aborted:
		return StateAborted
	case f.executed:
		return StateExecuted
	case f.invoice == nil && f.settlement == nil:
		return StateNew
	}

	now := f.now()
	if f.settlement == nil {
		if f.invoice.InvoiceExpireDate.Before(now) {
			return StateInvoiceExpired
		}
		return StateInvoice
	}

	if f.settlement.ValidFrom != nil && f.settlement.ValidFrom.After(now) {
		return StateSettlementNotYetValid
	}
	if f.settlement.ValidUntil.Before(now) {
		return StateSettlementExpired
	}
	return StateSettled
}

// sticky reports whether a flag or error has frozen the flow
func (f *Flow) sticky() bool {
	return f.apiError != nil || f.paywallError != nil || f.aborted || f.executed
}

// ============================================================================
// Mutators
// ============================================================================

// SetInvoice stores the invoice. Ignored once the flow is frozen by an error or flag.
func (f *Flow) SetInvoice(inv *Invoice) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sticky() {
		return false
	}
	f.invoice = inv
	return true
}

// SetSettlement stores the settlement. Ignored once the flow is frozen by an error or flag.
func (f *Flow) SetSettlement(s *Settlement) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sticky() {
		return false
	}
	f.settlement = s
	return true
}

// finished reports whether the caller ended the flow by aborting it or executing the request
func (f *Flow) finished() bool {
	return f.aborted || f.executed
}

// SetPaywallError records a paywall error. The first error wins; ignored once
// the flow is aborted or executed.
func (f *Flow) SetPaywallError(e *ErrorPayload) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paywallError != nil || e == nil || f.finished() {
		return false
	}
	f.paywallError = e
	return true
}

// SetAPIError records a transport error. The first error wins; ignored once
// the flow is aborted or executed.
func (f *Flow) SetAPIError(e *ErrorPayload) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.apiError != nil || e == nil || f.finished() {
		return false
	}
	f.apiError = e
	return true
}

// SetExecuted marks a pay-per-request flow as consumed. Ignored in a terminal state.
func (f *Flow) SetExecuted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateLocked().IsTerminal() {
		return false
	}
	f.executed = true
	return true
}

// SetAborted marks the flow as aborted by the caller. Ignored in a terminal state.
func (f *Flow) SetAborted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateLocked().IsTerminal() {
		return false
	}
	f.aborted = true
	return true
}

// ============================================================================
// Accessors
// ============================================================================

// Invoice returns the invoice, nil if none has been received
func (f *Flow) Invoice() *Invoice {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.invoice
}

// HasInvoice reports whether an invoice has been received
func (f *Flow) HasInvoice() bool {
	return f.Invoice() != nil
}

// Settlement returns the settlement, nil if none has been received
func (f *Flow) Settlement() *Settlement {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.settlement
}

// HasSettlement reports whether a settlement has been received
func (f *Flow) HasSettlement() bool {
	return f.Settlement() != nil
}

// PaywallError returns the paywall error, nil if none occurred
func (f *Flow) PaywallError() *ErrorPayload {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.paywallError
}

// APIError returns the transport error, nil if none occurred
func (f *Flow) APIError() *ErrorPayload {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.apiError
}

// Executed reports whether the flow has been marked executed
func (f *Flow) Executed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.executed
}

// InvoiceExpiration returns a clock counting down to the invoice expiry
func (f *Flow) InvoiceExpiration() (ExpiryClock, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.invoice == nil {
		return ExpiryClock{}, f.stateErrorLocked("InvoiceExpiration")
	}
	return NewExpiryClock(f.invoice.InvoiceExpireDate.Time, f.now), nil
}

// InvoiceAmount returns the invoiced amount
func (f *Flow) InvoiceAmount() (MonetaryAmount, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.invoice == nil {
		return MonetaryAmount{}, f.stateErrorLocked("InvoiceAmount")
	}
	return NewMonetaryAmount(f.invoice.InvoiceAmount), nil
}

// SettlementExpiration returns a clock counting down to the end of settlement validity
func (f *Flow) SettlementExpiration() (ExpiryClock, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.settlement == nil {
		return ExpiryClock{}, f.stateErrorLocked("SettlementExpiration")
	}
	return NewExpiryClock(f.settlement.ValidUntil.Time, f.now), nil
}

// SettlementValidFrom returns a clock counting down to the start of settlement
// validity. A settlement without validFrom is valid from now.
func (f *Flow) SettlementValidFrom() (ExpiryClock, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.settlement == nil {
		return ExpiryClock{}, f.stateErrorLocked("SettlementValidFrom")
	}
	if f.settlement.ValidFrom == nil {
		return NewExpiryClock(f.now(), f.now), nil
	}
	return NewExpiryClock(f.settlement.ValidFrom.Time, f.now), nil
}

// QRLink returns the absolute URL of the invoice QR code image
func (f *Flow) QRLink() (string, error) {
	return f.link("QRLink", func(inv *Invoice) string { return inv.QRLink })
}

// CheckSettlementLink returns the absolute URL of the settlement check endpoint
func (f *Flow) CheckSettlementLink() (string, error) {
	return f.link("CheckSettlementLink", func(inv *Invoice) string { return inv.CheckSettlementLink })
}

// CheckSettlementWebSocketLink returns the absolute URL of the settlement push endpoint
func (f *Flow) CheckSettlementWebSocketLink() (string, error) {
	return f.link("CheckSettlementWebSocketLink", func(inv *Invoice) string { return inv.CheckSettlementWebSocketEndpoint })
}

func (f *Flow) link(method string, field func(*Invoice) string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.invoice == nil {
		return "", f.stateErrorLocked(method)
	}
	return ResolveLink(f.origin, field(f.invoice)), nil
}

func (f *Flow) stateErrorLocked(method string) error {
	return &StateError{State: f.stateLocked(), Method: method}
}

// ResolveLink prefixes origin to link unless link already carries a URI scheme
func ResolveLink(origin, link string) string {
	if u, err := url.Parse(link); err == nil && u.Scheme != "" {
		return link
	}
	return strings.TrimSuffix(origin, "/") + link
}
