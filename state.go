package paywall

import "fmt"

// State is the discrete state of a payment flow
type State int

const (
	// StateNew means no invoice has been received yet
	StateNew State = iota
	// StateInvoice means an invoice is waiting to be settled
	StateInvoice
	// StateInvoiceExpired means the invoice expired before settlement
	StateInvoiceExpired
	// StateSettled means the payment is settled and the request may be performed
	StateSettled
	// StateSettlementNotYetValid means the settlement is valid from a future point in time
	StateSettlementNotYetValid
	// StateSettlementExpired means the settlement validity has passed
	StateSettlementExpired
	// StateExecuted means a pay-per-request call completed successfully
	StateExecuted
	// StatePaywallError means the paywall reported an error, see Flow.PaywallError
	StatePaywallError
	// StateAPIError means the transport failed, see Flow.APIError
	StateAPIError
	// StateAborted means the caller aborted the flow
	StateAborted
)

var stateNames = [...]string{
	StateNew:                   "NEW",
	StateInvoice:               "INVOICE",
	StateInvoiceExpired:        "INVOICE_EXPIRED",
	StateSettled:               "SETTLED",
	StateSettlementNotYetValid: "SETTLEMENT_NOT_YET_VALID",
	StateSettlementExpired:     "SETTLEMENT_EXPIRED",
	StateExecuted:              "EXECUTED",
	StatePaywallError:          "PAYWALL_ERROR",
	StateAPIError:              "API_ERROR",
	StateAborted:               "ABORTED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// IsTerminal reports whether no further transitions can follow s
func (s State) IsTerminal() bool {
	switch s {
	case StateNew, StateInvoice, StateSettlementNotYetValid, StateSettled:
		return false
	}
	return true
}

// EventType identifies a payment flow event delivered to listeners
type EventType string

const (
	EventInvoice               EventType = "INVOICE"
	EventInvoiceExpired        EventType = "INVOICE_EXPIRED"
	EventSettled               EventType = "SETTLED"
	EventSettlementNotYetValid EventType = "SETTLEMENT_NOT_YET_VALID"
	EventSettlementExpired     EventType = "SETTLEMENT_EXPIRED"
	EventExecuted              EventType = "EXECUTED"
	EventPaywallError          EventType = "PAYWALL_ERROR"
	EventAPIError              EventType = "API_ERROR"

	// EventAll is only used as a listener filter that matches every event
	EventAll EventType = "ALL"
)

// EventTypeForState maps a state to the event announcing it. NEW and ABORTED
// have no event.
func EventTypeForState(s State) (EventType, error) {
	switch s {
	case StateInvoice:
		return EventInvoice, nil
	case StateInvoiceExpired:
		return EventInvoiceExpired, nil
	case StateSettled:
		return EventSettled, nil
	case StateSettlementNotYetValid:
		return EventSettlementNotYetValid, nil
	case StateSettlementExpired:
		return EventSettlementExpired, nil
	case StateExecuted:
		return EventExecuted, nil
	case StatePaywallError:
		return EventPaywallError, nil
	case StateAPIError:
		return EventAPIError, nil
	case StateNew, StateAborted:
	}
	return "", fmt.Errorf("%w sent to event bus: %s", ErrInvalidState, s)
}

// payloadForState returns the object delivered with the event of state s
func payloadForState(src StateSource, s State) (any, error) {
	switch s {
	case StateInvoice, StateInvoiceExpired:
		return src.Invoice(), nil
	case StateSettled, StateExecuted, StateSettlementNotYetValid, StateSettlementExpired:
		return src.Settlement(), nil
	case StatePaywallError:
		return src.PaywallError(), nil
	case StateAPIError:
		return src.APIError(), nil
	case StateNew, StateAborted:
	}
	return nil, fmt.Errorf("%w sent to event bus: %s", ErrInvalidState, s)
}
