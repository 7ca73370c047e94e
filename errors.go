package paywall

import (
	"errors"
	"fmt"
)

// ErrorPayload is the error body reported by the paywall server, the settlement
// channel, or synthesized from a transport failure
type ErrorPayload struct {
	Status  ResponseStatus `json:"status"`
	Message string         `json:"message,omitempty"`
	Errors  []string       `json:"errors,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

func (e *ErrorPayload) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

// NewTransportError normalizes a transport failure into an error payload
func NewTransportError(err error) *ErrorPayload {
	msg := "unknown transport error"
	if err != nil {
		msg = err.Error()
	}
	return &ErrorPayload{
		Status:  StatusServiceUnavailable,
		Message: msg,
		Errors:  []string{msg},
	}
}

// Sentinel errors
var (
	ErrInvalidState         = errors.New("paywall: invalid state")
	ErrInvalidAmount        = errors.New("paywall: invalid invoice amount")
	ErrUnsupportedCurrency  = errors.New("paywall: unsupported currency code")
	ErrUnsupportedMagnitude = errors.New("paywall: unsupported magnitude")
	ErrUnsupportedUnit      = errors.New("paywall: unsupported unit")
	ErrAborted              = errors.New("paywall: request aborted")
	ErrFlowTerminated       = errors.New("paywall: payment flow reached a terminal state")
	ErrRetryLimitExceeded   = errors.New("paywall: payment retry limit exceeded")
	ErrMalformedPayload     = errors.New("paywall: malformed payload")
)

// StateError is returned when a flow accessor is called before its backing data exists
type StateError struct {
	State  State
	Method string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("Invalid state %s when calling method %s().", e.State, e.Method)
}

// Is reports StateError as ErrInvalidState
func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

// FlowTerminatedError carries the terminal state a flow ended in before it could replay
type FlowTerminatedError struct {
	State State
	Cause error
}

func (e *FlowTerminatedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("payment flow ended in state %s: %v", e.State, e.Cause)
	}
	return fmt.Sprintf("payment flow ended in state %s", e.State)
}

func (e *FlowTerminatedError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrFlowTerminated, e.Cause}
	}
	return []error{ErrFlowTerminated}
}
