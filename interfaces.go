package paywall

import "context"

// StateSource is the read side of a payment flow an EventBus observes
type StateSource interface {
	State() State
	Invoice() *Invoice
	Settlement() *Settlement
	PaywallError() *ErrorPayload
	APIError() *ErrorPayload
}

// Listener receives payment flow events. The payload is *Invoice, *Settlement
// or *ErrorPayload depending on the event type.
type Listener func(eventType EventType, payload any)

// ============================================================================
// Settlement channel
// ============================================================================

// Message is a single text frame received on a settlement channel
type Message struct {
	Body []byte
}

// MessageHandler is invoked for every frame received on a subscription
type MessageHandler func(Message)

// ErrorHandler is invoked when the channel connection fails
type ErrorHandler func(error)

// Subscription is an open subscription on a message channel
type Subscription interface {
	// Close unsubscribes and releases the underlying connection. Safe to call more than once.
	Close() error
}

// MessageChannel connects to a push notification endpoint and subscribes to a
// settlement queue. Implementations live in the channel packages.
type MessageChannel interface {
	Subscribe(ctx context.Context, endpoint, queue string, headers map[string]string, onMessage MessageHandler, onError ErrorHandler) (Subscription, error)
}

// MessageChannelFunc adapts a function to MessageChannel
type MessageChannelFunc func(ctx context.Context, endpoint, queue string, headers map[string]string, onMessage MessageHandler, onError ErrorHandler) (Subscription, error)

// Subscribe calls f
func (f MessageChannelFunc) Subscribe(ctx context.Context, endpoint, queue string, headers map[string]string, onMessage MessageHandler, onError ErrorHandler) (Subscription, error) {
	return f(ctx, endpoint, queue, headers, onMessage, onError)
}
