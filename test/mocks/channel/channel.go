package channel

import (
	"context"
	"encoding/json"
	"sync"

	paywall "github.com/lnpaywall/paywall/go"
)

// ============================================================================
// In-memory settlement broker
// ============================================================================

// Broker is an in-memory paywall.MessageChannel. Frames published on a queue
// are delivered synchronously to every open subscription of that queue.
type Broker struct {
	mu          sync.Mutex
	subs        []*Subscription
	connectErr  error
	onSubscribe func(*Subscription)
	notify      chan struct{}
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{notify: make(chan struct{})}
}

// FailConnect makes every following Subscribe fail with err
func (b *Broker) FailConnect(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = err
}

// OnSubscribe registers fn to run on its own goroutine after each subscription
func (b *Broker) OnSubscribe(fn func(*Subscription)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSubscribe = fn
}

// Subscribe implements paywall.MessageChannel
func (b *Broker) Subscribe(ctx context.Context, endpoint, queue string, headers map[string]string,
	onMessage paywall.MessageHandler, onError paywall.ErrorHandler) (paywall.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.connectErr != nil {
		err := b.connectErr
		b.mu.Unlock()
		return nil, err
	}
	s := &Subscription{
		broker:    b,
		Endpoint:  endpoint,
		Queue:     queue,
		Headers:   headers,
		onMessage: onMessage,
		onError:   onError,
	}
	b.subs = append(b.subs, s)
	hook := b.onSubscribe
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()

	if hook != nil {
		go hook(s)
	}
	return s, nil
}

// Subscriptions returns every subscription made so far, closed ones included
func (b *Broker) Subscriptions() []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Subscription(nil), b.subs...)
}

// WaitForSubscription blocks until a subscription to queue exists
func (b *Broker) WaitForSubscription(ctx context.Context, queue string) (*Subscription, error) {
	for {
		b.mu.Lock()
		for _, s := range b.subs {
			if s.Queue == queue {
				b.mu.Unlock()
				return s, nil
			}
		}
		notify := b.notify
		b.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Publish delivers body to the open subscriptions of queue and returns how many received it
func (b *Broker) Publish(queue string, body []byte) int {
	n := 0
	for _, s := range b.Subscriptions() {
		if s.Queue == queue && s.Deliver(body) {
			n++
		}
	}
	return n
}

// PublishJSON marshals v and publishes it on queue
func (b *Broker) PublishJSON(queue string, v any) (int, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return b.Publish(queue, body), nil
}

// ============================================================================
// Subscription
// ============================================================================

// Subscription records the parameters of one Subscribe call
type Subscription struct {
	broker    *Broker
	Endpoint  string
	Queue     string
	Headers   map[string]string
	onMessage paywall.MessageHandler
	onError   paywall.ErrorHandler

	mu     sync.Mutex
	closed bool
}

// Deliver hands body to the subscriber unless the subscription is closed
func (s *Subscription) Deliver(body []byte) bool {
	if s.Closed() {
		return false
	}
	s.onMessage(paywall.Message{Body: body})
	return true
}

// DeliverJSON marshals v and delivers it
func (s *Subscription) DeliverJSON(v any) (bool, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	return s.Deliver(body), nil
}

// Fail reports a broken connection to the subscriber
func (s *Subscription) Fail(err error) {
	if s.Closed() || s.onError == nil {
		return
	}
	s.onError(err)
}

// Close implements paywall.Subscription
func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether the subscriber closed the subscription
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ paywall.MessageChannel = (*Broker)(nil)
