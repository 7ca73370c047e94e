package paywall

import (
	"sync"
	"time"

	"github.com/lnpaywall/paywall/go/logger"
)

// PollInterval is the period of the state change detection loop
const PollInterval = 1000 * time.Millisecond

type listenerEntry struct {
	name   string
	filter EventType
	fn     Listener
}

// EventBus keeps a named listener registry and announces the state changes of
// a flow. Changes without a synchronous announcement at the injection site are
// picked up by a background poll every PollInterval.
type EventBus struct {
	source StateSource

	mu        sync.Mutex
	listeners []listenerEntry
	baseline  State

	done      chan struct{}
	closeOnce sync.Once
}

// BusOption configures an EventBus
type BusOption func(*busConfig)

type busConfig struct {
	interval time.Duration
	manual   bool
}

// withManualPolling disables the background ticker; tests drive poll directly
func withManualPolling() BusOption {
	return func(c *busConfig) {
		c.manual = true
	}
}

// NewEventBus captures the current state of source as baseline and starts polling
func NewEventBus(source StateSource, opts ...BusOption) *EventBus {
	cfg := busConfig{interval: PollInterval}
	for _, opt := range opts {
		opt(&cfg)
	}

	b := &EventBus{
		source:   source,
		baseline: source.State(),
		done:     make(chan struct{}),
	}
	if !cfg.manual {
		go b.run(cfg.interval)
	}
	return b
}

func (b *EventBus) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.poll()
		}
	}
}

// poll compares the live state to the baseline and announces a change.
// Transitions into SETTLED update the baseline silently since the settlement
// injection site announces them itself.
func (b *EventBus) poll() {
	if b.Closed() {
		return
	}

	b.mu.Lock()
	state := b.source.State()
	if state == b.baseline {
		b.mu.Unlock()
		return
	}
	b.baseline = state
	b.mu.Unlock()

	if state == StateSettled {
		return
	}
	if state.IsTerminal() {
		b.Close()
	}

	eventType, err := EventTypeForState(state)
	if err != nil {
		// ABORTED has no event
		logger.Logger.Debug().Str("state", state.String()).Msg("Poller observed state without event")
		return
	}
	payload, err := payloadForState(b.source, state)
	if err != nil {
		return
	}
	logger.Logger.Debug().Str("event", string(eventType)).Msg("Poller detected state change")
	b.OnEvent(eventType, payload)
}

// ============================================================================
// Listener registry
// ============================================================================

// AddListener registers fn under name for events matching filter (or EventAll).
// Re-adding an existing name replaces the entry in place.
func (b *EventBus) AddListener(name string, filter EventType, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := listenerEntry{name: name, filter: filter, fn: fn}
	for i := range b.listeners {
		if b.listeners[i].name == name {
			b.listeners[i] = entry
			return
		}
	}
	b.listeners = append(b.listeners, entry)
}

// AddListenerFirst registers fn at the head of the registry, removing any entry with the same name first
func (b *EventBus) AddListenerFirst(name string, filter EventType, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(name)
	b.listeners = append([]listenerEntry{{name: name, filter: filter, fn: fn}}, b.listeners...)
}

// RemoveListener removes the listener registered under name, if any
func (b *EventBus) RemoveListener(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(name)
}

func (b *EventBus) removeLocked(name string) {
	for i := range b.listeners {
		if b.listeners[i].name == name {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Listeners returns the registered names in dispatch order
func (b *EventBus) Listeners() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, len(b.listeners))
	for i, l := range b.listeners {
		names[i] = l.name
	}
	return names
}

// ============================================================================
// Dispatch
// ============================================================================

// OnEvent refreshes the baseline to the live state and calls every listener
// whose filter is eventType or EventAll, in registration order. Callbacks run
// without the bus lock held and may modify the registry.
func (b *EventBus) OnEvent(eventType EventType, payload any) {
	b.mu.Lock()
	b.baseline = b.source.State()
	matched := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		if l.filter == eventType || l.filter == EventAll {
			matched = append(matched, l.fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range matched {
		fn(eventType, payload)
	}
}

// TriggerEventFromState announces the live state of the flow
func (b *EventBus) TriggerEventFromState() error {
	state := b.source.State()
	eventType, err := EventTypeForState(state)
	if err != nil {
		return err
	}
	payload, err := payloadForState(b.source, state)
	if err != nil {
		return err
	}
	b.OnEvent(eventType, payload)
	return nil
}

// Baseline returns the last state the bus has observed
func (b *EventBus) Baseline() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.baseline
}

// Close stops the polling loop. Listeners stay registered.
func (b *EventBus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

// Closed reports whether the polling loop has been stopped
func (b *EventBus) Closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Done is closed when the polling loop stops
func (b *EventBus) Done() <-chan struct{} {
	return b.done
}
