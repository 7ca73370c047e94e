package paywall

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	Listener string
	Type     EventType
}

type recorder struct {
	events []recordedEvent
}

func (r *recorder) listener(name string) Listener {
	return func(eventType EventType, payload any) {
		r.events = append(r.events, recordedEvent{Listener: name, Type: eventType})
	}
}

func (r *recorder) types() []EventType {
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func noop(EventType, any) {}

func TestEventBus_AddListenerReplacesInPlace(t *testing.T) {
	bus := NewEventBus(NewFlow(), withManualPolling())
	defer bus.Close()

	bus.AddListener("a", EventAll, noop)
	bus.AddListener("b", EventAll, noop)
	bus.AddListener("c", EventAll, noop)

	rec := &recorder{}
	bus.AddListener("b", EventInvoice, rec.listener("b2"))

	if diff := cmp.Diff([]string{"a", "b", "c"}, bus.Listeners()); diff != "" {
		t.Errorf("Listeners() mismatch (-want +got):\n%s", diff)
	}

	bus.OnEvent(EventInvoice, nil)
	assert.Equal(t, []recordedEvent{{Listener: "b2", Type: EventInvoice}}, rec.events)
}

func TestEventBus_AddListenerFirst(t *testing.T) {
	bus := NewEventBus(NewFlow(), withManualPolling())
	defer bus.Close()

	bus.AddListener("a", EventAll, noop)
	bus.AddListener("b", EventAll, noop)
	bus.AddListener("c", EventAll, noop)

	bus.AddListenerFirst("c", EventAll, noop)
	if diff := cmp.Diff([]string{"c", "a", "b"}, bus.Listeners()); diff != "" {
		t.Errorf("Listeners() mismatch (-want +got):\n%s", diff)
	}

	bus.AddListenerFirst("d", EventAll, noop)
	if diff := cmp.Diff([]string{"d", "c", "a", "b"}, bus.Listeners()); diff != "" {
		t.Errorf("Listeners() mismatch (-want +got):\n%s", diff)
	}
}

func TestEventBus_RemoveListener(t *testing.T) {
	bus := NewEventBus(NewFlow(), withManualPolling())
	defer bus.Close()

	bus.AddListener("a", EventAll, noop)
	bus.AddListener("b", EventAll, noop)
	bus.RemoveListener("a")
	bus.RemoveListener("missing")

	assert.Equal(t, []string{"b"}, bus.Listeners())
}

func TestEventBus_OnEventFiltersInRegistrationOrder(t *testing.T) {
	bus := NewEventBus(NewFlow(), withManualPolling())
	defer bus.Close()

	rec := &recorder{}
	bus.AddListener("all-1", EventAll, rec.listener("all-1"))
	bus.AddListener("settled", EventSettled, rec.listener("settled"))
	bus.AddListener("invoice", EventInvoice, rec.listener("invoice"))
	bus.AddListener("all-2", EventAll, rec.listener("all-2"))

	bus.OnEvent(EventInvoice, nil)

	want := []recordedEvent{
		{"all-1", EventInvoice},
		{"invoice", EventInvoice},
		{"all-2", EventInvoice},
	}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("dispatched events mismatch (-want +got):\n%s", diff)
	}
}

func TestEventBus_ListenerMayMutateRegistry(t *testing.T) {
	bus := NewEventBus(NewFlow(), withManualPolling())
	defer bus.Close()

	rec := &recorder{}
	bus.AddListener("once", EventAll, func(eventType EventType, payload any) {
		bus.RemoveListener("once")
		bus.AddListener("late", EventAll, rec.listener("late"))
	})
	bus.AddListener("second", EventAll, rec.listener("second"))

	bus.OnEvent(EventInvoice, nil)
	assert.Equal(t, []recordedEvent{{"second", EventInvoice}}, rec.events)

	bus.OnEvent(EventExecuted, nil)
	assert.Equal(t, []string{"second", "late"}, bus.Listeners())
	assert.Len(t, rec.events, 3)
}

func TestEventBus_TriggerEventFromState(t *testing.T) {
	clock := newFakeClock()
	flow := NewFlow(WithClock(clock.Now))
	bus := NewEventBus(flow, withManualPolling())
	defer bus.Close()

	err := bus.TriggerEventFromState()
	require.ErrorIs(t, err, ErrInvalidState)

	inv := testInvoice(clock.Now().Add(time.Hour))
	flow.SetInvoice(inv)

	var payload any
	bus.AddListener("p", EventAll, func(_ EventType, p any) { payload = p })
	require.NoError(t, bus.TriggerEventFromState())
	assert.Same(t, inv, payload)
	assert.Equal(t, StateInvoice, bus.Baseline())

	flow.SetAborted()
	assert.ErrorIs(t, bus.TriggerEventFromState(), ErrInvalidState)
}

func TestEventBus_PayloadForState(t *testing.T) {
	clock := newFakeClock()
	flow := NewFlow(WithClock(clock.Now))
	settlement := testSettlement(nil, clock.Now().Add(time.Hour), true)
	flow.SetInvoice(testInvoice(clock.Now().Add(time.Hour)))
	flow.SetSettlement(settlement)

	for _, s := range []State{StateSettled, StateExecuted, StateSettlementNotYetValid, StateSettlementExpired} {
		p, err := payloadForState(flow, s)
		require.NoError(t, err)
		assert.Same(t, settlement, p, s.String())
	}

	_, err := payloadForState(flow, StateNew)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = payloadForState(flow, StateAborted)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestEventBus_PollAnnouncesExpiredInvoiceOnce(t *testing.T) {
	clock := newFakeClock()
	flow := NewFlow(WithClock(clock.Now))
	bus := NewEventBus(flow, withManualPolling())
	defer bus.Close()

	rec := &recorder{}
	bus.AddListener("all", EventAll, rec.listener("all"))

	flow.SetInvoice(testInvoice(clock.Now().Add(-time.Second)))
	assert.Equal(t, StateInvoiceExpired, flow.State())

	bus.poll()
	bus.poll()

	assert.Equal(t, []EventType{EventInvoiceExpired}, rec.types())
	assert.True(t, bus.Closed(), "poller should stop after a terminal state")
}

func TestEventBus_InvoiceThenExecuted(t *testing.T) {
	clock := newFakeClock()
	flow := NewFlow(WithClock(clock.Now))
	bus := NewEventBus(flow, withManualPolling())
	defer bus.Close()

	rec := &recorder{}
	bus.AddListener("all", EventAll, rec.listener("all"))

	flow.SetInvoice(testInvoice(clock.Now().Add(time.Hour)))
	require.NoError(t, bus.TriggerEventFromState())
	bus.poll()

	flow.SetSettlement(testSettlement(nil, clock.Now().Add(time.Hour), true))
	bus.poll()
	assert.Equal(t, StateSettled, bus.Baseline())

	flow.SetExecuted()
	bus.poll()
	bus.poll()

	assert.Equal(t, []EventType{EventInvoice, EventExecuted}, rec.types())
	assert.True(t, bus.Closed())
}

func TestEventBus_PollIgnoresClosedBus(t *testing.T) {
	clock := newFakeClock()
	flow := NewFlow(WithClock(clock.Now))
	bus := NewEventBus(flow, withManualPolling())

	rec := &recorder{}
	bus.AddListener("all", EventAll, rec.listener("all"))

	bus.Close()
	bus.Close()
	flow.SetInvoice(testInvoice(clock.Now().Add(time.Hour)))
	bus.poll()

	assert.Empty(t, rec.events)
	assert.Equal(t, StateNew, bus.Baseline())
}

func TestEventBus_BackgroundPolling(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a real poll tick")
	}

	flow := NewFlow()
	bus := NewEventBus(flow)
	defer bus.Close()

	events := make(chan EventType, 4)
	bus.AddListener("all", EventAll, func(eventType EventType, _ any) { events <- eventType })

	flow.SetAPIError(&ErrorPayload{Status: StatusServiceUnavailable, Message: "down"})

	select {
	case got := <-events:
		assert.Equal(t, EventAPIError, got)
	case <-time.After(3 * PollInterval):
		t.Fatal("no event from background poller")
	}

	select {
	case <-bus.Done():
	case <-time.After(time.Second):
		t.Fatal("poller did not stop after terminal state")
	}
}
