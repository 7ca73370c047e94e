package stomp

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paywall "github.com/lnpaywall/paywall/go"
)

func TestBrokerPublishesToSubscribers(t *testing.T) {
	broker := NewBroker()
	ts := httptest.NewServer(broker)
	defer ts.Close()

	const queue = "/queue/paywall/checksettlement/abc"
	received := make(chan paywall.Message, 4)

	sub, err := NewChannel().Subscribe(context.Background(), ts.URL, queue, map[string]string{"token": "t"},
		func(m paywall.Message) { received <- m },
		func(err error) { t.Errorf("unexpected channel error: %v", err) })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return broker.Subscribers(queue) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, broker.Subscribers("/queue/other"))
	assert.Equal(t, 0, broker.Publish("/queue/other", []byte(`{}`)))

	n, err := broker.PublishJSON(queue, map[string]string{"status": "OK"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case m := <-received:
		assert.JSONEq(t, `{"status":"OK"}`, string(m.Body))
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}

	require.NoError(t, sub.Close())
	assert.Eventually(t, func() bool { return broker.Subscribers(queue) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestBrokerChanged(t *testing.T) {
	broker := NewBroker()
	ts := httptest.NewServer(broker)
	defer ts.Close()

	changed := broker.Changed()
	sub, err := NewChannel().Subscribe(context.Background(), ts.URL, "/queue/x", nil,
		func(paywall.Message) {}, func(error) {})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription change not signalled")
	}
}
