package stomp

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lnpaywall/paywall/go/logger"
)

// ============================================================================
// Settlement broker
// ============================================================================

// Broker is a minimal STOMP 1.2 broker served over WebSocket. Clients
// subscribe to settlement queues and receive every frame published on them.
// Broker implements http.Handler.
type Broker struct {
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
	notify   chan struct{}
}

// BrokerOption configures a Broker
type BrokerOption func(*Broker)

// WithCheckOrigin sets the WebSocket origin check. Defaults to allowing every origin.
func WithCheckOrigin(check func(r *http.Request) bool) BrokerOption {
	return func(b *Broker) {
		b.upgrader.CheckOrigin = check
	}
}

// WithBrokerLogger sets the logger. Defaults to logger.Logger.
func WithBrokerLogger(log zerolog.Logger) BrokerOption {
	return func(b *Broker) {
		b.log = log
	}
}

// NewBroker creates a broker with no sessions
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:      logger.Logger,
		sessions: make(map[*session]struct{}),
		notify:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ServeHTTP upgrades the request and serves one STOMP session until the client disconnects
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn := newWSConn(ws)
	s := &session{
		writer: frame.NewWriter(conn),
		subs:   make(map[string]string),
	}
	defer func() {
		b.remove(s)
		conn.Close()
	}()

	reader := frame.NewReader(conn)
	for {
		f, err := reader.Read()
		if err != nil {
			return
		}
		if f == nil {
			// heart-beat
			continue
		}
		if !b.handle(s, f) {
			return
		}
	}
}

// handle processes one client frame and reports whether the session continues
func (b *Broker) handle(s *session, f *frame.Frame) bool {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		b.add(s)
		return s.write(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, "0,0")) == nil

	case frame.SUBSCRIBE:
		destination := f.Header.Get(frame.Destination)
		s.subscribe(f.Header.Get(frame.Id), destination)
		b.log.Debug().Str("destination", destination).Msg("Settlement subscription")
		b.changed()

	case frame.UNSUBSCRIBE:
		s.unsubscribe(f.Header.Get(frame.Id))
		b.changed()

	case frame.SEND:
		b.Publish(f.Header.Get(frame.Destination), f.Body)

	case frame.DISCONNECT:
		if receipt, ok := f.Header.Contains(frame.Receipt); ok {
			_ = s.write(frame.New(frame.RECEIPT, frame.ReceiptId, receipt))
		}
		return false

	default:
		_ = s.write(frame.New(frame.ERROR, frame.Message, "unsupported command "+f.Command))
		return false
	}

	if receipt, ok := f.Header.Contains(frame.Receipt); ok {
		return s.write(frame.New(frame.RECEIPT, frame.ReceiptId, receipt)) == nil
	}
	return true
}

// Publish sends body to every subscription of destination and returns how many received it
func (b *Broker) Publish(destination string, body []byte) int {
	n := 0
	for _, s := range b.snapshot() {
		n += s.deliver(destination, body)
	}
	b.log.Debug().Str("destination", destination).Int("subscribers", n).Msg("Published settlement frame")
	return n
}

// PublishJSON marshals v and publishes it on destination
func (b *Broker) PublishJSON(destination string, v any) (int, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return b.Publish(destination, body), nil
}

// Subscribers returns the number of open subscriptions to destination
func (b *Broker) Subscribers(destination string) int {
	n := 0
	for _, s := range b.snapshot() {
		n += s.count(destination)
	}
	return n
}

// Changed returns a channel closed at the next subscription change
func (b *Broker) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notify
}

func (b *Broker) changed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *Broker) add(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[s] = struct{}{}
}

func (b *Broker) remove(s *session) {
	b.mu.Lock()
	delete(b.sessions, s)
	b.mu.Unlock()
	b.changed()
}

func (b *Broker) snapshot() []*session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		out = append(out, s)
	}
	return out
}

// ============================================================================
// Session
// ============================================================================

type session struct {
	wmu    sync.Mutex
	writer *frame.Writer

	mu    sync.Mutex
	subs  map[string]string // subscription id => destination
	msgID int
}

func (s *session) write(f *frame.Frame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.writer.Write(f)
}

func (s *session) subscribe(id, destination string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[id] = destination
}

func (s *session) unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

func (s *session) count(destination string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.subs {
		if d == destination {
			n++
		}
	}
	return n
}

func (s *session) deliver(destination string, body []byte) int {
	s.mu.Lock()
	var ids []string
	for id, d := range s.subs {
		if d == destination {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, id := range ids {
		s.mu.Lock()
		s.msgID++
		msgID := strconv.Itoa(s.msgID)
		s.mu.Unlock()

		msg := frame.New(frame.MESSAGE,
			frame.Subscription, id,
			frame.MessageId, msgID,
			frame.Destination, destination,
			frame.ContentType, "application/json",
		)
		msg.Body = body
		if err := s.write(msg); err != nil {
			continue
		}
		n++
	}
	return n
}
