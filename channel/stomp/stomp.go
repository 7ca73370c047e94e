// Package stomp implements the settlement message channel as STOMP 1.2 over a
// WebSocket connection, the transport paywall servers push settlements on.
package stomp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	paywall "github.com/lnpaywall/paywall/go"
	"github.com/lnpaywall/paywall/go/logger"
)

// DefaultHandshakeTimeout bounds the WebSocket handshake
const DefaultHandshakeTimeout = 10 * time.Second

// Channel dials a new STOMP session for every subscription
type Channel struct {
	dialer *websocket.Dialer
	header http.Header
	log    zerolog.Logger
}

// Option configures a Channel
type Option func(*Channel)

// WithDialer replaces the WebSocket dialer
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Channel) {
		c.dialer = dialer
	}
}

// WithHandshakeHeader adds a header to the WebSocket handshake request
func WithHandshakeHeader(name, value string) Option {
	return func(c *Channel) {
		c.header.Add(name, value)
	}
}

// WithLogger sets the logger. Defaults to logger.Logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Channel) {
		c.log = log
	}
}

// NewChannel creates a STOMP message channel
func NewChannel(opts ...Option) *Channel {
	c := &Channel{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		header: make(http.Header),
		log:    logger.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ paywall.MessageChannel = (*Channel)(nil)

// Subscribe connects to endpoint and subscribes to queue with the given STOMP
// headers. Frames are delivered to onMessage on a separate goroutine; a broken
// connection is reported once to onError.
func (c *Channel) Subscribe(ctx context.Context, endpoint, queue string, headers map[string]string,
	onMessage paywall.MessageHandler, onError paywall.ErrorHandler) (paywall.Subscription, error) {
	wsURL, err := WebSocketURL(endpoint)
	if err != nil {
		return nil, err
	}

	ws, _, err := c.dialer.DialContext(ctx, wsURL.String(), c.header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", wsURL.Redacted(), err)
	}

	conn, err := stomp.Connect(newWSConn(ws),
		stomp.ConnOpt.AcceptVersion(stomp.V12),
		stomp.ConnOpt.Host(wsURL.Hostname()),
		stomp.ConnOpt.HeartBeat(0, 0),
	)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("stomp connect failed: %w", err)
	}

	opts := make([]func(*frame.Frame) error, 0, len(headers))
	for k, v := range headers {
		opts = append(opts, stomp.SubscribeOpt.Header(k, v))
	}
	stompSub, err := conn.Subscribe(queue, stomp.AckAuto, opts...)
	if err != nil {
		_ = conn.MustDisconnect()
		ws.Close()
		return nil, fmt.Errorf("stomp subscribe to %s failed: %w", queue, err)
	}

	c.log.Debug().Str("url", wsURL.Redacted()).Str("queue", queue).Msg("Subscribed to settlement queue")

	s := &subscription{conn: conn, sub: stompSub, ws: ws}
	go s.receive(onMessage, onError)
	return s, nil
}

type subscription struct {
	conn *stomp.Conn
	sub  *stomp.Subscription
	ws   *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (s *subscription) receive(onMessage paywall.MessageHandler, onError paywall.ErrorHandler) {
	for msg := range s.sub.C {
		if msg.Err != nil {
			if !s.isClosed() && onError != nil {
				onError(msg.Err)
			}
			return
		}
		if onMessage != nil {
			onMessage(paywall.Message{Body: msg.Body})
		}
	}
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close drops the STOMP session and the WebSocket connection. Safe to call more than once.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.conn.MustDisconnect()
	// the STOMP client closes the socket itself when it disconnects cleanly
	_ = s.ws.Close()
	return err
}

// WebSocketURL maps an http(s) endpoint to its ws(s) equivalent
func WebSocketURL(endpoint string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid settlement endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported settlement endpoint scheme %q", u.Scheme)
	}
	return u, nil
}
