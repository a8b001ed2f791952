// ABOUTME: Persistent upstream websocket link to the agent gateway
// ABOUTME: Reconnects on a constant delay and relays every inbound frame to the bus and subscribers

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Event types published on the bus.
const (
	EventConnected    = "GATEWAY_CONNECTED"
	EventMessage      = "GATEWAY_MSG"
	EventDisconnected = "GATEWAY_DISCONNECTED"
)

const (
	defaultReconnectDelay = 5 * time.Second
	handshakeTimeout      = 10 * time.Second
	writeTimeout          = 10 * time.Second
)

// ErrUpstreamDown is returned by Send while no upstream connection is open.
var ErrUpstreamDown = errors.New("gateway upstream not connected")

// Publisher receives gateway lifecycle and message events.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}

// Status is a point-in-time view of the upstream link.
type Status struct {
	URL       string `json:"url"`
	Connected bool   `json:"connected"`
}

// Options configures a Link.
type Options struct {
	URL             string
	Token           string
	ReconnectDelay  time.Duration
	ReconnectJitter time.Duration
	Dialer          *websocket.Dialer
	Logger          *slog.Logger
}

// Link maintains the single upstream gateway connection. Only Run creates or
// replaces the connection; Send and Reconnect act on whatever is current.
type Link struct {
	url    string
	token  string
	delay  time.Duration
	jitter time.Duration
	dialer *websocket.Dialer
	bus    Publisher
	hub    *Hub
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	connected atomic.Bool
}

// NewLink creates a link that publishes to bus. Call Run to start it.
func NewLink(bus Publisher, opts Options) *Link {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}

	logger := opts.Logger.With("component", "gateway")
	return &Link{
		url:    opts.URL,
		token:  opts.Token,
		delay:  opts.ReconnectDelay,
		jitter: opts.ReconnectJitter,
		dialer: opts.Dialer,
		bus:    bus,
		hub:    NewHub(logger),
		logger: logger,
	}
}

// Hub returns the local subscriber fan-out.
func (l *Link) Hub() *Hub {
	return l.hub
}

// Configured reports whether both url and token are set.
func (l *Link) Configured() bool {
	return l.url != "" && l.token != ""
}

// Status reports the configured URL and whether the upstream is open.
func (l *Link) Status() Status {
	return Status{URL: l.url, Connected: l.connected.Load()}
}

// Run keeps the upstream connected until ctx is cancelled. It returns
// immediately when the link is not configured.
func (l *Link) Run(ctx context.Context) error {
	if !l.Configured() {
		l.logger.Info("gateway link disabled, url or token not set")
		return nil
	}

	for {
		conn, err := l.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("gateway dial failed", "url", l.url, "error", err)
			l.publish(ctx, EventDisconnected, struct{}{})
		} else {
			l.serve(ctx, conn)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.nextDelay()):
		}
	}
}

func (l *Link) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+l.token)

	conn, resp, err := l.dialer.DialContext(ctx, l.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// serve owns conn from open to close and emits the lifecycle events around it.
func (l *Link) serve(ctx context.Context, conn *websocket.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.connected.Store(true)

	l.logger.Info("connected to gateway", "url", l.url)
	l.publish(ctx, EventConnected, map[string]string{"url": l.url})

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Info("gateway connection lost", "error", err)
			}
			break
		}
		l.publish(ctx, EventMessage, map[string]string{"raw": string(data)})
		l.hub.Broadcast(msgType, data)
	}

	l.mu.Lock()
	l.conn = nil
	l.mu.Unlock()
	conn.Close()
	l.connected.Store(false)

	l.publish(context.WithoutCancel(ctx), EventDisconnected, struct{}{})
}

func (l *Link) publish(ctx context.Context, eventType string, payload any) {
	if err := l.bus.Publish(ctx, eventType, payload); err != nil {
		l.logger.Debug("gateway event not published", "type", eventType, "error", err)
	}
}

func (l *Link) nextDelay() time.Duration {
	if l.jitter <= 0 {
		return l.delay
	}
	return l.delay + rand.N(l.jitter)
}

// Send writes one frame upstream. Frames sent while disconnected are dropped.
func (l *Link) Send(msgType int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return ErrUpstreamDown
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := l.conn.WriteMessage(msgType, data); err != nil {
		return fmt.Errorf("writing upstream: %w", err)
	}
	return nil
}

// Reconnect drops the current upstream connection so Run dials again after
// the reconnect delay. It reports whether a connection was open.
func (l *Link) Reconnect() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return false
	}
	l.logger.Info("gateway reconnect requested")
	l.conn.Close()
	return true
}

// Close disconnects every local subscriber.
func (l *Link) Close() {
	l.hub.Close()
}
