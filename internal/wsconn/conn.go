// ABOUTME: Thread-safe wrapper around a gorilla websocket connection
// ABOUTME: Serialises writes and closes with application codes

package wsconn

import (
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// CloseUnauthorized is the application close code sent when a handshake
// carries no valid session.
const CloseUnauthorized = 4001

const writeTimeout = 10 * time.Second

// ErrClosed is returned when writing to a connection that has been closed.
var ErrClosed = errors.New("websocket connection closed")

// NewUpgrader returns an upgrader that accepts same-origin browsers and
// non-browser clients that send no Origin header.
func NewUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     sameOrigin,
	}
}

func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// Conn wraps a websocket so several goroutines can write to it.
type Conn struct {
	id     string
	socket *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

// New wraps socket with a fresh connection ID.
func New(socket *websocket.Conn) *Conn {
	return &Conn{id: uuid.New().String(), socket: socket}
}

// ID identifies the connection in logs.
func (c *Conn) ID() string {
	return c.id
}

// WriteMessage sends one frame.
func (c *Conn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	_ = c.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.socket.WriteMessage(messageType, data)
}

// WriteJSON sends v as one text frame.
func (c *Conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	_ = c.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.socket.WriteJSON(v)
}

// ReadMessage blocks for the next frame. Only one goroutine may read.
func (c *Conn) ReadMessage() (int, []byte, error) {
	return c.socket.ReadMessage()
}

// CloseWith sends a close frame carrying code and reason, then closes the socket.
func (c *Conn) CloseWith(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.socket.Close()
}

// Close closes the socket without a close frame. Safe to call more than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.socket.Close()
}

// IsClosed reports whether Close or CloseWith has run.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Reject upgrades the request only to close it with CloseUnauthorized.
// Browsers cannot read an HTTP status from a failed upgrade, so the close code
// is what the dashboard sees.
func Reject(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = New(socket).CloseWith(CloseUnauthorized, "Unauthorized")
}
