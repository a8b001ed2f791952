// ABOUTME: Fan-out of upstream gateway frames to local websocket subscribers
// ABOUTME: Each subscriber has its own queue and writer so one slow client cannot stall the rest

package gateway

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

const subscriberQueueSize = 256

type frame struct {
	msgType int
	data    []byte
}

// FrameWriter is the write side of a subscriber connection.
type FrameWriter interface {
	ID() string
	WriteMessage(messageType int, data []byte) error
	CloseWith(code int, reason string) error
	Close() error
}

type subscriber struct {
	conn  FrameWriter
	queue chan frame
	done  chan struct{}
}

// Hub tracks local subscribers and relays upstream frames to them in order.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: make(map[string]*subscriber)}
}

// Add registers conn and starts its writer. It returns false if the hub is closed.
func (h *Hub) Add(conn FrameWriter) bool {
	sub := &subscriber{
		conn:  conn,
		queue: make(chan frame, subscriberQueueSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.subs[conn.ID()] = sub
	h.mu.Unlock()

	go h.writeLoop(sub)
	h.logger.Debug("gateway subscriber added", "conn_id", conn.ID())
	return true
}

// Remove unregisters the subscriber and stops its writer. Unknown IDs are ignored.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(sub.queue)
	}
	h.mu.Unlock()

	if ok {
		<-sub.done
		h.logger.Debug("gateway subscriber removed", "conn_id", id)
	}
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast queues a frame for every subscriber. A full queue drops the
// frame for that subscriber only.
func (h *Hub) Broadcast(msgType int, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	f := frame{msgType: msgType, data: data}
	for id, sub := range h.subs {
		select {
		case sub.queue <- f:
		default:
			h.logger.Debug("dropped gateway frame for slow subscriber", "conn_id", id)
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	defer close(sub.done)

	failed := false
	for f := range sub.queue {
		if failed {
			continue
		}
		if err := sub.conn.WriteMessage(f.msgType, f.data); err != nil {
			h.logger.Debug("gateway subscriber write failed", "conn_id", sub.conn.ID(), "error", err)
			failed = true
			_ = sub.conn.Close()
		}
	}
}

// Close removes every subscriber and closes their connections.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*subscriber)
	for _, sub := range subs {
		close(sub.queue)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		<-sub.done
		_ = sub.conn.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}
}
