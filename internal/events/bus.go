// ABOUTME: Event bus with a durable append log and live fan-out to push subscribers
// ABOUTME: Persistence runs on one worker goroutine so delivery never waits on the database

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clawcontrol/internal/store"
)

const (
	defaultLogQueueSize     = 1024
	defaultSubscriberBuffer = 64
	persistTimeout          = 5 * time.Second
)

// TypeConnected is the synthetic first frame of every subscription.
const TypeConnected = "connected"

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus closed")

// Event is a typed notification. ID is zero for live frames because
// persistence happens after delivery.
type Event struct {
	ID        int64           `json:"id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Options tunes a Bus. Zero values pick defaults.
type Options struct {
	LogQueueSize      int
	SubscriberBuffer  int
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Subscription is one live push connection's view of the bus.
type Subscription struct {
	ID string
	ch chan []byte
}

// Frames yields serialized event frames. It is closed on unsubscribe.
func (s *Subscription) Frames() <-chan []byte {
	return s.ch
}

type logItem struct {
	event   *store.Event
	flushed chan struct{}
}

// Bus fans events out to subscribers and appends them to the durable log.
type Bus struct {
	log       store.EventLog
	logger    *slog.Logger
	bufSize   int
	heartbeat time.Duration

	// pubMu orders publishers so every subscriber and the log see one sequence.
	pubMu  sync.Mutex
	queue  chan logItem
	closed bool

	mu          sync.RWMutex
	subscribers map[string]*Subscription

	workerDone chan struct{}
	done       chan struct{}
}

// NewBus starts the persistence worker and returns a ready bus.
func NewBus(log store.EventLog, opts Options) *Bus {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LogQueueSize <= 0 {
		opts.LogQueueSize = defaultLogQueueSize
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}

	b := &Bus{
		log:         log,
		logger:      opts.Logger.With("component", "events"),
		bufSize:     opts.SubscriberBuffer,
		heartbeat:   opts.HeartbeatInterval,
		queue:       make(chan logItem, opts.LogQueueSize),
		subscribers: make(map[string]*Subscription),
		workerDone:  make(chan struct{}),
		done:        make(chan struct{}),
	}
	go b.persistLoop()
	return b
}

// Publish delivers an event to every subscriber and queues it for the durable
// log. A nil payload is sent as an empty object. Slow subscribers and a full
// log queue lose the event; neither blocks the publisher.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}

	ev := Event{Type: eventType, Payload: raw, CreatedAt: time.Now().UTC()}
	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", eventType, err)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if b.closed {
		return ErrClosed
	}

	select {
	case b.queue <- logItem{event: &store.Event{Type: ev.Type, Payload: ev.Payload, CreatedAt: ev.CreatedAt}}:
	default:
		b.logger.Warn("event log queue full, event not persisted", "type", eventType)
	}

	b.broadcast(frame, eventType)
	return nil
}

// broadcast sends frame to every subscriber without blocking.
// The read lock is held across sends so Unsubscribe cannot close a channel mid-send.
func (b *Bus) broadcast(frame []byte, eventType string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		select {
		case sub.ch <- frame:
		default:
			b.logger.Debug("dropped event for slow subscriber", "sub_id", id, "type", eventType)
		}
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// Subscribe registers a live subscriber. Its first frame is always the
// connected event. The subscription ends when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) *Subscription {
	sub := &Subscription{
		ID: uuid.New().String(),
		ch: make(chan []byte, b.bufSize),
	}
	sub.ch <- []byte(`{"type":"` + TypeConnected + `"}`)

	b.pubMu.Lock()
	closed := b.closed
	if !closed {
		b.mu.Lock()
		b.subscribers[sub.ID] = sub
		b.mu.Unlock()
	}
	b.pubMu.Unlock()

	if closed {
		close(sub.ch)
		return sub
	}

	b.logger.Debug("subscriber added", "sub_id", sub.ID)

	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(sub.ID)
		case <-b.done:
		}
	}()

	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Unknown IDs are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", id)
}

// Count returns the number of live subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Recent returns up to limit persisted events, newest first.
// The limit defaults to 50 and is capped at 200.
func (b *Bus) Recent(ctx context.Context, limit int) ([]Event, error) {
	stored, err := b.log.ListRecentEvents(ctx, store.NormalizeEventLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}

	out := make([]Event, 0, len(stored))
	for _, e := range stored {
		out = append(out, Event{ID: e.ID, Type: e.Type, Payload: e.Payload, CreatedAt: e.CreatedAt})
	}
	return out, nil
}

// Flush waits until every event published before the call has been handed to the log.
func (b *Bus) Flush(ctx context.Context) error {
	flushed := make(chan struct{})

	b.pubMu.Lock()
	if b.closed {
		b.pubMu.Unlock()
		return ErrClosed
	}
	select {
	case b.queue <- logItem{flushed: flushed}:
	case <-ctx.Done():
		b.pubMu.Unlock()
		return ctx.Err()
	}
	b.pubMu.Unlock()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear empties the durable log after draining queued writes.
func (b *Bus) Clear(ctx context.Context) error {
	if err := b.Flush(ctx); err != nil {
		return err
	}
	if err := b.log.ClearEvents(ctx); err != nil {
		return fmt.Errorf("clearing events: %w", err)
	}
	return nil
}

func (b *Bus) persistLoop() {
	defer close(b.workerDone)

	for item := range b.queue {
		if item.flushed != nil {
			close(item.flushed)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := b.log.AppendEvent(ctx, item.event); err != nil {
			b.logger.Error("failed to persist event", "type", item.event.Type, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events, drains the persistence queue and closes every
// subscriber channel. Concurrent callers all wait for the drain.
func (b *Bus) Close() {
	b.pubMu.Lock()
	if b.closed {
		b.pubMu.Unlock()
		<-b.workerDone
		return
	}
	b.closed = true
	close(b.queue)
	close(b.done)
	b.pubMu.Unlock()

	<-b.workerDone

	b.mu.Lock()
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	b.logger.Debug("event bus closed")
}
