// ABOUTME: Tests for the upstream gateway link, subscriber hub and websocket endpoint
// ABOUTME: Runs against an in-process fake gateway built on httptest and a gorilla upgrader

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clawcontrol/internal/apperr"
	"github.com/2389/clawcontrol/internal/auth"
	"github.com/2389/clawcontrol/internal/wsconn"
)

const testToken = "gw-secret"

type published struct {
	Type    string
	Payload any
}

type recordingBus struct {
	mu     sync.Mutex
	events []published
}

func (b *recordingBus) Publish(_ context.Context, eventType string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, published{Type: eventType, Payload: payload})
	return nil
}

func (b *recordingBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

func (b *recordingBus) count(eventType string) int {
	n := 0
	for _, t := range b.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func (b *recordingBus) find(eventType string) (published, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e.Type == eventType {
			return e, true
		}
	}
	return published{}, false
}

type fakeUpstream struct {
	srv      *httptest.Server
	reject   atomic.Bool
	dials    atomic.Int32
	conns    chan *websocket.Conn
	received chan string
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{
		conns:    make(chan *websocket.Conn, 8),
		received: make(chan string, 16),
	}
	upgrader := websocket.Upgrader{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.dials.Add(1)
		if u.reject.Load() || r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		u.conns <- c
		go func() {
			for {
				_, data, err := c.ReadMessage()
				if err != nil {
					return
				}
				u.received <- string(data)
			}
		}()
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(u.srv.URL, "http")
}

func (u *fakeUpstream) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-u.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never connected upstream")
		return nil
	}
}

func startLink(t *testing.T, bus Publisher, opts Options) *Link {
	t.Helper()
	l := NewLink(bus, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("link did not stop")
		}
		l.Close()
	})
	return l
}

func TestLink_DisabledWithoutConfig(t *testing.T) {
	for _, opts := range []Options{{URL: "ws://127.0.0.1:1"}, {Token: testToken}, {}} {
		l := NewLink(&recordingBus{}, opts)
		assert.False(t, l.Configured())

		done := make(chan error, 1)
		go func() { done <- l.Run(context.Background()) }()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run should return immediately when unconfigured")
		}
		assert.False(t, l.Status().Connected)
	}
}

func TestLink_ConnectsAndRelays(t *testing.T) {
	up := newFakeUpstream(t)
	bus := &recordingBus{}
	l := startLink(t, bus, Options{URL: up.url(), Token: testToken})

	sub := newFakeWriter("sub-1")
	require.True(t, l.Hub().Add(sub))

	server := up.accept(t)
	require.Eventually(t, func() bool { return l.Status().Connected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, up.url(), l.Status().URL)

	ev, ok := bus.find(EventConnected)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"url": up.url()}, ev.Payload)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"hello":1}`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"hello":2}`)))

	require.Eventually(t, func() bool { return bus.count(EventMessage) == 2 }, time.Second, 5*time.Millisecond)
	ev, _ = bus.find(EventMessage)
	assert.Equal(t, map[string]string{"raw": `{"hello":1}`}, ev.Payload)

	require.Eventually(t, func() bool { return len(sub.received()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"hello":1}`, `{"hello":2}`}, sub.received())
}

func TestLink_RejectedTokenNeverConnects(t *testing.T) {
	up := newFakeUpstream(t)
	bus := &recordingBus{}
	l := startLink(t, bus, Options{URL: up.url(), Token: "wrong", ReconnectDelay: 20 * time.Millisecond})

	require.Eventually(t, func() bool { return bus.count(EventDisconnected) >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, l.Status().Connected)
	assert.Zero(t, bus.count(EventConnected))
}

func TestLink_ReconnectsAfterDrop(t *testing.T) {
	up := newFakeUpstream(t)
	bus := &recordingBus{}
	l := startLink(t, bus, Options{URL: up.url(), Token: testToken, ReconnectDelay: 20 * time.Millisecond})

	first := up.accept(t)
	require.Eventually(t, func() bool { return l.Status().Connected }, time.Second, 5*time.Millisecond)
	first.Close()

	up.accept(t)
	require.Eventually(t, func() bool { return bus.count(EventConnected) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{EventConnected, EventDisconnected, EventConnected}, bus.types())
	assert.True(t, l.Status().Connected)
}

func TestLink_DisconnectPublishedPerFailedAttempt(t *testing.T) {
	up := newFakeUpstream(t)
	bus := &recordingBus{}
	l := startLink(t, bus, Options{URL: up.url(), Token: testToken, ReconnectDelay: 10 * time.Millisecond})

	first := up.accept(t)
	require.Eventually(t, func() bool { return l.Status().Connected }, time.Second, 5*time.Millisecond)

	up.reject.Store(true)
	first.Close()

	// The drop plus every rejected dial each publish a disconnect
	require.Eventually(t, func() bool { return bus.count(EventDisconnected) >= 4 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, l.Status().Connected)
	assert.Equal(t, 1, bus.count(EventConnected))

	up.reject.Store(false)
	up.accept(t)
	require.Eventually(t, func() bool { return bus.count(EventConnected) == 2 }, 2*time.Second, 5*time.Millisecond)

	types := bus.types()
	assert.Equal(t, EventConnected, types[len(types)-1])
	assert.Equal(t, EventDisconnected, types[1])
}

func TestLink_ConstantDelayBetweenAttempts(t *testing.T) {
	up := newFakeUpstream(t)
	up.reject.Store(true)

	delay := 100 * time.Millisecond
	startLink(t, &recordingBus{}, Options{URL: up.url(), Token: testToken, ReconnectDelay: delay})

	time.Sleep(350 * time.Millisecond)
	// First attempt is immediate, then one per delay
	n := up.dials.Load()
	assert.GreaterOrEqual(t, n, int32(3))
	assert.LessOrEqual(t, n, int32(5))
}

func TestLink_SendWhileDown(t *testing.T) {
	l := NewLink(&recordingBus{}, Options{URL: "ws://127.0.0.1:1", Token: testToken})
	err := l.Send(websocket.TextMessage, []byte("hi"))
	assert.ErrorIs(t, err, ErrUpstreamDown)
	assert.False(t, l.Reconnect())
}

func TestLink_SendForwardsUpstream(t *testing.T) {
	up := newFakeUpstream(t)
	l := startLink(t, &recordingBus{}, Options{URL: up.url(), Token: testToken})
	up.accept(t)
	require.Eventually(t, func() bool { return l.Status().Connected }, time.Second, 5*time.Millisecond)

	require.NoError(t, l.Send(websocket.TextMessage, []byte(`{"op":"ping"}`)))
	select {
	case got := <-up.received:
		assert.Equal(t, `{"op":"ping"}`, got)
	case <-time.After(time.Second):
		t.Fatal("upstream never received frame")
	}
}

func TestLink_ReconnectRequest(t *testing.T) {
	up := newFakeUpstream(t)
	bus := &recordingBus{}
	l := startLink(t, bus, Options{URL: up.url(), Token: testToken, ReconnectDelay: 20 * time.Millisecond})
	up.accept(t)
	require.Eventually(t, func() bool { return l.Status().Connected }, time.Second, 5*time.Millisecond)

	assert.True(t, l.Reconnect())
	up.accept(t)
	require.Eventually(t, func() bool { return bus.count(EventConnected) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, bus.count(EventDisconnected))
}

// fakeWriter records frames written by the hub and can stall to simulate a slow client.
type fakeWriter struct {
	id    string
	block chan struct{}

	mu        sync.Mutex
	frames    []string
	closed    bool
	closeCode int
}

func newFakeWriter(id string) *fakeWriter {
	return &fakeWriter{id: id}
}

func (f *fakeWriter) ID() string { return f.id }

func (f *fakeWriter) WriteMessage(_ int, data []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, string(data))
	return nil
}

func (f *fakeWriter) CloseWith(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWriter) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

func TestHub_SlowSubscriberIsolated(t *testing.T) {
	h := NewHub(nil)
	slow := &fakeWriter{id: "slow", block: make(chan struct{})}
	fast := newFakeWriter("fast")
	require.True(t, h.Add(slow))
	require.True(t, h.Add(fast))

	// Let the fast writer catch up between batches so only the stalled one overflows
	total := subscriberQueueSize * 2
	for i := 0; i < total; i++ {
		h.Broadcast(websocket.TextMessage, []byte{byte('a' + i%26)})
		if (i+1)%64 == 0 {
			want := i + 1
			require.Eventually(t, func() bool { return len(fast.received()) == want }, 2*time.Second, time.Millisecond)
		}
	}

	for i, got := range fast.received() {
		assert.Equal(t, string([]byte{byte('a' + i%26)}), got)
	}

	close(slow.block)
	h.Remove("slow")
	assert.Less(t, len(slow.received()), total)
	assert.Equal(t, 1, h.Count())
}

func TestHub_CloseDisconnectsSubscribers(t *testing.T) {
	h := NewHub(nil)
	a, b := newFakeWriter("a"), newFakeWriter("b")
	require.True(t, h.Add(a))
	require.True(t, h.Add(b))

	h.Close()
	h.Close()

	assert.Equal(t, 0, h.Count())
	assert.Equal(t, websocket.CloseGoingAway, a.closeCode)
	assert.Equal(t, websocket.CloseGoingAway, b.closeCode)
	assert.False(t, h.Add(newFakeWriter("late")))

	h.Remove("a")
}

type stubAuthorizer struct{}

func (stubAuthorizer) Authenticate(r *http.Request) (*auth.AuthContext, error) {
	if r.URL.Query().Get("sessionId") == "good" {
		return &auth.AuthContext{SessionID: "good", Username: "operator"}, nil
	}
	return nil, apperr.New(apperr.KindUnauthenticated, "test", "not authenticated")
}

func TestHandler_RejectsWithoutSession(t *testing.T) {
	l := NewLink(&recordingBus{}, Options{})
	srv := httptest.NewServer(NewHandler(l, stubAuthorizer{}))
	defer srv.Close()

	for _, query := range []string{"", "?sessionId=bad"} {
		client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+query, nil)
		require.NoError(t, err)

		_, _, err = client.ReadMessage()
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, wsconn.CloseUnauthorized, closeErr.Code)
		client.Close()
	}
	assert.Equal(t, 0, l.Hub().Count())
}

func TestHandler_RelaysBothWays(t *testing.T) {
	up := newFakeUpstream(t)
	l := startLink(t, &recordingBus{}, Options{URL: up.url(), Token: testToken})
	server := up.accept(t)
	require.Eventually(t, func() bool { return l.Status().Connected }, time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(NewHandler(l, stubAuthorizer{}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"?sessionId=good", nil)
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool { return l.Hub().Count() == 1 }, time.Second, 5*time.Millisecond)

	// Upstream to dashboard
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte("from-gateway")))
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "from-gateway", string(data))

	// Dashboard to upstream
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("from-dashboard")))
	select {
	case got := <-up.received:
		assert.Equal(t, "from-dashboard", got)
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received dashboard frame")
	}

	client.Close()
	assert.Eventually(t, func() bool { return l.Hub().Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHandler_DropsWhileUpstreamDown(t *testing.T) {
	l := NewLink(&recordingBus{}, Options{})
	srv := httptest.NewServer(NewHandler(l, stubAuthorizer{}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"?sessionId=good", nil)
	require.NoError(t, err)
	defer client.Close()

	// The subscriber stays connected even though its frames go nowhere
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("lost")))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("also lost")))
	require.Eventually(t, func() bool { return l.Hub().Count() == 1 }, time.Second, 5*time.Millisecond)
}
