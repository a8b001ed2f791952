// ABOUTME: Tests for the terminal bridge using a scripted fake process
// ABOUTME: Verifies auth gating, frame handling and that the shell dies with the connection

package terminal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clawcontrol/internal/apperr"
	"github.com/2389/clawcontrol/internal/auth"
	"github.com/2389/clawcontrol/internal/wsconn"
)

type fakeProcess struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu      sync.Mutex
	input   strings.Builder
	resizes [][2]uint16
	killed  bool

	exitOnce sync.Once
	exited   chan struct{}
}

func newFakeProcess() *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{outR: r, outW: w, exited: make(chan struct{})}
}

func (p *fakeProcess) Read(b []byte) (int, error) { return p.outR.Read(b) }

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.Write(b)
}

func (p *fakeProcess) Close() error { return p.outR.Close() }

func (p *fakeProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]uint16{cols, rows})
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	return nil
}

func (p *fakeProcess) Pid() int { return 4242 }

// exit simulates the shell terminating on its own.
func (p *fakeProcess) exit() {
	p.exitOnce.Do(func() {
		close(p.exited)
		_ = p.outW.Close()
	})
}

func (p *fakeProcess) emit(t *testing.T, s string) {
	t.Helper()
	_, err := p.outW.Write([]byte(s))
	require.NoError(t, err)
}

func (p *fakeProcess) isKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProcess) typed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

func (p *fakeProcess) resized() [][2]uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]uint16(nil), p.resizes...)
}

type fakeSpawner struct {
	err error

	mu    sync.Mutex
	procs []*fakeProcess
	opts  []SpawnOptions
	ready chan *fakeProcess
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{ready: make(chan *fakeProcess, 8)}
}

func (s *fakeSpawner) Spawn(_ context.Context, opts SpawnOptions) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = append(s.opts, opts)
	if s.err != nil {
		return nil, s.err
	}
	p := newFakeProcess()
	s.procs = append(s.procs, p)
	s.ready <- p
	return p, nil
}

func (s *fakeSpawner) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opts)
}

func (s *fakeSpawner) next(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-s.ready:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no process spawned")
		return nil
	}
}

type stubAuthorizer struct{}

func (stubAuthorizer) Authenticate(r *http.Request) (*auth.AuthContext, error) {
	if r.URL.Query().Get("sessionId") == "good" {
		return &auth.AuthContext{SessionID: "good", Username: "operator"}, nil
	}
	return nil, apperr.New(apperr.KindUnauthenticated, "test", "not authenticated")
}

func setupBridge(t *testing.T, spawner Spawner) (*Bridge, *httptest.Server) {
	t.Helper()
	opts := Options{Shell: "bash", Dir: "/work", Term: "xterm-color", Cols: 80, Rows: 24}
	if spawner != nil {
		opts.Spawner = spawner
	}
	b := NewBridge(stubAuthorizer{}, opts)
	srv := httptest.NewServer(b)
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return b, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readOutput(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f outputFrame
	require.NoError(t, c.ReadJSON(&f))
	assert.Equal(t, frameOutput, f.Type)
	return f.Data
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, code, closeErr.Code)
		return
	}
}

func TestBridge_RejectsWithoutSessionAndSpawnsNothing(t *testing.T) {
	spawner := newFakeSpawner()
	_, srv := setupBridge(t, spawner)

	for _, q := range []string{"", "?sessionId=stale"} {
		c := dial(t, srv, q)
		expectClose(t, c, wsconn.CloseUnauthorized)
	}
	assert.Equal(t, 0, spawner.spawned())
}

func TestBridge_SpawnOptions(t *testing.T) {
	spawner := newFakeSpawner()
	_, srv := setupBridge(t, spawner)

	dial(t, srv, "?sessionId=good")
	spawner.next(t)

	spawner.mu.Lock()
	defer spawner.mu.Unlock()
	require.Len(t, spawner.opts, 1)
	assert.Equal(t, SpawnOptions{Shell: "bash", Dir: "/work", Term: "xterm-color", Cols: 80, Rows: 24}, spawner.opts[0])
}

func TestBridge_OutputInputAndResize(t *testing.T) {
	spawner := newFakeSpawner()
	b, srv := setupBridge(t, spawner)

	c := dial(t, srv, "?sessionId=good")
	proc := spawner.next(t)

	require.Eventually(t, func() bool {
		for _, st := range b.States() {
			return st == StateActive
		}
		return false
	}, time.Second, 5*time.Millisecond)

	proc.emit(t, "$ ")
	assert.Equal(t, "$ ", readOutput(t, c))

	require.NoError(t, c.WriteJSON(map[string]any{"type": "input", "data": "ls\r"}))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, c.WriteJSON(map[string]any{"type": "resize", "cols": 120, "rows": 40}))
	require.NoError(t, c.WriteJSON(map[string]any{"type": "resize", "data": map[string]int{"cols": 100, "rows": 30}}))
	require.NoError(t, c.WriteJSON(map[string]any{"type": "resize", "cols": -1, "rows": 5}))
	require.NoError(t, c.WriteJSON(map[string]any{"type": "bogus"}))
	require.NoError(t, c.WriteJSON(map[string]any{"type": "input", "data": "pwd\r"}))

	require.Eventually(t, func() bool { return proc.typed() == "ls\rpwd\r" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][2]uint16{{120, 40}, {100, 30}}, proc.resized())
}

func TestBridge_ClientCloseKillsProcess(t *testing.T) {
	spawner := newFakeSpawner()
	b, srv := setupBridge(t, spawner)

	c := dial(t, srv, "?sessionId=good")
	proc := spawner.next(t)
	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 5*time.Millisecond)

	c.Close()

	assert.Eventually(t, proc.isKilled, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return b.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestBridge_ProcessExitClosesConnection(t *testing.T) {
	spawner := newFakeSpawner()
	b, srv := setupBridge(t, spawner)

	c := dial(t, srv, "?sessionId=good")
	proc := spawner.next(t)

	proc.emit(t, "bye\r\n")
	assert.Equal(t, "bye\r\n", readOutput(t, c))
	proc.exit()

	expectClose(t, c, websocket.CloseNormalClosure)
	assert.Eventually(t, func() bool { return b.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestBridge_OneProcessPerConnection(t *testing.T) {
	spawner := newFakeSpawner()
	_, srv := setupBridge(t, spawner)

	first := dial(t, srv, "?sessionId=good")
	p1 := spawner.next(t)
	first.Close()
	require.Eventually(t, p1.isKilled, 2*time.Second, 5*time.Millisecond)

	dial(t, srv, "?sessionId=good")
	p2 := spawner.next(t)
	assert.NotSame(t, p1, p2)
	assert.False(t, p2.isKilled())
	assert.Equal(t, 2, spawner.spawned())
}

func TestBridge_DegradedModeWithoutPTY(t *testing.T) {
	for name, spawner := range map[string]Spawner{
		"nil spawner": nil,
		"unsupported": &fakeSpawner{err: ErrPTYUnsupported, ready: make(chan *fakeProcess, 1)},
	} {
		t.Run(name, func(t *testing.T) {
			b, srv := setupBridge(t, spawner)
			c := dial(t, srv, "?sessionId=good")

			assert.Contains(t, readOutput(t, c), "not available")

			// The connection stays open with nothing more to say
			_ = c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			_, _, err := c.ReadMessage()
			var netErr interface{ Timeout() bool }
			require.ErrorAs(t, err, &netErr)
			assert.True(t, netErr.Timeout())
			assert.Equal(t, 1, b.Count())
		})
	}
}

func TestBridge_SpawnFailureClosesOnlyThatConnection(t *testing.T) {
	spawner := &fakeSpawner{err: errors.New("exec: bash: not found"), ready: make(chan *fakeProcess, 1)}
	b, srv := setupBridge(t, spawner)

	c := dial(t, srv, "?sessionId=good")
	assert.Contains(t, readOutput(t, c), "Failed to start shell")
	expectClose(t, c, websocket.CloseInternalServerErr)
	assert.Eventually(t, func() bool { return b.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestBridge_CloseKillsEverySession(t *testing.T) {
	spawner := newFakeSpawner()
	b, srv := setupBridge(t, spawner)

	c1 := dial(t, srv, "?sessionId=good")
	c2 := dial(t, srv, "?sessionId=good")
	p1, p2 := spawner.next(t), spawner.next(t)
	require.Eventually(t, func() bool { return b.Count() == 2 }, time.Second, 5*time.Millisecond)

	b.Close()

	assert.True(t, p1.isKilled())
	assert.True(t, p2.isKilled())
	assert.Equal(t, 0, b.Count())
	expectClose(t, c1, websocket.CloseGoingAway)
	expectClose(t, c2, websocket.CloseGoingAway)

	// Late connections are turned away
	late := dial(t, srv, "?sessionId=good")
	expectClose(t, late, websocket.CloseGoingAway)
	assert.Equal(t, 2, spawner.spawned())
}

func TestSplitUTF8(t *testing.T) {
	euro := []byte("€") // three bytes

	complete, rest := splitUTF8(append([]byte("ab"), euro[:2]...))
	assert.Equal(t, "ab", string(complete))
	assert.Equal(t, euro[:2], rest)

	complete, rest = splitUTF8(append([]byte("ab"), euro...))
	assert.Equal(t, "ab€", string(complete))
	assert.Empty(t, rest)

	complete, rest = splitUTF8([]byte("plain"))
	assert.Equal(t, "plain", string(complete))
	assert.Empty(t, rest)
}

func TestBridge_MultiByteOutputAcrossReads(t *testing.T) {
	spawner := newFakeSpawner()
	_, srv := setupBridge(t, spawner)

	c := dial(t, srv, "?sessionId=good")
	proc := spawner.next(t)

	euro := "€"
	proc.emit(t, "x"+euro[:1])
	assert.Equal(t, "x", readOutput(t, c))
	proc.emit(t, euro[1:])
	assert.Equal(t, euro, readOutput(t, c))
}

func TestParseClientFrame(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want clientFrame
		ok   bool
	}{
		{name: "input", raw: `{"type":"input","data":"x"}`, want: clientFrame{kind: frameInput, input: "x"}, ok: true},
		{name: "input not string", raw: `{"type":"input","data":5}`},
		{name: "resize top level", raw: `{"type":"resize","cols":10,"rows":5}`, want: clientFrame{kind: frameResize, cols: 10, rows: 5}, ok: true},
		{name: "resize nested", raw: `{"type":"resize","data":{"cols":11,"rows":6}}`, want: clientFrame{kind: frameResize, cols: 11, rows: 6}, ok: true},
		{name: "resize zero", raw: `{"type":"resize","cols":0,"rows":0}`},
		{name: "resize too big", raw: `{"type":"resize","cols":70000,"rows":5}`},
		{name: "output from client", raw: `{"type":"output","data":"x"}`},
		{name: "garbage", raw: `{{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseClientFrame([]byte(tt.raw))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
