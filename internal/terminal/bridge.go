// ABOUTME: Websocket terminal bridge binding one shell process to one dashboard connection
// ABOUTME: The process lives exactly as long as the connection and is killed on every exit path

package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/2389/clawcontrol/internal/auth"
	"github.com/2389/clawcontrol/internal/wsconn"
)

const (
	readBufferSize = 4096
	reapTimeout    = 5 * time.Second
)

// State is the lifecycle of one terminal connection.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Authorizer validates the credentials carried by a handshake request.
type Authorizer interface {
	Authenticate(r *http.Request) (*auth.AuthContext, error)
}

// Options configures the shell each connection gets.
type Options struct {
	Shell   string
	Dir     string
	Term    string
	Cols    uint16
	Rows    uint16
	Spawner Spawner
	Logger  *slog.Logger
}

type session struct {
	conn  *wsconn.Conn
	state atomic.Int32
}

func (s *session) setState(st State) { s.state.Store(int32(st)) }
func (s *session) State() State      { return State(s.state.Load()) }

// Bridge serves GET /ws/terminal.
type Bridge struct {
	authz    Authorizer
	opts     Options
	upgrader *websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// NewBridge creates a terminal bridge. A nil Spawner runs in degraded mode.
func NewBridge(authz Authorizer, opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Cols == 0 {
		opts.Cols = 80
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	return &Bridge{
		authz:    authz,
		opts:     opts,
		upgrader: wsconn.NewUpgrader(),
		logger:   opts.Logger.With("component", "terminal"),
		sessions: make(map[string]*session),
	}
}

// Count returns the number of open terminal connections.
func (b *Bridge) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// States reports the state of every open connection keyed by connection ID.
func (b *Bridge) States() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State, len(b.sessions))
	for id, s := range b.sessions {
		out[id] = s.State()
	}
	return out
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Nothing is spawned until the handshake is authorised
	if _, err := b.authz.Authenticate(r); err != nil {
		wsconn.Reject(b.upgrader, w, r)
		return
	}

	socket, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("terminal upgrade failed", "error", err)
		return
	}
	sess := &session{conn: wsconn.New(socket)}

	if !b.track(sess) {
		_ = sess.conn.CloseWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer b.untrack(sess)

	b.run(r.Context(), sess)
}

func (b *Bridge) track(s *session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.sessions[s.conn.ID()] = s
	b.wg.Add(1)
	return true
}

func (b *Bridge) untrack(s *session) {
	b.mu.Lock()
	delete(b.sessions, s.conn.ID())
	b.mu.Unlock()
	b.wg.Done()
}

func (b *Bridge) run(ctx context.Context, s *session) {
	defer s.conn.Close()
	defer s.setState(StateClosed)

	logger := b.logger.With("conn_id", s.conn.ID())

	proc, err := b.spawn(ctx)
	if errors.Is(err, ErrPTYUnsupported) {
		logger.Warn("terminal requested but pseudo-terminals are unavailable")
		_ = s.conn.WriteJSON(outputFrame{Type: frameOutput, Data: "Terminal not available: " + err.Error() + ".\r\n"})
		b.drain(s)
		return
	}
	if err != nil {
		logger.Error("failed to start shell", "shell", b.opts.Shell, "error", err)
		_ = s.conn.WriteJSON(outputFrame{Type: frameOutput, Data: "Failed to start shell.\r\n"})
		_ = s.conn.CloseWith(websocket.CloseInternalServerErr, "shell failed to start")
		return
	}
	defer b.release(proc, logger)

	s.setState(StateActive)
	logger.Info("terminal session started", "pid", proc.Pid())

	go b.pumpOutput(s, proc)
	b.pumpInput(s, proc, logger)
}

func (b *Bridge) spawn(ctx context.Context) (Process, error) {
	if b.opts.Spawner == nil {
		return nil, ErrPTYUnsupported
	}
	return b.opts.Spawner.Spawn(ctx, SpawnOptions{
		Shell: b.opts.Shell,
		Dir:   b.opts.Dir,
		Term:  b.opts.Term,
		Cols:  b.opts.Cols,
		Rows:  b.opts.Rows,
	})
}

// release kills and reaps the process. Wait is bounded so a wedged child
// cannot pin the handler goroutine.
func (b *Bridge) release(proc Process, logger *slog.Logger) {
	if err := proc.Kill(); err != nil {
		logger.Warn("failed to kill shell", "pid", proc.Pid(), "error", err)
	}
	_ = proc.Close()

	reaped := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(reaped)
	}()
	select {
	case <-reaped:
	case <-time.After(reapTimeout):
		logger.Warn("shell did not exit after kill", "pid", proc.Pid())
	}
	logger.Info("terminal session ended", "pid", proc.Pid())
}

// drain keeps a degraded connection open until the client goes away.
func (b *Bridge) drain(s *session) {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// pumpOutput forwards process output until the process exits, then closes the connection.
func (b *Bridge) pumpOutput(s *session, proc Process) {
	buf := make([]byte, readBufferSize)
	var pending []byte

	for {
		n, err := proc.Read(buf)
		if n > 0 {
			data := append(pending, buf[:n]...)
			complete, rest := splitUTF8(data)
			pending = append([]byte(nil), rest...)
			if len(complete) > 0 {
				if werr := s.conn.WriteJSON(outputFrame{Type: frameOutput, Data: string(complete)}); werr != nil {
					_ = s.conn.Close()
					return
				}
			}
		}
		if err != nil {
			_ = s.conn.CloseWith(websocket.CloseNormalClosure, "process exited")
			return
		}
	}
}

// pumpInput applies client frames until the connection closes.
func (b *Bridge) pumpInput(s *session, proc Process, logger *slog.Logger) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		f, ok := parseClientFrame(raw)
		if !ok {
			continue
		}
		switch f.kind {
		case frameInput:
			if _, err := proc.Write([]byte(f.input)); err != nil {
				logger.Debug("write to shell failed", "error", err)
				return
			}
		case frameResize:
			if err := proc.Resize(f.cols, f.rows); err != nil {
				logger.Debug("resize failed", "cols", f.cols, "rows", f.rows, "error", err)
			}
		}
	}
}

// Close disconnects every terminal, which kills their shells, and waits for
// the handlers to finish. New connections are refused afterwards.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	open := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		open = append(open, s)
	}
	b.mu.Unlock()

	for _, s := range open {
		_ = s.conn.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}
	b.wg.Wait()
}

// splitUTF8 splits b before a trailing incomplete UTF-8 sequence so that
// multi-byte characters are never cut across output frames.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i], b[i:]
			}
			break
		}
	}
	return b, nil
}

const (
	frameOutput = "output"
	frameInput  = "input"
	frameResize = "resize"
)

type outputFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type clientFrame struct {
	kind  string
	input string
	cols  uint16
	rows  uint16
}

type wireFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Cols int             `json:"cols"`
	Rows int             `json:"rows"`
}

type wireSize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// parseClientFrame decodes an input or resize frame. Resize dimensions are
// read from the top level or from a nested data object.
func parseClientFrame(raw []byte) (clientFrame, bool) {
	var w wireFrame
	if err := json.Unmarshal(raw, &w); err != nil {
		return clientFrame{}, false
	}

	switch w.Type {
	case frameInput:
		var s string
		if err := json.Unmarshal(w.Data, &s); err != nil {
			return clientFrame{}, false
		}
		return clientFrame{kind: frameInput, input: s}, true

	case frameResize:
		cols, rows := w.Cols, w.Rows
		if cols == 0 && rows == 0 && len(w.Data) > 0 {
			var nested wireSize
			if err := json.Unmarshal(w.Data, &nested); err == nil {
				cols, rows = nested.Cols, nested.Rows
			}
		}
		if cols <= 0 || rows <= 0 || cols > 0xFFFF || rows > 0xFFFF {
			return clientFrame{}, false
		}
		return clientFrame{kind: frameResize, cols: uint16(cols), rows: uint16(rows)}, true
	}
	return clientFrame{}, false
}
