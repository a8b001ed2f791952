// ABOUTME: Pseudo-terminal process spawning backed by creack/pty
// ABOUTME: Process is the narrow interface the bridge drives, so tests can substitute fakes

package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
)

// ErrPTYUnsupported means the host cannot allocate pseudo-terminals.
var ErrPTYUnsupported = errors.New("pseudo-terminals are not supported on this host")

// SpawnOptions describes the shell to start.
type SpawnOptions struct {
	Shell string
	Args  []string
	Dir   string
	Env   []string
	Term  string
	Cols  uint16
	Rows  uint16
}

// Process is a running shell attached to a pseudo-terminal.
// Reads return terminal output; writes go to the shell's input.
type Process interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
	Wait() error
	Kill() error
	Pid() int
}

// Spawner starts shells.
type Spawner interface {
	Spawn(ctx context.Context, opts SpawnOptions) (Process, error)
}

// PTYSpawner starts real shells on a host pseudo-terminal.
type PTYSpawner struct{}

// Spawn starts opts.Shell with the given size. The process is not tied to ctx;
// callers own its lifetime and must Kill it.
func (PTYSpawner) Spawn(ctx context.Context, opts SpawnOptions) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(opts.Shell, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = withTerm(opts.Env, opts.Term)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows})
	if err != nil {
		if errors.Is(err, pty.ErrUnsupported) {
			return nil, ErrPTYUnsupported
		}
		return nil, fmt.Errorf("starting %s: %w", opts.Shell, err)
	}
	return &ptyProcess{cmd: cmd, tty: f}, nil
}

// withTerm returns env (or the server environment when nil) with TERM replaced.
func withTerm(env []string, term string) []string {
	if env == nil {
		env = os.Environ()
	}
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if !strings.HasPrefix(kv, "TERM=") {
			out = append(out, kv)
		}
	}
	if term != "" {
		out = append(out, "TERM="+term)
	}
	return out
}

type ptyProcess struct {
	cmd *exec.Cmd
	tty *os.File

	waitOnce sync.Once
	waitErr  error
}

func (p *ptyProcess) Read(b []byte) (int, error)  { return p.tty.Read(b) }
func (p *ptyProcess) Write(b []byte) (int, error) { return p.tty.Write(b) }
func (p *ptyProcess) Close() error                { return p.tty.Close() }
func (p *ptyProcess) Pid() int                    { return p.cmd.Process.Pid }

func (p *ptyProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.tty, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Wait reaps the process. Safe to call more than once.
func (p *ptyProcess) Wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}
