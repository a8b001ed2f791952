// ABOUTME: Server orchestrator wiring the store, auth, event bus, terminal and gateway bridges
// ABOUTME: Owns the HTTP listener (TCP or tailnet) and the graceful shutdown sequence

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/clawcontrol/internal/auth"
	"github.com/2389/clawcontrol/internal/config"
	"github.com/2389/clawcontrol/internal/events"
	"github.com/2389/clawcontrol/internal/gateway"
	"github.com/2389/clawcontrol/internal/store"
	"github.com/2389/clawcontrol/internal/terminal"
)

const (
	shutdownTimeout = 5 * time.Second
	restartDelay    = 500 * time.Millisecond
)

// Options customises pieces of the server that tests and embedders replace.
type Options struct {
	// Spawner starts terminal shells. Defaults to a real pseudo-terminal.
	Spawner terminal.Spawner
	// Restart runs after the restart-clawcontrol action has responded.
	// Defaults to stopping Run so a supervisor can start a fresh process.
	Restart func()
}

// Server is the clawcontrol control plane.
type Server struct {
	config      *config.Config
	store       *store.SQLiteStore
	auth        *auth.Service
	authn       *auth.Authenticator
	bus         *events.Bus
	link        *gateway.Link
	terminals   *terminal.Bridge
	validate    *validator.Validate
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	restart func()

	mu   sync.Mutex
	stop context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// New opens the store and wires every component. Call Run to serve.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	authSvc, err := auth.NewService(st, auth.ServiceConfig{
		PBKDF2Iterations: cfg.Auth.PBKDF2Iterations,
		Guard: auth.GuardConfig{
			SoftThreshold: cfg.Auth.SoftLockThreshold,
			SoftDuration:  cfg.Auth.SoftLockDuration,
			HardThreshold: cfg.Auth.HardLockThreshold,
			HardDuration:  cfg.Auth.HardLockDuration,
		},
		SessionIdleTimeout: cfg.Auth.SessionIdleTimeout,
		RecoveryToken:      cfg.Auth.RecoveryToken,
	}, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("initializing auth: %w", err)
	}
	authn := auth.NewAuthenticator(authSvc, cfg.Auth.APIToken)

	bus := events.NewBus(st, events.Options{
		LogQueueSize:      cfg.Events.LogQueueSize,
		SubscriberBuffer:  cfg.Events.SubscriberBuffer,
		HeartbeatInterval: cfg.Events.HeartbeatInterval,
		Logger:            logger,
	})

	link := gateway.NewLink(bus, gateway.Options{
		URL:             cfg.Gateway.URL,
		Token:           cfg.Gateway.Token,
		ReconnectDelay:  cfg.Gateway.ReconnectDelay,
		ReconnectJitter: cfg.Gateway.ReconnectJitter,
		Logger:          logger,
	})

	spawner := opts.Spawner
	if spawner == nil {
		spawner = terminal.PTYSpawner{}
	}
	terminals := terminal.NewBridge(authn, terminal.Options{
		Shell:   cfg.Terminal.Shell,
		Dir:     cfg.Workspace.Dir,
		Term:    cfg.Terminal.Term,
		Cols:    uint16(cfg.Terminal.Cols),
		Rows:    uint16(cfg.Terminal.Rows),
		Spawner: spawner,
		Logger:  logger,
	})

	s := &Server{
		config:    cfg,
		store:     st,
		auth:      authSvc,
		authn:     authn,
		bus:       bus,
		link:      link,
		terminals: terminals,
		validate:  newValidator(),
		logger:    logger.With("component", "server"),
		restart:   opts.Restart,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Long-lived streams are not tracked by Shutdown, so end them explicitly
	s.httpServer.RegisterOnShutdown(s.closeStreams)

	return s, nil
}

// Auth exposes the auth service, mainly for the recovery token banner.
func (s *Server) Auth() *auth.Service {
	return s.auth
}

// Run serves until ctx is cancelled or a component fails, then shuts down.
// It returns nil after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.stop = cancel
	s.mu.Unlock()

	ln, err := s.setupListener(ctx)
	if err != nil {
		_ = s.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.link.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("context canceled, initiating shutdown")
		return s.gracefulShutdown()
	})

	return g.Wait()
}

// requestRestart fires after the restart action has answered its caller.
func (s *Server) requestRestart() {
	if s.restart != nil {
		s.restart()
		return
	}
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		s.logger.Info("restart requested, stopping")
		stop()
	}
}

// gracefulShutdown uses a fresh context since the run context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops accepting requests, ends every stream and terminal, drains
// the event log and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	if err := s.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// closeStreams ends SSE subscribers, terminals and gateway subscribers.
func (s *Server) closeStreams() {
	s.terminals.Close()
	s.link.Close()
	s.bus.Close()
}

// Close releases every component. Safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closeStreams()

		var errs []error
		if s.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", s.store.Close())
		if len(errs) > 0 {
			s.closeErr = fmt.Errorf("close errors: %v", errs)
		}
	})
	return s.closeErr
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}

	s.logger.Info("starting clawcontrol", "http_addr", s.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "clawcontrol", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	switch {
	case tsCfg.Funnel:
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return s.createTailscaleTLSListener()
	default:
		ln, err := s.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener serves HTTPS with Tailscale's auto-provisioned certs.
func (s *Server) createTailscaleTLSListener() (net.Listener, error) {
	s.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := s.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := s.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}
