// ABOUTME: HTTP route table and middleware chain for the control plane
// ABOUTME: Session-gated routes accept a dashboard session or the static API token

package server

import (
	"fmt"
	"net/http"

	"github.com/2389/clawcontrol/internal/apperr"
	"github.com/2389/clawcontrol/internal/auth"
	"github.com/2389/clawcontrol/internal/gateway"
)

// Handler returns the full HTTP handler including middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	gated := s.authn.Middleware()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	// Login screen endpoints
	mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/reset-password", s.handleResetPassword)

	mux.Handle("POST /api/auth/logout", gated(http.HandlerFunc(s.handleLogout)))
	mux.Handle("POST /api/auth/change-password", gated(http.HandlerFunc(s.handleChangePassword)))
	mux.Handle("POST /api/auth/mfa/setup", gated(http.HandlerFunc(s.handleMFASetup)))
	mux.Handle("POST /api/auth/mfa/enable", gated(http.HandlerFunc(s.handleMFAEnable)))
	mux.Handle("POST /api/auth/mfa/disable", gated(http.HandlerFunc(s.handleMFADisable)))

	mux.Handle("GET /api/live", gated(s.bus))
	mux.Handle("GET /api/events", gated(http.HandlerFunc(s.handleListEvents)))
	mux.Handle("GET /api/audit", gated(http.HandlerFunc(s.handleListAudit)))
	mux.Handle("GET /api/gateway/status", gated(http.HandlerFunc(s.handleGatewayStatus)))
	mux.Handle("POST /api/action/{action}", gated(http.HandlerFunc(s.handleAction)))

	// Websocket handlers authorise the handshake themselves so they can
	// answer with a close code instead of an HTTP status
	mux.Handle("GET /ws/terminal", s.terminals)
	mux.Handle("GET /ws/gateway", gateway.NewHandler(s.link, s.authn))

	mux.HandleFunc("/", handleNotFound)

	var h http.Handler = mux
	h = auth.ClientAddrMiddleware(h)
	h = auth.RequireHTTPS(s.config.Server.AllowHTTP)(h)
	h = securityHeaders(h)
	return h
}

// securityHeaders sets the browser hardening headers on every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", contentSecurityPolicy)
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

const contentSecurityPolicy = "default-src 'self'; " +
	"script-src 'self' 'unsafe-inline' cdnjs.cloudflare.com cdn.jsdelivr.net; " +
	"style-src 'self' 'unsafe-inline' fonts.googleapis.com cdnjs.cloudflare.com cdn.jsdelivr.net; " +
	"font-src 'self' fonts.gstatic.com cdnjs.cloudflare.com; " +
	"img-src 'self' data: blob:; " +
	"connect-src 'self' ws: wss: blob:; " +
	"worker-src 'self' blob:"

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	apperr.WriteMessage(w, http.StatusNotFound, "Not found")
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the database answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (gateway connected: %t)", s.link.Status().Connected)
}
