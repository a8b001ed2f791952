// ABOUTME: HTTP middleware for session and API token authentication
// ABOUTME: Extracts tokens from headers or query parameters and adds identity to context

package auth

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/2389/clawcontrol/internal/apperr"
)

// SessionValidator resolves a session token to a live session.
type SessionValidator interface {
	Validate(ctx context.Context, sessionID string) (*Session, error)
}

// Authenticator accepts either a session token or the static API token.
type Authenticator struct {
	sessions SessionValidator
	apiToken string
}

// NewAuthenticator creates an Authenticator. An empty apiToken disables token auth.
func NewAuthenticator(sessions SessionValidator, apiToken string) *Authenticator {
	return &Authenticator{sessions: sessions, apiToken: apiToken}
}

// ExtractToken returns the credential presented by r, checking in order the
// X-Session-Id header, the Authorization header ("Session x" or "Bearer x")
// and the sessionId and token query parameters. Browsers cannot set headers
// on EventSource or WebSocket requests, hence the query fallback.
func ExtractToken(r *http.Request) string {
	if v := r.Header.Get("X-Session-Id"); v != "" {
		return v
	}
	if h := r.Header.Get("Authorization"); h != "" {
		for _, prefix := range []string{"Session ", "Bearer "} {
			if strings.HasPrefix(h, prefix) {
				return strings.TrimSpace(strings.TrimPrefix(h, prefix))
			}
		}
	}
	q := r.URL.Query()
	if v := q.Get("sessionId"); v != "" {
		return v
	}
	return q.Get("token")
}

// Authenticate resolves the identity presented by r.
func (a *Authenticator) Authenticate(r *http.Request) (*AuthContext, error) {
	token := ExtractToken(r)
	if token == "" {
		return nil, apperr.New(apperr.KindUnauthenticated, "auth.authenticate", "not authenticated")
	}

	if a.apiToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.apiToken)) == 1 {
		return &AuthContext{ViaAPIToken: true}, nil
	}

	sess, err := a.sessions.Validate(r.Context(), token)
	if err != nil {
		return nil, err
	}
	return &AuthContext{SessionID: sess.ID, Username: sess.Username}, nil
}

// Middleware rejects unauthenticated requests with 401 and attaches the
// AuthContext and client address to authenticated ones.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx, err := a.Authenticate(r)
			if err != nil {
				apperr.WriteJSON(w, err, nil)
				return
			}
			ctx := WithClientAddr(WithAuth(r.Context(), authCtx), ClientAddr(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientAddrMiddleware attaches the client address to every request context.
func ClientAddrMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithClientAddr(r.Context(), ClientAddr(r))))
	})
}

// ClientAddr returns the host part of the request's remote address.
func ClientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var tailnetRange = func() *net.IPNet {
	_, n, _ := net.ParseCIDR("100.64.0.0/10")
	return n
}()

// isLocalOrTailnet reports whether addr is loopback or inside the Tailscale CGNAT range.
func isLocalOrTailnet(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || tailnetRange.Contains(ip)
}

// RequireHTTPS redirects plain-HTTP requests from remote clients to https.
// Loopback and tailnet clients are exempt, as is everything when allowHTTP is set.
func RequireHTTPS(allowHTTP bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if allowHTTP {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secure := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
			if !secure && !isLocalOrTailnet(ClientAddr(r)) {
				host := r.Host
				if h, _, err := net.SplitHostPort(host); err == nil {
					host = h
				}
				http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
