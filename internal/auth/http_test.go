// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, API token bypass, session validation and HTTPS redirects

package auth

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clawcontrol/internal/apperr"
)

type stubValidator struct {
	sessions map[string]string
}

func (s *stubValidator) Validate(_ context.Context, id string) (*Session, error) {
	if user, ok := s.sessions[id]; ok {
		return &Session{ID: id, Username: user}, nil
	}
	return nil, apperr.New(apperr.KindUnauthenticated, "test", "not authenticated")
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header map[string]string
		want   string
	}{
		{name: "none", target: "/", want: ""},
		{name: "x-session-id", target: "/", header: map[string]string{"X-Session-Id": "s1"}, want: "s1"},
		{name: "session scheme", target: "/", header: map[string]string{"Authorization": "Session s2"}, want: "s2"},
		{name: "bearer scheme", target: "/", header: map[string]string{"Authorization": "Bearer t1"}, want: "t1"},
		{name: "sessionId query", target: "/?sessionId=s3", want: "s3"},
		{name: "token query", target: "/?token=t2", want: "t2"},
		{
			name:   "header wins over query",
			target: "/?sessionId=q",
			header: map[string]string{"X-Session-Id": "h"},
			want:   "h",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ExtractToken(req))
		})
	}
}

func TestMiddleware_ValidSession(t *testing.T) {
	a := NewAuthenticator(&stubValidator{sessions: map[string]string{"good": "operator"}}, "")

	var got *AuthContext
	var gotAddr string
	handler := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		gotAddr = ClientAddrFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.RemoteAddr = "192.0.2.44:51515"
	req.Header.Set("X-Session-Id", "good")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "good", got.SessionID)
	assert.Equal(t, "operator", got.Username)
	assert.False(t, got.ViaAPIToken)
	assert.Equal(t, "192.0.2.44", gotAddr)
}

func TestMiddleware_Rejects(t *testing.T) {
	a := NewAuthenticator(&stubValidator{sessions: map[string]string{"good": "operator"}}, "api-secret")
	called := false
	handler := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	for _, target := range []string{"/api/events", "/api/events?sessionId=bad", "/api/events?token=nope"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}
	assert.False(t, called)
}

func TestMiddleware_APITokenBypassesSessions(t *testing.T) {
	a := NewAuthenticator(&stubValidator{}, "api-secret")

	var got *AuthContext
	handler := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	for _, setup := range []func(*http.Request){
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer api-secret") },
		func(r *http.Request) { r.URL.RawQuery = "token=api-secret" },
	} {
		got = nil
		req := httptest.NewRequest(http.MethodGet, "/api/live", nil)
		setup(req)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, got)
		assert.True(t, got.ViaAPIToken)
		assert.Equal(t, APITokenActor, got.Actor())
	}
}

func TestMiddleware_EmptyAPITokenNeverMatches(t *testing.T) {
	a := NewAuthenticator(&stubValidator{}, "")

	req := httptest.NewRequest(http.MethodGet, "/api/live?token=", nil)
	_, err := a.Authenticate(req)
	assert.True(t, apperr.Is(err, apperr.KindUnauthenticated))
}

func TestRequireHTTPS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name      string
		allowHTTP bool
		remote    string
		setup     func(*http.Request)
		wantCode  int
	}{
		{name: "loopback v4", remote: "127.0.0.1:1234", wantCode: http.StatusNoContent},
		{name: "loopback v6", remote: "[::1]:1234", wantCode: http.StatusNoContent},
		{name: "tailnet", remote: "100.101.102.103:1234", wantCode: http.StatusNoContent},
		{name: "remote plain http", remote: "198.51.100.9:1234", wantCode: http.StatusMovedPermanently},
		{
			name:     "remote behind tls proxy",
			remote:   "198.51.100.9:1234",
			setup:    func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "https") },
			wantCode: http.StatusNoContent,
		},
		{
			name:     "remote direct tls",
			remote:   "198.51.100.9:1234",
			setup:    func(r *http.Request) { r.TLS = &tls.ConnectionState{} },
			wantCode: http.StatusNoContent,
		},
		{name: "allow http", allowHTTP: true, remote: "198.51.100.9:1234", wantCode: http.StatusNoContent},
		{name: "just outside tailnet", remote: "100.128.0.1:1234", wantCode: http.StatusMovedPermanently},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://dash.example:7000/api/live?x=1", nil)
			req.RemoteAddr = tt.remote
			if tt.setup != nil {
				tt.setup(req)
			}
			rec := httptest.NewRecorder()
			RequireHTTPS(tt.allowHTTP)(ok).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusMovedPermanently {
				assert.Equal(t, "https://dash.example/api/live?x=1", rec.Header().Get("Location"))
			}
		})
	}
}
