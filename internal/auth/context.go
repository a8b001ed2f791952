// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext and the client address carried alongside it

package auth

import (
	"context"
)

// APITokenActor is the audit actor recorded for requests made with the static API token.
const APITokenActor = "api-token"

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	SessionID   string // empty when authenticated with the API token
	Username    string
	ViaAPIToken bool
}

// Actor returns the name recorded in audit entries for this identity.
func (a *AuthContext) Actor() string {
	if a.ViaAPIToken {
		return APITokenActor
	}
	return a.Username
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

type clientAddrKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, ok := ctx.Value(authContextKey{}).(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// WithClientAddr records the caller's address for audit entries.
func WithClientAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, clientAddrKey{}, addr)
}

// ClientAddrFromContext returns the address set by WithClientAddr, or "".
func ClientAddrFromContext(ctx context.Context) string {
	addr, _ := ctx.Value(clientAddrKey{}).(string)
	return addr
}

func actorFromContext(ctx context.Context) string {
	if a := FromContext(ctx); a != nil {
		return a.Actor()
	}
	return ""
}
