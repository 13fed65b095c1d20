// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"

	"github.com/2389/support-gateway/internal/store"
)

// AuthContext holds the authenticated identity information extracted from a request.
// This is populated by the auth middleware and retrieved from context in handlers.
type AuthContext struct {
	UserID      string // UUID of the authenticated user
	Role        string // "student" | "driver" | "support" | "admin"
	DisplayName string
}

// IsSupport returns true if the user may work the agent queue.
// Admins monitor conversations and may also claim.
func (a *AuthContext) IsSupport() bool {
	return a.Role == store.RoleSupport || a.Role == store.RoleAdmin
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
