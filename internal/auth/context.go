// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithUser/FromContext for propagating the caller via context

package auth

import (
	"context"
)

// UserContext holds the authenticated identity extracted from a request.
// It is populated by the auth middleware and retrieved from context in handlers,
// replacing any notion of ambient per-request state.
type UserContext struct {
	UserID string
	Email  string
	Name   string
}

// userContextKey is the key type for storing UserContext in context.Context.
type userContextKey struct{}

// WithUser returns a new context with the UserContext attached.
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// FromContext retrieves the UserContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *UserContext {
	val := ctx.Value(userContextKey{})
	if val == nil {
		return nil
	}
	user, ok := val.(*UserContext)
	if !ok {
		return nil
	}
	return user
}

// MustFromContext retrieves the UserContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *UserContext {
	user := FromContext(ctx)
	if user == nil {
		panic("auth: UserContext not found in context")
	}
	return user
}
