package auth

import "context"

// Methods a principal can authenticate with.
const (
	MethodToken = "token"
	MethodJWT   = "jwt"
)

// Principal identifies an authenticated caller.
type Principal struct {
	Subject string
	Name    string
	Method  string
}

type principalContextKey struct{}

// WithPrincipal attaches an authenticated principal to the context.
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	if principal == nil {
		return ctx
	}
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext retrieves the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	return principal, ok
}
