package auth

import "context"

type contextKey int

const principalContextKey contextKey = iota

// SetPrincipalContext returns a copy of ctx carrying principal.
func SetPrincipalContext(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, principal)
}

// PrincipalFromContext retrieves the Principal stored by
// SetPrincipalContext, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}
