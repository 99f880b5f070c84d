package shared

import "context"

type principalContextKey struct{}

// Principal identifies the authenticated caller and its tenant.
type Principal struct {
	TenantID int64
	Subject  string
}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok && p.TenantID > 0
}

// TenantFromContext returns the tenant id or zero when unauthenticated.
func TenantFromContext(ctx context.Context) int64 {
	p, _ := PrincipalFromContext(ctx)
	return p.TenantID
}
