package shared

import (
	"context"

	"github.com/google/uuid"
)

// Principal describes the verified caller identity established by the
// transport layer. The engine itself never authenticates.
type Principal struct {
	UserID    uuid.UUID
	Superuser bool
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context, nil if absent.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}
