package access

import (
	"context"

	"github.com/platinummonkey/tenantgate/pkg/storage"
)

type tenantKey struct{}

// Tenant is the authorized workspace of the current request
type Tenant struct {
	Workspace storage.Workspace
	Role      storage.Role
	UserID    int64
}

// IsAdmin reports whether the caller administers the workspace
func (t *Tenant) IsAdmin() bool {
	return t.Role == storage.RoleAdmin
}

func withTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, tenantKey{}, t)
}

// TenantFrom returns the tenant context set by the guard
func TenantFrom(ctx context.Context) (*Tenant, bool) {
	t, ok := ctx.Value(tenantKey{}).(*Tenant)
	return t, ok && t != nil
}
