package auth

import "context"

// TenantStore resolves tenants.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (Tenant, error)
	CreateTenant(ctx context.Context, slug, name string) (Tenant, error)
}

// RoleStore persists (tenant, user) -> role assignments. RolesFor must be a plain read
// with no side effects: the authority calls it exactly once per request.
type RoleStore interface {
	RolesFor(ctx context.Context, tenantID, userID string) ([]Role, error)
	GrantRole(ctx context.Context, a Assignment) (Assignment, error)
	RevokeRole(ctx context.Context, tenantID, userID string, role Role) error
	ListAssignments(ctx context.Context, tenantID string) ([]Assignment, error)
	DeleteUser(ctx context.Context, userID string) error
}
