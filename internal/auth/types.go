package auth

import (
	"strings"
	"time"
)

// Role is a tenant-scoped grant. Roles are additive and never inherit from each other.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEditor   Role = "editor"
	RoleReviewer Role = "reviewer"
	RoleBuyer    Role = "buyer"
)

// ParseRole normalises s and reports whether it names a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleAdmin, RoleEditor, RoleReviewer, RoleBuyer:
		return r, true
	}
	return "", false
}

// Tenant is the isolation boundary. Slug is fixed at onboarding.
type Tenant struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Assignment grants one role to one user inside exactly one tenant.
type Assignment struct {
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	GrantedBy string    `json:"granted_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Principal is the actor behind a request. A principal without a UserID is an
// anonymous requester known only by email.
type Principal struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Anonymous reports whether the principal carries no authenticated identity.
func (p Principal) Anonymous() bool { return strings.TrimSpace(p.UserID) == "" }

// NormalizeEmail lowercases and trims an address. Comparisons across the engine use this form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
