package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Decision is the outcome of an authorization check.
type Decision bool

const (
	Deny  Decision = false
	Allow Decision = true
)

func (d Decision) String() string {
	if d {
		return "allow"
	}
	return "deny"
}

// RoleSet is a frozen snapshot of one principal's roles in one tenant. It is built once
// per request and then consulted without touching storage again.
type RoleSet struct {
	tenantID string
	userID   string
	roles    map[Role]struct{}
}

// NewRoleSet builds a snapshot from already-loaded roles. Unknown role names are dropped.
func NewRoleSet(tenantID, userID string, roles []Role) RoleSet {
	set := RoleSet{tenantID: tenantID, userID: userID, roles: make(map[Role]struct{}, len(roles))}
	for _, r := range roles {
		if parsed, ok := ParseRole(string(r)); ok {
			set.roles[parsed] = struct{}{}
		}
	}
	return set
}

func (s RoleSet) TenantID() string { return s.tenantID }

// Has reports whether the snapshot contains r.
func (s RoleSet) Has(r Role) bool {
	_, ok := s.roles[r]
	return ok
}

// Roles returns the roles in a stable order.
func (s RoleSet) Roles() []Role {
	out := make([]Role, 0, len(s.roles))
	for r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Decide evaluates the decision table. Unknown actions are denied.
func (s RoleSet) Decide(action Action) Decision {
	for _, r := range decisionTable[action] {
		if s.Has(r) {
			return Allow
		}
	}
	return Deny
}

// Allows is shorthand for Decide(action) == Allow.
func (s RoleSet) Allows(action Action) bool { return s.Decide(action) == Allow }

// Require returns ErrForbidden unless the snapshot allows action.
func (s RoleSet) Require(action Action) error {
	if s.Allows(action) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrForbidden, action)
}

// Authority resolves role snapshots and answers authorize(principal, tenant, action).
// It depends only on the tenant and role stores, never on the resource being guarded.
type Authority struct {
	tenants TenantStore
	roles   RoleStore
	now     func() time.Time
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithAuthorityClock overrides the clock used to stamp default registrations.
func WithAuthorityClock(fn func() time.Time) AuthorityOption {
	return func(a *Authority) {
		if fn != nil {
			a.now = fn
		}
	}
}

func NewAuthority(tenants TenantStore, roles RoleStore, opts ...AuthorityOption) *Authority {
	a := &Authority{
		tenants: tenants,
		roles:   roles,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Resolve loads the principal's roles for tenantID once. Anonymous principals get an empty
// set. An unknown tenant yields ErrUnknownTenant; store failures are returned as-is so the
// caller can fail closed.
func (a *Authority) Resolve(ctx context.Context, tenantID string, p Principal) (RoleSet, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return RoleSet{}, ErrUnknownTenant
	}
	if _, err := a.tenants.GetTenant(ctx, tenantID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return RoleSet{}, ErrUnknownTenant
		}
		return RoleSet{}, fmt.Errorf("load tenant: %w", err)
	}
	if p.Anonymous() {
		return NewRoleSet(tenantID, "", nil), nil
	}
	roles, err := a.roles.RolesFor(ctx, tenantID, p.UserID)
	if err != nil {
		return RoleSet{}, fmt.Errorf("load roles: %w", err)
	}
	return NewRoleSet(tenantID, p.UserID, roles), nil
}

// Authorize answers a single question. Unknown actions and unknown tenants are denied.
func (a *Authority) Authorize(ctx context.Context, p Principal, tenantID string, action Action) (Decision, error) {
	if !action.Known() {
		return Deny, nil
	}
	set, err := a.Resolve(ctx, tenantID, p)
	if errors.Is(err, ErrUnknownTenant) {
		return Deny, nil
	}
	if err != nil {
		return Deny, err
	}
	return set.Decide(action), nil
}

// Register performs default registration: the user becomes a buyer in tenantID.
// Registering twice is not an error.
func (a *Authority) Register(ctx context.Context, tenantID, userID string) (Assignment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Assignment{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if _, err := a.tenants.GetTenant(ctx, tenantID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Assignment{}, ErrUnknownTenant
		}
		return Assignment{}, err
	}
	asg, err := a.roles.GrantRole(ctx, Assignment{
		TenantID:  tenantID,
		UserID:    userID,
		Role:      RoleBuyer,
		CreatedAt: a.now(),
	})
	if errors.Is(err, ErrConflict) {
		return Assignment{TenantID: tenantID, UserID: userID, Role: RoleBuyer}, nil
	}
	return asg, err
}
