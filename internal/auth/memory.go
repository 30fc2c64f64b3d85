package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"dealroom.org/internal/ids"
)

// InMemory implements TenantStore and RoleStore for tests and single-process deployments.
type InMemory struct {
	mu          sync.RWMutex
	tenants     map[string]Tenant
	slugs       map[string]string
	assignments map[string]map[string]map[Role]Assignment // tenant -> user -> role
}

func NewInMemory() *InMemory {
	return &InMemory{
		tenants:     make(map[string]Tenant),
		slugs:       make(map[string]string),
		assignments: make(map[string]map[string]map[Role]Assignment),
	}
}

var (
	_ TenantStore = (*InMemory)(nil)
	_ RoleStore   = (*InMemory)(nil)
)

func (s *InMemory) CreateTenant(ctx context.Context, slug, name string) (Tenant, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return Tenant{}, fmt.Errorf("%w: slug is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slugs[slug]; ok {
		return Tenant{}, ErrConflict
	}
	t := Tenant{ID: ids.New(), Slug: slug, Name: strings.TrimSpace(name), CreatedAt: time.Now().UTC()}
	s.tenants[t.ID] = t
	s.slugs[slug] = t.ID
	return t, nil
}

func (s *InMemory) GetTenant(ctx context.Context, id string) (Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (s *InMemory) GetTenantBySlug(ctx context.Context, slug string) (Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.slugs[strings.ToLower(strings.TrimSpace(slug))]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return s.tenants[id], nil
}

func (s *InMemory) RolesFor(ctx context.Context, tenantID, userID string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var roles []Role
	for r := range s.assignments[tenantID][userID] {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles, nil
}

func (s *InMemory) GrantRole(ctx context.Context, a Assignment) (Assignment, error) {
	role, ok := ParseRole(string(a.Role))
	if !ok {
		return Assignment{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, a.Role)
	}
	a.Role = role
	a.UserID = strings.TrimSpace(a.UserID)
	if a.UserID == "" {
		return Assignment{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[a.TenantID]; !ok {
		return Assignment{}, ErrNotFound
	}
	users, ok := s.assignments[a.TenantID]
	if !ok {
		users = make(map[string]map[Role]Assignment)
		s.assignments[a.TenantID] = users
	}
	roles, ok := users[a.UserID]
	if !ok {
		roles = make(map[Role]Assignment)
		users[a.UserID] = roles
	}
	if _, exists := roles[role]; exists {
		return Assignment{}, ErrConflict
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	roles[role] = a
	return a, nil
}

func (s *InMemory) RevokeRole(ctx context.Context, tenantID, userID string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	roles := s.assignments[tenantID][userID]
	if _, ok := roles[role]; !ok {
		return ErrNotFound
	}
	delete(roles, role)
	return nil
}

func (s *InMemory) ListAssignments(ctx context.Context, tenantID string) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Assignment
	for _, roles := range s.assignments[tenantID] {
		for _, a := range roles {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Role < out[j].Role
	})
	return out, nil
}

func (s *InMemory) DeleteUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, users := range s.assignments {
		delete(users, userID)
	}
	return nil
}
