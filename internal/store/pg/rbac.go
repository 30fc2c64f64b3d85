package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"dealroom.org/internal/auth"
	"dealroom.org/internal/ids"
)

var (
	_ auth.TenantStore = (*Store)(nil)
	_ auth.RoleStore   = (*Store)(nil)
)

func (s *Store) CreateTenant(ctx context.Context, slug, name string) (auth.Tenant, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return auth.Tenant{}, fmt.Errorf("%w: slug is required", auth.ErrInvalidInput)
	}
	q, err := s.conn(ctx)
	if err != nil {
		return auth.Tenant{}, err
	}
	var t auth.Tenant
	err = q.QueryRowContext(ctx, `
		insert into tenants (id, slug, name)
		values ($1, $2, $3)
		returning id, slug, name, created_at
	`, ids.New(), slug, strings.TrimSpace(name)).Scan(&t.ID, &t.Slug, &t.Name, &t.CreatedAt)
	if err != nil {
		if isCode(err, pgErrUniqueViolation) {
			return auth.Tenant{}, auth.ErrConflict
		}
		return auth.Tenant{}, err
	}
	return t, nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (auth.Tenant, error) {
	return s.getTenant(ctx, `where id = $1`, id)
}

func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (auth.Tenant, error) {
	return s.getTenant(ctx, `where slug = $1`, strings.ToLower(strings.TrimSpace(slug)))
}

func (s *Store) getTenant(ctx context.Context, where string, arg string) (auth.Tenant, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return auth.Tenant{}, err
	}
	var t auth.Tenant
	err = q.QueryRowContext(ctx, `select id, slug, name, created_at from tenants `+where, arg).
		Scan(&t.ID, &t.Slug, &t.Name, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Tenant{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Tenant{}, err
	}
	return t, nil
}

func (s *Store) RolesFor(ctx context.Context, tenantID, userID string) ([]auth.Role, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `
		select role from roles
		where tenant_id = $1 and user_id = $2
		order by role
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []auth.Role
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		// unknown values grant nothing
		if role, ok := auth.ParseRole(r); ok {
			roles = append(roles, role)
		}
	}
	return roles, rows.Err()
}

func (s *Store) GrantRole(ctx context.Context, a auth.Assignment) (auth.Assignment, error) {
	role, ok := auth.ParseRole(string(a.Role))
	if !ok {
		return auth.Assignment{}, fmt.Errorf("%w: unknown role %q", auth.ErrInvalidInput, a.Role)
	}
	a.Role = role
	a.UserID = strings.TrimSpace(a.UserID)
	if a.UserID == "" {
		return auth.Assignment{}, fmt.Errorf("%w: user id is required", auth.ErrInvalidInput)
	}
	q, err := s.conn(ctx)
	if err != nil {
		return auth.Assignment{}, err
	}
	err = q.QueryRowContext(ctx, `
		insert into roles (tenant_id, user_id, role, granted_by)
		values ($1, $2, $3, $4)
		returning created_at
	`, a.TenantID, a.UserID, string(a.Role), a.GrantedBy).Scan(&a.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.Assignment{}, auth.ErrConflict
			case pgErrForeignKeyViolation:
				return auth.Assignment{}, auth.ErrNotFound
			}
		}
		return auth.Assignment{}, err
	}
	return a, nil
}

func (s *Store) RevokeRole(ctx context.Context, tenantID, userID string, role auth.Role) error {
	q, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		delete from roles where tenant_id = $1 and user_id = $2 and role = $3
	`, tenantID, userID, string(role))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) ListAssignments(ctx context.Context, tenantID string) ([]auth.Assignment, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `
		select tenant_id, user_id, role, granted_by, created_at
		from roles
		where tenant_id = $1
		order by user_id, role
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Assignment
	for rows.Next() {
		var (
			a    auth.Assignment
			role string
		)
		if err := rows.Scan(&a.TenantID, &a.UserID, &role, &a.GrantedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Role = auth.Role(role)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteUser drops every assignment held by userID across all tenants.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	q, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `delete from roles where user_id = $1`, userID)
	return err
}
