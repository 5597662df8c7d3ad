package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"authcore.org/internal/authz"
	"authcore.org/internal/fault"
)

var (
	_ authz.RoleGraphStore  = (*Store)(nil)
	_ authz.AssignmentStore = (*Store)(nil)
)

type scanner interface {
	Scan(dest ...any) error
}

// placeholders renders "$from, $from+1, ..." for n arguments.
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}

func stringArgs(vs []string) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

const permissionCols = `id, resource, action, name, category, description, priority, is_active, is_system, created_at, updated_at`

func scanPermission(row scanner) (authz.Permission, error) {
	var p authz.Permission
	err := row.Scan(&p.ID, &p.Resource, &p.Action, &p.Name, &p.Category, &p.Description,
		&p.Priority, &p.IsActive, &p.IsSystem, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *Store) CreatePermission(ctx context.Context, p authz.Permission) (authz.Permission, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into permissions (`+permissionCols+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		returning `+permissionCols,
		p.ID, p.Resource, p.Action, p.Name, p.Category, p.Description,
		p.Priority, p.IsActive, p.IsSystem, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	out, err := scanPermission(row)
	if err != nil {
		return authz.Permission{}, mapErr(err, nil, fault.ErrDuplicatePermission)
	}
	return out, nil
}

func (s *Store) UpdatePermission(ctx context.Context, p authz.Permission) (authz.Permission, error) {
	row := s.db.QueryRowContext(ctx, `
		update permissions
		set category = $2, description = $3, priority = $4, is_active = $5, updated_at = $6
		where id = $1 and not is_system
		returning `+permissionCols,
		p.ID, p.Category, p.Description, p.Priority, p.IsActive, p.UpdatedAt.UTC())
	out, err := scanPermission(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetPermission(ctx, p.ID); getErr != nil {
			return authz.Permission{}, getErr
		}
		return authz.Permission{}, fault.ErrSystemRowImmutable
	}
	if err != nil {
		return authz.Permission{}, err
	}
	return out, nil
}

func (s *Store) GetPermission(ctx context.Context, id string) (authz.Permission, error) {
	p, err := scanPermission(s.db.QueryRowContext(ctx, `select `+permissionCols+` from permissions where id = $1`, id))
	if err != nil {
		return authz.Permission{}, mapErr(err, fault.ErrPermissionNotFound, nil)
	}
	return p, nil
}

func (s *Store) GetPermissionByName(ctx context.Context, name string) (authz.Permission, error) {
	p, err := scanPermission(s.db.QueryRowContext(ctx, `select `+permissionCols+` from permissions where name = $1`, name))
	if err != nil {
		return authz.Permission{}, mapErr(err, fault.ErrPermissionNotFound, nil)
	}
	return p, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]authz.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `select `+permissionCols+` from permissions order by priority, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []authz.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const roleCols = `id, name, description, category, priority, is_active, is_system, created_at, updated_at`

func scanRole(row scanner) (authz.Role, error) {
	var r authz.Role
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Category, &r.Priority,
		&r.IsActive, &r.IsSystem, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (s *Store) CreateRole(ctx context.Context, r authz.Role) (authz.Role, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into roles (`+roleCols+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning `+roleCols,
		r.ID, r.Name, r.Description, r.Category, r.Priority, r.IsActive, r.IsSystem, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	out, err := scanRole(row)
	if err != nil {
		return authz.Role{}, mapErr(err, nil, fault.ErrDuplicateRoleName)
	}
	return out, nil
}

func (s *Store) UpdateRole(ctx context.Context, r authz.Role) (authz.Role, error) {
	row := s.db.QueryRowContext(ctx, `
		update roles
		set name = $2, description = $3, category = $4, priority = $5, is_active = $6, updated_at = $7
		where id = $1 and not is_system
		returning `+roleCols,
		r.ID, r.Name, r.Description, r.Category, r.Priority, r.IsActive, r.UpdatedAt.UTC())
	out, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetRole(ctx, r.ID); getErr != nil {
			return authz.Role{}, getErr
		}
		return authz.Role{}, fault.ErrSystemRowImmutable
	}
	if err != nil {
		return authz.Role{}, mapErr(err, nil, fault.ErrDuplicateRoleName)
	}
	return out, nil
}

func (s *Store) GetRole(ctx context.Context, id string) (authz.Role, error) {
	r, err := scanRole(s.db.QueryRowContext(ctx, `select `+roleCols+` from roles where id = $1`, id))
	if err != nil {
		return authz.Role{}, mapErr(err, fault.ErrRoleNotFound, nil)
	}
	return r, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]authz.Role, error) {
	return s.queryRoles(ctx, `select `+roleCols+` from roles order by priority, name`)
}

func (s *Store) RolesByID(ctx context.Context, ids []string) ([]authz.Role, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryRoles(ctx, `select `+roleCols+` from roles where id in (`+placeholders(1, len(ids))+`)`, stringArgs(ids)...)
}

func (s *Store) queryRoles(ctx context.Context, query string, args ...any) ([]authz.Role, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []authz.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const edgeCols = `id, role_id, permission_id, is_active, is_granted, assigned_at, expires_at, assigned_by, deactivated_at, deactivated_by`

func scanEdge(row scanner, extra ...any) (authz.RolePermission, error) {
	var (
		e             authz.RolePermission
		expires, deac sql.NullTime
		deacBy        sql.NullString
	)
	dest := []any{&e.ID, &e.RoleID, &e.PermissionID, &e.IsActive, &e.IsGranted, &e.AssignedAt, &expires, &e.AssignedBy, &deac, &deacBy}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return authz.RolePermission{}, err
	}
	e.ExpiresAt = timePtr(expires)
	e.DeactivatedAt = timePtr(deac)
	e.DeactivatedBy = deacBy.String
	return e, nil
}

func (s *Store) CreateRolePermission(ctx context.Context, e authz.RolePermission) (authz.RolePermission, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into role_permissions (`+edgeCols+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		returning `+edgeCols,
		e.ID, e.RoleID, e.PermissionID, e.IsActive, e.IsGranted, e.AssignedAt.UTC(),
		nullTime(e.ExpiresAt), e.AssignedBy, nullTime(e.DeactivatedAt), nullIfEmpty(e.DeactivatedBy))
	out, err := scanEdge(row)
	if err != nil {
		return authz.RolePermission{}, mapErr(err, fault.ErrRoleNotFound, fault.ErrDuplicateActiveAssignment)
	}
	return out, nil
}

func (s *Store) UpdateRolePermission(ctx context.Context, e authz.RolePermission) (authz.RolePermission, error) {
	row := s.db.QueryRowContext(ctx, `
		update role_permissions
		set is_active = $2, expires_at = $3, deactivated_at = $4, deactivated_by = $5
		where id = $1
		returning `+edgeCols,
		e.ID, e.IsActive, nullTime(e.ExpiresAt), nullTime(e.DeactivatedAt), nullIfEmpty(e.DeactivatedBy))
	out, err := scanEdge(row)
	if err != nil {
		return authz.RolePermission{}, mapErr(err, fault.ErrAssignmentNotFound, fault.ErrDuplicateActiveAssignment)
	}
	return out, nil
}

func (s *Store) GetRolePermission(ctx context.Context, id string) (authz.RolePermission, error) {
	e, err := scanEdge(s.db.QueryRowContext(ctx, `select `+edgeCols+` from role_permissions where id = $1`, id))
	if err != nil {
		return authz.RolePermission{}, mapErr(err, fault.ErrAssignmentNotFound, nil)
	}
	return e, nil
}

func (s *Store) ListRolePermissions(ctx context.Context, roleID string) ([]authz.RolePermission, error) {
	rows, err := s.db.QueryContext(ctx, `select `+edgeCols+` from role_permissions where role_id = $1 order by assigned_at, id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []authz.RolePermission
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ActiveGrants(ctx context.Context, roleIDs []string) ([]authz.Grant, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select rp.id, rp.role_id, rp.permission_id, rp.is_active, rp.is_granted, rp.assigned_at,
		       rp.expires_at, rp.assigned_by, rp.deactivated_at, rp.deactivated_by,
		       p.name, p.resource, p.action, p.is_active, p.is_system
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.is_active and rp.role_id in (`+placeholders(1, len(roleIDs))+`)
	`, stringArgs(roleIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []authz.Grant
	for rows.Next() {
		var g authz.Grant
		e, err := scanEdge(rows, &g.Permission.Name, &g.Permission.Resource, &g.Permission.Action,
			&g.Permission.IsActive, &g.Permission.IsSystem)
		if err != nil {
			return nil, err
		}
		g.Edge = e
		g.Permission.ID = e.PermissionID
		out = append(out, g)
	}
	return out, rows.Err()
}

const assignmentCols = `id, user_id, role_id, is_active, assigned_at, expires_at, priority, is_temporary, assignment_reason, assigned_by, deactivated_at, deactivated_by`

func scanAssignment(row scanner) (authz.UserRoleAssignment, error) {
	var (
		a             authz.UserRoleAssignment
		expires, deac sql.NullTime
		deacBy        sql.NullString
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.IsActive, &a.AssignedAt, &expires, &a.Priority,
		&a.IsTemporary, &a.AssignmentReason, &a.AssignedBy, &deac, &deacBy); err != nil {
		return authz.UserRoleAssignment{}, err
	}
	a.ExpiresAt = timePtr(expires)
	a.DeactivatedAt = timePtr(deac)
	a.DeactivatedBy = deacBy.String
	return a, nil
}

func (s *Store) CreateAssignment(ctx context.Context, a authz.UserRoleAssignment) (authz.UserRoleAssignment, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into user_roles (`+assignmentCols+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		returning `+assignmentCols,
		a.ID, a.UserID, a.RoleID, a.IsActive, a.AssignedAt.UTC(), nullTime(a.ExpiresAt), a.Priority,
		a.IsTemporary, a.AssignmentReason, a.AssignedBy, nullTime(a.DeactivatedAt), nullIfEmpty(a.DeactivatedBy))
	out, err := scanAssignment(row)
	if err != nil {
		return authz.UserRoleAssignment{}, mapErr(err, fault.ErrRoleNotFound, fault.ErrDuplicateActiveAssignment)
	}
	return out, nil
}

func (s *Store) UpdateAssignment(ctx context.Context, a authz.UserRoleAssignment) (authz.UserRoleAssignment, error) {
	row := s.db.QueryRowContext(ctx, `
		update user_roles
		set is_active = $2, expires_at = $3, priority = $4, is_temporary = $5, assignment_reason = $6,
		    deactivated_at = $7, deactivated_by = $8
		where id = $1
		returning `+assignmentCols,
		a.ID, a.IsActive, nullTime(a.ExpiresAt), a.Priority, a.IsTemporary, a.AssignmentReason,
		nullTime(a.DeactivatedAt), nullIfEmpty(a.DeactivatedBy))
	out, err := scanAssignment(row)
	if err != nil {
		return authz.UserRoleAssignment{}, mapErr(err, fault.ErrAssignmentNotFound, fault.ErrDuplicateActiveAssignment)
	}
	return out, nil
}

func (s *Store) GetAssignment(ctx context.Context, id string) (authz.UserRoleAssignment, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx, `select `+assignmentCols+` from user_roles where id = $1`, id))
	if err != nil {
		return authz.UserRoleAssignment{}, mapErr(err, fault.ErrAssignmentNotFound, nil)
	}
	return a, nil
}

func (s *Store) ListAssignments(ctx context.Context, userID string) ([]authz.UserRoleAssignment, error) {
	return s.queryAssignments(ctx, `select `+assignmentCols+` from user_roles where user_id = $1 order by assigned_at, id`, userID)
}

func (s *Store) ListRoleMembers(ctx context.Context, roleID string) ([]authz.UserRoleAssignment, error) {
	return s.queryAssignments(ctx, `select `+assignmentCols+` from user_roles where role_id = $1 and is_active order by user_id`, roleID)
}

func (s *Store) queryAssignments(ctx context.Context, query string, args ...any) ([]authz.UserRoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []authz.UserRoleAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
