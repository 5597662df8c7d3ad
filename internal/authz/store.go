package authz

import (
	"context"
)

// RoleGraphStore persists roles, permissions and the edges between them.
//
// Create methods must fail with fault.ErrDuplicatePermission,
// fault.ErrDuplicateRoleName or fault.ErrDuplicateActiveAssignment when the
// natural key is already taken; the check must be atomic with the insert.
// Lookups of unknown ids fail with the matching NotFound sentinel.
type RoleGraphStore interface {
	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	UpdatePermission(ctx context.Context, p Permission) (Permission, error)
	GetPermission(ctx context.Context, id string) (Permission, error)
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)

	CreateRole(ctx context.Context, r Role) (Role, error)
	UpdateRole(ctx context.Context, r Role) (Role, error)
	GetRole(ctx context.Context, id string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	// RolesByID returns the roles among ids that exist, in any order.
	RolesByID(ctx context.Context, ids []string) ([]Role, error)

	CreateRolePermission(ctx context.Context, e RolePermission) (RolePermission, error)
	UpdateRolePermission(ctx context.Context, e RolePermission) (RolePermission, error)
	GetRolePermission(ctx context.Context, id string) (RolePermission, error)
	// ListRolePermissions returns every edge of the role, active or not.
	ListRolePermissions(ctx context.Context, roleID string) ([]RolePermission, error)
	// ActiveGrants returns the active edges of the given roles joined with
	// their permissions. Expiry is left to the caller.
	ActiveGrants(ctx context.Context, roleIDs []string) ([]Grant, error)
}

// AssignmentStore persists user-role assignments.
type AssignmentStore interface {
	CreateAssignment(ctx context.Context, a UserRoleAssignment) (UserRoleAssignment, error)
	UpdateAssignment(ctx context.Context, a UserRoleAssignment) (UserRoleAssignment, error)
	GetAssignment(ctx context.Context, id string) (UserRoleAssignment, error)
	// ListAssignments returns every assignment row of the user, including
	// inactive history.
	ListAssignments(ctx context.Context, userID string) ([]UserRoleAssignment, error)
	// ListRoleMembers returns the active assignments of a role.
	ListRoleMembers(ctx context.Context, roleID string) ([]UserRoleAssignment, error)
}
