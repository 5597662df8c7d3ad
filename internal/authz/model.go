// Package authz resolves effective permissions from time-bounded role and
// permission assignments and maintains the role graph they come from.
package authz

import (
	"time"
)

// Activatable is implemented by rows that can be soft-deactivated.
type Activatable interface {
	Active() bool
}

// Expirable is implemented by rows with an optional expiry.
type Expirable interface {
	Expiry() *time.Time
	ExpiredAt(t time.Time) bool
}

// Auditable identifies a row in audit events.
type Auditable interface {
	AuditRef() (kind, id string)
}

// Effective reports whether x is active and not expired at asOf.
func Effective[T interface {
	Activatable
	Expirable
}](x T, asOf time.Time) bool {
	return x.Active() && !x.ExpiredAt(asOf)
}

func expiredAt(exp *time.Time, t time.Time) bool {
	return exp != nil && !exp.After(t)
}

// PermissionName is the canonical "{resource}.{action}" name.
func PermissionName(resource, action string) string {
	return resource + "." + action
}

type Permission struct {
	ID          string
	Resource    string
	Action      string
	Name        string
	Category    string
	Description string
	// Priority orders permissions for display; lower comes first.
	Priority  int
	IsActive  bool
	IsSystem  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p Permission) Active() bool                { return p.IsActive }
func (p Permission) AuditRef() (kind, id string) { return "permission", p.ID }

type Role struct {
	ID          string
	Name        string
	Description string
	Category    string
	Priority    int
	IsActive    bool
	IsSystem    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r Role) Active() bool                { return r.IsActive }
func (r Role) AuditRef() (kind, id string) { return "role", r.ID }

// RolePermission links a role to a permission. IsGranted false is an
// explicit deny.
type RolePermission struct {
	ID            string
	RoleID        string
	PermissionID  string
	IsActive      bool
	IsGranted     bool
	AssignedAt    time.Time
	ExpiresAt     *time.Time
	AssignedBy    string
	DeactivatedAt *time.Time
	DeactivatedBy string
}

func (e RolePermission) Active() bool                { return e.IsActive }
func (e RolePermission) Expiry() *time.Time          { return e.ExpiresAt }
func (e RolePermission) ExpiredAt(t time.Time) bool  { return expiredAt(e.ExpiresAt, t) }
func (e RolePermission) AuditRef() (kind, id string) { return "role_permission", e.ID }

type UserRoleAssignment struct {
	ID         string
	UserID     string
	RoleID     string
	IsActive   bool
	AssignedAt time.Time
	ExpiresAt  *time.Time
	// Priority orders role application; lower is applied first.
	Priority         int
	IsTemporary      bool
	AssignmentReason string
	AssignedBy       string
	DeactivatedAt    *time.Time
	DeactivatedBy    string
}

func (a UserRoleAssignment) Active() bool                { return a.IsActive }
func (a UserRoleAssignment) Expiry() *time.Time          { return a.ExpiresAt }
func (a UserRoleAssignment) ExpiredAt(t time.Time) bool  { return expiredAt(a.ExpiresAt, t) }
func (a UserRoleAssignment) AuditRef() (kind, id string) { return "user_role", a.ID }

// Grant is an active role-permission edge joined with its permission.
type Grant struct {
	Edge       RolePermission
	Permission Permission
}
