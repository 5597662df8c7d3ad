package bunt

import (
	"context"
	"errors"
	"sort"

	"github.com/tidwall/buntdb"

	"authcore.org/internal/authz"
	"authcore.org/internal/fault"
)

var (
	_ authz.RoleGraphStore  = (*Store)(nil)
	_ authz.AssignmentStore = (*Store)(nil)
)

func permKey(id string) string       { return key("perm", id) }
func permNameKey(name string) string { return key("perm_name", name) }
func roleKey(id string) string       { return key("role", id) }
func roleNameKey(name string) string { return key("role_name", name) }
func edgeKey(id string) string       { return key("rp", id) }
func edgeActiveKey(roleID, permID string) string {
	return key("rp_active", roleID, permID)
}
func edgeRoleKey(roleID, id string) string { return key("rp_role", roleID, id) }
func asgKey(id string) string              { return key("ura", id) }
func asgActiveKey(userID, roleID string) string {
	return key("ura_active", userID, roleID)
}
func asgUserKey(userID, id string) string { return key("ura_user", userID, id) }
func asgRoleKey(roleID, id string) string { return key("ura_role", roleID, id) }

func (s *Store) CreatePermission(ctx context.Context, p authz.Permission) (authz.Permission, error) {
	err := s.update(ctx, func(tx *buntdb.Tx) error {
		if _, ok, err := exists(tx, permNameKey(p.Name)); err != nil {
			return err
		} else if ok {
			return fault.ErrDuplicatePermission
		}
		if _, _, err := tx.Set(permNameKey(p.Name), p.ID, nil); err != nil {
			return err
		}
		return save(tx, permKey(p.ID), p)
	})
	if err != nil {
		return authz.Permission{}, err
	}
	return p, nil
}

func (s *Store) UpdatePermission(ctx context.Context, p authz.Permission) (authz.Permission, error) {
	err := s.update(ctx, func(tx *buntdb.Tx) error {
		old, err := load[authz.Permission](tx, permKey(p.ID), fault.ErrPermissionNotFound)
		if err != nil {
			return err
		}
		if old.IsSystem {
			return fault.ErrSystemRowImmutable
		}
		p.Name, p.Resource, p.Action, p.IsSystem, p.CreatedAt = old.Name, old.Resource, old.Action, old.IsSystem, old.CreatedAt
		return save(tx, permKey(p.ID), p)
	})
	if err != nil {
		return authz.Permission{}, err
	}
	return p, nil
}

func (s *Store) GetPermission(ctx context.Context, id string) (p authz.Permission, err error) {
	err = s.view(ctx, func(tx *buntdb.Tx) error {
		p, err = load[authz.Permission](tx, permKey(id), fault.ErrPermissionNotFound)
		return err
	})
	return p, err
}

func (s *Store) GetPermissionByName(ctx context.Context, name string) (p authz.Permission, err error) {
	err = s.view(ctx, func(tx *buntdb.Tx) error {
		id, ok, err := exists(tx, permNameKey(name))
		if err != nil {
			return err
		}
		if !ok {
			return fault.ErrPermissionNotFound
		}
		p, err = load[authz.Permission](tx, permKey(id), fault.ErrPermissionNotFound)
		return err
	})
	return p, err
}

func (s *Store) ListPermissions(ctx context.Context) ([]authz.Permission, error) {
	var out []authz.Permission
	err := s.view(ctx, func(tx *buntdb.Tx) error {
		return scan(tx, "perm:", func(k, _ string) error {
			p, err := load[authz.Permission](tx, k, fault.ErrPermissionNotFound)
			if err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, err
}

func (s *Store) CreateRole(ctx context.Context, r authz.Role) (authz.Role, error) {
	err := s.update(ctx, func(tx *buntdb.Tx) error {
		if r.IsActive {
			if err := claimRoleName(tx, r); err != nil {
				return err
			}
		}
		return save(tx, roleKey(r.ID), r)
	})
	if err != nil {
		return authz.Role{}, err
	}
	return r, nil
}

// claimRoleName reserves r.Name among active roles.
func claimRoleName(tx *buntdb.Tx, r authz.Role) error {
	owner, ok, err := exists(tx, roleNameKey(r.Name))
	if err != nil {
		return err
	}
	if ok && owner != r.ID {
		return fault.ErrDuplicateRoleName
	}
	_, _, err = tx.Set(roleNameKey(r.Name), r.ID, nil)
	return err
}

func (s *Store) UpdateRole(ctx context.Context, r authz.Role) (authz.Role, error) {
	err := s.update(ctx, func(tx *buntdb.Tx) error {
		old, err := load[authz.Role](tx, roleKey(r.ID), fault.ErrRoleNotFound)
		if err != nil {
			return err
		}
		if old.IsSystem {
			return fault.ErrSystemRowImmutable
		}
		r.IsSystem, r.CreatedAt = old.IsSystem, old.CreatedAt
		if old.IsActive && (!r.IsActive || old.Name != r.Name) {
			if err := drop(tx, roleNameKey(old.Name)); err != nil {
				return err
			}
		}
		if r.IsActive {
			if err := claimRoleName(tx, r); err != nil {
				return err
			}
		}
		return save(tx, roleKey(r.ID), r)
	})
	if err != nil {
		return authz.Role{}, err
	}
	return r, nil
}

func (s *Store) GetRole(ctx context.Context, id string) (r authz.Role, err error) {
	err = s.view(ctx, func(tx *buntdb.Tx) error {
		r, err = load[authz.Role](tx, roleKey(id), fault.ErrRoleNotFound)
		return err
	})
	return r, err
}

func (s *Store) ListRoles(ctx context.Context) ([]authz.Role, error) {
	var out []authz.Role
	err := s.view(ctx, func(tx *buntdb.Tx) error {
		return scan(tx, "role:", func(k, _ string) error {
			r, err := load[authz.Role](tx, k, fault.ErrRoleNotFound)
			if err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, err
}

func (s *Store) RolesByID(ctx context.Context, ids []string) ([]authz.Role, error) {
	var out []authz.Role
	err := s.view(ctx, func(tx *buntdb.Tx) error {
		for _, id := range ids {
			r, err := load[authz.Role](tx, roleKey(id), fault.ErrRoleNotFound)
			if errors.Is(err, fault.ErrRoleNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (s *Store) CreateRolePermission(ctx context.Context, e authz.RolePermission) (authz.RolePermission, error) {
	err := s.update(ctx, func(tx *buntdb.Tx) error {
		if e.IsActive {
			if _, ok, err := exists(tx, edgeActiveKey(e.RoleID, e.PermissionID)); err != nil {
				return err
			} else if ok {
				return fault.ErrDuplicateActiveAssignment
			}
			if _, _, err := tx.Set(edgeActiveKey(e.RoleID, e.PermissionID), e.ID, nil); err != nil {
				return err
			}
		}
		if _, _, err := tx.Set(edgeRoleKey(e.RoleID, e.ID), "", nil); err != nil {
			return err
		}
		return save(tx, edgeKey(e.ID), e)
	})
	if err != nil {
		return authz.RolePermission{}, err
	}
	return e, nil
}

func (s *Store) UpdateRolePermission(ctx context.Context, e authz.RolePermission) (authz.RolePermission, error) {
	err := s.update(ctx, func(tx *buntdb.Tx) error {
		old, err := load[authz.RolePermission](tx, edgeKey(e.ID), fault.ErrAssignmentNotFound)
		if err != nil {
			return err
		}
		e.RoleID, e.PermissionID, e.AssignedAt, e.AssignedBy = old.RoleID, old.PermissionID, old.AssignedAt, old.AssignedBy
		switch {
		case old.IsActive && !e.IsActive:
			if err := drop(tx, edgeActiveKey(e.RoleID, e.PermissionID)); err != nil {
				return err
			}
		case !old.IsActive && e.IsActive:
			if _, ok, err := exists(tx, edgeActiveKey(e.RoleID, e.PermissionID)); err != nil {
				return err
			} else if ok {
				return fault.ErrDuplicateActiveAssignment
			}
			if _, _, err := tx.Set(edgeActiveKey(e.RoleID, e.PermissionID), e.ID, nil); err != nil {
				return err
			}
		}
		return save(tx, edgeKey(e.ID), e)
	})
	if err != nil {
		return authz.RolePermission{}, err
	}
	return e, nil
}

func (s *Store) GetRolePermission(ctx context.Context, id string) (e authz.RolePermission, err error) {
	err = s.view(ctx, func(tx *buntdb.Tx) error {
		e, err = load[authz.RolePermission](tx, edgeKey(id), fault.ErrAssignmentNotFound)
		return err
	})
	return e, err
}

func (s *Store) ListRolePermissions(ctx context.Context, roleID string) ([]authz.RolePermission, error) {
	var out []authz.RolePermission
	err := s.view(ctx, func(tx *buntdb.Tx) error {
		var ids []string
		prefix := key("rp_role", roleID) + ":"
		if err := scan(tx, prefix, func(k, _ string) error {
			ids = append(ids, k[len(prefix):])
			return nil
		}); err != nil {
			return err
		}
		for _, id := range ids {
			e, err := load[authz.RolePermission](tx, edgeKey(id), fault.ErrAssignmentNotFound)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *Store) ActiveGrants(ctx context.Context, roleIDs []string) ([]authz.Grant, error) {
	var out []authz.Grant
	err := s.view(ctx, func(tx *buntdb.Tx) error {
		for _, roleID := range roleIDs {
			var edgeIDs []string
			if err := scan(tx, key("rp_active", roleID)+":", func(_, v string) error {
				edgeIDs = append(edgeIDs, v)
				return nil
			}); err != nil {
				return err
			}
			for _, id := range edgeIDs {
				e, err := load[authz.RolePermission](tx, edgeKey(id), fault.ErrAssignmentNotFound)
				if err != nil {
					return err
				}
				p, err := load[authz.Permission](tx, permKey(e.PermissionID), fault.ErrPermissionNotFound)
				if err != nil {
					return err
				}
				out = append(out, authz.Grant{Edge: e, Permission: p})
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) CreateAssignment(ctx context.Context, a authz.UserRoleAssignment) (authz.UserRoleAssignment, error) {
	err := s.update(ctx, func(tx *buntdb.Tx) error {
		if a.IsActive {
			if _, ok, err := exists(tx, asgActiveKey(a.UserID, a.RoleID)); err != nil {
				return err
			} else if ok {
				return fault.ErrDuplicateActiveAssignment
			}
			if _, _, err := tx.Set(asgActiveKey(a.UserID, a.RoleID), a.ID, nil); err != nil {
				return err
			}
		}
		if _, _, err := tx.Set(asgUserKey(a.UserID, a.ID), "", nil); err != nil {
			return err
		}
		if _, _, err := tx.Set(asgRoleKey(a.RoleID, a.ID), "", nil); err != nil {
			return err
		}
		return save(tx, asgKey(a.ID), a)
	})
	if err != nil {
		return authz.UserRoleAssignment{}, err
	}
	return a, nil
}

func (s *Store) UpdateAssignment(ctx context.Context, a authz.UserRoleAssignment) (authz.UserRoleAssignment, error) {
	err := s.update(ctx, func(tx *buntdb.Tx) error {
		old, err := load[authz.UserRoleAssignment](tx, asgKey(a.ID), fault.ErrAssignmentNotFound)
		if err != nil {
			return err
		}
		a.UserID, a.RoleID, a.AssignedAt, a.AssignedBy = old.UserID, old.RoleID, old.AssignedAt, old.AssignedBy
		switch {
		case old.IsActive && !a.IsActive:
			if err := drop(tx, asgActiveKey(a.UserID, a.RoleID)); err != nil {
				return err
			}
		case !old.IsActive && a.IsActive:
			if _, ok, err := exists(tx, asgActiveKey(a.UserID, a.RoleID)); err != nil {
				return err
			} else if ok {
				return fault.ErrDuplicateActiveAssignment
			}
			if _, _, err := tx.Set(asgActiveKey(a.UserID, a.RoleID), a.ID, nil); err != nil {
				return err
			}
		}
		return save(tx, asgKey(a.ID), a)
	})
	if err != nil {
		return authz.UserRoleAssignment{}, err
	}
	return a, nil
}

func (s *Store) GetAssignment(ctx context.Context, id string) (a authz.UserRoleAssignment, err error) {
	err = s.view(ctx, func(tx *buntdb.Tx) error {
		a, err = load[authz.UserRoleAssignment](tx, asgKey(id), fault.ErrAssignmentNotFound)
		return err
	})
	return a, err
}

func (s *Store) assignmentsByIndex(ctx context.Context, prefix string, activeOnly bool) ([]authz.UserRoleAssignment, error) {
	var out []authz.UserRoleAssignment
	err := s.view(ctx, func(tx *buntdb.Tx) error {
		var ids []string
		if err := scan(tx, prefix, func(k, _ string) error {
			ids = append(ids, k[len(prefix):])
			return nil
		}); err != nil {
			return err
		}
		for _, id := range ids {
			a, err := load[authz.UserRoleAssignment](tx, asgKey(id), fault.ErrAssignmentNotFound)
			if err != nil {
				return err
			}
			if activeOnly && !a.IsActive {
				continue
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

func (s *Store) ListAssignments(ctx context.Context, userID string) ([]authz.UserRoleAssignment, error) {
	return s.assignmentsByIndex(ctx, key("ura_user", userID)+":", false)
}

func (s *Store) ListRoleMembers(ctx context.Context, roleID string) ([]authz.UserRoleAssignment, error) {
	return s.assignmentsByIndex(ctx, key("ura_role", roleID)+":", true)
}
