package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"authcore.org/internal/audit"
	"authcore.org/internal/clock"
	"authcore.org/internal/fault"
	"authcore.org/internal/ids"
	"authcore.org/internal/obs"
)

type deps struct {
	clock  clock.Clock
	audit  audit.Recorder
	logger *slog.Logger
}

// ServiceOption configures RoleGraph and Assignments.
type ServiceOption func(*deps)

func WithClock(c clock.Clock) ServiceOption    { return func(d *deps) { d.clock = c } }
func WithAudit(r audit.Recorder) ServiceOption { return func(d *deps) { d.audit = r } }
func WithLogger(l *slog.Logger) ServiceOption  { return func(d *deps) { d.logger = l } }

func newDeps(opts []ServiceOption) deps {
	var d deps
	for _, opt := range opts {
		opt(&d)
	}
	d.clock = clock.OrSystem(d.clock)
	d.logger = obs.Resolve(d.logger)
	if d.audit == nil {
		d.audit = audit.Discard
	}
	return d
}

func requireActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return fmt.Errorf("%w: actor is required", fault.ErrInvalidInput)
	}
	return nil
}

func checkExpiry(exp *time.Time, now time.Time) error {
	if exp != nil && !exp.After(now) {
		return fault.ErrInvalidExpiry
	}
	return nil
}

type PermissionInput struct {
	Resource    string
	Action      string
	Category    string
	Description string
	Priority    int
}

type PermissionUpdate struct {
	Category    *string
	Description *string
	Priority    *int
}

type RoleInput struct {
	Name        string
	Description string
	Category    string
	Priority    int
}

type RoleUpdate struct {
	Name        *string
	Description *string
	Category    *string
	Priority    *int
}

// RoleGraph manages roles, permissions and role-permission edges. Every
// change that can alter a resolution invalidates the resolver cache before
// returning.
type RoleGraph struct {
	store RoleGraphStore
	inv   Invalidator
	deps
}

func NewRoleGraph(store RoleGraphStore, inv Invalidator, opts ...ServiceOption) *RoleGraph {
	if inv == nil {
		inv = NoCache{}
	}
	return &RoleGraph{store: store, inv: inv, deps: newDeps(opts)}
}

func (g *RoleGraph) invalidate(ctx context.Context, op string) error {
	if err := g.inv.InvalidateAll(ctx); err != nil {
		g.logger.Error("resolver cache invalidation failed", slog.String("op", op), slog.Any("error", err))
		return fmt.Errorf("authz: %s committed but cache invalidation failed: %w", op, err)
	}
	return nil
}

func (g *RoleGraph) CreatePermission(ctx context.Context, actor string, in PermissionInput) (Permission, error) {
	if err := requireActor(actor); err != nil {
		return Permission{}, err
	}
	in.Resource = strings.TrimSpace(in.Resource)
	in.Action = strings.TrimSpace(in.Action)
	if in.Resource == "" || in.Action == "" {
		return Permission{}, fmt.Errorf("%w: resource and action are required", fault.ErrInvalidInput)
	}
	return g.createPermission(ctx, actor, in, false)
}

func (g *RoleGraph) createPermission(ctx context.Context, actor string, in PermissionInput, system bool) (Permission, error) {
	now := g.clock.Now()
	p, err := g.store.CreatePermission(ctx, Permission{
		ID:          ids.At(now),
		Resource:    in.Resource,
		Action:      in.Action,
		Name:        PermissionName(in.Resource, in.Action),
		Category:    in.Category,
		Description: in.Description,
		Priority:    in.Priority,
		IsActive:    true,
		IsSystem:    system,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Permission{}, fault.FromContext(ctx, err)
	}
	g.audit.Record(ctx, audit.PermissionChanged{Meta: audit.Stamp(actor, now), Change: audit.Created, PermissionID: p.ID, Name: p.Name})
	return p, nil
}

// EnsureCatalog creates the missing built-in system permissions and the
// Administrator system role holding all of them. It returns how many
// permissions were added.
func (g *RoleGraph) EnsureCatalog(ctx context.Context) (int, error) {
	created, err := g.ensurePermissions(ctx)
	if err != nil {
		return created, err
	}
	if created > 0 {
		g.logger.Info("permission catalog seeded", slog.Int("created", created))
	}
	if err := g.ensureAdministrator(ctx); err != nil {
		return created, fmt.Errorf("seed %s role: %w", AdministratorRole, err)
	}
	return created, nil
}

func (g *RoleGraph) ensurePermissions(ctx context.Context) (int, error) {
	created := 0
	for _, c := range Catalog {
		_, err := g.store.GetPermissionByName(ctx, c.Name())
		if err == nil {
			continue
		}
		if !errors.Is(err, fault.ErrPermissionNotFound) {
			return created, fault.FromContext(ctx, err)
		}
		_, err = g.createPermission(ctx, "system", PermissionInput{
			Resource:    c.Resource,
			Action:      c.Action,
			Category:    c.Category,
			Description: c.Description,
			Priority:    c.Priority,
		}, true)
		switch {
		case errors.Is(err, fault.ErrDuplicatePermission):
		case err != nil:
			return created, err
		default:
			created++
		}
	}
	return created, nil
}

func (g *RoleGraph) ensureAdministrator(ctx context.Context) error {
	admin, err := g.systemRole(ctx, AdministratorRole)
	if errors.Is(err, fault.ErrRoleNotFound) {
		admin, err = g.createRole(ctx, "system", RoleInput{
			Name:        AdministratorRole,
			Description: "Holds every built-in permission",
			Category:    "system",
		}, true)
		if errors.Is(err, fault.ErrDuplicateRoleName) {
			admin, err = g.systemRole(ctx, AdministratorRole)
		}
	}
	if err != nil {
		return err
	}

	edges, err := g.store.ListRolePermissions(ctx, admin.ID)
	if err != nil {
		return fault.FromContext(ctx, err)
	}
	linked := make(map[string]bool, len(edges))
	for _, e := range edges {
		if e.IsActive {
			linked[e.PermissionID] = true
		}
	}
	now := g.clock.Now()
	added := 0
	for _, c := range Catalog {
		p, err := g.store.GetPermissionByName(ctx, c.Name())
		if err != nil {
			return fault.FromContext(ctx, err)
		}
		if linked[p.ID] {
			continue
		}
		e, err := g.store.CreateRolePermission(ctx, RolePermission{
			ID:           ids.At(now),
			RoleID:       admin.ID,
			PermissionID: p.ID,
			IsActive:     true,
			IsGranted:    true,
			AssignedAt:   now,
			AssignedBy:   "system",
		})
		if errors.Is(err, fault.ErrDuplicateActiveAssignment) {
			continue
		}
		if err != nil {
			return fault.FromContext(ctx, err)
		}
		g.recordEdge(ctx, "system", now, audit.Created, e)
		added++
	}
	if added == 0 {
		return nil
	}
	return g.invalidate(ctx, "seed system role")
}

func (g *RoleGraph) systemRole(ctx context.Context, name string) (Role, error) {
	roles, err := g.store.ListRoles(ctx)
	if err != nil {
		return Role{}, fault.FromContext(ctx, err)
	}
	for _, r := range roles {
		if r.Name == name {
			if !r.IsSystem {
				return Role{}, fmt.Errorf("%w: role %q exists and is not a system role", fault.ErrDuplicateRoleName, name)
			}
			return r, nil
		}
	}
	return Role{}, fault.ErrRoleNotFound
}

func (g *RoleGraph) UpdatePermission(ctx context.Context, actor, id string, upd PermissionUpdate) (Permission, error) {
	if err := requireActor(actor); err != nil {
		return Permission{}, err
	}
	p, err := g.store.GetPermission(ctx, id)
	if err != nil {
		return Permission{}, fault.FromContext(ctx, err)
	}
	if p.IsSystem {
		return Permission{}, fault.ErrSystemRowImmutable
	}
	if upd.Category != nil {
		p.Category = *upd.Category
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	if upd.Priority != nil {
		p.Priority = *upd.Priority
	}
	now := g.clock.Now()
	p.UpdatedAt = now
	if p, err = g.store.UpdatePermission(ctx, p); err != nil {
		return Permission{}, fault.FromContext(ctx, err)
	}
	if err := g.invalidate(ctx, "update permission"); err != nil {
		return Permission{}, err
	}
	g.audit.Record(ctx, audit.PermissionChanged{Meta: audit.Stamp(actor, now), Change: audit.Updated, PermissionID: p.ID, Name: p.Name})
	return p, nil
}

func (g *RoleGraph) DeactivatePermission(ctx context.Context, actor, id string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	p, err := g.store.GetPermission(ctx, id)
	if err != nil {
		return fault.FromContext(ctx, err)
	}
	if p.IsSystem {
		return fault.ErrSystemRowImmutable
	}
	if !p.IsActive {
		return nil
	}
	now := g.clock.Now()
	p.IsActive = false
	p.UpdatedAt = now
	if _, err := g.store.UpdatePermission(ctx, p); err != nil {
		return fault.FromContext(ctx, err)
	}
	if err := g.invalidate(ctx, "deactivate permission"); err != nil {
		return err
	}
	g.audit.Record(ctx, audit.PermissionChanged{Meta: audit.Stamp(actor, now), Change: audit.Deactivated, PermissionID: p.ID, Name: p.Name})
	return nil
}

func (g *RoleGraph) GetPermission(ctx context.Context, id string) (Permission, error) {
	p, err := g.store.GetPermission(ctx, id)
	return p, fault.FromContext(ctx, err)
}

func (g *RoleGraph) ListPermissions(ctx context.Context) ([]Permission, error) {
	ps, err := g.store.ListPermissions(ctx)
	return ps, fault.FromContext(ctx, err)
}

func (g *RoleGraph) CreateRole(ctx context.Context, actor string, in RoleInput) (Role, error) {
	if err := requireActor(actor); err != nil {
		return Role{}, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", fault.ErrInvalidInput)
	}
	return g.createRole(ctx, actor, in, false)
}

func (g *RoleGraph) createRole(ctx context.Context, actor string, in RoleInput, system bool) (Role, error) {
	now := g.clock.Now()
	r, err := g.store.CreateRole(ctx, Role{
		ID:          ids.At(now),
		Name:        in.Name,
		Description: in.Description,
		Category:    in.Category,
		Priority:    in.Priority,
		IsActive:    true,
		IsSystem:    system,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Role{}, fault.FromContext(ctx, err)
	}
	g.audit.Record(ctx, audit.RoleChanged{Meta: audit.Stamp(actor, now), Change: audit.Created, RoleID: r.ID, Name: r.Name})
	return r, nil
}

func (g *RoleGraph) UpdateRole(ctx context.Context, actor, id string, upd RoleUpdate) (Role, error) {
	if err := requireActor(actor); err != nil {
		return Role{}, err
	}
	r, err := g.store.GetRole(ctx, id)
	if err != nil {
		return Role{}, fault.FromContext(ctx, err)
	}
	if r.IsSystem {
		return Role{}, fault.ErrSystemRowImmutable
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Role{}, fmt.Errorf("%w: role name is required", fault.ErrInvalidInput)
		}
		r.Name = name
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	if upd.Category != nil {
		r.Category = *upd.Category
	}
	if upd.Priority != nil {
		r.Priority = *upd.Priority
	}
	now := g.clock.Now()
	r.UpdatedAt = now
	if r, err = g.store.UpdateRole(ctx, r); err != nil {
		return Role{}, fault.FromContext(ctx, err)
	}
	if err := g.invalidate(ctx, "update role"); err != nil {
		return Role{}, err
	}
	g.audit.Record(ctx, audit.RoleChanged{Meta: audit.Stamp(actor, now), Change: audit.Updated, RoleID: r.ID, Name: r.Name})
	return r, nil
}

func (g *RoleGraph) DeactivateRole(ctx context.Context, actor, id string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	r, err := g.store.GetRole(ctx, id)
	if err != nil {
		return fault.FromContext(ctx, err)
	}
	if r.IsSystem {
		return fault.ErrSystemRowImmutable
	}
	if !r.IsActive {
		return nil
	}
	now := g.clock.Now()
	r.IsActive = false
	r.UpdatedAt = now
	if _, err := g.store.UpdateRole(ctx, r); err != nil {
		return fault.FromContext(ctx, err)
	}
	if err := g.invalidate(ctx, "deactivate role"); err != nil {
		return err
	}
	g.audit.Record(ctx, audit.RoleChanged{Meta: audit.Stamp(actor, now), Change: audit.Deactivated, RoleID: r.ID, Name: r.Name})
	return nil
}

func (g *RoleGraph) GetRole(ctx context.Context, id string) (Role, error) {
	r, err := g.store.GetRole(ctx, id)
	return r, fault.FromContext(ctx, err)
}

func (g *RoleGraph) ListRoles(ctx context.Context) ([]Role, error) {
	rs, err := g.store.ListRoles(ctx)
	return rs, fault.FromContext(ctx, err)
}

// GrantPermission adds an allow edge from roleID to permissionID.
func (g *RoleGraph) GrantPermission(ctx context.Context, actor, roleID, permissionID string, expiresAt *time.Time) (RolePermission, error) {
	return g.link(ctx, actor, roleID, permissionID, true, expiresAt)
}

// DenyPermission adds an explicit deny edge. A deny held through any role
// removes the permission from the user's set.
func (g *RoleGraph) DenyPermission(ctx context.Context, actor, roleID, permissionID string, expiresAt *time.Time) (RolePermission, error) {
	return g.link(ctx, actor, roleID, permissionID, false, expiresAt)
}

func (g *RoleGraph) link(ctx context.Context, actor, roleID, permissionID string, granted bool, expiresAt *time.Time) (RolePermission, error) {
	if err := requireActor(actor); err != nil {
		return RolePermission{}, err
	}
	now := g.clock.Now()
	if err := checkExpiry(expiresAt, now); err != nil {
		return RolePermission{}, err
	}
	role, err := g.store.GetRole(ctx, roleID)
	if err != nil {
		return RolePermission{}, fault.FromContext(ctx, err)
	}
	if !role.IsActive {
		return RolePermission{}, fmt.Errorf("%w: role %s is inactive", fault.ErrInvalidInput, roleID)
	}
	perm, err := g.store.GetPermission(ctx, permissionID)
	if err != nil {
		return RolePermission{}, fault.FromContext(ctx, err)
	}
	if !perm.IsActive {
		return RolePermission{}, fmt.Errorf("%w: permission %s is inactive", fault.ErrInvalidInput, permissionID)
	}

	e, err := g.store.CreateRolePermission(ctx, RolePermission{
		ID:           ids.At(now),
		RoleID:       role.ID,
		PermissionID: perm.ID,
		IsActive:     true,
		IsGranted:    granted,
		AssignedAt:   now,
		ExpiresAt:    utcPtr(expiresAt),
		AssignedBy:   actor,
	})
	if err != nil {
		return RolePermission{}, fault.FromContext(ctx, err)
	}
	if err := g.invalidate(ctx, "link permission"); err != nil {
		return RolePermission{}, err
	}
	g.recordEdge(ctx, actor, now, audit.Created, e)
	return e, nil
}

// ExtendRolePermission moves the expiry of an active, unexpired edge. A nil
// expiresAt makes the edge permanent.
func (g *RoleGraph) ExtendRolePermission(ctx context.Context, actor, edgeID string, expiresAt *time.Time) (RolePermission, error) {
	if err := requireActor(actor); err != nil {
		return RolePermission{}, err
	}
	e, err := g.store.GetRolePermission(ctx, edgeID)
	if err != nil {
		return RolePermission{}, fault.FromContext(ctx, err)
	}
	now := g.clock.Now()
	if !Effective(e, now) {
		return RolePermission{}, fault.ErrCannotExtendInactiveAssignment
	}
	if err := checkExpiry(expiresAt, now); err != nil {
		return RolePermission{}, err
	}
	e.ExpiresAt = utcPtr(expiresAt)
	if e, err = g.store.UpdateRolePermission(ctx, e); err != nil {
		return RolePermission{}, fault.FromContext(ctx, err)
	}
	if err := g.invalidate(ctx, "extend role permission"); err != nil {
		return RolePermission{}, err
	}
	g.recordEdge(ctx, actor, now, audit.Extended, e)
	return e, nil
}

func (g *RoleGraph) DeactivateRolePermission(ctx context.Context, actor, edgeID string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	e, err := g.store.GetRolePermission(ctx, edgeID)
	if err != nil {
		return fault.FromContext(ctx, err)
	}
	if !e.IsActive {
		return nil
	}
	now := g.clock.Now()
	e.IsActive = false
	e.DeactivatedAt = &now
	e.DeactivatedBy = actor
	if e, err = g.store.UpdateRolePermission(ctx, e); err != nil {
		return fault.FromContext(ctx, err)
	}
	if err := g.invalidate(ctx, "deactivate role permission"); err != nil {
		return err
	}
	g.recordEdge(ctx, actor, now, audit.Deactivated, e)
	return nil
}

func (g *RoleGraph) ListRolePermissions(ctx context.Context, roleID string) ([]RolePermission, error) {
	es, err := g.store.ListRolePermissions(ctx, roleID)
	return es, fault.FromContext(ctx, err)
}

func (g *RoleGraph) recordEdge(ctx context.Context, actor string, at time.Time, change audit.Change, e RolePermission) {
	g.audit.Record(ctx, audit.RolePermissionChanged{
		Meta:         audit.Stamp(actor, at),
		Change:       change,
		EdgeID:       e.ID,
		RoleID:       e.RoleID,
		PermissionID: e.PermissionID,
		Granted:      e.IsGranted,
		ExpiresAt:    e.ExpiresAt,
	})
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
