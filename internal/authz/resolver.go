package authz

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"authcore.org/internal/clock"
	"authcore.org/internal/fault"
	"authcore.org/internal/obs"
)

// PermissionSet is a set of permission names.
type PermissionSet map[string]struct{}

func NewPermissionSet(names ...string) PermissionSet {
	s := make(PermissionSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s PermissionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the sorted names.
func (s PermissionSet) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// AppliedRole is a role that contributed to a resolution, with the
// assignment through which the user holds it.
type AppliedRole struct {
	Role       Role
	Assignment UserRoleAssignment
}

// Resolution explains how a permission set was derived.
type Resolution struct {
	UserID string
	AsOf   time.Time
	// Roles in application order: assignment priority, then assigned_at.
	Roles       []AppliedRole
	Granted     []string
	Denied      []string
	Permissions PermissionSet
	// ValidUntil is the earliest expiry among the rows that were
	// considered, nil when none of them expire.
	ValidUntil *time.Time
}

func (r Resolution) RoleNames() []string {
	out := make([]string, 0, len(r.Roles))
	for _, ar := range r.Roles {
		out = append(out, ar.Role.Name)
	}
	return out
}

// Resolver computes effective permissions. It owns no state besides the
// injected cache.
type Resolver struct {
	roles       RoleGraphStore
	assignments AssignmentStore
	cache       Cache
	clock       clock.Clock
	logger      *slog.Logger
}

type ResolverOption func(*Resolver)

func WithCache(c Cache) ResolverOption               { return func(r *Resolver) { r.cache = c } }
func WithResolverClock(c clock.Clock) ResolverOption { return func(r *Resolver) { r.clock = c } }
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

func NewResolver(roles RoleGraphStore, assignments AssignmentStore, opts ...ResolverOption) *Resolver {
	r := &Resolver{roles: roles, assignments: assignments}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NoCache{}
	}
	r.clock = clock.OrSystem(r.clock)
	r.logger = obs.Resolve(r.logger)
	return r
}

// Resolve returns the effective permission names of userID at asOf. A user
// without any assignment rows fails with fault.ErrUserNotFound; a user whose
// rows are all inactive or expired gets an empty set.
func (r *Resolver) Resolve(ctx context.Context, userID string, asOf time.Time) (PermissionSet, error) {
	e, err := r.entry(ctx, userID, asOf)
	if err != nil {
		return nil, err
	}
	return NewPermissionSet(e.Permissions...), nil
}

// Explain resolves without the cache and returns every intermediate step.
func (r *Resolver) Explain(ctx context.Context, userID string, asOf time.Time) (Resolution, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Resolution{}, fault.ErrInvalidInput
	}
	start := time.Now()
	defer func() { obs.ObserveResolve(time.Since(start)) }()

	res, err := r.resolve(ctx, userID, asOf)
	if err != nil {
		return Resolution{}, fault.FromContext(ctx, err)
	}
	return res, nil
}

func (r *Resolver) entry(ctx context.Context, userID string, asOf time.Time) (Entry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Entry{}, fault.ErrInvalidInput
	}
	if e, ok, err := r.cache.Get(ctx, userID); err != nil {
		obs.ObserveCache("error")
		r.logger.Warn("resolver cache read failed", slog.String("user_id", userID), slog.Any("error", err))
	} else if ok && e.ValidAt(asOf) {
		obs.ObserveCache("hit")
		return e, nil
	} else if ok {
		obs.ObserveCache("stale")
	} else {
		obs.ObserveCache("miss")
	}

	// A resolution racing with a mutation is written under the version it
	// started from, which the mutation's invalidation has already retired.
	version, verr := r.cache.Version(ctx, userID)
	if verr != nil {
		obs.ObserveCache("error")
		r.logger.Warn("resolver cache version read failed", slog.String("user_id", userID), slog.Any("error", verr))
	}
	res, err := r.Explain(ctx, userID, asOf)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		Permissions: res.Permissions.Names(),
		Roles:       res.RoleNames(),
		ComputedAt:  asOf,
		ValidUntil:  res.ValidUntil,
	}
	if verr == nil {
		if err := r.cache.Set(ctx, userID, version, e); err != nil {
			r.logger.Warn("resolver cache write failed", slog.String("user_id", userID), slog.Any("error", err))
		}
	}
	return e, nil
}

func (r *Resolver) resolve(ctx context.Context, userID string, asOf time.Time) (Resolution, error) {
	res := Resolution{UserID: userID, AsOf: asOf, Permissions: PermissionSet{}}
	bound := func(exp *time.Time) {
		if exp == nil || !exp.After(asOf) {
			return
		}
		if res.ValidUntil == nil || exp.Before(*res.ValidUntil) {
			t := *exp
			res.ValidUntil = &t
		}
	}

	rows, err := r.assignments.ListAssignments(ctx, userID)
	if err != nil {
		return Resolution{}, err
	}
	if len(rows) == 0 {
		return Resolution{}, fault.ErrUserNotFound
	}

	live := make([]UserRoleAssignment, 0, len(rows))
	roleIDs := make([]string, 0, len(rows))
	for _, a := range rows {
		if !Effective(a, asOf) {
			continue
		}
		bound(a.ExpiresAt)
		live = append(live, a)
		roleIDs = append(roleIDs, a.RoleID)
	}
	if len(live) == 0 {
		return res, nil
	}

	roles, err := r.roles.RolesByID(ctx, roleIDs)
	if err != nil {
		return Resolution{}, err
	}
	byID := make(map[string]Role, len(roles))
	for _, role := range roles {
		if role.IsActive {
			byID[role.ID] = role
		}
	}

	sort.SliceStable(live, func(i, j int) bool {
		a, b := live[i], live[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.AssignedAt.Equal(b.AssignedAt) {
			return a.AssignedAt.Before(b.AssignedAt)
		}
		return a.ID < b.ID
	})
	applied := make([]string, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, a := range live {
		role, ok := byID[a.RoleID]
		if !ok || seen[role.ID] {
			continue
		}
		seen[role.ID] = true
		res.Roles = append(res.Roles, AppliedRole{Role: role, Assignment: a})
		applied = append(applied, role.ID)
	}
	if len(applied) == 0 {
		return res, nil
	}

	grants, err := r.roles.ActiveGrants(ctx, applied)
	if err != nil {
		return Resolution{}, err
	}
	granted := PermissionSet{}
	denied := PermissionSet{}
	for _, g := range grants {
		if !seen[g.Edge.RoleID] || !Effective(g.Edge, asOf) || !g.Permission.IsActive {
			continue
		}
		bound(g.Edge.ExpiresAt)
		if g.Edge.IsGranted {
			granted[g.Permission.Name] = struct{}{}
		} else {
			denied[g.Permission.Name] = struct{}{}
		}
	}

	// A deny from any applied role removes the permission regardless of
	// which role granted it or how the roles are ordered.
	for name := range granted {
		if !denied.Has(name) {
			res.Permissions[name] = struct{}{}
		}
	}
	res.Granted = granted.Names()
	res.Denied = denied.Names()
	return res, nil
}

// HasPermission reports whether userID currently holds resource.action.
func (r *Resolver) HasPermission(ctx context.Context, userID, resource, action string) (bool, error) {
	set, err := r.Resolve(ctx, userID, r.clock.Now())
	if err != nil {
		return false, err
	}
	return set.Has(PermissionName(resource, action)), nil
}

// HasRole reports whether userID currently holds an active, unexpired
// assignment to an active role with the given name.
func (r *Resolver) HasRole(ctx context.Context, userID, roleName string) (bool, error) {
	return r.roleCheck(ctx, userID, []string{roleName}, false)
}

func (r *Resolver) HasAnyRole(ctx context.Context, userID string, roleNames ...string) (bool, error) {
	return r.roleCheck(ctx, userID, roleNames, false)
}

func (r *Resolver) HasAllRoles(ctx context.Context, userID string, roleNames ...string) (bool, error) {
	return r.roleCheck(ctx, userID, roleNames, true)
}

func (r *Resolver) roleCheck(ctx context.Context, userID string, names []string, all bool) (bool, error) {
	if len(names) == 0 {
		return false, fault.ErrInvalidInput
	}
	e, err := r.entry(ctx, userID, r.clock.Now())
	if err != nil {
		return false, err
	}
	held := make(map[string]bool, len(e.Roles))
	for _, n := range e.Roles {
		held[n] = true
	}
	for _, n := range names {
		if held[n] && !all {
			return true, nil
		}
		if !held[n] && all {
			return false, nil
		}
	}
	return all, nil
}

// Invalidate drops cached resolutions of the given users.
func (r *Resolver) Invalidate(ctx context.Context, userIDs ...string) error {
	obs.ObserveInvalidation("user")
	if err := r.cache.Invalidate(ctx, userIDs...); err != nil {
		return fault.FromContext(ctx, err)
	}
	return nil
}

// InvalidateAll drops every cached resolution.
func (r *Resolver) InvalidateAll(ctx context.Context) error {
	obs.ObserveInvalidation("all")
	if err := r.cache.InvalidateAll(ctx); err != nil {
		return fault.FromContext(ctx, err)
	}
	return nil
}
