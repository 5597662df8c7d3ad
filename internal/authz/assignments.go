package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"authcore.org/internal/audit"
	"authcore.org/internal/fault"
	"authcore.org/internal/ids"
)

type AssignInput struct {
	UserID      string
	RoleID      string
	ExpiresAt   *time.Time
	Priority    int
	IsTemporary bool
	Reason      string
}

type AssignmentUpdate struct {
	Priority    *int
	IsTemporary *bool
	Reason      *string
}

// Assignments manages user-role edges. Each change invalidates the cached
// resolution of the affected user before returning.
type Assignments struct {
	store AssignmentStore
	roles RoleGraphStore
	inv   Invalidator
	deps
}

func NewAssignments(store AssignmentStore, roles RoleGraphStore, inv Invalidator, opts ...ServiceOption) *Assignments {
	if inv == nil {
		inv = NoCache{}
	}
	return &Assignments{store: store, roles: roles, inv: inv, deps: newDeps(opts)}
}

func (s *Assignments) invalidate(ctx context.Context, op, userID string) error {
	if err := s.inv.Invalidate(ctx, userID); err != nil {
		s.logger.Error("resolver cache invalidation failed",
			slog.String("op", op), slog.String("user_id", userID), slog.Any("error", err))
		return fmt.Errorf("authz: %s committed but cache invalidation failed: %w", op, err)
	}
	return nil
}

// Assign gives a user a role. Only one active assignment may exist per
// (user, role); the caller deactivates the old one first.
func (s *Assignments) Assign(ctx context.Context, actor string, in AssignInput) (UserRoleAssignment, error) {
	if err := requireActor(actor); err != nil {
		return UserRoleAssignment{}, err
	}
	in.UserID = strings.TrimSpace(in.UserID)
	if in.UserID == "" || strings.TrimSpace(in.RoleID) == "" {
		return UserRoleAssignment{}, fmt.Errorf("%w: user and role are required", fault.ErrInvalidInput)
	}
	now := s.clock.Now()
	if err := checkExpiry(in.ExpiresAt, now); err != nil {
		return UserRoleAssignment{}, err
	}
	role, err := s.roles.GetRole(ctx, in.RoleID)
	if err != nil {
		return UserRoleAssignment{}, fault.FromContext(ctx, err)
	}
	if !role.IsActive {
		return UserRoleAssignment{}, fmt.Errorf("%w: role %s is inactive", fault.ErrInvalidInput, in.RoleID)
	}

	a, err := s.store.CreateAssignment(ctx, UserRoleAssignment{
		ID:               ids.At(now),
		UserID:           in.UserID,
		RoleID:           role.ID,
		IsActive:         true,
		AssignedAt:       now,
		ExpiresAt:        utcPtr(in.ExpiresAt),
		Priority:         in.Priority,
		IsTemporary:      in.IsTemporary,
		AssignmentReason: in.Reason,
		AssignedBy:       actor,
	})
	if err != nil {
		return UserRoleAssignment{}, fault.FromContext(ctx, err)
	}
	if err := s.invalidate(ctx, "assign role", a.UserID); err != nil {
		return UserRoleAssignment{}, err
	}
	s.record(ctx, actor, now, audit.Created, a)
	return a, nil
}

// Extend moves the expiry of an active, unexpired assignment. A nil
// expiresAt makes it permanent.
func (s *Assignments) Extend(ctx context.Context, actor, id string, expiresAt *time.Time) (UserRoleAssignment, error) {
	if err := requireActor(actor); err != nil {
		return UserRoleAssignment{}, err
	}
	a, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		return UserRoleAssignment{}, fault.FromContext(ctx, err)
	}
	now := s.clock.Now()
	if !Effective(a, now) {
		return UserRoleAssignment{}, fault.ErrCannotExtendInactiveAssignment
	}
	if err := checkExpiry(expiresAt, now); err != nil {
		return UserRoleAssignment{}, err
	}
	a.ExpiresAt = utcPtr(expiresAt)
	if a, err = s.store.UpdateAssignment(ctx, a); err != nil {
		return UserRoleAssignment{}, fault.FromContext(ctx, err)
	}
	if err := s.invalidate(ctx, "extend assignment", a.UserID); err != nil {
		return UserRoleAssignment{}, err
	}
	s.record(ctx, actor, now, audit.Extended, a)
	return a, nil
}

func (s *Assignments) UpdateAssignment(ctx context.Context, actor, id string, upd AssignmentUpdate) (UserRoleAssignment, error) {
	if err := requireActor(actor); err != nil {
		return UserRoleAssignment{}, err
	}
	a, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		return UserRoleAssignment{}, fault.FromContext(ctx, err)
	}
	if !a.IsActive {
		return UserRoleAssignment{}, fault.ErrCannotExtendInactiveAssignment
	}
	if upd.Priority != nil {
		a.Priority = *upd.Priority
	}
	if upd.IsTemporary != nil {
		a.IsTemporary = *upd.IsTemporary
	}
	if upd.Reason != nil {
		a.AssignmentReason = *upd.Reason
	}
	now := s.clock.Now()
	if a, err = s.store.UpdateAssignment(ctx, a); err != nil {
		return UserRoleAssignment{}, fault.FromContext(ctx, err)
	}
	if err := s.invalidate(ctx, "update assignment", a.UserID); err != nil {
		return UserRoleAssignment{}, err
	}
	s.record(ctx, actor, now, audit.Updated, a)
	return a, nil
}

// Deactivate ends an assignment. The row is kept for history.
func (s *Assignments) Deactivate(ctx context.Context, actor, id string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	a, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		return fault.FromContext(ctx, err)
	}
	if !a.IsActive {
		return nil
	}
	now := s.clock.Now()
	a.IsActive = false
	a.DeactivatedAt = &now
	a.DeactivatedBy = actor
	if a, err = s.store.UpdateAssignment(ctx, a); err != nil {
		return fault.FromContext(ctx, err)
	}
	if err := s.invalidate(ctx, "deactivate assignment", a.UserID); err != nil {
		return err
	}
	s.record(ctx, actor, now, audit.Deactivated, a)
	return nil
}

// ListForUser returns every assignment of the user, history included.
func (s *Assignments) ListForUser(ctx context.Context, userID string) ([]UserRoleAssignment, error) {
	as, err := s.store.ListAssignments(ctx, userID)
	return as, fault.FromContext(ctx, err)
}

// UsersWithRole returns the users currently holding roleID, sorted.
func (s *Assignments) UsersWithRole(ctx context.Context, roleID string) ([]string, error) {
	as, err := s.store.ListRoleMembers(ctx, roleID)
	if err != nil {
		return nil, fault.FromContext(ctx, err)
	}
	now := s.clock.Now()
	seen := map[string]bool{}
	var out []string
	for _, a := range as {
		if !Effective(a, now) || seen[a.UserID] {
			continue
		}
		seen[a.UserID] = true
		out = append(out, a.UserID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Assignments) record(ctx context.Context, actor string, at time.Time, change audit.Change, a UserRoleAssignment) {
	s.audit.Record(ctx, audit.AssignmentChanged{
		Meta:         audit.Stamp(actor, at),
		Change:       change,
		AssignmentID: a.ID,
		UserID:       a.UserID,
		RoleID:       a.RoleID,
		ExpiresAt:    a.ExpiresAt,
	})
}
