package audit

import "time"

// Record is the flattened form of an Event used by sinks.
type Record struct {
	ID           string
	OccurredAt   time.Time
	Actor        string
	Event        string
	ResourceType string
	ResourceID   string
	Fields       map[string]any
}

// Describe flattens ev.
func Describe(ev Event) Record {
	d := &describer{}
	ev.Accept(d)
	h := ev.Header()
	d.rec.ID = h.ID
	d.rec.OccurredAt = h.OccurredAt
	d.rec.Actor = h.Actor
	if d.rec.Fields == nil {
		d.rec.Fields = map[string]any{}
	}
	return d.rec
}

// Name returns the dotted event name of ev, e.g. "token.rotated".
func Name(ev Event) string {
	return Describe(ev).Event
}

type describer struct{ rec Record }

func (d *describer) set(event, resourceType, resourceID string, fields map[string]any) {
	d.rec.Event = event
	d.rec.ResourceType = resourceType
	d.rec.ResourceID = resourceID
	d.rec.Fields = fields
}

func expiry(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (d *describer) TokenIssued(e TokenIssued) {
	d.set("token.issued", "token", e.TokenID, map[string]any{
		"user_id":         e.UserID,
		"token_type":      e.TokenType,
		"purpose":         e.Purpose,
		"parent_token_id": e.ParentTokenID,
		"expires_at":      expiry(e.ExpiresAt),
	})
}

func (d *describer) TokenRotated(e TokenRotated) {
	d.set("token.rotated", "token", e.OldTokenID, map[string]any{
		"user_id":      e.UserID,
		"new_token_id": e.NewTokenID,
	})
}

func (d *describer) TokenRevoked(e TokenRevoked) {
	d.set("token.revoked", "token", e.TokenID, map[string]any{
		"user_id": e.UserID,
		"reason":  e.Reason,
	})
}

func (d *describer) UserTokensRevoked(e UserTokensRevoked) {
	d.set("token.revoked_all", "user", e.UserID, map[string]any{
		"revoked": e.Revoked,
		"failed":  e.Failed,
		"reason":  e.Reason,
	})
}

func (d *describer) TokenReplayDetected(e TokenReplayDetected) {
	d.set("token.replay_detected", "token", e.TokenID, map[string]any{
		"user_id": e.UserID,
	})
}

func (d *describer) PermissionChanged(e PermissionChanged) {
	d.set("permission."+string(e.Change), "permission", e.PermissionID, map[string]any{
		"name": e.Name,
	})
}

func (d *describer) RoleChanged(e RoleChanged) {
	d.set("role."+string(e.Change), "role", e.RoleID, map[string]any{
		"name": e.Name,
	})
}

func (d *describer) RolePermissionChanged(e RolePermissionChanged) {
	d.set("role_permission."+string(e.Change), "role_permission", e.EdgeID, map[string]any{
		"role_id":       e.RoleID,
		"permission_id": e.PermissionID,
		"granted":       e.Granted,
		"expires_at":    expiry(e.ExpiresAt),
	})
}

func (d *describer) AssignmentChanged(e AssignmentChanged) {
	d.set("user_role."+string(e.Change), "user_role", e.AssignmentID, map[string]any{
		"user_id":    e.UserID,
		"role_id":    e.RoleID,
		"expires_at": expiry(e.ExpiresAt),
	})
}

func (d *describer) FailedAttemptRecorded(e FailedAttemptRecorded) {
	d.set("lockout.failed_attempt", "user", e.UserID, map[string]any{
		"failed_attempts": e.FailedAttempts,
	})
}

func (d *describer) LockoutEngaged(e LockoutEngaged) {
	d.set("lockout.engaged", "user", e.UserID, map[string]any{
		"lockout_end": e.LockoutEnd.UTC().Format(time.RFC3339Nano),
		"permanent":   e.Permanent,
	})
}

func (d *describer) AccountUnlocked(e AccountUnlocked) {
	d.set("lockout.unlocked", "user", e.UserID, map[string]any{
		"noop": e.NoOp,
	})
}
