package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event is one state change reported by the engine. The set of events is
// closed: every concrete type dispatches to its own Visitor method, so a new
// event type does not compile until each Visitor handles it.
type Event interface {
	Accept(v Visitor)
	Header() Meta
}

// Visitor handles every event type.
type Visitor interface {
	TokenIssued(TokenIssued)
	TokenRotated(TokenRotated)
	TokenRevoked(TokenRevoked)
	UserTokensRevoked(UserTokensRevoked)
	TokenReplayDetected(TokenReplayDetected)
	PermissionChanged(PermissionChanged)
	RoleChanged(RoleChanged)
	RolePermissionChanged(RolePermissionChanged)
	AssignmentChanged(AssignmentChanged)
	FailedAttemptRecorded(FailedAttemptRecorded)
	LockoutEngaged(LockoutEngaged)
	AccountUnlocked(AccountUnlocked)
}

// Meta is common to all events.
type Meta struct {
	ID         string
	OccurredAt time.Time
	Actor      string
}

// Stamp builds Meta for an event raised by actor at the given instant.
func Stamp(actor string, at time.Time) Meta {
	return Meta{ID: uuid.NewString(), OccurredAt: at.UTC(), Actor: actor}
}

func (m Meta) Header() Meta { return m }

// Change names an administrative mutation.
type Change string

const (
	Created     Change = "created"
	Updated     Change = "updated"
	Deactivated Change = "deactivated"
	Extended    Change = "extended"
)

type TokenIssued struct {
	Meta
	TokenID       string
	UserID        string
	TokenType     string
	Purpose       string
	ParentTokenID string
	ExpiresAt     *time.Time
}

type TokenRotated struct {
	Meta
	OldTokenID string
	NewTokenID string
	UserID     string
}

type TokenRevoked struct {
	Meta
	TokenID string
	UserID  string
	Reason  string
}

type UserTokensRevoked struct {
	Meta
	UserID  string
	Revoked int
	Failed  int
	Reason  string
}

// TokenReplayDetected is raised when a rotated token is presented again.
type TokenReplayDetected struct {
	Meta
	TokenID string
	UserID  string
}

type PermissionChanged struct {
	Meta
	Change       Change
	PermissionID string
	Name         string
}

type RoleChanged struct {
	Meta
	Change Change
	RoleID string
	Name   string
}

type RolePermissionChanged struct {
	Meta
	Change       Change
	EdgeID       string
	RoleID       string
	PermissionID string
	Granted      bool
	ExpiresAt    *time.Time
}

type AssignmentChanged struct {
	Meta
	Change       Change
	AssignmentID string
	UserID       string
	RoleID       string
	ExpiresAt    *time.Time
}

type FailedAttemptRecorded struct {
	Meta
	UserID         string
	FailedAttempts int
}

type LockoutEngaged struct {
	Meta
	UserID     string
	LockoutEnd time.Time
	Permanent  bool
}

type AccountUnlocked struct {
	Meta
	UserID string
	NoOp   bool
}

func (e TokenIssued) Accept(v Visitor)           { v.TokenIssued(e) }
func (e TokenRotated) Accept(v Visitor)          { v.TokenRotated(e) }
func (e TokenRevoked) Accept(v Visitor)          { v.TokenRevoked(e) }
func (e UserTokensRevoked) Accept(v Visitor)     { v.UserTokensRevoked(e) }
func (e TokenReplayDetected) Accept(v Visitor)   { v.TokenReplayDetected(e) }
func (e PermissionChanged) Accept(v Visitor)     { v.PermissionChanged(e) }
func (e RoleChanged) Accept(v Visitor)           { v.RoleChanged(e) }
func (e RolePermissionChanged) Accept(v Visitor) { v.RolePermissionChanged(e) }
func (e AssignmentChanged) Accept(v Visitor)     { v.AssignmentChanged(e) }
func (e FailedAttemptRecorded) Accept(v Visitor) { v.FailedAttemptRecorded(e) }
func (e LockoutEngaged) Accept(v Visitor)        { v.LockoutEngaged(e) }
func (e AccountUnlocked) Accept(v Visitor)       { v.AccountUnlocked(e) }
