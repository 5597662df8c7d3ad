// Package fault defines the error taxonomy shared by every engine component.
//
// Callers branch on a Kind (NotFound, Conflict, ...) or on a named sentinel
// via errors.Is. Errors produced by stores wrap the sentinel together with
// the underlying cause so both remain inspectable.
package fault

import (
	"context"
	"errors"
)

// Kind classifies an error for callers.
type Kind uint8

const (
	Internal Kind = iota
	NotFound
	Conflict
	Expired
	Invalid
	Immutable
	Timeout
	Unauthorized
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Expired:
		return "expired"
	case Invalid:
		return "invalid"
	case Immutable:
		return "immutable"
	case Timeout:
		return "timeout"
	case Unauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

// Error is a classified engine error. Two Errors match under errors.Is when
// their codes are equal, so wrapped copies still match the sentinel.
type Error struct {
	Kind  Kind
	Code  string
	msg   string
	cause error
}

// New declares a sentinel.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Wrap returns a copy of sentinel carrying cause.
func Wrap(sentinel *Error, cause error) error {
	if cause == nil {
		return sentinel
	}
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, msg: sentinel.msg, cause: cause}
}

var (
	ErrUserNotFound       = New(NotFound, "user_not_found", "authcore: user not found")
	ErrRoleNotFound       = New(NotFound, "role_not_found", "authcore: role not found")
	ErrPermissionNotFound = New(NotFound, "permission_not_found", "authcore: permission not found")
	ErrAssignmentNotFound = New(NotFound, "assignment_not_found", "authcore: assignment not found")
	ErrTokenNotFound      = New(NotFound, "token_not_found", "authcore: token not found")

	ErrDuplicateActiveAssignment = New(Conflict, "duplicate_active_assignment", "authcore: an active assignment already exists")
	ErrDuplicateRoleName         = New(Conflict, "duplicate_role_name", "authcore: an active role with this name already exists")
	ErrDuplicatePermission       = New(Conflict, "duplicate_permission", "authcore: permission already exists")
	ErrTokenAlreadyRevoked       = New(Conflict, "token_already_revoked", "authcore: token already revoked")
	ErrPartialRevocation         = New(Conflict, "partial_revocation", "authcore: some tokens could not be revoked")
	ErrNotLocked                 = New(Conflict, "not_locked", "authcore: account is not locked")

	ErrTokenExpired = New(Expired, "token_expired", "authcore: token expired")

	ErrTokenRevoked                   = New(Invalid, "token_revoked", "authcore: token revoked")
	ErrTokenRotated                   = New(Invalid, "token_rotated", "authcore: token rotated")
	ErrTokenInactive                  = New(Invalid, "token_inactive", "authcore: token inactive")
	ErrInvalidTTL                     = New(Invalid, "invalid_ttl", "authcore: ttl must be positive and within the configured maximum")
	ErrInvalidExpiry                  = New(Invalid, "invalid_expiry", "authcore: expiry must be in the future")
	ErrInvalidTokenType               = New(Invalid, "invalid_token_type", "authcore: invalid token type")
	ErrInvalidInput                   = New(Invalid, "invalid_input", "authcore: invalid input")
	ErrCannotRotateInvalidToken       = New(Invalid, "cannot_rotate_invalid_token", "authcore: token cannot be rotated")
	ErrCannotExtendInactiveAssignment = New(Invalid, "cannot_extend_inactive_assignment", "authcore: inactive or expired assignment cannot be extended")

	ErrSystemRowImmutable = New(Immutable, "system_row_immutable", "authcore: system rows cannot be modified")

	ErrTimeout = New(Timeout, "timeout", "authcore: operation timed out")

	ErrUnauthorized       = New(Unauthorized, "unauthorized", "authcore: unauthorized")
	ErrAccountLocked      = New(Unauthorized, "account_locked", "authcore: account locked")
	ErrInvalidCredentials = New(Unauthorized, "invalid_credentials", "authcore: invalid credentials")
	ErrInvalidSession     = New(Unauthorized, "invalid_session", "authcore: invalid session")
	ErrPermissionDenied   = New(Unauthorized, "permission_denied", "authcore: permission denied")
)

// KindOf classifies err. Context cancellation is always a Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	return Internal
}

// Is reports whether err is non-nil and of kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// CodeOf returns the code of the outermost classified error, or "".
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// FromContext converts err into ErrTimeout when it stems from cancellation of
// ctx, so a deadline is never reported as a missing user or token.
func FromContext(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(ErrTimeout, err)
	}
	if ctx != nil && ctx.Err() != nil {
		return Wrap(ErrTimeout, ctx.Err())
	}
	return err
}

// Public collapses session failures into ErrInvalidSession so API responses
// do not reveal which check failed.
func Public(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTokenNotFound),
		errors.Is(err, ErrTokenRevoked),
		errors.Is(err, ErrTokenRotated),
		errors.Is(err, ErrTokenInactive),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrCannotRotateInvalidToken),
		errors.Is(err, ErrTokenAlreadyRevoked):
		return ErrInvalidSession
	}
	return err
}
