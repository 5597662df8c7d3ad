// Package token issues, validates, rotates and revokes authentication tokens.
// Token values are handed out once; only their SHA-256 hash is stored.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
	// TypeSystem tokens never expire and are only created by IssueSystem.
	TypeSystem Type = "system"
)

type Token struct {
	ID         string
	UserID     string
	Provider   string
	Name       string
	Hash       string
	Type       Type
	Purpose    string
	DeviceInfo string
	IssuedAt   time.Time
	// ExpiresAt is nil only for system tokens.
	ExpiresAt     *time.Time
	IsActive      bool
	IsRevoked     bool
	RevokedAt     *time.Time
	RevokedBy     string
	RevokeReason  string
	IsRotated     bool
	RotatedAt     *time.Time
	RotatedBy     string
	ParentTokenID string
	UsageCount    int64
	LastUsedAt    *time.Time
}

func (t Token) ExpiredAt(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// IsValid reports whether the token may be used at now.
func (t Token) IsValid(now time.Time) bool {
	return t.IsActive && !t.IsRevoked && !t.IsRotated && !t.ExpiredAt(now)
}

// lifetime is the span between issue and expiry; zero for non-expiring tokens.
func (t Token) lifetime() time.Duration {
	if t.ExpiresAt == nil {
		return 0
	}
	return t.ExpiresAt.Sub(t.IssuedAt)
}

// HashValue returns the stored form of a token value.
func HashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Store persists tokens. Every state transition is a conditional write on
// the token row so concurrent callers cannot both win.
type Store interface {
	CreateToken(ctx context.Context, t Token) error
	// GetToken fails with fault.ErrTokenNotFound for unknown ids.
	GetToken(ctx context.Context, id string) (Token, error)
	// RotateToken marks parentID rotated and inserts child in one
	// transaction, provided the parent is still active, unrevoked,
	// unrotated and unexpired at now. Otherwise it fails with
	// fault.ErrCannotRotateInvalidToken and writes nothing.
	RotateToken(ctx context.Context, parentID, rotatedBy string, now time.Time, child Token) error
	// RevokeToken fails with fault.ErrTokenAlreadyRevoked when the token is
	// already revoked.
	RevokeToken(ctx context.Context, id, revokedBy, reason string, at time.Time) error
	// ListValidTokens returns the user's tokens that are valid at now.
	ListValidTokens(ctx context.Context, userID string, now time.Time) ([]Token, error)
	RecordUsage(ctx context.Context, id string, at time.Time) error
	// DeleteExpiredTokens removes tokens that expired before the given instant.
	DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error)
}
