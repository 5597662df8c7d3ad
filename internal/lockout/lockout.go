// Package lockout tracks failed authentication attempts and lockout windows
// per user.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config holds the lockout policy.
type Config struct {
	MaxFailedAttempts int           `koanf:"max_failed_attempts"`
	DefaultDuration   time.Duration `koanf:"default_duration"`
	MinDuration       time.Duration `koanf:"min_duration"`
	MaxDuration       time.Duration `koanf:"max_duration"`
	// PermanentLockAfterLockouts is the number of lockouts inside the
	// threshold window that switches the account to manual unlock. Zero
	// disables permanent locking.
	PermanentLockAfterLockouts int  `koanf:"permanent_lock_after_lockouts"`
	PermanentLockThresholdDays int  `koanf:"permanent_lock_threshold_days"`
	EnableIdempotentUnlock     bool `koanf:"enable_idempotent_unlock"`
}

func DefaultConfig() Config {
	return Config{
		MaxFailedAttempts:          5,
		DefaultDuration:            15 * time.Minute,
		MinDuration:                time.Minute,
		MaxDuration:                1440 * time.Minute,
		PermanentLockAfterLockouts: 3,
		PermanentLockThresholdDays: 30,
		EnableIdempotentUnlock:     true,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MaxFailedAttempts <= 0:
		return errors.New("lockout: max_failed_attempts must be positive")
	case c.MinDuration <= 0:
		return errors.New("lockout: min_duration must be positive")
	case c.MaxDuration < c.MinDuration:
		return fmt.Errorf("lockout: max_duration %s is below min_duration %s", c.MaxDuration, c.MinDuration)
	case c.PermanentLockAfterLockouts < 0:
		return errors.New("lockout: permanent_lock_after_lockouts must not be negative")
	case c.PermanentLockAfterLockouts > 0 && c.PermanentLockThresholdDays <= 0:
		return errors.New("lockout: permanent_lock_threshold_days must be positive when permanent locking is enabled")
	}
	return nil
}

// Duration returns DefaultDuration clamped to [MinDuration, MaxDuration].
func (c Config) Duration() time.Duration {
	d := c.DefaultDuration
	if d < c.MinDuration {
		d = c.MinDuration
	}
	if d > c.MaxDuration {
		d = c.MaxDuration
	}
	return d
}

func (c Config) window() time.Duration {
	return time.Duration(c.PermanentLockThresholdDays) * 24 * time.Hour
}

// State is the lockout record of one user.
type State struct {
	UserID               string
	FailedAttempts       int
	LockoutEnd           *time.Time
	LockoutCount         int
	FirstLockoutAt       *time.Time
	LastLockoutAt        *time.Time
	RequiresManualUnlock bool
	UpdatedAt            time.Time
}

func (s State) IsLocked(now time.Time) bool {
	if s.RequiresManualUnlock {
		return true
	}
	return s.LockoutEnd != nil && s.LockoutEnd.After(now)
}

// Store persists lockout state. Update must run fn inside a transaction that
// holds the user's row, creating it first when absent, so concurrent updates
// for one user are serialized. A missing row reads as the zero State.
type Store interface {
	GetLockout(ctx context.Context, userID string) (State, error)
	UpdateLockout(ctx context.Context, userID string, fn func(*State) error) (State, error)
}
