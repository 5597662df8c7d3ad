package lockout

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"authcore.org/internal/audit"
	"authcore.org/internal/clock"
	"authcore.org/internal/fault"
	"authcore.org/internal/obs"
)

// Manager applies the lockout policy on top of a Store.
type Manager struct {
	store  Store
	cfg    Config
	clock  clock.Clock
	audit  audit.Recorder
	logger *slog.Logger
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option    { return func(m *Manager) { m.clock = c } }
func WithAudit(r audit.Recorder) Option { return func(m *Manager) { m.audit = r } }
func WithLogger(l *slog.Logger) Option  { return func(m *Manager) { m.logger = l } }

func NewManager(store Store, cfg Config, opts ...Option) *Manager {
	m := &Manager{store: store, cfg: cfg, audit: audit.Discard}
	for _, opt := range opts {
		opt(m)
	}
	m.clock = clock.OrSystem(m.clock)
	m.logger = obs.Resolve(m.logger)
	if m.audit == nil {
		m.audit = audit.Discard
	}
	return m
}

func (m *Manager) Config() Config { return m.cfg }

// RecordFailedAttempt counts one failed authentication. Reaching
// MaxFailedAttempts starts a lockout window and resets the counter. Attempts
// made while the account is locked are not counted.
func (m *Manager) RecordFailedAttempt(ctx context.Context, userID string) (State, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return State{}, fault.ErrInvalidInput
	}
	now := m.clock.Now()
	var engaged, counted bool
	st, err := m.store.UpdateLockout(ctx, userID, func(s *State) error {
		engaged, counted = false, false
		if s.IsLocked(now) {
			return nil
		}
		if s.LockoutEnd != nil {
			s.LockoutEnd = nil
		}
		counted = true
		s.FailedAttempts++
		s.UpdatedAt = now
		if s.FailedAttempts < m.cfg.MaxFailedAttempts {
			return nil
		}
		m.engage(s, now)
		engaged = true
		return nil
	})
	if err != nil {
		return State{}, fault.FromContext(ctx, err)
	}

	meta := audit.Stamp("", now)
	switch {
	case engaged:
		end := now
		if st.LockoutEnd != nil {
			end = *st.LockoutEnd
		}
		if st.RequiresManualUnlock {
			obs.ObserveLockout("permanent")
		} else {
			obs.ObserveLockout("locked")
		}
		m.logger.Warn("account locked",
			slog.String("user_id", userID),
			slog.Int("lockout_count", st.LockoutCount),
			slog.Bool("manual_unlock", st.RequiresManualUnlock))
		m.audit.Record(ctx, audit.LockoutEngaged{Meta: meta, UserID: userID, LockoutEnd: end, Permanent: st.RequiresManualUnlock})
	case counted:
		obs.ObserveLockout("failed")
		m.audit.Record(ctx, audit.FailedAttemptRecorded{Meta: meta, UserID: userID, FailedAttempts: st.FailedAttempts})
	}
	return st, nil
}

func (m *Manager) engage(s *State, now time.Time) {
	end := now.Add(m.cfg.Duration())
	s.LockoutEnd = &end
	s.FailedAttempts = 0

	// Lockouts are counted inside a window that opens at the first lockout
	// and lasts PermanentLockThresholdDays.
	if s.FirstLockoutAt == nil || (m.cfg.PermanentLockThresholdDays > 0 && !now.Before(s.FirstLockoutAt.Add(m.cfg.window()))) {
		first := now
		s.FirstLockoutAt = &first
		s.LockoutCount = 0
	}
	s.LockoutCount++
	last := now
	s.LastLockoutAt = &last
	if m.cfg.PermanentLockAfterLockouts > 0 && s.LockoutCount >= m.cfg.PermanentLockAfterLockouts {
		s.RequiresManualUnlock = true
	}
}

// RecordSuccess resets the failed-attempt counter. An active lockout window
// stays in place.
func (m *Manager) RecordSuccess(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fault.ErrInvalidInput
	}
	now := m.clock.Now()
	_, err := m.store.UpdateLockout(ctx, userID, func(s *State) error {
		if s.FailedAttempts == 0 {
			return nil
		}
		s.FailedAttempts = 0
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fault.FromContext(ctx, err)
	}
	obs.ObserveLockout("success")
	return nil
}

func (m *Manager) IsLocked(ctx context.Context, userID string) (bool, error) {
	st, err := m.State(ctx, userID)
	if err != nil {
		return false, err
	}
	return st.IsLocked(m.clock.Now()), nil
}

func (m *Manager) State(ctx context.Context, userID string) (State, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return State{}, fault.ErrInvalidInput
	}
	st, err := m.store.GetLockout(ctx, userID)
	if err != nil {
		return State{}, fault.FromContext(ctx, err)
	}
	st.UserID = userID
	return st, nil
}

var errNoop = errors.New("lockout: nothing to unlock")

// Unlock clears the lockout window and all counters. An account that is not
// locked but has recorded failures has them reset. Unlocking a clean account
// succeeds without change when EnableIdempotentUnlock is set and fails with
// ErrNotLocked otherwise.
func (m *Manager) Unlock(ctx context.Context, userID, actor string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fault.ErrInvalidInput
	}
	now := m.clock.Now()
	wasLocked := false
	_, err := m.store.UpdateLockout(ctx, userID, func(s *State) error {
		wasLocked = s.IsLocked(now)
		if !wasLocked && s.FailedAttempts == 0 && s.LockoutCount == 0 && s.LockoutEnd == nil {
			return errNoop
		}
		s.FailedAttempts = 0
		s.LockoutEnd = nil
		s.RequiresManualUnlock = false
		s.LockoutCount = 0
		s.FirstLockoutAt = nil
		s.UpdatedAt = now
		return nil
	})
	switch {
	case errors.Is(err, errNoop):
		if !m.cfg.EnableIdempotentUnlock {
			return fault.ErrNotLocked
		}
		m.audit.Record(ctx, audit.AccountUnlocked{Meta: audit.Stamp(actor, now), UserID: userID, NoOp: true})
		return nil
	case err != nil:
		return fault.FromContext(ctx, err)
	}
	obs.ObserveLockout("unlocked")
	m.logger.Info("account unlocked", slog.String("user_id", userID), slog.String("actor", actor), slog.Bool("was_locked", wasLocked))
	m.audit.Record(ctx, audit.AccountUnlocked{Meta: audit.Stamp(actor, now), UserID: userID})
	return nil
}
