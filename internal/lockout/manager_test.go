package lockout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"authcore.org/internal/audit"
	"authcore.org/internal/clock"
	"authcore.org/internal/fault"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]State
}

func newMemStore() *memStore { return &memStore{rows: map[string]State{}} }

func (s *memStore) GetLockout(_ context.Context, userID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.rows[userID]
	st.UserID = userID
	return st, nil
}

func (s *memStore) UpdateLockout(_ context.Context, userID string, fn func(*State) error) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.rows[userID]
	st.UserID = userID
	if err := fn(&st); err != nil {
		return State{}, err
	}
	s.rows[userID] = st
	return st, nil
}

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestManager(cfg Config) (*Manager, *clock.Manual, *audit.MemorySink) {
	clk := clock.NewManual(t0)
	sink := &audit.MemorySink{}
	rec := audit.NewDispatcher(sink, audit.Synchronous())
	return NewManager(newMemStore(), cfg, WithClock(clk), WithAudit(rec)), clk, sink
}

func TestLockoutAtThreshold(t *testing.T) {
	m, clk, sink := newTestManager(DefaultConfig())
	ctx := context.Background()

	for i := 1; i < 5; i++ {
		st, err := m.RecordFailedAttempt(ctx, "u1")
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if st.FailedAttempts != i {
			t.Fatalf("attempt %d: counter %d", i, st.FailedAttempts)
		}
		if locked, _ := m.IsLocked(ctx, "u1"); locked {
			t.Fatalf("locked too early after %d attempts", i)
		}
	}

	st, err := m.RecordFailedAttempt(ctx, "u1")
	if err != nil {
		t.Fatalf("fifth attempt: %v", err)
	}
	if st.FailedAttempts != 0 || st.LockoutCount != 1 {
		t.Fatalf("unexpected state after lockout: %+v", st)
	}
	if st.LockoutEnd == nil || !st.LockoutEnd.Equal(t0.Add(15*time.Minute)) {
		t.Fatalf("unexpected lockout end: %v", st.LockoutEnd)
	}
	if locked, _ := m.IsLocked(ctx, "u1"); !locked {
		t.Fatal("expected account to be locked")
	}

	clk.Advance(15 * time.Minute)
	if locked, _ := m.IsLocked(ctx, "u1"); locked {
		t.Fatal("expected lockout to end at lockout_end")
	}

	names := sink.Names()
	if got := names[len(names)-1]; got != "lockout.engaged" {
		t.Fatalf("expected lockout.engaged last, got %v", names)
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	m, _, _ := newTestManager(DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := m.RecordFailedAttempt(ctx, "u1"); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.RecordSuccess(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	st, err := m.RecordFailedAttempt(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if st.FailedAttempts != 1 {
		t.Fatalf("expected counter 1 after reset, got %d", st.FailedAttempts)
	}
	if locked, _ := m.IsLocked(ctx, "u1"); locked {
		t.Fatal("did not expect lockout")
	}
}

func TestSuccessDoesNotClearActiveLockout(t *testing.T) {
	m, _, _ := newTestManager(DefaultConfig())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = m.RecordFailedAttempt(ctx, "u1")
	}
	if err := m.RecordSuccess(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if locked, _ := m.IsLocked(ctx, "u1"); !locked {
		t.Fatal("success must not lift an active lockout")
	}
}

func TestDurationIsClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultDuration = 10 * time.Second
	if got := cfg.Duration(); got != time.Minute {
		t.Fatalf("expected clamp to min, got %s", got)
	}
	cfg.DefaultDuration = 48 * time.Hour
	if got := cfg.Duration(); got != 1440*time.Minute {
		t.Fatalf("expected clamp to max, got %s", got)
	}
}

func TestPermanentLockRequiresManualUnlock(t *testing.T) {
	m, clk, _ := newTestManager(DefaultConfig())
	ctx := context.Background()

	lockOnce := func() State {
		var st State
		for i := 0; i < 5; i++ {
			var err error
			if st, err = m.RecordFailedAttempt(ctx, "u1"); err != nil {
				t.Fatal(err)
			}
		}
		return st
	}

	lockOnce()
	clk.Advance(time.Hour)
	lockOnce()
	clk.Advance(time.Hour)
	st := lockOnce()
	if !st.RequiresManualUnlock || st.LockoutCount != 3 {
		t.Fatalf("expected permanent lock after 3 lockouts, got %+v", st)
	}

	clk.Advance(48 * time.Hour)
	if locked, _ := m.IsLocked(ctx, "u1"); !locked {
		t.Fatal("permanent lock must not expire")
	}
	if err := m.Unlock(ctx, "u1", "admin"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if locked, _ := m.IsLocked(ctx, "u1"); locked {
		t.Fatal("expected unlock to clear permanent lock")
	}
}

func TestLockoutWindowResets(t *testing.T) {
	m, clk, _ := newTestManager(DefaultConfig())
	ctx := context.Background()
	for round := 0; round < 2; round++ {
		for i := 0; i < 5; i++ {
			_, _ = m.RecordFailedAttempt(ctx, "u1")
		}
		clk.Advance(31 * 24 * time.Hour)
	}
	st, _ := m.State(ctx, "u1")
	if st.LockoutCount != 1 || st.RequiresManualUnlock {
		t.Fatalf("expected window to restart the lockout count, got %+v", st)
	}
}

func TestIdempotentUnlock(t *testing.T) {
	m, _, sink := newTestManager(DefaultConfig())
	if err := m.Unlock(context.Background(), "never-locked", "admin"); err != nil {
		t.Fatalf("expected no-op unlock, got %v", err)
	}
	st, _ := m.State(context.Background(), "never-locked")
	if st.FailedAttempts != 0 || st.LockoutEnd != nil || st.LockoutCount != 0 {
		t.Fatalf("unexpected state change: %+v", st)
	}
	evs := sink.Events()
	if len(evs) != 1 {
		t.Fatalf("expected one audit event, got %d", len(evs))
	}
	if ev, ok := evs[0].(audit.AccountUnlocked); !ok || !ev.NoOp {
		t.Fatalf("expected no-op unlock event, got %#v", evs[0])
	}
}

func TestStrictUnlock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableIdempotentUnlock = false
	m, _, _ := newTestManager(cfg)
	err := m.Unlock(context.Background(), "u1", "admin")
	if !errors.Is(err, fault.ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}
}

func TestUnlockResetsFailuresBelowThreshold(t *testing.T) {
	for _, idempotent := range []bool{true, false} {
		cfg := DefaultConfig()
		cfg.EnableIdempotentUnlock = idempotent
		m, _, sink := newTestManager(cfg)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if _, err := m.RecordFailedAttempt(ctx, "u1"); err != nil {
				t.Fatal(err)
			}
		}
		if err := m.Unlock(ctx, "u1", "admin"); err != nil {
			t.Fatalf("idempotent=%v: unlock with recorded failures: %v", idempotent, err)
		}
		st, _ := m.State(ctx, "u1")
		if st.FailedAttempts != 0 {
			t.Fatalf("idempotent=%v: counter = %d after unlock", idempotent, st.FailedAttempts)
		}
		evs := sink.Events()
		if ev, ok := evs[len(evs)-1].(audit.AccountUnlocked); !ok || ev.NoOp {
			t.Fatalf("idempotent=%v: expected a real unlock event, got %#v", idempotent, evs[len(evs)-1])
		}
		st, err := m.RecordFailedAttempt(ctx, "u1")
		if err != nil || st.FailedAttempts != 1 {
			t.Fatalf("idempotent=%v: counting must restart, got %d, %v", idempotent, st.FailedAttempts, err)
		}
	}
}

func TestConcurrentFailuresAreNotLost(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFailedAttempts = 1000
	m, _, _ := newTestManager(cfg)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.RecordFailedAttempt(ctx, "u1")
		}()
	}
	wg.Wait()
	st, _ := m.State(ctx, "u1")
	if st.FailedAttempts != 50 {
		t.Fatalf("expected 50 attempts, got %d", st.FailedAttempts)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	cfg.MaxDuration = 30 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max below min")
	}
}
