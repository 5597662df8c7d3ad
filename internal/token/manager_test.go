package token_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"authcore.org/internal/audit"
	"authcore.org/internal/clock"
	"authcore.org/internal/fault"
	"authcore.org/internal/store/bunt"
	"authcore.org/internal/token"
)

var t0 = time.Date(2026, 6, 10, 10, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, store token.Store, opts ...token.Option) (*token.Manager, *clock.Manual, *audit.MemorySink) {
	t.Helper()
	clk := clock.NewManual(t0)
	sink := &audit.MemorySink{}
	opts = append([]token.Option{token.WithClock(clk), token.WithAudit(audit.NewDispatcher(sink, audit.Synchronous()))}, opts...)
	m := token.NewManager(store, opts...)
	t.Cleanup(m.Close)
	return m, clk, sink
}

func openStore(t *testing.T) *bunt.Store {
	t.Helper()
	s, err := bunt.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func issue(t *testing.T, m *token.Manager, user string, typ token.Type, ttl time.Duration) token.Issued {
	t.Helper()
	iss, err := m.Issue(context.Background(), token.IssueRequest{UserID: user, Type: typ, TTL: ttl})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return iss
}

func TestRotateThenReplay(t *testing.T) {
	m, clk, sink := newTestManager(t, openStore(t))
	ctx := context.Background()
	a := issue(t, m, "u1", token.TypeRefresh, time.Hour)

	clk.Advance(30 * time.Minute)
	b, err := m.Rotate(ctx, a.Value, "u1")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if b.Token.ParentTokenID != a.Token.ID {
		t.Fatalf("parent = %q", b.Token.ParentTokenID)
	}
	if got := b.Token.ExpiresAt.Sub(b.Token.IssuedAt); got != time.Hour {
		t.Fatalf("child lifetime = %s", got)
	}

	clk.Advance(time.Minute)
	if _, err := m.Validate(ctx, a.Value); !errors.Is(err, fault.ErrTokenRotated) {
		t.Fatalf("validate A = %v", err)
	}
	user, err := m.Validate(ctx, b.Value)
	if err != nil || user != "u1" {
		t.Fatalf("validate B = %q, %v", user, err)
	}
	if !slices.Contains(sink.Names(), "token.replay_detected") {
		t.Fatalf("replay not audited: %v", sink.Names())
	}
	if _, err := m.Rotate(ctx, a.Value, "u1"); !errors.Is(err, fault.ErrCannotRotateInvalidToken) {
		t.Fatalf("rotating a rotated token = %v", err)
	}
}

func TestConcurrentRotateHasOneWinner(t *testing.T) {
	m, _, _ := newTestManager(t, openStore(t))
	a := issue(t, m, "u1", token.TypeRefresh, time.Hour)

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Rotate(context.Background(), a.Value, "u1")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, fault.ErrCannotRotateInvalidToken) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d", wins)
	}
}

func TestValidateReportsRevokedBeforeRotated(t *testing.T) {
	m, _, _ := newTestManager(t, openStore(t))
	ctx := context.Background()
	a := issue(t, m, "u1", token.TypeRefresh, time.Hour)
	if _, err := m.Rotate(ctx, a.Value, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := m.RevokeByID(ctx, a.Token.ID, "admin", "compromised"); err != nil {
		t.Fatal(err)
	}
	_, err := m.Validate(ctx, a.Value)
	if !errors.Is(err, fault.ErrTokenRevoked) {
		t.Fatalf("validate = %v", err)
	}
	if !errors.Is(fault.Public(err), fault.ErrInvalidSession) {
		t.Fatalf("public = %v", fault.Public(err))
	}
}

func TestExpiryAndUnknownValues(t *testing.T) {
	m, clk, _ := newTestManager(t, openStore(t))
	ctx := context.Background()
	a := issue(t, m, "u1", token.TypeAccess, 15*time.Minute)

	for _, v := range []string{"", "garbage", "01J000000000000000000000.secret", a.Value + "x"} {
		if _, err := m.Validate(ctx, v); !errors.Is(err, fault.ErrTokenNotFound) {
			t.Fatalf("validate %q = %v", v, err)
		}
	}
	clk.Advance(15 * time.Minute)
	_, err := m.Validate(ctx, a.Value)
	if !errors.Is(err, fault.ErrTokenExpired) || !fault.Is(err, fault.Expired) {
		t.Fatalf("validate expired = %v", err)
	}
}

func TestValidateHonoursContextDeadline(t *testing.T) {
	m, _, _ := newTestManager(t, openStore(t))
	a := issue(t, m, "u1", token.TypeAccess, 15*time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	_, err := m.Validate(ctx, a.Value)
	if !errors.Is(err, fault.ErrTimeout) || !fault.Is(err, fault.Timeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if errors.Is(err, fault.ErrTokenNotFound) {
		t.Fatal("a timeout must not read as an unknown token")
	}

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	if _, err := m.Inspect(cancelled, a.Value); !errors.Is(err, fault.ErrTimeout) {
		t.Fatalf("expected timeout on cancelled context, got %v", err)
	}
	if user, err := m.Validate(context.Background(), a.Value); err != nil || user != "u1" {
		t.Fatalf("token must stay valid after a timed out lookup: %q, %v", user, err)
	}
}

func TestIssueLimits(t *testing.T) {
	m, _, _ := newTestManager(t, openStore(t))
	ctx := context.Background()
	cases := []struct {
		req  token.IssueRequest
		want error
	}{
		{token.IssueRequest{UserID: "u1", Type: token.TypeAccess, TTL: 2 * time.Hour}, fault.ErrInvalidTTL},
		{token.IssueRequest{UserID: "u1", Type: token.TypeRefresh, TTL: 0}, fault.ErrInvalidTTL},
		{token.IssueRequest{UserID: "u1", Type: "api", TTL: 8 * 24 * time.Hour}, fault.ErrInvalidTTL},
		{token.IssueRequest{UserID: "u1", Type: token.TypeSystem, TTL: time.Hour}, fault.ErrInvalidTokenType},
		{token.IssueRequest{UserID: "", Type: token.TypeAccess, TTL: time.Hour}, fault.ErrInvalidInput},
	}
	for _, tc := range cases {
		if _, err := m.Issue(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%+v: got %v, want %v", tc.req, err, tc.want)
		}
	}
	if _, err := m.Issue(ctx, token.IssueRequest{UserID: "u1", Type: "api", TTL: 7 * 24 * time.Hour}); err != nil {
		t.Fatalf("default limit: %v", err)
	}
}

func TestSystemTokenNeverExpires(t *testing.T) {
	m, clk, _ := newTestManager(t, openStore(t))
	ctx := context.Background()
	iss, err := m.IssueSystem(ctx, token.SystemRequest{UserID: "svc-billing", Name: "billing", Actor: "admin"})
	if err != nil {
		t.Fatal(err)
	}
	if iss.Token.ExpiresAt != nil || iss.Token.Type != token.TypeSystem {
		t.Fatalf("system token = %+v", iss.Token)
	}
	clk.Advance(10 * 365 * 24 * time.Hour)
	if _, err := m.Validate(ctx, iss.Value); err != nil {
		t.Fatalf("validate = %v", err)
	}
	if err := m.Revoke(ctx, iss.Value, "admin", "retired"); err != nil {
		t.Fatal(err)
	}
	if err := m.Revoke(ctx, iss.Value, "admin", "retired"); !errors.Is(err, fault.ErrTokenAlreadyRevoked) {
		t.Fatalf("second revoke = %v", err)
	}
}

func TestJWTAccessTokens(t *testing.T) {
	if _, err := token.NewJWT([]byte("short"), "x"); err == nil {
		t.Fatal("short secret accepted")
	}
	codec, err := token.NewJWT([]byte(strings.Repeat("k", 32)), "authcore-test")
	if err != nil {
		t.Fatal(err)
	}
	m, _, _ := newTestManager(t, openStore(t), token.WithAccessCodec(codec))
	ctx := context.Background()

	access := issue(t, m, "u1", token.TypeAccess, time.Hour)
	if strings.Count(access.Value, ".") != 2 {
		t.Fatalf("access value is not a JWT: %q", access.Value)
	}
	refresh := issue(t, m, "u1", token.TypeRefresh, time.Hour)
	if strings.Count(refresh.Value, ".") != 1 {
		t.Fatalf("refresh value is not opaque: %q", refresh.Value)
	}
	got, err := m.Inspect(ctx, access.Value)
	if err != nil || got.ID != access.Token.ID {
		t.Fatalf("inspect = %+v, %v", got, err)
	}

	other, _ := token.NewJWT([]byte(strings.Repeat("z", 32)), "authcore-test")
	forged, err := other.Encode(access.Token)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Validate(ctx, forged); !errors.Is(err, fault.ErrTokenNotFound) {
		t.Fatalf("forged = %v", err)
	}
}

type failingRevokes struct {
	token.Store
	fail string
}

func (s failingRevokes) RevokeToken(ctx context.Context, id, by, reason string, at time.Time) error {
	if id == s.fail {
		return errors.New("disk full")
	}
	return s.Store.RevokeToken(ctx, id, by, reason, at)
}

func TestRevokeAllForUser(t *testing.T) {
	st := openStore(t)
	m, _, sink := newTestManager(t, st)
	ctx := context.Background()
	issue(t, m, "u1", token.TypeAccess, time.Hour)
	issue(t, m, "u1", token.TypeRefresh, time.Hour)
	gone := issue(t, m, "u1", token.TypeRefresh, time.Hour)
	other := issue(t, m, "u2", token.TypeRefresh, time.Hour)
	if err := m.Revoke(ctx, gone.Value, "u1", "logout"); err != nil {
		t.Fatal(err)
	}

	sum, err := m.RevokeAllForUser(ctx, "u1", "admin", "reset")
	if err != nil || sum.Revoked != 2 || len(sum.Failed) != 0 {
		t.Fatalf("summary = %+v, %v", sum, err)
	}
	if _, err := m.Validate(ctx, other.Value); err != nil {
		t.Fatalf("other user's token revoked: %v", err)
	}
	if !slices.Contains(sink.Names(), "token.revoked_all") {
		t.Fatalf("events = %v", sink.Names())
	}

	sum, err = m.RevokeAllForUser(ctx, "u1", "admin", "reset")
	if err != nil || sum.Revoked != 0 {
		t.Fatalf("second pass = %+v, %v", sum, err)
	}
}

func TestRevokeAllForUserPartialFailure(t *testing.T) {
	st := openStore(t)
	seed, _, _ := newTestManager(t, st)
	a := issue(t, seed, "u1", token.TypeRefresh, time.Hour)
	issue(t, seed, "u1", token.TypeRefresh, time.Hour)

	m, _, _ := newTestManager(t, failingRevokes{Store: st, fail: a.Token.ID})
	sum, err := m.RevokeAllForUser(context.Background(), "u1", "admin", "reset")
	if !errors.Is(err, fault.ErrPartialRevocation) {
		t.Fatalf("err = %v", err)
	}
	if sum.Revoked != 1 || !slices.Equal(sum.Failed, []string{a.Token.ID}) {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestChainAndPurge(t *testing.T) {
	st := openStore(t)
	m, clk, _ := newTestManager(t, st)
	ctx := context.Background()
	a := issue(t, m, "u1", token.TypeRefresh, time.Hour)
	clk.Advance(10 * time.Minute)
	b, err := m.Rotate(ctx, a.Value, "u1")
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(10 * time.Minute)
	c, err := m.Rotate(ctx, b.Value, "u1")
	if err != nil {
		t.Fatal(err)
	}

	chain, err := m.Chain(ctx, c.Token.ID)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, tk := range chain {
		got = append(got, tk.ID)
	}
	if want := []string{c.Token.ID, b.Token.ID, a.Token.ID}; !slices.Equal(got, want) {
		t.Fatalf("chain = %v, want %v", got, want)
	}

	// Only A has expired by t0+1h5m.
	n, err := m.PurgeExpired(ctx, t0.Add(time.Hour+5*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("purged %d, %v", n, err)
	}
	chain, err = m.Chain(ctx, c.Token.ID)
	if err != nil || len(chain) != 2 {
		t.Fatalf("chain after purge = %d, %v", len(chain), err)
	}
	if _, err := m.Chain(ctx, "missing"); !errors.Is(err, fault.ErrTokenNotFound) {
		t.Fatalf("unknown chain = %v", err)
	}
}

func TestUsageFlushedOnClose(t *testing.T) {
	st := openStore(t)
	m := token.NewManager(st, token.WithClock(clock.NewManual(t0)))
	a := issue(t, m, "u1", token.TypeAccess, time.Hour)
	for i := 0; i < 3; i++ {
		if _, err := m.Validate(context.Background(), a.Value); err != nil {
			t.Fatal(err)
		}
	}
	m.Close()
	got, err := st.GetToken(context.Background(), a.Token.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UsageCount != 3 || got.LastUsedAt == nil {
		t.Fatalf("usage = %d, %v", got.UsageCount, got.LastUsedAt)
	}
}
