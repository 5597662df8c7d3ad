package fault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
)

func TestWrapKeepsSentinelAndCause(t *testing.T) {
	err := Wrap(ErrTokenNotFound, sql.ErrNoRows)
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected sentinel match")
	}
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected cause match")
	}
	if KindOf(err) != NotFound {
		t.Fatalf("unexpected kind: %v", KindOf(err))
	}
	wrapped := fmt.Errorf("lookup: %w", err)
	if CodeOf(wrapped) != "token_not_found" {
		t.Fatalf("unexpected code: %q", CodeOf(wrapped))
	}
}

func TestFromContextReportsTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := FromContext(ctx, Wrap(ErrUserNotFound, sql.ErrNoRows))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if errors.Is(err, ErrUserNotFound) {
		t.Fatalf("timeout must not be conflated with user not found")
	}

	err = FromContext(context.Background(), fmt.Errorf("query: %w", context.DeadlineExceeded))
	if KindOf(err) != Timeout {
		t.Fatalf("expected timeout kind, got %v", KindOf(err))
	}

	if err := FromContext(context.Background(), ErrUserNotFound); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("live context must keep original error, got %v", err)
	}
	if FromContext(ctx, nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestPublicCollapsesSessionErrors(t *testing.T) {
	for _, err := range []error{ErrTokenRotated, ErrTokenRevoked, ErrTokenExpired, ErrTokenNotFound, Wrap(ErrTokenInactive, errors.New("x"))} {
		if got := Public(err); got != ErrInvalidSession {
			t.Fatalf("Public(%v) = %v", err, got)
		}
	}
	if got := Public(ErrAccountLocked); got != ErrAccountLocked {
		t.Fatalf("lockout must stay visible, got %v", got)
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(errors.New("boom")) != Internal {
		t.Fatalf("expected internal kind")
	}
	if Is(nil, Internal) {
		t.Fatalf("nil is never of a kind")
	}
	if NotFound.String() != "not_found" || Kind(99).String() != "internal" {
		t.Fatalf("unexpected kind names")
	}
}

func TestTokenStateKinds(t *testing.T) {
	for _, err := range []error{ErrTokenRevoked, ErrTokenRotated, ErrTokenInactive} {
		if KindOf(err) != Invalid {
			t.Fatalf("%v: kind %v, want invalid", err, KindOf(err))
		}
	}
	if KindOf(ErrTokenExpired) != Expired {
		t.Fatalf("expired token kind = %v", KindOf(ErrTokenExpired))
	}
	if got := Public(ErrTokenRotated); !errors.Is(got, ErrInvalidSession) || KindOf(got) != Unauthorized {
		t.Fatalf("public token failure = %v", got)
	}
}
