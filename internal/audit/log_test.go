package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"
)

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLogSinkWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	ctx := WithRequestID(context.Background(), "req-123")
	ev := TokenRevoked{Meta: Stamp("admin-1", at), TokenID: "tok-1", UserID: "user-42", Reason: "logout"}
	if err := sink.Write(ctx, ev); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "token.revoked" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["actor"] != "admin-1" {
		t.Fatalf("unexpected actor: %v", entry["actor"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["user_id"] != "user-42" || fields["reason"] != "logout" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestDescribeCoversEveryEvent(t *testing.T) {
	m := Stamp("", at)
	exp := at.Add(time.Hour)
	cases := []struct {
		ev   Event
		name string
		kind string
	}{
		{TokenIssued{Meta: m, TokenID: "t", ExpiresAt: &exp}, "token.issued", "token"},
		{TokenRotated{Meta: m, OldTokenID: "t"}, "token.rotated", "token"},
		{TokenRevoked{Meta: m, TokenID: "t"}, "token.revoked", "token"},
		{UserTokensRevoked{Meta: m, UserID: "u"}, "token.revoked_all", "user"},
		{TokenReplayDetected{Meta: m, TokenID: "t"}, "token.replay_detected", "token"},
		{PermissionChanged{Meta: m, Change: Created}, "permission.created", "permission"},
		{RoleChanged{Meta: m, Change: Deactivated}, "role.deactivated", "role"},
		{RolePermissionChanged{Meta: m, Change: Created}, "role_permission.created", "role_permission"},
		{AssignmentChanged{Meta: m, Change: Extended}, "user_role.extended", "user_role"},
		{FailedAttemptRecorded{Meta: m, UserID: "u"}, "lockout.failed_attempt", "user"},
		{LockoutEngaged{Meta: m, UserID: "u", LockoutEnd: exp}, "lockout.engaged", "user"},
		{AccountUnlocked{Meta: m, UserID: "u"}, "lockout.unlocked", "user"},
	}
	for _, tc := range cases {
		rec := Describe(tc.ev)
		if rec.Event != tc.name {
			t.Errorf("event name: got %q want %q", rec.Event, tc.name)
		}
		if rec.ResourceType != tc.kind {
			t.Errorf("%s resource type: got %q want %q", tc.name, rec.ResourceType, tc.kind)
		}
		if rec.ID == "" || !rec.OccurredAt.Equal(at) {
			t.Errorf("%s header not carried: %+v", tc.name, rec)
		}
	}
}

func TestDispatcherDeliversOnClose(t *testing.T) {
	sink := &MemorySink{}
	d := NewDispatcher(sink, WithBuffer(16))
	for i := 0; i < 5; i++ {
		d.Record(context.Background(), TokenRevoked{Meta: Stamp("", at), TokenID: "t"})
	}
	d.Close()
	if got := len(sink.Events()); got != 5 {
		t.Fatalf("expected 5 delivered events, got %d", got)
	}
	d.Record(context.Background(), TokenRevoked{Meta: Stamp("", at)})
	if d.Dropped() != 1 {
		t.Fatalf("expected record after close to be dropped, got %d", d.Dropped())
	}
}

func TestDispatcherSwallowsSinkErrors(t *testing.T) {
	var buf bytes.Buffer
	sink := &MemorySink{Err: errors.New("disk full")}
	d := NewDispatcher(sink, Synchronous(), WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))

	d.Record(context.Background(), AccountUnlocked{Meta: Stamp("", at), UserID: "u"})
	d.Record(context.Background(), AccountUnlocked{Meta: Stamp("", at), UserID: "u"})

	if d.Failed() != 2 {
		t.Fatalf("expected 2 failures, got %d", d.Failed())
	}
	if !bytes.Contains(buf.Bytes(), []byte("audit sink write failed")) {
		t.Fatalf("expected failure to be logged, got %q", buf.String())
	}
}

func TestDispatcherDetachesCallerDeadline(t *testing.T) {
	sink := &MemorySink{}
	d := NewDispatcher(sink, WithBuffer(4))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Record(ctx, RoleChanged{Meta: Stamp("", at), Change: Created, RoleID: "r"})
	d.Close()
	if names := sink.Names(); len(names) != 1 || names[0] != "role.created" {
		t.Fatalf("unexpected events: %v", names)
	}
}
