package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"authcore.org/internal/audit"
	"authcore.org/internal/authz"
	"authcore.org/internal/fault"
	"authcore.org/internal/lockout"
	"authcore.org/internal/token"
)

var t0 = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

var roleColumns = []string{"id", "name", "description", "category", "priority", "is_active", "is_system", "created_at", "updated_at"}

var tokenColumns = []string{"id", "user_id", "provider", "name", "token_hash", "type", "purpose", "device_info",
	"issued_at", "expires_at", "is_active", "is_revoked", "revoked_at", "revoked_by", "revoke_reason",
	"is_rotated", "rotated_at", "rotated_by", "parent_token_id", "usage_count", "last_used_at"}

func TestCreatePermissionDuplicate(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into permissions").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "permissions_name_uq"})

	_, err := s.CreatePermission(context.Background(), authz.Permission{ID: "p1", Name: "User.Read", CreatedAt: t0, UpdatedAt: t0})
	if !errors.Is(err, fault.ErrDuplicatePermission) {
		t.Fatalf("expected duplicate permission, got %v", err)
	}
}

func TestGetRoleNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from roles where id").WithArgs("r1").WillReturnRows(sqlmock.NewRows(roleColumns))

	if _, err := s.GetRole(context.Background(), "r1"); !errors.Is(err, fault.ErrRoleNotFound) {
		t.Fatalf("expected role not found, got %v", err)
	}
}

func TestUpdateSystemRoleIsRejected(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("update roles").WillReturnRows(sqlmock.NewRows(roleColumns))
	mock.ExpectQuery("from roles where id").WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(roleColumns).AddRow("r1", "Admin", "", "", 0, true, true, t0, t0))

	_, err := s.UpdateRole(context.Background(), authz.Role{ID: "r1", Name: "Root", IsActive: true, UpdatedAt: t0})
	if !errors.Is(err, fault.ErrSystemRowImmutable) {
		t.Fatalf("expected immutable, got %v", err)
	}
}

func TestCreateAssignmentDuplicateActive(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into user_roles").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "user_roles_active_uq"})

	_, err := s.CreateAssignment(context.Background(), authz.UserRoleAssignment{ID: "a1", UserID: "u1", RoleID: "r1", IsActive: true, AssignedAt: t0})
	if !errors.Is(err, fault.ErrDuplicateActiveAssignment) {
		t.Fatalf("expected duplicate active assignment, got %v", err)
	}
}

func TestActiveGrantsJoinsPermission(t *testing.T) {
	s, mock := newMock(t)
	exp := t0.Add(time.Hour)
	mock.ExpectQuery("from role_permissions rp").WithArgs("r1", "r2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role_id", "permission_id", "is_active", "is_granted", "assigned_at",
			"expires_at", "assigned_by", "deactivated_at", "deactivated_by", "name", "resource", "action", "p_active", "is_system"}).
			AddRow("e1", "r1", "p1", true, false, t0, exp, "admin", nil, nil, "Customer.Update", "Customer", "Update", true, false))

	grants, err := s.ActiveGrants(context.Background(), []string{"r1", "r2"})
	if err != nil {
		t.Fatalf("active grants: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("grants = %d", len(grants))
	}
	g := grants[0]
	if g.Edge.IsGranted || g.Edge.ExpiresAt == nil || !g.Edge.ExpiresAt.Equal(exp) {
		t.Fatalf("edge = %+v", g.Edge)
	}
	if g.Permission.ID != "p1" || g.Permission.Name != "Customer.Update" || !g.Permission.IsActive {
		t.Fatalf("permission = %+v", g.Permission)
	}
}

func TestRotateTokenLosesRace(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("update tokens").
		WithArgs("t1", t0, "u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.RotateToken(context.Background(), "t1", "u1", t0, token.Token{ID: "t2"})
	if !errors.Is(err, fault.ErrCannotRotateInvalidToken) {
		t.Fatalf("expected cannot rotate, got %v", err)
	}
}

func TestRotateTokenInsertsChild(t *testing.T) {
	s, mock := newMock(t)
	exp := t0.Add(time.Hour)
	child := token.Token{ID: "t2", UserID: "u1", Hash: "h", Type: token.TypeRefresh, IssuedAt: t0, ExpiresAt: &exp, IsActive: true, ParentTokenID: "t1"}

	mock.ExpectBegin()
	mock.ExpectExec("update tokens").WithArgs("t1", t0, "u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into tokens").
		WithArgs("t2", "u1", "", "", "h", "refresh", "", "", t0, exp, true, "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.RotateToken(context.Background(), "t1", "u1", t0, child); err != nil {
		t.Fatalf("rotate: %v", err)
	}
}

func TestRevokeTokenTwice(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update tokens").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("from tokens where id").WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(tokenColumns).AddRow("t1", "u1", "", "", "h", "access", "", "", t0, t0.Add(time.Hour),
			true, true, t0, "admin", "logout", false, nil, nil, nil, 0, nil))

	err := s.RevokeToken(context.Background(), "t1", "admin", "again", t0)
	if !errors.Is(err, fault.ErrTokenAlreadyRevoked) {
		t.Fatalf("expected already revoked, got %v", err)
	}
}

func TestRevokeUnknownToken(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update tokens").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("from tokens where id").WithArgs("nope").WillReturnRows(sqlmock.NewRows(tokenColumns))

	if err := s.RevokeToken(context.Background(), "nope", "admin", "", t0); !errors.Is(err, fault.ErrTokenNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetTokenScansNullables(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from tokens where id").WithArgs("sys").
		WillReturnRows(sqlmock.NewRows(tokenColumns).AddRow("sys", "svc", "internal", "billing", "h", "system", "", "", t0, nil,
			true, false, nil, nil, nil, false, nil, nil, nil, 7, t0))

	got, err := s.GetToken(context.Background(), "sys")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != token.TypeSystem || got.ExpiresAt != nil || got.UsageCount != 7 || got.LastUsedAt == nil || got.ParentTokenID != "" {
		t.Fatalf("token = %+v", got)
	}
}

func TestDeleteExpiredTokens(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("delete from tokens").WithArgs(t0).WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.DeleteExpiredTokens(context.Background(), t0)
	if err != nil || n != 4 {
		t.Fatalf("deleted %d, %v", n, err)
	}
}

func TestUpdateLockoutHoldsRow(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into lockouts").WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("for update").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "failed_attempts", "lockout_end", "lockout_count",
			"first_lockout_at", "last_lockout_at", "requires_manual_unlock", "updated_at"}).
			AddRow("u1", 2, nil, 0, nil, nil, false, t0))
	mock.ExpectExec("update lockouts").
		WithArgs("u1", 3, nil, 0, nil, nil, false, t0.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	st, err := s.UpdateLockout(context.Background(), "u1", func(st *lockout.State) error {
		st.FailedAttempts++
		st.UpdatedAt = t0.Add(time.Minute)
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if st.FailedAttempts != 3 {
		t.Fatalf("state = %+v", st)
	}
}

func TestGetLockoutMissingRow(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from lockouts where user_id").WithArgs("u9").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	st, err := s.GetLockout(context.Background(), "u9")
	if err != nil || st.UserID != "u9" || st.FailedAttempts != 0 {
		t.Fatalf("state = %+v, %v", st, err)
	}
}

func TestAuditSinkWrite(t *testing.T) {
	s, mock := newMock(t)
	ev := audit.TokenRevoked{Meta: audit.Meta{ID: "ev1", OccurredAt: t0, Actor: "admin"}, TokenID: "t1", UserID: "u1", Reason: "logout"}
	mock.ExpectExec("insert into audit_log").
		WithArgs("ev1", "token.revoked", "admin", "token", "t1", t0, "req-7", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := audit.WithRequestID(context.Background(), "req-7")
	if err := s.AuditSink().Write(ctx, ev); err != nil {
		t.Fatalf("write: %v", err)
	}
}
