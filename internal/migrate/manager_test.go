package migrate

import (
	"context"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestEmbeddedMigrationsAreGooseFiles(t *testing.T) {
	names, err := fs.Glob(migrationsFS, "sql/*.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) < 3 {
		t.Fatalf("expected embedded migrations, got %v", names)
	}
	for _, name := range names {
		raw, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			t.Fatal(err)
		}
		body := string(raw)
		if !strings.Contains(body, "-- +goose Up") || !strings.Contains(body, "-- +goose Down") {
			t.Fatalf("%s lacks goose annotations", name)
		}
	}
}

func TestStatusListsAppliedVersions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(`select version_id, tstamp from auth_versions`).
		WillReturnRows(sqlmock.NewRows([]string{"version_id", "tstamp"}).AddRow(1, at).AddRow(2, at))

	m := NewManager(db, WithMigrationsTable("auth_versions"))
	got, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(got) != 2 || got[0] != "00001\t2026-01-02T03:04:05Z" {
		t.Fatalf("status = %q", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
