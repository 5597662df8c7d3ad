// Package migrate applies the embedded PostgreSQL schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"

	"authcore.org/internal/obs"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

const (
	migrationsDir          = "sql"
	defaultMigrationsTable = "schema_migrations"
)

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

// Manager runs migrations against one database.
type Manager struct {
	db              *sql.DB
	migrationsTable string
	logger          *slog.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default version table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{db: db, migrationsTable: defaultMigrationsTable}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = obs.Resolve(m.logger)
	return m
}

func (m *Manager) run(fn func() error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrationsFS)
	goose.SetTableName(m.migrationsTable)
	goose.SetLogger(gooseLogger{m.logger})
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return fn()
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	return m.run(func() error { return goose.UpContext(ctx, m.db, migrationsDir) })
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.run(func() error { return goose.DownContext(ctx, m.db, migrationsDir) })
}

// Version returns the current schema version.
func (m *Manager) Version(ctx context.Context) (int64, error) {
	var v int64
	err := m.run(func() error {
		var err error
		v, err = goose.GetDBVersionContext(ctx, m.db)
		return err
	})
	return v, err
}

// Status returns the applied migrations in order, one "version<TAB>applied_at" line each.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`
		select version_id, tstamp from %s where is_applied and version_id > 0 order by id
	`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var (
			version int64
			at      sql.NullTime
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, err
		}
		res = append(res, fmt.Sprintf("%05d\t%s", version, at.Time.UTC().Format("2006-01-02T15:04:05Z")))
	}
	return res, rows.Err()
}

type gooseLogger struct{ l *slog.Logger }

func (g gooseLogger) Printf(format string, v ...any) {
	g.l.Info(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.l.Error(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
	os.Exit(1)
}
