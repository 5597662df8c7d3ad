package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"authcore.org/internal/audit"
	"authcore.org/internal/authz"
	"authcore.org/internal/authz/cache"
	"authcore.org/internal/config"
	"authcore.org/internal/lockout"
	"authcore.org/internal/obs"
	"authcore.org/internal/store/bunt"
	"authcore.org/internal/store/pg"
	"authcore.org/internal/token"
)

// Backend is what Build needs from a store: every domain store plus a
// health check.
type Backend interface {
	authz.RoleGraphStore
	authz.AssignmentStore
	token.Store
	lockout.Store
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*pg.Store)(nil)
	_ Backend = (*bunt.Store)(nil)
)

// Built is an engine assembled from configuration together with the
// backend it runs on.
type Built struct {
	*Engine
	Backend Backend
}

// Ready reports whether the backing store answers.
func (b *Built) Ready(ctx context.Context) error { return b.Backend.Ping(ctx) }

// Build opens the configured store, cache and audit sink, assembles the
// engine and seeds the system permission catalog.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Built, error) {
	logger = obs.Resolve(logger)

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	closers := []func() error{backend.Close}
	fail := func(err error) (*Built, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	permCache, closeCache, err := openCache(cfg.Cache)
	if err != nil {
		return fail(err)
	}
	if closeCache != nil {
		closers = append(closers, closeCache)
	}

	sink, err := auditSink(cfg.Audit, backend, logger)
	if err != nil {
		return fail(err)
	}
	dispatcher := audit.NewDispatcher(sink,
		audit.WithBuffer(cfg.Audit.Buffer),
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout),
		audit.WithLogger(logger))

	tokenOpts := []token.Option{
		token.WithUsageBuffer(cfg.Tokens.UsageBuffer),
		token.WithLimits(token.Limits{
			MaxTTL: map[token.Type]time.Duration{
				token.TypeAccess:  cfg.Tokens.MaxAccessTTL,
				token.TypeRefresh: cfg.Tokens.MaxRefreshTTL,
			},
			Default: cfg.Tokens.MaxOtherTTL,
		}),
	}
	if cfg.Tokens.AccessFormat == "jwt" {
		codec, err := token.NewJWT([]byte(cfg.Tokens.SigningSecret), cfg.Tokens.Issuer)
		if err != nil {
			dispatcher.Close()
			return fail(err)
		}
		tokenOpts = append(tokenOpts, token.WithAccessCodec(codec))
	}

	// The dispatcher drains after the token manager's usage flush and before
	// the store closes.
	ordered := append([]func() error{func() error { dispatcher.Close(); return nil }}, reversed(closers)...)
	eng, err := New(Stores{Roles: backend, Assignments: backend, Tokens: backend, Lockout: backend},
		WithLogger(logger),
		WithAudit(dispatcher),
		WithCache(permCache),
		WithLockoutConfig(cfg.Lockout),
		WithSessionTTLs(cfg.Tokens.AccessTTL, cfg.Tokens.RefreshTTL),
		WithTokenOptions(tokenOpts...),
		WithCloser(func() error { return errors.Join(runAll(ordered)...) }),
	)
	if err != nil {
		dispatcher.Close()
		return fail(err)
	}

	if _, err := eng.Roles.EnsureCatalog(ctx); err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("seed permission catalog: %w", err)
	}
	return &Built{Engine: eng, Backend: backend}, nil
}

func openBackend(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.Store.Backend {
	case "postgres":
		s, err := pg.Open(cfg.Database.DSN, pg.Pool{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		return s, nil
	case "bunt":
		s, err := bunt.Open(cfg.Store.BuntPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func openCache(cfg config.Cache) (authz.Cache, func() error, error) {
	switch cfg.Backend {
	case "memory":
		c, err := cache.NewLRU(cfg.Size)
		return c, nil, err
	case "valkey":
		c, err := cache.NewValkey(cfg.ValkeyAddr, cfg.ValkeyPrefix, cfg.MaxTTL)
		if err != nil {
			return nil, nil, err
		}
		return c, func() error { c.Close(); return nil }, nil
	case "none", "":
		return authz.NoCache{}, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
}

func auditSink(cfg config.Audit, backend Backend, logger *slog.Logger) (audit.Sink, error) {
	switch cfg.Sink {
	case "log", "":
		return audit.LogSink{Logger: logger}, nil
	case "postgres":
		s, ok := backend.(*pg.Store)
		if !ok {
			return nil, errors.New("audit sink postgres requires the postgres store backend")
		}
		return s.AuditSink(), nil
	}
	return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
}

func reversed(fns []func() error) []func() error {
	out := make([]func() error, 0, len(fns))
	for i := len(fns) - 1; i >= 0; i-- {
		out = append(out, fns[i])
	}
	return out
}

func runAll(fns []func() error) []error {
	var errs []error
	for _, fn := range fns {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
