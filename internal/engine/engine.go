// Package engine wires the resolver, token manager and lockout manager into
// the login, refresh, logout and authorization flows.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"authcore.org/internal/audit"
	"authcore.org/internal/authz"
	"authcore.org/internal/clock"
	"authcore.org/internal/fault"
	"authcore.org/internal/lockout"
	"authcore.org/internal/obs"
	"authcore.org/internal/token"
)

// Stores groups the persistence backends. A single backend usually
// implements all of them.
type Stores struct {
	Roles       authz.RoleGraphStore
	Assignments authz.AssignmentStore
	Tokens      token.Store
	Lockout     lockout.Store
}

type settings struct {
	clock      clock.Clock
	logger     *slog.Logger
	audit      audit.Recorder
	cache      authz.Cache
	lockout    lockout.Config
	accessTTL  time.Duration
	refreshTTL time.Duration
	tokenOpts  []token.Option
	closers    []func() error
}

type Option func(*settings)

func WithClock(c clock.Clock) Option            { return func(s *settings) { s.clock = c } }
func WithLogger(l *slog.Logger) Option          { return func(s *settings) { s.logger = l } }
func WithAudit(r audit.Recorder) Option         { return func(s *settings) { s.audit = r } }
func WithCache(c authz.Cache) Option            { return func(s *settings) { s.cache = c } }
func WithLockoutConfig(c lockout.Config) Option { return func(s *settings) { s.lockout = c } }

// WithSessionTTLs sets the lifetimes of the access and refresh tokens minted
// by Login and Refresh.
func WithSessionTTLs(access, refresh time.Duration) Option {
	return func(s *settings) {
		s.accessTTL = access
		s.refreshTTL = refresh
	}
}

// WithTokenOptions passes options through to token.NewManager.
func WithTokenOptions(opts ...token.Option) Option {
	return func(s *settings) { s.tokenOpts = append(s.tokenOpts, opts...) }
}

// WithCloser registers fn to run on Close, after the engine's own workers
// have drained.
func WithCloser(fn func() error) Option {
	return func(s *settings) { s.closers = append(s.closers, fn) }
}

// Engine is the assembled authorization and session core.
type Engine struct {
	Roles       *authz.RoleGraph
	Assignments *authz.Assignments
	Resolver    *authz.Resolver
	Tokens      *token.Manager
	Lockout     *lockout.Manager

	clock      clock.Clock
	logger     *slog.Logger
	accessTTL  time.Duration
	refreshTTL time.Duration
	closers    []func() error
}

func New(stores Stores, opts ...Option) (*Engine, error) {
	if stores.Roles == nil || stores.Assignments == nil || stores.Tokens == nil || stores.Lockout == nil {
		return nil, errors.New("engine: every store is required")
	}
	s := settings{
		lockout:    lockout.DefaultConfig(),
		accessTTL:  15 * time.Minute,
		refreshTTL: 30 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(&s)
	}
	s.clock = clock.OrSystem(s.clock)
	s.logger = obs.Resolve(s.logger)
	if s.audit == nil {
		s.audit = audit.Discard
	}
	if err := s.lockout.Validate(); err != nil {
		return nil, err
	}

	resolver := authz.NewResolver(stores.Roles, stores.Assignments,
		authz.WithCache(s.cache), authz.WithResolverClock(s.clock), authz.WithResolverLogger(s.logger))
	svc := []authz.ServiceOption{authz.WithClock(s.clock), authz.WithAudit(s.audit), authz.WithLogger(s.logger)}
	tokenOpts := append([]token.Option{token.WithClock(s.clock), token.WithAudit(s.audit), token.WithLogger(s.logger)}, s.tokenOpts...)

	return &Engine{
		Roles:       authz.NewRoleGraph(stores.Roles, resolver, svc...),
		Assignments: authz.NewAssignments(stores.Assignments, stores.Roles, resolver, svc...),
		Resolver:    resolver,
		Tokens:      token.NewManager(stores.Tokens, tokenOpts...),
		Lockout: lockout.NewManager(stores.Lockout, s.lockout,
			lockout.WithClock(s.clock), lockout.WithAudit(s.audit), lockout.WithLogger(s.logger)),
		clock:      s.clock,
		logger:     s.logger,
		accessTTL:  s.accessTTL,
		refreshTTL: s.refreshTTL,
		closers:    s.closers,
	}, nil
}

// Close stops background work and releases registered resources.
func (e *Engine) Close() error {
	e.Tokens.Close()
	var errs []error
	for _, fn := range e.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LoginRequest struct {
	UserID string
	// CredentialsValid is the verdict of the caller's credential check;
	// the engine does not see passwords.
	CredentialsValid bool
	Device           string
}

// TokenPair is what a client receives after login or refresh.
type TokenPair struct {
	UserID           string
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Login records the outcome of a credential check and, when it succeeded
// on an unlocked account, issues a fresh token pair. Attempts against a
// locked account fail with ErrAccountLocked and are not counted.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (TokenPair, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return TokenPair{}, fault.ErrInvalidCredentials
	}
	locked, err := e.Lockout.IsLocked(ctx, userID)
	if err != nil {
		return TokenPair{}, err
	}
	if locked {
		return TokenPair{}, fault.ErrAccountLocked
	}

	if !req.CredentialsValid {
		st, err := e.Lockout.RecordFailedAttempt(ctx, userID)
		if err != nil {
			return TokenPair{}, err
		}
		if st.IsLocked(e.clock.Now()) {
			return TokenPair{}, fault.ErrAccountLocked
		}
		return TokenPair{}, fault.ErrInvalidCredentials
	}

	if err := e.Lockout.RecordSuccess(ctx, userID); err != nil {
		return TokenPair{}, err
	}
	refresh, err := e.Tokens.Issue(ctx, token.IssueRequest{
		UserID: userID, Type: token.TypeRefresh, TTL: e.refreshTTL, DeviceInfo: req.Device, Purpose: "session",
	})
	if err != nil {
		return TokenPair{}, err
	}
	return e.pair(ctx, refresh, req.Device)
}

func (e *Engine) pair(ctx context.Context, refresh token.Issued, device string) (TokenPair, error) {
	access, err := e.Tokens.Issue(ctx, token.IssueRequest{
		UserID: refresh.Token.UserID, Type: token.TypeAccess, TTL: e.accessTTL, DeviceInfo: device, Purpose: "session",
	})
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		UserID:           refresh.Token.UserID,
		AccessToken:      access.Value,
		RefreshToken:     refresh.Value,
		AccessExpiresAt:  *access.Token.ExpiresAt,
		RefreshExpiresAt: *refresh.Token.ExpiresAt,
	}, nil
}

// session resolves a presented value to its token and checks the type.
// Every failure reads as ErrInvalidSession.
func (e *Engine) session(ctx context.Context, value string, types ...token.Type) (token.Token, error) {
	t, err := e.Tokens.Inspect(ctx, value)
	if err != nil {
		return token.Token{}, fault.Public(err)
	}
	for _, typ := range types {
		if t.Type == typ {
			return t, nil
		}
	}
	return token.Token{}, fault.ErrInvalidSession
}

// Refresh rotates a refresh token and issues a new access token alongside.
// Presenting an already rotated refresh token fails and is audited as a
// replay.
func (e *Engine) Refresh(ctx context.Context, refreshValue string) (TokenPair, error) {
	t, err := e.session(ctx, refreshValue, token.TypeRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	locked, err := e.Lockout.IsLocked(ctx, t.UserID)
	if err != nil {
		return TokenPair{}, err
	}
	if locked {
		return TokenPair{}, fault.ErrAccountLocked
	}
	next, err := e.Tokens.Rotate(ctx, refreshValue, t.UserID)
	if err != nil {
		return TokenPair{}, fault.Public(err)
	}
	return e.pair(ctx, next, t.DeviceInfo)
}

// Logout revokes the presented access or refresh token.
func (e *Engine) Logout(ctx context.Context, value string) error {
	t, err := e.session(ctx, value, token.TypeAccess, token.TypeRefresh)
	if err != nil {
		return err
	}
	if err := e.Tokens.RevokeByID(ctx, t.ID, t.UserID, "logout"); err != nil {
		return fault.Public(err)
	}
	return nil
}

// LogoutAll revokes every valid token of the user owning the presented
// access token.
func (e *Engine) LogoutAll(ctx context.Context, accessValue string) (token.RevokeSummary, error) {
	t, err := e.session(ctx, accessValue, token.TypeAccess)
	if err != nil {
		return token.RevokeSummary{}, err
	}
	return e.Tokens.RevokeAllForUser(ctx, t.UserID, t.UserID, "logout_all")
}

// Authorize validates an access or system token and checks that its owner
// currently holds resource.action. It returns the owner's user id.
func (e *Engine) Authorize(ctx context.Context, value, resource, action string) (string, error) {
	t, err := e.session(ctx, value, token.TypeAccess, token.TypeSystem)
	if err != nil {
		return "", err
	}
	ok, err := e.Resolver.HasPermission(ctx, t.UserID, resource, action)
	switch {
	case errors.Is(err, fault.ErrUserNotFound):
		ok = false
	case err != nil:
		return "", err
	}
	if !ok {
		e.logger.Debug("permission denied",
			slog.String("user_id", t.UserID), slog.String("permission", authz.PermissionName(resource, action)))
		return "", fmt.Errorf("%w: %s", fault.ErrPermissionDenied, authz.PermissionName(resource, action))
	}
	return t.UserID, nil
}
