package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"authcore.org/internal/audit"
	"authcore.org/internal/clock"
	"authcore.org/internal/fault"
	"authcore.org/internal/ids"
	"authcore.org/internal/obs"
)

// Limits caps the TTL a caller may request per token type.
type Limits struct {
	MaxTTL map[Type]time.Duration
	// Default applies to types missing from MaxTTL.
	Default time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxTTL: map[Type]time.Duration{
			TypeAccess:  time.Hour,
			TypeRefresh: 90 * 24 * time.Hour,
		},
		Default: 7 * 24 * time.Hour,
	}
}

func (l Limits) max(t Type) time.Duration {
	if d, ok := l.MaxTTL[t]; ok {
		return d
	}
	return l.Default
}

type IssueRequest struct {
	UserID     string
	Type       Type
	Purpose    string
	TTL        time.Duration
	DeviceInfo string
	Provider   string
	Name       string
}

type SystemRequest struct {
	UserID   string
	Provider string
	Name     string
	Purpose  string
	Actor    string
}

// Issued carries the stored row and the value handed to the client. The
// value is not recoverable afterwards.
type Issued struct {
	Token Token
	Value string
}

// RevokeSummary reports the outcome of RevokeAllForUser.
type RevokeSummary struct {
	Revoked        int
	AlreadyRevoked int
	Failed         []string
}

type Manager struct {
	store  Store
	clock  clock.Clock
	audit  audit.Recorder
	logger *slog.Logger
	limits Limits
	opaque Codec
	access Codec
	buffer int
	usage  *usageRecorder
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option    { return func(m *Manager) { m.clock = c } }
func WithAudit(r audit.Recorder) Option { return func(m *Manager) { m.audit = r } }
func WithLogger(l *slog.Logger) Option  { return func(m *Manager) { m.logger = l } }
func WithLimits(l Limits) Option        { return func(m *Manager) { m.limits = l } }

// WithAccessCodec sets the codec used for access tokens; other types always
// use opaque values.
func WithAccessCodec(c Codec) Option { return func(m *Manager) { m.access = c } }

// WithUsageBuffer sets the queue length of the usage recorder.
func WithUsageBuffer(n int) Option { return func(m *Manager) { m.buffer = n } }

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, limits: DefaultLimits(), opaque: Opaque{}}
	for _, opt := range opts {
		opt(m)
	}
	m.clock = clock.OrSystem(m.clock)
	m.logger = obs.Resolve(m.logger)
	if m.audit == nil {
		m.audit = audit.Discard
	}
	if m.access == nil {
		m.access = m.opaque
	}
	m.usage = newUsageRecorder(store, m.logger, m.buffer)
	return m
}

// Close flushes pending usage updates.
func (m *Manager) Close() { m.usage.close() }

func (m *Manager) codecFor(t Type) Codec {
	if t == TypeAccess {
		return m.access
	}
	return m.opaque
}

// Issue creates a user-facing token. TTL must be positive and within the
// limit for the type; system tokens go through IssueSystem.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (iss Issued, err error) {
	defer func() { obs.ObserveTokenOp("issue", err) }()

	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return Issued{}, fmt.Errorf("%w: user id is required", fault.ErrInvalidInput)
	}
	switch req.Type {
	case "", TypeSystem:
		return Issued{}, fault.ErrInvalidTokenType
	}
	if req.TTL <= 0 || req.TTL > m.limits.max(req.Type) {
		return Issued{}, fault.ErrInvalidTTL
	}

	now := m.clock.Now()
	exp := now.Add(req.TTL)
	t := Token{
		ID:         ids.At(now),
		UserID:     req.UserID,
		Provider:   req.Provider,
		Name:       req.Name,
		Type:       req.Type,
		Purpose:    req.Purpose,
		DeviceInfo: req.DeviceInfo,
		IssuedAt:   now,
		ExpiresAt:  &exp,
		IsActive:   true,
	}
	return m.create(ctx, t, req.UserID)
}

// IssueSystem creates a non-expiring system token, e.g. for a service
// account. It can only be ended by revocation.
func (m *Manager) IssueSystem(ctx context.Context, req SystemRequest) (iss Issued, err error) {
	defer func() { obs.ObserveTokenOp("issue_system", err) }()

	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || strings.TrimSpace(req.Name) == "" {
		return Issued{}, fmt.Errorf("%w: user id and name are required", fault.ErrInvalidInput)
	}
	now := m.clock.Now()
	t := Token{
		ID:       ids.At(now),
		UserID:   req.UserID,
		Provider: req.Provider,
		Name:     req.Name,
		Type:     TypeSystem,
		Purpose:  req.Purpose,
		IssuedAt: now,
		IsActive: true,
	}
	return m.create(ctx, t, req.Actor)
}

func (m *Manager) create(ctx context.Context, t Token, actor string) (Issued, error) {
	value, err := m.codecFor(t.Type).Encode(t)
	if err != nil {
		return Issued{}, err
	}
	t.Hash = HashValue(value)
	if err := m.store.CreateToken(ctx, t); err != nil {
		return Issued{}, fault.FromContext(ctx, err)
	}
	m.recordIssued(ctx, actor, t)
	return Issued{Token: t, Value: value}, nil
}

func (m *Manager) recordIssued(ctx context.Context, actor string, t Token) {
	m.audit.Record(ctx, audit.TokenIssued{
		Meta:          audit.Stamp(actor, t.IssuedAt),
		TokenID:       t.ID,
		UserID:        t.UserID,
		TokenType:     string(t.Type),
		Purpose:       t.Purpose,
		ParentTokenID: t.ParentTokenID,
		ExpiresAt:     t.ExpiresAt,
	})
}

// lookup resolves a presented value to its stored row without judging its
// state. Unknown ids, undecodable values and hash mismatches all read as
// ErrTokenNotFound.
func (m *Manager) lookup(ctx context.Context, value string) (Token, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Token{}, fault.ErrTokenNotFound
	}
	codec := m.opaque
	if looksLikeJWT(value) {
		codec = m.access
	}
	id, err := codec.Decode(value)
	if err != nil {
		return Token{}, fault.Wrap(fault.ErrTokenNotFound, err)
	}
	t, err := m.store.GetToken(ctx, id)
	if err != nil {
		return Token{}, fault.FromContext(ctx, err)
	}
	if subtle.ConstantTimeCompare([]byte(t.Hash), []byte(HashValue(value))) != 1 {
		return Token{}, fault.ErrTokenNotFound
	}
	return t, nil
}

// check reports why t cannot be used at now, in order: revoked, rotated,
// inactive, expired.
func check(t Token, now time.Time) error {
	switch {
	case t.IsRevoked:
		return fault.ErrTokenRevoked
	case t.IsRotated:
		return fault.ErrTokenRotated
	case !t.IsActive:
		return fault.ErrTokenInactive
	case t.ExpiredAt(now):
		return fault.ErrTokenExpired
	}
	return nil
}

// Inspect validates value and returns the stored token. Usage is recorded
// in the background and never affects the result.
func (m *Manager) Inspect(ctx context.Context, value string) (t Token, err error) {
	defer func() { obs.ObserveTokenOp("validate", err) }()

	t, err = m.lookup(ctx, value)
	if err != nil {
		return Token{}, err
	}
	now := m.clock.Now()
	if err := check(t, now); err != nil {
		if errors.Is(err, fault.ErrTokenRotated) {
			m.replay(ctx, t, now)
		}
		return Token{}, err
	}
	m.usage.record(t.ID, now)
	return t, nil
}

// Validate returns the user id that owns a usable token.
func (m *Manager) Validate(ctx context.Context, value string) (string, error) {
	t, err := m.Inspect(ctx, value)
	if err != nil {
		return "", err
	}
	return t.UserID, nil
}

func (m *Manager) replay(ctx context.Context, t Token, now time.Time) {
	m.logger.Warn("rotated token presented", slog.String("token_id", t.ID), slog.String("user_id", t.UserID))
	m.audit.Record(ctx, audit.TokenReplayDetected{Meta: audit.Stamp("", now), TokenID: t.ID, UserID: t.UserID})
}

// Rotate replaces a valid token with a child of the same kind and lifetime.
// The old token is marked rotated, not revoked, and stays readable for
// audit. Of two concurrent rotations of one token exactly one succeeds.
func (m *Manager) Rotate(ctx context.Context, oldValue, rotatedBy string) (iss Issued, err error) {
	defer func() { obs.ObserveTokenOp("rotate", err) }()

	old, err := m.lookup(ctx, oldValue)
	if err != nil {
		if fault.Is(err, fault.Timeout) {
			return Issued{}, err
		}
		return Issued{}, fault.Wrap(fault.ErrCannotRotateInvalidToken, err)
	}
	now := m.clock.Now()
	if err := check(old, now); err != nil {
		if errors.Is(err, fault.ErrTokenRotated) {
			m.replay(ctx, old, now)
		}
		return Issued{}, fault.Wrap(fault.ErrCannotRotateInvalidToken, err)
	}

	child := Token{
		ID:            ids.At(now),
		UserID:        old.UserID,
		Provider:      old.Provider,
		Name:          old.Name,
		Type:          old.Type,
		Purpose:       old.Purpose,
		DeviceInfo:    old.DeviceInfo,
		IssuedAt:      now,
		IsActive:      true,
		ParentTokenID: old.ID,
	}
	if life := old.lifetime(); life > 0 {
		exp := now.Add(life)
		child.ExpiresAt = &exp
	}
	value, err := m.codecFor(child.Type).Encode(child)
	if err != nil {
		return Issued{}, err
	}
	child.Hash = HashValue(value)

	if err := m.store.RotateToken(ctx, old.ID, rotatedBy, now, child); err != nil {
		return Issued{}, fault.FromContext(ctx, err)
	}
	m.audit.Record(ctx, audit.TokenRotated{Meta: audit.Stamp(rotatedBy, now), OldTokenID: old.ID, NewTokenID: child.ID, UserID: old.UserID})
	m.recordIssued(ctx, rotatedBy, child)
	return Issued{Token: child, Value: value}, nil
}

// Revoke permanently disables the token behind value. Revoking twice fails
// with ErrTokenAlreadyRevoked.
func (m *Manager) Revoke(ctx context.Context, value, revokedBy, reason string) (err error) {
	defer func() { obs.ObserveTokenOp("revoke", err) }()

	t, err := m.lookup(ctx, value)
	if err != nil {
		return err
	}
	return m.revoke(ctx, t, revokedBy, reason)
}

// RevokeByID revokes by token id, for administrative paths that never see
// the value.
func (m *Manager) RevokeByID(ctx context.Context, id, revokedBy, reason string) (err error) {
	defer func() { obs.ObserveTokenOp("revoke", err) }()

	t, err := m.store.GetToken(ctx, id)
	if err != nil {
		return fault.FromContext(ctx, err)
	}
	return m.revoke(ctx, t, revokedBy, reason)
}

func (m *Manager) revoke(ctx context.Context, t Token, revokedBy, reason string) error {
	if t.IsRevoked {
		return fault.ErrTokenAlreadyRevoked
	}
	now := m.clock.Now()
	if err := m.store.RevokeToken(ctx, t.ID, revokedBy, reason, now); err != nil {
		return fault.FromContext(ctx, err)
	}
	m.audit.Record(ctx, audit.TokenRevoked{Meta: audit.Stamp(revokedBy, now), TokenID: t.ID, UserID: t.UserID, Reason: reason})
	return nil
}

// RevokeAllForUser revokes every token of the user that is valid now. It is
// not atomic: on failure the tokens revoked so far stay revoked and the
// error wraps ErrPartialRevocation. Calling it again finishes the job.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID, revokedBy, reason string) (sum RevokeSummary, err error) {
	defer func() { obs.ObserveTokenOp("revoke_all", err) }()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return RevokeSummary{}, fault.ErrInvalidInput
	}
	now := m.clock.Now()
	tokens, err := m.store.ListValidTokens(ctx, userID, now)
	if err != nil {
		return RevokeSummary{}, fault.FromContext(ctx, err)
	}

	var errs []error
	for _, t := range tokens {
		if ctx.Err() != nil {
			sum.Failed = append(sum.Failed, t.ID)
			continue
		}
		err := m.store.RevokeToken(ctx, t.ID, revokedBy, reason, now)
		switch {
		case err == nil:
			sum.Revoked++
		case errors.Is(err, fault.ErrTokenAlreadyRevoked):
			sum.AlreadyRevoked++
		default:
			sum.Failed = append(sum.Failed, t.ID)
			errs = append(errs, fmt.Errorf("revoke %s: %w", t.ID, err))
		}
	}
	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}

	m.audit.Record(ctx, audit.UserTokensRevoked{
		Meta:    audit.Stamp(revokedBy, now),
		UserID:  userID,
		Revoked: sum.Revoked,
		Failed:  len(sum.Failed),
		Reason:  reason,
	})
	if len(sum.Failed) > 0 {
		m.logger.Warn("partial token revocation",
			slog.String("user_id", userID),
			slog.Int("revoked", sum.Revoked),
			slog.Int("failed", len(sum.Failed)))
		return sum, fault.Wrap(fault.ErrPartialRevocation, errors.Join(errs...))
	}
	return sum, nil
}

// Chain returns the token and its rotation ancestors, newest first.
func (m *Manager) Chain(ctx context.Context, tokenID string) ([]Token, error) {
	const maxDepth = 1000
	var chain []Token
	seen := map[string]bool{}
	for id := tokenID; id != "" && len(chain) < maxDepth; {
		if seen[id] {
			return nil, fmt.Errorf("token chain loops at %s", id)
		}
		seen[id] = true
		t, err := m.store.GetToken(ctx, id)
		if err != nil {
			if len(chain) > 0 && errors.Is(err, fault.ErrTokenNotFound) {
				// Ancestors may already have been purged.
				break
			}
			return nil, fault.FromContext(ctx, err)
		}
		chain = append(chain, t)
		id = t.ParentTokenID
	}
	return chain, nil
}

// PurgeExpired deletes tokens whose expiry is before the given instant and
// returns how many were removed.
func (m *Manager) PurgeExpired(ctx context.Context, before time.Time) (n int, err error) {
	defer func() { obs.ObserveTokenOp("purge", err) }()

	n, err = m.store.DeleteExpiredTokens(ctx, before)
	if err != nil {
		return 0, fault.FromContext(ctx, err)
	}
	if n > 0 {
		m.logger.Info("expired tokens purged", slog.Int("count", n), slog.Time("before", before))
	}
	return n, nil
}
