package bunt

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"

	"authcore.org/internal/fault"
	"authcore.org/internal/token"
)

var _ token.Store = (*Store)(nil)

func tokKey(id string) string             { return key("tok", id) }
func tokUserKey(userID, id string) string { return key("tok_user", userID, id) }

func (s *Store) CreateToken(ctx context.Context, t token.Token) error {
	return s.update(ctx, func(tx *buntdb.Tx) error {
		if _, ok, err := exists(tx, tokKey(t.ID)); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: token %s already exists", fault.ErrInvalidInput, t.ID)
		}
		return putToken(tx, t)
	})
}

func putToken(tx *buntdb.Tx, t token.Token) error {
	if _, _, err := tx.Set(tokUserKey(t.UserID, t.ID), "", nil); err != nil {
		return err
	}
	return save(tx, tokKey(t.ID), t)
}

func (s *Store) GetToken(ctx context.Context, id string) (t token.Token, err error) {
	err = s.view(ctx, func(tx *buntdb.Tx) error {
		t, err = load[token.Token](tx, tokKey(id), fault.ErrTokenNotFound)
		return err
	})
	return t, err
}

func (s *Store) RotateToken(ctx context.Context, parentID, rotatedBy string, now time.Time, child token.Token) error {
	return s.update(ctx, func(tx *buntdb.Tx) error {
		parent, err := load[token.Token](tx, tokKey(parentID), fault.ErrTokenNotFound)
		if err != nil {
			return err
		}
		if !parent.IsValid(now) {
			return fault.ErrCannotRotateInvalidToken
		}
		at := now
		parent.IsRotated = true
		parent.RotatedAt = &at
		parent.RotatedBy = rotatedBy
		if err := save(tx, tokKey(parent.ID), parent); err != nil {
			return err
		}
		return putToken(tx, child)
	})
}

func (s *Store) RevokeToken(ctx context.Context, id, revokedBy, reason string, at time.Time) error {
	return s.update(ctx, func(tx *buntdb.Tx) error {
		t, err := load[token.Token](tx, tokKey(id), fault.ErrTokenNotFound)
		if err != nil {
			return err
		}
		if t.IsRevoked {
			return fault.ErrTokenAlreadyRevoked
		}
		t.IsRevoked = true
		t.RevokedAt = &at
		t.RevokedBy = revokedBy
		t.RevokeReason = reason
		return save(tx, tokKey(id), t)
	})
}

func (s *Store) ListValidTokens(ctx context.Context, userID string, now time.Time) ([]token.Token, error) {
	var out []token.Token
	err := s.view(ctx, func(tx *buntdb.Tx) error {
		prefix := key("tok_user", userID) + ":"
		var ids []string
		if err := scan(tx, prefix, func(k, _ string) error {
			ids = append(ids, k[len(prefix):])
			return nil
		}); err != nil {
			return err
		}
		for _, id := range ids {
			t, err := load[token.Token](tx, tokKey(id), fault.ErrTokenNotFound)
			if err != nil {
				return err
			}
			if t.IsValid(now) {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) RecordUsage(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, func(tx *buntdb.Tx) error {
		t, err := load[token.Token](tx, tokKey(id), fault.ErrTokenNotFound)
		if err != nil {
			return err
		}
		t.UsageCount++
		t.LastUsedAt = &at
		return save(tx, tokKey(id), t)
	})
}

func (s *Store) DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error) {
	n := 0
	err := s.update(ctx, func(tx *buntdb.Tx) error {
		var doomed []token.Token
		if err := scan(tx, "tok:", func(k, _ string) error {
			t, err := load[token.Token](tx, k, fault.ErrTokenNotFound)
			if err != nil {
				return err
			}
			if t.ExpiresAt != nil && t.ExpiresAt.Before(before) {
				doomed = append(doomed, t)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, t := range doomed {
			if err := drop(tx, tokKey(t.ID)); err != nil {
				return err
			}
			if err := drop(tx, tokUserKey(t.UserID, t.ID)); err != nil {
				return err
			}
		}
		n = len(doomed)
		return nil
	})
	return n, err
}
