package bunt

import (
	"context"
	"errors"

	"github.com/tidwall/buntdb"

	"authcore.org/internal/lockout"
)

var _ lockout.Store = (*Store)(nil)

var errNoLockout = errors.New("no lockout row")

func lockKey(userID string) string { return key("lock", userID) }

func (s *Store) GetLockout(ctx context.Context, userID string) (st lockout.State, err error) {
	err = s.view(ctx, func(tx *buntdb.Tx) error {
		st, err = load[lockout.State](tx, lockKey(userID), errNoLockout)
		return err
	})
	if errors.Is(err, errNoLockout) {
		return lockout.State{UserID: userID}, nil
	}
	return st, err
}

// UpdateLockout runs fn inside buntdb's write transaction, which already
// serializes every writer.
func (s *Store) UpdateLockout(ctx context.Context, userID string, fn func(*lockout.State) error) (lockout.State, error) {
	var out lockout.State
	err := s.update(ctx, func(tx *buntdb.Tx) error {
		st, err := load[lockout.State](tx, lockKey(userID), errNoLockout)
		switch {
		case errors.Is(err, errNoLockout):
			st = lockout.State{UserID: userID}
		case err != nil:
			return err
		}
		if err := fn(&st); err != nil {
			return err
		}
		st.UserID = userID
		out = st
		return save(tx, lockKey(userID), st)
	})
	return out, err
}
